// Package metrics exposes Prometheus instrumentation for tasks and batches.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics owns a registry and the collectors registered on it.
type Metrics struct {
	Registry *prometheus.Registry

	TaskDuration  *prometheus.HistogramVec
	TaskTotal     *prometheus.CounterVec
	BatchDuration prometheus.Histogram
	BatchTotal    *prometheus.CounterVec
	HistoryOps    *prometheus.CounterVec
	Busy          prometheus.Gauge
	Subscribers   prometheus.Gauge
}

// New creates collectors on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		TaskDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "vfxproc_task_duration_seconds",
				Help:    "Effect task duration in seconds.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"effect"},
		),
		TaskTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vfxproc_task_total",
				Help: "Effect tasks by outcome.",
			},
			[]string{"effect", "status"}, // completed | failed
		),
		BatchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "vfxproc_batch_duration_seconds",
			Help:    "Batch run duration in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		}),
		BatchTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vfxproc_batch_total",
				Help: "Batch runs by outcome.",
			},
			[]string{"status"},
		),
		HistoryOps: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vfxproc_history_operations_total",
				Help: "Undo/redo history operations.",
			},
			[]string{"op"}, // push | undo | redo
		),
		Busy: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "vfxproc_busy",
			Help: "1 while a task or batch is in flight.",
		}),
		Subscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "vfxproc_event_subscribers",
			Help: "Connected event stream subscribers.",
		}),
	}
	m.Registry.MustRegister(
		m.TaskDuration, m.TaskTotal,
		m.BatchDuration, m.BatchTotal,
		m.HistoryOps, m.Busy, m.Subscribers,
		collectors.NewGoCollector(),
	)
	return m
}

// ObserveTask records one task outcome. Nil-safe.
func (m *Metrics) ObserveTask(effect, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.TaskDuration.WithLabelValues(effect).Observe(d.Seconds())
	m.TaskTotal.WithLabelValues(effect, status).Inc()
}

// ObserveBatch records one batch outcome. Nil-safe.
func (m *Metrics) ObserveBatch(status string, d time.Duration) {
	if m == nil {
		return
	}
	m.BatchDuration.Observe(d.Seconds())
	m.BatchTotal.WithLabelValues(status).Inc()
}

// HistoryOp counts a history operation by name. Nil-safe.
func (m *Metrics) HistoryOp(op string) {
	if m == nil {
		return
	}
	m.HistoryOps.WithLabelValues(op).Inc()
}

// SetBusy reports the in-flight flag. Nil-safe.
func (m *Metrics) SetBusy(busy bool) {
	if m == nil {
		return
	}
	if busy {
		m.Busy.Set(1)
	} else {
		m.Busy.Set(0)
	}
}

// AddSubscribers adjusts the subscriber gauge. Nil-safe.
func (m *Metrics) AddSubscribers(delta int) {
	if m == nil {
		return
	}
	m.Subscribers.Add(float64(delta))
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{Registry: m.Registry})
}
