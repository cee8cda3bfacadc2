package session

import (
	"log/slog"
	"sync"
	"time"

	"vfxproc/internal/metrics"
)

// EventKind names a session event.
type EventKind string

const (
	EventState          EventKind = "state"
	EventProgress       EventKind = "progress"
	EventCompleted      EventKind = "completed"
	EventFailed         EventKind = "failed"
	EventBatchProgress  EventKind = "batch_progress"
	EventBatchCompleted EventKind = "batch_completed"
	EventBatchFailed    EventKind = "batch_failed"
)

// Failure kinds carried by EventFailed.
const (
	FailureEngine        = "engine"
	FailureInvalidResult = "invalid_result"
)

// Event is published to every subscriber.
type Event struct {
	Kind      EventKind         `json:"kind"`
	TaskID    string            `json:"task_id,omitempty"`
	Effect    string            `json:"effect,omitempty"`
	File      string            `json:"file,omitempty"`
	Path      string            `json:"path,omitempty"`
	Percent   int               `json:"percent"`
	Failure   string            `json:"failure,omitempty"`
	Error     string            `json:"error,omitempty"`
	Processed map[string]string `json:"processed,omitempty"`
	Time      time.Time         `json:"time"`

	Err error `json:"-"`
}

// Terminal reports whether e ends a task or a batch.
func (e Event) Terminal() bool {
	switch e.Kind {
	case EventCompleted, EventFailed, EventBatchCompleted, EventBatchFailed:
		return true
	}
	return false
}

const subscriberBuffer = 64

type hub struct {
	log     *slog.Logger
	metrics *metrics.Metrics

	mu     sync.Mutex
	subs   map[int]chan Event
	nextID int
	closed bool
}

func newHub(logger *slog.Logger, m *metrics.Metrics) *hub {
	return &hub{log: logger, metrics: m, subs: make(map[int]chan Event)}
}

func (h *hub) subscribe() (<-chan Event, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	ch := make(chan Event, subscriberBuffer)
	if h.closed {
		close(ch)
		return ch, func() {}
	}
	id := h.nextID
	h.nextID++
	h.subs[id] = ch
	h.metrics.AddSubscribers(1)
	unsub := func() {
		h.mu.Lock()
		if c, ok := h.subs[id]; ok {
			close(c)
			delete(h.subs, id)
			h.metrics.AddSubscribers(-1)
		}
		h.mu.Unlock()
	}
	return ch, unsub
}

func (h *hub) publish(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	if ev.Err != nil && ev.Error == "" {
		ev.Error = ev.Err.Error()
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, ch := range h.subs {
		select {
		case ch <- ev:
			continue
		default:
		}
		if !ev.Terminal() {
			h.log.Warn("event channel full", "subscriber", id, "kind", ev.Kind)
			continue
		}
		if !h.evict(ch) {
			h.log.Warn("subscriber too far behind, closing", "subscriber", id, "kind", ev.Kind)
			close(ch)
			delete(h.subs, id)
			h.metrics.AddSubscribers(-1)
			continue
		}
		select {
		case ch <- ev:
		default:
		}
	}
}

// evict removes the oldest buffered event from ch to make room for a
// terminal event. It reports false when the evicted event was terminal.
func (h *hub) evict(ch chan Event) bool {
	select {
	case old := <-ch:
		return !old.Terminal()
	default:
		return true
	}
}

func (h *hub) close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for id, ch := range h.subs {
		close(ch)
		delete(h.subs, id)
		h.metrics.AddSubscribers(-1)
	}
}
