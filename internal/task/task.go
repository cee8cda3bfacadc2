package task

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"vfxproc/internal/engine"
	"vfxproc/internal/logging"
)

// ErrEngine wraps every failure reported by the effect engine.
var ErrEngine = errors.New("engine failure")

// Task is one effect applied to one image.
type Task struct {
	ID     string `json:"id"`
	Input  string `json:"input"`
	Effect string `json:"effect"`
	Output string `json:"output"`
}

// New creates a Task with a fresh ID.
func New(input, effect, output string) Task {
	return Task{ID: uuid.NewString(), Input: input, Effect: effect, Output: output}
}

// Observer receives per-task outcomes. status is "completed" or "failed".
type Observer interface {
	ObserveTask(effect, status string, d time.Duration)
}

// Runner executes tasks against an engine, blocking or in the background.
type Runner struct {
	engine   engine.Engine
	log      *slog.Logger
	observer Observer
}

// NewRunner creates a Runner. observer may be nil.
func NewRunner(eng engine.Engine, logger *slog.Logger, observer Observer) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{engine: eng, log: logger, observer: observer}
}

// Run executes t synchronously and returns the output path.
func (r *Runner) Run(ctx context.Context, t Task, onProgress engine.ProgressFunc) (path string, err error) {
	start := time.Now()
	logging.LogTaskStart(r.log, t.ID, t.Effect, t.Input, t.Output)

	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("%w: %s on %s: panic: %v", ErrEngine, t.Effect, t.Input, p)
		}
		d := time.Since(start)
		if err != nil {
			logging.LogTaskError(r.log, t.ID, t.Effect, d, err)
			r.observe(t.Effect, "failed", d)
			return
		}
		logging.LogTaskComplete(r.log, t.ID, t.Effect, path, d)
		r.observe(t.Effect, "completed", d)
	}()

	out, perr := r.engine.Process(ctx, t.Input, t.Effect, t.Output, onProgress)
	if perr != nil {
		return "", fmt.Errorf("%w: %s on %s: %w", ErrEngine, t.Effect, t.Input, perr)
	}
	if out == "" {
		out = t.Output
	}
	return out, nil
}

func (r *Runner) observe(effect, status string, d time.Duration) {
	if r.observer != nil {
		r.observer.ObserveTask(effect, status, d)
	}
}

// Start executes t in a new goroutine. The returned Handle always delivers
// exactly one terminal event.
func (r *Runner) Start(ctx context.Context, t Task) *Handle {
	h := &Handle{
		task:   t,
		events: make(chan Event, eventBuffer),
		done:   make(chan struct{}),
	}
	go h.run(ctx, r)
	return h
}
