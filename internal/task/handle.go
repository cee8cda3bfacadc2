package task

import (
	"context"
)

const eventBuffer = 32

// EventKind distinguishes progress from terminal events.
type EventKind string

const (
	EventProgress  EventKind = "progress"
	EventCompleted EventKind = "completed"
	EventFailed    EventKind = "failed"
)

// Event is delivered on a Handle's channel.
type Event struct {
	TaskID  string    `json:"task_id"`
	Kind    EventKind `json:"kind"`
	Percent int       `json:"percent"`
	Path    string    `json:"path,omitempty"`
	Err     error     `json:"-"`
}

// Terminal reports whether e ends the event stream.
func (e Event) Terminal() bool {
	return e.Kind == EventCompleted || e.Kind == EventFailed
}

// Handle tracks one background task.
type Handle struct {
	task   Task
	events chan Event
	done   chan struct{}
	result Event
}

// Task returns the task being executed.
func (h *Handle) Task() Task { return h.task }

// Events delivers progress events followed by one terminal event; the
// channel is closed afterwards. Progress events are dropped when the
// consumer lags, the terminal event never is.
func (h *Handle) Events() <-chan Event { return h.events }

// Done is closed once the terminal event has been queued.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Wait blocks until the task finishes and returns its outcome.
func (h *Handle) Wait() (string, error) {
	<-h.done
	return h.result.Path, h.result.Err
}

func (h *Handle) run(ctx context.Context, r *Runner) {
	defer close(h.done)
	defer close(h.events)

	last := -1
	path, err := r.Run(ctx, h.task, func(percent int) {
		percent = clamp(percent)
		last = percent
		h.progress(percent)
	})
	if err != nil {
		h.result = Event{TaskID: h.task.ID, Kind: EventFailed, Percent: max(last, 0), Err: err}
		h.events <- h.result
		return
	}
	if last < 100 {
		h.progress(100)
	}
	h.result = Event{TaskID: h.task.ID, Kind: EventCompleted, Percent: 100, Path: path}
	h.events <- h.result
}

// progress keeps one slot free so the terminal send never blocks.
func (h *Handle) progress(percent int) {
	if len(h.events) >= cap(h.events)-1 {
		return
	}
	h.events <- Event{TaskID: h.task.ID, Kind: EventProgress, Percent: percent}
}

func clamp(p int) int {
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}
