// Package session orchestrates one editing session: the displayed image,
// its undo/redo history, the batch queue and the single in-flight task.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"vfxproc/internal/batch"
	"vfxproc/internal/engine"
	"vfxproc/internal/history"
	"vfxproc/internal/metrics"
	"vfxproc/internal/scratch"
	"vfxproc/internal/storage"
	"vfxproc/internal/task"
)

var (
	// ErrBusy is returned when a task or batch is already in flight.
	ErrBusy = errors.New("a task is already in progress")
	// ErrNothingToSave is returned when no processed image exists.
	ErrNothingToSave = errors.New("no processed image to save")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("session closed")
)

// Options configures a Session.
type Options struct {
	Engine     engine.Engine
	TempDir    string
	KeepTemp   bool
	RedoPolicy history.RedoPolicy
	Logger     *slog.Logger
	Store      *storage.Store   // optional audit log
	Metrics    *metrics.Metrics // optional
}

// Session owns the displayed image and everything that changes it.
//
// User operations are serialized by ops. The displayed state, the processed
// path and the busy flag are guarded by mu, which is also taken by the
// goroutine that finishes an async task.
type Session struct {
	log     *slog.Logger
	store   *storage.Store
	metrics *metrics.Metrics
	runner  *task.Runner
	stack   *history.Stack
	queue   *batch.Queue
	hub     *hub

	ctx    context.Context
	cancel context.CancelFunc

	ops sync.Mutex

	mu        sync.Mutex
	current   history.ImageState
	origin    string
	processed string
	busy      bool
	idle      chan struct{}
	closed    bool
}

// New creates a Session with a fresh temp directory.
func New(opts Options) (*Session, error) {
	if opts.Engine == nil {
		return nil, errors.New("session requires an engine")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	alloc, err := scratch.New(opts.TempDir, opts.KeepTemp)
	if err != nil {
		return nil, err
	}

	var observer task.Observer
	if opts.Metrics != nil {
		observer = opts.Metrics
	}

	idle := make(chan struct{})
	close(idle)

	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		log:     logger,
		store:   opts.Store,
		metrics: opts.Metrics,
		runner:  task.NewRunner(opts.Engine, logger, observer),
		queue:   batch.New(alloc, batch.WithLogger(logger)),
		hub:     newHub(logger, opts.Metrics),
		ctx:     ctx,
		cancel:  cancel,
		idle:    idle,
	}
	s.stack = history.NewStack(s, opts.RedoPolicy)
	return s, nil
}

// Open makes path the displayed image. History is kept.
func (s *Session) Open(path string) error {
	s.ops.Lock()
	defer s.ops.Unlock()
	if err := s.usable(); err != nil {
		return err
	}
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}

	state := history.ImageState{Path: path}
	s.mu.Lock()
	s.current = state
	s.origin = path
	s.mu.Unlock()

	s.log.Info("image opened", "path", path)
	s.hub.publish(Event{Kind: EventState, Path: path})
	return nil
}

// ApplyEffect records a command applying effect to the displayed image and
// starts processing it in the background. The effect is also queued for
// the next batch run. With no image open the command is recorded without
// processing.
func (s *Session) ApplyEffect(effect string) error {
	if effect == "" {
		return errors.New("effect name is required")
	}
	s.ops.Lock()
	defer s.ops.Unlock()
	if err := s.usable(); err != nil {
		return err
	}

	s.mu.Lock()
	old := s.current
	s.mu.Unlock()

	cmd := history.NewEffectCommand(effect, old)
	s.queue.AddEffect(effect)
	s.metrics.HistoryOp("push")
	return s.stack.Push(cmd)
}

// Undo reverts the last applied command. It never runs the engine.
func (s *Session) Undo() error {
	s.ops.Lock()
	defer s.ops.Unlock()
	if err := s.usable(); err != nil {
		return err
	}
	if !s.stack.CanUndo() {
		return nil
	}
	s.metrics.HistoryOp("undo")
	return s.stack.Undo()
}

// Redo re-applies the next command, from cache when it has a result.
func (s *Session) Redo() error {
	s.ops.Lock()
	defer s.ops.Unlock()
	if err := s.usable(); err != nil {
		return err
	}
	if !s.stack.CanRedo() {
		return nil
	}
	s.metrics.HistoryOp("redo")
	return s.stack.Redo()
}

// ClearHistory forgets every command. The displayed image is kept.
func (s *Session) ClearHistory() error {
	s.ops.Lock()
	defer s.ops.Unlock()
	if err := s.usable(); err != nil {
		return err
	}
	s.metrics.HistoryOp("clear")
	s.stack.Clear()
	return nil
}

// Wait blocks until nothing is in flight or ctx is done.
func (s *Session) Wait(ctx context.Context) error {
	s.mu.Lock()
	idle := s.idle
	s.mu.Unlock()
	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Busy reports whether a task or batch is in flight.
func (s *Session) Busy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.busy
}

// Current returns the displayed image.
func (s *Session) Current() history.ImageState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// Effects returns the effects queued for the next batch run.
func (s *Session) Effects() []string {
	return s.queue.Effects()
}

// ClearEffects empties the batch effect queue.
func (s *Session) ClearEffects() {
	s.queue.ClearEffects()
}

// Subscribe returns a channel of session events and a function that
// cancels the subscription. Slow subscribers miss events.
func (s *Session) Subscribe() (<-chan Event, func()) {
	return s.hub.subscribe()
}

// Apply implements history.Executor. It starts the task for cmd in the
// background and returns immediately.
func (s *Session) Apply(cmd *history.EffectCommand) error {
	if err := s.acquire(); err != nil {
		return err
	}

	t := task.New(cmd.OldState.Path, cmd.Effect, s.queue.TempPath(cmd.OldState.Path))
	if n := s.stack.Invalidate(t.Output, cmd.ID); n > 0 {
		s.log.Debug("dropped cached results about to be overwritten", "path", t.Output, "commands", n)
	}
	if err := s.store.RecordTaskStart(storage.TaskRecord{
		ID:         t.ID,
		Kind:       string(cmd.Kind()),
		Effect:     t.Effect,
		InputPath:  t.Input,
		OutputPath: t.Output,
	}); err != nil {
		s.log.Warn("failed to record task", "id", t.ID, "error", err)
	}

	h := s.runner.Start(s.ctx, t)
	go s.finish(cmd, h)
	return nil
}

// Show implements history.Executor.
func (s *Session) Show(state history.ImageState) {
	s.mu.Lock()
	s.current = state
	if state.Effect != "" {
		s.processed = state.Path
	}
	s.mu.Unlock()
	s.hub.publish(Event{Kind: EventState, Path: state.Path, Effect: state.Effect})
}

// finish relays task events and records the outcome on the history.
func (s *Session) finish(cmd *history.EffectCommand, h *task.Handle) {
	taskID := h.Task().ID
	var terminal Event

	for ev := range h.Events() {
		switch ev.Kind {
		case task.EventProgress:
			s.hub.publish(Event{Kind: EventProgress, TaskID: taskID, Effect: cmd.Effect, Percent: ev.Percent})
		case task.EventFailed:
			s.stack.Fail(cmd.ID, ev.Err)
			s.recordTask(taskID, storage.StatusFailed, "", ev.Err)
			terminal = Event{Kind: EventFailed, TaskID: taskID, Effect: cmd.Effect, Percent: ev.Percent, Failure: FailureEngine, Err: ev.Err}
		case task.EventCompleted:
			if err := engine.Validate(ev.Path); err != nil {
				s.log.Error("processed image is not usable", "path", ev.Path, "error", err)
				s.stack.Fail(cmd.ID, err)
				s.recordTask(taskID, storage.StatusFailed, ev.Path, err)
				terminal = Event{Kind: EventFailed, TaskID: taskID, Effect: cmd.Effect, Path: ev.Path, Percent: 100, Failure: FailureInvalidResult, Err: err}
				continue
			}
			state := history.ImageState{Path: ev.Path, Effect: cmd.Effect}
			s.stack.Resolve(cmd.ID, state)
			s.mu.Lock()
			s.current = state
			s.processed = ev.Path
			s.mu.Unlock()
			s.recordTask(taskID, storage.StatusCompleted, ev.Path, nil)
			terminal = Event{Kind: EventCompleted, TaskID: taskID, Effect: cmd.Effect, Path: ev.Path, Percent: 100}
		}
	}

	s.release()
	s.hub.publish(terminal)
}

func (s *Session) recordTask(id, status, output string, taskErr error) {
	msg := ""
	if taskErr != nil {
		msg = taskErr.Error()
	}
	if err := s.store.RecordTaskResult(id, status, output, msg); err != nil {
		s.log.Warn("failed to record task result", "id", id, "error", err)
	}
}

func (s *Session) usable() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if s.busy {
		return ErrBusy
	}
	return nil
}

func (s *Session) acquire() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if s.busy {
		return ErrBusy
	}
	s.busy = true
	s.idle = make(chan struct{})
	s.metrics.SetBusy(true)
	return nil
}

func (s *Session) release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.busy {
		return
	}
	s.busy = false
	close(s.idle)
	s.metrics.SetBusy(false)
}

// Close cancels in-flight work, waits for it, closes every subscription and
// removes the temp directory.
func (s *Session) Close() error {
	s.ops.Lock()
	defer s.ops.Unlock()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	idle := s.idle
	s.mu.Unlock()

	s.cancel()
	select {
	case <-idle:
	case <-time.After(30 * time.Second):
		s.log.Warn("in-flight task did not stop before close")
	}

	s.hub.close()
	return s.queue.Close()
}
