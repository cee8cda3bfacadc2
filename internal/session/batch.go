package session

import (
	"context"
	"time"

	"github.com/google/uuid"

	"vfxproc/internal/batch"
	"vfxproc/internal/storage"
)

// AddBatchFiles appends files to the batch list and returns how many were new.
func (s *Session) AddBatchFiles(files ...string) int {
	return s.queue.AddFiles(files...)
}

// BatchFiles returns the batch list.
func (s *Session) BatchFiles() []string {
	return s.queue.Files()
}

// ClearBatchFiles empties the batch list.
func (s *Session) ClearBatchFiles() {
	s.queue.ClearFiles()
}

// BatchResult is the outcome of a batch run started with StartBatch.
type BatchResult struct {
	Processed map[string]string
	Err       error
}

// ProcessBatch runs every queued effect over every batch file on the
// calling goroutine. It holds the in-flight guard for the whole run and
// publishes batch_progress after each step.
func (s *Session) ProcessBatch(ctx context.Context) (map[string]string, error) {
	files, effects, err := s.beginBatch()
	if err != nil {
		return nil, err
	}
	return s.runBatch(ctx, files, effects)
}

// StartBatch claims the in-flight guard and runs the batch in the
// background. Errors that prevent the run are returned directly; the
// channel receives exactly one result once the run ends.
func (s *Session) StartBatch(ctx context.Context) (<-chan BatchResult, error) {
	files, effects, err := s.beginBatch()
	if err != nil {
		return nil, err
	}
	done := make(chan BatchResult, 1)
	go func() {
		processed, err := s.runBatch(ctx, files, effects)
		done <- BatchResult{Processed: processed, Err: err}
	}()
	return done, nil
}

// beginBatch snapshots the batch under the ops lock and acquires the
// in-flight guard. The caller must run runBatch, which releases it.
func (s *Session) beginBatch() ([]string, []string, error) {
	s.ops.Lock()
	defer s.ops.Unlock()
	if err := s.usable(); err != nil {
		return nil, nil, err
	}
	files := s.queue.Files()
	effects := s.queue.Effects()
	if len(files) == 0 || len(effects) == 0 {
		s.log.Info("no files or effects to process")
		return nil, nil, batch.ErrNothingToProcess
	}
	if err := s.acquire(); err != nil {
		return nil, nil, err
	}
	return files, effects, nil
}

func (s *Session) runBatch(ctx context.Context, files, effects []string) (map[string]string, error) {
	defer s.release()

	runID := uuid.NewString()
	if err := s.store.RecordBatchStart(storage.BatchRecord{ID: runID, Files: files, Effects: effects}); err != nil {
		s.log.Warn("failed to record batch", "id", runID, "error", err)
	}

	ctx, cancel := mergeCancel(ctx, s.ctx)
	defer cancel()

	start := time.Now()
	s.log.Info("batch started", "id", runID, "files", len(files), "effects", effects)
	s.hub.publish(Event{Kind: EventBatchProgress, TaskID: runID, Percent: 0})

	processed, err := s.queue.ProcessRun(ctx, runID, s.runner, files, func(step batch.Step) {
		s.hub.publish(Event{
			Kind:    EventBatchProgress,
			TaskID:  runID,
			File:    step.File,
			Effect:  step.Effect,
			Path:    step.Output,
			Percent: step.Percent,
		})
	})
	d := time.Since(start)

	if err != nil {
		s.log.Error("batch failed", "id", runID, "duration_ms", d.Milliseconds(), "error", err)
		s.metrics.ObserveBatch(storage.StatusFailed, d)
		if rerr := s.store.RecordBatchResult(runID, storage.StatusFailed, processed, err.Error()); rerr != nil {
			s.log.Warn("failed to record batch result", "id", runID, "error", rerr)
		}
		s.hub.publish(Event{Kind: EventBatchFailed, TaskID: runID, Processed: processed, Err: err})
		return processed, err
	}

	s.log.Info("batch complete", "id", runID, "files", len(processed), "duration_ms", d.Milliseconds())
	s.metrics.ObserveBatch(storage.StatusCompleted, d)
	if rerr := s.store.RecordBatchResult(runID, storage.StatusCompleted, processed, ""); rerr != nil {
		s.log.Warn("failed to record batch result", "id", runID, "error", rerr)
	}
	s.hub.publish(Event{Kind: EventBatchCompleted, TaskID: runID, Percent: 100, Processed: processed})
	return processed, nil
}

// BatchProcessed returns original -> output for every file finished by
// any batch run.
func (s *Session) BatchProcessed() map[string]string {
	return s.queue.Processed()
}

// mergeCancel returns a context cancelled when either parent is.
func mergeCancel(ctx, other context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancelCause(ctx)
	stop := context.AfterFunc(other, func() {
		cancel(ErrClosed)
	})
	return ctx, func() {
		stop()
		cancel(nil)
	}
}
