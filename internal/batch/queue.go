// Package batch chains queued effects across a list of files.
package batch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"

	"github.com/google/uuid"

	"vfxproc/internal/engine"
	"vfxproc/internal/logging"
	"vfxproc/internal/scratch"
	"vfxproc/internal/task"
)

var (
	// ErrNothingToProcess is returned when no files or no effects are queued.
	ErrNothingToProcess = errors.New("no files or effects to process")
	// ErrStep wraps the first failing step of a run.
	ErrStep = errors.New("batch step failed")
)

// Runner executes one task synchronously. *task.Runner satisfies it.
type Runner interface {
	Run(ctx context.Context, t task.Task, onProgress engine.ProgressFunc) (string, error)
}

// Step describes a finished step of a run.
type Step struct {
	RunID   string
	File    string
	Effect  string
	Output  string
	Done    int
	Total   int
	Percent int
}

// ProgressFunc is called on the batch goroutine after every step.
type ProgressFunc func(Step)

// Queue holds the ordered effect list, the batch files and the results of
// earlier runs. It owns the temp path allocator.
type Queue struct {
	alloc *scratch.Allocator
	log   *slog.Logger

	mu        sync.Mutex
	effects   []string
	files     []string
	processed map[string]string
}

// Option configures a Queue.
type Option func(*Queue)

// WithLogger sets the logger used for step logging.
func WithLogger(l *slog.Logger) Option {
	return func(q *Queue) { q.log = l }
}

// New creates an empty Queue writing into alloc's directory.
func New(alloc *scratch.Allocator, opts ...Option) *Queue {
	q := &Queue{
		alloc:     alloc,
		log:       slog.Default(),
		processed: make(map[string]string),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// AddEffect appends effect. Duplicates are allowed and applied twice.
func (q *Queue) AddEffect(effect string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.effects = append(q.effects, effect)
}

func (q *Queue) ClearEffects() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.effects = nil
}

// Effects returns a copy of the queued effects in application order.
func (q *Queue) Effects() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]string(nil), q.effects...)
}

// AddFiles appends files to the batch list, ignoring ones already present.
// It returns how many were added.
func (q *Queue) AddFiles(files ...string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	added := 0
	for _, f := range files {
		if f == "" || contains(q.files, f) {
			continue
		}
		q.files = append(q.files, f)
		added++
	}
	return added
}

func (q *Queue) Files() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]string(nil), q.files...)
}

func (q *Queue) ClearFiles() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.files = nil
}

// Processed returns a copy of original -> latest output for every file
// that completed a full pass.
func (q *Queue) Processed() map[string]string {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make(map[string]string, len(q.processed))
	for k, v := range q.processed {
		out[k] = v
	}
	return out
}

// TempPath derives the scratch path for original.
func (q *Queue) TempPath(original string) string {
	return q.alloc.Path(original)
}

// Dir returns the scratch directory.
func (q *Queue) Dir() string {
	return q.alloc.Dir()
}

// Close releases the scratch directory.
func (q *Queue) Close() error {
	return q.alloc.Close()
}

// Process applies every queued effect to every file, file-major and
// effect-minor, feeding each step's output into the next. The first failure
// stops the run; files completed before it stay recorded. It returns the
// files completed by this run.
func (q *Queue) Process(ctx context.Context, runner Runner, files []string, onProgress ProgressFunc) (map[string]string, error) {
	return q.ProcessRun(ctx, uuid.NewString(), runner, files, onProgress)
}

// ProcessRun is Process with a caller-chosen run ID.
func (q *Queue) ProcessRun(ctx context.Context, runID string, runner Runner, files []string, onProgress ProgressFunc) (map[string]string, error) {
	effects := q.Effects()
	if len(files) == 0 || len(effects) == 0 {
		return nil, ErrNothingToProcess
	}

	total := len(files) * len(effects)
	done := 0
	completed := make(map[string]string, len(files))

	for _, file := range files {
		current := file
		for _, effect := range effects {
			if err := ctx.Err(); err != nil {
				return completed, fmt.Errorf("%w: step %d of %d (%s on %s): %w", ErrStep, done+1, total, effect, file, err)
			}
			out, err := runner.Run(ctx, task.Task{
				ID:     uuid.NewString(),
				Input:  current,
				Effect: effect,
				Output: q.TempPath(file),
			}, nil)
			if err != nil {
				return completed, fmt.Errorf("%w: step %d of %d (%s on %s): %w", ErrStep, done+1, total, effect, file, err)
			}
			current = out
			done++

			logging.LogBatchStep(q.log, runID, file, effect, done, total)
			if onProgress != nil {
				onProgress(Step{
					RunID:   runID,
					File:    file,
					Effect:  effect,
					Output:  out,
					Done:    done,
					Total:   total,
					Percent: Percent(done, total),
				})
			}
		}

		q.mu.Lock()
		q.processed[file] = current
		q.mu.Unlock()
		completed[file] = current
	}

	return completed, nil
}

// Percent returns round(done/total*100).
func Percent(done, total int) int {
	if total <= 0 {
		return 0
	}
	return int(math.Round(float64(done) / float64(total) * 100))
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
