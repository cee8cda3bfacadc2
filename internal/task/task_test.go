package task

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"vfxproc/internal/engine"
	"vfxproc/internal/logging"
)

type stubEngine struct {
	progress []int
	err      error
	panicMsg string
	out      string
}

func (s *stubEngine) Process(ctx context.Context, in, effect, out string, progress engine.ProgressFunc) (string, error) {
	if s.panicMsg != "" {
		panic(s.panicMsg)
	}
	for _, p := range s.progress {
		if progress != nil {
			progress(p)
		}
	}
	if s.err != nil {
		return "", s.err
	}
	if s.out != "" {
		return s.out, nil
	}
	return out, nil
}

type recordingObserver struct {
	mu       sync.Mutex
	statuses []string
}

func (r *recordingObserver) ObserveTask(effect, status string, d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statuses = append(r.statuses, effect+":"+status)
}

func collect(h *Handle) []Event {
	var events []Event
	for ev := range h.Events() {
		events = append(events, ev)
	}
	return events
}

func TestRunReturnsOutputPath(t *testing.T) {
	obs := &recordingObserver{}
	r := NewRunner(&stubEngine{progress: []int{50, 100}}, logging.Discard(), obs)

	var seen []int
	path, err := r.Run(context.Background(), New("a.png", "blur", "/tmp/temp_a.png"), func(p int) { seen = append(seen, p) })
	require.NoError(t, err)
	require.Equal(t, "/tmp/temp_a.png", path)
	require.Equal(t, []int{50, 100}, seen)
	require.Equal(t, []string{"blur:completed"}, obs.statuses)
}

func TestRunWrapsEngineError(t *testing.T) {
	cause := errors.New("decoder exploded")
	obs := &recordingObserver{}
	r := NewRunner(&stubEngine{err: cause}, logging.Discard(), obs)

	_, err := r.Run(context.Background(), New("a.png", "sepia", "o.png"), nil)
	require.ErrorIs(t, err, ErrEngine)
	require.ErrorIs(t, err, cause)
	require.Equal(t, []string{"sepia:failed"}, obs.statuses)
}

func TestRunRecoversEnginePanic(t *testing.T) {
	r := NewRunner(&stubEngine{panicMsg: "nil image"}, logging.Discard(), nil)
	_, err := r.Run(context.Background(), New("a.png", "blur", "o.png"), nil)
	require.ErrorIs(t, err, ErrEngine)
	require.Contains(t, err.Error(), "nil image")
}

func TestStartDeliversProgressThenCompleted(t *testing.T) {
	r := NewRunner(&stubEngine{progress: []int{10, 60, 100}}, logging.Discard(), nil)
	h := r.Start(context.Background(), New("a.png", "grayscale", "temp_a.png"))

	events := collect(h)
	require.Len(t, events, 4)
	for i, want := range []int{10, 60, 100} {
		require.Equal(t, EventProgress, events[i].Kind)
		require.Equal(t, want, events[i].Percent)
	}
	last := events[3]
	require.Equal(t, EventCompleted, last.Kind)
	require.Equal(t, "temp_a.png", last.Path)
	require.True(t, last.Terminal())

	path, err := h.Wait()
	require.NoError(t, err)
	require.Equal(t, "temp_a.png", path)
}

func TestStartEmitsHundredBeforeCompletion(t *testing.T) {
	r := NewRunner(&stubEngine{progress: []int{-5, 40, 250}}, logging.Discard(), nil)
	events := collect(r.Start(context.Background(), New("a.png", "blur", "o.png")))

	var percents []int
	for _, ev := range events[:len(events)-1] {
		percents = append(percents, ev.Percent)
	}
	require.Equal(t, []int{0, 40, 100}, percents)
	require.Equal(t, EventCompleted, events[len(events)-1].Kind)

	events = collect(NewRunner(&stubEngine{progress: []int{30}}, logging.Discard(), nil).
		Start(context.Background(), New("a.png", "blur", "o.png")))
	require.Len(t, events, 3)
	require.Equal(t, 100, events[1].Percent)
	require.Equal(t, EventProgress, events[1].Kind)
}

func TestStartReportsFailureExplicitly(t *testing.T) {
	r := NewRunner(&stubEngine{progress: []int{10}, err: errors.New("bad pixels")}, logging.Discard(), nil)
	h := r.Start(context.Background(), New("a.png", "sharpen", "o.png"))

	events := collect(h)
	require.Len(t, events, 2)
	require.Equal(t, EventFailed, events[1].Kind)
	require.ErrorIs(t, events[1].Err, ErrEngine)

	_, err := h.Wait()
	require.ErrorIs(t, err, ErrEngine)
}

func TestStartTerminalEventSurvivesIgnoredChannel(t *testing.T) {
	progress := make([]int, 200)
	for i := range progress {
		progress[i] = i % 100
	}
	h := NewRunner(&stubEngine{progress: progress}, logging.Discard(), nil).
		Start(context.Background(), New("a.png", "blur", "o.png"))

	select {
	case <-h.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("task blocked on an unread channel")
	}

	events := collect(h)
	require.LessOrEqual(t, len(events), eventBuffer)
	require.Equal(t, EventCompleted, events[len(events)-1].Kind)
}
