package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"image/color"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/disintegration/imaging"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"vfxproc/internal/engine"
	"vfxproc/internal/fsutil"
	"vfxproc/internal/history"
	"vfxproc/internal/logging"
	"vfxproc/internal/metrics"
	"vfxproc/internal/session"
	"vfxproc/internal/storage"
)

// copyEngine copies the input to the output; a non-nil gate blocks it.
type copyEngine struct {
	gate chan struct{}
}

func (c *copyEngine) Process(ctx context.Context, in, effect, out string, progress engine.ProgressFunc) (string, error) {
	if c.gate != nil {
		select {
		case <-c.gate:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if progress != nil {
		progress(50)
	}
	return out, fsutil.CopyFile(in, out)
}

type fixture struct {
	srv     *Server
	session *session.Session
	store   *storage.Store
	dir     string
	image   string
}

func newFixture(t *testing.T, eng engine.Engine) *fixture {
	t.Helper()
	dir := t.TempDir()
	img := filepath.Join(dir, "a.png")
	require.NoError(t, imaging.Save(imaging.New(4, 4, color.NRGBA{R: 10, G: 20, B: 30, A: 255}), img))

	store, err := storage.New(filepath.Join(dir, "audit.db"))
	require.NoError(t, err)
	m := metrics.New()
	sess, err := session.New(session.Options{
		Engine:  eng,
		TempDir: dir,
		Logger:  logging.Discard(),
		Store:   store,
		Metrics: m,
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = sess.Close()
		_ = store.Close()
	})

	srv := New(Options{Session: sess, Store: store, Metrics: m, Logger: logging.Discard()})
	return &fixture{srv: srv, session: sess, store: store, dir: dir, image: img}
}

func (f *fixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	rec := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(rec, httptest.NewRequest(method, path, &buf))
	return rec
}

func (f *fixture) wait(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, f.session.Wait(ctx))
}

func decodeSnapshot(t *testing.T, rec *httptest.ResponseRecorder) session.Snapshot {
	t.Helper()
	var snap session.Snapshot
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&snap))
	return snap
}

func TestHealth(t *testing.T) {
	f := newFixture(t, &copyEngine{})
	rec := f.do(t, "GET", "/healthz", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "ok", rec.Body.String())
}

func TestOpenApplyUndoRedo(t *testing.T) {
	f := newFixture(t, &copyEngine{})

	rec := f.do(t, "POST", "/open", openRequest{Path: f.image})
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, f.image, decodeSnapshot(t, rec).Current.Path)

	rec = f.do(t, "POST", "/effects/grayscale", nil)
	require.Equal(t, http.StatusAccepted, rec.Code)
	f.wait(t)

	snap := decodeSnapshot(t, f.do(t, "GET", "/state", nil))
	require.Equal(t, "grayscale", snap.Current.Effect)
	require.Equal(t, []string{"grayscale"}, snap.Effects)
	require.True(t, snap.CanUndo)

	snap = decodeSnapshot(t, f.do(t, "POST", "/undo", nil))
	require.Equal(t, history.ImageState{Path: f.image}, snap.Current)

	snap = decodeSnapshot(t, f.do(t, "POST", "/redo", nil))
	require.Equal(t, "grayscale", snap.Current.Effect)

	rec = f.do(t, "GET", "/tasks", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var tasks []storage.TaskRecord
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&tasks))
	require.Len(t, tasks, 1)
}

func TestErrorMapping(t *testing.T) {
	eng := &copyEngine{gate: make(chan struct{})}
	f := newFixture(t, eng)

	rec := f.do(t, "POST", "/open", openRequest{Path: filepath.Join(f.dir, "missing.png")})
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(t, "POST", "/save", saveRequest{Dest: filepath.Join(f.dir, "x.png")})
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec = f.do(t, "POST", "/batch/run", nil)
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	require.Equal(t, http.StatusOK, f.do(t, "POST", "/open", openRequest{Path: f.image}).Code)
	require.Equal(t, http.StatusAccepted, f.do(t, "POST", "/effects/blur", nil).Code)
	require.Equal(t, http.StatusConflict, f.do(t, "POST", "/effects/sepia", nil).Code)
	require.Equal(t, http.StatusConflict, f.do(t, "POST", "/undo", nil).Code)
	require.Equal(t, http.StatusConflict, f.do(t, "POST", "/batch/run", nil).Code)

	close(eng.gate)
	f.wait(t)
}

func TestBatchFilesRunAndSaveAll(t *testing.T) {
	f := newFixture(t, &copyEngine{})
	require.Equal(t, http.StatusAccepted, f.do(t, "POST", "/effects/blur", nil).Code)

	rec := f.do(t, "POST", "/batch/files", batchFilesRequest{Paths: []string{f.dir}})
	require.Equal(t, http.StatusOK, rec.Code)
	var files batchFilesResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&files))
	require.Equal(t, 1, files.Added)
	require.Equal(t, []string{f.image}, files.Files)

	events, unsub := f.session.Subscribe()
	defer unsub()
	require.Equal(t, http.StatusAccepted, f.do(t, "POST", "/batch/run", nil).Code)

	deadline := time.After(5 * time.Second)
	for done := false; !done; {
		select {
		case ev := <-events:
			done = ev.Kind == session.EventBatchCompleted
			require.NotEqual(t, session.EventBatchFailed, ev.Kind)
		case <-deadline:
			t.Fatal("batch did not complete")
		}
	}
	f.wait(t)

	out := filepath.Join(f.dir, "export")
	rec = f.do(t, "POST", "/save", saveRequest{All: true, Dir: out})
	require.Equal(t, http.StatusOK, rec.Code)
	var saved saveResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&saved))
	require.Equal(t, []string{filepath.Join(out, "processed_a.png")}, saved.Saved)
	require.NoError(t, engine.Validate(saved.Saved[0]))
}

func TestBatchRunIsBusyOnceAccepted(t *testing.T) {
	eng := &copyEngine{gate: make(chan struct{})}
	f := newFixture(t, eng)
	require.Equal(t, http.StatusAccepted, f.do(t, "POST", "/effects/blur", nil).Code)
	require.Equal(t, http.StatusOK, f.do(t, "POST", "/batch/files", batchFilesRequest{Paths: []string{f.image}}).Code)

	require.Equal(t, http.StatusAccepted, f.do(t, "POST", "/batch/run", nil).Code)
	require.True(t, f.session.Busy())
	require.Equal(t, http.StatusConflict, f.do(t, "POST", "/batch/run", nil).Code)
	require.Equal(t, http.StatusConflict, f.do(t, "POST", "/open", openRequest{Path: f.image}).Code)

	close(eng.gate)
	f.wait(t)
	require.Eventually(t, func() bool {
		return len(f.session.BatchProcessed()) == 1
	}, 5*time.Second, 10*time.Millisecond)
}

func TestClearHistoryRoute(t *testing.T) {
	f := newFixture(t, &copyEngine{})
	require.Equal(t, http.StatusOK, f.do(t, "POST", "/open", openRequest{Path: f.image}).Code)
	require.Equal(t, http.StatusAccepted, f.do(t, "POST", "/effects/invert", nil).Code)
	f.wait(t)

	rec := f.do(t, "DELETE", "/history", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	snap := decodeSnapshot(t, rec)
	require.Empty(t, snap.History)
	require.False(t, snap.CanUndo)
	require.Equal(t, "invert", snap.Current.Effect)

	require.Equal(t, http.StatusMethodNotAllowed, f.do(t, "GET", "/history", nil).Code)
}

func TestMetricsRoute(t *testing.T) {
	f := newFixture(t, &copyEngine{})
	rec := f.do(t, "GET", "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "vfxproc_busy")
}

func TestStreamDeliversTaskEvents(t *testing.T) {
	f := newFixture(t, &copyEngine{})
	ts := httptest.NewServer(f.srv.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/stream")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	reader := bufio.NewReader(resp.Body)
	line, err := reader.ReadString('\n')
	require.NoError(t, err)
	require.Equal(t, ": connected\n", line)

	require.NoError(t, f.session.Open(f.image))
	require.NoError(t, f.session.ApplyEffect("invert"))

	var kinds []string
	for {
		line, err := reader.ReadString('\n')
		require.NoError(t, err)
		if strings.HasPrefix(line, "event: ") {
			kind := strings.TrimSpace(strings.TrimPrefix(line, "event: "))
			kinds = append(kinds, kind)
			if kind == string(session.EventCompleted) {
				break
			}
		}
	}
	require.Equal(t, "state", kinds[0])
	require.Equal(t, "completed", kinds[len(kinds)-1])
}

func TestWebSocketCommandsAndEvents(t *testing.T) {
	f := newFixture(t, &copyEngine{})
	ts := httptest.NewServer(f.srv.Handler())
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, f.session.Open(f.image))
	require.NoError(t, conn.WriteJSON(wsCommand{Op: "apply", Effect: "sepia"}))
	require.NoError(t, conn.WriteJSON(wsCommand{Op: "bogus"}))

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var sawAck, sawError, sawCompleted bool
	for !(sawAck && sawError && sawCompleted) {
		var msg map[string]any
		require.NoError(t, conn.ReadJSON(&msg))
		switch msg["kind"] {
		case "ack":
			sawAck = msg["op"] == "apply"
		case "error":
			sawError = msg["op"] == "bogus"
		case string(session.EventCompleted):
			sawCompleted = true
		}
	}
}

func TestThrottleKeepsTerminalEvents(t *testing.T) {
	th := &throttle{limiter: rate.NewLimiter(rate.Every(time.Hour), 1)}
	require.True(t, th.allow(session.Event{Kind: session.EventProgress, Percent: 10}))
	require.False(t, th.allow(session.Event{Kind: session.EventProgress, Percent: 20}))
	require.False(t, th.allow(session.Event{Kind: session.EventBatchProgress, Percent: 50}))
	require.True(t, th.allow(session.Event{Kind: session.EventProgress, Percent: 100}))
	require.True(t, th.allow(session.Event{Kind: session.EventCompleted}))
	require.True(t, th.allow(session.Event{Kind: session.EventFailed}))
	require.True(t, th.allow(session.Event{Kind: session.EventState}))
}
