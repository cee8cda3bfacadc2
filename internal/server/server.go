package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"vfxproc/internal/batch"
	"vfxproc/internal/engine"
	"vfxproc/internal/export"
	"vfxproc/internal/fsutil"
	"vfxproc/internal/history"
	"vfxproc/internal/metrics"
	"vfxproc/internal/session"
	"vfxproc/internal/storage"
)

// Options configures a Server.
type Options struct {
	Addr          string
	Session       *session.Session
	Store         *storage.Store   // optional
	Metrics       *metrics.Metrics // optional
	Exporter      export.Exporter  // used by save-all requests without a dir
	Logger        *slog.Logger
	ProgressRate  float64 // progress events per second per stream client, 0 = unlimited
	ProgressBurst int
}

// Server exposes a Session over HTTP, SSE and WebSocket.
type Server struct {
	addr     string
	session  *session.Session
	store    *storage.Store
	metrics  *metrics.Metrics
	exporter export.Exporter
	log      *slog.Logger
	limit    rate.Limit
	burst    int
	upgrader websocket.Upgrader
	server   *http.Server

	// background work started by requests; cancelled on shutdown
	ctx context.Context
}

// New creates a Server. Call Start to listen or Handler to embed it.
func New(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	limit := rate.Inf
	if opts.ProgressRate > 0 {
		limit = rate.Limit(opts.ProgressRate)
	}
	burst := opts.ProgressBurst
	if burst < 1 {
		burst = 1
	}
	return &Server{
		addr:     opts.Addr,
		session:  opts.Session,
		store:    opts.Store,
		metrics:  opts.Metrics,
		exporter: opts.Exporter,
		log:      logger,
		limit:    limit,
		burst:    burst,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // Allow all origins
			},
		},
		ctx: context.Background(),
	}
}

// Handler returns the router with every route registered.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	s.setupRoutes(r)
	return r
}

// Start serves until ctx is done, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	s.ctx = ctx
	s.server = &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		s.log.Info("shutting down server")
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.server.Shutdown(ctxShutdown)
	}()

	s.log.Info("server starting", "addr", s.addr)
	err := s.server.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) setupRoutes(r *mux.Router) {
	r.HandleFunc("/healthz", s.handleHealth).Methods("GET")
	r.HandleFunc("/state", s.handleState).Methods("GET")
	r.HandleFunc("/open", s.handleOpen).Methods("POST")
	r.HandleFunc("/effects", s.handleListEffects).Methods("GET")
	r.HandleFunc("/effects/{name}", s.handleApply).Methods("POST")
	r.HandleFunc("/undo", s.handleUndo).Methods("POST")
	r.HandleFunc("/redo", s.handleRedo).Methods("POST")
	r.HandleFunc("/history", s.handleClearHistory).Methods("DELETE")
	r.HandleFunc("/batch/files", s.handleBatchFiles).Methods("GET", "POST")
	r.HandleFunc("/batch/run", s.handleBatchRun).Methods("POST")
	r.HandleFunc("/save", s.handleSave).Methods("POST")
	r.HandleFunc("/tasks", s.handleTasks).Methods("GET")
	r.HandleFunc("/batches", s.handleBatches).Methods("GET")
	r.HandleFunc("/stream", s.handleStream).Methods("GET")
	r.HandleFunc("/ws", s.handleWebSocket).Methods("GET")
	if s.metrics != nil {
		r.Handle("/metrics", s.metrics.Handler()).Methods("GET")
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.session.Snapshot())
}

type openRequest struct {
	Path string `json:"path"`
}

func (s *Server) handleOpen(w http.ResponseWriter, r *http.Request) {
	var req openRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Path == "" {
		http.Error(w, "body must be {\"path\": \"...\"}", http.StatusBadRequest)
		return
	}
	if err := s.session.Open(req.Path); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.session.Snapshot())
}

func (s *Server) handleListEffects(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, engine.Effects())
}

func (s *Server) handleApply(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	if err := s.session.ApplyEffect(name); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, s.session.Snapshot())
}

func (s *Server) handleUndo(w http.ResponseWriter, r *http.Request) {
	if err := s.session.Undo(); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.session.Snapshot())
}

func (s *Server) handleRedo(w http.ResponseWriter, r *http.Request) {
	if err := s.session.Redo(); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.session.Snapshot())
}

func (s *Server) handleClearHistory(w http.ResponseWriter, r *http.Request) {
	if err := s.session.ClearHistory(); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.session.Snapshot())
}

type batchFilesRequest struct {
	Paths []string `json:"paths"`
	Clear bool     `json:"clear"`
}

type batchFilesResponse struct {
	Added int      `json:"added"`
	Files []string `json:"files"`
}

func (s *Server) handleBatchFiles(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, batchFilesResponse{Files: s.session.BatchFiles()})
		return
	}
	var req batchFilesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "body must be {\"paths\": [...]}", http.StatusBadRequest)
		return
	}
	if req.Clear {
		s.session.ClearBatchFiles()
	}
	files, err := fsutil.ExpandImages(req.Paths...)
	if err != nil {
		s.writeError(w, err)
		return
	}
	added := s.session.AddBatchFiles(files...)
	writeJSON(w, http.StatusOK, batchFilesResponse{Added: added, Files: s.session.BatchFiles()})
}

// handleBatchRun starts the batch in the background; progress arrives on
// the event streams.
func (s *Server) handleBatchRun(w http.ResponseWriter, r *http.Request) {
	done, err := s.session.StartBatch(s.ctx)
	if err != nil {
		s.writeError(w, err)
		return
	}
	go func() {
		if res := <-done; res.Err != nil {
			s.log.Warn("batch run ended with error", "error", res.Err)
		}
	}()
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "started"})
}

type saveRequest struct {
	Dest string `json:"dest"`
	All  bool   `json:"all"`
	Dir  string `json:"dir"`
}

type saveResponse struct {
	Saved []string `json:"saved"`
	Error string   `json:"error,omitempty"`
}

func (s *Server) handleSave(w http.ResponseWriter, r *http.Request) {
	var req saveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid save request", http.StatusBadRequest)
		return
	}

	if !req.All {
		if req.Dest == "" {
			http.Error(w, "dest is required", http.StatusBadRequest)
			return
		}
		if err := s.session.SaveCurrent(req.Dest); err != nil {
			s.writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, saveResponse{Saved: []string{req.Dest}})
		return
	}

	exp := s.exporter
	if req.Dir != "" {
		exp = export.NewDir(req.Dir)
	}
	if exp == nil {
		http.Error(w, "dir is required", http.StatusBadRequest)
		return
	}
	saved, err := s.session.SaveAll(r.Context(), exp)
	switch {
	case errors.Is(err, session.ErrNothingToSave), errors.Is(err, session.ErrBusy):
		s.writeError(w, err)
	case err != nil:
		// Partial success: report what was saved alongside the failures.
		writeJSON(w, http.StatusMultiStatus, saveResponse{Saved: saved, Error: err.Error()})
	default:
		writeJSON(w, http.StatusOK, saveResponse{Saved: saved})
	}
}

func (s *Server) handleTasks(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		writeJSON(w, http.StatusOK, []storage.TaskRecord{})
		return
	}
	recs, err := s.store.RecentTasks(100)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, recs)
}

func (s *Server) handleBatches(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		writeJSON(w, http.StatusOK, []storage.BatchRecord{})
		return
	}
	recs, err := s.store.RecentBatches(50)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, recs)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, session.ErrBusy), errors.Is(err, history.ErrCommandFailed):
		return http.StatusConflict
	case errors.Is(err, session.ErrClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, os.ErrNotExist):
		return http.StatusNotFound
	case errors.Is(err, session.ErrNothingToSave), errors.Is(err, batch.ErrNothingToProcess):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusBadRequest
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	code := statusFor(err)
	if code >= http.StatusInternalServerError {
		s.log.Error("request failed", "error", err)
	}
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
