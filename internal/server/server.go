// Package server provides the local web UI and its JSON API.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"io/fs"
	"log/slog"
	"net/http"
	"strings"

	"github.com/raphaelgruber/cvat-export/internal/client"
	"github.com/raphaelgruber/cvat-export/internal/metrics"
	"github.com/raphaelgruber/cvat-export/internal/parser"
	"github.com/raphaelgruber/cvat-export/internal/service"
)

// maxRequestBody caps the size of a run request.
const maxRequestBody = 1 << 20

// DialFunc connects to a platform. client.Dial in production.
type DialFunc func(ctx context.Context, cfg client.Config) (*client.Client, error)

// RunRequest is the body of POST /api/runs.
type RunRequest struct {
	Server   string `json:"server"`
	Username string `json:"username"`
	Password string `json:"password"`
	Format   string `json:"format"`
	OutDir   string `json:"outdir"`
	TaskIDs  string `json:"task_ids"`
}

// RunResponse is returned when a run has been accepted.
type RunResponse struct {
	ID    string `json:"id"`
	Total int    `json:"total"`
}

// Server wires the run manager, websocket hub and metrics to HTTP routes.
type Server struct {
	runs    *service.RunManager
	hub     *Hub
	metrics *metrics.Collector
	dial    DialFunc
	static  fs.FS
	logger  *slog.Logger
}

// Option configures a Server.
type Option func(*Server)

// WithDial replaces the platform dialer.
func WithDial(d DialFunc) Option {
	return func(s *Server) { s.dial = d }
}

// WithStatic serves the single-page UI from fsys.
func WithStatic(fsys fs.FS) Option {
	return func(s *Server) { s.static = fsys }
}

// New creates a server.
func New(logger *slog.Logger, opts ...Option) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		hub:     NewHub(logger),
		metrics: metrics.NewCollector(),
		dial:    client.Dial,
		logger:  logger,
	}
	s.runs = service.NewRunManager(s.hub.Broadcast, logger)
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Runs returns the run manager.
func (s *Server) Runs() *service.RunManager {
	return s.runs
}

// Handler returns the HTTP handler with all routes and request logging.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.Handle("POST /api/runs", sameOrigin(requireJSON(http.HandlerFunc(s.handleStartRun))))
	mux.HandleFunc("GET /api/runs", s.handleListRuns)
	mux.HandleFunc("GET /api/runs/{id}", s.handleGetRun)
	mux.Handle("DELETE /api/runs/{id}", sameOrigin(http.HandlerFunc(s.handleCancelRun)))
	mux.HandleFunc("GET /api/stats", s.handleStats)
	mux.Handle("GET /ws", s.hub)
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})

	if s.static != nil {
		mux.Handle("GET /", http.FileServer(http.FS(s.static)))
	}

	return LoggingMiddleware(s.logger, mux)
}

// Shutdown cancels the active run, waits for it and closes websocket clients.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.runs.Shutdown(ctx)
	s.hub.Close()
	return err
}

func (s *Server) handleStartRun(w http.ResponseWriter, r *http.Request) {
	var req RunRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	taskIDs, err := parser.ParseTaskIDs(req.TaskIDs)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if msg := validateRunRequest(req); msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}

	cfg := client.Config{
		BaseURL: req.Server,
		Auth:    client.SchemeBasic,
		Credentials: client.Credentials{
			Username: req.Username,
			Password: req.Password,
		},
	}
	opts := service.Options{
		Server: req.Server,
		Format: req.Format,
		OutDir: req.OutDir,
	}

	run, err := s.runs.Start(len(taskIDs), func(ctx context.Context, sink service.Sink) (*service.Summary, error) {
		c, err := s.dial(ctx, cfg)
		if err != nil {
			return nil, err
		}
		runner := service.NewRunner(c, c,
			service.WithSink(sink),
			service.WithMetrics(s.metrics),
			service.WithLogger(s.logger),
		)
		return runner.Run(ctx, taskIDs, opts)
	})
	if errors.Is(err, service.ErrRunActive) {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusAccepted, RunResponse{ID: run.ID, Total: len(taskIDs)})
}

func validateRunRequest(req RunRequest) string {
	var missing []string
	if strings.TrimSpace(req.Server) == "" {
		missing = append(missing, "server")
	}
	if strings.TrimSpace(req.Username) == "" {
		missing = append(missing, "username")
	}
	if strings.TrimSpace(req.OutDir) == "" {
		missing = append(missing, "outdir")
	}
	if len(missing) > 0 {
		return "missing required fields: " + strings.Join(missing, ", ")
	}
	if err := client.CheckBaseURL(req.Server); err != nil {
		return "server " + err.Error()
	}
	return ""
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	runs := s.runs.List()
	out := make([]service.Run, 0, len(runs))
	for _, run := range runs {
		out = append(out, run.Snapshot())
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	run := s.runs.Get(r.PathValue("id"))
	if run == nil {
		writeError(w, http.StatusNotFound, service.ErrRunNotFound.Error())
		return
	}
	snap := run.Snapshot()
	writeJSON(w, http.StatusOK, &snap)
}

func (s *Server) handleCancelRun(w http.ResponseWriter, r *http.Request) {
	err := s.runs.Cancel(r.PathValue("id"))
	switch {
	case errors.Is(err, service.ErrRunNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, service.ErrRunNotActive):
		writeError(w, http.StatusConflict, err.Error())
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
	default:
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "cancelling"})
	}
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"metrics":     s.metrics.Snapshot(),
		"connections": s.hub.ConnectionCount(),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
