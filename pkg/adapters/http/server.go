package http

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/aretw0/weft"
	"github.com/aretw0/weft/internal/logging"
	"github.com/aretw0/weft/pkg/domain"
	"github.com/aretw0/weft/pkg/scheduler/global"
)

// Engine is the part of the engine exposed over HTTP.
type Engine interface {
	Resume(ctx context.Context, correlatorID string, payload any) (bool, error)
	Cancel(ctx context.Context, runID string) error
	Status(ctx context.Context, runID string) (*domain.RunRecord, error)
	Waiting(ctx context.Context, runID string) ([]*domain.Continuation, error)
	SubmitGraph(ctx context.Context, name string, inputs map[string]any, opts ...global.SubmitOption) (string, error)
	Graphs() []string
}

// Server serves resume events and run inspection.
type Server struct {
	Engine  Engine
	Streams *StreamManager
	metrics http.Handler
	logger  *slog.Logger
}

// Option configures the Server.
type Option func(*Server)

// WithLogger configures a logger for the Server.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithMetrics mounts h on /metrics.
func WithMetrics(h http.Handler) Option {
	return func(s *Server) {
		s.metrics = h
	}
}

// WithStreams serves /v1/runs/{id}/events from sm. The engine must have been
// built with sm.Hooks for events to flow.
func WithStreams(sm *StreamManager) Option {
	return func(s *Server) {
		s.Streams = sm
	}
}

// ResumeRequest is the body of POST /v1/continuations/{id}/resume.
type ResumeRequest struct {
	Payload any `json:"payload"`
}

// ResumeResponse reports whether the reply reached a waiting node. A false
// value means the correlator id was unknown, expired or already consumed.
type ResumeResponse struct {
	Resumed bool `json:"resumed"`
}

// SubmitRequest is the body of POST /v1/graphs/{name}/runs.
type SubmitRequest struct {
	RunID  string         `json:"run_id,omitempty"`
	Inputs map[string]any `json:"inputs"`
}

type SubmitResponse struct {
	RunID string `json:"run_id"`
}

// NewHandler creates a new HTTP handler for the engine.
func NewHandler(engine Engine, opts ...Option) http.Handler {
	s := &Server{
		Engine: engine,
		logger: logging.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.Streams == nil {
		s.Streams = NewStreamManager()
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(enableCORS)

	r.Get("/health", s.GetHealth)
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics)
	}
	r.Route("/v1", func(r chi.Router) {
		r.Get("/continuations", s.ListContinuations)
		r.Post("/continuations/{id}/resume", s.Resume)
		r.Get("/graphs", s.ListGraphs)
		r.Post("/graphs/{name}/runs", s.SubmitRun)
		r.Get("/runs/{id}", s.GetRun)
		r.Post("/runs/{id}/cancel", s.CancelRun)
		r.Get("/runs/{id}/events", s.SubscribeEvents)
	})
	return r
}

func enableCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Resume handles POST /v1/continuations/{id}/resume.
func (s *Server) Resume(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var body ResumeRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.error(w, http.StatusBadRequest, "invalid request body", err)
		return
	}

	ok, err := s.Engine.Resume(r.Context(), id, body.Payload)
	if err != nil {
		s.error(w, http.StatusInternalServerError, "resume failed", err)
		return
	}
	s.logger.Debug("Resume received", "correlator_id", id, "resumed", ok)
	s.json(w, http.StatusOK, ResumeResponse{Resumed: ok})
}

// ListContinuations handles GET /v1/continuations?run=ID.
func (s *Server) ListContinuations(w http.ResponseWriter, r *http.Request) {
	runID := r.URL.Query().Get("run")
	if runID == "" {
		s.error(w, http.StatusBadRequest, "missing run query parameter", nil)
		return
	}
	conts, err := s.Engine.Waiting(r.Context(), runID)
	if err != nil {
		s.error(w, http.StatusInternalServerError, "listing continuations failed", err)
		return
	}
	if conts == nil {
		conts = []*domain.Continuation{}
	}
	s.json(w, http.StatusOK, conts)
}

// ListGraphs handles GET /v1/graphs.
func (s *Server) ListGraphs(w http.ResponseWriter, r *http.Request) {
	s.json(w, http.StatusOK, map[string][]string{"graphs": s.Engine.Graphs()})
}

// SubmitRun handles POST /v1/graphs/{name}/runs.
func (s *Server) SubmitRun(w http.ResponseWriter, r *http.Request) {
	var body SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.error(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	var opts []global.SubmitOption
	if body.RunID != "" {
		opts = append(opts, global.WithRunID(body.RunID))
	}

	runID, err := s.Engine.SubmitGraph(r.Context(), chi.URLParam(r, "name"), body.Inputs, opts...)
	switch {
	case errors.Is(err, weft.ErrUnknownGraph):
		s.error(w, http.StatusNotFound, "graph not found", nil)
	case errors.Is(err, global.ErrDuplicateRun):
		s.error(w, http.StatusConflict, "run id already in use", err)
	case errors.Is(err, global.ErrMissingInput), errors.Is(err, domain.ErrGraphBuild):
		s.error(w, http.StatusBadRequest, "submit rejected", err)
	case err != nil:
		s.error(w, http.StatusInternalServerError, "submit failed", err)
	default:
		s.logger.Info("Run submitted", "run_id", runID)
		s.json(w, http.StatusAccepted, SubmitResponse{RunID: runID})
	}
}

// GetRun handles GET /v1/runs/{id}.
func (s *Server) GetRun(w http.ResponseWriter, r *http.Request) {
	rec, err := s.Engine.Status(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.runError(w, "status failed", err)
		return
	}
	s.json(w, http.StatusOK, rec)
}

// CancelRun handles POST /v1/runs/{id}/cancel.
func (s *Server) CancelRun(w http.ResponseWriter, r *http.Request) {
	if err := s.Engine.Cancel(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.runError(w, "cancel failed", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) GetHealth(w http.ResponseWriter, r *http.Request) {
	s.json(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) runError(w http.ResponseWriter, msg string, err error) {
	if errors.Is(err, domain.ErrRunNotFound) {
		s.error(w, http.StatusNotFound, "run not found", nil)
		return
	}
	s.error(w, http.StatusInternalServerError, msg, err)
}

func (s *Server) error(w http.ResponseWriter, status int, msg string, err error) {
	body := map[string]string{"error": msg}
	if err != nil {
		body["detail"] = err.Error()
		if status >= http.StatusInternalServerError {
			s.logger.Error(msg, "err", err)
		} else {
			s.logger.Warn(msg, "err", err)
		}
	}
	s.json(w, status, body)
}

func (s *Server) json(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("Response encode failed", "err", err)
	}
}
