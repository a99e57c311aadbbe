// Package server exposes the petalpipe HTTP API: running and cancelling
// executions, streaming their events, storing pipeline definitions and
// scheduling them with cron expressions.
package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/petal-labs/petalpipe/bus"
	"github.com/petal-labs/petalpipe/registry"
	"github.com/petal-labs/petalpipe/runtime"
	"github.com/petal-labs/petalpipe/sse"
	"github.com/petal-labs/petalpipe/store"
)

// ServerConfig configures a Server instance.
type ServerConfig struct {
	Engine     *runtime.Engine
	Store      store.Store
	Templates  *registry.Registry
	Bus        bus.EventBus
	EventStore bus.EventStore
	Metrics    *Metrics
	CORSOrigin string
	MaxBody    int64
	Logger     *slog.Logger
}

// Server is the petalpipe HTTP API server.
type Server struct {
	engine     *runtime.Engine
	store      store.Store
	templates  *registry.Registry
	events     http.Handler
	metrics    *Metrics
	corsOrigin string
	maxBody    int64
	logger     *slog.Logger
}

// NewServer creates a new Server with the given configuration.
func NewServer(cfg ServerConfig) (*Server, error) {
	if cfg.Engine == nil {
		return nil, errors.New("server: engine is required")
	}
	if cfg.Store == nil {
		return nil, errors.New("server: store is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	templates := cfg.Templates
	if templates == nil {
		templates = registry.Global()
	}
	corsOrigin := cfg.CORSOrigin
	if corsOrigin == "" {
		corsOrigin = "*"
	}
	maxBody := cfg.MaxBody
	if maxBody <= 0 {
		maxBody = 1 << 20 // 1 MB default
	}

	s := &Server{
		engine:     cfg.Engine,
		store:      cfg.Store,
		templates:  templates,
		metrics:    cfg.Metrics,
		corsOrigin: corsOrigin,
		maxBody:    maxBody,
		logger:     logger,
	}
	if cfg.EventStore != nil {
		s.events = sse.NewHandler(cfg.EventStore, cfg.Bus)
	}
	return s, nil
}

// Handler returns an http.Handler with all routes and middleware wired.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)

	var handler http.Handler = mux
	handler = s.corsMiddleware(handler)
	handler = s.maxBodyMiddleware(handler)
	if s.metrics != nil {
		handler = s.metrics.instrument(handler)
	}
	return handler
}

// RegisterRoutes mounts the API routes onto an existing mux.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /api/step-templates", s.handleStepTemplates)

	mux.HandleFunc("POST /api/pipelines/validate", s.handleValidate)
	mux.HandleFunc("POST /api/pipelines/run", s.handleRun)
	mux.HandleFunc("GET /api/pipelines", s.handleListPipelines)
	mux.HandleFunc("POST /api/pipelines", s.handleCreatePipeline)
	mux.HandleFunc("GET /api/pipelines/{id}", s.handleGetPipeline)
	mux.HandleFunc("PUT /api/pipelines/{id}", s.handleUpdatePipeline)
	mux.HandleFunc("DELETE /api/pipelines/{id}", s.handleDeletePipeline)
	mux.HandleFunc("POST /api/pipelines/{id}/run", s.handleRunStored)

	mux.HandleFunc("GET /api/pipelines/{id}/schedules", s.handleListSchedules)
	mux.HandleFunc("POST /api/pipelines/{id}/schedules", s.handleCreateSchedule)
	mux.HandleFunc("GET /api/pipelines/{id}/schedules/{schedule_id}", s.handleGetSchedule)
	mux.HandleFunc("PUT /api/pipelines/{id}/schedules/{schedule_id}", s.handleUpdateSchedule)
	mux.HandleFunc("DELETE /api/pipelines/{id}/schedules/{schedule_id}", s.handleDeleteSchedule)

	mux.HandleFunc("GET /api/executions", s.handleListExecutions)
	mux.HandleFunc("GET /api/executions/active", s.handleActiveExecutions)
	mux.HandleFunc("GET /api/executions/{id}", s.handleGetExecution)
	mux.HandleFunc("POST /api/executions/{id}/cancel", s.handleCancelExecution)
	mux.HandleFunc("GET /api/executions/{id}/events", s.handleExecutionEvents)

	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics.Handler())
	}
}

// --- Middleware ---

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", s.corsOrigin)
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, Last-Event-ID")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) maxBodyMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, s.maxBody)
		next.ServeHTTP(w, r)
	})
}

// --- JSON helpers ---

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// apiError is the standard error envelope.
type apiError struct {
	Error apiErrorBody `json:"error"`
}

type apiErrorBody struct {
	Code    string   `json:"code"`
	Message string   `json:"message"`
	Details []string `json:"details,omitempty"`
}

func writeError(w http.ResponseWriter, status int, code, message string, details ...string) {
	body := apiError{
		Error: apiErrorBody{
			Code:    code,
			Message: message,
		},
	}
	if len(details) > 0 {
		body.Error.Details = details
	}
	writeJSON(w, status, body)
}

func isMaxBytesError(err error) bool {
	var maxErr *http.MaxBytesError
	return errors.As(err, &maxErr)
}
