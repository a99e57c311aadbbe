package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/petal-labs/petalpipe/core"
	"github.com/petal-labs/petalpipe/loader"
	"github.com/petal-labs/petalpipe/pipeline"
	"github.com/petal-labs/petalpipe/runtime"
	"github.com/petal-labs/petalpipe/store"
)

// RunRequest is the body of the run and validate endpoints. Exactly one of
// Pipeline and PipelineID identifies the definition; the stored-pipeline
// run route fills PipelineID from the path.
type RunRequest struct {
	Pipeline         *core.PipelineDefinition `json:"pipeline,omitempty"`
	PipelineID       string                   `json:"pipeline_id,omitempty"`
	InitialVariables map[string]any           `json:"initial_variables,omitempty"`
	DryRun           bool                     `json:"dry_run,omitempty"`
	DebugMode        bool                     `json:"debug_mode,omitempty"`
	UserID           string                   `json:"user_id,omitempty"`
}

// RunResponse is returned by asynchronous runs.
type RunResponse struct {
	ExecutionID string               `json:"execution_id"`
	Status      core.ExecutionStatus `json:"status"`
}

// ExecutionResponse is an execution with its step executions.
type ExecutionResponse struct {
	Execution core.Execution       `json:"execution"`
	Steps     []core.StepExecution `json:"steps"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStepTemplates(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.templates.All())
}

// --- Running ---

func (s *Server) handleValidate(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeRunRequest(w, r)
	if !ok {
		return
	}
	def, ok := s.resolveDefinition(r.Context(), w, req)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, s.dryRun(def, req.InitialVariables))
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeRunRequest(w, r)
	if !ok {
		return
	}
	s.run(w, r, req)
}

func (s *Server) handleRunStored(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeRunRequest(w, r)
	if !ok {
		return
	}
	req.Pipeline = nil
	req.PipelineID = r.PathValue("id")
	s.run(w, r, req)
}

func (s *Server) run(w http.ResponseWriter, r *http.Request, req RunRequest) {
	def, ok := s.resolveDefinition(r.Context(), w, req)
	if !ok {
		return
	}
	if req.DryRun {
		writeJSON(w, http.StatusOK, s.dryRun(def, req.InitialVariables))
		return
	}

	diags := pipeline.ValidateWithRegistry(def, s.templates)
	if pipeline.HasErrors(diags) {
		writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "pipeline validation failed", diagMessages(diags)...)
		return
	}

	runReq := runtime.RunRequest{
		Pipeline:  *def,
		Input:     req.InitialVariables,
		UserID:    req.UserID,
		DebugMode: req.DebugMode,
	}

	if wait, _ := strconv.ParseBool(r.URL.Query().Get("wait")); wait {
		rec, err := s.engine.Run(r.Context(), runReq)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "RUN_ERROR", err.Error())
			return
		}
		writeJSON(w, http.StatusOK, s.executionResponse(r.Context(), rec))
		return
	}

	id, stream, err := s.engine.Start(r.Context(), runReq)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "RUN_ERROR", err.Error())
		return
	}
	// Clients follow the run through the event bus and SSE replay.
	stream.Detach()
	s.logger.Info("execution started", "execution_id", id, "pipeline_id", def.ID)
	writeJSON(w, http.StatusAccepted, RunResponse{ExecutionID: id, Status: core.ExecutionRunning})
}

// RunPipeline runs a stored pipeline to completion. It is the entry point
// used by the scheduler.
func (s *Server) RunPipeline(ctx context.Context, pipelineID string, input map[string]any, userID string) (core.Execution, error) {
	rec, err := s.store.GetPipeline(ctx, pipelineID)
	if err != nil {
		return core.Execution{}, err
	}
	def := rec.Definition
	diags := pipeline.ValidateWithRegistry(&def, s.templates)
	if pipeline.HasErrors(diags) {
		return core.Execution{}, &loader.DiagnosticError{Diagnostics: diags}
	}
	return s.engine.Run(ctx, runtime.RunRequest{
		Pipeline: def,
		Input:    input,
		UserID:   userID,
	})
}

func (s *Server) dryRun(def *core.PipelineDefinition, input map[string]any) pipeline.DryRunResult {
	return s.engine.DryRun(runtime.RunRequest{Pipeline: *def, Input: input})
}

func (s *Server) decodeRunRequest(w http.ResponseWriter, r *http.Request) (RunRequest, bool) {
	var req RunRequest
	if err := decodeJSONBody(r, &req); err != nil && !errors.Is(err, io.EOF) {
		if isMaxBytesError(err) {
			writeError(w, http.StatusRequestEntityTooLarge, "BODY_TOO_LARGE", "request body exceeds size limit")
			return req, false
		}
		writeError(w, http.StatusBadRequest, "PARSE_ERROR", err.Error())
		return req, false
	}
	return req, true
}

func (s *Server) resolveDefinition(ctx context.Context, w http.ResponseWriter, req RunRequest) (*core.PipelineDefinition, bool) {
	switch {
	case req.Pipeline != nil && req.PipelineID != "":
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "set either pipeline or pipeline_id, not both")
		return nil, false
	case req.Pipeline != nil:
		return req.Pipeline, true
	case req.PipelineID != "":
		rec, err := s.store.GetPipeline(ctx, req.PipelineID)
		if err != nil {
			s.writeStoreError(w, err, fmt.Sprintf("pipeline %q not found", req.PipelineID))
			return nil, false
		}
		return &rec.Definition, true
	default:
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "pipeline or pipeline_id is required")
		return nil, false
	}
}

// --- Executions ---

func (s *Server) handleListExecutions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	opts := store.ListOptions{
		PipelineID: q.Get("pipeline_id"),
		UserID:     q.Get("user_id"),
		Status:     core.ExecutionStatus(q.Get("status")),
	}
	if raw := q.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			writeError(w, http.StatusBadRequest, "INVALID_REQUEST", fmt.Sprintf("invalid limit %q", raw))
			return
		}
		opts.Limit = limit
	}
	execs, err := s.store.ListExecutions(r.Context(), opts)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "STORE_ERROR", err.Error())
		return
	}
	if execs == nil {
		execs = []core.Execution{}
	}
	writeJSON(w, http.StatusOK, execs)
}

func (s *Server) handleActiveExecutions(w http.ResponseWriter, _ *http.Request) {
	active := s.engine.Active()
	if active == nil {
		active = []runtime.ExecutionInfo{}
	}
	writeJSON(w, http.StatusOK, active)
}

func (s *Server) handleGetExecution(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	rec, err := s.store.GetExecution(r.Context(), id)
	if err != nil {
		s.writeStoreError(w, err, fmt.Sprintf("execution %q not found", id))
		return
	}
	writeJSON(w, http.StatusOK, s.executionResponse(r.Context(), rec))
}

func (s *Server) handleCancelExecution(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	found := s.engine.Cancel(id)
	if found {
		s.logger.Info("execution cancel requested", "execution_id", id)
	}
	writeJSON(w, http.StatusOK, map[string]bool{"found": found})
}

func (s *Server) handleExecutionEvents(w http.ResponseWriter, r *http.Request) {
	if s.events == nil {
		writeError(w, http.StatusNotImplemented, "NOT_IMPLEMENTED", "event streaming is not configured")
		return
	}
	s.events.ServeHTTP(w, r)
}

func (s *Server) executionResponse(ctx context.Context, rec core.Execution) ExecutionResponse {
	steps, err := s.store.ListStepExecutions(ctx, rec.ID)
	if err != nil {
		s.logger.Warn("list step executions", "execution_id", rec.ID, "error", err)
	}
	if steps == nil {
		steps = []core.StepExecution{}
	}
	return ExecutionResponse{Execution: rec, Steps: steps}
}

// --- Pipelines ---

func (s *Server) handleListPipelines(w http.ResponseWriter, r *http.Request) {
	records, err := s.store.ListPipelines(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "STORE_ERROR", err.Error())
		return
	}
	if records == nil {
		records = []store.PipelineRecord{}
	}
	writeJSON(w, http.StatusOK, records)
}

func (s *Server) handleGetPipeline(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	rec, err := s.store.GetPipeline(r.Context(), id)
	if err != nil {
		s.writeStoreError(w, err, fmt.Sprintf("pipeline %q not found", id))
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleCreatePipeline(w http.ResponseWriter, r *http.Request) {
	def, ok := s.readDefinition(w, r)
	if !ok {
		return
	}
	if def.ID == "" {
		def.ID = uuid.NewString()
	}
	rec, err := s.store.CreatePipeline(r.Context(), *def)
	if err != nil {
		if errors.Is(err, store.ErrPipelineExists) {
			writeError(w, http.StatusConflict, "CONFLICT", fmt.Sprintf("pipeline %q already exists", def.ID))
			return
		}
		writeError(w, http.StatusInternalServerError, "STORE_ERROR", err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

func (s *Server) handleUpdatePipeline(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	def, ok := s.readDefinition(w, r)
	if !ok {
		return
	}
	if def.ID != "" && def.ID != id {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", fmt.Sprintf("body id %q does not match path id %q", def.ID, id))
		return
	}
	def.ID = id
	rec, err := s.store.UpdatePipeline(r.Context(), *def)
	if err != nil {
		s.writeStoreError(w, err, fmt.Sprintf("pipeline %q not found", id))
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleDeletePipeline(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.store.DeletePipeline(r.Context(), id); err != nil {
		s.writeStoreError(w, err, fmt.Sprintf("pipeline %q not found", id))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// readDefinition parses a JSON or YAML pipeline body and validates it.
func (s *Server) readDefinition(w http.ResponseWriter, r *http.Request) (*core.PipelineDefinition, bool) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		if isMaxBytesError(err) {
			writeError(w, http.StatusRequestEntityTooLarge, "BODY_TOO_LARGE", "request body exceeds size limit")
			return nil, false
		}
		writeError(w, http.StatusBadRequest, "READ_ERROR", err.Error())
		return nil, false
	}

	def, err := loader.ParsePipeline(body, formatHint(r))
	if err != nil {
		writeError(w, http.StatusBadRequest, "PARSE_ERROR", err.Error())
		return nil, false
	}
	diags := pipeline.ValidateWithRegistry(def, s.templates)
	if pipeline.HasErrors(diags) {
		writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "pipeline validation failed", diagMessages(diags)...)
		return nil, false
	}
	return def, true
}

// formatHint maps the request content type to a file name the loader can
// detect a format from.
func formatHint(r *http.Request) string {
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	switch {
	case strings.Contains(mediaType, "yaml"):
		return "body.yaml"
	case strings.Contains(mediaType, "json"):
		return "body.json"
	default:
		return ""
	}
}

// writeStoreError maps store sentinels to 404 and everything else to 500.
func (s *Server) writeStoreError(w http.ResponseWriter, err error, notFoundMsg string) {
	switch {
	case errors.Is(err, store.ErrPipelineNotFound),
		errors.Is(err, store.ErrExecutionNotFound),
		errors.Is(err, store.ErrScheduleNotFound):
		writeError(w, http.StatusNotFound, "NOT_FOUND", notFoundMsg)
	default:
		writeError(w, http.StatusInternalServerError, "STORE_ERROR", err.Error())
	}
}

func diagMessages(diags []pipeline.Diagnostic) []string {
	msgs := make([]string, 0, len(diags))
	for _, d := range pipeline.Errors(diags) {
		msgs = append(msgs, fmt.Sprintf("%s: %s", d.Code, d.Message))
	}
	return msgs
}

func decodeJSONBody(r *http.Request, dest any) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	return decoder.Decode(dest)
}
