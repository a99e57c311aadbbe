package server

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/petal-labs/petalpipe/store"
)

type scheduleRequest struct {
	Cron    string         `json:"cron,omitempty"`
	Enabled *bool          `json:"enabled,omitempty"`
	Input   map[string]any `json:"input,omitempty"`
	UserID  *string        `json:"user_id,omitempty"`
}

func (s *Server) handleListSchedules(w http.ResponseWriter, r *http.Request) {
	pipelineID := r.PathValue("id")
	if !s.pipelineExists(r.Context(), w, pipelineID) {
		return
	}
	schedules, err := s.store.ListSchedules(r.Context(), pipelineID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "STORE_ERROR", err.Error())
		return
	}
	if schedules == nil {
		schedules = []store.Schedule{}
	}
	writeJSON(w, http.StatusOK, schedules)
}

func (s *Server) handleCreateSchedule(w http.ResponseWriter, r *http.Request) {
	pipelineID := r.PathValue("id")
	if !s.pipelineExists(r.Context(), w, pipelineID) {
		return
	}

	var req scheduleRequest
	if err := decodeJSONBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "PARSE_ERROR", err.Error())
		return
	}

	now := time.Now().UTC()
	schedule := store.Schedule{
		ID:         uuid.NewString(),
		PipelineID: pipelineID,
		Enabled:    true,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	schedule, err := applyScheduleRequest(schedule, req, true, now)
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_SCHEDULE", err.Error())
		return
	}
	if err := s.store.CreateSchedule(r.Context(), schedule); err != nil {
		s.writeStoreError(w, err, fmt.Sprintf("pipeline %q not found", pipelineID))
		return
	}
	writeJSON(w, http.StatusCreated, schedule)
}

func (s *Server) handleGetSchedule(w http.ResponseWriter, r *http.Request) {
	pipelineID := r.PathValue("id")
	scheduleID := r.PathValue("schedule_id")
	schedule, err := s.store.GetSchedule(r.Context(), pipelineID, scheduleID)
	if err != nil {
		s.writeStoreError(w, err, fmt.Sprintf("schedule %q not found", scheduleID))
		return
	}
	writeJSON(w, http.StatusOK, schedule)
}

func (s *Server) handleUpdateSchedule(w http.ResponseWriter, r *http.Request) {
	pipelineID := r.PathValue("id")
	scheduleID := r.PathValue("schedule_id")
	existing, err := s.store.GetSchedule(r.Context(), pipelineID, scheduleID)
	if err != nil {
		s.writeStoreError(w, err, fmt.Sprintf("schedule %q not found", scheduleID))
		return
	}

	var req scheduleRequest
	if err := decodeJSONBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "PARSE_ERROR", err.Error())
		return
	}

	now := time.Now().UTC()
	next, err := applyScheduleRequest(existing, req, false, now)
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_SCHEDULE", err.Error())
		return
	}
	next.UpdatedAt = now
	if err := s.store.UpdateSchedule(r.Context(), next); err != nil {
		s.writeStoreError(w, err, fmt.Sprintf("schedule %q not found", scheduleID))
		return
	}
	writeJSON(w, http.StatusOK, next)
}

func (s *Server) handleDeleteSchedule(w http.ResponseWriter, r *http.Request) {
	pipelineID := r.PathValue("id")
	scheduleID := r.PathValue("schedule_id")
	if err := s.store.DeleteSchedule(r.Context(), pipelineID, scheduleID); err != nil {
		s.writeStoreError(w, err, fmt.Sprintf("schedule %q not found", scheduleID))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) pipelineExists(ctx context.Context, w http.ResponseWriter, pipelineID string) bool {
	if _, err := s.store.GetPipeline(ctx, pipelineID); err != nil {
		s.writeStoreError(w, err, fmt.Sprintf("pipeline %q not found", pipelineID))
		return false
	}
	return true
}

// applyScheduleRequest merges req into base. NextRunAt is recomputed on
// create, when the cron changes, and when a schedule is re-enabled.
func applyScheduleRequest(base store.Schedule, req scheduleRequest, creating bool, now time.Time) (store.Schedule, error) {
	currentCron := base.Cron
	wasEnabled := base.Enabled

	if clean := strings.TrimSpace(req.Cron); clean != "" {
		base.Cron = clean
	}
	if req.Enabled != nil {
		base.Enabled = *req.Enabled
	}
	if req.Input != nil {
		base.Input = req.Input
	}
	if req.UserID != nil {
		base.UserID = *req.UserID
	}

	if _, err := ParseCron(base.Cron); err != nil {
		return store.Schedule{}, err
	}

	cronChanged := currentCron != "" && currentCron != base.Cron
	if base.Enabled && (creating || cronChanged || !wasEnabled || base.NextRunAt.IsZero()) {
		next, err := NextCronRun(base.Cron, now)
		if err != nil {
			return store.Schedule{}, err
		}
		base.NextRunAt = next
	}
	return base, nil
}
