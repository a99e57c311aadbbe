// Package store persists pipeline definitions, executions, step executions
// and cron schedules. Three backends share one contract: MemStore for tests
// and single-process use, and SQLStore over SQLite or PostgreSQL.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/petal-labs/petalpipe/core"
)

// Sentinel errors for store operations.
var (
	ErrExecutionNotFound     = errors.New("execution not found")
	ErrExecutionExists       = errors.New("execution already exists")
	ErrExecutionTerminal     = errors.New("execution is terminal")
	ErrStepExecutionNotFound = errors.New("step execution not found")
	ErrPipelineNotFound      = errors.New("pipeline not found")
	ErrPipelineExists        = errors.New("pipeline already exists")
	ErrScheduleNotFound      = errors.New("schedule not found")
	ErrScheduleExists        = errors.New("schedule already exists")
)

// ListOptions filters execution listings.
type ListOptions struct {
	PipelineID string
	UserID     string
	Status     core.ExecutionStatus
	Limit      int
}

// ExecutionStore persists executions and their step executions. Terminal
// executions are immutable: updating one returns ErrExecutionTerminal.
type ExecutionStore interface {
	CreateExecution(ctx context.Context, exec core.Execution) error
	UpdateExecution(ctx context.Context, exec core.Execution) error
	GetExecution(ctx context.Context, id string) (core.Execution, error)
	ListExecutions(ctx context.Context, opts ListOptions) ([]core.Execution, error)

	SaveStepExecution(ctx context.Context, step core.StepExecution) error
	ListStepExecutions(ctx context.Context, executionID string) ([]core.StepExecution, error)
}

// PipelineRecord is a stored pipeline definition.
type PipelineRecord struct {
	Definition core.PipelineDefinition `json:"definition"`
	CreatedAt  time.Time               `json:"created_at"`
	UpdatedAt  time.Time               `json:"updated_at"`
}

// PipelineStore provides CRUD operations for pipeline definitions.
type PipelineStore interface {
	ListPipelines(ctx context.Context) ([]PipelineRecord, error)
	GetPipeline(ctx context.Context, id string) (PipelineRecord, error)
	CreatePipeline(ctx context.Context, def core.PipelineDefinition) (PipelineRecord, error)
	UpdatePipeline(ctx context.Context, def core.PipelineDefinition) (PipelineRecord, error)
	DeletePipeline(ctx context.Context, id string) error
}

// Schedule is a cron trigger for a stored pipeline.
type Schedule struct {
	ID         string         `json:"id"`
	PipelineID string         `json:"pipeline_id"`
	Cron       string         `json:"cron"`
	Enabled    bool           `json:"enabled"`
	Input      map[string]any `json:"input,omitempty"`
	UserID     string         `json:"user_id,omitempty"`
	NextRunAt  time.Time      `json:"next_run_at"`
	LastRunAt  *time.Time     `json:"last_run_at,omitempty"`
	LastRunID  string         `json:"last_run_id,omitempty"`
	LastStatus string         `json:"last_status,omitempty"`
	LastError  string         `json:"last_error,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
	UpdatedAt  time.Time      `json:"updated_at"`
}

// ScheduleStore persists cron schedules.
type ScheduleStore interface {
	ListSchedules(ctx context.Context, pipelineID string) ([]Schedule, error)
	GetSchedule(ctx context.Context, pipelineID, scheduleID string) (Schedule, error)
	CreateSchedule(ctx context.Context, schedule Schedule) error
	UpdateSchedule(ctx context.Context, schedule Schedule) error
	DeleteSchedule(ctx context.Context, pipelineID, scheduleID string) error
	ListDueSchedules(ctx context.Context, now time.Time, limit int) ([]Schedule, error)
}

// Store bundles every persistence concern behind one backend.
type Store interface {
	ExecutionStore
	PipelineStore
	ScheduleStore
	Close() error
}
