package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/petal-labs/petalpipe/core"
)

// timeLayout is fixed-width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// Dialect selects placeholder and error conventions for a SQL backend.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

// DB is the subset of *sql.DB used by SQLStore.
type DB interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS pipelines (
	id TEXT PRIMARY KEY,
	name TEXT,
	definition_json TEXT NOT NULL,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
)`,
	`CREATE TABLE IF NOT EXISTS executions (
	id TEXT PRIMARY KEY,
	pipeline_id TEXT NOT NULL,
	user_id TEXT,
	status TEXT NOT NULL,
	started_at TEXT NOT NULL,
	completed_at TEXT,
	input_json TEXT NOT NULL,
	results_json TEXT,
	error_json TEXT,
	logs_json TEXT,
	duration_ms BIGINT NOT NULL DEFAULT 0
)`,
	`CREATE INDEX IF NOT EXISTS idx_executions_pipeline ON executions(pipeline_id, started_at)`,
	`CREATE TABLE IF NOT EXISTS step_executions (
	id TEXT PRIMARY KEY,
	execution_id TEXT NOT NULL REFERENCES executions(id) ON DELETE CASCADE,
	step_id TEXT NOT NULL,
	step_type TEXT NOT NULL,
	status TEXT NOT NULL,
	started_at TEXT NOT NULL,
	completed_at TEXT,
	inputs_json TEXT,
	outputs_json TEXT,
	error_json TEXT,
	metrics_json TEXT,
	attempts INTEGER NOT NULL DEFAULT 0,
	duration_ms BIGINT NOT NULL DEFAULT 0
)`,
	`CREATE INDEX IF NOT EXISTS idx_step_executions_execution ON step_executions(execution_id, started_at)`,
	`CREATE TABLE IF NOT EXISTS schedules (
	id TEXT PRIMARY KEY,
	pipeline_id TEXT NOT NULL REFERENCES pipelines(id) ON DELETE CASCADE,
	cron_expr TEXT NOT NULL,
	enabled INTEGER NOT NULL DEFAULT 1,
	input_json TEXT NOT NULL,
	user_id TEXT,
	next_run_at TEXT NOT NULL,
	last_run_at TEXT,
	last_run_id TEXT,
	last_status TEXT,
	last_error TEXT,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
)`,
	`CREATE INDEX IF NOT EXISTS idx_schedules_pipeline ON schedules(pipeline_id)`,
	`CREATE INDEX IF NOT EXISTS idx_schedules_due ON schedules(enabled, next_run_at)`,
}

// SQLStore implements Store on database/sql. Queries are written with "?"
// placeholders and rebound for the dialect.
type SQLStore struct {
	db      DB
	closer  func() error
	dialect Dialect
}

// NewSQLStore wraps an already-open database. The schema is created if it
// does not exist.
func NewSQLStore(ctx context.Context, db *sql.DB, dialect Dialect) (*SQLStore, error) {
	if db == nil {
		return nil, errors.New("store: db is required")
	}
	s := &SQLStore{db: db, closer: db.Close, dialect: dialect}
	if err := s.migrate(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLStore) migrate(ctx context.Context) error {
	for _, stmt := range schemaStatements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("store %s create schema: %w", s.dialect, err)
		}
	}
	return nil
}

// Close closes the underlying database.
func (s *SQLStore) Close() error {
	if s == nil || s.closer == nil {
		return nil
	}
	return s.closer()
}

func (s *SQLStore) rebind(query string) string {
	if s.dialect != DialectPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *SQLStore) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return s.db.ExecContext(ctx, s.rebind(query), args...)
}

func (s *SQLStore) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return s.db.QueryContext(ctx, s.rebind(query), args...)
}

func (s *SQLStore) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return s.db.QueryRowContext(ctx, s.rebind(query), args...)
}

// --- executions ---

const executionColumns = `id, pipeline_id, user_id, status, started_at, completed_at, input_json, results_json, error_json, logs_json, duration_ms`

// CreateExecution implements ExecutionStore.
func (s *SQLStore) CreateExecution(ctx context.Context, exec core.Execution) error {
	args, err := executionArgs(exec)
	if err != nil {
		return err
	}
	_, err = s.exec(ctx, `INSERT INTO executions (`+executionColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, args...)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %s", ErrExecutionExists, exec.ID)
		}
		return fmt.Errorf("store create execution: %w", err)
	}
	return nil
}

// UpdateExecution implements ExecutionStore.
func (s *SQLStore) UpdateExecution(ctx context.Context, exec core.Execution) error {
	args, err := executionArgs(exec)
	if err != nil {
		return err
	}
	// args[0] is the id; it moves to the WHERE clause.
	updateArgs := append(append([]any{}, args[1:]...), exec.ID,
		string(core.ExecutionCompleted), string(core.ExecutionFailed), string(core.ExecutionCancelled))
	res, err := s.exec(ctx, `UPDATE executions
SET pipeline_id = ?, user_id = ?, status = ?, started_at = ?, completed_at = ?, input_json = ?, results_json = ?, error_json = ?, logs_json = ?, duration_ms = ?
WHERE id = ? AND status NOT IN (?, ?, ?)`, updateArgs...)
	if err != nil {
		return fmt.Errorf("store update execution: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("store update execution rows: %w", err)
	}
	if affected > 0 {
		return nil
	}
	if _, err := s.GetExecution(ctx, exec.ID); err != nil {
		return err
	}
	return fmt.Errorf("%w: %s", ErrExecutionTerminal, exec.ID)
}

// GetExecution implements ExecutionStore.
func (s *SQLStore) GetExecution(ctx context.Context, id string) (core.Execution, error) {
	row := s.queryRow(ctx, `SELECT `+executionColumns+` FROM executions WHERE id = ?`, id)
	exec, err := scanExecution(row)
	if errors.Is(err, sql.ErrNoRows) {
		return core.Execution{}, fmt.Errorf("%w: %s", ErrExecutionNotFound, id)
	}
	return exec, err
}

// ListExecutions implements ExecutionStore. Newest executions come first.
func (s *SQLStore) ListExecutions(ctx context.Context, opts ListOptions) ([]core.Execution, error) {
	query := `SELECT ` + executionColumns + ` FROM executions`
	var (
		where []string
		args  []any
	)
	if opts.PipelineID != "" {
		where = append(where, "pipeline_id = ?")
		args = append(args, opts.PipelineID)
	}
	if opts.UserID != "" {
		where = append(where, "user_id = ?")
		args = append(args, opts.UserID)
	}
	if opts.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(opts.Status))
	}
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY started_at DESC, id DESC"
	if opts.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, opts.Limit)
	}

	rows, err := s.query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store list executions: %w", err)
	}
	defer rows.Close()

	var out []core.Execution
	for rows.Next() {
		exec, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, exec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store list executions rows: %w", err)
	}
	return out, nil
}

const stepExecutionColumns = `id, execution_id, step_id, step_type, status, started_at, completed_at, inputs_json, outputs_json, error_json, metrics_json, attempts, duration_ms`

// SaveStepExecution implements ExecutionStore.
func (s *SQLStore) SaveStepExecution(ctx context.Context, step core.StepExecution) error {
	var exists int
	err := s.queryRow(ctx, `SELECT 1 FROM executions WHERE id = ?`, step.ExecutionID).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s", ErrExecutionNotFound, step.ExecutionID)
	}
	if err != nil {
		return fmt.Errorf("store save step execution: %w", err)
	}

	inputs, err := marshalJSON(step.Inputs)
	if err != nil {
		return err
	}
	outputs, err := marshalJSON(step.Outputs)
	if err != nil {
		return err
	}
	stepErr, err := marshalJSON(step.Error)
	if err != nil {
		return err
	}
	metrics, err := marshalJSON(step.Metrics)
	if err != nil {
		return err
	}

	_, err = s.exec(ctx, `INSERT INTO step_executions (`+stepExecutionColumns+`)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (id) DO UPDATE SET
	status = excluded.status,
	completed_at = excluded.completed_at,
	inputs_json = excluded.inputs_json,
	outputs_json = excluded.outputs_json,
	error_json = excluded.error_json,
	metrics_json = excluded.metrics_json,
	attempts = excluded.attempts,
	duration_ms = excluded.duration_ms`,
		step.ID, step.ExecutionID, step.StepID, string(step.StepType), string(step.Status),
		formatTime(step.StartedAt), formatNullableTime(step.CompletedAt),
		inputs, outputs, stepErr, metrics, step.Attempts, step.DurationMS,
	)
	if err != nil {
		return fmt.Errorf("store save step execution: %w", err)
	}
	return nil
}

// ListStepExecutions implements ExecutionStore.
func (s *SQLStore) ListStepExecutions(ctx context.Context, executionID string) ([]core.StepExecution, error) {
	rows, err := s.query(ctx, `SELECT `+stepExecutionColumns+` FROM step_executions WHERE execution_id = ? ORDER BY started_at ASC, id ASC`, executionID)
	if err != nil {
		return nil, fmt.Errorf("store list step executions: %w", err)
	}
	defer rows.Close()

	var out []core.StepExecution
	for rows.Next() {
		se, err := scanStepExecution(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, se)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store list step executions rows: %w", err)
	}
	return out, nil
}

// --- pipelines ---

// ListPipelines implements PipelineStore.
func (s *SQLStore) ListPipelines(ctx context.Context) ([]PipelineRecord, error) {
	rows, err := s.query(ctx, `SELECT definition_json, created_at, updated_at FROM pipelines ORDER BY created_at ASC, id ASC`)
	if err != nil {
		return nil, fmt.Errorf("store list pipelines: %w", err)
	}
	defer rows.Close()

	var out []PipelineRecord
	for rows.Next() {
		rec, err := scanPipeline(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store list pipelines rows: %w", err)
	}
	return out, nil
}

// GetPipeline implements PipelineStore.
func (s *SQLStore) GetPipeline(ctx context.Context, id string) (PipelineRecord, error) {
	row := s.queryRow(ctx, `SELECT definition_json, created_at, updated_at FROM pipelines WHERE id = ?`, id)
	rec, err := scanPipeline(row)
	if errors.Is(err, sql.ErrNoRows) {
		return PipelineRecord{}, fmt.Errorf("%w: %s", ErrPipelineNotFound, id)
	}
	return rec, err
}

// CreatePipeline implements PipelineStore.
func (s *SQLStore) CreatePipeline(ctx context.Context, def core.PipelineDefinition) (PipelineRecord, error) {
	data, err := json.Marshal(def)
	if err != nil {
		return PipelineRecord{}, fmt.Errorf("store marshal pipeline: %w", err)
	}
	now := time.Now().UTC()
	_, err = s.exec(ctx, `INSERT INTO pipelines (id, name, definition_json, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`,
		def.ID, nullIfEmpty(def.Name), string(data), formatTime(now), formatTime(now))
	if err != nil {
		if isUniqueViolation(err) {
			return PipelineRecord{}, fmt.Errorf("%w: %s", ErrPipelineExists, def.ID)
		}
		return PipelineRecord{}, fmt.Errorf("store create pipeline: %w", err)
	}
	return PipelineRecord{Definition: cloneJSON(def), CreatedAt: now, UpdatedAt: now}, nil
}

// UpdatePipeline implements PipelineStore.
func (s *SQLStore) UpdatePipeline(ctx context.Context, def core.PipelineDefinition) (PipelineRecord, error) {
	data, err := json.Marshal(def)
	if err != nil {
		return PipelineRecord{}, fmt.Errorf("store marshal pipeline: %w", err)
	}
	now := time.Now().UTC()
	res, err := s.exec(ctx, `UPDATE pipelines SET name = ?, definition_json = ?, updated_at = ? WHERE id = ?`,
		nullIfEmpty(def.Name), string(data), formatTime(now), def.ID)
	if err != nil {
		return PipelineRecord{}, fmt.Errorf("store update pipeline: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return PipelineRecord{}, fmt.Errorf("store update pipeline rows: %w", err)
	}
	if affected == 0 {
		return PipelineRecord{}, fmt.Errorf("%w: %s", ErrPipelineNotFound, def.ID)
	}
	return s.GetPipeline(ctx, def.ID)
}

// DeletePipeline implements PipelineStore.
func (s *SQLStore) DeletePipeline(ctx context.Context, id string) error {
	if _, err := s.exec(ctx, `DELETE FROM schedules WHERE pipeline_id = ?`, id); err != nil {
		return fmt.Errorf("store delete pipeline schedules: %w", err)
	}
	res, err := s.exec(ctx, `DELETE FROM pipelines WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("store delete pipeline: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("store delete pipeline rows: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("%w: %s", ErrPipelineNotFound, id)
	}
	return nil
}

// --- schedules ---

const scheduleColumns = `id, pipeline_id, cron_expr, enabled, input_json, user_id, next_run_at, last_run_at, last_run_id, last_status, last_error, created_at, updated_at`

// ListSchedules implements ScheduleStore.
func (s *SQLStore) ListSchedules(ctx context.Context, pipelineID string) ([]Schedule, error) {
	return s.listSchedules(ctx, `SELECT `+scheduleColumns+` FROM schedules WHERE pipeline_id = ? ORDER BY created_at ASC, id ASC`, pipelineID)
}

// GetSchedule implements ScheduleStore.
func (s *SQLStore) GetSchedule(ctx context.Context, pipelineID, scheduleID string) (Schedule, error) {
	row := s.queryRow(ctx, `SELECT `+scheduleColumns+` FROM schedules WHERE pipeline_id = ? AND id = ?`, pipelineID, scheduleID)
	sched, err := scanSchedule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Schedule{}, fmt.Errorf("%w: %s", ErrScheduleNotFound, scheduleID)
	}
	return sched, err
}

// CreateSchedule implements ScheduleStore.
func (s *SQLStore) CreateSchedule(ctx context.Context, schedule Schedule) error {
	if _, err := s.GetPipeline(ctx, schedule.PipelineID); err != nil {
		return err
	}
	input, err := marshalInput(schedule.Input)
	if err != nil {
		return err
	}
	_, err = s.exec(ctx, `INSERT INTO schedules (`+scheduleColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		schedule.ID, schedule.PipelineID, schedule.Cron, boolToInt(schedule.Enabled), input,
		nullIfEmpty(schedule.UserID), formatTime(schedule.NextRunAt), formatNullableTime(schedule.LastRunAt),
		nullIfEmpty(schedule.LastRunID), nullIfEmpty(schedule.LastStatus), nullIfEmpty(schedule.LastError),
		formatTime(schedule.CreatedAt), formatTime(schedule.UpdatedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %s", ErrScheduleExists, schedule.ID)
		}
		return fmt.Errorf("store create schedule: %w", err)
	}
	return nil
}

// UpdateSchedule implements ScheduleStore.
func (s *SQLStore) UpdateSchedule(ctx context.Context, schedule Schedule) error {
	input, err := marshalInput(schedule.Input)
	if err != nil {
		return err
	}
	res, err := s.exec(ctx, `UPDATE schedules
SET cron_expr = ?, enabled = ?, input_json = ?, user_id = ?, next_run_at = ?, last_run_at = ?, last_run_id = ?, last_status = ?, last_error = ?, updated_at = ?
WHERE pipeline_id = ? AND id = ?`,
		schedule.Cron, boolToInt(schedule.Enabled), input, nullIfEmpty(schedule.UserID),
		formatTime(schedule.NextRunAt), formatNullableTime(schedule.LastRunAt),
		nullIfEmpty(schedule.LastRunID), nullIfEmpty(schedule.LastStatus), nullIfEmpty(schedule.LastError),
		formatTime(schedule.UpdatedAt), schedule.PipelineID, schedule.ID,
	)
	if err != nil {
		return fmt.Errorf("store update schedule: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("store update schedule rows: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("%w: %s", ErrScheduleNotFound, schedule.ID)
	}
	return nil
}

// DeleteSchedule implements ScheduleStore.
func (s *SQLStore) DeleteSchedule(ctx context.Context, pipelineID, scheduleID string) error {
	res, err := s.exec(ctx, `DELETE FROM schedules WHERE pipeline_id = ? AND id = ?`, pipelineID, scheduleID)
	if err != nil {
		return fmt.Errorf("store delete schedule: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("store delete schedule rows: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("%w: %s", ErrScheduleNotFound, scheduleID)
	}
	return nil
}

// ListDueSchedules implements ScheduleStore.
func (s *SQLStore) ListDueSchedules(ctx context.Context, now time.Time, limit int) ([]Schedule, error) {
	query := `SELECT ` + scheduleColumns + ` FROM schedules WHERE enabled = 1 AND next_run_at <= ? ORDER BY next_run_at ASC`
	args := []any{formatTime(now)}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	return s.listSchedules(ctx, query, args...)
}

func (s *SQLStore) listSchedules(ctx context.Context, query string, args ...any) ([]Schedule, error) {
	rows, err := s.query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store list schedules: %w", err)
	}
	defer rows.Close()

	var out []Schedule
	for rows.Next() {
		sched, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sched)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store list schedules rows: %w", err)
	}
	return out, nil
}

// --- scanning ---

type scanner interface {
	Scan(dest ...any) error
}

func executionArgs(exec core.Execution) ([]any, error) {
	input, err := marshalInput(exec.InputParameters)
	if err != nil {
		return nil, err
	}
	results, err := marshalJSON(exec.Results)
	if err != nil {
		return nil, err
	}
	execErr, err := marshalJSON(exec.Error)
	if err != nil {
		return nil, err
	}
	logs, err := marshalJSON(exec.Logs)
	if err != nil {
		return nil, err
	}
	return []any{
		exec.ID, exec.PipelineID, nullIfEmpty(exec.UserID), string(exec.Status),
		formatTime(exec.StartedAt), formatNullableTime(exec.CompletedAt),
		input, results, execErr, logs, exec.DurationMS,
	}, nil
}

func scanExecution(sc scanner) (core.Execution, error) {
	var (
		exec                     core.Execution
		userID, completedAt      sql.NullString
		status, startedAt, input string
		results, execErr, logs   sql.NullString
	)
	if err := sc.Scan(&exec.ID, &exec.PipelineID, &userID, &status, &startedAt, &completedAt,
		&input, &results, &execErr, &logs, &exec.DurationMS); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return core.Execution{}, err
		}
		return core.Execution{}, fmt.Errorf("store scan execution: %w", err)
	}
	exec.UserID = userID.String
	exec.Status = core.ExecutionStatus(status)

	var err error
	if exec.StartedAt, err = parseTime(startedAt); err != nil {
		return core.Execution{}, err
	}
	if exec.CompletedAt, err = parseNullableTime(completedAt); err != nil {
		return core.Execution{}, err
	}
	if err := unmarshalJSON(input, &exec.InputParameters); err != nil {
		return core.Execution{}, err
	}
	if err := unmarshalJSON(results.String, &exec.Results); err != nil {
		return core.Execution{}, err
	}
	if err := unmarshalJSON(execErr.String, &exec.Error); err != nil {
		return core.Execution{}, err
	}
	if err := unmarshalJSON(logs.String, &exec.Logs); err != nil {
		return core.Execution{}, err
	}
	return exec, nil
}

func scanStepExecution(sc scanner) (core.StepExecution, error) {
	var (
		se                                core.StepExecution
		stepType, status, startedAt       string
		completedAt                       sql.NullString
		inputs, outputs, stepErr, metrics sql.NullString
	)
	if err := sc.Scan(&se.ID, &se.ExecutionID, &se.StepID, &stepType, &status, &startedAt, &completedAt,
		&inputs, &outputs, &stepErr, &metrics, &se.Attempts, &se.DurationMS); err != nil {
		return core.StepExecution{}, fmt.Errorf("store scan step execution: %w", err)
	}
	se.StepType = core.StepType(stepType)
	se.Status = core.StepStatus(status)

	var err error
	if se.StartedAt, err = parseTime(startedAt); err != nil {
		return core.StepExecution{}, err
	}
	if se.CompletedAt, err = parseNullableTime(completedAt); err != nil {
		return core.StepExecution{}, err
	}
	if err := unmarshalJSON(inputs.String, &se.Inputs); err != nil {
		return core.StepExecution{}, err
	}
	if err := unmarshalJSON(outputs.String, &se.Outputs); err != nil {
		return core.StepExecution{}, err
	}
	if err := unmarshalJSON(stepErr.String, &se.Error); err != nil {
		return core.StepExecution{}, err
	}
	if err := unmarshalJSON(metrics.String, &se.Metrics); err != nil {
		return core.StepExecution{}, err
	}
	return se, nil
}

func scanPipeline(sc scanner) (PipelineRecord, error) {
	var definition, createdAt, updatedAt string
	if err := sc.Scan(&definition, &createdAt, &updatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return PipelineRecord{}, err
		}
		return PipelineRecord{}, fmt.Errorf("store scan pipeline: %w", err)
	}
	var rec PipelineRecord
	if err := unmarshalJSON(definition, &rec.Definition); err != nil {
		return PipelineRecord{}, err
	}
	var err error
	if rec.CreatedAt, err = parseTime(createdAt); err != nil {
		return PipelineRecord{}, err
	}
	if rec.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return PipelineRecord{}, err
	}
	return rec, nil
}

func scanSchedule(sc scanner) (Schedule, error) {
	var (
		sched                                  Schedule
		enabled                                int
		input, nextRunAt, createdAt, updatedAt string
		userID, lastRunAt, lastRunID           sql.NullString
		lastStatus, lastError                  sql.NullString
	)
	if err := sc.Scan(&sched.ID, &sched.PipelineID, &sched.Cron, &enabled, &input, &userID,
		&nextRunAt, &lastRunAt, &lastRunID, &lastStatus, &lastError, &createdAt, &updatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Schedule{}, err
		}
		return Schedule{}, fmt.Errorf("store scan schedule: %w", err)
	}
	sched.Enabled = enabled != 0
	sched.UserID = userID.String
	sched.LastRunID = lastRunID.String
	sched.LastStatus = lastStatus.String
	sched.LastError = lastError.String

	if err := unmarshalJSON(input, &sched.Input); err != nil {
		return Schedule{}, err
	}
	var err error
	if sched.NextRunAt, err = parseTime(nextRunAt); err != nil {
		return Schedule{}, err
	}
	if sched.LastRunAt, err = parseNullableTime(lastRunAt); err != nil {
		return Schedule{}, err
	}
	if sched.CreatedAt, err = parseTime(createdAt); err != nil {
		return Schedule{}, err
	}
	if sched.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return Schedule{}, err
	}
	return sched, nil
}

// --- helpers ---

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func marshalInput(input map[string]any) (string, error) {
	if input == nil {
		return `{}`, nil
	}
	data, err := json.Marshal(input)
	if err != nil {
		return "", fmt.Errorf("store marshal input: %w", err)
	}
	return string(data), nil
}

// marshalJSON returns nil for empty values so the column stays NULL.
func marshalJSON(v any) (any, error) {
	switch t := v.(type) {
	case nil:
		return nil, nil
	case map[string]any:
		if t == nil {
			return nil, nil
		}
	case *core.ExecutionError:
		if t == nil {
			return nil, nil
		}
	case []core.LogEntry:
		if t == nil {
			return nil, nil
		}
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("store marshal json: %w", err)
	}
	return string(data), nil
}

func unmarshalJSON(raw string, dst any) error {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	if err := json.Unmarshal([]byte(raw), dst); err != nil {
		return fmt.Errorf("store unmarshal json: %w", err)
	}
	return nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func formatNullableTime(value *time.Time) any {
	if value == nil || value.IsZero() {
		return nil
	}
	return formatTime(*value)
}

func parseTime(raw string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("store parse time %q: %w", raw, err)
	}
	return t.UTC(), nil
}

func parseNullableTime(raw sql.NullString) (*time.Time, error) {
	if !raw.Valid || raw.String == "" {
		return nil, nil
	}
	t, err := parseTime(raw.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func nullIfEmpty(value string) any {
	if strings.TrimSpace(value) == "" {
		return nil
	}
	return value
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

var _ Store = (*SQLStore)(nil)
