package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/petal-labs/petalpipe/core"
)

// MemStore is an in-memory Store. Records are deep-copied on the way in
// and out so callers never share state with the store.
type MemStore struct {
	mu             sync.RWMutex
	executions     map[string]core.Execution
	execOrder      []string
	stepExecutions map[string][]core.StepExecution
	pipelines      map[string]PipelineRecord
	pipelineOrder  []string
	schedules      map[string]Schedule
}

// NewMemStore creates an empty MemStore.
func NewMemStore() *MemStore {
	return &MemStore{
		executions:     make(map[string]core.Execution),
		stepExecutions: make(map[string][]core.StepExecution),
		pipelines:      make(map[string]PipelineRecord),
		schedules:      make(map[string]Schedule),
	}
}

// CreateExecution implements ExecutionStore.
func (s *MemStore) CreateExecution(ctx context.Context, exec core.Execution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.executions[exec.ID]; exists {
		return fmt.Errorf("%w: %s", ErrExecutionExists, exec.ID)
	}
	s.executions[exec.ID] = cloneJSON(exec)
	s.execOrder = append(s.execOrder, exec.ID)
	return nil
}

// UpdateExecution implements ExecutionStore.
func (s *MemStore) UpdateExecution(ctx context.Context, exec core.Execution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.executions[exec.ID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrExecutionNotFound, exec.ID)
	}
	if existing.Status.IsTerminal() {
		return fmt.Errorf("%w: %s", ErrExecutionTerminal, exec.ID)
	}
	s.executions[exec.ID] = cloneJSON(exec)
	return nil
}

// GetExecution implements ExecutionStore.
func (s *MemStore) GetExecution(ctx context.Context, id string) (core.Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	exec, ok := s.executions[id]
	if !ok {
		return core.Execution{}, fmt.Errorf("%w: %s", ErrExecutionNotFound, id)
	}
	return cloneJSON(exec), nil
}

// ListExecutions implements ExecutionStore. Newest executions come first.
func (s *MemStore) ListExecutions(ctx context.Context, opts ListOptions) ([]core.Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []core.Execution
	for i := len(s.execOrder) - 1; i >= 0; i-- {
		exec := s.executions[s.execOrder[i]]
		if !matchesListOptions(exec, opts) {
			continue
		}
		out = append(out, cloneJSON(exec))
		if opts.Limit > 0 && len(out) >= opts.Limit {
			break
		}
	}
	return out, nil
}

// SaveStepExecution implements ExecutionStore. It inserts a new record or
// replaces the one with the same id.
func (s *MemStore) SaveStepExecution(ctx context.Context, step core.StepExecution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.executions[step.ExecutionID]; !ok {
		return fmt.Errorf("%w: %s", ErrExecutionNotFound, step.ExecutionID)
	}
	list := s.stepExecutions[step.ExecutionID]
	for i := range list {
		if list[i].ID == step.ID {
			list[i] = cloneJSON(step)
			return nil
		}
	}
	s.stepExecutions[step.ExecutionID] = append(list, cloneJSON(step))
	return nil
}

// ListStepExecutions implements ExecutionStore, in creation order.
func (s *MemStore) ListStepExecutions(ctx context.Context, executionID string) ([]core.StepExecution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	list := s.stepExecutions[executionID]
	out := make([]core.StepExecution, len(list))
	for i, se := range list {
		out[i] = cloneJSON(se)
	}
	return out, nil
}

// ListPipelines implements PipelineStore.
func (s *MemStore) ListPipelines(ctx context.Context) ([]PipelineRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]PipelineRecord, 0, len(s.pipelineOrder))
	for _, id := range s.pipelineOrder {
		out = append(out, cloneJSON(s.pipelines[id]))
	}
	return out, nil
}

// GetPipeline implements PipelineStore.
func (s *MemStore) GetPipeline(ctx context.Context, id string) (PipelineRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.pipelines[id]
	if !ok {
		return PipelineRecord{}, fmt.Errorf("%w: %s", ErrPipelineNotFound, id)
	}
	return cloneJSON(rec), nil
}

// CreatePipeline implements PipelineStore.
func (s *MemStore) CreatePipeline(ctx context.Context, def core.PipelineDefinition) (PipelineRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.pipelines[def.ID]; exists {
		return PipelineRecord{}, fmt.Errorf("%w: %s", ErrPipelineExists, def.ID)
	}
	now := time.Now().UTC()
	rec := PipelineRecord{Definition: cloneJSON(def), CreatedAt: now, UpdatedAt: now}
	s.pipelines[def.ID] = rec
	s.pipelineOrder = append(s.pipelineOrder, def.ID)
	return cloneJSON(rec), nil
}

// UpdatePipeline implements PipelineStore.
func (s *MemStore) UpdatePipeline(ctx context.Context, def core.PipelineDefinition) (PipelineRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.pipelines[def.ID]
	if !ok {
		return PipelineRecord{}, fmt.Errorf("%w: %s", ErrPipelineNotFound, def.ID)
	}
	rec.Definition = cloneJSON(def)
	rec.UpdatedAt = time.Now().UTC()
	s.pipelines[def.ID] = rec
	return cloneJSON(rec), nil
}

// DeletePipeline implements PipelineStore. Schedules of the pipeline are
// removed with it.
func (s *MemStore) DeletePipeline(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.pipelines[id]; !ok {
		return fmt.Errorf("%w: %s", ErrPipelineNotFound, id)
	}
	delete(s.pipelines, id)
	for i, pid := range s.pipelineOrder {
		if pid == id {
			s.pipelineOrder = append(s.pipelineOrder[:i], s.pipelineOrder[i+1:]...)
			break
		}
	}
	for sid, sched := range s.schedules {
		if sched.PipelineID == id {
			delete(s.schedules, sid)
		}
	}
	return nil
}

// ListSchedules implements ScheduleStore.
func (s *MemStore) ListSchedules(ctx context.Context, pipelineID string) ([]Schedule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Schedule
	for _, sched := range s.schedules {
		if sched.PipelineID == pipelineID {
			out = append(out, cloneJSON(sched))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// GetSchedule implements ScheduleStore.
func (s *MemStore) GetSchedule(ctx context.Context, pipelineID, scheduleID string) (Schedule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sched, ok := s.schedules[scheduleID]
	if !ok || sched.PipelineID != pipelineID {
		return Schedule{}, fmt.Errorf("%w: %s", ErrScheduleNotFound, scheduleID)
	}
	return cloneJSON(sched), nil
}

// CreateSchedule implements ScheduleStore.
func (s *MemStore) CreateSchedule(ctx context.Context, schedule Schedule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.pipelines[schedule.PipelineID]; !ok {
		return fmt.Errorf("%w: %s", ErrPipelineNotFound, schedule.PipelineID)
	}
	if _, exists := s.schedules[schedule.ID]; exists {
		return fmt.Errorf("%w: %s", ErrScheduleExists, schedule.ID)
	}
	s.schedules[schedule.ID] = cloneJSON(schedule)
	return nil
}

// UpdateSchedule implements ScheduleStore.
func (s *MemStore) UpdateSchedule(ctx context.Context, schedule Schedule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.schedules[schedule.ID]
	if !ok || existing.PipelineID != schedule.PipelineID {
		return fmt.Errorf("%w: %s", ErrScheduleNotFound, schedule.ID)
	}
	s.schedules[schedule.ID] = cloneJSON(schedule)
	return nil
}

// DeleteSchedule implements ScheduleStore.
func (s *MemStore) DeleteSchedule(ctx context.Context, pipelineID, scheduleID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.schedules[scheduleID]
	if !ok || existing.PipelineID != pipelineID {
		return fmt.Errorf("%w: %s", ErrScheduleNotFound, scheduleID)
	}
	delete(s.schedules, scheduleID)
	return nil
}

// ListDueSchedules implements ScheduleStore.
func (s *MemStore) ListDueSchedules(ctx context.Context, now time.Time, limit int) ([]Schedule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Schedule
	for _, sched := range s.schedules {
		if sched.Enabled && !sched.NextRunAt.After(now) {
			out = append(out, cloneJSON(sched))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NextRunAt.Before(out[j].NextRunAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Close implements Store.
func (s *MemStore) Close() error {
	return nil
}

func matchesListOptions(exec core.Execution, opts ListOptions) bool {
	if opts.PipelineID != "" && exec.PipelineID != opts.PipelineID {
		return false
	}
	if opts.UserID != "" && exec.UserID != opts.UserID {
		return false
	}
	if opts.Status != "" && exec.Status != opts.Status {
		return false
	}
	return true
}

// cloneJSON deep-copies a record through its JSON form, which is also the
// form the SQL backends persist.
func cloneJSON[T any](v T) T {
	data, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var out T
	if err := json.Unmarshal(data, &out); err != nil {
		return v
	}
	return out
}

var _ Store = (*MemStore)(nil)
