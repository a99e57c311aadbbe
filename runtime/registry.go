package runtime

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/petal-labs/petalpipe/core"
)

// ErrExecutionExists is returned when inserting a duplicate execution id.
var ErrExecutionExists = errors.New("runtime: execution already registered")

// Handle is the registry entry of an in-flight execution.
type Handle struct {
	ExecutionID string
	PipelineID  string
	UserID      string
	StartedAt   time.Time
	Stream      *Stream

	mu     sync.Mutex
	status core.ExecutionStatus
	cancel context.CancelFunc
}

// NewHandle creates a running handle. cancel aborts the execution's context.
func NewHandle(executionID, pipelineID, userID string, startedAt time.Time, cancel context.CancelFunc) *Handle {
	return &Handle{
		ExecutionID: executionID,
		PipelineID:  pipelineID,
		UserID:      userID,
		StartedAt:   startedAt.UTC(),
		status:      core.ExecutionRunning,
		cancel:      cancel,
	}
}

// Status returns the current status.
func (h *Handle) Status() core.ExecutionStatus {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.status
}

func (h *Handle) setStatus(status core.ExecutionStatus) {
	h.mu.Lock()
	h.status = status
	h.mu.Unlock()
}

// requestCancel fires the cancel token unless the execution is terminal.
func (h *Handle) requestCancel() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.status.IsTerminal() {
		return false
	}
	if h.cancel != nil {
		h.cancel()
	}
	return true
}

// ExecutionInfo is a read-only summary of an in-flight execution.
type ExecutionInfo struct {
	ExecutionID string               `json:"execution_id"`
	PipelineID  string               `json:"pipeline_id"`
	UserID      string               `json:"user_id,omitempty"`
	Status      core.ExecutionStatus `json:"status"`
	StartedAt   time.Time            `json:"started_at"`
}

// Registry tracks in-flight executions so they can be listed and cancelled.
// Entries are inserted when an execution starts and removed when it
// reaches a terminal state.
type Registry interface {
	Insert(h *Handle) error
	Lookup(executionID string) (*Handle, bool)
	Remove(executionID string)
	List() []ExecutionInfo
	// Cancel requests cancellation. It returns false for unknown or
	// already-terminal executions.
	Cancel(executionID string) bool
}

// MemRegistry is an in-memory Registry.
type MemRegistry struct {
	mu      sync.RWMutex
	entries map[string]*Handle
}

// NewMemRegistry creates an empty registry.
func NewMemRegistry() *MemRegistry {
	return &MemRegistry{entries: make(map[string]*Handle)}
}

// Insert implements Registry.
func (r *MemRegistry) Insert(h *Handle) error {
	if h == nil || h.ExecutionID == "" {
		return fmt.Errorf("runtime: handle requires an execution id")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[h.ExecutionID]; exists {
		return fmt.Errorf("%w: %s", ErrExecutionExists, h.ExecutionID)
	}
	r.entries[h.ExecutionID] = h
	return nil
}

// Lookup implements Registry.
func (r *MemRegistry) Lookup(executionID string) (*Handle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.entries[executionID]
	return h, ok
}

// Remove implements Registry.
func (r *MemRegistry) Remove(executionID string) {
	r.mu.Lock()
	delete(r.entries, executionID)
	r.mu.Unlock()
}

// List implements Registry. Only running executions are listed, oldest first.
func (r *MemRegistry) List() []ExecutionInfo {
	r.mu.RLock()
	out := make([]ExecutionInfo, 0, len(r.entries))
	for _, h := range r.entries {
		status := h.Status()
		if status != core.ExecutionRunning {
			continue
		}
		out = append(out, ExecutionInfo{
			ExecutionID: h.ExecutionID,
			PipelineID:  h.PipelineID,
			UserID:      h.UserID,
			Status:      status,
			StartedAt:   h.StartedAt,
		})
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].ExecutionID < out[j].ExecutionID
		}
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out
}

// Cancel implements Registry.
func (r *MemRegistry) Cancel(executionID string) bool {
	h, ok := r.Lookup(executionID)
	if !ok {
		return false
	}
	return h.requestCancel()
}

var _ Registry = (*MemRegistry)(nil)
