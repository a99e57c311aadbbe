// Package core provides the foundational types for petalpipe pipelines.
//
// This package contains:
//   - Definition types: PipelineDefinition, Step, RetryConfig
//   - Run records: Execution, StepExecution, LogEntry
//   - Error kinds and the structured StepError
//   - The LLMClient interface consumed by prompt steps
package core

import (
	"sort"
	"time"
)

// StepType identifies the kind of work a step performs.
// The set is closed; executors dispatch over it with an explicit switch.
type StepType string

const (
	StepTypePrompt    StepType = "prompt"
	StepTypeCode      StepType = "code"
	StepTypeTransform StepType = "transform"
	StepTypeAPI       StepType = "api"
	StepTypeCondition StepType = "condition"
	StepTypeFile      StepType = "file"
)

// StepTypes lists every supported step type in catalog order.
var StepTypes = []StepType{
	StepTypePrompt,
	StepTypeCode,
	StepTypeTransform,
	StepTypeAPI,
	StepTypeCondition,
	StepTypeFile,
}

// String returns the string representation of the StepType.
func (t StepType) String() string {
	return string(t)
}

// Valid reports whether t is one of the supported step types.
func (t StepType) Valid() bool {
	for _, known := range StepTypes {
		if t == known {
			return true
		}
	}
	return false
}

// ParseStepType converts a string to a StepType. "llm" is accepted as an
// alias for prompt.
func ParseStepType(s string) (StepType, bool) {
	if s == "llm" {
		return StepTypePrompt, true
	}
	t := StepType(s)
	return t, t.Valid()
}

// BackoffConfig shapes the delay between retry attempts.
type BackoffConfig struct {
	InitialMS  int     `json:"initial_ms,omitempty" yaml:"initial_ms,omitempty"`
	MaxMS      int     `json:"max_ms,omitempty" yaml:"max_ms,omitempty"`
	Multiplier float64 `json:"multiplier,omitempty" yaml:"multiplier,omitempty"`
}

// RetryConfig bounds how many times a step is attempted.
type RetryConfig struct {
	MaxAttempts int           `json:"max_attempts" yaml:"max_attempts"`
	Backoff     BackoffConfig `json:"backoff,omitempty" yaml:"backoff,omitempty"`
}

// Step is one unit of work inside a pipeline definition.
type Step struct {
	ID            string            `json:"id" yaml:"id"`
	Name          string            `json:"name,omitempty" yaml:"name,omitempty"`
	Type          StepType          `json:"type" yaml:"type"`
	Order         int               `json:"order" yaml:"order"`
	Config        map[string]any    `json:"config,omitempty" yaml:"config,omitempty"`
	InputMapping  map[string]string `json:"input_mapping,omitempty" yaml:"input_mapping,omitempty"`
	OutputMapping map[string]string `json:"output_mapping,omitempty" yaml:"output_mapping,omitempty"`
	Enabled       *bool             `json:"is_enabled,omitempty" yaml:"is_enabled,omitempty"`
	Timeout       float64           `json:"timeout,omitempty" yaml:"timeout,omitempty"` // seconds
	RetryConfig   *RetryConfig      `json:"retry_config,omitempty" yaml:"retry_config,omitempty"`
}

// IsEnabled reports whether the step should run. Steps are enabled unless
// is_enabled is explicitly false.
func (s Step) IsEnabled() bool {
	return s.Enabled == nil || *s.Enabled
}

// OutputKey is the name under which the step's outputs appear in the
// variable context (output.<key>).
func (s Step) OutputKey() string {
	if s.Name != "" {
		return s.Name
	}
	return s.ID
}

// TimeoutDuration converts the timeout in seconds to a duration (0 = none).
func (s Step) TimeoutDuration() time.Duration {
	if s.Timeout <= 0 {
		return 0
	}
	return time.Duration(s.Timeout * float64(time.Second))
}

// PipelineDefinition is an ordered collection of steps plus static config.
type PipelineDefinition struct {
	ID          string         `json:"id" yaml:"id"`
	Name        string         `json:"name,omitempty" yaml:"name,omitempty"`
	Description string         `json:"description,omitempty" yaml:"description,omitempty"`
	Steps       []Step         `json:"steps" yaml:"steps"`
	Config      map[string]any `json:"config,omitempty" yaml:"config,omitempty"`
	Tags        []string       `json:"tags,omitempty" yaml:"tags,omitempty"`
}

// OrderedSteps returns a copy of the steps sorted by ascending order.
// Steps sharing an order keep their declaration order.
func (p *PipelineDefinition) OrderedSteps() []Step {
	steps := make([]Step, len(p.Steps))
	copy(steps, p.Steps)
	sort.SliceStable(steps, func(i, j int) bool {
		return steps[i].Order < steps[j].Order
	})
	return steps
}

// StepByID looks up a step by its id.
func (p *PipelineDefinition) StepByID(id string) (Step, bool) {
	for _, s := range p.Steps {
		if s.ID == id {
			return s, true
		}
	}
	return Step{}, false
}

// ExecutionStatus is the lifecycle state of an Execution.
type ExecutionStatus string

const (
	ExecutionPending   ExecutionStatus = "pending"
	ExecutionRunning   ExecutionStatus = "running"
	ExecutionCompleted ExecutionStatus = "completed"
	ExecutionFailed    ExecutionStatus = "failed"
	ExecutionCancelled ExecutionStatus = "cancelled"
)

// IsTerminal reports whether no further transition may leave the status.
func (s ExecutionStatus) IsTerminal() bool {
	switch s {
	case ExecutionCompleted, ExecutionFailed, ExecutionCancelled:
		return true
	default:
		return false
	}
}

// StepStatus is the lifecycle state of a StepExecution.
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepRunning   StepStatus = "running"
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
	StepSkipped   StepStatus = "skipped"
)

// IsTerminal reports whether the step execution has been finalized.
func (s StepStatus) IsTerminal() bool {
	return s == StepCompleted || s == StepFailed || s == StepSkipped
}

// ExecutionError is the user-visible failure recorded on an Execution or
// StepExecution.
type ExecutionError struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
	StepID  string    `json:"step_id,omitempty"`
}

// Log levels used in execution logs.
const (
	LogLevelDebug = "debug"
	LogLevelInfo  = "info"
	LogLevelWarn  = "warn"
	LogLevelError = "error"
)

// LogEntry is one structured line in an execution's log.
type LogEntry struct {
	Time    time.Time      `json:"time"`
	Level   string         `json:"level"`
	Message string         `json:"message"`
	StepID  string         `json:"step_id,omitempty"`
	Fields  map[string]any `json:"fields,omitempty"`
}

// Execution is one run of a pipeline against a set of input parameters.
type Execution struct {
	ID              string          `json:"id"`
	PipelineID      string          `json:"pipeline_id"`
	UserID          string          `json:"user_id,omitempty"`
	Status          ExecutionStatus `json:"status"`
	StartedAt       time.Time       `json:"started_at"`
	CompletedAt     *time.Time      `json:"completed_at,omitempty"`
	InputParameters map[string]any  `json:"input_parameters,omitempty"`
	Results         map[string]any  `json:"results,omitempty"`
	Error           *ExecutionError `json:"error,omitempty"`
	Logs            []LogEntry      `json:"logs,omitempty"`
	DurationMS      int64           `json:"duration_ms"`
}

// StepExecution records one step's run within an Execution.
type StepExecution struct {
	ID          string          `json:"id"`
	ExecutionID string          `json:"execution_id"`
	StepID      string          `json:"step_id"`
	StepType    StepType        `json:"step_type"`
	Status      StepStatus      `json:"status"`
	StartedAt   time.Time       `json:"started_at"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
	Inputs      map[string]any  `json:"inputs,omitempty"`
	Outputs     map[string]any  `json:"outputs,omitempty"`
	Error       *ExecutionError `json:"error,omitempty"`
	Metrics     map[string]any  `json:"metrics,omitempty"`
	Attempts    int             `json:"attempts"`
	DurationMS  int64           `json:"duration_ms"`
}

// TokenUsage tracks token consumption for cost tracking and budgeting.
type TokenUsage struct {
	InputTokens  int     // tokens consumed by input/prompt
	OutputTokens int     // tokens generated in output
	TotalTokens  int     // total tokens (input + output)
	CostUSD      float64 // cost in USD (if computable)
}

// Add combines two TokenUsage values.
func (u TokenUsage) Add(other TokenUsage) TokenUsage {
	return TokenUsage{
		InputTokens:  u.InputTokens + other.InputTokens,
		OutputTokens: u.OutputTokens + other.OutputTokens,
		TotalTokens:  u.TotalTokens + other.TotalTokens,
		CostUSD:      u.CostUSD + other.CostUSD,
	}
}

// Budget is an optional guardrail for LLM calls to limit resource usage.
type Budget struct {
	MaxInputTokens  int     // maximum input tokens allowed
	MaxOutputTokens int     // maximum output tokens allowed
	MaxTotalTokens  int     // maximum total tokens allowed
	MaxCostUSD      float64 // maximum cost in USD allowed
}
