package core

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorKind classifies a step failure. The kind decides whether the
// supervisor may retry the step.
type ErrorKind string

const (
	ErrorKindValidation      ErrorKind = "validation"
	ErrorKindProvider        ErrorKind = "provider"
	ErrorKindExternalService ErrorKind = "external_service"
	ErrorKindSandbox         ErrorKind = "sandbox"
	ErrorKindTimeout         ErrorKind = "timeout"
	ErrorKindCancelled       ErrorKind = "cancelled"
	ErrorKindInternal        ErrorKind = "internal"
)

// String returns the string representation of the ErrorKind.
func (k ErrorKind) String() string {
	return string(k)
}

// Retryable reports whether failures of this kind are eligible for
// another attempt under a step's retry policy.
func (k ErrorKind) Retryable() bool {
	switch k {
	case ErrorKindProvider, ErrorKindExternalService, ErrorKindSandbox, ErrorKindTimeout:
		return true
	default:
		return false
	}
}

// StepError is a structured step failure that can flow across executors,
// stores and events without losing its kind or retryability.
type StepError struct {
	Kind      ErrorKind      `json:"kind"`
	Message   string         `json:"message"`
	Retryable bool           `json:"retryable"`
	Details   map[string]any `json:"details,omitempty"`
	Cause     error          `json:"-"`
}

func (e *StepError) Error() string {
	if e == nil {
		return ""
	}
	kind := strings.TrimSpace(string(e.Kind))
	msg := strings.TrimSpace(e.Message)
	switch {
	case kind == "" && msg == "":
		return string(ErrorKindInternal)
	case kind == "":
		return msg
	case msg == "":
		return kind
	default:
		return fmt.Sprintf("%s: %s", kind, msg)
	}
}

// Unwrap exposes the wrapped cause for errors.Is/errors.As.
func (e *StepError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// NewStepError builds a StepError whose retryability follows its kind.
func NewStepError(kind ErrorKind, message string, cause error) *StepError {
	if kind == "" {
		kind = ErrorKindInternal
	}
	msg := strings.TrimSpace(message)
	if msg == "" && cause != nil {
		msg = cause.Error()
	}
	return &StepError{
		Kind:      kind,
		Message:   msg,
		Retryable: kind.Retryable(),
		Cause:     cause,
	}
}

// StepErrorFrom extracts a *StepError from an error chain.
func StepErrorFrom(err error) (*StepError, bool) {
	if err == nil {
		return nil, false
	}
	var stepErr *StepError
	if errors.As(err, &stepErr) {
		return stepErr, true
	}
	return nil, false
}

// ToExecutionError converts a StepError into its persisted form.
func (e *StepError) ToExecutionError(stepID string) *ExecutionError {
	if e == nil {
		return nil
	}
	return &ExecutionError{Kind: e.Kind, Message: e.Message, StepID: stepID}
}
