// Package pipeline validates pipeline definitions and resolves step inputs.
package pipeline

// Diagnostic is a validation error or warning about a pipeline definition.
type Diagnostic struct {
	Code     string `json:"code"`           // e.g. "PL-002"
	Severity string `json:"severity"`       // "error" or "warning"
	Message  string `json:"message"`        // human-readable description
	Path     string `json:"path,omitempty"` // path to the offending field, e.g. "steps[1].config.url"
}

const (
	SeverityError   = "error"
	SeverityWarning = "warning"
)

// Diagnostic codes.
const (
	CodeUnknownStepType     = "PL-001"
	CodeMissingConfig       = "PL-002"
	CodeDuplicateOrder      = "PL-003"
	CodeUnknownBranchTarget = "PL-004"
	CodeDuplicateStepID     = "PL-005"
	CodeEmptyPipeline       = "PL-006"
	CodeOutputKeyCollision  = "PL-007"
	CodeNestedCondition     = "PL-008"
	CodeDisabledBranchStep  = "PL-009"
	CodeInvalidPolicy       = "PL-010"
	CodeUnknownOutputRef    = "PL-011"
	CodeUnresolvedInput     = "PL-012"
)

// HasErrors returns true if any diagnostic has error severity.
func HasErrors(diags []Diagnostic) bool {
	for _, d := range diags {
		if d.Severity == SeverityError {
			return true
		}
	}
	return false
}

// Errors returns only the error-severity diagnostics.
func Errors(diags []Diagnostic) []Diagnostic {
	var errs []Diagnostic
	for _, d := range diags {
		if d.Severity == SeverityError {
			errs = append(errs, d)
		}
	}
	return errs
}

// Warnings returns only the warning-severity diagnostics.
func Warnings(diags []Diagnostic) []Diagnostic {
	var warns []Diagnostic
	for _, d := range diags {
		if d.Severity == SeverityWarning {
			warns = append(warns, d)
		}
	}
	return warns
}

func errDiag(code, message, path string) Diagnostic {
	return Diagnostic{Code: code, Severity: SeverityError, Message: message, Path: path}
}

func warnDiag(code, message, path string) Diagnostic {
	return Diagnostic{Code: code, Severity: SeverityWarning, Message: message, Path: path}
}
