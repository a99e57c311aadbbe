package loader

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/petal-labs/petalpipe/core"
	"github.com/petal-labs/petalpipe/pipeline"
)

// LoadPipeline reads, parses and validates a pipeline definition file.
// Validation errors are returned as a *DiagnosticError; warnings are
// returned alongside a nil error.
func LoadPipeline(path string) (*core.PipelineDefinition, []pipeline.Diagnostic, error) {
	data, err := os.ReadFile(path) // #nosec G304 -- path from caller
	if err != nil {
		return nil, nil, fmt.Errorf("reading file %s: %w", path, err)
	}
	def, err := ParsePipeline(data, path)
	if err != nil {
		return nil, nil, err
	}
	diags := pipeline.Validate(def)
	if pipeline.HasErrors(diags) {
		return def, diags, &DiagnosticError{Diagnostics: diags}
	}
	return def, diags, nil
}

// ParsePipeline decodes a definition without validating it. filePath is
// only used to pick the format and may be empty.
func ParsePipeline(data []byte, filePath string) (*core.PipelineDefinition, error) {
	format, err := DetectPipeline(data, filePath)
	if err != nil {
		return nil, err
	}
	jsonData, err := toJSON(data, format)
	if err != nil {
		return nil, err
	}
	var def core.PipelineDefinition
	if err := json.Unmarshal(jsonData, &def); err != nil {
		return nil, fmt.Errorf("parsing pipeline: %w", err)
	}
	return &def, nil
}

// LoadInput reads initial variables from a JSON or YAML object file.
func LoadInput(path string) (map[string]any, error) {
	data, err := os.ReadFile(path) // #nosec G304 -- path from caller
	if err != nil {
		return nil, fmt.Errorf("reading file %s: %w", path, err)
	}
	return ParseInput(data, path)
}

// ParseInput decodes initial variables. Numbers keep JSON semantics
// (float64) regardless of the source format.
func ParseInput(data []byte, filePath string) (map[string]any, error) {
	jsonData, err := toJSON(data, DetectFormat(data, filePath))
	if err != nil {
		return nil, err
	}
	var input map[string]any
	if err := json.Unmarshal(jsonData, &input); err != nil {
		return nil, fmt.Errorf("parsing input: %w", err)
	}
	if input == nil {
		input = map[string]any{}
	}
	return input, nil
}

// DiagnosticError wraps validation diagnostics as an error.
type DiagnosticError struct {
	Diagnostics []pipeline.Diagnostic
}

func (e *DiagnosticError) Error() string {
	errs := pipeline.Errors(e.Diagnostics)
	if len(errs) == 0 {
		return "validation failed"
	}
	if len(errs) == 1 {
		return fmt.Sprintf("validation error: %s", errs[0].Message)
	}
	return fmt.Sprintf("%d validation errors (first: %s)", len(errs), errs[0].Message)
}
