package pipeline

import (
	"testing"

	"github.com/petal-labs/petalpipe/core"
	"github.com/petal-labs/petalpipe/vars"
)

func boolPtr(b bool) *bool { return &b }

func validPipeline() *core.PipelineDefinition {
	return &core.PipelineDefinition{
		ID:     "p1",
		Name:   "research",
		Config: map[string]any{"region": "eu"},
		Steps: []core.Step{
			{ID: "fetch", Type: core.StepTypeAPI, Order: 1, Config: map[string]any{"url": "https://api.test/{{input.topic}}"}},
			{ID: "check", Type: core.StepTypeCondition, Order: 2, Config: map[string]any{
				"field": "output.fetch.status_code", "operator": "eq", "value": 200,
				"true_branch": []any{"summarize"}, "false_branch": []any{"report"},
			}},
			{ID: "summarize", Type: core.StepTypePrompt, Order: 3, Config: map[string]any{
				"model_id": "gpt-4o", "prompt": "Summarize {{output.fetch.body}}",
			}},
			{ID: "report", Type: core.StepTypeTransform, Order: 4, Config: map[string]any{"operation": "stringify", "data": "{{output.fetch}}"}},
		},
	}
}

func codes(diags []Diagnostic) map[string]int {
	out := make(map[string]int)
	for _, d := range diags {
		out[d.Code]++
	}
	return out
}

func TestValidate_ValidPipeline(t *testing.T) {
	diags := Validate(validPipeline())
	if len(diags) != 0 {
		t.Fatalf("Validate() = %+v, want no diagnostics", diags)
	}
}

func TestValidate_Rules(t *testing.T) {
	tests := []struct {
		name     string
		mutate   func(def *core.PipelineDefinition)
		code     string
		severity string
	}{
		{
			name:     "unknown step type",
			mutate:   func(def *core.PipelineDefinition) { def.Steps[0].Type = "shell" },
			code:     CodeUnknownStepType,
			severity: SeverityError,
		},
		{
			name:     "missing required config",
			mutate:   func(def *core.PipelineDefinition) { delete(def.Steps[2].Config, "model_id") },
			code:     CodeMissingConfig,
			severity: SeverityError,
		},
		{
			name:     "blank required config",
			mutate:   func(def *core.PipelineDefinition) { def.Steps[0].Config["url"] = "  " },
			code:     CodeMissingConfig,
			severity: SeverityError,
		},
		{
			name:     "duplicate order",
			mutate:   func(def *core.PipelineDefinition) { def.Steps[3].Order = 1 },
			code:     CodeDuplicateOrder,
			severity: SeverityError,
		},
		{
			name: "unknown branch target",
			mutate: func(def *core.PipelineDefinition) {
				def.Steps[1].Config["true_branch"] = []any{"nope"}
			},
			code:     CodeUnknownBranchTarget,
			severity: SeverityError,
		},
		{
			name:     "duplicate step id",
			mutate:   func(def *core.PipelineDefinition) { def.Steps[3].ID = "fetch"; def.Steps[3].Name = "r" },
			code:     CodeDuplicateStepID,
			severity: SeverityError,
		},
		{
			name:     "output key collision",
			mutate:   func(def *core.PipelineDefinition) { def.Steps[3].Name = "summarize" },
			code:     CodeOutputKeyCollision,
			severity: SeverityWarning,
		},
		{
			name: "nested condition",
			mutate: func(def *core.PipelineDefinition) {
				def.Steps = append(def.Steps, core.Step{ID: "inner", Type: core.StepTypeCondition, Order: 5,
					Config: map[string]any{"field": "input.x", "operator": "exists"}})
				def.Steps[1].Config["false_branch"] = []any{"inner"}
			},
			code:     CodeNestedCondition,
			severity: SeverityWarning,
		},
		{
			name:     "disabled branch step",
			mutate:   func(def *core.PipelineDefinition) { def.Steps[2].Enabled = boolPtr(false) },
			code:     CodeDisabledBranchStep,
			severity: SeverityWarning,
		},
		{
			name:     "negative timeout",
			mutate:   func(def *core.PipelineDefinition) { def.Steps[0].Timeout = -1 },
			code:     CodeInvalidPolicy,
			severity: SeverityError,
		},
		{
			name: "zero max attempts",
			mutate: func(def *core.PipelineDefinition) {
				def.Steps[0].RetryConfig = &core.RetryConfig{MaxAttempts: 0}
			},
			code:     CodeInvalidPolicy,
			severity: SeverityError,
		},
		{
			name: "multiplier below one",
			mutate: func(def *core.PipelineDefinition) {
				def.Steps[0].RetryConfig = &core.RetryConfig{MaxAttempts: 3, Backoff: core.BackoffConfig{Multiplier: 0.5}}
			},
			code:     CodeInvalidPolicy,
			severity: SeverityError,
		},
		{
			name: "unknown output reference",
			mutate: func(def *core.PipelineDefinition) {
				def.Steps[2].Config["prompt"] = "Use {{ output.ghost.text }}"
			},
			code:     CodeUnknownOutputRef,
			severity: SeverityWarning,
		},
		{
			name: "unknown output reference in mapping",
			mutate: func(def *core.PipelineDefinition) {
				def.Steps[3].InputMapping = map[string]string{"data": "output.ghost.items[0]"}
			},
			code:     CodeUnknownOutputRef,
			severity: SeverityWarning,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			def := validPipeline()
			tt.mutate(def)
			diags := Validate(def)

			var found *Diagnostic
			for i := range diags {
				if diags[i].Code == tt.code {
					found = &diags[i]
					break
				}
			}
			if found == nil {
				t.Fatalf("Validate() = %+v, want code %s", diags, tt.code)
			}
			if found.Severity != tt.severity {
				t.Fatalf("%s severity = %q, want %q", tt.code, found.Severity, tt.severity)
			}
			if found.Path == "" {
				t.Fatalf("%s has no path", tt.code)
			}
		})
	}
}

func TestValidate_EmptyPipeline(t *testing.T) {
	for _, def := range []*core.PipelineDefinition{nil, {ID: "empty"}} {
		diags := Validate(def)
		if len(diags) != 1 || diags[0].Code != CodeEmptyPipeline {
			t.Fatalf("Validate(empty) = %+v", diags)
		}
		if !HasErrors(diags) {
			t.Fatal("empty pipeline must be an error")
		}
	}
}

func TestValidate_InputMappingSatisfiesRequiredField(t *testing.T) {
	def := validPipeline()
	delete(def.Steps[0].Config, "url")
	def.Steps[0].InputMapping = map[string]string{"url": "input.endpoint"}
	if c := codes(Validate(def)); c[CodeMissingConfig] != 0 {
		t.Fatalf("input_mapping should satisfy required field, got %v", c)
	}
}

func TestValidate_LLMAlias(t *testing.T) {
	def := validPipeline()
	def.Steps[2].Type = "llm"
	if c := codes(Validate(def)); c[CodeUnknownStepType] != 0 {
		t.Fatalf("llm alias rejected: %v", c)
	}
}

func TestPartition(t *testing.T) {
	diags := []Diagnostic{
		errDiag("PL-001", "a", ""),
		warnDiag("PL-007", "b", ""),
		errDiag("PL-003", "c", ""),
	}
	if !HasErrors(diags) {
		t.Fatal("HasErrors = false")
	}
	if len(Errors(diags)) != 2 || len(Warnings(diags)) != 1 {
		t.Fatalf("Errors=%d Warnings=%d", len(Errors(diags)), len(Warnings(diags)))
	}
	if HasErrors(Warnings(diags)) {
		t.Fatal("warnings reported as errors")
	}
}

func TestDryRun(t *testing.T) {
	def := validPipeline()
	def.Steps[0].Config["headers"] = map[string]any{"X-Region": "{{pipeline.region}}", "X-Missing": "{{input.nope}}"}

	res := DryRun(def, map[string]any{"topic": "go"})
	if !res.Valid {
		t.Fatalf("DryRun.Valid = false, errors %+v", res.Errors)
	}
	if len(res.Steps) != 4 {
		t.Fatalf("DryRun.Steps = %d, want 4", len(res.Steps))
	}
	fetch := res.Steps[0]
	if fetch.Inputs["url"] != "https://api.test/go" {
		t.Fatalf("url = %v", fetch.Inputs["url"])
	}
	headers, _ := fetch.Inputs["headers"].(map[string]any)
	if headers["X-Region"] != "eu" {
		t.Fatalf("headers = %v", headers)
	}

	var unresolved int
	for _, w := range res.Warnings {
		if w.Code == CodeUnresolvedInput {
			unresolved++
		}
	}
	if unresolved != 1 {
		t.Fatalf("unresolved input warnings = %d, want 1 (output refs are not reported): %+v", unresolved, res.Warnings)
	}

	// The condition field stays a raw path.
	if res.Steps[1].Inputs["field"] != "output.fetch.status_code" {
		t.Fatalf("condition field = %v", res.Steps[1].Inputs["field"])
	}
}

func TestDryRun_Invalid(t *testing.T) {
	def := validPipeline()
	def.Steps[0].Type = "shell"
	res := DryRun(def, nil)
	if res.Valid {
		t.Fatal("DryRun.Valid = true for unknown type")
	}
	if len(res.Errors) == 0 {
		t.Fatal("DryRun.Errors empty")
	}
}

func TestResolveInputs(t *testing.T) {
	vc := vars.New(map[string]any{"n": 3, "items": []any{"a", "b"}}, nil)
	vc, err := vc.WithOutput("prev", map[string]any{"list": []any{1, 2}})
	if err != nil {
		t.Fatalf("WithOutput: %v", err)
	}

	step := core.Step{
		ID:   "s",
		Type: core.StepTypeTransform,
		Config: map[string]any{
			"operation": "pick",
			"label":     "n={{input.n}}",
			"data":      "{{output.prev.list}}",
		},
		InputMapping: map[string]string{"first": "input.items[0]", "missing": "input.nope"},
	}

	var warnings []string
	inputs := ResolveInputs(step, vc, func(token, path string, err error) {
		warnings = append(warnings, path)
	})

	if inputs["label"] != "n=3" {
		t.Fatalf("label = %v", inputs["label"])
	}
	list, ok := inputs["data"].([]any)
	if !ok || len(list) != 2 {
		t.Fatalf("data = %#v, want raw list", inputs["data"])
	}
	if inputs["first"] != "a" {
		t.Fatalf("first = %v", inputs["first"])
	}
	if _, ok := inputs["missing"]; ok {
		t.Fatal("unresolved mapping should be omitted")
	}
	if len(warnings) != 1 || warnings[0] != "input.nope" {
		t.Fatalf("warnings = %v", warnings)
	}

	// Mutating resolved inputs leaves the context untouched.
	list[0] = 99
	again, _ := vc.Resolve("output.prev.list[0]")
	if again != 1 {
		t.Fatalf("context mutated through inputs: %v", again)
	}
}

func TestApplyOutputMapping(t *testing.T) {
	out := ApplyOutputMapping(map[string]string{"text": "summary"}, map[string]any{"text": "hi", "model": "m"})
	if out["summary"] != "hi" || out["model"] != "m" {
		t.Fatalf("mapped = %v", out)
	}
	if _, ok := out["text"]; ok {
		t.Fatal("renamed key kept under old name")
	}
	same := map[string]any{"a": 1}
	if got := ApplyOutputMapping(nil, same); got["a"] != 1 {
		t.Fatalf("nil mapping = %v", got)
	}
}
