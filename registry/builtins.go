package registry

import "github.com/petal-labs/petalpipe/core"

// registerBuiltins registers the template of every built-in step type.
// Called once by Global() during singleton initialization.
func registerBuiltins(r *Registry) {
	r.Register(StepTemplate{
		Type:        core.StepTypePrompt,
		Category:    "ai",
		DisplayName: "LLM Prompt",
		Description: "Send a templated prompt to a language model and capture the completion",
		DefaultConfig: map[string]any{
			"model_id":    "",
			"prompt":      "",
			"temperature": 0.7,
			"max_tokens":  1024,
		},
		RequiredFields: []string{"model_id", "prompt"},
		OptionalFields: []string{"system", "temperature", "max_tokens", "json_schema", "budget"},
		Outputs:        []string{"text", "json", "model", "provider"},
	})

	r.Register(StepTemplate{
		Type:        core.StepTypeCode,
		Category:    "compute",
		DisplayName: "Code",
		Description: "Run a code snippet in the sandbox and capture its output",
		DefaultConfig: map[string]any{
			"language":  "python",
			"code":      "",
			"timeout":   30,
			"memory_mb": 256,
		},
		RequiredFields: []string{"code", "language"},
		OptionalFields: []string{"timeout", "memory_mb", "packages", "stdin", "inputs"},
		Outputs:        []string{"stdout", "stderr", "exit_code", "result"},
	})

	r.Register(StepTemplate{
		Type:        core.StepTypeTransform,
		Category:    "data",
		DisplayName: "Transform",
		Description: "Reshape data with extract, map, filter, pick, template, parse_json or stringify",
		DefaultConfig: map[string]any{
			"operation": "extract",
			"data":      "",
			"path":      "",
		},
		RequiredFields: []string{"operation"},
		OptionalFields: []string{"data", "path", "default", "fields", "field", "operator", "value", "template", "indent"},
		Outputs:        []string{"result", "count"},
	})

	r.Register(StepTemplate{
		Type:        core.StepTypeAPI,
		Category:    "integration",
		DisplayName: "HTTP Request",
		Description: "Call an HTTP endpoint and capture status, headers and body",
		DefaultConfig: map[string]any{
			"method":  "GET",
			"url":     "",
			"headers": map[string]any{},
			"timeout": 30,
		},
		RequiredFields: []string{"url"},
		OptionalFields: []string{"method", "headers", "body", "timeout"},
		Outputs:        []string{"status_code", "headers", "body", "json"},
	})

	r.Register(StepTemplate{
		Type:        core.StepTypeCondition,
		Category:    "control",
		DisplayName: "Condition",
		Description: "Evaluate a predicate against the context and route to the true or false branch",
		DefaultConfig: map[string]any{
			"field":        "",
			"operator":     "eq",
			"value":        nil,
			"true_branch":  []any{},
			"false_branch": []any{},
		},
		RequiredFields: []string{"field", "operator"},
		OptionalFields: []string{"value", "true_branch", "false_branch"},
		Outputs:        []string{"result", "branch"},
	})

	r.Register(StepTemplate{
		Type:        core.StepTypeFile,
		Category:    "integration",
		DisplayName: "File",
		Description: "Read, write, delete or list objects in the configured file store",
		DefaultConfig: map[string]any{
			"operation": "read",
			"path":      "",
		},
		RequiredFields: []string{"operation"},
		OptionalFields: []string{"path", "content", "content_type", "prefix"},
		Outputs:        []string{"content", "path", "size", "files", "count", "deleted"},
	})
}
