package core

import "context"

// LLMClient abstracts a single provider/model backend.
// Implementations adapt various LLM providers to this common interface.
type LLMClient interface {
	Complete(ctx context.Context, req LLMRequest) (LLMResponse, error)
}

// LLMRequest is the request structure for LLM completion.
// It is transport-agnostic and works across different providers.
type LLMRequest struct {
	Model       string         // model identifier (e.g., "gpt-4o", "claude-sonnet-4")
	System      string         // system prompt
	InputText   string         // prompt text (converted to a user message)
	JSONSchema  map[string]any // optional: structured output constraints
	Temperature *float64       // optional: sampling temperature
	MaxTokens   *int           // optional: maximum output tokens
	Meta        map[string]any // trace/cost controls
}

// LLMResponse captures the output from an LLM call.
type LLMResponse struct {
	Text     string         // raw text output
	JSON     map[string]any // parsed JSON if structured output was requested
	Usage    LLMTokenUsage  // token consumption
	Provider string         // provider ID that handled the request
	Model    string         // model that generated the response
	Status   string         // response status (optional)
	Meta     map[string]any // additional response metadata
}

// LLMTokenUsage tracks token consumption for LLM calls.
type LLMTokenUsage struct {
	InputTokens  int
	OutputTokens int
	TotalTokens  int
	CostUSD      float64 // optional: computed cost
}

// LLMClientFunc adapts a function into an LLMClient.
type LLMClientFunc func(ctx context.Context, req LLMRequest) (LLMResponse, error)

// Complete calls f.
func (f LLMClientFunc) Complete(ctx context.Context, req LLMRequest) (LLMResponse, error) {
	return f(ctx, req)
}

var _ LLMClient = LLMClientFunc(nil)
