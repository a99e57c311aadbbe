// Package llmprovider adapts iris LLM providers to core.LLMClient, the
// client Prompt steps call.
package llmprovider

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	iriscore "github.com/petal-labs/iris/core"

	"github.com/petal-labs/petalpipe/core"
)

// irisAdapter wraps an iris Provider to implement core.LLMClient.
type irisAdapter struct {
	provider iriscore.Provider
}

// Complete sends a synchronous chat request. Provider errors are wrapped so
// context cancellation and deadlines remain detectable with errors.Is.
func (a *irisAdapter) Complete(ctx context.Context, req core.LLMRequest) (core.LLMResponse, error) {
	chatResp, err := a.provider.Chat(ctx, toRequest(req))
	if err != nil {
		return core.LLMResponse{}, fmt.Errorf("%s chat: %w", a.provider.ID(), err)
	}
	if chatResp == nil {
		return core.LLMResponse{}, fmt.Errorf("%s chat: empty response", a.provider.ID())
	}
	return fromResponse(a.provider.ID(), chatResp, req), nil
}

func toRequest(req core.LLMRequest) *iriscore.ChatRequest {
	messages := make([]iriscore.Message, 0, 2)
	if req.System != "" {
		messages = append(messages, iriscore.Message{Role: iriscore.RoleSystem, Content: req.System})
	}
	if req.InputText != "" {
		messages = append(messages, iriscore.Message{Role: iriscore.RoleUser, Content: req.InputText})
	}

	chatReq := &iriscore.ChatRequest{
		Model:        iriscore.ModelID(req.Model),
		Messages:     messages,
		Instructions: schemaInstructions(req.JSONSchema),
	}
	if req.Temperature != nil {
		temp := float32(*req.Temperature)
		chatReq.Temperature = &temp
	}
	if req.MaxTokens != nil {
		chatReq.MaxTokens = req.MaxTokens
	}
	return chatReq
}

// schemaInstructions asks the model for JSON output matching schema.
func schemaInstructions(schema map[string]any) string {
	if len(schema) == 0 {
		return ""
	}
	encoded, err := json.Marshal(schema)
	if err != nil {
		return ""
	}
	return "Respond only with a JSON object that matches this JSON schema: " + string(encoded)
}

func fromResponse(providerID string, resp *iriscore.ChatResponse, req core.LLMRequest) core.LLMResponse {
	result := core.LLMResponse{
		Text:     resp.Output,
		Provider: providerID,
		Model:    string(resp.Model),
		Status:   resp.Status,
		Usage: core.LLMTokenUsage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
			TotalTokens:  resp.Usage.TotalTokens,
		},
		Meta: make(map[string]any),
	}
	if result.Usage.TotalTokens == 0 {
		result.Usage.TotalTokens = result.Usage.InputTokens + result.Usage.OutputTokens
	}
	if resp.ID != "" {
		result.Meta["response_id"] = resp.ID
	}

	if req.JSONSchema != nil && resp.Output != "" {
		text := strings.TrimSpace(resp.Output)
		text = strings.TrimPrefix(strings.TrimPrefix(text, "```json"), "```")
		text = strings.TrimSpace(strings.TrimSuffix(text, "```"))
		var parsed map[string]any
		if err := json.Unmarshal([]byte(text), &parsed); err == nil {
			result.JSON = parsed
		}
	}
	return result
}

var _ core.LLMClient = (*irisAdapter)(nil)
