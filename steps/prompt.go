package steps

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/petal-labs/petalpipe/core"
)

// PromptExecutor sends a prompt to a language model.
//
// Config:
//
//	model_id     required
//	prompt       required
//	system       optional system prompt
//	temperature  optional
//	max_tokens   optional
//	json_schema  optional; the response is parsed as JSON
//	budget       optional {max_input_tokens, max_output_tokens, max_total_tokens, max_cost_usd}
type PromptExecutor struct {
	Client core.LLMClient
}

// Execute implements Executor.
func (e *PromptExecutor) Execute(ctx context.Context, step core.Step, inputs map[string]any, rc RunContext) Result {
	model := configString(inputs, "model_id")
	if model == "" {
		return Fail(core.ErrorKindValidation, "prompt step %s: model_id is required", step.ID)
	}
	prompt, _ := configRawString(inputs, "prompt")
	if strings.TrimSpace(prompt) == "" {
		return Fail(core.ErrorKindValidation, "prompt step %s: prompt is required", step.ID)
	}
	if e.Client == nil {
		return Fail(core.ErrorKindInternal, "prompt step %s: no LLM client configured", step.ID)
	}

	req := core.LLMRequest{
		Model:     model,
		System:    configString(inputs, "system"),
		InputText: prompt,
		Meta: map[string]any{
			"execution_id": rc.ExecutionID,
			"step_id":      step.ID,
			"attempt":      rc.Attempt,
		},
	}
	if t, ok := configFloat(inputs, "temperature"); ok {
		req.Temperature = &t
	}
	if n, ok := configInt(inputs, "max_tokens"); ok && n > 0 {
		req.MaxTokens = &n
	}
	if schema, ok := configMap(inputs, "json_schema"); ok {
		req.JSONSchema = schema
	}

	resp, err := e.Client.Complete(ctx, req)
	if err != nil {
		return FailureFrom(err, core.ErrorKindProvider)
	}

	metrics := map[string]any{
		"input_tokens":  resp.Usage.InputTokens,
		"output_tokens": resp.Usage.OutputTokens,
		"total_tokens":  resp.Usage.TotalTokens,
		"cost_usd":      resp.Usage.CostUSD,
	}

	if budget, ok := parseBudget(inputs); ok {
		if err := checkBudget(budget, resp.Usage); err != nil {
			f := Fail(core.ErrorKindValidation, "prompt step %s: %v", step.ID, err)
			f.Details = metrics
			return f
		}
	}

	outputs := map[string]any{
		"text":     resp.Text,
		"model":    firstNonEmpty(resp.Model, model),
		"provider": resp.Provider,
	}
	if req.JSONSchema != nil || resp.JSON != nil {
		parsed := resp.JSON
		if parsed == nil {
			var decoded map[string]any
			if err := json.Unmarshal([]byte(stripCodeFence(resp.Text)), &decoded); err == nil {
				parsed = decoded
			}
		}
		if parsed != nil {
			outputs["json"] = parsed
		}
	}

	return Success{Outputs: outputs, Metrics: metrics}
}

func parseBudget(inputs map[string]any) (core.Budget, bool) {
	raw, ok := configMap(inputs, "budget")
	if !ok {
		return core.Budget{}, false
	}
	var b core.Budget
	b.MaxInputTokens, _ = configInt(raw, "max_input_tokens")
	b.MaxOutputTokens, _ = configInt(raw, "max_output_tokens")
	b.MaxTotalTokens, _ = configInt(raw, "max_total_tokens")
	b.MaxCostUSD, _ = configFloat(raw, "max_cost_usd")
	return b, true
}

// checkBudget verifies the response is within budget limits.
func checkBudget(b core.Budget, usage core.LLMTokenUsage) error {
	if b.MaxInputTokens > 0 && usage.InputTokens > b.MaxInputTokens {
		return fmt.Errorf("input tokens %d exceeds budget %d", usage.InputTokens, b.MaxInputTokens)
	}
	if b.MaxOutputTokens > 0 && usage.OutputTokens > b.MaxOutputTokens {
		return fmt.Errorf("output tokens %d exceeds budget %d", usage.OutputTokens, b.MaxOutputTokens)
	}
	if b.MaxTotalTokens > 0 && usage.TotalTokens > b.MaxTotalTokens {
		return fmt.Errorf("total tokens %d exceeds budget %d", usage.TotalTokens, b.MaxTotalTokens)
	}
	if b.MaxCostUSD > 0 && usage.CostUSD > b.MaxCostUSD {
		return fmt.Errorf("cost $%.4f exceeds budget $%.4f", usage.CostUSD, b.MaxCostUSD)
	}
	return nil
}

// stripCodeFence removes a surrounding ```json fence from model output.
func stripCodeFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[i+1:]
	}
	return strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(s), "```"))
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
