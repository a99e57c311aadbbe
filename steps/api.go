package steps

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/petal-labs/petalpipe/core"
)

// HTTPClient abstracts outbound HTTP execution.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// maxResponseBody caps how much of a response body is kept in outputs.
const maxResponseBody = 10 << 20

// APIExecutor performs an outbound HTTP request.
//
// Config: url (required), method (default GET), headers, body, timeout
// (seconds). A non-string body is JSON-encoded.
type APIExecutor struct {
	Client HTTPClient
}

// Execute implements Executor.
func (e *APIExecutor) Execute(ctx context.Context, step core.Step, inputs map[string]any, rc RunContext) Result {
	url := configString(inputs, "url")
	if url == "" {
		return Fail(core.ErrorKindValidation, "api step %s: url is required", step.ID)
	}
	method := strings.ToUpper(configString(inputs, "method"))
	if method == "" {
		method = http.MethodGet
	}

	body, contentType, err := encodeBody(inputs["body"])
	if err != nil {
		return Fail(core.ErrorKindValidation, "api step %s: %v", step.ID, err)
	}

	reqCtx := ctx
	if timeout := configDuration(inputs, "timeout"); timeout > 0 {
		var cancel context.CancelFunc
		reqCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(reqCtx, method, url, body)
	if err != nil {
		return Fail(core.ErrorKindValidation, "api step %s: build request: %v", step.ID, err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if headers, ok := configMap(inputs, "headers"); ok {
		for key, value := range headers {
			req.Header.Set(key, fmt.Sprintf("%v", value))
		}
	}

	client := e.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return FailureFrom(err, core.ErrorKindExternalService)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return FailureFrom(fmt.Errorf("read response body: %w", err), core.ErrorKindExternalService)
	}

	outputs := map[string]any{
		"status_code": resp.StatusCode,
		"headers":     responseHeaders(resp.Header),
		"body":        string(respBody),
	}
	if isJSONResponse(resp.Header.Get("Content-Type"), respBody) {
		var decoded any
		if err := json.Unmarshal(respBody, &decoded); err == nil {
			outputs["json"] = decoded
		}
	}
	metrics := map[string]any{
		"status_code":    resp.StatusCode,
		"response_bytes": len(respBody),
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Failure{
			Kind:    core.ErrorKindExternalService,
			Message: fmt.Sprintf("api step %s: %s %s returned status %d", step.ID, method, url, resp.StatusCode),
			Details: outputs,
		}
	}
	return Success{Outputs: outputs, Metrics: metrics}
}

func encodeBody(v any) (io.Reader, string, error) {
	switch body := v.(type) {
	case nil:
		return nil, "", nil
	case string:
		if body == "" {
			return nil, "", nil
		}
		ct := "text/plain; charset=utf-8"
		if json.Valid([]byte(body)) {
			ct = "application/json"
		}
		return strings.NewReader(body), ct, nil
	case []byte:
		return bytes.NewReader(body), "application/octet-stream", nil
	default:
		data, err := json.Marshal(body)
		if err != nil {
			return nil, "", fmt.Errorf("encode body: %w", err)
		}
		return bytes.NewReader(data), "application/json", nil
	}
}

func isJSONResponse(contentType string, body []byte) bool {
	if strings.Contains(strings.ToLower(contentType), "json") {
		return true
	}
	trimmed := bytes.TrimSpace(body)
	return len(trimmed) > 0 && (trimmed[0] == '{' || trimmed[0] == '[') && json.Valid(trimmed)
}

func responseHeaders(headers http.Header) map[string]any {
	if len(headers) == 0 {
		return map[string]any{}
	}
	out := make(map[string]any, len(headers))
	for key, values := range headers {
		out[key] = strings.Join(values, ", ")
	}
	return out
}
