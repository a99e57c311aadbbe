// Package sandbox runs code steps on a remote sandbox service over HTTP.
//
// The service accepts POST {endpoint}/execute with a JSON body
//
//	{"language", "code", "stdin", "timeout_ms", "memory_mb", "packages", "inputs"}
//
// and answers with {"stdout", "stderr", "exit_code", "result", "duration_ms", "error"}.
package sandbox

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/petal-labs/petalpipe/core"
	"github.com/petal-labs/petalpipe/steps"
)

// Config configures the sandbox client.
type Config struct {
	Endpoint string        `yaml:"endpoint"`
	APIKey   string        `yaml:"api_key"`
	Timeout  time.Duration `yaml:"timeout"`
}

// Client implements steps.Runner against the sandbox service.
type Client struct {
	endpoint string
	apiKey   string
	client   *http.Client
}

// NewClient creates a sandbox client.
func NewClient(cfg Config) (*Client, error) {
	endpoint := strings.TrimRight(strings.TrimSpace(cfg.Endpoint), "/")
	if endpoint == "" {
		return nil, fmt.Errorf("sandbox: endpoint is required")
	}
	return &Client{
		endpoint: endpoint,
		apiKey:   cfg.APIKey,
		client:   sharedClients.client(cfg.Timeout),
	}, nil
}

type executeRequest struct {
	Language  string         `json:"language"`
	Code      string         `json:"code"`
	Stdin     string         `json:"stdin,omitempty"`
	TimeoutMS int64          `json:"timeout_ms,omitempty"`
	MemoryMB  int            `json:"memory_mb,omitempty"`
	Packages  []string       `json:"packages,omitempty"`
	Inputs    map[string]any `json:"inputs,omitempty"`
}

type executeResponse struct {
	steps.SandboxResult
	Error string `json:"error,omitempty"`
}

// Run implements steps.Runner.
func (c *Client) Run(ctx context.Context, req steps.SandboxRequest) (steps.SandboxResult, error) {
	payload := executeRequest{
		Language:  req.Language,
		Code:      req.Code,
		Stdin:     req.Stdin,
		TimeoutMS: req.Timeout.Milliseconds(),
		MemoryMB:  req.MemoryMB,
		Packages:  req.Packages,
		Inputs:    req.Inputs,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return steps.SandboxResult{}, core.NewStepError(core.ErrorKindValidation, "sandbox: encode request", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+"/execute", bytes.NewReader(body))
	if err != nil {
		return steps.SandboxResult{}, core.NewStepError(core.ErrorKindSandbox, "sandbox: build request", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	start := time.Now()
	resp, err := c.client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return steps.SandboxResult{}, fmt.Errorf("sandbox: request aborted: %w", ctx.Err())
		}
		return steps.SandboxResult{}, core.NewStepError(core.ErrorKindSandbox, "", fmt.Errorf("sandbox: request failed: %w", err))
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return steps.SandboxResult{}, core.NewStepError(core.ErrorKindSandbox, "", fmt.Errorf("sandbox: read response: %w", err))
	}

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		message := strings.TrimSpace(string(respBody))
		if message == "" {
			message = http.StatusText(resp.StatusCode)
		}
		stepErr := core.NewStepError(core.ErrorKindSandbox, fmt.Sprintf("sandbox: status %d: %s", resp.StatusCode, message), nil)
		stepErr.Details = map[string]any{"status_code": resp.StatusCode}
		return steps.SandboxResult{}, stepErr
	}

	var decoded executeResponse
	if err := json.Unmarshal(respBody, &decoded); err != nil {
		return steps.SandboxResult{}, core.NewStepError(core.ErrorKindSandbox, "", fmt.Errorf("sandbox: decode response: %w", err))
	}
	if decoded.Error != "" {
		return steps.SandboxResult{}, core.NewStepError(core.ErrorKindSandbox, "sandbox: "+decoded.Error, nil)
	}
	if decoded.DurationMS == 0 {
		decoded.DurationMS = time.Since(start).Milliseconds()
	}
	return decoded.SandboxResult, nil
}

var _ steps.Runner = (*Client)(nil)

type clientPool struct {
	mu      sync.Mutex
	clients map[time.Duration]*http.Client
}

var sharedClients = &clientPool{clients: map[time.Duration]*http.Client{}}

func (p *clientPool) client(timeout time.Duration) *http.Client {
	p.mu.Lock()
	defer p.mu.Unlock()

	if existing, ok := p.clients[timeout]; ok {
		return existing
	}
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           (&net.Dialer{Timeout: 30 * time.Second, KeepAlive: 30 * time.Second}).DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   20,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
	client := &http.Client{Timeout: timeout, Transport: transport}
	p.clients[timeout] = client
	return client
}
