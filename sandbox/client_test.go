package sandbox

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/petal-labs/petalpipe/core"
	"github.com/petal-labs/petalpipe/steps"
)

func TestClientRun(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/execute" {
			t.Errorf("path = %s, want /execute", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer secret" {
			t.Errorf("Authorization = %q", got)
		}
		var payload map[string]any
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			t.Errorf("decode payload: %v", err)
		}
		if payload["language"] != "python" || payload["timeout_ms"] != float64(2000) {
			t.Errorf("payload = %#v", payload)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"stdout":"ok\n","stderr":"","exit_code":0,"result":{"n":1},"duration_ms":12}`))
	}))
	defer srv.Close()

	client, err := NewClient(Config{Endpoint: srv.URL + "/", APIKey: "secret"})
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}
	res, err := client.Run(context.Background(), steps.SandboxRequest{
		Language: "python",
		Code:     "print('ok')",
		Timeout:  2 * time.Second,
	})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if res.Stdout != "ok\n" || res.ExitCode != 0 || res.DurationMS != 12 {
		t.Fatalf("result = %+v", res)
	}
}

func TestClientRun_StatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "sandbox overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	client, err := NewClient(Config{Endpoint: srv.URL})
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}
	_, err = client.Run(context.Background(), steps.SandboxRequest{Language: "python", Code: "x"})
	stepErr, ok := core.StepErrorFrom(err)
	if !ok {
		t.Fatalf("error = %v, want StepError", err)
	}
	if stepErr.Kind != core.ErrorKindSandbox || !stepErr.Retryable {
		t.Fatalf("step error = %+v", stepErr)
	}
}

func TestClientRun_ServiceReportedError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"error":"network access denied"}`))
	}))
	defer srv.Close()

	client, err := NewClient(Config{Endpoint: srv.URL})
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}
	_, err = client.Run(context.Background(), steps.SandboxRequest{Language: "python", Code: "x"})
	if stepErr, ok := core.StepErrorFrom(err); !ok || stepErr.Kind != core.ErrorKindSandbox {
		t.Fatalf("error = %v, want sandbox StepError", err)
	}
}

func TestNewClient_RequiresEndpoint(t *testing.T) {
	if _, err := NewClient(Config{}); err == nil {
		t.Fatal("expected error for empty endpoint")
	}
}

func TestClient_ImplementsCodeStepRunner(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"stdout":"","stderr":"boom","exit_code":2}`))
	}))
	defer srv.Close()

	client, err := NewClient(Config{Endpoint: srv.URL})
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}
	exec := &steps.CodeExecutor{Runner: client}
	res := exec.Execute(context.Background(), core.Step{ID: "c"}, map[string]any{
		"code": "exit(2)", "language": "python",
	}, steps.RunContext{})
	f, ok := res.(steps.Failure)
	if !ok || f.Kind != core.ErrorKindSandbox {
		t.Fatalf("result = %#v, want sandbox failure", res)
	}
}
