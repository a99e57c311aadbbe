package daemon

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/petal-labs/petalpipe/core"
	"github.com/petal-labs/petalpipe/loader"
	"github.com/petal-labs/petalpipe/runtime"
	"github.com/petal-labs/petalpipe/store"
)

func testConfig(t *testing.T) Config {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Server.Addr = "127.0.0.1:0"
	cfg.Files.Root = t.TempDir()
	cfg.Scheduler.PollInterval = 20 * time.Millisecond
	return cfg
}

func newTestDaemon(t *testing.T, cfg Config) *Daemon {
	t.Helper()
	d, err := New(context.Background(), cfg, nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() { _ = d.Close(context.Background()) })
	return d
}

func echoPipeline() core.PipelineDefinition {
	return core.PipelineDefinition{
		ID:   "echo",
		Name: "echo",
		Steps: []core.Step{{
			ID:     "say",
			Type:   core.StepTypeTransform,
			Order:  1,
			Config: map[string]any{"operation": "template", "template": "hi"},
		}},
	}
}

func TestNew_RejectsInvalidConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.Storage.Driver = "mongo"
	if _, err := New(context.Background(), cfg, nil); err == nil {
		t.Fatal("New() with unknown storage driver should fail")
	}
}

func TestDaemon_RunsPipelinesInMemory(t *testing.T) {
	d := newTestDaemon(t, testConfig(t))

	rec, err := d.Engine().Run(context.Background(), runtime.RunRequest{Pipeline: echoPipeline()})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if rec.Status != core.ExecutionCompleted {
		t.Fatalf("status = %q (error %+v)", rec.Status, rec.Error)
	}
	stored, err := d.Store().GetExecution(context.Background(), rec.ID)
	if err != nil {
		t.Fatalf("GetExecution: %v", err)
	}
	if stored.Status != core.ExecutionCompleted {
		t.Fatalf("stored status = %q", stored.Status)
	}
}

func TestDaemon_RunsReviewDigestExample(t *testing.T) {
	cfg := testConfig(t)
	d := newTestDaemon(t, cfg)

	def, _, err := loader.LoadPipeline(filepath.Join("..", "examples", "review_digest.yaml"))
	if err != nil {
		t.Fatalf("LoadPipeline: %v", err)
	}
	input, err := loader.LoadInput(filepath.Join("..", "examples", "inputs", "review_digest.yaml"))
	if err != nil {
		t.Fatalf("LoadInput: %v", err)
	}

	rec, err := d.Engine().Run(context.Background(), runtime.RunRequest{Pipeline: *def, Input: input})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if rec.Status != core.ExecutionCompleted {
		t.Fatalf("status = %q (error %+v)", rec.Status, rec.Error)
	}

	data, err := os.ReadFile(filepath.Join(cfg.Files.Root, "digests", "reviews.json"))
	if err != nil {
		t.Fatalf("digest not written: %v", err)
	}
	digest := string(data)
	for _, want := range []string{"Widget A", "Gadget X"} {
		if !strings.Contains(digest, want) {
			t.Errorf("digest missing %q: %s", want, digest)
		}
	}
	if strings.Contains(digest, "Widget B") {
		t.Errorf("digest kept a low score review: %s", digest)
	}
}

func TestDaemon_SQLiteStatePersists(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(t)
	cfg.Storage.SQLitePath = filepath.Join(dir, "petalpipe.db")
	cfg.Events.SQLitePath = filepath.Join(dir, "events.db")

	d, err := New(context.Background(), cfg, nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	rec, err := d.Engine().Run(context.Background(), runtime.RunRequest{Pipeline: echoPipeline()})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if err := d.Close(context.Background()); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	reopened := newTestDaemon(t, cfg)
	stored, err := reopened.Store().GetExecution(context.Background(), rec.ID)
	if err != nil {
		t.Fatalf("GetExecution after reopen: %v", err)
	}
	if stored.Status != core.ExecutionCompleted {
		t.Fatalf("stored status = %q", stored.Status)
	}
	events, err := reopened.events.List(context.Background(), rec.ID, 0, 0)
	if err != nil {
		t.Fatalf("List events: %v", err)
	}
	if len(events) == 0 || events[len(events)-1].Kind != runtime.EventExecutionCompleted {
		t.Fatalf("persisted events = %d", len(events))
	}
}

func TestDaemon_ServeAndShutdown(t *testing.T) {
	d := newTestDaemon(t, testConfig(t))

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Serve(ctx, ln) }()

	base := "http://" + ln.Addr().String()
	resp, err := http.Get(base + "/health")
	if err != nil {
		cancel()
		t.Fatalf("GET /health: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		cancel()
		t.Fatalf("health status = %d", resp.StatusCode)
	}

	def := echoPipeline()
	body, _ := json.Marshal(map[string]any{"pipeline": def})
	resp, err = http.Post(base+"/api/pipelines/run?wait=true", "application/json", bytes.NewReader(body))
	if err != nil {
		cancel()
		t.Fatalf("POST run: %v", err)
	}
	data, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(data), `"status":"completed"`) {
		cancel()
		t.Fatalf("run status = %d body = %s", resp.StatusCode, data)
	}

	resp, err = http.Get(base + "/metrics")
	if err != nil {
		cancel()
		t.Fatalf("GET /metrics: %v", err)
	}
	data, _ = io.ReadAll(resp.Body)
	resp.Body.Close()
	if !strings.Contains(string(data), "petalpipe_executions_total") {
		cancel()
		t.Fatal("metrics missing petalpipe_executions_total")
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Serve() error = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Serve() did not return after cancel")
	}
}

func TestDaemon_SchedulerRunsStoredPipeline(t *testing.T) {
	d := newTestDaemon(t, testConfig(t))
	ctx := context.Background()

	if _, err := d.Store().CreatePipeline(ctx, echoPipeline()); err != nil {
		t.Fatalf("CreatePipeline: %v", err)
	}
	sched := scheduleDueNow(t, d)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	serveCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- d.Serve(serveCtx, ln) }()

	deadline := time.Now().Add(5 * time.Second)
	for {
		got, err := d.Store().GetSchedule(ctx, "echo", sched)
		if err != nil {
			cancel()
			t.Fatalf("GetSchedule: %v", err)
		}
		if got.LastStatus == "completed" {
			break
		}
		if time.Now().After(deadline) {
			cancel()
			t.Fatalf("schedule never ran (status %q)", got.LastStatus)
		}
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Serve() error = %v", err)
	}
}

func scheduleDueNow(t *testing.T, d *Daemon) string {
	t.Helper()
	now := time.Now().UTC()
	s := store.Schedule{
		ID:         "nightly",
		PipelineID: "echo",
		Cron:       "@hourly",
		Enabled:    true,
		NextRunAt:  now.Add(-time.Second),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := d.Store().CreateSchedule(context.Background(), s); err != nil {
		t.Fatalf("CreateSchedule: %v", err)
	}
	return s.ID
}
