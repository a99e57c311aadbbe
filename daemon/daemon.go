// Package daemon assembles a long-running petalpipe service from a Config:
// storage, event persistence, step dependencies, telemetry, the HTTP API
// and the cron scheduler.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/petal-labs/petalpipe/bus"
	"github.com/petal-labs/petalpipe/core"
	"github.com/petal-labs/petalpipe/filestore"
	"github.com/petal-labs/petalpipe/llmprovider"
	"github.com/petal-labs/petalpipe/otel"
	"github.com/petal-labs/petalpipe/runtime"
	"github.com/petal-labs/petalpipe/sandbox"
	"github.com/petal-labs/petalpipe/server"
	"github.com/petal-labs/petalpipe/steps"
	"github.com/petal-labs/petalpipe/store"
)

// Daemon owns every long-lived component of a petalpipe service.
type Daemon struct {
	cfg    Config
	logger *slog.Logger

	store     store.Store
	events    bus.EventStore
	bus       *bus.MemBus
	telemetry *otel.Telemetry
	metrics   *server.Metrics
	engine    *runtime.Engine
	api       *server.Server
	scheduler *server.Scheduler

	closers []func(context.Context) error
}

// New builds a daemon. Components opened before a failure are closed
// before New returns the error.
func New(ctx context.Context, cfg Config, logger *slog.Logger) (_ *Daemon, err error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	d := &Daemon{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			_ = d.Close(context.WithoutCancel(ctx))
		}
	}()

	if d.store, err = openStore(ctx, cfg); err != nil {
		return nil, err
	}
	d.onClose(func(context.Context) error { return d.store.Close() })

	if d.events, err = openEventStore(cfg.Events); err != nil {
		return nil, err
	}
	if c, ok := d.events.(interface{ Close() error }); ok {
		d.onClose(func(context.Context) error { return c.Close() })
	}

	d.bus = bus.NewMemBus(bus.MemBusConfig{})
	d.onClose(func(context.Context) error { return d.bus.Close() })

	if d.telemetry, err = otel.Setup(ctx, cfg.Telemetry); err != nil {
		return nil, err
	}
	d.onClose(d.telemetry.Shutdown)

	deps, err := d.stepDeps(cfg)
	if err != nil {
		return nil, err
	}

	d.metrics = server.NewMetrics()
	d.engine, err = runtime.NewEngine(runtime.EngineConfig{
		Executor: steps.NewDispatcher(deps),
		Store:    d.store,
		EventBus: d.bus,
		EventHandler: runtime.MultiEventHandler(
			bus.NewStoreSubscriber(d.events, logger).Handle,
			d.telemetry.Handle,
			d.metrics.Handle,
		),
		EmitterDecorator: d.telemetry.Tracing.Decorator(),
		Logger:           logger,
	})
	if err != nil {
		return nil, err
	}

	d.api, err = server.NewServer(server.ServerConfig{
		Engine:     d.engine,
		Store:      d.store,
		Bus:        d.bus,
		EventStore: d.events,
		Metrics:    d.metrics,
		CORSOrigin: cfg.Server.CORSOrigin,
		MaxBody:    cfg.Server.MaxBodyBytes,
		Logger:     logger,
	})
	if err != nil {
		return nil, err
	}

	if !cfg.Scheduler.Disabled {
		d.scheduler, err = server.NewScheduler(server.SchedulerConfig{
			Runner:       d.api,
			Store:        d.store,
			PollInterval: cfg.Scheduler.PollInterval,
			Logger:       logger,
		})
		if err != nil {
			return nil, err
		}
	}
	return d, nil
}

func (d *Daemon) onClose(fn func(context.Context) error) {
	d.closers = append(d.closers, fn)
}

// Engine returns the execution engine.
func (d *Daemon) Engine() *runtime.Engine { return d.engine }

// Store returns the backing store.
func (d *Daemon) Store() store.Store { return d.store }

// Handler returns the HTTP API handler.
func (d *Daemon) Handler() http.Handler { return d.api.Handler() }

// Serve accepts connections on ln until ctx is cancelled, then shuts down
// gracefully: the listener stops, in-flight scheduled runs finish and
// running executions are cancelled.
func (d *Daemon) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           d.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	if d.scheduler != nil {
		d.scheduler.Start()
	}

	errCh := make(chan error, 1)
	go func() {
		d.logger.Info("petalpipe listening", "addr", ln.Addr().String(), "storage", d.cfg.StorageDriver())
		errCh <- srv.Serve(ln)
	}()

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-errCh:
		if errors.Is(serveErr, http.ErrServerClosed) {
			serveErr = nil
		}
	}

	timeout := d.cfg.Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()

	for _, info := range d.engine.Active() {
		d.engine.Cancel(info.ExecutionID)
	}
	shutdownErr := srv.Shutdown(shutdownCtx)
	if d.scheduler != nil {
		if err := d.scheduler.Stop(shutdownCtx); err != nil {
			d.logger.Warn("scheduler stop", "error", err)
		}
	}
	return errors.Join(serveErr, shutdownErr)
}

// ListenAndServe listens on the configured address and calls Serve.
func (d *Daemon) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", d.cfg.Server.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", d.cfg.Server.Addr, err)
	}
	return d.Serve(ctx, ln)
}

// Close releases components in reverse order of creation.
func (d *Daemon) Close(ctx context.Context) error {
	var errs []error
	for i := len(d.closers) - 1; i >= 0; i-- {
		if err := d.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	d.closers = nil
	return errors.Join(errs...)
}

func openStore(ctx context.Context, cfg Config) (store.Store, error) {
	switch cfg.StorageDriver() {
	case StorageSQLite:
		return store.NewSQLiteStore(ctx, store.SQLiteConfig{DSN: cfg.Storage.SQLitePath})
	case StoragePostgres:
		return store.NewPostgresStore(ctx, cfg.Storage.Postgres)
	default:
		return store.NewMemStore(), nil
	}
}

func openEventStore(cfg EventsConfig) (bus.EventStore, error) {
	if cfg.SQLitePath == "" {
		return bus.NewMemEventStore(), nil
	}
	return bus.NewSQLiteEventStore(bus.SQLiteStoreConfig{
		DSN:            cfg.SQLitePath,
		RetentionAge:   cfg.RetentionAge,
		RetentionCount: cfg.RetentionCount,
		PruneInterval:  cfg.PruneInterval,
	})
}

// stepDeps builds executor collaborators. Unconfigured collaborators stay
// nil so the matching step type fails with a clear error.
func (d *Daemon) stepDeps(cfg Config) (steps.Deps, error) {
	deps := steps.Deps{AllowedPackages: cfg.Code.AllowedPackages}

	llm, err := d.llmClient(cfg.LLM)
	if err != nil {
		return deps, err
	}
	deps.LLM = llm

	if cfg.Sandbox.Endpoint != "" {
		client, err := sandbox.NewClient(cfg.Sandbox)
		if err != nil {
			return deps, err
		}
		deps.Sandbox = client
	}

	files, err := openFileStore(cfg.Files)
	if err != nil {
		return deps, err
	}
	deps.Files = files
	return deps, nil
}

func (d *Daemon) llmClient(cfg LLMConfig) (core.LLMClient, error) {
	if len(cfg.Providers) == 0 {
		return nil, nil
	}
	router, err := llmprovider.NewRouterFromConfig(cfg.DefaultProvider, cfg.Providers)
	if err != nil {
		return nil, err
	}
	d.logger.Info("llm providers configured", "providers", strings.Join(router.Providers(), ","))
	observer, err := otel.NewLLMObserver(router, d.telemetry.Meter(), d.telemetry.Tracer())
	if err != nil {
		return nil, err
	}
	return observer, nil
}

func openFileStore(cfg FilesConfig) (filestore.Store, error) {
	switch strings.ToLower(cfg.Driver) {
	case FilesMinio:
		return filestore.NewMinioStore(cfg.Minio)
	default:
		if cfg.Root == "" {
			return nil, nil
		}
		return filestore.NewLocalStore(cfg.Root)
	}
}
