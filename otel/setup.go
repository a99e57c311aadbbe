package otel

import (
	"context"
	"errors"
	"fmt"

	otelapi "go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"

	"github.com/petal-labs/petalpipe/runtime"
)

const instrumentationName = "github.com/petal-labs/petalpipe"

// Config controls telemetry export.
type Config struct {
	ServiceName  string `yaml:"service_name" json:"service_name"`
	OTLPEndpoint string `yaml:"otlp_endpoint" json:"otlp_endpoint"` // host:port; empty disables trace export
	Insecure     bool   `yaml:"insecure" json:"insecure"`
}

// Telemetry bundles the providers and the engine-facing handlers.
type Telemetry struct {
	TracerProvider *sdktrace.TracerProvider
	MeterProvider  *sdkmetric.MeterProvider
	Tracing        *TracingHandler
	Metrics        *MetricsHandler
}

// Setup builds tracer and meter providers and registers them globally.
// Extra readers (for example a ManualReader in tests) receive metrics.
func Setup(ctx context.Context, cfg Config, readers ...sdkmetric.Reader) (*Telemetry, error) {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "petalpipe"
	}
	res := resource.NewSchemaless(attribute.String("service.name", cfg.ServiceName))

	traceOpts := []sdktrace.TracerProviderOption{sdktrace.WithResource(res)}
	if cfg.OTLPEndpoint != "" {
		opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(cfg.OTLPEndpoint)}
		if cfg.Insecure {
			opts = append(opts, otlptracehttp.WithInsecure())
		}
		exp, err := otlptracehttp.New(ctx, opts...)
		if err != nil {
			return nil, fmt.Errorf("otlp trace exporter: %w", err)
		}
		traceOpts = append(traceOpts, sdktrace.WithBatcher(exp))
	}
	tp := sdktrace.NewTracerProvider(traceOpts...)

	meterOpts := []sdkmetric.Option{sdkmetric.WithResource(res)}
	for _, r := range readers {
		meterOpts = append(meterOpts, sdkmetric.WithReader(r))
	}
	mp := sdkmetric.NewMeterProvider(meterOpts...)

	otelapi.SetTracerProvider(tp)
	otelapi.SetMeterProvider(mp)

	t, err := newTelemetry(tp.Tracer(instrumentationName), mp.Meter(instrumentationName))
	if err != nil {
		return nil, errors.Join(err, tp.Shutdown(ctx), mp.Shutdown(ctx))
	}
	t.TracerProvider = tp
	t.MeterProvider = mp
	return t, nil
}

func newTelemetry(tracer trace.Tracer, meter metric.Meter) (*Telemetry, error) {
	metrics, err := NewMetricsHandler(meter)
	if err != nil {
		return nil, err
	}
	return &Telemetry{Tracing: NewTracingHandler(tracer), Metrics: metrics}, nil
}

// Handle feeds e to both the tracing and the metrics handler.
func (t *Telemetry) Handle(e runtime.Event) {
	t.Tracing.Handle(e)
	t.Metrics.Handle(e)
}

// Meter returns the petalpipe meter.
func (t *Telemetry) Meter() metric.Meter {
	return t.MeterProvider.Meter(instrumentationName)
}

// Tracer returns the petalpipe tracer.
func (t *Telemetry) Tracer() trace.Tracer {
	return t.TracerProvider.Tracer(instrumentationName)
}

// Shutdown flushes and stops both providers.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	return errors.Join(t.TracerProvider.Shutdown(ctx), t.MeterProvider.Shutdown(ctx))
}
