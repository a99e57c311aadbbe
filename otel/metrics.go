package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/petal-labs/petalpipe/runtime"
)

// MetricsHandler records step and execution metrics from engine events.
type MetricsHandler struct {
	stepExecutions metric.Int64Counter
	stepFailures   metric.Int64Counter
	stepRetries    metric.Int64Counter
	stepDuration   metric.Float64Histogram
	executions     metric.Int64Counter
	execDuration   metric.Float64Histogram
}

// NewMetricsHandler creates the instruments on meter.
func NewMetricsHandler(meter metric.Meter) (*MetricsHandler, error) {
	stepExec, err := meter.Int64Counter("petalpipe.step.executions",
		metric.WithDescription("Number of completed step executions"),
	)
	if err != nil {
		return nil, err
	}

	stepFail, err := meter.Int64Counter("petalpipe.step.failures",
		metric.WithDescription("Number of terminal step failures"),
	)
	if err != nil {
		return nil, err
	}

	stepRetry, err := meter.Int64Counter("petalpipe.step.retries",
		metric.WithDescription("Number of step retry attempts"),
	)
	if err != nil {
		return nil, err
	}

	stepDur, err := meter.Float64Histogram("petalpipe.step.duration",
		metric.WithDescription("Duration of step execution in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	execs, err := meter.Int64Counter("petalpipe.executions",
		metric.WithDescription("Number of finished executions by status"),
	)
	if err != nil {
		return nil, err
	}

	execDur, err := meter.Float64Histogram("petalpipe.execution.duration",
		metric.WithDescription("Duration of pipeline executions in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	return &MetricsHandler{
		stepExecutions: stepExec,
		stepFailures:   stepFail,
		stepRetries:    stepRetry,
		stepDuration:   stepDur,
		executions:     execs,
		execDuration:   execDur,
	}, nil
}

// Handle records metrics for e. It has runtime.EventHandler semantics.
func (h *MetricsHandler) Handle(e runtime.Event) {
	ctx := context.Background()
	switch e.Kind {
	case runtime.EventStepCompleted:
		attrs := stepAttrs(e)
		h.stepExecutions.Add(ctx, 1, attrs)
		if ms, ok := durationMS(e); ok {
			h.stepDuration.Record(ctx, ms/1000, attrs)
		}
	case runtime.EventStepFailed:
		h.stepFailures.Add(ctx, 1, metric.WithAttributes(
			attribute.String("step_type", string(e.StepType)),
			attribute.String("error_kind", payloadString(e, "error_kind", "")),
		))
	case runtime.EventStepRetrying:
		h.stepRetries.Add(ctx, 1, metric.WithAttributes(
			attribute.String("step_type", string(e.StepType)),
			attribute.String("error_kind", payloadString(e, "error_kind", "")),
		))
	case runtime.EventExecutionCompleted, runtime.EventExecutionFailed, runtime.EventExecutionCancelled:
		attrs := metric.WithAttributes(attribute.String("status", payloadString(e, "status", "")))
		h.executions.Add(ctx, 1, attrs)
		h.execDuration.Record(ctx, e.Elapsed.Seconds(), attrs)
	}
}

func stepAttrs(e runtime.Event) metric.MeasurementOption {
	return metric.WithAttributes(
		attribute.String("step_type", string(e.StepType)),
		attribute.String("step_id", e.StepID),
	)
}

// durationMS reads the duration_ms payload, which is an int64 on live events
// and a float64 after a JSON round trip.
func durationMS(e runtime.Event) (float64, bool) {
	switch v := e.Payload["duration_ms"].(type) {
	case int64:
		return float64(v), true
	case int:
		return float64(v), true
	case float64:
		return v, true
	}
	return 0, false
}
