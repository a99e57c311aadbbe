package otel

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/petal-labs/petalpipe/core"
)

// LLMObserver wraps an LLM client and records one span plus call, token
// and latency metrics per completion.
type LLMObserver struct {
	next   core.LLMClient
	tracer trace.Tracer

	calls   metric.Int64Counter
	tokens  metric.Int64Counter
	latency metric.Float64Histogram
}

// NewLLMObserver wraps next. A nil tracer disables spans.
func NewLLMObserver(next core.LLMClient, meter metric.Meter, tracer trace.Tracer) (*LLMObserver, error) {
	calls, err := meter.Int64Counter("petalpipe.llm.calls",
		metric.WithDescription("Number of LLM completion calls"),
	)
	if err != nil {
		return nil, err
	}
	tokens, err := meter.Int64Counter("petalpipe.llm.tokens",
		metric.WithDescription("Tokens consumed by LLM calls"),
	)
	if err != nil {
		return nil, err
	}
	latency, err := meter.Float64Histogram("petalpipe.llm.latency",
		metric.WithDescription("LLM call latency in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}
	return &LLMObserver{next: next, tracer: tracer, calls: calls, tokens: tokens, latency: latency}, nil
}

// Complete forwards req and records the outcome.
func (o *LLMObserver) Complete(ctx context.Context, req core.LLMRequest) (core.LLMResponse, error) {
	attrs := []attribute.KeyValue{
		attribute.String("model", req.Model),
	}

	var span trace.Span
	if o.tracer != nil {
		ctx, span = o.tracer.Start(ctx, "llm.complete", trace.WithAttributes(attrs...))
		defer span.End()
	}

	start := time.Now()
	resp, err := o.next.Complete(ctx, req)
	elapsed := time.Since(start)

	if resp.Provider != "" {
		attrs = append(attrs, attribute.String("provider", resp.Provider))
	}
	attrs = append(attrs, attribute.Bool("success", err == nil))

	bg := context.Background()
	o.calls.Add(bg, 1, metric.WithAttributes(attrs...))
	o.latency.Record(bg, elapsed.Seconds(), metric.WithAttributes(attrs...))
	if err == nil {
		o.tokens.Add(bg, int64(resp.Usage.InputTokens), metric.WithAttributes(append(attrs, attribute.String("direction", "input"))...))
		o.tokens.Add(bg, int64(resp.Usage.OutputTokens), metric.WithAttributes(append(attrs, attribute.String("direction", "output"))...))
	}

	if span != nil {
		span.SetAttributes(
			attribute.Int("petalpipe.llm.input_tokens", resp.Usage.InputTokens),
			attribute.Int("petalpipe.llm.output_tokens", resp.Usage.OutputTokens),
		)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetStatus(codes.Ok, "")
		}
	}
	return resp, err
}

var _ core.LLMClient = (*LLMObserver)(nil)
