package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/petal-labs/petalpipe/runtime"
)

// Metrics holds the Prometheus collectors exposed on /metrics.
type Metrics struct {
	executionsTotal   *prometheus.CounterVec
	executionDuration *prometheus.HistogramVec
	executionsActive  prometheus.Gauge

	stepsTotal   *prometheus.CounterVec
	stepRetries  *prometheus.CounterVec
	stepDuration *prometheus.HistogramVec

	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	registry *prometheus.Registry
}

// NewMetrics creates a metrics set on its own registry.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		executionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "petalpipe_executions_total",
				Help: "Finished pipeline executions by terminal status",
			},
			[]string{"status"},
		),
		executionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "petalpipe_execution_duration_seconds",
				Help:    "Pipeline execution wall time in seconds",
				Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
			},
			[]string{"status"},
		),
		executionsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "petalpipe_executions_active",
				Help: "Executions currently running",
			},
		),
		stepsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "petalpipe_steps_total",
				Help: "Step outcomes by step type and status",
			},
			[]string{"step_type", "status"},
		),
		stepRetries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "petalpipe_step_retries_total",
				Help: "Step retry attempts by step type and error kind",
			},
			[]string{"step_type", "error_kind"},
		),
		stepDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "petalpipe_step_duration_seconds",
				Help:    "Completed step duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"step_type"},
		),
		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "petalpipe_http_requests_total",
				Help: "HTTP requests by method and status code",
			},
			[]string{"method", "code"},
		),
		httpRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "petalpipe_http_request_duration_seconds",
				Help:    "HTTP request latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method"},
		),
		registry: registry,
	}

	registry.MustRegister(
		m.executionsTotal,
		m.executionDuration,
		m.executionsActive,
		m.stepsTotal,
		m.stepRetries,
		m.stepDuration,
		m.httpRequestsTotal,
		m.httpRequestDuration,
		collectors.NewGoCollector(),
	)
	return m
}

// Handle updates collectors from an engine event. It has
// runtime.EventHandler semantics.
func (m *Metrics) Handle(e runtime.Event) {
	switch e.Kind {
	case runtime.EventExecutionStarted:
		m.executionsActive.Inc()
	case runtime.EventStepCompleted:
		m.stepsTotal.WithLabelValues(string(e.StepType), "completed").Inc()
		if ms, ok := e.Payload["duration_ms"].(int64); ok {
			m.stepDuration.WithLabelValues(string(e.StepType)).Observe(float64(ms) / 1000)
		}
	case runtime.EventStepFailed:
		m.stepsTotal.WithLabelValues(string(e.StepType), "failed").Inc()
	case runtime.EventStepSkipped:
		m.stepsTotal.WithLabelValues(string(e.StepType), "skipped").Inc()
	case runtime.EventStepRetrying:
		kind, _ := e.Payload["error_kind"].(string)
		m.stepRetries.WithLabelValues(string(e.StepType), kind).Inc()
	case runtime.EventExecutionCompleted, runtime.EventExecutionFailed, runtime.EventExecutionCancelled:
		status, _ := e.Payload["status"].(string)
		m.executionsActive.Dec()
		m.executionsTotal.WithLabelValues(status).Inc()
		m.executionDuration.WithLabelValues(status).Observe(e.Elapsed.Seconds())
	}
}

// Handler serves the registry in Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		m.httpRequestsTotal.WithLabelValues(r.Method, strconv.Itoa(rec.status)).Inc()
		m.httpRequestDuration.WithLabelValues(r.Method).Observe(time.Since(start).Seconds())
	})
}

// statusRecorder captures the response code. It forwards Flush so SSE
// streaming keeps working behind the middleware.
type statusRecorder struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (r *statusRecorder) WriteHeader(code int) {
	if !r.wroteHeader {
		r.status = code
		r.wroteHeader = true
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}
