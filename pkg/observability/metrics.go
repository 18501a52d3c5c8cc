// Package observability provides Prometheus metrics and HTTP middleware
// for monitoring the rule chain engine.
package observability

import "github.com/prometheus/client_golang/prometheus"

// LLMBuckets defines histogram buckets suited for LLM inference latencies,
// ranging from 100ms to 120s.
var LLMBuckets = []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120}

// TokenBuckets covers dry-run estimates from a sentence to a long chapter
// run through many steps.
var TokenBuckets = prometheus.ExponentialBuckets(100, 4, 8)

var (
	// RequestsTotal counts all HTTP requests by method, status class, and route.
	RequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rulechain_requests_total",
			Help: "Total requests",
		},
		[]string{"method", "status", "route"},
	)

	// RequestDuration records HTTP request duration in seconds by method and route.
	RequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "rulechain_request_duration_seconds",
			Help:    "Request duration",
			Buckets: LLMBuckets,
		},
		[]string{"method", "route"},
	)

	// StreamingConnections tracks the number of active SSE streaming connections.
	StreamingConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "rulechain_streaming_connections_active",
			Help: "Active streaming connections",
		},
	)

	// RunsTotal counts chain runs by mode (sync, stream, dry_run) and outcome.
	RunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rulechain_runs_total",
			Help: "Rule chain runs",
		},
		[]string{"mode", "outcome"},
	)

	// StepExecutionsTotal counts executed steps by task type and status.
	StepExecutionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rulechain_step_executions_total",
			Help: "Step executions",
		},
		[]string{"task_type", "status"},
	)

	// StepDuration records wall time per step, retries included.
	StepDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "rulechain_step_duration_seconds",
			Help:    "Step duration",
			Buckets: LLMBuckets,
		},
		[]string{"task_type"},
	)

	// GatewayRequestsTotal counts text generation calls by provider, model,
	// and outcome (success, transient, safety, permanent, rate_limited).
	GatewayRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rulechain_gateway_requests_total",
			Help: "Gateway requests",
		},
		[]string{"provider", "model", "outcome"},
	)

	// GatewayLatency records text generation latency in seconds.
	GatewayLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "rulechain_gateway_latency_seconds",
			Help:    "Gateway latency",
			Buckets: LLMBuckets,
		},
		[]string{"provider", "model"},
	)

	// GatewayRetriesTotal counts retries after transient gateway failures.
	GatewayRetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rulechain_gateway_retries_total",
			Help: "Gateway retries",
		},
		[]string{"model"},
	)

	// SafetyFallbacksTotal counts switches to the safety fallback model.
	SafetyFallbacksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rulechain_safety_fallbacks_total",
			Help: "Safety fallbacks",
		},
		[]string{"task_type"},
	)

	// DryRunEstimatedTokens records the total estimated tokens of dry runs.
	DryRunEstimatedTokens = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "rulechain_dry_run_estimated_tokens",
			Help:    "Estimated tokens per dry run",
			Buckets: TokenBuckets,
		},
	)
)

func init() {
	prometheus.MustRegister(
		RequestsTotal,
		RequestDuration,
		StreamingConnections,
		RunsTotal,
		StepExecutionsTotal,
		StepDuration,
		GatewayRequestsTotal,
		GatewayLatency,
		GatewayRetriesTotal,
		SafetyFallbacksTotal,
		DryRunEstimatedTokens,
	)
}
