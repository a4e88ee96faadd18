// Package telemetry provides Prometheus metrics and the structured logger.
package telemetry

import (
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"relaygate/internal/config"
	"relaygate/internal/resilience"
)

// Metrics holds all Prometheus metrics for RelayGate.
type Metrics struct {
	// Request metrics
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec

	// Provider metrics
	ProviderRequests *prometheus.CounterVec
	ProviderErrors   *prometheus.CounterVec
	ProviderLatency  *prometheus.HistogramVec
	CostUSD          *prometheus.CounterVec
	TokensUsed       *prometheus.CounterVec

	// Cache metrics
	CacheHits   *prometheus.CounterVec
	CacheMisses *prometheus.CounterVec

	// Resilience metrics
	CircuitBreakerState *prometheus.GaugeVec
	RetryAttempts       *prometheus.CounterVec
	FallbackInvocations *prometheus.CounterVec

	// Pipeline metrics
	PipelineRuns     *prometheus.CounterVec
	PipelineDuration *prometheus.HistogramVec
	OCRRejections    *prometheus.CounterVec
}

// NewMetrics creates and registers all metrics. A nil registry uses the
// default registerer.
func NewMetrics(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}

	factory := promauto.With(registry)

	return &Metrics{
		RequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relaygate_requests_total",
				Help: "Total HTTP requests",
			},
			[]string{"endpoint", "status"},
		),
		RequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "relaygate_request_duration_seconds",
				Help:    "HTTP request duration",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"endpoint"},
		),
		ProviderRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relaygate_provider_requests_total",
				Help: "Upstream provider calls",
			},
			[]string{"provider", "outcome"},
		),
		ProviderErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relaygate_provider_errors_total",
				Help: "Upstream provider failures by class",
			},
			[]string{"provider", "class"},
		),
		ProviderLatency: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "relaygate_provider_latency_seconds",
				Help:    "Upstream provider call latency",
				Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
			},
			[]string{"provider"},
		),
		CostUSD: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relaygate_cost_usd_total",
				Help: "Accumulated provider cost in USD",
			},
			[]string{"provider", "model"},
		),
		TokensUsed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relaygate_tokens_total",
				Help: "Tokens consumed",
			},
			[]string{"provider", "direction"},
		),
		CacheHits: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relaygate_cache_hits_total",
				Help: "Response cache hits",
			},
			[]string{"function"},
		),
		CacheMisses: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relaygate_cache_misses_total",
				Help: "Response cache misses",
			},
			[]string{"function"},
		),
		CircuitBreakerState: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "relaygate_circuit_breaker_state",
				Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
			},
			[]string{"operation"},
		),
		RetryAttempts: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relaygate_retry_attempts_total",
				Help: "Retry attempts by operation",
			},
			[]string{"operation"},
		),
		FallbackInvocations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relaygate_fallback_invocations_total",
				Help: "Two-tier failovers by reason",
			},
			[]string{"from", "to", "reason"},
		),
		PipelineRuns: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relaygate_pipeline_runs_total",
				Help: "Document pipeline runs",
			},
			[]string{"pipeline", "outcome"},
		),
		PipelineDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "relaygate_pipeline_duration_seconds",
				Help:    "End-to-end document pipeline duration",
				Buckets: []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
			},
			[]string{"pipeline"},
		),
		OCRRejections: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relaygate_ocr_rejections_total",
				Help: "OCR results rejected by the acceptance gate",
			},
			[]string{"provider"},
		),
	}
}

// Handler returns the HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordProviderCall records one upstream call outcome.
func (m *Metrics) RecordProviderCall(provider, model string, latency time.Duration, costUSD float64, promptTokens, completionTokens int64) {
	m.ProviderRequests.WithLabelValues(provider, "success").Inc()
	m.ProviderLatency.WithLabelValues(provider).Observe(latency.Seconds())
	if costUSD > 0 {
		m.CostUSD.WithLabelValues(provider, model).Add(costUSD)
	}
	if promptTokens > 0 {
		m.TokensUsed.WithLabelValues(provider, "input").Add(float64(promptTokens))
	}
	if completionTokens > 0 {
		m.TokensUsed.WithLabelValues(provider, "output").Add(float64(completionTokens))
	}
}

// RecordProviderError records one failed upstream call.
func (m *Metrics) RecordProviderError(provider, class string) {
	m.ProviderRequests.WithLabelValues(provider, "error").Inc()
	m.ProviderErrors.WithLabelValues(provider, class).Inc()
}

// RecordFailover records one two-tier failover.
func (m *Metrics) RecordFailover(from, to, reason string) {
	m.FallbackInvocations.WithLabelValues(from, to, reason).Inc()
}

// UpdateCircuitState maps the breaker state onto the gauge.
func (m *Metrics) UpdateCircuitState(operation string, state resilience.CircuitState) {
	var v float64
	switch state {
	case resilience.StateHalfOpen:
		v = 1
	case resilience.StateOpen:
		v = 2
	}
	m.CircuitBreakerState.WithLabelValues(operation).Set(v)
}

// NewLogger builds the process logger from telemetry config.
func NewLogger(cfg config.TelemetryConfig) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.LogLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if strings.EqualFold(cfg.LogFormat, "json") {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler).With("service", cfg.ServiceName)
}
