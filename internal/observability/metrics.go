package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics collects runtime counters for the experiment scheduler and the
// conversation engines it supervises.
//
// Metrics are registered on a private registry so parallel experiments in one
// process (tests, mainly) do not collide on the default registry.
type Metrics struct {
	registry *prometheus.Registry

	// ProviderRequests counts provider calls.
	// Labels: provider, status (success|error)
	ProviderRequests *prometheus.CounterVec

	// ProviderRequestDuration measures provider call latency in seconds.
	// Labels: provider
	ProviderRequestDuration *prometheus.HistogramVec

	// TokensUsed tracks token consumption.
	// Labels: provider, type (input|output)
	TokensUsed *prometheus.CounterVec

	// RateLimitWaits counts limiter-imposed pauses >= 250ms.
	// Labels: provider
	RateLimitWaits *prometheus.CounterVec

	// RateLimitWaitSeconds accumulates total limiter wait time.
	// Labels: provider
	RateLimitWaitSeconds *prometheus.CounterVec

	// ConversationsEnded counts terminal conversations.
	// Labels: status (completed|failed|interrupted)
	ConversationsEnded *prometheus.CounterVec

	// ActiveConversations gauges in-flight conversations.
	ActiveConversations prometheus.Gauge

	// ConvergenceScore observes per-turn convergence scores.
	ConvergenceScore prometheus.Histogram
}

// NewMetrics creates and registers all experiment metrics.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		ProviderRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pidgin_provider_requests_total",
				Help: "Provider API requests by provider and status.",
			},
			[]string{"provider", "status"},
		),
		ProviderRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pidgin_provider_request_duration_seconds",
				Help:    "Provider API request latency.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
			},
			[]string{"provider"},
		),
		TokensUsed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pidgin_tokens_total",
				Help: "Token usage by provider and direction.",
			},
			[]string{"provider", "type"},
		),
		RateLimitWaits: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pidgin_rate_limit_waits_total",
				Help: "Rate limiter pauses of at least 250ms.",
			},
			[]string{"provider"},
		),
		RateLimitWaitSeconds: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pidgin_rate_limit_wait_seconds_total",
				Help: "Cumulative time spent waiting on the rate limiter.",
			},
			[]string{"provider"},
		),
		ConversationsEnded: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pidgin_conversations_ended_total",
				Help: "Terminal conversations by final status.",
			},
			[]string{"status"},
		),
		ActiveConversations: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "pidgin_active_conversations",
				Help: "Conversations currently running.",
			},
		),
		ConvergenceScore: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "pidgin_convergence_score",
				Help:    "Per-turn overall convergence scores.",
				Buckets: prometheus.LinearBuckets(0, 0.1, 11),
			},
		),
	}

	reg.MustRegister(
		m.ProviderRequests,
		m.ProviderRequestDuration,
		m.TokensUsed,
		m.RateLimitWaits,
		m.RateLimitWaitSeconds,
		m.ConversationsEnded,
		m.ActiveConversations,
		m.ConvergenceScore,
	)
	return m
}

// Registry exposes the underlying registry for scrape wiring or test
// inspection via prometheus/client_golang/prometheus/testutil.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
