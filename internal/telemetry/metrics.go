// Package telemetry provides the relay's observability primitives: the
// Prometheus collector set and the OpenTelemetry tracer wiring.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds every Prometheus collector the relay feeds. The HTTP
// middleware drives the request family, the circuit breaker's transition
// hook drives CircuitTransitions, and the metering handler drives the token
// and spend counters at finalization.
type Metrics struct {
	RequestsTotal      *prometheus.CounterVec
	RequestDuration    *prometheus.HistogramVec
	ActiveRequests     prometheus.Gauge
	RateLimitRejects   *prometheus.CounterVec
	CircuitTransitions *prometheus.CounterVec
	TokensProcessed    *prometheus.CounterVec
	SpendUSD           *prometheus.CounterVec
	SessionsLive       prometheus.Gauge
}

// NewMetrics creates and registers all collectors with the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "switchyard",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests.",
		}, []string{"method", "path", "status"}),

		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:                       "switchyard",
			Name:                            "request_duration_seconds",
			Help:                            "HTTP request duration in seconds.",
			NativeHistogramBucketFactor:     1.1,
			NativeHistogramMaxBucketNumber:  100,
			NativeHistogramMinResetDuration: 0,
		}, []string{"method", "path"}),

		ActiveRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "switchyard",
			Name:      "active_requests",
			Help:      "Number of currently active requests.",
		}),

		RateLimitRejects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "switchyard",
			Name:      "ratelimit_rejects_total",
			Help:      "Total guard and selection denials answered with 429.",
		}, []string{"scope"}),

		CircuitTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "switchyard",
			Name:      "circuit_transitions_total",
			Help:      "Total circuit breaker state transitions.",
		}, []string{"provider", "to"}),

		TokensProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "switchyard",
			Name:      "tokens_processed_total",
			Help:      "Total tokens settled, by model and token kind.",
		}, []string{"model", "kind"}),

		SpendUSD: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "switchyard",
			Name:      "spend_usd_total",
			Help:      "Total settled cost in USD, by payment track.",
		}, []string{"track"}),

		SessionsLive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "switchyard",
			Name:      "sessions_live",
			Help:      "Live conversations in the session tracker.",
		}),
	}

	reg.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.ActiveRequests,
		m.RateLimitRejects,
		m.CircuitTransitions,
		m.TokensProcessed,
		m.SpendUSD,
		m.SessionsLive,
	)

	return m
}

// AddUsage feeds one settled usage block into the token counters. Zero
// counts are skipped so the series only exist for kinds the model produced.
func (m *Metrics) AddUsage(model string, input, output, cacheCreation, cacheRead int64) {
	if input > 0 {
		m.TokensProcessed.WithLabelValues(model, "input").Add(float64(input))
	}
	if output > 0 {
		m.TokensProcessed.WithLabelValues(model, "output").Add(float64(output))
	}
	if cacheCreation > 0 {
		m.TokensProcessed.WithLabelValues(model, "cache_creation").Add(float64(cacheCreation))
	}
	if cacheRead > 0 {
		m.TokensProcessed.WithLabelValues(model, "cache_read").Add(float64(cacheRead))
	}
}

// AddSpend feeds one settled payment split into the spend counters.
func (m *Metrics) AddSpend(packageUSD, balanceUSD float64) {
	if packageUSD > 0 {
		m.SpendUSD.WithLabelValues("package").Add(packageUSD)
	}
	if balanceUSD > 0 {
		m.SpendUSD.WithLabelValues("balance").Add(balanceUSD)
	}
}
