// Package metrics holds the Prometheus collectors shared by the trust-plane
// binaries. Each binary registers one Metrics value against the default
// registry and serves it on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics bundles every collector the trust plane emits.
type Metrics struct {
	// Authentication
	AuthAttempts  *prometheus.CounterVec // outcome: success, invalid_credentials, rate_limited, degraded, unavailable
	AuthDuration  *prometheus.HistogramVec
	RateLimited   prometheus.Counter
	TokensMinted  prometheus.Counter
	TokenCacheHit *prometheus.CounterVec // lookup: fingerprint, jti; result: hit, miss

	// Validation
	Validations *prometheus.CounterVec // outcome: VALID, EXPIRED, FORBIDDEN, ...
	Renewals    *prometheus.CounterVec // trigger: near_expiry, post_expiry

	// Vault
	VaultCalls    *prometheus.CounterVec // op, result
	VaultDuration *prometheus.HistogramVec
	BreakerState  *prometheus.GaugeVec // breaker name -> 0 closed, 1 half-open, 2 open

	// Cache
	CacheInvalidations *prometheus.CounterVec // reason: rotation, cancel

	// Rotation
	RotationTransitions *prometheus.CounterVec // to_state
	RotationsActive     prometheus.Gauge

	// HTTP
	RequestDuration *prometheus.HistogramVec // handler, method, status
}

// New builds and registers every collector with reg. Binaries pass
// prometheus.DefaultRegisterer; tests pass a fresh registry.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		AuthAttempts: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "trustplane_auth_attempts_total",
				Help: "Authentication attempts by outcome",
			},
			[]string{"outcome"},
		),
		AuthDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "trustplane_auth_duration_seconds",
				Help:    "End-to-end latency of authenticate calls",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"outcome"},
		),
		RateLimited: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "trustplane_rate_limited_total",
				Help: "Requests rejected by the per-client rate limit",
			},
		),
		TokensMinted: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "trustplane_tokens_minted_total",
				Help: "Tokens minted by the token engine",
			},
		),
		TokenCacheHit: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "trustplane_token_cache_lookups_total",
				Help: "Token cache lookups by index and result",
			},
			[]string{"lookup", "result"},
		),
		Validations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "trustplane_token_validations_total",
				Help: "Token verifications by outcome tag",
			},
			[]string{"outcome"},
		),
		Renewals: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "trustplane_token_renewals_total",
				Help: "Renewal-on-use issuances by trigger",
			},
			[]string{"trigger"},
		),
		VaultCalls: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "trustplane_vault_calls_total",
				Help: "Vault operations by result",
			},
			[]string{"op", "result"},
		),
		VaultDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "trustplane_vault_call_duration_seconds",
				Help:    "Latency of vault operations including retries",
				Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
			},
			[]string{"op"},
		),
		BreakerState: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "trustplane_breaker_state",
				Help: "Circuit breaker state: 0 closed, 1 half-open, 2 open",
			},
			[]string{"breaker"},
		),
		CacheInvalidations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "trustplane_cache_invalidations_total",
				Help: "Targeted token invalidations by reason",
			},
			[]string{"reason"},
		),
		RotationTransitions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "trustplane_rotation_transitions_total",
				Help: "Rotation state-machine transitions by destination state",
			},
			[]string{"to_state"},
		),
		RotationsActive: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "trustplane_rotations_active",
				Help: "Rotations currently in a non-terminal state",
			},
		),
		RequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "trustplane_http_request_duration_seconds",
				Help:    "HTTP request latency by handler",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"handler", "method", "status"},
		),
	}
}
