// Package metrics holds the Prometheus collectors for credrouter.
//
// Collectors are registered on the default registry through promauto, so
// importing the package is enough to have them show up on /metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "credrouter"

// ---------------------------------------------------------------------------
// Selection
// ---------------------------------------------------------------------------

var (
	// Selections counts SelectAndExecute calls by terminal outcome:
	// success, exhausted, client_error, error.
	Selections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "selections_total",
			Help:      "SelectAndExecute calls by outcome",
		},
		[]string{"outcome"},
	)

	// Attempts counts provider calls made inside the selection loop.
	// kind is "ok" on success, otherwise the provider error kind.
	Attempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_attempts_total",
			Help:      "Provider calls by provider and result kind",
		},
		[]string{"provider", "kind"},
	)

	// ProviderLatency tracks the wall time of a single provider call.
	ProviderLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "provider_latency_seconds",
			Help:      "Latency of provider calls",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 4, 8, 16, 32, 64},
		},
		[]string{"provider"},
	)
)

// ---------------------------------------------------------------------------
// Credential health
// ---------------------------------------------------------------------------

var (
	// Cooldowns counts circuit-breaker flags written, by reason.
	Cooldowns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cooldowns_total",
			Help:      "Circuit breaker flags set, by reason",
		},
		[]string{"reason"},
	)

	// Deactivations counts credentials switched off after an
	// authorization failure.
	Deactivations = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "credential_deactivations_total",
			Help:      "Credentials deactivated after authorization failures",
		},
	)

	// StoreFailOpen counts state store calls that hit an error and fell
	// back to the availability-first answer.
	StoreFailOpen = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "state_store_fail_open_total",
			Help:      "State store operations answered without the backend",
		},
		[]string{"op"},
	)
)

// ---------------------------------------------------------------------------
// Accounting and caches
// ---------------------------------------------------------------------------

var (
	// UsageFlushes counts per-binding flush results: written, dropped, error.
	UsageFlushes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "usage_flush_entries_total",
			Help:      "Usage buffer entries processed by flush, by result",
		},
		[]string{"result"},
	)

	// SweepDeleted counts rows cleared by the background sweeper.
	SweepDeleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sweep_cleared_total",
			Help:      "Expired exclusions and stale exhaustion markers cleared",
		},
		[]string{"kind"},
	)

	// CacheInvalidations counts local cache clears, by trigger:
	// local (this process bumped the watermark) or watermark (another did).
	CacheInvalidations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_invalidations_total",
			Help:      "Local cache clears by trigger",
		},
		[]string{"trigger"},
	)
)

// Handler exposes the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
