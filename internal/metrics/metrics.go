// Package metrics holds the Prometheus collectors exported on /metrics.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// RequestsTotal counts handled calls by provider, mode, source and outcome.
	RequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vcr_requests_total",
		Help: "Total proxied calls by provider, mode, source and outcome",
	}, []string{"provider", "mode", "source", "outcome"})

	// CassetteLookups counts cassette lookups by result.
	CassetteLookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vcr_cassette_lookups_total",
		Help: "Cassette lookups by provider and result",
	}, []string{"provider", "result"})

	// UpstreamDuration tracks upstream call latency.
	UpstreamDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "vcr_upstream_duration_seconds",
		Help:    "Upstream call duration in seconds",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 10), // 50ms to ~25s
	}, []string{"provider", "outcome"})

	// RateLimited counts calls rejected by the per-provider limiter.
	RateLimited = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vcr_rate_limited_total",
		Help: "Upstream calls rejected by the local rate limiter",
	}, []string{"provider"})

	// PersistenceFailures counts cassette and trace writes that failed.
	PersistenceFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vcr_persistence_failures_total",
		Help: "Failed cassette or trace writes",
	}, []string{"kind"})

	// StorageFallbacks counts trace writes served by a fallback backend.
	StorageFallbacks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vcr_storage_fallbacks_total",
		Help: "Trace writes that failed on a backend and moved to the next",
	}, []string{"backend"})

	// BreakerState reports each backend breaker: 0 closed, 1 open, 2 half-open.
	BreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "vcr_storage_breaker_state",
		Help: "Circuit breaker state per trace backend (0 closed, 1 open, 2 half-open)",
	}, []string{"backend"})

	// TracesPruned counts trace records removed by retention.
	TracesPruned = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vcr_traces_pruned_total",
		Help: "Trace records removed by the retention loop",
	})
)

// ObserveUpstream records one upstream call.
func ObserveUpstream(provider, outcome string, d time.Duration) {
	UpstreamDuration.WithLabelValues(provider, outcome).Observe(d.Seconds())
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
