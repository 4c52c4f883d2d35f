// Package metrics exposes Prometheus collectors for the sync engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	SyncRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "booru_sync_runs_total",
			Help: "Total number of sync runs by kind and result",
		},
		[]string{"kind", "result"}, // kind: full|repair, result: completed|skipped|aborted
	)

	SyncInProgress = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "booru_sync_in_progress",
			Help: "1 while a sync run is active",
		},
	)

	SourceSyncs = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "booru_source_syncs_total",
			Help: "Total number of per-source sync passes by provider and result",
		},
		[]string{"provider", "result"},
	)

	SourceSyncDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "booru_source_sync_duration_seconds",
			Help:    "Duration of one per-source sync pass",
			Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		},
		[]string{"provider"},
	)

	PostsStored = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "booru_posts_stored_total",
			Help: "Total number of posts inserted for the first time",
		},
		[]string{"provider"},
	)

	RetryAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "booru_retry_attempts_total",
			Help: "Total number of retried operations by upstream status",
		},
		[]string{"status"}, // HTTP status code or "transport"
	)

	ProviderRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "booru_provider_requests_total",
			Help: "Total number of upstream API requests by provider and outcome",
		},
		[]string{"provider", "outcome"}, // success|http_error|transport_error|rejected
	)

	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "booru_circuit_breaker_state",
			Help: "Circuit breaker state per provider (0=closed, 1=half-open, 2=open)",
		},
		[]string{"provider"},
	)
)
