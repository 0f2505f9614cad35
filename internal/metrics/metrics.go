// Package metrics instruments the gateway with Prometheus counters and
// histograms: cache hit/miss counts, KV store latency and retry
// counts, per-source origin-fetch outcomes, and single-flight
// coalescing counts. Non-goals in spec.md excludes "persistent
// analytics" (business/user analytics), not basic operational
// metrics, so this is carried as ambient stack.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	CacheLookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "videogate_cache_lookups_total",
		Help: "Cache Orchestrator lookups by outcome (hit, miss).",
	}, []string{"outcome"})

	KVStoreDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "videogate_kv_store_duration_seconds",
		Help:    "Latency of KV Engine store operations.",
		Buckets: prometheus.DefBuckets,
	}, []string{"layout"}) // "single" | "chunked"

	KVStoreRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "videogate_kv_store_retries_total",
		Help: "Number of KV write retry attempts across all stores.",
	})

	OriginFetchOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "videogate_origin_fetch_outcomes_total",
		Help: "Origin Fetcher outcomes by source type and result.",
	}, []string{"source_type", "outcome"}) // outcome: success, not_found, unavailable

	SingleFlightCoalesced = promauto.NewCounter(prometheus.CounterOpts{
		Name: "videogate_singleflight_coalesced_total",
		Help: "Requests that coalesced onto an in-flight upstream fetch for the same cache key.",
	})

	RetryApplied = promauto.NewCounter(prometheus.CounterOpts{
		Name: "videogate_retry_applied_total",
		Help: "Requests answered with failover headers, after the Retry/Failover Coordinator excluded a source or the Origin Fetcher skipped a 404 source.",
	})

	RequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "videogate_request_duration_seconds",
		Help:    "End-to-end Pipeline Entry request latency.",
		Buckets: prometheus.DefBuckets,
	}, []string{"status"})
)
