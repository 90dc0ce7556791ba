// Package metrics provides the centralized Prometheus metrics registry for
// the proxy. All metrics are defined in their respective packages (upstream,
// cache, batch, coalesce, refresh, credits, redislock, normalize) to maintain
// modularity and avoid circular dependencies.
//
// This package provides documentation and reference for all available metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Registry is the default Prometheus registry used by the proxy.
// All metrics are automatically registered via promauto in their respective packages.
var Registry = prometheus.DefaultRegisterer

// Metrics Documentation
//
// Credit Budget Metrics (pkg/credits):
//   - cmc_credits_used (Gauge): Credits consumed in the current window
//   - cmc_credit_blocks_total (Counter): Requests blocked by the critical budget threshold
//   - cmc_credit_throttles_total (Counter): Requests throttled in the warning band
//
// Cache Metrics (pkg/cache):
//   - cmc_cache_hits_total{layer="redis"} (Counter): Cache hits by layer
//   - cmc_cache_misses_total (Counter): Cache misses
//   - cmc_cache_errors_total{operation} (Counter): Cache operation errors
//   - cmc_pending_batch_size (Gauge): Entities waiting in the pending batch
//
// Upstream Metrics (pkg/upstream):
//   - cmc_requests_total{endpoint, status} (Counter): Requests by endpoint and HTTP status
//   - cmc_request_duration_seconds{endpoint} (Histogram): Request duration by endpoint
//   - cmc_errors_total{class} (Counter): Errors by class (client, server, network)
//   - cmc_key_fallback_mode{profile} (Gauge): 1 when a profile runs on the fallback key
//   - cmc_retries_total{error_class} (Counter): Retry attempts by error class
//   - cmc_retry_backoff_seconds{error_class} (Histogram): Backoff duration by error class
//   - cmc_retry_exhausted_total{error_class} (Counter): Requests that exhausted max retries
//
// Batch Metrics (pkg/batch):
//   - cmc_batch_chunks_total{outcome} (Counter): Chunk fetches by outcome
//   - cmc_batch_entities_total{outcome} (Counter): Entities processed by outcome
//   - cmc_batch_bars_stored_total (Counter): OHLCV bars stored
//   - cmc_pending_cycle_duration_seconds (Histogram): Pending-batch cycle duration
//
// Coalescing Metrics (pkg/coalesce):
//   - cmc_coalesce_requests_total{outcome} (Counter): Reads by outcome (hit, merged_hit, merged_miss)
//   - cmc_warm_cycles_total{outcome} (Counter): Listings warm cycles by outcome
//
// Read Path Metrics (pkg/refresh):
//   - cmc_refresh_reads_total{outcome} (Counter): Read-through requests by outcome
//   - cmc_background_refreshes_total{outcome} (Counter): Detached stale refreshes by outcome
//
// Lock Metrics (pkg/redislock):
//   - cmc_lock_acquires_total{key, outcome} (Counter): Lock acquisitions by outcome
//   - cmc_lock_not_owner_releases_total (Counter): Releases rejected by ownership check
//
// Normalization Metrics (pkg/normalize):
//   - cmc_normalize_clamps_total{field} (Counter): Values clamped to the envelope maximum
//   - cmc_normalize_rejects_total{field} (Counter): Values rejected as non-finite or unparsable
//
// Example Prometheus Queries:
//
//   # Cache Hit Rate
//   sum(rate(cmc_cache_hits_total[5m])) /
//   (sum(rate(cmc_cache_hits_total[5m])) + sum(rate(cmc_cache_misses_total[5m])))
//
//   # Coalescing Effectiveness
//   rate(cmc_coalesce_requests_total{outcome="merged_hit"}[5m]) /
//   rate(cmc_coalesce_requests_total[5m])
//
//   # Upstream Error Rate
//   rate(cmc_errors_total[5m])
//
//   # P95 Upstream Latency
//   histogram_quantile(0.95, rate(cmc_request_duration_seconds_bucket[5m]))
//
//   # Credit Burn Rate
//   rate(cmc_credits_used[1h])
