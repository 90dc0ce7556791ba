package cache

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// CacheHits tracks cache hits by layer (redis)
	CacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cmc_cache_hits_total",
			Help: "Total number of quote cache hits",
		},
		[]string{"layer"}, // "redis"
	)

	// CacheMisses tracks cache misses
	CacheMisses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "cmc_cache_misses_total",
			Help: "Total number of quote cache misses",
		},
	)

	// CacheErrors tracks cache operation errors
	CacheErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cmc_cache_errors_total",
			Help: "Total number of cache operation errors",
		},
		[]string{"operation"}, // "get", "set", "set_batch", "delete", "pending"
	)

	// PendingBatchSize tracks the pending-queue length after the last append
	PendingBatchSize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "cmc_pending_batch_size",
			Help: "Length of the pending-batch queue after the last append",
		},
	)
)
