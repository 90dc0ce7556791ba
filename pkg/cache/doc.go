// Package cache provides the shared Redis store the proxy coordinates
// through: quote payload blobs with per-key TTL, the pending-batch queue
// feeding the coalesced fetch cycle, and short-lived fetch-in-progress
// markers.
//
// The Redis instance is the only cross-process synchronization point in
// the system. Every mutation of shared state goes through an atomic
// primitive (SETNX, LPOS+RPUSH, transactional pipelines) - never a plain
// read-modify-write - so concurrent coalescer instances cannot race.
//
// # Basic Usage
//
//	redisClient := redis.NewClient(&redis.Options{
//		Addr: "localhost:6379",
//	})
//
//	store := cache.NewStore(redisClient)
//
//	payload, err := store.GetQuote(ctx, 1027)
//	if err == cache.ErrCacheMiss {
//		// Cache miss - queue for the next batch cycle
//	}
//
// # Metrics
//
// The store exports Prometheus metrics:
//
//   - cmc_cache_hits_total{layer="redis"} - Cache hits
//   - cmc_cache_misses_total - Cache misses
//   - cmc_cache_errors_total{operation} - Cache operation errors
//   - cmc_pending_batch_size - Pending-queue length after the last append
package cache
