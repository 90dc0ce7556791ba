// Package coalesce merges concurrent cache misses for the same entity
// into a single shared upstream fetch cycle.
//
// A miss does not call upstream itself: it enqueues the entity on the
// shared pending-batch queue, waits out a fixed merge window while a
// lock-holding batch cycle fetches everything queued, then re-reads the
// cache. The protocol trades a bounded added latency for a large
// reduction in upstream call volume. The timed wait is best-effort: it
// only guarantees that a fetch which ran and succeeded inside the
// window is visible afterwards.
package coalesce

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/quotelab/cmc-proxy/pkg/cache"
	"github.com/quotelab/cmc-proxy/pkg/redislock"
	"github.com/quotelab/cmc-proxy/pkg/upstream"
)

// Prometheus metrics for coalescing outcomes.
var (
	coalesceRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cmc_coalesce_requests_total",
		Help: "Coalescer read requests by outcome",
	}, []string{"outcome"}) // "hit", "merged_hit", "merged_miss"

	warmCyclesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cmc_warm_cycles_total",
		Help: "Listings warm cycles by outcome",
	}, []string{"outcome"}) // "completed", "lock_contended", "upstream_error"
)

// Lock parameters of the listings warm path.
const (
	warmLockTTL        = 30 * time.Second
	warmLockRetries    = 5
	warmLockRetryDelay = 500 * time.Millisecond
)

// Config holds coalescer configuration.
type Config struct {
	// MergeWindow is the fixed wait a cache miss parks for while the
	// shared batch cycle runs.
	MergeWindow time.Duration

	// TopN is the listing depth fetched by a warm cycle.
	TopN int
}

// DefaultConfig returns the default coalescing parameters.
func DefaultConfig() Config {
	return Config{
		MergeWindow: 3 * time.Second,
		TopN:        100,
	}
}

// Coalescer satisfies per-entity reads from the cache, merging misses
// into the shared batch cycle.
type Coalescer struct {
	cache  *cache.Store
	locker *redislock.Locker
	client *upstream.Client
	config Config
	logger zerolog.Logger
}

// New creates a Coalescer.
func New(cacheStore *cache.Store, locker *redislock.Locker, client *upstream.Client, config Config) *Coalescer {
	if config.MergeWindow <= 0 {
		config.MergeWindow = DefaultConfig().MergeWindow
	}
	if config.TopN <= 0 {
		config.TopN = DefaultConfig().TopN
	}
	return &Coalescer{
		cache:  cacheStore,
		locker: locker,
		client: client,
		config: config,
		logger: log.With().Str("component", "coalesce").Logger(),
	}
}

// GetOrFetch returns the entity's cached quote payload, merging a miss
// into the next batch cycle. Returns nil when the entity is still absent
// after the merge window - it may not exist upstream at all. Upstream
// and infrastructure failures degrade to nil, never propagate.
func (c *Coalescer) GetOrFetch(ctx context.Context, entityID int64) *upstream.QuotePayload {
	if entityID == 0 {
		c.logger.Warn().Msg("GetOrFetch called with invalid entity id")
		return nil
	}

	payload, err := c.cache.GetQuote(ctx, entityID)
	if err == nil {
		coalesceRequestsTotal.WithLabelValues("hit").Inc()
		return payload
	}
	if err != cache.ErrCacheMiss {
		c.logger.Error().Err(err).Int64("entity_id", entityID).Msg("Cache read failed")
		return nil
	}

	added, err := c.cache.PendingAdd(ctx, entityID)
	if err != nil {
		c.logger.Error().Err(err).Int64("entity_id", entityID).Msg("Pending enqueue failed")
		return nil
	}
	if added {
		c.logger.Debug().Int64("entity_id", entityID).Msg("Queued entity for batch cycle")
	} else {
		c.logger.Debug().Int64("entity_id", entityID).Msg("Entity already in pending batch")
	}

	// Park for the merge window; the shared batch cycle populates the
	// cache meanwhile. Other callers are not blocked by this wait.
	select {
	case <-ctx.Done():
		return nil
	case <-time.After(c.config.MergeWindow):
	}

	payload, err = c.cache.GetQuote(ctx, entityID)
	if err != nil {
		if err == cache.ErrCacheMiss {
			coalesceRequestsTotal.WithLabelValues("merged_miss").Inc()
			c.logger.Info().
				Int64("entity_id", entityID).
				Msg("No data after merge window; entity may not exist upstream")
		} else {
			c.logger.Error().Err(err).Int64("entity_id", entityID).Msg("Cache re-read failed")
		}
		return nil
	}

	coalesceRequestsTotal.WithLabelValues("merged_hit").Inc()
	return payload
}

// WarmTopListings fetches the top-N listing under the batch-processing
// lock and caches every returned quote with one pipelined write, then
// returns the target entity's payload - which may or may not be among
// the top N. A lost lock returns nil without calling upstream; callers
// must not infer absence of the entity, only that no warm cycle ran.
func (c *Coalescer) WarmTopListings(ctx context.Context, targetID int64, ttl time.Duration) *upstream.QuotePayload {
	token, ok, err := c.locker.Acquire(ctx, cache.BatchProcessingLockKey, warmLockTTL, warmLockRetries, warmLockRetryDelay)
	if err != nil {
		c.logger.Error().Err(err).Msg("Warm lock acquisition errored")
		warmCyclesTotal.WithLabelValues("lock_contended").Inc()
		return nil
	}
	if !ok {
		c.logger.Warn().Msg("Warm lock not acquired after retries, skipping cycle")
		warmCyclesTotal.WithLabelValues("lock_contended").Inc()
		return nil
	}
	defer func() {
		// Release must run even when upstream errored; failures are
		// logged, never propagated.
		if err := c.locker.Release(context.WithoutCancel(ctx), cache.BatchProcessingLockKey, token); err != nil {
			c.logger.Warn().Err(err).Msg("Warm lock release failed")
		}
	}()

	listings, err := c.client.FetchListings(ctx, 1, c.config.TopN)
	if err != nil {
		warmCyclesTotal.WithLabelValues("upstream_error").Inc()
		c.logger.Error().Err(err).Msg("Listings fetch failed")
		return nil
	}

	payloads := make(map[int64]*upstream.QuotePayload, len(listings))
	for i := range listings {
		p := &listings[i]
		if p.ID == 0 || p.Symbol == "" {
			continue
		}
		payloads[p.ID.Int64()] = p
	}

	if err := c.cache.SetQuoteBatch(ctx, payloads, ttl); err != nil {
		warmCyclesTotal.WithLabelValues("upstream_error").Inc()
		c.logger.Error().Err(err).Msg("Pipelined warm write failed")
		return nil
	}

	warmCyclesTotal.WithLabelValues("completed").Inc()
	c.logger.Info().
		Int("cached", len(payloads)).
		Int64("target_id", targetID).
		Msg("Listings warm cycle completed")

	payload, err := c.cache.GetQuote(ctx, targetID)
	if err != nil {
		return nil
	}
	return payload
}
