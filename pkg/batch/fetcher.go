// Package batch implements the chunked batch fetch paths: historical
// bar backfills with inter-chunk pacing and partial-failure isolation,
// and the coalesced quote cycle that drains the pending-batch queue.
package batch

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/quotelab/cmc-proxy/pkg/cache"
	"github.com/quotelab/cmc-proxy/pkg/model"
	"github.com/quotelab/cmc-proxy/pkg/normalize"
	"github.com/quotelab/cmc-proxy/pkg/redislock"
	"github.com/quotelab/cmc-proxy/pkg/upstream"
)

// Prometheus metrics for batch operations.
var (
	batchChunksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cmc_batch_chunks_total",
		Help: "Processed batch chunks by outcome",
	}, []string{"outcome"})

	batchEntitiesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cmc_batch_entities_total",
		Help: "Entities processed by batch fetches by outcome",
	}, []string{"outcome"})

	batchBarsStoredTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cmc_batch_bars_stored_total",
		Help: "OHLCV bars stored by batch fetches",
	})

	pendingCycleDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "cmc_pending_cycle_duration_seconds",
		Help:    "Duration of pending-batch quote cycles",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10},
	})
)

// Persistence is the slice of the storage collaborator the fetcher needs.
type Persistence interface {
	UpsertAsset(ctx context.Context, asset *model.Asset) error
	UpsertQuoteSnapshot(ctx context.Context, snap *model.QuoteSnapshot) error
	UpsertKlineBar(ctx context.Context, bar *model.KlineBar) error
	FindEntitiesByIDs(ctx context.Context, ids []model.EntityID) (map[model.EntityID]*model.Asset, error)
	CountBarsFor(ctx context.Context, entityID model.EntityID, timeframe string) (int, error)
	TopRankedIDs(ctx context.Context, limit int) ([]model.EntityID, error)
}

// Config holds batch fetcher configuration.
type Config struct {
	// ChunkSize is the maximum entities per upstream call.
	ChunkSize int

	// InterChunkDelay is the pause between chunks (rate-limit pacing).
	InterChunkDelay time.Duration

	// BatchQuota is the target size of one pending-batch quote cycle;
	// drained ids are topped up with top-ranked persisted ids.
	BatchQuota int

	// QuoteTTL is the cache TTL of quote payloads written by the cycle.
	QuoteTTL time.Duration

	// LockTTL bounds how long one cycle may hold the batch lock.
	LockTTL time.Duration
}

// DefaultConfig returns safe defaults for the upstream's rate limits.
func DefaultConfig() Config {
	return Config{
		ChunkSize:       100,
		InterChunkDelay: 2 * time.Second,
		BatchQuota:      100,
		QuoteTTL:        5 * time.Minute,
		LockTTL:         30 * time.Second,
	}
}

// Result aggregates the outcome of one batch invocation.
type Result struct {
	Succeeded []model.EntityID
	Failed    []model.EntityID
	TotalBars int
}

// Fetcher runs chunked upstream fetches and routes results through the
// normalizer into persistence.
type Fetcher struct {
	client     *upstream.Client
	store      Persistence
	cache      *cache.Store
	locker     *redislock.Locker
	normalizer *normalize.Normalizer
	config     Config
	logger     zerolog.Logger

	// sleep is swappable in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewFetcher creates a batch fetcher.
func NewFetcher(client *upstream.Client, store Persistence, cacheStore *cache.Store, locker *redislock.Locker, config Config) *Fetcher {
	if config.ChunkSize <= 0 {
		config.ChunkSize = DefaultConfig().ChunkSize
	}
	if config.BatchQuota <= 0 {
		config.BatchQuota = DefaultConfig().BatchQuota
	}
	if config.QuoteTTL <= 0 {
		config.QuoteTTL = DefaultConfig().QuoteTTL
	}
	if config.LockTTL <= 0 {
		config.LockTTL = DefaultConfig().LockTTL
	}

	return &Fetcher{
		client:     client,
		store:      store,
		cache:      cacheStore,
		locker:     locker,
		normalizer: normalize.New(),
		config:     config,
		logger:     log.With().Str("component", "batch").Logger(),
		sleep:      sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

// FetchBars fetches count hourly bars for each id, in consecutive chunks
// of at most the configured chunk size, pausing between chunks. A failed
// chunk fails only its own ids; the loop continues. An entity with zero
// storable bars counts as failed even when the upstream call succeeded.
func (f *Fetcher) FetchBars(ctx context.Context, ids []model.EntityID, count int) Result {
	var result Result
	if len(ids) == 0 {
		return result
	}

	chunks := chunkIDs(ids, f.config.ChunkSize)
	f.logger.Info().
		Int("entities", len(ids)).
		Int("chunks", len(chunks)).
		Int("chunk_size", f.config.ChunkSize).
		Msg("Starting chunked bar fetch")

	for i, chunk := range chunks {
		chunkResult := f.fetchChunk(ctx, chunk, count)
		result.Succeeded = append(result.Succeeded, chunkResult.Succeeded...)
		result.Failed = append(result.Failed, chunkResult.Failed...)
		result.TotalBars += chunkResult.TotalBars

		f.logger.Info().
			Int("chunk", i+1).
			Int("total_chunks", len(chunks)).
			Int("succeeded", len(chunkResult.Succeeded)).
			Int("failed", len(chunkResult.Failed)).
			Int("bars", chunkResult.TotalBars).
			Msg("Chunk completed")

		// Pace the upstream between chunks, skipped after the last one.
		if i < len(chunks)-1 && f.config.InterChunkDelay > 0 {
			if err := f.sleep(ctx, f.config.InterChunkDelay); err != nil {
				remaining := chunks[i+1:]
				for _, rest := range remaining {
					result.Failed = append(result.Failed, rest...)
				}
				f.logger.Warn().Err(err).Msg("Bar fetch cancelled between chunks")
				return result
			}
		}
	}

	f.logger.Info().
		Int("succeeded", len(result.Succeeded)).
		Int("failed", len(result.Failed)).
		Int("total_bars", result.TotalBars).
		Msg("Chunked bar fetch completed")

	return result
}

// fetchChunk processes one chunk: resolve known entities, one upstream
// call, normalize and persist every returned bar.
func (f *Fetcher) fetchChunk(ctx context.Context, chunk []model.EntityID, count int) Result {
	var result Result

	known, err := f.store.FindEntitiesByIDs(ctx, chunk)
	if err != nil {
		batchChunksTotal.WithLabelValues("failed").Inc()
		f.logger.Error().Err(err).Msg("Entity lookup failed, failing chunk")
		result.Failed = append(result.Failed, chunk...)
		return result
	}

	ids := make([]int64, 0, len(known))
	for _, id := range chunk {
		if _, ok := known[id]; ok {
			ids = append(ids, int64(id))
		} else {
			// Unknown upstream ids are failed, logged, never retried.
			f.logger.Warn().Int64("entity_id", int64(id)).Msg("Entity not found in store")
			result.Failed = append(result.Failed, id)
		}
	}
	if len(ids) == 0 {
		batchChunksTotal.WithLabelValues("empty").Inc()
		return result
	}

	series, err := f.client.FetchHistoricalBars(ctx, ids, count)
	if err != nil {
		batchChunksTotal.WithLabelValues("failed").Inc()
		f.logger.Error().Err(err).Int("entities", len(ids)).Msg("Chunk fetch failed")
		for _, id := range ids {
			result.Failed = append(result.Failed, model.EntityID(id))
		}
		return result
	}

	for _, id := range ids {
		entityID := model.EntityID(id)
		s, ok := series[id]
		if !ok || len(s.Quotes) == 0 {
			batchEntitiesTotal.WithLabelValues("failed").Inc()
			f.logger.Warn().Int64("entity_id", id).Msg("No bars returned for entity")
			result.Failed = append(result.Failed, entityID)
			continue
		}

		stored := 0
		for i := range s.Quotes {
			bar := BuildBar(f.normalizer, entityID, model.TimeframeHourly, &s.Quotes[i])
			if bar == nil {
				continue
			}
			if err := f.store.UpsertKlineBar(ctx, bar); err != nil {
				f.logger.Error().Err(err).Int64("entity_id", id).Msg("Bar upsert failed")
				continue
			}
			stored++
		}

		if stored > 0 {
			batchEntitiesTotal.WithLabelValues("succeeded").Inc()
			batchBarsStoredTotal.Add(float64(stored))
			result.Succeeded = append(result.Succeeded, entityID)
			result.TotalBars += stored
		} else {
			batchEntitiesTotal.WithLabelValues("failed").Inc()
			result.Failed = append(result.Failed, entityID)
		}
	}

	batchChunksTotal.WithLabelValues("succeeded").Inc()
	return result
}

// ProcessPending runs one coalesced quote cycle: under the batch lock,
// drain the pending queue, top up with top-ranked persisted ids to the
// batch quota, fetch all quotes in one call, write every payload to the
// cache with one pipelined batch, and persist normalized snapshots.
// Waiters parked in the merge window observe the cycle through the cache.
func (f *Fetcher) ProcessPending(ctx context.Context) (int, error) {
	start := time.Now()
	defer func() {
		pendingCycleDuration.Observe(time.Since(start).Seconds())
	}()

	token, ok, err := f.locker.Acquire(ctx, cache.BatchProcessingLockKey, f.config.LockTTL, 1, 0)
	if err != nil {
		return 0, fmt.Errorf("acquire batch lock: %w", err)
	}
	if !ok {
		// Another instance is running the cycle; its writes satisfy our waiters.
		f.logger.Debug().Msg("Batch lock held elsewhere, skipping cycle")
		return 0, nil
	}
	defer func() {
		if err := f.locker.Release(context.WithoutCancel(ctx), cache.BatchProcessingLockKey, token); err != nil {
			f.logger.Warn().Err(err).Msg("Batch lock release failed")
		}
	}()

	pending, err := f.cache.PendingDrain(ctx)
	if err != nil {
		return 0, fmt.Errorf("drain pending queue: %w", err)
	}

	ids := make([]model.EntityID, 0, f.config.BatchQuota)
	seen := make(map[model.EntityID]bool, f.config.BatchQuota)
	for _, id := range pending {
		entityID := model.EntityID(id)
		if !seen[entityID] {
			seen[entityID] = true
			ids = append(ids, entityID)
		}
	}

	// Top up with ranked ids so one upstream call refreshes the hot set
	// alongside the explicitly requested entities.
	if len(ids) < f.config.BatchQuota {
		ranked, err := f.store.TopRankedIDs(ctx, f.config.BatchQuota)
		if err != nil {
			f.logger.Warn().Err(err).Msg("Ranked id top-up failed, proceeding with pending ids only")
		} else {
			for _, id := range ranked {
				if len(ids) >= f.config.BatchQuota {
					break
				}
				if !seen[id] {
					seen[id] = true
					ids = append(ids, id)
				}
			}
		}
	}

	if len(ids) == 0 {
		return 0, nil
	}

	raw := make([]int64, len(ids))
	for i, id := range ids {
		raw[i] = int64(id)
	}

	quotes, err := f.client.FetchQuotes(ctx, raw)
	if err != nil {
		return 0, fmt.Errorf("fetch quotes: %w", err)
	}

	payloads := make(map[int64]*upstream.QuotePayload, len(quotes))
	for id := range quotes {
		p := quotes[id]
		payloads[id] = &p
	}
	if err := f.cache.SetQuoteBatch(ctx, payloads, f.config.QuoteTTL); err != nil {
		f.logger.Error().Err(err).Msg("Pipelined cache write failed")
	}

	now := time.Now()
	persisted := 0
	for id, p := range payloads {
		if err := f.store.UpsertAsset(ctx, BuildAsset(f.normalizer, p)); err != nil {
			f.logger.Error().Err(err).Int64("entity_id", id).Msg("Asset upsert failed")
			continue
		}
		snap := BuildSnapshot(f.normalizer, p, now)
		if !snap.HasData() {
			// Every field was dropped; skip the write entirely.
			f.logger.Warn().Int64("entity_id", id).Msg("Snapshot empty after normalization, skipping")
			continue
		}
		if err := f.store.UpsertQuoteSnapshot(ctx, snap); err != nil {
			f.logger.Error().Err(err).Int64("entity_id", id).Msg("Snapshot upsert failed")
			continue
		}
		persisted++
	}

	f.logger.Info().
		Int("pending", len(pending)).
		Int("fetched", len(quotes)).
		Int("persisted", persisted).
		Dur("duration", time.Since(start)).
		Msg("Pending-batch cycle completed")

	return len(quotes), nil
}

// KlineOptions selects the entities of a ProcessKlines run.
type KlineOptions struct {
	// IDs restricts the run to specific entities. Takes precedence.
	IDs []model.EntityID

	// TopN restricts the run to the N top-ranked entities.
	TopN int

	// Count is the number of bars fetched per entity.
	Count int

	// OnlyMissing skips entities that already have stored bars
	// (backfill mode).
	OnlyMissing bool
}

// ProcessKlines runs a bar maintenance pass: incremental updates
// (Count=1) or backfills (OnlyMissing, Count=24) over the selected
// entity set, delegating to FetchBars.
func (f *Fetcher) ProcessKlines(ctx context.Context, opts KlineOptions) (Result, error) {
	if opts.Count <= 0 {
		opts.Count = 1
	}

	ids := opts.IDs
	if len(ids) == 0 {
		limit := opts.TopN
		if limit <= 0 {
			limit = f.config.BatchQuota
		}
		ranked, err := f.store.TopRankedIDs(ctx, limit)
		if err != nil {
			return Result{}, fmt.Errorf("resolve ranked ids: %w", err)
		}
		ids = ranked
	}

	if opts.OnlyMissing {
		var missing []model.EntityID
		for _, id := range ids {
			count, err := f.store.CountBarsFor(ctx, id, model.TimeframeHourly)
			if err != nil {
				f.logger.Warn().Err(err).Int64("entity_id", int64(id)).Msg("Bar count failed, including entity")
				missing = append(missing, id)
				continue
			}
			if count == 0 {
				missing = append(missing, id)
			}
		}
		ids = missing
	}

	if len(ids) == 0 {
		f.logger.Info().Msg("No entities need bars, skipping kline pass")
		return Result{}, nil
	}

	return f.FetchBars(ctx, ids, opts.Count), nil
}

// chunkIDs splits ids into consecutive chunks of at most size.
func chunkIDs(ids []model.EntityID, size int) [][]model.EntityID {
	var chunks [][]model.EntityID
	for start := 0; start < len(ids); start += size {
		end := start + size
		if end > len(ids) {
			end = len(ids)
		}
		chunks = append(chunks, ids[start:end])
	}
	return chunks
}
