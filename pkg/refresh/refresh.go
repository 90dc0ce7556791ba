// Package refresh implements the persisted read path: fresh snapshots
// are served directly, stale snapshots are served immediately while a
// detached background refresh runs, and absent snapshots fall through
// to the coalesced fetch path.
package refresh

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/quotelab/cmc-proxy/pkg/batch"
	"github.com/quotelab/cmc-proxy/pkg/cache"
	"github.com/quotelab/cmc-proxy/pkg/coalesce"
	"github.com/quotelab/cmc-proxy/pkg/model"
	"github.com/quotelab/cmc-proxy/pkg/normalize"
	"github.com/quotelab/cmc-proxy/pkg/upstream"
)

var (
	readsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cmc_refresh_reads_total",
		Help: "Read-through requests by outcome",
	}, []string{"outcome"}) // "fresh", "stale", "fetched", "not_found", "error"

	backgroundRefreshesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cmc_background_refreshes_total",
		Help: "Detached stale refreshes by outcome",
	}, []string{"outcome"}) // "completed", "empty", "error"
)

// fetchMarkerTTL bounds how long a klines fetch marker suppresses
// duplicate on-demand backfills for the same entity.
const fetchMarkerTTL = 300 * time.Second

// Persistence is the slice of the storage collaborator the refresher needs.
type Persistence interface {
	GetQuoteSnapshot(ctx context.Context, entityID model.EntityID) (*model.QuoteSnapshot, error)
	UpsertAsset(ctx context.Context, asset *model.Asset) error
	UpsertQuoteSnapshot(ctx context.Context, snap *model.QuoteSnapshot) error
	QueryBars(ctx context.Context, entityID model.EntityID, timeframe string, rangeStart, rangeEnd time.Time) ([]model.KlineBar, error)
}

// IsNotFound distinguishes a missing snapshot from a storage failure.
type IsNotFound func(error) bool

// Config holds refresher configuration.
type Config struct {
	// SnapshotTTL is the age beyond which a persisted snapshot is
	// considered stale and refreshed in the background.
	SnapshotTTL time.Duration

	// KlineBackfillCount is how many bars an on-demand backfill requests.
	KlineBackfillCount int
}

// DefaultConfig returns the default read-path parameters.
func DefaultConfig() Config {
	return Config{
		SnapshotTTL:        5 * time.Minute,
		KlineBackfillCount: 24,
	}
}

// Refresher serves snapshot and kline reads backed by persistence, the
// coalescer, and the batch fetcher.
type Refresher struct {
	store      Persistence
	notFound   IsNotFound
	coalescer  *coalesce.Coalescer
	fetcher    *batch.Fetcher
	cache      *cache.Store
	normalizer *normalize.Normalizer
	config     Config
	logger     zerolog.Logger

	mu       sync.Mutex
	inFlight map[model.EntityID]struct{}
}

// New creates a Refresher. notFound classifies the store's missing-record
// error so this package stays decoupled from the storage implementation.
func New(store Persistence, notFound IsNotFound, coalescer *coalesce.Coalescer, fetcher *batch.Fetcher, cacheStore *cache.Store, config Config) *Refresher {
	if config.SnapshotTTL <= 0 {
		config.SnapshotTTL = DefaultConfig().SnapshotTTL
	}
	if config.KlineBackfillCount <= 0 {
		config.KlineBackfillCount = DefaultConfig().KlineBackfillCount
	}
	return &Refresher{
		store:      store,
		notFound:   notFound,
		coalescer:  coalescer,
		fetcher:    fetcher,
		cache:      cacheStore,
		normalizer: normalize.New(),
		config:     config,
		logger:     log.With().Str("component", "refresh").Logger(),
		inFlight:   make(map[model.EntityID]struct{}),
	}
}

// ReadThrough returns the entity's current snapshot. A stale snapshot
// is returned immediately and refreshed by a detached goroutine; an
// absent snapshot blocks on the coalesced fetch path. Returns nil when
// the entity cannot be resolved at all.
func (r *Refresher) ReadThrough(ctx context.Context, entityID model.EntityID) (*model.QuoteSnapshot, error) {
	snap, err := r.store.GetQuoteSnapshot(ctx, entityID)
	if err == nil {
		if !snap.IsStale(time.Now(), r.config.SnapshotTTL) {
			readsTotal.WithLabelValues("fresh").Inc()
			return snap, nil
		}
		readsTotal.WithLabelValues("stale").Inc()
		r.refreshDetached(entityID)
		return snap, nil
	}
	if !r.notFound(err) {
		readsTotal.WithLabelValues("error").Inc()
		return nil, err
	}

	payload := r.coalescer.GetOrFetch(ctx, int64(entityID))
	if payload == nil {
		readsTotal.WithLabelValues("not_found").Inc()
		return nil, nil
	}

	snap = r.persistPayload(ctx, payload)
	if snap == nil {
		readsTotal.WithLabelValues("not_found").Inc()
		return nil, nil
	}
	readsTotal.WithLabelValues("fetched").Inc()
	return snap, nil
}

// refreshDetached starts a background refresh for the entity unless one
// is already running. The goroutine outlives the triggering request.
func (r *Refresher) refreshDetached(entityID model.EntityID) {
	r.mu.Lock()
	if _, running := r.inFlight[entityID]; running {
		r.mu.Unlock()
		return
	}
	r.inFlight[entityID] = struct{}{}
	r.mu.Unlock()

	go func() {
		defer func() {
			r.mu.Lock()
			delete(r.inFlight, entityID)
			r.mu.Unlock()
		}()

		// The triggering request has already been answered; the refresh
		// runs on its own deadline.
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		payload := r.coalescer.GetOrFetch(ctx, int64(entityID))
		if payload == nil {
			backgroundRefreshesTotal.WithLabelValues("empty").Inc()
			return
		}
		if r.persistPayload(ctx, payload) == nil {
			backgroundRefreshesTotal.WithLabelValues("error").Inc()
			return
		}
		backgroundRefreshesTotal.WithLabelValues("completed").Inc()
		r.logger.Debug().Int64("entity_id", int64(entityID)).Msg("Background refresh completed")
	}()
}

// persistPayload normalizes a quote payload into persistence and returns
// the stored snapshot, or nil when nothing was worth storing.
func (r *Refresher) persistPayload(ctx context.Context, payload *upstream.QuotePayload) *model.QuoteSnapshot {
	asset := batch.BuildAsset(r.normalizer, payload)
	snap := batch.BuildSnapshot(r.normalizer, payload, time.Now())
	if !snap.HasData() {
		return nil
	}

	if err := r.store.UpsertAsset(ctx, asset); err != nil {
		r.logger.Error().Err(err).Int64("entity_id", int64(asset.ID)).Msg("Asset upsert failed")
		return nil
	}
	if err := r.store.UpsertQuoteSnapshot(ctx, snap); err != nil {
		r.logger.Error().Err(err).Int64("entity_id", int64(snap.EntityID)).Msg("Snapshot upsert failed")
		return nil
	}
	return snap
}

// Klines is the result of a kline read: the bars in range plus the
// high and low over the trailing 24 hours. High and Low are nil when
// no bars fall inside that window.
type Klines struct {
	Bars []model.KlineBar
	High *decimal.Decimal
	Low  *decimal.Decimal
}

// highLowWindow bounds the High/Low summary regardless of how wide a
// range the caller queried.
const highLowWindow = 24 * time.Hour

// KlinesFor returns the entity's hourly bars in [rangeStart, rangeEnd].
// An empty result triggers exactly one on-demand backfill per marker
// window; concurrent callers for the same entity skip the backfill and
// return whatever is persisted.
func (r *Refresher) KlinesFor(ctx context.Context, entityID model.EntityID, rangeStart, rangeEnd time.Time) (*Klines, error) {
	bars, err := r.store.QueryBars(ctx, entityID, model.TimeframeHourly, rangeStart, rangeEnd)
	if err != nil {
		return nil, err
	}
	if len(bars) == 0 {
		bars, err = r.backfillBars(ctx, entityID, rangeStart, rangeEnd)
		if err != nil {
			return nil, err
		}
	}
	return summarize(bars, time.Now().Add(-highLowWindow)), nil
}

// backfillBars runs one guarded on-demand fetch and re-queries. The
// fetch marker is cleared on every exit path so a failed backfill does
// not suppress retries for the full marker window.
func (r *Refresher) backfillBars(ctx context.Context, entityID model.EntityID, rangeStart, rangeEnd time.Time) ([]model.KlineBar, error) {
	marked, err := r.cache.TryMarkFetch(ctx, int64(entityID), model.TimeframeHourly, fetchMarkerTTL)
	if err != nil {
		r.logger.Error().Err(err).Int64("entity_id", int64(entityID)).Msg("Fetch marker check failed")
		return nil, nil
	}
	if !marked {
		r.logger.Debug().Int64("entity_id", int64(entityID)).Msg("Backfill already in flight, serving what is persisted")
		return nil, nil
	}
	defer func() {
		if err := r.cache.ClearFetch(context.WithoutCancel(ctx), int64(entityID), model.TimeframeHourly); err != nil {
			r.logger.Warn().Err(err).Int64("entity_id", int64(entityID)).Msg("Fetch marker clear failed")
		}
	}()

	result := r.fetcher.FetchBars(ctx, []model.EntityID{entityID}, r.config.KlineBackfillCount)
	if len(result.Succeeded) == 0 {
		r.logger.Info().Int64("entity_id", int64(entityID)).Msg("On-demand backfill stored no bars")
		return nil, nil
	}

	return r.store.QueryBars(ctx, entityID, model.TimeframeHourly, rangeStart, rangeEnd)
}

// summarize computes High/Low over bars opened at or after cutoff.
// Older bars stay in the result but do not influence the summary.
func summarize(bars []model.KlineBar, cutoff time.Time) *Klines {
	k := &Klines{Bars: bars}
	for i := range bars {
		if bars[i].OpenTime.Before(cutoff) {
			continue
		}
		if k.High == nil || bars[i].High.GreaterThan(*k.High) {
			h := bars[i].High
			k.High = &h
		}
		if k.Low == nil || bars[i].Low.LessThan(*k.Low) {
			l := bars[i].Low
			k.Low = &l
		}
	}
	return k
}
