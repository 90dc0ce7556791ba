package testutil

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/quotelab/cmc-proxy/internal/store"
	"github.com/quotelab/cmc-proxy/pkg/model"
)

type barKey struct {
	entityID  model.EntityID
	timeframe string
	openTime  time.Time
}

// FakeStore is an in-memory Store implementation for tests.
type FakeStore struct {
	mu        sync.Mutex
	assets    map[model.EntityID]*model.Asset
	snapshots map[model.EntityID]*model.QuoteSnapshot
	bars      map[barKey]*model.KlineBar

	// Err, when set, is returned by every operation.
	Err error
}

// NewFakeStore creates an empty in-memory store.
func NewFakeStore() *FakeStore {
	return &FakeStore{
		assets:    make(map[model.EntityID]*model.Asset),
		snapshots: make(map[model.EntityID]*model.QuoteSnapshot),
		bars:      make(map[barKey]*model.KlineBar),
	}
}

// UpsertAsset stores a copy of the asset.
func (f *FakeStore) UpsertAsset(ctx context.Context, asset *model.Asset) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return f.Err
	}
	copied := *asset
	f.assets[asset.ID] = &copied
	return nil
}

// UpsertQuoteSnapshot stores a copy of the snapshot.
func (f *FakeStore) UpsertQuoteSnapshot(ctx context.Context, snap *model.QuoteSnapshot) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return f.Err
	}
	copied := *snap
	f.snapshots[snap.EntityID] = &copied
	return nil
}

// GetQuoteSnapshot returns the stored snapshot or store.ErrNotFound.
func (f *FakeStore) GetQuoteSnapshot(ctx context.Context, entityID model.EntityID) (*model.QuoteSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return nil, f.Err
	}
	snap, ok := f.snapshots[entityID]
	if !ok {
		return nil, store.ErrNotFound
	}
	copied := *snap
	return &copied, nil
}

// UpsertKlineBar stores a copy of the bar.
func (f *FakeStore) UpsertKlineBar(ctx context.Context, bar *model.KlineBar) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return f.Err
	}
	copied := *bar
	f.bars[barKey{bar.EntityID, bar.Timeframe, bar.OpenTime}] = &copied
	return nil
}

// FindEntitiesByIDs returns the subset of ids present as assets.
func (f *FakeStore) FindEntitiesByIDs(ctx context.Context, ids []model.EntityID) (map[model.EntityID]*model.Asset, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return nil, f.Err
	}
	found := make(map[model.EntityID]*model.Asset)
	for _, id := range ids {
		if asset, ok := f.assets[id]; ok {
			copied := *asset
			found[id] = &copied
		}
	}
	return found, nil
}

// CountBarsFor returns the number of stored bars for the asset and timeframe.
func (f *FakeStore) CountBarsFor(ctx context.Context, entityID model.EntityID, timeframe string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return 0, f.Err
	}
	count := 0
	for key := range f.bars {
		if key.entityID == entityID && key.timeframe == timeframe {
			count++
		}
	}
	return count, nil
}

// QueryBars returns bars in [rangeStart, rangeEnd], oldest first.
func (f *FakeStore) QueryBars(ctx context.Context, entityID model.EntityID, timeframe string, rangeStart, rangeEnd time.Time) ([]model.KlineBar, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return nil, f.Err
	}
	var bars []model.KlineBar
	for key, bar := range f.bars {
		if key.entityID != entityID || key.timeframe != timeframe {
			continue
		}
		if key.openTime.Before(rangeStart) || key.openTime.After(rangeEnd) {
			continue
		}
		bars = append(bars, *bar)
	}
	sort.Slice(bars, func(i, j int) bool {
		return bars[i].OpenTime.Before(bars[j].OpenTime)
	})
	return bars, nil
}

// TopRankedIDs returns ids ordered by ascending rank; unranked assets
// are excluded, matching the relational implementation.
func (f *FakeStore) TopRankedIDs(ctx context.Context, limit int) ([]model.EntityID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return nil, f.Err
	}
	type ranked struct {
		id   model.EntityID
		rank int
	}
	var all []ranked
	for id, snap := range f.snapshots {
		if snap.Rank != nil {
			all = append(all, ranked{id, *snap.Rank})
		}
	}
	sort.Slice(all, func(i, j int) bool { return all[i].rank < all[j].rank })
	ids := make([]model.EntityID, 0, limit)
	for _, r := range all {
		if len(ids) >= limit {
			break
		}
		ids = append(ids, r.id)
	}
	return ids, nil
}

// SnapshotCount returns how many snapshots are stored.
func (f *FakeStore) SnapshotCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.snapshots)
}

// BarCount returns how many bars are stored.
func (f *FakeStore) BarCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.bars)
}
