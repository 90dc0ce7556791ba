// Package store is the relational persistence collaborator of the core:
// asset metadata, current quote snapshots, and OHLCV bars.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/quotelab/cmc-proxy/pkg/model"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("record not found")

// Store is the persistence interface the core depends on. Calls are
// ordinary fallible operations; no transactional semantics are assumed
// across multiple upserts.
type Store interface {
	// UpsertAsset creates or updates one asset's metadata.
	UpsertAsset(ctx context.Context, asset *model.Asset) error

	// UpsertQuoteSnapshot replaces the asset's current snapshot.
	UpsertQuoteSnapshot(ctx context.Context, snap *model.QuoteSnapshot) error

	// GetQuoteSnapshot returns the asset's current snapshot or ErrNotFound.
	GetQuoteSnapshot(ctx context.Context, entityID model.EntityID) (*model.QuoteSnapshot, error)

	// UpsertKlineBar stores one bar, keyed by (entity, timeframe, open time).
	UpsertKlineBar(ctx context.Context, bar *model.KlineBar) error

	// FindEntitiesByIDs returns the subset of ids that exist as assets.
	FindEntitiesByIDs(ctx context.Context, ids []model.EntityID) (map[model.EntityID]*model.Asset, error)

	// CountBarsFor returns the number of stored bars for one asset and timeframe.
	CountBarsFor(ctx context.Context, entityID model.EntityID, timeframe string) (int, error)

	// QueryBars returns bars in [rangeStart, rangeEnd], oldest first.
	QueryBars(ctx context.Context, entityID model.EntityID, timeframe string, rangeStart, rangeEnd time.Time) ([]model.KlineBar, error)

	// TopRankedIDs returns up to limit asset ids ordered by ascending rank.
	TopRankedIDs(ctx context.Context, limit int) ([]model.EntityID, error)
}
