// Package model defines the domain types shared across the proxy:
// assets, quote snapshots, and OHLCV bars.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// EntityID is the upstream-assigned identifier of a tracked asset.
type EntityID int64

// Asset holds the slow-changing metadata of a tracked asset.
type Asset struct {
	ID             EntityID
	Name           string
	Symbol         string
	Slug           string
	NumMarketPairs *int
	DateAdded      *time.Time
	Tags           []string
	MaxSupply      *decimal.Decimal
	InfiniteSupply bool
}

// QuoteSnapshot is the current market quote of one asset. Exactly one
// snapshot is persisted per asset; last-write-wins by Timestamp.
type QuoteSnapshot struct {
	EntityID  EntityID
	Timestamp time.Time

	Price                 *decimal.Decimal
	MarketCap             *decimal.Decimal
	FullyDilutedMarketCap *decimal.Decimal
	Volume24h             *decimal.Decimal
	Volume24hTokenCount   *decimal.Decimal
	TVL                   *decimal.Decimal
	CirculatingSupply     *decimal.Decimal
	TotalSupply           *decimal.Decimal

	VolumeChange24h    *float64
	PercentChange1h    *float64
	PercentChange24h   *float64
	PercentChange7d    *float64
	PercentChange30d   *float64
	PercentChange60d   *float64
	PercentChange90d   *float64
	MarketCapDominance *float64

	Rank *int
}

// Age returns how long ago the snapshot was taken.
func (s *QuoteSnapshot) Age(now time.Time) time.Duration {
	return now.Sub(s.Timestamp)
}

// IsStale reports whether the snapshot is older than ttl.
func (s *QuoteSnapshot) IsStale(now time.Time, ttl time.Duration) bool {
	return s.Age(now) > ttl
}

// HasData reports whether any market field survived normalization.
// A snapshot carrying only a timestamp is not worth persisting.
func (s *QuoteSnapshot) HasData() bool {
	return s.Price != nil || s.MarketCap != nil || s.Volume24h != nil ||
		s.FullyDilutedMarketCap != nil || s.CirculatingSupply != nil ||
		s.TotalSupply != nil || s.TVL != nil || s.Rank != nil
}

// KlineBar is one OHLCV bar. Immutable once stored; uniquely identified
// by (EntityID, Timeframe, OpenTime).
type KlineBar struct {
	EntityID  EntityID
	Timeframe string
	OpenTime  time.Time

	Open  decimal.Decimal
	High  decimal.Decimal
	Low   decimal.Decimal
	Close decimal.Decimal

	Volume           *decimal.Decimal
	VolumeTokenCount *decimal.Decimal
}

// TimeframeHourly is the only timeframe the upstream historical endpoint
// is queried with.
const TimeframeHourly = "1h"
