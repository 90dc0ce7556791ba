package batch

import (
	"math"
	"time"

	"github.com/quotelab/cmc-proxy/pkg/model"
	"github.com/quotelab/cmc-proxy/pkg/normalize"
	"github.com/quotelab/cmc-proxy/pkg/upstream"
)

// BuildAsset converts a quote payload's metadata block into an Asset.
func BuildAsset(n *normalize.Normalizer, p *upstream.QuotePayload) *model.Asset {
	asset := &model.Asset{
		ID:             model.EntityID(p.ID.Int64()),
		Name:           p.Name,
		Symbol:         p.Symbol,
		Slug:           p.Slug,
		NumMarketPairs: p.NumMarketPairs,
		Tags:           p.Tags,
		InfiniteSupply: p.InfiniteSupply,
	}
	if ts, err := time.Parse(time.RFC3339, p.DateAdded); err == nil {
		asset.DateAdded = &ts
	}
	if p.MaxSupply != nil {
		if d, err := n.Normalize("max_supply", *p.MaxSupply); err == nil {
			asset.MaxSupply = &d
		}
	}
	return asset
}

// BuildSnapshot converts a quote payload into a normalized QuoteSnapshot.
// Fields that fail normalization are dropped individually; a payload
// whose every field is dropped yields a snapshot with HasData() == false
// and must not be persisted.
func BuildSnapshot(n *normalize.Normalizer, p *upstream.QuotePayload, now time.Time) *model.QuoteSnapshot {
	snap := &model.QuoteSnapshot{
		EntityID:  model.EntityID(p.ID.Int64()),
		Timestamp: p.Timestamp(now),
		Rank:      p.Rank,
	}

	if p.CirculatingSupply != nil {
		snap.CirculatingSupply = n.NormalizeFloat("circulating_supply", *p.CirculatingSupply)
	}
	if p.TotalSupply != nil {
		snap.TotalSupply = n.NormalizeFloat("total_supply", *p.TotalSupply)
	}

	usd, ok := p.USD()
	if !ok {
		return snap
	}

	if usd.Price != nil {
		snap.Price = n.NormalizeFloat("price_usd", *usd.Price)
	}
	if usd.MarketCap != nil {
		snap.MarketCap = n.NormalizeFloat("market_cap", *usd.MarketCap)
	}
	if usd.FullyDilutedMarketCap != nil {
		snap.FullyDilutedMarketCap = n.NormalizeFloat("fully_diluted_market_cap", *usd.FullyDilutedMarketCap)
	}
	if usd.Volume24h != nil {
		snap.Volume24h = n.NormalizeFloat("volume_24h", *usd.Volume24h)
	}
	if usd.TVL != nil {
		snap.TVL = n.NormalizeFloat("tvl", *usd.TVL)
	}

	// Token-count volume is derived, never reported upstream. The
	// division is guarded: a zero or absent price omits the field
	// instead of erroring.
	if usd.Price != nil && usd.Volume24h != nil && *usd.Price > 0 {
		snap.Volume24hTokenCount = n.NormalizeFloat("volume_24h_token_count", *usd.Volume24h / *usd.Price)
	}

	snap.VolumeChange24h = finiteFloat(usd.VolumeChange24h)
	snap.PercentChange1h = finiteFloat(usd.PercentChange1h)
	snap.PercentChange24h = finiteFloat(usd.PercentChange24h)
	snap.PercentChange7d = finiteFloat(usd.PercentChange7d)
	snap.PercentChange30d = finiteFloat(usd.PercentChange30d)
	snap.PercentChange60d = finiteFloat(usd.PercentChange60d)
	snap.PercentChange90d = finiteFloat(usd.PercentChange90d)
	snap.MarketCapDominance = finiteFloat(usd.MarketCapDominance)

	return snap
}

// BuildBar converts one upstream OHLCV bar into a normalized KlineBar.
// Returns nil when the bar has no open time, no USD block, or when no
// OHLC field survives normalization.
func BuildBar(n *normalize.Normalizer, entityID model.EntityID, timeframe string, raw *upstream.OhlcvBar) *model.KlineBar {
	openTime, err := raw.OpenTime()
	if err != nil {
		return nil
	}

	usd, ok := raw.USD()
	if !ok {
		return nil
	}
	if usd.Open == nil || usd.High == nil || usd.Low == nil || usd.Close == nil {
		return nil
	}

	open := n.NormalizeFloat("open", *usd.Open)
	high := n.NormalizeFloat("high", *usd.High)
	low := n.NormalizeFloat("low", *usd.Low)
	closePrice := n.NormalizeFloat("close", *usd.Close)
	if open == nil || high == nil || low == nil || closePrice == nil {
		return nil
	}

	bar := &model.KlineBar{
		EntityID:  entityID,
		Timeframe: timeframe,
		OpenTime:  openTime,
		Open:      *open,
		High:      *high,
		Low:       *low,
		Close:     *closePrice,
	}

	if usd.Volume != nil {
		bar.Volume = n.NormalizeFloat("volume", *usd.Volume)

		// Token-count volume uses close, falling back to open; zero
		// prices omit the field.
		price := usd.Close
		if price == nil || *price <= 0 {
			price = usd.Open
		}
		if price != nil && *price > 0 {
			bar.VolumeTokenCount = n.NormalizeFloat("volume_token_count", *usd.Volume / *price)
		}
	}

	return bar
}

// finiteFloat passes through finite values and drops NaN/Inf.
func finiteFloat(v *float64) *float64 {
	if v == nil || math.IsNaN(*v) || math.IsInf(*v, 0) {
		return nil
	}
	return v
}
