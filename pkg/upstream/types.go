package upstream

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// Envelope is the common response wrapper of the upstream API.
type Envelope struct {
	Status Status          `json:"status"`
	Data   json.RawMessage `json:"data"`
}

// Status carries the upstream call metadata, including the credit cost
// of the call.
type Status struct {
	Timestamp    string `json:"timestamp"`
	ErrorCode    int    `json:"error_code"`
	ErrorMessage string `json:"error_message"`
	Elapsed      int    `json:"elapsed"`
	CreditCount  int    `json:"credit_count"`
}

// QuotePayload is one asset entry from the listings or quotes endpoints.
// Parsing happens once at the boundary; the rest of the system never
// touches raw upstream JSON.
type QuotePayload struct {
	ID                EntityRef           `json:"id"`
	Name              string              `json:"name"`
	Symbol            string              `json:"symbol"`
	Slug              string              `json:"slug"`
	NumMarketPairs    *int                `json:"num_market_pairs"`
	DateAdded         string              `json:"date_added"`
	Tags              []string            `json:"tags"`
	MaxSupply         *float64            `json:"max_supply"`
	CirculatingSupply *float64            `json:"circulating_supply"`
	TotalSupply       *float64            `json:"total_supply"`
	InfiniteSupply    bool                `json:"infinite_supply"`
	Rank              *int                `json:"cmc_rank"`
	LastUpdated       string              `json:"last_updated"`
	Quote             map[string]UsdQuote `json:"quote"`
}

// EntityRef tolerates both numeric and string-encoded ids, which the
// upstream API mixes across endpoints.
type EntityRef int64

// UnmarshalJSON accepts 123 and "123".
func (r *EntityRef) UnmarshalJSON(data []byte) error {
	s := string(data)
	if len(s) >= 2 && s[0] == '"' {
		s = s[1 : len(s)-1]
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return fmt.Errorf("entity id %q: %w", s, err)
	}
	*r = EntityRef(v)
	return nil
}

// Int64 returns the numeric id.
func (r EntityRef) Int64() int64 { return int64(r) }

// UsdQuote is the per-currency quote block of a QuotePayload.
type UsdQuote struct {
	Price                 *float64 `json:"price"`
	Volume24h             *float64 `json:"volume_24h"`
	VolumeChange24h       *float64 `json:"volume_change_24h"`
	PercentChange1h       *float64 `json:"percent_change_1h"`
	PercentChange24h      *float64 `json:"percent_change_24h"`
	PercentChange7d       *float64 `json:"percent_change_7d"`
	PercentChange30d      *float64 `json:"percent_change_30d"`
	PercentChange60d      *float64 `json:"percent_change_60d"`
	PercentChange90d      *float64 `json:"percent_change_90d"`
	MarketCap             *float64 `json:"market_cap"`
	MarketCapDominance    *float64 `json:"market_cap_dominance"`
	FullyDilutedMarketCap *float64 `json:"fully_diluted_market_cap"`
	TVL                   *float64 `json:"tvl"`
	LastUpdated           string   `json:"last_updated"`
}

// USD returns the USD quote block, if present.
func (p *QuotePayload) USD() (UsdQuote, bool) {
	q, ok := p.Quote["USD"]
	return q, ok
}

// Timestamp returns the payload's last-updated time, falling back to now
// when the upstream timestamp is absent or malformed.
func (p *QuotePayload) Timestamp(now time.Time) time.Time {
	if ts, err := time.Parse(time.RFC3339, p.LastUpdated); err == nil {
		return ts
	}
	return now
}

// OhlcvSeries is the historical bar series of one asset.
type OhlcvSeries struct {
	ID     EntityRef  `json:"id"`
	Name   string     `json:"name"`
	Symbol string     `json:"symbol"`
	Quotes []OhlcvBar `json:"quotes"`
}

// OhlcvBar is one historical bar entry.
type OhlcvBar struct {
	TimeOpen  string                  `json:"time_open"`
	TimeClose string                  `json:"time_close"`
	Quote     map[string]OhlcvUsdData `json:"quote"`
}

// OhlcvUsdData is the per-currency OHLCV block of a bar.
type OhlcvUsdData struct {
	Open      *float64 `json:"open"`
	High      *float64 `json:"high"`
	Low       *float64 `json:"low"`
	Close     *float64 `json:"close"`
	Volume    *float64 `json:"volume"`
	Timestamp string   `json:"timestamp"`
}

// USD returns the USD block of the bar, if present.
func (b *OhlcvBar) USD() (OhlcvUsdData, bool) {
	q, ok := b.Quote["USD"]
	return q, ok
}

// OpenTime parses the bar's open timestamp.
func (b *OhlcvBar) OpenTime() (time.Time, error) {
	ts, err := time.Parse(time.RFC3339, b.TimeOpen)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse time_open %q: %w", b.TimeOpen, err)
	}
	return ts, nil
}
