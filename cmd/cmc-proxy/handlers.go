package main

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/quotelab/cmc-proxy/internal/store"
	"github.com/quotelab/cmc-proxy/pkg/model"
	"github.com/quotelab/cmc-proxy/pkg/service"
	"github.com/quotelab/cmc-proxy/pkg/upstream"
)

// quoteResponse is the wire shape of /v1/quote.
type quoteResponse struct {
	ID        int64     `json:"id"`
	Timestamp time.Time `json:"timestamp"`

	Price                 *decimal.Decimal `json:"price,omitempty"`
	MarketCap             *decimal.Decimal `json:"market_cap,omitempty"`
	FullyDilutedMarketCap *decimal.Decimal `json:"fully_diluted_market_cap,omitempty"`
	Volume24h             *decimal.Decimal `json:"volume_24h,omitempty"`
	Volume24hTokenCount   *decimal.Decimal `json:"volume_24h_token_count,omitempty"`
	TVL                   *decimal.Decimal `json:"tvl,omitempty"`
	CirculatingSupply     *decimal.Decimal `json:"circulating_supply,omitempty"`
	TotalSupply           *decimal.Decimal `json:"total_supply,omitempty"`

	PercentChange1h  *float64 `json:"percent_change_1h,omitempty"`
	PercentChange24h *float64 `json:"percent_change_24h,omitempty"`
	PercentChange7d  *float64 `json:"percent_change_7d,omitempty"`

	Rank *int `json:"rank,omitempty"`
}

// klineResponse is the wire shape of /v1/klines.
type klineResponse struct {
	ID    int64            `json:"id"`
	Bars  []klineBar       `json:"bars"`
	High  *decimal.Decimal `json:"high,omitempty"`
	Low   *decimal.Decimal `json:"low,omitempty"`
	Count int              `json:"count"`
}

type klineBar struct {
	OpenTime time.Time        `json:"open_time"`
	Open     decimal.Decimal  `json:"open"`
	High     decimal.Decimal  `json:"high"`
	Low      decimal.Decimal  `json:"low"`
	Close    decimal.Decimal  `json:"close"`
	Volume   *decimal.Decimal `json:"volume,omitempty"`
}

func healthHandler(db *store.Postgres) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := db.Ping(r.Context()); err != nil {
			http.Error(w, "database unavailable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	}
}

// secondary resolves the on-demand profile service for a request.
func secondary(ctx context.Context, registry *service.Registry) (*service.Service, bool) {
	svc, err := registry.Get(ctx, upstream.ProfileSecondary)
	if err != nil {
		log.Error().Err(err).Msg("Secondary service unavailable")
		return nil, false
	}
	return svc, true
}

func parseEntityID(r *http.Request) (model.EntityID, bool) {
	id, err := strconv.ParseInt(r.URL.Query().Get("id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return model.EntityID(id), true
}

func quoteHandler(registry *service.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		entityID, ok := parseEntityID(r)
		if !ok {
			http.Error(w, "missing or invalid id parameter", http.StatusBadRequest)
			return
		}

		svc, ok := secondary(r.Context(), registry)
		if !ok {
			http.Error(w, "service unavailable", http.StatusServiceUnavailable)
			return
		}

		snap, err := svc.Refresher().ReadThrough(r.Context(), entityID)
		if err != nil {
			http.Error(w, "quote lookup failed", http.StatusInternalServerError)
			return
		}
		if snap == nil {
			http.Error(w, "unknown entity", http.StatusNotFound)
			return
		}

		writeJSON(w, quoteResponse{
			ID:                    int64(snap.EntityID),
			Timestamp:             snap.Timestamp,
			Price:                 snap.Price,
			MarketCap:             snap.MarketCap,
			FullyDilutedMarketCap: snap.FullyDilutedMarketCap,
			Volume24h:             snap.Volume24h,
			Volume24hTokenCount:   snap.Volume24hTokenCount,
			TVL:                   snap.TVL,
			CirculatingSupply:     snap.CirculatingSupply,
			TotalSupply:           snap.TotalSupply,
			PercentChange1h:       snap.PercentChange1h,
			PercentChange24h:      snap.PercentChange24h,
			PercentChange7d:       snap.PercentChange7d,
			Rank:                  snap.Rank,
		})
	}
}

func klinesHandler(registry *service.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		entityID, ok := parseEntityID(r)
		if !ok {
			http.Error(w, "missing or invalid id parameter", http.StatusBadRequest)
			return
		}

		hours := 24
		if raw := r.URL.Query().Get("hours"); raw != "" {
			parsed, err := strconv.Atoi(raw)
			if err != nil || parsed <= 0 || parsed > 720 {
				http.Error(w, "invalid hours parameter", http.StatusBadRequest)
				return
			}
			hours = parsed
		}

		svc, ok := secondary(r.Context(), registry)
		if !ok {
			http.Error(w, "service unavailable", http.StatusServiceUnavailable)
			return
		}

		now := time.Now().UTC()
		klines, err := svc.Refresher().KlinesFor(r.Context(), entityID, now.Add(-time.Duration(hours)*time.Hour), now)
		if err != nil {
			http.Error(w, "kline lookup failed", http.StatusInternalServerError)
			return
		}

		resp := klineResponse{
			ID:    int64(entityID),
			Bars:  make([]klineBar, 0, len(klines.Bars)),
			High:  klines.High,
			Low:   klines.Low,
			Count: len(klines.Bars),
		}
		for _, bar := range klines.Bars {
			resp.Bars = append(resp.Bars, klineBar{
				OpenTime: bar.OpenTime,
				Open:     bar.Open,
				High:     bar.High,
				Low:      bar.Low,
				Close:    bar.Close,
				Volume:   bar.Volume,
			})
		}
		writeJSON(w, resp)
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warn().Err(err).Msg("Response encode failed")
	}
}
