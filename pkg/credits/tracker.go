package credits

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Prometheus metrics for credit tracking.
var (
	creditsUsed = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "cmc_credits_used",
		Help: "Credits consumed in the current billing window",
	})

	creditBlocksTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cmc_credit_blocks_total",
		Help: "Requests blocked because the credit budget was nearly exhausted",
	})

	creditThrottlesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cmc_credit_throttles_total",
		Help: "Requests throttled because the credit budget ran low",
	})
)

// Tracker monitors credit consumption and gates upstream requests.
type Tracker struct {
	redis  *redis.Client
	budget int
	logger zerolog.Logger
}

// NewTracker creates a credit tracker. budget is the per-window credit
// allowance; zero disables gating entirely.
func NewTracker(redisClient *redis.Client, budget int, logger zerolog.Logger) *Tracker {
	return &Tracker{
		redis:  redisClient,
		budget: budget,
		logger: logger,
	}
}

// GetState retrieves the current credit state from Redis. Returns a fresh
// window when no state exists yet.
func (t *Tracker) GetState(ctx context.Context) (*State, error) {
	used, err := t.redis.Get(ctx, RedisKeyUsed).Int()
	if err != nil && err != redis.Nil {
		return nil, fmt.Errorf("get credits used: %w", err)
	}

	resetTimestamp, err := t.redis.Get(ctx, RedisKeyWindowReset).Int64()
	if err != nil && err != redis.Nil {
		return nil, fmt.Errorf("get window reset: %w", err)
	}

	resetAt := time.Unix(resetTimestamp, 0)
	if resetTimestamp == 0 || resetAt.Before(time.Now()) {
		resetAt = nextWindowReset(time.Now())
	}

	return &State{
		Used:       used,
		Budget:     t.budget,
		ResetAt:    resetAt,
		LastUpdate: time.Now(),
	}, nil
}

// RecordUsage adds the credit cost of a completed call to the shared
// tally. The counter expires with the billing window so a new window
// starts from zero.
func (t *Tracker) RecordUsage(ctx context.Context, cost int) error {
	if cost <= 0 {
		return nil
	}

	now := time.Now()
	resetAt := nextWindowReset(now)

	pipe := t.redis.Pipeline()
	incr := pipe.IncrBy(ctx, RedisKeyUsed, int64(cost))
	pipe.ExpireAt(ctx, RedisKeyUsed, resetAt)
	pipe.Set(ctx, RedisKeyWindowReset, resetAt.Unix(), time.Until(resetAt))

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("record credit usage: %w", err)
	}

	creditsUsed.Set(float64(incr.Val()))

	t.logger.Debug().
		Int("cost", cost).
		Int64("used", incr.Val()).
		Int("budget", t.budget).
		Msg("Recorded credit usage")

	return nil
}

// ShouldAllowRequest checks the shared budget before an upstream call.
// Returns false when the budget is critically low; sleeps briefly in the
// warning band to slow the burn rate.
func (t *Tracker) ShouldAllowRequest(ctx context.Context) (bool, error) {
	if t.budget <= 0 {
		return true, nil
	}

	state, err := t.GetState(ctx)
	if err != nil {
		return false, fmt.Errorf("get credit state: %w", err)
	}

	if state.NeedsCriticalBlock() {
		t.logger.Error().
			Int("remaining", state.Remaining()).
			Int("budget", state.Budget).
			Dur("window_resets_in", state.TimeUntilReset()).
			Msg("Credit budget critical - blocking request")
		creditBlocksTotal.Inc()
		return false, nil
	}

	if state.NeedsThrottling() {
		t.logger.Warn().
			Int("remaining", state.Remaining()).
			Int("budget", state.Budget).
			Msg("Credit budget low - throttling request")
		creditThrottlesTotal.Inc()
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-time.After(1 * time.Second):
		}
	}

	return true, nil
}

// nextWindowReset returns the next UTC midnight, the upstream's billing
// window boundary.
func nextWindowReset(now time.Time) time.Time {
	utc := now.UTC()
	return time.Date(utc.Year(), utc.Month(), utc.Day(), 0, 0, 0, 0, time.UTC).Add(24 * time.Hour)
}
