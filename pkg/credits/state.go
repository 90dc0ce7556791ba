// Package credits tracks upstream API credit consumption and gates
// requests before a billing-window budget is exhausted. The upstream is
// pay-per-call: every response reports its credit cost, and the tally is
// shared across all client instances via Redis.
package credits

import (
	"time"
)

// Redis keys for credit state storage.
const (
	RedisKeyUsed        = "cmc:credits:used"
	RedisKeyWindowReset = "cmc:credits:window_reset"
)

// Budget fractions for gating decisions.
const (
	// CriticalRemainingFraction blocks all requests when the remaining
	// budget falls below this fraction of the window budget.
	CriticalRemainingFraction = 0.02

	// WarningRemainingFraction throttles requests when the remaining
	// budget falls below this fraction of the window budget.
	WarningRemainingFraction = 0.10
)

// State is the current credit usage within the billing window.
type State struct {
	// Used is the number of credits consumed so far in this window.
	Used int `json:"used"`

	// Budget is the configured credit budget for one window.
	Budget int `json:"budget"`

	// ResetAt is when the billing window rolls over.
	ResetAt time.Time `json:"reset_at"`

	// LastUpdate is when this state was last written.
	LastUpdate time.Time `json:"last_update"`
}

// Remaining returns the credits left in the window, never negative.
func (s *State) Remaining() int {
	r := s.Budget - s.Used
	if r < 0 {
		return 0
	}
	return r
}

// NeedsCriticalBlock reports whether requests must be blocked.
func (s *State) NeedsCriticalBlock() bool {
	if s.Budget <= 0 {
		return false
	}
	return float64(s.Remaining()) < float64(s.Budget)*CriticalRemainingFraction
}

// NeedsThrottling reports whether requests should be slowed down.
func (s *State) NeedsThrottling() bool {
	if s.Budget <= 0 {
		return false
	}
	return float64(s.Remaining()) < float64(s.Budget)*WarningRemainingFraction
}

// TimeUntilReset returns the time left until the window rolls over.
func (s *State) TimeUntilReset() time.Duration {
	d := time.Until(s.ResetAt)
	if d < 0 {
		return 0
	}
	return d
}
