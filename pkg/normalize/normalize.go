// Package normalize validates and clamps numeric values to the precision
// envelopes of their storage columns before anything reaches the database.
package normalize

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// Prometheus metrics for normalization outcomes.
var (
	normalizeClampsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cmc_normalize_clamps_total",
		Help: "Values clamped to the envelope maximum by field",
	}, []string{"field"})

	normalizeRejectsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cmc_normalize_rejects_total",
		Help: "Values rejected as non-finite or unparsable by field",
	}, []string{"field"})
)

// Errors returned by Normalize.
var (
	// ErrNotFinite is returned for NaN and infinite inputs.
	ErrNotFinite = errors.New("value is not finite")

	// ErrUnparsable is returned when the input cannot be converted to a decimal.
	ErrUnparsable = errors.New("value is not numeric")
)

// Envelope bounds a stored numeric field: at most TotalDigits significant
// digits, of which at most FractionalDigits follow the decimal point.
type Envelope struct {
	TotalDigits      int
	FractionalDigits int
}

// IntegerDigits returns the digit budget left of the decimal point.
func (e Envelope) IntegerDigits() int {
	return e.TotalDigits - e.FractionalDigits
}

// Max returns the largest magnitude representable in the envelope,
// e.g. (40,8) -> 32 nines, a point, 8 nines.
func (e Envelope) Max() decimal.Decimal {
	s := strings.Repeat("9", e.IntegerDigits()) + "." + strings.Repeat("9", e.FractionalDigits)
	d, _ := decimal.NewFromString(s)
	return d
}

// Field classes. Price-class columns keep 18 fractional digits to survive
// sub-satoshi token prices; volume- and supply-class columns keep 8.
var (
	priceEnvelope   = Envelope{TotalDigits: 40, FractionalDigits: 18}
	volumeEnvelope  = Envelope{TotalDigits: 40, FractionalDigits: 8}
	defaultEnvelope = Envelope{TotalDigits: 40, FractionalDigits: 18}

	fieldEnvelopes = map[string]Envelope{
		"open":      priceEnvelope,
		"high":      priceEnvelope,
		"low":       priceEnvelope,
		"close":     priceEnvelope,
		"price_usd": priceEnvelope,

		"volume":                   volumeEnvelope,
		"volume_token_count":       volumeEnvelope,
		"market_cap":               volumeEnvelope,
		"fully_diluted_market_cap": volumeEnvelope,
		"volume_24h":               volumeEnvelope,
		"tvl":                      volumeEnvelope,
		"volume_24h_token_count":   volumeEnvelope,
		"circulating_supply":       volumeEnvelope,
		"total_supply":             volumeEnvelope,
		"max_supply":               volumeEnvelope,
	}
)

// EnvelopeFor returns the precision envelope of a logical field.
func EnvelopeFor(field string) Envelope {
	if env, ok := fieldEnvelopes[field]; ok {
		return env
	}
	return defaultEnvelope
}

// Normalizer converts raw upstream values into storage-safe decimals.
// It is stateless apart from its logger; Normalize is a pure function
// plus telemetry.
type Normalizer struct {
	logger zerolog.Logger
}

// New creates a Normalizer.
func New() *Normalizer {
	return &Normalizer{
		logger: log.With().Str("component", "normalize").Logger(),
	}
}

// fixedPointThreshold is the magnitude beyond which float-to-string
// conversion would switch to scientific notation and lose digits.
const fixedPointThreshold = 1e15

// Normalize converts raw to a decimal that fits the field's envelope.
// Non-finite and unparsable values are rejected. Values whose integer
// part overflows the envelope are clamped to the envelope maximum with
// the sign preserved; everything else is rounded half-even to the
// envelope's fractional digit count.
func (n *Normalizer) Normalize(field string, raw any) (decimal.Decimal, error) {
	d, err := toDecimal(raw)
	if err != nil {
		normalizeRejectsTotal.WithLabelValues(field).Inc()
		n.logger.Warn().
			Str("field", field).
			Interface("value", raw).
			Err(err).
			Msg("Rejected numeric value")
		return decimal.Decimal{}, err
	}

	env := EnvelopeFor(field)

	// Rounding can carry into an extra integer digit (31 nines plus a
	// fraction that rounds up), so the envelope check runs on the
	// rounded value, not the input.
	rounded := d.RoundBank(int32(env.FractionalDigits))
	maxVal := env.Max()
	if rounded.Abs().GreaterThan(maxVal) {
		normalizeClampsTotal.WithLabelValues(field).Inc()
		n.logger.Warn().
			Str("field", field).
			Str("value", d.String()).
			Int("max_integer_digits", env.IntegerDigits()).
			Msg("Value exceeds envelope, clamping to maximum magnitude")
		if d.Sign() < 0 {
			return maxVal.Neg(), nil
		}
		return maxVal, nil
	}

	return rounded, nil
}

// NormalizeFloat is a convenience wrapper for the common float64 case.
// It returns nil when the value is rejected.
func (n *Normalizer) NormalizeFloat(field string, v float64) *decimal.Decimal {
	d, err := n.Normalize(field, v)
	if err != nil {
		return nil
	}
	return &d
}

// toDecimal converts supported raw types to an arbitrary-precision decimal.
// Large floats go through fixed-point text so scientific notation never
// truncates their integer part.
func toDecimal(raw any) (decimal.Decimal, error) {
	switch v := raw.(type) {
	case decimal.Decimal:
		return v, nil
	case float64:
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return decimal.Decimal{}, ErrNotFinite
		}
		if v > fixedPointThreshold || v < -fixedPointThreshold {
			return decimal.NewFromString(strconv.FormatFloat(v, 'f', 0, 64))
		}
		return decimal.NewFromString(strconv.FormatFloat(v, 'f', -1, 64))
	case float32:
		return toDecimal(float64(v))
	case int:
		return decimal.NewFromInt(int64(v)), nil
	case int64:
		return decimal.NewFromInt(v), nil
	case string:
		d, err := decimal.NewFromString(v)
		if err != nil {
			return decimal.Decimal{}, fmt.Errorf("%w: %q", ErrUnparsable, v)
		}
		return d, nil
	default:
		return decimal.Decimal{}, fmt.Errorf("%w: %T", ErrUnparsable, raw)
	}
}
