// Package upstream wraps the pay-per-call market-data API: credential
// profiles, transient-failure retries, credit-budget gating, and typed
// payload parsing at the boundary.
package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/quotelab/cmc-proxy/pkg/credits"
)

// Prometheus metrics for upstream client operations.
var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cmc_requests_total",
		Help: "Total upstream requests by endpoint and status",
	}, []string{"endpoint", "status"})

	requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "cmc_request_duration_seconds",
		Help:    "Upstream request duration in seconds by endpoint",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10},
	}, []string{"endpoint"})

	errorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cmc_errors_total",
		Help: "Total upstream errors by class",
	}, []string{"class"})

	fallbackMode = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "cmc_key_fallback_mode",
		Help: "1 when a profile is running on the primary key as fallback",
	}, []string{"profile"})
)

// Profile selects which credential an upstream client uses.
type Profile string

const (
	// ProfilePrimary is used for scheduled, background, and batch work.
	ProfilePrimary Profile = "primary"

	// ProfileSecondary is used for externally-triggered on-demand reads.
	// Falls back to the primary credential when unconfigured.
	ProfileSecondary Profile = "secondary"
)

// API endpoints.
const (
	defaultBaseURL     = "https://pro-api.coinmarketcap.com"
	endpointListings   = "/v1/cryptocurrency/listings/latest"
	endpointQuotes     = "/v2/cryptocurrency/quotes/latest"
	endpointOHLCV      = "/v2/cryptocurrency/ohlcv/historical"
	apiKeyHeader       = "X-CMC_PRO_API_KEY"
	defaultCallTimeout = 20 * time.Second
)

// Config holds the client configuration.
type Config struct {
	// BaseURL overrides the production API host (for tests).
	BaseURL string

	// APIKey is the primary credential. Required.
	APIKey string

	// SecondaryAPIKey is the on-demand credential. Optional; the
	// secondary profile falls back to APIKey when empty.
	SecondaryAPIKey string

	// Timeout is the hard per-call timeout, independent of retries.
	Timeout time.Duration

	// Retry configures transient-failure retries.
	Retry RetryConfig

	// Redis enables shared credit tracking when set.
	Redis *redis.Client

	// CreditBudget is the per-window credit allowance; zero disables gating.
	CreditBudget int
}

// Client issues calls against the upstream market-data API with one
// credential profile.
type Client struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	profile    Profile
	fallback   bool
	retry      RetryConfig
	credits    *credits.Tracker
	logger     zerolog.Logger
}

// New creates a client for the given profile. The credential shape is
// checked here so a misconfigured key fails fast instead of on first call.
func New(cfg Config, profile Profile) (*Client, error) {
	logger := log.With().
		Str("component", "upstream").
		Str("profile", string(profile)).
		Logger()

	key := cfg.APIKey
	fallback := false
	if profile == ProfileSecondary {
		if cfg.SecondaryAPIKey != "" {
			key = cfg.SecondaryAPIKey
		} else {
			logger.Warn().Msg("Secondary API key not configured, falling back to primary key")
			fallback = true
		}
	}

	if key == "" {
		return nil, fmt.Errorf("%w: %s profile has no credential configured", ErrInvalidAPIKey, profile)
	}
	if !isValidAPIKey(key) {
		return nil, fmt.Errorf("%w: %s profile credential fails shape check", ErrInvalidAPIKey, profile)
	}

	if fallback {
		fallbackMode.WithLabelValues(string(profile)).Set(1)
	} else {
		fallbackMode.WithLabelValues(string(profile)).Set(0)
	}

	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultCallTimeout
	}
	retry := cfg.Retry
	if retry.MaxAttempts <= 0 {
		retry = DefaultRetryConfig()
	}

	var tracker *credits.Tracker
	if cfg.Redis != nil {
		tracker = credits.NewTracker(cfg.Redis, cfg.CreditBudget, logger)
	}

	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		baseURL:    baseURL,
		apiKey:     key,
		profile:    profile,
		fallback:   fallback,
		retry:      retry,
		credits:    tracker,
		logger:     logger,
	}, nil
}

// isValidAPIKey performs the basic credential shape check: minimum
// length, alphanumeric after stripping the usual separators.
func isValidAPIKey(key string) bool {
	if len(key) < 30 {
		return false
	}
	stripped := strings.NewReplacer("-", "", "_", "").Replace(key)
	for _, r := range stripped {
		if !isAlnum(r) {
			return false
		}
	}
	return stripped != ""
}

func isAlnum(r rune) bool {
	return (r >= '0' && r <= '9') || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z')
}

// Profile returns the credential profile this client was built for.
func (c *Client) Profile() Profile { return c.profile }

// InFallbackMode reports whether the secondary profile is running on the
// primary credential.
func (c *Client) InFallbackMode() bool { return c.fallback }

// SetHTTPClient sets a custom HTTP client (for testing).
func (c *Client) SetHTTPClient(client *http.Client) {
	c.httpClient = client
}

// Close releases the HTTP client's idle connections.
func (c *Client) Close() error {
	c.httpClient.CloseIdleConnections()
	return nil
}

// FetchListings fetches the ranked listing page [start, start+limit).
func (c *Client) FetchListings(ctx context.Context, start, limit int) ([]QuotePayload, error) {
	params := url.Values{}
	params.Set("start", strconv.Itoa(start))
	params.Set("limit", strconv.Itoa(limit))

	data, err := c.call(ctx, endpointListings, params)
	if err != nil {
		return nil, err
	}

	var listings []QuotePayload
	if err := json.Unmarshal(data, &listings); err != nil {
		return nil, fmt.Errorf("parse listings payload: %w", err)
	}
	return listings, nil
}

// FetchQuotes fetches the latest quotes for the given ids in one call.
func (c *Client) FetchQuotes(ctx context.Context, ids []int64) (map[int64]QuotePayload, error) {
	if len(ids) == 0 {
		return map[int64]QuotePayload{}, nil
	}

	params := url.Values{}
	params.Set("id", joinIDs(ids))

	data, err := c.call(ctx, endpointQuotes, params)
	if err != nil {
		return nil, err
	}

	var keyed map[string]QuotePayload
	if err := json.Unmarshal(data, &keyed); err != nil {
		return nil, fmt.Errorf("parse quotes payload: %w", err)
	}

	quotes := make(map[int64]QuotePayload, len(keyed))
	for _, p := range keyed {
		quotes[p.ID.Int64()] = p
	}
	return quotes, nil
}

// FetchHistoricalBars fetches count hourly bars for each id in one call.
func (c *Client) FetchHistoricalBars(ctx context.Context, ids []int64, count int) (map[int64]OhlcvSeries, error) {
	if len(ids) == 0 {
		return map[int64]OhlcvSeries{}, nil
	}

	params := url.Values{}
	params.Set("id", joinIDs(ids))
	params.Set("time_period", "hourly")
	params.Set("count", strconv.Itoa(count))
	params.Set("interval", "hourly")

	data, err := c.call(ctx, endpointOHLCV, params)
	if err != nil {
		return nil, err
	}

	return parseOhlcvData(data)
}

// parseOhlcvData handles both payload shapes of the historical endpoint:
// a map keyed by id for multi-id requests, a bare series object for
// single-id requests.
func parseOhlcvData(data []byte) (map[int64]OhlcvSeries, error) {
	trimmed := strings.TrimSpace(string(data))
	if strings.HasPrefix(trimmed, "{") && strings.Contains(trimmed, `"quotes"`) {
		var single OhlcvSeries
		if err := json.Unmarshal(data, &single); err == nil && single.ID != 0 {
			return map[int64]OhlcvSeries{single.ID.Int64(): single}, nil
		}
	}

	var keyed map[string]OhlcvSeries
	if err := json.Unmarshal(data, &keyed); err != nil {
		return nil, fmt.Errorf("parse ohlcv payload: %w", err)
	}

	series := make(map[int64]OhlcvSeries, len(keyed))
	for _, s := range keyed {
		series[s.ID.Int64()] = s
	}
	return series, nil
}

// call performs one logical API operation: credit gate, HTTP round trip
// wrapped in retry logic, envelope parsing, credit accounting.
func (c *Client) call(ctx context.Context, endpoint string, params url.Values) (json.RawMessage, error) {
	startTime := time.Now()
	defer func() {
		requestDuration.WithLabelValues(endpoint).Observe(time.Since(startTime).Seconds())
	}()

	if c.credits != nil {
		allowed, err := c.credits.ShouldAllowRequest(ctx)
		if err != nil {
			c.logger.Warn().Err(err).Msg("Credit check failed, allowing request")
		} else if !allowed {
			requestsTotal.WithLabelValues(endpoint, "budget_blocked").Inc()
			return nil, ErrBudgetExhausted
		}
	}

	c.logger.Info().
		Str("endpoint", endpoint).
		Str("params", params.Encode()).
		Msg("Calling upstream API")

	var envelope Envelope

	retryErr := retryWithBackoff(ctx, c.retry, func() error {
		return c.doRequest(ctx, endpoint, params, &envelope)
	}, classifyError)

	if retryErr != nil {
		return nil, retryErr
	}

	if c.credits != nil && envelope.Status.CreditCount > 0 {
		if err := c.credits.RecordUsage(ctx, envelope.Status.CreditCount); err != nil {
			c.logger.Warn().Err(err).Msg("Failed to record credit usage")
		}
	}

	return envelope.Data, nil
}

// doRequest performs a single HTTP round trip and decodes the envelope.
func (c *Client) doRequest(ctx context.Context, endpoint string, params url.Values, envelope *Envelope) error {
	reqURL := c.baseURL + endpoint + "?" + params.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set(apiKeyHeader, c.apiKey)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		errorsTotal.WithLabelValues(string(ErrorClassNetwork)).Inc()
		requestsTotal.WithLabelValues(endpoint, "network_error").Inc()
		return &APIError{ErrorClass: ErrorClassNetwork, Message: "request failed", Err: err}
	}
	defer resp.Body.Close()

	requestsTotal.WithLabelValues(endpoint, strconv.Itoa(resp.StatusCode)).Inc()

	if resp.StatusCode >= 400 {
		class := classifyStatus(resp.StatusCode)
		errorsTotal.WithLabelValues(string(class)).Inc()
		c.logger.Warn().
			Str("endpoint", endpoint).
			Int("status", resp.StatusCode).
			Str("error_class", string(class)).
			Msg("Upstream request error")
		return &APIError{
			StatusCode: resp.StatusCode,
			ErrorClass: class,
			Message:    resp.Status,
		}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		errorsTotal.WithLabelValues(string(ErrorClassNetwork)).Inc()
		return &APIError{ErrorClass: ErrorClassNetwork, Message: "read body", Err: err}
	}

	if err := json.Unmarshal(body, envelope); err != nil {
		return &APIError{
			StatusCode: resp.StatusCode,
			ErrorClass: ErrorClassClient,
			Message:    "malformed response envelope",
			Err:        err,
		}
	}

	if envelope.Status.ErrorCode != 0 {
		errorsTotal.WithLabelValues(string(ErrorClassClient)).Inc()
		return &APIError{
			StatusCode: resp.StatusCode,
			ErrorClass: ErrorClassClient,
			Message:    envelope.Status.ErrorMessage,
		}
	}

	return nil
}

// classifyStatus categorizes an HTTP status for retry decisions.
func classifyStatus(status int) ErrorClass {
	switch {
	case status >= 400 && status < 500:
		return ErrorClassClient
	case status >= 500:
		return ErrorClassServer
	default:
		return ""
	}
}

// classifyError extracts the error class for retry decisions.
func classifyError(err error) ErrorClass {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.ErrorClass
	}
	return ErrorClassNetwork
}

// joinIDs renders ids as the comma-separated form the API expects.
func joinIDs(ids []int64) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = strconv.FormatInt(id, 10)
	}
	return strings.Join(parts, ",")
}
