// Package testutil provides testing utilities for the proxy.
package testutil

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"
)

// MockResponse defines the behavior for a mock upstream endpoint response.
type MockResponse struct {
	StatusCode int
	Body       string
	Headers    map[string]string
	Delay      time.Duration
}

// MockCMC is a configurable mock market-data API server for testing.
type MockCMC struct {
	server   *httptest.Server
	mu       sync.RWMutex
	handlers map[string]func(w http.ResponseWriter, r *http.Request)

	// Tracking
	RequestCount      int
	LastRequestHeader http.Header
	LastQuery         map[string]string
}

// NewMockCMC creates a new mock upstream server.
func NewMockCMC() *MockCMC {
	mock := &MockCMC{
		handlers: make(map[string]func(w http.ResponseWriter, r *http.Request)),
	}

	mock.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mock.mu.Lock()
		mock.RequestCount++
		mock.LastRequestHeader = r.Header.Clone()
		mock.LastQuery = make(map[string]string)
		for key, values := range r.URL.Query() {
			if len(values) > 0 {
				mock.LastQuery[key] = values[0]
			}
		}
		mock.mu.Unlock()

		mock.mu.RLock()
		handler, exists := mock.handlers[r.URL.Path]
		mock.mu.RUnlock()

		if exists {
			handler(w, r)
			return
		}

		mock.defaultHandler(w, r)
	}))

	return mock
}

// URL returns the mock server URL.
func (m *MockCMC) URL() string {
	return m.server.URL
}

// Close shuts down the mock server.
func (m *MockCMC) Close() {
	m.server.Close()
}

// Reset clears all tracking counters.
func (m *MockCMC) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.RequestCount = 0
	m.LastRequestHeader = nil
	m.LastQuery = nil
}

// SetHandler sets a custom handler for a specific path.
func (m *MockCMC) SetHandler(path string, handler func(w http.ResponseWriter, r *http.Request)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[path] = handler
}

// SetResponse configures a simple response for a path.
func (m *MockCMC) SetResponse(path string, resp MockResponse) {
	m.SetHandler(path, func(w http.ResponseWriter, r *http.Request) {
		if resp.Delay > 0 {
			time.Sleep(resp.Delay)
		}
		for key, value := range resp.Headers {
			w.Header().Set(key, value)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(resp.StatusCode)
		if resp.Body != "" {
			w.Write([]byte(resp.Body))
		}
	})
}

// GetRequestCount returns the number of requests made to the server.
func (m *MockCMC) GetRequestCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.RequestCount
}

// GetLastQuery returns one query parameter of the most recent request.
func (m *MockCMC) GetLastQuery(key string) string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.LastQuery[key]
}

// Envelope wraps data in the upstream's status envelope.
func Envelope(creditCount int, data string) string {
	return fmt.Sprintf(`{"status":{"timestamp":"%s","error_code":0,"error_message":null,"credit_count":%d},"data":%s}`,
		time.Now().UTC().Format(time.RFC3339), creditCount, data)
}

// ErrorEnvelope builds an upstream error body.
func ErrorEnvelope(errorCode int, message string) string {
	return fmt.Sprintf(`{"status":{"timestamp":"%s","error_code":%d,"error_message":%q,"credit_count":0},"data":null}`,
		time.Now().UTC().Format(time.RFC3339), errorCode, message)
}

// QuotePayloadJSON builds one quote payload document for canned responses.
func QuotePayloadJSON(id int64, symbol string, price float64) string {
	return fmt.Sprintf(`{
		"id": %d,
		"name": "%s Coin",
		"symbol": %q,
		"slug": %q,
		"cmc_rank": 1,
		"circulating_supply": 19000000,
		"total_supply": 21000000,
		"last_updated": %q,
		"quote": {
			"USD": {
				"price": %g,
				"volume_24h": 25000000000,
				"market_cap": 800000000000,
				"percent_change_24h": 1.5,
				"last_updated": %q
			}
		}
	}`, id, symbol, symbol, strings.ToLower(symbol),
		time.Now().UTC().Format(time.RFC3339), price,
		time.Now().UTC().Format(time.RFC3339))
}

// SetListingsResponse configures the listings endpoint with canned payloads.
func (m *MockCMC) SetListingsResponse(payloads ...string) {
	body := Envelope(1, "["+strings.Join(payloads, ",")+"]")
	m.SetResponse("/v1/cryptocurrency/listings/latest", MockResponse{
		StatusCode: http.StatusOK,
		Body:       body,
	})
}

// SetQuotesResponse configures the quotes endpoint with canned payloads
// keyed by entity id.
func (m *MockCMC) SetQuotesResponse(payloads map[int64]string) {
	entries := make([]string, 0, len(payloads))
	for id, p := range payloads {
		entries = append(entries, fmt.Sprintf("%q:%s", fmt.Sprint(id), p))
	}
	body := Envelope(1, "{"+strings.Join(entries, ",")+"}")
	m.SetResponse("/v2/cryptocurrency/quotes/latest", MockResponse{
		StatusCode: http.StatusOK,
		Body:       body,
	})
}

// OhlcvSeriesJSON builds one OHLCV series with count hourly bars ending now.
func OhlcvSeriesJSON(id int64, symbol string, count int, basePrice float64) string {
	bars := make([]string, 0, count)
	now := time.Now().UTC().Truncate(time.Hour)
	for i := count - 1; i >= 0; i-- {
		open := now.Add(-time.Duration(i+1) * time.Hour)
		price := basePrice + float64(count-1-i)
		bar := fmt.Sprintf(`{
			"time_open": %q,
			"time_close": %q,
			"quote": {
				"USD": {
					"open": %g, "high": %g, "low": %g, "close": %g,
					"volume": 1000000,
					"timestamp": %q
				}
			}
		}`, open.Format(time.RFC3339), open.Add(time.Hour).Format(time.RFC3339),
			price, price+1, price-1, price+0.5,
			open.Add(time.Hour).Format(time.RFC3339))
		bars = append(bars, bar)
	}
	return fmt.Sprintf(`{"id":%d,"name":"%s Coin","symbol":%q,"quotes":[%s]}`,
		id, symbol, symbol, strings.Join(bars, ","))
}

// SetOhlcvResponse configures the historical endpoint with canned series
// keyed by entity id. A single series is returned unkeyed, matching the
// upstream's single-id response shape.
func (m *MockCMC) SetOhlcvResponse(series map[int64]string) {
	var data string
	if len(series) == 1 {
		for _, s := range series {
			data = s
		}
	} else {
		entries := make([]string, 0, len(series))
		for id, s := range series {
			entries = append(entries, fmt.Sprintf("%q:%s", fmt.Sprint(id), s))
		}
		data = "{" + strings.Join(entries, ",") + "}"
	}
	m.SetResponse("/v2/cryptocurrency/ohlcv/historical", MockResponse{
		StatusCode: http.StatusOK,
		Body:       Envelope(1, data),
	})
}

// defaultHandler returns an empty successful envelope.
func (m *MockCMC) defaultHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if r.Header.Get("X-CMC_PRO_API_KEY") == "" {
		w.WriteHeader(http.StatusUnauthorized)
		json.NewEncoder(w).Encode(map[string]any{
			"status": map[string]any{
				"error_code":    1002,
				"error_message": "API key missing.",
			},
		})
		return
	}

	w.WriteHeader(http.StatusOK)
	w.Write([]byte(Envelope(0, "null")))
}
