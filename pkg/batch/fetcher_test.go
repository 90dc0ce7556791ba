package batch

import (
	"context"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/quotelab/cmc-proxy/internal/testutil"
	"github.com/quotelab/cmc-proxy/pkg/cache"
	"github.com/quotelab/cmc-proxy/pkg/model"
	"github.com/quotelab/cmc-proxy/pkg/redislock"
	"github.com/quotelab/cmc-proxy/pkg/upstream"
)

const testAPIKey = "a1b2c3d4-e5f6-7890-abcd-ef1234567890"

// setupTestRedis creates a test Redis client.
func setupTestRedis(t *testing.T) *redis.Client {
	t.Helper()

	client := redis.NewClient(&redis.Options{
		Addr: "localhost:6379",
		DB:   15, // Use a separate DB for tests
	})

	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("Redis not available for testing: %v", err)
	}

	if err := client.FlushDB(ctx).Err(); err != nil {
		t.Fatalf("Failed to flush test DB: %v", err)
	}

	t.Cleanup(func() {
		client.FlushDB(context.Background())
		client.Close()
	})

	return client
}

func newTestUpstream(t *testing.T, mock *testutil.MockCMC) *upstream.Client {
	t.Helper()

	client, err := upstream.New(upstream.Config{
		BaseURL: mock.URL(),
		APIKey:  testAPIKey,
		Retry: upstream.RetryConfig{
			MaxAttempts:       2,
			InitialBackoff:    5 * time.Millisecond,
			MaxBackoff:        10 * time.Millisecond,
			BackoffMultiplier: 2.0,
		},
	}, upstream.ProfilePrimary)
	if err != nil {
		t.Fatalf("upstream.New failed: %v", err)
	}
	t.Cleanup(func() { client.Close() })
	return client
}

func seedAssets(t *testing.T, store *testutil.FakeStore, ids ...model.EntityID) {
	t.Helper()
	for _, id := range ids {
		err := store.UpsertAsset(context.Background(), &model.Asset{
			ID:     id,
			Name:   "Test Asset",
			Symbol: "TST",
		})
		if err != nil {
			t.Fatalf("seed asset %d: %v", id, err)
		}
	}
}

func newBarFetcher(t *testing.T, mock *testutil.MockCMC, store *testutil.FakeStore, cfg Config) *Fetcher {
	t.Helper()
	f := NewFetcher(newTestUpstream(t, mock), store, nil, nil, cfg)
	f.sleep = func(ctx context.Context, d time.Duration) error { return ctx.Err() }
	return f
}

func TestFetchBars_Chunking(t *testing.T) {
	mock := testutil.NewMockCMC()
	defer mock.Close()

	store := testutil.NewFakeStore()
	seedAssets(t, store, 1, 2, 3, 4, 5)

	mock.SetHandler("/v2/cryptocurrency/ohlcv/historical", func(w http.ResponseWriter, r *http.Request) {
		series := make(map[int64]string)
		for _, raw := range strings.Split(r.URL.Query().Get("id"), ",") {
			var id int64
			for _, c := range raw {
				id = id*10 + int64(c-'0')
			}
			series[id] = testutil.OhlcvSeriesJSON(id, "TST", 2, 100)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(buildOhlcvBody(series)))
	})

	var sleeps int
	f := newBarFetcher(t, mock, store, Config{ChunkSize: 2, InterChunkDelay: time.Second})
	f.sleep = func(ctx context.Context, d time.Duration) error {
		sleeps++
		if d != time.Second {
			t.Errorf("sleep duration = %v, want 1s", d)
		}
		return nil
	}

	result := f.FetchBars(context.Background(), []model.EntityID{1, 2, 3, 4, 5}, 2)

	if len(result.Succeeded) != 5 {
		t.Errorf("Succeeded = %d, want 5", len(result.Succeeded))
	}
	if len(result.Failed) != 0 {
		t.Errorf("Failed = %v, want none", result.Failed)
	}
	if result.TotalBars != 10 {
		t.Errorf("TotalBars = %d, want 10", result.TotalBars)
	}
	if mock.GetRequestCount() != 3 {
		t.Errorf("Expected 3 chunk requests, got %d", mock.GetRequestCount())
	}
	// Pacing runs between chunks, not after the last one
	if sleeps != 2 {
		t.Errorf("Expected 2 inter-chunk sleeps, got %d", sleeps)
	}
	if store.BarCount() != 10 {
		t.Errorf("Stored bars = %d, want 10", store.BarCount())
	}
}

func TestFetchBars_PartialChunkFailure(t *testing.T) {
	mock := testutil.NewMockCMC()
	defer mock.Close()

	store := testutil.NewFakeStore()
	seedAssets(t, store, 1, 2, 3, 4)

	mock.SetHandler("/v2/cryptocurrency/ohlcv/historical", func(w http.ResponseWriter, r *http.Request) {
		ids := r.URL.Query().Get("id")
		if strings.Contains(ids, "3") {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		series := map[int64]string{
			1: testutil.OhlcvSeriesJSON(1, "TST", 2, 100),
			2: testutil.OhlcvSeriesJSON(2, "TST", 2, 100),
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(buildOhlcvBody(series)))
	})

	f := newBarFetcher(t, mock, store, Config{ChunkSize: 2})

	result := f.FetchBars(context.Background(), []model.EntityID{1, 2, 3, 4}, 2)

	// First chunk (1,2) succeeds; second chunk (3,4) fails in isolation
	if len(result.Succeeded) != 2 {
		t.Errorf("Succeeded = %v, want [1 2]", result.Succeeded)
	}
	if len(result.Failed) != 2 {
		t.Errorf("Failed = %v, want [3 4]", result.Failed)
	}
}

func TestFetchBars_UnknownEntitiesFailWithoutFetch(t *testing.T) {
	mock := testutil.NewMockCMC()
	defer mock.Close()

	store := testutil.NewFakeStore()
	seedAssets(t, store, 1)

	mock.SetOhlcvResponse(map[int64]string{
		1: testutil.OhlcvSeriesJSON(1, "TST", 2, 100),
	})

	f := newBarFetcher(t, mock, store, Config{ChunkSize: 10})

	result := f.FetchBars(context.Background(), []model.EntityID{1, 99}, 2)

	if len(result.Succeeded) != 1 || result.Succeeded[0] != 1 {
		t.Errorf("Succeeded = %v, want [1]", result.Succeeded)
	}
	if len(result.Failed) != 1 || result.Failed[0] != 99 {
		t.Errorf("Failed = %v, want [99]", result.Failed)
	}
	if got := mock.GetLastQuery("id"); got != "1" {
		t.Errorf("Unknown ids must not be fetched, id query = %q", got)
	}
}

func TestFetchBars_ZeroStorableBarsIsFailure(t *testing.T) {
	mock := testutil.NewMockCMC()
	defer mock.Close()

	store := testutil.NewFakeStore()
	seedAssets(t, store, 1)

	// Series present but without any bars
	mock.SetOhlcvResponse(map[int64]string{
		1: `{"id":1,"name":"Test","symbol":"TST","quotes":[]}`,
	})

	f := newBarFetcher(t, mock, store, Config{ChunkSize: 10})

	result := f.FetchBars(context.Background(), []model.EntityID{1}, 2)

	if len(result.Succeeded) != 0 {
		t.Errorf("Succeeded = %v, want none", result.Succeeded)
	}
	if len(result.Failed) != 1 {
		t.Errorf("Failed = %v, want [1]", result.Failed)
	}
}

func TestFetchBars_CancellationFailsRemainingChunks(t *testing.T) {
	mock := testutil.NewMockCMC()
	defer mock.Close()

	store := testutil.NewFakeStore()
	seedAssets(t, store, 1, 2, 3)

	mock.SetHandler("/v2/cryptocurrency/ohlcv/historical", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(testutil.Envelope(1, testutil.OhlcvSeriesJSON(1, "TST", 2, 100))))
	})

	ctx, cancel := context.WithCancel(context.Background())

	f := newBarFetcher(t, mock, store, Config{ChunkSize: 1, InterChunkDelay: time.Second})
	f.sleep = func(ctx context.Context, d time.Duration) error {
		cancel()
		return context.Canceled
	}

	result := f.FetchBars(ctx, []model.EntityID{1, 2, 3}, 2)

	if len(result.Succeeded) != 1 {
		t.Errorf("Succeeded = %v, want [1]", result.Succeeded)
	}
	// Chunks 2 and 3 never ran
	if len(result.Failed) != 2 {
		t.Errorf("Failed = %v, want [2 3]", result.Failed)
	}
	if mock.GetRequestCount() != 1 {
		t.Errorf("Expected 1 request before cancellation, got %d", mock.GetRequestCount())
	}
}

// buildOhlcvBody renders a multi-series envelope the way the upstream does.
func buildOhlcvBody(series map[int64]string) string {
	if len(series) == 1 {
		for _, s := range series {
			return testutil.Envelope(1, s)
		}
	}
	entries := make([]string, 0, len(series))
	for id, s := range series {
		entries = append(entries, `"`+itoa(id)+`":`+s)
	}
	return testutil.Envelope(1, "{"+strings.Join(entries, ",")+"}")
}

func itoa(v int64) string {
	if v == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = byte('0' + v%10)
		v /= 10
	}
	return string(buf[i:])
}

func TestProcessPending(t *testing.T) {
	redisClient := setupTestRedis(t)
	mock := testutil.NewMockCMC()
	defer mock.Close()

	store := testutil.NewFakeStore()
	cacheStore := cache.NewStore(redisClient)
	locker := redislock.NewLocker(redisClient)

	ctx := context.Background()
	for _, id := range []int64{1, 1027} {
		if _, err := cacheStore.PendingAdd(ctx, id); err != nil {
			t.Fatalf("PendingAdd failed: %v", err)
		}
	}

	mock.SetQuotesResponse(map[int64]string{
		1:    testutil.QuotePayloadJSON(1, "BTC", 50000),
		1027: testutil.QuotePayloadJSON(1027, "ETH", 3000),
	})

	f := NewFetcher(newTestUpstream(t, mock), store, cacheStore, locker, Config{
		BatchQuota: 10,
		QuoteTTL:   time.Minute,
	})

	processed, err := f.ProcessPending(ctx)
	if err != nil {
		t.Fatalf("ProcessPending failed: %v", err)
	}
	if processed != 2 {
		t.Errorf("processed = %d, want 2", processed)
	}

	// Cache has both payloads
	for _, id := range []int64{1, 1027} {
		if _, err := cacheStore.GetQuote(ctx, id); err != nil {
			t.Errorf("Expected cached quote for %d, got %v", id, err)
		}
	}

	// Snapshots persisted
	if store.SnapshotCount() != 2 {
		t.Errorf("Snapshots = %d, want 2", store.SnapshotCount())
	}

	// Pending queue drained
	drained, err := cacheStore.PendingDrain(ctx)
	if err != nil {
		t.Fatalf("PendingDrain failed: %v", err)
	}
	if len(drained) != 0 {
		t.Errorf("Pending queue not empty after cycle: %v", drained)
	}

	// Lock released: a fresh cycle can acquire it
	token, ok, err := locker.Acquire(ctx, cache.BatchProcessingLockKey, time.Second, 1, 0)
	if err != nil || !ok {
		t.Errorf("Batch lock not released after cycle: ok=%v err=%v", ok, err)
	}
	_ = locker.Release(ctx, cache.BatchProcessingLockKey, token)
}

func TestProcessPending_LockHeldElsewhere(t *testing.T) {
	redisClient := setupTestRedis(t)
	mock := testutil.NewMockCMC()
	defer mock.Close()

	store := testutil.NewFakeStore()
	cacheStore := cache.NewStore(redisClient)
	locker := redislock.NewLocker(redisClient)

	ctx := context.Background()
	if _, err := cacheStore.PendingAdd(ctx, 1); err != nil {
		t.Fatalf("PendingAdd failed: %v", err)
	}

	// Another instance holds the lock
	token, ok, err := locker.Acquire(ctx, cache.BatchProcessingLockKey, 30*time.Second, 1, 0)
	if err != nil || !ok {
		t.Fatalf("Pre-acquire failed: ok=%v err=%v", ok, err)
	}
	defer locker.Release(ctx, cache.BatchProcessingLockKey, token)

	f := NewFetcher(newTestUpstream(t, mock), store, cacheStore, locker, Config{BatchQuota: 10})

	processed, err := f.ProcessPending(ctx)
	if err != nil {
		t.Fatalf("ProcessPending failed: %v", err)
	}
	if processed != 0 {
		t.Errorf("processed = %d, want 0 when lock held", processed)
	}
	if mock.GetRequestCount() != 0 {
		t.Error("Upstream must not be called when the lock is held elsewhere")
	}

	// Pending entry survives for the lock holder's cycle
	drained, _ := cacheStore.PendingDrain(ctx)
	if len(drained) != 1 {
		t.Errorf("Pending queue = %v, want the original entry", drained)
	}
}

func TestProcessPending_TopUpWithRankedIDs(t *testing.T) {
	redisClient := setupTestRedis(t)
	mock := testutil.NewMockCMC()
	defer mock.Close()

	store := testutil.NewFakeStore()
	cacheStore := cache.NewStore(redisClient)
	locker := redislock.NewLocker(redisClient)

	ctx := context.Background()

	// Persist ranked snapshots so the top-up has candidates
	rank1, rank2 := 1, 2
	for id, rank := range map[model.EntityID]*int{1: &rank1, 1027: &rank2} {
		if err := store.UpsertQuoteSnapshot(ctx, &model.QuoteSnapshot{
			EntityID:  id,
			Timestamp: time.Now(),
			Rank:      rank,
		}); err != nil {
			t.Fatalf("seed snapshot: %v", err)
		}
	}

	// Only one explicit pending entry
	if _, err := cacheStore.PendingAdd(ctx, 2010); err != nil {
		t.Fatalf("PendingAdd failed: %v", err)
	}

	mock.SetQuotesResponse(map[int64]string{
		2010: testutil.QuotePayloadJSON(2010, "ADA", 0.5),
		1:    testutil.QuotePayloadJSON(1, "BTC", 50000),
		1027: testutil.QuotePayloadJSON(1027, "ETH", 3000),
	})

	f := NewFetcher(newTestUpstream(t, mock), store, cacheStore, locker, Config{
		BatchQuota: 3,
		QuoteTTL:   time.Minute,
	})

	processed, err := f.ProcessPending(ctx)
	if err != nil {
		t.Fatalf("ProcessPending failed: %v", err)
	}
	if processed != 3 {
		t.Errorf("processed = %d, want 3 (pending + ranked top-up)", processed)
	}

	ids := mock.GetLastQuery("id")
	for _, want := range []string{"2010", "1", "1027"} {
		if !strings.Contains(ids, want) {
			t.Errorf("id query %q missing %s", ids, want)
		}
	}
}
