package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/quotelab/cmc-proxy/pkg/upstream"
)

var (
	// ErrCacheMiss indicates the requested key was not found in cache.
	ErrCacheMiss = errors.New("cache miss")

	// ErrInvalidEntry indicates the cache entry is invalid or corrupted.
	ErrInvalidEntry = errors.New("invalid cache entry")
)

// Store handles the typed Redis operations of the proxy.
type Store struct {
	redis *redis.Client
}

// NewStore creates a Store over the shared Redis instance.
func NewStore(redisClient *redis.Client) *Store {
	if redisClient == nil {
		panic("redis client cannot be nil")
	}
	return &Store{
		redis: redisClient,
	}
}

// GetQuote retrieves one entity's cached quote payload.
// Returns ErrCacheMiss when the key is absent or expired.
func (s *Store) GetQuote(ctx context.Context, entityID int64) (*upstream.QuotePayload, error) {
	data, err := s.redis.Get(ctx, QuoteKey(entityID)).Bytes()
	if err != nil {
		if err == redis.Nil {
			CacheMisses.Inc()
			return nil, ErrCacheMiss
		}
		CacheErrors.WithLabelValues("get").Inc()
		return nil, fmt.Errorf("redis get: %w", err)
	}

	var payload upstream.QuotePayload
	if err := json.Unmarshal(data, &payload); err != nil {
		CacheErrors.WithLabelValues("get").Inc()
		return nil, fmt.Errorf("%w: %v", ErrInvalidEntry, err)
	}

	CacheHits.WithLabelValues("redis").Inc()
	return &payload, nil
}

// SetQuote stores one entity's quote payload with the given TTL.
func (s *Store) SetQuote(ctx context.Context, entityID int64, payload *upstream.QuotePayload, ttl time.Duration) error {
	if payload == nil {
		return fmt.Errorf("payload cannot be nil")
	}

	data, err := json.Marshal(payload)
	if err != nil {
		CacheErrors.WithLabelValues("set").Inc()
		return fmt.Errorf("marshal quote payload: %w", err)
	}

	if err := s.redis.Set(ctx, QuoteKey(entityID), data, ttl).Err(); err != nil {
		CacheErrors.WithLabelValues("set").Inc()
		return fmt.Errorf("redis set: %w", err)
	}

	return nil
}

// SetQuoteBatch stores many quote payloads with one pipelined write.
// The writes share a round trip but do not apply atomically; readers may
// observe a partially written batch.
func (s *Store) SetQuoteBatch(ctx context.Context, payloads map[int64]*upstream.QuotePayload, ttl time.Duration) error {
	if len(payloads) == 0 {
		return nil
	}

	pipe := s.redis.Pipeline()
	for entityID, payload := range payloads {
		if payload == nil {
			continue
		}
		data, err := json.Marshal(payload)
		if err != nil {
			CacheErrors.WithLabelValues("set_batch").Inc()
			return fmt.Errorf("marshal quote payload for %d: %w", entityID, err)
		}
		pipe.Set(ctx, QuoteKey(entityID), data, ttl)
	}

	if _, err := pipe.Exec(ctx); err != nil {
		CacheErrors.WithLabelValues("set_batch").Inc()
		return fmt.Errorf("pipelined set: %w", err)
	}

	return nil
}

// DeleteQuote removes one entity's cached payload.
func (s *Store) DeleteQuote(ctx context.Context, entityID int64) error {
	if err := s.redis.Del(ctx, QuoteKey(entityID)).Err(); err != nil {
		CacheErrors.WithLabelValues("delete").Inc()
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}

// PendingAdd appends entityID to the pending-batch queue unless it is
// already a member. Membership is checked with LPOS so an id queued by
// another coalescer instance is not re-queued. Returns true when the id
// was newly appended.
func (s *Store) PendingAdd(ctx context.Context, entityID int64) (bool, error) {
	member := memberID(entityID)

	_, err := s.redis.LPos(ctx, PendingBatchKey, member, redis.LPosArgs{}).Result()
	if err == nil {
		return false, nil
	}
	if err != redis.Nil {
		CacheErrors.WithLabelValues("pending").Inc()
		return false, fmt.Errorf("lpos pending: %w", err)
	}

	length, err := s.redis.RPush(ctx, PendingBatchKey, member).Result()
	if err != nil {
		CacheErrors.WithLabelValues("pending").Inc()
		return false, fmt.Errorf("rpush pending: %w", err)
	}
	PendingBatchSize.Set(float64(length))

	return true, nil
}

// PendingDrain atomically reads and clears the pending-batch queue,
// returning the queued ids in FIFO order. The read and delete share a
// transactional pipeline so ids appended afterwards survive for the next
// cycle.
func (s *Store) PendingDrain(ctx context.Context) ([]int64, error) {
	pipe := s.redis.TxPipeline()
	rangeCmd := pipe.LRange(ctx, PendingBatchKey, 0, -1)
	pipe.Del(ctx, PendingBatchKey)

	if _, err := pipe.Exec(ctx); err != nil {
		CacheErrors.WithLabelValues("pending").Inc()
		return nil, fmt.Errorf("drain pending: %w", err)
	}

	members := rangeCmd.Val()
	ids := make([]int64, 0, len(members))
	for _, m := range members {
		id, err := strconv.ParseInt(m, 10, 64)
		if err != nil {
			// Skip corrupted members rather than failing the cycle.
			continue
		}
		ids = append(ids, id)
	}
	PendingBatchSize.Set(0)

	return ids, nil
}

// TryMarkFetch atomically sets a fetch-in-progress marker for one
// (entity, timeframe) pair. Returns false when another fetch already
// holds the marker.
func (s *Store) TryMarkFetch(ctx context.Context, entityID int64, timeframe string, ttl time.Duration) (bool, error) {
	ok, err := s.redis.SetNX(ctx, FetchMarkerKey(entityID, timeframe), "fetching", ttl).Result()
	if err != nil {
		return false, fmt.Errorf("set fetch marker: %w", err)
	}
	return ok, nil
}

// ClearFetch removes the fetch-in-progress marker.
func (s *Store) ClearFetch(ctx context.Context, entityID int64, timeframe string) error {
	if err := s.redis.Del(ctx, FetchMarkerKey(entityID, timeframe)).Err(); err != nil {
		return fmt.Errorf("clear fetch marker: %w", err)
	}
	return nil
}

// Ping probes Redis liveness.
func (s *Store) Ping(ctx context.Context) error {
	return s.redis.Ping(ctx).Err()
}
