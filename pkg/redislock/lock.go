// Package redislock implements advisory cross-process locks over Redis.
//
// A lock is a single key holding a freshly generated owner token with a
// TTL. Acquisition is an atomic set-if-absent; release deletes the key
// only when the stored token still matches, so a late releaser can never
// remove a lock that has since expired and been re-acquired by another
// holder. TTL expiry is the only crash-safety fence.
package redislock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Prometheus metrics for lock operations.
var (
	lockAcquiresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cmc_lock_acquires_total",
		Help: "Lock acquisition attempts by key and outcome",
	}, []string{"key", "outcome"})

	lockNotOwnerTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cmc_lock_not_owner_releases_total",
		Help: "Release attempts rejected because the token no longer matches",
	}, []string{"key"})
)

// ErrNotOwner is returned by Release when the lock is held by a different
// token (or not held at all).
var ErrNotOwner = errors.New("lock not owned by this token")

// releaseScript deletes the key only if it still holds the caller's token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
else
	return 0
end`)

// Locker acquires and releases advisory locks on a shared Redis instance.
type Locker struct {
	redis  *redis.Client
	logger zerolog.Logger
}

// NewLocker creates a Locker.
func NewLocker(redisClient *redis.Client) *Locker {
	if redisClient == nil {
		panic("redis client cannot be nil")
	}
	return &Locker{
		redis:  redisClient,
		logger: log.With().Str("component", "redislock").Logger(),
	}
}

// Acquire attempts an atomic set-if-absent of a unique token under key
// with the given TTL. On contention it waits retryDelay and tries again,
// up to retryCount attempts in total. Returns the owner token and true on
// success, or "" and false when every attempt lost.
func (l *Locker) Acquire(ctx context.Context, key string, ttl time.Duration, retryCount int, retryDelay time.Duration) (string, bool, error) {
	if retryCount < 1 {
		retryCount = 1
	}
	token := uuid.NewString()

	for attempt := 1; attempt <= retryCount; attempt++ {
		ok, err := l.redis.SetNX(ctx, key, token, ttl).Result()
		if err != nil {
			lockAcquiresTotal.WithLabelValues(key, "error").Inc()
			return "", false, fmt.Errorf("setnx %s: %w", key, err)
		}
		if ok {
			lockAcquiresTotal.WithLabelValues(key, "acquired").Inc()
			l.logger.Debug().
				Str("key", key).
				Int("attempt", attempt).
				Dur("ttl", ttl).
				Msg("Lock acquired")
			return token, true, nil
		}

		if attempt >= retryCount {
			break
		}

		select {
		case <-ctx.Done():
			return "", false, ctx.Err()
		case <-time.After(retryDelay):
		}
	}

	lockAcquiresTotal.WithLabelValues(key, "contended").Inc()
	l.logger.Warn().
		Str("key", key).
		Int("attempts", retryCount).
		Msg("Lock acquisition failed after retries")
	return "", false, nil
}

// Release deletes key only if it still holds token. Returns ErrNotOwner
// when the key is absent or held by another token; the newer holder's
// record is left untouched.
func (l *Locker) Release(ctx context.Context, key, token string) error {
	deleted, err := releaseScript.Run(ctx, l.redis, []string{key}, token).Int()
	if err != nil {
		return fmt.Errorf("release %s: %w", key, err)
	}
	if deleted == 0 {
		lockNotOwnerTotal.WithLabelValues(key).Inc()
		l.logger.Warn().
			Str("key", key).
			Msg("Release rejected: token no longer owns the lock")
		return ErrNotOwner
	}
	return nil
}
