package redislock

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

// setupTestRedis creates a Redis client against the local test instance.
func setupTestRedis(t *testing.T) *redis.Client {
	t.Helper()

	client := redis.NewClient(&redis.Options{
		Addr: "localhost:6379",
		DB:   15,
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

func TestNewLocker_Panic(t *testing.T) {
	defer func() {
		if r := recover(); r == nil {
			t.Error("NewLocker should panic with nil redis client")
		}
	}()
	NewLocker(nil)
}

func TestLocker_AcquireAndRelease(t *testing.T) {
	client := setupTestRedis(t)
	locker := NewLocker(client)
	ctx := context.Background()

	token, ok, err := locker.Acquire(ctx, "test:lock:basic", 10*time.Second, 1, 0)
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	if !ok || token == "" {
		t.Fatalf("Acquire() = (%q, %v), want token and true", token, ok)
	}

	if err := locker.Release(ctx, "test:lock:basic", token); err != nil {
		t.Errorf("Release() error = %v", err)
	}

	// Lock is free again after release.
	token2, ok, err := locker.Acquire(ctx, "test:lock:basic", 10*time.Second, 1, 0)
	if err != nil || !ok {
		t.Fatalf("re-Acquire() = (%q, %v, %v), want success", token2, ok, err)
	}
	if token2 == token {
		t.Error("second acquisition returned the same token")
	}
}

func TestLocker_Contention(t *testing.T) {
	client := setupTestRedis(t)
	locker := NewLocker(client)
	ctx := context.Background()

	_, ok, err := locker.Acquire(ctx, "test:lock:contended", 30*time.Second, 1, 0)
	if err != nil || !ok {
		t.Fatalf("first Acquire() failed: ok=%v err=%v", ok, err)
	}

	_, ok, err = locker.Acquire(ctx, "test:lock:contended", 30*time.Second, 2, 10*time.Millisecond)
	if err != nil {
		t.Fatalf("second Acquire() error = %v", err)
	}
	if ok {
		t.Error("second Acquire() succeeded while lock was held")
	}
}

func TestLocker_MutualExclusion(t *testing.T) {
	client := setupTestRedis(t)
	locker := NewLocker(client)
	ctx := context.Background()

	var wg sync.WaitGroup
	winners := make(chan string, 2)

	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			token, ok, err := locker.Acquire(ctx, "test:lock:race", 30*time.Second, 1, 0)
			if err != nil {
				t.Errorf("Acquire() error = %v", err)
				return
			}
			if ok {
				winners <- token
			}
		}()
	}
	wg.Wait()
	close(winners)

	count := 0
	for range winners {
		count++
	}
	if count != 1 {
		t.Errorf("%d concurrent acquisitions succeeded, want exactly 1", count)
	}
}

func TestLocker_ReleaseNotOwner(t *testing.T) {
	client := setupTestRedis(t)
	locker := NewLocker(client)
	ctx := context.Background()

	// Simulate TTL expiry followed by a new holder: acquire with token A,
	// drop the key, re-acquire with token B.
	tokenA, ok, err := locker.Acquire(ctx, "test:lock:owner", 30*time.Second, 1, 0)
	if err != nil || !ok {
		t.Fatalf("Acquire A failed: ok=%v err=%v", ok, err)
	}
	if err := client.Del(ctx, "test:lock:owner").Err(); err != nil {
		t.Fatalf("Del failed: %v", err)
	}
	tokenB, ok, err := locker.Acquire(ctx, "test:lock:owner", 30*time.Second, 1, 0)
	if err != nil || !ok {
		t.Fatalf("Acquire B failed: ok=%v err=%v", ok, err)
	}

	// A's stale release must not remove B's record.
	if err := locker.Release(ctx, "test:lock:owner", tokenA); !errors.Is(err, ErrNotOwner) {
		t.Errorf("Release(tokenA) error = %v, want ErrNotOwner", err)
	}

	val, err := client.Get(ctx, "test:lock:owner").Result()
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if val != tokenB {
		t.Errorf("lock value = %q, want tokenB %q", val, tokenB)
	}
}

func TestLocker_TTLExpiry(t *testing.T) {
	client := setupTestRedis(t)
	locker := NewLocker(client)
	ctx := context.Background()

	_, ok, err := locker.Acquire(ctx, "test:lock:ttl", 100*time.Millisecond, 1, 0)
	if err != nil || !ok {
		t.Fatalf("Acquire failed: ok=%v err=%v", ok, err)
	}

	time.Sleep(200 * time.Millisecond)

	// Crashed holder's lock self-clears after the TTL.
	_, ok, err = locker.Acquire(ctx, "test:lock:ttl", time.Second, 1, 0)
	if err != nil || !ok {
		t.Errorf("Acquire after expiry = (ok=%v, err=%v), want success", ok, err)
	}
}
