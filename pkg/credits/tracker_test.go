package credits

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

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

func TestTracker_GetState_FreshWindow(t *testing.T) {
	redisClient := setupTestRedis(t)
	tracker := NewTracker(redisClient, 10000, zerolog.Nop())

	state, err := tracker.GetState(context.Background())
	if err != nil {
		t.Fatalf("GetState failed: %v", err)
	}

	if state.Used != 0 {
		t.Errorf("Used = %d, want 0 for fresh window", state.Used)
	}
	if state.Budget != 10000 {
		t.Errorf("Budget = %d, want 10000", state.Budget)
	}
	if !state.ResetAt.After(time.Now()) {
		t.Errorf("ResetAt = %v, want a future reset", state.ResetAt)
	}
}

func TestTracker_RecordUsage(t *testing.T) {
	redisClient := setupTestRedis(t)
	tracker := NewTracker(redisClient, 10000, zerolog.Nop())
	ctx := context.Background()

	if err := tracker.RecordUsage(ctx, 3); err != nil {
		t.Fatalf("RecordUsage failed: %v", err)
	}
	if err := tracker.RecordUsage(ctx, 2); err != nil {
		t.Fatalf("RecordUsage failed: %v", err)
	}

	state, err := tracker.GetState(ctx)
	if err != nil {
		t.Fatalf("GetState failed: %v", err)
	}
	if state.Used != 5 {
		t.Errorf("Used = %d, want 5 after accumulated usage", state.Used)
	}

	// The tally expires with the billing window
	ttl, err := redisClient.TTL(ctx, RedisKeyUsed).Result()
	if err != nil {
		t.Fatalf("TTL failed: %v", err)
	}
	if ttl <= 0 || ttl > 24*time.Hour {
		t.Errorf("TTL = %v, want within the current window", ttl)
	}
}

func TestTracker_RecordUsage_IgnoresNonPositiveCost(t *testing.T) {
	redisClient := setupTestRedis(t)
	tracker := NewTracker(redisClient, 10000, zerolog.Nop())
	ctx := context.Background()

	if err := tracker.RecordUsage(ctx, 0); err != nil {
		t.Fatalf("RecordUsage failed: %v", err)
	}
	if err := tracker.RecordUsage(ctx, -5); err != nil {
		t.Fatalf("RecordUsage failed: %v", err)
	}

	state, _ := tracker.GetState(ctx)
	if state.Used != 0 {
		t.Errorf("Used = %d, want 0", state.Used)
	}
}

func TestTracker_ShouldAllowRequest(t *testing.T) {
	tests := []struct {
		name    string
		used    int
		budget  int
		allowed bool
	}{
		{
			name:    "healthy budget",
			used:    100,
			budget:  10000,
			allowed: true,
		},
		{
			name:    "critical budget blocks",
			used:    9900,
			budget:  10000,
			allowed: false,
		},
		{
			name:    "gating disabled",
			used:    999999,
			budget:  0,
			allowed: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			redisClient := setupTestRedis(t)
			tracker := NewTracker(redisClient, tt.budget, zerolog.Nop())
			ctx := context.Background()

			if tt.used > 0 && tt.budget > 0 {
				if err := tracker.RecordUsage(ctx, tt.used); err != nil {
					t.Fatalf("RecordUsage failed: %v", err)
				}
			}

			allowed, err := tracker.ShouldAllowRequest(ctx)
			if err != nil {
				t.Fatalf("ShouldAllowRequest failed: %v", err)
			}
			if allowed != tt.allowed {
				t.Errorf("ShouldAllowRequest() = %v, want %v", allowed, tt.allowed)
			}
		})
	}
}

func TestTracker_SharedAcrossInstances(t *testing.T) {
	redisClient := setupTestRedis(t)
	ctx := context.Background()

	first := NewTracker(redisClient, 10000, zerolog.Nop())
	second := NewTracker(redisClient, 10000, zerolog.Nop())

	if err := first.RecordUsage(ctx, 42); err != nil {
		t.Fatalf("RecordUsage failed: %v", err)
	}

	state, err := second.GetState(ctx)
	if err != nil {
		t.Fatalf("GetState failed: %v", err)
	}
	if state.Used != 42 {
		t.Errorf("Used = %d, want 42 shared via Redis", state.Used)
	}
}
