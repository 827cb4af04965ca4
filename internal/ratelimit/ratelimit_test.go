package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/priceverse/priceverse/internal/config"
)

func TestKey(t *testing.T) {
	assert.Equal(t, "ratelimit:client-1", Key("client-1", ""))
	assert.Equal(t, "ratelimit:client-1:getPrice", Key("client-1", "getPrice"))
}

func TestDisabledLimiterAlwaysAllows(t *testing.T) {
	l := New(nil, config.RateLimitConfig{Enabled: false, Max: 100})

	d := l.Allow(context.Background(), "anyone", "")
	assert.True(t, d.Allowed)
	assert.Equal(t, 100, d.Remaining)
}

func TestLimiterFailsOpenWhenRedisUnreachable(t *testing.T) {
	// Nothing listens on this port; every pipeline exec fails.
	client := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 50 * time.Millisecond,
		MaxRetries:  -1,
	})
	defer client.Close()

	l := New(client, config.RateLimitConfig{Enabled: true, Max: 10, WindowMs: 60000})

	d := l.Allow(context.Background(), "client-1", "")
	assert.True(t, d.Allowed)
	assert.Equal(t, 10, d.Remaining)
}

func testRedis(t *testing.T) *redis.Client {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return client
}

func TestWindowDeniesBeyondMax(t *testing.T) {
	cfg := config.RateLimitConfig{Enabled: true, Max: 100, WindowMs: 60000}
	l := New(testRedis(t), cfg)
	ctx := context.Background()

	for i := 0; i < cfg.Max; i++ {
		d := l.Allow(ctx, "client-1", "")
		require.True(t, d.Allowed, "request %d should fit the window", i+1)
	}

	d := l.Allow(ctx, "client-1", "")
	assert.False(t, d.Allowed)
	assert.Zero(t, d.Remaining)
	assert.Greater(t, d.RetryAfter, time.Duration(0))
	assert.LessOrEqual(t, d.RetryAfter, cfg.Window())
	assert.False(t, d.ResetTime.IsZero())
}

func TestDeniedRequestsDoNotOccupyWindowSlots(t *testing.T) {
	client := testRedis(t)
	l := New(client, config.RateLimitConfig{Enabled: true, Max: 3, WindowMs: 60000})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.True(t, l.Allow(ctx, "client-1", "").Allowed)
	}
	for i := 0; i < 5; i++ {
		assert.False(t, l.Allow(ctx, "client-1", "").Allowed)
	}

	// Retrying while denied must not refresh the denial.
	n, err := client.ZCard(ctx, Key("client-1", "")).Result()
	require.NoError(t, err)
	assert.EqualValues(t, 3, n)
}

func TestEndpointsAreLimitedIndependently(t *testing.T) {
	l := New(testRedis(t), config.RateLimitConfig{Enabled: true, Max: 1, WindowMs: 60000})
	ctx := context.Background()

	require.True(t, l.Allow(ctx, "client-1", "getPrice").Allowed)
	assert.False(t, l.Allow(ctx, "client-1", "getPrice").Allowed)
	assert.True(t, l.Allow(ctx, "client-1", "getOHLCV").Allowed)
	assert.True(t, l.Allow(ctx, "client-2", "getPrice").Allowed)
}
