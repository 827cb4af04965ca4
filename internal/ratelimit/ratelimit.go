// Package ratelimit implements a per-client sliding-window limiter on
// Redis sorted sets so limits hold across instances.
package ratelimit

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/priceverse/priceverse/internal/config"
)

// Decision is the outcome of one limiter check.
type Decision struct {
	Allowed    bool
	Remaining  int
	ResetTime  time.Time
	RetryAfter time.Duration
}

// Limiter tracks request timestamps per client in a Redis sorted set.
// Redis being unreachable fails open: availability over strictness.
type Limiter struct {
	client *redis.Client
	cfg    config.RateLimitConfig
}

// New builds a limiter from config.
func New(client *redis.Client, cfg config.RateLimitConfig) *Limiter {
	return &Limiter{client: client, cfg: cfg}
}

// Key returns the limiter key for a client, optionally scoped to an
// endpoint.
func Key(clientID, endpoint string) string {
	if endpoint == "" {
		return "ratelimit:" + clientID
	}
	return "ratelimit:" + clientID + ":" + endpoint
}

// Allow records the request and decides whether it fits the window.
func (l *Limiter) Allow(ctx context.Context, clientID, endpoint string) Decision {
	if !l.cfg.Enabled {
		return Decision{Allowed: true, Remaining: l.cfg.Max}
	}

	now := time.Now()
	window := l.cfg.Window()
	key := Key(clientID, endpoint)
	cutoff := now.Add(-window).UnixMilli()

	member := fmt.Sprintf("%d-%s", now.UnixMilli(), uuid.NewString())
	pipe := l.client.TxPipeline()
	pipe.ZRemRangeByScore(ctx, key, "-inf", "("+strconv.FormatInt(cutoff, 10))
	countCmd := pipe.ZCard(ctx, key)
	pipe.ZAdd(ctx, key, redis.Z{
		Score:  float64(now.UnixMilli()),
		Member: member,
	})
	pipe.Expire(ctx, key, time.Duration(math.Ceil(window.Seconds())+1)*time.Second)

	if _, err := pipe.Exec(ctx); err != nil {
		log.Warn().Str("client", clientID).Err(err).Msg("rate limiter unavailable, failing open")
		return Decision{Allowed: true, Remaining: l.cfg.Max}
	}

	count := int(countCmd.Val())
	if count >= l.cfg.Max {
		// Denied requests must not occupy window slots, or a client
		// retrying while denied would keep refreshing its own denial.
		if err := l.client.ZRem(ctx, key, member).Err(); err != nil {
			log.Warn().Str("client", clientID).Err(err).Msg("rate limiter slot release failed")
		}
		reset := now.Add(window)
		return Decision{
			Allowed:    false,
			Remaining:  0,
			ResetTime:  reset,
			RetryAfter: window,
		}
	}
	return Decision{
		Allowed:   true,
		Remaining: l.cfg.Max - count - 1,
		ResetTime: now.Add(window),
	}
}
