// Package cache provides the Redis price cache and the pub/sub price
// broadcast used by the RPC surface.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/priceverse/priceverse/internal/config"
	"github.com/priceverse/priceverse/internal/market"
)

// ErrMiss is returned when a pair has no usable cached price.
var ErrMiss = errors.New("cache miss")

// PriceKey returns the cache key for a pair.
func PriceKey(pair market.Pair) string { return "price:" + string(pair) }

// cachedPrice is the stored envelope. CachedAt lets readers reject
// entries older than the staleness bound even when Redis has not
// expired them yet.
type cachedPrice struct {
	Point    market.PricePoint `json:"point"`
	CachedAt int64             `json:"cachedAt"`
}

// PriceCache is a write-through cache of the latest canonical price
// per pair.
type PriceCache struct {
	client   *redis.Client
	ttl      time.Duration
	staleAge time.Duration
}

// NewPriceCache builds a cache with the configured TTL and staleness
// bound.
func NewPriceCache(client *redis.Client, cfg config.APICacheConfig) *PriceCache {
	return &PriceCache{
		client:   client,
		ttl:      time.Duration(cfg.TTLSec) * time.Second,
		staleAge: time.Duration(cfg.StaleAgeSec) * time.Second,
	}
}

// Set stores the price point under its pair key.
func (c *PriceCache) Set(ctx context.Context, p market.PricePoint) error {
	raw, err := json.Marshal(cachedPrice{Point: p, CachedAt: time.Now().UnixMilli()})
	if err != nil {
		return fmt.Errorf("encode cached price: %w", err)
	}
	if err := c.client.Set(ctx, PriceKey(p.Pair), raw, c.ttl).Err(); err != nil {
		return fmt.Errorf("cache price %s: %w", p.Pair, err)
	}
	return nil
}

// Get returns the cached price for the pair. Entries older than the
// staleness bound are treated as misses.
func (c *PriceCache) Get(ctx context.Context, pair market.Pair) (market.PricePoint, error) {
	raw, err := c.client.Get(ctx, PriceKey(pair)).Bytes()
	if errors.Is(err, redis.Nil) {
		return market.PricePoint{}, ErrMiss
	}
	if err != nil {
		return market.PricePoint{}, fmt.Errorf("read cached price %s: %w", pair, err)
	}

	var entry cachedPrice
	if err := json.Unmarshal(raw, &entry); err != nil {
		return market.PricePoint{}, ErrMiss
	}
	if age := time.Since(time.UnixMilli(entry.CachedAt)); age > c.staleAge {
		return market.PricePoint{}, ErrMiss
	}
	return entry.Point, nil
}
