package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/priceverse/priceverse/internal/market"
)

const bufferKeyPrefix = "buffer:"

// bufferTTL caps buffer lifetime so abandoned pairs do not leak keys.
const bufferTTL = 10 * time.Minute

// TradeBuffer is the per-pair time-ordered trade set backing the VWAP
// window. Score is the trade event time in epoch milliseconds, so the
// buffer survives aggregator restarts and is pruned by time, not count.
type TradeBuffer struct {
	client *redis.Client
}

// NewTradeBuffer wraps a Redis client with the buffer contract.
func NewTradeBuffer(client *redis.Client) *TradeBuffer {
	return &TradeBuffer{client: client}
}

// BufferKey returns the sorted-set key for a pair.
func BufferKey(pair market.Pair) string { return bufferKeyPrefix + string(pair) }

// Add inserts a trade scored by its event time. Duplicate trades across
// venues are kept; the aggregator deduplicates venues, not trades.
func (b *TradeBuffer) Add(ctx context.Context, trade market.Trade) error {
	member, err := json.Marshal(trade)
	if err != nil {
		return fmt.Errorf("marshal trade: %w", err)
	}
	pipe := b.client.TxPipeline()
	pipe.ZAdd(ctx, BufferKey(trade.Pair), redis.Z{
		Score:  float64(trade.EventTime),
		Member: string(member),
	})
	pipe.Expire(ctx, BufferKey(trade.Pair), bufferTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("zadd %s: %w", trade.Pair, err)
	}
	return nil
}

// Range returns the buffered trades with event time in [from, to],
// ordered by event time ascending.
func (b *TradeBuffer) Range(ctx context.Context, pair market.Pair, from, to int64) ([]market.Trade, error) {
	members, err := b.client.ZRangeByScore(ctx, BufferKey(pair), &redis.ZRangeBy{
		Min: strconv.FormatInt(from, 10),
		Max: strconv.FormatInt(to, 10),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("zrangebyscore %s: %w", pair, err)
	}

	trades := make([]market.Trade, 0, len(members))
	for _, m := range members {
		var t market.Trade
		if err := json.Unmarshal([]byte(m), &t); err != nil {
			continue
		}
		trades = append(trades, t)
	}
	return trades, nil
}

// Prune evicts all trades with event time strictly before cutoff.
func (b *TradeBuffer) Prune(ctx context.Context, pair market.Pair, cutoff int64) (int64, error) {
	n, err := b.client.ZRemRangeByScore(ctx, BufferKey(pair),
		"-inf", "("+strconv.FormatInt(cutoff, 10)).Result()
	if err != nil {
		return 0, fmt.Errorf("zremrangebyscore %s: %w", pair, err)
	}
	return n, nil
}
