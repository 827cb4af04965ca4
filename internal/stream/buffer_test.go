package stream

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/priceverse/priceverse/internal/market"
)

func testBuffer(t *testing.T) *TradeBuffer {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewTradeBuffer(client)
}

func bufferTrade(venue string, price, volume float64, at int64) market.Trade {
	return market.Trade{
		Venue:     venue,
		Pair:      market.BTCUSD,
		Price:     price,
		Volume:    volume,
		EventTime: at,
		TradeID:   fmt.Sprintf("%s-%d", venue, at),
	}
}

func TestBufferRangeReturnsWindowAscending(t *testing.T) {
	b := testBuffer(t)
	ctx := context.Background()
	now := time.Now().UnixMilli()

	require.NoError(t, b.Add(ctx, bufferTrade("binance", 45000, 1, now-20000)))
	require.NoError(t, b.Add(ctx, bufferTrade("kraken", 45100, 2, now-5000)))
	require.NoError(t, b.Add(ctx, bufferTrade("coinbase", 44900, 1.5, now-40000)))

	trades, err := b.Range(ctx, market.BTCUSD, now-30000, now)
	require.NoError(t, err)
	require.Len(t, trades, 2)
	assert.Equal(t, "binance", trades[0].Venue)
	assert.Equal(t, "kraken", trades[1].Venue)
}

func TestPruneDropsTradesOlderThanWindow(t *testing.T) {
	b := testBuffer(t)
	ctx := context.Background()
	now := time.Now().UnixMilli()
	cutoff := now - 30000

	require.NoError(t, b.Add(ctx, bufferTrade("binance", 45000, 1, now-45000)))
	require.NoError(t, b.Add(ctx, bufferTrade("binance", 45010, 1, now-31000)))
	require.NoError(t, b.Add(ctx, bufferTrade("kraken", 45020, 1, cutoff)))
	require.NoError(t, b.Add(ctx, bufferTrade("kraken", 45030, 1, now-10000)))
	require.NoError(t, b.Add(ctx, bufferTrade("coinbase", 45040, 1, now)))

	removed, err := b.Prune(ctx, market.BTCUSD, cutoff)
	require.NoError(t, err)
	assert.EqualValues(t, 2, removed)

	trades, err := b.Range(ctx, market.BTCUSD, 0, now)
	require.NoError(t, err)
	require.Len(t, trades, 3)
	for _, tr := range trades {
		assert.GreaterOrEqual(t, tr.EventTime, cutoff)
	}
}

func TestPruneOnEmptyBufferIsHarmless(t *testing.T) {
	b := testBuffer(t)

	removed, err := b.Prune(context.Background(), market.ETHUSD, time.Now().UnixMilli())
	require.NoError(t, err)
	assert.Zero(t, removed)
}
