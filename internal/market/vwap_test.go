package market

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func trade(venue string, price, volume float64) Trade {
	return Trade{Venue: venue, Pair: BTCUSD, Price: price, Volume: volume, EventTime: 1700000000000, TradeID: "t"}
}

func TestComputeVWAPIdentity(t *testing.T) {
	trades := []Trade{
		trade("binance", 50000, 2),
		trade("kraken", 50100, 1),
		trade("coinbase", 49900, 3),
	}

	result, ok := ComputeVWAP(trades)
	require.True(t, ok)

	want := (50000*2 + 50100*1 + 49900*3) / 6.0
	assert.InDelta(t, want, result.Price, 1e-8)
	assert.InDelta(t, 6.0, result.Volume, 1e-8)
}

func TestComputeVWAPSourcesSortedAndDeduped(t *testing.T) {
	trades := []Trade{
		trade("kraken", 100, 1),
		trade("binance", 101, 1),
		trade("kraken", 102, 1),
	}

	result, ok := ComputeVWAP(trades)
	require.True(t, ok)
	assert.Equal(t, []string{"binance", "kraken"}, result.Sources)
}

func TestComputeVWAPZeroVolumeTrades(t *testing.T) {
	// Zero-volume trades contribute nothing to either side of the
	// ratio, so they never skew the price.
	withZero, ok := ComputeVWAP([]Trade{
		trade("binance", 50000, 2),
		trade("kraken", 99999, 0),
	})
	require.True(t, ok)
	assert.InDelta(t, 50000, withZero.Price, 1e-8)
	assert.Equal(t, []string{"binance", "kraken"}, withZero.Sources)
}

func TestComputeVWAPNoVolumeNoEmission(t *testing.T) {
	_, ok := ComputeVWAP([]Trade{
		trade("binance", 50000, 0),
		trade("kraken", 50100, 0),
	})
	assert.False(t, ok)

	_, ok = ComputeVWAP(nil)
	assert.False(t, ok)
}

func TestComputeVWAPPurity(t *testing.T) {
	trades := []Trade{
		trade("binance", 50000, 2),
		trade("okx", 50050, 1),
	}
	first, ok := ComputeVWAP(trades)
	require.True(t, ok)

	// A later trade outside the evaluated window must not change an
	// already computed result.
	second, ok := ComputeVWAP(trades)
	require.True(t, ok)
	assert.InDelta(t, first.Price, second.Price, 1e-8)
	assert.Equal(t, first.Sources, second.Sources)
}
