package market

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/priceverse/priceverse/internal/errs"
)

func TestParsePair(t *testing.T) {
	for _, p := range AllPairs() {
		got, err := ParsePair(string(p))
		require.NoError(t, err)
		assert.Equal(t, p, got)
	}

	_, err := ParsePair("doge-usd")
	require.Error(t, err)
	assert.Equal(t, errs.InvalidPair, errs.CodeOf(err))
}

func TestDerivedPairs(t *testing.T) {
	d, ok := Derived(BTCUSD)
	require.True(t, ok)
	assert.Equal(t, BTCRUB, d)

	_, ok = Derived(BTCRUB)
	assert.False(t, ok)

	assert.True(t, IsBase(ETHUSD))
	assert.False(t, IsBase(ETHRUB))
}

func TestSymbolMapRoundTrip(t *testing.T) {
	m := NewSymbolMap("binance", map[Pair]string{
		BTCUSD: "BTCUSDT",
		ETHUSD: "ETHUSDT",
	})

	sym, ok := m.Symbol(BTCUSD)
	require.True(t, ok)
	assert.Equal(t, "BTCUSDT", sym)

	pair, ok := m.PairFor("ETHUSDT")
	require.True(t, ok)
	assert.Equal(t, ETHUSD, pair)

	_, ok = m.Symbol(XMRUSD)
	assert.False(t, ok)

	assert.Equal(t, []string{"BTCUSDT", "ETHUSDT"}, m.Symbols([]Pair{BTCUSD, ETHUSD, XMRUSD}))
}

func TestTradeValidate(t *testing.T) {
	good := Trade{Venue: "binance", Pair: BTCUSD, Price: 100, Volume: 1, EventTime: 1700000000000}
	assert.NoError(t, good.Validate())

	bad := good
	bad.Price = 0
	assert.Error(t, bad.Validate())

	bad = good
	bad.Volume = -1
	assert.Error(t, bad.Validate())

	bad = good
	bad.EventTime = 0
	assert.Error(t, bad.Validate())
}

func TestCandleValidate(t *testing.T) {
	vwap := 101.0
	good := Candle{
		Pair:        BTCUSD,
		PeriodStart: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
		Open:        100, High: 105, Low: 99, Close: 103,
		Volume: 10, VWAP: &vwap, TradeCount: 4,
	}
	assert.NoError(t, good.Validate())

	bad := good
	bad.Low = 104
	assert.Error(t, bad.Validate())

	bad = good
	outside := 200.0
	bad.VWAP = &outside
	assert.Error(t, bad.Validate())

	bad = good
	bad.TradeCount = 0
	assert.Error(t, bad.Validate())
}

func TestParseResolution(t *testing.T) {
	for _, r := range Resolutions {
		got, ok := ParseResolution(string(r))
		require.True(t, ok)
		assert.Equal(t, r, got)
		assert.Positive(t, r.Duration())
	}
	_, ok := ParseResolution("15min")
	assert.False(t, ok)
}
