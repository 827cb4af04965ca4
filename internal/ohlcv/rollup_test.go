package ohlcv

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/priceverse/priceverse/internal/market"
)

func point(price, volume float64, at time.Time) market.PricePoint {
	return market.PricePoint{
		Pair:      market.BTCUSD,
		Price:     price,
		Volume:    volume,
		EventTime: at.UnixMilli(),
		Method:    "vwap",
		Sources:   []string{"binance"},
	}
}

func TestAccumulatorBuildsCandle(t *testing.T) {
	period := time.Date(2026, 8, 26, 12, 0, 0, 0, time.UTC)
	acc := newAccumulator(market.BTCUSD, period)

	acc.add([]market.PricePoint{
		point(100, 2, period),
		point(110, 1, period.Add(time.Minute)),
		point(90, 3, period.Add(2*time.Minute)),
		point(105, 4, period.Add(3*time.Minute)),
	})

	candle, ok := acc.finish()
	require.True(t, ok)
	assert.Equal(t, market.BTCUSD, candle.Pair)
	assert.Equal(t, period, candle.PeriodStart)
	assert.Equal(t, 100.0, candle.Open)
	assert.Equal(t, 110.0, candle.High)
	assert.Equal(t, 90.0, candle.Low)
	assert.Equal(t, 105.0, candle.Close)
	assert.Equal(t, 10.0, candle.Volume)
	assert.Equal(t, 4, candle.TradeCount)

	require.NotNil(t, candle.VWAP)
	// (100*2 + 110*1 + 90*3 + 105*4) / 10
	assert.InDelta(t, 100.0, *candle.VWAP, 1e-9)
	require.NoError(t, candle.Validate())
}

func TestAccumulatorMidpointFallbackWithoutVolume(t *testing.T) {
	period := time.Date(2026, 8, 26, 12, 0, 0, 0, time.UTC)
	acc := newAccumulator(market.ETHUSD, period)

	acc.add([]market.PricePoint{
		point(200, 0, period),
		point(250, 0, period.Add(time.Minute)),
		point(220, 0, period.Add(2*time.Minute)),
	})

	candle, ok := acc.finish()
	require.True(t, ok)
	require.NotNil(t, candle.VWAP)
	assert.InDelta(t, (200.0+220.0)/2, *candle.VWAP, 1e-9)
}

func TestAccumulatorEmptyPeriod(t *testing.T) {
	acc := newAccumulator(market.BTCUSD, time.Now().UTC())
	_, ok := acc.finish()
	assert.False(t, ok)
}

func TestAccumulatorSinglePoint(t *testing.T) {
	period := time.Date(2026, 8, 26, 0, 0, 0, 0, time.UTC)
	acc := newAccumulator(market.XMRUSD, period)
	acc.add([]market.PricePoint{point(150, 5, period)})

	candle, ok := acc.finish()
	require.True(t, ok)
	assert.Equal(t, 150.0, candle.Open)
	assert.Equal(t, 150.0, candle.High)
	assert.Equal(t, 150.0, candle.Low)
	assert.Equal(t, 150.0, candle.Close)
	require.NotNil(t, candle.VWAP)
	assert.InDelta(t, 150.0, *candle.VWAP, 1e-9)
}

func TestAccumulatorFoldsAcrossPages(t *testing.T) {
	period := time.Date(2026, 8, 26, 12, 0, 0, 0, time.UTC)
	acc := newAccumulator(market.BTCUSD, period)

	// Two batches must fold to the same candle as one.
	acc.add([]market.PricePoint{point(100, 1, period), point(120, 1, period.Add(time.Minute))})
	acc.add([]market.PricePoint{point(80, 1, period.Add(2*time.Minute)), point(110, 1, period.Add(3*time.Minute))})

	candle, ok := acc.finish()
	require.True(t, ok)
	assert.Equal(t, 100.0, candle.Open)
	assert.Equal(t, 120.0, candle.High)
	assert.Equal(t, 80.0, candle.Low)
	assert.Equal(t, 110.0, candle.Close)
	assert.Equal(t, 4, candle.TradeCount)
}

func TestClosedPeriodEndsBeforeNow(t *testing.T) {
	boundary := time.Date(2026, 8, 26, 14, 0, 0, 0, time.UTC)

	// At the top of the hour the closed hour is the one that just
	// elapsed, not the empty hour that is opening.
	assert.Equal(t, time.Date(2026, 8, 26, 13, 0, 0, 0, time.UTC),
		closedPeriod(boundary, time.Hour))
	assert.Equal(t, time.Date(2026, 8, 25, 0, 0, 0, 0, time.UTC),
		closedPeriod(boundary, 24*time.Hour))

	mid := time.Date(2026, 8, 26, 14, 35, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2026, 8, 26, 14, 30, 0, 0, time.UTC),
		closedPeriod(mid, 5*time.Minute))
	assert.Equal(t, time.Date(2026, 8, 26, 14, 0, 0, 0, time.UTC),
		openPeriod(mid, time.Hour))
}
