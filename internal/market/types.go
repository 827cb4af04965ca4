package market

import (
	"fmt"
	"time"
)

// Trade is a normalized venue trade. It lives only in the venue event
// log and the aggregation buffer and is never persisted.
type Trade struct {
	Venue     string  `json:"venue"`
	Pair      Pair    `json:"pair"`
	Price     float64 `json:"price"`
	Volume    float64 `json:"volume"`
	EventTime int64   `json:"event_time"` // epoch milliseconds
	TradeID   string  `json:"trade_id"`
}

// Validate checks the trade invariants before it enters the event log.
func (t Trade) Validate() error {
	if t.Price <= 0 {
		return fmt.Errorf("trade price must be positive, got %v", t.Price)
	}
	if t.Volume < 0 {
		return fmt.Errorf("trade volume must be non-negative, got %v", t.Volume)
	}
	if t.EventTime <= 0 {
		return fmt.Errorf("trade event time must be positive, got %d", t.EventTime)
	}
	return nil
}

// MethodVWAP is the only aggregation method the pipeline emits.
const MethodVWAP = "vwap"

// PricePoint is a canonical aggregated price for a pair. Immutable once
// written; EventTime is the aggregator's wall clock at emission so the
// series key stays monotonic per pair.
type PricePoint struct {
	Pair      Pair     `json:"pair"`
	Price     float64  `json:"price"`
	EventTime int64    `json:"event_time"` // epoch milliseconds
	Method    string   `json:"method"`
	Sources   []string `json:"sources"`
	Volume    float64  `json:"volume"`
}

// Time returns the emission time as time.Time.
func (p PricePoint) Time() time.Time {
	return time.UnixMilli(p.EventTime).UTC()
}

// Resolution identifies a candle interval.
type Resolution string

const (
	Res5Min  Resolution = "5min"
	Res1Hour Resolution = "1hour"
	Res1Day  Resolution = "1day"
)

// Resolutions lists all candle resolutions, finest first.
var Resolutions = []Resolution{Res5Min, Res1Hour, Res1Day}

// Duration returns the period length of the resolution.
func (r Resolution) Duration() time.Duration {
	switch r {
	case Res5Min:
		return 5 * time.Minute
	case Res1Hour:
		return time.Hour
	case Res1Day:
		return 24 * time.Hour
	}
	return 0
}

// ParseResolution validates a wire-level interval string.
func ParseResolution(s string) (Resolution, bool) {
	switch Resolution(s) {
	case Res5Min, Res1Hour, Res1Day:
		return Resolution(s), true
	}
	return "", false
}

// Candle is a persisted OHLCV aggregate, upserted by (pair, period start).
type Candle struct {
	Pair        Pair      `json:"pair"`
	PeriodStart time.Time `json:"period_start"`
	Open        float64   `json:"open"`
	High        float64   `json:"high"`
	Low         float64   `json:"low"`
	Close       float64   `json:"close"`
	Volume      float64   `json:"volume"`
	VWAP        *float64  `json:"vwap,omitempty"`
	TradeCount  int       `json:"trade_count"`
}

// Validate checks the candle invariants before upsert.
func (c Candle) Validate() error {
	if c.Low > c.Open || c.Low > c.Close || c.High < c.Open || c.High < c.Close {
		return fmt.Errorf("candle bounds violated: low=%v open=%v close=%v high=%v", c.Low, c.Open, c.Close, c.High)
	}
	if c.Volume < 0 {
		return fmt.Errorf("candle volume must be non-negative, got %v", c.Volume)
	}
	if c.TradeCount <= 0 {
		return fmt.Errorf("candle trade count must be positive, got %d", c.TradeCount)
	}
	if c.VWAP != nil && (*c.VWAP < c.Low || *c.VWAP > c.High) {
		return fmt.Errorf("candle vwap %v outside [low, high]", *c.VWAP)
	}
	return nil
}
