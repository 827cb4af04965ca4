// Package ohlcv rolls canonical price points up into fixed-period
// OHLCV candles at 5-minute, hourly, and daily resolutions.
package ohlcv

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/priceverse/priceverse/internal/market"
	"github.com/priceverse/priceverse/internal/metrics"
	"github.com/priceverse/priceverse/internal/repo"
	"github.com/priceverse/priceverse/internal/scheduler"
)

// pageSize bounds a single price load so a busy period never pulls an
// unbounded row set into memory.
const pageSize = 10000

// Stats is a per-resolution snapshot of the roll-up service.
type Stats struct {
	LastRun        time.Time `json:"lastRun"`
	ProcessedCount int64     `json:"processedCount"`
}

// Service computes and upserts candles on a fixed schedule.
type Service struct {
	db    *repo.Manager
	pairs []market.Pair

	mu      sync.Mutex
	stats   map[market.Resolution]Stats
	metrics *metrics.Pipeline
}

// NewService builds a roll-up service over all tracked pairs.
func NewService(db *repo.Manager, pipeline *metrics.Pipeline) *Service {
	return &Service{
		db:      db,
		pairs:   market.AllPairs(),
		stats:   map[market.Resolution]Stats{},
		metrics: pipeline,
	}
}

// closedPeriod returns the start of the most recently completed period
// of length d relative to now. At an exact period boundary that is the
// period that just ended, never the one just opening.
func closedPeriod(now time.Time, d time.Duration) time.Time {
	return now.UTC().Truncate(d).Add(-d)
}

// openPeriod returns the start of the period containing now.
func openPeriod(now time.Time, d time.Duration) time.Time {
	return now.UTC().Truncate(d)
}

// Register installs the three roll-up jobs. Every job closes the
// period that just ended; the 5-minute job additionally refreshes the
// hour in progress so intraday charts track the live hour. Upserts
// make the repeated hourly recompute idempotent.
func (s *Service) Register(sched *scheduler.Scheduler) error {
	if err := sched.AddCron("rollup-5min", "*/5 * * * *", func(ctx context.Context) error {
		if err := s.Run(ctx, market.Res5Min, closedPeriod(time.Now(), 5*time.Minute)); err != nil {
			return err
		}
		return s.Run(ctx, market.Res1Hour, openPeriod(time.Now(), time.Hour))
	}); err != nil {
		return err
	}
	if err := sched.AddCron("rollup-1hour", "0 * * * *", func(ctx context.Context) error {
		return s.Run(ctx, market.Res1Hour, closedPeriod(time.Now(), time.Hour))
	}); err != nil {
		return err
	}
	return sched.AddCron("rollup-1day", "0 0 * * *", func(ctx context.Context) error {
		return s.Run(ctx, market.Res1Day, closedPeriod(time.Now(), 24*time.Hour))
	})
}

// Run rolls one period up for every pair. Pairs are isolated: a
// failure on one pair is logged and the rest still complete. Reruns
// are idempotent because candles upsert on (pair, period_start).
func (s *Service) Run(ctx context.Context, res market.Resolution, periodStart time.Time) error {
	periodStart = periodStart.UTC()
	var processed int64
	var firstErr error

	for _, pair := range s.pairs {
		upserted, err := s.rollPair(ctx, res, pair, periodStart)
		if err != nil {
			log.Error().Str("pair", string(pair)).Str("resolution", string(res)).
				Time("period", periodStart).Err(err).Msg("rollup failed")
			if firstErr == nil {
				firstErr = fmt.Errorf("rollup %s %s: %w", res, pair, err)
			}
			continue
		}
		if upserted {
			processed++
			s.metrics.CandlesUpserted.WithLabelValues(string(res)).Inc()
		}
	}

	s.mu.Lock()
	st := s.stats[res]
	st.LastRun = time.Now()
	st.ProcessedCount += processed
	s.stats[res] = st
	s.mu.Unlock()

	log.Info().Str("resolution", string(res)).Time("period", periodStart).
		Int64("candles", processed).Msg("rollup complete")
	return firstErr
}

// Stats returns the snapshot for a resolution.
func (s *Service) Stats(res market.Resolution) Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats[res]
}

// rollPair builds one candle from the pair's price points inside the
// period and upserts it transactionally. Returns false when the period
// holds no prices.
func (s *Service) rollPair(ctx context.Context, res market.Resolution, pair market.Pair, periodStart time.Time) (bool, error) {
	candle, ok, err := s.Compute(ctx, res, pair, periodStart)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}

	tx, err := s.db.DB().BeginTxx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := s.db.Candles.UpsertTx(ctx, tx, res, candle); err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit candle: %w", err)
	}
	return true, nil
}

// Compute derives the candle for a pair and period from price history,
// loading the points page by page.
func (s *Service) Compute(ctx context.Context, res market.Resolution, pair market.Pair, periodStart time.Time) (market.Candle, bool, error) {
	from := periodStart.UnixMilli()
	to := periodStart.Add(res.Duration()).UnixMilli() - 1
	acc := newAccumulator(pair, periodStart)

	for offset := 0; ; offset += pageSize {
		points, err := s.db.Prices.InRange(ctx, pair, repo.RangeQuery{
			From:      from,
			To:        to,
			Limit:     pageSize,
			Offset:    offset,
			Ascending: true,
		})
		if err != nil {
			return market.Candle{}, false, err
		}
		acc.add(points)
		if len(points) < pageSize {
			break
		}
	}

	candle, ok := acc.finish()
	if !ok {
		return market.Candle{}, false, nil
	}
	if err := candle.Validate(); err != nil {
		return market.Candle{}, false, fmt.Errorf("computed candle: %w", err)
	}
	return candle, true, nil
}

// accumulator folds a time-ordered stream of price points into one
// candle. The VWAP weights each point by its traded volume; when the
// period carried no volume it falls back to the open/close midpoint.
type accumulator struct {
	candle     market.Candle
	sumPV      float64
	sumV       float64
	pointCount int
}

func newAccumulator(pair market.Pair, periodStart time.Time) *accumulator {
	return &accumulator{candle: market.Candle{Pair: pair, PeriodStart: periodStart}}
}

func (a *accumulator) add(points []market.PricePoint) {
	for _, p := range points {
		if a.pointCount == 0 {
			a.candle.Open = p.Price
			a.candle.High = p.Price
			a.candle.Low = p.Price
		}
		if p.Price > a.candle.High {
			a.candle.High = p.Price
		}
		if p.Price < a.candle.Low {
			a.candle.Low = p.Price
		}
		a.candle.Close = p.Price
		a.candle.Volume += p.Volume
		a.sumPV += p.Price * p.Volume
		a.sumV += p.Volume
		a.pointCount++
	}
}

func (a *accumulator) finish() (market.Candle, bool) {
	if a.pointCount == 0 {
		return market.Candle{}, false
	}
	a.candle.TradeCount = a.pointCount
	vwap := (a.candle.Open + a.candle.Close) / 2
	if a.sumV > 0 {
		vwap = a.sumPV / a.sumV
	}
	a.candle.VWAP = &vwap
	return a.candle, true
}
