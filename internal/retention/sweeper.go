// Package retention prunes aged rows from the price and candle tables
// on a fixed schedule.
package retention

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/priceverse/priceverse/internal/config"
	"github.com/priceverse/priceverse/internal/market"
	"github.com/priceverse/priceverse/internal/metrics"
	"github.com/priceverse/priceverse/internal/repo"
	"github.com/priceverse/priceverse/internal/scheduler"
)

// Sweeper deletes rows older than the per-table retention windows. A
// zero-day window keeps the table forever.
type Sweeper struct {
	cfg     config.RetentionConfig
	db      *repo.Manager
	metrics *metrics.Pipeline

	mu      sync.Mutex
	lastRun time.Time
}

// NewSweeper builds a sweeper from config.
func NewSweeper(cfg config.RetentionConfig, db *repo.Manager, pipeline *metrics.Pipeline) *Sweeper {
	return &Sweeper{cfg: cfg, db: db, metrics: pipeline}
}

// Register installs the sweep job when retention is enabled.
func (s *Sweeper) Register(sched *scheduler.Scheduler) error {
	if !s.cfg.Enabled {
		log.Info().Msg("retention disabled, sweep job not scheduled")
		return nil
	}
	return sched.AddCron("retention-sweep", s.cfg.CleanupSchedule, s.Sweep)
}

// LastRun reports when the last sweep completed.
func (s *Sweeper) LastRun() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastRun
}

// Sweep prunes every table independently; one table failing does not
// stop the others.
func (s *Sweeper) Sweep(ctx context.Context) error {
	now := time.Now().UTC()
	var firstErr error

	sweep := func(table string, days int, del func(cutoff time.Time) (int64, error)) {
		if days <= 0 {
			return
		}
		cutoff := now.AddDate(0, 0, -days)
		n, err := del(cutoff)
		if err != nil {
			log.Error().Str("table", table).Time("cutoff", cutoff).Err(err).Msg("retention sweep failed")
			if firstErr == nil {
				firstErr = err
			}
			return
		}
		s.metrics.RetentionDeleted.WithLabelValues(table).Add(float64(n))
		log.Info().Str("table", table).Time("cutoff", cutoff).Int64("deleted", n).Msg("retention sweep")
	}

	sweep("price_history", s.cfg.PriceHistoryDays, func(cutoff time.Time) (int64, error) {
		return s.db.Prices.DeleteOlderThan(ctx, cutoff)
	})
	sweep("price_history_5min", s.cfg.Candles5MinDays, func(cutoff time.Time) (int64, error) {
		return s.db.Candles.DeleteOlderThan(ctx, market.Res5Min, cutoff)
	})
	sweep("price_history_1hour", s.cfg.Candles1HourDays, func(cutoff time.Time) (int64, error) {
		return s.db.Candles.DeleteOlderThan(ctx, market.Res1Hour, cutoff)
	})
	sweep("price_history_1day", s.cfg.Candles1DayDays, func(cutoff time.Time) (int64, error) {
		return s.db.Candles.DeleteOlderThan(ctx, market.Res1Day, cutoff)
	})

	s.mu.Lock()
	s.lastRun = time.Now()
	s.mu.Unlock()
	return firstErr
}
