// Package repo implements the Postgres repositories for canonical
// prices and OHLCV candles.
package repo

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq" // postgres driver
	"github.com/rs/zerolog/log"

	"github.com/priceverse/priceverse/internal/config"
	"github.com/priceverse/priceverse/internal/health"
)

// defaultQueryTimeout bounds every repository query.
const defaultQueryTimeout = 30 * time.Second

// Manager owns the database handle and the repository instances.
type Manager struct {
	db      *sqlx.DB
	timeout time.Duration

	Prices  *PriceHistoryRepo
	Candles *CandlesRepo
}

// Open connects to Postgres and builds the repositories.
func Open(cfg config.DatabaseConfig) (*Manager, error) {
	db, err := sqlx.Open("postgres", cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(cfg.Pool.Max)
	db.SetMaxIdleConns(cfg.Pool.Min)
	db.SetConnMaxLifetime(30 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	m := &Manager{db: db, timeout: defaultQueryTimeout}
	m.Prices = &PriceHistoryRepo{db: db, timeout: m.timeout}
	m.Candles = &CandlesRepo{db: db, timeout: m.timeout}

	log.Info().Str("host", cfg.Host).Str("database", cfg.Database).Msg("database connected")
	return m, nil
}

// DB exposes the handle for transactional callers.
func (m *Manager) DB() *sqlx.DB { return m.db }

// Close releases the connection pool.
func (m *Manager) Close() error { return m.db.Close() }

// HealthCheck pings the database.
func (m *Manager) HealthCheck(ctx context.Context) health.Report {
	start := time.Now()
	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	status := health.Healthy
	message := ""
	if err := m.db.PingContext(pctx); err != nil {
		status = health.Unhealthy
		message = err.Error()
	}
	return health.Report{
		Status: status,
		Checks: map[string]health.Check{
			"postgres": {Status: status, Message: message, LatencyMs: time.Since(start)},
		},
	}
}

// schema creates the four pipeline tables and their indices. The
// price_history primary key is synthetic; candle tables are unique by
// (pair, period_start).
const schema = `
CREATE TABLE IF NOT EXISTS price_history (
	id          BIGSERIAL PRIMARY KEY,
	pair        TEXT             NOT NULL,
	price       DOUBLE PRECISION NOT NULL,
	event_time  BIGINT           NOT NULL,
	method      TEXT             NOT NULL DEFAULT 'vwap',
	sources     TEXT             NOT NULL DEFAULT '[]',
	volume      DOUBLE PRECISION NOT NULL DEFAULT 0,
	created_at  TIMESTAMPTZ      NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_price_history_pair_time ON price_history (pair, event_time);
CREATE INDEX IF NOT EXISTS idx_price_history_time ON price_history (event_time);

CREATE TABLE IF NOT EXISTS price_history_5min (
	id           BIGSERIAL PRIMARY KEY,
	pair         TEXT             NOT NULL,
	period_start TIMESTAMPTZ      NOT NULL,
	open         DOUBLE PRECISION NOT NULL,
	high         DOUBLE PRECISION NOT NULL,
	low          DOUBLE PRECISION NOT NULL,
	close        DOUBLE PRECISION NOT NULL,
	volume       DOUBLE PRECISION NOT NULL DEFAULT 0,
	vwap         DOUBLE PRECISION,
	trade_count  INTEGER          NOT NULL DEFAULT 0,
	created_at   TIMESTAMPTZ      NOT NULL DEFAULT now(),
	UNIQUE (pair, period_start)
);

CREATE TABLE IF NOT EXISTS price_history_1hour (
	id           BIGSERIAL PRIMARY KEY,
	pair         TEXT             NOT NULL,
	period_start TIMESTAMPTZ      NOT NULL,
	open         DOUBLE PRECISION NOT NULL,
	high         DOUBLE PRECISION NOT NULL,
	low          DOUBLE PRECISION NOT NULL,
	close        DOUBLE PRECISION NOT NULL,
	volume       DOUBLE PRECISION NOT NULL DEFAULT 0,
	vwap         DOUBLE PRECISION,
	trade_count  INTEGER          NOT NULL DEFAULT 0,
	created_at   TIMESTAMPTZ      NOT NULL DEFAULT now(),
	UNIQUE (pair, period_start)
);

CREATE TABLE IF NOT EXISTS price_history_1day (
	id           BIGSERIAL PRIMARY KEY,
	pair         TEXT             NOT NULL,
	period_start TIMESTAMPTZ      NOT NULL,
	open         DOUBLE PRECISION NOT NULL,
	high         DOUBLE PRECISION NOT NULL,
	low          DOUBLE PRECISION NOT NULL,
	close        DOUBLE PRECISION NOT NULL,
	volume       DOUBLE PRECISION NOT NULL DEFAULT 0,
	vwap         DOUBLE PRECISION,
	trade_count  INTEGER          NOT NULL DEFAULT 0,
	created_at   TIMESTAMPTZ      NOT NULL DEFAULT now(),
	UNIQUE (pair, period_start)
);
`

// Migrate applies the embedded schema. Idempotent.
func (m *Manager) Migrate(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 60*time.Second)
	defer cancel()
	if _, err := m.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	log.Info().Msg("database schema applied")
	return nil
}
