package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/priceverse/priceverse/internal/errs"
	"github.com/priceverse/priceverse/internal/market"
)

// InRange limits.
const (
	defaultRangeLimit = 1000
	maxRangeLimit     = 10000
)

// PriceHistoryRepo persists canonical price points.
type PriceHistoryRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

type priceRow struct {
	Pair      string  `db:"pair"`
	Price     float64 `db:"price"`
	EventTime int64   `db:"event_time"`
	Method    string  `db:"method"`
	Sources   string  `db:"sources"`
	Volume    float64 `db:"volume"`
}

func toPriceRow(p market.PricePoint) (priceRow, error) {
	sources := p.Sources
	if sources == nil {
		sources = []string{}
	}
	raw, err := json.Marshal(sources)
	if err != nil {
		return priceRow{}, fmt.Errorf("encode sources: %w", err)
	}
	return priceRow{
		Pair:      string(p.Pair),
		Price:     p.Price,
		EventTime: p.EventTime,
		Method:    p.Method,
		Sources:   string(raw),
		Volume:    p.Volume,
	}, nil
}

func (r priceRow) toPoint() (market.PricePoint, error) {
	var sources []string
	if err := json.Unmarshal([]byte(r.Sources), &sources); err != nil {
		return market.PricePoint{}, fmt.Errorf("decode sources: %w", err)
	}
	return market.PricePoint{
		Pair:      market.Pair(r.Pair),
		Price:     r.Price,
		EventTime: r.EventTime,
		Method:    r.Method,
		Sources:   sources,
		Volume:    r.Volume,
	}, nil
}

// Insert stores a single price point.
func (r *PriceHistoryRepo) Insert(ctx context.Context, p market.PricePoint) error {
	row, err := toPriceRow(p)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	_, err = r.db.NamedExecContext(ctx, `
		INSERT INTO price_history (pair, price, event_time, method, sources, volume)
		VALUES (:pair, :price, :event_time, :method, :sources, :volume)`, row)
	if err != nil {
		return fmt.Errorf("insert price %s: %w", p.Pair, err)
	}
	return nil
}

// InsertMany stores a batch of price points in one transaction.
func (r *PriceHistoryRepo) InsertMany(ctx context.Context, points []market.PricePoint) error {
	if len(points) == 0 {
		return nil
	}
	rows := make([]priceRow, 0, len(points))
	for _, p := range points {
		row, err := toPriceRow(p)
		if err != nil {
			return err
		}
		rows = append(rows, row)
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.NamedExecContext(ctx, `
		INSERT INTO price_history (pair, price, event_time, method, sources, volume)
		VALUES (:pair, :price, :event_time, :method, :sources, :volume)`, rows); err != nil {
		return fmt.Errorf("insert prices: %w", err)
	}
	return tx.Commit()
}

// Latest returns the most recent price point for the pair.
func (r *PriceHistoryRepo) Latest(ctx context.Context, pair market.Pair) (market.PricePoint, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var row priceRow
	err := r.db.GetContext(ctx, &row, `
		SELECT pair, price, event_time, method, sources, volume
		FROM price_history WHERE pair = $1
		ORDER BY event_time DESC LIMIT 1`, string(pair))
	if errors.Is(err, sql.ErrNoRows) {
		return market.PricePoint{}, errs.New(errs.PriceUnavailable, "no price recorded for "+string(pair))
	}
	if err != nil {
		return market.PricePoint{}, fmt.Errorf("latest price %s: %w", pair, err)
	}
	return row.toPoint()
}

// FirstAfter returns the earliest price at or after the given event
// time in milliseconds.
func (r *PriceHistoryRepo) FirstAfter(ctx context.Context, pair market.Pair, eventTime int64) (market.PricePoint, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var row priceRow
	err := r.db.GetContext(ctx, &row, `
		SELECT pair, price, event_time, method, sources, volume
		FROM price_history WHERE pair = $1 AND event_time >= $2
		ORDER BY event_time ASC LIMIT 1`, string(pair), eventTime)
	if errors.Is(err, sql.ErrNoRows) {
		return market.PricePoint{}, errs.New(errs.PriceUnavailable, "no price at or after requested time")
	}
	if err != nil {
		return market.PricePoint{}, fmt.Errorf("first price after %d for %s: %w", eventTime, pair, err)
	}
	return row.toPoint()
}

// LastBefore returns the latest price at or before the given event
// time in milliseconds.
func (r *PriceHistoryRepo) LastBefore(ctx context.Context, pair market.Pair, eventTime int64) (market.PricePoint, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var row priceRow
	err := r.db.GetContext(ctx, &row, `
		SELECT pair, price, event_time, method, sources, volume
		FROM price_history WHERE pair = $1 AND event_time <= $2
		ORDER BY event_time DESC LIMIT 1`, string(pair), eventTime)
	if errors.Is(err, sql.ErrNoRows) {
		return market.PricePoint{}, errs.New(errs.PriceUnavailable, "no price at or before requested time")
	}
	if err != nil {
		return market.PricePoint{}, fmt.Errorf("last price before %d for %s: %w", eventTime, pair, err)
	}
	return row.toPoint()
}

// RangeQuery controls an InRange scan.
type RangeQuery struct {
	From      int64 // inclusive, epoch ms; zero means unbounded
	To        int64 // inclusive, epoch ms; zero means unbounded
	Limit     int   // capped at 10000, default 1000
	Offset    int
	Ascending bool
}

// InRange returns prices inside [From, To] in the requested order.
func (r *PriceHistoryRepo) InRange(ctx context.Context, pair market.Pair, q RangeQuery) ([]market.PricePoint, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = defaultRangeLimit
	}
	if limit > maxRangeLimit {
		limit = maxRangeLimit
	}

	var sb strings.Builder
	sb.WriteString(`SELECT pair, price, event_time, method, sources, volume
		FROM price_history WHERE pair = $1`)
	args := []any{string(pair)}
	if q.From > 0 {
		args = append(args, q.From)
		fmt.Fprintf(&sb, " AND event_time >= $%d", len(args))
	}
	if q.To > 0 {
		args = append(args, q.To)
		fmt.Fprintf(&sb, " AND event_time <= $%d", len(args))
	}
	order := "DESC"
	if q.Ascending {
		order = "ASC"
	}
	args = append(args, limit, q.Offset)
	fmt.Fprintf(&sb, " ORDER BY event_time %s LIMIT $%d OFFSET $%d", order, len(args)-1, len(args))

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var rows []priceRow
	if err := r.db.SelectContext(ctx, &rows, sb.String(), args...); err != nil {
		return nil, fmt.Errorf("price range %s: %w", pair, err)
	}
	points := make([]market.PricePoint, 0, len(rows))
	for _, row := range rows {
		p, err := row.toPoint()
		if err != nil {
			return nil, err
		}
		points = append(points, p)
	}
	return points, nil
}

// DeleteOlderThan drops prices with event_time strictly before the
// cutoff and returns the number of rows removed.
func (r *PriceHistoryRepo) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	res, err := r.db.ExecContext(ctx,
		`DELETE FROM price_history WHERE event_time < $1`, cutoff.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("delete old prices: %w", err)
	}
	return res.RowsAffected()
}
