package repo

import (
	"context"
	"database/sql"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/priceverse/priceverse/internal/errs"
	"github.com/priceverse/priceverse/internal/market"
)

const maxCandleLimit = 1000

// CandlesRepo persists OHLCV candles across the three resolution
// tables.
type CandlesRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// tableFor maps a resolution to its table. Resolutions come from
// ParseResolution so the name never reaches SQL unvalidated.
func tableFor(res market.Resolution) (string, error) {
	switch res {
	case market.Res5Min:
		return "price_history_5min", nil
	case market.Res1Hour:
		return "price_history_1hour", nil
	case market.Res1Day:
		return "price_history_1day", nil
	default:
		return "", errs.New(errs.InvalidParams, "unknown resolution "+string(res))
	}
}

type candleRow struct {
	Pair        string          `db:"pair"`
	PeriodStart time.Time       `db:"period_start"`
	Open        float64         `db:"open"`
	High        float64         `db:"high"`
	Low         float64         `db:"low"`
	Close       float64         `db:"close"`
	Volume      float64         `db:"volume"`
	VWAP        sql.NullFloat64 `db:"vwap"`
	TradeCount  int             `db:"trade_count"`
}

func toCandleRow(c market.Candle) candleRow {
	row := candleRow{
		Pair:        string(c.Pair),
		PeriodStart: c.PeriodStart.UTC(),
		Open:        c.Open,
		High:        c.High,
		Low:         c.Low,
		Close:       c.Close,
		Volume:      c.Volume,
		TradeCount:  c.TradeCount,
	}
	if c.VWAP != nil {
		row.VWAP = sql.NullFloat64{Float64: *c.VWAP, Valid: true}
	}
	return row
}

func (r candleRow) toCandle() market.Candle {
	c := market.Candle{
		Pair:        market.Pair(r.Pair),
		PeriodStart: r.PeriodStart.UTC(),
		Open:        r.Open,
		High:        r.High,
		Low:         r.Low,
		Close:       r.Close,
		Volume:      r.Volume,
		TradeCount:  r.TradeCount,
	}
	if r.VWAP.Valid {
		v := r.VWAP.Float64
		c.VWAP = &v
	}
	return c
}

const upsertCandleSQL = `
	INSERT INTO %s (pair, period_start, open, high, low, close, volume, vwap, trade_count)
	VALUES (:pair, :period_start, :open, :high, :low, :close, :volume, :vwap, :trade_count)
	ON CONFLICT (pair, period_start) DO UPDATE SET
		open = EXCLUDED.open,
		high = EXCLUDED.high,
		low = EXCLUDED.low,
		close = EXCLUDED.close,
		volume = EXCLUDED.volume,
		vwap = EXCLUDED.vwap,
		trade_count = EXCLUDED.trade_count`

// Upsert writes a candle, replacing any existing row for the same
// pair and period start.
func (r *CandlesRepo) Upsert(ctx context.Context, res market.Resolution, c market.Candle) error {
	table, err := tableFor(res)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	if _, err := r.db.NamedExecContext(ctx, fmt.Sprintf(upsertCandleSQL, table), toCandleRow(c)); err != nil {
		return fmt.Errorf("upsert %s candle %s: %w", res, c.Pair, err)
	}
	return nil
}

// UpsertTx writes a candle inside an existing transaction.
func (r *CandlesRepo) UpsertTx(ctx context.Context, tx *sqlx.Tx, res market.Resolution, c market.Candle) error {
	table, err := tableFor(res)
	if err != nil {
		return err
	}
	if _, err := tx.NamedExecContext(ctx, fmt.Sprintf(upsertCandleSQL, table), toCandleRow(c)); err != nil {
		return fmt.Errorf("upsert %s candle %s: %w", res, c.Pair, err)
	}
	return nil
}

// Latest returns the most recent candle for the pair at the given
// resolution.
func (r *CandlesRepo) Latest(ctx context.Context, res market.Resolution, pair market.Pair) (market.Candle, error) {
	table, err := tableFor(res)
	if err != nil {
		return market.Candle{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var row candleRow
	err = r.db.GetContext(ctx, &row, fmt.Sprintf(`
		SELECT pair, period_start, open, high, low, close, volume, vwap, trade_count
		FROM %s WHERE pair = $1 ORDER BY period_start DESC LIMIT 1`, table), string(pair))
	if errors.Is(err, sql.ErrNoRows) {
		return market.Candle{}, errs.New(errs.PriceUnavailable, "no candles recorded for "+string(pair))
	}
	if err != nil {
		return market.Candle{}, fmt.Errorf("latest %s candle %s: %w", res, pair, err)
	}
	return row.toCandle(), nil
}

// Count returns the number of candles for the pair at the resolution.
func (r *CandlesRepo) Count(ctx context.Context, res market.Resolution, pair market.Pair) (int64, error) {
	table, err := tableFor(res)
	if err != nil {
		return 0, err
	}
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var n int64
	if err := r.db.GetContext(ctx, &n,
		fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE pair = $1`, table), string(pair)); err != nil {
		return 0, fmt.Errorf("count %s candles %s: %w", res, pair, err)
	}
	return n, nil
}

// CandleQuery controls a paged candle scan.
type CandleQuery struct {
	From      time.Time // inclusive; zero means unbounded
	To        time.Time // inclusive; zero means unbounded
	Limit     int       // capped at 1000, default 1000
	Offset    int
	Ascending bool
}

func clampCandleLimit(limit int) int {
	if limit <= 0 || limit > maxCandleLimit {
		return maxCandleLimit
	}
	return limit
}

// GetWithOffset returns candles using limit/offset pagination.
// Descending by period start unless Ascending is set.
func (r *CandlesRepo) GetWithOffset(ctx context.Context, res market.Resolution, pair market.Pair, q CandleQuery) ([]market.Candle, error) {
	table, err := tableFor(res)
	if err != nil {
		return nil, err
	}

	query := fmt.Sprintf(`SELECT pair, period_start, open, high, low, close, volume, vwap, trade_count
		FROM %s WHERE pair = $1`, table)
	args := []any{string(pair)}
	if !q.From.IsZero() {
		args = append(args, q.From.UTC())
		query += fmt.Sprintf(" AND period_start >= $%d", len(args))
	}
	if !q.To.IsZero() {
		args = append(args, q.To.UTC())
		query += fmt.Sprintf(" AND period_start <= $%d", len(args))
	}
	order := "DESC"
	if q.Ascending {
		order = "ASC"
	}
	args = append(args, clampCandleLimit(q.Limit), q.Offset)
	query += fmt.Sprintf(" ORDER BY period_start %s LIMIT $%d OFFSET $%d", order, len(args)-1, len(args))

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var rows []candleRow
	if err := r.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("%s candles %s: %w", res, pair, err)
	}
	candles := make([]market.Candle, 0, len(rows))
	for _, row := range rows {
		candles = append(candles, row.toCandle())
	}
	return candles, nil
}

// CursorQuery controls a keyset candle scan.
type CursorQuery struct {
	Cursor    string
	Backward  bool      // page to the rows preceding the cursor; requires Cursor
	Limit     int       // capped at 1000, default 1000
	From      time.Time // inclusive; zero means unbounded
	To        time.Time // inclusive; zero means unbounded
	Ascending bool      // presentation order, default descending by period start
}

// CandlePage is one page of a cursor scan.
type CandlePage struct {
	Candles    []market.Candle
	NextCursor string
	PrevCursor string
	HasMore    bool
}

// EncodeCursor packs a period start into an opaque page token.
func EncodeCursor(t time.Time) string {
	return base64.StdEncoding.EncodeToString([]byte(t.UTC().Format(time.RFC3339Nano)))
}

// DecodeCursor unpacks a page token produced by EncodeCursor.
func DecodeCursor(cursor string) (time.Time, error) {
	raw, err := base64.StdEncoding.DecodeString(cursor)
	if err != nil {
		return time.Time{}, errs.Wrap(errs.InvalidParams, "malformed cursor", err)
	}
	t, err := time.Parse(time.RFC3339Nano, string(raw))
	if err != nil {
		return time.Time{}, errs.Wrap(errs.InvalidParams, "malformed cursor", err)
	}
	return t.UTC(), nil
}

// cursorScan is the physical plan for one keyset page: the comparison
// binding the cursor, the scan direction, and whether the scanned rows
// must be reversed to restore the requested order.
type cursorScan struct {
	cmp     string
	scanAsc bool
	reverse bool
}

// planCursorScan decides how a page is read. Forward pages scan in the
// presentation order with the cursor as an inclusive bound, so the
// look-ahead row dropped from the previous page opens the next one.
// Backward pages scan in the opposite direction with a strict bound,
// excluding the boundary row itself, and are reversed afterwards.
func planCursorScan(q CursorQuery) cursorScan {
	scan := cursorScan{scanAsc: q.Ascending}
	if q.Backward {
		scan.scanAsc = !scan.scanAsc
		scan.reverse = true
	}
	switch {
	case q.Backward && scan.scanAsc:
		scan.cmp = ">"
	case q.Backward:
		scan.cmp = "<"
	case scan.scanAsc:
		scan.cmp = ">="
	default:
		scan.cmp = "<="
	}
	return scan
}

// buildCursorPage trims the look-ahead row from a limit+1 scan, restores
// the requested order, and derives the page cursors. The next cursor
// of a forward page is the look-ahead row's period start; the next cursor
// of a backward page is the boundary the caller stepped back from. The
// previous cursor is always the first row's period start.
func buildCursorPage(rows []candleRow, q CursorQuery, limit int) CandlePage {
	scan := planCursorScan(q)
	page := CandlePage{HasMore: len(rows) > limit}
	var extra candleRow
	if page.HasMore {
		extra = rows[limit]
		rows = rows[:limit]
	}
	if scan.reverse {
		for i, j := 0, len(rows)-1; i < j; i, j = i+1, j-1 {
			rows[i], rows[j] = rows[j], rows[i]
		}
	}
	for _, row := range rows {
		page.Candles = append(page.Candles, row.toCandle())
	}
	if len(rows) == 0 {
		return page
	}
	switch {
	case q.Backward:
		page.NextCursor = q.Cursor
	case page.HasMore:
		page.NextCursor = EncodeCursor(extra.PeriodStart)
	}
	if q.Cursor != "" {
		page.PrevCursor = EncodeCursor(rows[0].PeriodStart)
	}
	return page
}

// GetWithCursor returns candles using keyset pagination on period
// start. An empty cursor starts at the newest candle; one extra row is
// fetched to decide whether another page exists.
func (r *CandlesRepo) GetWithCursor(ctx context.Context, res market.Resolution, pair market.Pair, q CursorQuery) (CandlePage, error) {
	table, err := tableFor(res)
	if err != nil {
		return CandlePage{}, err
	}
	if q.Backward && q.Cursor == "" {
		return CandlePage{}, errs.New(errs.InvalidParams, "backward paging requires a cursor")
	}
	limit := clampCandleLimit(q.Limit)
	scan := planCursorScan(q)

	query := fmt.Sprintf(`SELECT pair, period_start, open, high, low, close, volume, vwap, trade_count
		FROM %s WHERE pair = $1`, table)
	args := []any{string(pair)}
	if !q.From.IsZero() {
		args = append(args, q.From.UTC())
		query += fmt.Sprintf(" AND period_start >= $%d", len(args))
	}
	if !q.To.IsZero() {
		args = append(args, q.To.UTC())
		query += fmt.Sprintf(" AND period_start <= $%d", len(args))
	}
	if q.Cursor != "" {
		boundary, err := DecodeCursor(q.Cursor)
		if err != nil {
			return CandlePage{}, err
		}
		args = append(args, boundary)
		query += fmt.Sprintf(" AND period_start %s $%d", scan.cmp, len(args))
	}
	order := "DESC"
	if scan.scanAsc {
		order = "ASC"
	}
	args = append(args, limit+1)
	query += fmt.Sprintf(" ORDER BY period_start %s LIMIT $%d", order, len(args))

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var rows []candleRow
	if err := r.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return CandlePage{}, fmt.Errorf("%s candle page %s: %w", res, pair, err)
	}
	return buildCursorPage(rows, q, limit), nil
}

// DeleteOlderThan drops candles with a period start strictly before
// the cutoff and returns the number of rows removed.
func (r *CandlesRepo) DeleteOlderThan(ctx context.Context, res market.Resolution, cutoff time.Time) (int64, error) {
	table, err := tableFor(res)
	if err != nil {
		return 0, err
	}
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	result, err := r.db.ExecContext(ctx,
		fmt.Sprintf(`DELETE FROM %s WHERE period_start < $1`, table), cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("delete old %s candles: %w", res, err)
	}
	return result.RowsAffected()
}
