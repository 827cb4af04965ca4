package rpc

import (
	"context"
	"encoding/json"
	"time"

	"github.com/priceverse/priceverse/internal/errs"
	"github.com/priceverse/priceverse/internal/market"
	"github.com/priceverse/priceverse/internal/repo"
)

// ChartDataReply is the getChartData result: parallel arrays sorted by
// period start ascending.
type ChartDataReply struct {
	Dates  []time.Time `json:"dates"`
	Series []float64   `json:"series"`
	OHLCV  OHLCVArrays `json:"ohlcv"`
}

// OHLCVArrays holds the candle components column-wise.
type OHLCVArrays struct {
	Open   []float64 `json:"open"`
	High   []float64 `json:"high"`
	Low    []float64 `json:"low"`
	Close  []float64 `json:"close"`
	Volume []float64 `json:"volume"`
}

// CandleReply is one candle row in getOHLCV.
type CandleReply struct {
	Pair        string    `json:"pair"`
	PeriodStart time.Time `json:"periodStart"`
	Open        float64   `json:"open"`
	High        float64   `json:"high"`
	Low         float64   `json:"low"`
	Close       float64   `json:"close"`
	Volume      float64   `json:"volume"`
	VWAP        *float64  `json:"vwap,omitempty"`
	TradeCount  int       `json:"tradeCount"`
}

// OHLCVReply is the paged getOHLCV result.
type OHLCVReply struct {
	Candles    []CandleReply `json:"candles"`
	Pagination Pagination    `json:"pagination"`
}

// Pagination mirrors the paging inputs plus the total count. The
// cursor fields are set only on cursor-paged reads.
type Pagination struct {
	Total      int64  `json:"total"`
	Limit      int    `json:"limit"`
	Offset     int    `json:"offset"`
	NextCursor string `json:"nextCursor,omitempty"`
	PrevCursor string `json:"prevCursor,omitempty"`
}

// ChartsService serves candle history for charting.
type ChartsService struct {
	candles *repo.CandlesRepo
}

// NewChartsService wires the chart read path.
func NewChartsService(candles *repo.CandlesRepo) *ChartsService {
	return &ChartsService{candles: candles}
}

// Definition returns the dispatchable service.
func (s *ChartsService) Definition() *Service {
	return &Service{
		Name:    "ChartsService",
		Version: "2.0.0",
		Methods: map[string]Handler{
			"getChartData": s.getChartData,
			"getOHLCV":     s.getOHLCV,
		},
	}
}

func parseInterval(s string) (market.Resolution, error) {
	res, ok := market.ParseResolution(s)
	if !ok {
		return "", errs.Newf(errs.InvalidInterval, "unknown interval %q", s)
	}
	return res, nil
}

func (s *ChartsService) getChartData(ctx context.Context, input json.RawMessage) (interface{}, error) {
	var in struct {
		Pair     string  `json:"pair"`
		Period   string  `json:"period"`
		Interval string  `json:"interval"`
		From     *string `json:"from"`
		To       *string `json:"to"`
	}
	if err := json.Unmarshal(input, &in); err != nil {
		return nil, errs.Wrap(errs.InvalidParams, "malformed input", err)
	}
	pair, err := market.ParsePair(in.Pair)
	if err != nil {
		return nil, err
	}
	res, err := parseInterval(in.Interval)
	if err != nil {
		return nil, err
	}
	from, err := parseTimestamp(in.From)
	if err != nil {
		return nil, err
	}
	to, err := parseTimestamp(in.To)
	if err != nil {
		return nil, err
	}
	start, end, err := changeBounds(in.Period, from, to)
	if err != nil {
		return nil, err
	}

	candles, err := s.candles.GetWithOffset(ctx, res, pair, repo.CandleQuery{
		From:      start,
		To:        end,
		Ascending: true,
	})
	if err != nil {
		return nil, err
	}
	if len(candles) == 0 {
		return nil, errs.Newf(errs.ChartDataNotFound, "no %s candles for %s in range", res, pair)
	}

	reply := ChartDataReply{
		Dates:  make([]time.Time, 0, len(candles)),
		Series: make([]float64, 0, len(candles)),
		OHLCV: OHLCVArrays{
			Open:   make([]float64, 0, len(candles)),
			High:   make([]float64, 0, len(candles)),
			Low:    make([]float64, 0, len(candles)),
			Close:  make([]float64, 0, len(candles)),
			Volume: make([]float64, 0, len(candles)),
		},
	}
	for _, c := range candles {
		reply.Dates = append(reply.Dates, c.PeriodStart)
		reply.Series = append(reply.Series, c.Close)
		reply.OHLCV.Open = append(reply.OHLCV.Open, c.Open)
		reply.OHLCV.High = append(reply.OHLCV.High, c.High)
		reply.OHLCV.Low = append(reply.OHLCV.Low, c.Low)
		reply.OHLCV.Close = append(reply.OHLCV.Close, c.Close)
		reply.OHLCV.Volume = append(reply.OHLCV.Volume, c.Volume)
	}
	return reply, nil
}

func (s *ChartsService) getOHLCV(ctx context.Context, input json.RawMessage) (interface{}, error) {
	var in struct {
		Pair      string  `json:"pair"`
		Interval  string  `json:"interval"`
		Limit     int     `json:"limit"`
		Offset    int     `json:"offset"`
		Cursor    string  `json:"cursor"`
		Direction string  `json:"direction"`
		From      *string `json:"from"`
		To        *string `json:"to"`
		Order     string  `json:"order"`
	}
	if err := json.Unmarshal(input, &in); err != nil {
		return nil, errs.Wrap(errs.InvalidParams, "malformed input", err)
	}
	pair, err := market.ParsePair(in.Pair)
	if err != nil {
		return nil, err
	}
	res, err := parseInterval(in.Interval)
	if err != nil {
		return nil, err
	}
	if in.Limit < 0 || in.Limit > 1000 {
		return nil, errs.New(errs.InvalidParams, "limit must be between 0 and 1000")
	}
	if in.Offset < 0 {
		return nil, errs.New(errs.InvalidParams, "offset must be non-negative")
	}
	if in.Order != "" && in.Order != "asc" && in.Order != "desc" {
		return nil, errs.New(errs.InvalidParams, `order must be "asc" or "desc"`)
	}
	if in.Direction != "" && in.Direction != "forward" && in.Direction != "backward" {
		return nil, errs.New(errs.InvalidParams, `direction must be "forward" or "backward"`)
	}
	from, err := parseTimestamp(in.From)
	if err != nil {
		return nil, err
	}
	to, err := parseTimestamp(in.To)
	if err != nil {
		return nil, err
	}

	total, err := s.candles.Count(ctx, res, pair)
	if err != nil {
		return nil, err
	}

	limit := in.Limit
	if limit == 0 {
		limit = 1000
	}

	q := repo.CandleQuery{
		Limit:     in.Limit,
		Offset:    in.Offset,
		Ascending: in.Order == "asc",
	}
	cq := repo.CursorQuery{
		Cursor:    in.Cursor,
		Backward:  in.Direction == "backward",
		Limit:     in.Limit,
		Ascending: in.Order == "asc",
	}
	if from != nil {
		q.From = *from
		cq.From = *from
	}
	if to != nil {
		q.To = *to
		cq.To = *to
	}

	var candles []market.Candle
	pagination := Pagination{Total: total, Limit: limit, Offset: in.Offset}
	if in.Cursor != "" {
		page, err := s.candles.GetWithCursor(ctx, res, pair, cq)
		if err != nil {
			return nil, err
		}
		candles = page.Candles
		pagination.NextCursor = page.NextCursor
		pagination.PrevCursor = page.PrevCursor
	} else {
		candles, err = s.candles.GetWithOffset(ctx, res, pair, q)
		if err != nil {
			return nil, err
		}
	}

	reply := OHLCVReply{
		Candles:    make([]CandleReply, 0, len(candles)),
		Pagination: pagination,
	}
	for _, c := range candles {
		reply.Candles = append(reply.Candles, CandleReply{
			Pair:        string(c.Pair),
			PeriodStart: c.PeriodStart,
			Open:        c.Open,
			High:        c.High,
			Low:         c.Low,
			Close:       c.Close,
			Volume:      c.Volume,
			VWAP:        c.VWAP,
			TradeCount:  c.TradeCount,
		})
	}
	return reply, nil
}
