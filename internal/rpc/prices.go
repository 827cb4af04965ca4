package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/priceverse/priceverse/internal/cache"
	"github.com/priceverse/priceverse/internal/errs"
	"github.com/priceverse/priceverse/internal/market"
	"github.com/priceverse/priceverse/internal/repo"
)

// PriceReply is the wire shape of one price.
type PriceReply struct {
	Pair      string    `json:"pair"`
	Price     float64   `json:"price"`
	Timestamp time.Time `json:"timestamp"`
}

// PriceChangeReply is the getPriceChange result.
type PriceChangeReply struct {
	Pair          string    `json:"pair"`
	StartDate     time.Time `json:"startDate"`
	EndDate       time.Time `json:"endDate"`
	StartPrice    float64   `json:"startPrice"`
	EndPrice      float64   `json:"endPrice"`
	ChangePercent float64   `json:"changePercent"`
}

// PricesService serves current and historical canonical prices,
// reading through the cache before hitting the store.
type PricesService struct {
	prices *repo.PriceHistoryRepo
	cache  *cache.PriceCache
}

// NewPricesService wires the price read path.
func NewPricesService(prices *repo.PriceHistoryRepo, priceCache *cache.PriceCache) *PricesService {
	return &PricesService{prices: prices, cache: priceCache}
}

// Definition returns the dispatchable service.
func (s *PricesService) Definition() *Service {
	return &Service{
		Name:    "PricesService",
		Version: "2.0.0",
		Methods: map[string]Handler{
			"getPrice":          s.getPrice,
			"getMultiplePrices": s.getMultiplePrices,
			"getPriceChange":    s.getPriceChange,
		},
	}
}

func toPriceReply(p market.PricePoint) PriceReply {
	return PriceReply{Pair: string(p.Pair), Price: p.Price, Timestamp: p.Time()}
}

// latest is the cache-aside read: cache hit wins, a miss falls back to
// the store and repopulates the cache best-effort.
func (s *PricesService) latest(ctx context.Context, pair market.Pair) (market.PricePoint, error) {
	if p, err := s.cache.Get(ctx, pair); err == nil {
		return p, nil
	} else if !errors.Is(err, cache.ErrMiss) {
		log.Warn().Str("pair", string(pair)).Err(err).Msg("price cache read failed")
	}

	p, err := s.prices.Latest(ctx, pair)
	if err != nil {
		return market.PricePoint{}, err
	}
	if err := s.cache.Set(ctx, p); err != nil {
		log.Warn().Str("pair", string(pair)).Err(err).Msg("price cache refill failed")
	}
	return p, nil
}

func (s *PricesService) getPrice(ctx context.Context, input json.RawMessage) (interface{}, error) {
	var in struct {
		Pair string `json:"pair"`
	}
	if err := json.Unmarshal(input, &in); err != nil {
		return nil, errs.Wrap(errs.InvalidParams, "malformed input", err)
	}
	pair, err := market.ParsePair(in.Pair)
	if err != nil {
		return nil, err
	}

	p, err := s.latest(ctx, pair)
	if err != nil {
		return nil, err
	}
	return toPriceReply(p), nil
}

func (s *PricesService) getMultiplePrices(ctx context.Context, input json.RawMessage) (interface{}, error) {
	var in struct {
		Pairs []string `json:"pairs"`
	}
	if err := json.Unmarshal(input, &in); err != nil {
		return nil, errs.Wrap(errs.InvalidParams, "malformed input", err)
	}
	if len(in.Pairs) < 1 || len(in.Pairs) > 10 {
		return nil, errs.New(errs.InvalidParams, "pairs must hold between 1 and 10 entries")
	}

	out := make([]PriceReply, 0, len(in.Pairs))
	for _, raw := range in.Pairs {
		pair, err := market.ParsePair(raw)
		if err != nil {
			return nil, err
		}
		p, err := s.latest(ctx, pair)
		if err != nil {
			// Pairs without a price are dropped, not errors.
			if errs.CodeOf(err) == errs.PriceUnavailable {
				continue
			}
			return nil, err
		}
		out = append(out, toPriceReply(p))
	}
	return out, nil
}

// changeBounds resolves a named period to a concrete [from, to] range.
func changeBounds(period string, from, to *time.Time) (time.Time, time.Time, error) {
	now := time.Now().UTC()
	switch period {
	case "24hours":
		return now.Add(-24 * time.Hour), now, nil
	case "7days":
		return now.AddDate(0, 0, -7), now, nil
	case "30days":
		return now.AddDate(0, 0, -30), now, nil
	case "custom":
		if from == nil {
			return time.Time{}, time.Time{}, errs.New(errs.InvalidParams, "custom period requires from")
		}
		end := now
		if to != nil {
			end = *to
		}
		if !from.Before(end) {
			return time.Time{}, time.Time{}, errs.New(errs.InvalidTimeRange, "from must precede to")
		}
		return *from, end, nil
	default:
		return time.Time{}, time.Time{}, errs.Newf(errs.InvalidPeriod, "unknown period %q", period)
	}
}

func (s *PricesService) getPriceChange(ctx context.Context, input json.RawMessage) (interface{}, error) {
	var in struct {
		Pair   string  `json:"pair"`
		Period string  `json:"period"`
		From   *string `json:"from"`
		To     *string `json:"to"`
	}
	if err := json.Unmarshal(input, &in); err != nil {
		return nil, errs.Wrap(errs.InvalidParams, "malformed input", err)
	}
	pair, err := market.ParsePair(in.Pair)
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

	first, err := s.prices.FirstAfter(ctx, pair, start.UnixMilli())
	if err != nil {
		return nil, err
	}
	last, err := s.prices.LastBefore(ctx, pair, end.UnixMilli())
	if err != nil {
		return nil, err
	}

	change := 0.0
	if first.Price != 0 {
		change = (last.Price - first.Price) / first.Price * 100
	}
	return PriceChangeReply{
		Pair:          string(pair),
		StartDate:     first.Time(),
		EndDate:       last.Time(),
		StartPrice:    first.Price,
		EndPrice:      last.Price,
		ChangePercent: change,
	}, nil
}

func parseTimestamp(s *string) (*time.Time, error) {
	if s == nil || *s == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, *s)
	if err != nil {
		return nil, errs.Wrap(errs.InvalidDateFormat, "timestamps must be RFC3339", err)
	}
	u := t.UTC()
	return &u, nil
}
