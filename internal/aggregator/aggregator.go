// Package aggregator consumes the venue trade logs and turns the
// buffered trades into canonical VWAP prices on a fixed tick.
package aggregator

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/priceverse/priceverse/internal/cache"
	"github.com/priceverse/priceverse/internal/config"
	"github.com/priceverse/priceverse/internal/fiat"
	"github.com/priceverse/priceverse/internal/health"
	"github.com/priceverse/priceverse/internal/market"
	"github.com/priceverse/priceverse/internal/metrics"
	"github.com/priceverse/priceverse/internal/repo"
	"github.com/priceverse/priceverse/internal/stream"
)

const (
	readCount     = 100
	readBlock     = time.Second
	maxBackoff    = 30 * time.Second
	cleanWindow   = time.Minute
	persistBudget = 10 * time.Second
)

// Stats is a point-in-time snapshot of the aggregator.
type Stats struct {
	Running            bool      `json:"running"`
	ConsumerID         string    `json:"consumerId"`
	ConsecutiveErrors  int       `json:"consecutiveErrors"`
	LastSuccessfulTick time.Time `json:"lastSuccessfulTick"`
	TotalTicks         int64     `json:"totalTicks"`
}

// Aggregator owns one consumer of the shared aggregation group. It
// drains the venue logs into the per-pair buffers and emits one VWAP
// price per base pair per tick, plus the fiat-derived RUB prices.
type Aggregator struct {
	cfg     config.AggregationConfig
	venues  []string
	pairs   []market.Pair
	venlog  *stream.VenueLog
	buffer  *stream.TradeBuffer
	prices  *repo.PriceHistoryRepo
	cache   *cache.PriceCache
	bcast   *cache.Broadcaster
	fiat    *fiat.Source
	metrics *metrics.Pipeline

	consumerID string

	mu                sync.Mutex
	running           bool
	consecutiveErrors int
	lastErrorAt       time.Time
	lastTick          time.Time
	totalTicks        int64

	stopCh   chan struct{}
	doneCh   chan struct{}
	stopOnce *sync.Once
	wg       sync.WaitGroup
}

// New builds an aggregator over the given venues and configured pairs.
// Only base pairs are consumed; derived pairs come from the fiat rate.
func New(cfg config.AggregationConfig, venues []string, venlog *stream.VenueLog, buffer *stream.TradeBuffer,
	prices *repo.PriceHistoryRepo, priceCache *cache.PriceCache, bcast *cache.Broadcaster,
	fiatSource *fiat.Source, pipeline *metrics.Pipeline) (*Aggregator, error) {

	if len(venues) == 0 {
		return nil, fmt.Errorf("aggregation venues: at least one enabled venue required")
	}
	var pairs []market.Pair
	for _, s := range cfg.Pairs {
		p, err := market.ParsePair(s)
		if err != nil {
			return nil, fmt.Errorf("aggregation pairs: %w", err)
		}
		if market.IsBase(p) {
			pairs = append(pairs, p)
		}
	}
	if len(pairs) == 0 {
		pairs = market.BasePairs
	}
	if cfg.IntervalMs <= 0 {
		cfg.IntervalMs = 10000
	}
	if cfg.WindowSizeMs <= 0 {
		cfg.WindowSizeMs = 30000
	}
	if cfg.MaxConsecutiveErrors <= 0 {
		cfg.MaxConsecutiveErrors = 10
	}

	return &Aggregator{
		cfg:        cfg,
		venues:     venues,
		pairs:      pairs,
		venlog:     venlog,
		buffer:     buffer,
		prices:     prices,
		cache:      priceCache,
		bcast:      bcast,
		fiat:       fiatSource,
		metrics:    pipeline,
		consumerID: "aggregator-" + uuid.NewString(),
	}, nil
}

// Start creates the consumer groups and launches the consumption and
// tick loops.
func (a *Aggregator) Start(ctx context.Context) error {
	a.mu.Lock()
	if a.running {
		a.mu.Unlock()
		return nil
	}
	a.running = true
	a.consecutiveErrors = 0
	a.stopCh = make(chan struct{})
	a.doneCh = make(chan struct{})
	a.stopOnce = &sync.Once{}
	a.mu.Unlock()

	for _, venue := range a.venues {
		if err := a.venlog.CreateGroup(ctx, venue, "$"); err != nil {
			a.mu.Lock()
			a.running = false
			a.mu.Unlock()
			return fmt.Errorf("aggregator start: %w", err)
		}
	}

	a.wg.Add(2)
	go a.consumeLoop(a.stopCh)
	go a.tickLoop(a.stopCh)

	log.Info().Str("consumer", a.consumerID).Strs("venues", a.venues).
		Dur("interval", a.cfg.Interval()).Dur("window", a.cfg.Window()).
		Msg("aggregator started")
	return nil
}

// Stop halts both loops. Idempotent.
func (a *Aggregator) Stop(ctx context.Context) error {
	a.mu.Lock()
	if !a.running {
		a.mu.Unlock()
		return nil
	}
	a.running = false
	stopCh := a.stopCh
	once := a.stopOnce
	a.mu.Unlock()

	once.Do(func() { close(stopCh) })

	waitDone := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(waitDone)
	}()
	select {
	case <-waitDone:
	case <-ctx.Done():
		return ctx.Err()
	}
	log.Info().Str("consumer", a.consumerID).Msg("aggregator stopped")
	return nil
}

// Done is closed when the aggregator shuts itself down after hitting
// the consecutive-error ceiling. The supervisor watches it.
func (a *Aggregator) Done() <-chan struct{} {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.doneCh
}

// Stats returns a snapshot.
func (a *Aggregator) Stats() Stats {
	a.mu.Lock()
	defer a.mu.Unlock()
	return Stats{
		Running:            a.running,
		ConsumerID:         a.consumerID,
		ConsecutiveErrors:  a.consecutiveErrors,
		LastSuccessfulTick: a.lastTick,
		TotalTicks:         a.totalTicks,
	}
}

// HealthCheck reports unhealthy when stopped or error-saturated, and
// degraded when no tick completed within three intervals.
func (a *Aggregator) HealthCheck(ctx context.Context) health.Report {
	s := a.Stats()

	status := health.Healthy
	message := ""
	switch {
	case !s.Running:
		status = health.Unhealthy
		message = "aggregator not running"
	case s.ConsecutiveErrors >= a.cfg.MaxConsecutiveErrors:
		status = health.Unhealthy
		message = fmt.Sprintf("%d consecutive errors", s.ConsecutiveErrors)
	case !s.LastSuccessfulTick.IsZero() && time.Since(s.LastSuccessfulTick) > 3*a.cfg.Interval():
		status = health.Degraded
		message = fmt.Sprintf("no tick since %s", s.LastSuccessfulTick.Format(time.RFC3339))
	}

	return health.Report{
		Status: status,
		Checks: map[string]health.Check{
			"aggregator": {Status: status, Message: message},
		},
	}
}

// consumeLoop drains the venue logs round-robin into the pair buffers.
func (a *Aggregator) consumeLoop(stopCh chan struct{}) {
	defer a.wg.Done()
	ctx := context.Background()

	for i := 0; ; i = (i + 1) % len(a.venues) {
		select {
		case <-stopCh:
			return
		default:
		}

		venue := a.venues[i]
		entries, err := a.venlog.ReadGroup(ctx, venue, a.consumerID, readCount, readBlock)
		if err != nil {
			if a.recordError(venue, err) {
				return
			}
			continue
		}

		for _, e := range entries {
			if err := a.buffer.Add(ctx, e.Trade); err != nil {
				if a.recordError(venue, err) {
					return
				}
				continue
			}
			if err := a.venlog.Ack(ctx, venue, e.ID); err != nil {
				log.Warn().Str("venue", venue).Str("entry", e.ID).Err(err).Msg("ack failed")
			}
		}
		a.recordSuccess()
	}
}

// recordError counts a consumption failure, applies backoff, and
// returns true when the aggregator must shut itself down.
func (a *Aggregator) recordError(venue string, err error) bool {
	a.metrics.AggregatorErrors.Inc()

	a.mu.Lock()
	a.consecutiveErrors++
	a.lastErrorAt = time.Now()
	errors := a.consecutiveErrors
	stopCh := a.stopCh
	doneCh := a.doneCh
	once := a.stopOnce
	a.mu.Unlock()

	log.Error().Str("venue", venue).Int("consecutive", errors).Err(err).
		Msg("aggregator consumption error")

	if errors >= a.cfg.MaxConsecutiveErrors {
		log.Error().Str("consumer", a.consumerID).Int("errors", errors).
			Msg("aggregator error ceiling reached, shutting down")
		a.mu.Lock()
		a.running = false
		a.mu.Unlock()
		once.Do(func() { close(stopCh) })
		close(doneCh)
		return true
	}

	delay := time.Duration(1<<uint(errors-1)) * time.Second
	if delay > maxBackoff {
		delay = maxBackoff
	}
	select {
	case <-time.After(delay):
	case <-stopCh:
		return true
	}
	return false
}

// recordSuccess resets the error counter once a full clean window has
// passed since the last failure.
func (a *Aggregator) recordSuccess() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.consecutiveErrors > 0 && time.Since(a.lastErrorAt) >= cleanWindow {
		a.consecutiveErrors = 0
	}
}

func (a *Aggregator) tickLoop(stopCh chan struct{}) {
	defer a.wg.Done()
	ticker := time.NewTicker(a.cfg.Interval())
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			a.tick()
		}
	}
}

// tick computes the windowed VWAP for every base pair, persists the
// results, derives the RUB prices, and fans everything out.
func (a *Aggregator) tick() {
	ctx, cancel := context.WithTimeout(context.Background(), persistBudget)
	defer cancel()

	now := time.Now().UnixMilli()
	from := now - a.cfg.Window().Milliseconds()

	var points []market.PricePoint
	for _, pair := range a.pairs {
		trades, err := a.buffer.Range(ctx, pair, from, now)
		if err != nil {
			a.metrics.AggregatorErrors.Inc()
			log.Error().Str("pair", string(pair)).Err(err).Msg("window read failed")
			continue
		}

		if _, err := a.buffer.Prune(ctx, pair, from); err != nil {
			log.Warn().Str("pair", string(pair)).Err(err).Msg("buffer prune failed")
		}

		result, ok := market.ComputeVWAP(trades)
		if !ok {
			// No volume in the window means no price this tick.
			continue
		}

		point := market.PricePoint{
			Pair:      pair,
			Price:     result.Price,
			EventTime: now,
			Method:    market.MethodVWAP,
			Sources:   result.Sources,
			Volume:    result.Volume,
		}
		points = append(points, point)

		if derived, ok := market.Derived(pair); ok {
			if dp, ok := a.derive(point, derived); ok {
				points = append(points, dp)
			}
		}
	}

	if len(points) == 0 {
		// A quiet market is still a successful tick.
		a.markTick()
		return
	}

	err := repo.WithRetry(ctx, "persist prices", func(ctx context.Context) error {
		return a.prices.InsertMany(ctx, points)
	})
	if err != nil {
		a.metrics.AggregatorErrors.Inc()
		log.Error().Int("points", len(points)).Err(err).Msg("price persist failed")
		return
	}

	for _, p := range points {
		a.metrics.PricesEmitted.WithLabelValues(string(p.Pair)).Inc()
		if err := a.cache.Set(ctx, p); err != nil {
			log.Warn().Str("pair", string(p.Pair)).Err(err).Msg("price cache write failed")
		}
		if err := a.bcast.Publish(ctx, p); err != nil {
			log.Warn().Str("pair", string(p.Pair)).Err(err).Msg("price broadcast failed")
		}
	}

	a.markTick()
}

// markTick records a completed tick. Only failures leave the tick
// unrecorded.
func (a *Aggregator) markTick() {
	a.metrics.AggregatorTicks.Inc()
	a.mu.Lock()
	a.lastTick = time.Now()
	a.totalTicks++
	a.mu.Unlock()
}

// derive converts a USD price point into its RUB counterpart using the
// current fiat rate. The derived point shares the event time and adds
// the fiat source to the provenance set. A non-positive rate means the
// source has never fetched and no fallback is configured, so nothing is
// emitted.
func (a *Aggregator) derive(base market.PricePoint, pair market.Pair) (market.PricePoint, bool) {
	rate, status := a.fiat.GetRate()
	if rate <= 0 {
		log.Warn().Str("pair", string(pair)).Msg("no usable fiat rate, skipping derived price")
		return market.PricePoint{}, false
	}
	if status != fiat.Fresh {
		log.Warn().Str("pair", string(pair)).Str("rateStatus", string(status)).
			Msg("deriving fiat price from non-fresh rate")
	}

	sources := append(append([]string{}, base.Sources...), "cbr")
	sort.Strings(sources)

	return market.PricePoint{
		Pair:      pair,
		Price:     base.Price * rate,
		EventTime: base.EventTime,
		Method:    base.Method,
		Sources:   sources,
		Volume:    base.Volume,
	}, true
}
