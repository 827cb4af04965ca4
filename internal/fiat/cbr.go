// Package fiat fetches and caches the USD→RUB rate from the Central
// Bank source. There is a single writer (the refresh loop) and many
// readers; readers never block and must tolerate stale and fallback
// values.
package fiat

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/priceverse/priceverse/internal/config"
	"github.com/priceverse/priceverse/internal/health"
)

// Status qualifies the returned rate.
type Status string

const (
	// Fresh means the rate was fetched within the cache TTL.
	Fresh Status = "fresh"
	// Stale means the last successful fetch is older than 2x the TTL.
	Stale Status = "stale"
	// Fallback means the source has never succeeded in this process.
	Fallback Status = "fallback"
)

// Source provides the cached USD→RUB rate.
type Source struct {
	cfg        config.CBRConfig
	httpClient *http.Client
	limiter    *rate.Limiter

	mu                  sync.RWMutex
	rate                float64
	fetchedAt           time.Time
	consecutiveFailures int

	stopCh chan struct{}
	wg     sync.WaitGroup
	runMu  sync.Mutex
	run    bool
}

// NewSource builds a fiat-rate source from config.
func NewSource(cfg config.CBRConfig) *Source {
	return &Source{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		limiter:    rate.NewLimiter(rate.Every(time.Second), 2),
	}
}

// Start performs an initial fetch and begins the refresh loop.
func (s *Source) Start(ctx context.Context) error {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	if s.run {
		return nil
	}
	s.run = true
	s.stopCh = make(chan struct{})

	if err := s.refresh(ctx); err != nil {
		log.Warn().Err(err).Msg("initial fiat rate fetch failed, starting with fallback")
	}

	s.wg.Add(1)
	go s.loop(ctx, s.stopCh)
	return nil
}

// Stop halts the refresh loop.
func (s *Source) Stop(ctx context.Context) error {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	if !s.run {
		return nil
	}
	s.run = false
	close(s.stopCh)

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("fiat source stop: %w", ctx.Err())
	}
}

// GetRate returns the current rate and its status. A zero rate with
// Fallback status means fallback emission is disabled by config.
func (s *Source) GetRate() (float64, Status) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.fetchedAt.IsZero() {
		return s.cfg.FallbackRate, Fallback
	}
	if time.Since(s.fetchedAt) > 2*s.cfg.CacheTTL() {
		return s.rate, Stale
	}
	return s.rate, Fresh
}

// HealthCheck reports degraded on a stale rate and unhealthy when the
// source keeps failing without a value to serve.
func (s *Source) HealthCheck(ctx context.Context) health.Report {
	s.mu.RLock()
	failures := s.consecutiveFailures
	fetchedAt := s.fetchedAt
	s.mu.RUnlock()

	status := health.Healthy
	message := ""
	switch {
	case fetchedAt.IsZero() && failures >= s.cfg.RetryAttempts:
		status = health.Unhealthy
		message = fmt.Sprintf("never fetched, %d consecutive failures", failures)
	case fetchedAt.IsZero():
		message = "no fetch yet"
	case time.Since(fetchedAt) > 2*s.cfg.CacheTTL():
		status = health.Degraded
		message = fmt.Sprintf("rate stale since %s", fetchedAt.UTC().Format(time.RFC3339))
	}

	return health.Report{
		Status: status,
		Checks: map[string]health.Check{
			"source": {Status: status, Message: message},
		},
	}
}

func (s *Source) loop(ctx context.Context, stopCh chan struct{}) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.CacheTTL())
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.refresh(ctx); err != nil {
				log.Warn().Err(err).Msg("fiat rate refresh failed")
			}
		}
	}
}

// refresh fetches the rate with the configured retry budget.
func (s *Source) refresh(ctx context.Context) error {
	var lastErr error
	for attempt := 0; attempt < s.cfg.RetryAttempts; attempt++ {
		if attempt > 0 {
			delay := time.Duration(s.cfg.RetryDelayMs) * time.Millisecond
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		value, err := s.fetch(ctx)
		if err == nil {
			s.mu.Lock()
			s.rate = value
			s.fetchedAt = time.Now()
			s.consecutiveFailures = 0
			s.mu.Unlock()
			log.Debug().Float64("rate", value).Msg("fiat rate refreshed")
			return nil
		}
		lastErr = err
	}

	s.mu.Lock()
	s.consecutiveFailures++
	s.mu.Unlock()
	return lastErr
}

// cbrResponse is the daily_json.js document shape.
type cbrResponse struct {
	Valute map[string]struct {
		Value float64 `json:"Value"`
	} `json:"Valute"`
}

func (s *Source) fetch(ctx context.Context) (float64, error) {
	if err := s.limiter.Wait(ctx); err != nil {
		return 0, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.cfg.URL, nil)
	if err != nil {
		return 0, err
	}
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("cbr request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("cbr request: unexpected status %d", resp.StatusCode)
	}

	var doc cbrResponse
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return 0, fmt.Errorf("cbr response: %w", err)
	}
	usd, ok := doc.Valute["USD"]
	if !ok || usd.Value <= 0 {
		return 0, fmt.Errorf("cbr response: missing USD rate")
	}
	return usd.Value, nil
}
