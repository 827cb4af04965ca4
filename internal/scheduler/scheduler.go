// Package scheduler runs named periodic jobs on cron expressions or
// fixed intervals.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"

	"github.com/priceverse/priceverse/internal/errs"
)

// Job is one unit of scheduled work. Failures are logged, never fatal
// to the scheduler.
type Job func(ctx context.Context) error

// Scheduler is a registry of periodic jobs keyed by a stable name.
type Scheduler struct {
	cron *cron.Cron

	mu      sync.Mutex
	names   map[string]cron.EntryID
	tickers []*intervalJob
	running bool
}

type intervalJob struct {
	name     string
	interval time.Duration
	job      Job
	stopCh   chan struct{}
}

// New builds an empty scheduler. Cron expressions use the standard
// five-field format in UTC.
func New() *Scheduler {
	return &Scheduler{
		cron:  cron.New(cron.WithLocation(time.UTC)),
		names: map[string]cron.EntryID{},
	}
}

// AddCron registers a job under a unique name with a cron expression.
// Registering a duplicate name fails fast.
func (s *Scheduler) AddCron(name, expr string, job Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.names[name]; exists {
		return errs.Newf(errs.InternalError, "duplicate scheduled job %q", name)
	}
	id, err := s.cron.AddFunc(expr, s.wrap(name, job))
	if err != nil {
		return fmt.Errorf("schedule %q (%s): %w", name, expr, err)
	}
	s.names[name] = id
	return nil
}

// AddInterval registers a job that runs every interval.
func (s *Scheduler) AddInterval(name string, interval time.Duration, job Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.names[name]; exists {
		return errs.Newf(errs.InternalError, "duplicate scheduled job %q", name)
	}
	if interval <= 0 {
		return errs.Newf(errs.InternalError, "job %q: interval must be positive", name)
	}
	s.names[name] = 0
	s.tickers = append(s.tickers, &intervalJob{
		name:     name,
		interval: interval,
		job:      job,
		stopCh:   make(chan struct{}),
	})
	return nil
}

// Names lists the registered job names.
func (s *Scheduler) Names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.names))
	for name := range s.names {
		out = append(out, name)
	}
	return out
}

// Start launches the cron runner and the interval tickers.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}
	s.running = true
	s.cron.Start()
	for _, t := range s.tickers {
		// Stop closed the previous channel; each run gets a fresh one.
		t.stopCh = make(chan struct{})
		go s.runInterval(t, t.stopCh)
	}
	log.Info().Int("jobs", len(s.names)).Msg("scheduler started")
	return nil
}

// Stop halts the runner and waits for in-flight cron jobs.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	for _, t := range s.tickers {
		close(t.stopCh)
	}
	s.mu.Unlock()
	select {
	case <-s.cron.Stop().Done():
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

func (s *Scheduler) runInterval(t *intervalJob, stopCh chan struct{}) {
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()
	run := s.wrap(t.name, t.job)
	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			run()
		}
	}
}

func (s *Scheduler) wrap(name string, job Job) func() {
	return func() {
		start := time.Now()
		if err := job(context.Background()); err != nil {
			log.Error().Str("job", name).Dur("took", time.Since(start)).Err(err).
				Msg("scheduled job failed")
			return
		}
		log.Debug().Str("job", name).Dur("took", time.Since(start)).Msg("scheduled job done")
	}
}
