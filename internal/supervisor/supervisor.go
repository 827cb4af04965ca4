// Package supervisor owns the process lifecycle: ordered startup,
// ordered shutdown with a hard per-component stop budget, and bounded
// restarts for components that die on their own.
package supervisor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// stopBudget caps how long one component may take to stop.
const stopBudget = 8 * time.Second

// Restart policy: a component may restart at most maxRestarts times in
// any restartWindow. Beyond that it is terminal and the supervisor
// reports failure.
const (
	maxRestarts   = 5
	restartWindow = time.Minute
)

// Lifecyclable is anything the supervisor can start and stop.
type Lifecyclable interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

type component struct {
	name string
	svc  Lifecyclable

	// watch returns a channel closed when the component dies on its
	// own. Nil for components that never self-terminate.
	watch func() <-chan struct{}

	restarts []time.Time
}

// Supervisor starts components in registration order and stops them in
// reverse.
type Supervisor struct {
	mu         sync.Mutex
	components []*component
	stopOrder  []string
	started    bool
	failedCh   chan error
	failOnce   sync.Once
	stopCh     chan struct{}
	wg         sync.WaitGroup
}

// New builds an empty supervisor.
func New() *Supervisor {
	return &Supervisor{
		failedCh: make(chan error, 1),
		stopCh:   make(chan struct{}),
	}
}

// Add registers a component. Order of registration is start order.
func (s *Supervisor) Add(name string, svc Lifecyclable) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.components = append(s.components, &component{name: name, svc: svc})
}

// AddWatched registers a component whose self-termination triggers a
// restart. The watch func must return the channel for the current run.
func (s *Supervisor) AddWatched(name string, svc Lifecyclable, watch func() <-chan struct{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.components = append(s.components, &component{name: name, svc: svc, watch: watch})
}

// SetStopOrder overrides the shutdown sequence. Named components stop
// first, in the given order; anything unnamed follows in reverse
// registration order.
func (s *Supervisor) SetStopOrder(names ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopOrder = names
}

// Failed yields the terminal error when a watched component exhausts
// its restart budget.
func (s *Supervisor) Failed() <-chan error { return s.failedCh }

// Start brings every component up in order. On failure the already
// started components are stopped in reverse and the error is returned.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = true
	components := s.components
	s.mu.Unlock()

	for i, c := range components {
		log.Info().Str("component", c.name).Msg("starting")
		if err := c.svc.Start(ctx); err != nil {
			log.Error().Str("component", c.name).Err(err).Msg("start failed, rolling back")
			s.stopRange(orderForStop(components[:i], nil))
			s.mu.Lock()
			s.started = false
			s.mu.Unlock()
			return fmt.Errorf("start %s: %w", c.name, err)
		}
		if c.watch != nil {
			s.wg.Add(1)
			go s.monitor(c)
		}
	}
	log.Info().Int("components", len(components)).Msg("supervisor up")
	return nil
}

// Stop takes every component down in reverse order. Each component
// gets the stop budget; overruns are logged and shutdown proceeds.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = false
	components := s.components
	stopOrder := s.stopOrder
	s.mu.Unlock()

	close(s.stopCh)
	s.stopRange(orderForStop(components, stopOrder))
	s.wg.Wait()
	log.Info().Msg("supervisor down")
	return nil
}

// orderForStop returns components reversed for shutdown, with any
// explicitly named components pulled to the front in their given
// order.
func orderForStop(components []*component, names []string) []*component {
	byName := make(map[string]*component, len(components))
	for _, c := range components {
		byName[c.name] = c
	}

	var ordered []*component
	seen := map[string]bool{}
	for _, name := range names {
		if c, ok := byName[name]; ok {
			ordered = append(ordered, c)
			seen[name] = true
		}
	}
	for i := len(components) - 1; i >= 0; i-- {
		if !seen[components[i].name] {
			ordered = append(ordered, components[i])
		}
	}
	return ordered
}

func (s *Supervisor) stopRange(components []*component) {
	for i := 0; i < len(components); i++ {
		c := components[i]
		ctx, cancel := context.WithTimeout(context.Background(), stopBudget)
		if err := c.svc.Stop(ctx); err != nil {
			log.Error().Str("component", c.name).Err(err).Msg("stop failed")
		} else {
			log.Info().Str("component", c.name).Msg("stopped")
		}
		cancel()
	}
}

// monitor restarts a watched component when it dies, within the
// sliding restart window.
func (s *Supervisor) monitor(c *component) {
	defer s.wg.Done()
	for {
		done := c.watch()
		select {
		case <-s.stopCh:
			return
		case <-done:
		}

		select {
		case <-s.stopCh:
			return
		default:
		}

		now := time.Now()
		recent := c.restarts[:0]
		for _, t := range c.restarts {
			if now.Sub(t) < restartWindow {
				recent = append(recent, t)
			}
		}
		c.restarts = append(recent, now)

		if len(c.restarts) > maxRestarts {
			err := fmt.Errorf("component %s exceeded %d restarts in %s", c.name, maxRestarts, restartWindow)
			log.Error().Err(err).Msg("component terminal")
			s.failOnce.Do(func() { s.failedCh <- err })
			return
		}

		log.Warn().Str("component", c.name).Int("restart", len(c.restarts)).Msg("restarting component")
		ctx, cancel := context.WithTimeout(context.Background(), stopBudget)
		_ = c.svc.Stop(ctx)
		cancel()
		if err := c.svc.Start(context.Background()); err != nil {
			log.Error().Str("component", c.name).Err(err).Msg("restart failed")
			s.failOnce.Do(func() { s.failedCh <- fmt.Errorf("restart %s: %w", c.name, err) })
			return
		}
	}
}
