// Package collector maintains live trade feeds for each venue,
// normalizes venue frames into market.Trade records and appends them to
// the venue event log. Each venue adapter supplies the dial, subscribe
// and parse behavior; the Collector owns the connection lifecycle.
package collector

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"

	"github.com/priceverse/priceverse/internal/health"
	"github.com/priceverse/priceverse/internal/market"
	"github.com/priceverse/priceverse/internal/metrics"
	"github.com/priceverse/priceverse/internal/stream"
)

// Config tunes the shared collector behavior.
type Config struct {
	DialTimeout          time.Duration
	MaxReconnectAttempts int
	MaxBackoff           time.Duration
	SilenceThreshold     time.Duration
	ReadDeadline         time.Duration
}

// DefaultConfig returns the production collector settings.
func DefaultConfig() Config {
	return Config{
		DialTimeout:          10 * time.Second,
		MaxReconnectAttempts: 10,
		MaxBackoff:           30 * time.Second,
		SilenceThreshold:     60 * time.Second,
		ReadDeadline:         120 * time.Second,
	}
}

// adapter is the venue-specific half of a collector.
type adapter interface {
	Venue() string
	Symbols() *market.SymbolMap

	// Dial opens the venue socket. Adapters with a handshake (KuCoin)
	// complete it here so the connection is ready to subscribe.
	Dial(ctx context.Context, dialer *websocket.Dialer) (*websocket.Conn, error)

	// Subscribe sends the venue subscription for the mapped symbols.
	// Venues that subscribe via the URL return nil without writing.
	Subscribe(conn *websocket.Conn, pairs []market.Pair) error

	// Control inspects a frame for protocol chatter (acks, pings,
	// subscription status). When handled is true the frame carries no
	// trades; a non-nil reply is written back to the venue.
	Control(frame []byte) (reply []byte, handled bool)

	// ParseMessage extracts normalized trades from a venue frame. An
	// empty result means the frame is silently dropped.
	ParseMessage(frame []byte) []market.Trade

	// PingInterval returns the application-level ping cadence, zero
	// when the venue needs none.
	PingInterval() time.Duration

	// PingPayload is the application-level ping frame.
	PingPayload() []byte
}

// Stats is a snapshot of the collector counters.
type Stats struct {
	Venue             string    `json:"venue"`
	Connected         bool      `json:"connected"`
	TradesReceived    int64     `json:"trades_received"`
	ErrorCount        int64     `json:"error_count"`
	LastTradeAt       time.Time `json:"last_trade_at"`
	ReconnectAttempts int64     `json:"reconnect_attempts"`
}

// Collector runs one venue feed.
type Collector struct {
	adapter adapter
	venues  *stream.VenueLog
	pairs   []market.Pair
	cfg     Config
	met     *metrics.Pipeline
	breaker *gobreaker.CircuitBreaker

	mu        sync.Mutex
	writeMu   sync.Mutex
	conn      *websocket.Conn
	running   bool
	stopCh    chan struct{}
	wg        sync.WaitGroup
	connected atomic.Bool

	tradesReceived atomic.Int64
	errorCount     atomic.Int64
	lastTradeMs    atomic.Int64
	reconnects     atomic.Int64
	disconnectedAt atomic.Int64 // epoch ms, 0 while connected
}

// New builds a collector for one venue adapter.
func New(a adapter, venues *stream.VenueLog, pairs []market.Pair, cfg Config, met *metrics.Pipeline) *Collector {
	c := &Collector{
		adapter: a,
		venues:  venues,
		pairs:   pairs,
		cfg:     cfg,
		met:     met,
	}
	c.disconnectedAt.Store(time.Now().UnixMilli())
	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:     a.Venue() + "-reconnect",
		Interval: 60 * time.Second,
		Timeout:  60 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})
	return c
}

// Venue returns the venue name.
func (c *Collector) Venue() string { return c.adapter.Venue() }

// Start begins the connection loop. Idempotent after Stop.
func (c *Collector) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return nil
	}
	c.running = true
	c.stopCh = make(chan struct{})
	c.wg.Add(1)
	go c.run(ctx, c.stopCh)
	log.Info().Str("venue", c.Venue()).Msg("collector started")
	return nil
}

// Stop requests a graceful close and waits for the loop to exit.
func (c *Collector) Stop(ctx context.Context) error {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return nil
	}
	c.running = false
	close(c.stopCh)
	if c.conn != nil {
		_ = c.conn.Close()
	}
	c.mu.Unlock()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		log.Info().Str("venue", c.Venue()).Msg("collector stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("collector %s: stop: %w", c.Venue(), ctx.Err())
	}
}

// Reconnect forces a reconnection of the venue socket. A circuit
// breaker opens after 5 consecutive failures within 60s, forcing a 60s
// cooldown before another attempt is admitted.
func (c *Collector) Reconnect(ctx context.Context) error {
	_, err := c.breaker.Execute(func() (interface{}, error) {
		c.mu.Lock()
		conn := c.conn
		running := c.running
		c.mu.Unlock()
		if !running {
			return nil, fmt.Errorf("collector %s: not running", c.Venue())
		}
		if conn != nil {
			_ = conn.Close()
		}
		return nil, nil
	})
	return err
}

// Stats returns a snapshot of the collector counters.
func (c *Collector) Stats() Stats {
	var last time.Time
	if ms := c.lastTradeMs.Load(); ms > 0 {
		last = time.UnixMilli(ms)
	}
	return Stats{
		Venue:             c.Venue(),
		Connected:         c.connected.Load(),
		TradesReceived:    c.tradesReceived.Load(),
		ErrorCount:        c.errorCount.Load(),
		LastTradeAt:       last,
		ReconnectAttempts: c.reconnects.Load(),
	}
}

// DisconnectedFor reports how long the venue socket has been down,
// zero while connected. The alert scanner samples this.
func (c *Collector) DisconnectedFor() time.Duration {
	at := c.disconnectedAt.Load()
	if at == 0 {
		return 0
	}
	down := time.Since(time.UnixMilli(at))
	c.met.DisconnectedSince.WithLabelValues(c.Venue()).Set(down.Seconds())
	return down
}

// HealthCheck reports unhealthy when disconnected and degraded when the
// feed has gone silent past the threshold.
func (c *Collector) HealthCheck(ctx context.Context) health.Report {
	checks := make(map[string]health.Check, 2)

	connStatus := health.Healthy
	if !c.connected.Load() {
		connStatus = health.Unhealthy
		checks["connection"] = health.Check{
			Status:  connStatus,
			Message: fmt.Sprintf("disconnected for %s", c.DisconnectedFor().Round(time.Second)),
		}
	} else {
		checks["connection"] = health.Check{Status: connStatus}
	}

	feedStatus := health.Healthy
	if ms := c.lastTradeMs.Load(); ms > 0 {
		if silence := time.Since(time.UnixMilli(ms)); silence > c.cfg.SilenceThreshold {
			feedStatus = health.Degraded
			checks["feed"] = health.Check{
				Status:  feedStatus,
				Message: fmt.Sprintf("no trades for %s", silence.Round(time.Second)),
			}
		} else {
			checks["feed"] = health.Check{Status: feedStatus}
		}
	} else {
		checks["feed"] = health.Check{Status: feedStatus, Message: "no trades yet"}
	}

	return health.Report{Status: health.Combine(connStatus, feedStatus), Checks: checks}
}

func (c *Collector) run(ctx context.Context, stopCh chan struct{}) {
	defer c.wg.Done()
	attempts := 0

	for {
		if stopped(stopCh) || ctx.Err() != nil {
			return
		}

		conn, err := c.connect(ctx)
		if err != nil {
			attempts++
			c.reconnects.Add(1)
			c.met.Reconnects.WithLabelValues(c.Venue()).Inc()
			if attempts >= c.cfg.MaxReconnectAttempts {
				log.Error().Str("venue", c.Venue()).Int("attempts", attempts).
					Msg("collector giving up after max reconnect attempts")
				return
			}
			wait := backoff(attempts, c.cfg.MaxBackoff)
			log.Warn().Str("venue", c.Venue()).Err(err).
				Dur("backoff", wait).Int("attempt", attempts).
				Msg("collector connect failed, backing off")
			if !sleep(ctx, stopCh, wait) {
				return
			}
			continue
		}

		attempts = 0
		c.setConn(conn, true)
		c.met.ConnectedGauge.WithLabelValues(c.Venue()).Set(1)
		log.Info().Str("venue", c.Venue()).Msg("collector connected")

		keepaliveDone := c.startKeepalive(conn, stopCh)
		c.readLoop(conn, stopCh)
		close(keepaliveDone)

		c.setConn(nil, false)
		c.met.ConnectedGauge.WithLabelValues(c.Venue()).Set(0)
		_ = conn.Close()

		if stopped(stopCh) || ctx.Err() != nil {
			return
		}
		log.Warn().Str("venue", c.Venue()).Msg("collector disconnected, reconnecting")
	}
}

func (c *Collector) connect(ctx context.Context) (*websocket.Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, c.cfg.DialTimeout)
	defer cancel()

	dialer := *websocket.DefaultDialer
	dialer.HandshakeTimeout = c.cfg.DialTimeout

	conn, err := c.adapter.Dial(dialCtx, &dialer)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", c.Venue(), err)
	}
	if err := c.adapter.Subscribe(conn, c.pairs); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("subscribe %s: %w", c.Venue(), err)
	}
	return conn, nil
}

func (c *Collector) readLoop(conn *websocket.Conn, stopCh chan struct{}) {
	for {
		if stopped(stopCh) {
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(c.cfg.ReadDeadline))
		_, frame, err := conn.ReadMessage()
		if err != nil {
			if !stopped(stopCh) {
				c.countError()
				log.Warn().Str("venue", c.Venue()).Err(err).Msg("collector read error")
			}
			return
		}

		if reply, handled := c.adapter.Control(frame); handled {
			if reply != nil {
				if err := c.write(conn, reply); err != nil {
					c.countError()
					log.Warn().Str("venue", c.Venue()).Err(err).Msg("collector control write failed")
					return
				}
			}
			continue
		}

		trades := c.adapter.ParseMessage(frame)
		if len(trades) == 0 {
			log.Debug().Str("venue", c.Venue()).Msg("dropping non-trade frame")
			continue
		}
		for _, trade := range trades {
			c.emit(trade)
		}
	}
}

func (c *Collector) emit(trade market.Trade) {
	c.tradesReceived.Add(1)
	c.lastTradeMs.Store(time.Now().UnixMilli())
	c.met.TradesReceived.WithLabelValues(c.Venue()).Inc()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := c.venues.Append(ctx, trade); err != nil {
		c.countError()
		log.Warn().Str("venue", c.Venue()).Str("pair", string(trade.Pair)).
			Err(err).Msg("venue log append failed")
	}
}

func (c *Collector) startKeepalive(conn *websocket.Conn, stopCh chan struct{}) chan struct{} {
	done := make(chan struct{})
	interval := c.adapter.PingInterval()
	if interval <= 0 {
		return done
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-stopCh:
				return
			case <-ticker.C:
				if err := c.write(conn, c.adapter.PingPayload()); err != nil {
					log.Warn().Str("venue", c.Venue()).Err(err).Msg("keepalive ping failed")
					_ = conn.Close()
					return
				}
			}
		}
	}()
	return done
}

func (c *Collector) write(conn *websocket.Conn, payload []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return conn.WriteMessage(websocket.TextMessage, payload)
}

func (c *Collector) setConn(conn *websocket.Conn, connected bool) {
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	c.connected.Store(connected)
	if connected {
		c.disconnectedAt.Store(0)
		c.met.DisconnectedSince.WithLabelValues(c.Venue()).Set(0)
	} else {
		c.disconnectedAt.Store(time.Now().UnixMilli())
	}
}

func (c *Collector) countError() {
	c.errorCount.Add(1)
	c.met.CollectorErrors.WithLabelValues(c.Venue()).Inc()
}

// backoff returns min(2^attempts * 1s, max).
func backoff(attempts int, max time.Duration) time.Duration {
	if attempts < 0 {
		attempts = 0
	}
	if attempts > 10 {
		return max
	}
	d := time.Duration(1<<uint(attempts)) * time.Second
	if d > max {
		return max
	}
	return d
}

func sleep(ctx context.Context, stopCh chan struct{}, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-stopCh:
		return false
	case <-ctx.Done():
		return false
	}
}

func stopped(stopCh chan struct{}) bool {
	select {
	case <-stopCh:
		return true
	default:
		return false
	}
}
