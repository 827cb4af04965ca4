// Package alerts watches the pipeline and pushes webhook
// notifications when components degrade, with one notification per
// transition: fire once when a condition activates, once more when it
// resolves.
package alerts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/priceverse/priceverse/internal/config"
)

const (
	scanInterval   = 30 * time.Second
	webhookTimeout = 10 * time.Second
	serviceName    = "priceverse"
)

// Severity ranks an alert.
type Severity string

const (
	Warning  Severity = "warning"
	Critical Severity = "critical"
)

// Rule is one watched condition. ID must be stable across scans; it
// keys the deduplication state.
type Rule struct {
	ID       string
	Type     string
	Severity Severity
	Check    func(ctx context.Context) (active bool, message string, metadata map[string]interface{})
}

// payload is the webhook wire format.
type payload struct {
	ID          string                 `json:"id"`
	Severity    Severity               `json:"severity"`
	Type        string                 `json:"type"`
	Message     string                 `json:"message"`
	Timestamp   time.Time              `json:"timestamp"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
	Service     string                 `json:"service"`
	Environment string                 `json:"environment"`
}

// Manager periodically evaluates the registered rules.
type Manager struct {
	cfg        config.AlertsConfig
	httpClient *http.Client

	mu     sync.Mutex
	rules  []Rule
	active map[string]bool

	runMu  sync.Mutex
	run    bool
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewManager builds an alert manager from config.
func NewManager(cfg config.AlertsConfig) *Manager {
	return &Manager{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: webhookTimeout},
		active:     map[string]bool{},
	}
}

// AddRule registers a condition to watch.
func (m *Manager) AddRule(rule Rule) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rules = append(m.rules, rule)
}

// Start begins the scan loop. A no-op when alerting is disabled.
func (m *Manager) Start(ctx context.Context) error {
	if !m.cfg.Enabled || m.cfg.WebhookURL == "" {
		log.Info().Msg("alerting disabled")
		return nil
	}
	m.runMu.Lock()
	defer m.runMu.Unlock()
	if m.run {
		return nil
	}
	m.run = true
	m.stopCh = make(chan struct{})
	m.wg.Add(1)
	go m.loop(m.stopCh)
	log.Info().Str("webhook", m.cfg.WebhookURL).Msg("alert manager started")
	return nil
}

// Stop halts the scan loop.
func (m *Manager) Stop(ctx context.Context) error {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	if !m.run {
		return nil
	}
	m.run = false
	close(m.stopCh)
	m.wg.Wait()
	return nil
}

func (m *Manager) loop(stopCh chan struct{}) {
	defer m.wg.Done()
	ticker := time.NewTicker(scanInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			m.Scan(context.Background())
		}
	}
}

// Scan evaluates every rule once and sends the transition
// notifications.
func (m *Manager) Scan(ctx context.Context) {
	m.mu.Lock()
	rules := make([]Rule, len(m.rules))
	copy(rules, m.rules)
	m.mu.Unlock()

	for _, rule := range rules {
		active, message, metadata := rule.Check(ctx)

		m.mu.Lock()
		wasActive := m.active[rule.ID]
		m.active[rule.ID] = active
		m.mu.Unlock()

		switch {
		case active && !wasActive:
			m.send(ctx, payload{
				ID:          rule.ID,
				Severity:    rule.Severity,
				Type:        rule.Type,
				Message:     message,
				Timestamp:   time.Now().UTC(),
				Metadata:    metadata,
				Service:     serviceName,
				Environment: m.cfg.Environment,
			})
		case !active && wasActive:
			m.send(ctx, payload{
				ID:          rule.ID + ":resolved",
				Severity:    rule.Severity,
				Type:        rule.Type + ".resolved",
				Message:     fmt.Sprintf("resolved: %s", rule.ID),
				Timestamp:   time.Now().UTC(),
				Service:     serviceName,
				Environment: m.cfg.Environment,
			})
		}
	}
}

func (m *Manager) send(ctx context.Context, p payload) {
	body, err := json.Marshal(p)
	if err != nil {
		log.Error().Str("alert", p.ID).Err(err).Msg("encode alert payload")
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.cfg.WebhookURL, bytes.NewReader(body))
	if err != nil {
		log.Error().Str("alert", p.ID).Err(err).Msg("build alert request")
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := m.httpClient.Do(req)
	if err != nil {
		log.Error().Str("alert", p.ID).Err(err).Msg("alert webhook failed")
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		log.Error().Str("alert", p.ID).Int("status", resp.StatusCode).Msg("alert webhook rejected")
		return
	}
	log.Info().Str("alert", p.ID).Str("severity", string(p.Severity)).Msg("alert sent")
}
