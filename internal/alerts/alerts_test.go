package alerts

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/priceverse/priceverse/internal/config"
)

type webhookSink struct {
	mu       sync.Mutex
	payloads []payload
}

func (s *webhookSink) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var p payload
		if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		s.mu.Lock()
		s.payloads = append(s.payloads, p)
		s.mu.Unlock()
	}
}

func (s *webhookSink) received() []payload {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]payload, len(s.payloads))
	copy(out, s.payloads)
	return out
}

func switchRule(id string, active *bool, mu *sync.Mutex) Rule {
	return Rule{
		ID:       id,
		Type:     "test.condition",
		Severity: Warning,
		Check: func(ctx context.Context) (bool, string, map[string]interface{}) {
			mu.Lock()
			defer mu.Unlock()
			return *active, "condition active", map[string]interface{}{"k": "v"}
		},
	}
}

func TestScanFiresOncePerActivation(t *testing.T) {
	sink := &webhookSink{}
	srv := httptest.NewServer(sink.handler())
	defer srv.Close()

	m := NewManager(config.AlertsConfig{
		Enabled:     true,
		WebhookURL:  srv.URL,
		Environment: "test",
	})

	var mu sync.Mutex
	active := true
	m.AddRule(switchRule("test-alert", &active, &mu))

	ctx := context.Background()
	m.Scan(ctx)
	m.Scan(ctx)
	m.Scan(ctx)

	got := sink.received()
	require.Len(t, got, 1, "repeated scans must not refire an active alert")
	assert.Equal(t, "test-alert", got[0].ID)
	assert.Equal(t, Warning, got[0].Severity)
	assert.Equal(t, "test.condition", got[0].Type)
	assert.Equal(t, "priceverse", got[0].Service)
	assert.Equal(t, "test", got[0].Environment)
	assert.Equal(t, "v", got[0].Metadata["k"])
	assert.False(t, got[0].Timestamp.IsZero())
}

func TestScanSendsResolution(t *testing.T) {
	sink := &webhookSink{}
	srv := httptest.NewServer(sink.handler())
	defer srv.Close()

	m := NewManager(config.AlertsConfig{Enabled: true, WebhookURL: srv.URL})

	var mu sync.Mutex
	active := true
	m.AddRule(switchRule("flappy", &active, &mu))

	ctx := context.Background()
	m.Scan(ctx)

	mu.Lock()
	active = false
	mu.Unlock()
	m.Scan(ctx)
	m.Scan(ctx)

	got := sink.received()
	require.Len(t, got, 2)
	assert.Equal(t, "flappy", got[0].ID)
	assert.Equal(t, "flappy:resolved", got[1].ID)
	assert.Equal(t, "test.condition.resolved", got[1].Type)
}

func TestInactiveRuleSendsNothing(t *testing.T) {
	sink := &webhookSink{}
	srv := httptest.NewServer(sink.handler())
	defer srv.Close()

	m := NewManager(config.AlertsConfig{Enabled: true, WebhookURL: srv.URL})

	var mu sync.Mutex
	active := false
	m.AddRule(switchRule("quiet", &active, &mu))

	m.Scan(context.Background())
	assert.Empty(t, sink.received())
}

func TestDisabledManagerDoesNotStart(t *testing.T) {
	m := NewManager(config.AlertsConfig{Enabled: false})
	require.NoError(t, m.Start(context.Background()))
	require.NoError(t, m.Stop(context.Background()))
}
