package rpc

import (
	"context"
	"encoding/json"
	"time"

	"github.com/priceverse/priceverse/internal/health"
)

// HealthService reports system health over the RPC surface, backed by
// the same probe registry the HTTP health endpoints use.
type HealthService struct {
	probe     *health.Probe
	version   string
	startedAt time.Time
}

// NewHealthService wires the probe registry.
func NewHealthService(probe *health.Probe, version string) *HealthService {
	return &HealthService{probe: probe, version: version, startedAt: time.Now()}
}

// Definition returns the dispatchable service.
func (s *HealthService) Definition() *Service {
	return &Service{
		Name:    "HealthService",
		Version: "1.0.0",
		Methods: map[string]Handler{
			"check": s.check,
			"live":  s.live,
			"ready": s.ready,
		},
	}
}

// CheckReply is the full health snapshot.
type CheckReply struct {
	Status    health.Status           `json:"status"`
	Timestamp time.Time               `json:"timestamp"`
	Uptime    float64                 `json:"uptime"`
	Version   string                  `json:"version"`
	Checks    map[string]health.Check `json:"checks"`
	Latency   float64                 `json:"latency"`
}

func (s *HealthService) check(ctx context.Context, _ json.RawMessage) (interface{}, error) {
	start := time.Now()
	overall, reports := s.probe.Sample(ctx)

	checks := map[string]health.Check{}
	for name, report := range reports {
		if len(report.Checks) == 0 {
			checks[name] = health.Check{Status: report.Status}
			continue
		}
		for sub, c := range report.Checks {
			key := name
			if sub != name {
				key = name + "." + sub
			}
			checks[key] = c
		}
	}

	return CheckReply{
		Status:    overall,
		Timestamp: time.Now().UTC(),
		Uptime:    time.Since(s.startedAt).Seconds(),
		Version:   s.version,
		Checks:    checks,
		Latency:   float64(time.Since(start).Milliseconds()),
	}, nil
}

func (s *HealthService) live(_ context.Context, _ json.RawMessage) (interface{}, error) {
	return map[string]string{"status": "up"}, nil
}

func (s *HealthService) ready(ctx context.Context, _ json.RawMessage) (interface{}, error) {
	overall, _ := s.probe.Sample(ctx)
	if overall == health.Unhealthy {
		return map[string]string{"status": "down", "message": "one or more components unhealthy"}, nil
	}
	return map[string]string{"status": "up", "message": ""}, nil
}
