// Package health aggregates per-component reports into a single system
// status. The rule is worst-of: any failing check makes the system
// unhealthy, else any warning makes it degraded.
package health

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Status is a component or system health level.
type Status string

const (
	Healthy   Status = "healthy"
	Degraded  Status = "degraded"
	Unhealthy Status = "unhealthy"
)

// Check is one named probe result inside a report.
type Check struct {
	Status    Status        `json:"status"`
	Message   string        `json:"message,omitempty"`
	LatencyMs time.Duration `json:"latency,omitempty"`
}

// Report is a component's health snapshot.
type Report struct {
	Status Status           `json:"status"`
	Checks map[string]Check `json:"checks,omitempty"`
}

// Reporter exposes a component's health to the probe.
type Reporter interface {
	HealthCheck(ctx context.Context) Report
}

// ReporterFunc adapts a function to the Reporter interface.
type ReporterFunc func(ctx context.Context) Report

// HealthCheck implements Reporter.
func (f ReporterFunc) HealthCheck(ctx context.Context) Report { return f(ctx) }

// Combine folds multiple statuses with the worst-of rule.
func Combine(statuses ...Status) Status {
	out := Healthy
	for _, s := range statuses {
		switch s {
		case Unhealthy:
			return Unhealthy
		case Degraded:
			out = Degraded
		}
	}
	return out
}

// Probe samples a registry of named reporters.
type Probe struct {
	mu        sync.RWMutex
	reporters map[string]Reporter
}

// NewProbe creates an empty probe registry.
func NewProbe() *Probe {
	return &Probe{reporters: make(map[string]Reporter)}
}

// Register adds a named reporter. Re-registering a name replaces it.
func (p *Probe) Register(name string, r Reporter) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.reporters[name] = r
}

// Names lists registered reporters in stable order.
func (p *Probe) Names() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	names := make([]string, 0, len(p.reporters))
	for n := range p.reporters {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Sample runs every reporter and folds the results.
func (p *Probe) Sample(ctx context.Context) (Status, map[string]Report) {
	p.mu.RLock()
	reporters := make(map[string]Reporter, len(p.reporters))
	for n, r := range p.reporters {
		reporters[n] = r
	}
	p.mu.RUnlock()

	reports := make(map[string]Report, len(reporters))
	overall := Healthy
	for name, r := range reporters {
		rep := r.HealthCheck(ctx)
		reports[name] = rep
		overall = Combine(overall, rep.Status)
	}
	return overall, reports
}

// Get returns one named reporter's current report.
func (p *Probe) Get(ctx context.Context, name string) (Report, bool) {
	p.mu.RLock()
	r, ok := p.reporters[name]
	p.mu.RUnlock()
	if !ok {
		return Report{}, false
	}
	return r.HealthCheck(ctx), true
}
