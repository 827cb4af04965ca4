package alerts

import (
	"context"
	"fmt"
	"time"

	"github.com/priceverse/priceverse/internal/aggregator"
	"github.com/priceverse/priceverse/internal/collector"
	"github.com/priceverse/priceverse/internal/config"
	"github.com/priceverse/priceverse/internal/fiat"
	"github.com/priceverse/priceverse/internal/health"
)

// CollectorDisconnectRule fires when a venue socket has been down
// longer than the configured threshold.
func CollectorDisconnectRule(c *collector.Collector, thresholds config.AlertThresholds) Rule {
	threshold := time.Duration(thresholds.DisconnectSec) * time.Second
	return Rule{
		ID:       "collector-disconnected:" + c.Venue(),
		Type:     "collector.disconnected",
		Severity: Warning,
		Check: func(ctx context.Context) (bool, string, map[string]interface{}) {
			down := c.DisconnectedFor()
			if down <= threshold {
				return false, "", nil
			}
			return true,
				fmt.Sprintf("%s collector disconnected for %s", c.Venue(), down.Round(time.Second)),
				map[string]interface{}{"venue": c.Venue(), "disconnectedSeconds": int(down.Seconds())}
		},
	}
}

// AggregatorErrorRule fires when the aggregator accumulates too many
// consecutive consumption errors.
func AggregatorErrorRule(a *aggregator.Aggregator, thresholds config.AlertThresholds) Rule {
	return Rule{
		ID:       "aggregator-errors",
		Type:     "aggregator.errors",
		Severity: Critical,
		Check: func(ctx context.Context) (bool, string, map[string]interface{}) {
			s := a.Stats()
			if s.ConsecutiveErrors < thresholds.AggregatorErrorCount {
				return false, "", nil
			}
			return true,
				fmt.Sprintf("aggregator has %d consecutive errors", s.ConsecutiveErrors),
				map[string]interface{}{"consumerId": s.ConsumerID, "consecutiveErrors": s.ConsecutiveErrors}
		},
	}
}

// FiatRateRule fires when the fiat-rate source reports unhealthy.
func FiatRateRule(s *fiat.Source) Rule {
	return Rule{
		ID:       "fiat-rate-unavailable",
		Type:     "fiat.unavailable",
		Severity: Warning,
		Check: func(ctx context.Context) (bool, string, map[string]interface{}) {
			report := s.HealthCheck(ctx)
			if report.Status != health.Unhealthy {
				return false, "", nil
			}
			msg := "fiat rate source unavailable"
			if c, ok := report.Checks["source"]; ok && c.Message != "" {
				msg = c.Message
			}
			return true, msg, nil
		},
	}
}
