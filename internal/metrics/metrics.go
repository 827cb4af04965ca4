// Package metrics exposes the Prometheus instruments shared by the
// pipeline workers.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Pipeline bundles the pipeline-wide Prometheus instruments. A single
// instance is created in the composition root and passed explicitly.
type Pipeline struct {
	TradesReceived    *prometheus.CounterVec
	CollectorErrors   *prometheus.CounterVec
	Reconnects        *prometheus.CounterVec
	ConnectedGauge    *prometheus.GaugeVec
	DisconnectedSince *prometheus.GaugeVec

	AggregatorTicks  prometheus.Counter
	AggregatorErrors prometheus.Counter
	PricesEmitted    *prometheus.CounterVec
	CandlesUpserted  *prometheus.CounterVec
	RetentionDeleted *prometheus.CounterVec

	RPCRequests *prometheus.CounterVec
	RPCDuration *prometheus.HistogramVec
}

// NewPipeline creates and registers the pipeline instruments on the
// given registerer.
func NewPipeline(reg prometheus.Registerer) *Pipeline {
	p := &Pipeline{
		TradesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "priceverse_trades_received_total",
			Help: "Normalized trades received per venue",
		}, []string{"venue"}),
		CollectorErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "priceverse_collector_errors_total",
			Help: "Collector errors per venue",
		}, []string{"venue"}),
		Reconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "priceverse_collector_reconnects_total",
			Help: "Collector reconnect attempts per venue",
		}, []string{"venue"}),
		ConnectedGauge: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "priceverse_collector_connected",
			Help: "1 when the venue socket is connected",
		}, []string{"venue"}),
		DisconnectedSince: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "priceverse_collector_disconnected_seconds",
			Help: "Seconds since the venue socket disconnected, 0 when connected",
		}, []string{"venue"}),
		AggregatorTicks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "priceverse_aggregator_ticks_total",
			Help: "Completed aggregation ticks",
		}),
		AggregatorErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "priceverse_aggregator_errors_total",
			Help: "Aggregator consumption and tick errors",
		}),
		PricesEmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "priceverse_prices_emitted_total",
			Help: "Canonical prices emitted per pair",
		}, []string{"pair"}),
		CandlesUpserted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "priceverse_candles_upserted_total",
			Help: "OHLCV candles upserted per resolution",
		}, []string{"resolution"}),
		RetentionDeleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "priceverse_retention_deleted_rows_total",
			Help: "Rows removed by the retention sweeper per table",
		}, []string{"table"}),
		RPCRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "priceverse_rpc_requests_total",
			Help: "RPC requests per service and method",
		}, []string{"service", "method", "outcome"}),
		RPCDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "priceverse_rpc_duration_seconds",
			Help:    "RPC handling latency",
			Buckets: prometheus.DefBuckets,
		}, []string{"service", "method"}),
	}

	reg.MustRegister(
		p.TradesReceived, p.CollectorErrors, p.Reconnects,
		p.ConnectedGauge, p.DisconnectedSince,
		p.AggregatorTicks, p.AggregatorErrors, p.PricesEmitted,
		p.CandlesUpserted, p.RetentionDeleted,
		p.RPCRequests, p.RPCDuration,
	)
	return p
}

// NewNopPipeline creates instruments on a private registry, for tests
// and for components wired without metrics.
func NewNopPipeline() *Pipeline {
	return NewPipeline(prometheus.NewRegistry())
}
