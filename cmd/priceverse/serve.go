package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/priceverse/priceverse/internal/aggregator"
	"github.com/priceverse/priceverse/internal/alerts"
	"github.com/priceverse/priceverse/internal/cache"
	"github.com/priceverse/priceverse/internal/collector"
	"github.com/priceverse/priceverse/internal/config"
	"github.com/priceverse/priceverse/internal/fiat"
	"github.com/priceverse/priceverse/internal/health"
	"github.com/priceverse/priceverse/internal/market"
	"github.com/priceverse/priceverse/internal/metrics"
	"github.com/priceverse/priceverse/internal/ohlcv"
	"github.com/priceverse/priceverse/internal/ratelimit"
	"github.com/priceverse/priceverse/internal/repo"
	"github.com/priceverse/priceverse/internal/retention"
	"github.com/priceverse/priceverse/internal/rpc"
	"github.com/priceverse/priceverse/internal/scheduler"
	"github.com/priceverse/priceverse/internal/stream"
	"github.com/priceverse/priceverse/internal/supervisor"
)

// aggregationGroup is the shared consumer group owning the venue-log
// cursor across aggregator instances.
const aggregationGroup = "aggregators"

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the full pipeline: collectors, aggregator, roll-ups, RPC server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe()
		},
	}
}

func runServe() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	pipeline := metrics.NewPipeline(promReg)

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr(),
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer redisClient.Close()

	db, err := repo.Open(cfg.Database)
	if err != nil {
		return err
	}
	defer db.Close()
	if err := db.Migrate(ctx); err != nil {
		return err
	}

	venlog := stream.NewVenueLog(redisClient, aggregationGroup)
	buffer := stream.NewTradeBuffer(redisClient)
	priceCache := cache.NewPriceCache(redisClient, cfg.API.Cache)
	broadcaster := cache.NewBroadcaster(redisClient)
	fiatSource := fiat.NewSource(cfg.CBR)

	pairs := make([]market.Pair, 0, len(cfg.Aggregation.Pairs))
	for _, raw := range cfg.Aggregation.Pairs {
		pair, err := market.ParsePair(raw)
		if err != nil {
			return fmt.Errorf("aggregation.pairs: %w", err)
		}
		pairs = append(pairs, pair)
	}

	venueCollectors := make([]*collector.Collector, 0, len(cfg.Exchanges.Enabled))
	for _, venue := range cfg.Exchanges.Enabled {
		c, err := collector.NewForVenue(venue, venlog, pairs, collector.DefaultConfig(), pipeline)
		if err != nil {
			return fmt.Errorf("exchanges.enabled: %w", err)
		}
		venueCollectors = append(venueCollectors, c)
	}

	agg, err := aggregator.New(cfg.Aggregation, cfg.Exchanges.Enabled, venlog, buffer,
		db.Prices, priceCache, broadcaster, fiatSource, pipeline)
	if err != nil {
		return err
	}

	sched := scheduler.New()
	rollup := ohlcv.NewService(db, pipeline)
	if err := rollup.Register(sched); err != nil {
		return err
	}
	sweeper := retention.NewSweeper(cfg.Retention, db, pipeline)
	if err := sweeper.Register(sched); err != nil {
		return err
	}

	probe := health.NewProbe()
	probe.Register("database", db)
	probe.Register("fiat", fiatSource)
	probe.Register("aggregator", agg)
	for _, c := range venueCollectors {
		probe.Register("collector."+c.Venue(), c)
	}

	alertMgr := alerts.NewManager(cfg.Alerts)
	alertMgr.AddRule(alerts.AggregatorErrorRule(agg, cfg.Alerts.Thresholds))
	alertMgr.AddRule(alerts.FiatRateRule(fiatSource))
	for _, c := range venueCollectors {
		alertMgr.AddRule(alerts.CollectorDisconnectRule(c, cfg.Alerts.Thresholds))
	}

	limiter := ratelimit.New(redisClient, cfg.API.RateLimit)
	server := rpc.NewServer(cfg, probe, limiter, redisClient, pipeline, promReg,
		rpc.NewPricesService(db.Prices, priceCache).Definition(),
		rpc.NewChartsService(db.Candles).Definition(),
		rpc.NewHealthService(probe, version).Definition(),
	)

	sup := supervisor.New()
	sup.Add("fiat", fiatSource)
	sup.AddWatched("aggregator", agg, agg.Done)
	for _, c := range venueCollectors {
		sup.Add("collector."+c.Venue(), c)
	}
	sup.Add("scheduler", sched)
	sup.Add("alerts", alertMgr)
	sup.Add("rpc", server)
	// Roll-ups stop first, then the stream aggregator, then the
	// collectors and the fiat source; the transports drain last.
	stopOrder := []string{"scheduler", "aggregator"}
	for _, c := range venueCollectors {
		stopOrder = append(stopOrder, "collector."+c.Venue())
	}
	stopOrder = append(stopOrder, "fiat", "alerts", "rpc")
	sup.SetStopOrder(stopOrder...)

	if err := sup.Start(ctx); err != nil {
		return err
	}

	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
	case err := <-sup.Failed():
		log.Error().Err(err).Msg("pipeline failure, shutting down")
		_ = sup.Stop(context.Background())
		return err
	}

	return sup.Stop(context.Background())
}
