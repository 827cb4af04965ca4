package main

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/priceverse/priceverse/internal/config"
	"github.com/priceverse/priceverse/internal/metrics"
	"github.com/priceverse/priceverse/internal/repo"
	"github.com/priceverse/priceverse/internal/retention"
)

func sweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Run one retention sweep and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			db, err := repo.Open(cfg.Database)
			if err != nil {
				return err
			}
			defer db.Close()

			sweeper := retention.NewSweeper(cfg.Retention, db, metrics.NewNopPipeline())
			return sweeper.Sweep(context.Background())
		},
	}
}
