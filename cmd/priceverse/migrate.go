package main

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/priceverse/priceverse/internal/config"
	"github.com/priceverse/priceverse/internal/repo"
)

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the database schema and exit",
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
			return db.Migrate(context.Background())
		},
	}
}
