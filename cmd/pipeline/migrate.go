package main

import (
	"context"

	"github.com/spf13/cobra"
	"github.com/stagehand/asset-pipeline/internal/config"
	"github.com/stagehand/asset-pipeline/internal/store"
	"github.com/stagehand/asset-pipeline/pkg/migrations"
	"go.uber.org/zap"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Migrate the db",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.New()
		if err != nil {
			return err
		}
		defer setupLogger(cfg)()
		defer zap.S().Info("db migrated")

		ctx := context.Background()

		zap.S().Info("initializing data store")
		db, err := store.InitDB(cfg)
		if err != nil {
			zap.S().Fatalw("initializing data store", "error", err)
		}

		s := store.NewStore(db)
		defer s.Close()

		if cfg.Database.Type != "pgsql" {
			return s.InitialMigration(ctx)
		}

		pool, err := newPgxPool(ctx, cfg)
		if err != nil {
			return err
		}
		defer pool.Close()

		return migrations.MigrateStore(ctx, db, migrations.SQL(), pool)
	},
}
