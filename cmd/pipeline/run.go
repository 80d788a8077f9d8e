package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/stagehand/asset-pipeline/internal/config"
	"github.com/stagehand/asset-pipeline/internal/jobs"
	"github.com/stagehand/asset-pipeline/internal/server"
	"github.com/stagehand/asset-pipeline/internal/service"
	"github.com/stagehand/asset-pipeline/internal/store"
	"github.com/stagehand/asset-pipeline/pkg/metrics"
	"go.uber.org/zap"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the pipeline workers",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.New()
		if err != nil {
			return err
		}
		defer setupLogger(cfg)()
		defer zap.S().Info("pipeline stopped")

		if cfg.Database.Type != "pgsql" {
			return errors.New("workers need a postgres database for the job queue")
		}

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGHUP, syscall.SIGTERM, syscall.SIGQUIT)
		defer cancel()

		zap.S().Info("initializing data store")
		db, err := store.InitDB(cfg)
		if err != nil {
			zap.S().Fatalw("initializing data store", "error", err)
		}
		s := store.NewStore(db)
		defer s.Close()

		pool, err := newPgxPool(ctx, cfg)
		if err != nil {
			return err
		}
		defer pool.Close()

		c, err := connectCache(ctx, cfg)
		if err != nil {
			return err
		}
		defer c.Close()

		producer, err := newEventProducer(ctx, cfg)
		if err != nil {
			return err
		}
		defer producer.Close()

		files, err := newFileManager(cfg)
		if err != nil {
			return err
		}

		sc := newScanner(cfg.Pipeline)
		if err := sc.Ping(ctx); err != nil {
			return fmt.Errorf("no scan engine reachable: %w", err)
		}

		handlers := &jobs.Handlers{}
		client, err := jobs.NewClient(pool, handlers, cfg.Pipeline)
		if err != nil {
			return fmt.Errorf("failed to create river client: %w", err)
		}

		svc, err := newServices(cfg, s, c, files, sc, client, service.NewEventNotifier(producer))
		if err != nil {
			return err
		}
		handlers.Scan = svc.scan
		handlers.Analysis = svc.analysis
		handlers.Batch = svc.batch

		if err := client.Start(ctx); err != nil {
			return fmt.Errorf("failed to start river: %w", err)
		}
		defer func() {
			stopCtx, stopCancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer stopCancel()
			if err := client.Stop(stopCtx); err != nil {
				zap.S().Named("pipeline").Warnw("failed to stop river client", "error", err)
			}
		}()
		zap.S().Named("pipeline").Infow("workers started",
			"scan_workers", cfg.Pipeline.ScanWorkers,
			"priority_scan_workers", cfg.Pipeline.PriorityScanWorkers,
			"analysis_workers", cfg.Pipeline.AnalysisWorkers,
			"engines", sc.Engines())

		prometheus.MustRegister(metrics.NewAssetStatusCollector(s))

		listener, err := newListener(cfg.Service.MetricsAddress)
		if err != nil {
			return fmt.Errorf("creating listener: %w", err)
		}
		ops := server.NewOpsServer(cfg.Service.MetricsAddress, listener, prometheus.DefaultRegisterer, map[string]server.Pinger{
			"scanner": sc,
			"redis":   c,
			"db":      pool,
		})

		go func() {
			defer cancel()
			if err := ops.Run(ctx); err != nil {
				zap.S().Named("pipeline").Errorw("ops server stopped", "error", err)
			}
		}()

		<-ctx.Done()
		return nil
	},
}
