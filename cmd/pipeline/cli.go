package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/stagehand/asset-pipeline/internal/config"
	"github.com/stagehand/asset-pipeline/internal/jobs"
	"github.com/stagehand/asset-pipeline/internal/service"
	"github.com/stagehand/asset-pipeline/internal/store"
)

// withServices wires the stages for a one-shot command. Jobs are only enqueued;
// the workers started by `run` execute them.
func withServices(ctx context.Context, fn func(*services) error) error {
	cfg, err := config.New()
	if err != nil {
		return err
	}
	defer setupLogger(cfg)()

	if cfg.Database.Type != "pgsql" {
		return errors.New("the job queue needs a postgres database")
	}

	db, err := store.InitDB(cfg)
	if err != nil {
		return fmt.Errorf("initializing data store: %w", err)
	}
	s := store.NewStore(db)
	defer s.Close()

	pool, err := newPgxPool(ctx, cfg)
	if err != nil {
		return err
	}
	defer pool.Close()

	client, err := jobs.NewInsertOnlyClient(pool)
	if err != nil {
		return err
	}

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

	svc, err := newServices(cfg, s, c, files, newScanner(cfg.Pipeline), client, service.NewEventNotifier(producer))
	if err != nil {
		return err
	}
	return fn(svc)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
