package main

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stagehand/asset-pipeline/internal/analyzer"
	"github.com/stagehand/asset-pipeline/internal/cache"
	"github.com/stagehand/asset-pipeline/internal/config"
	"github.com/stagehand/asset-pipeline/internal/events"
	"github.com/stagehand/asset-pipeline/internal/scanner"
	"github.com/stagehand/asset-pipeline/internal/service"
	"github.com/stagehand/asset-pipeline/internal/store"
	"github.com/stagehand/asset-pipeline/pkg/filestore"
	"github.com/stagehand/asset-pipeline/pkg/log"
	"go.uber.org/zap"
)

// compressionRatioLimit is the expansion ratio above which an upload is
// reported as a decompression bomb.
const compressionRatioLimit = 200

// setupLogger installs the process logger and returns the function restoring the previous one.
func setupLogger(cfg *config.Config) func() {
	logger := log.InitLog(log.ParseLevel(cfg.Service.LogLevel), cfg.Service.LogEncoding)
	undo := zap.ReplaceGlobals(logger)
	return func() {
		_ = logger.Sync()
		undo()
	}
}

func newPgxPool(ctx context.Context, cfg *config.Config) (*pgxpool.Pool, error) {
	dsn := fmt.Sprintf("host=%s user=%s password=%s port=%s dbname=%s",
		cfg.Database.Hostname,
		cfg.Database.User,
		cfg.Database.Password,
		cfg.Database.Port,
		cfg.Database.Name,
	)

	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse pgx config: %w", err)
	}
	// river keeps one connection for LISTEN on top of the workers
	poolCfg.MaxConns = int32(cfg.Pipeline.ScanWorkers+cfg.Pipeline.PriorityScanWorkers+cfg.Pipeline.AnalysisWorkers+cfg.Pipeline.BatchWorkers) + 4
	poolCfg.MinConns = 2
	poolCfg.MaxConnLifetime = time.Hour
	poolCfg.MaxConnIdleTime = 30 * time.Minute

	return pgxpool.NewWithConfig(ctx, poolCfg)
}

func newExponentialBackOff(maxElapsed time.Duration) *backoff.ExponentialBackOff {
	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.MaxElapsedTime = maxElapsed
	expBackoff.InitialInterval = 2 * time.Second
	return expBackoff
}

// connectCache waits for Redis to answer a ping.
func connectCache(ctx context.Context, cfg *config.Config) (*cache.Client, error) {
	c := cache.New(cfg)

	operation := func() error {
		if err := c.Ping(ctx); err != nil {
			zap.S().Named("setup").Warnw("redis not reachable, will retry", "address", cfg.Redis.Address, "error", err)
			return err
		}
		return nil
	}

	if err := backoff.Retry(operation, backoff.WithContext(newExponentialBackOff(2*time.Minute), ctx)); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("failed to connect to redis after retries: %w", err)
	}
	return c, nil
}

// newEventProducer ships events to Kafka when brokers are configured, to stdout otherwise.
func newEventProducer(ctx context.Context, cfg *config.Config) (*events.EventProducer, error) {
	opts := []events.ProducerOptions{events.WithOutputTopic(cfg.Kafka.Topic)}
	if len(cfg.Kafka.Brokers) == 0 {
		zap.S().Named("setup").Info("no kafka brokers configured, events go to stdout")
		return events.NewEventProducer(&events.StdoutWriter{}, opts...), nil
	}

	var writer *events.KafkaWriter
	operation := func() error {
		var err error
		writer, err = events.NewKafkaWriter(cfg.Kafka.Brokers, cfg.Kafka.ClientID)
		if err != nil {
			zap.S().Named("setup").Warnw("failed to connect to kafka, will retry", "brokers", cfg.Kafka.Brokers, "error", err)
			return err
		}
		return nil
	}

	if err := backoff.Retry(operation, backoff.WithContext(newExponentialBackOff(5*time.Minute), ctx)); err != nil {
		return nil, fmt.Errorf("failed to connect to kafka after retries: %w", err)
	}
	return events.NewEventProducer(writer, opts...), nil
}

func newFileManager(cfg *config.Config) (*filestore.Manager, error) {
	var remote filestore.Store
	if cfg.S3.Endpoint != "" {
		minioStore, err := filestore.NewMinioStore(
			filestore.WithEndpoint(cfg.S3.Endpoint),
			filestore.WithAccessKey(cfg.S3.AccessKey),
			filestore.WithSecretKey(cfg.S3.SecretKey),
			filestore.WithSSL(cfg.S3.UseSSL),
			filestore.WithScratchDir(cfg.Service.ScratchDir),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create object storage client: %w", err)
		}
		remote = minioStore
	}
	return filestore.NewManager(filestore.LocalStore{}, remote), nil
}

func newScanner(cfg *config.PipelineConfig) *scanner.MultiScanner {
	engines := []scanner.Engine{
		scanner.NewHashList(cfg.HashBlocklist),
		scanner.NewCompressionRatio(compressionRatioLimit, cfg.MaxDecompressedBytes),
	}
	if cfg.ClamdAddress != "" {
		engines = append(engines, scanner.NewClamAV(cfg.ClamdAddress))
	}
	return scanner.NewMultiScanner(engines...)
}

// services holds every stage wired against one store.
type services struct {
	ledger   *service.Ledger
	executor *service.Executor
	scan     *service.ScanService
	analysis *service.AnalysisService
	ingest   *service.IngestService
	batch    *service.BatchService
}

func newServices(
	cfg *config.Config,
	s store.Store,
	c *cache.Client,
	files *filestore.Manager,
	sc service.Scanner,
	enqueuer service.Enqueuer,
	notifier service.Notifier,
) (*services, error) {
	ledger := service.NewLedger(s)
	executor := service.NewExecutor(s, ledger, service.NewPolicies(cfg.Pipeline))

	analysis := service.NewAnalysisService(s, executor, ledger, analyzer.NewRegistry(cfg.Pipeline.MaxDecompressedBytes), files, enqueuer, notifier)
	scan, err := service.NewScanService(s, executor, ledger, sc, files, c, notifier, analysis, cfg.Pipeline)
	if err != nil {
		return nil, err
	}

	return &services{
		ledger:   ledger,
		executor: executor,
		scan:     scan,
		analysis: analysis,
		ingest:   service.NewIngestService(s, executor, ledger, files, enqueuer, notifier),
		batch:    service.NewBatchService(s, c, analysis, enqueuer, notifier, cfg.Pipeline),
	}, nil
}

func newListener(address string) (net.Listener, error) {
	if address == "" {
		address = "localhost:0"
	}
	return net.Listen("tcp", address)
}
