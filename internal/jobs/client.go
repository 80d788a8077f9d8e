package jobs

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/riverdriver/riverpgxv5"
	"github.com/stagehand/asset-pipeline/internal/config"
	"github.com/stagehand/asset-pipeline/internal/service"
)

type Client struct {
	*river.Client[pgx.Tx]
}

var _ service.Enqueuer = (*Client)(nil)

// NewClient builds a client that works the pipeline queues with the given handlers.
func NewClient(pool *pgxpool.Pool, handlers *Handlers, cfg *config.PipelineConfig) (*Client, error) {
	policies := service.NewPolicies(cfg)

	workers := river.NewWorkers()
	river.AddWorker(workers, NewScanWorker(handlers, policies.For(service.JobClassVirusScan)))
	river.AddWorker(workers, NewAnalysisWorker(handlers, policies))
	river.AddWorker(workers, NewBatchWorker(handlers, cfg.BatchTimeout))

	riverClient, err := river.NewClient(riverpgxv5.New(pool), &river.Config{
		Queues: map[string]river.QueueConfig{
			service.QueueScan:         {MaxWorkers: cfg.ScanWorkers},
			service.QueueScanPriority: {MaxWorkers: cfg.PriorityScanWorkers},
			service.QueueAnalysis:     {MaxWorkers: cfg.AnalysisWorkers},
			service.QueueBatch:        {MaxWorkers: cfg.BatchWorkers},
		},
		Workers: workers,
	})
	if err != nil {
		return nil, err
	}
	return &Client{Client: riverClient}, nil
}

// NewInsertOnlyClient builds a client that only enqueues, for the CLI.
func NewInsertOnlyClient(pool *pgxpool.Pool) (*Client, error) {
	riverClient, err := river.NewClient(riverpgxv5.New(pool), &river.Config{})
	if err != nil {
		return nil, err
	}
	return &Client{Client: riverClient}, nil
}

func (c *Client) EnqueueScan(ctx context.Context, req service.ScanRequest) error {
	opts := ScanArgs{}.InsertOpts()
	if req.Priority {
		opts.Queue = service.QueueScanPriority
		opts.Priority = 1
	}
	_, err := c.Insert(ctx, ScanArgs{JobID: req.JobID, AssetID: req.AssetID, Context: req.Context}, &opts)
	return err
}

func (c *Client) EnqueueAnalysis(ctx context.Context, req service.AnalysisRequest) error {
	opts := AnalysisArgs{}.InsertOpts()
	if req.Priority {
		opts.Priority = 1
	}
	opts.ScheduledAt = req.ScheduledAt
	_, err := c.Insert(ctx, AnalysisArgs{JobID: req.JobID, AssetID: req.AssetID, JobClass: string(req.JobClass)}, &opts)
	return err
}

func (c *Client) EnqueueBatch(ctx context.Context, batchID string, priority string) error {
	opts := BatchArgs{}.InsertOpts()
	opts.Priority = priorityFor(priority)
	_, err := c.Insert(ctx, BatchArgs{BatchID: batchID}, &opts)
	return err
}
