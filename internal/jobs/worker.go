package jobs

import (
	"context"
	"time"

	"github.com/riverqueue/river"
	"github.com/stagehand/asset-pipeline/internal/service"
	"go.uber.org/zap"
)

// StageRunner runs one attempt of a ledger row.
type StageRunner interface {
	Execute(ctx context.Context, jobID string) (service.Outcome, error)
}

type BatchRunner interface {
	Run(ctx context.Context, batchID string) error
}

// Handlers are bound after the client exists, since the services enqueue through it.
type Handlers struct {
	Scan     StageRunner
	Analysis StageRunner
	Batch    BatchRunner
}

// settle turns a stage outcome into the result river expects. Retries are
// snoozed for the delay the retry policy chose; permanent failures are cancelled
// so river does not retry on its own.
func settle(outcome service.Outcome, err error) error {
	switch {
	case err != nil && outcome.Permanent() && outcome.Err != nil:
		return river.JobCancel(err)
	case err != nil:
		return err
	case outcome.Retry:
		return river.JobSnooze(outcome.Delay)
	case outcome.Permanent():
		return river.JobCancel(outcome.Err)
	default:
		return nil
	}
}

type ScanWorker struct {
	river.WorkerDefaults[ScanArgs]
	handlers *Handlers
	policy   service.Policy
}

func NewScanWorker(handlers *Handlers, policy service.Policy) *ScanWorker {
	return &ScanWorker{handlers: handlers, policy: policy}
}

func (w *ScanWorker) Timeout(job *river.Job[ScanArgs]) time.Duration {
	return w.policy.Timeout + time.Minute
}

// NextRetry spaces retries of infrastructure errors the ledger could not record.
func (w *ScanWorker) NextRetry(job *river.Job[ScanArgs]) time.Time {
	return time.Now().Add(w.policy.Delay(job.Attempt))
}

func (w *ScanWorker) Work(ctx context.Context, job *river.Job[ScanArgs]) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	zap.S().Named("scan_worker").Debugw("picked up scan", "job_id", job.Args.JobID, "asset_id", job.Args.AssetID, "river_attempt", job.Attempt)
	return settle(w.handlers.Scan.Execute(ctx, job.Args.JobID))
}

type AnalysisWorker struct {
	river.WorkerDefaults[AnalysisArgs]
	handlers *Handlers
	policies service.Policies
}

func NewAnalysisWorker(handlers *Handlers, policies service.Policies) *AnalysisWorker {
	return &AnalysisWorker{handlers: handlers, policies: policies}
}

func (w *AnalysisWorker) Timeout(job *river.Job[AnalysisArgs]) time.Duration {
	return w.policies.For(service.JobClass(job.Args.JobClass)).Timeout + time.Minute
}

func (w *AnalysisWorker) NextRetry(job *river.Job[AnalysisArgs]) time.Time {
	return time.Now().Add(w.policies.For(service.JobClass(job.Args.JobClass)).Delay(job.Attempt))
}

func (w *AnalysisWorker) Work(ctx context.Context, job *river.Job[AnalysisArgs]) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	zap.S().Named("analysis_worker").Debugw("picked up analysis", "job_id", job.Args.JobID, "asset_id", job.Args.AssetID, "river_attempt", job.Attempt)
	return settle(w.handlers.Analysis.Execute(ctx, job.Args.JobID))
}

type BatchWorker struct {
	river.WorkerDefaults[BatchArgs]
	handlers *Handlers
	timeout  time.Duration
}

func NewBatchWorker(handlers *Handlers, timeout time.Duration) *BatchWorker {
	return &BatchWorker{handlers: handlers, timeout: timeout}
}

func (w *BatchWorker) Timeout(job *river.Job[BatchArgs]) time.Duration {
	return w.timeout
}

func (w *BatchWorker) Work(ctx context.Context, job *river.Job[BatchArgs]) error {
	return w.handlers.Batch.Run(ctx, job.Args.BatchID)
}
