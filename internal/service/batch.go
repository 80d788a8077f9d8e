package service

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/stagehand/asset-pipeline/internal/auth"
	"github.com/stagehand/asset-pipeline/internal/cache"
	"github.com/stagehand/asset-pipeline/internal/config"
	"github.com/stagehand/asset-pipeline/internal/events"
	"github.com/stagehand/asset-pipeline/internal/store"
	"github.com/stagehand/asset-pipeline/internal/store/model"
	"github.com/stagehand/asset-pipeline/internal/validator"
	"github.com/stagehand/asset-pipeline/pkg/metrics"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	BatchPriorityLow    = "low"
	BatchPriorityNormal = "normal"
	BatchPriorityHigh   = "high"
)

type BatchRequest struct {
	AssetIDs  []uint `validate:"required,min=1"`
	Requester auth.Requester
	Priority  string `validate:"batch_priority"`
	Force     bool
}

// BatchService re-drives existing assets through analysis under one batch id.
type BatchService struct {
	store    store.Store
	cache    *cache.Client
	analysis *AnalysisService
	status   *statusWriter
	enqueuer Enqueuer
	notifier Notifier
	cfg      *config.PipelineConfig
	validate *validator.Validator
	now      func() time.Time
	log      *zap.SugaredLogger
}

func NewBatchService(
	s store.Store,
	c *cache.Client,
	analysis *AnalysisService,
	enqueuer Enqueuer,
	notifier Notifier,
	cfg *config.PipelineConfig,
) *BatchService {
	v := validator.NewValidator()
	v.Register(validator.NewBatchValidationRules()...)
	return &BatchService{
		store:    s,
		cache:    c,
		analysis: analysis,
		status:   newStatusWriter(s, notifier),
		enqueuer: enqueuer,
		notifier: notifier,
		cfg:      cfg,
		validate: v,
		now:      func() time.Time { return time.Now().UTC() },
		log:      zap.S().Named("batch_service"),
	}
}

// Submit records a new batch and queues the job that drives it.
func (b *BatchService) Submit(ctx context.Context, req BatchRequest) (string, error) {
	if err := b.validate.Struct(req); err != nil {
		return "", NewErrValidation("invalid batch: %s", err)
	}
	ids := dedupe(req.AssetIDs)
	priority := req.Priority
	if priority == "" {
		priority = BatchPriorityNormal
	}

	record := model.BatchRecord{
		BatchID:        uuid.NewString(),
		Status:         model.BatchStatusQueued,
		RequesterID:    req.Requester.ID,
		RequesterRoles: req.Requester.Roles,
		Priority:       priority,
		Force:          req.Force,
		AssetIDs:       ids,
		Total:          len(ids),
		CreatedAt:      b.now(),
	}
	if err := b.cache.SaveBatch(ctx, record, b.cfg.BatchRetention); err != nil {
		return "", err
	}
	if err := b.enqueuer.EnqueueBatch(ctx, record.BatchID, priority); err != nil {
		return "", err
	}

	b.log.Infow("batch submitted", "batch_id", record.BatchID, "requester_id", req.Requester.ID, "total", record.Total, "force", req.Force)
	return record.BatchID, nil
}

func (b *BatchService) Get(ctx context.Context, batchID string) (*model.BatchRecord, error) {
	record, err := b.cache.GetBatch(ctx, batchID)
	if errors.Is(err, cache.ErrCacheMiss) {
		return nil, NewErrNotFound("batch", batchID)
	}
	return record, err
}

// Run processes every item of the batch that has no outcome yet, then closes it.
func (b *BatchService) Run(ctx context.Context, batchID string) error {
	record, err := b.Get(ctx, batchID)
	if err != nil {
		return err
	}
	if record.Status.IsClosed() {
		b.log.Infow("batch already closed", "batch_id", batchID, "status", record.Status)
		return nil
	}

	defer func() {
		if r := recover(); r != nil {
			_ = b.close(ctx, record, fmt.Errorf("batch job crashed: %v", r))
			panic(r)
		}
	}()

	record.Status = model.BatchStatusProcessing
	if err := b.cache.SaveBatch(ctx, *record, b.cfg.BatchRetention); err != nil {
		return b.close(ctx, record, err)
	}

	requester := auth.Requester{ID: record.RequesterID, Roles: record.RequesterRoles}
	limiter := rate.NewLimiter(rate.Every(b.cfg.BatchPacing), 1)
	log := b.log.With("batch_id", batchID)

	var runErr error
	for _, assetID := range record.AssetIDs {
		if _, done := record.Items[assetID]; done {
			continue
		}
		if err := limiter.Wait(ctx); err != nil {
			runErr = err
			break
		}

		item := b.processItem(ctx, record, requester, assetID)
		if err := b.cache.SetBatchItem(ctx, batchID, item, b.cfg.BatchRetention); err != nil {
			runErr = err
			break
		}
		record.Items[assetID] = item
		log.Debugw("batch item finished", "asset_id", assetID, "success", item.Success, "skipped", item.Skipped, "error", item.Error)
	}

	return b.close(ctx, record, runErr)
}

func (b *BatchService) processItem(ctx context.Context, record *model.BatchRecord, requester auth.Requester, assetID uint) model.BatchItem {
	item := model.BatchItem{AssetID: assetID}
	fail := func(format string, args ...any) model.BatchItem {
		item.Success = false
		item.Error = fmt.Sprintf(format, args...)
		item.FinishedAt = b.now()
		return item
	}

	asset, err := b.store.Asset().Get(ctx, assetID)
	if err != nil {
		if errors.Is(err, store.ErrRecordNotFound) {
			return fail("asset not found")
		}
		return fail("loading asset: %v", err)
	}
	item.ProcessingStatus = asset.ProcessingStatus

	if !requester.CanReprocess(asset.UserID) {
		return fail("not authorized to reprocess asset")
	}
	if asset.ProcessingStatus.IsBlocked() {
		return fail("asset is blocked by the security scan")
	}
	if asset.ProcessingStatus == model.ProcessingStatusAnalysisComplete && !record.Force {
		item.Success = true
		item.Skipped = true
		item.ParseErrors = len(asset.ParsingErrors)
		item.FinishedAt = b.now()
		return item
	}

	class, err := AnalysisJobClass(asset.Type)
	if err != nil {
		return fail("%v", err)
	}
	active, err := b.store.Job().FindActive(ctx, asset.ModelType(), asset.ID, string(class))
	switch {
	case err == nil && active.Status == model.JobStatusProcessing:
		return fail("analysis already in progress")
	case err != nil && !errors.Is(err, store.ErrRecordNotFound):
		return fail("loading ledger: %v", err)
	}

	switch {
	case asset.ProcessingStatus.CanReopen():
		if err := b.status.Reopen(ctx, asset); err != nil {
			return fail("reopening asset: %v", err)
		}
	case asset.ProcessingStatus == model.ProcessingStatusClean, asset.ProcessingStatus == model.ProcessingStatusAnalyzing:
	default:
		return fail("asset has not passed its security scan")
	}

	job, err := b.analysis.Schedule(ctx, asset, ScheduleOptions{
		Priority:    record.Priority == BatchPriorityHigh,
		RequesterID: requester.ID,
	})
	if err != nil {
		return fail("scheduling analysis: %v", err)
	}

	outcome, err := b.analysis.Execute(ctx, job.JobID)
	if err != nil {
		return fail("%v", err)
	}
	switch {
	case outcome.Retry:
		if err := b.enqueuer.EnqueueAnalysis(ctx, AnalysisRequest{
			JobID:       job.JobID,
			AssetID:     asset.ID,
			JobClass:    class,
			ScheduledAt: b.now().Add(outcome.Delay),
		}); err != nil {
			return fail("analysis failed and could not be retried: %v", err)
		}
		return fail("analysis failed, retry scheduled: %v", outcome.Err)
	case !outcome.Completed:
		return fail("%v", outcome.Err)
	}

	refreshed, err := b.store.Asset().Get(ctx, asset.ID)
	if err != nil {
		return fail("loading asset: %v", err)
	}
	item.Success = true
	item.ProcessingStatus = refreshed.ProcessingStatus
	item.ParseErrors = len(refreshed.ParsingErrors)
	item.FinishedAt = b.now()
	return item
}

// close is the only place a batch is closed. On runErr every item without an
// outcome is marked failed first.
func (b *BatchService) close(ctx context.Context, record *model.BatchRecord, runErr error) error {
	ctx = context.WithoutCancel(ctx)

	acquired, err := b.cache.AcquireBatchClose(ctx, record.BatchID, b.cfg.BatchRetention)
	if err != nil {
		return errors.Join(runErr, err)
	}
	if !acquired {
		b.log.Warnw("batch already closed elsewhere", "batch_id", record.BatchID)
		return runErr
	}

	now := b.now()
	record.Status = model.BatchStatusCompleted
	if runErr != nil {
		record.Status = model.BatchStatusFailed
		record.Error = runErr.Error()
		for _, assetID := range record.AssetIDs {
			if _, done := record.Items[assetID]; done {
				continue
			}
			item := model.BatchItem{AssetID: assetID, Error: "batch failed: " + runErr.Error(), FinishedAt: now}
			if err := b.cache.SetBatchItem(ctx, record.BatchID, item, b.cfg.BatchRetention); err != nil {
				b.log.Errorw("failed to record aborted batch item", "batch_id", record.BatchID, "asset_id", assetID, "error", err)
			}
			record.Items[assetID] = item
		}
	}
	record.ClosedAt = &now
	record.Tally()

	if err := b.cache.SaveBatch(ctx, *record, b.cfg.BatchRetention); err != nil {
		return errors.Join(runErr, err)
	}

	metrics.IncreaseBatchesTotalMetric(string(record.Status))
	b.log.Infow("batch closed",
		"batch_id", record.BatchID, "status", record.Status,
		"total", record.Total, "success_count", record.SuccessCount, "failure_count", record.FailureCount)

	if err := b.notifier.BatchClosed(ctx, events.BatchEvent{
		BatchID:      record.BatchID,
		RequesterID:  record.RequesterID,
		Status:       string(record.Status),
		Total:        record.Total,
		SuccessCount: record.SuccessCount,
		FailureCount: record.FailureCount,
	}); err != nil {
		b.log.Warnw("failed to publish batch event", "batch_id", record.BatchID, "error", err)
	}
	return runErr
}

func dedupe(ids []uint) []uint {
	out := make([]uint, 0, len(ids))
	for _, id := range ids {
		if !slices.Contains(out, id) {
			out = append(out, id)
		}
	}
	return out
}
