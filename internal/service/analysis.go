package service

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/stagehand/asset-pipeline/internal/analyzer"
	"github.com/stagehand/asset-pipeline/internal/events"
	"github.com/stagehand/asset-pipeline/internal/store"
	"github.com/stagehand/asset-pipeline/internal/store/model"
	"github.com/stagehand/asset-pipeline/pkg/filestore"
	"github.com/stagehand/asset-pipeline/pkg/metrics"
	"go.uber.org/zap"
	"gorm.io/datatypes"
)

// Analyzers picks the analyzer of an asset from its type tag and a sniff of the file.
type Analyzers interface {
	For(assetType model.AssetType, path string) (analyzer.Analyzer, error)
}

type ScheduleOptions struct {
	Priority    bool
	RequesterID string
	// Enqueue hands a newly queued row to the worker pool. Batches run inline and leave it unset.
	Enqueue bool
	// At delays the first attempt.
	At time.Time
}

// AnalysisService runs the format analysis stage.
type AnalysisService struct {
	store     store.Store
	executor  *Executor
	ledger    *Ledger
	status    *statusWriter
	analyzers Analyzers
	files     Files
	enqueuer  Enqueuer
	notifier  Notifier
	log       *zap.SugaredLogger
}

var _ Stage = (*AnalysisService)(nil)

func NewAnalysisService(
	s store.Store,
	executor *Executor,
	ledger *Ledger,
	analyzers Analyzers,
	files Files,
	enqueuer Enqueuer,
	notifier Notifier,
) *AnalysisService {
	return &AnalysisService{
		store:     s,
		executor:  executor,
		ledger:    ledger,
		status:    newStatusWriter(s, notifier),
		analyzers: analyzers,
		files:     files,
		enqueuer:  enqueuer,
		notifier:  notifier,
		log:       zap.S().Named("analysis_service"),
	}
}

// Schedule opens, or resumes, the analysis ledger row of asset and points the asset at it.
func (a *AnalysisService) Schedule(ctx context.Context, asset *model.Asset, opts ScheduleOptions) (*model.JobExecution, error) {
	class, err := AnalysisJobClass(asset.Type)
	if err != nil {
		return nil, NewErrValidation("%s", err)
	}
	policy := a.executor.Policy(class)

	job, created, err := a.ledger.CreateOrResume(ctx, OpenRequest{
		Asset:       *asset,
		JobClass:    class,
		Queue:       QueueAnalysis,
		MaxAttempts: policy.MaxAttempts,
		Payload: map[string]any{
			"asset_id":  asset.ID,
			"file_path": asset.FilePath,
		},
		Metadata: map[string]any{
			"uploader_id":  asset.UserID,
			"filename":     asset.FileName,
			"size":         asset.FileSize,
			"priority":     opts.Priority,
			"requester_id": opts.RequesterID,
		},
	})
	if err != nil {
		return nil, err
	}

	if err := a.store.Asset().Update(ctx, asset.ID, map[string]any{"current_job_id": job.JobID}); err != nil {
		return nil, err
	}
	asset.CurrentJobID = &job.JobID

	if created {
		a.log.Infow("analysis scheduled", "asset_id", asset.ID, "job_id", job.JobID, "job_class", class)
	}
	if opts.Enqueue && job.Status == model.JobStatusQueued {
		if err := a.enqueuer.EnqueueAnalysis(ctx, AnalysisRequest{
			JobID:       job.JobID,
			AssetID:     asset.ID,
			JobClass:    class,
			Priority:    opts.Priority,
			ScheduledAt: opts.At,
		}); err != nil {
			return nil, err
		}
	}
	return job, nil
}

// Execute runs one attempt of the analysis job jobID.
func (a *AnalysisService) Execute(ctx context.Context, jobID string) (Outcome, error) {
	return a.executor.Run(ctx, jobID, a)
}

func (a *AnalysisService) Attempt(ctx context.Context, job *model.JobExecution, asset *model.Asset) error {
	switch asset.ProcessingStatus {
	case model.ProcessingStatusClean, model.ProcessingStatusPendingReview:
		if _, err := a.status.Move(ctx, asset, model.ProcessingStatusAnalyzing, nil); err != nil {
			return NewErrTransient(err, "marking asset %d as analyzing", asset.ID)
		}
	case model.ProcessingStatusAnalyzing:
	default:
		return NewErrValidation("asset %d is %s, analysis requires a clean scan", asset.ID, asset.ProcessingStatus)
	}

	handle, err := a.files.Locate(ctx, asset.FilePath)
	if err != nil {
		if errors.Is(err, filestore.ErrNotFound) {
			return NewErrNotFound("stored file", asset.FilePath)
		}
		return NewErrTransient(err, "locating upload %s", asset.FilePath)
	}
	defer handle.Release()

	an, err := a.analyzers.For(asset.Type, handle.Path)
	if err != nil {
		return NewErrValidation("%s", err)
	}

	result, err := an.Analyze(ctx, handle.Path)
	if err != nil {
		if updateErr := a.store.Asset().Update(ctx, asset.ID, map[string]any{
			"processing_error": err.Error(),
			"parsing_errors":   datatypes.JSONSlice[string]{err.Error()},
		}); updateErr != nil {
			a.log.Errorw("failed to record analysis error", "asset_id", asset.ID, "error", updateErr)
		}
		return classifyAnalysisError(ctx, err)
	}

	payload, err := json.Marshal(result.Payload)
	if err != nil {
		return err
	}

	next := model.ProcessingStatusAnalysisComplete
	if len(result.ParseErrors) > 0 {
		next = model.ProcessingStatusPendingReview
	}
	moved, err := a.status.Move(ctx, asset, next, map[string]any{
		"analysis_payload": datatypes.JSON(payload),
		"parsing_errors":   datatypes.JSONSlice[string](nonNil(result.ParseErrors)),
		"parsing_warnings": datatypes.JSONSlice[string](nonNil(result.ParseWarnings)),
		"processing_error": nil,
	})
	if err != nil {
		return NewErrTransient(err, "storing analysis of asset %d", asset.ID)
	}
	if !moved {
		return NewErrValidation("asset %d left the analysis stage and is now %s, analysis discarded", asset.ID, asset.ProcessingStatus)
	}

	a.log.Infow("analysis finished",
		"asset_id", asset.ID, "job_id", job.JobID, "analyzer", result.Analyzer,
		"processing_status", next, "parse_errors", len(result.ParseErrors), "parse_warnings", len(result.ParseWarnings))

	kind := "analysis_complete"
	if next == model.ProcessingStatusPendingReview {
		kind = "analysis_review"
	}
	metrics.IncreaseAnalysesTotalMetric(job.JobClass, kind)
	notify(ctx, a.notifier, events.NotificationEvent{
		UserID:    asset.UserID,
		AssetUUID: asset.UUID,
		FileName:  asset.FileName,
		Kind:      kind,
		Message:   next.Description(),
	})
	return nil
}

func (a *AnalysisService) OnRetry(ctx context.Context, job *model.JobExecution, asset *model.Asset, err error) {
	if updateErr := a.store.Asset().Update(ctx, asset.ID, map[string]any{
		"stage_message": "We hit a problem reading your file and will try again shortly.",
	}); updateErr != nil {
		a.log.Warnw("failed to update stage message", "asset_id", asset.ID, "error", updateErr)
	}
}

func (a *AnalysisService) OnPermanentFailure(ctx context.Context, job *model.JobExecution, asset *model.Asset, err error) {
	switch asset.ProcessingStatus {
	case model.ProcessingStatusClean, model.ProcessingStatusAnalyzing, model.ProcessingStatusPendingReview:
	default:
		a.log.Warnw("analysis failed on an asset outside the analysis stage, leaving it untouched",
			"asset_id", asset.ID, "job_id", job.JobID, "processing_status", asset.ProcessingStatus, "error", err)
		return
	}

	metrics.IncreaseAnalysesTotalMetric(job.JobClass, "analysis_failed")
	if _, moveErr := a.status.Move(ctx, asset, model.ProcessingStatusPermanentlyFailed, map[string]any{
		"processing_error": err.Error(),
	}); moveErr != nil {
		a.log.Errorw("failed to mark asset permanently failed", "asset_id", asset.ID, "job_id", job.JobID, "error", moveErr)
	}

	notify(ctx, a.notifier, events.NotificationEvent{
		UserID:    asset.UserID,
		AssetUUID: asset.UUID,
		FileName:  asset.FileName,
		Kind:      "analysis_failed",
		Message:   model.ProcessingStatusPermanentlyFailed.Description(),
	})
}

func classifyAnalysisError(ctx context.Context, err error) error {
	switch {
	case errors.Is(err, analyzer.ErrNotCompressed), errors.Is(err, analyzer.ErrCorrupt), errors.Is(err, analyzer.ErrMalformed):
		return NewErrFormat(err)
	case errors.Is(err, analyzer.ErrTooLarge):
		return NewErrValidation("%s", err)
	case errors.Is(err, context.DeadlineExceeded), ctx.Err() != nil:
		return NewErrTransient(err, "analysis timed out")
	default:
		return NewErrTransient(err, "analyzing file")
	}
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
