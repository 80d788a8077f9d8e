package service

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/stagehand/asset-pipeline/internal/store"
	"github.com/stagehand/asset-pipeline/internal/store/model"
	"github.com/stagehand/asset-pipeline/internal/validator"
	"github.com/stagehand/asset-pipeline/pkg/filestore"
	"go.uber.org/zap"
)

// Upload describes a file already written to storage.
type Upload struct {
	Type     model.AssetType `validate:"asset_type"`
	UserID   string          `validate:"required"`
	FileName string          `validate:"file_name"`
	Location string          `validate:"required"`
	Context  string
	// Privileged uploaders are scanned on the priority queue.
	Privileged bool
}

// IngestService registers uploads and starts their scan.
type IngestService struct {
	store    store.Store
	executor *Executor
	ledger   *Ledger
	status   *statusWriter
	files    Files
	enqueuer Enqueuer
	validate *validator.Validator
	log      *zap.SugaredLogger
}

func NewIngestService(s store.Store, executor *Executor, ledger *Ledger, files Files, enqueuer Enqueuer, notifier Notifier) *IngestService {
	v := validator.NewValidator()
	v.Register(validator.NewUploadValidationRules()...)
	return &IngestService{
		store:    s,
		executor: executor,
		ledger:   ledger,
		status:   newStatusWriter(s, notifier),
		files:    files,
		enqueuer: enqueuer,
		validate: v,
		log:      zap.S().Named("ingest_service"),
	}
}

// Submit creates the asset of upload and queues its virus scan.
func (i *IngestService) Submit(ctx context.Context, upload Upload) (*model.Asset, *model.JobExecution, error) {
	if err := i.validate.Struct(upload); err != nil {
		return nil, nil, NewErrValidation("invalid upload: %s", err)
	}

	handle, err := i.files.Locate(ctx, upload.Location)
	if err != nil {
		if errors.Is(err, filestore.ErrNotFound) {
			return nil, nil, NewErrNotFound("upload", upload.Location)
		}
		return nil, nil, err
	}
	hash, size, err := filestore.Digest(handle.Path)
	handle.Release()
	if err != nil {
		return nil, nil, NewErrValidation("upload %s is unreadable: %v", upload.Location, err)
	}

	fileName := upload.FileName
	if fileName == "" {
		fileName = upload.Location
	}
	priority := upload.Privileged || upload.Context == ScanContextCritical
	queue := QueueScan
	if priority {
		queue = QueueScanPriority
	}

	asset, job, err := i.register(ctx, upload, fileName, hash, size, queue, priority)
	if err != nil {
		return nil, nil, err
	}

	// enqueued only after commit so a worker never sees a missing ledger row
	if err := i.enqueuer.EnqueueScan(ctx, ScanRequest{
		JobID:    job.JobID,
		AssetID:  asset.ID,
		Context:  upload.Context,
		Priority: priority,
	}); err != nil {
		i.discard(ctx, asset.ID, job.JobID)
		return nil, nil, NewErrTransient(err, "queueing scan of asset %d", asset.ID)
	}

	i.log.Infow("upload accepted", "asset_id", asset.ID, "asset_uuid", asset.UUID, "job_id", job.JobID, "queue", queue, "size", size)
	return asset, job, nil
}

// register writes the asset, its scan ledger row and the PENDING_SCAN move in one transaction.
func (i *IngestService) register(ctx context.Context, upload Upload, fileName, hash string, size int64, queue string, priority bool) (*model.Asset, *model.JobExecution, error) {
	ctx, err := i.store.NewTransactionContext(ctx)
	if err != nil {
		return nil, nil, err
	}
	defer func() {
		_, _ = store.Rollback(ctx)
	}()

	uploaded := model.ProcessingStatusUploaded
	asset, err := i.store.Asset().Create(ctx, model.Asset{
		UUID:             uuid.NewString(),
		Type:             upload.Type,
		UserID:           upload.UserID,
		FileName:         fileName,
		FilePath:         upload.Location,
		FileSize:         size,
		FileHash:         hash,
		ProcessingStatus: uploaded,
		Status:           uploaded.Coarse(),
		ProgressPercent:  uploaded.ProgressPercentage(),
		StageLabel:       uploaded.Label(),
		StageMessage:     uploaded.Description(),
	})
	if err != nil {
		return nil, nil, err
	}

	job, _, err := i.ledger.CreateOrResume(ctx, OpenRequest{
		Asset:       *asset,
		JobClass:    JobClassVirusScan,
		Queue:       queue,
		MaxAttempts: i.executor.Policy(JobClassVirusScan).MaxAttempts,
		Payload: map[string]any{
			"asset_id":  asset.ID,
			"file_path": asset.FilePath,
		},
		Metadata: map[string]any{
			"uploader_id": upload.UserID,
			"filename":    fileName,
			"size":        size,
			"priority":    priority,
			"context":     upload.Context,
		},
	})
	if err != nil {
		return nil, nil, err
	}

	if _, err := i.status.Move(ctx, asset, model.ProcessingStatusPendingScan, map[string]any{
		"current_job_id": job.JobID,
	}); err != nil {
		return nil, nil, err
	}

	if _, err := store.Commit(ctx); err != nil {
		return nil, nil, err
	}
	return asset, job, nil
}

// discard removes an upload whose scan could not be queued, so the same file can be submitted again.
func (i *IngestService) discard(ctx context.Context, assetID uint, jobID string) {
	ctx, err := i.store.NewTransactionContext(ctx)
	if err != nil {
		i.log.Errorw("failed to discard unqueued upload", "asset_id", assetID, "job_id", jobID, "error", err)
		return
	}
	defer func() {
		_, _ = store.Rollback(ctx)
	}()

	if err := i.store.Job().Delete(ctx, jobID); err != nil {
		i.log.Errorw("failed to discard unqueued upload", "asset_id", assetID, "job_id", jobID, "error", err)
		return
	}
	if err := i.store.Asset().Delete(ctx, assetID); err != nil {
		i.log.Errorw("failed to discard unqueued upload", "asset_id", assetID, "job_id", jobID, "error", err)
		return
	}
	if _, err := store.Commit(ctx); err != nil {
		i.log.Errorw("failed to discard unqueued upload", "asset_id", assetID, "job_id", jobID, "error", err)
		return
	}
	i.log.Warnw("upload discarded, scan could not be queued", "asset_id", assetID, "job_id", jobID)
}
