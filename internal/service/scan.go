package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/stagehand/asset-pipeline/internal/cache"
	"github.com/stagehand/asset-pipeline/internal/config"
	"github.com/stagehand/asset-pipeline/internal/events"
	"github.com/stagehand/asset-pipeline/internal/scanner"
	"github.com/stagehand/asset-pipeline/internal/store"
	"github.com/stagehand/asset-pipeline/internal/store/model"
	"github.com/stagehand/asset-pipeline/pkg/filestore"
	"github.com/stagehand/asset-pipeline/pkg/metrics"
	"go.uber.org/zap"
)

// ScanContextCritical routes a scan to the priority queue.
const ScanContextCritical = "critical"

type Scanner interface {
	Scan(ctx context.Context, path string) (scanner.Verdict, error)
	Engines() []string
}

// Files locates stored uploads and blocks quarantined ones.
type Files interface {
	Locate(ctx context.Context, location string) (*filestore.Handle, error)
	Block(ctx context.Context, location string, marker []byte) error
}

// BlockMarker is the JSON document written next to a blocked upload.
type BlockMarker struct {
	BlockedAt  time.Time        `json:"blocked_at"`
	JobID      string           `json:"job_id"`
	Reason     string           `json:"reason"`
	ScanResult model.ScanResult `json:"scan_result"`
}

// ScanService runs the virus scan stage.
type ScanService struct {
	store           store.Store
	executor        *Executor
	ledger          *Ledger
	status          *statusWriter
	scanner         Scanner
	files           Files
	cache           *cache.Client
	notifier        Notifier
	analysis        *AnalysisService
	cfg             *config.PipelineConfig
	quarantineFloor model.ThreatLevel
	alertFloor      model.ThreatLevel
	now             func() time.Time
	log             *zap.SugaredLogger
}

var _ Stage = (*ScanService)(nil)

func NewScanService(
	s store.Store,
	executor *Executor,
	ledger *Ledger,
	sc Scanner,
	files Files,
	c *cache.Client,
	notifier Notifier,
	analysis *AnalysisService,
	cfg *config.PipelineConfig,
) (*ScanService, error) {
	quarantineFloor, err := model.ParseThreatLevel(cfg.QuarantineFloor)
	if err != nil {
		return nil, fmt.Errorf("quarantine floor: %w", err)
	}
	alertFloor, err := model.ParseThreatLevel(cfg.AlertFloor)
	if err != nil {
		return nil, fmt.Errorf("alert floor: %w", err)
	}
	return &ScanService{
		store:           s,
		executor:        executor,
		ledger:          ledger,
		status:          newStatusWriter(s, notifier),
		scanner:         sc,
		files:           files,
		cache:           c,
		notifier:        notifier,
		analysis:        analysis,
		cfg:             cfg,
		quarantineFloor: quarantineFloor,
		alertFloor:      alertFloor,
		now:             func() time.Time { return time.Now().UTC() },
		log:             zap.S().Named("scan_service"),
	}, nil
}

// Execute runs one attempt of the scan job jobID.
func (s *ScanService) Execute(ctx context.Context, jobID string) (Outcome, error) {
	return s.executor.Run(ctx, jobID, s)
}

// Status returns the scan result of jobID, rebuilt from the ledger when the cache has expired.
func (s *ScanService) Status(ctx context.Context, jobID string) (*model.ScanResult, error) {
	result, err := s.cache.ScanResultByJob(ctx, jobID)
	if err == nil {
		return result, nil
	}
	if !errors.Is(err, cache.ErrCacheMiss) {
		s.log.Warnw("scan result cache unavailable", "job_id", jobID, "error", err)
	}

	job, err := s.ledger.Get(ctx, jobID)
	if err != nil {
		if errors.Is(err, store.ErrRecordNotFound) {
			return nil, NewErrNotFound("scan job", jobID)
		}
		return nil, err
	}
	asset, err := s.store.Asset().Get(ctx, job.ModelID)
	if err != nil {
		if errors.Is(err, store.ErrRecordNotFound) {
			return nil, NewErrNotFound(job.ModelType, job.ModelID)
		}
		return nil, err
	}

	rebuilt := &model.ScanResult{
		JobID:    jobID,
		AssetID:  asset.ID,
		FileHash: asset.FileHash,
		Status:   scanStatusOf(asset.ProcessingStatus),
	}
	rebuilt.IsClean = rebuilt.Status == model.ScanStatusClean
	rebuilt.Quarantined = rebuilt.Status == model.ScanStatusQuarantined
	if job.StartedAt != nil {
		rebuilt.StartedAt = *job.StartedAt
	}
	return rebuilt, nil
}

// LookupByHash returns the latest scan of a file with the given SHA-256.
func (s *ScanService) LookupByHash(ctx context.Context, hash string) (*model.ScanResult, error) {
	result, err := s.cache.ScanResultByHash(ctx, hash)
	if errors.Is(err, cache.ErrCacheMiss) {
		return nil, NewErrNotFound("scan result", hash)
	}
	return result, err
}

func (s *ScanService) Attempt(ctx context.Context, job *model.JobExecution, asset *model.Asset) error {
	meta := jobMetadata(job)

	switch asset.ProcessingStatus {
	case model.ProcessingStatusClean:
		// verdict already recorded by an attempt that failed to schedule analysis
		return s.scheduleAnalysis(ctx, asset, meta)
	case model.ProcessingStatusUploaded, model.ProcessingStatusPendingScan, model.ProcessingStatusScanning:
	default:
		return NewErrValidation("asset %d is %s and cannot be scanned", asset.ID, asset.ProcessingStatus)
	}

	result := model.ScanResult{
		JobID:     job.JobID,
		AssetID:   asset.ID,
		FileHash:  asset.FileHash,
		Context:   metadataString(meta, "context"),
		Status:    model.ScanStatusScanning,
		StartedAt: s.now(),
	}
	if asset.ProcessingStatus != model.ProcessingStatusScanning {
		if _, err := s.status.Move(ctx, asset, model.ProcessingStatusScanning, nil); err != nil {
			return NewErrTransient(err, "marking asset %d as scanning", asset.ID)
		}
	}
	s.saveResult(ctx, result)

	handle, err := s.files.Locate(ctx, asset.FilePath)
	if err != nil {
		if errors.Is(err, filestore.ErrNotFound) {
			return NewErrValidation("upload %s is missing", asset.FilePath)
		}
		return NewErrTransient(err, "locating upload %s", asset.FilePath)
	}
	defer handle.Release()

	if err := validateUpload(handle.Path); err != nil {
		return err
	}

	verdict, err := s.scanner.Scan(ctx, handle.Path)
	if err != nil {
		if ctx.Err() != nil {
			return NewErrTransient(err, "scan of asset %d timed out", asset.ID)
		}
		return NewErrTransient(err, "scanning asset %d", asset.ID)
	}

	finished := s.now()
	result.Threats = verdict.Threats
	result.ThreatLevel = verdict.ThreatLevel()
	result.EnginesUsed = verdict.EnginesUsed
	result.ScanDuration = finished.Sub(result.StartedAt)
	result.FinishedAt = &finished
	for engine, engineErr := range verdict.EngineErrors {
		s.log.Warnw("scan engine failed, verdict from remaining engines", "job_id", job.JobID, "engine", engine, "error", engineErr)
	}

	if verdict.Clean() {
		return s.markClean(ctx, asset, result, meta)
	}
	return s.markInfected(ctx, job, asset, result)
}

// OnRetry puts the asset back in line for the next attempt.
func (s *ScanService) OnRetry(ctx context.Context, job *model.JobExecution, asset *model.Asset, err error) {
	if asset.ProcessingStatus == model.ProcessingStatusScanning {
		if _, moveErr := s.status.Move(ctx, asset, model.ProcessingStatusPendingScan, nil); moveErr != nil {
			s.log.Errorw("failed to requeue asset", "asset_id", asset.ID, "job_id", job.JobID, "error", moveErr)
		}
	}
	s.saveResult(ctx, model.ScanResult{
		JobID:    job.JobID,
		AssetID:  asset.ID,
		FileHash: asset.FileHash,
		Status:   model.ScanStatusPending,
		Error:    err.Error(),
	})
}

// OnPermanentFailure blocks an asset whose scan could not complete. A file that
// failed to prove safe is treated as unsafe.
func (s *ScanService) OnPermanentFailure(ctx context.Context, job *model.JobExecution, asset *model.Asset, err error) {
	if Classify(err) == KindSecurity {
		return
	}
	log := s.log.With("asset_id", asset.ID, "job_id", job.JobID)

	switch asset.ProcessingStatus {
	case model.ProcessingStatusUploaded:
		if _, moveErr := s.status.Move(ctx, asset, model.ProcessingStatusPendingScan, nil); moveErr != nil {
			log.Errorw("failed to move asset before blocking", "error", moveErr)
		}
	case model.ProcessingStatusPendingScan, model.ProcessingStatusScanning:
	default:
		log.Warnw("scan failed on an asset outside the scan stage, leaving it untouched", "processing_status", asset.ProcessingStatus, "error", err)
		return
	}

	if _, moveErr := s.status.Move(ctx, asset, model.ProcessingStatusScanFailed, map[string]any{
		"processing_error": "security scan could not be completed",
	}); moveErr != nil {
		log.Errorw("failed to mark asset scan failed", "error", moveErr)
	}

	now := s.now()
	result := model.ScanResult{
		JobID:       job.JobID,
		AssetID:     asset.ID,
		FileHash:    asset.FileHash,
		Context:     metadataString(jobMetadata(job), "context"),
		Status:      model.ScanStatusFailed,
		ThreatLevel: model.ThreatLevelNone,
		Error:       err.Error(),
		StartedAt:   now,
		FinishedAt:  &now,
	}
	s.block(ctx, asset, result, "scan could not be completed: "+err.Error())
	s.record(ctx, result)
	metrics.IncreaseScansTotalMetric(string(model.ScanStatusFailed))

	notify(ctx, s.notifier, events.NotificationEvent{
		UserID:    asset.UserID,
		AssetUUID: asset.UUID,
		FileName:  asset.FileName,
		Kind:      "scan_failed",
		Message:   model.ProcessingStatusScanFailed.Description(),
	})
}

func (s *ScanService) markClean(ctx context.Context, asset *model.Asset, result model.ScanResult, meta map[string]any) error {
	result.Status = model.ScanStatusClean
	result.IsClean = true
	result.ThreatLevel = model.ThreatLevelNone

	if _, err := s.status.Move(ctx, asset, model.ProcessingStatusClean, nil); err != nil {
		return NewErrTransient(err, "marking asset %d clean", asset.ID)
	}
	s.record(ctx, result)
	metrics.IncreaseScansTotalMetric(string(result.Status))
	s.log.Infow("scan clean", "asset_id", asset.ID, "job_id", result.JobID, "engines", result.EnginesUsed, "duration", result.ScanDuration)

	return s.scheduleAnalysis(ctx, asset, meta)
}

func (s *ScanService) markInfected(ctx context.Context, job *model.JobExecution, asset *model.Asset, result model.ScanResult) error {
	level := result.ThreatLevel
	quarantine := level.AtLeast(s.quarantineFloor) || level == model.ThreatLevelCritical

	next := model.ProcessingStatusInfected
	result.Status = model.ScanStatusInfected
	if quarantine {
		next = model.ProcessingStatusQuarantined
		result.Status = model.ScanStatusQuarantined
		result.Quarantined = true
	}

	names := make([]string, 0, len(result.Threats))
	for _, t := range result.Threats {
		names = append(names, t.Name)
	}

	if _, err := s.status.Move(ctx, asset, next, map[string]any{
		"processing_error": "file blocked by security scan",
	}); err != nil {
		return NewErrTransient(err, "blocking asset %d", asset.ID)
	}
	if quarantine {
		s.block(ctx, asset, result, fmt.Sprintf("%s threat detected", level))
		metrics.IncreaseQuarantinesTotalMetric()
	}
	s.record(ctx, result)
	metrics.IncreaseScansTotalMetric(string(result.Status))

	if err := s.ledger.MergeMetadata(ctx, job.JobID, map[string]any{
		"scan_outcome": result.Status,
		"threat_level": level,
		"threats":      names,
	}); err != nil {
		s.log.Warnw("failed to record scan outcome on ledger", "job_id", job.JobID, "error", err)
	}

	s.log.Warnw("threat detected",
		"asset_id", asset.ID, "job_id", job.JobID, "threat_level", level, "threats", names, "quarantined", quarantine)

	if level.AtLeast(s.alertFloor) {
		s.alert(ctx, job, asset, result, names)
	}
	notify(ctx, s.notifier, events.NotificationEvent{
		UserID:    asset.UserID,
		AssetUUID: asset.UUID,
		FileName:  asset.FileName,
		Kind:      "scan_blocked",
		Message:   next.Description(),
	})

	return NewErrSecurity(quarantine, "%d threat(s) detected in asset %d, level %s", len(names), asset.ID, level)
}

func (s *ScanService) alert(ctx context.Context, job *model.JobExecution, asset *model.Asset, result model.ScanResult, names []string) {
	alert := events.SecurityAlertEvent{
		UserID:      asset.UserID,
		AssetID:     asset.ID,
		AssetUUID:   asset.UUID,
		FileName:    asset.FileName,
		FileHash:    asset.FileHash,
		JobID:       job.JobID,
		ThreatLevel: string(result.ThreatLevel),
		Threats:     names,
		Quarantined: result.Quarantined,
		DetectedAt:  s.now(),
	}

	if asset.UserID != "" {
		violation, err := s.store.Violation().Increment(ctx, asset.UserID, string(result.ThreatLevel), s.cfg.ViolationThreshold)
		if err != nil {
			s.log.Errorw("failed to record uploader violation", "user_id", asset.UserID, "error", err)
		} else {
			alert.Violations = violation.Count
			alert.Flagged = violation.Flagged
			if violation.Flagged {
				s.log.Warnw("uploader flagged", "user_id", asset.UserID, "violations", violation.Count)
			}
		}
	}

	metrics.IncreaseSecurityAlertsTotalMetric()
	if err := s.notifier.SecurityAlert(ctx, alert); err != nil {
		s.log.Errorw("failed to publish security alert", "asset_id", asset.ID, "error", err)
	}
}

func (s *ScanService) scheduleAnalysis(ctx context.Context, asset *model.Asset, meta map[string]any) error {
	_, err := s.analysis.Schedule(ctx, asset, ScheduleOptions{
		Priority: metadataBool(meta, "priority"),
		Enqueue:  true,
	})
	if err != nil {
		return NewErrTransient(err, "scheduling analysis of asset %d", asset.ID)
	}
	return nil
}

func (s *ScanService) block(ctx context.Context, asset *model.Asset, result model.ScanResult, reason string) {
	marker, err := json.Marshal(BlockMarker{
		BlockedAt:  s.now(),
		JobID:      result.JobID,
		Reason:     reason,
		ScanResult: result,
	})
	if err == nil {
		err = s.files.Block(ctx, asset.FilePath, marker)
	}
	if err != nil {
		s.log.Errorw("failed to write block marker", "asset_id", asset.ID, "path", asset.FilePath, "error", err)
		return
	}
	s.log.Infow("upload blocked", "asset_id", asset.ID, "path", asset.FilePath+filestore.BlockedSuffix)
}

// record publishes a final result to the cache, the daily metrics and the scan log.
// The cache is not authoritative, so failures are only logged.
func (s *ScanService) record(ctx context.Context, result model.ScanResult) {
	s.saveResult(ctx, result)
	if err := s.cache.RecordScanMetrics(ctx, result, s.cfg.ScanLogRetention); err != nil {
		s.log.Warnw("failed to record scan metrics", "job_id", result.JobID, "error", err)
	}
	if err := s.cache.AppendScanLog(ctx, result, s.cfg.ScanLogCap, s.cfg.ScanLogRetention); err != nil {
		s.log.Warnw("failed to append scan log", "job_id", result.JobID, "error", err)
	}
}

func (s *ScanService) saveResult(ctx context.Context, result model.ScanResult) {
	if err := s.cache.SaveScanResult(ctx, result, s.cfg.ScanResultRetention); err != nil {
		s.log.Warnw("failed to cache scan result", "job_id", result.JobID, "error", err)
	}
}

// validateUpload rejects uploads no engine should be asked about.
func validateUpload(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return NewErrValidation("upload %s is missing", path)
		}
		return NewErrValidation("upload %s is unreadable: %v", path, err)
	}
	if !info.Mode().IsRegular() {
		return NewErrValidation("upload %s is not a regular file", path)
	}
	if info.Size() == 0 {
		return NewErrValidation("upload %s is empty", path)
	}
	f, err := os.Open(path)
	if err != nil {
		return NewErrValidation("upload %s is unreadable: %v", path, err)
	}
	return f.Close()
}

func scanStatusOf(s model.ProcessingStatus) model.ScanStatus {
	switch s {
	case model.ProcessingStatusUploaded, model.ProcessingStatusPendingScan:
		return model.ScanStatusPending
	case model.ProcessingStatusScanning:
		return model.ScanStatusScanning
	case model.ProcessingStatusInfected:
		return model.ScanStatusInfected
	case model.ProcessingStatusQuarantined:
		return model.ScanStatusQuarantined
	case model.ProcessingStatusScanFailed:
		return model.ScanStatusFailed
	default:
		return model.ScanStatusClean
	}
}
