package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/stagehand/asset-pipeline/internal/store"
	"github.com/stagehand/asset-pipeline/internal/store/model"
	"go.uber.org/zap"
	"gorm.io/datatypes"
)

// ErrAttemptsExhausted is returned when an attempt would exceed the row's ceiling.
var ErrAttemptsExhausted = errors.New("job execution has no attempts left")

// OpenRequest describes the unit of work a ledger row tracks.
type OpenRequest struct {
	Asset       model.Asset
	JobClass    JobClass
	Queue       string
	MaxAttempts int
	Payload     any
	Metadata    map[string]any
}

// Ledger records every pipeline attempt. Each mutator is durable before it returns.
type Ledger struct {
	store store.Store
	now   func() time.Time
	log   *zap.SugaredLogger
}

func NewLedger(s store.Store) *Ledger {
	return &Ledger{
		store: s,
		now:   func() time.Time { return time.Now().UTC() },
		log:   zap.S().Named("ledger"),
	}
}

// CreateOrResume returns the active row for the asset and job class, creating one
// when none exists. The bool reports whether a row was created.
func (l *Ledger) CreateOrResume(ctx context.Context, req OpenRequest) (*model.JobExecution, bool, error) {
	modelType := req.Asset.ModelType()
	if existing, err := l.store.Job().FindActive(ctx, modelType, req.Asset.ID, string(req.JobClass)); err == nil {
		return existing, false, nil
	} else if !errors.Is(err, store.ErrRecordNotFound) {
		return nil, false, err
	}

	payload, err := json.Marshal(req.Payload)
	if err != nil {
		return nil, false, fmt.Errorf("encoding payload: %w", err)
	}
	metadata, err := json.Marshal(req.Metadata)
	if err != nil {
		return nil, false, fmt.Errorf("encoding metadata: %w", err)
	}

	key := model.ActiveKeyFor(modelType, req.Asset.ID, string(req.JobClass))
	job, err := l.store.Job().Create(ctx, model.JobExecution{
		JobID:       uuid.NewString(),
		JobClass:    string(req.JobClass),
		Queue:       req.Queue,
		ModelType:   modelType,
		ModelID:     req.Asset.ID,
		Status:      model.JobStatusQueued,
		MaxAttempts: req.MaxAttempts,
		Payload:     datatypes.JSON(payload),
		Metadata:    datatypes.JSON(metadata),
		QueuedAt:    l.now(),
		ActiveKey:   &key,
	})
	if errors.Is(err, store.ErrDuplicateKey) {
		// lost a race with another writer; its row is the active one
		existing, findErr := l.store.Job().FindActive(ctx, modelType, req.Asset.ID, string(req.JobClass))
		return existing, false, findErr
	}
	if err != nil {
		return nil, false, err
	}

	l.log.Infow("job execution created", "job_id", job.JobID, "job_class", job.JobClass, "asset_id", req.Asset.ID)
	return job, true, nil
}

// RecordAttemptStart counts a new attempt. A row left in processing by a lost
// worker is first recorded as a failed attempt.
func (l *Ledger) RecordAttemptStart(ctx context.Context, jobID string) (*model.JobExecution, error) {
	job, err := l.store.Job().Get(ctx, jobID)
	if err != nil {
		return nil, err
	}

	if job.Status == model.JobStatusProcessing {
		l.log.Warnw("previous attempt never finished", "job_id", jobID, "attempt", job.Attempts)
		if job, err = l.RecordAttemptFailure(ctx, jobID, "worker lost during attempt", l.now()); err != nil {
			return nil, err
		}
	}
	if err := job.Status.ValidateTransition(model.JobStatusProcessing); err != nil {
		return nil, err
	}
	if !job.AttemptsLeft() {
		return job, ErrAttemptsExhausted
	}

	now := l.now()
	err = l.store.Job().UpdateFromStatus(ctx, jobID, job.Status, map[string]any{
		"status":        model.JobStatusProcessing,
		"attempts":      job.Attempts + 1,
		"started_at":    now,
		"next_retry_at": nil,
	})
	if err != nil {
		return nil, err
	}
	return l.store.Job().Get(ctx, jobID)
}

// RecordAttemptFailure schedules another attempt at nextRetryAt.
func (l *Ledger) RecordAttemptFailure(ctx context.Context, jobID, reason string, nextRetryAt time.Time) (*model.JobExecution, error) {
	return l.transition(ctx, jobID, model.JobStatusRetryScheduled, map[string]any{
		"failed_at":      l.now(),
		"failure_reason": reason,
		"next_retry_at":  nextRetryAt,
	})
}

// RecordPermanentFailure closes the row with its reason and stack trace.
func (l *Ledger) RecordPermanentFailure(ctx context.Context, jobID, reason, trace string) (*model.JobExecution, error) {
	return l.transition(ctx, jobID, model.JobStatusPermanentlyFailed, map[string]any{
		"failed_at":      l.now(),
		"failure_reason": reason,
		"stack_trace":    trace,
		"next_retry_at":  nil,
		"active_key":     nil,
	})
}

func (l *Ledger) RecordSuccess(ctx context.Context, jobID string) (*model.JobExecution, error) {
	return l.transition(ctx, jobID, model.JobStatusCompleted, map[string]any{
		"completed_at":  l.now(),
		"next_retry_at": nil,
		"active_key":    nil,
	})
}

func (l *Ledger) Get(ctx context.Context, jobID string) (*model.JobExecution, error) {
	return l.store.Job().Get(ctx, jobID)
}

// MergeMetadata adds keys to the row's metadata without touching its status.
func (l *Ledger) MergeMetadata(ctx context.Context, jobID string, values map[string]any) error {
	job, err := l.store.Job().Get(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status.IsTerminal() {
		return fmt.Errorf("%w: job %s is %s", model.ErrInvalidJobTransition, jobID, job.Status)
	}

	merged := map[string]any{}
	if len(job.Metadata) > 0 {
		if err := json.Unmarshal(job.Metadata, &merged); err != nil || merged == nil {
			merged = map[string]any{}
		}
	}
	for k, v := range values {
		merged[k] = v
	}
	data, err := json.Marshal(merged)
	if err != nil {
		return err
	}
	return l.store.Job().UpdateFromStatus(ctx, jobID, job.Status, map[string]any{"metadata": datatypes.JSON(data)})
}

func (l *Ledger) transition(ctx context.Context, jobID string, next model.JobStatus, fields map[string]any) (*model.JobExecution, error) {
	job, err := l.store.Job().Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if err := job.Status.ValidateTransition(next); err != nil {
		l.log.Errorw("rejected job transition", "job_id", jobID, "from", job.Status, "to", next)
		return nil, err
	}

	fields["status"] = next
	if err := l.store.Job().UpdateFromStatus(ctx, jobID, job.Status, fields); err != nil {
		return nil, err
	}
	l.log.Debugw("job transition", "job_id", jobID, "from", job.Status, "to", next)
	return l.store.Job().Get(ctx, jobID)
}
