package service

import (
	"context"
	"errors"
	"time"

	"github.com/stagehand/asset-pipeline/internal/store"
	"github.com/stagehand/asset-pipeline/internal/store/model"
	"github.com/stagehand/asset-pipeline/pkg/metrics"
	"go.uber.org/zap"
)

// Stage is one step of the pipeline run under the ledger.
type Stage interface {
	Attempt(ctx context.Context, job *model.JobExecution, asset *model.Asset) error
	// OnRetry runs after a failed attempt was scheduled for retry.
	OnRetry(ctx context.Context, job *model.JobExecution, asset *model.Asset, err error)
	// OnPermanentFailure runs once, after the ledger row was closed as failed.
	OnPermanentFailure(ctx context.Context, job *model.JobExecution, asset *model.Asset, err error)
}

// Outcome tells the worker what happened to an attempt.
type Outcome struct {
	Completed bool
	Retry     bool
	Delay     time.Duration
	Kind      ErrorKind
	Err       error
}

// Permanent reports whether the job ended without success.
func (o Outcome) Permanent() bool {
	return !o.Completed && !o.Retry
}

// Executor runs stage attempts and records them in the ledger.
type Executor struct {
	store    store.Store
	ledger   *Ledger
	policies Policies
	now      func() time.Time
	log      *zap.SugaredLogger
}

func NewExecutor(s store.Store, ledger *Ledger, policies Policies) *Executor {
	return &Executor{
		store:    s,
		ledger:   ledger,
		policies: policies,
		now:      func() time.Time { return time.Now().UTC() },
		log:      zap.S().Named("executor"),
	}
}

// Policy returns the retry policy of class.
func (e *Executor) Policy(class JobClass) Policy {
	return e.policies.For(class)
}

// Run performs one attempt of jobID. The returned error is non-nil only for
// infrastructure failures the ledger could not record and for unexpected
// stage errors, which are recorded and then surfaced.
func (e *Executor) Run(ctx context.Context, jobID string, stage Stage) (Outcome, error) {
	job, err := e.ledger.Get(ctx, jobID)
	if err != nil {
		if errors.Is(err, store.ErrRecordNotFound) {
			return Outcome{Kind: KindNotFound, Err: NewErrNotFound("job execution", jobID)}, nil
		}
		return Outcome{}, err
	}
	if job.Status.IsTerminal() {
		e.log.Infow("job already finished", "job_id", jobID, "status", job.Status)
		return Outcome{Completed: job.Status == model.JobStatusCompleted}, nil
	}

	asset, err := e.store.Asset().Get(ctx, job.ModelID)
	if err != nil {
		if !errors.Is(err, store.ErrRecordNotFound) {
			return Outcome{}, err
		}
		notFound := NewErrNotFound(job.ModelType, job.ModelID)
		if _, err := e.ledger.RecordPermanentFailure(ctx, jobID, notFound.Error(), StackTrace(notFound)); err != nil {
			return Outcome{}, err
		}
		return Outcome{Kind: KindNotFound, Err: notFound}, nil
	}

	policy := e.policies.For(JobClass(job.JobClass))
	job, err = e.ledger.RecordAttemptStart(ctx, jobID)
	if errors.Is(err, ErrAttemptsExhausted) {
		cause := errors.New("attempts exhausted")
		if job.FailureReason != nil {
			cause = errors.New(*job.FailureReason)
		}
		return e.fail(ctx, job, asset, stage, KindUnexpected, cause)
	}
	if err != nil {
		return Outcome{}, err
	}

	log := e.log.With("job_id", jobID, "job_class", job.JobClass, "asset_id", asset.ID, "attempt", job.Attempts)
	log.Infow("attempt started")

	attemptCtx := ctx
	if policy.Timeout > 0 {
		var cancel context.CancelFunc
		attemptCtx, cancel = context.WithTimeout(ctx, policy.Timeout)
		defer cancel()
	}

	attemptErr := stage.Attempt(attemptCtx, job, asset)
	if attemptErr == nil {
		if _, err := e.ledger.RecordSuccess(ctx, jobID); err != nil {
			return Outcome{}, err
		}
		log.Infow("attempt succeeded")
		return Outcome{Completed: true}, nil
	}

	decision := policy.Decide(job.Attempts, attemptErr)
	if decision.Retry {
		next := e.now().Add(decision.Delay)
		job, err = e.ledger.RecordAttemptFailure(ctx, jobID, attemptErr.Error(), next)
		if err != nil {
			return Outcome{}, err
		}
		metrics.IncreaseJobRetriesTotalMetric(job.JobClass)
		log.Warnw("attempt failed, retry scheduled", "kind", decision.Kind, "delay", decision.Delay, "error", attemptErr)
		stage.OnRetry(ctx, job, asset, attemptErr)
		return Outcome{Retry: true, Delay: decision.Delay, Kind: decision.Kind, Err: attemptErr}, nil
	}

	return e.fail(ctx, job, asset, stage, decision.Kind, attemptErr)
}

func (e *Executor) fail(ctx context.Context, job *model.JobExecution, asset *model.Asset, stage Stage, kind ErrorKind, cause error) (Outcome, error) {
	closed, err := e.ledger.RecordPermanentFailure(ctx, job.JobID, cause.Error(), StackTrace(cause))
	if err != nil {
		return Outcome{}, err
	}
	e.log.Errorw("job permanently failed",
		"job_id", job.JobID, "job_class", job.JobClass, "asset_id", asset.ID,
		"attempts", closed.Attempts, "kind", kind, "error", cause)
	metrics.IncreaseJobFailedTotalMetric(job.JobClass, kind.String())
	stage.OnPermanentFailure(ctx, closed, asset, cause)

	outcome := Outcome{Kind: kind, Err: cause}
	if kind == KindUnexpected {
		return outcome, cause
	}
	return outcome, nil
}
