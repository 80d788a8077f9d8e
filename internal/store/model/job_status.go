package model

import (
	"errors"
	"fmt"
)

// JobStatus is the status of a ledger row.
type JobStatus string

const (
	JobStatusQueued            JobStatus = "queued"
	JobStatusProcessing        JobStatus = "processing"
	JobStatusRetryScheduled    JobStatus = "retry_scheduled"
	JobStatusPermanentlyFailed JobStatus = "permanently_failed"
	JobStatusCompleted         JobStatus = "completed"
)

var ErrInvalidJobTransition = errors.New("invalid job status transition")

var jobTransitions = map[JobStatus][]JobStatus{
	JobStatusQueued:         {JobStatusProcessing, JobStatusPermanentlyFailed},
	JobStatusProcessing:     {JobStatusCompleted, JobStatusRetryScheduled, JobStatusPermanentlyFailed},
	JobStatusRetryScheduled: {JobStatusProcessing, JobStatusPermanentlyFailed},
}

func (s JobStatus) String() string { return string(s) }

// IsTerminal reports whether the row is frozen.
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusCompleted || s == JobStatusPermanentlyFailed
}

func (s JobStatus) CanTransitionTo(next JobStatus) bool {
	for _, candidate := range jobTransitions[s] {
		if candidate == next {
			return true
		}
	}
	return false
}

func (s JobStatus) ValidateTransition(next JobStatus) error {
	if !s.CanTransitionTo(next) {
		return fmt.Errorf("%w: from %s to %s", ErrInvalidJobTransition, s, next)
	}
	return nil
}
