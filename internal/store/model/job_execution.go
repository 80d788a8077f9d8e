package model

import (
	"fmt"
	"time"

	"gorm.io/datatypes"
)

// JobExecution is one ledger row: a logical unit of work on one asset, reused across retries.
type JobExecution struct {
	ID            uint      `gorm:"primaryKey"`
	JobID         string    `gorm:"uniqueIndex;size:36;not null"`
	JobClass      string    `gorm:"index:idx_job_executions_model;size:32;not null"`
	Queue         string    `gorm:"size:32;not null"`
	ModelType     string    `gorm:"index:idx_job_executions_model;size:16;not null"`
	ModelID       uint      `gorm:"index:idx_job_executions_model;not null"`
	Status        JobStatus `gorm:"index;size:32;not null"`
	Attempts      int       `gorm:"not null;default:0"`
	MaxAttempts   int       `gorm:"not null"`
	Payload       datatypes.JSON
	Metadata      datatypes.JSON
	QueuedAt      time.Time
	StartedAt     *time.Time
	FailedAt      *time.Time
	CompletedAt   *time.Time
	NextRetryAt   *time.Time
	FailureReason *string
	StackTrace    *string
	// ActiveKey is set while the row is not terminal; the unique index keeps one
	// active chain per asset and job class.
	ActiveKey *string `gorm:"uniqueIndex;size:96"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

type JobExecutionList []JobExecution

// ActiveKeyFor builds the uniqueness key of an active chain.
func ActiveKeyFor(modelType string, modelID uint, jobClass string) string {
	return fmt.Sprintf("%s:%d:%s", modelType, modelID, jobClass)
}

// AttemptsLeft reports whether another attempt may start.
func (j JobExecution) AttemptsLeft() bool {
	return j.Attempts < j.MaxAttempts
}
