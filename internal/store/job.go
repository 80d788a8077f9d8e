package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/stagehand/asset-pipeline/internal/store/model"
	"gorm.io/gorm"
)

// Job persists ledger rows.
type Job interface {
	Create(ctx context.Context, job model.JobExecution) (*model.JobExecution, error)
	Get(ctx context.Context, jobID string) (*model.JobExecution, error)
	FindActive(ctx context.Context, modelType string, modelID uint, jobClass string) (*model.JobExecution, error)
	List(ctx context.Context, filter *JobQueryFilter) (model.JobExecutionList, error)
	// UpdateFromStatus applies fields only when the row is still in status from.
	UpdateFromStatus(ctx context.Context, jobID string, from model.JobStatus, fields map[string]any) error
	Delete(ctx context.Context, jobID string) error
}

type JobStore struct {
	db *gorm.DB
}

var _ Job = (*JobStore)(nil)

func NewJobStore(db *gorm.DB) Job {
	return &JobStore{db: db}
}

func (s *JobStore) Create(ctx context.Context, job model.JobExecution) (*model.JobExecution, error) {
	if err := s.getDB(ctx).WithContext(ctx).Create(&job).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return nil, ErrDuplicateKey
		}
		return nil, fmt.Errorf("creating job execution: %w", err)
	}
	return &job, nil
}

func (s *JobStore) Get(ctx context.Context, jobID string) (*model.JobExecution, error) {
	var job model.JobExecution
	if err := s.getDB(ctx).WithContext(ctx).First(&job, "job_id = ?", jobID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrRecordNotFound
		}
		return nil, fmt.Errorf("querying job execution: %w", err)
	}
	return &job, nil
}

func (s *JobStore) FindActive(ctx context.Context, modelType string, modelID uint, jobClass string) (*model.JobExecution, error) {
	var job model.JobExecution
	key := model.ActiveKeyFor(modelType, modelID, jobClass)
	if err := s.getDB(ctx).WithContext(ctx).First(&job, "active_key = ?", key).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrRecordNotFound
		}
		return nil, fmt.Errorf("querying active job execution: %w", err)
	}
	return &job, nil
}

func (s *JobStore) List(ctx context.Context, filter *JobQueryFilter) (model.JobExecutionList, error) {
	var jobs model.JobExecutionList
	tx := s.getDB(ctx).WithContext(ctx).Model(&jobs).Order("id")
	if filter != nil {
		for _, fn := range filter.QueryFn {
			tx = fn(tx)
		}
	}
	if err := tx.Find(&jobs).Error; err != nil {
		return nil, fmt.Errorf("listing job executions: %w", err)
	}
	return jobs, nil
}

func (s *JobStore) UpdateFromStatus(ctx context.Context, jobID string, from model.JobStatus, fields map[string]any) error {
	result := s.getDB(ctx).WithContext(ctx).
		Model(&model.JobExecution{}).
		Where("job_id = ? AND status = ?", jobID, from).
		Updates(fields)
	if result.Error != nil {
		return fmt.Errorf("updating job execution: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		if _, err := s.Get(ctx, jobID); err != nil {
			return err
		}
		return ErrConcurrentUpdate
	}
	return nil
}

func (s *JobStore) Delete(ctx context.Context, jobID string) error {
	if err := s.getDB(ctx).WithContext(ctx).Where("job_id = ?", jobID).Delete(&model.JobExecution{}).Error; err != nil {
		return fmt.Errorf("deleting job execution: %w", err)
	}
	return nil
}

func (s *JobStore) getDB(ctx context.Context) *gorm.DB {
	tx := FromContext(ctx)
	if tx != nil {
		return tx
	}
	return s.db
}
