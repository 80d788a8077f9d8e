package store

import (
	"github.com/stagehand/asset-pipeline/internal/store/model"
	"gorm.io/gorm"
)

type BaseQuerier struct {
	QueryFn []func(tx *gorm.DB) *gorm.DB
}

type AssetQueryFilter BaseQuerier

func NewAssetQueryFilter() *AssetQueryFilter {
	return &AssetQueryFilter{QueryFn: make([]func(tx *gorm.DB) *gorm.DB, 0)}
}

func (f *AssetQueryFilter) ByIDs(ids []uint) *AssetQueryFilter {
	f.QueryFn = append(f.QueryFn, func(tx *gorm.DB) *gorm.DB {
		return tx.Where("id IN ?", ids)
	})
	return f
}

func (f *AssetQueryFilter) ByType(t model.AssetType) *AssetQueryFilter {
	f.QueryFn = append(f.QueryFn, func(tx *gorm.DB) *gorm.DB {
		return tx.Where("type = ?", t)
	})
	return f
}

func (f *AssetQueryFilter) ByOwner(userID string) *AssetQueryFilter {
	f.QueryFn = append(f.QueryFn, func(tx *gorm.DB) *gorm.DB {
		return tx.Where("user_id = ?", userID)
	})
	return f
}

func (f *AssetQueryFilter) ByProcessingStatus(statuses ...model.ProcessingStatus) *AssetQueryFilter {
	f.QueryFn = append(f.QueryFn, func(tx *gorm.DB) *gorm.DB {
		return tx.Where("processing_status IN ?", statuses)
	})
	return f
}

func (f *AssetQueryFilter) ByFileHash(hash string) *AssetQueryFilter {
	f.QueryFn = append(f.QueryFn, func(tx *gorm.DB) *gorm.DB {
		return tx.Where("file_hash = ?", hash)
	})
	return f
}

type JobQueryFilter BaseQuerier

func NewJobQueryFilter() *JobQueryFilter {
	return &JobQueryFilter{QueryFn: make([]func(tx *gorm.DB) *gorm.DB, 0)}
}

func (f *JobQueryFilter) ByModel(modelType string, modelID uint) *JobQueryFilter {
	f.QueryFn = append(f.QueryFn, func(tx *gorm.DB) *gorm.DB {
		return tx.Where("model_type = ? AND model_id = ?", modelType, modelID)
	})
	return f
}

func (f *JobQueryFilter) ByJobClass(jobClass string) *JobQueryFilter {
	f.QueryFn = append(f.QueryFn, func(tx *gorm.DB) *gorm.DB {
		return tx.Where("job_class = ?", jobClass)
	})
	return f
}

func (f *JobQueryFilter) ByStatus(statuses ...model.JobStatus) *JobQueryFilter {
	f.QueryFn = append(f.QueryFn, func(tx *gorm.DB) *gorm.DB {
		return tx.Where("status IN ?", statuses)
	})
	return f
}

// Active keeps rows that still hold their active key.
func (f *JobQueryFilter) Active() *JobQueryFilter {
	f.QueryFn = append(f.QueryFn, func(tx *gorm.DB) *gorm.DB {
		return tx.Where("active_key IS NOT NULL")
	})
	return f
}
