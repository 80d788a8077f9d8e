package store

import (
	"context"

	"github.com/stagehand/asset-pipeline/internal/store/model"
	"gorm.io/gorm"
)

type Store interface {
	NewTransactionContext(ctx context.Context) (context.Context, error)
	Asset() Asset
	Job() Job
	Violation() Violation
	InitialMigration(ctx context.Context) error
	Close() error
}

type DataStore struct {
	db        *gorm.DB
	asset     Asset
	job       Job
	violation Violation
}

func NewStore(db *gorm.DB) Store {
	return &DataStore{
		db:        db,
		asset:     NewAssetStore(db),
		job:       NewJobStore(db),
		violation: NewViolationStore(db),
	}
}

func (s *DataStore) NewTransactionContext(ctx context.Context) (context.Context, error) {
	return newTransactionContext(ctx, s.db)
}

func (s *DataStore) Asset() Asset {
	return s.asset
}

func (s *DataStore) Job() Job {
	return s.job
}

func (s *DataStore) Violation() Violation {
	return s.violation
}

func (s *DataStore) InitialMigration(ctx context.Context) error {
	return s.db.WithContext(ctx).AutoMigrate(
		&model.Asset{},
		&model.JobExecution{},
		&model.UploaderViolation{},
	)
}

func (s *DataStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
