package store

import (
	"context"
	"errors"
	"time"

	"github.com/stagehand/asset-pipeline/internal/store/model"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type Violation interface {
	// Increment records one violation and flags the uploader once the count reaches threshold.
	Increment(ctx context.Context, userID, threatLevel string, threshold int) (*model.UploaderViolation, error)
	Get(ctx context.Context, userID string) (*model.UploaderViolation, error)
}

type ViolationStore struct {
	db *gorm.DB
}

var _ Violation = (*ViolationStore)(nil)

func NewViolationStore(db *gorm.DB) Violation {
	return &ViolationStore{db: db}
}

func (s *ViolationStore) Increment(ctx context.Context, userID, threatLevel string, threshold int) (*model.UploaderViolation, error) {
	now := time.Now().UTC()
	row := model.UploaderViolation{
		UserID:          userID,
		Count:           1,
		LastThreatLevel: threatLevel,
		LastViolationAt: now,
	}

	err := s.getDB(ctx).WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "user_id"}},
			DoUpdates: clause.Assignments(map[string]any{
				"violation_count":   gorm.Expr("uploader_violations.violation_count + 1"),
				"last_threat_level": threatLevel,
				"last_violation_at": now,
				"updated_at":        now,
			}),
		}).Create(&row).Error
		if err != nil {
			return err
		}

		if threshold > 0 {
			if err := tx.Model(&model.UploaderViolation{}).
				Where("user_id = ? AND violation_count >= ?", userID, threshold).
				Update("flagged", true).Error; err != nil {
				return err
			}
		}
		return tx.First(&row, "user_id = ?", userID).Error
	})
	if err != nil {
		return nil, err
	}
	return &row, nil
}

func (s *ViolationStore) Get(ctx context.Context, userID string) (*model.UploaderViolation, error) {
	var row model.UploaderViolation
	if err := s.getDB(ctx).WithContext(ctx).First(&row, "user_id = ?", userID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrRecordNotFound
		}
		return nil, err
	}
	return &row, nil
}

func (s *ViolationStore) getDB(ctx context.Context) *gorm.DB {
	tx := FromContext(ctx)
	if tx != nil {
		return tx
	}
	return s.db
}
