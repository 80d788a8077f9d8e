package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/stagehand/asset-pipeline/internal/store/model"
	"gorm.io/gorm"
)

type Asset interface {
	Create(ctx context.Context, asset model.Asset) (*model.Asset, error)
	Get(ctx context.Context, id uint) (*model.Asset, error)
	GetByUUID(ctx context.Context, id string) (*model.Asset, error)
	List(ctx context.Context, filter *AssetQueryFilter) (model.AssetList, error)
	Update(ctx context.Context, id uint, fields map[string]any) error
	Delete(ctx context.Context, id uint) error
	// Transition moves the asset out of from; it fails with ErrConcurrentUpdate when
	// another writer got there first.
	Transition(ctx context.Context, id uint, from model.ProcessingStatus, fields map[string]any) error
	CountByProcessingStatus(ctx context.Context) (map[model.ProcessingStatus]int64, error)
}

type AssetStore struct {
	db *gorm.DB
}

var _ Asset = (*AssetStore)(nil)

func NewAssetStore(db *gorm.DB) Asset {
	return &AssetStore{db: db}
}

func (s *AssetStore) Create(ctx context.Context, asset model.Asset) (*model.Asset, error) {
	if err := s.getDB(ctx).WithContext(ctx).Create(&asset).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return nil, ErrDuplicateKey
		}
		return nil, err
	}
	return &asset, nil
}

func (s *AssetStore) Get(ctx context.Context, id uint) (*model.Asset, error) {
	var asset model.Asset
	if err := s.getDB(ctx).WithContext(ctx).First(&asset, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrRecordNotFound
		}
		return nil, err
	}
	return &asset, nil
}

func (s *AssetStore) GetByUUID(ctx context.Context, id string) (*model.Asset, error) {
	var asset model.Asset
	if err := s.getDB(ctx).WithContext(ctx).First(&asset, "uuid = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrRecordNotFound
		}
		return nil, err
	}
	return &asset, nil
}

func (s *AssetStore) List(ctx context.Context, filter *AssetQueryFilter) (model.AssetList, error) {
	var assets model.AssetList
	tx := s.getDB(ctx).WithContext(ctx).Model(&assets).Order("id")
	if filter != nil {
		for _, fn := range filter.QueryFn {
			tx = fn(tx)
		}
	}
	if err := tx.Find(&assets).Error; err != nil {
		return nil, err
	}
	return assets, nil
}

func (s *AssetStore) Update(ctx context.Context, id uint, fields map[string]any) error {
	result := s.getDB(ctx).WithContext(ctx).Model(&model.Asset{}).Where("id = ?", id).Updates(fields)
	if result.Error != nil {
		return fmt.Errorf("updating asset %d: %w", id, result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrRecordNotFound
	}
	return nil
}

func (s *AssetStore) Delete(ctx context.Context, id uint) error {
	if err := s.getDB(ctx).WithContext(ctx).Delete(&model.Asset{}, id).Error; err != nil {
		return fmt.Errorf("deleting asset %d: %w", id, err)
	}
	return nil
}

func (s *AssetStore) Transition(ctx context.Context, id uint, from model.ProcessingStatus, fields map[string]any) error {
	result := s.getDB(ctx).WithContext(ctx).
		Model(&model.Asset{}).
		Where("id = ? AND processing_status = ?", id, from).
		Updates(fields)
	if result.Error != nil {
		return fmt.Errorf("updating asset %d: %w", id, result.Error)
	}
	if result.RowsAffected == 0 {
		if _, err := s.Get(ctx, id); err != nil {
			return err
		}
		return ErrConcurrentUpdate
	}
	return nil
}

func (s *AssetStore) CountByProcessingStatus(ctx context.Context) (map[model.ProcessingStatus]int64, error) {
	var rows []struct {
		ProcessingStatus model.ProcessingStatus
		Total            int64
	}
	err := s.getDB(ctx).WithContext(ctx).
		Model(&model.Asset{}).
		Select("processing_status, count(*) as total").
		Group("processing_status").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}

	counts := make(map[model.ProcessingStatus]int64, len(rows))
	for _, r := range rows {
		counts[r.ProcessingStatus] = r.Total
	}
	return counts, nil
}

func (s *AssetStore) getDB(ctx context.Context) *gorm.DB {
	tx := FromContext(ctx)
	if tx != nil {
		return tx
	}
	return s.db
}
