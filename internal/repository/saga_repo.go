package repository

import (
	"context"

	"gorm.io/gorm"

	"promotion-shop/internal/model"
)

type sagaRepository struct {
	db *gorm.DB
}

// NewSagaRepository creates a saga repository
func NewSagaRepository(db *gorm.DB) SagaRepository {
	return &sagaRepository{db: db}
}

func (r *sagaRepository) Create(ctx context.Context, saga *model.SagaTransaction) error {
	return translate(r.db.WithContext(ctx).Create(saga).Error)
}

func (r *sagaRepository) GetBySagaID(ctx context.Context, sagaID string) (*model.SagaTransaction, error) {
	return r.first(ctx, "saga_id = ?", sagaID)
}

func (r *sagaRepository) GetByOrderID(ctx context.Context, orderID uint64) (*model.SagaTransaction, error) {
	return r.first(ctx, "order_id = ?", orderID)
}

func (r *sagaRepository) first(ctx context.Context, query string, arg interface{}) (*model.SagaTransaction, error) {
	var saga model.SagaTransaction
	if err := r.db.WithContext(ctx).Where(query, arg).First(&saga).Error; err != nil {
		return nil, translate(err)
	}
	return &saga, nil
}

func (r *sagaRepository) Update(ctx context.Context, saga *model.SagaTransaction) error {
	res := r.db.WithContext(ctx).
		Model(&model.SagaTransaction{}).
		Where("saga_id = ? AND version = ?", saga.SagaID, saga.Version).
		Updates(map[string]interface{}{
			"status":        saga.Status,
			"steps":         saga.Steps,
			"error_message": saga.ErrorMessage,
			"version":       saga.Version + 1,
		})
	if res.Error != nil {
		return translate(res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrVersionConflict
	}
	saga.Version++
	return nil
}

func (r *sagaRepository) ListByStatus(ctx context.Context, status model.SagaStatus, limit int) ([]model.SagaTransaction, error) {
	var sagas []model.SagaTransaction
	err := r.db.WithContext(ctx).
		Where("status = ?", status).
		Order("updated_at ASC").
		Limit(limit).
		Find(&sagas).Error
	return sagas, translate(err)
}
