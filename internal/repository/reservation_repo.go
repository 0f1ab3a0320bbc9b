package repository

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"

	"promotion-shop/internal/model"
)

type reservationRepository struct {
	db    *gorm.DB
	table string
}

// NewReservationRepository creates the ledger repository of a participant kind
func NewReservationRepository(db *gorm.DB, kind string) ReservationRepository {
	return &reservationRepository{db: db, table: model.ReservationTable(kind)}
}

func (r *reservationRepository) Append(ctx context.Context, entry *model.Reservation) error {
	if r.table == "" {
		return fmt.Errorf("no reservation ledger for this participant")
	}
	return translate(r.db.WithContext(ctx).Table(r.table).Create(entry).Error)
}

func (r *reservationRepository) FindByOrder(ctx context.Context, orderID, userID uint64) ([]model.Reservation, error) {
	var rows []model.Reservation
	err := r.db.WithContext(ctx).
		Table(r.table).
		Where("order_id = ? AND user_id = ?", orderID, userID).
		Order("id ASC").
		Find(&rows).Error
	return rows, translate(err)
}

func (r *reservationRepository) FindExpired(ctx context.Context, before time.Time, limit int) ([]model.Reservation, error) {
	finalized := r.db.Table(r.table+" AS f").
		Select("1").
		Where("f.order_id = r.order_id AND f.user_id = r.user_id AND f.resource_id = r.resource_id AND f.stage = ?", model.StageFinalize)

	var rows []model.Reservation
	err := r.db.WithContext(ctx).
		Table(r.table+" AS r").
		Select("r.*").
		Where("r.type = ? AND r.reserved_at < ?", model.ReservationTypeReserve, before).
		Where("NOT EXISTS (?)", finalized).
		Order("r.reserved_at ASC, r.id ASC").
		Limit(limit).
		Find(&rows).Error
	return rows, translate(err)
}
