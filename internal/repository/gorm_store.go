package repository

import (
	"context"
	"errors"

	"gorm.io/gorm"
)

type gormTx struct {
	db *gorm.DB
}

func (t gormTx) Reservations(kind string) ReservationRepository {
	return NewReservationRepository(t.db, kind)
}

func (t gormTx) Outbox() OutboxRepository                 { return NewOutboxRepository(t.db) }
func (t gormTx) ProductOptions() ProductOptionRepository { return NewProductOptionRepository(t.db) }
func (t gormTx) Coupons() CouponRepository               { return NewCouponRepository(t.db) }
func (t gormTx) Points() PointRepository                 { return NewPointRepository(t.db) }
func (t gormTx) Sagas() SagaRepository                   { return NewSagaRepository(t.db) }
func (t gormTx) Orders() OrderRepository                 { return NewOrderRepository(t.db) }

// GormStore Store backed by a gorm connection
type GormStore struct {
	gormTx
}

// NewGormStore creates a store on db
func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{gormTx{db: db}}
}

func (s *GormStore) WithinTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(ctx, gormTx{db: tx})
	})
}

// translate maps gorm errors to repository errors. The connection must be
// opened with TranslateError so drivers report duplicate keys uniformly.
func translate(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		return ErrNotFound
	case errors.Is(err, gorm.ErrDuplicatedKey):
		return ErrDuplicate
	}
	return err
}
