package repository

import (
	"context"
	"errors"
	"time"

	"promotion-shop/internal/model"
)

var (
	ErrNotFound        = errors.New("record not found")
	ErrVersionConflict = errors.New("version conflict")
	ErrDuplicate       = errors.New("duplicate record")
)

// ReservationRepository append-only reservation ledger of one participant kind
type ReservationRepository interface {
	// Append adds a ledger row; ErrDuplicate when the key already has an entry of that stage.
	Append(ctx context.Context, entry *model.Reservation) error

	// FindByOrder returns every row of an order, oldest first.
	FindByOrder(ctx context.Context, orderID, userID uint64) ([]model.Reservation, error)

	// FindExpired returns RESERVE rows created before the cutoff that have
	// no CONFIRM_RESERVE or CANCEL_RESERVE yet.
	FindExpired(ctx context.Context, before time.Time, limit int) ([]model.Reservation, error)
}

// OutboxRepository local outbox store
type OutboxRepository interface {
	Append(ctx context.Context, entry *model.OutboxEntry) error

	// FetchPending returns unpublished entries in creation order.
	FetchPending(ctx context.Context, limit int) ([]model.OutboxEntry, error)

	MarkPublished(ctx context.Context, id uint64, at time.Time) error

	// RecordFailure bumps the attempt counter and keeps the entry pending.
	RecordFailure(ctx context.Context, id uint64, reason string) error

	DeletePublishedBefore(ctx context.Context, before time.Time) (int64, error)

	CountPending(ctx context.Context) (int64, error)
}

// ProductOptionRepository stock capacity
type ProductOptionRepository interface {
	Create(ctx context.Context, option *model.ProductOption) error
	Get(ctx context.Context, id uint64) (*model.ProductOption, error)
	// Update writes counters if the stored version still matches and bumps it.
	Update(ctx context.Context, option *model.ProductOption) error
}

// CouponRepository coupon capacity
type CouponRepository interface {
	Create(ctx context.Context, coupon *model.Coupon) error
	Get(ctx context.Context, id uint64) (*model.Coupon, error)
	Update(ctx context.Context, coupon *model.Coupon) error
}

// PointRepository point balances
type PointRepository interface {
	Create(ctx context.Context, balance *model.PointBalance) error
	Get(ctx context.Context, userID uint64) (*model.PointBalance, error)
	Update(ctx context.Context, balance *model.PointBalance) error
}

// SagaRepository orchestrator records
type SagaRepository interface {
	Create(ctx context.Context, saga *model.SagaTransaction) error
	GetBySagaID(ctx context.Context, sagaID string) (*model.SagaTransaction, error)
	GetByOrderID(ctx context.Context, orderID uint64) (*model.SagaTransaction, error)
	// Update saves the saga if nobody changed it since it was read.
	Update(ctx context.Context, saga *model.SagaTransaction) error
	ListByStatus(ctx context.Context, status model.SagaStatus, limit int) ([]model.SagaTransaction, error)
}

// OrderRepository orders and their items
type OrderRepository interface {
	Create(ctx context.Context, order *model.Order) error
	GetByID(ctx context.Context, id uint64) (*model.Order, error)
	UpdateStatus(ctx context.Context, id uint64, status model.OrderStatus, reason string) error
}

// Tx gives access to every repository bound to one unit of work.
type Tx interface {
	Reservations(kind string) ReservationRepository
	Outbox() OutboxRepository
	ProductOptions() ProductOptionRepository
	Coupons() CouponRepository
	Points() PointRepository
	Sagas() SagaRepository
	Orders() OrderRepository
}

// Store is the local datastore of a service. Repositories obtained from the
// Store itself run outside any transaction.
type Store interface {
	Tx

	// WithinTx runs fn in one local transaction, rolled back when fn errors.
	WithinTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
}
