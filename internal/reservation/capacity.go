package reservation

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"promotion-shop/internal/event"
	"promotion-shop/internal/model"
	"promotion-shop/internal/repository"
)

// Capacity adapts the reservation protocol to one kind of resource. Hold,
// Release and Commit run inside the ledger transaction.
type Capacity interface {
	Kind() string
	// LockKey scopes the concurrency guard to exactly one resource.
	LockKey(userID uint64, line model.Line) string
	// Normalize validates request lines and merges duplicates.
	Normalize(lines []model.Line) ([]model.Line, error)
	// Hold moves amount from available capacity into the reserved pool.
	Hold(ctx context.Context, tx repository.Tx, orderID, userID uint64, line model.Line, now time.Time) error
	// Release returns a held amount to available capacity.
	Release(ctx context.Context, tx repository.Tx, orderID, userID uint64, line model.Line) error
	// Commit consumes a held amount permanently.
	Commit(ctx context.Context, tx repository.Tx, orderID, userID uint64, line model.Line) error
}

// NewCapacity returns the adapter of a participant kind.
func NewCapacity(kind string) (Capacity, error) {
	switch kind {
	case event.KindStock:
		return stockCapacity{}, nil
	case event.KindCoupon:
		return couponCapacity{}, nil
	case event.KindPoint:
		return pointCapacity{}, nil
	}
	return nil, fmt.Errorf("no capacity adapter for participant %q", kind)
}

func mergeLines(lines []model.Line, fixedAmount int64) ([]model.Line, error) {
	if len(lines) == 0 {
		return nil, fmt.Errorf("%w: no lines", ErrInvalidRequest)
	}
	merged := make(map[uint64]int64, len(lines))
	for _, l := range lines {
		if l.ResourceID == 0 {
			return nil, fmt.Errorf("%w: resource id is required", ErrInvalidRequest)
		}
		if l.Amount <= 0 {
			return nil, fmt.Errorf("%w: resource %d amount must be positive", ErrInvalidRequest, l.ResourceID)
		}
		if fixedAmount > 0 {
			merged[l.ResourceID] = fixedAmount
			continue
		}
		sum, err := addAmount(merged[l.ResourceID], l.Amount)
		if err != nil {
			return nil, fmt.Errorf("%w: resource %d", err, l.ResourceID)
		}
		merged[l.ResourceID] = sum
	}
	out := make([]model.Line, 0, len(merged))
	for id, amount := range merged {
		out = append(out, model.Line{ResourceID: id, Amount: amount})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ResourceID < out[j].ResourceID })
	return out, nil
}

// addAmount sums two positive amounts, refusing a total that would overflow
func addAmount(total, amount int64) (int64, error) {
	if amount > math.MaxInt64-total {
		return 0, fmt.Errorf("%w: amount overflows", ErrInvalidRequest)
	}
	return total + amount, nil
}

func notFound(err error, what string, id uint64) error {
	if errors.Is(err, repository.ErrNotFound) {
		return fmt.Errorf("%w: %s %d", ErrResourceNotFound, what, id)
	}
	return fmt.Errorf("load %s %d: %w", what, id, err)
}

// stockCapacity product option quantities, available = stock - reserved
type stockCapacity struct{}

func (stockCapacity) Kind() string { return event.KindStock }

func (stockCapacity) LockKey(_ uint64, line model.Line) string {
	return fmt.Sprintf("stock:option:%d", line.ResourceID)
}

func (stockCapacity) Normalize(lines []model.Line) ([]model.Line, error) {
	return mergeLines(lines, 0)
}

func (stockCapacity) Hold(ctx context.Context, tx repository.Tx, _, _ uint64, line model.Line, _ time.Time) error {
	option, err := tx.ProductOptions().Get(ctx, line.ResourceID)
	if err != nil {
		return notFound(err, "product option", line.ResourceID)
	}
	if option.Available() < line.Amount {
		return fmt.Errorf("%w: product option %d has %d available, %d requested",
			ErrInsufficientCapacity, option.ID, option.Available(), line.Amount)
	}
	option.Reserved += line.Amount
	return tx.ProductOptions().Update(ctx, option)
}

func (stockCapacity) Release(ctx context.Context, tx repository.Tx, _, _ uint64, line model.Line) error {
	option, err := tx.ProductOptions().Get(ctx, line.ResourceID)
	if err != nil {
		return notFound(err, "product option", line.ResourceID)
	}
	option.Reserved -= line.Amount
	if option.Reserved < 0 {
		option.Reserved = 0
	}
	return tx.ProductOptions().Update(ctx, option)
}

func (stockCapacity) Commit(ctx context.Context, tx repository.Tx, _, _ uint64, line model.Line) error {
	option, err := tx.ProductOptions().Get(ctx, line.ResourceID)
	if err != nil {
		return notFound(err, "product option", line.ResourceID)
	}
	option.Stock -= line.Amount
	option.Reserved -= line.Amount
	if option.Reserved < 0 {
		option.Reserved = 0
	}
	return tx.ProductOptions().Update(ctx, option)
}

// couponCapacity single-use coupons owned by one user
type couponCapacity struct{}

func (couponCapacity) Kind() string { return event.KindCoupon }

func (couponCapacity) LockKey(_ uint64, line model.Line) string {
	return fmt.Sprintf("coupon:%d", line.ResourceID)
}

// Normalize forces every coupon line to amount 1.
func (couponCapacity) Normalize(lines []model.Line) ([]model.Line, error) {
	return mergeLines(lines, 1)
}

func (couponCapacity) Hold(ctx context.Context, tx repository.Tx, orderID, userID uint64, line model.Line, now time.Time) error {
	coupon, err := tx.Coupons().Get(ctx, line.ResourceID)
	if err != nil {
		return notFound(err, "coupon", line.ResourceID)
	}
	if coupon.UserID != userID {
		return fmt.Errorf("%w: coupon %d is not owned by user %d", ErrResourceInvalid, coupon.ID, userID)
	}
	if !now.Before(coupon.ExpiresAt) {
		return fmt.Errorf("%w: coupon %d expired at %s", ErrResourceInvalid, coupon.ID, coupon.ExpiresAt.Format(time.RFC3339))
	}
	if coupon.Status != model.CouponStatusAvailable {
		return fmt.Errorf("%w: coupon %d is %s", ErrInsufficientCapacity, coupon.ID, coupon.Status)
	}
	coupon.Status = model.CouponStatusReserved
	coupon.ReservedBy = orderID
	return tx.Coupons().Update(ctx, coupon)
}

func (couponCapacity) Release(ctx context.Context, tx repository.Tx, orderID, _ uint64, line model.Line) error {
	coupon, err := tx.Coupons().Get(ctx, line.ResourceID)
	if err != nil {
		return notFound(err, "coupon", line.ResourceID)
	}
	// another order may hold it already; only our own hold is released
	if coupon.Status != model.CouponStatusReserved || coupon.ReservedBy != orderID {
		return nil
	}
	coupon.Status = model.CouponStatusAvailable
	coupon.ReservedBy = 0
	return tx.Coupons().Update(ctx, coupon)
}

func (couponCapacity) Commit(ctx context.Context, tx repository.Tx, orderID, _ uint64, line model.Line) error {
	coupon, err := tx.Coupons().Get(ctx, line.ResourceID)
	if err != nil {
		return notFound(err, "coupon", line.ResourceID)
	}
	if coupon.Status != model.CouponStatusReserved || coupon.ReservedBy != orderID {
		return fmt.Errorf("%w: coupon %d is %s for order %d", ErrInvalidReservationState, coupon.ID, coupon.Status, coupon.ReservedBy)
	}
	coupon.Status = model.CouponStatusUsed
	return tx.Coupons().Update(ctx, coupon)
}

// pointCapacity user point balance, available = balance - reserved
type pointCapacity struct{}

func (pointCapacity) Kind() string { return event.KindPoint }

func (pointCapacity) LockKey(userID uint64, _ model.Line) string {
	return fmt.Sprintf("point:user:%d", userID)
}

// Normalize collapses every line into one amount on resource 0.
func (pointCapacity) Normalize(lines []model.Line) ([]model.Line, error) {
	if len(lines) == 0 {
		return nil, fmt.Errorf("%w: no lines", ErrInvalidRequest)
	}
	var total int64
	for _, l := range lines {
		if l.Amount <= 0 {
			return nil, fmt.Errorf("%w: point amount must be positive", ErrInvalidRequest)
		}
		sum, err := addAmount(total, l.Amount)
		if err != nil {
			return nil, err
		}
		total = sum
	}
	return []model.Line{{ResourceID: 0, Amount: total}}, nil
}

func (pointCapacity) Hold(ctx context.Context, tx repository.Tx, _, userID uint64, line model.Line, _ time.Time) error {
	balance, err := tx.Points().Get(ctx, userID)
	if err != nil {
		return notFound(err, "point balance of user", userID)
	}
	if balance.Available() < line.Amount {
		return fmt.Errorf("%w: user %d has %d points available, %d requested",
			ErrInsufficientCapacity, userID, balance.Available(), line.Amount)
	}
	balance.Reserved += line.Amount
	return tx.Points().Update(ctx, balance)
}

func (pointCapacity) Release(ctx context.Context, tx repository.Tx, _, userID uint64, line model.Line) error {
	balance, err := tx.Points().Get(ctx, userID)
	if err != nil {
		return notFound(err, "point balance of user", userID)
	}
	balance.Reserved -= line.Amount
	if balance.Reserved < 0 {
		balance.Reserved = 0
	}
	return tx.Points().Update(ctx, balance)
}

func (pointCapacity) Commit(ctx context.Context, tx repository.Tx, _, userID uint64, line model.Line) error {
	balance, err := tx.Points().Get(ctx, userID)
	if err != nil {
		return notFound(err, "point balance of user", userID)
	}
	balance.Balance -= line.Amount
	balance.Reserved -= line.Amount
	if balance.Reserved < 0 {
		balance.Reserved = 0
	}
	return tx.Points().Update(ctx, balance)
}
