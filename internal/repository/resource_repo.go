package repository

import (
	"context"

	"gorm.io/gorm"

	"promotion-shop/internal/model"
)

// versionedUpdate applies values where the row still has the expected version.
func versionedUpdate(ctx context.Context, db *gorm.DB, m interface{}, where string, key interface{}, version int64, values map[string]interface{}) error {
	values["version"] = version + 1
	res := db.WithContext(ctx).
		Model(m).
		Where(where+" AND version = ?", key, version).
		Updates(values)
	if res.Error != nil {
		return translate(res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrVersionConflict
	}
	return nil
}

type productOptionRepository struct {
	db *gorm.DB
}

// NewProductOptionRepository creates a product option repository
func NewProductOptionRepository(db *gorm.DB) ProductOptionRepository {
	return &productOptionRepository{db: db}
}

func (r *productOptionRepository) Create(ctx context.Context, option *model.ProductOption) error {
	return translate(r.db.WithContext(ctx).Create(option).Error)
}

func (r *productOptionRepository) Get(ctx context.Context, id uint64) (*model.ProductOption, error) {
	var option model.ProductOption
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&option).Error; err != nil {
		return nil, translate(err)
	}
	return &option, nil
}

func (r *productOptionRepository) Update(ctx context.Context, option *model.ProductOption) error {
	err := versionedUpdate(ctx, r.db, &model.ProductOption{}, "id = ?", option.ID, option.Version, map[string]interface{}{
		"stock":    option.Stock,
		"reserved": option.Reserved,
	})
	if err == nil {
		option.Version++
	}
	return err
}

type couponRepository struct {
	db *gorm.DB
}

// NewCouponRepository creates a coupon repository
func NewCouponRepository(db *gorm.DB) CouponRepository {
	return &couponRepository{db: db}
}

func (r *couponRepository) Create(ctx context.Context, coupon *model.Coupon) error {
	return translate(r.db.WithContext(ctx).Create(coupon).Error)
}

func (r *couponRepository) Get(ctx context.Context, id uint64) (*model.Coupon, error) {
	var coupon model.Coupon
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&coupon).Error; err != nil {
		return nil, translate(err)
	}
	return &coupon, nil
}

func (r *couponRepository) Update(ctx context.Context, coupon *model.Coupon) error {
	err := versionedUpdate(ctx, r.db, &model.Coupon{}, "id = ?", coupon.ID, coupon.Version, map[string]interface{}{
		"status":      coupon.Status,
		"reserved_by": coupon.ReservedBy,
	})
	if err == nil {
		coupon.Version++
	}
	return err
}

type pointRepository struct {
	db *gorm.DB
}

// NewPointRepository creates a point balance repository
func NewPointRepository(db *gorm.DB) PointRepository {
	return &pointRepository{db: db}
}

func (r *pointRepository) Create(ctx context.Context, balance *model.PointBalance) error {
	return translate(r.db.WithContext(ctx).Create(balance).Error)
}

func (r *pointRepository) Get(ctx context.Context, userID uint64) (*model.PointBalance, error) {
	var balance model.PointBalance
	if err := r.db.WithContext(ctx).Where("user_id = ?", userID).First(&balance).Error; err != nil {
		return nil, translate(err)
	}
	return &balance, nil
}

func (r *pointRepository) Update(ctx context.Context, balance *model.PointBalance) error {
	err := versionedUpdate(ctx, r.db, &model.PointBalance{}, "user_id = ?", balance.UserID, balance.Version, map[string]interface{}{
		"balance":  balance.Balance,
		"reserved": balance.Reserved,
	})
	if err == nil {
		balance.Version++
	}
	return err
}
