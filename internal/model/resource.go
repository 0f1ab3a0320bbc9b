package model

import (
	"time"
)

// ProductOption sellable stock unit. Available capacity is Stock minus
// Reserved; confirm moves a quantity out of both.
type ProductOption struct {
	ID        uint64    `gorm:"primaryKey;autoIncrement;comment:product option id" json:"id"`
	ProductID uint64    `gorm:"not null;index;comment:product id" json:"product_id"`
	Name      string    `gorm:"type:varchar(100);not null;default:'';comment:option name" json:"name"`
	Stock     int64     `gorm:"not null;default:0;comment:on-hand quantity" json:"stock"`
	Reserved  int64     `gorm:"not null;default:0;comment:quantity held by open reservations" json:"reserved"`
	Version   int64     `gorm:"not null;default:0;comment:optimistic lock version" json:"version"`
	UpdatedAt time.Time `gorm:"comment:updated at" json:"updated_at"`
}

func (ProductOption) TableName() string {
	return "product_options"
}

// Available quantity not held by any reservation.
func (p *ProductOption) Available() int64 {
	return p.Stock - p.Reserved
}

// CouponStatus coupon lifecycle
type CouponStatus string

const (
	CouponStatusAvailable CouponStatus = "AVAILABLE"
	CouponStatusReserved  CouponStatus = "RESERVED"
	CouponStatusUsed      CouponStatus = "USED"
)

// Coupon issued to one user.
type Coupon struct {
	ID             uint64       `gorm:"primaryKey;autoIncrement;comment:coupon id" json:"id"`
	UserID         uint64       `gorm:"not null;index;comment:owner" json:"user_id"`
	Code           string       `gorm:"type:varchar(32);not null;default:'';comment:coupon code" json:"code"`
	DiscountAmount int64        `gorm:"not null;default:0;comment:discount" json:"discount_amount"`
	Status         CouponStatus `gorm:"type:varchar(20);not null;default:'AVAILABLE';comment:AVAILABLE, RESERVED, USED" json:"status"`
	ExpiresAt      time.Time    `gorm:"not null;comment:expiry" json:"expires_at"`
	ReservedBy     uint64       `gorm:"not null;default:0;comment:order holding the coupon" json:"reserved_by"`
	Version        int64        `gorm:"not null;default:0;comment:optimistic lock version" json:"version"`
	UpdatedAt      time.Time    `gorm:"comment:updated at" json:"updated_at"`
}

func (Coupon) TableName() string {
	return "coupons"
}

// IsUsable check coupon can be reserved by owner at now
func (c *Coupon) IsUsable(owner uint64, now time.Time) bool {
	return c.UserID == owner && c.Status == CouponStatusAvailable && now.Before(c.ExpiresAt)
}

// PointBalance loyalty points of one user.
type PointBalance struct {
	UserID    uint64    `gorm:"primaryKey;autoIncrement:false;comment:user id" json:"user_id"`
	Balance   int64     `gorm:"not null;default:0;comment:point balance" json:"balance"`
	Reserved  int64     `gorm:"not null;default:0;comment:points held by open reservations" json:"reserved"`
	Version   int64     `gorm:"not null;default:0;comment:optimistic lock version" json:"version"`
	UpdatedAt time.Time `gorm:"comment:updated at" json:"updated_at"`
}

func (PointBalance) TableName() string {
	return "point_balances"
}

// Available points not held by any reservation.
func (p *PointBalance) Available() int64 {
	return p.Balance - p.Reserved
}
