package model

import (
	"time"
)

// OrderStatus order lifecycle as seen by the customer
type OrderStatus string

const (
	OrderStatusCreated   OrderStatus = "CREATED"
	OrderStatusCompleted OrderStatus = "COMPLETED"
	OrderStatusFailed    OrderStatus = "FAILED"
)

// Order order model
type Order struct {
	ID            uint64      `gorm:"primaryKey;autoIncrement:false;comment:snowflake order id" json:"id"`
	UserID        uint64      `gorm:"not null;index;comment:user id" json:"user_id"`
	Status        OrderStatus `gorm:"type:varchar(20);not null;index;comment:CREATED, COMPLETED, FAILED" json:"status"`
	CouponID      uint64      `gorm:"not null;default:0;comment:applied coupon, 0 when none" json:"coupon_id,omitempty"`
	UsedPoints    int64       `gorm:"not null;default:0;comment:points spent" json:"used_points,omitempty"`
	FailureReason string      `gorm:"type:varchar(500);not null;default:'';comment:why the order failed" json:"failure_reason,omitempty"`
	CreatedAt     time.Time   `gorm:"comment:created at" json:"created_at"`
	UpdatedAt     time.Time   `gorm:"comment:updated at" json:"updated_at"`

	Items []OrderItem `gorm:"foreignKey:OrderID" json:"items,omitempty"`
}

// TableName set name
func (Order) TableName() string {
	return "orders"
}

// OrderItem one product option line of an order
type OrderItem struct {
	ID              uint64 `gorm:"primaryKey;autoIncrement;comment:item id" json:"id"`
	OrderID         uint64 `gorm:"not null;index;comment:order id" json:"order_id"`
	ProductOptionID uint64 `gorm:"not null;comment:product option id" json:"product_option_id"`
	Quantity        int64  `gorm:"not null;comment:quantity" json:"quantity"`
}

// TableName set name
func (OrderItem) TableName() string {
	return "order_items"
}

// IsFinal check order reached a terminal status
func (o *Order) IsFinal() bool {
	return o.Status == OrderStatusCompleted || o.Status == OrderStatusFailed
}
