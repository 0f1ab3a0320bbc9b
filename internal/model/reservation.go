package model

import (
	"time"
)

// ReservationType ledger entry type
type ReservationType string

const (
	ReservationTypeReserve ReservationType = "RESERVE"
	ReservationTypeConfirm ReservationType = "CONFIRM_RESERVE"
	ReservationTypeCancel  ReservationType = "CANCEL_RESERVE"
)

// Ledger stages. The unique key (order, user, resource, stage) allows one
// RESERVE and at most one finalization per reservation key.
const (
	StageReserve  int8 = 1
	StageFinalize int8 = 2
)

// Reservation is one append-only ledger row. Each participant kind keeps its
// rows in its own table.
type Reservation struct {
	ID         uint64          `gorm:"primaryKey;autoIncrement;comment:ledger entry id" json:"id"`
	SagaID     string          `gorm:"type:varchar(36);not null;default:'';comment:saga id" json:"saga_id"`
	OrderID    uint64          `gorm:"not null;uniqueIndex:,composite:entry,priority:1;comment:order id" json:"order_id"`
	UserID     uint64          `gorm:"not null;uniqueIndex:,composite:entry,priority:2;comment:user id" json:"user_id"`
	ResourceID uint64          `gorm:"not null;default:0;uniqueIndex:,composite:entry,priority:3;comment:product option / coupon id, 0 for points" json:"resource_id"`
	Stage      int8            `gorm:"not null;uniqueIndex:,composite:entry,priority:4;comment:1 reserve, 2 finalize" json:"-"`
	Amount     int64           `gorm:"not null;comment:quantity or point amount" json:"amount"`
	Type       ReservationType `gorm:"type:varchar(20);not null;index:,composite:type_time,priority:1;comment:RESERVE, CONFIRM_RESERVE, CANCEL_RESERVE" json:"type"`
	ReservedAt time.Time       `gorm:"not null;index:,composite:type_time,priority:2;comment:entry time" json:"reserved_at"`
}

// NewLedgerEntry builds a ledger row of type t for one line.
func NewLedgerEntry(sagaID string, orderID, userID uint64, line Line, t ReservationType, at time.Time) *Reservation {
	stage := StageFinalize
	if t == ReservationTypeReserve {
		stage = StageReserve
	}
	return &Reservation{
		SagaID:     sagaID,
		OrderID:    orderID,
		UserID:     userID,
		ResourceID: line.ResourceID,
		Stage:      stage,
		Amount:     line.Amount,
		Type:       t,
		ReservedAt: at,
	}
}

// IsFinalization reports whether the entry closes a reservation.
func (r *Reservation) IsFinalization() bool {
	return r.Type == ReservationTypeConfirm || r.Type == ReservationTypeCancel
}

// StockReservation stock ledger table
type StockReservation struct {
	Reservation
}

func (StockReservation) TableName() string { return "stock_reservations" }

// CouponReservation coupon ledger table
type CouponReservation struct {
	Reservation
}

func (CouponReservation) TableName() string { return "coupon_reservations" }

// PointReservation point ledger table
type PointReservation struct {
	Reservation
}

func (PointReservation) TableName() string { return "point_reservations" }

// ReservationTable returns the ledger table for a participant kind.
func ReservationTable(kind string) string {
	switch kind {
	case "stock":
		return StockReservation{}.TableName()
	case "coupon":
		return CouponReservation{}.TableName()
	case "point":
		return PointReservation{}.TableName()
	}
	return ""
}
