package event

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"promotion-shop/internal/model"
)

// Participant kinds.
const (
	KindStock  = "stock"
	KindCoupon = "coupon"
	KindPoint  = "point"
)

// Kinds lists every participant in saga order.
var Kinds = []string{KindStock, KindCoupon, KindPoint}

var (
	reserveTypes = map[string]Type{
		KindStock:  StockReserveRequested,
		KindCoupon: CouponReserveRequested,
		KindPoint:  PointReserveRequested,
	}
	confirmTypes = map[string]Type{
		KindStock:  StockConfirmRequested,
		KindCoupon: CouponConfirmRequested,
		KindPoint:  PointConfirmRequested,
	}
	compensationTypes = map[string]Type{
		KindStock:  StockCompensationRequested,
		KindCoupon: CouponCompensationRequested,
		KindPoint:  PointCompensationRequested,
	}
)

// ReserveRequestedFor returns the reserve request type of a participant.
func ReserveRequestedFor(kind string) (Type, error) { return lookup(reserveTypes, kind) }

// ConfirmRequestedFor returns the confirm request type of a participant.
func ConfirmRequestedFor(kind string) (Type, error) { return lookup(confirmTypes, kind) }

// CompensationRequestedFor returns the compensation request type of a participant.
func CompensationRequestedFor(kind string) (Type, error) { return lookup(compensationTypes, kind) }

func lookup(m map[string]Type, kind string) (Type, error) {
	t, ok := m[kind]
	if !ok {
		return "", fmt.Errorf("%w: participant %q", ErrUnknownType, kind)
	}
	return t, nil
}

// CompensationType names the corrective action a participant performed.
type CompensationType string

const (
	StockRestore CompensationType = "STOCK_RESTORE"
	CouponCancel CompensationType = "COUPON_CANCEL"
	PointRefund  CompensationType = "POINT_REFUND"
)

// CompensationTypeFor maps a participant kind to its compensation type.
func CompensationTypeFor(kind string) CompensationType {
	switch kind {
	case KindStock:
		return StockRestore
	case KindCoupon:
		return CouponCancel
	case KindPoint:
		return PointRefund
	}
	return ""
}

// Kind is the participant that performs the compensation.
func (c CompensationType) Kind() string {
	switch c {
	case StockRestore:
		return KindStock
	case CouponCancel:
		return KindCoupon
	case PointRefund:
		return KindPoint
	}
	return ""
}

func validKind(kind string) bool {
	_, ok := reserveTypes[kind]
	return ok
}

func validIdentity(sagaID string, orderID, userID uint64) error {
	if sagaID == "" {
		return errors.New("sagaId is required")
	}
	if orderID == 0 {
		return errors.New("orderId is required")
	}
	if userID == 0 {
		return errors.New("userId is required")
	}
	return nil
}

func validLines(lines []model.Line) error {
	for i, l := range lines {
		if l.Amount <= 0 {
			return fmt.Errorf("line %d: amount must be positive", i)
		}
	}
	return nil
}

// ReservationCommand asks a participant to reserve or confirm.
// Confirm commands may omit lines; the participant resolves them from its ledger.
type ReservationCommand struct {
	SagaID    string       `json:"sagaId"`
	OrderID   uint64       `json:"orderId"`
	UserID    uint64       `json:"userId"`
	Kind      string       `json:"kind"`
	Lines     []model.Line `json:"lines,omitempty"`
	Timestamp time.Time    `json:"timestamp"`
}

func (c ReservationCommand) Validate() error {
	if err := validIdentity(c.SagaID, c.OrderID, c.UserID); err != nil {
		return err
	}
	if !validKind(c.Kind) {
		return fmt.Errorf("unknown kind %q", c.Kind)
	}
	return validLines(c.Lines)
}

func (ReservationCommand) shape() shape           { return shapeCommand }
func (c ReservationCommand) partitionKey() string { return strconv.FormatUint(c.OrderID, 10) }

// CompensationRequest asks a participant to release what it reserved for an order.
type CompensationRequest struct {
	SagaID    string       `json:"sagaId"`
	OrderID   uint64       `json:"orderId"`
	UserID    uint64       `json:"userId"`
	Kind      string       `json:"kind"`
	Lines     []model.Line `json:"lines"`
	Timestamp time.Time    `json:"timestamp"`
}

func (c CompensationRequest) Validate() error {
	if err := validIdentity(c.SagaID, c.OrderID, c.UserID); err != nil {
		return err
	}
	if !validKind(c.Kind) {
		return fmt.Errorf("unknown kind %q", c.Kind)
	}
	return validLines(c.Lines)
}

func (CompensationRequest) shape() shape           { return shapeCompensationRequested }
func (c CompensationRequest) partitionKey() string { return strconv.FormatUint(c.OrderID, 10) }

// StepResult participant answer to a reserve or confirm command.
type StepResult struct {
	SagaID       string    `json:"sagaId"`
	OrderID      uint64    `json:"orderId"`
	UserID       uint64    `json:"userId"`
	Kind         string    `json:"kind"`
	Success      bool      `json:"success"`
	Outcome      string    `json:"outcome,omitempty"`
	Reason       string    `json:"reason,omitempty"`
	ErrorMessage string    `json:"errorMessage,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

func (r StepResult) Validate() error {
	if err := validIdentity(r.SagaID, r.OrderID, r.UserID); err != nil {
		return err
	}
	if !validKind(r.Kind) {
		return fmt.Errorf("unknown kind %q", r.Kind)
	}
	if !r.Success && r.ErrorMessage == "" {
		return errors.New("errorMessage is required on failure")
	}
	return nil
}

func (StepResult) shape() shape           { return shapeStepResult }
func (r StepResult) partitionKey() string { return r.SagaID }

// CompensationReport payload of COMPENSATION_COMPLETED.
type CompensationReport struct {
	SagaID           string           `json:"sagaId"`
	OrderID          uint64           `json:"orderId"`
	UserID           uint64           `json:"userId"`
	CompensationType CompensationType `json:"compensationType"`
	Success          bool             `json:"success"`
	ErrorMessage     *string          `json:"errorMessage"`
	Timestamp        time.Time        `json:"timestamp"`
}

func (r CompensationReport) Validate() error {
	if err := validIdentity(r.SagaID, r.OrderID, r.UserID); err != nil {
		return err
	}
	if r.CompensationType.Kind() == "" {
		return fmt.Errorf("unknown compensationType %q", r.CompensationType)
	}
	if !r.Success && (r.ErrorMessage == nil || *r.ErrorMessage == "") {
		return errors.New("errorMessage is required on failure")
	}
	return nil
}

func (CompensationReport) shape() shape           { return shapeCompensationCompleted }
func (r CompensationReport) partitionKey() string { return r.SagaID }
