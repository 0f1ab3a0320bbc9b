// Package event defines the saga wire envelope: a closed set of event types,
// each bound to exactly one payload shape and one topic.
package event

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"promotion-shop/internal/model"
)

// Type discriminant of an envelope
type Type string

const (
	StockReserveRequested  Type = "STOCK_RESERVE_REQUESTED"
	CouponReserveRequested Type = "COUPON_RESERVE_REQUESTED"
	PointReserveRequested  Type = "POINT_RESERVE_REQUESTED"

	StockConfirmRequested  Type = "STOCK_CONFIRM_REQUESTED"
	CouponConfirmRequested Type = "COUPON_CONFIRM_REQUESTED"
	PointConfirmRequested  Type = "POINT_CONFIRM_REQUESTED"

	StockCompensationRequested  Type = "STOCK_COMPENSATION_REQUESTED"
	CouponCompensationRequested Type = "COUPON_COMPENSATION_REQUESTED"
	PointCompensationRequested  Type = "POINT_COMPENSATION_REQUESTED"

	ReservationResult     Type = "RESERVATION_RESULT"
	ConfirmationResult    Type = "CONFIRMATION_RESULT"
	CompensationCompleted Type = "COMPENSATION_COMPLETED"
)

// Topics consumed by the orchestrator.
const (
	TopicReservationResult     = "saga.reservation.result"
	TopicConfirmationResult    = "saga.confirmation.result"
	TopicCompensationCompleted = "saga.compensation.completed"
)

var (
	ErrUnknownType     = errors.New("unknown event type")
	ErrPayloadMismatch = errors.New("payload shape does not match event type")
	ErrInvalidPayload  = errors.New("invalid event payload")
)

type shape int

const (
	shapeCommand shape = iota + 1
	shapeCompensationRequested
	shapeStepResult
	shapeCompensationCompleted
)

// Payload is implemented only by the payload shapes of this package.
type Payload interface {
	Validate() error
	shape() shape
	// partitionKey keeps every event of one order on one partition.
	partitionKey() string
}

type binding struct {
	topic string
	shape shape
}

var catalogue = map[Type]binding{
	StockReserveRequested:  {"stock.reserve", shapeCommand},
	CouponReserveRequested: {"coupon.reserve", shapeCommand},
	PointReserveRequested:  {"point.reserve", shapeCommand},

	StockConfirmRequested:  {"stock.confirm", shapeCommand},
	CouponConfirmRequested: {"coupon.confirm", shapeCommand},
	PointConfirmRequested:  {"point.confirm", shapeCommand},

	StockCompensationRequested:  {"stock.compensate", shapeCompensationRequested},
	CouponCompensationRequested: {"coupon.compensate", shapeCompensationRequested},
	PointCompensationRequested:  {"point.compensate", shapeCompensationRequested},

	ReservationResult:     {TopicReservationResult, shapeStepResult},
	ConfirmationResult:    {TopicConfirmationResult, shapeStepResult},
	CompensationCompleted: {TopicCompensationCompleted, shapeCompensationCompleted},
}

// TopicOf returns the topic bound to t.
func TopicOf(t Type) (string, error) {
	b, ok := catalogue[t]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownType, t)
	}
	return b.topic, nil
}

// Envelope immutable wire message
type Envelope struct {
	eventID    string
	typ        Type
	occurredAt time.Time
	payload    Payload
}

// New builds a validated envelope with a fresh event id.
func New(t Type, p Payload) (*Envelope, error) {
	b, ok := catalogue[t]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownType, t)
	}
	if p == nil || p.shape() != b.shape {
		return nil, fmt.Errorf("%w: %s carries %T", ErrPayloadMismatch, t, p)
	}
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidPayload, t, err)
	}
	return &Envelope{
		eventID:    uuid.NewString(),
		typ:        t,
		occurredAt: time.Now().UTC(),
		payload:    p,
	}, nil
}

func (e *Envelope) EventID() string       { return e.eventID }
func (e *Envelope) Type() Type            { return e.typ }
func (e *Envelope) OccurredAt() time.Time { return e.occurredAt }
func (e *Envelope) Payload() Payload      { return e.payload }

// Topic derived from the type; never fails for a constructed envelope.
func (e *Envelope) Topic() string {
	return catalogue[e.typ].topic
}

// Key used for bus partitioning.
func (e *Envelope) Key() string {
	return e.payload.partitionKey()
}

type wire struct {
	EventID    string          `json:"eventId"`
	Type       Type            `json:"type"`
	OccurredAt time.Time       `json:"occurredAt"`
	Payload    json.RawMessage `json:"payload"`
}

// Encode serializes the envelope.
func (e *Envelope) Encode() ([]byte, error) {
	raw, err := json.Marshal(e.payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", e.typ, err)
	}
	return json.Marshal(wire{
		EventID:    e.eventID,
		Type:       e.typ,
		OccurredAt: e.occurredAt,
		Payload:    raw,
	})
}

// Decode parses and validates an envelope.
func Decode(data []byte) (*Envelope, error) {
	var w wire
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	b, ok := catalogue[w.Type]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, w.Type)
	}
	if w.EventID == "" {
		return nil, fmt.Errorf("%w: missing event id", ErrInvalidPayload)
	}
	p, err := decodePayload(b.shape, w.Payload)
	if err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", w.Type, err)
	}
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidPayload, w.Type, err)
	}
	return &Envelope{eventID: w.EventID, typ: w.Type, occurredAt: w.OccurredAt, payload: p}, nil
}

func decodePayload(sh shape, raw json.RawMessage) (Payload, error) {
	switch sh {
	case shapeCommand:
		var p ReservationCommand
		err := json.Unmarshal(raw, &p)
		return p, err
	case shapeCompensationRequested:
		var p CompensationRequest
		err := json.Unmarshal(raw, &p)
		return p, err
	case shapeStepResult:
		var p StepResult
		err := json.Unmarshal(raw, &p)
		return p, err
	case shapeCompensationCompleted:
		var p CompensationReport
		err := json.Unmarshal(raw, &p)
		return p, err
	}
	return nil, fmt.Errorf("no decoder for shape %d", sh)
}

// OutboxEntry serializes the envelope into a row for the local outbox.
func (e *Envelope) OutboxEntry() (*model.OutboxEntry, error) {
	payload, err := e.Encode()
	if err != nil {
		return nil, err
	}
	return &model.OutboxEntry{
		EventID:   e.eventID,
		Topic:     e.Topic(),
		Key:       e.Key(),
		Payload:   payload,
		CreatedAt: e.occurredAt,
	}, nil
}
