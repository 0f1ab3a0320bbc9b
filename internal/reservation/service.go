// Package reservation implements the reserve, confirm and cancel protocol a
// saga participant runs over its own resource ledger.
package reservation

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"promotion-shop/internal/event"
	"promotion-shop/internal/model"
	"promotion-shop/internal/monitor"
	"promotion-shop/internal/repository"
	"promotion-shop/pkg/lock"
	"promotion-shop/pkg/log"
)

// Operation protocol step
type Operation string

const (
	OpReserve Operation = "reserve"
	OpConfirm Operation = "confirm"
	OpCancel  Operation = "cancel"
)

// Outcome what an operation did to the ledger
type Outcome string

const (
	OutcomeReserved         Outcome = "RESERVED"
	OutcomeAlreadyReserved  Outcome = "ALREADY_RESERVED"
	OutcomeConfirmed        Outcome = "CONFIRMED"
	OutcomeAlreadyConfirmed Outcome = "ALREADY_CONFIRMED"
	OutcomeCanceled         Outcome = "CANCELED"
	OutcomeAlreadyCanceled  Outcome = "ALREADY_CANCELED"
)

// Request identifies one order's reservation at a participant. Confirm and
// cancel may leave Lines empty to address every reserved line.
type Request struct {
	SagaID  string       `json:"sagaId"`
	OrderID uint64       `json:"orderId"`
	UserID  uint64       `json:"userId"`
	Lines   []model.Line `json:"lines,omitempty"`
}

// Result of an applied or replayed operation
type Result struct {
	Kind    string       `json:"kind"`
	SagaID  string       `json:"sagaId"`
	OrderID uint64       `json:"orderId"`
	UserID  uint64       `json:"userId"`
	Outcome Outcome      `json:"outcome"`
	Lines   []model.Line `json:"lines"`
}

// AnnounceFunc builds the event that reports an operation. A successful
// operation writes it in the ledger transaction; a failed one writes it in a
// transaction of its own after the rollback. res is nil when the failure
// happened before any outcome was known, and a nil envelope announces nothing.
type AnnounceFunc func(req Request, res *Result, err error) (*event.Envelope, error)

// Service reservation protocol of one participant kind
type Service interface {
	Kind() string
	Reserve(ctx context.Context, req Request, announce AnnounceFunc) (*Result, error)
	Confirm(ctx context.Context, req Request, announce AnnounceFunc) (*Result, error)
	Cancel(ctx context.Context, req Request, announce AnnounceFunc) (*Result, error)
}

type service struct {
	store    repository.Store
	capacity Capacity
	guard    Guard
	metrics  *monitor.MetricsCollector
	now      func() time.Time
}

// Option configures a Service
type Option func(*service)

// WithMetrics records every operation on m
func WithMetrics(m *monitor.MetricsCollector) Option {
	return func(s *service) { s.metrics = m }
}

// WithClock replaces the ledger clock
func WithClock(now func() time.Time) Option {
	return func(s *service) { s.now = now }
}

// NewService creates a reservation service over store
func NewService(store repository.Store, capacity Capacity, guard Guard, opts ...Option) Service {
	s := &service{
		store:    store,
		capacity: capacity,
		guard:    guard,
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// New wires the adapter and guard of a participant kind: stock mutations
// run under the distributed lock, coupons and points under version retries.
func New(kind string, store repository.Store, locker lock.Locker, versionRetries int, opts ...Option) (Service, error) {
	capacity, err := NewCapacity(kind)
	if err != nil {
		return nil, err
	}
	var guard Guard
	if kind == event.KindStock {
		if locker == nil {
			return nil, errors.New("stock reservations require a locker")
		}
		guard = NewLockGuard(locker)
	} else {
		guard = NewVersionGuard(versionRetries, 5*time.Millisecond)
	}
	return NewService(store, capacity, guard, opts...), nil
}

func (s *service) Kind() string {
	return s.capacity.Kind()
}

func (s *service) Reserve(ctx context.Context, req Request, announce AnnounceFunc) (*Result, error) {
	ctx, span, start := s.begin(ctx, OpReserve, req)
	defer span.End()

	res, err := s.reserve(ctx, req, announce)
	monitor.RecordError(span, err)
	return s.finish(ctx, OpReserve, req, res, err, announce, start)
}

func (s *service) Confirm(ctx context.Context, req Request, announce AnnounceFunc) (*Result, error) {
	ctx, span, start := s.begin(ctx, OpConfirm, req)
	defer span.End()

	res, err := s.finalize(ctx, OpConfirm, req, announce)
	monitor.RecordError(span, err)
	return s.finish(ctx, OpConfirm, req, res, err, announce, start)
}

func (s *service) Cancel(ctx context.Context, req Request, announce AnnounceFunc) (*Result, error) {
	ctx, span, start := s.begin(ctx, OpCancel, req)
	defer span.End()

	res, err := s.finalize(ctx, OpCancel, req, announce)
	monitor.RecordError(span, err)
	return s.finish(ctx, OpCancel, req, res, err, announce, start)
}

func (s *service) reserve(ctx context.Context, req Request, announce AnnounceFunc) (*Result, error) {
	if err := validate(req); err != nil {
		return nil, err
	}
	lines, err := s.capacity.Normalize(req.Lines)
	if err != nil {
		return nil, err
	}

	res := s.newResult(req, lines)
	err = s.guarded(ctx, req.UserID, lines, func(ctx context.Context, tx repository.Tx) error {
		res.Outcome = ""
		entries, err := s.loadLedger(ctx, tx, req)
		if err != nil {
			return err
		}

		if len(entries) > 0 {
			outcome, err := entries.replayReserve(lines)
			res.Outcome = outcome
			if err != nil {
				return fmt.Errorf("order %d: %w", req.OrderID, err)
			}
			return s.announceInTx(ctx, tx, announce, req, res)
		}

		now := s.now()
		for _, line := range lines {
			if err := s.capacity.Hold(ctx, tx, req.OrderID, req.UserID, line, now); err != nil {
				return err
			}
			entry := model.NewLedgerEntry(req.SagaID, req.OrderID, req.UserID, line, model.ReservationTypeReserve, now)
			if err := tx.Reservations(s.Kind()).Append(ctx, entry); err != nil {
				return fmt.Errorf("append reserve entry: %w", err)
			}
		}
		res.Outcome = OutcomeReserved
		return s.announceInTx(ctx, tx, announce, req, res)
	})
	return res.orNil(), err
}

func (s *service) finalize(ctx context.Context, op Operation, req Request, announce AnnounceFunc) (*Result, error) {
	if err := validate(req); err != nil {
		return nil, err
	}
	target := model.ReservationTypeCancel
	if op == OpConfirm {
		target = model.ReservationTypeConfirm
	}

	lines, err := s.resolveLines(ctx, req)
	if err != nil {
		return nil, err
	}

	res := s.newResult(req, lines)
	err = s.guarded(ctx, req.UserID, lines, func(ctx context.Context, tx repository.Tx) error {
		res.Outcome = ""
		entries, err := s.loadLedger(ctx, tx, req)
		if err != nil {
			return err
		}

		pending := make([]model.Reservation, 0, len(lines))
		res.Lines = res.Lines[:0]
		for _, line := range lines {
			e := entries[line.ResourceID]
			if e == nil || e.reserve == nil {
				return fmt.Errorf("%w: order %d resource %d", ErrReservationNotFound, req.OrderID, line.ResourceID)
			}
			res.Lines = append(res.Lines, model.Line{ResourceID: e.reserve.ResourceID, Amount: e.reserve.Amount})
			if e.final == nil {
				pending = append(pending, *e.reserve)
				continue
			}
			if e.final.Type != target {
				res.Outcome = alreadyOutcome(e.final.Type)
				return fmt.Errorf("%w: order %d resource %d is already %s",
					ErrInvalidReservationState, req.OrderID, line.ResourceID, e.final.Type)
			}
		}

		if len(pending) == 0 {
			res.Outcome = alreadyOutcome(target)
			return s.announceInTx(ctx, tx, announce, req, res)
		}

		now := s.now()
		for _, r := range pending {
			line := model.Line{ResourceID: r.ResourceID, Amount: r.Amount}
			if op == OpConfirm {
				err = s.capacity.Commit(ctx, tx, req.OrderID, req.UserID, line)
			} else {
				err = s.capacity.Release(ctx, tx, req.OrderID, req.UserID, line)
			}
			if err != nil {
				return err
			}
			sagaID := req.SagaID
			if sagaID == "" {
				sagaID = r.SagaID
			}
			entry := model.NewLedgerEntry(sagaID, req.OrderID, req.UserID, line, target, now)
			if err := tx.Reservations(s.Kind()).Append(ctx, entry); err != nil {
				return fmt.Errorf("append %s entry: %w", target, err)
			}
		}
		res.Outcome = doneOutcome(target)
		return s.announceInTx(ctx, tx, announce, req, res)
	})
	return res.orNil(), err
}

// resolveLines returns the resource ids an operation addresses. Without
// request lines every reserved line of the order is addressed.
func (s *service) resolveLines(ctx context.Context, req Request) ([]model.Line, error) {
	if len(req.Lines) > 0 {
		return s.capacity.Normalize(req.Lines)
	}
	rows, err := s.store.Reservations(s.Kind()).FindByOrder(ctx, req.OrderID, req.UserID)
	if err != nil {
		return nil, fmt.Errorf("load ledger of order %d: %w", req.OrderID, err)
	}
	var lines []model.Line
	for _, r := range rows {
		if r.Type == model.ReservationTypeReserve {
			lines = append(lines, model.Line{ResourceID: r.ResourceID, Amount: r.Amount})
		}
	}
	if len(lines) == 0 {
		return nil, fmt.Errorf("%w: order %d user %d", ErrReservationNotFound, req.OrderID, req.UserID)
	}
	sort.Slice(lines, func(i, j int) bool { return lines[i].ResourceID < lines[j].ResourceID })
	return lines, nil
}

// guarded runs fn in one local transaction under the concurrency guard of
// the touched resources. A ledger key collision means a concurrent request
// finalized the same key first; one retry observes its result.
func (s *service) guarded(ctx context.Context, userID uint64, lines []model.Line, fn func(ctx context.Context, tx repository.Tx) error) error {
	keys := make([]string, len(lines))
	for i, l := range lines {
		keys[i] = s.capacity.LockKey(userID, l)
	}
	run := func() error {
		return s.guard.Run(ctx, keys, func(ctx context.Context) error {
			return s.store.WithinTx(ctx, fn)
		})
	}
	err := run()
	if errors.Is(err, repository.ErrDuplicate) {
		err = run()
	}
	return err
}

func (s *service) announceInTx(ctx context.Context, tx repository.Tx, announce AnnounceFunc, req Request, res *Result) error {
	if announce == nil {
		return nil
	}
	env, err := announce(req, res.snapshot(), nil)
	if err != nil {
		return fmt.Errorf("build announcement: %w", err)
	}
	if env == nil {
		return nil
	}
	entry, err := env.OutboxEntry()
	if err != nil {
		return err
	}
	return tx.Outbox().Append(ctx, entry)
}

func (s *service) announceFailure(ctx context.Context, announce AnnounceFunc, req Request, res *Result, cause error) error {
	env, err := announce(req, res.snapshot(), cause)
	if err != nil {
		return fmt.Errorf("build announcement: %w", err)
	}
	if env == nil {
		return nil
	}
	entry, err := env.OutboxEntry()
	if err != nil {
		return err
	}
	return s.store.WithinTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		return tx.Outbox().Append(ctx, entry)
	})
}

func (s *service) begin(ctx context.Context, op Operation, req Request) (context.Context, trace.Span, time.Time) {
	ctx, span := monitor.StartSpan(ctx, "reservation."+string(op),
		append(monitor.SagaAttributes(req.SagaID, req.OrderID),
			attribute.String("participant.kind", s.Kind()),
			attribute.Int64("user.id", int64(req.UserID)),
		)...,
	)
	return ctx, span, time.Now()
}

// finish records the operation and announces failures. A failure that could
// not be announced is returned as an infrastructure error so the caller retries.
func (s *service) finish(ctx context.Context, op Operation, req Request, res *Result, err error, announce AnnounceFunc, start time.Time) (*Result, error) {
	label := Reason(err)
	if err == nil {
		label = string(res.Outcome)
	}
	s.metrics.RecordReservation(s.Kind(), string(op), label, time.Since(start))

	fields := map[string]interface{}{
		"kind":      s.Kind(),
		"operation": op,
		"order_id":  req.OrderID,
		"user_id":   req.UserID,
	}
	if err == nil {
		fields["outcome"] = res.Outcome
		log.WithContext(ctx).WithFields(fields).Info("Reservation operation applied")
		return res, nil
	}

	if IsDomain(err) {
		log.WithContext(ctx).WithFields(fields).WithError(err).Warn("Reservation operation rejected")
	} else {
		log.WithContext(ctx).WithFields(fields).WithError(err).Error("Reservation operation failed")
	}

	if announce != nil {
		if aerr := s.announceFailure(ctx, announce, req, res, err); aerr != nil {
			log.WithContext(ctx).WithFields(fields).WithError(aerr).Error("Failed to announce reservation failure")
			return res, fmt.Errorf("%w: %s failure: %v", ErrAnnounceFailed, op, aerr)
		}
	}
	return res, err
}

func (s *service) newResult(req Request, lines []model.Line) *Result {
	return &Result{
		Kind:    s.Kind(),
		SagaID:  req.SagaID,
		OrderID: req.OrderID,
		UserID:  req.UserID,
		Lines:   model.CloneLines(lines),
	}
}

func (r *Result) orNil() *Result {
	if r == nil || r.Outcome == "" {
		return nil
	}
	return r
}

func (r *Result) snapshot() *Result {
	if r.orNil() == nil {
		return nil
	}
	c := *r
	c.Lines = model.CloneLines(r.Lines)
	return &c
}

func validate(req Request) error {
	if req.OrderID == 0 {
		return fmt.Errorf("%w: order id is required", ErrInvalidRequest)
	}
	if req.UserID == 0 {
		return fmt.Errorf("%w: user id is required", ErrInvalidRequest)
	}
	return nil
}

type ledgerEntry struct {
	reserve *model.Reservation
	final   *model.Reservation
}

// ledger rows of one order keyed by resource id
type ledger map[uint64]*ledgerEntry

func (s *service) loadLedger(ctx context.Context, tx repository.Tx, req Request) (ledger, error) {
	rows, err := tx.Reservations(s.Kind()).FindByOrder(ctx, req.OrderID, req.UserID)
	if err != nil {
		return nil, fmt.Errorf("load ledger of order %d: %w", req.OrderID, err)
	}
	l := make(ledger, len(rows))
	for i := range rows {
		row := rows[i]
		e := l[row.ResourceID]
		if e == nil {
			e = &ledgerEntry{}
			l[row.ResourceID] = e
		}
		if row.IsFinalization() {
			e.final = &row
		} else {
			e.reserve = &row
		}
	}
	return l, nil
}

// replayReserve answers a reserve for an order that already has ledger rows:
// the same open reservation is a no-op, anything else is a state conflict.
func (l ledger) replayReserve(lines []model.Line) (Outcome, error) {
	for _, e := range l {
		if e.final != nil {
			return alreadyOutcome(e.final.Type), fmt.Errorf("%w: reservation already %s", ErrInvalidReservationState, e.final.Type)
		}
	}
	if len(l) != len(lines) {
		return "", fmt.Errorf("%w: already reserved with different lines", ErrInvalidReservationState)
	}
	for _, line := range lines {
		e := l[line.ResourceID]
		if e == nil || e.reserve == nil || e.reserve.Amount != line.Amount {
			return "", fmt.Errorf("%w: already reserved with different lines", ErrInvalidReservationState)
		}
	}
	return OutcomeAlreadyReserved, nil
}

func alreadyOutcome(t model.ReservationType) Outcome {
	if t == model.ReservationTypeConfirm {
		return OutcomeAlreadyConfirmed
	}
	return OutcomeAlreadyCanceled
}

func doneOutcome(t model.ReservationType) Outcome {
	if t == model.ReservationTypeConfirm {
		return OutcomeConfirmed
	}
	return OutcomeCanceled
}
