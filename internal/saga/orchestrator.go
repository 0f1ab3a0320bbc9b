// Package saga coordinates stock, coupon and point reservations of one order
// and drives compensation when any of them fails.
package saga

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"promotion-shop/internal/client"
	"promotion-shop/internal/config"
	"promotion-shop/internal/event"
	"promotion-shop/internal/model"
	"promotion-shop/internal/monitor"
	"promotion-shop/internal/repository"
	"promotion-shop/internal/reservation"
	"promotion-shop/pkg/degrade"
	"promotion-shop/pkg/log"
	"promotion-shop/pkg/requestctx"
)

var (
	ErrSagaNotFound  = errors.New("saga not found")
	ErrInvalidOrder  = errors.New("invalid order")
	ErrOrderRejected = errors.New("order rejected by participant")
)

// ReasonUnavailable failure reason of a participant that could not answer
const ReasonUnavailable = "PARTICIPANT_UNAVAILABLE"

// IDGenerator issues order ids
type IDGenerator interface {
	NextID() (uint64, error)
}

// OrderItem one stock line of a new order
type OrderItem struct {
	ProductOptionID uint64 `json:"productOptionId"`
	Quantity        int64  `json:"quantity"`
}

// PlaceOrderRequest what the customer asked for
type PlaceOrderRequest struct {
	UserID   uint64      `json:"-"`
	Items    []OrderItem `json:"items"`
	CouponID uint64      `json:"couponId"`
	Points   int64       `json:"points"`
}

// Placement state of a saga right after placement
type Placement struct {
	Order    *model.Order           `json:"order"`
	Saga     *model.SagaTransaction `json:"saga"`
	Warnings []string               `json:"warnings,omitempty"`
}

// Orchestrator runs order sagas
type Orchestrator struct {
	store        repository.Store
	ids          IDGenerator
	cfg          config.SagaConfig
	participants map[string]client.Participant
	degraded     *degrade.Registry
	metrics      *monitor.MetricsCollector
	now          func() time.Time
}

// Option configures an Orchestrator
type Option func(*Orchestrator)

// WithParticipant registers the synchronous client of a participant. Kinds
// configured as sync without a client run async.
func WithParticipant(p client.Participant) Option {
	return func(o *Orchestrator) { o.participants[p.Kind()] = p }
}

func WithDegradeRegistry(r *degrade.Registry) Option {
	return func(o *Orchestrator) { o.degraded = r }
}

func WithMetrics(m *monitor.MetricsCollector) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// New creates an orchestrator
func New(store repository.Store, ids IDGenerator, cfg config.SagaConfig, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		store:        store,
		ids:          ids,
		cfg:          cfg,
		participants: make(map[string]client.Participant),
		now:          func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.cfg.UpdateRetries <= 0 {
		o.cfg.UpdateRetries = 5
	}
	return o
}

func (o *Orchestrator) mode(kind string) string {
	if o.cfg.Endpoint(kind).Mode == config.ModeSync && o.participants[kind] != nil {
		return config.ModeSync
	}
	return config.ModeAsync
}

func (r PlaceOrderRequest) validate() error {
	if r.UserID == 0 {
		return fmt.Errorf("%w: user id is required", ErrInvalidOrder)
	}
	if len(r.Items) == 0 {
		return fmt.Errorf("%w: at least one item is required", ErrInvalidOrder)
	}
	for i, it := range r.Items {
		if it.ProductOptionID == 0 || it.Quantity <= 0 {
			return fmt.Errorf("%w: item %d needs a product option and a positive quantity", ErrInvalidOrder, i)
		}
	}
	if r.Points < 0 {
		return fmt.Errorf("%w: points must not be negative", ErrInvalidOrder)
	}
	return nil
}

// steps lays out one step per participant. Participants with nothing to
// reserve are skipped.
func (o *Orchestrator) steps(req PlaceOrderRequest, now time.Time) []model.SagaStep {
	lines := map[string][]model.Line{}
	for _, it := range req.Items {
		lines[event.KindStock] = append(lines[event.KindStock], model.Line{ResourceID: it.ProductOptionID, Amount: it.Quantity})
	}
	if req.CouponID != 0 {
		lines[event.KindCoupon] = []model.Line{{ResourceID: req.CouponID, Amount: 1}}
	}
	if req.Points > 0 {
		lines[event.KindPoint] = []model.Line{{ResourceID: 0, Amount: req.Points}}
	}

	steps := make([]model.SagaStep, 0, len(event.Kinds))
	for _, kind := range event.Kinds {
		st := model.SagaStep{Kind: kind, Mode: o.mode(kind), UpdatedAt: now}
		if l, ok := lines[kind]; ok {
			st.Lines = l
			st.Reserve = model.StepPending
		} else {
			st.Reserve = model.StepSkipped
		}
		steps = append(steps, st)
	}
	return steps
}

// PlaceOrder stores the order and its saga, requests every reservation and
// applies the synchronous answers before returning. A synchronous
// validation failure is returned as ErrOrderRejected together with the
// placement; an unavailable participant only adds a warning.
func (o *Orchestrator) PlaceOrder(ctx context.Context, req PlaceOrderRequest) (*Placement, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	orderID, err := o.ids.NextID()
	if err != nil {
		return nil, fmt.Errorf("generate order id: %w", err)
	}

	now := o.now()
	order := &model.Order{
		ID:         orderID,
		UserID:     req.UserID,
		Status:     model.OrderStatusCreated,
		CouponID:   req.CouponID,
		UsedPoints: req.Points,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	for _, it := range req.Items {
		order.Items = append(order.Items, model.OrderItem{OrderID: orderID, ProductOptionID: it.ProductOptionID, Quantity: it.Quantity})
	}

	saga := &model.SagaTransaction{
		SagaID:    uuid.NewString(),
		OrderID:   orderID,
		UserID:    req.UserID,
		Status:    model.SagaStatusCreated,
		CreatedAt: now,
		UpdatedAt: now,
	}
	saga.SetSteps(o.steps(req, now))
	if err := saga.TransitionTo(model.SagaStatusReserving); err != nil {
		return nil, err
	}

	ctx = requestctx.WithSagaID(ctx, saga.SagaID)
	ctx, span := monitor.StartSpan(ctx, "saga.place_order", monitor.SagaAttributes(saga.SagaID, orderID)...)
	defer span.End()

	err = o.store.WithinTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		if err := tx.Orders().Create(ctx, order); err != nil {
			return fmt.Errorf("create order: %w", err)
		}
		if err := tx.Sagas().Create(ctx, saga); err != nil {
			return fmt.Errorf("create saga: %w", err)
		}
		for _, st := range saga.StepList() {
			if st.Reserve != model.StepPending || st.Mode != config.ModeAsync {
				continue
			}
			env, err := o.command(event.ReserveRequestedFor, saga, st)
			if err != nil {
				return err
			}
			if err := appendEnvelope(ctx, tx, env); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		monitor.RecordError(span, err)
		return nil, err
	}
	o.metrics.RecordSagaTransition(string(model.SagaStatusCreated), string(model.SagaStatusReserving))
	log.WithContext(ctx).WithFields(map[string]interface{}{
		"order_id": orderID,
		"user_id":  req.UserID,
	}).Info("Saga started")

	placement := &Placement{Order: order, Saga: saga, Warnings: o.warnings(ctx, saga)}
	answers, err := o.reserveSync(ctx, saga)
	if err != nil {
		return nil, err
	}
	placement.Warnings = append(placement.Warnings, answers.warnings...)

	if current, err := o.store.Sagas().GetBySagaID(ctx, saga.SagaID); err == nil {
		placement.Saga = current
	}
	if current, err := o.store.Orders().GetByID(ctx, orderID); err == nil {
		placement.Order = current
	}
	if answers.rejection != nil {
		return placement, fmt.Errorf("%w: %w", ErrOrderRejected, answers.rejection)
	}
	return placement, nil
}

func (o *Orchestrator) warnings(ctx context.Context, saga *model.SagaTransaction) []string {
	if o.degraded == nil {
		return nil
	}
	var out []string
	for _, st := range saga.StepList() {
		if st.Reserve == model.StepSkipped {
			continue
		}
		if o.degraded.IsDegraded(ctx, st.Kind) {
			out = append(out, fmt.Sprintf("%s participant is degraded", st.Kind))
		}
	}
	return out
}

type callResult struct {
	kind string
	res  *reservation.Result
	err  error
}

// syncAnswers first rejection and one warning per unavailable participant
type syncAnswers struct {
	rejection error
	warnings  []string
}

// reserveSync calls the synchronous participants in parallel and applies
// their answers.
func (o *Orchestrator) reserveSync(ctx context.Context, saga *model.SagaTransaction) (syncAnswers, error) {
	var pending []model.SagaStep
	for _, st := range saga.StepList() {
		if st.Reserve == model.StepPending && st.Mode == config.ModeSync {
			pending = append(pending, st)
		}
	}
	var answers syncAnswers
	if len(pending) == 0 {
		return answers, nil
	}

	results := o.callAll(ctx, saga, pending, func(p client.Participant) func(context.Context, reservation.Request) (*reservation.Result, error) {
		return p.Reserve
	})

	// the saga must record every answer even if the caller went away
	ctx = context.WithoutCancel(ctx)

	for _, r := range results {
		switch {
		case r.err == nil:
		case client.IsRejection(r.err):
			if answers.rejection == nil {
				answers.rejection = r.err
			}
		default:
			answers.warnings = append(answers.warnings, fmt.Sprintf("%s participant temporarily unavailable", r.kind))
		}
		if err := o.HandleReservationResult(ctx, o.stepResult(saga, r)); err != nil {
			return answers, err
		}
	}
	return answers, nil
}

// confirmSync runs synchronous confirms after the saga entered CONFIRMING.
func (o *Orchestrator) confirmSync(ctx context.Context, saga *model.SagaTransaction, steps []model.SagaStep) error {
	if len(steps) == 0 {
		return nil
	}
	results := o.callAll(ctx, saga, steps, func(p client.Participant) func(context.Context, reservation.Request) (*reservation.Result, error) {
		return p.Confirm
	})
	ctx = context.WithoutCancel(ctx)
	for _, r := range results {
		if err := o.HandleConfirmationResult(ctx, o.stepResult(saga, r)); err != nil {
			return err
		}
	}
	return nil
}

func (o *Orchestrator) callAll(ctx context.Context, saga *model.SagaTransaction, steps []model.SagaStep, op func(client.Participant) func(context.Context, reservation.Request) (*reservation.Result, error)) []callResult {
	results := make([]callResult, len(steps))
	var g errgroup.Group
	for i, st := range steps {
		i, st := i, st
		g.Go(func() error {
			res, err := op(o.participants[st.Kind])(ctx, reservation.Request{
				SagaID:  saga.SagaID,
				OrderID: saga.OrderID,
				UserID:  saga.UserID,
				Lines:   model.CloneLines(st.Lines),
			})
			results[i] = callResult{kind: st.Kind, res: res, err: err}
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func (o *Orchestrator) stepResult(saga *model.SagaTransaction, r callResult) event.StepResult {
	out := event.StepResult{
		SagaID:    saga.SagaID,
		OrderID:   saga.OrderID,
		UserID:    saga.UserID,
		Kind:      r.kind,
		Success:   r.err == nil,
		Timestamp: o.now(),
	}
	if r.res != nil {
		out.Outcome = string(r.res.Outcome)
	}
	switch {
	case r.err == nil:
	case client.IsRejection(r.err):
		out.Reason = reservation.Reason(r.err)
		out.ErrorMessage = r.err.Error()
	default:
		out.Reason = ReasonUnavailable
		out.ErrorMessage = r.err.Error()
	}
	return out
}

func appendEnvelope(ctx context.Context, tx repository.Tx, env *event.Envelope) error {
	entry, err := env.OutboxEntry()
	if err != nil {
		return err
	}
	if err := tx.Outbox().Append(ctx, entry); err != nil {
		return fmt.Errorf("append %s to outbox: %w", env.Type(), err)
	}
	return nil
}

// GetSaga returns the saga of an order
func (o *Orchestrator) GetSaga(ctx context.Context, orderID uint64) (*model.SagaTransaction, error) {
	saga, err := o.store.Sagas().GetByOrderID(ctx, orderID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, fmt.Errorf("%w: order %d", ErrSagaNotFound, orderID)
	}
	return saga, err
}

// GetOrder returns an order with its items
func (o *Orchestrator) GetOrder(ctx context.Context, orderID uint64) (*model.Order, error) {
	order, err := o.store.Orders().GetByID(ctx, orderID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, fmt.Errorf("%w: order %d", ErrSagaNotFound, orderID)
	}
	return order, err
}
