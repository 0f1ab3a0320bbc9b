package saga

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"promotion-shop/internal/config"
	"promotion-shop/internal/event"
	"promotion-shop/internal/model"
	"promotion-shop/internal/reaper"
	"promotion-shop/internal/repository"
	"promotion-shop/internal/reservation"
	"promotion-shop/internal/storage/memory"
)

var compensations = []event.Type{
	event.StockCompensationRequested,
	event.CouponCompensationRequested,
	event.PointCompensationRequested,
}

var confirms = []event.Type{
	event.StockConfirmRequested,
	event.CouponConfirmRequested,
	event.PointConfirmRequested,
}

func fullOrder(points int64) PlaceOrderRequest {
	return PlaceOrderRequest{
		UserID:   user,
		Items:    []OrderItem{{ProductOptionID: 1, Quantity: 2}},
		CouponID: 7,
		Points:   points,
	}
}

func stepOf(t *testing.T, saga *model.SagaTransaction, kind string) model.SagaStep {
	t.Helper()
	st, ok := saga.Step(kind)
	require.True(t, ok, "missing %s step", kind)
	return st
}

func TestPlaceOrder_Validation(t *testing.T) {
	h := newHarness(t)

	tests := []struct {
		name string
		req  PlaceOrderRequest
	}{
		{"missing user", PlaceOrderRequest{Items: []OrderItem{{ProductOptionID: 1, Quantity: 1}}}},
		{"no items", PlaceOrderRequest{UserID: user}},
		{"zero quantity", PlaceOrderRequest{UserID: user, Items: []OrderItem{{ProductOptionID: 1}}}},
		{"missing option", PlaceOrderRequest{UserID: user, Items: []OrderItem{{Quantity: 1}}}},
		{"negative points", PlaceOrderRequest{UserID: user, Items: []OrderItem{{ProductOptionID: 1, Quantity: 1}}, Points: -1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.orch.PlaceOrder(h.ctx, tt.req)
			assert.ErrorIs(t, err, ErrInvalidOrder)
		})
	}

	n, err := h.orders.Outbox().CountPending(h.ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestPlaceOrder_WritesOrderSagaAndCommands(t *testing.T) {
	h := newHarness(t)

	p, err := h.orch.PlaceOrder(h.ctx, PlaceOrderRequest{
		UserID: user,
		Items:  []OrderItem{{ProductOptionID: 1, Quantity: 2}, {ProductOptionID: 2, Quantity: 1}},
		Points: 10,
	})
	require.NoError(t, err)
	assert.Empty(t, p.Warnings)

	assert.Equal(t, model.OrderStatusCreated, p.Order.Status)
	assert.Len(t, p.Order.Items, 2)
	assert.Equal(t, model.SagaStatusReserving, p.Saga.Status)
	assert.Equal(t, p.Order.ID, p.Saga.OrderID)

	assert.Equal(t, model.StepPending, stepOf(t, p.Saga, event.KindStock).Reserve)
	assert.Equal(t, model.StepSkipped, stepOf(t, p.Saga, event.KindCoupon).Reserve, "no coupon, nothing to reserve")
	assert.Equal(t, model.StepPending, stepOf(t, p.Saga, event.KindPoint).Reserve)

	entries, err := h.orders.Outbox().FetchPending(h.ctx, 10)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "stock.reserve", entries[0].Topic)
	assert.Equal(t, "point.reserve", entries[1].Topic)

	env, err := event.Decode(entries[0].Payload)
	require.NoError(t, err)
	cmd := env.Payload().(event.ReservationCommand)
	assert.Equal(t, p.Saga.SagaID, cmd.SagaID)
	assert.Equal(t, []model.Line{{ResourceID: 1, Amount: 2}, {ResourceID: 2, Amount: 1}}, cmd.Lines)
}

// Scenario A: stock and coupon reserve, points are short.
func TestScenario_PointShortageCompensatesOthers(t *testing.T) {
	h := newHarness(t)

	p, err := h.orch.PlaceOrder(h.ctx, fullOrder(500))
	require.NoError(t, err)
	h.pump()

	saga := h.saga(p.Order.ID)
	assert.Equal(t, model.SagaStatusCompensationCompleted, saga.Status)
	assert.Contains(t, saga.ErrorMessage, "point reserve failed")

	assert.Equal(t, 1, h.count(event.StockCompensationRequested))
	assert.Equal(t, 1, h.count(event.CouponCompensationRequested))
	assert.Zero(t, h.count(event.PointCompensationRequested), "never compensate a participant that did not reserve")
	assert.Zero(t, h.count(confirms...))

	assert.Equal(t, model.StepFailed, stepOf(t, saga, event.KindPoint).Reserve)
	assert.Equal(t, model.StepSucceeded, stepOf(t, saga, event.KindStock).Compensation)
	assert.Equal(t, model.StepSucceeded, stepOf(t, saga, event.KindCoupon).Compensation)

	order := h.order(p.Order.ID)
	assert.Equal(t, model.OrderStatusFailed, order.Status)
	assert.NotEmpty(t, order.FailureReason)

	assert.Equal(t, int64(0), h.option(1).Reserved)
	assert.Equal(t, int64(10), h.option(1).Stock)
	assert.Equal(t, model.CouponStatusAvailable, h.coupon(7).Status)
	assert.Equal(t, int64(0), h.points().Reserved)
}

// Scenario B and D: everything reserves, every participant confirms once
// and a redelivered confirm deducts nothing more.
func TestScenario_AllReservedCompletes(t *testing.T) {
	h := newHarness(t)

	p, err := h.orch.PlaceOrder(h.ctx, fullOrder(30))
	require.NoError(t, err)
	h.pump()

	saga := h.saga(p.Order.ID)
	assert.Equal(t, model.SagaStatusCompleted, saga.Status)
	assert.Empty(t, saga.ErrorMessage)
	assert.Equal(t, model.OrderStatusCompleted, h.order(p.Order.ID).Status)

	for _, ct := range confirms {
		assert.Equal(t, 1, h.count(ct), "%s", ct)
	}
	assert.Zero(t, h.count(compensations...))

	assert.Equal(t, int64(8), h.option(1).Stock)
	assert.Equal(t, int64(0), h.option(1).Reserved)
	assert.Equal(t, model.CouponStatusUsed, h.coupon(7).Status)
	assert.Equal(t, int64(70), h.points().Balance)
	assert.Equal(t, int64(0), h.points().Reserved)

	var stockConfirm *event.Envelope
	for _, env := range h.delivered {
		if env.Type() == event.StockConfirmRequested {
			stockConfirm = env
		}
	}
	require.NotNil(t, stockConfirm)

	version := saga.Version
	h.deliver(stockConfirm)
	h.deliver(stockConfirm)
	h.pump()

	assert.Equal(t, int64(8), h.option(1).Stock, "duplicate confirm must not deduct twice")
	assert.Equal(t, version, h.saga(p.Order.ID).Version, "duplicate results leave the saga untouched")
}

// Scenario C: the orchestrator never hears back, the reaper frees the
// coupon and another order can take it.
func TestScenario_ReaperReclaimsAbandonedCoupon(t *testing.T) {
	h := newHarness(t)

	_, err := h.orch.PlaceOrder(h.ctx, PlaceOrderRequest{UserID: user, Items: []OrderItem{{ProductOptionID: 1, Quantity: 1}}, CouponID: 7})
	require.NoError(t, err)

	entries, err := h.orders.Outbox().FetchPending(h.ctx, 10)
	require.NoError(t, err)
	for _, e := range entries {
		env, err := event.Decode(e.Payload)
		require.NoError(t, err)
		h.deliver(env)
	}
	require.Equal(t, model.CouponStatusReserved, h.coupon(7).Status)

	coupons := h.nodes[event.KindCoupon]
	r := reaper.New(coupons.service, coupons.store, config.ReaperConfig{
		Interval:  10 * time.Minute,
		Threshold: 10 * time.Minute,
		BatchSize: 100,
	}, reaper.WithClock(h.clock.now))

	h.clock.advance(11 * time.Minute)
	report, err := r.RunOnce(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Canceled)
	assert.Equal(t, model.CouponStatusAvailable, h.coupon(7).Status)

	res, err := coupons.service.Reserve(h.ctx, reservation.Request{
		SagaID:  "another",
		OrderID: 9999,
		UserID:  user,
		Lines:   []model.Line{{ResourceID: 7, Amount: 1}},
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, reservation.OutcomeReserved, res.Outcome)
}

func TestSync_ReserveAndConfirm(t *testing.T) {
	h := newHarness(t, syncParticipant(event.KindStock, local(event.KindStock)))

	p, err := h.orch.PlaceOrder(h.ctx, fullOrder(30))
	require.NoError(t, err)
	assert.Equal(t, model.StepSucceeded, stepOf(t, p.Saga, event.KindStock).Reserve, "sync answer applied before returning")
	assert.Equal(t, config.ModeSync, stepOf(t, p.Saga, event.KindStock).Mode)
	assert.Equal(t, int64(2), h.option(1).Reserved)

	h.pump()

	assert.Equal(t, model.SagaStatusCompleted, h.saga(p.Order.ID).Status)
	assert.Zero(t, h.count(event.StockReserveRequested, event.StockConfirmRequested), "sync steps bypass the bus")
	assert.Equal(t, int64(8), h.option(1).Stock)
}

func TestSync_RejectionAbortsOrder(t *testing.T) {
	h := newHarness(t, syncParticipant(event.KindStock, local(event.KindStock)))

	req := fullOrder(30)
	req.Items[0].Quantity = 50
	p, err := h.orch.PlaceOrder(h.ctx, req)
	require.ErrorIs(t, err, ErrOrderRejected)
	assert.ErrorIs(t, err, reservation.ErrInsufficientCapacity)
	require.NotNil(t, p)
	assert.Equal(t, model.SagaStatusCompensating, p.Saga.Status)

	// coupon and points answer after the saga gave up
	h.pump()

	saga := h.saga(p.Order.ID)
	assert.Equal(t, model.SagaStatusCompensationCompleted, saga.Status)
	assert.Equal(t, 1, h.count(event.CouponCompensationRequested))
	assert.Equal(t, 1, h.count(event.PointCompensationRequested))
	assert.Zero(t, h.count(event.StockCompensationRequested))
	assert.Equal(t, model.CouponStatusAvailable, h.coupon(7).Status)
	assert.Equal(t, int64(0), h.points().Reserved)
	assert.Equal(t, model.OrderStatusFailed, h.order(p.Order.ID).Status)
}

func TestSync_UnavailableWarns(t *testing.T) {
	h := newHarness(t, syncParticipant(event.KindStock, down(event.KindStock)))

	p, err := h.orch.PlaceOrder(h.ctx, fullOrder(30))
	require.NoError(t, err, "unavailability is not a validation failure")
	assert.Contains(t, p.Warnings, "stock participant temporarily unavailable")

	st := stepOf(t, p.Saga, event.KindStock)
	assert.Equal(t, model.StepFailed, st.Reserve)
	assert.NotEmpty(t, st.Error)

	h.pump()
	assert.Equal(t, model.SagaStatusCompensationCompleted, h.saga(p.Order.ID).Status)
	assert.Equal(t, model.CouponStatusAvailable, h.coupon(7).Status)
}

func success(saga *model.SagaTransaction, kind string) event.StepResult {
	return event.StepResult{SagaID: saga.SagaID, OrderID: saga.OrderID, UserID: saga.UserID, Kind: kind, Success: true}
}

func failure(saga *model.SagaTransaction, kind, msg string) event.StepResult {
	r := success(saga, kind)
	r.Success = false
	r.ErrorMessage = msg
	return r
}

func report(saga *model.SagaTransaction, kind string, errMsg string) event.CompensationReport {
	rep := event.CompensationReport{
		SagaID:           saga.SagaID,
		OrderID:          saga.OrderID,
		UserID:           saga.UserID,
		CompensationType: event.CompensationTypeFor(kind),
		Success:          errMsg == "",
	}
	if errMsg != "" {
		rep.ErrorMessage = &errMsg
	}
	return rep
}

func TestCompensationFailureFailsSaga(t *testing.T) {
	h := newHarness(t)
	p, err := h.orch.PlaceOrder(h.ctx, PlaceOrderRequest{UserID: user, Items: []OrderItem{{ProductOptionID: 1, Quantity: 1}}, Points: 10})
	require.NoError(t, err)
	saga := p.Saga

	require.NoError(t, h.orch.HandleReservationResult(h.ctx, success(saga, event.KindStock)))
	require.NoError(t, h.orch.HandleReservationResult(h.ctx, failure(saga, event.KindPoint, "not enough points")))

	current := h.saga(saga.OrderID)
	assert.Equal(t, model.SagaStatusCompensating, current.Status)
	assert.Equal(t, model.StepPending, stepOf(t, current, event.KindStock).Compensation)
	assert.Equal(t, model.StepNone, stepOf(t, current, event.KindPoint).Compensation)

	require.NoError(t, h.orch.HandleCompensationCompleted(h.ctx, report(saga, event.KindStock, "ledger unavailable")))

	current = h.saga(saga.OrderID)
	assert.Equal(t, model.SagaStatusFailed, current.Status)
	assert.Contains(t, current.ErrorMessage, "compensation failed: stock (ledger unavailable)")
	assert.Equal(t, model.OrderStatusFailed, h.order(saga.OrderID).Status)

	// terminal: later reports change nothing
	require.NoError(t, h.orch.HandleCompensationCompleted(h.ctx, report(saga, event.KindStock, "")))
	assert.Equal(t, model.SagaStatusFailed, h.saga(saga.OrderID).Status)
}

func TestCompensationWaitsForEveryReport(t *testing.T) {
	h := newHarness(t)
	p, err := h.orch.PlaceOrder(h.ctx, fullOrder(10))
	require.NoError(t, err)
	saga := p.Saga

	require.NoError(t, h.orch.HandleReservationResult(h.ctx, success(saga, event.KindStock)))
	require.NoError(t, h.orch.HandleReservationResult(h.ctx, success(saga, event.KindCoupon)))
	require.NoError(t, h.orch.HandleReservationResult(h.ctx, failure(saga, event.KindPoint, "short")))

	require.NoError(t, h.orch.HandleCompensationCompleted(h.ctx, report(saga, event.KindCoupon, "")))
	assert.Equal(t, model.SagaStatusCompensating, h.saga(saga.OrderID).Status, "stock has not reported yet")

	require.NoError(t, h.orch.HandleCompensationCompleted(h.ctx, report(saga, event.KindCoupon, "")))
	assert.Equal(t, model.SagaStatusCompensating, h.saga(saga.OrderID).Status, "a duplicate report does not count twice")

	require.NoError(t, h.orch.HandleCompensationCompleted(h.ctx, report(saga, event.KindStock, "")))
	assert.Equal(t, model.SagaStatusCompensationCompleted, h.saga(saga.OrderID).Status)
}

func TestLateReservationIsCompensated(t *testing.T) {
	h := newHarness(t)
	p, err := h.orch.PlaceOrder(h.ctx, fullOrder(10))
	require.NoError(t, err)
	saga := p.Saga

	require.NoError(t, h.orch.HandleReservationResult(h.ctx, failure(saga, event.KindPoint, "short")))
	current := h.saga(saga.OrderID)
	assert.Equal(t, model.SagaStatusCompensating, current.Status)
	assert.Equal(t, model.StepNone, stepOf(t, current, event.KindStock).Compensation, "stock has not reserved yet")

	require.NoError(t, h.orch.HandleReservationResult(h.ctx, success(saga, event.KindStock)))
	current = h.saga(saga.OrderID)
	assert.Equal(t, model.StepPending, stepOf(t, current, event.KindStock).Compensation)

	require.NoError(t, h.orch.HandleReservationResult(h.ctx, failure(saga, event.KindCoupon, "expired")))
	assert.Equal(t, model.SagaStatusCompensating, h.saga(saga.OrderID).Status, "stock compensation outstanding")

	require.NoError(t, h.orch.HandleCompensationCompleted(h.ctx, report(saga, event.KindStock, "")))
	assert.Equal(t, model.SagaStatusCompensationCompleted, h.saga(saga.OrderID).Status)
}

func TestConfirmFailureCompensatesUnconfirmed(t *testing.T) {
	h := newHarness(t)
	p, err := h.orch.PlaceOrder(h.ctx, fullOrder(10))
	require.NoError(t, err)
	saga := p.Saga

	for _, kind := range event.Kinds {
		require.NoError(t, h.orch.HandleReservationResult(h.ctx, success(saga, kind)))
	}
	assert.Equal(t, model.SagaStatusConfirming, h.saga(saga.OrderID).Status)

	require.NoError(t, h.orch.HandleConfirmationResult(h.ctx, success(saga, event.KindStock)))
	require.NoError(t, h.orch.HandleConfirmationResult(h.ctx, failure(saga, event.KindCoupon, "reservation expired")))

	current := h.saga(saga.OrderID)
	assert.Equal(t, model.SagaStatusCompensating, current.Status)
	assert.Equal(t, model.StepNone, stepOf(t, current, event.KindStock).Compensation, "confirmed effects are not released")
	assert.Equal(t, model.StepPending, stepOf(t, current, event.KindCoupon).Compensation)
	assert.Equal(t, model.StepPending, stepOf(t, current, event.KindPoint).Compensation)

	require.NoError(t, h.orch.HandleConfirmationResult(h.ctx, failure(saga, event.KindPoint, "already canceled")))
	require.NoError(t, h.orch.HandleCompensationCompleted(h.ctx, report(saga, event.KindCoupon, "")))
	require.NoError(t, h.orch.HandleCompensationCompleted(h.ctx, report(saga, event.KindPoint, "")))

	current = h.saga(saga.OrderID)
	assert.Equal(t, model.SagaStatusFailed, current.Status)
	assert.Contains(t, current.ErrorMessage, "coupon confirm failed")
	assert.Contains(t, current.ErrorMessage, "already confirmed: stock")
}

func TestHandleResult_UnknownSaga(t *testing.T) {
	h := newHarness(t)
	err := h.orch.HandleReservationResult(h.ctx, event.StepResult{SagaID: "missing", OrderID: 1, UserID: user, Kind: event.KindStock, Success: true})
	assert.ErrorIs(t, err, ErrSagaNotFound)

	_, err = h.orch.GetSaga(h.ctx, 404)
	assert.ErrorIs(t, err, ErrSagaNotFound)
}

func TestHandleResult_Concurrent(t *testing.T) {
	h := newHarness(t)
	p, err := h.orch.PlaceOrder(h.ctx, fullOrder(10))
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		for _, kind := range event.Kinds {
			wg.Add(1)
			go func(kind string) {
				defer wg.Done()
				assert.NoError(t, h.orch.HandleReservationResult(h.ctx, success(p.Saga, kind)))
			}(kind)
		}
	}
	wg.Wait()

	saga := h.saga(p.Order.ID)
	assert.Equal(t, model.SagaStatusConfirming, saga.Status)

	entries, err := h.orders.Outbox().FetchPending(h.ctx, 100)
	require.NoError(t, err)
	var confirmEntries int
	for _, e := range entries {
		env, err := event.Decode(e.Payload)
		require.NoError(t, err)
		for _, ct := range confirms {
			if env.Type() == ct {
				confirmEntries++
			}
		}
	}
	assert.Equal(t, 3, confirmEntries, "one confirm per participant despite duplicate results")
}

// conflictStore fails the first saga updates with a version conflict
type conflictStore struct {
	*memory.Store
	conflicts int32
}

func (s *conflictStore) WithinTx(ctx context.Context, fn func(ctx context.Context, tx repository.Tx) error) error {
	return s.Store.WithinTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		return fn(ctx, conflictTx{Tx: tx, s: s})
	})
}

type conflictTx struct {
	repository.Tx
	s *conflictStore
}

func (t conflictTx) Sagas() repository.SagaRepository {
	return conflictSagas{SagaRepository: t.Tx.Sagas(), s: t.s}
}

type conflictSagas struct {
	repository.SagaRepository
	s *conflictStore
}

func (r conflictSagas) Update(ctx context.Context, saga *model.SagaTransaction) error {
	if atomic.AddInt32(&r.s.conflicts, -1) >= 0 {
		return repository.ErrVersionConflict
	}
	return r.SagaRepository.Update(ctx, saga)
}

func TestUpdate_RetriesVersionConflicts(t *testing.T) {
	store := &conflictStore{Store: memory.NewStore()}
	orch := New(store, &sequence{}, config.SagaConfig{UpdateRetries: 2})
	ctx := context.Background()

	p, err := orch.PlaceOrder(ctx, PlaceOrderRequest{UserID: user, Items: []OrderItem{{ProductOptionID: 1, Quantity: 1}}})
	require.NoError(t, err)

	atomic.StoreInt32(&store.conflicts, 2)
	require.NoError(t, orch.HandleReservationResult(ctx, success(p.Saga, event.KindStock)))
	saga, err := orch.GetSaga(ctx, p.Order.ID)
	require.NoError(t, err)
	assert.Equal(t, model.SagaStatusConfirming, saga.Status)

	atomic.StoreInt32(&store.conflicts, 5)
	err = orch.HandleConfirmationResult(ctx, success(p.Saga, event.KindStock))
	assert.True(t, errors.Is(err, repository.ErrVersionConflict))
}

func TestStalled(t *testing.T) {
	ctx := context.Background()
	c := &clock{t: time.Now().UTC()}
	orch := New(memory.NewStore(memory.WithClock(c.now)), &sequence{}, config.SagaConfig{}, WithClock(c.now))

	old, err := orch.PlaceOrder(ctx, fullOrder(10))
	require.NoError(t, err)
	stalled, err := orch.Stalled(ctx, 30*time.Minute)
	require.NoError(t, err)
	assert.Empty(t, stalled)

	c.advance(31 * time.Minute)
	fresh, err := orch.PlaceOrder(ctx, fullOrder(10))
	require.NoError(t, err)

	stalled, err = orch.Stalled(ctx, 30*time.Minute)
	require.NoError(t, err)
	require.Len(t, stalled, 1)
	assert.Equal(t, old.Saga.SagaID, stalled[0].SagaID)
	assert.NotEqual(t, fresh.Saga.SagaID, stalled[0].SagaID)
	assert.Equal(t, model.SagaStatusReserving, stalled[0].Status)
}

func TestStalled_IgnoresFinishedSagas(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	p, err := h.orch.PlaceOrder(ctx, fullOrder(10))
	require.NoError(t, err)
	h.pump()
	require.Equal(t, model.SagaStatusCompleted, h.saga(p.Order.ID).Status)

	pending, err := h.orch.PlaceOrder(ctx, fullOrder(10))
	require.NoError(t, err)

	stalled, err := h.orch.Stalled(ctx, -time.Hour)
	require.NoError(t, err)
	require.Len(t, stalled, 1)
	assert.Equal(t, pending.Saga.SagaID, stalled[0].SagaID)
}
