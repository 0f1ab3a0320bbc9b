package saga

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"promotion-shop/internal/client"
	"promotion-shop/internal/compensation"
	"promotion-shop/internal/config"
	"promotion-shop/internal/event"
	"promotion-shop/internal/model"
	"promotion-shop/internal/reservation"
	"promotion-shop/internal/storage/memory"
	"promotion-shop/pkg/lock"
	"promotion-shop/pkg/utils"
)

const user = uint64(42)

type sequence struct{ n uint64 }

func (s *sequence) NextID() (uint64, error) { return atomic.AddUint64(&s.n, 1) + 1000, nil }

type clock struct{ t time.Time }

func (c *clock) now() time.Time          { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

// node one participant service with its own datastore
type node struct {
	store      *memory.Store
	service    reservation.Service
	dispatcher *compensation.Dispatcher
}

// harness wires an orchestrator and three participants. pump moves outbox
// entries between them the way the relay and consumers would.
type harness struct {
	t         *testing.T
	ctx       context.Context
	clock     *clock
	orders    *memory.Store
	nodes     map[string]*node
	orch      *Orchestrator
	delivered []*event.Envelope
}

type harnessOption func(h *harness, cfg *config.SagaConfig, opts *[]Option)

// syncParticipant makes kind synchronous through p
func syncParticipant(kind string, p func(h *harness) client.Participant) harnessOption {
	return func(h *harness, cfg *config.SagaConfig, opts *[]Option) {
		cfg.Participants[kind] = config.ParticipantEndpoint{Mode: config.ModeSync}
		*opts = append(*opts, WithParticipant(p(h)))
	}
}

func newHarness(t *testing.T, options ...harnessOption) *harness {
	t.Helper()
	ctx := context.Background()
	h := &harness{
		t:      t,
		ctx:    ctx,
		clock:  &clock{t: time.Now().UTC()},
		orders: memory.NewStore(),
		nodes:  make(map[string]*node),
	}

	for _, kind := range event.Kinds {
		store := memory.NewStore()
		svc, err := reservation.New(kind, store, lock.NewLocalLocker(), 3, reservation.WithClock(h.clock.now))
		require.NoError(t, err)
		h.nodes[kind] = &node{store: store, service: svc, dispatcher: compensation.NewDispatcher(svc, store)}
	}

	stock := h.nodes[event.KindStock].store
	require.NoError(t, stock.ProductOptions().Create(ctx, &model.ProductOption{ID: 1, ProductID: 1, Stock: 10}))
	require.NoError(t, stock.ProductOptions().Create(ctx, &model.ProductOption{ID: 2, ProductID: 1, Stock: 3}))
	coupons := h.nodes[event.KindCoupon].store
	require.NoError(t, coupons.Coupons().Create(ctx, &model.Coupon{ID: 7, UserID: user, Code: "SPRING", ExpiresAt: h.clock.t.Add(24 * time.Hour)}))
	points := h.nodes[event.KindPoint].store
	require.NoError(t, points.Points().Create(ctx, &model.PointBalance{UserID: user, Balance: 100}))

	cfg := config.SagaConfig{Participants: map[string]config.ParticipantEndpoint{}}
	var opts []Option
	for _, o := range options {
		o(h, &cfg, &opts)
	}
	opts = append(opts, WithClock(h.clock.now))
	h.orch = New(h.orders, &sequence{}, cfg, opts...)
	return h
}

func (h *harness) stores() []*memory.Store {
	return []*memory.Store{
		h.orders,
		h.nodes[event.KindStock].store,
		h.nodes[event.KindCoupon].store,
		h.nodes[event.KindPoint].store,
	}
}

// pump delivers outbox entries until every outbox is drained.
func (h *harness) pump() {
	h.t.Helper()
	for round := 0; round < 50; round++ {
		moved := false
		for _, store := range h.stores() {
			entries, err := store.Outbox().FetchPending(h.ctx, 100)
			require.NoError(h.t, err)
			for _, e := range entries {
				env, err := event.Decode(e.Payload)
				require.NoError(h.t, err)
				h.deliver(env)
				require.NoError(h.t, store.Outbox().MarkPublished(h.ctx, e.ID, h.clock.now()))
				moved = true
			}
		}
		if !moved {
			return
		}
	}
	h.t.Fatal("outboxes did not drain")
}

func (h *harness) deliver(env *event.Envelope) {
	h.t.Helper()
	h.delivered = append(h.delivered, env)

	switch p := env.Payload().(type) {
	case event.ReservationCommand:
		n := h.nodes[p.Kind]
		req := reservation.Request{SagaID: p.SagaID, OrderID: p.OrderID, UserID: p.UserID, Lines: p.Lines}
		reserveType, err := event.ReserveRequestedFor(p.Kind)
		require.NoError(h.t, err)
		if env.Type() == reserveType {
			_, err = n.service.Reserve(h.ctx, req, reservation.ResultAnnouncer(event.ReservationResult, p.Kind))
		} else {
			_, err = n.service.Confirm(h.ctx, req, reservation.ResultAnnouncer(event.ConfirmationResult, p.Kind))
		}
		if err != nil {
			require.True(h.t, reservation.IsDomain(err), "unexpected participant error: %v", err)
		}
	case event.CompensationRequest:
		require.NoError(h.t, h.nodes[p.Kind].dispatcher.Handle(h.ctx, p))
	case event.StepResult:
		if env.Type() == event.ReservationResult {
			require.NoError(h.t, h.orch.HandleReservationResult(h.ctx, p))
		} else {
			require.NoError(h.t, h.orch.HandleConfirmationResult(h.ctx, p))
		}
	case event.CompensationReport:
		require.NoError(h.t, h.orch.HandleCompensationCompleted(h.ctx, p))
	}
}

func (h *harness) count(types ...event.Type) int {
	n := 0
	for _, env := range h.delivered {
		for _, t := range types {
			if env.Type() == t {
				n++
			}
		}
	}
	return n
}

func (h *harness) saga(orderID uint64) *model.SagaTransaction {
	h.t.Helper()
	saga, err := h.orch.GetSaga(h.ctx, orderID)
	require.NoError(h.t, err)
	return saga
}

func (h *harness) order(orderID uint64) *model.Order {
	h.t.Helper()
	order, err := h.orch.GetOrder(h.ctx, orderID)
	require.NoError(h.t, err)
	return order
}

func (h *harness) option(id uint64) *model.ProductOption {
	h.t.Helper()
	o, err := h.nodes[event.KindStock].store.ProductOptions().Get(h.ctx, id)
	require.NoError(h.t, err)
	return o
}

func (h *harness) coupon(id uint64) *model.Coupon {
	h.t.Helper()
	c, err := h.nodes[event.KindCoupon].store.Coupons().Get(h.ctx, id)
	require.NoError(h.t, err)
	return c
}

func (h *harness) points() *model.PointBalance {
	h.t.Helper()
	b, err := h.nodes[event.KindPoint].store.Points().Get(h.ctx, user)
	require.NoError(h.t, err)
	return b
}

// localParticipant answers synchronous calls from an in-process participant
// the way the HTTP client would.
type localParticipant struct {
	kind    string
	service reservation.Service
}

func local(kind string) func(h *harness) client.Participant {
	return func(h *harness) client.Participant {
		return &localParticipant{kind: kind, service: h.nodes[kind].service}
	}
}

func (p *localParticipant) Kind() string { return p.kind }

func (p *localParticipant) Reserve(ctx context.Context, req reservation.Request) (*reservation.Result, error) {
	return p.answer(p.service.Reserve(ctx, req, nil))
}

func (p *localParticipant) Confirm(ctx context.Context, req reservation.Request) (*reservation.Result, error) {
	return p.answer(p.service.Confirm(ctx, req, nil))
}

func (p *localParticipant) Cancel(ctx context.Context, req reservation.Request) (*reservation.Result, error) {
	return p.answer(p.service.Cancel(ctx, req, nil))
}

func (p *localParticipant) answer(res *reservation.Result, err error) (*reservation.Result, error) {
	if err == nil {
		return res, nil
	}
	appErr, ok := utils.AsAppError(reservation.AppError(err))
	if !ok {
		return nil, client.ErrParticipantUnavailable
	}
	return nil, &client.RejectedError{Participant: p.kind, Status: appErr.Code.HTTPStatus(), Code: appErr.Code, Message: appErr.Message}
}

// downParticipant never answers
type downParticipant struct{ kind string }

func down(kind string) func(h *harness) client.Participant {
	return func(*harness) client.Participant { return downParticipant{kind: kind} }
}

func (p downParticipant) Kind() string { return p.kind }

func (p downParticipant) Reserve(context.Context, reservation.Request) (*reservation.Result, error) {
	return nil, client.ErrParticipantUnavailable
}

func (p downParticipant) Confirm(context.Context, reservation.Request) (*reservation.Result, error) {
	return nil, client.ErrParticipantUnavailable
}

func (p downParticipant) Cancel(context.Context, reservation.Request) (*reservation.Result, error) {
	return nil, client.ErrParticipantUnavailable
}
