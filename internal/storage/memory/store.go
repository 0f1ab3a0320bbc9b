// Package memory is an in-process repository.Store. Transactions are
// serialized: each one works on a private copy of the state that replaces
// the shared state only when the callback succeeds.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"promotion-shop/internal/model"
	"promotion-shop/internal/repository"
)

type resourceKey struct {
	orderID, userID, resourceID uint64
	stage                       int8
}

type state struct {
	seq          uint64
	reservations map[string][]model.Reservation
	ledgerKeys   map[string]map[resourceKey]struct{}
	outbox       []model.OutboxEntry
	options      map[uint64]model.ProductOption
	coupons      map[uint64]model.Coupon
	points       map[uint64]model.PointBalance
	sagas        map[string]*model.SagaTransaction
	orders       map[uint64]model.Order
}

func newState() *state {
	return &state{
		reservations: map[string][]model.Reservation{},
		ledgerKeys:   map[string]map[resourceKey]struct{}{},
		options:      map[uint64]model.ProductOption{},
		coupons:      map[uint64]model.Coupon{},
		points:       map[uint64]model.PointBalance{},
		sagas:        map[string]*model.SagaTransaction{},
		orders:       map[uint64]model.Order{},
	}
}

func (s *state) clone() *state {
	c := newState()
	c.seq = s.seq
	for kind, rows := range s.reservations {
		c.reservations[kind] = append([]model.Reservation(nil), rows...)
	}
	for kind, keys := range s.ledgerKeys {
		m := make(map[resourceKey]struct{}, len(keys))
		for k := range keys {
			m[k] = struct{}{}
		}
		c.ledgerKeys[kind] = m
	}
	c.outbox = make([]model.OutboxEntry, len(s.outbox))
	for i, e := range s.outbox {
		c.outbox[i] = cloneEntry(e)
	}
	for id, o := range s.options {
		c.options[id] = o
	}
	for id, cp := range s.coupons {
		c.coupons[id] = cp
	}
	for id, p := range s.points {
		c.points[id] = p
	}
	for id, sg := range s.sagas {
		c.sagas[id] = sg.Clone()
	}
	for id, o := range s.orders {
		c.orders[id] = cloneOrder(o)
	}
	return c
}

func (s *state) nextID() uint64 {
	s.seq++
	return s.seq
}

func cloneEntry(e model.OutboxEntry) model.OutboxEntry {
	e.Payload = append([]byte(nil), e.Payload...)
	if e.PublishedAt != nil {
		at := *e.PublishedAt
		e.PublishedAt = &at
	}
	return e
}

func cloneOrder(o model.Order) model.Order {
	o.Items = append([]model.OrderItem(nil), o.Items...)
	return o
}

// Store in-memory repository.Store
type Store struct {
	mu  sync.Mutex
	st  *state
	now func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the time source used for timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// NewStore returns an empty store
func NewStore(opts ...Option) *Store {
	s := &Store{st: newState(), now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) WithinTx(ctx context.Context, fn func(ctx context.Context, tx repository.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	work := s.st.clone()
	if err := fn(ctx, &view{st: work, now: s.now, lock: noLock}); err != nil {
		return err
	}
	s.st = work
	return nil
}

func (s *Store) root() *view {
	return &view{st: nil, now: s.now, lock: func() func() {
		s.mu.Lock()
		return s.mu.Unlock
	}, shared: s}
}

func (s *Store) Reservations(kind string) repository.ReservationRepository {
	return s.root().Reservations(kind)
}
func (s *Store) Outbox() repository.OutboxRepository                 { return s.root().Outbox() }
func (s *Store) ProductOptions() repository.ProductOptionRepository { return s.root().ProductOptions() }
func (s *Store) Coupons() repository.CouponRepository               { return s.root().Coupons() }
func (s *Store) Points() repository.PointRepository                 { return s.root().Points() }
func (s *Store) Sagas() repository.SagaRepository                   { return s.root().Sagas() }
func (s *Store) Orders() repository.OrderRepository                 { return s.root().Orders() }

func noLock() func() { return func() {} }

// view binds repositories either to a transaction copy or, with shared set,
// to the live state under the store mutex.
type view struct {
	st     *state
	shared *Store
	now    func() time.Time
	lock   func() func()
}

// acquire locks and returns the state to operate on plus the release func.
func (v *view) acquire() (*state, func()) {
	release := v.lock()
	if v.shared != nil {
		return v.shared.st, release
	}
	return v.st, release
}

func (v *view) Reservations(kind string) repository.ReservationRepository {
	return &reservationRepo{v: v, kind: kind}
}
func (v *view) Outbox() repository.OutboxRepository                 { return &outboxRepo{v: v} }
func (v *view) ProductOptions() repository.ProductOptionRepository { return &optionRepo{v: v} }
func (v *view) Coupons() repository.CouponRepository               { return &couponRepo{v: v} }
func (v *view) Points() repository.PointRepository                 { return &pointRepo{v: v} }
func (v *view) Sagas() repository.SagaRepository                   { return &sagaRepo{v: v} }
func (v *view) Orders() repository.OrderRepository                 { return &orderRepo{v: v} }

type reservationRepo struct {
	v    *view
	kind string
}

func (r *reservationRepo) Append(_ context.Context, entry *model.Reservation) error {
	st, release := r.v.acquire()
	defer release()

	key := resourceKey{entry.OrderID, entry.UserID, entry.ResourceID, entry.Stage}
	keys := st.ledgerKeys[r.kind]
	if keys == nil {
		keys = map[resourceKey]struct{}{}
		st.ledgerKeys[r.kind] = keys
	}
	if _, exists := keys[key]; exists {
		return repository.ErrDuplicate
	}
	keys[key] = struct{}{}
	entry.ID = st.nextID()
	st.reservations[r.kind] = append(st.reservations[r.kind], *entry)
	return nil
}

func (r *reservationRepo) FindByOrder(_ context.Context, orderID, userID uint64) ([]model.Reservation, error) {
	st, release := r.v.acquire()
	defer release()

	var out []model.Reservation
	for _, row := range st.reservations[r.kind] {
		if row.OrderID == orderID && row.UserID == userID {
			out = append(out, row)
		}
	}
	return out, nil
}

func (r *reservationRepo) FindExpired(_ context.Context, before time.Time, limit int) ([]model.Reservation, error) {
	st, release := r.v.acquire()
	defer release()

	keys := st.ledgerKeys[r.kind]
	var out []model.Reservation
	for _, row := range st.reservations[r.kind] {
		if row.Type != model.ReservationTypeReserve || !row.ReservedAt.Before(before) {
			continue
		}
		if _, finalized := keys[resourceKey{row.OrderID, row.UserID, row.ResourceID, model.StageFinalize}]; finalized {
			continue
		}
		out = append(out, row)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].ReservedAt.Equal(out[j].ReservedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].ReservedAt.Before(out[j].ReservedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

type outboxRepo struct {
	v *view
}

func (r *outboxRepo) Append(_ context.Context, entry *model.OutboxEntry) error {
	st, release := r.v.acquire()
	defer release()

	for _, e := range st.outbox {
		if e.EventID == entry.EventID {
			return repository.ErrDuplicate
		}
	}
	entry.ID = st.nextID()
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = r.v.now()
	}
	st.outbox = append(st.outbox, cloneEntry(*entry))
	return nil
}

func (r *outboxRepo) FetchPending(_ context.Context, limit int) ([]model.OutboxEntry, error) {
	st, release := r.v.acquire()
	defer release()

	var out []model.OutboxEntry
	for _, e := range st.outbox {
		if e.PublishedAt == nil {
			out = append(out, cloneEntry(e))
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *outboxRepo) find(st *state, id uint64) *model.OutboxEntry {
	for i := range st.outbox {
		if st.outbox[i].ID == id {
			return &st.outbox[i]
		}
	}
	return nil
}

func (r *outboxRepo) MarkPublished(_ context.Context, id uint64, at time.Time) error {
	st, release := r.v.acquire()
	defer release()

	if e := r.find(st, id); e != nil {
		e.PublishedAt = &at
	}
	return nil
}

func (r *outboxRepo) RecordFailure(_ context.Context, id uint64, reason string) error {
	st, release := r.v.acquire()
	defer release()

	if e := r.find(st, id); e != nil {
		e.Attempts++
		e.LastError = repository.TruncateError(reason)
	}
	return nil
}

func (r *outboxRepo) DeletePublishedBefore(_ context.Context, before time.Time) (int64, error) {
	st, release := r.v.acquire()
	defer release()

	kept := st.outbox[:0]
	var n int64
	for _, e := range st.outbox {
		if e.PublishedAt != nil && e.PublishedAt.Before(before) {
			n++
			continue
		}
		kept = append(kept, e)
	}
	st.outbox = kept
	return n, nil
}

func (r *outboxRepo) CountPending(_ context.Context) (int64, error) {
	st, release := r.v.acquire()
	defer release()

	var n int64
	for _, e := range st.outbox {
		if e.PublishedAt == nil {
			n++
		}
	}
	return n, nil
}

type optionRepo struct {
	v *view
}

func (r *optionRepo) Create(_ context.Context, option *model.ProductOption) error {
	st, release := r.v.acquire()
	defer release()

	if option.ID == 0 {
		option.ID = st.nextID()
	}
	if _, exists := st.options[option.ID]; exists {
		return repository.ErrDuplicate
	}
	option.UpdatedAt = r.v.now()
	st.options[option.ID] = *option
	return nil
}

func (r *optionRepo) Get(_ context.Context, id uint64) (*model.ProductOption, error) {
	st, release := r.v.acquire()
	defer release()

	o, ok := st.options[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &o, nil
}

func (r *optionRepo) Update(_ context.Context, option *model.ProductOption) error {
	st, release := r.v.acquire()
	defer release()

	cur, ok := st.options[option.ID]
	if !ok || cur.Version != option.Version {
		return repository.ErrVersionConflict
	}
	option.Version++
	option.UpdatedAt = r.v.now()
	st.options[option.ID] = *option
	return nil
}

type couponRepo struct {
	v *view
}

func (r *couponRepo) Create(_ context.Context, coupon *model.Coupon) error {
	st, release := r.v.acquire()
	defer release()

	if coupon.ID == 0 {
		coupon.ID = st.nextID()
	}
	if _, exists := st.coupons[coupon.ID]; exists {
		return repository.ErrDuplicate
	}
	if coupon.Status == "" {
		coupon.Status = model.CouponStatusAvailable
	}
	coupon.UpdatedAt = r.v.now()
	st.coupons[coupon.ID] = *coupon
	return nil
}

func (r *couponRepo) Get(_ context.Context, id uint64) (*model.Coupon, error) {
	st, release := r.v.acquire()
	defer release()

	c, ok := st.coupons[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &c, nil
}

func (r *couponRepo) Update(_ context.Context, coupon *model.Coupon) error {
	st, release := r.v.acquire()
	defer release()

	cur, ok := st.coupons[coupon.ID]
	if !ok || cur.Version != coupon.Version {
		return repository.ErrVersionConflict
	}
	coupon.Version++
	coupon.UpdatedAt = r.v.now()
	st.coupons[coupon.ID] = *coupon
	return nil
}

type pointRepo struct {
	v *view
}

func (r *pointRepo) Create(_ context.Context, balance *model.PointBalance) error {
	st, release := r.v.acquire()
	defer release()

	if _, exists := st.points[balance.UserID]; exists {
		return repository.ErrDuplicate
	}
	balance.UpdatedAt = r.v.now()
	st.points[balance.UserID] = *balance
	return nil
}

func (r *pointRepo) Get(_ context.Context, userID uint64) (*model.PointBalance, error) {
	st, release := r.v.acquire()
	defer release()

	p, ok := st.points[userID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &p, nil
}

func (r *pointRepo) Update(_ context.Context, balance *model.PointBalance) error {
	st, release := r.v.acquire()
	defer release()

	cur, ok := st.points[balance.UserID]
	if !ok || cur.Version != balance.Version {
		return repository.ErrVersionConflict
	}
	balance.Version++
	balance.UpdatedAt = r.v.now()
	st.points[balance.UserID] = *balance
	return nil
}

type sagaRepo struct {
	v *view
}

func (r *sagaRepo) Create(_ context.Context, saga *model.SagaTransaction) error {
	st, release := r.v.acquire()
	defer release()

	if _, exists := st.sagas[saga.SagaID]; exists {
		return repository.ErrDuplicate
	}
	for _, existing := range st.sagas {
		if existing.OrderID == saga.OrderID {
			return repository.ErrDuplicate
		}
	}
	now := r.v.now()
	saga.ID = st.nextID()
	saga.CreatedAt, saga.UpdatedAt = now, now
	st.sagas[saga.SagaID] = saga.Clone()
	return nil
}

func (r *sagaRepo) GetBySagaID(_ context.Context, sagaID string) (*model.SagaTransaction, error) {
	st, release := r.v.acquire()
	defer release()

	saga, ok := st.sagas[sagaID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return saga.Clone(), nil
}

func (r *sagaRepo) GetByOrderID(_ context.Context, orderID uint64) (*model.SagaTransaction, error) {
	st, release := r.v.acquire()
	defer release()

	for _, saga := range st.sagas {
		if saga.OrderID == orderID {
			return saga.Clone(), nil
		}
	}
	return nil, repository.ErrNotFound
}

func (r *sagaRepo) Update(_ context.Context, saga *model.SagaTransaction) error {
	st, release := r.v.acquire()
	defer release()

	cur, ok := st.sagas[saga.SagaID]
	if !ok || cur.Version != saga.Version {
		return repository.ErrVersionConflict
	}
	saga.Version++
	saga.UpdatedAt = r.v.now()
	st.sagas[saga.SagaID] = saga.Clone()
	return nil
}

func (r *sagaRepo) ListByStatus(_ context.Context, status model.SagaStatus, limit int) ([]model.SagaTransaction, error) {
	st, release := r.v.acquire()
	defer release()

	var out []model.SagaTransaction
	for _, saga := range st.sagas {
		if saga.Status == status {
			out = append(out, *saga.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

type orderRepo struct {
	v *view
}

func (r *orderRepo) Create(_ context.Context, order *model.Order) error {
	st, release := r.v.acquire()
	defer release()

	if _, exists := st.orders[order.ID]; exists {
		return repository.ErrDuplicate
	}
	now := r.v.now()
	order.CreatedAt, order.UpdatedAt = now, now
	for i := range order.Items {
		order.Items[i].ID = st.nextID()
		order.Items[i].OrderID = order.ID
	}
	st.orders[order.ID] = cloneOrder(*order)
	return nil
}

func (r *orderRepo) GetByID(_ context.Context, id uint64) (*model.Order, error) {
	st, release := r.v.acquire()
	defer release()

	o, ok := st.orders[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	o = cloneOrder(o)
	return &o, nil
}

func (r *orderRepo) UpdateStatus(_ context.Context, id uint64, status model.OrderStatus, reason string) error {
	st, release := r.v.acquire()
	defer release()

	o, ok := st.orders[id]
	if !ok {
		return repository.ErrNotFound
	}
	o.Status = status
	o.FailureReason = reason
	o.UpdatedAt = r.v.now()
	st.orders[id] = o
	return nil
}
