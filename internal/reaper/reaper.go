// Package reaper reclaims capacity held by reservations whose saga never
// confirmed or canceled them.
package reaper

import (
	"context"
	"errors"
	"fmt"
	"time"

	"promotion-shop/internal/config"
	"promotion-shop/internal/model"
	"promotion-shop/internal/monitor"
	"promotion-shop/internal/repository"
	"promotion-shop/internal/reservation"
	"promotion-shop/pkg/log"
)

// Report outcome of one sweep
type Report struct {
	Expired  int `json:"expired"`
	Orders   int `json:"orders"`
	Canceled int `json:"canceled"`
	Skipped  int `json:"skipped"`
	Failed   int `json:"failed"`
}

// Reaper cancels RESERVE entries older than the threshold. Several instances
// may sweep the same ledger; cancel re-checks the ledger under the resource
// guard so a reservation confirmed meanwhile is left alone.
type Reaper struct {
	service   reservation.Service
	ledger    repository.ReservationRepository
	interval  time.Duration
	threshold time.Duration
	batchSize int
	metrics   *monitor.MetricsCollector
	now       func() time.Time
}

// Option configures a Reaper
type Option func(*Reaper)

func WithMetrics(m *monitor.MetricsCollector) Option {
	return func(r *Reaper) { r.metrics = m }
}

func WithClock(now func() time.Time) Option {
	return func(r *Reaper) { r.now = now }
}

// New creates a reaper for the ledger of svc's participant kind
func New(svc reservation.Service, store repository.Store, cfg config.ReaperConfig, opts ...Option) *Reaper {
	r := &Reaper{
		service:   svc,
		ledger:    store.Reservations(svc.Kind()),
		interval:  cfg.Interval,
		threshold: cfg.Threshold,
		batchSize: cfg.BatchSize,
		now:       func() time.Time { return time.Now().UTC() },
	}
	if r.interval <= 0 {
		r.interval = 10 * time.Minute
	}
	if r.threshold <= 0 {
		r.threshold = 10 * time.Minute
	}
	if r.batchSize <= 0 {
		r.batchSize = 100
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Start sweeps on every tick until ctx is done
func (r *Reaper) Start(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	log.WithFields(map[string]interface{}{
		"kind":      r.service.Kind(),
		"interval":  r.interval,
		"threshold": r.threshold,
	}).Info("Started reservation reaper")

	for {
		select {
		case <-ctx.Done():
			log.WithField("kind", r.service.Kind()).Info("Reservation reaper stopped")
			return
		case <-ticker.C:
			if _, err := r.RunOnce(ctx); err != nil {
				log.WithField("kind", r.service.Kind()).WithError(err).Error("Reservation sweep failed")
			}
		}
	}
}

type orderKey struct {
	orderID uint64
	userID  uint64
}

// RunOnce cancels every order holding an expired reservation. A failure on
// one order is logged and the sweep continues with the next.
func (r *Reaper) RunOnce(ctx context.Context) (Report, error) {
	var report Report
	cutoff := r.now().Add(-r.threshold)

	rows, err := r.ledger.FindExpired(ctx, cutoff, r.batchSize)
	if err != nil {
		return report, fmt.Errorf("find expired reservations: %w", err)
	}
	report.Expired = len(rows)
	if len(rows) == 0 {
		return report, nil
	}

	for _, order := range distinctOrders(rows) {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		report.Orders++

		fields := map[string]interface{}{
			"kind":     r.service.Kind(),
			"order_id": order.key.orderID,
			"user_id":  order.key.userID,
			"saga_id":  order.sagaID,
		}

		res, err := r.service.Cancel(ctx, reservation.Request{
			SagaID:  order.sagaID,
			OrderID: order.key.orderID,
			UserID:  order.key.userID,
		}, nil)
		switch {
		case err == nil && res.Outcome == reservation.OutcomeAlreadyCanceled:
			report.Skipped++
		case err == nil:
			report.Canceled++
			log.WithFields(fields).Info("Expired reservation canceled")
		case errors.Is(err, reservation.ErrInvalidReservationState):
			// finalized concurrently, confirm won
			report.Skipped++
			log.WithFields(fields).WithError(err).Info("Expired reservation finalized meanwhile")
		default:
			report.Failed++
			log.WithFields(fields).WithError(err).Error("Failed to cancel expired reservation")
		}
	}

	r.metrics.RecordReaper(r.service.Kind(), report.Canceled, report.Failed)
	log.WithFields(map[string]interface{}{
		"kind":     r.service.Kind(),
		"expired":  report.Expired,
		"orders":   report.Orders,
		"canceled": report.Canceled,
		"skipped":  report.Skipped,
		"failed":   report.Failed,
	}).Info("Reservation sweep finished")
	return report, nil
}

type expiredOrder struct {
	key    orderKey
	sagaID string
}

// distinctOrders keeps the first row of every order, oldest first.
func distinctOrders(rows []model.Reservation) []expiredOrder {
	seen := make(map[orderKey]struct{}, len(rows))
	out := make([]expiredOrder, 0, len(rows))
	for _, row := range rows {
		k := orderKey{orderID: row.OrderID, userID: row.UserID}
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, expiredOrder{key: k, sagaID: row.SagaID})
	}
	return out
}
