// Package compensation runs the participant side of saga compensation.
package compensation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"promotion-shop/internal/event"
	"promotion-shop/internal/repository"
	"promotion-shop/internal/reservation"
	"promotion-shop/pkg/log"
)

// Dispatcher cancels the reservation named by a compensation request and
// reports the outcome as COMPENSATION_COMPLETED through the local outbox.
type Dispatcher struct {
	service reservation.Service
	store   repository.Store
	now     func() time.Time
}

func NewDispatcher(svc reservation.Service, store repository.Store) *Dispatcher {
	return &Dispatcher{
		service: svc,
		store:   store,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Handle processes one request. Failures are reported as data; an error is
// returned only when the report itself could not be stored, so redelivery
// has a chance to produce it.
func (d *Dispatcher) Handle(ctx context.Context, req event.CompensationRequest) error {
	fields := map[string]interface{}{
		"kind":     d.service.Kind(),
		"saga_id":  req.SagaID,
		"order_id": req.OrderID,
		"user_id":  req.UserID,
	}

	if req.Kind != d.service.Kind() {
		err := fmt.Errorf("compensation for %q routed to %q participant", req.Kind, d.service.Kind())
		log.WithContext(ctx).WithFields(fields).WithError(err).Error("Misrouted compensation request")
		return d.reportDirect(ctx, req, err)
	}

	res, err := d.service.Cancel(ctx, reservation.Request{
		SagaID:  req.SagaID,
		OrderID: req.OrderID,
		UserID:  req.UserID,
		Lines:   req.Lines,
	}, d.announce(req))
	if errors.Is(err, reservation.ErrAnnounceFailed) {
		log.WithContext(ctx).WithFields(fields).WithError(err).Error("Compensation report not stored")
		return err
	}
	if err != nil {
		log.WithContext(ctx).WithFields(fields).WithError(err).Warn("Compensation failed")
		return nil
	}

	fields["outcome"] = res.Outcome
	log.WithContext(ctx).WithFields(fields).Info("Compensation completed")
	return nil
}

func (d *Dispatcher) announce(req event.CompensationRequest) reservation.AnnounceFunc {
	return func(_ reservation.Request, res *reservation.Result, err error) (*event.Envelope, error) {
		if err == nil && !succeeded(res) {
			err = fmt.Errorf("unexpected cancel outcome %v", res)
		}
		return event.New(event.CompensationCompleted, d.report(req, err))
	}
}

// reportDirect announces a failure that never reached the ledger.
func (d *Dispatcher) reportDirect(ctx context.Context, req event.CompensationRequest, cause error) error {
	env, err := event.New(event.CompensationCompleted, d.report(req, cause))
	if err != nil {
		return fmt.Errorf("build compensation report: %w", err)
	}
	entry, err := env.OutboxEntry()
	if err != nil {
		return err
	}
	return d.store.WithinTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		return tx.Outbox().Append(ctx, entry)
	})
}

func (d *Dispatcher) report(req event.CompensationRequest, err error) event.CompensationReport {
	r := event.CompensationReport{
		SagaID:           req.SagaID,
		OrderID:          req.OrderID,
		UserID:           req.UserID,
		CompensationType: event.CompensationTypeFor(req.Kind),
		Success:          err == nil,
		Timestamp:        d.now(),
	}
	if r.CompensationType == "" {
		r.CompensationType = event.CompensationTypeFor(d.service.Kind())
	}
	if err != nil {
		msg := err.Error()
		r.ErrorMessage = &msg
	}
	return r
}

func succeeded(res *reservation.Result) bool {
	return res != nil && (res.Outcome == reservation.OutcomeCanceled || res.Outcome == reservation.OutcomeAlreadyCanceled)
}
