package saga

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"promotion-shop/internal/config"
	"promotion-shop/internal/event"
	"promotion-shop/internal/model"
	"promotion-shop/internal/monitor"
	"promotion-shop/internal/repository"
	"promotion-shop/pkg/log"
	"promotion-shop/pkg/requestctx"
)

// effects collects what one saga update emits
type effects struct {
	changed     bool
	envelopes   []*event.Envelope
	confirms    []model.SagaStep
	transitions [][2]model.SagaStatus
}

func (fx *effects) transition(saga *model.SagaTransaction, to model.SagaStatus) error {
	from := saga.Status
	if err := saga.TransitionTo(to); err != nil {
		return err
	}
	fx.changed = true
	fx.transitions = append(fx.transitions, [2]model.SagaStatus{from, to})
	return nil
}

func (fx *effects) emit(env *event.Envelope) {
	fx.envelopes = append(fx.envelopes, env)
}

// HandleReservationResult applies a participant's answer to a reserve
// request. Answers for steps that are no longer pending are ignored.
func (o *Orchestrator) HandleReservationResult(ctx context.Context, res event.StepResult) error {
	saga, fx, err := o.update(ctx, res.SagaID, func(saga *model.SagaTransaction, steps []model.SagaStep, fx *effects) error {
		st := findStep(steps, res.Kind)
		if st == nil || st.Reserve != model.StepPending {
			return nil
		}
		fx.changed = true
		st.UpdatedAt = o.now()

		if !res.Success {
			st.Reserve = model.StepFailed
			st.Error = res.ErrorMessage
			if saga.Status == model.SagaStatusReserving {
				saga.ErrorMessage = fmt.Sprintf("%s reserve failed: %s", st.Kind, res.ErrorMessage)
				if err := fx.transition(saga, model.SagaStatusCompensating); err != nil {
					return err
				}
				if err := o.compensateAll(saga, steps, fx); err != nil {
					return err
				}
			}
			return o.settle(saga, steps, fx)
		}

		st.Reserve = model.StepSucceeded
		switch saga.Status {
		case model.SagaStatusReserving:
			if !all(steps, func(s *model.SagaStep) bool { return s.Reserve == model.StepSucceeded }) {
				return nil
			}
			if err := fx.transition(saga, model.SagaStatusReserved); err != nil {
				return err
			}
			return o.startConfirm(saga, steps, fx)
		case model.SagaStatusCompensating:
			// the saga gave up before this hold arrived
			if err := o.compensate(saga, st, fx); err != nil {
				return err
			}
			return o.settle(saga, steps, fx)
		}
		return nil
	})
	if err != nil {
		return err
	}
	return o.confirmSync(ctx, saga, fx.confirms)
}

// HandleConfirmationResult applies a participant's answer to a confirm request.
func (o *Orchestrator) HandleConfirmationResult(ctx context.Context, res event.StepResult) error {
	_, _, err := o.update(ctx, res.SagaID, func(saga *model.SagaTransaction, steps []model.SagaStep, fx *effects) error {
		st := findStep(steps, res.Kind)
		if st == nil || st.Confirm != model.StepPending {
			return nil
		}
		fx.changed = true
		st.UpdatedAt = o.now()

		if res.Success {
			st.Confirm = model.StepSucceeded
			if saga.Status == model.SagaStatusConfirming &&
				all(steps, func(s *model.SagaStep) bool { return s.Confirm == model.StepSucceeded }) {
				return fx.transition(saga, model.SagaStatusCompleted)
			}
			return o.settle(saga, steps, fx)
		}

		st.Confirm = model.StepFailed
		st.Error = res.ErrorMessage
		if saga.Status == model.SagaStatusConfirming {
			saga.ErrorMessage = fmt.Sprintf("%s confirm failed: %s", st.Kind, res.ErrorMessage)
			if err := fx.transition(saga, model.SagaStatusCompensating); err != nil {
				return err
			}
			if err := o.compensateAll(saga, steps, fx); err != nil {
				return err
			}
		}
		return o.settle(saga, steps, fx)
	})
	return err
}

// HandleCompensationCompleted records one compensation report and finishes
// the saga once every dispatched compensation has reported.
func (o *Orchestrator) HandleCompensationCompleted(ctx context.Context, rep event.CompensationReport) error {
	_, _, err := o.update(ctx, rep.SagaID, func(saga *model.SagaTransaction, steps []model.SagaStep, fx *effects) error {
		st := findStep(steps, rep.CompensationType.Kind())
		if st == nil || st.Compensation != model.StepPending {
			return nil
		}
		fx.changed = true
		st.UpdatedAt = o.now()

		if rep.Success {
			st.Compensation = model.StepSucceeded
		} else {
			st.Compensation = model.StepFailed
			if rep.ErrorMessage != nil {
				st.Error = *rep.ErrorMessage
			}
		}
		return o.settle(saga, steps, fx)
	})
	return err
}

// startConfirm moves a fully reserved saga to CONFIRMING and requests every confirm.
func (o *Orchestrator) startConfirm(saga *model.SagaTransaction, steps []model.SagaStep, fx *effects) error {
	if err := fx.transition(saga, model.SagaStatusConfirming); err != nil {
		return err
	}
	for i := range steps {
		st := &steps[i]
		if st.Reserve != model.StepSucceeded {
			continue
		}
		st.Confirm = model.StepPending
		if st.Mode == config.ModeSync {
			fx.confirms = append(fx.confirms, *st)
			continue
		}
		env, err := o.command(event.ConfirmRequestedFor, saga, *st)
		if err != nil {
			return err
		}
		fx.emit(env)
	}
	return nil
}

func (o *Orchestrator) compensateAll(saga *model.SagaTransaction, steps []model.SagaStep, fx *effects) error {
	for i := range steps {
		if err := o.compensate(saga, &steps[i], fx); err != nil {
			return err
		}
	}
	return nil
}

// compensate requests the release of a step's hold. Steps that never
// reserved, or whose effect is already permanent, are left alone.
func (o *Orchestrator) compensate(saga *model.SagaTransaction, st *model.SagaStep, fx *effects) error {
	if !st.NeedsCompensation() {
		return nil
	}
	t, err := event.CompensationRequestedFor(st.Kind)
	if err != nil {
		return err
	}
	env, err := event.New(t, event.CompensationRequest{
		SagaID:    saga.SagaID,
		OrderID:   saga.OrderID,
		UserID:    saga.UserID,
		Kind:      st.Kind,
		Lines:     model.CloneLines(st.Lines),
		Timestamp: o.now(),
	})
	if err != nil {
		return err
	}
	st.Compensation = model.StepPending
	fx.emit(env)
	return nil
}

// settle ends a compensating saga once nothing is in flight: cleanly when
// every hold was released, FAILED when a compensation failed or a
// confirmed effect cannot be undone.
func (o *Orchestrator) settle(saga *model.SagaTransaction, steps []model.SagaStep, fx *effects) error {
	if saga.Status != model.SagaStatusCompensating {
		return nil
	}
	var failed, confirmed []string
	for i := range steps {
		st := &steps[i]
		if st.Reserve == model.StepPending || st.Confirm == model.StepPending || st.Compensation == model.StepPending {
			return nil
		}
		if st.Compensation == model.StepFailed {
			failed = append(failed, fmt.Sprintf("%s (%s)", st.Kind, st.Error))
		}
		if st.Confirm == model.StepSucceeded {
			confirmed = append(confirmed, st.Kind)
		}
	}

	if len(failed) == 0 && len(confirmed) == 0 {
		return fx.transition(saga, model.SagaStatusCompensationCompleted)
	}
	var parts []string
	if len(failed) > 0 {
		parts = append(parts, "compensation failed: "+strings.Join(failed, ", "))
	}
	if len(confirmed) > 0 {
		parts = append(parts, "already confirmed: "+strings.Join(confirmed, ", "))
	}
	saga.ErrorMessage = joinMessage(saga.ErrorMessage, strings.Join(parts, "; "))
	return fx.transition(saga, model.SagaStatusFailed)
}

func (o *Orchestrator) command(typeFor func(string) (event.Type, error), saga *model.SagaTransaction, st model.SagaStep) (*event.Envelope, error) {
	t, err := typeFor(st.Kind)
	if err != nil {
		return nil, err
	}
	return event.New(t, event.ReservationCommand{
		SagaID:    saga.SagaID,
		OrderID:   saga.OrderID,
		UserID:    saga.UserID,
		Kind:      st.Kind,
		Lines:     model.CloneLines(st.Lines),
		Timestamp: o.now(),
	})
}

type mutation func(saga *model.SagaTransaction, steps []model.SagaStep, fx *effects) error

// update applies fn to the stored saga in one local transaction together
// with the order status and the emitted events. A concurrent writer makes
// the version check fail and the whole update is replayed on fresh state.
func (o *Orchestrator) update(ctx context.Context, sagaID string, fn mutation) (*model.SagaTransaction, *effects, error) {
	ctx = requestctx.WithSagaID(ctx, sagaID)
	ctx, span := monitor.StartSpan(ctx, "saga.update")
	defer span.End()

	for attempt := 0; ; attempt++ {
		var saga *model.SagaTransaction
		fx := &effects{}
		err := o.store.WithinTx(ctx, func(ctx context.Context, tx repository.Tx) error {
			current, err := tx.Sagas().GetBySagaID(ctx, sagaID)
			if errors.Is(err, repository.ErrNotFound) {
				return fmt.Errorf("%w: %s", ErrSagaNotFound, sagaID)
			}
			if err != nil {
				return fmt.Errorf("load saga: %w", err)
			}

			before := current.Status
			steps := current.StepList()
			if err := fn(current, steps, fx); err != nil {
				return err
			}
			saga = current
			if !fx.changed {
				return nil
			}

			current.SetSteps(steps)
			current.UpdatedAt = o.now()
			if err := tx.Sagas().Update(ctx, current); err != nil {
				return err
			}
			if current.Status != before {
				if err := o.syncOrder(ctx, tx, current); err != nil {
					return err
				}
			}
			for _, env := range fx.envelopes {
				if err := appendEnvelope(ctx, tx, env); err != nil {
					return err
				}
			}
			return nil
		})

		if errors.Is(err, repository.ErrVersionConflict) && attempt < o.cfg.UpdateRetries {
			o.metrics.RecordSagaRetry("version_conflict")
			continue
		}
		if err != nil {
			monitor.RecordError(span, err)
			return nil, nil, err
		}

		for _, t := range fx.transitions {
			o.metrics.RecordSagaTransition(string(t[0]), string(t[1]))
			entry := log.WithContext(ctx).WithFields(map[string]interface{}{
				"order_id": saga.OrderID,
				"from":     t[0],
				"to":       t[1],
			})
			if t[1] == model.SagaStatusFailed {
				entry.WithField("error", saga.ErrorMessage).Error("Saga failed, manual remediation required")
			} else {
				entry.Info("Saga transitioned")
			}
		}
		return saga, fx, nil
	}
}

// syncOrder mirrors the terminal saga outcome onto the order.
func (o *Orchestrator) syncOrder(ctx context.Context, tx repository.Tx, saga *model.SagaTransaction) error {
	var status model.OrderStatus
	switch saga.Status {
	case model.SagaStatusCompleted:
		status = model.OrderStatusCompleted
	case model.SagaStatusCompensationCompleted, model.SagaStatusFailed:
		status = model.OrderStatusFailed
	default:
		return nil
	}
	if err := tx.Orders().UpdateStatus(ctx, saga.OrderID, status, saga.ErrorMessage); err != nil {
		return fmt.Errorf("update order %d: %w", saga.OrderID, err)
	}
	return nil
}

func findStep(steps []model.SagaStep, kind string) *model.SagaStep {
	for i := range steps {
		if steps[i].Kind == kind {
			return &steps[i]
		}
	}
	return nil
}

// all checks pred over the steps that take part in the saga.
func all(steps []model.SagaStep, pred func(*model.SagaStep) bool) bool {
	for i := range steps {
		if steps[i].Reserve == model.StepSkipped {
			continue
		}
		if !pred(&steps[i]) {
			return false
		}
	}
	return true
}

func joinMessage(a, b string) string {
	if a == "" {
		return b
	}
	return a + "; " + b
}
