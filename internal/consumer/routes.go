package consumer

import (
	"context"
	"errors"
	"fmt"

	"promotion-shop/internal/compensation"
	"promotion-shop/internal/event"
	"promotion-shop/internal/reservation"
	"promotion-shop/internal/saga"
	"promotion-shop/pkg/log"
	"promotion-shop/pkg/requestctx"
)

// SagaHandler orchestrator side of the result topics
type SagaHandler interface {
	HandleReservationResult(ctx context.Context, res event.StepResult) error
	HandleConfirmationResult(ctx context.Context, res event.StepResult) error
	HandleCompensationCompleted(ctx context.Context, rep event.CompensationReport) error
}

func topicFor(typeFor func(string) (event.Type, error), kind string) (string, error) {
	t, err := typeFor(kind)
	if err != nil {
		return "", err
	}
	return event.TopicOf(t)
}

// RouteParticipant registers the reserve, confirm and compensate topics of
// svc's kind.
func RouteParticipant(c *Consumer, svc reservation.Service, dispatcher *compensation.Dispatcher) error {
	kind := svc.Kind()
	reserveTopic, err := topicFor(event.ReserveRequestedFor, kind)
	if err != nil {
		return err
	}
	confirmTopic, err := topicFor(event.ConfirmRequestedFor, kind)
	if err != nil {
		return err
	}
	compensateTopic, err := topicFor(event.CompensationRequestedFor, kind)
	if err != nil {
		return err
	}

	c.Route(reserveTopic, commandHandler(svc.Reserve, reservation.ResultAnnouncer(event.ReservationResult, kind)))
	c.Route(confirmTopic, commandHandler(svc.Confirm, reservation.ResultAnnouncer(event.ConfirmationResult, kind)))
	c.Route(compensateTopic, func(ctx context.Context, env *event.Envelope) error {
		req, ok := env.Payload().(event.CompensationRequest)
		if !ok {
			return fmt.Errorf("%w: %T", event.ErrPayloadMismatch, env.Payload())
		}
		return dispatcher.Handle(requestctx.WithSagaID(ctx, req.SagaID), req)
	})
	return nil
}

type operation func(ctx context.Context, req reservation.Request, announce reservation.AnnounceFunc) (*reservation.Result, error)

// commandHandler runs a reserve or confirm command. Domain failures were
// announced to the orchestrator; anything else is redelivered.
func commandHandler(op operation, announce reservation.AnnounceFunc) Handler {
	return func(ctx context.Context, env *event.Envelope) error {
		cmd, ok := env.Payload().(event.ReservationCommand)
		if !ok {
			return fmt.Errorf("%w: %T", event.ErrPayloadMismatch, env.Payload())
		}
		ctx = requestctx.WithSagaID(ctx, cmd.SagaID)
		_, err := op(ctx, reservation.Request{
			SagaID:  cmd.SagaID,
			OrderID: cmd.OrderID,
			UserID:  cmd.UserID,
			Lines:   cmd.Lines,
		}, announce)
		if err == nil || (reservation.IsDomain(err) && !errors.Is(err, reservation.ErrAnnounceFailed)) {
			return nil
		}
		return err
	}
}

// RouteOrchestrator registers the result topics consumed by the ordering service.
func RouteOrchestrator(c *Consumer, h SagaHandler) {
	c.Route(event.TopicReservationResult, resultHandler(h.HandleReservationResult))
	c.Route(event.TopicConfirmationResult, resultHandler(h.HandleConfirmationResult))
	c.Route(event.TopicCompensationCompleted, func(ctx context.Context, env *event.Envelope) error {
		rep, ok := env.Payload().(event.CompensationReport)
		if !ok {
			return fmt.Errorf("%w: %T", event.ErrPayloadMismatch, env.Payload())
		}
		return ignoreUnknownSaga(ctx, h.HandleCompensationCompleted(requestctx.WithSagaID(ctx, rep.SagaID), rep))
	})
}

func resultHandler(fn func(context.Context, event.StepResult) error) Handler {
	return func(ctx context.Context, env *event.Envelope) error {
		res, ok := env.Payload().(event.StepResult)
		if !ok {
			return fmt.Errorf("%w: %T", event.ErrPayloadMismatch, env.Payload())
		}
		return ignoreUnknownSaga(ctx, fn(requestctx.WithSagaID(ctx, res.SagaID), res))
	}
}

// ignoreUnknownSaga acknowledges results for sagas this service never started.
func ignoreUnknownSaga(ctx context.Context, err error) error {
	if errors.Is(err, saga.ErrSagaNotFound) {
		log.WithContext(ctx).WithError(err).Warn("Dropping result of unknown saga")
		return nil
	}
	return err
}
