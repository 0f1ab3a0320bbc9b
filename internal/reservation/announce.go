package reservation

import (
	"time"

	"promotion-shop/internal/event"
)

// ResultAnnouncer reports reserve or confirm outcomes as StepResult events of
// type t. Infrastructure failures are not announced so the command is
// redelivered instead.
func ResultAnnouncer(t event.Type, kind string) AnnounceFunc {
	return func(req Request, res *Result, err error) (*event.Envelope, error) {
		if err != nil && !IsDomain(err) {
			return nil, nil
		}
		out := event.StepResult{
			SagaID:    req.SagaID,
			OrderID:   req.OrderID,
			UserID:    req.UserID,
			Kind:      kind,
			Success:   err == nil,
			Timestamp: time.Now().UTC(),
		}
		if res != nil {
			out.Outcome = string(res.Outcome)
		}
		if err != nil {
			out.Reason = Reason(err)
			out.ErrorMessage = err.Error()
		}
		return event.New(t, out)
	}
}
