package saga

import (
	"context"
	"fmt"
	"time"

	"promotion-shop/internal/model"
	"promotion-shop/pkg/log"
)

// inFlight statuses a saga can stall in
var inFlight = []model.SagaStatus{
	model.SagaStatusCreated,
	model.SagaStatusReserving,
	model.SagaStatusReserved,
	model.SagaStatusConfirming,
	model.SagaStatusCompensating,
}

const stalledScanLimit = 1000

// Stalled lists in-flight sagas whose last update is older than age, oldest
// first within each status. Such a saga waits on an event that never came and
// needs an operator.
func (o *Orchestrator) Stalled(ctx context.Context, age time.Duration) ([]model.SagaTransaction, error) {
	cutoff := o.now().Add(-age)
	var stalled []model.SagaTransaction
	for _, status := range inFlight {
		sagas, err := o.store.Sagas().ListByStatus(ctx, status, stalledScanLimit)
		if err != nil {
			return nil, fmt.Errorf("list %s sagas: %w", status, err)
		}
		n := 0
		for _, s := range sagas {
			if !s.UpdatedAt.Before(cutoff) {
				break
			}
			stalled = append(stalled, s)
			n++
		}
		o.metrics.UpdateStalledSagas(string(status), n)
	}
	return stalled, nil
}

// WatchStalled logs stalled sagas every interval until ctx is done. A
// non-positive interval disables the watch.
func (o *Orchestrator) WatchStalled(ctx context.Context, interval, age time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stalled, err := o.Stalled(ctx, age)
			if err != nil {
				log.WithError(err).Error("Stalled saga scan failed")
				continue
			}
			for _, s := range stalled {
				log.WithFields(map[string]interface{}{
					"saga_id":    s.SagaID,
					"order_id":   s.OrderID,
					"status":     s.Status,
					"updated_at": s.UpdatedAt,
				}).Warn("Saga stalled")
			}
		}
	}
}
