// Package outbox relays entries of the local outbox to the message bus.
package outbox

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"promotion-shop/internal/config"
	"promotion-shop/internal/model"
	"promotion-shop/internal/monitor"
	"promotion-shop/internal/repository"
	"promotion-shop/pkg/log"
	"promotion-shop/pkg/queue"
)

// Header names set on every relayed message.
const (
	HeaderEventID = "event-id"
)

// Relay publishes pending entries oldest first and marks each one only after
// the bus acknowledged it, so delivery is at least once.
type Relay struct {
	repo    repository.OutboxRepository
	bus     queue.Queue
	limiter *rate.Limiter
	metrics *monitor.MetricsCollector
	now     func() time.Time

	pollInterval    time.Duration
	cleanupInterval time.Duration
	publishTimeout  time.Duration
	retention       time.Duration
	batchSize       int

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started atomic.Bool
}

// Option configures a Relay
type Option func(*Relay)

func WithMetrics(m *monitor.MetricsCollector) Option {
	return func(r *Relay) { r.metrics = m }
}

func WithClock(now func() time.Time) Option {
	return func(r *Relay) { r.now = now }
}

// NewRelay creates a relay over the outbox of store
func NewRelay(store repository.Store, bus queue.Queue, cfg config.OutboxConfig, opts ...Option) *Relay {
	r := &Relay{
		repo:            store.Outbox(),
		bus:             bus,
		now:             func() time.Time { return time.Now().UTC() },
		pollInterval:    cfg.PollInterval,
		cleanupInterval: cfg.CleanupInterval,
		publishTimeout:  cfg.PublishTimeout,
		retention:       cfg.Retention,
		batchSize:       cfg.BatchSize,
	}
	if r.pollInterval <= 0 {
		r.pollInterval = time.Second
	}
	if r.publishTimeout <= 0 {
		r.publishTimeout = 5 * time.Second
	}
	if r.batchSize <= 0 {
		r.batchSize = 100
	}
	if cfg.PublishRate > 0 {
		burst := int(cfg.PublishRate)
		if burst < 1 {
			burst = 1
		}
		r.limiter = rate.NewLimiter(rate.Limit(cfg.PublishRate), burst)
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Start runs the poll worker and, when a retention is configured, the
// cleanup worker. They stop with ctx or Shutdown.
func (r *Relay) Start(ctx context.Context) error {
	if !r.started.CompareAndSwap(false, true) {
		return fmt.Errorf("outbox relay already started")
	}
	r.ctx, r.cancel = context.WithCancel(ctx)

	r.worker(r.pollInterval, func() {
		if _, err := r.RelayOnce(r.ctx); err != nil {
			log.WithError(err).Error("Outbox relay poll failed")
		}
	})

	if r.retention > 0 && r.cleanupInterval > 0 {
		r.worker(r.cleanupInterval, func() {
			if _, err := r.Cleanup(r.ctx); err != nil {
				log.WithError(err).Error("Outbox cleanup failed")
			}
		})
	}

	log.WithFields(map[string]interface{}{
		"poll_interval": r.pollInterval,
		"batch_size":    r.batchSize,
		"retention":     r.retention,
	}).Info("Started outbox relay")
	return nil
}

func (r *Relay) worker(interval time.Duration, task func()) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-r.ctx.Done():
				return
			case <-ticker.C:
				task()
			}
		}
	}()
}

// Shutdown stops the workers and waits for the batch in flight
func (r *Relay) Shutdown(ctx context.Context) error {
	if !r.started.Load() {
		return nil
	}
	r.cancel()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Info("Outbox relay stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RelayOnce publishes one batch. An entry that fails stays pending and holds
// back the rest of its topic until the next poll; other topics proceed.
func (r *Relay) RelayOnce(ctx context.Context) (int, error) {
	entries, err := r.repo.FetchPending(ctx, r.batchSize)
	if err != nil {
		return 0, fmt.Errorf("fetch pending outbox entries: %w", err)
	}

	published := 0
	blocked := make(map[string]bool)
	for i := range entries {
		entry := &entries[i]
		if blocked[entry.Topic] {
			continue
		}
		if r.limiter != nil {
			if err := r.limiter.Wait(ctx); err != nil {
				return published, err
			}
		}

		fields := map[string]interface{}{
			"outbox_id": entry.ID,
			"event_id":  entry.EventID,
			"topic":     entry.Topic,
		}

		if err := r.publish(ctx, entry); err != nil {
			blocked[entry.Topic] = true
			r.metrics.RecordOutboxPublish(entry.Topic, err)
			log.WithFields(fields).WithError(err).Warn("Outbox publish failed, will retry")
			if ferr := r.repo.RecordFailure(ctx, entry.ID, err.Error()); ferr != nil {
				log.WithFields(fields).WithError(ferr).Error("Failed to record outbox publish failure")
			}
			continue
		}

		r.metrics.RecordOutboxPublish(entry.Topic, nil)
		published++
		// a lost mark only causes a duplicate publish on the next poll
		if err := r.repo.MarkPublished(ctx, entry.ID, r.now()); err != nil {
			log.WithFields(fields).WithError(err).Error("Failed to mark outbox entry published")
		}
	}

	if pending, err := r.repo.CountPending(ctx); err == nil {
		r.metrics.UpdateOutboxPending(pending)
	}
	if published > 0 {
		log.WithFields(map[string]interface{}{
			"published": published,
			"fetched":   len(entries),
		}).Debug("Outbox batch relayed")
	}
	return published, nil
}

func (r *Relay) publish(ctx context.Context, entry *model.OutboxEntry) error {
	ctx, cancel := context.WithTimeout(ctx, r.publishTimeout)
	defer cancel()

	ctx, span := monitor.StartProducerSpan(ctx, entry.Topic)
	defer span.End()

	err := r.bus.Publish(ctx, queue.Message{
		Topic:   entry.Topic,
		Key:     entry.Key,
		Value:   entry.Payload,
		Headers: queue.InjectTrace(ctx, map[string]string{HeaderEventID: entry.EventID}),
	})
	monitor.RecordError(span, err)
	return err
}

// Cleanup deletes entries published longer ago than the retention window
func (r *Relay) Cleanup(ctx context.Context) (int64, error) {
	n, err := r.repo.DeletePublishedBefore(ctx, r.now().Add(-r.retention))
	if err != nil {
		return 0, fmt.Errorf("delete published outbox entries: %w", err)
	}
	if n > 0 {
		log.WithField("deleted", n).Info("Outbox entries cleaned up")
	}
	return n, nil
}
