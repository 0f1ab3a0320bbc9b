// Package consumer routes bus messages to saga participants and to the
// orchestrator. Handlers must tolerate redelivery; the processed-event
// registry only saves work.
package consumer

import (
	"context"
	"errors"
	"fmt"

	"promotion-shop/internal/event"
	"promotion-shop/internal/idempotency"
	"promotion-shop/internal/monitor"
	"promotion-shop/pkg/log"
	"promotion-shop/pkg/queue"
)

// Handler processes one decoded envelope. A returned error asks the bus to
// redeliver the message.
type Handler func(ctx context.Context, env *event.Envelope) error

// Consumer subscribes its routes on a bus
type Consumer struct {
	name     string
	bus      queue.Queue
	registry *idempotency.Registry
	metrics  *monitor.MetricsCollector
	routes   map[string]Handler
}

// Option configures a Consumer
type Option func(*Consumer)

// WithRegistry skips events already handled by a consumer of the same name.
func WithRegistry(r *idempotency.Registry) Option {
	return func(c *Consumer) { c.registry = r }
}

func WithMetrics(m *monitor.MetricsCollector) Option {
	return func(c *Consumer) { c.metrics = m }
}

// New creates a consumer. name scopes the processed-event registry, so each
// service uses its own.
func New(name string, bus queue.Queue, opts ...Option) *Consumer {
	c := &Consumer{
		name:   name,
		bus:    bus,
		routes: make(map[string]Handler),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Route registers h for topic
func (c *Consumer) Route(topic string, h Handler) {
	c.routes[topic] = h
}

// Topics lists the registered topics
func (c *Consumer) Topics() []string {
	out := make([]string, 0, len(c.routes))
	for t := range c.routes {
		out = append(out, t)
	}
	return out
}

// Start subscribes every route. Delivery stops with ctx.
func (c *Consumer) Start(ctx context.Context) error {
	if len(c.routes) == 0 {
		return errors.New("consumer has no routes")
	}
	for topic, h := range c.routes {
		topic, h := topic, h
		if err := c.bus.Subscribe(ctx, topic, func(ctx context.Context, msg queue.Message) error {
			return c.process(ctx, topic, h, msg)
		}); err != nil {
			return fmt.Errorf("subscribe %s: %w", topic, err)
		}
	}
	log.WithFields(map[string]interface{}{
		"consumer": c.name,
		"topics":   c.Topics(),
	}).Info("Consumer started")
	return nil
}

func (c *Consumer) process(ctx context.Context, topic string, h Handler, msg queue.Message) error {
	env, err := event.Decode(msg.Value)
	if err != nil {
		// a message that cannot be decoded never will be
		log.WithContext(ctx).WithError(err).WithFields(map[string]interface{}{
			"topic": topic,
			"key":   msg.Key,
		}).Error("Dropping undecodable message")
		c.metrics.RecordConsumerMessage(topic, "invalid")
		return nil
	}
	if env.Topic() != topic {
		log.WithContext(ctx).WithFields(map[string]interface{}{
			"topic":      topic,
			"event_type": env.Type(),
		}).Error("Dropping event published on the wrong topic")
		c.metrics.RecordConsumerMessage(topic, "invalid")
		return nil
	}

	ctx, span := monitor.StartConsumerSpan(ctx, topic, string(env.Type()))
	defer span.End()

	entry := log.WithContext(ctx).WithFields(map[string]interface{}{
		"consumer":   c.name,
		"event_id":   env.EventID(),
		"event_type": env.Type(),
	})

	if c.registry != nil {
		seen, err := c.registry.Seen(ctx, c.name, env.EventID())
		if err != nil {
			entry.WithError(err).Warn("Processed-event registry unavailable")
		}
		if seen {
			entry.Debug("Skipping already processed event")
			c.metrics.RecordConsumerMessage(topic, "duplicate")
			return nil
		}
	}

	if err := h(ctx, env); err != nil {
		monitor.RecordError(span, err)
		entry.WithError(err).Error("Event handling failed")
		c.metrics.RecordConsumerMessage(topic, "error")
		return err
	}

	if c.registry != nil {
		if err := c.registry.Mark(ctx, c.name, env.EventID()); err != nil {
			entry.WithError(err).Warn("Failed to record processed event")
		}
	}
	c.metrics.RecordConsumerMessage(topic, "processed")
	return nil
}
