package queue

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	"promotion-shop/pkg/log"
)

// Message one record on the bus
type Message struct {
	Topic   string
	Key     string
	Value   []byte
	Headers map[string]string
}

// MessageHandler handles incoming messages. A returned error triggers
// redelivery of the same message until the handler succeeds; a message with
// no chance of success must be acknowledged by returning nil.
type MessageHandler func(ctx context.Context, msg Message) error

// Queue defines the interface for message bus operations
type Queue interface {
	// Publish returns once the bus acknowledged the message
	Publish(ctx context.Context, msg Message) error

	// Subscribe starts delivering messages of topic to handler until ctx is
	// done or the queue is closed. It does not block.
	Subscribe(ctx context.Context, topic string, handler MessageHandler) error

	// Close closes the queue connections
	Close() error

	// Health checks the health of the queue
	Health() error
}

// Common errors
var (
	ErrQueueClosed          = errors.New("queue is closed")
	ErrInvalidConfiguration = errors.New("invalid configuration")
	ErrConnectionFailed     = errors.New("connection failed")
	ErrPublishTimeout       = errors.New("publish timeout")
)

// InjectTrace copies the span context of ctx into message headers.
func InjectTrace(ctx context.Context, headers map[string]string) map[string]string {
	if headers == nil {
		headers = make(map[string]string)
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.MapCarrier(headers))
	return headers
}

// ExtractTrace returns ctx carrying the span context found in headers.
func ExtractTrace(ctx context.Context, headers map[string]string) context.Context {
	if len(headers) == 0 {
		return ctx
	}
	return otel.GetTextMapPropagator().Extract(ctx, propagation.MapCarrier(headers))
}

// deliver runs handler until it succeeds or ctx is done, doubling the wait
// between attempts up to maxBackoff. It reports whether the message was
// handled; an unhandled message must not be acknowledged.
func deliver(ctx context.Context, handler MessageHandler, msg Message, backoff, maxBackoff time.Duration) bool {
	if backoff <= 0 {
		backoff = 10 * time.Millisecond
	}
	if maxBackoff < backoff {
		maxBackoff = backoff
	}
	msgCtx := ExtractTrace(ctx, msg.Headers)

	wait := backoff
	for attempt := 1; ; attempt++ {
		err := handler(msgCtx, msg)
		if err == nil {
			return true
		}

		entry := log.WithError(err).WithFields(map[string]interface{}{
			"topic":    msg.Topic,
			"key":      msg.Key,
			"attempts": attempt,
			"retry_in": wait,
		})
		if wait == maxBackoff {
			entry.Error("message handling keeps failing, retrying")
		} else {
			entry.Warn("message handling failed, retrying")
		}

		select {
		case <-ctx.Done():
			return false
		case <-time.After(wait):
		}
		wait *= 2
		if wait > maxBackoff {
			wait = maxBackoff
		}
	}
}
