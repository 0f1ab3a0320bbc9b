package queue

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"promotion-shop/pkg/log"
)

const (
	defaultConnAttempts = 10
	defaultConnTimeout  = time.Second
)

// KafkaConfig kafka bus configuration
type KafkaConfig struct {
	Brokers        []string
	GroupID        string
	ClientID       string
	MinBytes       int
	MaxBytes       int
	WriteTimeout   time.Duration
	BatchTimeout   time.Duration
	DialTimeout    time.Duration
	ConnectRetries int
	RetryBackoff   time.Duration
	MaxBackoff     time.Duration
}

func (c *KafkaConfig) validate() error {
	if len(c.Brokers) == 0 {
		return fmt.Errorf("%w: no kafka brokers", ErrInvalidConfiguration)
	}
	if c.GroupID == "" {
		return fmt.Errorf("%w: kafka group id is required", ErrInvalidConfiguration)
	}
	return nil
}

// KafkaQueue bus backed by Kafka. Subscriptions join the configured consumer
// group and commit an offset only after its handler succeeded.
type KafkaQueue struct {
	config KafkaConfig
	dialer *kafka.Dialer
	writer *kafka.Writer

	mu      sync.Mutex
	closed  bool
	readers []*kafka.Reader
	cancels []context.CancelFunc
	wg      sync.WaitGroup
}

// NewKafkaQueue connects to the brokers, retrying while they come up.
func NewKafkaQueue(ctx context.Context, config KafkaConfig) (*KafkaQueue, error) {
	if err := config.validate(); err != nil {
		return nil, err
	}
	if config.ConnectRetries <= 0 {
		config.ConnectRetries = defaultConnAttempts
	}
	if config.DialTimeout <= 0 {
		config.DialTimeout = defaultConnTimeout
	}
	if config.RetryBackoff <= 0 {
		config.RetryBackoff = 100 * time.Millisecond
	}
	if config.MaxBackoff <= 0 {
		config.MaxBackoff = 10 * time.Second
	}

	q := &KafkaQueue{
		config: config,
		dialer: &kafka.Dialer{ClientID: config.ClientID, Timeout: config.DialTimeout},
	}

	var err error
	for attempt := config.ConnectRetries; attempt > 0; attempt-- {
		if err = q.ping(ctx); err == nil {
			break
		}
		log.Warnf("Kafka is not reachable, attempts left: %d", attempt-1)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(config.DialTimeout):
		}
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConnectionFailed, err)
	}

	q.writer = &kafka.Writer{
		Addr:                   kafka.TCP(config.Brokers...),
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		AllowAutoTopicCreation: true,
		WriteTimeout:           config.WriteTimeout,
		BatchTimeout:           config.BatchTimeout,
	}
	return q, nil
}

func (q *KafkaQueue) ping(ctx context.Context) error {
	conn, err := q.dialer.DialContext(ctx, "tcp", q.config.Brokers[0])
	if err != nil {
		return fmt.Errorf("kafka dial: %w", err)
	}
	defer conn.Close()

	if _, err := conn.Brokers(); err != nil {
		return fmt.Errorf("kafka brokers: %w", err)
	}
	return nil
}

// Publish writes one message; the key selects the partition.
func (q *KafkaQueue) Publish(ctx context.Context, msg Message) error {
	if err := q.Health(); err != nil {
		return err
	}
	return q.writer.WriteMessages(ctx, kafka.Message{
		Topic:   msg.Topic,
		Key:     []byte(msg.Key),
		Value:   msg.Value,
		Headers: toKafkaHeaders(msg.Headers),
	})
}

// Subscribe starts a group reader for topic.
func (q *KafkaQueue) Subscribe(ctx context.Context, topic string, handler MessageHandler) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrQueueClosed
	}

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  q.config.Brokers,
		GroupID:  q.config.GroupID,
		Topic:    topic,
		Dialer:   q.dialer,
		MinBytes: q.config.MinBytes,
		MaxBytes: q.config.MaxBytes,
	})
	q.readers = append(q.readers, reader)
	ctx, cancel := context.WithCancel(ctx)
	q.cancels = append(q.cancels, cancel)

	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		q.consume(ctx, reader, handler)
	}()
	return nil
}

func (q *KafkaQueue) consume(ctx context.Context, reader *kafka.Reader, handler MessageHandler) {
	logger := log.WithField("topic", reader.Config().Topic)
	for {
		km, err := reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, io.EOF) {
				return
			}
			logger.WithError(err).Warn("kafka fetch failed")
			select {
			case <-ctx.Done():
				return
			case <-time.After(q.config.RetryBackoff):
			}
			continue
		}

		handled := deliver(ctx, handler, Message{
			Topic:   km.Topic,
			Key:     string(km.Key),
			Value:   km.Value,
			Headers: fromKafkaHeaders(km.Headers),
		}, q.config.RetryBackoff, q.config.MaxBackoff)
		if !handled {
			// uncommitted, the group hands the message out again
			return
		}

		if err := reader.CommitMessages(ctx, km); err != nil && ctx.Err() == nil {
			logger.WithError(err).WithField("offset", km.Offset).Warn("kafka commit failed")
		}
	}
}

// Close stops readers and flushes the writer
func (q *KafkaQueue) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	readers := q.readers
	cancels := q.cancels
	q.mu.Unlock()

	// stop handlers still retrying
	for _, cancel := range cancels {
		cancel()
	}
	var errs []error
	for _, r := range readers {
		if err := r.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	q.wg.Wait()
	if err := q.writer.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Health checks the health of the queue
func (q *KafkaQueue) Health() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrQueueClosed
	}
	return nil
}

func toKafkaHeaders(h map[string]string) []kafka.Header {
	if len(h) == 0 {
		return nil
	}
	out := make([]kafka.Header, 0, len(h))
	for k, v := range h {
		out = append(out, kafka.Header{Key: k, Value: []byte(v)})
	}
	return out
}

func fromKafkaHeaders(h []kafka.Header) map[string]string {
	if len(h) == 0 {
		return nil
	}
	out := make(map[string]string, len(h))
	for _, hh := range h {
		out[hh.Key] = string(hh.Value)
	}
	return out
}
