package queue

import (
	"context"
	"sync"
	"time"
)

// MemoryQueueConfig memory queue configuration
type MemoryQueueConfig struct {
	BufferSize   int           `json:"buffer_size"`
	Timeout      time.Duration `json:"timeout"`
	RetryBackoff time.Duration `json:"retry_backoff"`
	MaxBackoff   time.Duration `json:"max_backoff"`
}

// MemoryQueue in-process bus. Every subscription of a topic receives every
// message; messages published before the first subscription are retained
// and delivered to it.
type MemoryQueue struct {
	config MemoryQueueConfig

	mu     sync.RWMutex
	closed bool
	stop   chan struct{}
	topics map[string]*topic
}

type topic struct {
	subs    []chan Message
	backlog []Message
}

// NewMemoryQueue creates a new memory queue instance
func NewMemoryQueue(config *MemoryQueueConfig) *MemoryQueue {
	cfg := MemoryQueueConfig{
		BufferSize:   1000,
		Timeout:      5 * time.Second,
		RetryBackoff: 10 * time.Millisecond,
		MaxBackoff:   time.Second,
	}
	if config != nil {
		if config.BufferSize > 0 {
			cfg.BufferSize = config.BufferSize
		}
		if config.Timeout > 0 {
			cfg.Timeout = config.Timeout
		}
		if config.RetryBackoff > 0 {
			cfg.RetryBackoff = config.RetryBackoff
		}
		if config.MaxBackoff > 0 {
			cfg.MaxBackoff = config.MaxBackoff
		}
	}

	return &MemoryQueue{
		config: cfg,
		stop:   make(chan struct{}),
		topics: make(map[string]*topic),
	}
}

func (mq *MemoryQueue) topic(name string) *topic {
	t, ok := mq.topics[name]
	if !ok {
		t = &topic{}
		mq.topics[name] = t
	}
	return t
}

// Publish hands the message to every subscription of its topic
func (mq *MemoryQueue) Publish(ctx context.Context, msg Message) error {
	mq.mu.Lock()
	if mq.closed {
		mq.mu.Unlock()
		return ErrQueueClosed
	}
	t := mq.topic(msg.Topic)
	msg = cloneMessage(msg)
	if len(t.subs) == 0 {
		t.backlog = append(t.backlog, msg)
		mq.mu.Unlock()
		return nil
	}
	subs := append([]chan Message(nil), t.subs...)
	mq.mu.Unlock()

	// hold the read lock while sending so Close cannot close a channel mid-send
	mq.mu.RLock()
	defer mq.mu.RUnlock()
	if mq.closed {
		return ErrQueueClosed
	}

	timer := time.NewTimer(mq.config.Timeout)
	defer timer.Stop()
	for _, ch := range subs {
		select {
		case ch <- msg:
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			return ErrPublishTimeout
		}
	}
	return nil
}

// Subscribe subscribes to messages of topic
func (mq *MemoryQueue) Subscribe(ctx context.Context, name string, handler MessageHandler) error {
	mq.mu.Lock()
	defer mq.mu.Unlock()

	if mq.closed {
		return ErrQueueClosed
	}

	t := mq.topic(name)
	buffer := mq.config.BufferSize
	if len(t.backlog) > buffer {
		buffer = len(t.backlog)
	}
	ch := make(chan Message, buffer)
	for _, msg := range t.backlog {
		ch <- msg
	}
	t.backlog = nil
	t.subs = append(t.subs, ch)

	// a failing handler retries until the subscription ends or the queue closes
	subCtx, cancel := context.WithCancel(ctx)
	stop := mq.stop
	go func() {
		select {
		case <-stop:
			cancel()
		case <-subCtx.Done():
		}
	}()
	go func() {
		defer cancel()
		for {
			select {
			case msg, ok := <-ch:
				if !ok {
					return
				}
				deliver(subCtx, handler, msg, mq.config.RetryBackoff, mq.config.MaxBackoff)
			case <-stop:
				return
			case <-ctx.Done():
				mq.unsubscribe(name, ch)
				return
			}
		}
	}()

	return nil
}

func (mq *MemoryQueue) unsubscribe(name string, ch chan Message) {
	mq.mu.Lock()
	defer mq.mu.Unlock()

	t, ok := mq.topics[name]
	if !ok {
		return
	}
	for i, sub := range t.subs {
		if sub == ch {
			t.subs = append(t.subs[:i], t.subs[i+1:]...)
			break
		}
	}
}

// Close closes every subscription
func (mq *MemoryQueue) Close() error {
	mq.mu.Lock()
	defer mq.mu.Unlock()

	if mq.closed {
		return nil
	}

	mq.closed = true
	close(mq.stop)
	for _, t := range mq.topics {
		for _, ch := range t.subs {
			close(ch)
		}
	}
	mq.topics = make(map[string]*topic)

	return nil
}

// Health checks the health of the queue
func (mq *MemoryQueue) Health() error {
	mq.mu.RLock()
	defer mq.mu.RUnlock()

	if mq.closed {
		return ErrQueueClosed
	}

	return nil
}

func cloneMessage(msg Message) Message {
	msg.Value = append([]byte(nil), msg.Value...)
	if msg.Headers != nil {
		h := make(map[string]string, len(msg.Headers))
		for k, v := range msg.Headers {
			h[k] = v
		}
		msg.Headers = h
	}
	return msg
}
