package queue

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

func collect(received chan Message) MessageHandler {
	return func(_ context.Context, msg Message) error {
		received <- msg
		return nil
	}
}

func TestMemoryQueue_PublishSubscribe(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	mq := NewMemoryQueue(nil)
	defer mq.Close()

	received := make(chan Message, 10)
	require.NoError(t, mq.Subscribe(ctx, "stock.reserve", collect(received)))

	require.NoError(t, mq.Publish(ctx, Message{Topic: "stock.reserve", Key: "1", Value: []byte("a")}))
	require.NoError(t, mq.Publish(ctx, Message{Topic: "coupon.reserve", Key: "1", Value: []byte("b")}))

	select {
	case msg := <-received:
		assert.Equal(t, "a", string(msg.Value))
		assert.Equal(t, "1", msg.Key)
	case <-time.After(time.Second):
		t.Fatal("message not delivered")
	}
	assert.Never(t, func() bool { return len(received) > 0 }, 50*time.Millisecond, 5*time.Millisecond)
}

func TestMemoryQueue_BacklogAndOrder(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	mq := NewMemoryQueue(nil)
	defer mq.Close()

	for _, v := range []string{"1", "2", "3"} {
		require.NoError(t, mq.Publish(ctx, Message{Topic: "t", Value: []byte(v)}))
	}

	received := make(chan Message, 10)
	require.NoError(t, mq.Subscribe(ctx, "t", collect(received)))

	var got []string
	for i := 0; i < 3; i++ {
		select {
		case msg := <-received:
			got = append(got, string(msg.Value))
		case <-time.After(time.Second):
			t.Fatal("backlog not delivered")
		}
	}
	assert.Equal(t, []string{"1", "2", "3"}, got)
}

func TestMemoryQueue_FanOut(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	mq := NewMemoryQueue(nil)
	defer mq.Close()

	a, b := make(chan Message, 1), make(chan Message, 1)
	require.NoError(t, mq.Subscribe(ctx, "t", collect(a)))
	require.NoError(t, mq.Subscribe(ctx, "t", collect(b)))
	require.NoError(t, mq.Publish(ctx, Message{Topic: "t", Value: []byte("x")}))

	for _, ch := range []chan Message{a, b} {
		select {
		case <-ch:
		case <-time.After(time.Second):
			t.Fatal("subscriber missed message")
		}
	}
}

func TestMemoryQueue_RetriesHandler(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	mq := NewMemoryQueue(&MemoryQueueConfig{RetryBackoff: time.Millisecond})
	defer mq.Close()

	var calls int32
	require.NoError(t, mq.Subscribe(ctx, "t", func(context.Context, Message) error {
		if atomic.AddInt32(&calls, 1) < 3 {
			return errors.New("transient")
		}
		return nil
	}))
	require.NoError(t, mq.Publish(ctx, Message{Topic: "t"}))

	assert.Eventually(t, func() bool { return atomic.LoadInt32(&calls) == 3 }, time.Second, 5*time.Millisecond)
	assert.Never(t, func() bool { return atomic.LoadInt32(&calls) > 3 }, 30*time.Millisecond, 5*time.Millisecond)
}

func TestMemoryQueue_KeepsRetryingUntilHandled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	mq := NewMemoryQueue(&MemoryQueueConfig{RetryBackoff: time.Millisecond, MaxBackoff: 4 * time.Millisecond})
	defer mq.Close()

	var calls, handled int32
	require.NoError(t, mq.Subscribe(ctx, "t", func(context.Context, Message) error {
		if atomic.AddInt32(&calls, 1) <= 12 {
			return errors.New("store unavailable")
		}
		atomic.AddInt32(&handled, 1)
		return nil
	}))
	require.NoError(t, mq.Publish(ctx, Message{Topic: "t", Value: []byte("result")}))

	assert.Eventually(t, func() bool { return atomic.LoadInt32(&handled) == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(13), atomic.LoadInt32(&calls))
}

func TestDeliver_StopsWithContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var calls int32
	done := make(chan bool)
	go func() {
		done <- deliver(ctx, func(context.Context, Message) error {
			atomic.AddInt32(&calls, 1)
			return errors.New("down")
		}, Message{Topic: "t"}, time.Millisecond, 2*time.Millisecond)
	}()

	assert.Eventually(t, func() bool { return atomic.LoadInt32(&calls) >= 3 }, time.Second, time.Millisecond)
	cancel()
	select {
	case handled := <-done:
		assert.False(t, handled, "an unhandled message must not be acknowledged")
	case <-time.After(time.Second):
		t.Fatal("deliver did not stop")
	}
}

func TestMemoryQueue_CloseStopsRetries(t *testing.T) {
	mq := NewMemoryQueue(&MemoryQueueConfig{RetryBackoff: time.Millisecond})
	var calls int32
	require.NoError(t, mq.Subscribe(context.Background(), "t", func(context.Context, Message) error {
		atomic.AddInt32(&calls, 1)
		return errors.New("down")
	}))
	require.NoError(t, mq.Publish(context.Background(), Message{Topic: "t"}))
	assert.Eventually(t, func() bool { return atomic.LoadInt32(&calls) >= 2 }, time.Second, time.Millisecond)

	require.NoError(t, mq.Close())
	time.Sleep(20 * time.Millisecond)
	n := atomic.LoadInt32(&calls)
	assert.Never(t, func() bool { return atomic.LoadInt32(&calls) > n+1 }, 50*time.Millisecond, 5*time.Millisecond)
}

func TestMemoryQueue_Closed(t *testing.T) {
	mq := NewMemoryQueue(nil)
	require.NoError(t, mq.Health())
	require.NoError(t, mq.Close())
	require.NoError(t, mq.Close())

	assert.ErrorIs(t, mq.Health(), ErrQueueClosed)
	assert.ErrorIs(t, mq.Publish(context.Background(), Message{Topic: "t"}), ErrQueueClosed)
	assert.ErrorIs(t, mq.Subscribe(context.Background(), "t", collect(nil)), ErrQueueClosed)
}

func TestMemoryQueue_ConcurrentPublish(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	mq := NewMemoryQueue(nil)
	defer mq.Close()

	var count int32
	require.NoError(t, mq.Subscribe(ctx, "t", func(context.Context, Message) error {
		atomic.AddInt32(&count, 1)
		return nil
	}))

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, mq.Publish(ctx, Message{Topic: "t"}))
		}()
	}
	wg.Wait()
	assert.Eventually(t, func() bool { return atomic.LoadInt32(&count) == 50 }, time.Second, 5*time.Millisecond)
}

func TestTracePropagation(t *testing.T) {
	otel.SetTextMapPropagator(propagation.TraceContext{})

	traceID, _ := trace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
	spanID, _ := trace.SpanIDFromHex("00f067aa0ba902b7")
	sc := trace.NewSpanContext(trace.SpanContextConfig{TraceID: traceID, SpanID: spanID, TraceFlags: trace.FlagsSampled})
	ctx := trace.ContextWithSpanContext(context.Background(), sc)

	headers := InjectTrace(ctx, nil)
	require.Contains(t, headers, "traceparent")

	out := trace.SpanContextFromContext(ExtractTrace(context.Background(), headers))
	assert.Equal(t, traceID, out.TraceID())
	assert.True(t, out.IsRemote())
}

func TestKafkaHeaders(t *testing.T) {
	assert.Nil(t, toKafkaHeaders(nil))
	assert.Nil(t, fromKafkaHeaders(nil))

	kh := toKafkaHeaders(map[string]string{"traceparent": "x", "source": "stock"})
	sort.Slice(kh, func(i, j int) bool { return kh[i].Key < kh[j].Key })
	assert.Equal(t, []kafka.Header{{Key: "source", Value: []byte("stock")}, {Key: "traceparent", Value: []byte("x")}}, kh)
	assert.Equal(t, map[string]string{"source": "stock", "traceparent": "x"}, fromKafkaHeaders(kh))
}

func TestNewKafkaQueue_Validation(t *testing.T) {
	_, err := NewKafkaQueue(context.Background(), KafkaConfig{GroupID: "g"})
	assert.ErrorIs(t, err, ErrInvalidConfiguration)

	_, err = NewKafkaQueue(context.Background(), KafkaConfig{Brokers: []string{"localhost:9092"}})
	assert.ErrorIs(t, err, ErrInvalidConfiguration)
}
