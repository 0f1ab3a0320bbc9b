package breaker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errRejected = errors.New("rejected")

func tripOnFirstFailure(c Counts) bool { return c.TotalFailures >= 1 }

func ok(context.Context) error { return nil }

func TestStateString(t *testing.T) {
	assert.Equal(t, "closed", StateClosed.String())
	assert.Equal(t, "open", StateOpen.String())
	assert.Equal(t, "half-open", StateHalfOpen.String())
	assert.Equal(t, "unknown", State(999).String())
}

func TestNewCircuitBreaker_Defaults(t *testing.T) {
	cb := NewCircuitBreaker("stock", Config{})

	assert.Equal(t, "stock", cb.Name())
	assert.Equal(t, uint32(1), cb.maxRequests)
	assert.Equal(t, time.Minute, cb.timeout)
	assert.Equal(t, StateClosed, cb.State())
}

func TestFailureRatio(t *testing.T) {
	trip := FailureRatio(4, 0.5)

	assert.False(t, trip(Counts{Requests: 3, TotalFailures: 3}), "below minimum sample")
	assert.False(t, trip(Counts{Requests: 4, TotalFailures: 1}))
	assert.True(t, trip(Counts{Requests: 4, TotalFailures: 2}))
}

func TestCircuitBreaker_OpensAndRejects(t *testing.T) {
	cb := NewCircuitBreaker("coupon", Config{ReadyToTrip: FailureRatio(3, 0.5)})
	ctx := context.Background()
	callErr := errors.New("connection refused")

	for i := 0; i < 3; i++ {
		err := cb.Execute(ctx, func(context.Context) error { return callErr })
		assert.Equal(t, callErr, err)
	}
	assert.Equal(t, StateOpen, cb.State())

	called := false
	err := cb.Execute(ctx, func(context.Context) error {
		called = true
		return nil
	})
	assert.Equal(t, ErrOpenState, err)
	assert.False(t, called)
	assert.True(t, IsCircuitBreakerError(fmt.Errorf("call stock: %w", err)))
}

func TestCircuitBreaker_IsSuccessful(t *testing.T) {
	cb := NewCircuitBreaker("point", Config{
		ReadyToTrip:  tripOnFirstFailure,
		IsSuccessful: func(err error) bool { return err == nil || errors.Is(err, errRejected) },
	})
	ctx := context.Background()

	err := cb.Execute(ctx, func(context.Context) error { return errRejected })
	assert.ErrorIs(t, err, errRejected)
	assert.Equal(t, StateClosed, cb.State(), "business rejections do not trip the circuit")

	counts := cb.Counts()
	assert.Equal(t, uint32(1), counts.TotalSuccesses)
}

func TestCircuitBreaker_HalfOpen(t *testing.T) {
	t.Run("closes after enough successes", func(t *testing.T) {
		cb := NewCircuitBreaker("stock", Config{
			MaxRequests: 2,
			Timeout:     10 * time.Millisecond,
			ReadyToTrip: tripOnFirstFailure,
		})
		ctx := context.Background()

		require.Error(t, cb.Execute(ctx, func(context.Context) error { return errors.New("down") }))
		time.Sleep(15 * time.Millisecond)

		require.NoError(t, cb.Execute(ctx, ok))
		assert.Equal(t, StateHalfOpen, cb.State())
		require.NoError(t, cb.Execute(ctx, ok))
		assert.Equal(t, StateClosed, cb.State())
	})

	t.Run("reopens on failure", func(t *testing.T) {
		cb := NewCircuitBreaker("stock", Config{
			MaxRequests: 3,
			Timeout:     10 * time.Millisecond,
			ReadyToTrip: FailureRatio(100, 1),
		})
		cb.mu.Lock()
		cb.setState(StateOpen, time.Now().Add(-time.Second))
		cb.mu.Unlock()
		time.Sleep(15 * time.Millisecond)

		err := cb.Execute(context.Background(), func(context.Context) error { return errors.New("still down") })
		assert.Error(t, err)
		assert.Equal(t, StateOpen, cb.State())
	})

	t.Run("limits probes", func(t *testing.T) {
		cb := NewCircuitBreaker("stock", Config{MaxRequests: 1, Timeout: time.Minute})
		cb.mu.Lock()
		cb.state = StateHalfOpen
		cb.counts.Requests = 1
		cb.mu.Unlock()

		err := cb.Execute(context.Background(), ok)
		assert.Equal(t, ErrTooManyRequests, err)
	})
}

func TestCircuitBreaker_PanicCountsAsFailure(t *testing.T) {
	cb := NewCircuitBreaker("stock", Config{ReadyToTrip: FailureRatio(100, 1)})

	assert.Panics(t, func() {
		_ = cb.Execute(context.Background(), func(context.Context) error { panic("boom") })
	})

	counts := cb.Counts()
	assert.Equal(t, uint32(1), counts.Requests)
	assert.Equal(t, uint32(1), counts.TotalFailures)
}

func TestCircuitBreaker_DoneContext(t *testing.T) {
	cb := NewCircuitBreaker("stock", Config{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := cb.Execute(ctx, ok)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, cb.Counts().Requests)
}

func TestCircuitBreaker_Reset(t *testing.T) {
	var transitions []string
	cb := NewCircuitBreaker("stock", Config{
		ReadyToTrip: tripOnFirstFailure,
		OnStateChange: func(name string, from, to State) {
			transitions = append(transitions, from.String()+">"+to.String())
		},
	})

	require.Error(t, cb.Execute(context.Background(), func(context.Context) error { return errors.New("down") }))
	cb.Reset()

	assert.Equal(t, StateClosed, cb.State())
	assert.Zero(t, cb.Counts().Requests)
	assert.Equal(t, []string{"closed>open", "open>closed"}, transitions)
}

func TestManager(t *testing.T) {
	t.Run("one breaker per name", func(t *testing.T) {
		m := NewManager(Config{MaxRequests: 5, Interval: 30 * time.Second})

		a := m.GetBreaker("stock")
		assert.Same(t, a, m.GetBreaker("stock"))
		assert.NotSame(t, a, m.GetBreaker("coupon"))
		assert.Equal(t, uint32(5), a.maxRequests)
		assert.Equal(t, []string{"coupon", "stock"}, m.Names())
	})

	t.Run("fans out state changes", func(t *testing.T) {
		var mu sync.Mutex
		var seen []string
		record := func(prefix string) func(string, State, State) {
			return func(name string, _, to State) {
				mu.Lock()
				defer mu.Unlock()
				seen = append(seen, prefix+":"+name+":"+to.String())
			}
		}

		m := NewManager(Config{ReadyToTrip: tripOnFirstFailure, OnStateChange: record("cfg")})
		m.OnStateChange(record("extra"))

		err := m.Execute(context.Background(), "point", func(context.Context) error { return errors.New("down") })
		assert.Error(t, err)
		assert.Equal(t, StateOpen, m.State("point"))
		assert.Equal(t, map[string]State{"point": StateOpen}, m.States())

		mu.Lock()
		defer mu.Unlock()
		assert.Equal(t, []string{"cfg:point:open", "extra:point:open"}, seen)
	})
}
