package breaker

import (
	"context"
	"sort"
	"sync"
)

// Manager manages one circuit breaker per participant name
type Manager struct {
	breakers sync.Map
	config   Config

	mu        sync.RWMutex
	listeners []func(name string, from, to State)
}

// NewManager creates a new circuit breaker manager. Any OnStateChange in
// config is registered as the first listener.
func NewManager(config Config) *Manager {
	m := &Manager{}
	if config.OnStateChange != nil {
		m.listeners = append(m.listeners, config.OnStateChange)
	}
	config.OnStateChange = m.notify
	m.config = config
	return m
}

// OnStateChange registers a listener for state changes of every breaker.
func (m *Manager) OnStateChange(fn func(name string, from, to State)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, fn)
}

func (m *Manager) notify(name string, from, to State) {
	m.mu.RLock()
	listeners := m.listeners
	m.mu.RUnlock()

	for _, fn := range listeners {
		fn(name, from, to)
	}
}

// GetBreaker gets or creates a circuit breaker
func (m *Manager) GetBreaker(name string) *CircuitBreaker {
	if cb, ok := m.breakers.Load(name); ok {
		return cb.(*CircuitBreaker)
	}

	cb := NewCircuitBreaker(name, m.config)
	actual, loaded := m.breakers.LoadOrStore(name, cb)
	if loaded {
		return actual.(*CircuitBreaker)
	}
	return cb
}

// Execute executes fn with the named circuit breaker
func (m *Manager) Execute(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	return m.GetBreaker(name).Execute(ctx, fn)
}

// State returns the state of the named circuit breaker
func (m *Manager) State(name string) State {
	return m.GetBreaker(name).State()
}

// States snapshot of every breaker created so far, keyed by name.
func (m *Manager) States() map[string]State {
	out := make(map[string]State)
	m.breakers.Range(func(key, value any) bool {
		out[key.(string)] = value.(*CircuitBreaker).State()
		return true
	})
	return out
}

// Names returns the breaker names in sorted order.
func (m *Manager) Names() []string {
	var names []string
	m.breakers.Range(func(key, _ any) bool {
		names = append(names, key.(string))
		return true
	})
	sort.Strings(names)
	return names
}
