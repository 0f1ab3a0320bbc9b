// Package degrade keeps the set of participants currently treated as
// degraded. With a Redis client the set is shared by every instance;
// without one it is process-local.
package degrade

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"promotion-shop/pkg/breaker"
	"promotion-shop/pkg/log"
)

const keyPrefix = "degrade:participant:"

// Status why and since when a participant is degraded
type Status struct {
	Reason string    `json:"reason"`
	Since  time.Time `json:"since"`
}

// Registry degraded participant registry
type Registry struct {
	redis redis.UniversalClient
	ttl   time.Duration

	mu    sync.RWMutex
	local map[string]Status
}

// NewRegistry creates a registry. ttl bounds how long a mark survives an
// instance that crashed before clearing it; zero keeps marks until cleared.
func NewRegistry(client redis.UniversalClient, ttl time.Duration) *Registry {
	return &Registry{
		redis: client,
		ttl:   ttl,
		local: make(map[string]Status),
	}
}

// MarkDegraded flags a participant
func (r *Registry) MarkDegraded(ctx context.Context, name, reason string) error {
	st := Status{Reason: reason, Since: time.Now().UTC()}

	r.mu.Lock()
	r.local[name] = st
	r.mu.Unlock()

	if r.redis == nil {
		return nil
	}
	data, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("failed to marshal degrade status: %w", err)
	}
	if err := r.redis.Set(ctx, keyPrefix+name, data, r.ttl).Err(); err != nil {
		return fmt.Errorf("failed to set degrade status: %w", err)
	}
	return nil
}

// Clear removes the flag
func (r *Registry) Clear(ctx context.Context, name string) error {
	r.mu.Lock()
	delete(r.local, name)
	r.mu.Unlock()

	if r.redis == nil {
		return nil
	}
	if err := r.redis.Del(ctx, keyPrefix+name).Err(); err != nil {
		return fmt.Errorf("failed to clear degrade status: %w", err)
	}
	return nil
}

// IsDegraded reports the shared flag, falling back to the local view when
// Redis cannot be reached.
func (r *Registry) IsDegraded(ctx context.Context, name string) bool {
	if r.redis != nil {
		n, err := r.redis.Exists(ctx, keyPrefix+name).Result()
		if err == nil {
			return n > 0
		}
		log.WithError(err).Warn("degrade registry unavailable, using local view")
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.local[name]
	return ok
}

// List returns every degraded participant
func (r *Registry) List(ctx context.Context) (map[string]Status, error) {
	if r.redis == nil {
		r.mu.RLock()
		defer r.mu.RUnlock()
		out := make(map[string]Status, len(r.local))
		for k, v := range r.local {
			out[k] = v
		}
		return out, nil
	}

	out := make(map[string]Status)
	iter := r.redis.Scan(ctx, 0, keyPrefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		data, err := r.redis.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", key, err)
		}
		var st Status
		if err := json.Unmarshal(data, &st); err != nil {
			continue
		}
		out[strings.TrimPrefix(key, keyPrefix)] = st
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan degrade keys: %w", err)
	}
	return out, nil
}

// BreakerListener marks a participant degraded when its breaker opens and
// clears it once the breaker closes again. Writes happen off the breaker
// lock with their own timeout.
func (r *Registry) BreakerListener(timeout time.Duration) func(name string, from, to breaker.State) {
	return func(name string, from, to breaker.State) {
		var apply func(ctx context.Context) error
		switch to {
		case breaker.StateOpen:
			apply = func(ctx context.Context) error {
				return r.MarkDegraded(ctx, name, "circuit breaker open")
			}
		case breaker.StateClosed:
			apply = func(ctx context.Context) error { return r.Clear(ctx, name) }
		default:
			return
		}

		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			defer cancel()
			if err := apply(ctx); err != nil {
				log.WithError(err).WithField("participant", name).Warn("failed to update degrade registry")
			}
		}()
	}
}
