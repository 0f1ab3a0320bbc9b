// Package idempotency remembers which bus events a consumer already handled.
package idempotency

import (
	"context"
	"fmt"
	"time"

	"github.com/allegro/bigcache/v3"
	"github.com/redis/go-redis/v9"

	"promotion-shop/internal/config"
)

// Registry two-level processed-event set: a local bigcache in front of a
// Redis key shared by all instances. Both levels are optional.
type Registry struct {
	local  *bigcache.BigCache
	redis  redis.UniversalClient
	prefix string
	ttl    time.Duration
}

// NewRegistry creates a registry. A nil client keeps the registry local to
// this process; a disabled config makes Seen always report false.
func NewRegistry(client redis.UniversalClient, cfg config.IdempotencyConfig) (*Registry, error) {
	r := &Registry{
		redis:  client,
		prefix: cfg.KeyPrefix,
		ttl:    cfg.TTL,
	}
	if !cfg.Enabled {
		r.redis = nil
		return r, nil
	}
	if r.prefix == "" {
		r.prefix = "idem:"
	}
	if r.ttl <= 0 {
		r.ttl = 24 * time.Hour
	}

	localTTL := cfg.LocalTTL
	if localTTL <= 0 {
		localTTL = 10 * time.Minute
	}
	lc := bigcache.DefaultConfig(localTTL)
	lc.CleanWindow = time.Minute
	lc.HardMaxCacheSize = 64
	lc.Verbose = false
	local, err := bigcache.New(context.Background(), lc)
	if err != nil {
		return nil, fmt.Errorf("failed to create local cache: %w", err)
	}
	r.local = local
	return r, nil
}

func (r *Registry) key(consumer, eventID string) string {
	return r.prefix + consumer + ":" + eventID
}

// Seen reports whether consumer already handled eventID. A Redis failure is
// returned with false so the caller can fall back on idempotent handling.
func (r *Registry) Seen(ctx context.Context, consumer, eventID string) (bool, error) {
	if r.local == nil {
		return false, nil
	}
	key := r.key(consumer, eventID)
	if _, err := r.local.Get(key); err == nil {
		return true, nil
	}
	if r.redis == nil {
		return false, nil
	}

	n, err := r.redis.Exists(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("check processed event: %w", err)
	}
	if n == 0 {
		return false, nil
	}
	_ = r.local.Set(key, []byte{1})
	return true, nil
}

// Mark records eventID as handled by consumer
func (r *Registry) Mark(ctx context.Context, consumer, eventID string) error {
	if r.local == nil {
		return nil
	}
	key := r.key(consumer, eventID)
	if err := r.local.Set(key, []byte{1}); err != nil {
		return fmt.Errorf("mark processed event locally: %w", err)
	}
	if r.redis == nil {
		return nil
	}
	if err := r.redis.SetNX(ctx, key, time.Now().UTC().Format(time.RFC3339), r.ttl).Err(); err != nil {
		return fmt.Errorf("mark processed event: %w", err)
	}
	return nil
}

// Close releases the local cache
func (r *Registry) Close() error {
	if r.local == nil {
		return nil
	}
	return r.local.Close()
}
