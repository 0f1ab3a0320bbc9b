package idempotency

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"promotion-shop/internal/config"
)

func enabled() config.IdempotencyConfig {
	return config.IdempotencyConfig{Enabled: true, TTL: time.Hour, LocalTTL: time.Minute, KeyPrefix: "idem:"}
}

func setup(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return mr, client
}

func TestRegistry_SeenAfterMark(t *testing.T) {
	ctx := context.Background()
	mr, client := setup(t)

	r, err := NewRegistry(client, enabled())
	require.NoError(t, err)
	defer r.Close()

	seen, err := r.Seen(ctx, "stock", "evt-1")
	require.NoError(t, err)
	assert.False(t, seen)

	require.NoError(t, r.Mark(ctx, "stock", "evt-1"))

	seen, err = r.Seen(ctx, "stock", "evt-1")
	require.NoError(t, err)
	assert.True(t, seen)

	seen, err = r.Seen(ctx, "coupon", "evt-1")
	require.NoError(t, err)
	assert.False(t, seen, "consumers are tracked separately")

	assert.True(t, mr.Exists("idem:stock:evt-1"))
	assert.Equal(t, time.Hour, mr.TTL("idem:stock:evt-1"))
}

func TestRegistry_SharedAcrossInstances(t *testing.T) {
	ctx := context.Background()
	_, client := setup(t)

	a, err := NewRegistry(client, enabled())
	require.NoError(t, err)
	defer a.Close()
	b, err := NewRegistry(client, enabled())
	require.NoError(t, err)
	defer b.Close()

	require.NoError(t, a.Mark(ctx, "saga", "evt-9"))

	seen, err := b.Seen(ctx, "saga", "evt-9")
	require.NoError(t, err)
	assert.True(t, seen, "second instance sees the Redis record")
}

func TestRegistry_ExpiredInRedis(t *testing.T) {
	ctx := context.Background()
	mr, client := setup(t)

	cfg := enabled()
	writer, err := NewRegistry(client, cfg)
	require.NoError(t, err)
	defer writer.Close()
	require.NoError(t, writer.Mark(ctx, "point", "evt-2"))

	mr.FastForward(2 * time.Hour)

	reader, err := NewRegistry(client, cfg)
	require.NoError(t, err)
	defer reader.Close()
	seen, err := reader.Seen(ctx, "point", "evt-2")
	require.NoError(t, err)
	assert.False(t, seen)
}

func TestRegistry_LocalOnly(t *testing.T) {
	ctx := context.Background()
	r, err := NewRegistry(nil, enabled())
	require.NoError(t, err)
	defer r.Close()

	require.NoError(t, r.Mark(ctx, "stock", "evt-3"))
	seen, err := r.Seen(ctx, "stock", "evt-3")
	require.NoError(t, err)
	assert.True(t, seen)
}

func TestRegistry_RedisDown(t *testing.T) {
	ctx := context.Background()
	mr, client := setup(t)

	r, err := NewRegistry(client, enabled())
	require.NoError(t, err)
	defer r.Close()
	mr.Close()

	seen, err := r.Seen(ctx, "stock", "evt-4")
	assert.Error(t, err)
	assert.False(t, seen)
}

func TestRegistry_Disabled(t *testing.T) {
	ctx := context.Background()
	_, client := setup(t)

	r, err := NewRegistry(client, config.IdempotencyConfig{Enabled: false})
	require.NoError(t, err)

	require.NoError(t, r.Mark(ctx, "stock", "evt-5"))
	seen, err := r.Seen(ctx, "stock", "evt-5")
	require.NoError(t, err)
	assert.False(t, seen)
	assert.NoError(t, r.Close())
}
