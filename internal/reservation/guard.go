package reservation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"promotion-shop/internal/repository"
	"promotion-shop/pkg/lock"
)

// Guard serializes mutations of the resources named by keys.
type Guard interface {
	Run(ctx context.Context, keys []string, fn func(ctx context.Context) error) error
}

// LockGuard pessimistic guard: every key is locked before fn runs.
type LockGuard struct {
	locker lock.Locker
}

func NewLockGuard(locker lock.Locker) *LockGuard {
	return &LockGuard{locker: locker}
}

func (g *LockGuard) Run(ctx context.Context, keys []string, fn func(ctx context.Context) error) error {
	release, err := lock.AcquireAll(ctx, g.locker, keys)
	if err != nil {
		return fmt.Errorf("lock resources: %w", err)
	}
	defer func() {
		// unlock even when the request context is already done
		_ = release(context.WithoutCancel(ctx))
	}()
	return fn(ctx)
}

// VersionGuard optimistic guard: fn is retried while it reports a version conflict.
type VersionGuard struct {
	retries int
	backoff time.Duration
}

func NewVersionGuard(retries int, backoff time.Duration) *VersionGuard {
	if retries <= 0 {
		retries = 3
	}
	return &VersionGuard{retries: retries, backoff: backoff}
}

func (g *VersionGuard) Run(ctx context.Context, _ []string, fn func(ctx context.Context) error) error {
	var err error
	for attempt := 0; attempt <= g.retries; attempt++ {
		if attempt > 0 && g.backoff > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Duration(attempt) * g.backoff):
			}
		}
		err = fn(ctx)
		if !errors.Is(err, repository.ErrVersionConflict) {
			return err
		}
	}
	return fmt.Errorf("gave up after %d retries: %w", g.retries, err)
}
