package lock

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Lock a held lock
type Lock interface {
	Unlock(ctx context.Context) error
}

// Locker obtains exclusive locks scoped to one resource key.
type Locker interface {
	Obtain(ctx context.Context, key string) (Lock, error)
}

// AcquireAll locks every key in sorted order so two callers locking
// overlapping sets cannot deadlock. On failure the locks already taken are
// released. The returned func releases all of them.
func AcquireAll(ctx context.Context, locker Locker, keys []string) (func(ctx context.Context) error, error) {
	sorted := dedupSorted(keys)
	held := make([]Lock, 0, len(sorted))

	release := func(ctx context.Context) error {
		var firstErr error
		for i := len(held) - 1; i >= 0; i-- {
			if err := held[i].Unlock(ctx); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		held = held[:0]
		return firstErr
	}

	for _, key := range sorted {
		l, err := locker.Obtain(ctx, key)
		if err != nil {
			_ = release(ctx)
			return nil, fmt.Errorf("lock %s: %w", key, err)
		}
		held = append(held, l)
	}
	return release, nil
}

func dedupSorted(keys []string) []string {
	out := append([]string(nil), keys...)
	sort.Strings(out)
	n := 0
	for i, k := range out {
		if i == 0 || k != out[n-1] {
			out[n] = k
			n++
		}
	}
	return out[:n]
}

// LocalLocker process-local Locker for single instance deployments and tests.
type LocalLocker struct {
	mu    sync.Mutex
	slots map[string]chan struct{}
}

func NewLocalLocker() *LocalLocker {
	return &LocalLocker{slots: make(map[string]chan struct{})}
}

func (l *LocalLocker) slot(key string) chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()

	ch, ok := l.slots[key]
	if !ok {
		ch = make(chan struct{}, 1)
		l.slots[key] = ch
	}
	return ch
}

// Obtain waits for the key until ctx is done.
func (l *LocalLocker) Obtain(ctx context.Context, key string) (Lock, error) {
	ch := l.slot(key)
	select {
	case ch <- struct{}{}:
		return &localLock{ch: ch}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

type localLock struct {
	once sync.Once
	ch   chan struct{}
}

func (l *localLock) Unlock(context.Context) error {
	err := ErrLockNotHeld
	l.once.Do(func() {
		<-l.ch
		err = nil
	})
	return err
}
