// Package lock serialises read-modify-write sequences on shared records
// (per-product stock, per-store drawer) when the record store cannot do it
// atomically.
package lock

import (
	"context"
	"sync"
	"time"
)

// Locker acquires a named exclusive lease. The returned release must be
// called exactly once.
type Locker interface {
	Acquire(ctx context.Context, key string) (release func(), err error)
}

// LocalLocker is an in-process Locker for single-terminal deployments.
type LocalLocker struct {
	mu    sync.Mutex
	slots map[string]chan struct{}
}

func NewLocalLocker() *LocalLocker {
	return &LocalLocker{slots: map[string]chan struct{}{}}
}

func (l *LocalLocker) Acquire(ctx context.Context, key string) (func(), error) {
	l.mu.Lock()
	slot, ok := l.slots[key]
	if !ok {
		slot = make(chan struct{}, 1)
		l.slots[key] = slot
	}
	l.mu.Unlock()

	select {
	case slot <- struct{}{}:
		var once sync.Once
		return func() { once.Do(func() { <-slot }) }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// AcquireAll takes every key in order and releases them in reverse. Callers
// pass keys sorted so two multi-key holders cannot deadlock.
func AcquireAll(ctx context.Context, l Locker, keys []string) (func(), error) {
	releases := make([]func(), 0, len(keys))
	releaseAll := func() {
		for i := len(releases) - 1; i >= 0; i-- {
			releases[i]()
		}
	}
	for _, key := range keys {
		release, err := l.Acquire(ctx, key)
		if err != nil {
			releaseAll()
			return nil, err
		}
		releases = append(releases, release)
	}
	return releaseAll, nil
}

func backoff(attempt int) time.Duration {
	return 10 * time.Millisecond << min(attempt, 4)
}
