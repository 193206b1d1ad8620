// Package lock serializes regeneration work per tenant.
package lock

import (
	"context"
	"errors"
	"hash/fnv"
	"sync"
	"time"
)

// ErrLockTimeout is returned when the tenant stayed locked for the whole wait window.
var ErrLockTimeout = errors.New("tenant busy")

// Release gives the lock back. It is safe to call more than once.
type Release func()

type Locker interface {
	// Acquire blocks until the tenant's lock is held, the wait window passes, or ctx ends.
	Acquire(ctx context.Context, tenantID string) (Release, error)
}

const defaultWait = 30 * time.Second

func lockName(tenantID string) string {
	return "prompt-sync:tenant:" + tenantID
}

func advisoryKey(tenantID string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(lockName(tenantID)))
	return int64(h.Sum64())
}

func once(fn func()) Release {
	var o sync.Once
	return func() { o.Do(fn) }
}

// Local is an in-process Locker. It only serializes work inside one process.
type Local struct {
	wait time.Duration

	mu    sync.Mutex
	slots map[string]chan struct{}
}

func NewLocal(wait time.Duration) *Local {
	if wait <= 0 {
		wait = defaultWait
	}
	return &Local{wait: wait, slots: map[string]chan struct{}{}}
}

func (l *Local) slot(tenantID string) chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	ch, ok := l.slots[tenantID]
	if !ok {
		ch = make(chan struct{}, 1)
		l.slots[tenantID] = ch
	}
	return ch
}

func (l *Local) Acquire(ctx context.Context, tenantID string) (Release, error) {
	ch := l.slot(tenantID)
	timer := time.NewTimer(l.wait)
	defer timer.Stop()
	select {
	case ch <- struct{}{}:
		return once(func() { <-ch }), nil
	case <-timer.C:
		return nil, ErrLockTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
