// Package lock provides the per-target mutual exclusion that keeps refresh,
// masking, and retention from running against the same target at once.
//
// Locks are try-locks: a held key fails fast with ErrLocked instead of queueing,
// so a scheduled cycle that collides with a manual one is skipped rather than
// stacked.
package lock

import (
	"context"
	"errors"
	"sync"
)

// ErrLocked is returned when the key is already held.
var ErrLocked = errors.New("target is locked by another run")

// Unlock releases a held lock. Calling it more than once is a no-op.
type Unlock func()

// Locker acquires named try-locks.
type Locker interface {
	TryLock(ctx context.Context, key string) (Unlock, error)
}

// Local is an in-process Locker.
//
// Thread-safety: Local is safe for concurrent use.
type Local struct {
	mu   sync.Mutex
	held map[string]struct{}
}

// NewLocal creates an empty in-process locker.
func NewLocal() *Local {
	return &Local{held: make(map[string]struct{})}
}

// TryLock acquires key or returns ErrLocked.
func (l *Local) TryLock(ctx context.Context, key string) (Unlock, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.held[key]; ok {
		return nil, ErrLocked
	}
	l.held[key] = struct{}{}

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			defer l.mu.Unlock()
			delete(l.held, key)
		})
	}, nil
}

// Held reports whether key is currently locked.
func (l *Local) Held(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.held[key]
	return ok
}

var _ Locker = (*Local)(nil)
