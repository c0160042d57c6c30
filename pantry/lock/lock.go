// pantry/lock/lock.go
// Package lock provides the advisory lock that keeps two manager runs from
// working on the same configuration tree at once.
package lock

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/dalemusser/sslmgr/pantry/crypto"
)

// Common lock errors.
var (
	ErrLockNotAcquired = errors.New("lock: lock not acquired")
	ErrLockNotHeld     = errors.New("lock: lock not held")
)

// Locker is the interface for advisory locking.
type Locker interface {
	// Acquire attempts to acquire a lock with the given key without waiting.
	// Returns true if the lock was acquired, false if someone else holds it.
	Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error)

	// Release releases a lock with the given key.
	// Returns true if the lock was released, false if it wasn't held.
	Release(ctx context.Context, key string) (bool, error)

	// IsHeld returns true if we currently hold the lock.
	IsHeld(ctx context.Context, key string) (bool, error)
}

// Name derives the lock key for a configuration directory: the first 32
// hex characters of its SHA3-224 hash.
func Name(confDir string) string {
	return crypto.SHA3_224String(confDir)[:32]
}

// DefaultDir is the per-user directory holding lock files.
func DefaultDir() string {
	return filepath.Join(os.TempDir(), fmt.Sprintf("sslm-mgr-lck.%d", os.Geteuid()))
}

// Lock is a helper that holds a lock and provides methods to work with it.
type Lock struct {
	locker Locker
	key    string
	ttl    time.Duration
	held   bool
	mu     sync.Mutex
}

// New creates a new lock helper.
func New(locker Locker, key string, ttl time.Duration) *Lock {
	return &Lock{
		locker: locker,
		key:    key,
		ttl:    ttl,
	}
}

// Key returns the lock key.
func (l *Lock) Key() string { return l.key }

// Acquire attempts to acquire the lock.
func (l *Lock) Acquire(ctx context.Context) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	ok, err := l.locker.Acquire(ctx, l.key, l.ttl)
	if err != nil {
		return false, err
	}

	l.held = ok
	return ok, nil
}

// AcquireWait polls for the lock every retryInterval until it is acquired
// or timeout elapses, in which case ErrLockNotAcquired is returned.
func (l *Lock) AcquireWait(ctx context.Context, timeout, retryInterval time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	for {
		ok, err := l.Acquire(ctx)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %s after %v", ErrLockNotAcquired, l.key, timeout)
		case <-time.After(retryInterval):
		}
	}
}

// Release releases the lock. Releasing a lock that is not held is a no-op.
func (l *Lock) Release(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.held {
		return nil
	}

	_, err := l.locker.Release(ctx, l.key)
	l.held = false
	return err
}

// IsHeld returns true if the lock is held.
func (l *Lock) IsHeld() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.held
}

// WithLockWait executes fn while holding the lock, waiting up to timeout to
// acquire it. The lock is released however fn returns; a release error is
// returned only when fn succeeded.
func WithLockWait(ctx context.Context, locker Locker, key string, ttl, timeout, retryInterval time.Duration, fn func(ctx context.Context) error) (err error) {
	lk := New(locker, key, ttl)

	if err := lk.AcquireWait(ctx, timeout, retryInterval); err != nil {
		return err
	}
	defer func() {
		if rerr := lk.Release(context.WithoutCancel(ctx)); rerr != nil && err == nil {
			err = fmt.Errorf("lock: release %s: %w", key, rerr)
		}
	}()

	return fn(ctx)
}
