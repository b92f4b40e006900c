// Package lock provides exclusive, expiring, per-key locks that fail fast.
//
// Keys are opaque strings. Ledger accounts use AccountKey and progressive
// pools use PoolKey so the two namespaces never collide.
package lock

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"
)

// DefaultTimeout is the lease length used when Acquire gets a non-positive timeout.
const DefaultTimeout = 5 * time.Second

var (
	ErrAlreadyLocked = errors.New("lock: already locked")
	ErrEmptyKey      = errors.New("lock: empty key")
)

// AlreadyLockedError reports a live lock held by another operation.
type AlreadyLockedError struct {
	Key       string
	Operation string
	Remaining time.Duration
}

func (e *AlreadyLockedError) Error() string {
	return fmt.Sprintf("lock: %s already locked by %q (%s remaining)", e.Key, e.Operation, e.Remaining.Round(time.Millisecond))
}

func (e *AlreadyLockedError) Is(target error) bool {
	return target == ErrAlreadyLocked
}

// Lock is a single acquisition. LockID is unique per acquisition and is the
// only credential accepted by Release.
type Lock struct {
	Key       string    `json:"key"`
	LockID    string    `json:"lock_id"`
	Operation string    `json:"operation"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Remaining returns the time left before the lock expires at now.
func (l Lock) Remaining(now time.Time) time.Duration {
	if d := l.ExpiresAt.Sub(now); d > 0 {
		return d
	}
	return 0
}

// Expired reports whether the lock is no longer live at now.
func (l Lock) Expired(now time.Time) bool {
	return !now.Before(l.ExpiresAt)
}

// Registry is the AccountLockRegistry contract.
type Registry interface {
	// Acquire fails fast with *AlreadyLockedError when a live lock exists.
	Acquire(ctx context.Context, key, operation string, timeout time.Duration) (*Lock, error)
	// Release removes the lock only if the stored lock id matches.
	Release(ctx context.Context, l *Lock) (bool, error)
	// IsLocked reports whether a live lock exists, purging an expired one.
	IsLocked(ctx context.Context, key string) (bool, error)
	// CleanupExpired purges every expired entry and returns how many.
	CleanupExpired(ctx context.Context) (int, error)
	// ActiveLocks returns the live locks sorted by key.
	ActiveLocks(ctx context.Context) ([]Lock, error)
}

// Admitter is consulted before every acquisition. The emergency gate
// implements it to refuse new work during a lockdown.
type Admitter interface {
	AdmitLock(key, operation string) error
}

// AccountKey is the lock key for a ledger account.
func AccountKey(accountID string) string { return "acct:" + accountID }

// PoolKey is the lock key for a progressive pool.
func PoolKey(poolID string) string { return "pool:" + poolID }

// WithLock acquires key, runs fn and releases the lock on every exit path,
// including a panic inside fn. fn may block on I/O.
func WithLock(ctx context.Context, r Registry, key, operation string, timeout time.Duration, fn func(ctx context.Context, l *Lock) error) error {
	l, err := r.Acquire(ctx, key, operation, timeout)
	if err != nil {
		return err
	}
	defer releaseQuietly(ctx, r, l)

	return fn(ctx, l)
}

// WithLocks acquires every key in lexicographic order, runs fn and releases
// in reverse order. Duplicate keys are collapsed. If any acquisition fails
// the locks already taken are released before the error is returned.
func WithLocks(ctx context.Context, r Registry, keys []string, operation string, timeout time.Duration, fn func(ctx context.Context, locks []*Lock) error) error {
	ordered := SortedKeys(keys)
	held := make([]*Lock, 0, len(ordered))

	defer func() {
		for i := len(held) - 1; i >= 0; i-- {
			releaseQuietly(ctx, r, held[i])
		}
	}()

	for _, key := range ordered {
		l, err := r.Acquire(ctx, key, operation, timeout)
		if err != nil {
			return err
		}
		held = append(held, l)
	}

	return fn(ctx, held)
}

// SortedKeys returns the distinct keys in lexicographic order.
func SortedKeys(keys []string) []string {
	seen := make(map[string]struct{}, len(keys))
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Release errors are not surfaced: the work under the lock has already
// finished and the lease expires on its own.
func releaseQuietly(ctx context.Context, r Registry, l *Lock) {
	_, _ = r.Release(context.WithoutCancel(ctx), l)
}
