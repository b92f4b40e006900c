package lock

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryRegistry is a process-local Registry backed by a mutex-guarded map.
type MemoryRegistry struct {
	mu    sync.Mutex
	locks map[string]Lock
	opts  options
}

var _ Registry = (*MemoryRegistry)(nil)

// NewMemoryRegistry creates an empty in-process registry.
func NewMemoryRegistry(opts ...Option) *MemoryRegistry {
	return &MemoryRegistry{
		locks: make(map[string]Lock),
		opts:  buildOptions(opts),
	}
}

func (r *MemoryRegistry) Acquire(ctx context.Context, key, operation string, timeout time.Duration) (*Lock, error) {
	if err := r.opts.admit(key, operation); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	r.mu.Lock()
	now := r.opts.now()
	if existing, ok := r.locks[key]; ok && !existing.Expired(now) {
		r.mu.Unlock()
		err := &AlreadyLockedError{
			Key:       key,
			Operation: existing.Operation,
			Remaining: existing.Remaining(now),
		}
		r.opts.observeAcquire(operation, err)
		return nil, err
	}

	l := Lock{
		Key:       key,
		LockID:    r.opts.newID(),
		Operation: operation,
		CreatedAt: now,
		ExpiresAt: now.Add(r.opts.timeout(timeout)),
	}
	r.locks[key] = l
	r.mu.Unlock()

	r.opts.observeAcquire(operation, nil)
	return &l, nil
}

func (r *MemoryRegistry) Release(_ context.Context, l *Lock) (bool, error) {
	if l == nil {
		return false, nil
	}

	r.mu.Lock()
	existing, ok := r.locks[l.Key]
	if !ok || existing.LockID != l.LockID {
		r.mu.Unlock()
		return false, nil
	}
	delete(r.locks, l.Key)
	r.mu.Unlock()

	r.opts.observeRelease(l)
	return true, nil
}

func (r *MemoryRegistry) IsLocked(_ context.Context, key string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	existing, ok := r.locks[key]
	if !ok {
		return false, nil
	}
	if existing.Expired(r.opts.now()) {
		delete(r.locks, key)
		return false, nil
	}
	return true, nil
}

func (r *MemoryRegistry) CleanupExpired(_ context.Context) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.opts.now()
	purged := 0
	for key, l := range r.locks {
		if l.Expired(now) {
			delete(r.locks, key)
			purged++
		}
	}
	return purged, nil
}

func (r *MemoryRegistry) ActiveLocks(_ context.Context) ([]Lock, error) {
	r.mu.Lock()
	now := r.opts.now()
	out := make([]Lock, 0, len(r.locks))
	for _, l := range r.locks {
		if !l.Expired(now) {
			out = append(out, l)
		}
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}
