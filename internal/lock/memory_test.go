package lock_test

import (
	"NexLedger/internal/lock"
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type denyAll struct{ err error }

func (d denyAll) AdmitLock(string, string) error { return d.err }

func TestMemoryRegistry_AcquireRelease(t *testing.T) {
	ctx := context.Background()
	r := lock.NewMemoryRegistry()

	l, err := r.Acquire(ctx, "alice", "tip", 0)
	require.NoError(t, err)
	assert.Equal(t, "alice", l.Key)
	assert.Equal(t, "tip", l.Operation)
	assert.NotEmpty(t, l.LockID)
	assert.Equal(t, lock.DefaultTimeout, l.ExpiresAt.Sub(l.CreatedAt))

	locked, err := r.IsLocked(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, locked)

	released, err := r.Release(ctx, l)
	require.NoError(t, err)
	assert.True(t, released)

	locked, err = r.IsLocked(ctx, "alice")
	require.NoError(t, err)
	assert.False(t, locked)
}

func TestMemoryRegistry_FailFastReportsHolder(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	r := lock.NewMemoryRegistry(lock.WithClock(clock.Now))

	_, err := r.Acquire(ctx, "alice", "withdrawal", 5*time.Second)
	require.NoError(t, err)

	clock.Advance(2 * time.Second)
	_, err = r.Acquire(ctx, "alice", "tip", 0)
	require.ErrorIs(t, err, lock.ErrAlreadyLocked)

	var locked *lock.AlreadyLockedError
	require.True(t, errors.As(err, &locked))
	assert.Equal(t, "withdrawal", locked.Operation)
	assert.Equal(t, 3*time.Second, locked.Remaining)
}

func TestMemoryRegistry_ReleaseRequiresMatchingID(t *testing.T) {
	ctx := context.Background()
	r := lock.NewMemoryRegistry()

	l, err := r.Acquire(ctx, "alice", "deposit", 0)
	require.NoError(t, err)

	forged := *l
	forged.LockID = "not-the-holder"
	released, err := r.Release(ctx, &forged)
	require.NoError(t, err)
	assert.False(t, released)

	locked, _ := r.IsLocked(ctx, "alice")
	assert.True(t, locked)

	released, err = r.Release(ctx, nil)
	require.NoError(t, err)
	assert.False(t, released)
}

func TestMemoryRegistry_Expiry(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	r := lock.NewMemoryRegistry(lock.WithClock(clock.Now))

	first, err := r.Acquire(ctx, "alice", "deposit", time.Second)
	require.NoError(t, err)

	clock.Advance(time.Second + time.Millisecond)

	locked, err := r.IsLocked(ctx, "alice")
	require.NoError(t, err)
	assert.False(t, locked, "expired lock must not be reported live")

	second, err := r.Acquire(ctx, "alice", "tip", time.Second)
	require.NoError(t, err)
	assert.NotEqual(t, first.LockID, second.LockID)

	// The stale holder can no longer release the new acquisition.
	released, err := r.Release(ctx, first)
	require.NoError(t, err)
	assert.False(t, released)
}

func TestMemoryRegistry_CleanupExpired(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	r := lock.NewMemoryRegistry(lock.WithClock(clock.Now))

	_, err := r.Acquire(ctx, "a", "op", time.Second)
	require.NoError(t, err)
	_, err = r.Acquire(ctx, "b", "op", time.Second)
	require.NoError(t, err)
	_, err = r.Acquire(ctx, "c", "op", 10*time.Second)
	require.NoError(t, err)

	clock.Advance(2 * time.Second)

	purged, err := r.CleanupExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, purged)

	active, err := r.ActiveLocks(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "c", active[0].Key)
}

func TestMemoryRegistry_Admitter(t *testing.T) {
	sentinel := errors.New("halted")
	r := lock.NewMemoryRegistry(lock.WithAdmitter(denyAll{err: sentinel}))

	_, err := r.Acquire(context.Background(), "alice", "tip", 0)
	assert.ErrorIs(t, err, sentinel)

	_, err = lock.NewMemoryRegistry().Acquire(context.Background(), "", "tip", 0)
	assert.ErrorIs(t, err, lock.ErrEmptyKey)
}

func TestMemoryRegistry_MutualExclusion(t *testing.T) {
	ctx := context.Background()
	r := lock.NewMemoryRegistry()

	const workers = 64
	var (
		wg      sync.WaitGroup
		winners atomic.Int32
		start   = make(chan struct{})
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			if _, err := r.Acquire(ctx, "alice", "race", time.Minute); err == nil {
				winners.Add(1)
			} else {
				assert.ErrorIs(t, err, lock.ErrAlreadyLocked)
			}
		}()
	}
	close(start)
	wg.Wait()

	assert.Equal(t, int32(1), winners.Load())
}

func TestWithLock_ContentionSerializes(t *testing.T) {
	ctx := context.Background()
	r := lock.NewMemoryRegistry()

	var (
		wg        sync.WaitGroup
		inside    atomic.Int32
		overlap   atomic.Bool
		succeeded atomic.Int32
	)
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				err := lock.WithLock(ctx, r, "alice", "spin", time.Minute, func(context.Context, *lock.Lock) error {
					if inside.Add(1) > 1 {
						overlap.Store(true)
					}
					time.Sleep(100 * time.Microsecond)
					inside.Add(-1)
					return nil
				})
				if errors.Is(err, lock.ErrAlreadyLocked) {
					time.Sleep(50 * time.Microsecond)
					continue
				}
				assert.NoError(t, err)
				succeeded.Add(1)
				return
			}
		}()
	}
	wg.Wait()

	assert.False(t, overlap.Load(), "two holders ran concurrently")
	assert.Equal(t, int32(32), succeeded.Load())

	active, _ := r.ActiveLocks(ctx)
	assert.Empty(t, active)
}

func TestWithLock_ReleasesOnErrorAndPanic(t *testing.T) {
	ctx := context.Background()
	r := lock.NewMemoryRegistry()
	boom := errors.New("boom")

	err := lock.WithLock(ctx, r, "alice", "op", 0, func(context.Context, *lock.Lock) error { return boom })
	assert.ErrorIs(t, err, boom)
	locked, _ := r.IsLocked(ctx, "alice")
	assert.False(t, locked)

	assert.Panics(t, func() {
		_ = lock.WithLock(ctx, r, "alice", "op", 0, func(context.Context, *lock.Lock) error { panic("kaboom") })
	})
	locked, _ = r.IsLocked(ctx, "alice")
	assert.False(t, locked)
}

func TestWithLocks_OrderAndRollback(t *testing.T) {
	ctx := context.Background()
	r := lock.NewMemoryRegistry()

	var order []string
	err := lock.WithLocks(ctx, r, []string{"zed", "amy", "zed"}, "tip", 0, func(_ context.Context, held []*lock.Lock) error {
		for _, l := range held {
			order = append(order, l.Key)
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"amy", "zed"}, order)

	// "zed" is held elsewhere: "amy" must be rolled back.
	blocker, err := r.Acquire(ctx, "zed", "withdrawal", 0)
	require.NoError(t, err)

	called := false
	err = lock.WithLocks(ctx, r, []string{"zed", "amy"}, "tip", 0, func(context.Context, []*lock.Lock) error {
		called = true
		return nil
	})
	assert.ErrorIs(t, err, lock.ErrAlreadyLocked)
	assert.False(t, called)

	locked, _ := r.IsLocked(ctx, "amy")
	assert.False(t, locked)

	_, _ = r.Release(ctx, blocker)
}

func TestKeys(t *testing.T) {
	assert.Equal(t, "acct:alice", lock.AccountKey("alice"))
	assert.Equal(t, "pool:mega", lock.PoolKey("mega"))
	assert.Equal(t, []string{"a", "b"}, lock.SortedKeys([]string{"b", "a", "b"}))
}
