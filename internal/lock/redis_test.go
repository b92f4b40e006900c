package lock_test

import (
	"NexLedger/internal/lock"
	"NexLedger/internal/testutil"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRedisRegistry(t *testing.T) (*lock.RedisRegistry, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return lock.NewRedisRegistry(client, "", zerolog.Nop()), mr
}

func TestRedisRegistry_AcquireConflictRelease(t *testing.T) {
	ctx := context.Background()
	r, _ := newRedisRegistry(t)

	l, err := r.Acquire(ctx, "acct:alice", "payout", 5*time.Second)
	require.NoError(t, err)

	_, err = r.Acquire(ctx, "acct:alice", "tip", 0)
	require.ErrorIs(t, err, lock.ErrAlreadyLocked)
	var locked *lock.AlreadyLockedError
	require.True(t, errors.As(err, &locked))
	assert.Equal(t, "payout", locked.Operation)
	assert.Greater(t, locked.Remaining, time.Duration(0))

	forged := *l
	forged.LockID = "intruder"
	released, err := r.Release(ctx, &forged)
	require.NoError(t, err)
	assert.False(t, released)

	released, err = r.Release(ctx, l)
	require.NoError(t, err)
	assert.True(t, released)

	isLocked, err := r.IsLocked(ctx, "acct:alice")
	require.NoError(t, err)
	assert.False(t, isLocked)
}

func TestRedisRegistry_LeaseExpires(t *testing.T) {
	ctx := context.Background()
	r, mr := newRedisRegistry(t)

	_, err := r.Acquire(ctx, "acct:bob", "deposit", time.Second)
	require.NoError(t, err)

	mr.FastForward(2 * time.Second)

	isLocked, err := r.IsLocked(ctx, "acct:bob")
	require.NoError(t, err)
	assert.False(t, isLocked)

	_, err = r.Acquire(ctx, "acct:bob", "deposit", time.Second)
	require.NoError(t, err)
}

func TestRedisRegistry_ActiveLocks(t *testing.T) {
	ctx := context.Background()
	r, _ := newRedisRegistry(t)

	_, err := r.Acquire(ctx, "pool:mega", "progressive_contribution", time.Minute)
	require.NoError(t, err)
	_, err = r.Acquire(ctx, "acct:alice", "tip with spaces", time.Minute)
	require.NoError(t, err)

	active, err := r.ActiveLocks(ctx)
	require.NoError(t, err)
	require.Len(t, active, 2)
	assert.Equal(t, "acct:alice", active[0].Key)
	assert.Equal(t, "tip with spaces", active[0].Operation)
	assert.Equal(t, "pool:mega", active[1].Key)

	purged, err := r.CleanupExpired(ctx)
	require.NoError(t, err)
	assert.Zero(t, purged)
}

func TestRedisRegistry_WithLock(t *testing.T) {
	ctx := context.Background()
	r, _ := newRedisRegistry(t)

	err := lock.WithLock(ctx, r, "acct:carol", "withdrawal", 0, func(ctx context.Context, l *lock.Lock) error {
		isLocked, err := r.IsLocked(ctx, "acct:carol")
		require.NoError(t, err)
		assert.True(t, isLocked)
		return nil
	})
	require.NoError(t, err)

	isLocked, err := r.IsLocked(ctx, "acct:carol")
	require.NoError(t, err)
	assert.False(t, isLocked)
}

func TestRedisRegistry_Integration(t *testing.T) {
	testutil.RequireIntegration(t)
	ctx := context.Background()
	client := redis.NewClient(&redis.Options{Addr: testutil.TestRedisAddr()})
	t.Cleanup(func() { client.Close() })
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("test redis not available: %v", err)
	}

	prefix := "nexledger-test:" + t.Name() + ":"
	a := lock.NewRedisRegistry(client, prefix, zerolog.Nop())
	b := lock.NewRedisRegistry(client, prefix, zerolog.Nop())

	l, err := a.Acquire(ctx, "acct:alice", "tip", 2*time.Second)
	require.NoError(t, err)
	_, err = b.Acquire(ctx, "acct:alice", "payout", 2*time.Second)
	assert.ErrorIs(t, err, lock.ErrAlreadyLocked)

	released, err := b.Release(ctx, l)
	require.NoError(t, err)
	assert.True(t, released)
	isLocked, err := a.IsLocked(ctx, "acct:alice")
	require.NoError(t, err)
	assert.False(t, isLocked)
}
