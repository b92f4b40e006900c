package lock_test

import (
	"NexLedger/internal/lock"
	"NexLedger/internal/observability"
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJanitor_SweepPurgesAndReports(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	r := lock.NewMemoryRegistry(lock.WithClock(clock.Now), lock.WithMetrics(metrics))

	_, err := r.Acquire(ctx, "a", "op", time.Second)
	require.NoError(t, err)
	_, err = r.Acquire(ctx, "b", "op", time.Minute)
	require.NoError(t, err)

	clock.Advance(2 * time.Second)

	j := lock.NewJanitor(r, time.Second, zerolog.Nop(), metrics)
	j.Sweep(ctx)

	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.LocksExpired))
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.LocksActive))
	assert.Equal(t, float64(2), testutil.ToFloat64(metrics.LockAcquired.WithLabelValues("op")))
}

func TestJanitor_RunStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	j := lock.NewJanitor(lock.NewMemoryRegistry(), 5*time.Millisecond, zerolog.Nop(), nil)

	done := make(chan error, 1)
	go func() { done <- j.Run(ctx) }()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("janitor did not stop")
	}
}
