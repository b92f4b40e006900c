package lock

import (
	"NexLedger/internal/observability"
	"context"
	"time"

	"github.com/rs/zerolog"
)

// Janitor periodically purges expired locks and reports the live count.
type Janitor struct {
	registry Registry
	interval time.Duration
	logger   zerolog.Logger
	metrics  *observability.Metrics
}

// NewJanitor creates a janitor. metrics may be nil.
func NewJanitor(registry Registry, interval time.Duration, logger zerolog.Logger, metrics *observability.Metrics) *Janitor {
	if interval <= 0 {
		interval = time.Second
	}
	return &Janitor{
		registry: registry,
		interval: interval,
		logger:   logger,
		metrics:  metrics,
	}
}

// Run blocks until ctx is cancelled.
func (j *Janitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	j.logger.Info().Dur("interval", j.interval).Msg("lock janitor started")

	for {
		select {
		case <-ctx.Done():
			j.logger.Info().Msg("lock janitor stopped")
			return nil
		case <-ticker.C:
			j.Sweep(ctx)
		}
	}
}

// Sweep runs one cleanup pass.
func (j *Janitor) Sweep(ctx context.Context) {
	purged, err := j.registry.CleanupExpired(ctx)
	if err != nil {
		j.logger.Warn().Err(err).Msg("lock cleanup failed")
		return
	}
	if purged > 0 {
		j.logger.Debug().Int("purged", purged).Msg("expired locks purged")
	}

	if j.metrics == nil {
		return
	}
	j.metrics.LocksExpired.Add(float64(purged))
	if active, err := j.registry.ActiveLocks(ctx); err == nil {
		j.metrics.LocksActive.Set(float64(len(active)))
	}
}
