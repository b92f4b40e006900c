package core

import (
	"NexLedger/internal/observability"
	"context"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"
)

// IdempotencyChecker implements two-tier deduplication of correlation ids:
// an in-memory LRU in front of the durable store.
type IdempotencyChecker struct {
	recent *lru.Cache[string, struct{}]

	store   CorrelationChecker
	metrics *observability.Metrics
	logger  zerolog.Logger
}

// CorrelationChecker is the durable dedup lookup (ledger.Store satisfies it).
type CorrelationChecker interface {
	HasCorrelation(ctx context.Context, correlationID string) (bool, error)
}

func NewIdempotencyChecker(capacity int, store CorrelationChecker, metrics *observability.Metrics, logger zerolog.Logger) *IdempotencyChecker {
	if capacity <= 0 {
		capacity = 1
	}
	// lru.New only fails on a non-positive size.
	recent, _ := lru.New[string, struct{}](capacity)
	return &IdempotencyChecker{
		recent:  recent,
		store:   store,
		metrics: metrics,
		logger:  logger,
	}
}

// IsDuplicate checks whether correlationID has been committed.
// A store error is treated as "not seen": the store's unique constraint
// still rejects a real duplicate at commit time.
func (ic *IdempotencyChecker) IsDuplicate(ctx context.Context, kind, correlationID string) bool {
	if _, hit := ic.recent.Get(correlationID); hit {
		ic.recordDuplicate(kind, "lru")
		return true
	}

	if ic.store == nil {
		return false
	}
	seen, err := ic.store.HasCorrelation(ctx, correlationID)
	if err != nil {
		ic.logger.Warn().Err(err).Str("correlation_id", correlationID).Msg("dedup store lookup failed")
		return false
	}
	if seen {
		ic.recordDuplicate(kind, "store")
		ic.MarkProcessed(correlationID)
		return true
	}
	return false
}

// MarkProcessed adds a committed correlation id to the LRU.
func (ic *IdempotencyChecker) MarkProcessed(correlationID string) {
	evicted := ic.recent.Add(correlationID, struct{}{})
	if ic.metrics != nil {
		ic.metrics.DedupLRUSize.Set(float64(ic.recent.Len()))
		if evicted {
			ic.metrics.DedupLRUEvictions.Inc()
		}
	}
}

// Warm loads recently committed correlation ids.
func (ic *IdempotencyChecker) Warm(ids []string) {
	for _, id := range ids {
		ic.recent.Add(id, struct{}{})
	}
	if ic.metrics != nil {
		ic.metrics.DedupLRUSize.Set(float64(ic.recent.Len()))
	}
}

func (ic *IdempotencyChecker) recordDuplicate(kind, tier string) {
	if ic.metrics != nil {
		ic.metrics.IdempotencyDuplicates.WithLabelValues(kind, tier).Inc()
	}
}
