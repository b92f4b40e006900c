package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for NexLedger.
type Metrics struct {
	// --- Processor ---
	OpsApplied     *prometheus.CounterVec
	OpsRejected    *prometheus.CounterVec
	OpDuration     *prometheus.HistogramVec
	InternalFaults *prometheus.CounterVec
	AmountMoved    *prometheus.CounterVec

	// --- Locks ---
	LockAcquired  *prometheus.CounterVec
	LockConflicts *prometheus.CounterVec
	LockHeld      *prometheus.HistogramVec
	LocksActive   prometheus.Gauge
	LocksExpired  prometheus.Counter

	// --- Lockdown ---
	LockdownLevel       prometheus.Gauge
	LockdownTransitions *prometheus.CounterVec

	// --- Progressive pools ---
	PoolValue         *prometheus.GaugeVec
	PoolContributions *prometheus.CounterVec
	PoolAwards        *prometheus.CounterVec

	// --- Idempotency ---
	IdempotencyDuplicates *prometheus.CounterVec
	DedupLRUSize          prometheus.Gauge
	DedupLRUEvictions     prometheus.Counter

	// --- Store ---
	StoreCommitDuration prometheus.Histogram
	StoreErrors         *prometheus.CounterVec

	// --- Messaging ---
	IntakeMessages  *prometheus.CounterVec
	PublishedEvents *prometheus.CounterVec
	PublishDrops    prometheus.Counter

	// --- Query API ---
	QueryRequests *prometheus.CounterVec
	QueryDuration *prometheus.HistogramVec
}

// NewMetrics creates all metrics and registers them with reg.
// A nil reg registers with the process-wide default registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)

	latencyBuckets := []float64{
		0.0001, 0.00025, 0.0005, 0.001, 0.0025, 0.005,
		0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0,
	}

	return &Metrics{
		OpsApplied: f.NewCounterVec(prometheus.CounterOpts{
			Name: "nex_ops_applied_total",
			Help: "Ledger operations committed",
		}, []string{"kind"}),

		OpsRejected: f.NewCounterVec(prometheus.CounterOpts{
			Name: "nex_ops_rejected_total",
			Help: "Ledger operations rejected before commit",
		}, []string{"kind", "reason"}),

		OpDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "nex_op_duration_seconds",
			Help:    "End-to-end operation latency including lock wait and store commit",
			Buckets: latencyBuckets,
		}, []string{"kind"}),

		InternalFaults: f.NewCounterVec(prometheus.CounterOpts{
			Name: "nex_internal_faults_total",
			Help: "Store or invariant failures after lock acquisition (priority incidents)",
		}, []string{"kind"}),

		AmountMoved: f.NewCounterVec(prometheus.CounterOpts{
			Name: "nex_amount_moved_minor_total",
			Help: "Minor units moved by committed operations",
		}, []string{"kind"}),

		LockAcquired: f.NewCounterVec(prometheus.CounterOpts{
			Name: "nex_lock_acquired_total",
			Help: "Successful lock acquisitions",
		}, []string{"operation"}),

		LockConflicts: f.NewCounterVec(prometheus.CounterOpts{
			Name: "nex_lock_conflicts_total",
			Help: "Acquisitions refused because the key was already locked",
		}, []string{"operation"}),

		LockHeld: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "nex_lock_held_seconds",
			Help:    "Time between acquisition and release",
			Buckets: latencyBuckets,
		}, []string{"operation"}),

		LocksActive: f.NewGauge(prometheus.GaugeOpts{
			Name: "nex_locks_active",
			Help: "Live locks observed by the janitor",
		}),

		LocksExpired: f.NewCounter(prometheus.CounterOpts{
			Name: "nex_locks_expired_total",
			Help: "Expired locks purged",
		}),

		LockdownLevel: f.NewGauge(prometheus.GaugeOpts{
			Name: "nex_lockdown_level",
			Help: "Current lockdown level (0=inactive 1=partial 2=full 3=critical)",
		}),

		LockdownTransitions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "nex_lockdown_transitions_total",
			Help: "Lockdown activations and lifts",
		}, []string{"level"}),

		PoolValue: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "nex_pool_value_minor",
			Help: "Current progressive pool value in minor units",
		}, []string{"pool_id"}),

		PoolContributions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "nex_pool_contributions_total",
			Help: "Contributions applied to progressive pools",
		}, []string{"pool_id"}),

		PoolAwards: f.NewCounterVec(prometheus.CounterOpts{
			Name: "nex_pool_awards_total",
			Help: "Progressive pool awards paid",
		}, []string{"pool_id"}),

		IdempotencyDuplicates: f.NewCounterVec(prometheus.CounterOpts{
			Name: "nex_idempotency_duplicates_total",
			Help: "Duplicate correlation ids caught (lru/store)",
		}, []string{"kind", "tier"}),

		DedupLRUSize: f.NewGauge(prometheus.GaugeOpts{
			Name: "nex_dedup_lru_size",
			Help: "Current LRU occupancy",
		}),

		DedupLRUEvictions: f.NewCounter(prometheus.CounterOpts{
			Name: "nex_dedup_lru_evictions_total",
			Help: "LRU evictions",
		}),

		StoreCommitDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "nex_store_commit_duration_seconds",
			Help:    "Atomic store commit latency",
			Buckets: latencyBuckets,
		}),

		StoreErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "nex_store_errors_total",
			Help: "Store errors",
		}, []string{"error_type"}),

		IntakeMessages: f.NewCounterVec(prometheus.CounterOpts{
			Name: "nex_intake_messages_total",
			Help: "Operation descriptors consumed from NATS",
		}, []string{"kind", "outcome"}),

		PublishedEvents: f.NewCounterVec(prometheus.CounterOpts{
			Name: "nex_published_events_total",
			Help: "Events published to NATS",
		}, []string{"subject"}),

		PublishDrops: f.NewCounter(prometheus.CounterOpts{
			Name: "nex_publish_drops_total",
			Help: "Events dropped due to full publish channel",
		}),

		QueryRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "nex_query_requests_total",
			Help: "HTTP API requests",
		}, []string{"route", "status"}),

		QueryDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "nex_query_duration_seconds",
			Help:    "HTTP API latency",
			Buckets: latencyBuckets,
		}, []string{"route"}),
	}
}
