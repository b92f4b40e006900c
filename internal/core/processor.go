package core

import (
	"NexLedger/internal/ledger"
	"NexLedger/internal/lock"
	"NexLedger/internal/lockdown"
	nexmath "NexLedger/internal/math"
	"NexLedger/internal/observability"
	"NexLedger/internal/pool"
	"NexLedger/internal/split"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Stage is a step of the per-operation state machine.
type Stage string

const (
	StageRequested    Stage = "requested"
	StageLockAcquired Stage = "lock_acquired"
	StageApplied      Stage = "applied"
	StageRecorded     Stage = "recorded"
	StageReleased     Stage = "released"
	StageRejected     Stage = "rejected"
	StageFaulted      Stage = "faulted"
	StageRolledBack   Stage = "rolled_back"
)

// Verification is the external identity-verification collaborator.
type Verification interface {
	IsVerified(ctx context.Context, accountID string) (bool, error)
}

// RecordPublisher receives committed records. Implementations must not block.
type RecordPublisher interface {
	PublishRecord(rec ledger.TransactionRecord)
}

// Deps are the collaborators of a Processor. Verification, Publisher,
// Metrics and Idempotency are optional.
type Deps struct {
	Store        ledger.Store
	Locks        lock.Registry
	Gate         *lockdown.Gate
	Pools        *pool.Engine
	Splits       *split.Registry
	Verification Verification
	Publisher    RecordPublisher
	Idempotency  *IdempotencyChecker
	Metrics      *observability.Metrics
	Logger       zerolog.Logger
	LockTimeout  time.Duration
	DefaultSplit string
}

// Processor applies ledger operations atomically under per-account locks.
// It is safe for concurrent use.
type Processor struct {
	store        ledger.Store
	locks        lock.Registry
	gate         *lockdown.Gate
	pools        *pool.Engine
	splits       *split.Registry
	verification Verification
	publisher    RecordPublisher
	dedup        *IdempotencyChecker
	metrics      *observability.Metrics
	logger       zerolog.Logger
	hasher       *RecordHasher
	lockTimeout  time.Duration
	defaultSplit string
	now          func() time.Time
}

func NewProcessor(d Deps) (*Processor, error) {
	switch {
	case d.Store == nil:
		return nil, errors.New("core: store is required")
	case d.Locks == nil:
		return nil, errors.New("core: lock registry is required")
	case d.Gate == nil:
		return nil, errors.New("core: lockdown gate is required")
	case d.Pools == nil:
		return nil, errors.New("core: pool engine is required")
	case d.Splits == nil:
		return nil, errors.New("core: split registry is required")
	}

	dedup := d.Idempotency
	if dedup == nil {
		dedup = NewIdempotencyChecker(100_000, d.Store, d.Metrics, d.Logger)
	}
	timeout := d.LockTimeout
	if timeout <= 0 {
		timeout = lock.DefaultTimeout
	}
	defaultSplit := d.DefaultSplit
	if defaultSplit == "" {
		defaultSplit = "tip"
	}

	return &Processor{
		store:        d.Store,
		locks:        d.Locks,
		gate:         d.Gate,
		pools:        d.Pools,
		splits:       d.Splits,
		verification: d.Verification,
		publisher:    d.Publisher,
		dedup:        dedup,
		metrics:      d.Metrics,
		logger:       d.Logger,
		hasher:       NewRecordHasher(),
		lockTimeout:  timeout,
		defaultSplit: defaultSplit,
		now:          time.Now,
	}, nil
}

// SetClock overrides the time source.
func (p *Processor) SetClock(now func() time.Time) { p.now = now }

// Result is what a committed operation produced. Record is nil for
// operations that wrote nothing (a contribution to a capped pool).
type Result struct {
	Record       *ledger.TransactionRecord `json:"record,omitempty"`
	Accounts     []ledger.Account          `json:"accounts,omitempty"`
	Split        *split.Split              `json:"split,omitempty"`
	Contribution *pool.Contribution        `json:"contribution,omitempty"`
	Award        *pool.Award               `json:"award,omitempty"`
	Pool         *pool.Pool                `json:"pool,omitempty"`
}

// Account returns the post-operation state of id from the result.
func (r Result) Account(id string) (ledger.Account, bool) {
	for _, a := range r.Accounts {
		if a.ID == id {
			return a, true
		}
	}
	return ledger.Account{}, false
}

// plan describes one operation for execute.
type plan struct {
	kind          ledger.Kind
	class         lockdown.Class
	accountIDs    []string // user accounts, for lockdown scope
	keys          []string // lock keys
	correlationID string
	build         func(ctx context.Context, tx *txn) error
}

// txn is the working state of an operation while its locks are held.
type txn struct {
	p        *Processor
	now      time.Time
	loaded   map[string]ledger.Account
	mutation ledger.Mutation
	result   Result
	poolNext *pool.Pool
}

// load reads an account under the lock, caching the result.
func (tx *txn) load(ctx context.Context, id string) (ledger.Account, error) {
	if a, ok := tx.loaded[id]; ok {
		return a, nil
	}
	a, err := tx.p.store.GetAccount(ctx, id)
	if err != nil {
		if errors.Is(err, ledger.ErrAccountNotFound) {
			return ledger.Account{}, err
		}
		return ledger.Account{}, &ledger.InternalFault{Op: "load " + id, Err: err}
	}
	tx.loaded[id] = a
	return a, nil
}

// put stages a new account state.
func (tx *txn) put(a ledger.Account) {
	tx.loaded[a.ID] = a
	for i := range tx.mutation.Accounts {
		if tx.mutation.Accounts[i].ID == a.ID {
			tx.mutation.Accounts[i] = a
			return
		}
	}
	tx.mutation.Accounts = append(tx.mutation.Accounts, a)
}

// record stages the operation's transaction record.
func (tx *txn) record(r ledger.TransactionRecord) {
	r.ID = uuid.New()
	r.Timestamp = tx.now
	tx.mutation.Records = append(tx.mutation.Records, r)
}

func (p *Processor) execute(ctx context.Context, pl plan) (Result, error) {
	start := p.now()
	kind := string(pl.kind)
	if pl.correlationID == "" {
		pl.correlationID = uuid.NewString()
	}
	log := p.logger.With().Str("kind", kind).Str("correlation_id", pl.correlationID).Logger()
	log.Debug().Str("stage", string(StageRequested)).Strs("keys", pl.keys).Msg("operation requested")

	// System accumulators only move through store increments.
	for _, id := range pl.accountIDs {
		if err := ledger.ValidateAccountID(id); err != nil {
			return Result{}, p.reject(log, pl.kind, err)
		}
	}
	if err := p.gate.Admit(pl.class, pl.accountIDs...); err != nil {
		return Result{}, p.reject(log, pl.kind, err)
	}
	if p.dedup.IsDuplicate(ctx, kind, pl.correlationID) {
		return Result{}, p.reject(log, pl.kind, fmt.Errorf("%w: %s", ledger.ErrDuplicateOperation, pl.correlationID))
	}

	var (
		result   Result
		recorded bool
	)
	err := lock.WithLocks(ctx, p.locks, pl.keys, kind, p.lockTimeout, func(ctx context.Context, _ []*lock.Lock) error {
		log.Debug().Str("stage", string(StageLockAcquired)).Msg("locks held")

		tx := &txn{p: p, now: p.now(), loaded: make(map[string]ledger.Account)}
		if err := pl.build(ctx, tx); err != nil {
			return err
		}
		for i := range tx.mutation.Records {
			r := &tx.mutation.Records[i]
			r.CorrelationID = pl.correlationID
			r.Digest = p.hasher.Digest(r)
		}
		log.Debug().Str("stage", string(StageApplied)).Msg("mutation staged")

		// A critical lockdown engaged while we waited freezes outflows here.
		if err := p.gate.AdmitCommit(pl.class, pl.accountIDs...); err != nil {
			return err
		}

		if isEmpty(tx.mutation) {
			result = tx.result
			return nil
		}

		commitStart := p.now()
		committed, err := p.store.Commit(ctx, tx.mutation)
		if p.metrics != nil {
			p.metrics.StoreCommitDuration.Observe(p.now().Sub(commitStart).Seconds())
		}
		if err != nil {
			if errors.Is(err, ledger.ErrDuplicateOperation) || errors.Is(err, ledger.ErrInsufficientBalance) || errors.Is(err, nexmath.ErrOverflow) {
				return err
			}
			if tx.poolNext != nil && errors.Is(err, ledger.ErrVersionConflict) {
				if _, serr := p.syncPool(ctx, tx.poolNext.ID); serr != nil {
					log.Error().Err(serr).Str("pool_id", tx.poolNext.ID).Msg("pool resync failed")
				}
			}
			log.Error().Err(err).Str("stage", string(StageFaulted)).Msg("store commit failed")
			log.Debug().Str("stage", string(StageRolledBack)).Msg("no state changed")
			if p.metrics != nil {
				p.metrics.StoreErrors.WithLabelValues("commit").Inc()
			}
			return &ledger.InternalFault{Op: kind, Err: err}
		}
		recorded = len(committed) > 0
		log.Debug().Str("stage", string(StageRecorded)).Msg("mutation committed")

		if tx.poolNext != nil {
			if err := p.pools.Commit(*tx.poolNext); err != nil {
				// The store is authoritative; realign the engine with it.
				log.Error().Err(err).Str("pool_id", tx.poolNext.ID).Msg("pool engine diverged from store")
				if err := p.pools.Restore([]pool.Pool{*tx.poolNext}); err != nil {
					log.Error().Err(err).Str("pool_id", tx.poolNext.ID).Msg("pool engine realign failed")
				}
			}
		}

		result = tx.result
		result.Accounts = tx.mutation.Accounts
		if len(committed) > 0 {
			rec := committed[0]
			result.Record = &rec
		}
		return nil
	})

	if err != nil {
		var fault *ledger.InternalFault
		if errors.As(err, &fault) {
			log.Error().Err(err).Bool("incident", true).Msg("operation faulted")
			if p.metrics != nil {
				p.metrics.InternalFaults.WithLabelValues(kind).Inc()
			}
			return Result{}, err
		}
		return Result{}, p.reject(log, pl.kind, err)
	}
	log.Debug().Str("stage", string(StageReleased)).Msg("locks released")

	if recorded {
		p.dedup.MarkProcessed(pl.correlationID)
		if result.Record != nil && p.publisher != nil {
			p.publisher.PublishRecord(*result.Record)
		}
	}
	p.observe(pl.kind, start, result)
	return result, nil
}

// syncPool loads the stored pool and installs it in the engine when the
// engine holds no copy or an older one. Another process sharing the store
// may have advanced it.
func (p *Processor) syncPool(ctx context.Context, poolID string) (pool.Pool, error) {
	stored, err := p.store.GetPool(ctx, poolID)
	if err != nil {
		if errors.Is(err, pool.ErrPoolNotFound) {
			return pool.Pool{}, err
		}
		return pool.Pool{}, &ledger.InternalFault{Op: "load pool " + poolID, Err: err}
	}
	if cached, err := p.pools.Get(poolID); err == nil && cached.Version == stored.Version {
		return cached, nil
	}
	if err := p.pools.Restore([]pool.Pool{stored}); err != nil {
		return pool.Pool{}, &ledger.InternalFault{Op: "restore pool " + poolID, Err: err}
	}
	p.logger.Debug().Str("pool_id", poolID).Int64("version", stored.Version).Msg("pool refreshed from store")
	return stored, nil
}

func isEmpty(m ledger.Mutation) bool {
	return len(m.Accounts) == 0 && len(m.Increments) == 0 && len(m.Pools) == 0 && len(m.Records) == 0
}

func (p *Processor) reject(log zerolog.Logger, kind ledger.Kind, err error) error {
	reason := Reason(err)
	log.Info().Err(err).Str("stage", string(StageRejected)).Str("reason", reason).Msg("operation rejected")
	if p.metrics != nil {
		p.metrics.OpsRejected.WithLabelValues(string(kind), reason).Inc()
	}
	return err
}

func (p *Processor) observe(kind ledger.Kind, start time.Time, r Result) {
	if p.metrics == nil {
		return
	}
	p.metrics.OpsApplied.WithLabelValues(string(kind)).Inc()
	p.metrics.OpDuration.WithLabelValues(string(kind)).Observe(p.now().Sub(start).Seconds())
	if r.Record != nil {
		p.metrics.AmountMoved.WithLabelValues(string(kind)).Add(float64(r.Record.Amount))
	}
	if r.Pool != nil {
		p.metrics.PoolValue.WithLabelValues(r.Pool.ID).Set(float64(r.Pool.Current))
	}
	if r.Contribution != nil && r.Contribution.Applied > 0 {
		p.metrics.PoolContributions.WithLabelValues(r.Contribution.PoolID).Inc()
	}
	if r.Award != nil {
		p.metrics.PoolAwards.WithLabelValues(r.Award.PoolID).Inc()
	}
}

func requirePositive(amount int64) error {
	if amount <= 0 {
		return fmt.Errorf("%w: amount must be positive, got %d", ledger.ErrInvalidAmount, amount)
	}
	return nil
}
