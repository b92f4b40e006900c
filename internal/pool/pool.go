// Package pool implements progressive jackpot pools: bounded accrual from
// contributions and a full payout on award.
package pool

import (
	nexmath "NexLedger/internal/math"
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

var (
	ErrPoolNotFound       = errors.New("pool: not found")
	ErrPoolExists         = errors.New("pool: already exists")
	ErrInvalidPool        = errors.New("pool: invalid parameters")
	ErrEligibilityNotMet  = errors.New("pool: eligibility not met")
	ErrConcurrentUpdate   = errors.New("pool: concurrent update")
	ErrNegativeAmount     = errors.New("pool: negative amount")
	ErrNoEligibilityCheck = errors.New("pool: eligibility check is required")
)

// Pool is a snapshot of a progressive pool. Minimum <= Current <= Maximum.
type Pool struct {
	ID               string          `json:"id"`
	Current          int64           `json:"current"`
	Minimum          int64           `json:"minimum"`
	Maximum          int64           `json:"maximum"`
	Rate             decimal.Decimal `json:"rate"`
	TotalContributed int64           `json:"total_contributed"`
	LastAward        *Award          `json:"last_award,omitempty"`
	Version          int64           `json:"version"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

// Contribution is the outcome of one contribute call. Applied may be less
// than Computed when the pool is near its maximum.
type Contribution struct {
	PoolID    string `json:"pool_id"`
	Base      int64  `json:"base"`
	Computed  int64  `json:"computed"`
	Applied   int64  `json:"applied"`
	PoolValue int64  `json:"pool_value"`
}

// Award records a payout of the full pool value.
type Award struct {
	PoolID    string    `json:"pool_id"`
	AccountID string    `json:"account_id"`
	Amount    int64     `json:"amount"`
	At        time.Time `json:"at"`
}

// Eligibility decides whether an account may win a pool. It is supplied by
// the game layer; the engine never assumes a default answer.
type Eligibility interface {
	Eligible(ctx context.Context, poolID, accountID string) (bool, error)
}

// EligibilityFunc adapts a function to Eligibility.
type EligibilityFunc func(ctx context.Context, poolID, accountID string) (bool, error)

func (f EligibilityFunc) Eligible(ctx context.Context, poolID, accountID string) (bool, error) {
	return f(ctx, poolID, accountID)
}

// Engine holds pool state in memory. Callers that persist pools use the
// Plan*/Commit pair so state only advances after a durable write.
type Engine struct {
	mu          sync.RWMutex
	pools       map[string]Pool
	eligibility Eligibility
	now         func() time.Time
}

// NewEngine requires an eligibility check.
func NewEngine(eligibility Eligibility) (*Engine, error) {
	if eligibility == nil {
		return nil, ErrNoEligibilityCheck
	}
	return &Engine{
		pools:       make(map[string]Pool),
		eligibility: eligibility,
		now:         time.Now,
	}, nil
}

// SetClock overrides the time source.
func (e *Engine) SetClock(now func() time.Time) { e.now = now }

// Validate checks pool parameters.
func Validate(minimum, maximum int64, rate decimal.Decimal) error {
	if minimum < 0 || maximum < minimum {
		return fmt.Errorf("%w: need 0 <= minimum <= maximum, got %d..%d", ErrInvalidPool, minimum, maximum)
	}
	if rate.Sign() < 0 || rate.GreaterThan(decimal.NewFromInt(1)) {
		return fmt.Errorf("%w: rate %s outside [0, 1]", ErrInvalidPool, rate.String())
	}
	return nil
}

// NewPool builds the initial state of a pool without registering it.
func (e *Engine) NewPool(id string, minimum, maximum int64, rate decimal.Decimal) (Pool, error) {
	if id == "" {
		return Pool{}, fmt.Errorf("%w: empty id", ErrInvalidPool)
	}
	if err := Validate(minimum, maximum, rate); err != nil {
		return Pool{}, err
	}
	return Pool{
		ID:        id,
		Current:   minimum,
		Minimum:   minimum,
		Maximum:   maximum,
		Rate:      rate,
		Version:   1,
		UpdatedAt: e.now(),
	}, nil
}

// InitPool creates a pool with current = minimum.
func (e *Engine) InitPool(id string, minimum, maximum int64, rate decimal.Decimal) (Pool, error) {
	p, err := e.NewPool(id, minimum, maximum, rate)
	if err != nil {
		return Pool{}, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.pools[id]; exists {
		return Pool{}, fmt.Errorf("%w: %q", ErrPoolExists, id)
	}
	e.pools[id] = p
	return p, nil
}

// Restore installs previously persisted pools, replacing any with the same id.
func (e *Engine) Restore(pools []Pool) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, p := range pools {
		if err := Validate(p.Minimum, p.Maximum, p.Rate); err != nil {
			return fmt.Errorf("restore %q: %w", p.ID, err)
		}
		if p.Current < p.Minimum || p.Current > p.Maximum {
			return fmt.Errorf("%w: restore %q current %d outside bounds", ErrInvalidPool, p.ID, p.Current)
		}
		e.pools[p.ID] = p
	}
	return nil
}

// Get returns a snapshot of the pool.
func (e *Engine) Get(id string) (Pool, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	p, ok := e.pools[id]
	if !ok {
		return Pool{}, fmt.Errorf("%w: %q", ErrPoolNotFound, id)
	}
	return p, nil
}

// List returns all pools sorted by id.
func (e *Engine) List() []Pool {
	e.mu.RLock()
	out := make([]Pool, 0, len(e.pools))
	for _, p := range e.pools {
		out = append(out, p)
	}
	e.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// PlanContribution computes the pool state after contributing base*rate,
// capped at the maximum. The engine is not modified.
func (e *Engine) PlanContribution(id string, base int64) (Pool, Contribution, error) {
	if base < 0 {
		return Pool{}, Contribution{}, ErrNegativeAmount
	}
	p, err := e.Get(id)
	if err != nil {
		return Pool{}, Contribution{}, err
	}

	computed, err := nexmath.MulDecimal(base, p.Rate, nexmath.RoundHalfUp)
	if err != nil {
		return Pool{}, Contribution{}, fmt.Errorf("pool %q: %w", id, err)
	}
	applied := computed
	if headroom := p.Maximum - p.Current; applied > headroom {
		applied = headroom
	}

	next := p
	next.Current += applied
	next.TotalContributed += applied
	next.Version++
	next.UpdatedAt = e.now()

	return next, Contribution{
		PoolID:    id,
		Base:      base,
		Computed:  computed,
		Applied:   applied,
		PoolValue: next.Current,
	}, nil
}

// CheckEligibility consults the eligibility dependency. Callers holding
// locks run it first so the external call happens outside the lock.
func (e *Engine) CheckEligibility(ctx context.Context, id, accountID string) error {
	if _, err := e.Get(id); err != nil {
		return err
	}
	ok, err := e.eligibility.Eligible(ctx, id, accountID)
	if err != nil {
		return fmt.Errorf("pool %q eligibility: %w", id, err)
	}
	if !ok {
		return fmt.Errorf("%w: account %q for pool %q", ErrEligibilityNotMet, accountID, id)
	}
	return nil
}

// PlanPayout computes the pool state after paying out the full current
// value and resetting to the minimum. Eligibility is not checked.
func (e *Engine) PlanPayout(id, accountID string) (Pool, Award, error) {
	p, err := e.Get(id)
	if err != nil {
		return Pool{}, Award{}, err
	}

	now := e.now()
	award := Award{PoolID: id, AccountID: accountID, Amount: p.Current, At: now}

	next := p
	next.Current = p.Minimum
	next.LastAward = &award
	next.Version++
	next.UpdatedAt = now

	return next, award, nil
}

// PlanAward checks eligibility, then plans the payout.
func (e *Engine) PlanAward(ctx context.Context, id, accountID string) (Pool, Award, error) {
	if err := e.CheckEligibility(ctx, id, accountID); err != nil {
		return Pool{}, Award{}, err
	}
	return e.PlanPayout(id, accountID)
}

// Commit installs a planned state if the stored pool is its direct
// predecessor; otherwise ErrConcurrentUpdate.
func (e *Engine) Commit(next Pool) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	cur, ok := e.pools[next.ID]
	if !ok {
		return fmt.Errorf("%w: %q", ErrPoolNotFound, next.ID)
	}
	if cur.Version != next.Version-1 {
		return fmt.Errorf("%w: %q at version %d, planned from %d", ErrConcurrentUpdate, next.ID, cur.Version, next.Version-1)
	}
	e.pools[next.ID] = next
	return nil
}

// Contribute plans and commits a contribution in one step.
func (e *Engine) Contribute(id string, base int64) (Contribution, error) {
	for {
		next, c, err := e.PlanContribution(id, base)
		if err != nil {
			return Contribution{}, err
		}
		if err := e.Commit(next); errors.Is(err, ErrConcurrentUpdate) {
			continue
		} else if err != nil {
			return Contribution{}, err
		}
		return c, nil
	}
}

// Award plans and commits an award in one step.
func (e *Engine) Award(ctx context.Context, id, accountID string) (Award, error) {
	for {
		next, a, err := e.PlanAward(ctx, id, accountID)
		if err != nil {
			return Award{}, err
		}
		if err := e.Commit(next); errors.Is(err, ErrConcurrentUpdate) {
			continue
		} else if err != nil {
			return Award{}, err
		}
		return a, nil
	}
}
