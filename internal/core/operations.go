package core

import (
	"NexLedger/internal/ledger"
	"NexLedger/internal/lock"
	"NexLedger/internal/lockdown"
	"NexLedger/internal/pool"
	"NexLedger/internal/split"
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type correlationKey struct{}

// WithCorrelationID attaches a caller-chosen correlation id to ctx. The
// processor generates one when none is attached.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationKey{}, id)
}

// CorrelationIDFrom returns the correlation id attached to ctx, if any.
func CorrelationIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(correlationKey{}).(string)
	return id
}

// OpenAccount creates a zero-balance user account.
func (p *Processor) OpenAccount(ctx context.Context, accountID string, verified bool) (ledger.Account, error) {
	if err := ledger.ValidateAccountID(accountID); err != nil {
		return ledger.Account{}, err
	}
	a := ledger.NewAccount(accountID, verified, p.now())
	if err := p.store.CreateAccount(ctx, a); err != nil {
		if errors.Is(err, ledger.ErrAccountExists) {
			return ledger.Account{}, err
		}
		return ledger.Account{}, &ledger.InternalFault{Op: "open_account", Err: err}
	}
	p.logger.Info().Str("account_id", accountID).Bool("verified", verified).Msg("account opened")
	return a, nil
}

// SetVerified records the identity-verification outcome for an account.
func (p *Processor) SetVerified(ctx context.Context, accountID string, verified bool) (ledger.Account, error) {
	res, err := p.execute(ctx, plan{
		kind:          "set_verified",
		class:         lockdown.ClassMutation,
		accountIDs:    []string{accountID},
		keys:          []string{lock.AccountKey(accountID)},
		correlationID: CorrelationIDFrom(ctx),
		build: func(ctx context.Context, tx *txn) error {
			a, err := tx.load(ctx, accountID)
			if err != nil {
				return err
			}
			a.Verified = verified
			a.Version++
			a.UpdatedAt = tx.now
			tx.put(a)
			return nil
		},
	})
	if err != nil {
		return ledger.Account{}, err
	}
	a, _ := res.Account(accountID)
	return a, nil
}

// Deposit credits amount to accountID from the deposit boundary.
func (p *Processor) Deposit(ctx context.Context, accountID string, amount int64) (Result, error) {
	if err := requirePositive(amount); err != nil {
		return Result{}, err
	}
	return p.execute(ctx, plan{
		kind:          ledger.KindDeposit,
		class:         lockdown.ClassMutation,
		accountIDs:    []string{accountID},
		keys:          []string{lock.AccountKey(accountID)},
		correlationID: CorrelationIDFrom(ctx),
		build: func(ctx context.Context, tx *txn) error {
			a, err := tx.load(ctx, accountID)
			if err != nil {
				return err
			}
			credited, err := a.Credit(amount, tx.now)
			if err != nil {
				return err
			}
			tx.put(credited)
			tx.record(ledger.TransactionRecord{
				Kind:        ledger.KindDeposit,
				Amount:      amount,
				Source:      ledger.ExternalDeposits,
				Destination: accountID,
				Legs: []ledger.Leg{
					{Account: accountID, Amount: amount},
					{Account: ledger.ExternalDeposits, Amount: -amount},
				},
			})
			return nil
		},
	})
}

// Withdraw debits amount from accountID to the withdrawal boundary.
func (p *Processor) Withdraw(ctx context.Context, accountID string, amount int64) (Result, error) {
	return p.outflow(ctx, ledger.KindWithdrawal, ledger.ExternalWithdrawals, accountID, amount, false)
}

// Payout is a withdrawal that also requires a verified account. It is
// frozen by a critical lockdown even after its lock was taken.
func (p *Processor) Payout(ctx context.Context, accountID string, amount int64) (Result, error) {
	return p.outflow(ctx, ledger.KindPayout, ledger.ExternalPayouts, accountID, amount, true)
}

func (p *Processor) outflow(ctx context.Context, kind ledger.Kind, boundary, accountID string, amount int64, requireVerified bool) (Result, error) {
	if err := requirePositive(amount); err != nil {
		return Result{}, err
	}
	// External verification is slow I/O and runs before any lock.
	checkFlag := requireVerified
	if requireVerified && p.verification != nil {
		ok, err := p.verification.IsVerified(ctx, accountID)
		if err != nil {
			return Result{}, fmt.Errorf("verify %s: %w", accountID, err)
		}
		if !ok {
			return Result{}, fmt.Errorf("%w: %s", ledger.ErrAccountNotVerified, accountID)
		}
		checkFlag = false
	}

	return p.execute(ctx, plan{
		kind:          kind,
		class:         lockdown.ClassOutflow,
		accountIDs:    []string{accountID},
		keys:          []string{lock.AccountKey(accountID)},
		correlationID: CorrelationIDFrom(ctx),
		build: func(ctx context.Context, tx *txn) error {
			a, err := tx.load(ctx, accountID)
			if err != nil {
				return err
			}
			if checkFlag && !a.Verified {
				return fmt.Errorf("%w: %s", ledger.ErrAccountNotVerified, accountID)
			}
			next, err := a.Debit(amount, tx.now)
			if err != nil {
				return err
			}
			tx.put(next)
			tx.record(ledger.TransactionRecord{
				Kind:        kind,
				Amount:      amount,
				Source:      accountID,
				Destination: boundary,
				Legs: []ledger.Leg{
					{Account: accountID, Amount: -amount},
					{Account: boundary, Amount: amount},
				},
			})
			return nil
		},
	})
}

// Tip moves amount from sender, crediting the recipient its share and every
// other share to the matching system accumulator. An empty splitName uses
// the default configuration.
func (p *Processor) Tip(ctx context.Context, senderID, recipientID string, amount int64, splitName string) (Result, error) {
	if err := requirePositive(amount); err != nil {
		return Result{}, err
	}
	if senderID == recipientID {
		return Result{}, fmt.Errorf("%w: %s", ledger.ErrSelfTransfer, senderID)
	}
	if splitName == "" {
		splitName = p.defaultSplit
	}
	cfg, err := p.splits.Get(splitName)
	if err != nil {
		return Result{}, err
	}
	shares, err := split.Compute(amount, cfg)
	if err != nil {
		return Result{}, err
	}

	return p.execute(ctx, plan{
		kind:          ledger.KindTip,
		class:         lockdown.ClassMutation,
		accountIDs:    []string{senderID, recipientID},
		keys:          []string{lock.AccountKey(senderID), lock.AccountKey(recipientID)},
		correlationID: CorrelationIDFrom(ctx),
		build: func(ctx context.Context, tx *txn) error {
			sender, err := tx.load(ctx, senderID)
			if err != nil {
				return err
			}
			recipient, err := tx.load(ctx, recipientID)
			if err != nil {
				return err
			}
			debited, err := sender.Debit(amount, tx.now)
			if err != nil {
				return err
			}
			tx.put(debited)

			legs := []ledger.Leg{{Account: senderID, Amount: -amount, Label: "tip"}}
			for _, alloc := range shares.Allocations {
				if alloc.Amount == 0 {
					continue
				}
				if alloc.Name == cfg.Recipient() {
					credited, err := recipient.Credit(alloc.Amount, tx.now)
					if err != nil {
						return err
					}
					tx.put(credited)
					legs = append(legs, ledger.Leg{Account: recipientID, Amount: alloc.Amount, Label: alloc.Name})
					continue
				}
				sys := ledger.SystemAccountID(alloc.Name)
				tx.mutation.Increments = append(tx.mutation.Increments, ledger.Increment{AccountID: sys, Delta: alloc.Amount})
				legs = append(legs, ledger.Leg{Account: sys, Amount: alloc.Amount, Label: alloc.Name})
			}

			tx.record(ledger.TransactionRecord{
				Kind:        ledger.KindTip,
				Amount:      amount,
				Source:      senderID,
				Destination: recipientID,
				Legs:        legs,
				SplitName:   cfg.Name(),
			})
			tx.result.Split = &shares
			return nil
		},
	})
}

// InitPool creates a progressive pool in the store and the engine.
func (p *Processor) InitPool(ctx context.Context, id string, minimum, maximum int64, rate decimal.Decimal) (pool.Pool, error) {
	pl, err := p.pools.NewPool(id, minimum, maximum, rate)
	if err != nil {
		return pool.Pool{}, err
	}
	if err := p.store.CreatePool(ctx, pl); err != nil {
		if errors.Is(err, pool.ErrPoolExists) {
			return pool.Pool{}, err
		}
		return pool.Pool{}, &ledger.InternalFault{Op: "init_pool", Err: err}
	}
	if err := p.pools.Restore([]pool.Pool{pl}); err != nil {
		return pool.Pool{}, err
	}
	p.logger.Info().Str("pool_id", id).Int64("minimum", minimum).Int64("maximum", maximum).Str("rate", rate.String()).Msg("pool initialized")
	return pl, nil
}

// ContributeProgressive adds roundHalfUp(base*rate) to the pool, capped at
// its maximum. A capped pool records nothing and reports Applied = 0.
func (p *Processor) ContributeProgressive(ctx context.Context, poolID string, base int64, source string) (Result, error) {
	if base < 0 {
		return Result{}, fmt.Errorf("%w: negative base %d", ledger.ErrInvalidAmount, base)
	}
	var scope []string
	if source != "" {
		scope = []string{source}
	}

	return p.execute(ctx, plan{
		kind:          ledger.KindProgressiveContribution,
		class:         lockdown.ClassSpeculative,
		accountIDs:    scope,
		keys:          []string{lock.PoolKey(poolID)},
		correlationID: CorrelationIDFrom(ctx),
		build: func(ctx context.Context, tx *txn) error {
			if _, err := p.syncPool(ctx, poolID); err != nil {
				return err
			}
			next, c, err := p.pools.PlanContribution(poolID, base)
			if err != nil {
				return err
			}
			tx.result.Contribution = &c
			if c.Applied == 0 {
				cur, err := p.pools.Get(poolID)
				if err != nil {
					return err
				}
				tx.result.Pool = &cur
				return nil
			}

			ref := ledger.PoolRef(poolID)
			tx.mutation.Pools = append(tx.mutation.Pools, next)
			tx.poolNext = &next
			tx.result.Pool = &next
			tx.record(ledger.TransactionRecord{
				Kind:        ledger.KindProgressiveContribution,
				Amount:      c.Applied,
				Source:      ledger.ExternalHouse,
				Destination: ref,
				PoolID:      poolID,
				Reason:      source,
				Legs: []ledger.Leg{
					{Account: ref, Amount: c.Applied, Label: "contribution"},
					{Account: ledger.ExternalHouse, Amount: -c.Applied, Label: "contribution"},
				},
			})
			return nil
		},
	})
}

// AwardProgressive pays the pool's full value to accountID and reseeds the
// pool at its minimum, in one commit.
func (p *Processor) AwardProgressive(ctx context.Context, poolID, accountID string) (Result, error) {
	if _, err := p.syncPool(ctx, poolID); err != nil {
		return Result{}, err
	}
	// Eligibility may call out to the game layer; keep it outside the locks.
	if err := p.pools.CheckEligibility(ctx, poolID, accountID); err != nil {
		return Result{}, err
	}

	return p.execute(ctx, plan{
		kind:          ledger.KindProgressiveAward,
		class:         lockdown.ClassMutation,
		accountIDs:    []string{accountID},
		keys:          []string{lock.AccountKey(accountID), lock.PoolKey(poolID)},
		correlationID: CorrelationIDFrom(ctx),
		build: func(ctx context.Context, tx *txn) error {
			winner, err := tx.load(ctx, accountID)
			if err != nil {
				return err
			}
			if _, err := p.syncPool(ctx, poolID); err != nil {
				return err
			}
			next, award, err := p.pools.PlanPayout(poolID, accountID)
			if err != nil {
				return err
			}
			if award.Amount <= 0 {
				return fmt.Errorf("%w: pool %s is empty", ledger.ErrInvalidAmount, poolID)
			}

			ref := ledger.PoolRef(poolID)
			legs := []ledger.Leg{
				{Account: accountID, Amount: award.Amount, Label: "award"},
				{Account: ref, Amount: -award.Amount, Label: "award"},
			}
			if next.Minimum > 0 {
				legs = append(legs,
					ledger.Leg{Account: ref, Amount: next.Minimum, Label: "reseed"},
					ledger.Leg{Account: ledger.ExternalHouse, Amount: -next.Minimum, Label: "reseed"},
				)
			}

			credited, err := winner.Credit(award.Amount, tx.now)
			if err != nil {
				return err
			}
			tx.put(credited)
			tx.mutation.Pools = append(tx.mutation.Pools, next)
			tx.poolNext = &next
			tx.record(ledger.TransactionRecord{
				Kind:        ledger.KindProgressiveAward,
				Amount:      award.Amount,
				Source:      ref,
				Destination: accountID,
				PoolID:      poolID,
				Legs:        legs,
			})
			tx.result.Award = &award
			tx.result.Pool = &next
			return nil
		},
	})
}

// Hold earmarks amount of the account's available balance.
func (p *Processor) Hold(ctx context.Context, accountID string, amount int64) (Result, error) {
	return p.earmark(ctx, ledger.KindHold, accountID, amount)
}

// ReleaseHold returns previously held funds to the available balance.
func (p *Processor) ReleaseHold(ctx context.Context, accountID string, amount int64) (Result, error) {
	return p.earmark(ctx, ledger.KindHoldRelease, accountID, amount)
}

func (p *Processor) earmark(ctx context.Context, kind ledger.Kind, accountID string, amount int64) (Result, error) {
	if err := requirePositive(amount); err != nil {
		return Result{}, err
	}
	return p.execute(ctx, plan{
		kind:          kind,
		class:         lockdown.ClassMutation,
		accountIDs:    []string{accountID},
		keys:          []string{lock.AccountKey(accountID)},
		correlationID: CorrelationIDFrom(ctx),
		build: func(ctx context.Context, tx *txn) error {
			a, err := tx.load(ctx, accountID)
			if err != nil {
				return err
			}
			switch kind {
			case ledger.KindHold:
				if avail := a.Available(); amount > avail {
					return &ledger.InsufficientBalanceError{AccountID: accountID, Required: amount, Available: avail}
				}
				a.Pending += amount
			default:
				if amount > a.Pending {
					return fmt.Errorf("%w: release %d exceeds held %d on %s", ledger.ErrInvalidAmount, amount, a.Pending, accountID)
				}
				a.Pending -= amount
			}
			a.Version++
			a.UpdatedAt = tx.now
			tx.put(a)
			tx.record(ledger.TransactionRecord{
				Kind:        kind,
				Amount:      amount,
				Source:      accountID,
				Destination: accountID,
			})
			return nil
		},
	})
}

// Adjust applies a signed correction against the house boundary. A
// negative delta never drives the balance below zero.
func (p *Processor) Adjust(ctx context.Context, accountID string, delta int64, reason string) (Result, error) {
	if delta == 0 {
		return Result{}, fmt.Errorf("%w: zero adjustment", ledger.ErrInvalidAmount)
	}
	if reason == "" {
		return Result{}, fmt.Errorf("%w: adjustment requires a reason", ledger.ErrInvalidAmount)
	}
	return p.execute(ctx, plan{
		kind:          ledger.KindAdjustment,
		class:         lockdown.ClassMutation,
		accountIDs:    []string{accountID},
		keys:          []string{lock.AccountKey(accountID)},
		correlationID: CorrelationIDFrom(ctx),
		build: func(ctx context.Context, tx *txn) error {
			a, err := tx.load(ctx, accountID)
			if err != nil {
				return err
			}
			rec := ledger.TransactionRecord{
				Kind:   ledger.KindAdjustment,
				Reason: reason,
				Legs: []ledger.Leg{
					{Account: accountID, Amount: delta, Label: "adjustment"},
					{Account: ledger.ExternalHouse, Amount: -delta, Label: "adjustment"},
				},
			}
			if delta > 0 {
				credited, err := a.Credit(delta, tx.now)
				if err != nil {
					return err
				}
				tx.put(credited)
				rec.Amount, rec.Source, rec.Destination = delta, ledger.ExternalHouse, accountID
			} else {
				next, err := a.Debit(-delta, tx.now)
				if err != nil {
					return err
				}
				tx.put(next)
				rec.Amount, rec.Source, rec.Destination = -delta, accountID, ledger.ExternalHouse
			}
			tx.record(rec)
			return nil
		},
	})
}

// Refund writes a compensating record that negates every leg of a deposit,
// withdrawal, tip or payout. A transaction can be refunded once.
func (p *Processor) Refund(ctx context.Context, transactionID uuid.UUID, reason string) (Result, error) {
	orig, err := p.store.GetTransaction(ctx, transactionID)
	if err != nil {
		if errors.Is(err, ledger.ErrTransactionNotFound) {
			return Result{}, err
		}
		return Result{}, &ledger.InternalFault{Op: "refund lookup", Err: err}
	}
	if !orig.Kind.Refundable() {
		return Result{}, fmt.Errorf("%w: %s is a %s", ledger.ErrNotRefundable, transactionID, orig.Kind)
	}

	// Net the reversal per reference so an account named twice moves once.
	net := make(map[string]int64)
	var order []string
	for _, l := range orig.Legs {
		if _, seen := net[l.Account]; !seen {
			order = append(order, l.Account)
		}
		net[l.Account] -= l.Amount
	}
	var users []string
	for _, ref := range order {
		if ledger.IsBalanceAccount(ref) && !ledger.IsSystemAccount(ref) {
			users = append(users, ref)
		}
	}
	sort.Strings(users)
	keys := make([]string, len(users))
	for i, id := range users {
		keys[i] = lock.AccountKey(id)
	}

	return p.execute(ctx, plan{
		kind:          ledger.KindRefund,
		class:         lockdown.ClassMutation,
		accountIDs:    users,
		keys:          keys,
		correlationID: "refund:" + transactionID.String(),
		build: func(ctx context.Context, tx *txn) error {
			legs := make([]ledger.Leg, 0, len(orig.Legs))
			for _, l := range orig.Legs {
				legs = append(legs, ledger.Leg{Account: l.Account, Amount: -l.Amount, Label: l.Label})
			}

			for _, ref := range order {
				delta := net[ref]
				switch {
				case delta == 0 || !ledger.IsBalanceAccount(ref):
				case ledger.IsSystemAccount(ref):
					tx.mutation.Increments = append(tx.mutation.Increments, ledger.Increment{AccountID: ref, Delta: delta})
				default:
					a, err := tx.load(ctx, ref)
					if err != nil {
						return err
					}
					if delta > 0 {
						credited, err := a.Credit(delta, tx.now)
						if err != nil {
							return err
						}
						tx.put(credited)
						continue
					}
					next, err := a.Debit(-delta, tx.now)
					if err != nil {
						return err
					}
					tx.put(next)
				}
			}

			supersedes := orig.ID
			tx.record(ledger.TransactionRecord{
				Kind:        ledger.KindRefund,
				Amount:      orig.Amount,
				Source:      orig.Destination,
				Destination: orig.Source,
				Legs:        legs,
				SplitName:   orig.SplitName,
				Reason:      reason,
				Supersedes:  &supersedes,
			})
			return nil
		},
	})
}

// Recover loads persisted pools into the engine and warms the duplicate
// cache from the most recent records.
func (p *Processor) Recover(ctx context.Context, warm int) error {
	pools, err := p.store.ListPools(ctx)
	if err != nil {
		return fmt.Errorf("recover pools: %w", err)
	}
	if err := p.pools.Restore(pools); err != nil {
		return fmt.Errorf("recover pools: %w", err)
	}
	if warm > 0 {
		recent, err := p.store.ListTransactions(ctx, "", warm)
		if err != nil {
			return fmt.Errorf("warm idempotency cache: %w", err)
		}
		ids := make([]string, len(recent))
		for i, r := range recent {
			ids[i] = r.CorrelationID
		}
		p.dedup.Warm(ids)
	}
	p.logger.Info().Int("pools", len(pools)).Int("warmed", warm).Msg("processor recovered")
	return nil
}
