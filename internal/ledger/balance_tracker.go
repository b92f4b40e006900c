package ledger

import (
	"fmt"
	"sort"
)

// BalanceTracker rebuilds balances by replaying record legs. It is the
// reference the stored balances are audited against.
type BalanceTracker struct {
	balances map[string]int64
	pending  map[string]int64
}

func NewBalanceTracker() *BalanceTracker {
	return &BalanceTracker{
		balances: make(map[string]int64),
		pending:  make(map[string]int64),
	}
}

// ApplyRecord applies one record's legs, or its earmark for holds.
func (bt *BalanceTracker) ApplyRecord(r *TransactionRecord) error {
	if err := r.Validate(); err != nil {
		return fmt.Errorf("invalid record: %w", err)
	}

	switch r.Kind {
	case KindHold:
		bt.pending[r.Source] += r.Amount
	case KindHoldRelease:
		bt.pending[r.Source] -= r.Amount
	default:
		for _, l := range r.Legs {
			bt.balances[l.Account] += l.Amount
		}
	}
	return nil
}

// ApplyRecords applies records in the given order.
func (bt *BalanceTracker) ApplyRecords(records []TransactionRecord) error {
	for i := range records {
		if err := bt.ApplyRecord(&records[i]); err != nil {
			return err
		}
	}
	return nil
}

// GetBalance returns the replayed balance of an account or boundary.
func (bt *BalanceTracker) GetBalance(account string) int64 {
	return bt.balances[account]
}

// GetPending returns the replayed earmark of an account.
func (bt *BalanceTracker) GetPending(account string) int64 {
	return bt.pending[account]
}

// ComputeGlobalBalance sums every leg ever applied. It is zero for a
// conserving ledger.
func (bt *BalanceTracker) ComputeGlobalBalance() int64 {
	var total int64
	for _, b := range bt.balances {
		total += b
	}
	return total
}

// ValidateNonNegative checks a balance-holding account is >= 0.
func (bt *BalanceTracker) ValidateNonNegative(account string) error {
	if b := bt.GetBalance(account); b < 0 {
		return fmt.Errorf("account %s has negative balance: %d", account, b)
	}
	return nil
}

// Accounts lists balance-holding accounts seen in legs, sorted.
func (bt *BalanceTracker) Accounts() []string {
	out := make([]string, 0, len(bt.balances))
	for k := range bt.balances {
		if IsBalanceAccount(k) {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}

// Snapshot returns a copy of all balances.
func (bt *BalanceTracker) Snapshot() map[string]int64 {
	snapshot := make(map[string]int64, len(bt.balances))
	for k, v := range bt.balances {
		snapshot[k] = v
	}
	return snapshot
}
