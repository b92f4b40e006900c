package ledger

import (
	"context"
	"errors"
	"fmt"
)

// InvariantValidator audits stored balances against the record history.
type InvariantValidator struct {
	store Store
}

func NewInvariantValidator(store Store) *InvariantValidator {
	return &InvariantValidator{store: store}
}

// ValidateRecord verifies a single record conserves value.
func (v *InvariantValidator) ValidateRecord(r *TransactionRecord) error {
	return r.Validate()
}

// ValidateLedger replays every record and checks that:
//   - legs sum to zero globally,
//   - every stored balance equals its replayed balance,
//   - every stored pending equals its replayed earmark,
//   - no account is negative.
func (v *InvariantValidator) ValidateLedger(ctx context.Context) error {
	records, err := v.store.ListTransactions(ctx, "", 0)
	if err != nil {
		return fmt.Errorf("list records: %w", err)
	}
	accounts, err := v.store.ListAccounts(ctx)
	if err != nil {
		return fmt.Errorf("list accounts: %w", err)
	}

	// ListTransactions is newest first; replay oldest first.
	tracker := NewBalanceTracker()
	for i := len(records) - 1; i >= 0; i-- {
		if err := tracker.ApplyRecord(&records[i]); err != nil {
			return err
		}
	}

	var errs []error
	if total := tracker.ComputeGlobalBalance(); total != 0 {
		errs = append(errs, fmt.Errorf("global leg sum is non-zero: %d", total))
	}

	stored := make(map[string]struct{}, len(accounts))
	for _, a := range accounts {
		stored[a.ID] = struct{}{}
		if err := a.Validate(); err != nil {
			errs = append(errs, err)
		}
		if replayed := tracker.GetBalance(a.ID); replayed != a.Balance {
			errs = append(errs, fmt.Errorf("account %s balance %d, replayed %d", a.ID, a.Balance, replayed))
		}
		if replayed := tracker.GetPending(a.ID); replayed != a.Pending {
			errs = append(errs, fmt.Errorf("account %s pending %d, replayed %d", a.ID, a.Pending, replayed))
		}
	}
	for _, id := range tracker.Accounts() {
		if _, ok := stored[id]; !ok {
			errs = append(errs, fmt.Errorf("records move unknown account %s", id))
		}
	}

	return errors.Join(errs...)
}
