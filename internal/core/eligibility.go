package core

import (
	"NexLedger/internal/ledger"
	"NexLedger/internal/pool"
	"context"
	"errors"
)

// VerifiedAccountEligibility lets any existing verified account win a pool.
func VerifiedAccountEligibility(store ledger.Store) pool.EligibilityFunc {
	return func(ctx context.Context, _ string, accountID string) (bool, error) {
		a, err := store.GetAccount(ctx, accountID)
		if errors.Is(err, ledger.ErrAccountNotFound) {
			return false, nil
		}
		if err != nil {
			return false, err
		}
		return a.Verified, nil
	}
}
