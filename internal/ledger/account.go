package ledger

import (
	nexmath "NexLedger/internal/math"
	"fmt"
	"strings"
	"time"
)

// AccountKind separates player balances from platform accumulators.
type AccountKind string

const (
	AccountUser   AccountKind = "user"
	AccountSystem AccountKind = "system"
)

// Reference prefixes. System accounts hold balances; external and pool
// references appear only as record legs.
const (
	SystemPrefix   = "system:"
	ExternalPrefix = "external:"
	PoolPrefix     = "pool:"
)

// External boundaries used as the counter-leg of value entering or leaving.
const (
	ExternalDeposits    = ExternalPrefix + "deposits"
	ExternalWithdrawals = ExternalPrefix + "withdrawals"
	ExternalPayouts     = ExternalPrefix + "payouts"
	ExternalHouse       = ExternalPrefix + "house"
)

const maxAccountIDLen = 128

// SystemAccountID names the accumulator for a split share.
func SystemAccountID(share string) string { return SystemPrefix + share }

// PoolRef is the leg reference for a progressive pool.
func PoolRef(poolID string) string { return PoolPrefix + poolID }

// IsSystemAccount reports whether id names a system accumulator.
func IsSystemAccount(id string) bool { return strings.HasPrefix(id, SystemPrefix) }

// IsBalanceAccount reports whether legs on id move a stored balance.
func IsBalanceAccount(id string) bool {
	return !strings.HasPrefix(id, ExternalPrefix) && !strings.HasPrefix(id, PoolPrefix)
}

// ValidateAccountID checks a caller-supplied user account id.
func ValidateAccountID(id string) error {
	if strings.TrimSpace(id) == "" {
		return fmt.Errorf("%w: empty account id", ErrInvalidAccount)
	}
	if len(id) > maxAccountIDLen {
		return fmt.Errorf("%w: account id longer than %d", ErrInvalidAccount, maxAccountIDLen)
	}
	for _, p := range []string{SystemPrefix, ExternalPrefix, PoolPrefix} {
		if strings.HasPrefix(id, p) {
			return fmt.Errorf("%w: reserved prefix in %q", ErrInvalidAccount, id)
		}
	}
	return nil
}

// Account is a balance holder. Amounts are minor units.
type Account struct {
	ID          string      `json:"id"`
	Kind        AccountKind `json:"kind"`
	Balance     int64       `json:"balance"`
	Pending     int64       `json:"pending"`
	LifetimeIn  int64       `json:"lifetime_in"`
	LifetimeOut int64       `json:"lifetime_out"`
	Verified    bool        `json:"verified"`
	Version     int64       `json:"version"`
	CreatedAt   time.Time   `json:"created_at"`
	UpdatedAt   time.Time   `json:"updated_at"`
}

// NewAccount returns a zero-balance user account at version 1.
func NewAccount(id string, verified bool, now time.Time) Account {
	return Account{
		ID:        id,
		Kind:      AccountUser,
		Verified:  verified,
		Version:   1,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// NewSystemAccount returns an empty accumulator.
func NewSystemAccount(id string, now time.Time) Account {
	return Account{
		ID:        id,
		Kind:      AccountSystem,
		Version:   1,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Available is the balance not earmarked by holds.
func (a Account) Available() int64 {
	return a.Balance - a.Pending
}

// Validate checks 0 <= pending <= balance.
func (a Account) Validate() error {
	if a.Balance < 0 {
		return fmt.Errorf("account %s has negative balance: %d", a.ID, a.Balance)
	}
	if a.Pending < 0 || a.Pending > a.Balance {
		return fmt.Errorf("account %s has pending %d outside [0, %d]", a.ID, a.Pending, a.Balance)
	}
	return nil
}

// Credit returns the account after receiving amount, or an error wrapping
// nexmath.ErrOverflow if the balance would not fit in int64.
func (a Account) Credit(amount int64, now time.Time) (Account, error) {
	balance, err := nexmath.CheckedAdd(a.Balance, amount)
	if err != nil {
		return a, fmt.Errorf("credit %d to %s: %w", amount, a.ID, err)
	}
	lifetime, err := nexmath.CheckedAdd(a.LifetimeIn, amount)
	if err != nil {
		return a, fmt.Errorf("credit %d to %s lifetime total: %w", amount, a.ID, err)
	}
	a.Balance = balance
	a.LifetimeIn = lifetime
	a.Version++
	a.UpdatedAt = now
	return a, nil
}

// Debit returns the account after paying out amount, or
// *InsufficientBalanceError if available funds do not cover it.
func (a Account) Debit(amount int64, now time.Time) (Account, error) {
	if avail := a.Available(); amount > avail {
		return a, &InsufficientBalanceError{AccountID: a.ID, Required: amount, Available: avail}
	}
	a.Balance -= amount
	a.LifetimeOut += amount
	a.Version++
	a.UpdatedAt = now
	return a, nil
}
