package ledger

import (
	"errors"
	"fmt"
)

var (
	ErrAccountNotFound     = errors.New("ledger: account not found")
	ErrAccountExists       = errors.New("ledger: account already exists")
	ErrInvalidAccount      = errors.New("ledger: invalid account")
	ErrInvalidAmount       = errors.New("ledger: invalid amount")
	ErrInsufficientBalance = errors.New("ledger: insufficient balance")
	ErrAccountNotVerified  = errors.New("ledger: account not verified")
	ErrDuplicateOperation  = errors.New("ledger: duplicate operation")
	ErrVersionConflict     = errors.New("ledger: version conflict")
	ErrTransactionNotFound = errors.New("ledger: transaction not found")
	ErrNotRefundable       = errors.New("ledger: transaction not refundable")
	ErrSelfTransfer        = errors.New("ledger: sender and recipient are the same account")
	ErrInternalFault       = errors.New("ledger: internal fault")
)

// InsufficientBalanceError carries the shortfall.
type InsufficientBalanceError struct {
	AccountID string
	Required  int64
	Available int64
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("ledger: insufficient balance on %s: required %d, available %d", e.AccountID, e.Required, e.Available)
}

func (e *InsufficientBalanceError) Is(target error) bool {
	return target == ErrInsufficientBalance
}

// InternalFault wraps a failure after locks were taken. No state was
// changed when it is returned.
type InternalFault struct {
	Op  string
	Err error
}

func (e *InternalFault) Error() string {
	return fmt.Sprintf("ledger: internal fault during %s: %v", e.Op, e.Err)
}

func (e *InternalFault) Unwrap() error { return e.Err }

func (e *InternalFault) Is(target error) bool {
	return target == ErrInternalFault
}
