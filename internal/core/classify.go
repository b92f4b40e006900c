package core

import (
	"NexLedger/internal/auth"
	"NexLedger/internal/ledger"
	"NexLedger/internal/lock"
	"NexLedger/internal/lockdown"
	nexmath "NexLedger/internal/math"
	"NexLedger/internal/pool"
	"NexLedger/internal/split"
	"context"
	"errors"
	"fmt"
)

// ErrorClass tells a caller what to do with a failed operation.
type ErrorClass string

const (
	ClassNone         ErrorClass = ""
	ClassRetryable    ErrorClass = "retryable"
	ClassTerminal     ErrorClass = "terminal"
	ClassNotFound     ErrorClass = "not_found"
	ClassUnauthorized ErrorClass = "unauthorized"
	ClassForbidden    ErrorClass = "forbidden"
	ClassInternal     ErrorClass = "internal"
)

// Classify maps an operation error to its class.
func Classify(err error) ErrorClass {
	switch {
	case err == nil:
		return ClassNone
	case errors.Is(err, ledger.ErrInternalFault):
		return ClassInternal
	case errors.Is(err, lock.ErrAlreadyLocked),
		errors.Is(err, lockdown.ErrLockdownActive),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, context.Canceled):
		return ClassRetryable
	case errors.Is(err, ledger.ErrAccountNotFound),
		errors.Is(err, ledger.ErrTransactionNotFound),
		errors.Is(err, pool.ErrPoolNotFound):
		return ClassNotFound
	case errors.Is(err, auth.ErrUnauthorized):
		return ClassUnauthorized
	case errors.Is(err, auth.ErrForbidden):
		return ClassForbidden
	case errors.Is(err, ledger.ErrInsufficientBalance),
		errors.Is(err, ledger.ErrInvalidAmount),
		errors.Is(err, ledger.ErrInvalidAccount),
		errors.Is(err, ledger.ErrAccountExists),
		errors.Is(err, ledger.ErrAccountNotVerified),
		errors.Is(err, ledger.ErrDuplicateOperation),
		errors.Is(err, ledger.ErrNotRefundable),
		errors.Is(err, ledger.ErrSelfTransfer),
		errors.Is(err, pool.ErrEligibilityNotMet),
		errors.Is(err, pool.ErrInvalidPool),
		errors.Is(err, pool.ErrPoolExists),
		errors.Is(err, split.ErrInvalidSplit),
		errors.Is(err, split.ErrUnknownSplit),
		errors.Is(err, lockdown.ErrInvalidCommand),
		errors.Is(err, lockdown.ErrUnknownCommand),
		errors.Is(err, nexmath.ErrOverflow),
		errors.Is(err, nexmath.ErrPrecision),
		errors.Is(err, nexmath.ErrNegativeAmount),
		errors.Is(err, ErrUnknownOperation):
		return ClassTerminal
	default:
		return ClassInternal
	}
}

// IsRetryable reports whether the same request may succeed later.
func IsRetryable(err error) bool {
	return Classify(err) == ClassRetryable
}

// Reason is a stable, low-cardinality label for metrics and API payloads.
func Reason(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ledger.ErrInternalFault):
		return "internal_fault"
	case errors.Is(err, lock.ErrAlreadyLocked):
		return "already_locked"
	case errors.Is(err, lockdown.ErrLockdownActive):
		return "lockdown_active"
	case errors.Is(err, ledger.ErrInsufficientBalance):
		return "insufficient_balance"
	case errors.Is(err, ledger.ErrAccountNotFound):
		return "account_not_found"
	case errors.Is(err, pool.ErrPoolNotFound):
		return "pool_not_found"
	case errors.Is(err, pool.ErrEligibilityNotMet):
		return "eligibility_not_met"
	case errors.Is(err, split.ErrInvalidSplit), errors.Is(err, split.ErrUnknownSplit):
		return "invalid_split"
	case errors.Is(err, ledger.ErrAccountNotVerified):
		return "account_not_verified"
	case errors.Is(err, ledger.ErrDuplicateOperation):
		return "duplicate_operation"
	case errors.Is(err, ledger.ErrTransactionNotFound):
		return "transaction_not_found"
	case errors.Is(err, ledger.ErrNotRefundable):
		return "not_refundable"
	case errors.Is(err, ledger.ErrAccountExists):
		return "account_exists"
	case errors.Is(err, auth.ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, auth.ErrForbidden):
		return "forbidden"
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return "cancelled"
	}
	if Classify(err) == ClassTerminal {
		return "invalid_request"
	}
	return "internal_fault"
}

// UserMessage renders err for an end user. Internal details are hidden.
func UserMessage(err error) string {
	var (
		locked       *lock.AlreadyLockedError
		active       *lockdown.ActiveError
		insufficient *ledger.InsufficientBalanceError
	)
	switch {
	case err == nil:
		return ""
	case errors.As(err, &locked):
		return fmt.Sprintf("Another %s is in progress on this account. Try again in a moment.", locked.Operation)
	case errors.As(err, &active):
		return fmt.Sprintf("The platform is in a %s lockdown (%s). Please try again later.", active.Level, active.Reason)
	case errors.As(err, &insufficient):
		return fmt.Sprintf("Insufficient balance: %d required, %d available.", insufficient.Required, insufficient.Available)
	case Classify(err) == ClassInternal:
		return "Something went wrong. Your balance was not changed."
	default:
		return err.Error()
	}
}
