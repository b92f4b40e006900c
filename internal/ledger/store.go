package ledger

import (
	"NexLedger/internal/pool"
	"context"
	"fmt"

	"github.com/google/uuid"
)

// Increment adds Delta to a system accumulator, creating it if absent.
// Accumulators are not locked: the store applies the delta atomically and
// refuses a negative Delta that would drive the balance below zero.
type Increment struct {
	AccountID string
	Delta     int64
}

// Mutation is everything one operation writes. A store applies all of it
// or none of it.
type Mutation struct {
	// Accounts are new states of locked accounts. Each Version must be
	// exactly one past the stored version.
	Accounts   []Account
	Increments []Increment
	// Pools are new pool states, also version-checked.
	Pools   []pool.Pool
	Records []TransactionRecord
}

// Validate checks every account and record in the mutation.
func (m *Mutation) Validate() error {
	for _, a := range m.Accounts {
		if err := a.Validate(); err != nil {
			return err
		}
	}
	for _, inc := range m.Increments {
		if !IsSystemAccount(inc.AccountID) {
			return fmt.Errorf("increment on non-system account %s", inc.AccountID)
		}
		if inc.Delta == 0 {
			return fmt.Errorf("increment on %s is zero", inc.AccountID)
		}
	}
	for i := range m.Records {
		if err := m.Records[i].Validate(); err != nil {
			return err
		}
	}
	return nil
}

// Store is the durable state behind the processor.
type Store interface {
	CreateAccount(ctx context.Context, a Account) error
	GetAccount(ctx context.Context, id string) (Account, error)
	ListAccounts(ctx context.Context) ([]Account, error)

	// Commit applies m atomically and returns its records with sequence
	// numbers assigned. A stale version yields ErrVersionConflict and a
	// reused correlation id yields ErrDuplicateOperation.
	Commit(ctx context.Context, m Mutation) ([]TransactionRecord, error)

	GetTransaction(ctx context.Context, id uuid.UUID) (TransactionRecord, error)
	// ListTransactions returns up to limit records touching accountID,
	// newest first. An empty accountID lists every record.
	ListTransactions(ctx context.Context, accountID string, limit int) ([]TransactionRecord, error)
	HasCorrelation(ctx context.Context, correlationID string) (bool, error)

	CreatePool(ctx context.Context, p pool.Pool) error
	GetPool(ctx context.Context, id string) (pool.Pool, error)
	ListPools(ctx context.Context) ([]pool.Pool, error)

	Ping(ctx context.Context) error
	Close() error
}
