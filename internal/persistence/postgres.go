package persistence

import (
	"NexLedger/internal/ledger"
	nexmath "NexLedger/internal/math"
	"NexLedger/internal/pool"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

const (
	uniqueViolation   = "23505"
	numericOutOfRange = "22003"
)

// PostgresStore is the durable ledger store. Every Commit runs in one
// database transaction with optimistic version checks on accounts and pools.
type PostgresStore struct {
	db     *sql.DB
	logger zerolog.Logger
	now    func() time.Time
}

var _ ledger.Store = (*PostgresStore)(nil)

func NewPostgresStore(db *sql.DB, logger zerolog.Logger) *PostgresStore {
	return &PostgresStore{db: db, logger: logger, now: time.Now}
}

// OpenPostgres opens and pings a lib/pq connection pool.
func OpenPostgres(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return db, nil
}

const accountColumns = `id, kind, balance, pending, lifetime_in, lifetime_out, verified, version, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanAccount(row rowScanner) (ledger.Account, error) {
	var a ledger.Account
	var kind string
	err := row.Scan(&a.ID, &kind, &a.Balance, &a.Pending, &a.LifetimeIn, &a.LifetimeOut,
		&a.Verified, &a.Version, &a.CreatedAt, &a.UpdatedAt)
	a.Kind = ledger.AccountKind(kind)
	return a, err
}

func (s *PostgresStore) CreateAccount(ctx context.Context, a ledger.Account) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO nexledger.accounts (`+accountColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		a.ID, string(a.Kind), a.Balance, a.Pending, a.LifetimeIn, a.LifetimeOut,
		a.Verified, a.Version, a.CreatedAt, a.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: %s", ledger.ErrAccountExists, a.ID)
	}
	return err
}

func (s *PostgresStore) GetAccount(ctx context.Context, id string) (ledger.Account, error) {
	a, err := scanAccount(s.db.QueryRowContext(ctx,
		`SELECT `+accountColumns+` FROM nexledger.accounts WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Account{}, fmt.Errorf("%w: %s", ledger.ErrAccountNotFound, id)
	}
	if err != nil {
		return ledger.Account{}, fmt.Errorf("get account %s: %w", id, err)
	}
	return a, nil
}

func (s *PostgresStore) ListAccounts(ctx context.Context) ([]ledger.Account, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+accountColumns+` FROM nexledger.accounts ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}
	defer rows.Close()

	var out []ledger.Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("scan account: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// Commit applies the mutation in a single transaction. Stale versions,
// overdrawn accumulators and reused correlation ids abort it.
func (s *PostgresStore) Commit(ctx context.Context, m ledger.Mutation) ([]ledger.TransactionRecord, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin commit: %w", err)
	}
	defer tx.Rollback()

	for _, a := range m.Accounts {
		if err := updateAccount(ctx, tx, a); err != nil {
			return nil, err
		}
	}
	now := s.now()
	for _, inc := range m.Increments {
		if err := applyIncrement(ctx, tx, inc, now); err != nil {
			return nil, err
		}
	}
	for _, p := range m.Pools {
		if err := updatePool(ctx, tx, p); err != nil {
			return nil, err
		}
	}

	out, err := insertRecords(ctx, tx, m.Records)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return out, nil
}

func updateAccount(ctx context.Context, tx *sql.Tx, a ledger.Account) error {
	res, err := tx.ExecContext(ctx,
		`UPDATE nexledger.accounts
		 SET balance = $2, pending = $3, lifetime_in = $4, lifetime_out = $5,
		     verified = $6, version = $7, updated_at = $8
		 WHERE id = $1 AND version = $7 - 1`,
		a.ID, a.Balance, a.Pending, a.LifetimeIn, a.LifetimeOut, a.Verified, a.Version, a.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("update account %s: %w", a.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return nil
	}

	var version int64
	err = tx.QueryRowContext(ctx, `SELECT version FROM nexledger.accounts WHERE id = $1`, a.ID).Scan(&version)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s", ledger.ErrAccountNotFound, a.ID)
	}
	if err != nil {
		return fmt.Errorf("read account %s version: %w", a.ID, err)
	}
	return fmt.Errorf("%w: account %s at version %d, write expects %d", ledger.ErrVersionConflict, a.ID, version, a.Version-1)
}

// applyIncrement moves an accumulator in place. Credits upsert; debits only
// apply while the balance stays non-negative.
func applyIncrement(ctx context.Context, tx *sql.Tx, inc ledger.Increment, now time.Time) error {
	if inc.Delta > 0 {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO nexledger.accounts (id, kind, balance, lifetime_in, version, created_at, updated_at)
			 VALUES ($1, 'system', $2, $2, 1, $3, $3)
			 ON CONFLICT (id) DO UPDATE
			 SET balance = nexledger.accounts.balance + EXCLUDED.balance,
			     lifetime_in = nexledger.accounts.lifetime_in + EXCLUDED.balance,
			     version = nexledger.accounts.version + 1,
			     updated_at = EXCLUDED.updated_at`,
			inc.AccountID, inc.Delta, now,
		)
		if isOutOfRange(err) {
			return fmt.Errorf("credit %s: %w", inc.AccountID, nexmath.ErrOverflow)
		}
		if err != nil {
			return fmt.Errorf("credit %s: %w", inc.AccountID, err)
		}
		return nil
	}

	res, err := tx.ExecContext(ctx,
		`UPDATE nexledger.accounts
		 SET balance = balance + $2, lifetime_out = lifetime_out - $2,
		     version = version + 1, updated_at = $3
		 WHERE id = $1 AND balance + $2 >= 0`,
		inc.AccountID, inc.Delta, now,
	)
	if err != nil {
		return fmt.Errorf("debit %s: %w", inc.AccountID, err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return nil
	}

	var balance int64
	err = tx.QueryRowContext(ctx, `SELECT balance FROM nexledger.accounts WHERE id = $1`, inc.AccountID).Scan(&balance)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s", ledger.ErrAccountNotFound, inc.AccountID)
	}
	if err != nil {
		return fmt.Errorf("read %s balance: %w", inc.AccountID, err)
	}
	return &ledger.InsufficientBalanceError{AccountID: inc.AccountID, Required: -inc.Delta, Available: balance}
}

func updatePool(ctx context.Context, tx *sql.Tx, p pool.Pool) error {
	lastAward, err := marshalAward(p.LastAward)
	if err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx,
		`UPDATE nexledger.pools
		 SET current_value = $2, total_contributed = $3, last_award = $4, version = $5, updated_at = $6
		 WHERE id = $1 AND version = $5 - 1`,
		p.ID, p.Current, p.TotalContributed, lastAward, p.Version, p.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("update pool %s: %w", p.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return nil
	}

	var version int64
	err = tx.QueryRowContext(ctx, `SELECT version FROM nexledger.pools WHERE id = $1`, p.ID).Scan(&version)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s", pool.ErrPoolNotFound, p.ID)
	}
	if err != nil {
		return fmt.Errorf("read pool %s version: %w", p.ID, err)
	}
	return fmt.Errorf("%w: pool %s at version %d, write expects %d", ledger.ErrVersionConflict, p.ID, version, p.Version-1)
}

func (s *PostgresStore) GetTransaction(ctx context.Context, id uuid.UUID) (ledger.TransactionRecord, error) {
	records, err := s.queryRecords(ctx,
		`SELECT `+recordColumns+` FROM nexledger.transactions WHERE id = $1`, id)
	if err != nil {
		return ledger.TransactionRecord{}, err
	}
	if len(records) == 0 {
		return ledger.TransactionRecord{}, fmt.Errorf("%w: %s", ledger.ErrTransactionNotFound, id)
	}
	return records[0], nil
}

func (s *PostgresStore) ListTransactions(ctx context.Context, accountID string, limit int) ([]ledger.TransactionRecord, error) {
	var lim sql.NullInt64
	if limit > 0 {
		lim = sql.NullInt64{Int64: int64(limit), Valid: true}
	}
	return s.queryRecords(ctx,
		`SELECT `+recordColumns+` FROM nexledger.transactions t
		 WHERE $1 = ''
		    OR t.source = $1 OR t.destination = $1
		    OR EXISTS (SELECT 1 FROM nexledger.legs l WHERE l.transaction_id = t.id AND l.account = $1)
		 ORDER BY t.sequence DESC
		 LIMIT $2`,
		accountID, lim)
}

func (s *PostgresStore) CreatePool(ctx context.Context, p pool.Pool) error {
	lastAward, err := marshalAward(p.LastAward)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO nexledger.pools
		 (id, current_value, minimum, maximum, rate, total_contributed, last_award, version, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		p.ID, p.Current, p.Minimum, p.Maximum, p.Rate.String(), p.TotalContributed, lastAward, p.Version, p.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: %s", pool.ErrPoolExists, p.ID)
	}
	return err
}

const poolColumns = `id, current_value, minimum, maximum, rate, total_contributed, last_award, version, updated_at`

func scanPool(row rowScanner) (pool.Pool, error) {
	var (
		p         pool.Pool
		rate      string
		lastAward []byte
	)
	if err := row.Scan(&p.ID, &p.Current, &p.Minimum, &p.Maximum, &rate,
		&p.TotalContributed, &lastAward, &p.Version, &p.UpdatedAt); err != nil {
		return pool.Pool{}, err
	}
	var err error
	if p.Rate, err = decimal.NewFromString(rate); err != nil {
		return pool.Pool{}, fmt.Errorf("pool %s rate %q: %w", p.ID, rate, err)
	}
	if len(lastAward) > 0 {
		p.LastAward = new(pool.Award)
		if err := json.Unmarshal(lastAward, p.LastAward); err != nil {
			return pool.Pool{}, fmt.Errorf("pool %s last award: %w", p.ID, err)
		}
	}
	return p, nil
}

func (s *PostgresStore) GetPool(ctx context.Context, id string) (pool.Pool, error) {
	p, err := scanPool(s.db.QueryRowContext(ctx,
		`SELECT `+poolColumns+` FROM nexledger.pools WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return pool.Pool{}, fmt.Errorf("%w: %s", pool.ErrPoolNotFound, id)
	}
	if err != nil {
		return pool.Pool{}, fmt.Errorf("get pool %s: %w", id, err)
	}
	return p, nil
}

func (s *PostgresStore) ListPools(ctx context.Context) ([]pool.Pool, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+poolColumns+` FROM nexledger.pools ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list pools: %w", err)
	}
	defer rows.Close()

	var out []pool.Pool
	for rows.Next() {
		p, err := scanPool(rows)
		if err != nil {
			return nil, fmt.Errorf("scan pool: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *PostgresStore) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *PostgresStore) Close() error { return s.db.Close() }

func marshalAward(a *pool.Award) (interface{}, error) {
	if a == nil {
		return nil, nil
	}
	b, err := json.Marshal(a)
	if err != nil {
		return nil, fmt.Errorf("marshal award: %w", err)
	}
	return b, nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == uniqueViolation
}

func isOutOfRange(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == numericOutOfRange
}
