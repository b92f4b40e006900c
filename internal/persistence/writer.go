package persistence

import (
	"NexLedger/internal/ledger"
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

const recordColumns = `sequence, id, kind, amount, source, destination, split_name, pool_id, reason,
	correlation_id, supersedes, digest, created_at`

// insertRecords writes transaction records and their legs inside tx and
// returns them with store-assigned sequence numbers.
func insertRecords(ctx context.Context, tx *sql.Tx, records []ledger.TransactionRecord) ([]ledger.TransactionRecord, error) {
	out := make([]ledger.TransactionRecord, len(records))
	for i, r := range records {
		err := tx.QueryRowContext(ctx,
			`INSERT INTO nexledger.transactions
			 (id, kind, amount, source, destination, split_name, pool_id, reason, correlation_id, supersedes, digest, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
			 RETURNING sequence`,
			r.ID, string(r.Kind), r.Amount, r.Source, r.Destination, r.SplitName, r.PoolID, r.Reason,
			r.CorrelationID, r.Supersedes, r.Digest, r.Timestamp,
		).Scan(&r.Sequence)
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("%w: %s", ledger.ErrDuplicateOperation, r.CorrelationID)
		}
		if err != nil {
			return nil, fmt.Errorf("insert record %s: %w", r.ID, err)
		}
		if err := writeLegBatch(ctx, tx, r.ID, r.Legs); err != nil {
			return nil, err
		}
		out[i] = r
	}
	return out, nil
}

// writeLegBatch inserts all legs of one record with a multi-row INSERT.
func writeLegBatch(ctx context.Context, tx *sql.Tx, id uuid.UUID, legs []ledger.Leg) error {
	if len(legs) == 0 {
		return nil
	}

	query := `INSERT INTO nexledger.legs (transaction_id, position, account, amount, label) VALUES `
	values := make([]string, 0, len(legs))
	args := make([]interface{}, 0, len(legs)*5)

	for i, l := range legs {
		base := i * 5
		values = append(values, fmt.Sprintf("($%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5))
		args = append(args, id, i, l.Account, l.Amount, l.Label)
	}

	query += strings.Join(values, ", ")
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("insert legs for %s: %w", id, err)
	}
	return nil
}

// queryRecords runs a transactions query selecting recordColumns and
// attaches the legs of every returned record.
func (s *PostgresStore) queryRecords(ctx context.Context, query string, args ...interface{}) ([]ledger.TransactionRecord, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query records: %w", err)
	}
	defer rows.Close()

	var (
		out   []ledger.TransactionRecord
		ids   []string
		index = make(map[uuid.UUID]int)
	)
	for rows.Next() {
		var (
			r          ledger.TransactionRecord
			kind       string
			supersedes uuid.NullUUID
		)
		if err := rows.Scan(&r.Sequence, &r.ID, &kind, &r.Amount, &r.Source, &r.Destination,
			&r.SplitName, &r.PoolID, &r.Reason, &r.CorrelationID, &supersedes, &r.Digest, &r.Timestamp); err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		r.Kind = ledger.Kind(kind)
		if supersedes.Valid {
			id := supersedes.UUID
			r.Supersedes = &id
		}
		index[r.ID] = len(out)
		ids = append(ids, r.ID.String())
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, nil
	}

	legRows, err := s.db.QueryContext(ctx,
		`SELECT transaction_id, account, amount, label FROM nexledger.legs
		 WHERE transaction_id = ANY($1::uuid[])
		 ORDER BY transaction_id, position`,
		pq.Array(ids))
	if err != nil {
		return nil, fmt.Errorf("query legs: %w", err)
	}
	defer legRows.Close()

	for legRows.Next() {
		var (
			txID uuid.UUID
			l    ledger.Leg
		)
		if err := legRows.Scan(&txID, &l.Account, &l.Amount, &l.Label); err != nil {
			return nil, fmt.Errorf("scan leg: %w", err)
		}
		i := index[txID]
		out[i].Legs = append(out[i].Legs, l)
	}
	return out, legRows.Err()
}
