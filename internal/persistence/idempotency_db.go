package persistence

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// correlationLookupTimeout bounds the durable dedup lookup so a slow
// database does not stall admission.
const correlationLookupTimeout = 500 * time.Millisecond

// HasCorrelation reports whether a record with correlationID was committed.
func (s *PostgresStore) HasCorrelation(ctx context.Context, correlationID string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, correlationLookupTimeout)
	defer cancel()

	var exists int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM nexledger.transactions WHERE correlation_id = $1 LIMIT 1`,
		correlationID,
	).Scan(&exists)

	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}
