package persistence

import (
	"NexLedger/internal/lockdown"
	"context"
	"database/sql"
	"fmt"

	"github.com/lib/pq"
)

// PostgresAuditLog persists lockdown transitions.
type PostgresAuditLog struct {
	db *sql.DB
}

var _ lockdown.AuditLog = (*PostgresAuditLog)(nil)

func NewPostgresAuditLog(db *sql.DB) *PostgresAuditLog {
	return &PostgresAuditLog{db: db}
}

func (l *PostgresAuditLog) Append(ctx context.Context, e lockdown.Event) error {
	scope := e.Scope
	if scope == nil {
		scope = []string{}
	}
	_, err := l.db.ExecContext(ctx,
		`INSERT INTO nexledger.lockdown_events (id, action, level, reason, initiator, scope, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		e.ID, e.Action, e.Level.String(), e.Reason, e.Initiator, pq.Array(scope), e.At,
	)
	if err != nil {
		return fmt.Errorf("append lockdown event: %w", err)
	}
	return nil
}

func (l *PostgresAuditLog) Latest(ctx context.Context) (lockdown.Event, bool, error) {
	events, err := l.List(ctx, 1)
	if err != nil || len(events) == 0 {
		return lockdown.Event{}, false, err
	}
	return events[0], true, nil
}

func (l *PostgresAuditLog) List(ctx context.Context, limit int) ([]lockdown.Event, error) {
	var lim sql.NullInt64
	if limit > 0 {
		lim = sql.NullInt64{Int64: int64(limit), Valid: true}
	}
	rows, err := l.db.QueryContext(ctx,
		`SELECT id, action, level, reason, initiator, scope, created_at
		 FROM nexledger.lockdown_events ORDER BY seq DESC LIMIT $1`, lim)
	if err != nil {
		return nil, fmt.Errorf("list lockdown events: %w", err)
	}
	defer rows.Close()

	var out []lockdown.Event
	for rows.Next() {
		var (
			e     lockdown.Event
			level string
			scope []string
		)
		if err := rows.Scan(&e.ID, &e.Action, &level, &e.Reason, &e.Initiator, pq.Array(&scope), &e.At); err != nil {
			return nil, fmt.Errorf("scan lockdown event: %w", err)
		}
		if e.Level, err = lockdown.ParseLevel(level); err != nil {
			return nil, err
		}
		if len(scope) > 0 {
			e.Scope = scope
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
