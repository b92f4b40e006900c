package query

import (
	"time"

	"github.com/google/uuid"
)

// Amount carries a value both as minor units and as a formatted
// major-unit string ("12.50").
type Amount struct {
	Minor     int64  `json:"minor"`
	Formatted string `json:"formatted"`
}

// PoolResponse represents a progressive pool for API queries.
type PoolResponse struct {
	ID               string         `json:"id"`
	Current          Amount         `json:"current"`
	Minimum          Amount         `json:"minimum"`
	Maximum          Amount         `json:"maximum"`
	Rate             string         `json:"rate"`
	TotalContributed Amount         `json:"total_contributed"`
	LastAward        *AwardResponse `json:"last_award,omitempty"`
	Version          int64          `json:"version"`
	UpdatedAt        time.Time      `json:"updated_at"`
}

// AwardResponse is the most recent payout of a pool.
type AwardResponse struct {
	AccountID string    `json:"account_id"`
	Amount    Amount    `json:"amount"`
	At        time.Time `json:"at"`
}

// LockResponse represents a live account or pool lock.
type LockResponse struct {
	Key         string    `json:"key"`
	Operation   string    `json:"operation"`
	CreatedAt   time.Time `json:"created_at"`
	ExpiresAt   time.Time `json:"expires_at"`
	RemainingMs int64     `json:"remaining_ms"`
}

// LegResponse is one signed movement of a transaction.
type LegResponse struct {
	Account string `json:"account"`
	Amount  Amount `json:"amount"`
	Label   string `json:"label,omitempty"`
}

// TransactionResponse represents a transaction record for API queries.
type TransactionResponse struct {
	ID            uuid.UUID     `json:"id"`
	Sequence      int64         `json:"sequence"`
	Kind          string        `json:"kind"`
	Amount        Amount        `json:"amount"`
	Source        string        `json:"source,omitempty"`
	Destination   string        `json:"destination,omitempty"`
	Legs          []LegResponse `json:"legs,omitempty"`
	SplitName     string        `json:"split_name,omitempty"`
	PoolID        string        `json:"pool_id,omitempty"`
	Reason        string        `json:"reason,omitempty"`
	CorrelationID string        `json:"correlation_id"`
	Supersedes    *uuid.UUID    `json:"supersedes,omitempty"`
	Timestamp     time.Time     `json:"timestamp"`
}

// LockdownResponse is the gate state plus its recent audit trail.
type LockdownResponse struct {
	Active      bool            `json:"active"`
	Level       string          `json:"level"`
	Reason      string          `json:"reason,omitempty"`
	Initiator   string          `json:"initiator,omitempty"`
	ActivatedAt *time.Time      `json:"activated_at,omitempty"`
	Scope       []string        `json:"scope,omitempty"`
	History     []LockdownEntry `json:"history,omitempty"`
}

// LockdownEntry is one audited lockdown transition.
type LockdownEntry struct {
	ID        string    `json:"id"`
	Action    string    `json:"action"`
	Level     string    `json:"level"`
	Reason    string    `json:"reason,omitempty"`
	Initiator string    `json:"initiator"`
	Scope     []string  `json:"scope,omitempty"`
	At        time.Time `json:"at"`
}

// IntegrityReport is the result of an integrity verification check.
type IntegrityReport struct {
	IsHealthy       bool        `json:"is_healthy"`
	RecordsChecked  int         `json:"records_checked"`
	DigestMismatch  []uuid.UUID `json:"digest_mismatch,omitempty"`
	InvariantErrors []string    `json:"invariant_errors,omitempty"`
	AsOfSequence    int64       `json:"as_of_sequence"`
}
