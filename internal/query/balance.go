package query

import (
	"NexLedger/internal/ledger"
	"time"
)

// BalanceResponse represents an account balance for API queries.
type BalanceResponse struct {
	AccountID string `json:"account_id"`
	Kind      string `json:"kind"`

	Balance     Amount `json:"balance"`
	Pending     Amount `json:"pending"`   // earmarked by holds
	Available   Amount `json:"available"` // balance - pending
	LifetimeIn  Amount `json:"lifetime_in"`
	LifetimeOut Amount `json:"lifetime_out"`

	Verified  bool      `json:"verified"`
	Version   int64     `json:"version"`
	UpdatedAt time.Time `json:"updated_at"`

	// Sequence of the newest committed record when the balance was read.
	AsOfSequence int64 `json:"as_of_sequence"`
}

// Balance converts an account to its API form.
func (s *Service) Balance(a ledger.Account, asOf int64) *BalanceResponse {
	return &BalanceResponse{
		AccountID:    a.ID,
		Kind:         string(a.Kind),
		Balance:      s.FormatAmount(a.Balance),
		Pending:      s.FormatAmount(a.Pending),
		Available:    s.FormatAmount(a.Available()),
		LifetimeIn:   s.FormatAmount(a.LifetimeIn),
		LifetimeOut:  s.FormatAmount(a.LifetimeOut),
		Verified:     a.Verified,
		Version:      a.Version,
		UpdatedAt:    a.UpdatedAt,
		AsOfSequence: asOf,
	}
}
