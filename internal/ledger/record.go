package ledger

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Kind is the operation that produced a transaction record.
type Kind string

const (
	KindDeposit                 Kind = "deposit"
	KindWithdrawal              Kind = "withdrawal"
	KindTip                     Kind = "tip"
	KindPayout                  Kind = "payout"
	KindProgressiveContribution Kind = "progressive_contribution"
	KindProgressiveAward        Kind = "progressive_award"
	KindAdjustment              Kind = "adjustment"
	KindRefund                  Kind = "refund"
	KindHold                    Kind = "hold"
	KindHoldRelease             Kind = "hold_release"
)

// movesBalance reports whether records of this kind carry legs.
func (k Kind) movesBalance() bool {
	return k != KindHold && k != KindHoldRelease
}

// Refundable kinds can be reversed by a compensating refund record.
func (k Kind) Refundable() bool {
	switch k {
	case KindDeposit, KindWithdrawal, KindTip, KindPayout:
		return true
	}
	return false
}

// Leg is a signed movement on one account or boundary. Positive credits.
type Leg struct {
	Account string `json:"account"`
	Amount  int64  `json:"amount"`
	Label   string `json:"label,omitempty"`
}

// TransactionRecord is the immutable entry written for every
// balance-affecting operation.
type TransactionRecord struct {
	ID            uuid.UUID  `json:"id"`
	Sequence      int64      `json:"sequence"`
	Kind          Kind       `json:"kind"`
	Amount        int64      `json:"amount"`
	Source        string     `json:"source,omitempty"`
	Destination   string     `json:"destination,omitempty"`
	Legs          []Leg      `json:"legs,omitempty"`
	SplitName     string     `json:"split_name,omitempty"`
	PoolID        string     `json:"pool_id,omitempty"`
	Reason        string     `json:"reason,omitempty"`
	CorrelationID string     `json:"correlation_id"`
	Supersedes    *uuid.UUID `json:"supersedes,omitempty"`
	Timestamp     time.Time  `json:"timestamp"`
	Digest        string     `json:"digest"`
}

// Validate ensures the record is well-formed: a positive amount, non-zero
// legs and legs that sum to zero.
func (r *TransactionRecord) Validate() error {
	if r.ID == uuid.Nil {
		return fmt.Errorf("record has nil id")
	}
	if r.CorrelationID == "" {
		return fmt.Errorf("record %s has empty correlation id", r.ID)
	}
	if r.Amount <= 0 {
		return fmt.Errorf("record %s has non-positive amount: %d", r.ID, r.Amount)
	}

	if !r.Kind.movesBalance() {
		if len(r.Legs) != 0 {
			return fmt.Errorf("record %s of kind %s must not carry legs", r.ID, r.Kind)
		}
		return nil
	}

	if len(r.Legs) == 0 {
		return fmt.Errorf("record %s has no legs", r.ID)
	}

	var sum int64
	for _, l := range r.Legs {
		if l.Amount == 0 {
			return fmt.Errorf("record %s has zero leg on %s", r.ID, l.Account)
		}
		if l.Account == "" {
			return fmt.Errorf("record %s has leg without account", r.ID)
		}
		sum += l.Amount
	}
	if sum != 0 {
		return fmt.Errorf("record %s legs do not conserve value: sum %d", r.ID, sum)
	}
	return nil
}

// NetFor sums the legs touching account.
func (r *TransactionRecord) NetFor(account string) int64 {
	var net int64
	for _, l := range r.Legs {
		if l.Account == account {
			net += l.Amount
		}
	}
	return net
}

// Touches reports whether any leg, source or destination names account.
func (r *TransactionRecord) Touches(account string) bool {
	if r.Source == account || r.Destination == account {
		return true
	}
	for _, l := range r.Legs {
		if l.Account == account {
			return true
		}
	}
	return false
}
