package core

import (
	"NexLedger/internal/ledger"
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

var ErrUnknownOperation = errors.New("core: unknown operation")

// Operation kinds accepted by Execute. Balance-affecting kinds share the
// names of the records they produce.
const (
	OpOpenAccount             = "open_account"
	OpSetVerified             = "set_verified"
	OpDeposit                 = string(ledger.KindDeposit)
	OpWithdrawal              = string(ledger.KindWithdrawal)
	OpTip                     = string(ledger.KindTip)
	OpPayout                  = string(ledger.KindPayout)
	OpProgressiveContribution = string(ledger.KindProgressiveContribution)
	OpProgressiveAward        = string(ledger.KindProgressiveAward)
	OpHold                    = string(ledger.KindHold)
	OpHoldRelease             = string(ledger.KindHoldRelease)
	OpAdjustment              = string(ledger.KindAdjustment)
	OpRefund                  = string(ledger.KindRefund)
)

// Operation is a plain descriptor of one ledger operation, as received
// from NATS intake or the HTTP API. Amounts are minor units.
type Operation struct {
	Kind          string `json:"kind"`
	AccountID     string `json:"account_id,omitempty"`
	RecipientID   string `json:"recipient_id,omitempty"`
	PoolID        string `json:"pool_id,omitempty"`
	Source        string `json:"source,omitempty"`
	Amount        int64  `json:"amount,omitempty"`
	SplitName     string `json:"split,omitempty"`
	Reason        string `json:"reason,omitempty"`
	TransactionID string `json:"transaction_id,omitempty"`
	Verified      bool   `json:"verified,omitempty"`
	CorrelationID string `json:"correlation_id,omitempty"`
}

// Execute dispatches op to the matching processor method. For adjustments
// Amount is the signed delta.
func (p *Processor) Execute(ctx context.Context, op Operation) (Result, error) {
	if op.CorrelationID != "" {
		ctx = WithCorrelationID(ctx, op.CorrelationID)
	}

	switch op.Kind {
	case OpOpenAccount:
		a, err := p.OpenAccount(ctx, op.AccountID, op.Verified)
		if err != nil {
			return Result{}, err
		}
		return Result{Accounts: []ledger.Account{a}}, nil
	case OpSetVerified:
		a, err := p.SetVerified(ctx, op.AccountID, op.Verified)
		if err != nil {
			return Result{}, err
		}
		return Result{Accounts: []ledger.Account{a}}, nil
	case OpDeposit:
		return p.Deposit(ctx, op.AccountID, op.Amount)
	case OpWithdrawal:
		return p.Withdraw(ctx, op.AccountID, op.Amount)
	case OpTip:
		return p.Tip(ctx, op.AccountID, op.RecipientID, op.Amount, op.SplitName)
	case OpPayout:
		return p.Payout(ctx, op.AccountID, op.Amount)
	case OpProgressiveContribution:
		return p.ContributeProgressive(ctx, op.PoolID, op.Amount, op.Source)
	case OpProgressiveAward:
		return p.AwardProgressive(ctx, op.PoolID, op.AccountID)
	case OpHold:
		return p.Hold(ctx, op.AccountID, op.Amount)
	case OpHoldRelease:
		return p.ReleaseHold(ctx, op.AccountID, op.Amount)
	case OpAdjustment:
		return p.Adjust(ctx, op.AccountID, op.Amount, op.Reason)
	case OpRefund:
		id, err := uuid.Parse(op.TransactionID)
		if err != nil {
			return Result{}, fmt.Errorf("%w: transaction id %q", ledger.ErrTransactionNotFound, op.TransactionID)
		}
		return p.Refund(ctx, id, op.Reason)
	default:
		return Result{}, fmt.Errorf("%w: %q", ErrUnknownOperation, op.Kind)
	}
}
