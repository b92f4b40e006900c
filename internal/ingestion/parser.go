package ingestion

import (
	"NexLedger/internal/core"
	nexmath "NexLedger/internal/math"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// SubjectPrefix is the intake subject root; the last token names the kind.
const SubjectPrefix = "nexledger.ops."

var ErrInvalidDescriptor = errors.New("ingestion: invalid operation descriptor")

// Descriptor is the wire format of an operation. Amounts are decimal
// strings in major units ("12.50"); adjustments may be negative.
type Descriptor struct {
	Kind          string `json:"kind"`
	AccountID     string `json:"account_id"`
	RecipientID   string `json:"recipient_id"`
	PoolID        string `json:"pool_id"`
	Source        string `json:"source"`
	Amount        string `json:"amount"`
	Split         string `json:"split"`
	Reason        string `json:"reason"`
	TransactionID string `json:"transaction_id"`
	Verified      bool   `json:"verified"`
	CorrelationID string `json:"correlation_id"`
}

// KindFromSubject extracts the operation kind from an intake subject.
func KindFromSubject(subject string) (string, error) {
	kind, ok := strings.CutPrefix(subject, SubjectPrefix)
	if !ok || kind == "" || strings.Contains(kind, ".") {
		return "", fmt.Errorf("%w: subject %q", ErrInvalidDescriptor, subject)
	}
	return kind, nil
}

// ParseOperation decodes and validates a descriptor. kind comes from the
// subject; a kind in the payload must agree with it. An empty kind takes
// the payload's.
func ParseOperation(kind string, data []byte, cfg nexmath.DecimalConfig) (core.Operation, error) {
	var d Descriptor
	if err := json.Unmarshal(data, &d); err != nil {
		return core.Operation{}, fmt.Errorf("%w: %v", ErrInvalidDescriptor, err)
	}
	return d.Operation(kind, cfg)
}

// Operation validates d as an operation of the given kind and converts its
// amount to minor units.
func (d Descriptor) Operation(kind string, cfg nexmath.DecimalConfig) (core.Operation, error) {
	switch {
	case kind == "":
		kind = d.Kind
	case d.Kind != "" && d.Kind != kind:
		return core.Operation{}, fmt.Errorf("%w: payload kind %q on %q subject", ErrInvalidDescriptor, d.Kind, kind)
	}

	op := core.Operation{
		Kind:          kind,
		AccountID:     d.AccountID,
		RecipientID:   d.RecipientID,
		PoolID:        d.PoolID,
		Source:        d.Source,
		SplitName:     d.Split,
		Reason:        d.Reason,
		TransactionID: d.TransactionID,
		Verified:      d.Verified,
		CorrelationID: d.CorrelationID,
	}

	var err error
	switch kind {
	case core.OpOpenAccount, core.OpSetVerified:
		err = require("account_id", d.AccountID)
	case core.OpDeposit, core.OpWithdrawal, core.OpPayout, core.OpHold, core.OpHoldRelease:
		if err = require("account_id", d.AccountID); err == nil {
			op.Amount, err = parseAmount(d.Amount, cfg)
		}
	case core.OpTip:
		if err = require("account_id", d.AccountID); err == nil {
			err = require("recipient_id", d.RecipientID)
		}
		if err == nil {
			op.Amount, err = parseAmount(d.Amount, cfg)
		}
	case core.OpProgressiveContribution:
		if err = require("pool_id", d.PoolID); err == nil {
			op.Amount, err = parseAmount(d.Amount, cfg)
		}
	case core.OpProgressiveAward:
		if err = require("pool_id", d.PoolID); err == nil {
			err = require("account_id", d.AccountID)
		}
	case core.OpAdjustment:
		if err = require("account_id", d.AccountID); err == nil {
			err = require("reason", d.Reason)
		}
		if err == nil {
			op.Amount, err = parseSignedAmount(d.Amount, cfg)
		}
	case core.OpRefund:
		if _, perr := uuid.Parse(d.TransactionID); perr != nil {
			err = fmt.Errorf("%w: transaction_id: %v", ErrInvalidDescriptor, perr)
		}
	default:
		err = fmt.Errorf("%w: %w: %q", ErrInvalidDescriptor, core.ErrUnknownOperation, kind)
	}
	if err != nil {
		return core.Operation{}, err
	}
	return op, nil
}

func require(field, value string) error {
	if strings.TrimSpace(value) == "" {
		return fmt.Errorf("%w: %s is required", ErrInvalidDescriptor, field)
	}
	return nil
}

// parseAmount converts a major-unit string to a positive minor-unit amount.
func parseAmount(s string, cfg nexmath.DecimalConfig) (int64, error) {
	if s == "" {
		return 0, fmt.Errorf("%w: amount is required", ErrInvalidDescriptor)
	}
	v, err := nexmath.ParseAmount(s, cfg)
	if err != nil {
		return 0, fmt.Errorf("%w: amount %q: %w", ErrInvalidDescriptor, s, err)
	}
	return v, nil
}

// parseSignedAmount is parseAmount allowing a leading minus.
func parseSignedAmount(s string, cfg nexmath.DecimalConfig) (int64, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("%w: amount %q: %v", ErrInvalidDescriptor, s, err)
	}
	v, err := nexmath.FromDecimal(d.Abs(), cfg)
	if err != nil {
		return 0, fmt.Errorf("%w: amount %q: %w", ErrInvalidDescriptor, s, err)
	}
	if d.Sign() < 0 {
		v = -v
	}
	return v, nil
}
