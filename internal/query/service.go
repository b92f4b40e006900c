package query

import (
	"NexLedger/internal/core"
	"NexLedger/internal/ledger"
	"NexLedger/internal/lock"
	"NexLedger/internal/lockdown"
	nexmath "NexLedger/internal/math"
	"NexLedger/internal/pool"
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const (
	DefaultHistoryLimit = 50
	MaxHistoryLimit     = 500
	lockdownHistory     = 20
)

// Service provides read-only access to balances, pools, locks, history
// and lockdown state. Balances and history come from the store; pool
// values from the engine, which mirrors committed pool state.
type Service struct {
	store    ledger.Store
	locks    lock.Registry
	pools    *pool.Engine
	gate     *lockdown.Gate
	currency nexmath.DecimalConfig
	hasher   *core.RecordHasher
	now      func() time.Time
}

func NewService(store ledger.Store, locks lock.Registry, pools *pool.Engine, gate *lockdown.Gate, currency nexmath.DecimalConfig) *Service {
	return &Service{
		store:    store,
		locks:    locks,
		pools:    pools,
		gate:     gate,
		currency: currency,
		hasher:   core.NewRecordHasher(),
		now:      time.Now,
	}
}

// Currency returns the precision amounts are formatted with.
func (s *Service) Currency() nexmath.DecimalConfig { return s.currency }

// GetBalance returns the balance of a user or system account.
func (s *Service) GetBalance(ctx context.Context, accountID string) (*BalanceResponse, error) {
	asOf, err := s.watermark(ctx)
	if err != nil {
		return nil, fmt.Errorf("watermark: %w", err)
	}
	a, err := s.store.GetAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	return s.Balance(a, asOf), nil
}

// GetPool returns one progressive pool as stored.
func (s *Service) GetPool(ctx context.Context, poolID string) (*PoolResponse, error) {
	p, err := s.store.GetPool(ctx, poolID)
	if err != nil {
		return nil, err
	}
	return s.Pool(p), nil
}

// ListPools returns every pool sorted by id.
func (s *Service) ListPools(_ context.Context) []PoolResponse {
	pools := s.pools.List()
	out := make([]PoolResponse, 0, len(pools))
	for _, p := range pools {
		out = append(out, *s.Pool(p))
	}
	return out
}

// ListActiveLocks returns the locks currently held.
func (s *Service) ListActiveLocks(ctx context.Context) ([]LockResponse, error) {
	locks, err := s.locks.ActiveLocks(ctx)
	if err != nil {
		return nil, fmt.Errorf("active locks: %w", err)
	}
	now := s.now()
	out := make([]LockResponse, 0, len(locks))
	for _, l := range locks {
		out = append(out, LockResponse{
			Key:         l.Key,
			Operation:   l.Operation,
			CreatedAt:   l.CreatedAt,
			ExpiresAt:   l.ExpiresAt,
			RemainingMs: l.Remaining(now).Milliseconds(),
		})
	}
	return out, nil
}

// GetTransactionHistory returns the records touching accountID, newest
// first. limit is clamped to [1, MaxHistoryLimit]; zero means the default.
func (s *Service) GetTransactionHistory(ctx context.Context, accountID string, limit int) ([]TransactionResponse, error) {
	if _, err := s.store.GetAccount(ctx, accountID); err != nil {
		return nil, err
	}
	switch {
	case limit <= 0:
		limit = DefaultHistoryLimit
	case limit > MaxHistoryLimit:
		limit = MaxHistoryLimit
	}

	records, err := s.store.ListTransactions(ctx, accountID, limit)
	if err != nil {
		return nil, fmt.Errorf("list transactions: %w", err)
	}
	out := make([]TransactionResponse, 0, len(records))
	for _, r := range records {
		out = append(out, s.Transaction(r))
	}
	return out, nil
}

// GetTransaction returns one record by id.
func (s *Service) GetTransaction(ctx context.Context, id string) (*TransactionResponse, error) {
	txID, err := uuid.Parse(id)
	if err != nil {
		return nil, fmt.Errorf("%w: %q", ledger.ErrTransactionNotFound, id)
	}
	r, err := s.store.GetTransaction(ctx, txID)
	if err != nil {
		return nil, err
	}
	resp := s.Transaction(r)
	return &resp, nil
}

// GetLockdownState returns the gate state and its recent audit trail.
func (s *Service) GetLockdownState(ctx context.Context) (*LockdownResponse, error) {
	st := s.gate.State()
	resp := &LockdownResponse{
		Active:    st.Active(),
		Level:     st.Level.String(),
		Reason:    st.Reason,
		Initiator: st.Initiator,
		Scope:     st.Scope,
	}
	if st.Active() {
		at := st.ActivatedAt
		resp.ActivatedAt = &at
	}

	events, err := s.gate.Audit().List(ctx, lockdownHistory)
	if err != nil {
		return nil, fmt.Errorf("lockdown history: %w", err)
	}
	for _, e := range events {
		resp.History = append(resp.History, LockdownEntry{
			ID:        e.ID,
			Action:    e.Action,
			Level:     e.Level.String(),
			Reason:    e.Reason,
			Initiator: e.Initiator,
			Scope:     e.Scope,
			At:        e.At,
		})
	}
	return resp, nil
}

// --- Admin APIs ---

// VerifyIntegrity recomputes every record digest and replays the history
// against stored balances.
func (s *Service) VerifyIntegrity(ctx context.Context) (*IntegrityReport, error) {
	records, err := s.store.ListTransactions(ctx, "", 0)
	if err != nil {
		return nil, fmt.Errorf("list transactions: %w", err)
	}

	report := &IntegrityReport{RecordsChecked: len(records)}
	if len(records) > 0 {
		report.AsOfSequence = records[0].Sequence
	}
	for i := range records {
		if !s.hasher.Verify(&records[i]) {
			report.DigestMismatch = append(report.DigestMismatch, records[i].ID)
		}
	}

	if err := ledger.NewInvariantValidator(s.store).ValidateLedger(ctx); err != nil {
		report.InvariantErrors = splitJoined(err)
	}

	report.IsHealthy = len(report.DigestMismatch) == 0 && len(report.InvariantErrors) == 0
	return report, nil
}

// --- helpers ---

// FormatAmount renders minor units as an Amount.
func (s *Service) FormatAmount(minor int64) Amount {
	return Amount{Minor: minor, Formatted: nexmath.FormatAmount(minor, s.currency)}
}

func (s *Service) watermark(ctx context.Context) (int64, error) {
	latest, err := s.store.ListTransactions(ctx, "", 1)
	if err != nil || len(latest) == 0 {
		return 0, err
	}
	return latest[0].Sequence, nil
}

// Pool converts an engine pool to its API form.
func (s *Service) Pool(p pool.Pool) *PoolResponse {
	resp := &PoolResponse{
		ID:               p.ID,
		Current:          s.FormatAmount(p.Current),
		Minimum:          s.FormatAmount(p.Minimum),
		Maximum:          s.FormatAmount(p.Maximum),
		Rate:             p.Rate.String(),
		TotalContributed: s.FormatAmount(p.TotalContributed),
		Version:          p.Version,
		UpdatedAt:        p.UpdatedAt,
	}
	if p.LastAward != nil {
		resp.LastAward = &AwardResponse{
			AccountID: p.LastAward.AccountID,
			Amount:    s.FormatAmount(p.LastAward.Amount),
			At:        p.LastAward.At,
		}
	}
	return resp
}

// Transaction converts a record to its API form.
func (s *Service) Transaction(r ledger.TransactionRecord) TransactionResponse {
	resp := TransactionResponse{
		ID:            r.ID,
		Sequence:      r.Sequence,
		Kind:          string(r.Kind),
		Amount:        s.FormatAmount(r.Amount),
		Source:        r.Source,
		Destination:   r.Destination,
		SplitName:     r.SplitName,
		PoolID:        r.PoolID,
		Reason:        r.Reason,
		CorrelationID: r.CorrelationID,
		Supersedes:    r.Supersedes,
		Timestamp:     r.Timestamp,
	}
	for _, l := range r.Legs {
		resp.Legs = append(resp.Legs, LegResponse{Account: l.Account, Amount: s.FormatAmount(l.Amount), Label: l.Label})
	}
	return resp
}

// splitJoined flattens an errors.Join result into messages.
func splitJoined(err error) []string {
	if joined, ok := err.(interface{ Unwrap() []error }); ok {
		var out []string
		for _, e := range joined.Unwrap() {
			out = append(out, e.Error())
		}
		return out
	}
	return []string{err.Error()}
}
