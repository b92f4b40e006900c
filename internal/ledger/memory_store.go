package ledger

import (
	"NexLedger/internal/pool"
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore keeps ledger state in process memory. Commit holds a single
// mutex, so every mutation is atomic.
type MemoryStore struct {
	mu           sync.RWMutex
	accounts     map[string]Account
	pools        map[string]pool.Pool
	records      []TransactionRecord
	byID         map[uuid.UUID]int
	correlations map[string]struct{}
	sequence     int64
	now          func() time.Time
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts:     make(map[string]Account),
		pools:        make(map[string]pool.Pool),
		byID:         make(map[uuid.UUID]int),
		correlations: make(map[string]struct{}),
		now:          time.Now,
	}
}

func (s *MemoryStore) CreateAccount(_ context.Context, a Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.accounts[a.ID]; exists {
		return fmt.Errorf("%w: %s", ErrAccountExists, a.ID)
	}
	s.accounts[a.ID] = a
	return nil
}

func (s *MemoryStore) GetAccount(_ context.Context, id string) (Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.accounts[id]
	if !ok {
		return Account{}, fmt.Errorf("%w: %s", ErrAccountNotFound, id)
	}
	return a, nil
}

func (s *MemoryStore) ListAccounts(_ context.Context) ([]Account, error) {
	s.mu.RLock()
	out := make([]Account, 0, len(s.accounts))
	for _, a := range s.accounts {
		out = append(out, a)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) Commit(_ context.Context, m Mutation) ([]TransactionRecord, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// Check everything before touching anything.
	for _, a := range m.Accounts {
		cur, ok := s.accounts[a.ID]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrAccountNotFound, a.ID)
		}
		if cur.Version != a.Version-1 {
			return nil, fmt.Errorf("%w: account %s at version %d, write expects %d", ErrVersionConflict, a.ID, cur.Version, a.Version-1)
		}
	}
	for _, p := range m.Pools {
		cur, ok := s.pools[p.ID]
		if !ok {
			return nil, fmt.Errorf("%w: %s", pool.ErrPoolNotFound, p.ID)
		}
		if cur.Version != p.Version-1 {
			return nil, fmt.Errorf("%w: pool %s at version %d, write expects %d", ErrVersionConflict, p.ID, cur.Version, p.Version-1)
		}
	}
	now := s.now()
	incremented := make(map[string]Account, len(m.Increments))
	for _, inc := range m.Increments {
		cur, ok := incremented[inc.AccountID]
		if !ok {
			cur, ok = s.accounts[inc.AccountID]
		}
		if !ok {
			if inc.Delta < 0 {
				return nil, fmt.Errorf("%w: %s", ErrAccountNotFound, inc.AccountID)
			}
			cur = NewSystemAccount(inc.AccountID, now)
		}
		next, err := ApplyIncrement(cur, inc.Delta, now)
		if err != nil {
			return nil, err
		}
		incremented[inc.AccountID] = next
	}
	for _, r := range m.Records {
		if _, dup := s.correlations[r.CorrelationID]; dup {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateOperation, r.CorrelationID)
		}
	}

	for _, a := range m.Accounts {
		s.accounts[a.ID] = a
	}
	for id, a := range incremented {
		s.accounts[id] = a
	}
	for _, p := range m.Pools {
		s.pools[p.ID] = p
	}

	out := make([]TransactionRecord, len(m.Records))
	for i, r := range m.Records {
		s.sequence++
		r.Sequence = s.sequence
		s.byID[r.ID] = len(s.records)
		s.records = append(s.records, r)
		s.correlations[r.CorrelationID] = struct{}{}
		out[i] = r
	}
	return out, nil
}

func (s *MemoryStore) GetTransaction(_ context.Context, id uuid.UUID) (TransactionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	idx, ok := s.byID[id]
	if !ok {
		return TransactionRecord{}, fmt.Errorf("%w: %s", ErrTransactionNotFound, id)
	}
	return s.records[idx], nil
}

func (s *MemoryStore) ListTransactions(_ context.Context, accountID string, limit int) ([]TransactionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []TransactionRecord
	for i := len(s.records) - 1; i >= 0; i-- {
		r := s.records[i]
		if accountID != "" && !r.Touches(accountID) {
			continue
		}
		out = append(out, r)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *MemoryStore) HasCorrelation(_ context.Context, correlationID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.correlations[correlationID]
	return ok, nil
}

func (s *MemoryStore) CreatePool(_ context.Context, p pool.Pool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.pools[p.ID]; exists {
		return fmt.Errorf("%w: %s", pool.ErrPoolExists, p.ID)
	}
	s.pools[p.ID] = p
	return nil
}

func (s *MemoryStore) GetPool(_ context.Context, id string) (pool.Pool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.pools[id]
	if !ok {
		return pool.Pool{}, fmt.Errorf("%w: %s", pool.ErrPoolNotFound, id)
	}
	return p, nil
}

func (s *MemoryStore) ListPools(_ context.Context) ([]pool.Pool, error) {
	s.mu.RLock()
	out := make([]pool.Pool, 0, len(s.pools))
	for _, p := range s.pools {
		out = append(out, p)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) Ping(context.Context) error { return nil }

func (s *MemoryStore) Close() error { return nil }

// ApplyIncrement returns the accumulator after adding delta. A debit that
// would drive the balance below zero yields *InsufficientBalanceError.
func ApplyIncrement(a Account, delta int64, now time.Time) (Account, error) {
	if delta > 0 {
		return a.Credit(delta, now)
	}
	if a.Balance+delta < 0 {
		return a, &InsufficientBalanceError{AccountID: a.ID, Required: -delta, Available: a.Balance}
	}
	a.Balance += delta
	a.LifetimeOut -= delta
	a.Version++
	a.UpdatedAt = now
	return a, nil
}
