package persistence

import (
	"NexLedger/internal/ledger"
	"NexLedger/internal/lockdown"
	"NexLedger/internal/pool"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"go.etcd.io/bbolt"
)

var (
	bucketAccounts     = []byte("accounts")
	bucketPools        = []byte("pools")
	bucketRecords      = []byte("records")
	bucketRecordIndex  = []byte("record_index")
	bucketCorrelations = []byte("correlations")
	bucketLockdown     = []byte("lockdown_events")
)

// BoltStore is a single-file embedded ledger store. A bbolt write
// transaction is serialized, so Commit is atomic.
type BoltStore struct {
	db  *bbolt.DB
	now func() time.Time
}

var (
	_ ledger.Store      = (*BoltStore)(nil)
	_ lockdown.AuditLog = (*BoltStore)(nil)
)

// OpenBoltStore opens or creates the database at path.
func OpenBoltStore(path string) (*BoltStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("bolt: create directory: %w", err)
	}
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("bolt: open %s: %w", path, err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{bucketAccounts, bucketPools, bucketRecords, bucketRecordIndex, bucketCorrelations, bucketLockdown} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("create bucket %q: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("bolt: %w", err)
	}
	return &BoltStore{db: db, now: time.Now}, nil
}

func seqKey(seq uint64) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, seq)
	return k
}

func getJSON(b *bbolt.Bucket, key []byte, v interface{}) (bool, error) {
	data := b.Get(key)
	if data == nil {
		return false, nil
	}
	return true, json.Unmarshal(data, v)
}

func putJSON(b *bbolt.Bucket, key []byte, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return b.Put(key, data)
}

func (s *BoltStore) CreateAccount(_ context.Context, a ledger.Account) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketAccounts)
		if b.Get([]byte(a.ID)) != nil {
			return fmt.Errorf("%w: %s", ledger.ErrAccountExists, a.ID)
		}
		return putJSON(b, []byte(a.ID), a)
	})
}

func (s *BoltStore) GetAccount(_ context.Context, id string) (ledger.Account, error) {
	var a ledger.Account
	err := s.db.View(func(tx *bbolt.Tx) error {
		ok, err := getJSON(tx.Bucket(bucketAccounts), []byte(id), &a)
		if err != nil {
			return fmt.Errorf("decode account %s: %w", id, err)
		}
		if !ok {
			return fmt.Errorf("%w: %s", ledger.ErrAccountNotFound, id)
		}
		return nil
	})
	return a, err
}

func (s *BoltStore) ListAccounts(_ context.Context) ([]ledger.Account, error) {
	var out []ledger.Account
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketAccounts).ForEach(func(_, v []byte) error {
			var a ledger.Account
			if err := json.Unmarshal(v, &a); err != nil {
				return err
			}
			out = append(out, a)
			return nil
		})
	})
	return out, err
}

func (s *BoltStore) Commit(_ context.Context, m ledger.Mutation) ([]ledger.TransactionRecord, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}

	var out []ledger.TransactionRecord
	err := s.db.Update(func(tx *bbolt.Tx) error {
		accounts := tx.Bucket(bucketAccounts)
		pools := tx.Bucket(bucketPools)
		records := tx.Bucket(bucketRecords)
		index := tx.Bucket(bucketRecordIndex)
		correlations := tx.Bucket(bucketCorrelations)

		for _, a := range m.Accounts {
			var cur ledger.Account
			ok, err := getJSON(accounts, []byte(a.ID), &cur)
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("%w: %s", ledger.ErrAccountNotFound, a.ID)
			}
			if cur.Version != a.Version-1 {
				return fmt.Errorf("%w: account %s at version %d, write expects %d", ledger.ErrVersionConflict, a.ID, cur.Version, a.Version-1)
			}
			if err := putJSON(accounts, []byte(a.ID), a); err != nil {
				return err
			}
		}

		now := s.now()
		for _, inc := range m.Increments {
			var cur ledger.Account
			ok, err := getJSON(accounts, []byte(inc.AccountID), &cur)
			if err != nil {
				return err
			}
			if !ok {
				if inc.Delta < 0 {
					return fmt.Errorf("%w: %s", ledger.ErrAccountNotFound, inc.AccountID)
				}
				cur = ledger.NewSystemAccount(inc.AccountID, now)
			}
			next, err := ledger.ApplyIncrement(cur, inc.Delta, now)
			if err != nil {
				return err
			}
			if err := putJSON(accounts, []byte(inc.AccountID), next); err != nil {
				return err
			}
		}

		for _, p := range m.Pools {
			var cur pool.Pool
			ok, err := getJSON(pools, []byte(p.ID), &cur)
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("%w: %s", pool.ErrPoolNotFound, p.ID)
			}
			if cur.Version != p.Version-1 {
				return fmt.Errorf("%w: pool %s at version %d, write expects %d", ledger.ErrVersionConflict, p.ID, cur.Version, p.Version-1)
			}
			if err := putJSON(pools, []byte(p.ID), p); err != nil {
				return err
			}
		}

		for _, r := range m.Records {
			if correlations.Get([]byte(r.CorrelationID)) != nil {
				return fmt.Errorf("%w: %s", ledger.ErrDuplicateOperation, r.CorrelationID)
			}
			seq, err := records.NextSequence()
			if err != nil {
				return err
			}
			r.Sequence = int64(seq)
			key := seqKey(seq)
			if err := putJSON(records, key, r); err != nil {
				return err
			}
			if err := index.Put(r.ID[:], key); err != nil {
				return err
			}
			if err := correlations.Put([]byte(r.CorrelationID), key); err != nil {
				return err
			}
			out = append(out, r)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *BoltStore) GetTransaction(_ context.Context, id uuid.UUID) (ledger.TransactionRecord, error) {
	var r ledger.TransactionRecord
	err := s.db.View(func(tx *bbolt.Tx) error {
		key := tx.Bucket(bucketRecordIndex).Get(id[:])
		if key == nil {
			return fmt.Errorf("%w: %s", ledger.ErrTransactionNotFound, id)
		}
		ok, err := getJSON(tx.Bucket(bucketRecords), key, &r)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: %s", ledger.ErrTransactionNotFound, id)
		}
		return nil
	})
	return r, err
}

func (s *BoltStore) ListTransactions(_ context.Context, accountID string, limit int) ([]ledger.TransactionRecord, error) {
	var out []ledger.TransactionRecord
	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketRecords).Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			var r ledger.TransactionRecord
			if err := json.Unmarshal(v, &r); err != nil {
				return fmt.Errorf("decode record %d: %w", binary.BigEndian.Uint64(k), err)
			}
			if accountID != "" && !r.Touches(accountID) {
				continue
			}
			out = append(out, r)
			if limit > 0 && len(out) == limit {
				break
			}
		}
		return nil
	})
	return out, err
}

func (s *BoltStore) HasCorrelation(_ context.Context, correlationID string) (bool, error) {
	var found bool
	err := s.db.View(func(tx *bbolt.Tx) error {
		found = tx.Bucket(bucketCorrelations).Get([]byte(correlationID)) != nil
		return nil
	})
	return found, err
}

func (s *BoltStore) CreatePool(_ context.Context, p pool.Pool) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketPools)
		if b.Get([]byte(p.ID)) != nil {
			return fmt.Errorf("%w: %s", pool.ErrPoolExists, p.ID)
		}
		return putJSON(b, []byte(p.ID), p)
	})
}

func (s *BoltStore) GetPool(_ context.Context, id string) (pool.Pool, error) {
	var p pool.Pool
	err := s.db.View(func(tx *bbolt.Tx) error {
		ok, err := getJSON(tx.Bucket(bucketPools), []byte(id), &p)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: %s", pool.ErrPoolNotFound, id)
		}
		return nil
	})
	return p, err
}

func (s *BoltStore) ListPools(_ context.Context) ([]pool.Pool, error) {
	var out []pool.Pool
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketPools).ForEach(func(_, v []byte) error {
			var p pool.Pool
			if err := json.Unmarshal(v, &p); err != nil {
				return err
			}
			out = append(out, p)
			return nil
		})
	})
	return out, err
}

func (s *BoltStore) Ping(context.Context) error {
	return s.db.View(func(*bbolt.Tx) error { return nil })
}

func (s *BoltStore) Close() error { return s.db.Close() }

// Lockdown audit trail.

func (s *BoltStore) Append(_ context.Context, e lockdown.Event) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketLockdown)
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		return putJSON(b, seqKey(seq), e)
	})
}

func (s *BoltStore) Latest(ctx context.Context) (lockdown.Event, bool, error) {
	events, err := s.List(ctx, 1)
	if err != nil || len(events) == 0 {
		return lockdown.Event{}, false, err
	}
	return events[0], true, nil
}

func (s *BoltStore) List(_ context.Context, limit int) ([]lockdown.Event, error) {
	var out []lockdown.Event
	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketLockdown).Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			var e lockdown.Event
			if err := json.Unmarshal(v, &e); err != nil {
				return err
			}
			out = append(out, e)
			if limit > 0 && len(out) == limit {
				break
			}
		}
		return nil
	})
	return out, err
}
