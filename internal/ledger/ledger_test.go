package ledger_test

import (
	"NexLedger/internal/ledger"
	nexmath "NexLedger/internal/math"
	"NexLedger/internal/pool"
	"context"
	"math"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func mustRecord(kind ledger.Kind, amount int64, legs ...ledger.Leg) ledger.TransactionRecord {
	return ledger.TransactionRecord{
		ID:            uuid.New(),
		Kind:          kind,
		Amount:        amount,
		Legs:          legs,
		CorrelationID: uuid.NewString(),
		Timestamp:     t0,
	}
}

func mustStoreWith(t *testing.T, accounts ...ledger.Account) *ledger.MemoryStore {
	t.Helper()
	s := ledger.NewMemoryStore()
	for _, a := range accounts {
		require.NoError(t, s.CreateAccount(context.Background(), a), a.ID)
	}
	return s
}

func credit(t *testing.T, a ledger.Account, amount int64) ledger.Account {
	t.Helper()
	next, err := a.Credit(amount, t0)
	require.NoError(t, err)
	return next
}

// ============================================================================
// Test: Account identifiers
// ============================================================================

func TestValidateAccountID(t *testing.T) {
	for _, id := range []string{"alice", "550e8400-e29b-41d4-a716-446655440000", "casino-7:table-2"} {
		assert.NoError(t, ledger.ValidateAccountID(id), id)
	}
	for _, id := range []string{"", "   ", "system:platform", "external:deposits", "pool:mega", string(make([]byte, 200))} {
		assert.ErrorIs(t, ledger.ValidateAccountID(id), ledger.ErrInvalidAccount, id)
	}
}

func TestAccountReferences(t *testing.T) {
	assert.Equal(t, "system:platform", ledger.SystemAccountID("platform"))
	assert.True(t, ledger.IsSystemAccount("system:creator"))
	assert.False(t, ledger.IsSystemAccount("alice"))
	assert.False(t, ledger.IsBalanceAccount(ledger.ExternalDeposits), "boundaries hold no balance")
	assert.False(t, ledger.IsBalanceAccount(ledger.PoolRef("mega")))
	assert.True(t, ledger.IsBalanceAccount("alice"))
	assert.True(t, ledger.IsBalanceAccount("system:platform"))
}

// ============================================================================
// Test: Account arithmetic
// ============================================================================

func TestAccount_CreditDebit(t *testing.T) {
	a := credit(t, ledger.NewAccount("alice", false, t0), 1000)
	assert.Equal(t, int64(1000), a.Balance)
	assert.Equal(t, int64(1000), a.LifetimeIn)
	assert.Equal(t, int64(2), a.Version)

	a, err := a.Debit(400, t0)
	require.NoError(t, err)
	assert.Equal(t, int64(600), a.Balance)
	assert.Equal(t, int64(400), a.LifetimeOut)
	assert.Equal(t, int64(3), a.Version)
}

func TestAccount_CreditOverflow(t *testing.T) {
	a := credit(t, ledger.NewAccount("whale", false, t0), math.MaxInt64)

	next, err := a.Credit(1, t0)
	assert.ErrorIs(t, err, nexmath.ErrOverflow)
	assert.Equal(t, a, next, "a failed credit leaves the account unchanged")

	// Lifetime inflow is checked on its own.
	drained, err := a.Debit(math.MaxInt64, t0)
	require.NoError(t, err)
	_, err = drained.Credit(1, t0)
	assert.ErrorIs(t, err, nexmath.ErrOverflow)
}

func TestAccount_DebitRespectsPending(t *testing.T) {
	a := credit(t, ledger.NewAccount("alice", false, t0), 1000)
	a.Pending = 700

	_, err := a.Debit(301, t0)
	var insufficient *ledger.InsufficientBalanceError
	require.ErrorAs(t, err, &insufficient)
	assert.Equal(t, int64(301), insufficient.Required)
	assert.Equal(t, int64(300), insufficient.Available)
	assert.ErrorIs(t, err, ledger.ErrInsufficientBalance)
}

func TestAccount_Validate(t *testing.T) {
	cases := []struct {
		name    string
		balance int64
		pending int64
		ok      bool
	}{
		{"zero", 0, 0, true},
		{"pending within balance", 10, 10, true},
		{"negative balance", -1, 0, false},
		{"negative pending", 10, -1, false},
		{"pending over balance", 10, 11, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := ledger.Account{ID: "x", Balance: tc.balance, Pending: tc.pending}.Validate()
			assert.Equal(t, tc.ok, err == nil, err)
		})
	}
}

// ============================================================================
// Test: Record validation
// ============================================================================

func TestRecordValidate_ValidTip_Passes(t *testing.T) {
	r := mustRecord(ledger.KindTip, 100,
		ledger.Leg{Account: "sender", Amount: -100},
		ledger.Leg{Account: "recipient", Amount: 70},
		ledger.Leg{Account: "system:platform", Amount: 25},
		ledger.Leg{Account: "system:creator", Amount: 5},
	)
	require.NoError(t, r.Validate())
	assert.Equal(t, int64(70), r.NetFor("recipient"))
	assert.True(t, r.Touches("system:creator"))
	assert.False(t, r.Touches("nobody"))
}

func TestRecordValidate_Unbalanced_Fails(t *testing.T) {
	r := mustRecord(ledger.KindTip, 100,
		ledger.Leg{Account: "sender", Amount: -100},
		ledger.Leg{Account: "recipient", Amount: 99},
	)
	assert.Error(t, r.Validate())
}

func TestRecordValidate_Malformed_Fails(t *testing.T) {
	cases := map[string]ledger.TransactionRecord{
		"zero amount": mustRecord(ledger.KindDeposit, 0, ledger.Leg{Account: "a", Amount: 1}, ledger.Leg{Account: "b", Amount: -1}),
		"no legs":     mustRecord(ledger.KindDeposit, 5),
		"zero leg":    mustRecord(ledger.KindDeposit, 5, ledger.Leg{Account: "a", Amount: 0}),
		"hold with legs": mustRecord(ledger.KindHold, 5,
			ledger.Leg{Account: "a", Amount: 5}, ledger.Leg{Account: "b", Amount: -5}),
	}
	for name, r := range cases {
		assert.Error(t, r.Validate(), name)
	}

	noCorrelation := mustRecord(ledger.KindHold, 5)
	noCorrelation.CorrelationID = ""
	assert.Error(t, noCorrelation.Validate())

	hold := mustRecord(ledger.KindHold, 5)
	assert.NoError(t, hold.Validate(), "hold without legs")
}

func TestKind_Refundable(t *testing.T) {
	for _, k := range []ledger.Kind{ledger.KindDeposit, ledger.KindWithdrawal, ledger.KindTip, ledger.KindPayout} {
		assert.True(t, k.Refundable(), k)
	}
	for _, k := range []ledger.Kind{ledger.KindRefund, ledger.KindProgressiveAward, ledger.KindHold} {
		assert.False(t, k.Refundable(), k)
	}
}

// ============================================================================
// Test: MemoryStore
// ============================================================================

func TestMemoryStore_CommitAppliesEverything(t *testing.T) {
	ctx := context.Background()
	alice := ledger.NewAccount("alice", true, t0)
	s := mustStoreWith(t, alice)

	rec := mustRecord(ledger.KindDeposit, 500,
		ledger.Leg{Account: "alice", Amount: 500},
		ledger.Leg{Account: ledger.ExternalDeposits, Amount: -500},
	)
	out, err := s.Commit(ctx, ledger.Mutation{Accounts: []ledger.Account{credit(t, alice, 500)}, Records: []ledger.TransactionRecord{rec}})
	require.NoError(t, err)
	assert.Equal(t, int64(1), out[0].Sequence)

	got, err := s.GetAccount(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(500), got.Balance)

	seen, err := s.HasCorrelation(ctx, rec.CorrelationID)
	require.NoError(t, err)
	assert.True(t, seen)
	_, err = s.GetTransaction(ctx, rec.ID)
	assert.NoError(t, err)
}

func TestMemoryStore_VersionConflictChangesNothing(t *testing.T) {
	ctx := context.Background()
	alice := ledger.NewAccount("alice", true, t0)
	bob := ledger.NewAccount("bob", true, t0)
	s := mustStoreWith(t, alice, bob)

	stale := bob
	stale.Version = 5 // not stored+1
	rec := mustRecord(ledger.KindDeposit, 10,
		ledger.Leg{Account: "alice", Amount: 10},
		ledger.Leg{Account: ledger.ExternalDeposits, Amount: -10},
	)
	_, err := s.Commit(ctx, ledger.Mutation{
		Accounts: []ledger.Account{credit(t, alice, 10), stale},
		Records:  []ledger.TransactionRecord{rec},
	})
	require.ErrorIs(t, err, ledger.ErrVersionConflict)

	got, _ := s.GetAccount(ctx, "alice")
	assert.Zero(t, got.Balance, "alice changed despite failed commit")
	recs, _ := s.ListTransactions(ctx, "", 0)
	assert.Empty(t, recs)
}

func TestMemoryStore_DuplicateCorrelation(t *testing.T) {
	ctx := context.Background()
	alice := ledger.NewAccount("alice", true, t0)
	s := mustStoreWith(t, alice)

	rec := mustRecord(ledger.KindDeposit, 10,
		ledger.Leg{Account: "alice", Amount: 10},
		ledger.Leg{Account: ledger.ExternalDeposits, Amount: -10},
	)
	next := credit(t, alice, 10)
	_, err := s.Commit(ctx, ledger.Mutation{Accounts: []ledger.Account{next}, Records: []ledger.TransactionRecord{rec}})
	require.NoError(t, err)

	again := rec
	again.ID = uuid.New()
	_, err = s.Commit(ctx, ledger.Mutation{Accounts: []ledger.Account{credit(t, next, 10)}, Records: []ledger.TransactionRecord{again}})
	assert.ErrorIs(t, err, ledger.ErrDuplicateOperation)
}

func TestMemoryStore_IncrementsCreateSystemAccounts(t *testing.T) {
	ctx := context.Background()
	s := ledger.NewMemoryStore()

	for i := 0; i < 3; i++ {
		_, err := s.Commit(ctx, ledger.Mutation{Increments: []ledger.Increment{{AccountID: "system:platform", Delta: 25}}})
		require.NoError(t, err)
	}
	a, err := s.GetAccount(ctx, "system:platform")
	require.NoError(t, err)
	assert.Equal(t, int64(75), a.Balance)
	assert.Equal(t, ledger.AccountSystem, a.Kind)

	_, err = s.Commit(ctx, ledger.Mutation{Increments: []ledger.Increment{{AccountID: "alice", Delta: 5}}})
	assert.Error(t, err, "increment on a user account")

	_, err = s.Commit(ctx, ledger.Mutation{Increments: []ledger.Increment{{AccountID: "system:platform", Delta: -76}}})
	assert.ErrorIs(t, err, ledger.ErrInsufficientBalance)

	_, err = s.Commit(ctx, ledger.Mutation{Increments: []ledger.Increment{{AccountID: "system:platform", Delta: -75}}})
	require.NoError(t, err)
	a, _ = s.GetAccount(ctx, "system:platform")
	assert.Zero(t, a.Balance)
}

func TestMemoryStore_IncrementOverflowChangesNothing(t *testing.T) {
	ctx := context.Background()
	alice := ledger.NewAccount("alice", true, t0)
	s := mustStoreWith(t, alice)

	_, err := s.Commit(ctx, ledger.Mutation{Increments: []ledger.Increment{{AccountID: "system:platform", Delta: math.MaxInt64}}})
	require.NoError(t, err)

	_, err = s.Commit(ctx, ledger.Mutation{
		Accounts:   []ledger.Account{credit(t, alice, 1)},
		Increments: []ledger.Increment{{AccountID: "system:platform", Delta: 1}},
	})
	assert.ErrorIs(t, err, nexmath.ErrOverflow)

	got, _ := s.GetAccount(ctx, "alice")
	assert.Zero(t, got.Balance)
	sys, _ := s.GetAccount(ctx, "system:platform")
	assert.Equal(t, int64(math.MaxInt64), sys.Balance)
}

func TestMemoryStore_Pools(t *testing.T) {
	ctx := context.Background()
	s := ledger.NewMemoryStore()
	p := pool.Pool{ID: "mega", Current: 1000, Minimum: 1000, Maximum: 5000, Rate: decimal.RequireFromString("0.1"), Version: 1}

	require.NoError(t, s.CreatePool(ctx, p))
	assert.ErrorIs(t, s.CreatePool(ctx, p), pool.ErrPoolExists)

	next := p
	next.Current = 1500
	next.Version = 2
	_, err := s.Commit(ctx, ledger.Mutation{Pools: []pool.Pool{next}})
	require.NoError(t, err)
	_, err = s.Commit(ctx, ledger.Mutation{Pools: []pool.Pool{next}})
	assert.ErrorIs(t, err, ledger.ErrVersionConflict, "replayed pool write")

	got, err := s.GetPool(ctx, "mega")
	require.NoError(t, err)
	assert.Equal(t, int64(1500), got.Current)
	assert.Equal(t, int64(2), got.Version)
	_, err = s.GetPool(ctx, "mini")
	assert.ErrorIs(t, err, pool.ErrPoolNotFound)

	pools, err := s.ListPools(ctx)
	require.NoError(t, err)
	require.Len(t, pools, 1)
	assert.Equal(t, int64(1500), pools[0].Current)
}

func TestMemoryStore_ListTransactionsNewestFirst(t *testing.T) {
	ctx := context.Background()
	s := ledger.NewMemoryStore()
	for i := 0; i < 5; i++ {
		rec := mustRecord(ledger.KindAdjustment, int64(i+1),
			ledger.Leg{Account: "system:adjustments", Amount: int64(i + 1)},
			ledger.Leg{Account: ledger.ExternalHouse, Amount: -int64(i + 1)},
		)
		_, err := s.Commit(ctx, ledger.Mutation{Records: []ledger.TransactionRecord{rec}})
		require.NoError(t, err)
	}

	recs, err := s.ListTransactions(ctx, "system:adjustments", 2)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, int64(5), recs[0].Amount)
	assert.Equal(t, int64(4), recs[1].Amount)
}

// ============================================================================
// Test: BalanceTracker and InvariantValidator
// ============================================================================

func TestBalanceTracker_ReplayIsZeroSum(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	records := []ledger.TransactionRecord{
		mustRecord(ledger.KindDeposit, 1000,
			ledger.Leg{Account: "sender", Amount: 1000},
			ledger.Leg{Account: ledger.ExternalDeposits, Amount: -1000}),
		mustRecord(ledger.KindTip, 100,
			ledger.Leg{Account: "sender", Amount: -100},
			ledger.Leg{Account: "recipient", Amount: 70},
			ledger.Leg{Account: "system:platform", Amount: 30}),
	}
	require.NoError(t, bt.ApplyRecords(records))

	assert.Equal(t, int64(900), bt.GetBalance("sender"))
	assert.Equal(t, int64(70), bt.GetBalance("recipient"))
	assert.Zero(t, bt.ComputeGlobalBalance())
	assert.NoError(t, bt.ValidateNonNegative("sender"))
	assert.Equal(t, []string{"recipient", "sender", "system:platform"}, bt.Accounts())
}

func TestInvariantValidator_DetectsDrift(t *testing.T) {
	ctx := context.Background()
	alice := ledger.NewAccount("alice", true, t0)
	s := mustStoreWith(t, alice)

	rec := mustRecord(ledger.KindDeposit, 100,
		ledger.Leg{Account: "alice", Amount: 100},
		ledger.Leg{Account: ledger.ExternalDeposits, Amount: -100})
	_, err := s.Commit(ctx, ledger.Mutation{Accounts: []ledger.Account{credit(t, alice, 100)}, Records: []ledger.TransactionRecord{rec}})
	require.NoError(t, err)

	v := ledger.NewInvariantValidator(s)
	require.NoError(t, v.ValidateLedger(ctx))

	// A balance write without a record is drift.
	cur, _ := s.GetAccount(ctx, "alice")
	_, err = s.Commit(ctx, ledger.Mutation{Accounts: []ledger.Account{credit(t, cur, 1)}})
	require.NoError(t, err)
	assert.Error(t, v.ValidateLedger(ctx))
}
