package core_test

import (
	"NexLedger/internal/auth"
	"NexLedger/internal/core"
	"NexLedger/internal/ledger"
	"NexLedger/internal/lock"
	"NexLedger/internal/lockdown"
	nexmath "NexLedger/internal/math"
	"NexLedger/internal/observability"
	"NexLedger/internal/pool"
	"NexLedger/internal/split"
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "0123456789abcdef0123456789abcdef"

type harness struct {
	store     ledger.Store
	mem       *ledger.MemoryStore
	locks     *lock.MemoryRegistry
	gate      *lockdown.Gate
	authority *auth.Authority
	pools     *pool.Engine
	metrics   *observability.Metrics
	proc      *core.Processor
}

type harnessOption func(*harness)

func withStore(wrap func(*ledger.MemoryStore) ledger.Store) harnessOption {
	return func(h *harness) { h.store = wrap(h.mem) }
}

func newHarness(t *testing.T, opts ...harnessOption) *harness {
	t.Helper()

	authority, err := auth.NewAuthority([]byte(testSecret), "test")
	require.NoError(t, err)

	h := &harness{mem: ledger.NewMemoryStore(), authority: authority}
	h.store = h.mem
	for _, opt := range opts {
		opt(h)
	}

	h.gate = lockdown.NewGate(authority, nil, zerolog.Nop())
	h.metrics = observability.NewMetrics(prometheus.NewRegistry())
	h.locks = lock.NewMemoryRegistry(lock.WithAdmitter(h.gate), lock.WithMetrics(h.metrics))
	h.pools, err = pool.NewEngine(core.VerifiedAccountEligibility(h.store))
	require.NoError(t, err)

	splits := split.NewRegistry()
	splits.Register(split.MustConfig("tip", "operator",
		split.Share{Name: "operator", Percent: decimal.NewFromInt(70)},
		split.Share{Name: "platform", Percent: decimal.NewFromInt(25)},
		split.Share{Name: "creator", Percent: decimal.NewFromInt(5)},
	))

	h.proc, err = core.NewProcessor(core.Deps{
		Store:   h.store,
		Locks:   h.locks,
		Gate:    h.gate,
		Pools:   h.pools,
		Splits:  splits,
		Metrics: h.metrics,
		Logger:  zerolog.Nop(),
	})
	require.NoError(t, err)
	return h
}

func (h *harness) open(t *testing.T, id string, balance int64, verified bool) {
	t.Helper()
	_, err := h.proc.OpenAccount(context.Background(), id, verified)
	require.NoError(t, err)
	if balance > 0 {
		_, err = h.proc.Deposit(context.Background(), id, balance)
		require.NoError(t, err)
	}
}

func (h *harness) balance(t *testing.T, id string) int64 {
	t.Helper()
	a, err := h.store.GetAccount(context.Background(), id)
	require.NoError(t, err)
	return a.Balance
}

func (h *harness) token(t *testing.T) string {
	t.Helper()
	tok, err := h.authority.Issue("founder", auth.TierFounder, time.Minute)
	require.NoError(t, err)
	return tok
}

func (h *harness) assertLedgerConsistent(t *testing.T) {
	t.Helper()
	require.NoError(t, ledger.NewInvariantValidator(h.store).ValidateLedger(context.Background()))
}

// failingStore fails every commit.
type failingStore struct {
	*ledger.MemoryStore
	err error
}

func (s failingStore) Commit(context.Context, ledger.Mutation) ([]ledger.TransactionRecord, error) {
	return nil, s.err
}

// hookStore runs onGet before every account read.
type hookStore struct {
	*ledger.MemoryStore
	onGet func()
}

func (s hookStore) GetAccount(ctx context.Context, id string) (ledger.Account, error) {
	if s.onGet != nil {
		s.onGet()
	}
	return s.MemoryStore.GetAccount(ctx, id)
}

func TestTip_Scenario(t *testing.T) {
	h := newHarness(t)
	h.open(t, "sender", 1000, false)
	h.open(t, "recipient", 0, false)

	res, err := h.proc.Tip(context.Background(), "sender", "recipient", 100, "tip")
	require.NoError(t, err)

	assert.Equal(t, int64(900), h.balance(t, "sender"))
	assert.Equal(t, int64(70), h.balance(t, "recipient"))
	assert.Equal(t, int64(25), h.balance(t, ledger.SystemAccountID("platform")))
	assert.Equal(t, int64(5), h.balance(t, ledger.SystemAccountID("creator")))

	require.NotNil(t, res.Record)
	assert.Equal(t, ledger.KindTip, res.Record.Kind)
	assert.Equal(t, "tip", res.Record.SplitName)
	assert.NoError(t, res.Record.Validate())
	assert.NotEmpty(t, res.Record.Digest)
	assert.True(t, core.NewRecordHasher().Verify(res.Record))
	require.NotNil(t, res.Split)
	assert.Equal(t, int64(100), res.Split.Total())

	locked, err := h.locks.IsLocked(context.Background(), lock.AccountKey("sender"))
	require.NoError(t, err)
	assert.False(t, locked, "locks are released after the operation")

	h.assertLedgerConsistent(t)
}

func TestTip_DefaultSplitAndRounding(t *testing.T) {
	h := newHarness(t)
	h.open(t, "a", 10, false)
	h.open(t, "b", 0, false)

	res, err := h.proc.Tip(context.Background(), "a", "b", 3, "")
	require.NoError(t, err)
	assert.Equal(t, int64(2), res.Split.Get("operator"))
	assert.Equal(t, int64(1), res.Split.Get("platform"))
	assert.Equal(t, int64(0), res.Split.Get("creator"))
	assert.Len(t, res.Record.Legs, 3, "zero shares carry no leg")
	h.assertLedgerConsistent(t)
}

func TestTip_Rejections(t *testing.T) {
	h := newHarness(t)
	h.open(t, "a", 50, false)
	h.open(t, "b", 0, false)
	ctx := context.Background()

	_, err := h.proc.Tip(ctx, "a", "b", 51, "")
	var insufficient *ledger.InsufficientBalanceError
	require.ErrorAs(t, err, &insufficient)
	assert.Equal(t, int64(51), insufficient.Required)
	assert.Equal(t, int64(50), insufficient.Available)

	_, err = h.proc.Tip(ctx, "a", "a", 10, "")
	assert.ErrorIs(t, err, ledger.ErrSelfTransfer)

	_, err = h.proc.Tip(ctx, "a", "b", 10, "gift")
	assert.ErrorIs(t, err, split.ErrUnknownSplit)

	_, err = h.proc.Tip(ctx, "a", "ghost", 10, "")
	assert.ErrorIs(t, err, ledger.ErrAccountNotFound)

	_, err = h.proc.Tip(ctx, "a", "b", 0, "")
	assert.ErrorIs(t, err, ledger.ErrInvalidAmount)

	assert.Equal(t, int64(50), h.balance(t, "a"))
	h.assertLedgerConsistent(t)
}

func TestWithdrawAndPayout(t *testing.T) {
	h := newHarness(t)
	h.open(t, "alice", 500, false)
	ctx := context.Background()

	_, err := h.proc.Withdraw(ctx, "alice", 200)
	require.NoError(t, err)
	assert.Equal(t, int64(300), h.balance(t, "alice"))

	_, err = h.proc.Withdraw(ctx, "alice", 301)
	assert.ErrorIs(t, err, ledger.ErrInsufficientBalance)

	_, err = h.proc.Payout(ctx, "alice", 100)
	assert.ErrorIs(t, err, ledger.ErrAccountNotVerified)

	_, err = h.proc.SetVerified(ctx, "alice", true)
	require.NoError(t, err)
	res, err := h.proc.Payout(ctx, "alice", 100)
	require.NoError(t, err)
	assert.Equal(t, ledger.ExternalPayouts, res.Record.Destination)
	assert.Equal(t, int64(200), h.balance(t, "alice"))

	h.assertLedgerConsistent(t)
}

type staticVerification map[string]bool

func (v staticVerification) IsVerified(_ context.Context, id string) (bool, error) {
	return v[id], nil
}

func TestPayout_ExternalVerification(t *testing.T) {
	h := newHarness(t)
	h.open(t, "bob", 100, false)

	proc, err := core.NewProcessor(core.Deps{
		Store:        h.store,
		Locks:        h.locks,
		Gate:         h.gate,
		Pools:        h.pools,
		Splits:       split.NewRegistry(),
		Verification: staticVerification{"bob": true},
		Logger:       zerolog.Nop(),
	})
	require.NoError(t, err)

	_, err = proc.Payout(context.Background(), "bob", 40)
	require.NoError(t, err, "external verification overrides the stored flag")
	assert.Equal(t, int64(60), h.balance(t, "bob"))
}

func TestConcurrentOperations_NoNegativeBalances(t *testing.T) {
	h := newHarness(t)
	users := []string{"u0", "u1", "u2", "u3", "u4"}
	for _, u := range users {
		h.open(t, u, 1000, true)
	}

	var (
		wg       sync.WaitGroup
		applied  atomic.Int64
		rejected atomic.Int64
	)
	for w := 0; w < 16; w++ {
		wg.Add(1)
		go func(seed int64) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(seed))
			ctx := context.Background()
			for i := 0; i < 100; i++ {
				a := users[rng.Intn(len(users))]
				b := users[rng.Intn(len(users))]
				amount := int64(rng.Intn(400) + 1)

				var err error
				switch rng.Intn(4) {
				case 0:
					_, err = h.proc.Deposit(ctx, a, amount)
				case 1:
					_, err = h.proc.Withdraw(ctx, a, amount)
				case 2:
					if a == b {
						continue
					}
					_, err = h.proc.Tip(ctx, a, b, amount, "")
				case 3:
					_, err = h.proc.Payout(ctx, a, amount)
				}
				if err != nil {
					assert.True(t,
						errors.Is(err, lock.ErrAlreadyLocked) || errors.Is(err, ledger.ErrInsufficientBalance),
						"unexpected error: %v", err)
					rejected.Add(1)
					continue
				}
				applied.Add(1)
			}
		}(int64(w))
	}
	wg.Wait()

	assert.Positive(t, applied.Load())
	for _, u := range users {
		assert.GreaterOrEqual(t, h.balance(t, u), int64(0))
	}
	active, err := h.locks.ActiveLocks(context.Background())
	require.NoError(t, err)
	assert.Empty(t, active)
	h.assertLedgerConsistent(t)
}

func TestLockdown_RejectThenLift(t *testing.T) {
	h := newHarness(t)
	h.open(t, "a", 100, false)
	h.open(t, "b", 0, false)
	ctx := context.Background()

	_, err := h.gate.Activate(ctx, h.token(t), lockdown.LevelFull, "incident", nil)
	require.NoError(t, err)

	_, err = h.proc.Tip(ctx, "a", "b", 10, "")
	require.ErrorIs(t, err, lockdown.ErrLockdownActive)
	assert.True(t, core.IsRetryable(err))
	assert.Equal(t, int64(100), h.balance(t, "a"))
	assert.Equal(t, float64(1), testutil.ToFloat64(h.metrics.OpsRejected.WithLabelValues("tip", "lockdown_active")))

	_, err = h.gate.Lift(ctx, h.token(t))
	require.NoError(t, err)

	_, err = h.proc.Tip(ctx, "a", "b", 10, "")
	require.NoError(t, err)
	assert.Equal(t, int64(90), h.balance(t, "a"))
}

func TestLockdown_PartialBlocksOnlySpeculative(t *testing.T) {
	h := newHarness(t)
	h.open(t, "a", 100, false)
	_, err := h.proc.InitPool(context.Background(), "jackpot", 0, 1000, decimal.RequireFromString("0.1"))
	require.NoError(t, err)
	ctx := context.Background()

	_, err = h.gate.Activate(ctx, h.token(t), lockdown.LevelPartial, "suspicious spins", nil)
	require.NoError(t, err)

	_, err = h.proc.ContributeProgressive(ctx, "jackpot", 100, "a")
	assert.ErrorIs(t, err, lockdown.ErrLockdownActive)

	_, err = h.proc.Deposit(ctx, "a", 10)
	assert.NoError(t, err)
}

func TestLockdown_ScopedToAccounts(t *testing.T) {
	h := newHarness(t)
	h.open(t, "frozen", 100, false)
	h.open(t, "free", 100, false)
	ctx := context.Background()

	_, err := h.gate.Activate(ctx, h.token(t), lockdown.LevelFull, "fraud review", []string{"frozen"})
	require.NoError(t, err)

	_, err = h.proc.Withdraw(ctx, "frozen", 10)
	assert.ErrorIs(t, err, lockdown.ErrLockdownActive)
	_, err = h.proc.Withdraw(ctx, "free", 10)
	assert.NoError(t, err)
}

func TestLockdown_CriticalFreezesOpenPayout(t *testing.T) {
	var (
		h     *harness
		armed atomic.Bool
	)
	h = newHarness(t, withStore(func(m *ledger.MemoryStore) ledger.Store {
		return hookStore{MemoryStore: m, onGet: func() {
			// Fires once the payout holds its lock.
			if armed.CompareAndSwap(true, false) {
				_, err := h.gate.Activate(context.Background(), h.token(t), lockdown.LevelCritical, "breach", nil)
				assert.NoError(t, err)
			}
		}}
	}))
	h.open(t, "vip", 500, true)

	armed.Store(true)
	_, err := h.proc.Payout(context.Background(), "vip", 200)
	require.ErrorIs(t, err, lockdown.ErrLockdownActive)
	assert.Equal(t, lockdown.LevelCritical, h.gate.State().Level)
	assert.Equal(t, int64(500), h.balance(t, "vip"))

	locked, err := h.locks.IsLocked(context.Background(), lock.AccountKey("vip"))
	require.NoError(t, err)
	assert.False(t, locked)
}

func TestInternalFault_LeavesBalancesUnchanged(t *testing.T) {
	h := newHarness(t, withStore(func(m *ledger.MemoryStore) ledger.Store {
		return failingStore{MemoryStore: m, err: errors.New("disk full")}
	}))
	ctx := context.Background()
	require.NoError(t, h.mem.CreateAccount(ctx, ledger.NewAccount("a", false, time.Now())))

	_, err := h.proc.Deposit(ctx, "a", 100)
	require.Error(t, err)
	assert.ErrorIs(t, err, ledger.ErrInternalFault)
	assert.Equal(t, core.ClassInternal, core.Classify(err))
	assert.Equal(t, "Something went wrong. Your balance was not changed.", core.UserMessage(err))
	assert.Equal(t, float64(1), testutil.ToFloat64(h.metrics.InternalFaults.WithLabelValues("deposit")))

	assert.Equal(t, int64(0), h.balance(t, "a"))
	locked, err := h.locks.IsLocked(ctx, lock.AccountKey("a"))
	require.NoError(t, err)
	assert.False(t, locked)
}

func TestDuplicateCorrelation(t *testing.T) {
	h := newHarness(t)
	h.open(t, "a", 0, false)
	ctx := core.WithCorrelationID(context.Background(), "dep-1")

	_, err := h.proc.Deposit(ctx, "a", 100)
	require.NoError(t, err)
	_, err = h.proc.Deposit(ctx, "a", 100)
	require.ErrorIs(t, err, ledger.ErrDuplicateOperation)
	assert.Equal(t, core.ClassTerminal, core.Classify(err))
	assert.Equal(t, int64(100), h.balance(t, "a"))
}

func TestRefund_Tip(t *testing.T) {
	h := newHarness(t)
	h.open(t, "s", 1000, false)
	h.open(t, "r", 0, false)
	ctx := context.Background()

	tip, err := h.proc.Tip(ctx, "s", "r", 100, "")
	require.NoError(t, err)

	res, err := h.proc.Refund(ctx, tip.Record.ID, "chargeback")
	require.NoError(t, err)
	require.NotNil(t, res.Record.Supersedes)
	assert.Equal(t, tip.Record.ID, *res.Record.Supersedes)
	assert.Equal(t, ledger.KindRefund, res.Record.Kind)

	assert.Equal(t, int64(1000), h.balance(t, "s"))
	assert.Equal(t, int64(0), h.balance(t, "r"))
	assert.Equal(t, int64(0), h.balance(t, ledger.SystemAccountID("platform")))

	_, err = h.proc.Refund(ctx, tip.Record.ID, "again")
	assert.ErrorIs(t, err, ledger.ErrDuplicateOperation)

	h.assertLedgerConsistent(t)
}

func TestRefund_Rejections(t *testing.T) {
	h := newHarness(t)
	h.open(t, "s", 100, false)
	h.open(t, "r", 0, false)
	ctx := context.Background()

	tip, err := h.proc.Tip(ctx, "s", "r", 100, "")
	require.NoError(t, err)
	_, err = h.proc.Withdraw(ctx, "r", 70)
	require.NoError(t, err)

	_, err = h.proc.Refund(ctx, tip.Record.ID, "too late")
	assert.ErrorIs(t, err, ledger.ErrInsufficientBalance, "recipient already spent the tip")

	hold, err := h.proc.Hold(ctx, "s", 1)
	assert.ErrorIs(t, err, ledger.ErrInsufficientBalance)
	assert.Nil(t, hold.Record)

	adj, err := h.proc.Adjust(ctx, "r", 5, "goodwill")
	require.NoError(t, err)
	_, err = h.proc.Refund(ctx, adj.Record.ID, "")
	assert.ErrorIs(t, err, ledger.ErrNotRefundable)

	_, err = h.proc.Execute(ctx, core.Operation{Kind: core.OpRefund, TransactionID: "not-a-uuid"})
	assert.ErrorIs(t, err, ledger.ErrTransactionNotFound)
}

func TestAdjust(t *testing.T) {
	h := newHarness(t)
	h.open(t, "a", 100, false)
	ctx := context.Background()

	_, err := h.proc.Adjust(ctx, "a", -40, "correction")
	require.NoError(t, err)
	assert.Equal(t, int64(60), h.balance(t, "a"))

	_, err = h.proc.Adjust(ctx, "a", -61, "correction")
	assert.ErrorIs(t, err, ledger.ErrInsufficientBalance)

	_, err = h.proc.Adjust(ctx, "a", 0, "noop")
	assert.ErrorIs(t, err, ledger.ErrInvalidAmount)

	res, err := h.proc.Adjust(ctx, "a", 15, "promo")
	require.NoError(t, err)
	assert.Equal(t, "promo", res.Record.Reason)
	assert.Equal(t, int64(75), h.balance(t, "a"))
	h.assertLedgerConsistent(t)
}

func TestHoldAndRelease(t *testing.T) {
	h := newHarness(t)
	h.open(t, "a", 100, false)
	ctx := context.Background()

	res, err := h.proc.Hold(ctx, "a", 80)
	require.NoError(t, err)
	a, _ := res.Account("a")
	assert.Equal(t, int64(80), a.Pending)
	assert.Equal(t, int64(20), a.Available())
	assert.Empty(t, res.Record.Legs)

	_, err = h.proc.Withdraw(ctx, "a", 21)
	assert.ErrorIs(t, err, ledger.ErrInsufficientBalance)

	_, err = h.proc.ReleaseHold(ctx, "a", 81)
	assert.ErrorIs(t, err, ledger.ErrInvalidAmount)

	_, err = h.proc.ReleaseHold(ctx, "a", 80)
	require.NoError(t, err)
	_, err = h.proc.Withdraw(ctx, "a", 100)
	require.NoError(t, err)

	h.assertLedgerConsistent(t)
}

func TestProgressivePool_BoundsThroughProcessor(t *testing.T) {
	h := newHarness(t)
	h.open(t, "winner", 0, true)
	h.open(t, "loser", 0, false)
	ctx := context.Background()

	_, err := h.proc.InitPool(ctx, "mega", 1000, 5000, decimal.RequireFromString("0.1"))
	require.NoError(t, err)

	var last core.Result
	for i := 0; i < 5; i++ {
		last, err = h.proc.ContributeProgressive(ctx, "mega", 100000, "spin-"+fmt.Sprint(i))
		require.NoError(t, err)
		assert.LessOrEqual(t, last.Pool.Current, int64(5000))
	}
	assert.Equal(t, int64(5000), last.Pool.Current)
	assert.Equal(t, int64(0), last.Contribution.Applied)
	assert.Nil(t, last.Record, "a capped pool records nothing")

	_, err = h.proc.AwardProgressive(ctx, "mega", "loser")
	assert.ErrorIs(t, err, pool.ErrEligibilityNotMet)

	res, err := h.proc.AwardProgressive(ctx, "mega", "winner")
	require.NoError(t, err)
	assert.Equal(t, int64(5000), res.Award.Amount)
	assert.Equal(t, int64(1000), res.Pool.Current)
	assert.NoError(t, res.Record.Validate())
	assert.Equal(t, int64(5000), h.balance(t, "winner"))

	p, err := h.pools.Get("mega")
	require.NoError(t, err)
	assert.Equal(t, int64(1000), p.Current)

	stored, err := h.store.ListPools(ctx)
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, p.Version, stored[0].Version)

	_, err = h.proc.ContributeProgressive(ctx, "missing", 100, "")
	assert.ErrorIs(t, err, pool.ErrPoolNotFound)

	h.assertLedgerConsistent(t)
}

func TestExecute_Dispatch(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.proc.Execute(ctx, core.Operation{Kind: core.OpOpenAccount, AccountID: "x", Verified: true})
	require.NoError(t, err)
	_, err = h.proc.Execute(ctx, core.Operation{Kind: core.OpOpenAccount, AccountID: "y"})
	require.NoError(t, err)

	ops := []core.Operation{
		{Kind: core.OpDeposit, AccountID: "x", Amount: 500, CorrelationID: "c1"},
		{Kind: core.OpTip, AccountID: "x", RecipientID: "y", Amount: 100},
		{Kind: core.OpPayout, AccountID: "x", Amount: 50},
		{Kind: core.OpHold, AccountID: "x", Amount: 10},
		{Kind: core.OpHoldRelease, AccountID: "x", Amount: 10},
		{Kind: core.OpAdjustment, AccountID: "y", Amount: -5, Reason: "fee"},
	}
	for _, op := range ops {
		_, err := h.proc.Execute(ctx, op)
		require.NoError(t, err, op.Kind)
	}
	assert.Equal(t, int64(350), h.balance(t, "x"))
	assert.Equal(t, int64(65), h.balance(t, "y"))

	_, err = h.proc.Execute(ctx, core.Operation{Kind: "teleport"})
	assert.ErrorIs(t, err, core.ErrUnknownOperation)
	assert.Equal(t, core.ClassTerminal, core.Classify(err))

	_, err = h.proc.Execute(ctx, core.Operation{Kind: core.OpOpenAccount, AccountID: "system:platform"})
	assert.ErrorIs(t, err, ledger.ErrInvalidAccount)

	h.assertLedgerConsistent(t)
}

func TestRecover_RestoresPoolsAndDedup(t *testing.T) {
	h := newHarness(t)
	h.open(t, "a", 0, false)
	ctx := core.WithCorrelationID(context.Background(), "dep-7")
	_, err := h.proc.Deposit(ctx, "a", 10)
	require.NoError(t, err)
	_, err = h.proc.InitPool(context.Background(), "p", 0, 100, decimal.RequireFromString("0.5"))
	require.NoError(t, err)

	fresh := newHarness(t, withStore(func(*ledger.MemoryStore) ledger.Store { return h.store }))
	require.NoError(t, fresh.proc.Recover(context.Background(), 100))

	p, err := fresh.pools.Get("p")
	require.NoError(t, err)
	assert.Equal(t, int64(100), p.Maximum)

	_, err = fresh.proc.Deposit(ctx, "a", 10)
	assert.ErrorIs(t, err, ledger.ErrDuplicateOperation)
}

func TestSystemAccounts_OnlyMoveThroughSplitsAndRefunds(t *testing.T) {
	h := newHarness(t)
	h.open(t, "alice", 1000, true)
	h.open(t, "bob", 0, true)
	ctx := context.Background()

	tip, err := h.proc.Tip(ctx, "alice", "bob", 100, "")
	require.NoError(t, err)
	platform := ledger.SystemAccountID("platform")
	creator := ledger.SystemAccountID("creator")
	require.Equal(t, int64(25), h.balance(t, platform))

	attempts := map[string]func() error{
		"withdraw": func() error { _, err := h.proc.Withdraw(ctx, platform, 25); return err },
		"payout":   func() error { _, err := h.proc.Payout(ctx, platform, 25); return err },
		"deposit":  func() error { _, err := h.proc.Deposit(ctx, creator, 500); return err },
		"tip from": func() error { _, err := h.proc.Tip(ctx, platform, "bob", 10, ""); return err },
		"tip to":   func() error { _, err := h.proc.Tip(ctx, "alice", platform, 10, ""); return err },
		"adjust":   func() error { _, err := h.proc.Adjust(ctx, platform, -25, "drain"); return err },
		"hold":     func() error { _, err := h.proc.Hold(ctx, platform, 5); return err },
		"verify":   func() error { _, err := h.proc.SetVerified(ctx, platform, true); return err },
		"external": func() error { _, err := h.proc.Deposit(ctx, ledger.ExternalHouse, 5); return err },
	}
	for name, attempt := range attempts {
		err := attempt()
		assert.ErrorIs(t, err, ledger.ErrInvalidAccount, name)
		assert.Equal(t, core.ClassTerminal, core.Classify(err), name)
	}

	assert.Equal(t, int64(25), h.balance(t, platform))
	assert.Equal(t, int64(5), h.balance(t, creator))
	assert.Equal(t, int64(900), h.balance(t, "alice"))
	assert.Zero(t, testutil.ToFloat64(h.metrics.InternalFaults.WithLabelValues(string(ledger.KindWithdrawal))))

	// A refund still reverses the accumulator legs.
	_, err = h.proc.Refund(ctx, tip.Record.ID, "chargeback")
	require.NoError(t, err)
	assert.Zero(t, h.balance(t, platform))
	assert.Zero(t, h.balance(t, creator))
	assert.Equal(t, int64(1000), h.balance(t, "alice"))
	h.assertLedgerConsistent(t)
}

func TestProgressivePool_ProcessorsSharingAStore(t *testing.T) {
	a := newHarness(t)
	ctx := context.Background()
	_, err := a.proc.InitPool(ctx, "mega", 1000, 5000, decimal.RequireFromString("0.1"))
	require.NoError(t, err)
	a.open(t, "winner", 0, true)

	// b never saw the pool created and has its own engine.
	b := newHarness(t, withStore(func(*ledger.MemoryStore) ledger.Store { return a.store }))

	res, err := a.proc.ContributeProgressive(ctx, "mega", 2000, "spin-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1200), res.Pool.Current)

	res, err = b.proc.ContributeProgressive(ctx, "mega", 2000, "spin-2")
	require.NoError(t, err)
	assert.Equal(t, int64(1400), res.Pool.Current)

	res, err = a.proc.ContributeProgressive(ctx, "mega", 1000, "spin-3")
	require.NoError(t, err)
	assert.Equal(t, int64(1500), res.Pool.Current)

	res, err = b.proc.AwardProgressive(ctx, "mega", "winner")
	require.NoError(t, err)
	assert.Equal(t, int64(1500), res.Award.Amount)
	assert.Equal(t, int64(1500), a.balance(t, "winner"))

	res, err = a.proc.ContributeProgressive(ctx, "mega", 1000, "spin-4")
	require.NoError(t, err)
	assert.Equal(t, int64(1100), res.Pool.Current)

	stored, err := a.store.GetPool(ctx, "mega")
	require.NoError(t, err)
	assert.Equal(t, int64(1100), stored.Current)
	assert.Equal(t, int64(6), stored.Version)

	for _, h := range []*harness{a, b} {
		assert.Zero(t, testutil.ToFloat64(h.metrics.InternalFaults.WithLabelValues(string(ledger.KindProgressiveContribution))))
		assert.Zero(t, testutil.ToFloat64(h.metrics.InternalFaults.WithLabelValues(string(ledger.KindProgressiveAward))))
	}
	a.assertLedgerConsistent(t)
}

func TestDeposit_OverflowIsTerminal(t *testing.T) {
	h := newHarness(t)
	h.open(t, "whale", 0, false)
	ctx := context.Background()

	_, err := h.proc.Deposit(ctx, "whale", math.MaxInt64)
	require.NoError(t, err)

	_, err = h.proc.Deposit(ctx, "whale", 1)
	assert.ErrorIs(t, err, nexmath.ErrOverflow)
	assert.Equal(t, core.ClassTerminal, core.Classify(err))
	assert.Zero(t, testutil.ToFloat64(h.metrics.InternalFaults.WithLabelValues(string(ledger.KindDeposit))))
	assert.Equal(t, int64(math.MaxInt64), h.balance(t, "whale"))
}
