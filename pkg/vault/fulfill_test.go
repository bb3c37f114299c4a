package vault

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBootstrapDepositMintsOneToOne(t *testing.T) {
	allow := NewAllowList()
	engine := testEngine(allow)
	source := NewSimulatedSource("USDC", engine.ledger)
	allow.Add(SourceEntry{Address: "pool", Kind: ShareKind, Share: source})

	require.NoError(t, engine.RequestDeposit("alice", "", big.NewInt(100)))
	drainEvents(engine)

	processed, err := engine.FulfillDeposits(testExecutor, 1, "pool")
	require.NoError(t, err)
	assert.Equal(t, 1, processed)

	equalInt(t, 100, engine.BalanceOf("alice"))
	equalInt(t, 100, engine.TotalShares())
	equalInt(t, 0, engine.PendingDepositAssets())
	equalInt(t, 0, engine.IdleBalance()) // capital deployed, not idle
	equalInt(t, 100, engine.SourcePrincipal("pool"))
	equalInt(t, 100, engine.TotalAssets())
	equalBig(t, PriceScale, engine.SharePrice())

	events := drainEvents(engine)
	require.Len(t, events, 1)
	assert.Equal(t, EventDepositFulfilled, events[0].Type)
	assert.Equal(t, "pool", events[0].Source)
	equalInt(t, 100, events[0].Shares)
}

func TestWithdrawalDistributesYieldNetOfFee(t *testing.T) {
	allow := NewAllowList()
	engine := testEngine(allow)
	source := NewSimulatedSource("USDC", engine.ledger)
	allow.Add(SourceEntry{Address: "pool", Kind: ShareKind, Share: source})

	require.NoError(t, engine.SetFee(testAdmin, 1000)) // 10%
	require.NoError(t, engine.SetFeeRecipient(testAdmin, "treasury"))

	require.NoError(t, engine.RequestDeposit("alice", "", big.NewInt(900)))
	require.NoError(t, engine.RequestDeposit("bob", "", big.NewInt(100)))
	_, err := engine.FulfillDeposits(testExecutor, 2, "pool")
	require.NoError(t, err)
	equalInt(t, 1000, engine.TotalShares())

	source.Accrue(1000) // +10%: pool now holds 1100
	equalInt(t, 1100, engine.TotalAssets())

	snapshot, err := engine.RequestWithdraw("bob", "", big.NewInt(100))
	require.NoError(t, err)
	equalInt(t, 110, snapshot) // 100 shares at 1.1
	drainEvents(engine)

	processed, err := engine.FulfillWithdrawals(testExecutor, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, processed)

	events := drainEvents(engine)
	require.Len(t, events, 1)
	ev := events[0]
	assert.Equal(t, EventWithdrawFulfilled, ev.Type)
	equalInt(t, 110, ev.Assets) // gross entitlement
	equalInt(t, 10, ev.Yield)   // gross minus proportional principal of 100
	equalInt(t, 1, ev.Fee)      // 10% of the yield
	equalInt(t, 109, ev.Payout)

	// bob's position is fully closed
	equalInt(t, 0, engine.BalanceOf("bob"))
	principal, lifetime := engine.Account("bob")
	equalInt(t, 0, principal)
	equalInt(t, 0, lifetime)

	// remaining holders keep the 1.1 share price
	equalInt(t, 900, engine.TotalShares())
	equalInt(t, 990, engine.TotalAssets())
	wantPrice := mulDiv(big.NewInt(990), PriceScale, big.NewInt(900))
	equalBig(t, wantPrice, engine.SharePrice())
}

func TestFeeForgoneWithoutRecipient(t *testing.T) {
	allow := NewAllowList()
	engine := testEngine(allow)
	source := NewSimulatedSource("USDC", engine.ledger)
	allow.Add(SourceEntry{Address: "pool", Kind: ShareKind, Share: source})

	require.NoError(t, engine.SetFee(testAdmin, 1000))
	// no fee recipient configured

	require.NoError(t, engine.RequestDeposit("alice", "", big.NewInt(1000)))
	_, err := engine.FulfillDeposits(testExecutor, 1, "pool")
	require.NoError(t, err)
	source.Accrue(1000)

	_, err = engine.RequestWithdraw("alice", "", big.NewInt(100))
	require.NoError(t, err)
	drainEvents(engine)

	_, err = engine.FulfillWithdrawals(testExecutor, 1)
	require.NoError(t, err)

	events := drainEvents(engine)
	require.Len(t, events, 1)
	equalInt(t, 1, events[0].Fee)    // fee still reduces the payout
	equalInt(t, 109, events[0].Payout)
	equalInt(t, 1, engine.IdleBalance()) // the forgone fee stays in the vault
}

func TestDustDepositSkippedInPlace(t *testing.T) {
	allow := NewAllowList()
	engine := testEngine(allow)
	source := NewSimulatedSource("USDC", engine.ledger)
	allow.Add(SourceEntry{Address: "pool", Kind: ShareKind, Share: source})

	require.NoError(t, engine.RequestDeposit("alice", "", big.NewInt(10)))
	_, err := engine.FulfillDeposits(testExecutor, 1, "pool")
	require.NoError(t, err)
	source.Accrue(1000) // pool holds 11, share price 1.1

	require.NoError(t, engine.RequestDeposit("bob", "", big.NewInt(1)))
	processed, err := engine.FulfillDeposits(testExecutor, 1, "pool")
	require.NoError(t, err)
	assert.Equal(t, 0, processed) // 1*10/11 truncates to zero shares

	// the request survives untouched for a future batch
	req, ok := engine.PendingDeposit("bob")
	require.True(t, ok)
	equalInt(t, 1, req.Assets)
	equalInt(t, 1, engine.PendingDepositAssets())
	equalInt(t, 0, engine.BalanceOf("bob"))
	assert.Equal(t, uint64(1), engine.Stats().ZeroShareSkips)
}

func TestBatchPricesAtOneSnapshot(t *testing.T) {
	allow := NewAllowList()
	engine := testEngine(allow)
	source := NewSimulatedSource("USDC", engine.ledger)
	allow.Add(SourceEntry{Address: "pool", Kind: ShareKind, Share: source})

	require.NoError(t, engine.RequestDeposit("alice", "", big.NewInt(100)))
	_, err := engine.FulfillDeposits(testExecutor, 1, "pool")
	require.NoError(t, err)
	source.Accrue(5000) // pool holds 150

	require.NoError(t, engine.RequestDeposit("bob", "", big.NewInt(100)))
	require.NoError(t, engine.RequestDeposit("carol", "", big.NewInt(100)))
	processed, err := engine.FulfillDeposits(testExecutor, 2, "pool")
	require.NoError(t, err)
	assert.Equal(t, 2, processed)

	// both convert at the 100/150 rate snapshotted before the first mint
	equalInt(t, 66, engine.BalanceOf("bob"))
	equalInt(t, 66, engine.BalanceOf("carol"))
	equalInt(t, 232, engine.TotalShares())
}

func TestWithdrawalBatchHardStopsOnShortfall(t *testing.T) {
	allow := NewAllowList()
	engine := testEngine(allow)
	reserve := newFakeReserve(engine.ledger)
	allow.Add(SourceEntry{Address: "lending", Kind: ReserveKind, Reserve: reserve})

	require.NoError(t, engine.RequestDeposit("alice", "", big.NewInt(100)))
	require.NoError(t, engine.RequestDeposit("bob", "", big.NewInt(100)))
	_, err := engine.FulfillDeposits(testExecutor, 2, "lending")
	require.NoError(t, err)

	_, err = engine.RequestWithdraw("alice", "", big.NewInt(100))
	require.NoError(t, err)
	_, err = engine.RequestWithdraw("bob", "", big.NewInt(100))
	require.NoError(t, err)

	// the source loses half the deployed capital
	reserve.balance.SetInt64(100)

	processed, err := engine.FulfillWithdrawals(testExecutor, 2)
	assert.ErrorIs(t, err, ErrInsufficientLiquidity)
	assert.Equal(t, 1, processed)

	// the first settlement stands; the second request stays queued
	_, aliceLive := engine.PendingWithdrawal("alice")
	assert.False(t, aliceLive)
	bobReq, bobLive := engine.PendingWithdrawal("bob")
	require.True(t, bobLive)
	equalInt(t, 100, bobReq.AssetsAtRequest)
	equalInt(t, 100, engine.TotalRequestedAssets())
	equalInt(t, 100, engine.BalanceOf(EscrowAccount))
}

func TestPendingDepositCapitalNeverFundsPayouts(t *testing.T) {
	allow := NewAllowList()
	engine := testEngine(allow)
	source := NewSimulatedSource("USDC", engine.ledger)
	allow.Add(SourceEntry{Address: "pool", Kind: ShareKind, Share: source})

	require.NoError(t, engine.RequestDeposit("alice", "", big.NewInt(100)))
	_, err := engine.FulfillDeposits(testExecutor, 1, "pool")
	require.NoError(t, err)
	_, err = engine.RequestWithdraw("alice", "", big.NewInt(100))
	require.NoError(t, err)

	// drain the source so only bob's queued deposit could fund the payout
	_, err = source.Withdraw(big.NewInt(100), "vault", "vault")
	require.NoError(t, err)
	require.NoError(t, engine.ledger.DebitIdle(big.NewInt(100)))
	require.NoError(t, engine.RequestDeposit("bob", "", big.NewInt(100)))
	equalInt(t, 100, engine.IdleBalance())

	processed, err := engine.FulfillWithdrawals(testExecutor, 1)
	assert.ErrorIs(t, err, ErrInsufficientLiquidity)
	assert.Equal(t, 0, processed)
	equalInt(t, 100, engine.IdleBalance()) // bob's capital untouched
}

func TestZeroBackingAbortsDepositBatch(t *testing.T) {
	allow := NewAllowList()
	engine := testEngine(allow)
	reserve := newFakeReserve(engine.ledger)
	allow.Add(SourceEntry{Address: "lending", Kind: ReserveKind, Reserve: reserve})

	require.NoError(t, engine.RequestDeposit("alice", "", big.NewInt(100)))
	_, err := engine.FulfillDeposits(testExecutor, 1, "lending")
	require.NoError(t, err)

	// total loss at the source: shares outstanding, nothing backing them
	reserve.balance.SetInt64(0)
	require.NoError(t, engine.RequestDeposit("bob", "", big.NewInt(50)))

	processed, err := engine.FulfillDeposits(testExecutor, 1, "lending")
	assert.ErrorIs(t, err, ErrZeroBacking)
	assert.Equal(t, 0, processed)
	_, live := engine.PendingDeposit("bob")
	assert.True(t, live)
}

func TestStaleQueueEntryDoesNotConsumeBudget(t *testing.T) {
	allow := NewAllowList()
	engine := testEngine(allow)
	source := NewSimulatedSource("USDC", engine.ledger)
	allow.Add(SourceEntry{Address: "pool", Kind: ShareKind, Share: source})

	require.NoError(t, engine.RequestDeposit("ghost", "", big.NewInt(30)))
	require.NoError(t, engine.RequestDeposit("alice", "", big.NewInt(100)))

	// corrupt the head entry: record gone, queue slot left behind
	req := engine.deposits.requests["ghost"]
	delete(engine.deposits.requests, "ghost")
	engine.deposits.pendingAssets.Sub(engine.deposits.pendingAssets, req.Assets)
	require.NoError(t, engine.ledger.DebitIdle(req.Assets))

	processed, err := engine.FulfillDeposits(testExecutor, 1, "pool")
	require.NoError(t, err)
	assert.Equal(t, 1, processed) // alice still fits in the batch of one
	equalInt(t, 100, engine.BalanceOf("alice"))
	assert.Equal(t, uint64(1), engine.Stats().StaleEntriesDropped)

	deposits, _ := engine.QueueDepths()
	assert.Equal(t, 0, deposits)
}

func TestFulfillEmptyQueuesIsNoOp(t *testing.T) {
	allow := NewAllowList()
	engine := testEngine(allow)
	source := NewSimulatedSource("USDC", engine.ledger)
	allow.Add(SourceEntry{Address: "pool", Kind: ShareKind, Share: source})

	for i := 0; i < 3; i++ {
		processed, err := engine.FulfillDeposits(testExecutor, MaxDepositBatch, "pool")
		require.NoError(t, err)
		assert.Equal(t, 0, processed)

		processed, err = engine.FulfillWithdrawals(testExecutor, 10)
		require.NoError(t, err)
		assert.Equal(t, 0, processed)
	}
	assert.Empty(t, drainEvents(engine))
	assert.Equal(t, EngineStats{}, engine.Stats())
}

func TestBatchSizeValidation(t *testing.T) {
	allow := NewAllowList()
	engine := testEngine(allow)
	source := NewSimulatedSource("USDC", engine.ledger)
	allow.Add(SourceEntry{Address: "pool", Kind: ShareKind, Share: source})

	_, err := engine.FulfillDeposits(testExecutor, 0, "pool")
	assert.ErrorIs(t, err, ErrInvalidBatchSize)
	_, err = engine.FulfillDeposits(testExecutor, MaxDepositBatch+1, "pool")
	assert.ErrorIs(t, err, ErrInvalidBatchSize)
	_, err = engine.FulfillWithdrawals(testExecutor, 0)
	assert.ErrorIs(t, err, ErrInvalidBatchSize)

	// withdrawal batches have no upper bound
	_, err = engine.FulfillWithdrawals(testExecutor, 1000)
	assert.NoError(t, err)
}

func TestFulfillDepositsRejectsUnknownSource(t *testing.T) {
	engine := testEngine(NewAllowList())
	require.NoError(t, engine.RequestDeposit("alice", "", big.NewInt(100)))

	_, err := engine.FulfillDeposits(testExecutor, 1, "nowhere")
	assert.ErrorIs(t, err, ErrSourceNotAllowed)
	_, live := engine.PendingDeposit("alice")
	assert.True(t, live)
}

func TestSupplyFailureLeavesBatchSettled(t *testing.T) {
	allow := NewAllowList()
	engine := testEngine(allow)
	reserve := newFakeReserve(engine.ledger)
	reserve.failSupply = true
	allow.Add(SourceEntry{Address: "lending", Kind: ReserveKind, Reserve: reserve})

	require.NoError(t, engine.RequestDeposit("alice", "", big.NewInt(100)))
	processed, err := engine.FulfillDeposits(testExecutor, 1, "lending")
	require.NoError(t, err) // deployment failure is not a settlement failure
	assert.Equal(t, 1, processed)

	equalInt(t, 100, engine.BalanceOf("alice"))
	equalInt(t, 100, engine.IdleBalance()) // capital stayed idle
	equalInt(t, 0, engine.SourcePrincipal("lending"))
}

func TestFullExitDrainsVault(t *testing.T) {
	allow := NewAllowList()
	engine := testEngine(allow)
	source := NewSimulatedSource("USDC", engine.ledger)
	allow.Add(SourceEntry{Address: "pool", Kind: ShareKind, Share: source})

	require.NoError(t, engine.RequestDeposit("alice", "", big.NewInt(1000)))
	_, err := engine.FulfillDeposits(testExecutor, 1, "pool")
	require.NoError(t, err)
	source.Accrue(123) // 1000 -> 1012

	snapshot, err := engine.RequestWithdraw("alice", "", big.NewInt(1000))
	require.NoError(t, err)
	equalInt(t, 1012, snapshot)
	drainEvents(engine)

	processed, err := engine.FulfillWithdrawals(testExecutor, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, processed)

	events := drainEvents(engine)
	require.Len(t, events, 1)
	equalInt(t, 1012, events[0].Payout) // no fee configured

	equalInt(t, 0, engine.TotalShares())
	equalInt(t, 0, engine.IdleBalance())
	equalInt(t, 0, engine.TotalAssets())
	equalInt(t, 0, engine.BalanceOf(EscrowAccount))
}
