package vault

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSupplyRequiresAllowList(t *testing.T) {
	allow := NewAllowList()
	ledger := NewLedger("USDC", "vault", allow)
	tracker := NewPoolAllocationTracker("USDC", "vault", allow, ledger)

	err := tracker.Supply("unknown", big.NewInt(100))
	assert.ErrorIs(t, err, ErrSourceNotAllowed)
}

func TestSupplyMovesCapitalAndRecordsPrincipal(t *testing.T) {
	allow := NewAllowList()
	ledger := NewLedger("USDC", "vault", allow)
	tracker := NewPoolAllocationTracker("USDC", "vault", allow, ledger)
	ledger.CreditIdle(big.NewInt(500))

	reserve := newFakeReserve(ledger)
	allow.Add(SourceEntry{Address: "poolR", Kind: ReserveKind, Reserve: reserve})

	require.NoError(t, tracker.Supply("poolR", big.NewInt(300)))
	equalInt(t, 200, ledger.IdleBalance())
	equalInt(t, 300, tracker.Principal("poolR"))
	equalInt(t, 300, reserve.balance)
}

func TestSupplyFailureLeavesCapitalIdle(t *testing.T) {
	allow := NewAllowList()
	ledger := NewLedger("USDC", "vault", allow)
	tracker := NewPoolAllocationTracker("USDC", "vault", allow, ledger)
	ledger.CreditIdle(big.NewInt(500))

	reserve := newFakeReserve(ledger)
	reserve.failSupply = true
	allow.Add(SourceEntry{Address: "poolR", Kind: ReserveKind, Reserve: reserve})

	err := tracker.Supply("poolR", big.NewInt(300))
	require.Error(t, err)
	equalInt(t, 500, ledger.IdleBalance())
	equalInt(t, 0, tracker.Principal("poolR"))
}

func TestWithdrawMeasuresByBalanceDelta(t *testing.T) {
	allow := NewAllowList()
	ledger := NewLedger("USDC", "vault", allow)
	tracker := NewPoolAllocationTracker("USDC", "vault", allow, ledger)
	ledger.CreditIdle(big.NewInt(1000))

	reserve := newFakeReserve(ledger)
	allow.Add(SourceEntry{Address: "poolR", Kind: ReserveKind, Reserve: reserve})
	require.NoError(t, tracker.Supply("poolR", big.NewInt(1000)))

	// the source claims a wildly wrong figure; accounting follows the
	// delta in the vault's own balance
	reserve.misreport = big.NewInt(999_999)

	received, err := tracker.Withdraw("poolR", big.NewInt(400))
	require.NoError(t, err)
	equalInt(t, 400, received)
	equalInt(t, 600, tracker.Principal("poolR"))
	equalInt(t, 400, ledger.IdleBalance())
}

func TestWithdrawPrincipalFloorsAtZero(t *testing.T) {
	allow := NewAllowList()
	ledger := NewLedger("USDC", "vault", allow)
	tracker := NewPoolAllocationTracker("USDC", "vault", allow, ledger)
	ledger.CreditIdle(big.NewInt(100))

	reserve := newFakeReserve(ledger)
	allow.Add(SourceEntry{Address: "poolR", Kind: ReserveKind, Reserve: reserve})
	require.NoError(t, tracker.Supply("poolR", big.NewInt(100)))

	// the source accrued yield: its live balance exceeds principal
	reserve.balance.Add(reserve.balance, big.NewInt(50))

	received, err := tracker.Withdraw("poolR", big.NewInt(150))
	require.NoError(t, err)
	equalInt(t, 150, received)
	equalInt(t, 0, tracker.Principal("poolR"))
}

func TestWithdrawAsNeededSkipsFailingSources(t *testing.T) {
	allow := NewAllowList()
	ledger := NewLedger("USDC", "vault", allow)
	tracker := NewPoolAllocationTracker("USDC", "vault", allow, ledger)
	ledger.CreditIdle(big.NewInt(300))

	broken := newFakeReserve(ledger)
	allow.Add(SourceEntry{Address: "poolA", Kind: ReserveKind, Reserve: broken})
	healthy := newFakeReserve(ledger)
	allow.Add(SourceEntry{Address: "poolB", Kind: ReserveKind, Reserve: healthy})

	require.NoError(t, tracker.Supply("poolA", big.NewInt(100)))
	require.NoError(t, tracker.Supply("poolB", big.NewInt(200)))
	broken.failWithdraw = true

	t.Run("CoveredByHealthySource", func(t *testing.T) {
		ok := tracker.WithdrawAsNeeded(big.NewInt(150))
		assert.True(t, ok)
		equalInt(t, 150, ledger.IdleBalance())
		equalInt(t, 100, tracker.Principal("poolA"))
		equalInt(t, 50, tracker.Principal("poolB"))
	})

	t.Run("ShortfallNotCoverable", func(t *testing.T) {
		ok := tracker.WithdrawAsNeeded(big.NewInt(500))
		assert.False(t, ok)
		// whatever poolB still held was recovered
		equalInt(t, 200, ledger.IdleBalance())
		equalInt(t, 0, tracker.Principal("poolB"))
	})
}

func TestWithdrawAsNeededStopsWhenCovered(t *testing.T) {
	allow := NewAllowList()
	ledger := NewLedger("USDC", "vault", allow)
	tracker := NewPoolAllocationTracker("USDC", "vault", allow, ledger)
	ledger.CreditIdle(big.NewInt(400))

	first := newFakeReserve(ledger)
	second := newFakeReserve(ledger)
	allow.Add(SourceEntry{Address: "poolA", Kind: ReserveKind, Reserve: first})
	allow.Add(SourceEntry{Address: "poolB", Kind: ReserveKind, Reserve: second})
	require.NoError(t, tracker.Supply("poolA", big.NewInt(200)))
	require.NoError(t, tracker.Supply("poolB", big.NewInt(200)))

	ok := tracker.WithdrawAsNeeded(big.NewInt(150))
	require.True(t, ok)
	equalInt(t, 200, second.balance) // second source untouched
}
