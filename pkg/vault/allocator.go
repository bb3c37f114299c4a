package vault

import (
	"fmt"
	"math/big"
)

// PoolAllocationTracker records capital placed with external yield sources.
// Recorded principal is an accounting quantity: the source's live balance
// can drift above it (yield) or below it (loss), so withdrawals decrement
// by the amount actually received, never below zero.
type PoolAllocationTracker struct {
	asset        string
	vaultAddress string
	allow        *AllowList
	ledger       *Ledger

	principal map[string]*big.Int // source address -> recorded principal
}

// NewPoolAllocationTracker creates a tracker bound to a ledger and allow-list
func NewPoolAllocationTracker(asset, vaultAddress string, allow *AllowList, ledger *Ledger) *PoolAllocationTracker {
	return &PoolAllocationTracker{
		asset:        asset,
		vaultAddress: vaultAddress,
		allow:        allow,
		ledger:       ledger,
		principal:    make(map[string]*big.Int),
	}
}

// Principal returns the recorded principal for a source
func (t *PoolAllocationTracker) Principal(source string) *big.Int {
	if p, ok := t.principal[source]; ok {
		return new(big.Int).Set(p)
	}
	return big.NewInt(0)
}

// TotalPrincipal sums recorded principal across all sources
func (t *PoolAllocationTracker) TotalPrincipal() *big.Int {
	total := big.NewInt(0)
	for _, p := range t.principal {
		total.Add(total, p)
	}
	return total
}

// Supply moves amount from the vault's idle balance into an allow-listed
// source and records it as principal. If the source's deposit entry point
// fails the capital stays idle and nothing is recorded.
func (t *PoolAllocationTracker) Supply(source string, amount *big.Int) error {
	entry, ok := t.allow.Get(source)
	if !ok {
		return ErrSourceNotAllowed
	}
	if amount == nil || amount.Sign() <= 0 {
		return ErrZeroAmount
	}
	if err := t.ledger.DebitIdle(amount); err != nil {
		return err
	}

	if err := t.deposit(entry, amount); err != nil {
		t.ledger.CreditIdle(amount)
		return fmt.Errorf("supply to %s: %w", source, err)
	}

	p, ok := t.principal[source]
	if !ok {
		p = big.NewInt(0)
		t.principal[source] = p
	}
	p.Add(p, amount)
	return nil
}

func (t *PoolAllocationTracker) deposit(entry *SourceEntry, amount *big.Int) error {
	switch entry.Kind {
	case ReserveKind:
		if entry.Reserve == nil {
			return fmt.Errorf("no reserve implementation for %s", entry.Address)
		}
		return entry.Reserve.SupplyFor(t.asset, amount, t.vaultAddress, 0)
	case ShareKind:
		if entry.Share == nil {
			return fmt.Errorf("no share implementation for %s", entry.Address)
		}
		_, err := entry.Share.Deposit(amount, t.vaultAddress)
		return err
	default:
		return fmt.Errorf("unknown source kind %d", entry.Kind)
	}
}

// Withdraw pulls amount back from a source. Receipt is measured by the
// vault's idle balance delta rather than the source's return value, which
// tolerates sources that misreport. Recorded principal is decremented by
// min(received, principal).
func (t *PoolAllocationTracker) Withdraw(source string, amount *big.Int) (*big.Int, error) {
	entry, ok := t.allow.Get(source)
	if !ok {
		return nil, ErrSourceNotAllowed
	}

	before := t.ledger.IdleBalance()
	if err := t.redeem(entry, amount); err != nil {
		return nil, fmt.Errorf("withdraw from %s: %w", source, err)
	}
	received := t.ledger.IdleBalance()
	received.Sub(received, before)
	if received.Sign() < 0 {
		received.SetInt64(0)
	}

	if p, ok := t.principal[source]; ok {
		p.Sub(p, received)
		if p.Sign() < 0 {
			p.SetInt64(0)
		}
	}
	return received, nil
}

func (t *PoolAllocationTracker) redeem(entry *SourceEntry, amount *big.Int) error {
	switch entry.Kind {
	case ReserveKind:
		if entry.Reserve == nil {
			return fmt.Errorf("no reserve implementation for %s", entry.Address)
		}
		_, err := entry.Reserve.WithdrawTo(t.asset, amount, t.vaultAddress)
		return err
	case ShareKind:
		if entry.Share == nil {
			return fmt.Errorf("no share implementation for %s", entry.Address)
		}
		_, err := entry.Share.Withdraw(amount, t.vaultAddress, t.vaultAddress)
		return err
	default:
		return fmt.Errorf("unknown source kind %d", entry.Kind)
	}
}

// WithdrawAsNeeded walks the allow-listed sources pulling capital until the
// shortfall is covered or sources run out. A source that errors is skipped.
// Returns whether the full shortfall was recovered.
func (t *PoolAllocationTracker) WithdrawAsNeeded(shortfall *big.Int) bool {
	recovered := big.NewInt(0)
	for _, source := range t.allow.ListAllowed() {
		if recovered.Cmp(shortfall) >= 0 {
			break
		}
		remaining := new(big.Int).Sub(shortfall, recovered)
		received, err := t.Withdraw(source, remaining)
		if err != nil {
			continue
		}
		recovered.Add(recovered, received)
	}
	return recovered.Cmp(shortfall) >= 0
}
