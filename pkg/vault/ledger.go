package vault

import (
	"math/big"
)

// Ledger is the source of truth for shares outstanding, assets under
// management and per-depositor cost-basis telemetry. Pure bookkeeping:
// control flow lives in the engine, which also serializes all access.
type Ledger struct {
	asset        string
	vaultAddress string
	allow        *AllowList

	idle        *big.Int            // assets held directly by the vault
	balances    map[string]*big.Int // share balances, including escrow
	totalShares *big.Int

	accounts map[string]*AccountRecord
}

// NewLedger creates an empty ledger for the given asset and vault identity
func NewLedger(asset, vaultAddress string, allow *AllowList) *Ledger {
	return &Ledger{
		asset:        asset,
		vaultAddress: vaultAddress,
		allow:        allow,
		idle:         big.NewInt(0),
		balances:     make(map[string]*big.Int),
		totalShares:  big.NewInt(0),
		accounts:     make(map[string]*AccountRecord),
	}
}

// IdleBalance is the asset balance held directly by the vault
func (l *Ledger) IdleBalance() *big.Int {
	return new(big.Int).Set(l.idle)
}

// CreditIdle adds assets to the vault's direct balance. Yield sources call
// this when returning capital; receipt is measured by the resulting delta.
func (l *Ledger) CreditIdle(amount *big.Int) {
	if amount == nil || amount.Sign() <= 0 {
		return
	}
	l.idle.Add(l.idle, amount)
}

// DebitIdle removes assets from the vault's direct balance
func (l *Ledger) DebitIdle(amount *big.Int) error {
	if l.idle.Cmp(amount) < 0 {
		return ErrInsufficientLiquidity
	}
	l.idle.Sub(l.idle, amount)
	return nil
}

// TotalShares is the outstanding share supply, escrowed shares included
func (l *Ledger) TotalShares() *big.Int {
	return new(big.Int).Set(l.totalShares)
}

// BalanceOf returns an account's share balance
func (l *Ledger) BalanceOf(account string) *big.Int {
	if bal, ok := l.balances[account]; ok {
		return new(big.Int).Set(bal)
	}
	return big.NewInt(0)
}

// Mint creates shares for an account and grows the supply
func (l *Ledger) Mint(account string, shares *big.Int) {
	bal, ok := l.balances[account]
	if !ok {
		bal = big.NewInt(0)
		l.balances[account] = bal
	}
	bal.Add(bal, shares)
	l.totalShares.Add(l.totalShares, shares)
}

// Transfer moves shares between accounts without touching supply
func (l *Ledger) Transfer(from, to string, shares *big.Int) error {
	bal, ok := l.balances[from]
	if !ok || bal.Cmp(shares) < 0 {
		return ErrInsufficientShares
	}
	bal.Sub(bal, shares)
	dst, ok := l.balances[to]
	if !ok {
		dst = big.NewInt(0)
		l.balances[to] = dst
	}
	dst.Add(dst, shares)
	return nil
}

// Burn destroys shares held by an account and shrinks the supply
func (l *Ledger) Burn(account string, shares *big.Int) error {
	bal, ok := l.balances[account]
	if !ok || bal.Cmp(shares) < 0 {
		return ErrInsufficientShares
	}
	bal.Sub(bal, shares)
	l.totalShares.Sub(l.totalShares, shares)
	return nil
}

// Record returns the cost-basis record for an account, creating it lazily
func (l *Ledger) Record(account string) *AccountRecord {
	rec, ok := l.accounts[account]
	if !ok {
		rec = NewAccountRecord()
		l.accounts[account] = rec
	}
	return rec
}

// RecordDeposit adds a fulfilled deposit to an account's lifetime telemetry
func (l *Ledger) RecordDeposit(account string, assets, shares *big.Int) {
	rec := l.Record(account)
	rec.Principal.Add(rec.Principal, assets)
	rec.Shares.Add(rec.Shares, shares)
}

// RecordWithdrawal subtracts a redemption's proportional principal and
// burned shares from an account's telemetry, flooring both at zero
func (l *Ledger) RecordWithdrawal(account string, principal, shares *big.Int) {
	rec := l.Record(account)
	rec.Principal.Sub(rec.Principal, principal)
	if rec.Principal.Sign() < 0 {
		rec.Principal.SetInt64(0)
	}
	rec.Shares.Sub(rec.Shares, shares)
	if rec.Shares.Sign() < 0 {
		rec.Shares.SetInt64(0)
	}
}

// TotalAssets is the idle balance plus the vault's convertible balance at
// every allow-listed source. A source that errors contributes zero; one
// source failing never aborts the aggregation.
func (l *Ledger) TotalAssets() *big.Int {
	total := new(big.Int).Set(l.idle)
	for _, addr := range l.allow.ListAllowed() {
		entry, ok := l.allow.Get(addr)
		if !ok {
			continue
		}
		if bal := l.sourceBalance(entry); bal != nil {
			total.Add(total, bal)
		}
	}
	return total
}

// sourceBalance values one source by its recorded kind tag. The tag decides
// which shape is consulted; the other shape is never probed for the same
// entry, so a source satisfying both is counted once.
func (l *Ledger) sourceBalance(entry *SourceEntry) *big.Int {
	switch entry.Kind {
	case ReserveKind:
		if entry.Reserve == nil {
			return nil
		}
		bal, err := entry.Reserve.ReceiptBalance(l.asset, l.vaultAddress)
		if err != nil {
			return nil
		}
		return bal
	case ShareKind:
		if entry.Share == nil {
			return nil
		}
		shares, err := entry.Share.BalanceOf(l.vaultAddress)
		if err != nil {
			return nil
		}
		assets, err := entry.Share.ConvertToAssets(shares)
		if err != nil {
			return nil
		}
		return assets
	default:
		return nil
	}
}

// BackingAssets is total assets excluding capital still pending in the
// deposit queue: that capital has not been converted to shares yet and
// must neither inflate the price paid by fulfilled depositors nor be
// claimable by existing holders.
func (l *Ledger) BackingAssets(pendingDeposits *big.Int) *big.Int {
	backing := l.TotalAssets()
	backing.Sub(backing, pendingDeposits)
	if backing.Sign() < 0 {
		backing.SetInt64(0)
	}
	return backing
}

// SharePrice is backing assets per share scaled by PriceScale, or exactly
// PriceScale while no shares are outstanding
func (l *Ledger) SharePrice(pendingDeposits *big.Int) *big.Int {
	if l.totalShares.Sign() == 0 {
		return new(big.Int).Set(PriceScale)
	}
	price := l.BackingAssets(pendingDeposits)
	price.Mul(price, PriceScale)
	return price.Quo(price, l.totalShares)
}
