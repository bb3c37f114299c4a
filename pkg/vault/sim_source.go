package vault

import (
	"math/big"
	"sync"
)

// SimulatedSource is an in-process share-style yield source. It holds
// deposited capital against its own share supply and can be told to accrue
// yield, which raises the conversion rate for every holder. Withdrawn
// assets are pushed back to the vault's ledger so receipt measurement by
// balance delta works the same as against a real source.
type SimulatedSource struct {
	mu sync.Mutex

	asset  string
	ledger *Ledger

	totalAssets *big.Int
	totalShares *big.Int
	balances    map[string]*big.Int
}

// NewSimulatedSource creates an empty simulated source that returns
// withdrawn capital to the given ledger
func NewSimulatedSource(asset string, ledger *Ledger) *SimulatedSource {
	return &SimulatedSource{
		asset:       asset,
		ledger:      ledger,
		totalAssets: big.NewInt(0),
		totalShares: big.NewInt(0),
		balances:    make(map[string]*big.Int),
	}
}

// Asset returns the underlying asset identifier
func (s *SimulatedSource) Asset() string {
	return s.asset
}

// Deposit takes custody of amount and mints source shares to receiver
func (s *SimulatedSource) Deposit(amount *big.Int, receiver string) (*big.Int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if amount == nil || amount.Sign() <= 0 {
		return nil, ErrZeroAmount
	}

	var shares *big.Int
	if s.totalShares.Sign() == 0 {
		shares = new(big.Int).Set(amount)
	} else {
		shares = mulDiv(amount, s.totalShares, s.totalAssets)
	}

	bal, ok := s.balances[receiver]
	if !ok {
		bal = big.NewInt(0)
		s.balances[receiver] = bal
	}
	bal.Add(bal, shares)
	s.totalShares.Add(s.totalShares, shares)
	s.totalAssets.Add(s.totalAssets, amount)
	return shares, nil
}

// Withdraw redeems up to amount assets from owner's holdings, pushing the
// proceeds back to the vault ledger. Partial fills are allowed when the
// owner's position is smaller than the request.
func (s *SimulatedSource) Withdraw(amount *big.Int, receiver string, owner string) (*big.Int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if amount == nil || amount.Sign() <= 0 {
		return nil, ErrZeroAmount
	}
	bal, ok := s.balances[owner]
	if !ok || bal.Sign() == 0 {
		return nil, ErrInsufficientShares
	}

	held := s.convertToAssets(bal)
	pay := new(big.Int).Set(amount)
	if pay.Cmp(held) > 0 {
		pay.Set(held)
	}

	var shares *big.Int
	if held.Cmp(pay) == 0 {
		shares = new(big.Int).Set(bal)
	} else {
		shares = mulDiv(pay, s.totalShares, s.totalAssets)
	}

	bal.Sub(bal, shares)
	s.totalShares.Sub(s.totalShares, shares)
	s.totalAssets.Sub(s.totalAssets, pay)
	s.ledger.CreditIdle(pay)
	return shares, nil
}

// BalanceOf returns the source shares held by holder
func (s *SimulatedSource) BalanceOf(holder string) (*big.Int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if bal, ok := s.balances[holder]; ok {
		return new(big.Int).Set(bal), nil
	}
	return big.NewInt(0), nil
}

// ConvertToAssets values source shares at the current rate
func (s *SimulatedSource) ConvertToAssets(shares *big.Int) (*big.Int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.convertToAssets(shares), nil
}

func (s *SimulatedSource) convertToAssets(shares *big.Int) *big.Int {
	if s.totalShares.Sign() == 0 {
		return big.NewInt(0)
	}
	return mulDiv(shares, s.totalAssets, s.totalShares)
}

// Accrue simulates yield: grows held assets by bps basis points
func (s *SimulatedSource) Accrue(bps uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	gain := mulDiv(s.totalAssets, new(big.Int).SetUint64(bps), big.NewInt(BpsDenominator))
	s.totalAssets.Add(s.totalAssets, gain)
}
