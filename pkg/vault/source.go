package vault

import (
	"math/big"
	"sync"
)

// ReserveSource is a reserve-style yield source: positions are tracked
// through a receipt balance assumed redeemable 1:1 for the supplied asset.
type ReserveSource interface {
	SupplyFor(asset string, amount *big.Int, onBehalfOf string, referralCode uint16) error
	WithdrawTo(asset string, amount *big.Int, to string) (*big.Int, error)
	ReceiptBalance(asset string, holder string) (*big.Int, error)
}

// ShareSource is a share-style yield source: deposits mint source shares
// convertible back to assets at the source's own rate.
type ShareSource interface {
	Asset() string
	Deposit(amount *big.Int, receiver string) (*big.Int, error)
	Withdraw(amount *big.Int, receiver string, owner string) (*big.Int, error)
	BalanceOf(holder string) (*big.Int, error)
	ConvertToAssets(shares *big.Int) (*big.Int, error)
}

// SourceEntry binds an allow-listed address to its integration shape.
// Dispatch is by the stored kind tag, never by probing both shapes at
// runtime: an entry whose tagged implementation is missing or failing
// simply contributes zero during valuation.
type SourceEntry struct {
	Address string
	Kind    SourceKind
	Reserve ReserveSource
	Share   ShareSource
}

// AllowList is the governed set of yield sources the engine may move
// capital into and out of. Mutation is an admin concern; the engine itself
// only reads it.
type AllowList struct {
	mu      sync.RWMutex
	entries map[string]*SourceEntry
	order   []string
}

// NewAllowList creates an empty allow-list
func NewAllowList() *AllowList {
	return &AllowList{
		entries: make(map[string]*SourceEntry),
	}
}

// Add registers a source. Re-adding an address replaces its entry without
// changing its iteration position.
func (al *AllowList) Add(entry SourceEntry) {
	al.mu.Lock()
	defer al.mu.Unlock()

	if _, exists := al.entries[entry.Address]; !exists {
		al.order = append(al.order, entry.Address)
	}
	al.entries[entry.Address] = &entry
}

// Remove drops a source from the list
func (al *AllowList) Remove(address string) {
	al.mu.Lock()
	defer al.mu.Unlock()

	if _, exists := al.entries[address]; !exists {
		return
	}
	delete(al.entries, address)
	for i, addr := range al.order {
		if addr == address {
			al.order = append(al.order[:i], al.order[i+1:]...)
			break
		}
	}
}

// IsAllowed reports whether an address is on the list
func (al *AllowList) IsAllowed(address string) bool {
	al.mu.RLock()
	defer al.mu.RUnlock()

	_, ok := al.entries[address]
	return ok
}

// KindOf returns the integration shape recorded for an address
func (al *AllowList) KindOf(address string) (SourceKind, bool) {
	al.mu.RLock()
	defer al.mu.RUnlock()

	entry, ok := al.entries[address]
	if !ok {
		return 0, false
	}
	return entry.Kind, true
}

// Get returns the full entry for an address
func (al *AllowList) Get(address string) (*SourceEntry, bool) {
	al.mu.RLock()
	defer al.mu.RUnlock()

	entry, ok := al.entries[address]
	return entry, ok
}

// ListAllowed returns the allow-listed addresses in registration order
func (al *AllowList) ListAllowed() []string {
	al.mu.RLock()
	defer al.mu.RUnlock()

	out := make([]string, len(al.order))
	copy(out, al.order)
	return out
}
