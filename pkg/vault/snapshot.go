package vault

import (
	"fmt"
	"math/big"
	"time"
)

// Snapshot is a JSON-serializable image of all engine state. Amounts are
// decimal strings so they survive encoders that mangle big numbers.
type Snapshot struct {
	Timestamp    time.Time `json:"timestamp"`
	FeeBps       uint64    `json:"fee_bps"`
	FeeRecipient string    `json:"fee_recipient"`
	Paused       bool      `json:"paused"`

	Idle        string            `json:"idle"`
	TotalShares string            `json:"total_shares"`
	Balances    map[string]string `json:"balances"`

	Accounts map[string]SnapshotAccount `json:"accounts"`

	DepositOrder         []string                   `json:"deposit_order"`
	DepositRequests      map[string]SnapshotDeposit `json:"deposit_requests"`
	PendingDepositAssets string                     `json:"pending_deposit_assets"`

	RedeemOrder          []string                    `json:"redeem_order"`
	WithdrawRequests     map[string]SnapshotWithdraw `json:"withdraw_requests"`
	TotalRequestedAssets string                      `json:"total_requested_assets"`

	SourcePrincipal map[string]string `json:"source_principal"`

	Stats EngineStats `json:"stats"`
}

// SnapshotAccount is a serialized AccountRecord
type SnapshotAccount struct {
	Principal string `json:"principal"`
	Shares    string `json:"shares"`
}

// SnapshotDeposit is a serialized DepositRequest
type SnapshotDeposit struct {
	Receiver  string    `json:"receiver"`
	Assets    string    `json:"assets"`
	CreatedAt time.Time `json:"created_at"`
}

// SnapshotWithdraw is a serialized WithdrawRequest
type SnapshotWithdraw struct {
	Receiver        string    `json:"receiver"`
	Shares          string    `json:"shares"`
	AssetsAtRequest string    `json:"assets_at_request"`
	CreatedAt       time.Time `json:"created_at"`
}

// Snapshot captures the full engine state
func (e *Engine) Snapshot() Snapshot {
	e.mu.RLock()
	defer e.mu.RUnlock()

	snap := Snapshot{
		Timestamp:            time.Now(),
		FeeBps:               e.feeBps,
		FeeRecipient:         e.feeRecipient,
		Paused:               e.paused,
		Idle:                 e.ledger.idle.String(),
		TotalShares:          e.ledger.totalShares.String(),
		Balances:             make(map[string]string, len(e.ledger.balances)),
		Accounts:             make(map[string]SnapshotAccount, len(e.ledger.accounts)),
		DepositOrder:         append([]string(nil), e.deposits.queue.order...),
		DepositRequests:      make(map[string]SnapshotDeposit, len(e.deposits.requests)),
		PendingDepositAssets: e.deposits.pendingAssets.String(),
		RedeemOrder:          append([]string(nil), e.redeems.queue.order...),
		WithdrawRequests:     make(map[string]SnapshotWithdraw, len(e.redeems.requests)),
		TotalRequestedAssets: e.redeems.requestedAssets.String(),
		SourcePrincipal:      make(map[string]string, len(e.allocator.principal)),
		Stats:                e.stats,
	}

	for acct, bal := range e.ledger.balances {
		snap.Balances[acct] = bal.String()
	}
	for acct, rec := range e.ledger.accounts {
		snap.Accounts[acct] = SnapshotAccount{
			Principal: rec.Principal.String(),
			Shares:    rec.Shares.String(),
		}
	}
	for depositor, req := range e.deposits.requests {
		snap.DepositRequests[depositor] = SnapshotDeposit{
			Receiver:  req.Receiver,
			Assets:    req.Assets.String(),
			CreatedAt: req.CreatedAt,
		}
	}
	for controller, req := range e.redeems.requests {
		snap.WithdrawRequests[controller] = SnapshotWithdraw{
			Receiver:        req.Receiver,
			Shares:          req.Shares.String(),
			AssetsAtRequest: req.AssetsAtRequest.String(),
			CreatedAt:       req.CreatedAt,
		}
	}
	for source, p := range e.allocator.principal {
		snap.SourcePrincipal[source] = p.String()
	}
	return snap
}

// Restore replaces all engine state with the snapshot's
func (e *Engine) Restore(snap Snapshot) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	idle, err := parseBig(snap.Idle)
	if err != nil {
		return err
	}
	totalShares, err := parseBig(snap.TotalShares)
	if err != nil {
		return err
	}
	pendingDeposits, err := parseBig(snap.PendingDepositAssets)
	if err != nil {
		return err
	}
	requestedAssets, err := parseBig(snap.TotalRequestedAssets)
	if err != nil {
		return err
	}

	balances := make(map[string]*big.Int, len(snap.Balances))
	for acct, s := range snap.Balances {
		bal, err := parseBig(s)
		if err != nil {
			return err
		}
		balances[acct] = bal
	}
	accounts := make(map[string]*AccountRecord, len(snap.Accounts))
	for acct, sa := range snap.Accounts {
		principal, err := parseBig(sa.Principal)
		if err != nil {
			return err
		}
		shares, err := parseBig(sa.Shares)
		if err != nil {
			return err
		}
		accounts[acct] = &AccountRecord{Principal: principal, Shares: shares}
	}

	deposits := NewDepositQueue()
	for _, depositor := range snap.DepositOrder {
		deposits.queue.push(depositor)
	}
	for depositor, sd := range snap.DepositRequests {
		assets, err := parseBig(sd.Assets)
		if err != nil {
			return err
		}
		deposits.requests[depositor] = &DepositRequest{
			Depositor: depositor,
			Receiver:  sd.Receiver,
			Assets:    assets,
			CreatedAt: sd.CreatedAt,
		}
	}
	deposits.pendingAssets = pendingDeposits

	redeems := NewRedeemQueue()
	for _, controller := range snap.RedeemOrder {
		redeems.queue.push(controller)
	}
	for controller, sw := range snap.WithdrawRequests {
		shares, err := parseBig(sw.Shares)
		if err != nil {
			return err
		}
		assetsAtRequest, err := parseBig(sw.AssetsAtRequest)
		if err != nil {
			return err
		}
		redeems.requests[controller] = &WithdrawRequest{
			Controller:      controller,
			Receiver:        sw.Receiver,
			Shares:          shares,
			AssetsAtRequest: assetsAtRequest,
			CreatedAt:       sw.CreatedAt,
		}
	}
	redeems.requestedAssets = requestedAssets

	principal := make(map[string]*big.Int, len(snap.SourcePrincipal))
	for source, s := range snap.SourcePrincipal {
		p, err := parseBig(s)
		if err != nil {
			return err
		}
		principal[source] = p
	}

	// everything parsed; apply. The ledger is mutated in place rather
	// than swapped out because yield sources hold a reference to it for
	// returning capital.
	e.ledger.idle = idle
	e.ledger.totalShares = totalShares
	e.ledger.balances = balances
	e.ledger.accounts = accounts
	e.allocator.principal = principal
	e.feeBps = snap.FeeBps
	e.feeRecipient = snap.FeeRecipient
	e.paused = snap.Paused
	e.deposits = deposits
	e.redeems = redeems
	e.stats = snap.Stats
	return nil
}

func parseBig(s string) (*big.Int, error) {
	if s == "" {
		return big.NewInt(0), nil
	}
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("invalid amount %q", s)
	}
	return v, nil
}
