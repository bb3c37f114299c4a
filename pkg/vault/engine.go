package vault

import (
	"math/big"
	"sync"
	"time"

	"github.com/luxfi/log"
)

// Engine is the queue-based settlement engine. Deposits and withdrawal
// requests enqueue immediately and settle later in operator-triggered
// batches; idle capital is deployed to allow-listed yield sources and
// realized yield is distributed net of a performance fee.
//
// Every mutating entry point holds the exclusive lock for its entire
// duration. That lock is both the run-to-completion guarantee and the
// re-entrancy guard: queue/index consistency and the aggregate counters
// are not safe under reentry.
type Engine struct {
	mu     sync.RWMutex
	logger log.Logger

	asset        string
	vaultAddress string
	admin        string
	executors    map[string]bool
	feeBps       uint64
	feeRecipient string
	paused       bool

	allow     *AllowList
	ledger    *Ledger
	allocator *PoolAllocationTracker
	deposits  *DepositQueue
	redeems   *RedeemQueue
	oracle    PriceOracle

	events    chan Event
	onDropped func()
	stats     EngineStats
}

// NewEngine creates a settlement engine over the given allow-list
func NewEngine(cfg EngineConfig, allow *AllowList, logger log.Logger) *Engine {
	executors := make(map[string]bool, len(cfg.Executors))
	for _, e := range cfg.Executors {
		executors[e] = true
	}

	buffer := cfg.EventBuffer
	if buffer <= 0 {
		buffer = 1024
	}

	ledger := NewLedger(cfg.Asset, cfg.VaultAddress, allow)
	return &Engine{
		logger:       logger,
		asset:        cfg.Asset,
		vaultAddress: cfg.VaultAddress,
		admin:        cfg.Admin,
		executors:    executors,
		feeBps:       cfg.FeeBps,
		feeRecipient: cfg.FeeRecipient,
		allow:        allow,
		ledger:       ledger,
		allocator:    NewPoolAllocationTracker(cfg.Asset, cfg.VaultAddress, allow, ledger),
		deposits:     NewDepositQueue(),
		redeems:      NewRedeemQueue(),
		events:       make(chan Event, buffer),
		onDropped:    cfg.OnEventDropped,
	}
}

// Events is the engine's fulfillment event stream. Events are dropped if
// the buffer is full; consumers that need completeness should drain fast.
func (e *Engine) Events() <-chan Event {
	return e.events
}

func (e *Engine) emit(ev Event) {
	ev.Timestamp = time.Now()
	select {
	case e.events <- ev:
	default:
		e.logger.Warn("event buffer full, dropping event", "type", ev.Type, "account", ev.Account)
		if e.onDropped != nil {
			e.onDropped()
		}
	}
}

func (e *Engine) requireAdmin(caller string) error {
	if caller != e.admin {
		return ErrUnauthorized
	}
	return nil
}

func (e *Engine) requireExecutor(caller string) error {
	if !e.executors[caller] && caller != e.admin {
		return ErrUnauthorized
	}
	return nil
}

// RequestDeposit enqueues a deposit. The asset amount is taken into vault
// custody now; shares are minted when an operator fulfills the batch. A
// depositor can hold at most one live deposit request.
func (e *Engine) RequestDeposit(depositor, receiver string, assets *big.Int) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.paused {
		return ErrPaused
	}
	if assets == nil || assets.Sign() <= 0 {
		return ErrZeroAmount
	}
	if receiver == "" {
		receiver = depositor
	}

	if err := e.deposits.Enqueue(depositor, receiver, assets, time.Now()); err != nil {
		return err
	}
	e.ledger.CreditIdle(assets)
	e.stats.DepositsRequested++

	e.logger.Debug("deposit requested", "depositor", depositor, "assets", assets.String())
	e.emit(Event{Type: EventDepositRequested, Account: depositor, Receiver: receiver, Assets: new(big.Int).Set(assets)})
	return nil
}

// CancelDeposit refunds a live, unfulfilled deposit request in full. There
// is no counterpart for withdrawal requests: escrowed shares cannot be
// recalled once requested.
func (e *Engine) CancelDeposit(depositor string) (*big.Int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.paused {
		return nil, ErrPaused
	}
	req, ok := e.deposits.Request(depositor)
	if !ok {
		return nil, ErrNoPendingRequest
	}

	refund := new(big.Int).Set(req.Assets)
	if err := e.ledger.DebitIdle(refund); err != nil {
		return nil, err
	}
	e.deposits.Remove(depositor)
	e.stats.DepositsCancelled++

	e.logger.Debug("deposit cancelled", "depositor", depositor, "refund", refund.String())
	e.emit(Event{Type: EventDepositCancelled, Account: depositor, Assets: refund})
	return refund, nil
}

// RequestWithdraw enqueues a redemption. The controller's shares move to
// the vault's escrow account immediately and the asset entitlement is
// snapshotted at the current share price; queued requests are therefore
// isolated from price movement caused by other users' activity. Returns
// the snapshotted asset value.
func (e *Engine) RequestWithdraw(controller, receiver string, shares *big.Int) (*big.Int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.paused {
		return nil, ErrPaused
	}
	if shares == nil || shares.Sign() <= 0 {
		return nil, ErrZeroAmount
	}
	if receiver == "" {
		receiver = controller
	}
	if _, exists := e.redeems.Request(controller); exists {
		return nil, ErrAlreadyPending
	}

	supply := e.ledger.TotalShares()
	backing := e.ledger.BackingAssets(e.deposits.PendingAssets())
	var assetsAtRequest *big.Int
	if supply.Sign() == 0 {
		assetsAtRequest = big.NewInt(0)
	} else {
		assetsAtRequest = mulDiv(shares, backing, supply)
	}

	if err := e.ledger.Transfer(controller, EscrowAccount, shares); err != nil {
		return nil, err
	}
	if err := e.redeems.Enqueue(controller, receiver, shares, assetsAtRequest, time.Now()); err != nil {
		// not reachable given the existence check above, but undo the
		// escrow move rather than strand the shares
		_ = e.ledger.Transfer(EscrowAccount, controller, shares)
		return nil, err
	}
	e.stats.WithdrawalsRequested++

	e.logger.Debug("withdrawal requested",
		"controller", controller,
		"shares", shares.String(),
		"assetsAtRequest", assetsAtRequest.String())
	e.emit(Event{
		Type:     EventWithdrawRequested,
		Account:  controller,
		Receiver: receiver,
		Shares:   new(big.Int).Set(shares),
		Assets:   new(big.Int).Set(assetsAtRequest),
	})
	return new(big.Int).Set(assetsAtRequest), nil
}

// SetFee updates the performance fee in basis points
func (e *Engine) SetFee(caller string, bps uint64) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.requireAdmin(caller); err != nil {
		return err
	}
	if bps > BpsDenominator {
		return ErrInvalidFee
	}
	e.feeBps = bps
	e.logger.Info("fee updated", "bps", bps)
	return nil
}

// SetFeeRecipient updates the fee recipient. An empty recipient means
// fees are forgone at settlement, not accrued for later.
func (e *Engine) SetFeeRecipient(caller, recipient string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.requireAdmin(caller); err != nil {
		return err
	}
	e.feeRecipient = recipient
	e.logger.Info("fee recipient updated", "recipient", recipient)
	return nil
}

// SetOracle binds the price oracle used for USD reporting
func (e *Engine) SetOracle(caller string, oracle PriceOracle) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.requireAdmin(caller); err != nil {
		return err
	}
	e.oracle = oracle
	return nil
}

// Pause blocks all user and executor entry points
func (e *Engine) Pause(caller string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.requireAdmin(caller); err != nil {
		return err
	}
	e.paused = true
	e.logger.Warn("engine paused")
	return nil
}

// Unpause re-enables user and executor entry points
func (e *Engine) Unpause(caller string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.requireAdmin(caller); err != nil {
		return err
	}
	e.paused = false
	e.logger.Info("engine unpaused")
	return nil
}

// Paused reports whether the engine is paused
func (e *Engine) Paused() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.paused
}

// Asset returns the underlying asset identifier
func (e *Engine) Asset() string {
	return e.asset
}

// FeeBps returns the current performance fee in basis points
func (e *Engine) FeeBps() uint64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.feeBps
}

// SharePrice returns the current share price scaled by PriceScale
func (e *Engine) SharePrice() *big.Int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.ledger.SharePrice(e.deposits.PendingAssets())
}

// TotalAssets returns assets under management including deployed capital
func (e *Engine) TotalAssets() *big.Int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.ledger.TotalAssets()
}

// TotalShares returns the outstanding share supply
func (e *Engine) TotalShares() *big.Int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.ledger.TotalShares()
}

// IdleBalance returns the assets held directly by the vault
func (e *Engine) IdleBalance() *big.Int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.ledger.IdleBalance()
}

// BalanceOf returns an account's share balance
func (e *Engine) BalanceOf(account string) *big.Int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.ledger.BalanceOf(account)
}

// Account returns an account's lifetime cost-basis telemetry
func (e *Engine) Account(account string) (principal, shares *big.Int) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	rec, ok := e.ledger.accounts[account]
	if !ok {
		return big.NewInt(0), big.NewInt(0)
	}
	return new(big.Int).Set(rec.Principal), new(big.Int).Set(rec.Shares)
}

// PendingDeposit returns a copy of a depositor's live request, if any
func (e *Engine) PendingDeposit(depositor string) (*DepositRequest, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	req, ok := e.deposits.Request(depositor)
	if !ok {
		return nil, false
	}
	cp := *req
	cp.Assets = new(big.Int).Set(req.Assets)
	return &cp, true
}

// PendingWithdrawal returns a copy of a controller's live request, if any
func (e *Engine) PendingWithdrawal(controller string) (*WithdrawRequest, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	req, ok := e.redeems.Request(controller)
	if !ok {
		return nil, false
	}
	cp := *req
	cp.Shares = new(big.Int).Set(req.Shares)
	cp.AssetsAtRequest = new(big.Int).Set(req.AssetsAtRequest)
	return &cp, true
}

// PendingDepositAssets is the aggregate of all live deposit requests
func (e *Engine) PendingDepositAssets() *big.Int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.deposits.PendingAssets()
}

// TotalRequestedAssets is the aggregate of all live withdrawal snapshots
func (e *Engine) TotalRequestedAssets() *big.Int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.redeems.RequestedAssets()
}

// QueueDepths returns the deposit and redeem queue lengths
func (e *Engine) QueueDepths() (deposits, redeems int) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.deposits.Len(), e.redeems.Len()
}

// Stats returns a copy of the engine's operation counters
func (e *Engine) Stats() EngineStats {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.stats
}

// Ledger exposes the engine's ledger for wiring yield sources that push
// withdrawn capital back to the vault
func (e *Engine) Ledger() *Ledger {
	return e.ledger
}

// SourcePrincipal returns the recorded principal deployed to a source
func (e *Engine) SourcePrincipal(source string) *big.Int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.allocator.Principal(source)
}

// mulDiv computes a*b/c with truncation toward zero
func mulDiv(a, b, c *big.Int) *big.Int {
	result := new(big.Int).Mul(a, b)
	return result.Quo(result, c)
}
