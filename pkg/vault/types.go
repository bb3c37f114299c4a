package vault

import (
	"fmt"
	"math/big"
	"time"
)

// SourceKind identifies the integration shape of an external yield source
type SourceKind int

const (
	// ReserveKind sources take supply/withdraw calls against an asset and
	// track the position through a 1:1 redeemable receipt balance
	ReserveKind SourceKind = iota
	// ShareKind sources are share-denominated: deposits mint source shares
	// convertible back to assets at the source's own rate
	ShareKind
)

func (k SourceKind) String() string {
	switch k {
	case ReserveKind:
		return "reserve"
	case ShareKind:
		return "share"
	default:
		return "unknown"
	}
}

// PriceScale is the fixed-point factor applied to share prices
var PriceScale = new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)

// BpsDenominator is the fee basis: 10000 bps = 100%
const BpsDenominator = 10_000

// MaxDepositBatch caps a single deposit fulfillment batch
const MaxDepositBatch = 5

// EscrowAccount holds shares between withdrawal request and fulfillment.
// It is an ordinary balance entry owned by the vault itself; burning from
// escrow is just a decrement on this account.
const EscrowAccount = "vault:escrow"

// Errors
var (
	ErrZeroAmount            = fmt.Errorf("amount must be positive")
	ErrAlreadyPending        = fmt.Errorf("request already pending")
	ErrNoPendingRequest      = fmt.Errorf("no pending request")
	ErrInsufficientShares    = fmt.Errorf("insufficient shares")
	ErrInsufficientLiquidity = fmt.Errorf("insufficient liquidity")
	ErrSourceNotAllowed      = fmt.Errorf("source not allowed")
	ErrUnauthorized          = fmt.Errorf("unauthorized caller")
	ErrPaused                = fmt.Errorf("vault is paused")
	ErrInvalidBatchSize      = fmt.Errorf("invalid batch size")
	ErrZeroBacking           = fmt.Errorf("shares outstanding with zero backing assets")
	ErrInvalidFee            = fmt.Errorf("fee exceeds 10000 bps")
	ErrNoOracle              = fmt.Errorf("no price oracle configured")
	ErrStalePrice            = fmt.Errorf("price too stale")
)

// DepositRequest is a queued deposit. Assets were transferred in at request
// time; shares are minted at fulfillment using the batch exchange rate.
type DepositRequest struct {
	Depositor string
	Receiver  string
	Assets    *big.Int
	CreatedAt time.Time
}

// WithdrawRequest is a queued redemption. Shares sit in escrow from request
// time and AssetsAtRequest fixes the redeemer's entitlement using the share
// price at request time; it is never recomputed.
type WithdrawRequest struct {
	Controller      string
	Receiver        string
	Shares          *big.Int
	AssetsAtRequest *big.Int
	CreatedAt       time.Time
}

// AccountRecord tracks a depositor's lifetime cost basis. Both counters are
// decremented by the exact amounts returned/burned at each redemption.
type AccountRecord struct {
	Principal *big.Int
	Shares    *big.Int
}

// NewAccountRecord returns a zeroed record
func NewAccountRecord() *AccountRecord {
	return &AccountRecord{
		Principal: big.NewInt(0),
		Shares:    big.NewInt(0),
	}
}

// EventType identifies an engine event
type EventType string

const (
	EventDepositRequested  EventType = "deposit_requested"
	EventDepositCancelled  EventType = "deposit_cancelled"
	EventDepositFulfilled  EventType = "deposit_fulfilled"
	EventWithdrawRequested EventType = "withdraw_requested"
	EventWithdrawFulfilled EventType = "withdraw_fulfilled"
)

// Event is emitted once per individual request transition, not per batch
type Event struct {
	Type      EventType
	Account   string
	Receiver  string
	Assets    *big.Int
	Shares    *big.Int
	Yield     *big.Int
	Fee       *big.Int
	Payout    *big.Int
	Source    string
	Timestamp time.Time
}

// EngineStats are monotonically increasing operation counters
type EngineStats struct {
	DepositsRequested    uint64
	DepositsCancelled    uint64
	DepositsFulfilled    uint64
	WithdrawalsRequested uint64
	WithdrawalsFulfilled uint64
	StaleEntriesDropped  uint64
	ZeroShareSkips       uint64
}

// EngineConfig configures a settlement engine
type EngineConfig struct {
	Asset        string // underlying asset identifier
	VaultAddress string // the vault's own identity at external sources
	Admin        string
	Executors    []string
	FeeBps       uint64
	FeeRecipient string // empty means fees are forgone, not accrued
	EventBuffer  int    // event channel capacity, 0 uses a default

	// OnEventDropped is called whenever an event is lost to a full
	// buffer. Optional; used for drop counters.
	OnEventDropped func()
}
