package vault

import (
	"math/big"
	"time"
)

// requestIndex is an ordered list of identities plus a reverse index giving
// every identity's current slot. Removal overwrites the vacated slot with
// the last entry and truncates, so it is O(1) but reorders the tail: batch
// processing therefore sees "oldest surviving entry from the current head",
// not strict insertion order. Callers rely on that exact behavior.
type requestIndex struct {
	order []string
	index map[string]int
}

func newRequestIndex() requestIndex {
	return requestIndex{index: make(map[string]int)}
}

func (q *requestIndex) push(id string) {
	q.index[id] = len(q.order)
	q.order = append(q.order, id)
}

// removeAt swaps the last entry into slot i, fixes that entry's reverse
// index, and truncates by one.
func (q *requestIndex) removeAt(i int) {
	last := len(q.order) - 1
	removed := q.order[i]
	if i != last {
		moved := q.order[last]
		q.order[i] = moved
		q.index[moved] = i
	}
	q.order = q.order[:last]
	delete(q.index, removed)
}

func (q *requestIndex) remove(id string) bool {
	i, ok := q.index[id]
	if !ok {
		return false
	}
	q.removeAt(i)
	return true
}

func (q *requestIndex) len() int {
	return len(q.order)
}

// DepositQueue holds pending deposit requests, at most one per depositor.
// It is not internally locked: the owning engine serializes all access.
type DepositQueue struct {
	queue         requestIndex
	requests      map[string]*DepositRequest
	pendingAssets *big.Int // sum of all live requests' assets
}

// NewDepositQueue creates an empty deposit queue
func NewDepositQueue() *DepositQueue {
	return &DepositQueue{
		queue:         newRequestIndex(),
		requests:      make(map[string]*DepositRequest),
		pendingAssets: big.NewInt(0),
	}
}

// Enqueue admits a request. A depositor with a live request cannot enqueue
// a second one; the first must be fulfilled or cancelled.
func (dq *DepositQueue) Enqueue(depositor, receiver string, assets *big.Int, now time.Time) error {
	if _, exists := dq.requests[depositor]; exists {
		return ErrAlreadyPending
	}

	dq.requests[depositor] = &DepositRequest{
		Depositor: depositor,
		Receiver:  receiver,
		Assets:    new(big.Int).Set(assets),
		CreatedAt: now,
	}
	dq.queue.push(depositor)
	dq.pendingAssets.Add(dq.pendingAssets, assets)
	return nil
}

// Remove deletes a request and its queue entry, adjusting the pending
// aggregate. Returns the removed request, or nil if none was live.
func (dq *DepositQueue) Remove(depositor string) *DepositRequest {
	req, exists := dq.requests[depositor]
	if !exists {
		return nil
	}
	delete(dq.requests, depositor)
	dq.queue.remove(depositor)
	dq.pendingAssets.Sub(dq.pendingAssets, req.Assets)
	if dq.pendingAssets.Sign() < 0 {
		dq.pendingAssets.SetInt64(0)
	}
	return req
}

// Request returns the live request for a depositor, if any
func (dq *DepositQueue) Request(depositor string) (*DepositRequest, bool) {
	req, ok := dq.requests[depositor]
	return req, ok
}

// Len is the number of queue entries (including any stale ones)
func (dq *DepositQueue) Len() int {
	return dq.queue.len()
}

// PendingAssets is the sum of all live requests' asset amounts
func (dq *DepositQueue) PendingAssets() *big.Int {
	return new(big.Int).Set(dq.pendingAssets)
}

// RedeemQueue holds pending withdrawal requests, at most one per controller.
// Shares backing each request live in the engine's escrow account for the
// lifetime of the request. Not internally locked; the engine serializes.
type RedeemQueue struct {
	queue           requestIndex
	requests        map[string]*WithdrawRequest
	requestedAssets *big.Int // sum of all live requests' snapshotted values
}

// NewRedeemQueue creates an empty redeem queue
func NewRedeemQueue() *RedeemQueue {
	return &RedeemQueue{
		queue:           newRequestIndex(),
		requests:        make(map[string]*WithdrawRequest),
		requestedAssets: big.NewInt(0),
	}
}

// Enqueue admits a withdrawal request
func (rq *RedeemQueue) Enqueue(controller, receiver string, shares, assetsAtRequest *big.Int, now time.Time) error {
	if _, exists := rq.requests[controller]; exists {
		return ErrAlreadyPending
	}

	rq.requests[controller] = &WithdrawRequest{
		Controller:      controller,
		Receiver:        receiver,
		Shares:          new(big.Int).Set(shares),
		AssetsAtRequest: new(big.Int).Set(assetsAtRequest),
		CreatedAt:       now,
	}
	rq.queue.push(controller)
	rq.requestedAssets.Add(rq.requestedAssets, assetsAtRequest)
	return nil
}

// Remove deletes a request and its queue entry, adjusting the requested
// aggregate (floored at zero)
func (rq *RedeemQueue) Remove(controller string) *WithdrawRequest {
	req, exists := rq.requests[controller]
	if !exists {
		return nil
	}
	delete(rq.requests, controller)
	rq.queue.remove(controller)
	rq.requestedAssets.Sub(rq.requestedAssets, req.AssetsAtRequest)
	if rq.requestedAssets.Sign() < 0 {
		rq.requestedAssets.SetInt64(0)
	}
	return req
}

// Request returns the live request for a controller, if any
func (rq *RedeemQueue) Request(controller string) (*WithdrawRequest, bool) {
	req, ok := rq.requests[controller]
	return req, ok
}

// Len is the number of queue entries (including any stale ones)
func (rq *RedeemQueue) Len() int {
	return rq.queue.len()
}

// RequestedAssets is the sum of all live requests' snapshotted asset values
func (rq *RedeemQueue) RequestedAssets() *big.Int {
	return new(big.Int).Set(rq.requestedAssets)
}
