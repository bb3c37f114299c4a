package vault

import (
	"math/big"
)

// FulfillDeposits settles up to batchSize queued deposits, minting shares
// at a rate snapshotted once for the whole call, and deploys the settled
// capital to targetSource in a single supply call. Returns the number of
// requests settled.
//
// Walk semantics, relied on by callers and tests:
//   - a stale queue entry (no request record) is dropped without consuming
//     batch budget;
//   - a request whose mint would truncate to zero shares is skipped in
//     place and stays queued for a future batch;
//   - removal swaps the tail entry into the vacated slot, so the next
//     entry examined after a settlement is whatever moved there.
func (e *Engine) FulfillDeposits(caller string, batchSize int, targetSource string) (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.paused {
		return 0, ErrPaused
	}
	if err := e.requireExecutor(caller); err != nil {
		return 0, err
	}
	if batchSize <= 0 || batchSize > MaxDepositBatch {
		return 0, ErrInvalidBatchSize
	}
	if !e.allow.IsAllowed(targetSource) {
		return 0, ErrSourceNotAllowed
	}

	// One pricing snapshot per call: every request in the batch converts
	// at the same rate regardless of the mints that precede it.
	supply := e.ledger.TotalShares()
	backing := e.ledger.BackingAssets(e.deposits.PendingAssets())
	if supply.Sign() > 0 && backing.Sign() == 0 {
		return 0, ErrZeroBacking
	}

	batchTotal := big.NewInt(0)
	processed := 0
	i := 0
	for processed < batchSize && i < e.deposits.queue.len() {
		depositor := e.deposits.queue.order[i]
		req, ok := e.deposits.requests[depositor]
		if !ok {
			// queue entry without a request record: drop it without
			// consuming batch budget
			e.deposits.queue.removeAt(i)
			e.stats.StaleEntriesDropped++
			continue
		}

		var shares *big.Int
		if supply.Sign() == 0 {
			shares = new(big.Int).Set(req.Assets)
		} else {
			shares = mulDiv(req.Assets, supply, backing)
		}
		if shares.Sign() == 0 {
			// too small to mint at this price; leave it pending
			e.stats.ZeroShareSkips++
			i++
			continue
		}

		e.ledger.Mint(req.Receiver, shares)
		e.ledger.RecordDeposit(req.Depositor, req.Assets, shares)
		batchTotal.Add(batchTotal, req.Assets)
		assets := new(big.Int).Set(req.Assets)
		receiver := req.Receiver
		e.deposits.Remove(depositor)
		e.stats.DepositsFulfilled++
		processed++

		e.logger.Debug("deposit fulfilled",
			"depositor", depositor,
			"assets", assets.String(),
			"shares", shares.String())
		e.emit(Event{
			Type:     EventDepositFulfilled,
			Account:  depositor,
			Receiver: receiver,
			Assets:   assets,
			Shares:   shares,
			Source:   targetSource,
		})
	}

	// one external call per batch, not per request
	if batchTotal.Sign() > 0 {
		if err := e.allocator.Supply(targetSource, batchTotal); err != nil {
			// settlements stand; the capital simply stays idle until the
			// next batch targets a healthy source
			e.logger.Warn("batch supply failed, capital left idle",
				"source", targetSource,
				"amount", batchTotal.String(),
				"error", err)
		}
	}
	return processed, nil
}

// FulfillWithdrawals settles up to batchSize queued redemptions using each
// request's snapshotted asset value. If a request cannot be funded even
// after draining the sources, the call hard-stops there: earlier
// settlements in the same call stand, the failing request and everything
// behind it stay queued.
func (e *Engine) FulfillWithdrawals(caller string, batchSize int) (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.paused {
		return 0, ErrPaused
	}
	if err := e.requireExecutor(caller); err != nil {
		return 0, err
	}
	if batchSize <= 0 {
		return 0, ErrInvalidBatchSize
	}

	processed := 0
	i := 0
	for processed < batchSize && i < e.redeems.queue.len() {
		controller := e.redeems.queue.order[i]
		req, ok := e.redeems.requests[controller]
		if !ok {
			e.redeems.queue.removeAt(i)
			e.stats.StaleEntriesDropped++
			continue
		}

		gross := new(big.Int).Set(req.AssetsAtRequest)

		// proportional principal: the cost basis attributed to the shares
		// being redeemed. A zero lifetime share count both guards the
		// division and implies zero yield (and so zero fee).
		rec := e.ledger.Record(req.Controller)
		var proportional *big.Int
		if rec.Shares.Sign() == 0 {
			proportional = new(big.Int).Set(gross)
		} else {
			proportional = mulDiv(rec.Principal, req.Shares, rec.Shares)
		}

		yield := new(big.Int).Sub(gross, proportional)
		if yield.Sign() < 0 {
			yield.SetInt64(0)
		}
		fee := mulDiv(yield, new(big.Int).SetUint64(e.feeBps), big.NewInt(BpsDenominator))
		payout := new(big.Int).Sub(gross, fee)

		// capital reserved for pending deposits must never fund a payout
		if err := e.ensureLiquidity(gross); err != nil {
			e.logger.Warn("withdrawal batch stopped, insufficient liquidity",
				"controller", controller,
				"required", gross.String(),
				"settled", processed)
			return processed, err
		}

		if err := e.ledger.Burn(EscrowAccount, req.Shares); err != nil {
			return processed, err
		}
		if fee.Sign() > 0 && e.feeRecipient != "" {
			if err := e.ledger.DebitIdle(fee); err != nil {
				return processed, err
			}
		}
		if err := e.ledger.DebitIdle(payout); err != nil {
			return processed, err
		}
		e.ledger.RecordWithdrawal(req.Controller, proportional, req.Shares)

		shares := new(big.Int).Set(req.Shares)
		receiver := req.Receiver
		e.redeems.Remove(controller)
		e.stats.WithdrawalsFulfilled++
		processed++

		e.logger.Debug("withdrawal fulfilled",
			"controller", controller,
			"gross", gross.String(),
			"yield", yield.String(),
			"fee", fee.String(),
			"payout", payout.String())
		e.emit(Event{
			Type:     EventWithdrawFulfilled,
			Account:  controller,
			Receiver: receiver,
			Assets:   gross,
			Shares:   shares,
			Yield:    yield,
			Fee:      fee,
			Payout:   payout,
		})
	}
	return processed, nil
}

// ensureLiquidity makes the idle balance, net of capital reserved for
// pending deposits, cover the required amount, pulling from sources as
// needed. Hard-fails if the shortfall cannot be fully recovered.
func (e *Engine) ensureLiquidity(required *big.Int) error {
	available := e.availableLiquidity()
	if available.Cmp(required) >= 0 {
		return nil
	}

	shortfall := new(big.Int).Sub(required, available)
	e.allocator.WithdrawAsNeeded(shortfall)

	// re-check: sources may have delivered less than requested
	if e.availableLiquidity().Cmp(required) < 0 {
		return ErrInsufficientLiquidity
	}
	return nil
}

func (e *Engine) availableLiquidity() *big.Int {
	available := e.ledger.IdleBalance()
	available.Sub(available, e.deposits.PendingAssets())
	if available.Sign() < 0 {
		available.SetInt64(0)
	}
	return available
}
