package vault

import (
	"time"

	"github.com/shopspring/decimal"
)

// PriceQuote is a point-in-time asset price in USD
type PriceQuote struct {
	Price       decimal.Decimal
	Confidence  decimal.Decimal
	PublishTime time.Time
}

// PriceOracle supplies USD prices for reporting. It plays no part in any
// accounting decision: share pricing and settlement are entirely
// asset-denominated. Implementations must fail when their freshest price
// is older than maxStaleness.
type PriceOracle interface {
	Price(asset string, maxStaleness time.Duration) (PriceQuote, error)
}

// TotalAssetsUSD values assets under management at the oracle price,
// assuming the asset has the given number of decimals
func (e *Engine) TotalAssetsUSD(assetDecimals int32, maxStaleness time.Duration) (decimal.Decimal, error) {
	e.mu.RLock()
	oracle := e.oracle
	e.mu.RUnlock()

	if oracle == nil {
		return decimal.Zero, ErrNoOracle
	}
	quote, err := oracle.Price(e.asset, maxStaleness)
	if err != nil {
		return decimal.Zero, err
	}

	total := decimal.NewFromBigInt(e.TotalAssets(), -assetDecimals)
	return total.Mul(quote.Price), nil
}

// StaticOracle is a fixed-price oracle, useful for wiring and tests
type StaticOracle struct {
	Quote PriceQuote
}

// Price returns the stored quote, enforcing the staleness bound
func (o *StaticOracle) Price(asset string, maxStaleness time.Duration) (PriceQuote, error) {
	if time.Since(o.Quote.PublishTime) > maxStaleness {
		return PriceQuote{}, ErrStalePrice
	}
	return o.Quote, nil
}
