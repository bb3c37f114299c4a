package vault

import (
	"errors"
	"math/big"
)

var errSourceDown = errors.New("source down")

// fakeReserveSource is a reserve-style source for tests. Its live balance
// can be adjusted independently of what was supplied, which models yield
// accrual and loss, and any entry point can be forced to fail.
type fakeReserveSource struct {
	ledger  *Ledger
	balance *big.Int // receipt balance, redeemable 1:1

	// misreport, when set, is returned from WithdrawTo instead of the
	// amount actually delivered
	misreport *big.Int

	failSupply   bool
	failWithdraw bool
	failBalance  bool
}

func newFakeReserve(ledger *Ledger) *fakeReserveSource {
	return &fakeReserveSource{ledger: ledger, balance: big.NewInt(0)}
}

func (f *fakeReserveSource) SupplyFor(asset string, amount *big.Int, onBehalfOf string, referralCode uint16) error {
	if f.failSupply {
		return errSourceDown
	}
	f.balance.Add(f.balance, amount)
	return nil
}

func (f *fakeReserveSource) WithdrawTo(asset string, amount *big.Int, to string) (*big.Int, error) {
	if f.failWithdraw {
		return nil, errSourceDown
	}
	pay := new(big.Int).Set(amount)
	if pay.Cmp(f.balance) > 0 {
		pay.Set(f.balance)
	}
	f.balance.Sub(f.balance, pay)
	f.ledger.CreditIdle(pay)
	if f.misreport != nil {
		return new(big.Int).Set(f.misreport), nil
	}
	return pay, nil
}

func (f *fakeReserveSource) ReceiptBalance(asset string, holder string) (*big.Int, error) {
	if f.failBalance {
		return nil, errSourceDown
	}
	return new(big.Int).Set(f.balance), nil
}

// fakeShareSource is a share-style source whose conversion rate is fixed
// at rateNum/rateDen assets per share
type fakeShareSource struct {
	ledger  *Ledger
	asset   string
	shares  map[string]*big.Int
	rateNum *big.Int
	rateDen *big.Int

	failDeposit  bool
	failWithdraw bool
	failBalance  bool
	failConvert  bool
}

func newFakeShare(asset string, ledger *Ledger) *fakeShareSource {
	return &fakeShareSource{
		ledger:  ledger,
		asset:   asset,
		shares:  make(map[string]*big.Int),
		rateNum: big.NewInt(1),
		rateDen: big.NewInt(1),
	}
}

func (f *fakeShareSource) Asset() string { return f.asset }

func (f *fakeShareSource) Deposit(amount *big.Int, receiver string) (*big.Int, error) {
	if f.failDeposit {
		return nil, errSourceDown
	}
	minted := mulDiv(amount, f.rateDen, f.rateNum)
	bal, ok := f.shares[receiver]
	if !ok {
		bal = big.NewInt(0)
		f.shares[receiver] = bal
	}
	bal.Add(bal, minted)
	return minted, nil
}

func (f *fakeShareSource) Withdraw(amount *big.Int, receiver string, owner string) (*big.Int, error) {
	if f.failWithdraw {
		return nil, errSourceDown
	}
	bal, ok := f.shares[owner]
	if !ok {
		return big.NewInt(0), nil
	}
	held := mulDiv(bal, f.rateNum, f.rateDen)
	pay := new(big.Int).Set(amount)
	if pay.Cmp(held) > 0 {
		pay.Set(held)
	}
	burned := mulDiv(pay, f.rateDen, f.rateNum)
	bal.Sub(bal, burned)
	f.ledger.CreditIdle(pay)
	return burned, nil
}

func (f *fakeShareSource) BalanceOf(holder string) (*big.Int, error) {
	if f.failBalance {
		return nil, errSourceDown
	}
	if bal, ok := f.shares[holder]; ok {
		return new(big.Int).Set(bal), nil
	}
	return big.NewInt(0), nil
}

func (f *fakeShareSource) ConvertToAssets(shares *big.Int) (*big.Int, error) {
	if f.failConvert {
		return nil, errSourceDown
	}
	return mulDiv(shares, f.rateNum, f.rateDen), nil
}
