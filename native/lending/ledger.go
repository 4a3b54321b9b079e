package lending

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Ledger applies balance and debt transitions to staged state. Every method
// touches one account plus the global totals and never calls out of process.
type Ledger struct {
	state  *stagedState
	params RiskParameters
	now    func() time.Time
}

func newLedger(state *stagedState, params RiskParameters, now func() time.Time) *Ledger {
	if now == nil {
		now = time.Now
	}
	return &Ledger{state: state, params: params, now: now}
}

// Credit increases the deposit balance and activates the account. Crediting
// a closed account reopens it.
func (l *Ledger) Credit(user common.Address, amount *big.Int) error {
	if err := positiveAmount(amount); err != nil {
		return err
	}
	account, err := l.state.accountOrNew(user)
	if err != nil {
		return err
	}
	totals, err := l.state.totals()
	if err != nil {
		return err
	}
	balance, err := checkedAdd(account.DepositBalance, amount)
	if err != nil {
		return err
	}
	deposits, err := checkedAdd(totals.TotalDeposits, amount)
	if err != nil {
		return err
	}
	account.DepositBalance = balance
	account.Active = true
	account.ClosedAt = nil
	totals.TotalDeposits = deposits
	return nil
}

// Debit removes deposit balance. While debt is outstanding the remaining
// balance must still cover it at rate.
func (l *Ledger) Debit(user common.Address, amount, rate *big.Int) error {
	if err := positiveAmount(amount); err != nil {
		return err
	}
	account, err := l.state.account(user)
	if err != nil {
		return err
	}
	if account == nil || account.DepositBalance.Cmp(amount) < 0 {
		return ErrInsufficientBalance
	}
	remaining := new(big.Int).Sub(account.DepositBalance, amount)
	if account.Debt.Sign() > 0 {
		required, err := RequiredCollateral(account.Debt, rate, l.params.ltv())
		if err != nil {
			return err
		}
		if remaining.Cmp(required) < 0 {
			return ErrInsufficientCollateral
		}
	}
	totals, err := l.state.totals()
	if err != nil {
		return err
	}
	account.DepositBalance = remaining
	totals.TotalDeposits = new(big.Int).Sub(totals.TotalDeposits, amount)
	return nil
}

// Refund returns part of a debit staged earlier in the same change set, used
// when the pool releases less than requested.
func (l *Ledger) Refund(user common.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() == 0 {
		return nil
	}
	if err := positiveAmount(amount); err != nil {
		return err
	}
	account, err := l.state.account(user)
	if err != nil {
		return err
	}
	if account == nil {
		return ErrUnknownAccount
	}
	totals, err := l.state.totals()
	if err != nil {
		return err
	}
	account.DepositBalance = new(big.Int).Add(account.DepositBalance, amount)
	totals.TotalDeposits = new(big.Int).Add(totals.TotalDeposits, amount)
	return nil
}

// IncurDebt books new loan-currency debt against the account's deposit.
func (l *Ledger) IncurDebt(user common.Address, amount, rate *big.Int) error {
	if err := positiveAmount(amount); err != nil {
		return err
	}
	account, err := l.state.account(user)
	if err != nil {
		return err
	}
	if account == nil || !account.Active {
		return ErrAccountInactive
	}
	required, err := RequiredCollateral(amount, rate, l.params.ltv())
	if err != nil {
		return err
	}
	if required.Cmp(account.DepositBalance) > 0 {
		return ErrInsufficientCollateral
	}
	capacity, err := MaxBorrowable(account.DepositBalance, rate, l.params.ltv())
	if err != nil {
		return err
	}
	debt, err := checkedAdd(account.Debt, amount)
	if err != nil {
		return err
	}
	if debt.Cmp(capacity) > 0 {
		return ErrExceedsBorrowingCapacity
	}
	totals, err := l.state.totals()
	if err != nil {
		return err
	}
	borrowed, err := checkedAdd(account.TotalBorrowed, amount)
	if err != nil {
		return err
	}
	outstanding, err := checkedAdd(totals.TotalOutstandingDebt, amount)
	if err != nil {
		return err
	}
	account.Debt = debt
	account.TotalBorrowed = borrowed
	totals.TotalOutstandingDebt = outstanding
	return nil
}

// SettleDebt records a repayment against the account's aggregate debt.
func (l *Ledger) SettleDebt(user common.Address, amount *big.Int) error {
	if err := positiveAmount(amount); err != nil {
		return err
	}
	account, err := l.state.account(user)
	if err != nil {
		return err
	}
	if account == nil || account.Debt.Cmp(amount) < 0 {
		return ErrRepaymentExceedsDebt
	}
	totals, err := l.state.totals()
	if err != nil {
		return err
	}
	repaid, err := checkedAdd(account.TotalRepaid, amount)
	if err != nil {
		return err
	}
	account.Debt = new(big.Int).Sub(account.Debt, amount)
	account.TotalRepaid = repaid
	totals.TotalOutstandingDebt = new(big.Int).Sub(totals.TotalOutstandingDebt, amount)
	return nil
}

// Close deactivates an empty account. Audit counters are kept.
func (l *Ledger) Close(user common.Address) error {
	account, err := l.state.account(user)
	if err != nil {
		return err
	}
	if account == nil {
		return ErrUnknownAccount
	}
	if !account.Active {
		return ErrAccountInactive
	}
	if account.DepositBalance.Sign() != 0 || account.Debt.Sign() != 0 {
		return ErrAccountNotEmpty
	}
	closedAt := l.now().UTC()
	account.Active = false
	account.ClosedAt = &closedAt
	return nil
}
