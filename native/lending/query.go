package lending

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// Reads go straight to committed state and do not take the engine lock, so
// collaborators may call them while an operation is in flight.

// Account returns the committed account for addr.
func (e *Engine) Account(addr common.Address) (*UserAccount, error) {
	if e.state == nil {
		return nil, errNilState
	}
	account, err := e.state.GetUserAccount(addr)
	if err != nil {
		return nil, err
	}
	if account == nil {
		return nil, ErrUnknownAccount
	}
	return account, nil
}

// Loan returns the loan record with the given identifier.
func (e *Engine) Loan(id uint64) (*LoanRequest, error) {
	if e.state == nil {
		return nil, errNilState
	}
	loan, err := e.state.GetLoan(id)
	if err != nil {
		return nil, err
	}
	if loan == nil {
		return nil, ErrUnknownLoan
	}
	return loan, nil
}

// LoansOf returns the borrower's loans in request order.
func (e *Engine) LoansOf(addr common.Address) ([]*LoanRequest, error) {
	if e.state == nil {
		return nil, errNilState
	}
	ids, err := e.state.GetLoanIndex(addr)
	if err != nil {
		return nil, err
	}
	loans := make([]*LoanRequest, 0, len(ids))
	for _, id := range ids {
		loan, err := e.state.GetLoan(id)
		if err != nil {
			return nil, err
		}
		if loan == nil {
			return nil, fmt.Errorf("%w: index references missing loan %d", ErrInvariantViolation, id)
		}
		loans = append(loans, loan)
	}
	return loans, nil
}

// Totals returns the global counters.
func (e *Engine) Totals() (*Totals, error) {
	if e.state == nil {
		return nil, errNilState
	}
	totals, err := e.state.GetTotals()
	if err != nil {
		return nil, err
	}
	if totals == nil {
		totals = &Totals{}
		totals.ensureDefaults()
	}
	return totals, nil
}

// Quote previews the conversions the engine would apply at rate.
type Quote struct {
	Rate   *big.Int
	LTVBps uint64
	// MaxBorrowable is the loan capacity of the quoted deposit.
	MaxBorrowable *big.Int
	// RequiredCollateral is the deposit needed to back the quoted loan.
	RequiredCollateral *big.Int
}

// Quote converts deposit and loan at rate. Either amount may be nil.
func (e *Engine) Quote(deposit, loan, rate *big.Int) (*Quote, error) {
	if err := ValidateRate(rate, e.params); err != nil {
		return nil, err
	}
	quote := &Quote{Rate: new(big.Int).Set(rate), LTVBps: e.params.ltv()}
	if deposit != nil {
		capacity, err := MaxBorrowable(deposit, rate, quote.LTVBps)
		if err != nil {
			return nil, err
		}
		quote.MaxBorrowable = capacity
	}
	if loan != nil {
		required, err := RequiredCollateral(loan, rate, quote.LTVBps)
		if err != nil {
			return nil, err
		}
		quote.RequiredCollateral = required
	}
	return quote, nil
}

// CheckInvariants verifies that the global totals equal the sums over all
// accounts and that no loan identifier was skipped or duplicated.
func (e *Engine) CheckInvariants(ctx context.Context) (err error) {
	op, err := e.begin(ctx, "check_invariants")
	if err != nil {
		return err
	}
	defer func() { op.end(err) }()
	return VerifyState(e.state)
}

// VerifyState checks the ledger invariants of a state snapshot. It is shared
// with offline audit tooling.
func VerifyState(state engineState) error {
	totals, err := state.GetTotals()
	if err != nil {
		return err
	}
	if totals == nil {
		totals = &Totals{}
	}
	totals.ensureDefaults()

	deposits := new(big.Int)
	debt := new(big.Int)
	var indexed uint64
	err = state.ForEachUserAccount(func(account *UserAccount) error {
		if account.DepositBalance.Sign() < 0 || account.Debt.Sign() < 0 {
			return fmt.Errorf("%w: negative balance for %s", ErrInvariantViolation, account.Address.Hex())
		}
		if !account.Active && (account.DepositBalance.Sign() != 0 || account.Debt.Sign() != 0) {
			return fmt.Errorf("%w: closed account %s holds funds", ErrInvariantViolation, account.Address.Hex())
		}
		deposits.Add(deposits, account.DepositBalance)
		debt.Add(debt, account.Debt)
		ids, err := state.GetLoanIndex(account.Address)
		if err != nil {
			return err
		}
		indexed += uint64(len(ids))
		return nil
	})
	if err != nil {
		return err
	}
	if deposits.Cmp(totals.TotalDeposits) != 0 {
		return fmt.Errorf("%w: account deposits %s != total %s", ErrInvariantViolation, deposits, totals.TotalDeposits)
	}
	if debt.Cmp(totals.TotalOutstandingDebt) != 0 {
		return fmt.Errorf("%w: account debt %s != total %s", ErrInvariantViolation, debt, totals.TotalOutstandingDebt)
	}
	if indexed != totals.LastLoanID {
		return fmt.Errorf("%w: %d indexed loans, last id %d", ErrInvariantViolation, indexed, totals.LastLoanID)
	}
	return nil
}
