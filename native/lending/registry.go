package lending

import (
	"math"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Registry owns loan records. Records are append-only; the fulfilment flag
// is the only field that changes after creation and it changes once.
type Registry struct {
	state *stagedState
}

func newRegistry(state *stagedState) *Registry {
	return &Registry{state: state}
}

// Create allocates the next identifier and stores a new record.
func (r *Registry) Create(borrower common.Address, principal, collateral, rate *big.Int, at time.Time) (*LoanRequest, error) {
	totals, err := r.state.totals()
	if err != nil {
		return nil, err
	}
	if totals.LastLoanID == math.MaxUint64 {
		return nil, ErrLoanIDsExhausted
	}
	ids, err := r.state.loanIndex(borrower)
	if err != nil {
		return nil, err
	}
	totals.LastLoanID++
	loan := &LoanRequest{
		ID:               totals.LastLoanID,
		Borrower:         borrower,
		Principal:        cloneInt(principal),
		CollateralLocked: cloneInt(collateral),
		Rate:             cloneInt(rate),
		RequestedAt:      at.UTC(),
	}
	r.state.putLoan(loan)
	r.state.putLoanIndex(borrower, append(ids, loan.ID))
	return loan, nil
}

// MarkFulfilled flags the loan as disbursed off-chain. A second call fails.
func (r *Registry) MarkFulfilled(id uint64, at time.Time) (*LoanRequest, error) {
	loan, err := r.state.loan(id)
	if err != nil {
		return nil, err
	}
	if loan == nil {
		return nil, ErrUnknownLoan
	}
	if loan.Fulfilled {
		return nil, ErrAlreadyFulfilled
	}
	fulfilledAt := at.UTC()
	loan.Fulfilled = true
	loan.FulfilledAt = &fulfilledAt
	return loan, nil
}

// Get returns the loan record or ErrUnknownLoan.
func (r *Registry) Get(id uint64) (*LoanRequest, error) {
	loan, err := r.state.loan(id)
	if err != nil {
		return nil, err
	}
	if loan == nil {
		return nil, ErrUnknownLoan
	}
	return loan, nil
}

// ListForUser returns the user's loan identifiers in creation order.
func (r *Registry) ListForUser(user common.Address) ([]uint64, error) {
	return r.state.loanIndex(user)
}
