package lending

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Totals captures the global accounting state for the ledger. Both sums must
// equal the sum of the matching UserAccount fields at all times.
type Totals struct {
	// TotalDeposits is the aggregate deposit-asset balance across accounts.
	TotalDeposits *big.Int `json:"totalDeposits"`
	// TotalOutstandingDebt is the aggregate loan-currency debt across accounts.
	TotalOutstandingDebt *big.Int `json:"totalOutstandingDebt"`
	// LastLoanID is the most recently allocated loan identifier. Zero means no
	// loan has been requested yet.
	LastLoanID uint64 `json:"lastLoanId"`
}

// UserAccount maintains the lending position for an individual participant.
type UserAccount struct {
	// Address is the unique account identifier.
	Address common.Address `json:"address"`
	// DepositBalance is denominated in the deposit asset's smallest unit.
	DepositBalance *big.Int `json:"depositBalance"`
	// Debt is the outstanding loan-currency liability in its smallest unit.
	Debt *big.Int `json:"debt"`
	// TotalBorrowed and TotalRepaid are monotonically increasing audit
	// counters in loan-currency units.
	TotalBorrowed *big.Int `json:"totalBorrowed"`
	TotalRepaid   *big.Int `json:"totalRepaid"`
	// Active becomes true on the first successful deposit and only turns
	// false through an explicit close.
	Active   bool       `json:"active"`
	ClosedAt *time.Time `json:"closedAt,omitempty"`
}

// LoanRequest is the immutable audit entry for a single loan. Only the
// fulfilment fields change after creation, exactly once.
type LoanRequest struct {
	ID       uint64         `json:"id"`
	Borrower common.Address `json:"borrower"`
	// Principal is the loan-currency amount requested.
	Principal *big.Int `json:"principal"`
	// CollateralLocked is informational; the whole deposit balance remains
	// the collateral pool.
	CollateralLocked *big.Int `json:"collateralLocked"`
	// Rate is the exchange rate supplied with the request.
	Rate        *big.Int   `json:"rate"`
	RequestedAt time.Time  `json:"requestedAt"`
	Fulfilled   bool       `json:"fulfilled"`
	FulfilledAt *time.Time `json:"fulfilledAt,omitempty"`
}

// SagaState tracks how far a deposit progressed.
type SagaState string

const (
	// SagaReceived means the asset was pulled from the depositor.
	SagaReceived SagaState = "received"
	// SagaForwarded means the asset was supplied to the yield pool.
	SagaForwarded SagaState = "forwarded"
	// SagaCredited means the ledger credit committed.
	SagaCredited SagaState = "credited"
)

// DepositSaga is the durable record of a deposit in flight.
type DepositSaga struct {
	ID        string         `json:"id"`
	Depositor common.Address `json:"depositor"`
	Amount    *big.Int       `json:"amount"`
	State     SagaState      `json:"state"`
	LastError string         `json:"lastError,omitempty"`
	CreatedAt time.Time      `json:"createdAt"`
	UpdatedAt time.Time      `json:"updatedAt"`
}

// Pending reports whether the saga still needs work.
func (s *DepositSaga) Pending() bool {
	return s != nil && s.State != SagaCredited
}

func cloneInt(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	out := *t
	return &out
}

// Clone returns a deep copy of the totals.
func (t *Totals) Clone() *Totals {
	if t == nil {
		return nil
	}
	return &Totals{
		TotalDeposits:        cloneInt(t.TotalDeposits),
		TotalOutstandingDebt: cloneInt(t.TotalOutstandingDebt),
		LastLoanID:           t.LastLoanID,
	}
}

// Clone returns a deep copy of the account.
func (a *UserAccount) Clone() *UserAccount {
	if a == nil {
		return nil
	}
	return &UserAccount{
		Address:        a.Address,
		DepositBalance: cloneInt(a.DepositBalance),
		Debt:           cloneInt(a.Debt),
		TotalBorrowed:  cloneInt(a.TotalBorrowed),
		TotalRepaid:    cloneInt(a.TotalRepaid),
		Active:         a.Active,
		ClosedAt:       cloneTime(a.ClosedAt),
	}
}

// Clone returns a deep copy of the loan record.
func (l *LoanRequest) Clone() *LoanRequest {
	if l == nil {
		return nil
	}
	return &LoanRequest{
		ID:               l.ID,
		Borrower:         l.Borrower,
		Principal:        cloneInt(l.Principal),
		CollateralLocked: cloneInt(l.CollateralLocked),
		Rate:             cloneInt(l.Rate),
		RequestedAt:      l.RequestedAt,
		Fulfilled:        l.Fulfilled,
		FulfilledAt:      cloneTime(l.FulfilledAt),
	}
}

// Clone returns a deep copy of the saga.
func (s *DepositSaga) Clone() *DepositSaga {
	if s == nil {
		return nil
	}
	clone := *s
	clone.Amount = cloneInt(s.Amount)
	return &clone
}

func (t *Totals) ensureDefaults() {
	if t.TotalDeposits == nil {
		t.TotalDeposits = big.NewInt(0)
	}
	if t.TotalOutstandingDebt == nil {
		t.TotalOutstandingDebt = big.NewInt(0)
	}
}

func (a *UserAccount) ensureDefaults() {
	if a.DepositBalance == nil {
		a.DepositBalance = big.NewInt(0)
	}
	if a.Debt == nil {
		a.Debt = big.NewInt(0)
	}
	if a.TotalBorrowed == nil {
		a.TotalBorrowed = big.NewInt(0)
	}
	if a.TotalRepaid == nil {
		a.TotalRepaid = big.NewInt(0)
	}
}
