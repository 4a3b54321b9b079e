package lending

import "errors"

// Validation failures surfaced synchronously to the caller. None of them are
// retried internally and none leave partial state behind.
var (
	ErrInvalidAmount            = errors.New("lending engine: amount must be positive")
	ErrInvalidRate              = errors.New("lending engine: invalid exchange rate")
	ErrInsufficientAllowance    = errors.New("lending engine: insufficient allowance")
	ErrInsufficientBalance      = errors.New("lending engine: insufficient balance")
	ErrInsufficientCollateral   = errors.New("lending engine: insufficient collateral")
	ErrExceedsBorrowingCapacity = errors.New("lending engine: exceeds borrowing capacity")
	ErrAccountInactive          = errors.New("lending engine: account inactive")
	ErrUnknownLoan              = errors.New("lending engine: unknown loan")
	ErrAlreadyFulfilled         = errors.New("lending engine: loan already fulfilled")
	ErrRepaymentExceedsDebt     = errors.New("lending engine: repayment exceeds debt")
	ErrUnauthorized             = errors.New("lending engine: unauthorized")
)

var (
	ErrUnknownAccount        = errors.New("lending engine: unknown account")
	ErrAccountNotEmpty       = errors.New("lending engine: account still holds balance or debt")
	ErrUnknownDeposit        = errors.New("lending engine: unknown deposit")
	ErrDepositForwardPending = errors.New("lending engine: deposit received but not forwarded to pool")
	ErrReentrantCall         = errors.New("lending engine: reentrant call rejected")
	ErrArithmeticOverflow    = errors.New("lending engine: arithmetic overflow")
	ErrLoanIDsExhausted      = errors.New("lending engine: loan identifier space exhausted")
	ErrInvariantViolation    = errors.New("lending engine: ledger invariant violated")
	ErrPoolAccounting        = errors.New("lending engine: pool returned an invalid amount")

	errNilState        = errors.New("lending engine: state not configured")
	errNoCollaborators = errors.New("lending engine: collaborators not configured")
	errNilAddress      = errors.New("lending engine: address required")
)
