package events

import (
	"math/big"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"bobvault/core/types"
)

const (
	// TypeTransferReceived is emitted once the deposit asset has been pulled
	// from the depositor, before any accounting change.
	TypeTransferReceived = "lending.transfer_received"
	// TypeDeposit is emitted after the ledger credit for a deposit.
	TypeDeposit = "lending.deposit"
	// TypeDepositPending is emitted when funds were received but could not be
	// forwarded to the yield pool. The saga id identifies the recovery item.
	TypeDepositPending = "lending.deposit_pending"
	// TypeWithdrawal is emitted after the pool withdrawal and outbound transfer.
	TypeWithdrawal = "lending.withdrawal"
	// TypeLoanRequested is emitted after a loan request is registered.
	TypeLoanRequested = "lending.loan_requested"
	// TypeLoanFulfilled is emitted after the administrator attests settlement.
	TypeLoanFulfilled = "lending.loan_fulfilled"
	// TypeRepaymentRecorded is emitted after a repayment settles debt.
	TypeRepaymentRecorded = "lending.repayment_recorded"
	// TypeAccountClosed is emitted when an empty account is closed.
	TypeAccountClosed = "lending.account_closed"
)

// TransferReceived records that the deposit asset reached custody.
type TransferReceived struct {
	User   common.Address
	Amount *big.Int
	SagaID string
}

func (TransferReceived) EventType() string { return TypeTransferReceived }

func (e TransferReceived) Event() *types.Event {
	attrs := map[string]string{
		"user":   formatAddress(e.User),
		"amount": formatAmount(e.Amount),
	}
	if id := strings.TrimSpace(e.SagaID); id != "" {
		attrs["sagaId"] = id
	}
	return &types.Event{Type: TypeTransferReceived, Attributes: attrs}
}

// Deposit records a completed ledger credit.
type Deposit struct {
	User   common.Address
	Amount *big.Int
}

func (Deposit) EventType() string { return TypeDeposit }

func (e Deposit) Event() *types.Event {
	return &types.Event{Type: TypeDeposit, Attributes: map[string]string{
		"user":   formatAddress(e.User),
		"amount": formatAmount(e.Amount),
	}}
}

// DepositPending flags a deposit stuck between receipt and crediting.
type DepositPending struct {
	User   common.Address
	Amount *big.Int
	SagaID string
	State  string
	Reason string
}

func (DepositPending) EventType() string { return TypeDepositPending }

func (e DepositPending) Event() *types.Event {
	attrs := map[string]string{
		"user":   formatAddress(e.User),
		"amount": formatAmount(e.Amount),
		"sagaId": e.SagaID,
		"state":  e.State,
	}
	if reason := strings.TrimSpace(e.Reason); reason != "" {
		attrs["reason"] = reason
	}
	return &types.Event{Type: TypeDepositPending, Attributes: attrs}
}

// Withdrawal carries the amount actually transferred to the user.
type Withdrawal struct {
	User   common.Address
	Amount *big.Int
}

func (Withdrawal) EventType() string { return TypeWithdrawal }

func (e Withdrawal) Event() *types.Event {
	return &types.Event{Type: TypeWithdrawal, Attributes: map[string]string{
		"user":   formatAddress(e.User),
		"amount": formatAmount(e.Amount),
	}}
}

// LoanRequested is the durable record of the rate that justified a loan.
type LoanRequested struct {
	User       common.Address
	ID         uint64
	Amount     *big.Int
	Collateral *big.Int
	Rate       *big.Int
}

func (LoanRequested) EventType() string { return TypeLoanRequested }

func (e LoanRequested) Event() *types.Event {
	return &types.Event{Type: TypeLoanRequested, Attributes: map[string]string{
		"user":       formatAddress(e.User),
		"id":         strconv.FormatUint(e.ID, 10),
		"amount":     formatAmount(e.Amount),
		"collateral": formatAmount(e.Collateral),
		"rate":       formatAmount(e.Rate),
	}}
}

// LoanFulfilled marks the off-chain settlement attestation.
type LoanFulfilled struct {
	ID uint64
}

func (LoanFulfilled) EventType() string { return TypeLoanFulfilled }

func (e LoanFulfilled) Event() *types.Event {
	return &types.Event{Type: TypeLoanFulfilled, Attributes: map[string]string{
		"id": strconv.FormatUint(e.ID, 10),
	}}
}

// RepaymentRecorded reports a settled repayment against aggregate debt.
type RepaymentRecorded struct {
	User   common.Address
	Amount *big.Int
}

func (RepaymentRecorded) EventType() string { return TypeRepaymentRecorded }

func (e RepaymentRecorded) Event() *types.Event {
	return &types.Event{Type: TypeRepaymentRecorded, Attributes: map[string]string{
		"user":   formatAddress(e.User),
		"amount": formatAmount(e.Amount),
	}}
}

// AccountClosed reports the Active -> Closed transition.
type AccountClosed struct {
	User common.Address
}

func (AccountClosed) EventType() string { return TypeAccountClosed }

func (e AccountClosed) Event() *types.Event {
	return &types.Event{Type: TypeAccountClosed, Attributes: map[string]string{
		"user": formatAddress(e.User),
	}}
}
