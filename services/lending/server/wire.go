package server

import (
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"bobvault/journal"
	"bobvault/native/lending"
)

const maxBodyBytes = 64 << 10

// Requests carry amounts as decimal strings in human units: deposit asset
// with 6 fractional digits, loan currency with 2 and rates with 8.

type depositRequest struct {
	Amount string `json:"amount"`
}

type withdrawRequest struct {
	Amount string `json:"amount"`
	Rate   string `json:"rate"`
}

type loanRequest struct {
	Amount string `json:"amount"`
	Rate   string `json:"rate"`
}

type repaymentRequest struct {
	User   string `json:"user"`
	Amount string `json:"amount"`
}

type accountView struct {
	Address        string     `json:"address"`
	DepositBalance string     `json:"depositBalance"`
	Debt           string     `json:"debt"`
	TotalBorrowed  string     `json:"totalBorrowed"`
	TotalRepaid    string     `json:"totalRepaid"`
	Active         bool       `json:"active"`
	ClosedAt       *time.Time `json:"closedAt,omitempty"`
}

type loanView struct {
	ID               string     `json:"id"`
	Borrower         string     `json:"borrower"`
	Principal        string     `json:"principal"`
	CollateralLocked string     `json:"collateralLocked"`
	Rate             string     `json:"rate"`
	RequestedAt      time.Time  `json:"requestedAt"`
	Fulfilled        bool       `json:"fulfilled"`
	FulfilledAt      *time.Time `json:"fulfilledAt,omitempty"`
}

type depositView struct {
	ID        string    `json:"id"`
	Depositor string    `json:"depositor"`
	Amount    string    `json:"amount"`
	State     string    `json:"state"`
	LastError string    `json:"lastError,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

type withdrawalView struct {
	Paid string `json:"paid"`
}

type totalsView struct {
	TotalDeposits        string `json:"totalDeposits"`
	TotalOutstandingDebt string `json:"totalOutstandingDebt"`
	LastLoanID           string `json:"lastLoanId"`
}

type quoteView struct {
	Rate               string `json:"rate"`
	LTVBps             uint64 `json:"ltvBps"`
	MaxBorrowable      string `json:"maxBorrowable,omitempty"`
	RequiredCollateral string `json:"requiredCollateral,omitempty"`
}

type eventView struct {
	Seq        uint64            `json:"seq"`
	Type       string            `json:"type"`
	Attributes map[string]string `json:"attributes"`
	RecordedAt time.Time         `json:"recordedAt"`
	Hash       string            `json:"hash"`
}

func deposit(v *big.Int) string { return lending.FormatUnits(v, lending.DepositDecimals) }
func bob(v *big.Int) string     { return lending.FormatUnits(v, lending.LoanDecimals) }
func rate(v *big.Int) string    { return lending.FormatUnits(v, lending.RateDecimals) }

func toAccountView(a *lending.UserAccount) accountView {
	return accountView{
		Address:        a.Address.Hex(),
		DepositBalance: deposit(a.DepositBalance),
		Debt:           bob(a.Debt),
		TotalBorrowed:  bob(a.TotalBorrowed),
		TotalRepaid:    bob(a.TotalRepaid),
		Active:         a.Active,
		ClosedAt:       a.ClosedAt,
	}
}

func toLoanView(l *lending.LoanRequest) loanView {
	return loanView{
		ID:               strconv.FormatUint(l.ID, 10),
		Borrower:         l.Borrower.Hex(),
		Principal:        bob(l.Principal),
		CollateralLocked: deposit(l.CollateralLocked),
		Rate:             rate(l.Rate),
		RequestedAt:      l.RequestedAt,
		Fulfilled:        l.Fulfilled,
		FulfilledAt:      l.FulfilledAt,
	}
}

func toLoanViews(loans []*lending.LoanRequest) []loanView {
	out := make([]loanView, 0, len(loans))
	for _, loan := range loans {
		out = append(out, toLoanView(loan))
	}
	return out
}

func toDepositView(s *lending.DepositSaga) depositView {
	return depositView{
		ID:        s.ID,
		Depositor: s.Depositor.Hex(),
		Amount:    deposit(s.Amount),
		State:     string(s.State),
		LastError: s.LastError,
		CreatedAt: s.CreatedAt,
		UpdatedAt: s.UpdatedAt,
	}
}

func toTotalsView(t *lending.Totals) totalsView {
	return totalsView{
		TotalDeposits:        deposit(t.TotalDeposits),
		TotalOutstandingDebt: bob(t.TotalOutstandingDebt),
		LastLoanID:           strconv.FormatUint(t.LastLoanID, 10),
	}
}

func toQuoteView(q *lending.Quote) quoteView {
	view := quoteView{Rate: rate(q.Rate), LTVBps: q.LTVBps}
	if q.MaxBorrowable != nil {
		view.MaxBorrowable = bob(q.MaxBorrowable)
	}
	if q.RequiredCollateral != nil {
		view.RequiredCollateral = deposit(q.RequiredCollateral)
	}
	return view
}

func toEventView(entry journal.Entry) (eventView, error) {
	ev, err := entry.Event()
	if err != nil {
		return eventView{}, err
	}
	return eventView{
		Seq:        entry.Seq,
		Type:       ev.Type,
		Attributes: ev.Attributes,
		RecordedAt: time.UnixMicro(entry.RecordedAt).UTC(),
		Hash:       entry.Hash,
	}, nil
}

func decodeJSON(w http.ResponseWriter, r *http.Request, out interface{}) error {
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(out); err != nil {
		return fmt.Errorf("malformed request body: %w", err)
	}
	return nil
}

func parseAddress(field, value string) (common.Address, error) {
	trimmed := strings.TrimSpace(value)
	if !common.IsHexAddress(trimmed) {
		return common.Address{}, fmt.Errorf("%s must be a hex address", field)
	}
	return common.HexToAddress(trimmed), nil
}

func parseLoanID(value string) (uint64, error) {
	id, err := strconv.ParseUint(strings.TrimSpace(value), 10, 64)
	if err != nil || id == 0 {
		return 0, fmt.Errorf("loan id must be a positive integer")
	}
	return id, nil
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, apiError{Error: message})
}
