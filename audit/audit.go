// Package audit checks a ledger snapshot offline and exports it for
// reconciliation.
package audit

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/xitongsys/parquet-go-source/writerfile"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/writer"
	"gorm.io/gorm"

	"bobvault/journal"
	"bobvault/native/lending"
)

// Report summarises one audit run.
type Report struct {
	GeneratedAt          time.Time `json:"generatedAt"`
	Accounts             int       `json:"accounts"`
	Loans                int       `json:"loans"`
	PendingDeposits      int       `json:"pendingDeposits"`
	TotalDeposits        string    `json:"totalDeposits"`
	TotalOutstandingDebt string    `json:"totalOutstandingDebt"`
	LastLoanID           uint64    `json:"lastLoanId"`
	InvariantsOK         bool      `json:"invariantsOk"`
	InvariantError       string    `json:"invariantError,omitempty"`
	JournalEntries       int       `json:"journalEntries"`
	JournalOK            bool      `json:"journalOk"`
	JournalError         string    `json:"journalError,omitempty"`
	AccountsFile         string    `json:"accountsFile,omitempty"`
	LoansFile            string    `json:"loansFile,omitempty"`
}

// Healthy reports whether every check passed.
func (r *Report) Healthy() bool {
	return r.InvariantsOK && r.JournalOK
}

// Options selects the inputs of a run. JournalDB and OutDir are optional.
type Options struct {
	Store     *lending.Store
	JournalDB *gorm.DB
	OutDir    string
	Now       func() time.Time
}

// Run verifies the ledger invariants and the journal chain and, when OutDir
// is set, writes accounts.parquet and loans.parquet there. Check failures are
// recorded on the report; only I/O failures are returned as errors.
func Run(ctx context.Context, opts Options) (*Report, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("audit: store required")
	}
	now := time.Now
	if opts.Now != nil {
		now = opts.Now
	}
	report := &Report{GeneratedAt: now().UTC(), JournalOK: true}

	totals, err := opts.Store.GetTotals()
	if err != nil {
		return nil, fmt.Errorf("audit: read totals: %w", err)
	}
	if totals == nil {
		totals = &lending.Totals{}
	}
	report.TotalDeposits = lending.FormatUnits(totals.TotalDeposits, lending.DepositDecimals)
	report.TotalOutstandingDebt = lending.FormatUnits(totals.TotalOutstandingDebt, lending.LoanDecimals)
	report.LastLoanID = totals.LastLoanID

	if err := lending.VerifyState(opts.Store); err != nil {
		report.InvariantError = err.Error()
	} else {
		report.InvariantsOK = true
	}

	var accounts []*lending.UserAccount
	if err := opts.Store.ForEachUserAccount(func(a *lending.UserAccount) error {
		accounts = append(accounts, a)
		return nil
	}); err != nil {
		return nil, fmt.Errorf("audit: scan accounts: %w", err)
	}
	var loans []*lending.LoanRequest
	if err := opts.Store.ForEachLoan(func(l *lending.LoanRequest) error {
		loans = append(loans, l)
		return nil
	}); err != nil {
		return nil, fmt.Errorf("audit: scan loans: %w", err)
	}
	if err := opts.Store.ForEachDepositSaga(func(s *lending.DepositSaga) error {
		if s.Pending() {
			report.PendingDeposits++
		}
		return nil
	}); err != nil {
		return nil, fmt.Errorf("audit: scan deposits: %w", err)
	}
	report.Accounts = len(accounts)
	report.Loans = len(loans)

	if opts.JournalDB != nil {
		checked, err := journal.Verify(ctx, opts.JournalDB)
		report.JournalEntries = checked
		if err != nil {
			report.JournalOK = false
			report.JournalError = err.Error()
		}
	}

	if opts.OutDir != "" {
		if err := os.MkdirAll(opts.OutDir, 0o750); err != nil {
			return nil, fmt.Errorf("audit: create output dir: %w", err)
		}
		report.AccountsFile = filepath.Join(opts.OutDir, "accounts.parquet")
		if err := WriteAccounts(report.AccountsFile, accounts); err != nil {
			return nil, err
		}
		report.LoansFile = filepath.Join(opts.OutDir, "loans.parquet")
		if err := WriteLoans(report.LoansFile, loans); err != nil {
			return nil, err
		}
	}
	return report, nil
}

type accountRow struct {
	Address        string `parquet:"name=address, type=BYTE_ARRAY, convertedtype=UTF8"`
	DepositBalance string `parquet:"name=deposit_balance, type=BYTE_ARRAY, convertedtype=UTF8"`
	Debt           string `parquet:"name=debt, type=BYTE_ARRAY, convertedtype=UTF8"`
	TotalBorrowed  string `parquet:"name=total_borrowed, type=BYTE_ARRAY, convertedtype=UTF8"`
	TotalRepaid    string `parquet:"name=total_repaid, type=BYTE_ARRAY, convertedtype=UTF8"`
	Active         bool   `parquet:"name=active, type=BOOLEAN"`
	ClosedAt       string `parquet:"name=closed_at, type=BYTE_ARRAY, convertedtype=UTF8"`
}

type loanRow struct {
	ID               int64  `parquet:"name=id, type=INT64"`
	Borrower         string `parquet:"name=borrower, type=BYTE_ARRAY, convertedtype=UTF8"`
	Principal        string `parquet:"name=principal, type=BYTE_ARRAY, convertedtype=UTF8"`
	CollateralLocked string `parquet:"name=collateral_locked, type=BYTE_ARRAY, convertedtype=UTF8"`
	Rate             string `parquet:"name=rate, type=BYTE_ARRAY, convertedtype=UTF8"`
	RequestedAt      string `parquet:"name=requested_at, type=BYTE_ARRAY, convertedtype=UTF8"`
	Fulfilled        bool   `parquet:"name=fulfilled, type=BOOLEAN"`
	FulfilledAt      string `parquet:"name=fulfilled_at, type=BYTE_ARRAY, convertedtype=UTF8"`
}

// WriteAccounts exports accounts with amounts in human units.
func WriteAccounts(path string, accounts []*lending.UserAccount) error {
	rows := make([]interface{}, 0, len(accounts))
	for _, a := range accounts {
		rows = append(rows, &accountRow{
			Address:        a.Address.Hex(),
			DepositBalance: lending.FormatUnits(a.DepositBalance, lending.DepositDecimals),
			Debt:           lending.FormatUnits(a.Debt, lending.LoanDecimals),
			TotalBorrowed:  lending.FormatUnits(a.TotalBorrowed, lending.LoanDecimals),
			TotalRepaid:    lending.FormatUnits(a.TotalRepaid, lending.LoanDecimals),
			Active:         a.Active,
			ClosedAt:       formatTime(a.ClosedAt),
		})
	}
	return writeParquet(path, new(accountRow), rows)
}

// WriteLoans exports loans in identifier order.
func WriteLoans(path string, loans []*lending.LoanRequest) error {
	rows := make([]interface{}, 0, len(loans))
	for _, l := range loans {
		requested := l.RequestedAt
		rows = append(rows, &loanRow{
			ID:               int64(l.ID),
			Borrower:         l.Borrower.Hex(),
			Principal:        lending.FormatUnits(l.Principal, lending.LoanDecimals),
			CollateralLocked: lending.FormatUnits(l.CollateralLocked, lending.DepositDecimals),
			Rate:             lending.FormatUnits(l.Rate, lending.RateDecimals),
			RequestedAt:      formatTime(&requested),
			Fulfilled:        l.Fulfilled,
			FulfilledAt:      formatTime(l.FulfilledAt),
		})
	}
	return writeParquet(path, new(loanRow), rows)
}

func writeParquet(path string, schema interface{}, rows []interface{}) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("audit: create parquet: %w", err)
	}
	fw := writerfile.NewWriterFile(file)
	pw, err := writer.NewParquetWriter(fw, schema, 1)
	if err != nil {
		file.Close()
		return fmt.Errorf("audit: parquet schema: %w", err)
	}
	pw.CompressionType = parquet.CompressionCodec_SNAPPY
	for _, row := range rows {
		if err := pw.Write(row); err != nil {
			pw.WriteStop()
			file.Close()
			return fmt.Errorf("audit: parquet write: %w", err)
		}
	}
	if err := pw.WriteStop(); err != nil {
		file.Close()
		return fmt.Errorf("audit: parquet flush: %w", err)
	}
	if err := file.Close(); err != nil {
		return fmt.Errorf("audit: close parquet file: %w", err)
	}
	return nil
}

func formatTime(t *time.Time) string {
	if t == nil || t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
