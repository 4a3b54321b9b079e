// Package server exposes the lending engine over a JSON HTTP API.
package server

import (
	"context"
	"errors"
	"log/slog"
	"math/big"
	"net/http"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"bobvault/core/types"
	"bobvault/journal"
	"bobvault/native/lending"
)

// Ledger is the subset of the lending engine the API drives.
type Ledger interface {
	Deposit(ctx context.Context, caller common.Address, amount *big.Int) (*lending.DepositSaga, error)
	ResumeDeposit(ctx context.Context, caller common.Address, id string) (*lending.DepositSaga, error)
	PendingDeposits() ([]*lending.DepositSaga, error)
	Withdraw(ctx context.Context, caller common.Address, amount, rate *big.Int) (*big.Int, error)
	RequestLoan(ctx context.Context, caller common.Address, amount, rate *big.Int) (*lending.LoanRequest, error)
	FulfillLoan(ctx context.Context, caller common.Address, id uint64) (*lending.LoanRequest, error)
	RecordRepayment(ctx context.Context, caller, user common.Address, amount *big.Int) (*lending.UserAccount, error)
	CloseAccount(ctx context.Context, caller common.Address) (*lending.UserAccount, error)
	Account(addr common.Address) (*lending.UserAccount, error)
	Loan(id uint64) (*lending.LoanRequest, error)
	LoansOf(addr common.Address) ([]*lending.LoanRequest, error)
	Totals() (*lending.Totals, error)
	Quote(deposit, loan, rate *big.Int) (*lending.Quote, error)
	Params() lending.RiskParameters
}

// EventLog serves historical events.
type EventLog interface {
	List(ctx context.Context, after uint64, limit int) ([]journal.Entry, error)
}

// EventFeed serves live events.
type EventFeed interface {
	Subscribe() (<-chan *types.Event, func())
}

// Options wires the server's collaborators. Only Ledger is required.
type Options struct {
	Ledger      Ledger
	Events      EventLog
	Feed        EventFeed
	Auth        AuthConfig
	RateLimit   RateLimit
	Idempotency *IdempotencyStore
	Logger      *slog.Logger
}

// Server routes HTTP requests into the ledger.
type Server struct {
	ledger      Ledger
	events      EventLog
	feed        EventFeed
	auth        *Authenticator
	limiter     *RateLimiter
	idempotency *IdempotencyStore
	logger      *slog.Logger
}

// New constructs a server.
func New(opts Options) (*Server, error) {
	if opts.Ledger == nil {
		return nil, errors.New("server: ledger required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		ledger:      opts.Ledger,
		events:      opts.Events,
		feed:        opts.Feed,
		auth:        NewAuthenticator(opts.Auth, logger),
		limiter:     NewRateLimiter(opts.RateLimit),
		idempotency: opts.Idempotency,
		logger:      logger,
	}, nil
}

// Handler returns the routed API.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.Recoverer)
	r.Use(instrument)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(api chi.Router) {
		api.Use(s.auth.Middleware)
		api.Use(s.limiter.Middleware)

		api.Group(func(mut chi.Router) {
			mut.Use(s.idempotent)
			mut.Post("/deposits", s.handleDeposit)
			mut.Post("/withdrawals", s.handleWithdraw)
			mut.Post("/loans", s.handleRequestLoan)
			mut.Post("/accounts/close", s.handleCloseAccount)
			mut.Post("/loans/{id}/fulfill", s.handleFulfillLoan)
			mut.Post("/repayments", s.handleRecordRepayment)
			mut.Post("/deposits/{id}/resume", s.handleResumeDeposit)
		})

		api.Get("/deposits/pending", s.handlePendingDeposits)
		api.Get("/accounts/{address}", s.handleAccount)
		api.Get("/accounts/{address}/loans", s.handleAccountLoans)
		api.Get("/loans/{id}", s.handleLoan)
		api.Get("/totals", s.handleTotals)
		api.Get("/quote", s.handleQuote)
		api.Get("/events", s.handleEvents)
		api.Get("/events/ws", s.handleEventStream)
	})
	return r
}

func (s *Server) caller(w http.ResponseWriter, r *http.Request) (common.Address, bool) {
	caller, ok := CallerFrom(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "authentication required")
	}
	return caller, ok
}

// fail writes the response for an engine error, logging anything that does
// not map to a client-facing status.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, action string, err error) {
	status, message := statusOf(err)
	if status == http.StatusInternalServerError {
		s.logger.Error("lending engine error",
			slog.String("action", action),
			slog.String("requestId", chimiddleware.GetReqID(r.Context())),
			slog.Any("error", err))
	}
	if errors.Is(err, lending.ErrReentrantCall) {
		w.Header().Set("Retry-After", "1")
	}
	writeError(w, status, message)
}

func (s *Server) handleDeposit(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.caller(w, r)
	if !ok {
		return
	}
	var req depositRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	amount, err := lending.ParseUnits(req.Amount, lending.DepositDecimals)
	if err != nil {
		s.fail(w, r, "deposit", err)
		return
	}
	saga, err := s.ledger.Deposit(r.Context(), caller, amount)
	if err != nil {
		if errors.Is(err, lending.ErrDepositForwardPending) && saga != nil {
			writeJSON(w, http.StatusAccepted, toDepositView(saga))
			return
		}
		s.fail(w, r, "deposit", err)
		return
	}
	writeJSON(w, http.StatusOK, toDepositView(saga))
}

func (s *Server) handleWithdraw(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.caller(w, r)
	if !ok {
		return
	}
	var req withdrawRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	amount, err := lending.ParseUnits(req.Amount, lending.DepositDecimals)
	if err != nil {
		s.fail(w, r, "withdraw", err)
		return
	}
	rateValue, err := parseRate(req.Rate)
	if err != nil {
		s.fail(w, r, "withdraw", err)
		return
	}
	paid, err := s.ledger.Withdraw(r.Context(), caller, amount, rateValue)
	if err != nil {
		s.fail(w, r, "withdraw", err)
		return
	}
	writeJSON(w, http.StatusOK, withdrawalView{Paid: deposit(paid)})
}

func (s *Server) handleRequestLoan(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.caller(w, r)
	if !ok {
		return
	}
	var req loanRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	amount, err := lending.ParseUnits(req.Amount, lending.LoanDecimals)
	if err != nil {
		s.fail(w, r, "request_loan", err)
		return
	}
	rateValue, err := parseRate(req.Rate)
	if err != nil {
		s.fail(w, r, "request_loan", err)
		return
	}
	loan, err := s.ledger.RequestLoan(r.Context(), caller, amount, rateValue)
	if err != nil {
		s.fail(w, r, "request_loan", err)
		return
	}
	writeJSON(w, http.StatusCreated, toLoanView(loan))
}

func (s *Server) handleCloseAccount(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.caller(w, r)
	if !ok {
		return
	}
	account, err := s.ledger.CloseAccount(r.Context(), caller)
	if err != nil {
		s.fail(w, r, "close_account", err)
		return
	}
	writeJSON(w, http.StatusOK, toAccountView(account))
}

func (s *Server) handleFulfillLoan(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.caller(w, r)
	if !ok {
		return
	}
	id, err := parseLoanID(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	loan, err := s.ledger.FulfillLoan(r.Context(), caller, id)
	if err != nil {
		s.fail(w, r, "fulfill_loan", err)
		return
	}
	writeJSON(w, http.StatusOK, toLoanView(loan))
}

func (s *Server) handleRecordRepayment(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.caller(w, r)
	if !ok {
		return
	}
	var req repaymentRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	user, err := parseAddress("user", req.User)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	amount, err := lending.ParseUnits(req.Amount, lending.LoanDecimals)
	if err != nil {
		s.fail(w, r, "record_repayment", err)
		return
	}
	account, err := s.ledger.RecordRepayment(r.Context(), caller, user, amount)
	if err != nil {
		s.fail(w, r, "record_repayment", err)
		return
	}
	writeJSON(w, http.StatusOK, toAccountView(account))
}

func (s *Server) handleResumeDeposit(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.caller(w, r)
	if !ok {
		return
	}
	saga, err := s.ledger.ResumeDeposit(r.Context(), caller, chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, lending.ErrDepositForwardPending) && saga != nil {
			writeJSON(w, http.StatusAccepted, toDepositView(saga))
			return
		}
		s.fail(w, r, "resume_deposit", err)
		return
	}
	writeJSON(w, http.StatusOK, toDepositView(saga))
}

func (s *Server) handlePendingDeposits(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.caller(w, r)
	if !ok {
		return
	}
	admin := s.ledger.Params().Admin
	if admin == (common.Address{}) || caller != admin {
		s.fail(w, r, "pending_deposits", lending.ErrUnauthorized)
		return
	}
	sagas, err := s.ledger.PendingDeposits()
	if err != nil {
		s.fail(w, r, "pending_deposits", err)
		return
	}
	out := make([]depositView, 0, len(sagas))
	for _, saga := range sagas {
		out = append(out, toDepositView(saga))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleAccount(w http.ResponseWriter, r *http.Request) {
	addr, err := parseAddress("address", chi.URLParam(r, "address"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	account, err := s.ledger.Account(addr)
	if err != nil {
		s.fail(w, r, "account", err)
		return
	}
	writeJSON(w, http.StatusOK, toAccountView(account))
}

func (s *Server) handleAccountLoans(w http.ResponseWriter, r *http.Request) {
	addr, err := parseAddress("address", chi.URLParam(r, "address"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	loans, err := s.ledger.LoansOf(addr)
	if err != nil {
		s.fail(w, r, "loans_of", err)
		return
	}
	writeJSON(w, http.StatusOK, toLoanViews(loans))
}

func (s *Server) handleLoan(w http.ResponseWriter, r *http.Request) {
	id, err := parseLoanID(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	loan, err := s.ledger.Loan(id)
	if err != nil {
		s.fail(w, r, "loan", err)
		return
	}
	writeJSON(w, http.StatusOK, toLoanView(loan))
}

func (s *Server) handleTotals(w http.ResponseWriter, r *http.Request) {
	totals, err := s.ledger.Totals()
	if err != nil {
		s.fail(w, r, "totals", err)
		return
	}
	writeJSON(w, http.StatusOK, toTotalsView(totals))
}

// handleQuote converts ?deposit= and/or ?loan= at ?rate=.
func (s *Server) handleQuote(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	rateValue, err := parseRate(query.Get("rate"))
	if err != nil {
		s.fail(w, r, "quote", err)
		return
	}
	var depositAmount, loanAmount *big.Int
	if raw := query.Get("deposit"); raw != "" {
		if depositAmount, err = lending.ParseUnits(raw, lending.DepositDecimals); err != nil {
			s.fail(w, r, "quote", err)
			return
		}
	}
	if raw := query.Get("loan"); raw != "" {
		if loanAmount, err = lending.ParseUnits(raw, lending.LoanDecimals); err != nil {
			s.fail(w, r, "quote", err)
			return
		}
	}
	quote, err := s.ledger.Quote(depositAmount, loanAmount, rateValue)
	if err != nil {
		s.fail(w, r, "quote", err)
		return
	}
	writeJSON(w, http.StatusOK, toQuoteView(quote))
}

func parseRate(value string) (*big.Int, error) {
	parsed, err := lending.ParseUnits(value, lending.RateDecimals)
	if err != nil {
		return nil, lending.ErrInvalidRate
	}
	return parsed, nil
}
