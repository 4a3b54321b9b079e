package lending

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelcodes "go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"bobvault/core/events"
	nativecommon "bobvault/native/common"
	"bobvault/observability"
)

// ModuleName is the pause key guarding every mutating lending operation.
const ModuleName = "lending"

// Engine orchestrates the lending state transitions. Operations are
// linearized: each one validates, stages ledger and registry changes, makes
// its collaborator calls and then commits everything in a single write.
type Engine struct {
	mu        sync.Mutex
	// outside is set while the lock holder has handed control to a
	// collaborator or an emitter.
	outside   atomic.Bool
	state     engineState
	custody   common.Address
	params    RiskParameters
	transport AssetTransport
	pool      YieldPool
	emitter   events.Emitter
	pauses    nativecommon.PauseView
	logger    *slog.Logger
	metrics   *observability.LendingMetrics
	tracer    trace.Tracer
	meters    operationInstruments
	now       func() time.Time
	newID     func() string
}

// NewEngine constructs a lending engine whose pool deposits are credited to
// custody.
func NewEngine(custody common.Address, params RiskParameters) *Engine {
	return &Engine{
		custody: custody,
		params:  params.Clone(),
		emitter: events.NoopEmitter{},
		logger:  slog.Default(),
		tracer:  otel.Tracer(meterName),
		meters:  newOperationInstruments(otel.GetMeterProvider()),
		now:     time.Now,
		newID:   uuid.NewString,
	}
}

// SetState wires the engine to the persistence layer.
func (e *Engine) SetState(state engineState) { e.state = state }

// SetCollaborators configures the asset transport and yield pool.
func (e *Engine) SetCollaborators(transport AssetTransport, pool YieldPool) {
	if e == nil {
		return
	}
	e.transport = transport
	e.pool = pool
}

// SetEmitter configures the event sink. Emitters run while the engine lock is
// held; a mutating call made from an emitter fails with ErrReentrantCall.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if e == nil {
		return
	}
	if emitter == nil {
		emitter = events.NoopEmitter{}
	}
	e.emitter = emitter
}

func (e *Engine) SetPauses(p nativecommon.PauseView) {
	if e == nil {
		return
	}
	e.pauses = p
}

func (e *Engine) SetLogger(logger *slog.Logger) {
	if e == nil || logger == nil {
		return
	}
	e.logger = logger
}

func (e *Engine) SetMetrics(metrics *observability.LendingMetrics) {
	if e == nil {
		return
	}
	e.metrics = metrics
}

// SetMeterProvider replaces the OpenTelemetry provider the operation
// instruments are created from.
func (e *Engine) SetMeterProvider(provider metric.MeterProvider) {
	if e == nil || provider == nil {
		return
	}
	e.meters = newOperationInstruments(provider)
}

// SetClock overrides the time source used for record timestamps.
func (e *Engine) SetClock(now func() time.Time) {
	if e == nil || now == nil {
		return
	}
	e.now = now
}

// Params returns a copy of the active risk parameters.
func (e *Engine) Params() RiskParameters { return e.params.Clone() }

// Custody returns the address credited by the yield pool.
func (e *Engine) Custody() common.Address { return e.custody }

type operation struct {
	engine *Engine
	name   string
	ctx    context.Context
	span   trace.Span
	start  time.Time
}

// begin acquires the engine lock for a mutating operation. While the lock
// holder is inside a collaborator or emitter call, new operations are
// rejected with ErrReentrantCall instead of queued, whatever context they
// carry: a callback waiting on the lock would never be released. Outside
// that window concurrent callers wait their turn.
func (e *Engine) begin(ctx context.Context, name string) (*operation, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if e.reentrant(ctx) {
		return nil, ErrReentrantCall
	}
	if e.state == nil {
		return nil, errNilState
	}
	if !e.mu.TryLock() {
		if e.outside.Load() {
			return nil, ErrReentrantCall
		}
		e.mu.Lock()
	}
	ctx, span := e.tracer.Start(ctx, "lending."+name)
	return &operation{
		engine: e,
		name:   name,
		ctx:    withOperation(ctx, e),
		span:   span,
		start:  time.Now(),
	}, nil
}

func (op *operation) end(err error) {
	if err != nil {
		op.span.RecordError(err)
		op.span.SetStatus(otelcodes.Error, err.Error())
	}
	op.span.End()
	elapsed := time.Since(op.start)
	op.engine.metrics.Observe(op.name, elapsed, err, outcomeOf)
	op.engine.meters.record(op.ctx, op.name, elapsed, err)
	op.engine.mu.Unlock()
}

func outcomeOf(err error) string {
	switch {
	case errors.Is(err, ErrReentrantCall):
		return "reentrant"
	case errors.Is(err, nativecommon.ErrModulePaused):
		return "paused"
	case errors.Is(err, ErrDepositForwardPending):
		return "pending"
	case errors.Is(err, ErrInvalidAmount), errors.Is(err, ErrInvalidRate),
		errors.Is(err, ErrInsufficientAllowance), errors.Is(err, ErrInsufficientBalance),
		errors.Is(err, ErrInsufficientCollateral), errors.Is(err, ErrExceedsBorrowingCapacity),
		errors.Is(err, ErrAccountInactive), errors.Is(err, ErrUnknownLoan),
		errors.Is(err, ErrAlreadyFulfilled), errors.Is(err, ErrRepaymentExceedsDebt),
		errors.Is(err, ErrUnauthorized), errors.Is(err, ErrUnknownAccount),
		errors.Is(err, ErrAccountNotEmpty), errors.Is(err, ErrUnknownDeposit):
		return "rejected"
	default:
		return "error"
	}
}

func (e *Engine) guard() error {
	return nativecommon.Guard(e.pauses, ModuleName)
}

func (e *Engine) requireAdmin(caller common.Address) error {
	if e.params.Admin == (common.Address{}) || caller != e.params.Admin {
		return ErrUnauthorized
	}
	return nil
}

func (e *Engine) requireCollaborators() error {
	if e.transport == nil || e.pool == nil {
		return errNoCollaborators
	}
	return nil
}

func (e *Engine) emit(ev events.Event) {
	_ = e.callOut(func() error {
		e.emitter.Emit(ev)
		return nil
	})
}

// callOut runs fn with the engine marked as having handed control away.
// Every collaborator and emitter call goes through it.
func (e *Engine) callOut(fn func() error) error {
	e.outside.Store(true)
	defer e.outside.Store(false)
	return fn()
}

func (e *Engine) publishTotals(staged *stagedState) {
	if totals := staged.changes.Totals; totals != nil {
		e.metrics.RecordTotals(totals.TotalDeposits, totals.TotalOutstandingDebt)
	}
}

// Deposit pulls amount from caller, forwards it to the yield pool and credits
// the caller's account. Progress is persisted as a deposit saga so that a
// pool failure after the pull leaves a resumable record instead of lost
// funds; in that case the returned error wraps ErrDepositForwardPending and
// the saga is returned alongside it.
func (e *Engine) Deposit(ctx context.Context, caller common.Address, amount *big.Int) (saga *DepositSaga, err error) {
	op, err := e.begin(ctx, "deposit")
	if err != nil {
		return nil, err
	}
	defer func() { op.end(err) }()

	if err = e.guard(); err != nil {
		return nil, err
	}
	if caller == (common.Address{}) {
		return nil, errNilAddress
	}
	if err = positiveAmount(amount); err != nil {
		return nil, err
	}
	if err = e.requireCollaborators(); err != nil {
		return nil, err
	}
	if err = op.ctx.Err(); err != nil {
		return nil, err
	}
	op.span.SetAttributes(attribute.String("user", caller.Hex()), attribute.String("amount", amount.String()))

	var allowance *big.Int
	err = e.callOut(func() (callErr error) {
		allowance, callErr = e.transport.AllowanceOf(op.ctx, caller)
		return callErr
	})
	if err != nil {
		return nil, fmt.Errorf("lending engine: allowance lookup: %w", err)
	}
	if allowance == nil || allowance.Cmp(amount) < 0 {
		return nil, ErrInsufficientAllowance
	}
	if err = e.callOut(func() error { return e.transport.PullFrom(op.ctx, caller, amount) }); err != nil {
		return nil, fmt.Errorf("lending engine: pull deposit: %w", err)
	}

	now := e.now().UTC()
	saga = &DepositSaga{
		ID:        e.newID(),
		Depositor: caller,
		Amount:    cloneInt(amount),
		State:     SagaReceived,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err = e.saveSaga(saga); err != nil {
		e.logger.Error("deposit received but not recorded",
			slog.String("user", caller.Hex()),
			slog.String("amount", amount.String()),
			slog.String("sagaId", saga.ID),
			slog.Any("error", err))
		return nil, err
	}
	e.emit(events.TransferReceived{User: caller, Amount: amount, SagaID: saga.ID})
	return e.advanceDeposit(op.ctx, saga)
}

// ResumeDeposit retries a deposit that stalled before it was credited.
// Resuming a completed deposit returns it unchanged.
func (e *Engine) ResumeDeposit(ctx context.Context, caller common.Address, id string) (saga *DepositSaga, err error) {
	op, err := e.begin(ctx, "resume_deposit")
	if err != nil {
		return nil, err
	}
	defer func() { op.end(err) }()

	if err = e.guard(); err != nil {
		return nil, err
	}
	if err = e.requireAdmin(caller); err != nil {
		return nil, err
	}
	saga, err = e.state.GetDepositSaga(id)
	if err != nil {
		return nil, err
	}
	if saga == nil {
		return nil, ErrUnknownDeposit
	}
	if !saga.Pending() {
		return saga, nil
	}
	if err = e.requireCollaborators(); err != nil {
		return nil, err
	}
	if err = op.ctx.Err(); err != nil {
		return nil, err
	}
	e.logger.Info("resuming deposit",
		slog.String("sagaId", saga.ID),
		slog.String("state", string(saga.State)))
	return e.advanceDeposit(op.ctx, saga)
}

func (e *Engine) advanceDeposit(ctx context.Context, saga *DepositSaga) (*DepositSaga, error) {
	if saga.State == SagaReceived {
		if err := e.callOut(func() error { return e.pool.Supply(ctx, saga.Amount, e.custody) }); err != nil {
			stalled := saga.Clone()
			stalled.LastError = err.Error()
			stalled.UpdatedAt = e.now().UTC()
			if saveErr := e.saveSaga(stalled); saveErr != nil {
				e.logger.Error("failed to record stalled deposit",
					slog.String("sagaId", saga.ID), slog.Any("error", saveErr))
			}
			e.logger.Warn("deposit held in custody pending pool supply",
				slog.String("sagaId", saga.ID),
				slog.String("user", saga.Depositor.Hex()),
				slog.String("amount", saga.Amount.String()),
				slog.Any("error", err))
			e.emit(events.DepositPending{
				User:   saga.Depositor,
				Amount: saga.Amount,
				SagaID: saga.ID,
				State:  string(stalled.State),
				Reason: err.Error(),
			})
			e.refreshPending()
			return stalled, fmt.Errorf("%w: saga %s: %v", ErrDepositForwardPending, saga.ID, err)
		}
		forwarded := saga.Clone()
		forwarded.State = SagaForwarded
		forwarded.LastError = ""
		forwarded.UpdatedAt = e.now().UTC()
		if err := e.saveSaga(forwarded); err != nil {
			e.logger.Error("deposit forwarded but not recorded",
				slog.String("sagaId", saga.ID), slog.Any("error", err))
			return saga.Clone(), err
		}
		saga = forwarded
	}
	if saga.State == SagaForwarded {
		staged := newStagedState(e.state)
		if err := newLedger(staged, e.params, e.now).Credit(saga.Depositor, saga.Amount); err != nil {
			return saga.Clone(), err
		}
		credited := saga.Clone()
		credited.State = SagaCredited
		credited.UpdatedAt = e.now().UTC()
		staged.putSaga(credited)
		if err := staged.commit(); err != nil {
			return saga.Clone(), err
		}
		saga = credited
		e.emit(events.Deposit{User: saga.Depositor, Amount: saga.Amount})
		e.publishTotals(staged)
		e.refreshPending()
	}
	return saga.Clone(), nil
}

func (e *Engine) saveSaga(saga *DepositSaga) error {
	staged := newStagedState(e.state)
	staged.putSaga(saga)
	return staged.commit()
}

func (e *Engine) refreshPending() {
	if e.metrics == nil {
		return
	}
	pending, err := e.PendingDeposits()
	if err != nil {
		return
	}
	e.metrics.SetPendingDeposits(len(pending))
}

// PendingDeposits lists deposits that were received but not yet credited,
// oldest first.
func (e *Engine) PendingDeposits() ([]*DepositSaga, error) {
	if e.state == nil {
		return nil, errNilState
	}
	var pending []*DepositSaga
	err := e.state.ForEachDepositSaga(func(saga *DepositSaga) error {
		if saga.Pending() {
			pending = append(pending, saga)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(pending, func(i, j int) bool {
		return pending[i].CreatedAt.Before(pending[j].CreatedAt)
	})
	return pending, nil
}

// Withdraw releases amount of the caller's deposit at the supplied rate. The
// ledger is settled at what the pool actually released; the returned value
// is the amount paid out.
func (e *Engine) Withdraw(ctx context.Context, caller common.Address, amount, rate *big.Int) (paid *big.Int, err error) {
	op, err := e.begin(ctx, "withdraw")
	if err != nil {
		return nil, err
	}
	defer func() { op.end(err) }()

	if err = e.guard(); err != nil {
		return nil, err
	}
	if err = positiveAmount(amount); err != nil {
		return nil, err
	}
	if err = ValidateRate(rate, e.params); err != nil {
		return nil, err
	}
	if err = e.requireCollaborators(); err != nil {
		return nil, err
	}

	staged := newStagedState(e.state)
	ledger := newLedger(staged, e.params, e.now)
	if err = ledger.Debit(caller, amount, rate); err != nil {
		return nil, err
	}
	if err = op.ctx.Err(); err != nil {
		return nil, err
	}

	var actual *big.Int
	err = e.callOut(func() (callErr error) {
		actual, callErr = e.pool.Withdraw(op.ctx, amount, e.custody)
		return callErr
	})
	if err != nil {
		return nil, fmt.Errorf("lending engine: pool withdraw: %w", err)
	}
	if actual == nil || actual.Sign() <= 0 || actual.Cmp(amount) > 0 {
		if actual != nil && actual.Sign() > 0 {
			e.compensate(op.ctx, actual)
		}
		return nil, fmt.Errorf("%w: requested %s, released %v", ErrPoolAccounting, amount, actual)
	}
	if shortfall := new(big.Int).Sub(amount, actual); shortfall.Sign() > 0 {
		e.logger.Warn("pool released less than requested",
			slog.String("user", caller.Hex()),
			slog.String("requested", amount.String()),
			slog.String("released", actual.String()))
		if err = ledger.Refund(caller, shortfall); err != nil {
			e.compensate(op.ctx, actual)
			return nil, err
		}
	}
	if err = e.callOut(func() error { return e.transport.PushTo(op.ctx, caller, actual) }); err != nil {
		e.compensate(op.ctx, actual)
		return nil, fmt.Errorf("lending engine: push withdrawal: %w", err)
	}
	if err = staged.commit(); err != nil {
		e.logger.Error("withdrawal paid out but not recorded",
			slog.String("user", caller.Hex()),
			slog.String("amount", actual.String()),
			slog.Any("error", err))
		return nil, err
	}
	e.emit(events.Withdrawal{User: caller, Amount: actual})
	e.publishTotals(staged)
	return new(big.Int).Set(actual), nil
}

// compensate returns funds released by the pool when the operation that
// requested them cannot complete.
func (e *Engine) compensate(ctx context.Context, amount *big.Int) {
	if err := e.callOut(func() error { return e.pool.Supply(ctx, amount, e.custody) }); err != nil {
		e.logger.Error("failed to return funds to pool; held in custody",
			slog.String("amount", amount.String()),
			slog.Any("error", err))
	}
}

// RequestLoan books amount of loan-currency debt against the caller's
// deposit at rate and records a loan awaiting off-chain fulfilment.
func (e *Engine) RequestLoan(ctx context.Context, caller common.Address, amount, rate *big.Int) (loan *LoanRequest, err error) {
	op, err := e.begin(ctx, "request_loan")
	if err != nil {
		return nil, err
	}
	defer func() { op.end(err) }()

	if err = e.guard(); err != nil {
		return nil, err
	}
	if err = positiveAmount(amount); err != nil {
		return nil, err
	}
	if err = ValidateRate(rate, e.params); err != nil {
		return nil, err
	}
	collateral, err := RequiredCollateral(amount, rate, e.params.ltv())
	if err != nil {
		return nil, err
	}

	staged := newStagedState(e.state)
	if err = newLedger(staged, e.params, e.now).IncurDebt(caller, amount, rate); err != nil {
		return nil, err
	}
	loan, err = newRegistry(staged).Create(caller, amount, collateral, rate, e.now())
	if err != nil {
		return nil, err
	}
	if err = staged.commit(); err != nil {
		return nil, err
	}
	e.emit(events.LoanRequested{
		User:       caller,
		ID:         loan.ID,
		Amount:     amount,
		Collateral: collateral,
		Rate:       rate,
	})
	e.publishTotals(staged)
	return loan.Clone(), nil
}

// FulfillLoan records that the administrator settled loan id off-chain.
func (e *Engine) FulfillLoan(ctx context.Context, caller common.Address, id uint64) (loan *LoanRequest, err error) {
	op, err := e.begin(ctx, "fulfill_loan")
	if err != nil {
		return nil, err
	}
	defer func() { op.end(err) }()

	if err = e.guard(); err != nil {
		return nil, err
	}
	if err = e.requireAdmin(caller); err != nil {
		return nil, err
	}
	staged := newStagedState(e.state)
	loan, err = newRegistry(staged).MarkFulfilled(id, e.now())
	if err != nil {
		return nil, err
	}
	if err = staged.commit(); err != nil {
		return nil, err
	}
	e.emit(events.LoanFulfilled{ID: id})
	return loan.Clone(), nil
}

// RecordRepayment settles amount of user's aggregate debt after the
// administrator confirmed an off-chain repayment.
func (e *Engine) RecordRepayment(ctx context.Context, caller, user common.Address, amount *big.Int) (account *UserAccount, err error) {
	op, err := e.begin(ctx, "record_repayment")
	if err != nil {
		return nil, err
	}
	defer func() { op.end(err) }()

	if err = e.guard(); err != nil {
		return nil, err
	}
	if err = e.requireAdmin(caller); err != nil {
		return nil, err
	}
	if err = positiveAmount(amount); err != nil {
		return nil, err
	}
	staged := newStagedState(e.state)
	if err = newLedger(staged, e.params, e.now).SettleDebt(user, amount); err != nil {
		return nil, err
	}
	account, err = staged.account(user)
	if err != nil {
		return nil, err
	}
	if err = staged.commit(); err != nil {
		return nil, err
	}
	e.emit(events.RepaymentRecorded{User: user, Amount: amount})
	e.publishTotals(staged)
	return account.Clone(), nil
}

// CloseAccount deactivates the caller's empty account.
func (e *Engine) CloseAccount(ctx context.Context, caller common.Address) (account *UserAccount, err error) {
	op, err := e.begin(ctx, "close_account")
	if err != nil {
		return nil, err
	}
	defer func() { op.end(err) }()

	if err = e.guard(); err != nil {
		return nil, err
	}
	staged := newStagedState(e.state)
	if err = newLedger(staged, e.params, e.now).Close(caller); err != nil {
		return nil, err
	}
	account, err = staged.account(caller)
	if err != nil {
		return nil, err
	}
	if err = staged.commit(); err != nil {
		return nil, err
	}
	e.emit(events.AccountClosed{User: caller})
	return account.Clone(), nil
}
