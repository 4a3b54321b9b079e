package lending

import (
	"context"
	"errors"
	"math/big"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"bobvault/core/events"
	nativecommon "bobvault/native/common"
)

func TestPausedModuleBlocksMutation(t *testing.T) {
	f := newEngineFixture(t)
	f.deposit(t, alice, 1_000)
	pauses := nativecommon.NewPauses("lending")
	f.engine.SetPauses(pauses)
	ctx := context.Background()

	f.fund(alice, 500)
	if _, err := f.engine.Deposit(ctx, alice, big.NewInt(500)); !errors.Is(err, nativecommon.ErrModulePaused) {
		t.Fatalf("expected ErrModulePaused, got %v", err)
	}
	if _, err := f.engine.Withdraw(ctx, alice, big.NewInt(1), testRate); !errors.Is(err, nativecommon.ErrModulePaused) {
		t.Fatalf("expected ErrModulePaused, got %v", err)
	}
	if _, err := f.engine.RequestLoan(ctx, alice, big.NewInt(1), testRate); !errors.Is(err, nativecommon.ErrModulePaused) {
		t.Fatalf("expected ErrModulePaused, got %v", err)
	}
	if balance := f.token.BalanceOf(alice); balance.Cmp(big.NewInt(500)) != 0 {
		t.Fatalf("paused deposit moved funds: %s", balance)
	}
	// Reads keep working while paused.
	if _, err := f.engine.Account(alice); err != nil {
		t.Fatalf("account: %v", err)
	}

	pauses.Set("lending", false)
	if _, err := f.engine.Deposit(ctx, alice, big.NewInt(500)); err != nil {
		t.Fatalf("deposit after unpause: %v", err)
	}
}

func TestReentrantCallsAreRejected(t *testing.T) {
	f := newEngineFixture(t)
	f.fund(alice, 1_000)

	var nested []error
	f.pool.SetHook(func(ctx context.Context, call string) {
		_, err := f.engine.RequestLoan(ctx, alice, big.NewInt(1), testRate)
		nested = append(nested, err)
		_, err = f.engine.Deposit(ctx, alice, big.NewInt(1))
		nested = append(nested, err)
		// Reads do not take the lock.
		if _, err := f.engine.Totals(); err != nil {
			nested = append(nested, err)
		}
	})

	if _, err := f.engine.Deposit(context.Background(), alice, big.NewInt(1_000)); err != nil {
		t.Fatalf("outer deposit: %v", err)
	}
	if len(nested) != 2 {
		t.Fatalf("expected two nested results, got %v", nested)
	}
	for _, err := range nested {
		if !errors.Is(err, ErrReentrantCall) {
			t.Fatalf("expected ErrReentrantCall, got %v", err)
		}
	}
	if balance := f.account(t, alice).DepositBalance; balance.Cmp(big.NewInt(1_000)) != 0 {
		t.Fatalf("unexpected balance %s", balance)
	}
}

type emitterFunc func(events.Event)

func (fn emitterFunc) Emit(ev events.Event) { fn(ev) }

func TestReentryWithFreshContextIsRejected(t *testing.T) {
	f := newEngineFixture(t)
	f.deposit(t, alice, 1_000_000)
	f.fund(bob, 1_000)

	var nested []error
	f.token.SetHook(func(context.Context, string) {
		_, err := f.engine.RequestLoan(context.Background(), alice, big.NewInt(1), testRate)
		nested = append(nested, err)
	})
	f.pool.SetHook(func(context.Context, string) {
		_, err := f.engine.Withdraw(context.Background(), alice, big.NewInt(1), testRate)
		nested = append(nested, err)
	})
	f.engine.SetEmitter(emitterFunc(func(events.Event) {
		_, err := f.engine.CloseAccount(context.Background(), alice)
		nested = append(nested, err)
	}))

	done := make(chan error, 1)
	go func() {
		_, err := f.engine.Deposit(context.Background(), bob, big.NewInt(1_000))
		done <- err
	}()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("outer deposit: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("engine blocked on a nested call made with a fresh context")
	}

	// allowance, pull, supply, then the transfer_received and deposit events.
	if len(nested) != 5 {
		t.Fatalf("expected five nested results, got %v", nested)
	}
	for _, err := range nested {
		if !errors.Is(err, ErrReentrantCall) {
			t.Fatalf("expected ErrReentrantCall, got %v", err)
		}
	}

	f.token.SetHook(nil)
	f.pool.SetHook(nil)
	f.engine.SetEmitter(nil)
	if balance := f.account(t, alice).DepositBalance; balance.Cmp(big.NewInt(1_000_000)) != 0 {
		t.Fatalf("nested calls changed alice's balance: %s", balance)
	}
	if balance := f.account(t, bob).DepositBalance; balance.Cmp(big.NewInt(1_000)) != 0 {
		t.Fatalf("unexpected bob balance %s", balance)
	}
	if _, err := f.engine.RequestLoan(context.Background(), alice, big.NewInt(1), testRate); err != nil {
		t.Fatalf("engine unusable after rejected re-entry: %v", err)
	}
	f.checkInvariants(t)
}

func TestConcurrentOperationsKeepTotalsConsistent(t *testing.T) {
	f := newEngineFixture(t)
	users := make([]common.Address, 16)
	for i := range users {
		users[i] = common.BigToAddress(big.NewInt(int64(0x1000 + i)))
		f.fund(users[i], 10_000_000)
	}

	var wg sync.WaitGroup
	errs := make(chan error, len(users)*2)
	for _, user := range users {
		wg.Add(1)
		go func(user common.Address) {
			defer wg.Done()
			ctx := context.Background()
			// Callers arriving while the lock holder is inside a collaborator
			// are turned away and retry.
			err := retryBusy(func() error {
				_, err := f.engine.Deposit(ctx, user, big.NewInt(10_000_000))
				return err
			})
			if err != nil {
				errs <- err
				return
			}
			if err := retryBusy(func() error {
				_, err := f.engine.RequestLoan(ctx, user, big.NewInt(1_000), testRate)
				return err
			}); err != nil {
				errs <- err
			}
		}(user)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("concurrent operation: %v", err)
	}

	totals, err := f.engine.Totals()
	if err != nil {
		t.Fatalf("totals: %v", err)
	}
	if totals.TotalDeposits.Cmp(big.NewInt(160_000_000)) != 0 || totals.LastLoanID != uint64(len(users)) {
		t.Fatalf("unexpected totals %+v", totals)
	}
	f.checkInvariants(t)
}

func retryBusy(fn func() error) error {
	for {
		err := fn()
		if !errors.Is(err, ErrReentrantCall) {
			return err
		}
		runtime.Gosched()
	}
}

func TestDepositSagaRecovery(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()
	f.fund(alice, 5_000)

	f.pool.SetSupplyError(errors.New("pool paused"))
	saga, err := f.engine.Deposit(ctx, alice, big.NewInt(5_000))
	if !errors.Is(err, ErrDepositForwardPending) {
		t.Fatalf("expected ErrDepositForwardPending, got %v", err)
	}
	if saga == nil || saga.State != SagaReceived || saga.LastError == "" {
		t.Fatalf("unexpected saga %+v", saga)
	}
	if _, err := f.engine.Account(alice); !errors.Is(err, ErrUnknownAccount) {
		t.Fatalf("pending deposit must not credit, got %v", err)
	}
	if held := f.token.BalanceOf(custody); held.Cmp(big.NewInt(5_000)) != 0 {
		t.Fatalf("expected custody to hold the deposit, got %s", held)
	}
	types := f.recorder.Types()
	if len(types) != 2 || types[1] != "lending.deposit_pending" {
		t.Fatalf("unexpected events %v", types)
	}

	pending, err := f.engine.PendingDeposits()
	if err != nil || len(pending) != 1 || pending[0].ID != saga.ID {
		t.Fatalf("unexpected pending deposits %v (%v)", pending, err)
	}

	if _, err := f.engine.ResumeDeposit(ctx, admin, saga.ID); !errors.Is(err, ErrDepositForwardPending) {
		t.Fatalf("expected resume to stay pending, got %v", err)
	}
	f.pool.SetSupplyError(nil)

	if _, err := f.engine.ResumeDeposit(ctx, alice, saga.ID); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	if _, err := f.engine.ResumeDeposit(ctx, admin, "missing"); !errors.Is(err, ErrUnknownDeposit) {
		t.Fatalf("expected ErrUnknownDeposit, got %v", err)
	}
	resumed, err := f.engine.ResumeDeposit(ctx, admin, saga.ID)
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if resumed.State != SagaCredited || resumed.LastError != "" {
		t.Fatalf("unexpected resumed saga %+v", resumed)
	}
	if balance := f.account(t, alice).DepositBalance; balance.Cmp(big.NewInt(5_000)) != 0 {
		t.Fatalf("unexpected balance %s", balance)
	}

	again, err := f.engine.ResumeDeposit(ctx, admin, saga.ID)
	if err != nil || again.State != SagaCredited {
		t.Fatalf("resuming a credited deposit must be a no-op, got %+v (%v)", again, err)
	}
	if balance := f.account(t, alice).DepositBalance; balance.Cmp(big.NewInt(5_000)) != 0 {
		t.Fatalf("deposit credited twice: %s", balance)
	}
	if pending, _ := f.engine.PendingDeposits(); len(pending) != 0 {
		t.Fatalf("expected no pending deposits, got %d", len(pending))
	}
	f.checkInvariants(t)
}

func TestEngineRequiresState(t *testing.T) {
	engine := NewEngine(custody, DefaultRiskParameters())
	if _, err := engine.Deposit(context.Background(), alice, big.NewInt(1)); !errors.Is(err, errNilState) {
		t.Fatalf("expected errNilState, got %v", err)
	}
	engine.SetState(newTestStore())
	if _, err := engine.Deposit(context.Background(), alice, big.NewInt(1)); !errors.Is(err, errNoCollaborators) {
		t.Fatalf("expected errNoCollaborators, got %v", err)
	}
}
