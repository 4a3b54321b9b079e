// Package mock provides in-memory stand-ins for the asset transport and yield
// pool. They back the sandbox daemon and the engine tests.
package mock

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

var (
	ErrInsufficientFunds     = errors.New("mock token: insufficient funds")
	ErrInsufficientAllowance = errors.New("mock token: insufficient allowance")
	errInvalidAmount         = errors.New("mock token: amount must be positive")
)

// Hook observes collaborator calls with the context the caller supplied.
type Hook func(ctx context.Context, call string)

// Token is a fungible ledger with ERC-20 style allowances granted to a single
// spender, the custody address.
type Token struct {
	mu         sync.Mutex
	custody    common.Address
	balances   map[common.Address]*big.Int
	allowances map[common.Address]*big.Int
	pullErr    error
	pushErr    error
	hook       Hook
}

// NewToken constructs a token whose pulls land in custody.
func NewToken(custody common.Address) *Token {
	return &Token{
		custody:    custody,
		balances:   make(map[common.Address]*big.Int),
		allowances: make(map[common.Address]*big.Int),
	}
}

// Mint credits amount to addr.
func (t *Token) Mint(addr common.Address, amount *big.Int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.balances[addr] = new(big.Int).Add(t.balanceLocked(addr), amount)
}

// Approve sets the amount custody may pull from owner.
func (t *Token) Approve(owner common.Address, amount *big.Int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.allowances[owner] = new(big.Int).Set(amount)
}

// BalanceOf returns a copy of addr's balance.
func (t *Token) BalanceOf(addr common.Address) *big.Int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return new(big.Int).Set(t.balanceLocked(addr))
}

// SetPullError makes subsequent pulls fail with err until cleared with nil.
func (t *Token) SetPullError(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pullErr = err
}

// SetPushError makes subsequent pushes fail with err until cleared with nil.
func (t *Token) SetPushError(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pushErr = err
}

// SetHook installs a callback invoked before every transport call.
func (t *Token) SetHook(hook Hook) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.hook = hook
}

func (t *Token) callHook(ctx context.Context, call string) {
	t.mu.Lock()
	hook := t.hook
	t.mu.Unlock()
	if hook != nil {
		hook(ctx, call)
	}
}

func (t *Token) AllowanceOf(ctx context.Context, owner common.Address) (*big.Int, error) {
	t.callHook(ctx, "allowance")
	t.mu.Lock()
	defer t.mu.Unlock()
	allowance, ok := t.allowances[owner]
	if !ok {
		return big.NewInt(0), nil
	}
	return new(big.Int).Set(allowance), nil
}

func (t *Token) PullFrom(ctx context.Context, owner common.Address, amount *big.Int) error {
	t.callHook(ctx, "pull")
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.pullErr != nil {
		return t.pullErr
	}
	allowance := t.allowances[owner]
	if allowance == nil || allowance.Cmp(amount) < 0 {
		return ErrInsufficientAllowance
	}
	if err := t.transferLocked(owner, t.custody, amount); err != nil {
		return err
	}
	t.allowances[owner] = new(big.Int).Sub(allowance, amount)
	return nil
}

func (t *Token) PushTo(ctx context.Context, recipient common.Address, amount *big.Int) error {
	t.callHook(ctx, "push")
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.pushErr != nil {
		return t.pushErr
	}
	return t.transferLocked(t.custody, recipient, amount)
}

// Transfer moves amount between two holders.
func (t *Token) Transfer(from, to common.Address, amount *big.Int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.transferLocked(from, to, amount)
}

func (t *Token) transferLocked(from, to common.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return errInvalidAmount
	}
	balance := t.balanceLocked(from)
	if balance.Cmp(amount) < 0 {
		return fmt.Errorf("%w: %s holds %s, needs %s", ErrInsufficientFunds, from.Hex(), balance, amount)
	}
	t.balances[from] = new(big.Int).Sub(balance, amount)
	t.balances[to] = new(big.Int).Add(t.balanceLocked(to), amount)
	return nil
}

func (t *Token) balanceLocked(addr common.Address) *big.Int {
	if balance, ok := t.balances[addr]; ok {
		return balance
	}
	return big.NewInt(0)
}
