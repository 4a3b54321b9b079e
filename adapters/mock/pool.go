package mock

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

var ErrInsufficientSupply = errors.New("mock pool: insufficient supplied balance")

// Pool is a yield pool that holds supplied tokens at its own address and
// tracks positions per beneficiary. A configurable shortfall simulates a pool
// that releases less than requested.
type Pool struct {
	mu          sync.Mutex
	token       *Token
	address     common.Address
	positions   map[common.Address]*big.Int
	shortfall   *big.Int
	supplyErr   error
	withdrawErr error
	hook        Hook
}

// NewPool constructs a pool holding funds at address on token.
func NewPool(token *Token, address common.Address) *Pool {
	return &Pool{
		token:     token,
		address:   address,
		positions: make(map[common.Address]*big.Int),
		shortfall: big.NewInt(0),
	}
}

// Supplied returns the position held for beneficiary.
func (p *Pool) Supplied(beneficiary common.Address) *big.Int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return new(big.Int).Set(p.positionLocked(beneficiary))
}

// SetShortfall makes every withdrawal release amount less than requested.
func (p *Pool) SetShortfall(amount *big.Int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if amount == nil {
		amount = big.NewInt(0)
	}
	p.shortfall = new(big.Int).Set(amount)
}

// SetSupplyError makes subsequent supplies fail with err until cleared.
func (p *Pool) SetSupplyError(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.supplyErr = err
}

// SetWithdrawError makes subsequent withdrawals fail with err until cleared.
func (p *Pool) SetWithdrawError(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.withdrawErr = err
}

// SetHook installs a callback invoked before every pool call.
func (p *Pool) SetHook(hook Hook) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.hook = hook
}

func (p *Pool) callHook(ctx context.Context, call string) {
	p.mu.Lock()
	hook := p.hook
	p.mu.Unlock()
	if hook != nil {
		hook(ctx, call)
	}
}

func (p *Pool) Supply(ctx context.Context, amount *big.Int, beneficiary common.Address) error {
	p.callHook(ctx, "supply")
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.supplyErr != nil {
		return p.supplyErr
	}
	if err := p.token.Transfer(beneficiary, p.address, amount); err != nil {
		return fmt.Errorf("mock pool: supply: %w", err)
	}
	p.positions[beneficiary] = new(big.Int).Add(p.positionLocked(beneficiary), amount)
	return nil
}

func (p *Pool) Withdraw(ctx context.Context, amount *big.Int, recipient common.Address) (*big.Int, error) {
	p.callHook(ctx, "withdraw")
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.withdrawErr != nil {
		return nil, p.withdrawErr
	}
	release := new(big.Int).Sub(amount, p.shortfall)
	if release.Sign() <= 0 {
		return big.NewInt(0), nil
	}
	position := p.positionLocked(recipient)
	if position.Cmp(release) < 0 {
		return nil, ErrInsufficientSupply
	}
	if err := p.token.Transfer(p.address, recipient, release); err != nil {
		return nil, fmt.Errorf("mock pool: withdraw: %w", err)
	}
	p.positions[recipient] = new(big.Int).Sub(position, release)
	return release, nil
}

func (p *Pool) positionLocked(addr common.Address) *big.Int {
	if position, ok := p.positions[addr]; ok {
		return position
	}
	return big.NewInt(0)
}
