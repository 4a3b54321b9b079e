package lending

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// AssetTransport moves the deposit asset between users and the engine's
// custody. Implementations must be atomic per call: an error means no funds
// moved.
type AssetTransport interface {
	// AllowanceOf reports how much the engine may currently pull from owner.
	AllowanceOf(ctx context.Context, owner common.Address) (*big.Int, error)
	PullFrom(ctx context.Context, owner common.Address, amount *big.Int) error
	PushTo(ctx context.Context, recipient common.Address, amount *big.Int) error
}

// YieldPool is the external pool custody deposits are forwarded to.
type YieldPool interface {
	Supply(ctx context.Context, amount *big.Int, beneficiary common.Address) error
	// Withdraw releases up to amount to recipient and returns what was
	// actually released.
	Withdraw(ctx context.Context, amount *big.Int, recipient common.Address) (*big.Int, error)
}

type operationKey struct{}

// withOperation marks ctx as belonging to an in-flight operation of e. The
// marked context is what collaborators receive.
func withOperation(ctx context.Context, e *Engine) context.Context {
	return context.WithValue(ctx, operationKey{}, e)
}

func (e *Engine) reentrant(ctx context.Context) bool {
	owner, _ := ctx.Value(operationKey{}).(*Engine)
	return owner == e
}
