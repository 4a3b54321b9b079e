package mock

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"
)

var (
	custody = common.HexToAddress("0x00000000000000000000000000000000000000c0")
	poolAdr = common.HexToAddress("0x00000000000000000000000000000000000000b0")
	alice   = common.HexToAddress("0x00000000000000000000000000000000000000a1")
)

func TestTokenPullRespectsAllowance(t *testing.T) {
	ctx := context.Background()
	token := NewToken(custody)
	token.Mint(alice, big.NewInt(100))

	allowance, err := token.AllowanceOf(ctx, alice)
	require.NoError(t, err)
	require.Zero(t, allowance.Sign())
	require.ErrorIs(t, token.PullFrom(ctx, alice, big.NewInt(10)), ErrInsufficientAllowance)

	token.Approve(alice, big.NewInt(60))
	require.NoError(t, token.PullFrom(ctx, alice, big.NewInt(40)))
	require.Equal(t, "60", token.BalanceOf(alice).String())
	require.Equal(t, "40", token.BalanceOf(custody).String())

	allowance, err = token.AllowanceOf(ctx, alice)
	require.NoError(t, err)
	require.Equal(t, "20", allowance.String())

	require.NoError(t, token.PushTo(ctx, alice, big.NewInt(15)))
	require.Equal(t, "75", token.BalanceOf(alice).String())
	require.ErrorIs(t, token.PushTo(ctx, alice, big.NewInt(1000)), ErrInsufficientFunds)
}

func TestTokenInjectedFailures(t *testing.T) {
	ctx := context.Background()
	token := NewToken(custody)
	token.Mint(alice, big.NewInt(10))
	token.Mint(custody, big.NewInt(10))
	token.Approve(alice, big.NewInt(10))

	boom := errors.New("boom")
	token.SetPullError(boom)
	token.SetPushError(boom)
	require.ErrorIs(t, token.PullFrom(ctx, alice, big.NewInt(1)), boom)
	require.ErrorIs(t, token.PushTo(ctx, alice, big.NewInt(1)), boom)
	require.Equal(t, "10", token.BalanceOf(alice).String())

	token.SetPullError(nil)
	require.NoError(t, token.PullFrom(ctx, alice, big.NewInt(1)))
}

func TestPoolSupplyWithdrawAndShortfall(t *testing.T) {
	ctx := context.Background()
	token := NewToken(custody)
	token.Mint(custody, big.NewInt(1000))
	pool := NewPool(token, poolAdr)

	require.NoError(t, pool.Supply(ctx, big.NewInt(600), custody))
	require.Equal(t, "600", pool.Supplied(custody).String())
	require.Equal(t, "400", token.BalanceOf(custody).String())

	released, err := pool.Withdraw(ctx, big.NewInt(100), custody)
	require.NoError(t, err)
	require.Equal(t, "100", released.String())

	pool.SetShortfall(big.NewInt(7))
	released, err = pool.Withdraw(ctx, big.NewInt(100), custody)
	require.NoError(t, err)
	require.Equal(t, "93", released.String())
	require.Equal(t, "407", pool.Supplied(custody).String())

	_, err = pool.Withdraw(ctx, big.NewInt(10_000), custody)
	require.ErrorIs(t, err, ErrInsufficientSupply)
}

func TestHooksReceiveCallerContext(t *testing.T) {
	type key struct{}
	ctx := context.WithValue(context.Background(), key{}, "marker")
	token := NewToken(custody)
	token.Mint(custody, big.NewInt(5))
	pool := NewPool(token, poolAdr)

	var calls []string
	hook := func(ctx context.Context, call string) {
		require.Equal(t, "marker", ctx.Value(key{}))
		calls = append(calls, call)
	}
	token.SetHook(hook)
	pool.SetHook(hook)

	_, _ = token.AllowanceOf(ctx, alice)
	require.NoError(t, pool.Supply(ctx, big.NewInt(5), custody))
	_, err := pool.Withdraw(ctx, big.NewInt(5), custody)
	require.NoError(t, err)
	require.Equal(t, []string{"allowance", "supply", "withdraw"}, calls)
}
