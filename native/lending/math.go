package lending

import (
	"fmt"
	"math/big"

	"github.com/holiman/uint256"
)

// Fixed-point layout of the three quantities the engine converts between.
const (
	DepositDecimals = 6
	LoanDecimals    = 2
	RateDecimals    = 8

	// BasisPoints is the denominator of LTV fractions.
	BasisPoints uint64 = 10_000
)

var (
	// conversionDenominator folds the decimal shift (10^(6+8-2)) and the
	// basis point denominator into a single divisor.
	conversionDenominator = mustUint256("10000000000000000")
	one256                = uint256.NewInt(1)
)

func mustUint256(value string) *uint256.Int {
	v, err := uint256.FromDecimal(value)
	if err != nil {
		panic("invalid uint256 constant")
	}
	return v
}

// toUint256 converts a non-negative amount that fits in 256 bits.
func toUint256(v *big.Int) (*uint256.Int, error) {
	if v == nil || v.Sign() < 0 {
		return nil, ErrInvalidAmount
	}
	out, overflow := uint256.FromBig(v)
	if overflow {
		return nil, ErrArithmeticOverflow
	}
	return out, nil
}

// positiveAmount reports whether v is usable as an operation amount.
func positiveAmount(v *big.Int) error {
	if v == nil || v.Sign() <= 0 {
		return ErrInvalidAmount
	}
	if _, overflow := uint256.FromBig(v); overflow {
		return ErrInvalidAmount
	}
	return nil
}

// rateFactor computes rate * ltvBps, the scaled value of one deposit unit.
func rateFactor(rate *big.Int, ltvBps uint64) (*uint256.Int, error) {
	r, err := toUint256(rate)
	if err != nil {
		return nil, ErrInvalidRate
	}
	if ltvBps == 0 || ltvBps > BasisPoints {
		return nil, fmt.Errorf("lending engine: ltv %d bps out of range", ltvBps)
	}
	factor, overflow := new(uint256.Int).MulOverflow(r, uint256.NewInt(ltvBps))
	if overflow {
		return nil, ErrArithmeticOverflow
	}
	return factor, nil
}

// MaxBorrowable converts a deposit-asset amount into the loan-currency amount
// it can back at the given rate and LTV. The result rounds down.
//
//	floor(deposit * rate * ltvBps / 10^16)
//
// The product is evaluated with a 512-bit intermediate so large balances do
// not lose precision before the division.
func MaxBorrowable(deposit, rate *big.Int, ltvBps uint64) (*big.Int, error) {
	d, err := toUint256(deposit)
	if err != nil {
		return nil, err
	}
	factor, err := rateFactor(rate, ltvBps)
	if err != nil {
		return nil, err
	}
	out, overflow := new(uint256.Int).MulDivOverflow(d, factor, conversionDenominator)
	if overflow {
		return nil, ErrArithmeticOverflow
	}
	return out.ToBig(), nil
}

// RequiredCollateral is the inverse of MaxBorrowable: the smallest deposit
// whose borrowing capacity covers loan. The result rounds up.
//
//	ceil(loan * 10^16 / (rate * ltvBps))
//
// Rounding in opposite directions keeps both conversions in the protocol's
// favour: RequiredCollateral(MaxBorrowable(d)) <= d and
// MaxBorrowable(RequiredCollateral(x)) >= x. A deposit that is converted
// out and back loses less than one loan-currency unit worth of deposit asset,
// that is at most ceil(10^16 / (rate * ltvBps)) smallest deposit units.
func RequiredCollateral(loan, rate *big.Int, ltvBps uint64) (*big.Int, error) {
	l, err := toUint256(loan)
	if err != nil {
		return nil, err
	}
	factor, err := rateFactor(rate, ltvBps)
	if err != nil {
		return nil, err
	}
	if factor.IsZero() {
		return nil, ErrInvalidRate
	}
	quotient, overflow := new(uint256.Int).MulDivOverflow(l, conversionDenominator, factor)
	if overflow {
		return nil, ErrArithmeticOverflow
	}
	if rem := new(uint256.Int).MulMod(l, conversionDenominator, factor); !rem.IsZero() {
		if _, overflow = quotient.AddOverflow(quotient, one256); overflow {
			return nil, ErrArithmeticOverflow
		}
	}
	return quotient.ToBig(), nil
}

// ValidateRate checks that rate is positive and inside the configured band.
func ValidateRate(rate *big.Int, params RiskParameters) error {
	if rate == nil || rate.Sign() <= 0 {
		return ErrInvalidRate
	}
	if _, overflow := uint256.FromBig(rate); overflow {
		return ErrInvalidRate
	}
	if params.MinRate != nil && rate.Cmp(params.MinRate) < 0 {
		return fmt.Errorf("%w: %s below minimum %s", ErrInvalidRate, rate, params.MinRate)
	}
	if params.MaxRate != nil && params.MaxRate.Sign() > 0 && rate.Cmp(params.MaxRate) > 0 {
		return fmt.Errorf("%w: %s above maximum %s", ErrInvalidRate, rate, params.MaxRate)
	}
	return nil
}

// checkedAdd returns a+b, failing when the sum no longer fits in 256 bits.
func checkedAdd(a, b *big.Int) (*big.Int, error) {
	sum := new(big.Int).Add(cloneInt(a), cloneInt(b))
	if sum.BitLen() > 256 {
		return nil, ErrArithmeticOverflow
	}
	return sum, nil
}
