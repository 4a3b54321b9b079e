package lending

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/shopspring/decimal"
)

// ParseUnits converts a human-readable decimal such as "1000.50" into the
// smallest unit of a quantity with the given number of fractional digits.
// Values with more precision than the unit allows are rejected rather than
// rounded.
func ParseUnits(value string, decimals int32) (*big.Int, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil, ErrInvalidAmount
	}
	d, err := decimal.NewFromString(trimmed)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidAmount, err)
	}
	if d.IsNegative() {
		return nil, ErrInvalidAmount
	}
	scaled := d.Shift(decimals)
	if !scaled.IsInteger() {
		return nil, fmt.Errorf("%w: more than %d fractional digits", ErrInvalidAmount, decimals)
	}
	out := scaled.BigInt()
	if out.BitLen() > 256 {
		return nil, ErrInvalidAmount
	}
	return out, nil
}

// FormatUnits renders a smallest-unit amount with exactly decimals
// fractional digits.
func FormatUnits(value *big.Int, decimals int32) string {
	if value == nil {
		value = big.NewInt(0)
	}
	return decimal.NewFromBigInt(value, -decimals).StringFixed(decimals)
}
