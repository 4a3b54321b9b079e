package lending

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// DefaultMaxLTVBps is the fraction of deposit value that may be borrowed.
const DefaultMaxLTVBps uint64 = 5_000

var (
	// DefaultMinRate is 1.00000000 BOB per deposit unit.
	DefaultMinRate = big.NewInt(100_000_000)
	// DefaultMaxRate is 100.00000000 BOB per deposit unit.
	DefaultMaxRate = big.NewInt(10_000_000_000)
)

// RiskParameters captures the collateral policy applied by the engine.
type RiskParameters struct {
	// MaxLTVBps bounds debt relative to deposit value, in basis points.
	MaxLTVBps uint64
	// MinRate and MaxRate bound the caller-supplied exchange rate. A nil
	// bound is not enforced.
	MinRate *big.Int
	MaxRate *big.Int
	// Admin is the only identity allowed to fulfil loans, record repayments
	// and resume stalled deposits.
	Admin common.Address
}

// DefaultRiskParameters returns the parameters used when nothing is configured.
func DefaultRiskParameters() RiskParameters {
	return RiskParameters{
		MaxLTVBps: DefaultMaxLTVBps,
		MinRate:   new(big.Int).Set(DefaultMinRate),
		MaxRate:   new(big.Int).Set(DefaultMaxRate),
	}
}

// Clone returns a deep copy of the parameters.
func (p RiskParameters) Clone() RiskParameters {
	clone := RiskParameters{MaxLTVBps: p.MaxLTVBps, Admin: p.Admin}
	if p.MinRate != nil {
		clone.MinRate = new(big.Int).Set(p.MinRate)
	}
	if p.MaxRate != nil {
		clone.MaxRate = new(big.Int).Set(p.MaxRate)
	}
	return clone
}

func (p RiskParameters) ltv() uint64 {
	if p.MaxLTVBps == 0 {
		return DefaultMaxLTVBps
	}
	return p.MaxLTVBps
}
