package lending

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// Config captures the runtime configuration for the lending module as it
// appears in the node configuration file. Rates are human-readable decimals
// such as "6.96".
type Config struct {
	Admin     string `toml:"Admin" yaml:"admin"`
	Custody   string `toml:"Custody" yaml:"custody"`
	MaxLTVBps uint64 `toml:"MaxLTVBps" yaml:"max_ltv_bps"`
	MinRate   string `toml:"MinRate" yaml:"min_rate"`
	MaxRate   string `toml:"MaxRate" yaml:"max_rate"`
	Paused    bool   `toml:"Paused" yaml:"paused"`
}

// RiskParameters resolves the configured values into engine parameters.
func (c Config) RiskParameters() (RiskParameters, error) {
	params := DefaultRiskParameters()
	if c.MaxLTVBps != 0 {
		if c.MaxLTVBps > BasisPoints {
			return RiskParameters{}, fmt.Errorf("lending: MaxLTVBps %d exceeds %d", c.MaxLTVBps, BasisPoints)
		}
		params.MaxLTVBps = c.MaxLTVBps
	}
	if trimmed := strings.TrimSpace(c.MinRate); trimmed != "" {
		rate, err := ParseUnits(trimmed, RateDecimals)
		if err != nil {
			return RiskParameters{}, fmt.Errorf("lending: MinRate: %w", err)
		}
		params.MinRate = rate
	}
	if trimmed := strings.TrimSpace(c.MaxRate); trimmed != "" {
		rate, err := ParseUnits(trimmed, RateDecimals)
		if err != nil {
			return RiskParameters{}, fmt.Errorf("lending: MaxRate: %w", err)
		}
		params.MaxRate = rate
	}
	if params.MinRate.Sign() <= 0 {
		return RiskParameters{}, fmt.Errorf("lending: MinRate must be positive")
	}
	if params.MaxRate.Cmp(params.MinRate) < 0 {
		return RiskParameters{}, fmt.Errorf("lending: MaxRate below MinRate")
	}
	admin, err := parseAddress("Admin", c.Admin)
	if err != nil {
		return RiskParameters{}, err
	}
	params.Admin = admin
	return params, nil
}

// CustodyAddress returns the address the yield pool credits deposits to.
func (c Config) CustodyAddress() (common.Address, error) {
	return parseAddress("Custody", c.Custody)
}

func parseAddress(field, value string) (common.Address, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return common.Address{}, fmt.Errorf("lending: %s address required", field)
	}
	if !common.IsHexAddress(trimmed) {
		return common.Address{}, fmt.Errorf("lending: %s %q is not a hex address", field, trimmed)
	}
	return common.HexToAddress(trimmed), nil
}
