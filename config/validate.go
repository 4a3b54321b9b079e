package config

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

func (cfg *Config) validate() error {
	if cfg == nil {
		return fmt.Errorf("configuration is missing")
	}
	if _, err := cfg.Lending.RiskParameters(); err != nil {
		return err
	}
	if _, err := cfg.Lending.CustodyAddress(); err != nil {
		return err
	}
	if err := cfg.TLS.validate(); err != nil {
		return fmt.Errorf("tls: %w", err)
	}
	if len(cfg.Auth.HMACSecret) < 32 {
		return fmt.Errorf("auth: hmac secret must be at least 32 bytes (set %s)", EnvHMACSecret)
	}
	if cfg.RateLimit.RequestsPerSecond < 0 || cfg.RateLimit.Burst < 0 {
		return fmt.Errorf("ratelimit: values must not be negative")
	}
	switch cfg.Journal.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("journal: unsupported driver %q", cfg.Journal.Driver)
	}
	if cfg.Journal.DSN == "" {
		return fmt.Errorf("journal: dsn required")
	}
	if cfg.Telemetry.SampleRatio < 0 || cfg.Telemetry.SampleRatio > 1 {
		return fmt.Errorf("telemetry: sample ratio must be within [0,1]")
	}
	if addr := cfg.Sandbox.PoolAddress; addr != "" && !common.IsHexAddress(addr) {
		return fmt.Errorf("sandbox: pool address %q is not a hex address", addr)
	}
	for holder := range cfg.Sandbox.Balances {
		if !common.IsHexAddress(holder) {
			return fmt.Errorf("sandbox: balance holder %q is not a hex address", holder)
		}
	}
	return nil
}

func (cfg TLSConfig) validate() error {
	hasCert := cfg.CertPath != ""
	hasKey := cfg.KeyPath != ""
	if hasCert != hasKey {
		return fmt.Errorf("cert and key must either both be provided or both be empty")
	}
	if !cfg.AllowInsecure && !hasCert {
		return fmt.Errorf("cert and key are required unless allow_insecure=true")
	}
	return nil
}

// Enabled reports whether the server should terminate TLS itself.
func (cfg TLSConfig) Enabled() bool {
	return cfg.CertPath != "" && cfg.KeyPath != ""
}
