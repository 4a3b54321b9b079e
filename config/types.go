package config

import (
	"time"

	"bobvault/native/lending"
)

// Config captures the runtime settings for the bobvault daemon.
type Config struct {
	ListenAddress string            `toml:"ListenAddress" yaml:"listen"`
	DataDir       string            `toml:"DataDir" yaml:"data_dir"`
	Environment   string            `toml:"Environment" yaml:"environment"`
	TLS           TLSConfig         `toml:"tls" yaml:"tls"`
	Logging       LoggingConfig     `toml:"logging" yaml:"logging"`
	Lending       lending.Config    `toml:"lending" yaml:"lending"`
	Auth          AuthConfig        `toml:"auth" yaml:"auth"`
	RateLimit     RateLimitConfig   `toml:"ratelimit" yaml:"ratelimit"`
	Journal       JournalConfig     `toml:"journal" yaml:"journal"`
	Idempotency   IdempotencyConfig `toml:"idempotency" yaml:"idempotency"`
	Recovery      RecoveryConfig    `toml:"recovery" yaml:"recovery"`
	Telemetry     TelemetryConfig   `toml:"telemetry" yaml:"telemetry"`
	Sandbox       SandboxConfig     `toml:"sandbox" yaml:"sandbox"`
}

// TLSConfig describes the TLS material for the HTTP server.
type TLSConfig struct {
	CertPath      string `toml:"CertPath" yaml:"cert"`
	KeyPath       string `toml:"KeyPath" yaml:"key"`
	AllowInsecure bool   `toml:"AllowInsecure" yaml:"allow_insecure"`
}

// LoggingConfig mirrors logging.Config.
type LoggingConfig struct {
	Level      string `toml:"Level" yaml:"level"`
	File       string `toml:"File" yaml:"file"`
	MaxSizeMB  int    `toml:"MaxSizeMB" yaml:"max_size_mb"`
	MaxBackups int    `toml:"MaxBackups" yaml:"max_backups"`
	MaxAgeDays int    `toml:"MaxAgeDays" yaml:"max_age_days"`
}

// AuthConfig configures bearer token validation. Tokens are HMAC-signed JWTs
// whose subject is the caller's hex address.
type AuthConfig struct {
	HMACSecret string        `toml:"HMACSecret" yaml:"hmac_secret"`
	Issuer     string        `toml:"Issuer" yaml:"issuer"`
	Audience   string        `toml:"Audience" yaml:"audience"`
	Leeway     time.Duration `toml:"Leeway" yaml:"leeway"`
}

// RateLimitConfig bounds per-caller request rates.
type RateLimitConfig struct {
	RequestsPerSecond float64 `toml:"RequestsPerSecond" yaml:"requests_per_second"`
	Burst             int     `toml:"Burst" yaml:"burst"`
}

// JournalConfig selects the audit journal database.
type JournalConfig struct {
	Driver string `toml:"Driver" yaml:"driver"`
	DSN    string `toml:"DSN" yaml:"dsn"`
}

// IdempotencyConfig configures replay protection for mutating requests.
type IdempotencyConfig struct {
	Path string        `toml:"Path" yaml:"path"`
	TTL  time.Duration `toml:"TTL" yaml:"ttl"`
}

// RecoveryConfig drives the background resumption of stalled deposits.
type RecoveryConfig struct {
	Enabled    bool          `toml:"Enabled" yaml:"enabled"`
	Interval   time.Duration `toml:"Interval" yaml:"interval"`
	MaxElapsed time.Duration `toml:"MaxElapsed" yaml:"max_elapsed"`
}

// TelemetryConfig mirrors the OpenTelemetry exporter settings.
type TelemetryConfig struct {
	Endpoint    string  `toml:"Endpoint" yaml:"endpoint"`
	Insecure    bool    `toml:"Insecure" yaml:"insecure"`
	Headers     string  `toml:"Headers" yaml:"headers"`
	Traces      bool    `toml:"Traces" yaml:"traces"`
	Metrics     bool    `toml:"Metrics" yaml:"metrics"`
	SampleRatio float64 `toml:"SampleRatio" yaml:"sample_ratio"`
}

// SandboxConfig seeds the in-memory token and pool used outside production.
type SandboxConfig struct {
	PoolAddress string            `toml:"PoolAddress" yaml:"pool_address"`
	Balances    map[string]string `toml:"Balances" yaml:"balances"`
}
