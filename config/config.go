package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Environment variables that override secrets so they can stay out of the
// configuration file.
const (
	EnvHMACSecret = "BOBVAULT_AUTH_HMAC_SECRET"
	EnvJournalDSN = "BOBVAULT_JOURNAL_DSN"
)

// Default returns the configuration used for any value the file omits.
func Default() Config {
	return Config{
		ListenAddress: ":8088",
		DataDir:       "./bobvault-data",
		Environment:   "local",
		Logging:       LoggingConfig{Level: "info"},
		Auth:          AuthConfig{Leeway: 30 * time.Second},
		RateLimit:     RateLimitConfig{RequestsPerSecond: 10, Burst: 20},
		Journal:       JournalConfig{Driver: "sqlite"},
		Idempotency:   IdempotencyConfig{TTL: 24 * time.Hour},
		Recovery:      RecoveryConfig{Interval: time.Minute, MaxElapsed: 10 * time.Minute},
	}
}

// Load reads a TOML or YAML file, chosen by extension, applies environment
// overrides and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()
	if strings.TrimSpace(path) == "" {
		return cfg, fmt.Errorf("config path required")
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		file, err := os.Open(path)
		if err != nil {
			return Config{}, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()
		decoder := yaml.NewDecoder(file)
		decoder.KnownFields(true)
		if err := decoder.Decode(&cfg); err != nil {
			return Config{}, fmt.Errorf("decode config: %w", err)
		}
	default:
		meta, err := toml.DecodeFile(path, &cfg)
		if err != nil {
			return Config{}, fmt.Errorf("decode config: %w", err)
		}
		if undecoded := meta.Undecoded(); len(undecoded) > 0 {
			return Config{}, fmt.Errorf("config file %s has unknown field %s", path, undecoded[0])
		}
	}

	cfg.applyEnv()
	cfg.normalize()
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (cfg *Config) applyEnv() {
	if secret, ok := os.LookupEnv(EnvHMACSecret); ok {
		cfg.Auth.HMACSecret = secret
	}
	if dsn, ok := os.LookupEnv(EnvJournalDSN); ok {
		cfg.Journal.DSN = dsn
	}
}

func (cfg *Config) normalize() {
	defaults := Default()
	cfg.ListenAddress = strings.TrimSpace(cfg.ListenAddress)
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = defaults.ListenAddress
	}
	cfg.DataDir = strings.TrimSpace(cfg.DataDir)
	if cfg.DataDir == "" {
		cfg.DataDir = defaults.DataDir
	}
	cfg.Environment = strings.TrimSpace(cfg.Environment)
	cfg.TLS.CertPath = strings.TrimSpace(cfg.TLS.CertPath)
	cfg.TLS.KeyPath = strings.TrimSpace(cfg.TLS.KeyPath)

	cfg.Auth.HMACSecret = strings.TrimSpace(cfg.Auth.HMACSecret)
	cfg.Auth.Issuer = strings.TrimSpace(cfg.Auth.Issuer)
	cfg.Auth.Audience = strings.TrimSpace(cfg.Auth.Audience)

	cfg.Journal.Driver = strings.ToLower(strings.TrimSpace(cfg.Journal.Driver))
	if cfg.Journal.Driver == "" {
		cfg.Journal.Driver = defaults.Journal.Driver
	}
	cfg.Journal.DSN = strings.TrimSpace(cfg.Journal.DSN)
	if cfg.Journal.DSN == "" && cfg.Journal.Driver == "sqlite" {
		cfg.Journal.DSN = filepath.Join(cfg.DataDir, "journal.db")
	}
	cfg.Idempotency.Path = strings.TrimSpace(cfg.Idempotency.Path)
	if cfg.Idempotency.Path == "" {
		cfg.Idempotency.Path = filepath.Join(cfg.DataDir, "idempotency.db")
	}
	if cfg.Idempotency.TTL <= 0 {
		cfg.Idempotency.TTL = defaults.Idempotency.TTL
	}
	if cfg.Recovery.Interval <= 0 {
		cfg.Recovery.Interval = defaults.Recovery.Interval
	}
	if cfg.Recovery.MaxElapsed <= 0 {
		cfg.Recovery.MaxElapsed = defaults.Recovery.MaxElapsed
	}
}

// StatePath is the LevelDB directory holding ledger state.
func (cfg Config) StatePath() string {
	return filepath.Join(cfg.DataDir, "state")
}
