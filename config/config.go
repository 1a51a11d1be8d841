// Package config loads the bridge's runtime configuration from a YAML file,
// with environment overrides for secrets that should not live on disk.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvMerchantKey overrides the merchant signing key from the environment.
const EnvMerchantKey = "EPAY_MERCHANT_KEY"

// Config is the full runtime configuration.
type Config struct {
	// ListenAddr is the HTTP bind address, host:port.
	ListenAddr string `yaml:"listen_addr"`

	// DatabasePath is the bolt database file. The parent directory must
	// exist; the file is created on first open.
	DatabasePath string `yaml:"database_path"`

	// MerchantKey signs and verifies gateway notifications. Prefer setting
	// it through EPAY_MERCHANT_KEY instead of the file.
	MerchantKey string `yaml:"merchant_key"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"log_level"`

	// StorageTimeout bounds each storage operation during reconciliation.
	StorageTimeout time.Duration `yaml:"storage_timeout"`

	// ReturnURLs maps a tenant's Saleor API URL to its fallback redirect
	// target. The literal token {transaction_id} in a target is replaced
	// with the transaction being redirected.
	ReturnURLs map[string]string `yaml:"return_urls"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		ListenAddr:     ":8000",
		DatabasePath:   "epay-bridge.db",
		LogLevel:       "info",
		StorageTimeout: 5 * time.Second,
	}
}

// Load reads the YAML file at path, fills unset fields with defaults, and
// applies environment overrides. An empty path loads defaults only.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	if key := os.Getenv(EnvMerchantKey); key != "" {
		cfg.MerchantKey = key
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.ListenAddr == "" {
		return fmt.Errorf("config: listen_addr must not be empty")
	}
	if c.DatabasePath == "" {
		return fmt.Errorf("config: database_path must not be empty")
	}
	if c.MerchantKey == "" {
		return fmt.Errorf("config: merchant_key is required (set %s)", EnvMerchantKey)
	}
	if c.StorageTimeout <= 0 {
		return fmt.Errorf("config: storage_timeout must be positive")
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: unknown log_level %q", c.LogLevel)
	}
	return nil
}
