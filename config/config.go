// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package config provides configuration loading for the overflow
// recovery core.
//
// Supports TOML configuration files with sensible defaults and
// environment variable overrides. The resulting Config is plumbed
// explicitly into constructors; nothing in this library reads ambient
// process state at decision time, keeping the retry loop deterministic
// and unit-testable.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"

	"github.com/BurntSushi/toml"
)

// =============================================================================
// CONFIG STRUCTURE
// =============================================================================

// Config holds the recognized settings for overflow recovery.
type Config struct {
	// MaxContextRetries bounds total send attempts per request.
	// Must be >= 1.
	MaxContextRetries int `toml:"max_context_retries"`

	// RetryRatePerSec paces resends when positive. Zero disables
	// pacing.
	RetryRatePerSec float64 `toml:"retry_rate_per_sec"`

	// FallbackFraction is the share of evictable history dropped when
	// an overflow carries no parseable token counts. Zero means the
	// planner default (0.25).
	FallbackFraction float64 `toml:"fallback_fraction"`

	// EphemeralPrefix marks non-durable conversation identifiers the
	// ledger must never persist.
	EphemeralPrefix string `toml:"ephemeral_prefix"`
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() Config {
	return Config{
		MaxContextRetries: 3,
		EphemeralPrefix:   "local-",
	}
}

// =============================================================================
// LOADING
// =============================================================================

// Environment variable overrides, applied after file loading.
const (
	EnvMaxRetries      = "CTXRECOVER_MAX_RETRIES"
	EnvEphemeralPrefix = "CTXRECOVER_EPHEMERAL_PREFIX"
)

// Load reads configuration from a TOML file, falling back to defaults
// when the file does not exist, then applies environment overrides.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if _, err := toml.DecodeFile(path, &cfg); err != nil {
				return cfg, fmt.Errorf("parsing config file: %w", err)
			}
		} else if !os.IsNotExist(err) {
			return cfg, fmt.Errorf("reading config file: %w", err)
		}
	}

	applyEnvOverrides(&cfg)

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// applyEnvOverrides folds environment variables into the config.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv(EnvMaxRetries); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MaxContextRetries = n
		}
	}
	if v := os.Getenv(EnvEphemeralPrefix); v != "" {
		cfg.EphemeralPrefix = v
	}
}

// =============================================================================
// VALIDATION
// =============================================================================

// Validate checks the configuration for out-of-range values.
func (c Config) Validate() error {
	if c.MaxContextRetries < 1 {
		return errors.New("max_context_retries must be at least 1")
	}
	if c.RetryRatePerSec < 0 {
		return errors.New("retry_rate_per_sec must not be negative")
	}
	if c.FallbackFraction < 0 || c.FallbackFraction >= 1 {
		return errors.New("fallback_fraction must be in [0, 1)")
	}
	return nil
}
