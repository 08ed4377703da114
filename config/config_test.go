// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package config

import (
	"os"
	"path/filepath"
	"testing"
)

// =============================================================================
// LOADING TESTS
// =============================================================================

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.toml"))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg != DefaultConfig() {
		t.Errorf("Load() = %+v, want defaults %+v", cfg, DefaultConfig())
	}
}

func TestLoad_EmptyPathUsesDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.MaxContextRetries != 3 {
		t.Errorf("MaxContextRetries = %d, want 3", cfg.MaxContextRetries)
	}
	if cfg.EphemeralPrefix != "local-" {
		t.Errorf("EphemeralPrefix = %q, want %q", cfg.EphemeralPrefix, "local-")
	}
}

func TestLoad_FromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	content := `
max_context_retries = 5
retry_rate_per_sec = 2.0
fallback_fraction = 0.5
ephemeral_prefix = "tmp-"
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.MaxContextRetries != 5 {
		t.Errorf("MaxContextRetries = %d, want 5", cfg.MaxContextRetries)
	}
	if cfg.RetryRatePerSec != 2.0 {
		t.Errorf("RetryRatePerSec = %v, want 2.0", cfg.RetryRatePerSec)
	}
	if cfg.FallbackFraction != 0.5 {
		t.Errorf("FallbackFraction = %v, want 0.5", cfg.FallbackFraction)
	}
	if cfg.EphemeralPrefix != "tmp-" {
		t.Errorf("EphemeralPrefix = %q, want %q", cfg.EphemeralPrefix, "tmp-")
	}
}

func TestLoad_PartialFileKeepsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte("retry_rate_per_sec = 1.5\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.MaxContextRetries != 3 {
		t.Errorf("MaxContextRetries = %d, want default 3", cfg.MaxContextRetries)
	}
	if cfg.RetryRatePerSec != 1.5 {
		t.Errorf("RetryRatePerSec = %v, want 1.5", cfg.RetryRatePerSec)
	}
}

func TestLoad_MalformedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte("max_context_retries = [[[\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	if _, err := Load(path); err == nil {
		t.Error("Load() expected parse error, got nil")
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv(EnvMaxRetries, "7")
	t.Setenv(EnvEphemeralPrefix, "scratch-")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.MaxContextRetries != 7 {
		t.Errorf("MaxContextRetries = %d, want 7 (env override)", cfg.MaxContextRetries)
	}
	if cfg.EphemeralPrefix != "scratch-" {
		t.Errorf("EphemeralPrefix = %q, want %q", cfg.EphemeralPrefix, "scratch-")
	}
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte("max_context_retries = 5\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv(EnvMaxRetries, "9")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.MaxContextRetries != 9 {
		t.Errorf("MaxContextRetries = %d, want 9 (env wins over file)", cfg.MaxContextRetries)
	}
}

// =============================================================================
// VALIDATION TESTS
// =============================================================================

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"defaults valid", func(c *Config) {}, false},
		{"zero retries", func(c *Config) { c.MaxContextRetries = 0 }, true},
		{"negative retries", func(c *Config) { c.MaxContextRetries = -1 }, true},
		{"negative rate", func(c *Config) { c.RetryRatePerSec = -0.5 }, true},
		{"fraction at one", func(c *Config) { c.FallbackFraction = 1.0 }, true},
		{"negative fraction", func(c *Config) { c.FallbackFraction = -0.1 }, true},
		{"fraction just under one", func(c *Config) { c.FallbackFraction = 0.99 }, false},
		{"positive rate", func(c *Config) { c.RetryRatePerSec = 10 }, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
