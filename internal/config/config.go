// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package config provides unified configuration loading and management.
//
// Supports TOML configuration with sensible defaults, environment variable
// overrides, and validation.
//
// Configuration file locations (in order of precedence):
//   - ~/.roxxllm/config.toml
//   - Built-in defaults
package config

import (
	"bytes"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/Mayank29903/Roxxllm/internal/util"
)

// =============================================================================
// CONFIG STRUCTURES
// =============================================================================

// Config represents the complete engine configuration.
type Config struct {
	// Server configuration
	Server ServerConfig `toml:"server"`

	// Stream configuration
	Stream StreamConfig `toml:"stream"`

	// History configuration
	History HistoryConfig `toml:"history"`

	// Storage configuration
	Storage StorageConfig `toml:"storage"`
}

// ServerConfig contains chat backend connection settings.
type ServerConfig struct {
	// BaseURL is the URL of the chat backend.
	BaseURL string `toml:"base_url"`
	// APIKey is the bearer token for authenticated requests (optional).
	APIKey string `toml:"api_key"`
	// TimeoutSecs is the request timeout for non-streaming calls.
	TimeoutSecs int `toml:"timeout_secs"`
	// MaxRetries is the retry budget for transient request failures.
	MaxRetries int `toml:"max_retries"`
	// RequestsPerSec caps the outgoing request rate (0 = default).
	RequestsPerSec float64 `toml:"requests_per_sec"`
}

// StreamConfig contains streaming tunables.
type StreamConfig struct {
	// FlushIntervalMs is the chunk coalescing interval in milliseconds.
	// Lower values update the visible text more often at higher CPU cost.
	FlushIntervalMs int `toml:"flush_interval_ms"`
	// ReadBufferBytes is the size of each stream read.
	ReadBufferBytes int `toml:"read_buffer_bytes"`
}

// HistoryConfig contains history fetch settings.
type HistoryConfig struct {
	// PageSize is the maximum number of messages fetched per conversation.
	PageSize int `toml:"page_size"`
}

// StorageConfig contains local persistence settings.
type StorageConfig struct {
	// DataDir is the directory for local state (empty = ~/.roxxllm).
	DataDir string `toml:"data_dir"`
}

// =============================================================================
// DEFAULTS
// =============================================================================

// Default returns the built-in default configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			BaseURL:        "http://localhost:8000",
			TimeoutSecs:    60,
			MaxRetries:     3,
			RequestsPerSec: 5,
		},
		Stream: StreamConfig{
			FlushIntervalMs: 26,
			ReadBufferBytes: 4096,
		},
		History: HistoryConfig{
			PageSize: 100,
		},
	}
}

// FlushInterval returns the coalescing interval as a duration.
func (c *Config) FlushInterval() time.Duration {
	return time.Duration(c.Stream.FlushIntervalMs) * time.Millisecond
}

// Timeout returns the non-streaming request timeout as a duration.
func (c *Config) Timeout() time.Duration {
	return time.Duration(c.Server.TimeoutSecs) * time.Second
}

// =============================================================================
// PATHS
// =============================================================================

// ConfigDir returns the configuration directory (~/.roxxllm).
func ConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("could not determine home directory: %w", err)
	}
	return filepath.Join(home, ".roxxllm"), nil
}

// ConfigPath returns the path to the TOML config file.
func ConfigPath() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// DataDir returns the local state directory, honoring the configured
// override.
func (c *Config) DataDir() (string, error) {
	if c.Storage.DataDir != "" {
		return c.Storage.DataDir, nil
	}
	return ConfigDir()
}

// =============================================================================
// LOAD / SAVE
// =============================================================================

// Load loads configuration from the default config file, falling back to
// defaults when the file is absent. Environment overrides are applied
// last, then the result is validated.
func Load() (*Config, error) {
	path, err := ConfigPath()
	if err != nil {
		cfg := Default()
		cfg.ApplyEnvOverrides()
		cfg.clamp()
		return cfg, cfg.Validate()
	}
	return LoadFromPath(path)
}

// LoadFromPath loads configuration from a specific file path. An absent
// file is not an error; defaults are used.
func LoadFromPath(path string) (*Config, error) {
	cfg := Default()

	if _, statErr := os.Stat(path); statErr == nil {
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			return nil, fmt.Errorf("failed to decode config file: %w", err)
		}
	}

	cfg.ApplyEnvOverrides()
	cfg.clamp()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// Save writes the configuration to the given path atomically.
// SECURITY: Creates config files with 0600 permissions (owner read/write
// only) since they may carry an API key.
func Save(cfg *Config, path string) error {
	var buf bytes.Buffer
	fmt.Fprintln(&buf, "# roxxllm configuration file")
	fmt.Fprintln(&buf, "")

	encoder := toml.NewEncoder(&buf)
	if err := encoder.Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}

	// RELIABILITY: Atomic write so a crash never leaves a half-written
	// config behind.
	if err := util.AtomicWriteFile(path, buf.Bytes(), 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// =============================================================================
// ENVIRONMENT OVERRIDES
// =============================================================================

// ApplyEnvOverrides applies ROXXLLM_* environment variables over the
// loaded values.
func (c *Config) ApplyEnvOverrides() {
	if v := os.Getenv("ROXXLLM_SERVER_URL"); v != "" {
		c.Server.BaseURL = v
	}
	if v := os.Getenv("ROXXLLM_API_KEY"); v != "" {
		c.Server.APIKey = v
	}
	if v := os.Getenv("ROXXLLM_FLUSH_INTERVAL_MS"); v != "" {
		if ms, err := strconv.Atoi(v); err == nil {
			c.Stream.FlushIntervalMs = ms
		}
	}
	if v := os.Getenv("ROXXLLM_DATA_DIR"); v != "" {
		c.Storage.DataDir = v
	}
}

// =============================================================================
// VALIDATION
// =============================================================================

// clamp pulls out-of-range tunables back to usable bounds.
func (c *Config) clamp() {
	if c.Stream.FlushIntervalMs <= 0 {
		c.Stream.FlushIntervalMs = Default().Stream.FlushIntervalMs
	}
	if c.Stream.FlushIntervalMs > 1000 {
		c.Stream.FlushIntervalMs = 1000
	}
	if c.Stream.ReadBufferBytes <= 0 {
		c.Stream.ReadBufferBytes = Default().Stream.ReadBufferBytes
	}
	if c.History.PageSize <= 0 {
		c.History.PageSize = Default().History.PageSize
	}
	if c.Server.TimeoutSecs <= 0 {
		c.Server.TimeoutSecs = Default().Server.TimeoutSecs
	}
	if c.Server.MaxRetries < 0 {
		c.Server.MaxRetries = 0
	}
	if c.Server.RequestsPerSec <= 0 {
		c.Server.RequestsPerSec = Default().Server.RequestsPerSec
	}
}

// Validate checks the configuration for unusable values.
func (c *Config) Validate() error {
	if c.Server.BaseURL == "" {
		return fmt.Errorf("server.base_url must be set")
	}
	u, err := url.Parse(c.Server.BaseURL)
	if err != nil {
		return fmt.Errorf("server.base_url is not a valid URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("server.base_url must use http or https, got %q", u.Scheme)
	}
	return nil
}
