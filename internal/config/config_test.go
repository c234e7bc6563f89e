// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := Default()

	if cfg.Server.BaseURL == "" {
		t.Error("default base URL should not be empty")
	}
	if cfg.Stream.FlushIntervalMs != 26 {
		t.Errorf("default flush interval = %d, want 26", cfg.Stream.FlushIntervalMs)
	}
	if cfg.FlushInterval() != 26*time.Millisecond {
		t.Errorf("FlushInterval() = %v, want 26ms", cfg.FlushInterval())
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config should validate: %v", err)
	}
}

func TestLoadFromPathMissingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")

	cfg, err := LoadFromPath(path)
	if err != nil {
		t.Fatalf("missing file should fall back to defaults: %v", err)
	}
	if cfg.Stream.FlushIntervalMs != Default().Stream.FlushIntervalMs {
		t.Error("missing file should yield default values")
	}
}

func TestLoadFromPathOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	content := `
[server]
base_url = "https://chat.example.com"
timeout_secs = 30

[stream]
flush_interval_ms = 50

[history]
page_size = 25
`
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadFromPath(path)
	if err != nil {
		t.Fatalf("LoadFromPath failed: %v", err)
	}

	if cfg.Server.BaseURL != "https://chat.example.com" {
		t.Errorf("base URL = %q", cfg.Server.BaseURL)
	}
	if cfg.Server.TimeoutSecs != 30 {
		t.Errorf("timeout = %d, want 30", cfg.Server.TimeoutSecs)
	}
	if cfg.Stream.FlushIntervalMs != 50 {
		t.Errorf("flush interval = %d, want 50", cfg.Stream.FlushIntervalMs)
	}
	if cfg.History.PageSize != 25 {
		t.Errorf("page size = %d, want 25", cfg.History.PageSize)
	}
	// Unset sections keep defaults
	if cfg.Server.MaxRetries != Default().Server.MaxRetries {
		t.Error("unset max_retries should keep default")
	}
}

func TestClampOutOfRangeValues(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	content := `
[stream]
flush_interval_ms = 100000

[history]
page_size = -5
`
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadFromPath(path)
	if err != nil {
		t.Fatalf("LoadFromPath failed: %v", err)
	}

	if cfg.Stream.FlushIntervalMs != 1000 {
		t.Errorf("oversized flush interval should clamp to 1000, got %d", cfg.Stream.FlushIntervalMs)
	}
	if cfg.History.PageSize != Default().History.PageSize {
		t.Errorf("negative page size should reset to default, got %d", cfg.History.PageSize)
	}
}

func TestValidateRejectsBadURL(t *testing.T) {
	tests := []struct {
		name    string
		baseURL string
		wantErr bool
	}{
		{"valid http", "http://localhost:8000", false},
		{"valid https", "https://api.example.com", false},
		{"empty", "", true},
		{"bad scheme", "ftp://example.com", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			cfg.Server.BaseURL = tt.baseURL
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("ROXXLLM_SERVER_URL", "https://env.example.com")
	t.Setenv("ROXXLLM_FLUSH_INTERVAL_MS", "40")

	cfg := Default()
	cfg.ApplyEnvOverrides()

	if cfg.Server.BaseURL != "https://env.example.com" {
		t.Errorf("env base URL not applied: %q", cfg.Server.BaseURL)
	}
	if cfg.Stream.FlushIntervalMs != 40 {
		t.Errorf("env flush interval not applied: %d", cfg.Stream.FlushIntervalMs)
	}
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")

	cfg := Default()
	cfg.Server.BaseURL = "https://saved.example.com"
	cfg.Stream.FlushIntervalMs = 33

	if err := Save(cfg, path); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	// SECURITY: config may hold an API key, file must be owner-only
	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0600 {
		t.Errorf("config file permissions = %o, want 0600", info.Mode().Perm())
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "# roxxllm configuration file") {
		t.Error("saved config missing header comment")
	}

	loaded, err := LoadFromPath(path)
	if err != nil {
		t.Fatalf("reload failed: %v", err)
	}
	if loaded.Server.BaseURL != "https://saved.example.com" {
		t.Errorf("round trip base URL = %q", loaded.Server.BaseURL)
	}
	if loaded.Stream.FlushIntervalMs != 33 {
		t.Errorf("round trip flush interval = %d", loaded.Stream.FlushIntervalMs)
	}
}

func TestWatcherReloads(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")

	if err := Save(Default(), path); err != nil {
		t.Fatal(err)
	}

	reloaded := make(chan *Config, 1)
	w, err := NewWatcher(path, 50*time.Millisecond, func(cfg *Config) {
		select {
		case reloaded <- cfg:
		default:
		}
	})
	if err != nil {
		t.Fatal(err)
	}
	defer w.Close()

	if err := w.Watch(); err != nil {
		t.Fatal(err)
	}

	cfg := Default()
	cfg.Stream.FlushIntervalMs = 75
	if err := Save(cfg, path); err != nil {
		t.Fatal(err)
	}

	select {
	case got := <-reloaded:
		if got.Stream.FlushIntervalMs != 75 {
			t.Errorf("reloaded flush interval = %d, want 75", got.Stream.FlushIntervalMs)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for config reload")
	}
}
