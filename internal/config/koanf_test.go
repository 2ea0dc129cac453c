// Chatsync - Conversation Synchronization Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/chatsync

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/knadh/koanf/v2"
)

// TestDefaultConfig verifies that defaultConfig() returns proper defaults
func TestDefaultConfig(t *testing.T) {
	cfg := defaultConfig()

	if cfg.Identity.DeviceID != 1 {
		t.Errorf("Identity.DeviceID = %d, want 1", cfg.Identity.DeviceID)
	}
	if cfg.Connection.ReconnectDelay != 5*time.Second {
		t.Errorf("Connection.ReconnectDelay = %v, want 5s", cfg.Connection.ReconnectDelay)
	}
	if cfg.Connection.OfflineGrace != time.Second {
		t.Errorf("Connection.OfflineGrace = %v, want 1s", cfg.Connection.OfflineGrace)
	}
	if cfg.Engine.QueueCapacity != 256 {
		t.Errorf("Engine.QueueCapacity = %d, want 256", cfg.Engine.QueueCapacity)
	}
	if cfg.Remote.RetryAttempts != 3 {
		t.Errorf("Remote.RetryAttempts = %d, want 3", cfg.Remote.RetryAttempts)
	}
	if cfg.Logging.Level != "info" {
		t.Errorf("Logging.Level = %q, want info", cfg.Logging.Level)
	}
	if cfg.Server.Addr() != "127.0.0.1:8780" {
		t.Errorf("Server.Addr() = %q", cfg.Server.Addr())
	}
}

// TestEnvTransformFunc verifies environment variable name transformations
func TestEnvTransformFunc(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"CHATSYNC_SELF_ID", "identity.self_id"},
		{"CHATSYNC_DEVICE_ID", "identity.device_id"},
		{"TRANSPORT_URL", "transport.url"},
		{"REMOTE_BASE_URL", "remote.base_url"},
		{"REMOTE_RETRY_DELAY", "remote.retry_delay"},
		{"STORAGE_IN_MEMORY", "storage.in_memory"},
		{"ENGINE_QUEUE_CAPACITY", "engine.queue_capacity"},
		{"RECONNECT_DELAY", "connection.reconnect_delay"},
		{"OFFLINE_GRACE", "connection.offline_grace"},
		{"HTTP_PORT", "server.port"},
		{"LOG_LEVEL", "logging.level"},

		// Unknown (should return empty)
		{"RANDOM_VAR", ""},
		{"PATH", ""},
		{"HOME", ""},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			result := envTransformFunc(tt.input)
			if result != tt.expected {
				t.Errorf("envTransformFunc(%q) = %q, want %q", tt.input, result, tt.expected)
			}
		})
	}
}

// TestFindConfigFile verifies config file discovery via CONFIG_PATH
func TestFindConfigFile(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "custom.yaml")
	if err := os.WriteFile(configPath, []byte("logging:\n  level: debug\n"), 0o600); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}

	t.Setenv(ConfigPathEnvVar, configPath)
	if got := findConfigFile(); got != configPath {
		t.Errorf("findConfigFile() = %q, want %q", got, configPath)
	}

	t.Setenv(ConfigPathEnvVar, filepath.Join(tmpDir, "missing.yaml"))
	if got := findConfigFile(); got == filepath.Join(tmpDir, "missing.yaml") {
		t.Error("findConfigFile() returned a path that does not exist")
	}
}

// TestLoadFile_Layering verifies defaults < file < env precedence
func TestLoadFile_Layering(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")
	content := `
identity:
  self_id: "+100"
  device_id: 2
transport:
  url: wss://push.example.com/v1/stream
remote:
  base_url: https://api.example.com
  retry_attempts: 4
connection:
  reconnect_delay: 3s
logging:
  level: debug
`
	if err := os.WriteFile(configPath, []byte(content), 0o600); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}

	t.Setenv("LOG_LEVEL", "warn")
	t.Setenv("ENGINE_QUEUE_CAPACITY", "64")

	cfg, err := LoadFile(configPath)
	if err != nil {
		t.Fatalf("LoadFile() error = %v", err)
	}

	if cfg.Identity.SelfID != "+100" || cfg.Identity.DeviceID != 2 {
		t.Errorf("identity = %+v", cfg.Identity)
	}
	if cfg.Remote.RetryAttempts != 4 {
		t.Errorf("Remote.RetryAttempts = %d, want 4 (file)", cfg.Remote.RetryAttempts)
	}
	if cfg.Connection.ReconnectDelay != 3*time.Second {
		t.Errorf("Connection.ReconnectDelay = %v, want 3s (file)", cfg.Connection.ReconnectDelay)
	}
	if cfg.Logging.Level != "warn" {
		t.Errorf("Logging.Level = %q, want warn (env)", cfg.Logging.Level)
	}
	if cfg.Engine.QueueCapacity != 64 {
		t.Errorf("Engine.QueueCapacity = %d, want 64 (env)", cfg.Engine.QueueCapacity)
	}
	if cfg.Engine.RecentWindowSize != 5000 {
		t.Errorf("Engine.RecentWindowSize = %d, want default 5000", cfg.Engine.RecentWindowSize)
	}
}

func TestLoadFile_MissingIdentity(t *testing.T) {
	t.Setenv("TRANSPORT_URL", "ws://localhost:9000/stream")
	t.Setenv("REMOTE_BASE_URL", "http://localhost:9000")

	_, err := LoadFile("")
	if err == nil {
		t.Fatal("expected validation error without identity.self_id")
	}
	if !strings.Contains(err.Error(), "SelfID") {
		t.Errorf("expected SelfID in error, got %v", err)
	}
}

func TestProcessSliceFields(t *testing.T) {
	k := koanf.New(".")
	if err := k.Set("server.allowed_origins", " http://a.example , ,http://b.example"); err != nil {
		t.Fatal(err)
	}
	if err := processSliceFields(k); err != nil {
		t.Fatalf("processSliceFields() error = %v", err)
	}
	got := k.Strings("server.allowed_origins")
	if len(got) != 2 || got[0] != "http://a.example" || got[1] != "http://b.example" {
		t.Errorf("allowed_origins = %q", got)
	}
}
