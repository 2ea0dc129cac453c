// Chatsync - Conversation Synchronization Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/chatsync

package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// DefaultConfigPaths lists the paths where config files are searched in order of priority.
// The first file found will be used.
var DefaultConfigPaths = []string{
	"config.yaml",
	"config.yml",
	"/etc/chatsync/config.yaml",
	"/etc/chatsync/config.yml",
}

// ConfigPathEnvVar is the environment variable that can override the config file path.
const ConfigPathEnvVar = "CONFIG_PATH"

// defaultConfig returns a Config struct with all default values.
// These defaults are applied first, then overridden by config file and env vars.
func defaultConfig() *Config {
	return &Config{
		Identity: IdentityConfig{
			SelfID:   "",
			DeviceID: 1,
		},
		Transport: TransportConfig{
			URL:              "",
			HandshakeTimeout: 15 * time.Second,
			PingInterval:     30 * time.Second,
			WriteTimeout:     10 * time.Second,
			ReadLimit:        4 << 20,
		},
		Remote: RemoteConfig{
			BaseURL:                 "",
			Timeout:                 30 * time.Second,
			RetryAttempts:           3,
			RetryDelay:              2 * time.Second,
			BreakerFailureThreshold: 5,
			BreakerTimeout:          60 * time.Second,
			RateLimit:               10,
			RateBurst:               5,
		},
		Storage: StorageConfig{
			Path:       "/data/chatsync",
			InMemory:   false,
			SyncWrites: true,
			GCInterval: 10 * time.Minute,
		},
		Engine: EngineConfig{
			QueueCapacity:        256,
			QueueIdleTimeout:     30 * time.Second,
			RecentWindowSize:     5000,
			RecentWindowTTL:      10 * time.Minute,
			ReceiptFlushInterval: 500 * time.Millisecond,
			GapFillMaxRange:      500,
		},
		Connection: ConnectionConfig{
			ReconnectDelay:    5 * time.Second,
			MaxAttempts:       10,
			OfflineGrace:      time.Second,
			SuppressionWindow: 10 * time.Second,
			DrainTimeout:      60 * time.Second,
		},
		Server: ServerConfig{
			Enabled: true,
			Host:    "127.0.0.1",
			Port:    8780,
			Timeout: 30 * time.Second,

			RateLimitRequests: 600,
			RateLimitWindow:   time.Minute,
			AllowedOrigins:    []string{"http://localhost:8780"},
		},
		Supervisor: SupervisorConfig{
			FailureThreshold: 5,
			FailureDecay:     30,
			FailureBackoff:   15 * time.Second,
			ShutdownTimeout:  10 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Caller: false,
		},
	}
}

// Load loads configuration using Koanf v2 with layered sources:
//  1. Defaults: Built-in defaults
//  2. Config File: Optional YAML config file (if exists)
//  3. Environment Variables: Override any mapped setting
//
// The merged configuration is validated before it is returned.
func Load() (*Config, error) {
	return load(findConfigFile())
}

// LoadFile is Load with an explicit config file path. An empty path skips the file layer.
func LoadFile(path string) (*Config, error) {
	return load(path)
}

func load(configPath string) (*Config, error) {
	k := koanf.New(".")

	// Layer 1: Load defaults from struct
	if err := k.Load(structs.Provider(defaultConfig(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	// Layer 2: Load config file (optional)
	if configPath != "" {
		if err := k.Load(file.Provider(configPath), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", configPath, err)
		}
	}

	// Layer 3: Load environment variables (highest priority)
	if err := k.Load(env.Provider("", ".", envTransformFunc), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	if err := processSliceFields(k); err != nil {
		return nil, fmt.Errorf("failed to process slice fields: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// findConfigFile searches for a config file in the default paths.
// Returns the path to the first file found, or empty string if none found.
func findConfigFile() string {
	if envPath := os.Getenv(ConfigPathEnvVar); envPath != "" {
		if _, err := os.Stat(envPath); err == nil {
			return envPath
		}
	}

	for _, path := range DefaultConfigPaths {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}

	return ""
}

// envMappings maps environment variable names (lowercased) to koanf paths.
var envMappings = map[string]string{
	// Identity
	"chatsync_self_id":   "identity.self_id",
	"chatsync_device_id": "identity.device_id",
	"chatsync_token":     "identity.token",

	// Transport
	"transport_url":               "transport.url",
	"transport_handshake_timeout": "transport.handshake_timeout",
	"transport_ping_interval":     "transport.ping_interval",
	"transport_write_timeout":     "transport.write_timeout",
	"transport_read_limit":        "transport.read_limit",

	// Remote
	"remote_base_url":                  "remote.base_url",
	"remote_timeout":                   "remote.timeout",
	"remote_retry_attempts":            "remote.retry_attempts",
	"remote_retry_delay":               "remote.retry_delay",
	"remote_breaker_failure_threshold": "remote.breaker_failure_threshold",
	"remote_breaker_timeout":           "remote.breaker_timeout",
	"remote_rate_limit":                "remote.rate_limit",
	"remote_rate_burst":                "remote.rate_burst",

	// Storage
	"storage_path":        "storage.path",
	"storage_in_memory":   "storage.in_memory",
	"storage_sync_writes": "storage.sync_writes",
	"storage_gc_interval": "storage.gc_interval",

	// Engine
	"engine_queue_capacity":         "engine.queue_capacity",
	"engine_queue_idle_timeout":     "engine.queue_idle_timeout",
	"engine_recent_window_size":     "engine.recent_window_size",
	"engine_recent_window_ttl":      "engine.recent_window_ttl",
	"engine_receipt_flush_interval": "engine.receipt_flush_interval",
	"engine_gap_fill_max_range":     "engine.gap_fill_max_range",

	// Connection
	"reconnect_delay":        "connection.reconnect_delay",
	"reconnect_max_attempts": "connection.max_attempts",
	"offline_grace":          "connection.offline_grace",
	"suppression_window":     "connection.suppression_window",
	"drain_timeout":          "connection.drain_timeout",

	// Server
	"http_enabled":             "server.enabled",
	"http_host":                "server.host",
	"http_port":                "server.port",
	"http_timeout":             "server.timeout",
	"http_rate_limit_requests": "server.rate_limit_requests",
	"http_rate_limit_window":   "server.rate_limit_window",
	"http_allowed_origins":     "server.allowed_origins",

	// Supervisor
	"supervisor_failure_threshold": "supervisor.failure_threshold",
	"supervisor_failure_decay":     "supervisor.failure_decay",
	"supervisor_failure_backoff":   "supervisor.failure_backoff",
	"supervisor_shutdown_timeout":  "supervisor.shutdown_timeout",

	// Logging
	"log_level":  "logging.level",
	"log_format": "logging.format",
	"log_caller": "logging.caller",
}

// envTransformFunc transforms environment variable names to koanf config paths.
//
// Examples:
//   - CHATSYNC_SELF_ID -> identity.self_id
//   - TRANSPORT_URL -> transport.url
//   - RECONNECT_DELAY -> connection.reconnect_delay
//   - LOG_LEVEL -> logging.level
func envTransformFunc(key string) string {
	if mapped, ok := envMappings[strings.ToLower(key)]; ok {
		return mapped
	}

	// Unmapped keys are skipped so unrelated environment variables never leak in.
	return ""
}

// sliceConfigPaths lists config paths given as comma-separated strings in the
// environment.
var sliceConfigPaths = []string{
	"server.allowed_origins",
}

// processSliceFields converts comma-separated string values to slices for
// the known slice fields. Values already loaded as slices are left alone.
func processSliceFields(k *koanf.Koanf) error {
	for _, path := range sliceConfigPaths {
		strVal, ok := k.Get(path).(string)
		if !ok || strVal == "" {
			continue
		}
		parts := strings.Split(strVal, ",")
		trimmed := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				trimmed = append(trimmed, p)
			}
		}
		if len(trimmed) == 0 {
			continue
		}
		if err := k.Set(path, trimmed); err != nil {
			return fmt.Errorf("failed to set %s: %w", path, err)
		}
	}
	return nil
}
