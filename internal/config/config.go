// Chatsync - Conversation Synchronization Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/chatsync

// Package config loads chatsync configuration.
//
// Configuration Loading Order (Koanf v2):
//  1. Defaults: Built-in defaults for every setting
//  2. Config File: Optional YAML config file (config.yaml, or CONFIG_PATH)
//  3. Environment Variables: Override any mapped setting
//
// Configuration Categories:
//
//  1. Identity: the local account id and device id used for self-echo detection
//  2. Transport & Remote: push websocket endpoint and pull API endpoint
//  3. Engine & Connection: queue sizing, dedup window, reconnect and suppression timers
//  4. Storage: badger directory
//  5. Server & Supervisor: health/metrics HTTP server and suture tree tuning
//  6. Logging: level and output format
package config

import (
	"fmt"
	"time"
)

// Config holds all application configuration.
type Config struct {
	Identity   IdentityConfig   `koanf:"identity"`
	Transport  TransportConfig  `koanf:"transport"`
	Remote     RemoteConfig     `koanf:"remote"`
	Storage    StorageConfig    `koanf:"storage"`
	Engine     EngineConfig     `koanf:"engine"`
	Connection ConnectionConfig `koanf:"connection"`
	Server     ServerConfig     `koanf:"server"`
	Supervisor SupervisorConfig `koanf:"supervisor"`
	Logging    LoggingConfig    `koanf:"logging"`
}

// IdentityConfig identifies the local account and device.
// A notification whose operator and operator device match these values is a
// self-echo.
type IdentityConfig struct {
	// SelfID is the local account id ("+" followed by digits).
	SelfID string `koanf:"self_id" validate:"required,directid"`

	// DeviceID is the local device number.
	DeviceID int `koanf:"device_id" validate:"min=1"`

	// Token authenticates both the push transport and the pull API.
	Token string `koanf:"token"`
}

// TransportConfig configures the push websocket session.
type TransportConfig struct {
	// URL is the websocket endpoint (ws:// or wss://).
	URL string `koanf:"url" validate:"required,url"`

	// HandshakeTimeout bounds the websocket dial.
	// Default: 15s
	HandshakeTimeout time.Duration `koanf:"handshake_timeout"`

	// PingInterval is the keepalive period. The read deadline is twice this value.
	// Default: 30s
	PingInterval time.Duration `koanf:"ping_interval"`

	// WriteTimeout bounds every frame write (acks, pings, close).
	// Default: 10s
	WriteTimeout time.Duration `koanf:"write_timeout"`

	// ReadLimit is the maximum frame size in bytes.
	// Default: 4MB
	ReadLimit int64 `koanf:"read_limit" validate:"min=1024"`
}

// RemoteConfig configures the pull API client used for full reloads.
type RemoteConfig struct {
	// BaseURL is the API root, e.g. https://chat.example.com
	BaseURL string `koanf:"base_url" validate:"required,url"`

	// Timeout is the per-request timeout.
	// Default: 30s
	Timeout time.Duration `koanf:"timeout"`

	// RetryAttempts is the number of attempts for transient failures.
	// Default: 3
	RetryAttempts int `koanf:"retry_attempts" validate:"min=1,max=20"`

	// RetryDelay is the fixed delay between attempts.
	// Default: 2s
	RetryDelay time.Duration `koanf:"retry_delay"`

	// BreakerFailureThreshold is the number of consecutive failures that
	// opens the circuit breaker and marks the endpoint degraded.
	// Default: 5
	BreakerFailureThreshold uint32 `koanf:"breaker_failure_threshold" validate:"min=1"`

	// BreakerTimeout is how long the breaker stays open before a probe.
	// Default: 60s
	BreakerTimeout time.Duration `koanf:"breaker_timeout"`

	// RateLimit caps reload requests per second (0 = unlimited).
	// Default: 10
	RateLimit float64 `koanf:"rate_limit" validate:"min=0"`

	// RateBurst is the limiter burst size.
	// Default: 5
	RateBurst int `koanf:"rate_burst" validate:"min=1"`
}

// StorageConfig configures the badger store.
type StorageConfig struct {
	// Path is the badger directory.
	// Default: /data/chatsync
	Path string `koanf:"path"`

	// InMemory runs badger without touching disk. Intended for tests and demos.
	InMemory bool `koanf:"in_memory"`

	// SyncWrites fsyncs every transaction.
	// Default: true
	SyncWrites bool `koanf:"sync_writes"`

	// GCInterval is how often value log garbage collection runs. Zero disables it.
	// Default: 10m
	GCInterval time.Duration `koanf:"gc_interval"`
}

// EngineConfig tunes the sync engine.
type EngineConfig struct {
	// QueueCapacity is the buffered channel size of each per-aggregate worker.
	// Default: 256
	QueueCapacity int `koanf:"queue_capacity" validate:"min=1"`

	// QueueIdleTimeout reaps a per-aggregate worker after this long without work.
	// Default: 30s
	QueueIdleTimeout time.Duration `koanf:"queue_idle_timeout"`

	// RecentWindowSize is the number of dedup keys kept in memory.
	// Default: 5000
	RecentWindowSize int `koanf:"recent_window_size" validate:"min=1"`

	// RecentWindowTTL expires dedup keys from the in-memory window.
	// Default: 10m
	RecentWindowTTL time.Duration `koanf:"recent_window_ttl"`

	// ReceiptFlushInterval coalesces read receipts per conversation.
	// Default: 500ms
	ReceiptFlushInterval time.Duration `koanf:"receipt_flush_interval"`

	// GapFillMaxRange caps the sequence ids pulled while ingesting one message.
	// The rest of a larger gap is pulled on the conversation's next messages.
	// Default: 500
	GapFillMaxRange int64 `koanf:"gap_fill_max_range" validate:"min=1"`
}

// ConnectionConfig tunes the connection supervisor.
type ConnectionConfig struct {
	// ReconnectDelay is the fixed delay before each reconnect attempt.
	// Default: 5s
	ReconnectDelay time.Duration `koanf:"reconnect_delay"`

	// MaxAttempts consecutive failures mark the endpoint degraded. Retries continue.
	// Default: 10
	MaxAttempts int `koanf:"max_attempts" validate:"min=1"`

	// OfflineGrace delays teardown after a network-offline signal.
	// Default: 1s
	OfflineGrace time.Duration `koanf:"offline_grace"`

	// SuppressionWindow silences presentation of notifications right after a
	// connect. It ends early when the transport reports its queue is empty.
	// Default: 10s
	SuppressionWindow time.Duration `koanf:"suppression_window"`

	// DrainTimeout bounds waiting for in-flight jobs when swapping sessions.
	// Default: 60s
	DrainTimeout time.Duration `koanf:"drain_timeout"`
}

// ServerConfig configures the health and metrics HTTP server.
type ServerConfig struct {
	Enabled bool          `koanf:"enabled"`
	Host    string        `koanf:"host"`
	Port    int           `koanf:"port" validate:"min=1,max=65535"`
	Timeout time.Duration `koanf:"timeout"`

	// RateLimitRequests per RateLimitWindow per client IP. Zero disables limiting.
	// Default: 600 per 1m
	RateLimitRequests int           `koanf:"rate_limit_requests" validate:"min=0"`
	RateLimitWindow   time.Duration `koanf:"rate_limit_window"`

	// AllowedOrigins lists the Origin values accepted on the /v1/events
	// websocket. "*" accepts any origin. Requests without an Origin are rejected.
	// Default: http://localhost:8780
	AllowedOrigins []string `koanf:"allowed_origins"`
}

// Addr returns host:port.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// SupervisorConfig tunes the suture supervisor tree.
type SupervisorConfig struct {
	// FailureThreshold is the number of failures before backoff.
	// Default: 5
	FailureThreshold float64 `koanf:"failure_threshold" validate:"gt=0"`

	// FailureDecay is the rate at which failures decay, in seconds.
	// Default: 30
	FailureDecay float64 `koanf:"failure_decay" validate:"gt=0"`

	// FailureBackoff is the wait after the threshold is exceeded.
	// Default: 15s
	FailureBackoff time.Duration `koanf:"failure_backoff"`

	// ShutdownTimeout bounds each service's shutdown.
	// Default: 10s
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
}

// LoggingConfig configures the zerolog logger.
type LoggingConfig struct {
	// Level is the minimum log level: trace, debug, info, warn, error.
	// Default: info
	Level string `koanf:"level" validate:"oneof=trace debug info warn error"`

	// Format is the output format: json or console.
	// Default: json
	Format string `koanf:"format" validate:"oneof=json console"`

	// Caller includes caller file and line number in logs.
	Caller bool `koanf:"caller"`
}
