// Chatsync - Conversation Synchronization Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/chatsync

package config

import (
	"fmt"
	"time"

	"github.com/tomtom215/chatsync/internal/validation"
)

// Validate checks that required configuration is present and valid
func (c *Config) Validate() error {
	if err := validation.Validate(c); err != nil {
		return err
	}

	if err := c.validateEndpoints(); err != nil {
		return err
	}

	if err := c.validateTimers(); err != nil {
		return err
	}

	return c.validateStorage()
}

// validateEndpoints checks URL schemes beyond the generic url tag.
func (c *Config) validateEndpoints() error {
	if err := validateWebSocketURL(c.Transport.URL, "TRANSPORT_URL"); err != nil {
		return err
	}
	return validateHTTPURL(c.Remote.BaseURL, "REMOTE_BASE_URL")
}

// validateTimers rejects non-positive durations and inconsistent combinations.
func (c *Config) validateTimers() error {
	positive := []struct {
		name  string
		value time.Duration
	}{
		{"transport.handshake_timeout", c.Transport.HandshakeTimeout},
		{"transport.ping_interval", c.Transport.PingInterval},
		{"transport.write_timeout", c.Transport.WriteTimeout},
		{"remote.timeout", c.Remote.Timeout},
		{"remote.breaker_timeout", c.Remote.BreakerTimeout},
		{"engine.queue_idle_timeout", c.Engine.QueueIdleTimeout},
		{"engine.recent_window_ttl", c.Engine.RecentWindowTTL},
		{"engine.receipt_flush_interval", c.Engine.ReceiptFlushInterval},
		{"connection.reconnect_delay", c.Connection.ReconnectDelay},
		{"connection.offline_grace", c.Connection.OfflineGrace},
		{"connection.drain_timeout", c.Connection.DrainTimeout},
		{"supervisor.shutdown_timeout", c.Supervisor.ShutdownTimeout},
	}
	for _, p := range positive {
		if p.value <= 0 {
			return fmt.Errorf("%s must be positive, got %v", p.name, p.value)
		}
	}

	if c.Remote.RetryDelay < 0 {
		return fmt.Errorf("remote.retry_delay must not be negative, got %v", c.Remote.RetryDelay)
	}
	if c.Connection.SuppressionWindow < 0 {
		return fmt.Errorf("connection.suppression_window must not be negative, got %v", c.Connection.SuppressionWindow)
	}
	if c.Transport.WriteTimeout >= c.Transport.PingInterval {
		return fmt.Errorf("transport.write_timeout (%v) must be shorter than transport.ping_interval (%v)",
			c.Transport.WriteTimeout, c.Transport.PingInterval)
	}
	return nil
}

func (c *Config) validateStorage() error {
	if !c.Storage.InMemory && c.Storage.Path == "" {
		return fmt.Errorf("storage.path is required unless storage.in_memory is set")
	}
	return nil
}
