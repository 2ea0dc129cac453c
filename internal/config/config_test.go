// Chatsync - Conversation Synchronization Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/chatsync

package config

import (
	"strings"
	"testing"
	"time"
)

func validConfig() *Config {
	cfg := defaultConfig()
	cfg.Identity.SelfID = "+100"
	cfg.Transport.URL = "wss://push.example.com/v1/stream"
	cfg.Remote.BaseURL = "https://api.example.com"
	return cfg
}

func TestValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "valid", mutate: func(*Config) {}},
		{
			name:    "group id as self",
			mutate:  func(c *Config) { c.Identity.SelfID = "0123456789abcdef0123456789abcdef" },
			wantErr: "SelfID",
		},
		{
			name:    "device id zero",
			mutate:  func(c *Config) { c.Identity.DeviceID = 0 },
			wantErr: "DeviceID",
		},
		{
			name:    "http transport url",
			mutate:  func(c *Config) { c.Transport.URL = "https://push.example.com" },
			wantErr: "TRANSPORT_URL scheme",
		},
		{
			name:    "remote url with path",
			mutate:  func(c *Config) { c.Remote.BaseURL = "https://api.example.com/v1" },
			wantErr: "REMOTE_BASE_URL should be base URL only",
		},
		{
			name:    "bad log level",
			mutate:  func(c *Config) { c.Logging.Level = "verbose" },
			wantErr: "Level must be one of",
		},
		{
			name:    "zero reconnect delay",
			mutate:  func(c *Config) { c.Connection.ReconnectDelay = 0 },
			wantErr: "connection.reconnect_delay must be positive",
		},
		{
			name:    "write timeout beyond ping",
			mutate:  func(c *Config) { c.Transport.WriteTimeout = time.Minute },
			wantErr: "transport.write_timeout",
		},
		{
			name:    "no storage path",
			mutate:  func(c *Config) { c.Storage.Path = "" },
			wantErr: "storage.path is required",
		},
		{
			name: "in memory without path",
			mutate: func(c *Config) {
				c.Storage.Path = ""
				c.Storage.InMemory = true
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := validConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate() unexpected error: %v", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("Validate() expected error containing %q", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() error = %v, want substring %q", err, tt.wantErr)
			}
		})
	}
}
