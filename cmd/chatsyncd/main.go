// Chatsync - Conversation Synchronization Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/chatsync

// Command chatsyncd keeps a local conversation store in sync with a chat
// server.
//
// It holds one push session open over a websocket, applies incoming
// messages, receipts and versioned notifications to a badger store through
// per-aggregate job queues, and reloads aggregates from the pull API when a
// version gap is detected.
//
// Startup order:
//
//  1. Configuration (koanf: defaults, config.yaml, environment)
//  2. Logging (zerolog)
//  3. Storage (badger)
//  4. Presentation bus (watermill gochannel)
//  5. Pull API client, sync engine, push dialer, connection supervisor
//  6. Supervisor tree: storage GC, sync service, status API
//
// SIGINT and SIGTERM cancel the tree. The connection supervisor drains the
// live session, the engine flushes receipts and waits for queued jobs, and
// the store is closed last.
//
// Example:
//
//	export CHATSYNC_SELF_ID=+15550100
//	export CHATSYNC_DEVICE_ID=1
//	export CHATSYNC_TOKEN=secret
//	export TRANSPORT_URL=wss://chat.example.com/v1/push
//	export REMOTE_BASE_URL=https://chat.example.com/api
//	./chatsyncd
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/tomtom215/chatsync/internal/api"
	"github.com/tomtom215/chatsync/internal/config"
	"github.com/tomtom215/chatsync/internal/connection"
	"github.com/tomtom215/chatsync/internal/engine"
	"github.com/tomtom215/chatsync/internal/events"
	"github.com/tomtom215/chatsync/internal/jobqueue"
	"github.com/tomtom215/chatsync/internal/logging"
	"github.com/tomtom215/chatsync/internal/remote"
	"github.com/tomtom215/chatsync/internal/storage"
	"github.com/tomtom215/chatsync/internal/supervisor"
	"github.com/tomtom215/chatsync/internal/supervisor/services"
	"github.com/tomtom215/chatsync/internal/transport"
	ws "github.com/tomtom215/chatsync/internal/websocket"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to load configuration")
	}

	logging.Init(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Caller: cfg.Logging.Caller,
	})

	logging.Info().
		Str("self_id", cfg.Identity.SelfID).
		Int("device_id", cfg.Identity.DeviceID).
		Str("transport_url", cfg.Transport.URL).
		Str("remote_url", cfg.Remote.BaseURL).
		Str("storage_path", cfg.Storage.Path).
		Bool("in_memory", cfg.Storage.InMemory).
		Msg("Starting chatsyncd")

	store, err := storage.Open(storage.Config{
		Path:       cfg.Storage.Path,
		InMemory:   cfg.Storage.InMemory,
		SyncWrites: cfg.Storage.SyncWrites,
	})
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to open store")
	}
	defer func() {
		if err := store.Close(); err != nil {
			logging.Error().Err(err).Msg("Error closing store")
		}
	}()

	bus := events.NewBus(logging.NewWatermillLogger("events"))
	defer func() {
		if err := bus.Close(); err != nil {
			logging.Error().Err(err).Msg("Error closing event bus")
		}
	}()

	rc := remote.NewClient(&cfg.Remote, cfg.Identity.Token)

	eng := engine.New(engine.Config{
		SelfID:   cfg.Identity.SelfID,
		DeviceID: cfg.Identity.DeviceID,
		Queue: jobqueue.Config{
			Capacity:    cfg.Engine.QueueCapacity,
			IdleTimeout: cfg.Engine.QueueIdleTimeout,
		},
		RecentWindowSize:     cfg.Engine.RecentWindowSize,
		RecentWindowTTL:      cfg.Engine.RecentWindowTTL,
		GapFillMaxRange:      cfg.Engine.GapFillMaxRange,
		ReceiptFlushInterval: cfg.Engine.ReceiptFlushInterval,
	}, store, rc, bus)

	conn := connection.New(cfg.Connection, pushDialer(cfg), eng, store, eng.Ledger(), bus)
	eng.OnUnauthorized(func(error) { conn.AuthFailed() })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tree, err := supervisor.NewSupervisorTree(logging.NewSlogLogger(), supervisor.TreeConfig{
		FailureThreshold: cfg.Supervisor.FailureThreshold,
		FailureDecay:     cfg.Supervisor.FailureDecay,
		FailureBackoff:   cfg.Supervisor.FailureBackoff,
		ShutdownTimeout:  cfg.Supervisor.ShutdownTimeout,
	})
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to create supervisor tree")
	}

	tree.AddStorageService(services.NewStorageGCService(store, cfg.Storage.GCInterval))
	tree.AddSyncService(services.NewSyncService(eng, conn, cfg.Connection.DrainTimeout))

	if cfg.Server.Enabled {
		hub := ws.NewHub(bus)
		tree.AddAPIService(services.NewWebSocketHubService(hub))

		handler := api.NewHandler(eng, conn, rc).WithStream(hub, cfg.Server.AllowedOrigins)
		server := &http.Server{
			Handler: api.NewRouter(handler, api.RouterConfig{
				RateLimitRequests: cfg.Server.RateLimitRequests,
				RateLimitWindow:   cfg.Server.RateLimitWindow,
			}),
			ReadTimeout:       cfg.Server.Timeout,
			ReadHeaderTimeout: cfg.Server.Timeout,
			WriteTimeout:      cfg.Server.Timeout,
			IdleTimeout:       2 * cfg.Server.Timeout,
		}
		tree.AddAPIService(services.NewHTTPServerService(server, cfg.Server.Addr(), cfg.Supervisor.ShutdownTimeout))
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logging.Info().Str("signal", sig.String()).Msg("Received shutdown signal")
		cancel()
	}()

	if err := <-tree.ServeBackground(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logging.Error().Err(err).Msg("Supervisor tree error")
	}

	unstopped, _ := tree.UnstoppedServiceReport()
	for _, svc := range unstopped {
		logging.Warn().Str("service", svc.Name).Msg("Service failed to stop within timeout")
	}

	logging.Info().Msg("chatsyncd stopped")
}

// pushDialer adapts the websocket dialer to the connection supervisor. A
// failed dial returns a nil interface, not a typed nil *Session.
func pushDialer(cfg *config.Config) connection.Dialer {
	d := transport.NewDialer(cfg.Transport, cfg.Identity.Token, cfg.Identity.DeviceID)
	return connection.DialerFunc(func(ctx context.Context) (connection.Session, error) {
		s, err := d.Dial(ctx)
		if err != nil {
			return nil, err
		}
		return s, nil
	})
}
