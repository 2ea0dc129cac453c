// Chatsync - Conversation Synchronization Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/chatsync

/*
Package supervisor runs chatsyncd's long-lived services under suture v4.

The tree has three layers:

	RootSupervisor ("chatsyncd")
	├── StorageSupervisor ("storage-layer")
	│   └── StorageGCService
	├── SyncSupervisor ("sync-layer")
	│   └── SyncService (engine + connection supervisor)
	└── APISupervisor ("api-layer")
	    ├── WebSocketHubService (if server.enabled)
	    └── HTTPServerService (if server.enabled)

A failing HTTP server is restarted without touching the sync layer, and a
panicking connection loop is restarted without reopening storage.

Supervisor events (restarts, backoff, unstopped services) are logged through
sutureslog on the zerolog-backed slog.Logger from the logging package.

Usage:

	tree, err := supervisor.NewSupervisorTree(logging.NewSlogLogger(), supervisor.TreeConfig{
	    FailureThreshold: cfg.Supervisor.FailureThreshold,
	    FailureDecay:     cfg.Supervisor.FailureDecay,
	    FailureBackoff:   cfg.Supervisor.FailureBackoff,
	    ShutdownTimeout:  cfg.Supervisor.ShutdownTimeout,
	})
	tree.AddStorageService(services.NewStorageGCService(store, cfg.Storage.GCInterval))
	tree.AddSyncService(services.NewSyncService(eng, conn, cfg.Connection.DrainTimeout))
	tree.AddAPIService(services.NewHTTPServerService(server, cfg.Server.Addr(), cfg.Supervisor.ShutdownTimeout))

	if err := tree.Serve(ctx); err != nil && !errors.Is(err, context.Canceled) {
	    logging.Error().Err(err).Msg("Supervisor tree stopped")
	}
*/
package supervisor
