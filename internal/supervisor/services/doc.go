// Chatsync - Conversation Synchronization Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/chatsync

/*
Package services adapts chatsyncd components to suture.Service.

Each wrapper translates a component's lifecycle (Start/Stop, Run, Serve on
a listener, a periodic task) into suture's context-aware Serve and returns
ctx.Err() on graceful shutdown.

  - SyncService: sync engine plus connection supervisor, engine stopped last
  - HTTPServerService: status API server with graceful Shutdown
  - StorageGCService: periodic badger value log GC
  - WebSocketHubService: /v1/events change stream hub

The wrappers depend on small interfaces rather than concrete types, so
tests drive them with fakes.
*/
package services
