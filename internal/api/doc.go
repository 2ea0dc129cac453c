// Chatsync - Conversation Synchronization Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/chatsync

/*
Package api serves the operational HTTP surface of chatsyncd.

Routes:

	GET  /healthz                    liveness, always 200 while the process runs
	GET  /readyz                     200 once the registry is loaded and the session is online
	GET  /metrics                    Prometheus exposition
	GET  /v1/status                  engine, connection and pull API snapshot
	POST /v1/connection/{action}     connect, disconnect, network-online,
	                                 network-offline, reauthenticate
	GET  /v1/events                  websocket change stream (see package websocket)

Every JSON response uses the APIResponse envelope. Connection actions are
asynchronous commands; they answer 202 and the resulting transition is
visible in /v1/status. /v1/events accepts only origins listed in
server.allowed_origins.
*/
package api
