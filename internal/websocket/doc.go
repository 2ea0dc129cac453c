// Chatsync - Conversation Synchronization Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/chatsync

/*
Package websocket streams presentation events to local clients.

The Hub subscribes to every topic of the in-process presentation bus
(conversation changes, unread badges, connection state, sync progress) and
forwards each payload to the connected clients as a typed JSON frame:

	{"type":"conversation_changed","data":{"conversationId":"...","reason":"..."}}

Each Client runs a read pump and a write pump. The write pump sends keepalive
pings; the read pump answers {"type":"ping"} with {"type":"pong"}. A client
whose send buffer fills is disconnected rather than allowed to stall the hub.

The hub runs under the API layer of the supervisor tree via
services.NewWebSocketHubService and is mounted at GET /v1/events.
*/
package websocket
