// Chatsync - Conversation Synchronization Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/chatsync

package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/tomtom215/chatsync/internal/connection"
	"github.com/tomtom215/chatsync/internal/engine"
	"github.com/tomtom215/chatsync/internal/logging"
	"github.com/tomtom215/chatsync/internal/middleware"
	"github.com/tomtom215/chatsync/internal/validation"
	ws "github.com/tomtom215/chatsync/internal/websocket"
)

// Engine is the slice of the sync engine the handlers read.
type Engine interface {
	Status() engine.Status
}

// Connection is the slice of the connection supervisor the handlers use.
type Connection interface {
	Status() connection.Status
	Connect()
	Disconnect()
	NetworkOnline()
	NetworkOffline()
	Reauthenticate()
}

// Remote reports the pull API circuit breaker.
type Remote interface {
	BreakerState() string
	Degraded() bool
}

// RemoteStatus is the pull API part of /v1/status.
type RemoteStatus struct {
	Breaker  string `json:"breaker"`
	Degraded bool   `json:"degraded"`
}

// StatusResponse is the body of /v1/status.
type StatusResponse struct {
	Engine     engine.Status     `json:"engine"`
	Connection connection.Status `json:"connection"`
	Remote     *RemoteStatus     `json:"remote,omitempty"`
	Uptime     float64           `json:"uptime_seconds"`
}

// Handler serves the operational endpoints.
type Handler struct {
	engine    Engine
	conn      Connection
	remote    Remote
	startTime time.Time

	hub            *ws.Hub
	allowedOrigins []string
}

// NewHandler creates a Handler. remote may be nil.
func NewHandler(eng Engine, conn Connection, remote Remote) *Handler {
	return &Handler{
		engine:    eng,
		conn:      conn,
		remote:    remote,
		startTime: time.Now(),
	}
}

// WithStream enables GET /v1/events on hub for the given origins.
func (h *Handler) WithStream(hub *ws.Hub, allowedOrigins []string) *Handler {
	h.hub = hub
	h.allowedOrigins = allowedOrigins
	return h
}

// HealthLive reports that the process is alive, regardless of dependencies.
func (h *Handler) HealthLive(w http.ResponseWriter, r *http.Request) {
	respondData(w, r, http.StatusOK, "success", map[string]interface{}{
		"alive":  true,
		"uptime": time.Since(h.startTime).Seconds(),
	})
}

// HealthReady answers 200 once the registry is loaded and a session is
// online, 503 otherwise.
func (h *Handler) HealthReady(w http.ResponseWriter, r *http.Request) {
	eng := h.engine.Status()
	conn := h.conn.Status()
	online := conn.State == connection.Online.String()
	ready := eng.Ready && online

	statusCode := http.StatusOK
	status := "ready"
	if !ready {
		statusCode = http.StatusServiceUnavailable
		status = "not_ready"
	}

	respondData(w, r, statusCode, status, map[string]interface{}{
		"registry_loaded":  eng.Ready,
		"connection_state": conn.State,
		"degraded":         conn.Degraded,
		"ready_to_serve":   ready,
	})
}

// Status returns the engine, connection and pull API snapshot.
func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	resp := StatusResponse{
		Engine:     h.engine.Status(),
		Connection: h.conn.Status(),
		Uptime:     time.Since(h.startTime).Seconds(),
	}
	if h.remote != nil {
		resp.Remote = &RemoteStatus{
			Breaker:  h.remote.BreakerState(),
			Degraded: h.remote.Degraded(),
		}
	}
	respondData(w, r, http.StatusOK, "success", resp)
}

// connectionAction is the validated path parameter of ConnectionAction.
type connectionAction struct {
	Action string `validate:"required,oneof=connect disconnect network-online network-offline reauthenticate"`
}

// ConnectionAction posts a command to the connection supervisor.
func (h *Handler) ConnectionAction(w http.ResponseWriter, r *http.Request) {
	req := connectionAction{Action: chi.URLParam(r, "action")}
	if verr := validation.ValidateStruct(&req); verr != nil {
		respondError(w, r, http.StatusBadRequest, "INVALID_ACTION", verr.Error(), map[string]interface{}{
			"action": req.Action,
		})
		return
	}

	switch req.Action {
	case "connect":
		h.conn.Connect()
	case "disconnect":
		h.conn.Disconnect()
	case "network-online":
		h.conn.NetworkOnline()
	case "network-offline":
		h.conn.NetworkOffline()
	case "reauthenticate":
		h.conn.Reauthenticate()
	}

	logging.Ctx(r.Context()).Info().Str("action", req.Action).Msg("Connection command accepted")
	respondData(w, r, http.StatusAccepted, "accepted", map[string]interface{}{
		"action": req.Action,
	})
}

func newMetadata(r *http.Request) Metadata {
	md := Metadata{Timestamp: time.Now()}
	if r != nil {
		md.RequestID = middleware.GetRequestID(r.Context())
	}
	return md
}

const streamRegisterTimeout = 5 * time.Second

func (h *Handler) upgrader() websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:   1024,
		WriteBufferSize:  4096,
		CheckOrigin:      h.checkOrigin,
		HandshakeTimeout: 10 * time.Second,
	}
}

// checkOrigin accepts only listed origins. Requests without an Origin header
// are rejected.
func (h *Handler) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		logging.Ctx(r.Context()).Warn().Msg("Stream connection rejected: missing Origin header")
		return false
	}
	for _, allowed := range h.allowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	logging.Ctx(r.Context()).Warn().Str("origin", sanitizeLogValue(origin)).Msg("Stream connection rejected from unlisted origin")
	return false
}

// Events upgrades to a websocket and streams presentation events.
func (h *Handler) Events(w http.ResponseWriter, r *http.Request) {
	if h.hub == nil {
		respondError(w, r, http.StatusServiceUnavailable, "SERVICE_UNAVAILABLE", "Event stream unavailable", nil)
		return
	}

	upgrader := h.upgrader()
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the error response.
		logging.Ctx(r.Context()).Debug().Err(err).Msg("Stream upgrade failed")
		return
	}

	client := ws.NewClient(h.hub, conn)
	select {
	case h.hub.Register <- client:
		client.Start()
	case <-time.After(streamRegisterTimeout):
		logging.Ctx(r.Context()).Warn().Msg("Stream hub not accepting clients")
		_ = conn.Close()
	}
}

// sanitizeLogValue strips control characters and bounds the length of a
// client-supplied value before it is logged.
func sanitizeLogValue(v string) string {
	const maxLen = 128
	out := make([]rune, 0, len(v))
	for _, c := range v {
		if c < 0x20 || c == 0x7f {
			continue
		}
		out = append(out, c)
		if len(out) == maxLen {
			break
		}
	}
	return string(out)
}
