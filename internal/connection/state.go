// Chatsync - Conversation Synchronization Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/chatsync

package connection

import "strings"

// State is the connection supervisor's state.
type State int

const (
	Offline State = iota
	Connecting
	Online
	Reconnecting
	// Unauthorized is terminal until Reauthenticate.
	Unauthorized
)

func (s State) String() string {
	switch s {
	case Offline:
		return "offline"
	case Connecting:
		return "connecting"
	case Online:
		return "online"
	case Reconnecting:
		return "reconnecting"
	case Unauthorized:
		return "unauthorized"
	default:
		return "unknown"
	}
}

// Status is a snapshot of the supervisor.
type Status struct {
	State     string `json:"state"`
	SessionID string `json:"sessionId,omitempty"`
	Attempt   int    `json:"attempt,omitempty"`
	Degraded  bool   `json:"degraded"`
	// Suppressing is true while the post-connect suppression window is open.
	Suppressing bool `json:"suppressing"`
}

// Key/value settings that survive an authentication failure.
var preservedKeys = map[string]struct{}{
	"everRegistered": {},
	"numberId":       {},
	"version":        {},
}

const preservedPrefix = "migration:"

// KeepOnWipe reports whether a key/value setting survives an authentication
// failure wipe.
func KeepOnWipe(key string) bool {
	if _, ok := preservedKeys[key]; ok {
		return true
	}
	return strings.HasPrefix(key, preservedPrefix)
}
