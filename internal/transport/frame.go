// Chatsync - Conversation Synchronization Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/chatsync

package transport

import (
	"fmt"

	"github.com/goccy/go-json"

	"github.com/tomtom215/chatsync/internal/models"
	"github.com/tomtom215/chatsync/internal/remote"
)

// Frame is one push frame.
//
// Server to client:
//
//	{"id": "f-17", "type": "notification", "data": {"kind": "group", ...}}
//
// Client to server, acknowledging frame f-17:
//
//	{"type": "ack", "id": "f-17"}
//
// Frames without an id need no acknowledgement.
type Frame struct {
	ID   string          `json:"id,omitempty"`
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

const frameAck = "ack"

// ErrorFrame is the payload of an "error" frame.
type ErrorFrame struct {
	Code         int    `json:"code"`
	Message      string `json:"message,omitempty"`
	ManualLogout bool   `json:"manualLogout,omitempty"`
}

// ProgressFrame is the payload of a "progress" frame.
type ProgressFrame struct {
	Count int `json:"count"`
}

// decodeEvent turns a frame into a typed event. The ack func is bound to the
// frame id by the caller.
func decodeEvent(f *Frame, ack func()) (*models.Event, error) {
	t := models.EventType(f.Type)
	ev := models.NewEvent(t, ack)

	switch t {
	case models.EventMessage, models.EventSent:
		var env models.Envelope
		if err := unmarshal(f, &env); err != nil {
			return nil, err
		}
		ev.Envelope = &env

	case models.EventNotification:
		var n models.RawNotification
		if err := unmarshal(f, &n); err != nil {
			return nil, err
		}
		ev.Notification = &n

	case models.EventReadReceipt, models.EventReadSync:
		if err := unmarshal(f, &ev.Receipts); err != nil {
			return nil, err
		}

	case models.EventVerified:
		var v models.VerifiedEvent
		if err := unmarshal(f, &v); err != nil {
			return nil, err
		}
		ev.Verified = &v

	case models.EventEmpty:
		ev.QueueEmpty = true

	case models.EventProgress:
		var p ProgressFrame
		if err := unmarshal(f, &p); err != nil {
			return nil, err
		}
		ev.Count = p.Count

	case models.EventError:
		var e ErrorFrame
		if err := unmarshal(f, &e); err != nil {
			return nil, err
		}
		ev.Err = &remote.HTTPError{Endpoint: "push", StatusCode: e.Code, Body: e.Message}
		ev.ManualLogout = e.ManualLogout

	case models.EventReconnect:

	default:
		return nil, fmt.Errorf("%w: unknown frame type %q", models.ErrMalformed, f.Type)
	}
	return ev, nil
}

func unmarshal(f *Frame, v any) error {
	if len(f.Data) == 0 {
		return fmt.Errorf("%w: %s frame without data", models.ErrMalformed, f.Type)
	}
	if err := json.Unmarshal(f.Data, v); err != nil {
		return fmt.Errorf("%w: %s frame: %v", models.ErrMalformed, f.Type, err)
	}
	return nil
}
