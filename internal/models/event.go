// Chatsync - Conversation Synchronization Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/chatsync

package models

import "sync"

// EventType is the type of a transport event.
type EventType string

const (
	EventMessage      EventType = "message"
	EventSent         EventType = "sent"
	EventNotification EventType = "notification"
	EventReadReceipt  EventType = "readReceipt"
	EventReadSync     EventType = "readSync"
	EventVerified     EventType = "verified"
	EventError        EventType = "error"
	EventEmpty        EventType = "empty"
	EventReconnect    EventType = "reconnect"
	EventProgress     EventType = "progress"

	// EventBarrier is produced by the connection supervisor, never by a
	// transport. The engine closes Done once every earlier event was dispatched.
	EventBarrier EventType = "barrier"
)

// Event is one typed event from the transport. Exactly one payload field is
// set, according to Type.
type Event struct {
	Type EventType

	// SessionID is the transport session that produced the event.
	SessionID string

	Envelope     *Envelope
	Notification *RawNotification
	Receipts     []ReadReceipt
	Verified     *VerifiedEvent

	// Err and ManualLogout describe EventError.
	Err          error
	ManualLogout bool

	// QueueEmpty is set by EventEmpty when the server has nothing queued.
	QueueEmpty bool

	// Count is the number of queued items reported by EventProgress.
	Count int

	// Silent is set while the post-connect suppression window is open.
	// Handlers still apply state but presentation events are not emitted.
	Silent bool

	// Done is closed by the engine for EventBarrier.
	Done chan struct{}

	confirm     func()
	confirmOnce sync.Once
}

// NewEvent creates an event whose Confirm calls ack.
func NewEvent(t EventType, ack func()) *Event {
	return &Event{Type: t, confirm: ack}
}

// Confirm acknowledges the event to the transport. Only the first call has
// any effect.
func (e *Event) Confirm() {
	e.confirmOnce.Do(func() {
		if e.confirm != nil {
			e.confirm()
		}
	})
}
