// Chatsync - Conversation Synchronization Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/chatsync

package models

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// MessageType is the direction of a message.
type MessageType string

const (
	MessageIncoming MessageType = "incoming"
	MessageOutgoing MessageType = "outgoing"
	// MessageSystem marks notices synthesized locally (member joined, name changed).
	MessageSystem MessageType = "system"
)

// DedupKey identifies a logical message regardless of delivery path.
type DedupKey struct {
	SentAt       int64  `json:"sentAt"`
	Source       string `json:"source"`
	SourceDevice int    `json:"sourceDevice"`
}

// String renders the key as "sentAt:source:device".
func (k DedupKey) String() string {
	return fmt.Sprintf("%d:%s:%d", k.SentAt, k.Source, k.SourceDevice)
}

// ParseDedupKey is the inverse of DedupKey.String.
func ParseDedupKey(s string) (DedupKey, error) {
	parts := strings.Split(s, ":")
	if len(parts) != 3 {
		return DedupKey{}, fmt.Errorf("%w: dedup key %q", ErrMalformed, s)
	}
	sentAt, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return DedupKey{}, fmt.Errorf("%w: dedup key %q: %v", ErrMalformed, s, err)
	}
	device, err := strconv.Atoi(parts[2])
	if err != nil {
		return DedupKey{}, fmt.Errorf("%w: dedup key %q: %v", ErrMalformed, s, err)
	}
	return DedupKey{SentAt: sentAt, Source: parts[1], SourceDevice: device}, nil
}

// Reaction is an emoji reaction merged onto a message.
type Reaction struct {
	Emoji     string `json:"emoji"`
	FromID    string `json:"fromId"`
	Timestamp int64  `json:"timestamp"`
}

// Message is a persisted message.
type Message struct {
	ID             string      `json:"id"`
	ConversationID string      `json:"conversationId"`
	Type           MessageType `json:"type"`

	Source       string `json:"source"`
	SourceDevice int    `json:"sourceDevice"`
	SentAt       int64  `json:"sentAt"`

	ServerTimestamp int64 `json:"serverTimestamp,omitempty"`
	SequenceID      int64 `json:"sequenceId,omitempty"`

	Body        string `json:"body,omitempty"`
	ExpireTimer int64  `json:"expireTimer,omitempty"`

	// Unsupported marks a placeholder for content this client could not decode.
	Unsupported bool `json:"unsupported,omitempty"`

	Reactions []Reaction `json:"reactions,omitempty"`
	Pinned    bool       `json:"pinned,omitempty"`
	Read      bool       `json:"read,omitempty"`
}

// Key returns the message's dedup key.
func (m *Message) Key() DedupKey {
	return DedupKey{SentAt: m.SentAt, Source: m.Source, SourceDevice: m.SourceDevice}
}

// Timestamp is the ordering timestamp: server time when known, else sent time.
func (m *Message) Timestamp() int64 {
	if m.ServerTimestamp > 0 {
		return m.ServerTimestamp
	}
	return m.SentAt
}

// Clone returns a deep copy.
func (m *Message) Clone() *Message {
	if m == nil {
		return nil
	}
	out := *m
	if m.Reactions != nil {
		out.Reactions = append([]Reaction(nil), m.Reactions...)
	}
	return &out
}

// ApplyReaction adds, replaces or removes the reaction from r.FromID.
// A sender holds at most one reaction per message.
func (m *Message) ApplyReaction(r Reaction, remove bool) {
	kept := m.Reactions[:0:0]
	for _, existing := range m.Reactions {
		if existing.FromID != r.FromID {
			kept = append(kept, existing)
		}
	}
	if !remove {
		kept = append(kept, r)
	}
	m.Reactions = kept
}

// NewSystemMessage creates a locally synthesized notice.
func NewSystemMessage(conversationID string, ts int64, body string) *Message {
	return &Message{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		Type:           MessageSystem,
		SentAt:         ts,
		Body:           body,
		Read:           true,
	}
}
