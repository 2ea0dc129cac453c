// Chatsync - Conversation Synchronization Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/chatsync

package models

// Envelope flags.
const (
	// FlagProfileKeyUpdate marks a message that only carries the sender's profile key.
	FlagProfileKeyUpdate uint32 = 1 << 2
)

// ReactionPayload references the message a reaction applies to.
type ReactionPayload struct {
	Emoji        string `json:"emoji" validate:"required,max=64"`
	Remove       bool   `json:"remove"`
	TargetAuthor string `json:"targetAuthor" validate:"required,directid"`
	TargetSentAt int64  `json:"targetSentAt" validate:"min=1"`
}

// PinPayload pins or unpins a referenced message.
type PinPayload struct {
	Pinned       bool   `json:"pinned"`
	TargetAuthor string `json:"targetAuthor" validate:"required,directid"`
	TargetSentAt int64  `json:"targetSentAt" validate:"min=1"`
}

// Envelope is a decrypted message as delivered by the transport, either an
// incoming message or a sync copy of one sent from another local device.
type Envelope struct {
	Source       string `json:"source" validate:"required,directid"`
	SourceDevice int    `json:"sourceDevice" validate:"min=1"`
	// Destination is the recipient of an outgoing direct message.
	Destination string `json:"destination,omitempty" validate:"omitempty,directid"`
	GroupID     string `json:"groupId,omitempty" validate:"omitempty,groupid"`

	SentAt          int64 `json:"sentAt" validate:"min=1"`
	ServerTimestamp int64 `json:"serverTimestamp"`
	SequenceID      int64 `json:"sequenceId" validate:"min=0"`

	Body        string `json:"body,omitempty"`
	ExpireTimer int64  `json:"expireTimer,omitempty"`
	Unsupported bool   `json:"unsupported,omitempty"`
	Flags       uint32 `json:"flags,omitempty"`
	ProfileKey  string `json:"profileKey,omitempty"`

	Reaction *ReactionPayload `json:"reaction,omitempty"`
	Pin      *PinPayload      `json:"pin,omitempty"`
}

// Key returns the envelope's dedup key.
func (e *Envelope) Key() DedupKey {
	return DedupKey{SentAt: e.SentAt, Source: e.Source, SourceDevice: e.SourceDevice}
}

// IsProfileKeyUpdate reports whether the envelope only carries a profile key.
func (e *Envelope) IsProfileKeyUpdate() bool {
	return e.Flags&FlagProfileKeyUpdate != 0
}

// ReadReceipt reports that Reader has read ConversationID up to a position.
// For read sync (another local device read the conversation) Reader is self.
type ReadReceipt struct {
	ConversationID string `json:"conversationId" validate:"required,convid"`
	Reader         string `json:"reader" validate:"required,directid"`
	ReadPosition
}

// VerifiedEvent reports a change of a peer's identity verification state.
type VerifiedEvent struct {
	ConversationID string        `json:"conversationId" validate:"required,directid"`
	State          VerifiedState `json:"state" validate:"required,oneof=default verified unverified"`
}
