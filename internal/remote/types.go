// Chatsync - Conversation Synchronization Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/chatsync

package remote

import "github.com/tomtom215/chatsync/internal/models"

// Pull API response structures. Every response carries the authoritative
// version of the aggregate it describes; callers commit that version to the
// ledger after applying the reload.

// ConversationConfigState is the full config of one conversation.
type ConversationConfigState struct {
	ConversationID string                    `json:"conversationId"`
	SettingVersion int64                     `json:"settingVersion"`
	Config         models.ConversationConfig `json:"config"`
}

// conversationConfigResponse wraps GET /v1/conversations/config.
type conversationConfigResponse struct {
	Conversations []ConversationConfigState `json:"conversations"`
}

// GroupState is the full membership and field state of a group.
type GroupState struct {
	GroupID       string          `json:"groupId"`
	ChangeVersion int64           `json:"changeVersion"`
	Name          string          `json:"name"`
	Avatar        string          `json:"avatar,omitempty"`
	Announcement  string          `json:"announcement,omitempty"`
	Disbanded     bool            `json:"disbanded"`
	Members       []models.Member `json:"members"`
}

// GroupPins is the full pin list of a group.
type GroupPins struct {
	GroupID       string       `json:"groupId"`
	ChangeVersion int64        `json:"changeVersion"`
	Pins          []models.Pin `json:"pins"`
}

// DirectoryState is the full contact directory.
type DirectoryState struct {
	DirectoryVersion int64            `json:"directoryVersion"`
	Contacts         []models.Contact `json:"contacts"`
}

// SharedConfigState is the full shared config of a peer pair.
type SharedConfigState struct {
	Participants         []string            `json:"participants"`
	SharedSettingVersion int64               `json:"sharedSettingVersion"`
	Config               models.SharedConfig `json:"config"`
}

// AuxRecord is a task, vote or reminder.
type AuxRecord struct {
	ID             string         `json:"id"`
	Version        int64          `json:"version"`
	ConversationID string         `json:"conversationId,omitempty"`
	Record         map[string]any `json:"record"`
}

// MessagePage is a range of a conversation's message stream.
type MessagePage struct {
	ConversationID string            `json:"conversationId"`
	FromSequenceID int64             `json:"fromSequenceId"`
	ToSequenceID   int64             `json:"toSequenceId"`
	Messages       []models.Envelope `json:"messages"`
}
