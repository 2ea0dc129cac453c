// Chatsync - Conversation Synchronization Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/chatsync

package models

import (
	"fmt"

	"github.com/goccy/go-json"

	"github.com/tomtom215/chatsync/internal/validation"
)

// NotificationKind is the closed set of notification kinds.
type NotificationKind string

const (
	KindGroupChange        NotificationKind = "group"
	KindDirectoryChange    NotificationKind = "directory"
	KindConversationConfig NotificationKind = "conversation_config"
	KindSharedConfig       NotificationKind = "shared_config"
	KindTaskChange         NotificationKind = "task"
	KindVoteChange         NotificationKind = "vote"
	KindReminderChange     NotificationKind = "reminder"
)

// Payload is implemented by every notification payload type.
// The unexported method closes the set to this package.
type Payload interface {
	Kind() NotificationKind
	payload()
}

// Notification is a decoded notification.
type Notification struct {
	Time    int64
	Display bool
	Payload Payload
}

// RawNotification is the wire form delivered by the transport.
type RawNotification struct {
	Kind    NotificationKind `json:"kind"`
	Time    int64            `json:"time"`
	Data    json.RawMessage  `json:"data"`
	Display bool             `json:"display"`
}

// MemberAction is the operation a member delta performs.
type MemberAction string

const (
	MemberAdd    MemberAction = "add"
	MemberUpdate MemberAction = "update"
	MemberRemove MemberAction = "remove"
	MemberLeave  MemberAction = "leave"
)

// MemberDelta is one membership change inside a group change.
type MemberDelta struct {
	ID          string       `json:"uid" validate:"required,directid"`
	Action      MemberAction `json:"action" validate:"required,oneof=add update remove leave"`
	Role        Role         `json:"role"`
	RapidRole   int          `json:"rapidRole"`
	DisplayName string       `json:"displayName,omitempty"`
	ExtID       string       `json:"extId,omitempty"`
}

// Member converts the delta into a member record.
func (d MemberDelta) Member() Member {
	return Member{ID: d.ID, Role: d.Role, RapidRole: d.RapidRole, DisplayName: d.DisplayName, ExtID: d.ExtID}
}

// GroupFieldDelta carries the basic group fields that changed.
type GroupFieldDelta struct {
	Name         *string `json:"name,omitempty"`
	Avatar       *string `json:"avatar,omitempty"`
	Announcement *string `json:"announcement,omitempty"`
	Disbanded    *bool   `json:"disbanded,omitempty"`
}

// PinAction is the operation a pin delta performs.
type PinAction string

const (
	PinAdd    PinAction = "add"
	PinRemove PinAction = "remove"
)

// PinDelta adds or removes a pinned message.
type PinDelta struct {
	Action PinAction `json:"action" validate:"required,oneof=add remove"`
	Pin    Pin       `json:"pin"`
}

// GroupChange is a membership/field/pin change to one group.
type GroupChange struct {
	GroupID          string           `json:"groupId" validate:"required,groupid"`
	ChangeVersion    int64            `json:"changeVersion" validate:"min=1"`
	Operator         string           `json:"operator" validate:"omitempty,directid"`
	OperatorDeviceID int              `json:"operatorDeviceId"`
	MemberDeltas     []MemberDelta    `json:"memberDeltas,omitempty" validate:"dive"`
	BasicFieldDeltas *GroupFieldDelta `json:"basicFieldDeltas,omitempty"`
	PinDeltas        []PinDelta       `json:"pinDeltas,omitempty" validate:"dive"`
}

func (*GroupChange) Kind() NotificationKind { return KindGroupChange }
func (*GroupChange) payload()               {}

// DirectoryAction is the operation a directory delta performs.
type DirectoryAction string

const (
	DirectoryAdd    DirectoryAction = "add"
	DirectoryUpdate DirectoryAction = "update"
	DirectoryDelete DirectoryAction = "delete"
)

// DirectoryDelta is one contact entry change.
type DirectoryDelta struct {
	ID          string          `json:"id" validate:"required,directid"`
	Action      DirectoryAction `json:"action" validate:"required,oneof=add update delete"`
	DisplayName string          `json:"displayName,omitempty"`
}

// DirectoryChange is a bulk change to the contact directory.
type DirectoryChange struct {
	DirectoryVersion int64            `json:"directoryVersion" validate:"min=1"`
	Members          []DirectoryDelta `json:"members" validate:"dive"`
}

func (*DirectoryChange) Kind() NotificationKind { return KindDirectoryChange }
func (*DirectoryChange) payload()               {}

// ConfigDelta carries the config fields that changed.
type ConfigDelta struct {
	Muted         *bool  `json:"muted,omitempty"`
	Blocked       *bool  `json:"blocked,omitempty"`
	Confidential  *bool  `json:"confidential,omitempty"`
	Archived      *bool  `json:"archived,omitempty"`
	Sticky        *bool  `json:"sticky,omitempty"`
	RemindCycle   *int64 `json:"remindCycle,omitempty"`
	MessageExpiry *int64 `json:"messageExpiry,omitempty"`
}

// Apply writes the set fields onto cfg.
func (d ConfigDelta) Apply(cfg *ConversationConfig) {
	if d.Muted != nil {
		cfg.Muted = *d.Muted
	}
	if d.Blocked != nil {
		cfg.Blocked = *d.Blocked
	}
	if d.Confidential != nil {
		cfg.Confidential = *d.Confidential
	}
	if d.Archived != nil {
		cfg.Archived = *d.Archived
	}
	if d.Sticky != nil {
		cfg.Sticky = *d.Sticky
	}
	if d.RemindCycle != nil {
		cfg.RemindCycle = *d.RemindCycle
	}
	if d.MessageExpiry != nil {
		cfg.MessageExpiry = *d.MessageExpiry
	}
}

// ConversationConfigChange is a per-conversation config change.
type ConversationConfigChange struct {
	ConversationID string      `json:"conversationId" validate:"required,convid"`
	SettingVersion int64       `json:"settingVersion" validate:"min=1"`
	Delta          ConfigDelta `json:"delta"`
}

func (*ConversationConfigChange) Kind() NotificationKind { return KindConversationConfig }
func (*ConversationConfigChange) payload()               {}

// SharedConfigDelta carries the shared fields that changed.
type SharedConfigDelta struct {
	MessageExpiry     *int64 `json:"messageExpiry,omitempty"`
	ScreenshotWarning *bool  `json:"screenshotWarning,omitempty"`
}

// Apply writes the set fields onto cfg.
func (d SharedConfigDelta) Apply(cfg *SharedConfig) {
	if d.MessageExpiry != nil {
		cfg.MessageExpiry = *d.MessageExpiry
	}
	if d.ScreenshotWarning != nil {
		cfg.ScreenshotWarning = *d.ScreenshotWarning
	}
}

// SharedConfigChange is a change to settings shared by two direct peers.
type SharedConfigChange struct {
	Participants         []string          `json:"participants" validate:"len=2,dive,directid"`
	SharedSettingVersion int64             `json:"sharedSettingVersion" validate:"min=1"`
	Delta                SharedConfigDelta `json:"delta"`
}

func (*SharedConfigChange) Kind() NotificationKind { return KindSharedConfig }
func (*SharedConfigChange) payload()               {}

// Peer returns the participant that is not self. It falls back to the first
// participant for a note-to-self pair.
func (c *SharedConfigChange) Peer(self string) string {
	for _, p := range c.Participants {
		if p != self {
			return p
		}
	}
	return c.Participants[0]
}

// AuxChange is a task, vote or reminder change. The three kinds share one
// shape and differ only in their key space.
type AuxChange struct {
	AuxKind        NotificationKind `json:"-"`
	ID             string           `json:"id" validate:"required,max=128"`
	Version        int64            `json:"version" validate:"min=1"`
	ConversationID string           `json:"conversationId,omitempty" validate:"omitempty,convid"`
	Delta          map[string]any   `json:"delta"`
}

func (c *AuxChange) Kind() NotificationKind { return c.AuxKind }
func (*AuxChange) payload()                 {}

// Decode turns a raw notification into its typed form. Unknown kinds and
// payloads that fail validation return an error wrapping ErrMalformed.
func (r RawNotification) Decode() (*Notification, error) {
	var p Payload
	switch r.Kind {
	case KindGroupChange:
		p = &GroupChange{}
	case KindDirectoryChange:
		p = &DirectoryChange{}
	case KindConversationConfig:
		p = &ConversationConfigChange{}
	case KindSharedConfig:
		p = &SharedConfigChange{}
	case KindTaskChange, KindVoteChange, KindReminderChange:
		p = &AuxChange{AuxKind: r.Kind}
	default:
		return nil, fmt.Errorf("%w: unknown notification kind %q", ErrMalformed, r.Kind)
	}

	if len(r.Data) == 0 {
		return nil, fmt.Errorf("%w: %s notification without data", ErrMalformed, r.Kind)
	}
	if err := json.Unmarshal(r.Data, p); err != nil {
		return nil, fmt.Errorf("%w: decode %s: %v", ErrMalformed, r.Kind, err)
	}
	if err := validation.Validate(p); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformed, r.Kind, err)
	}

	return &Notification{Time: r.Time, Display: r.Display, Payload: p}, nil
}
