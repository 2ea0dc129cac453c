// Chatsync - Conversation Synchronization Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/chatsync

package models

import "sort"

// ConversationType distinguishes one-to-one conversations from groups.
type ConversationType string

const (
	ConversationDirect ConversationType = "direct"
	ConversationGroup  ConversationType = "group"
)

// Role is a member's role inside a group.
type Role int

const (
	RoleNone   Role = 0
	RoleOwner  Role = 1
	RoleMember Role = 2
	RoleAdmin  Role = 3
)

// String returns the role name used in system messages and logs.
func (r Role) String() string {
	switch r {
	case RoleOwner:
		return "owner"
	case RoleMember:
		return "member"
	case RoleAdmin:
		return "admin"
	default:
		return "none"
	}
}

// Versions holds the per-conversation version counters.
// The directory version is process-wide and lives in the ledger only.
type Versions struct {
	// ChangeVersion orders membership and group field changes.
	ChangeVersion int64 `json:"changeVersion"`

	// SettingVersion orders per-conversation config changes.
	SettingVersion int64 `json:"settingVersion"`

	// SharedSettingVersion orders settings shared between two direct peers.
	SharedSettingVersion int64 `json:"sharedSettingVersion"`
}

// Member is one entry of a group's membersV2 set.
type Member struct {
	ID          string `json:"id"`
	Role        Role   `json:"role"`
	RapidRole   int    `json:"rapidRole"`
	DisplayName string `json:"displayName,omitempty"`
	ExtID       string `json:"extId,omitempty"`
}

// ReadPosition is how far a peer (or the local account) has read.
type ReadPosition struct {
	MaxServerTimestamp  int64 `json:"maxServerTimestamp"`
	MaxNotifySequenceID int64 `json:"maxNotifySequenceId"`
	ReadAt              int64 `json:"readAt"`
}

// Advance merges other into p, keeping the maximum of every field.
// Returns true if anything moved forward.
func (p *ReadPosition) Advance(other ReadPosition) bool {
	changed := false
	if other.MaxServerTimestamp > p.MaxServerTimestamp {
		p.MaxServerTimestamp = other.MaxServerTimestamp
		changed = true
	}
	if other.MaxNotifySequenceID > p.MaxNotifySequenceID {
		p.MaxNotifySequenceID = other.MaxNotifySequenceID
		changed = true
	}
	if other.ReadAt > p.ReadAt {
		p.ReadAt = other.ReadAt
		changed = true
	}
	return changed
}

// ConversationConfig holds the per-conversation settings versioned by SettingVersion.
type ConversationConfig struct {
	Muted        bool  `json:"muted"`
	Blocked      bool  `json:"blocked"`
	Confidential bool  `json:"confidential"`
	Archived     bool  `json:"archived"`
	Sticky       bool  `json:"sticky"`
	RemindCycle  int64 `json:"remindCycle"`
	// MessageExpiry is the disappearing-message timer in seconds (0 = off).
	MessageExpiry int64 `json:"messageExpiry"`
}

// SharedConfig holds settings replicated between exactly two direct peers.
type SharedConfig struct {
	MessageExpiry     int64 `json:"messageExpiry"`
	ScreenshotWarning bool  `json:"screenshotWarning"`
}

// Pin is a pinned message reference inside a group.
type Pin struct {
	SentAt       int64  `json:"sentAt"`
	Source       string `json:"source"`
	SourceDevice int    `json:"sourceDevice"`
	PinnedBy     string `json:"pinnedBy,omitempty"`
	PinnedAt     int64  `json:"pinnedAt,omitempty"`
}

// Key returns the dedup key of the pinned message.
func (p Pin) Key() DedupKey {
	return DedupKey{SentAt: p.SentAt, Source: p.Source, SourceDevice: p.SourceDevice}
}

// VerifiedState is the identity verification state of a direct peer.
type VerifiedState string

const (
	VerifiedDefault    VerifiedState = "default"
	VerifiedVerified   VerifiedState = "verified"
	VerifiedUnverified VerifiedState = "unverified"
)

// Conversation is the locally persisted copy of one conversation.
type Conversation struct {
	ID       string           `json:"id"`
	Type     ConversationType `json:"type"`
	Versions Versions         `json:"versions"`

	Name         string   `json:"name,omitempty"`
	Avatar       string   `json:"avatar,omitempty"`
	Announcement string   `json:"announcement,omitempty"`
	MembersV2    []Member `json:"membersV2,omitempty"`
	Pins         []Pin    `json:"pins,omitempty"`

	ActiveAt               int64 `json:"activeAt"`
	LatestMessageTimestamp int64 `json:"latestMessageTimestamp"`

	ReadPositions map[string]ReadPosition `json:"readPositions,omitempty"`
	UnreadCount   int                     `json:"unreadCount"`

	OldestLoadedMsgSeqID int64 `json:"oldestLoadedMsgSeqId"`
	LatestLoadedMsgSeqID int64 `json:"latestLoadedMsgSeqId"`
	// MissingSeqRanges are sequence gaps not yet pulled, oldest first.
	MissingSeqRanges []SeqRange `json:"missingSeqRanges,omitempty"`

	Left      bool `json:"left"`
	Disbanded bool `json:"disbanded"`

	Config       ConversationConfig `json:"config"`
	SharedConfig SharedConfig       `json:"sharedConfig"`

	ProfileSharing bool          `json:"profileSharing"`
	NoReadReceipts bool          `json:"noReadReceipts"`
	DirectoryUser  bool          `json:"directoryUser"`
	Verified       VerifiedState `json:"verified,omitempty"`
}

// SeqRange is an inclusive range of message sequence ids.
type SeqRange struct {
	From int64 `json:"from"`
	To   int64 `json:"to"`
}

// Len returns the number of sequence ids in the range.
func (r SeqRange) Len() int64 {
	return r.To - r.From + 1
}

// NewConversation returns a skeleton conversation.
func NewConversation(id string, t ConversationType) *Conversation {
	return &Conversation{
		ID:            id,
		Type:          t,
		ReadPositions: map[string]ReadPosition{},
		Verified:      VerifiedDefault,
	}
}

// Clone returns a deep copy.
func (c *Conversation) Clone() *Conversation {
	if c == nil {
		return nil
	}
	out := *c
	if c.MembersV2 != nil {
		out.MembersV2 = append([]Member(nil), c.MembersV2...)
	}
	if c.Pins != nil {
		out.Pins = append([]Pin(nil), c.Pins...)
	}
	if c.MissingSeqRanges != nil {
		out.MissingSeqRanges = append([]SeqRange(nil), c.MissingSeqRanges...)
	}
	out.ReadPositions = make(map[string]ReadPosition, len(c.ReadPositions))
	for k, v := range c.ReadPositions {
		out.ReadPositions[k] = v
	}
	return &out
}

// IsGroup reports whether the conversation is a group.
func (c *Conversation) IsGroup() bool {
	return c.Type == ConversationGroup
}

// Member returns the member with id, if present.
func (c *Conversation) Member(id string) (Member, bool) {
	for _, m := range c.MembersV2 {
		if m.ID == id {
			return m, true
		}
	}
	return Member{}, false
}

// MemberIDs returns the sorted member ids.
func (c *Conversation) MemberIDs() []string {
	ids := make([]string, 0, len(c.MembersV2))
	for _, m := range c.MembersV2 {
		ids = append(ids, m.ID)
	}
	sort.Strings(ids)
	return ids
}

// Touch moves activity timestamps forward for a message sent at ts.
func (c *Conversation) Touch(ts int64) {
	if ts > c.ActiveAt {
		c.ActiveAt = ts
	}
	if ts > c.LatestMessageTimestamp {
		c.LatestMessageTimestamp = ts
	}
}

// Contact is a directory entry.
type Contact struct {
	ID            string `json:"id"`
	DisplayName   string `json:"displayName,omitempty"`
	DirectoryUser bool   `json:"directoryUser"`
	ProfileKey    string `json:"profileKey,omitempty"`
	UpdatedAt     int64  `json:"updatedAt"`
}
