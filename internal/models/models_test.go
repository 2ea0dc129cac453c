// Chatsync - Conversation Synchronization Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/chatsync

package models

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
)

const testGroupID = "0123456789abcdef0123456789abcdef"

func TestRawNotification_Decode(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		raw       RawNotification
		wantKind  NotificationKind
		malformed bool
	}{
		{
			name: "group change",
			raw: RawNotification{
				Kind:    KindGroupChange,
				Display: true,
				Data:    []byte(`{"groupId":"` + testGroupID + `","changeVersion":6,"operator":"+1","operatorDeviceId":1,"memberDeltas":[{"uid":"+100","action":"add","role":2}]}`),
			},
			wantKind: KindGroupChange,
		},
		{
			name:     "directory change",
			raw:      RawNotification{Kind: KindDirectoryChange, Data: []byte(`{"directoryVersion":3,"members":[{"id":"+5","action":"delete"}]}`)},
			wantKind: KindDirectoryChange,
		},
		{
			name:     "vote change",
			raw:      RawNotification{Kind: KindVoteChange, Data: []byte(`{"id":"v1","version":2,"delta":{"closed":true}}`)},
			wantKind: KindVoteChange,
		},
		{
			name:     "shared config",
			raw:      RawNotification{Kind: KindSharedConfig, Data: []byte(`{"participants":["+1","+2"],"sharedSettingVersion":4,"delta":{"messageExpiry":60}}`)},
			wantKind: KindSharedConfig,
		},
		{
			name:      "unknown kind",
			raw:       RawNotification{Kind: "sticker", Data: []byte(`{}`)},
			malformed: true,
		},
		{
			name:      "missing data",
			raw:       RawNotification{Kind: KindGroupChange},
			malformed: true,
		},
		{
			name:      "bad json",
			raw:       RawNotification{Kind: KindGroupChange, Data: []byte(`{"groupId":`)},
			malformed: true,
		},
		{
			name:      "invalid group id",
			raw:       RawNotification{Kind: KindGroupChange, Data: []byte(`{"groupId":"+100","changeVersion":1}`)},
			malformed: true,
		},
		{
			name:      "invalid member action",
			raw:       RawNotification{Kind: KindGroupChange, Data: []byte(`{"groupId":"` + testGroupID + `","changeVersion":1,"memberDeltas":[{"uid":"+1","action":"kick"}]}`)},
			malformed: true,
		},
		{
			name:      "shared config with one participant",
			raw:       RawNotification{Kind: KindSharedConfig, Data: []byte(`{"participants":["+1"],"sharedSettingVersion":1}`)},
			malformed: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			n, err := tt.raw.Decode()
			if tt.malformed {
				if !errors.Is(err, ErrMalformed) {
					t.Fatalf("Decode() error = %v, want ErrMalformed", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Decode() error = %v", err)
			}
			if n.Payload.Kind() != tt.wantKind {
				t.Errorf("Kind() = %q, want %q", n.Payload.Kind(), tt.wantKind)
			}
		})
	}
}

func TestDecode_GroupChangeFields(t *testing.T) {
	t.Parallel()

	raw := RawNotification{
		Kind:    KindGroupChange,
		Time:    42,
		Display: true,
		Data:    []byte(`{"groupId":"` + testGroupID + `","changeVersion":6,"memberDeltas":[{"uid":"+100","action":"add","role":2}],"basicFieldDeltas":{"name":"Team"}}`),
	}
	n, err := raw.Decode()
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	gc, ok := n.Payload.(*GroupChange)
	if !ok {
		t.Fatalf("payload type %T", n.Payload)
	}
	if gc.ChangeVersion != 6 || len(gc.MemberDeltas) != 1 || gc.MemberDeltas[0].Role != RoleMember {
		t.Errorf("unexpected payload: %+v", gc)
	}
	if gc.BasicFieldDeltas == nil || gc.BasicFieldDeltas.Name == nil || *gc.BasicFieldDeltas.Name != "Team" {
		t.Errorf("name delta not decoded: %+v", gc.BasicFieldDeltas)
	}
	if !n.Display || n.Time != 42 {
		t.Errorf("envelope fields lost: %+v", n)
	}
}

func TestDedupKey_RoundTrip(t *testing.T) {
	t.Parallel()

	k := DedupKey{SentAt: 1700000000123, Source: "+100", SourceDevice: 2}
	parsed, err := ParseDedupKey(k.String())
	if err != nil {
		t.Fatalf("ParseDedupKey() error = %v", err)
	}
	if parsed != k {
		t.Errorf("ParseDedupKey() = %+v, want %+v", parsed, k)
	}

	for _, bad := range []string{"", "1:+1", "x:+1:1", "1:+1:y"} {
		if _, err := ParseDedupKey(bad); !errors.Is(err, ErrMalformed) {
			t.Errorf("ParseDedupKey(%q) error = %v, want ErrMalformed", bad, err)
		}
	}
}

func TestConversation_CloneIsDeep(t *testing.T) {
	t.Parallel()

	c := NewConversation(testGroupID, ConversationGroup)
	c.MembersV2 = []Member{{ID: "+1", Role: RoleOwner}}
	c.Pins = []Pin{{SentAt: 1, Source: "+1", SourceDevice: 1}}
	c.ReadPositions["+1"] = ReadPosition{MaxServerTimestamp: 10}

	clone := c.Clone()
	clone.MembersV2[0].Role = RoleMember
	clone.Pins[0].SentAt = 2
	clone.ReadPositions["+1"] = ReadPosition{MaxServerTimestamp: 20}

	if c.MembersV2[0].Role != RoleOwner || c.Pins[0].SentAt != 1 || c.ReadPositions["+1"].MaxServerTimestamp != 10 {
		t.Error("mutating the clone changed the original")
	}
}

func TestReadPosition_AdvanceIsMonotonic(t *testing.T) {
	t.Parallel()

	p := ReadPosition{MaxServerTimestamp: 100, MaxNotifySequenceID: 5, ReadAt: 7}
	if p.Advance(ReadPosition{MaxServerTimestamp: 50, MaxNotifySequenceID: 4, ReadAt: 1}) {
		t.Error("older position should not advance")
	}
	if !p.Advance(ReadPosition{MaxServerTimestamp: 150}) {
		t.Error("newer timestamp should advance")
	}
	if p.MaxServerTimestamp != 150 || p.MaxNotifySequenceID != 5 || p.ReadAt != 7 {
		t.Errorf("unexpected position %+v", p)
	}
}

func TestMessage_ApplyReaction(t *testing.T) {
	t.Parallel()

	m := &Message{}
	m.ApplyReaction(Reaction{Emoji: "👍", FromID: "+1"}, false)
	m.ApplyReaction(Reaction{Emoji: "❤️", FromID: "+2"}, false)
	m.ApplyReaction(Reaction{Emoji: "😂", FromID: "+1"}, false)

	if len(m.Reactions) != 2 {
		t.Fatalf("expected 2 reactions, got %d", len(m.Reactions))
	}
	m.ApplyReaction(Reaction{FromID: "+2"}, true)
	if len(m.Reactions) != 1 || m.Reactions[0].Emoji != "😂" {
		t.Errorf("unexpected reactions %+v", m.Reactions)
	}
}

func TestEvent_ConfirmOnce(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	e := NewEvent(EventMessage, func() { calls.Add(1) })

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			e.Confirm()
		}()
	}
	wg.Wait()

	if calls.Load() != 1 {
		t.Errorf("ack called %d times, want 1", calls.Load())
	}

	// Events without an ack are safe to confirm.
	NewEvent(EventEmpty, nil).Confirm()
}
