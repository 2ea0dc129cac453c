// Chatsync - Conversation Synchronization Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/chatsync

package storage

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/tomtom215/chatsync/internal/models"
)

const testGroupID = "0123456789abcdef0123456789abcdef"

// Test helpers

func openTestStore(t *testing.T) *BadgerStore {
	t.Helper()
	s, err := OpenInMemory()
	if err != nil {
		t.Fatalf("OpenInMemory() error = %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func testMessage(conv, id, source string, sentAt int64) *models.Message {
	return &models.Message{
		ID:             id,
		ConversationID: conv,
		Type:           models.MessageIncoming,
		Source:         source,
		SourceDevice:   1,
		SentAt:         sentAt,
		Body:           "hello",
	}
}

func TestSaveConversationKV_IsAtomic(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	c := models.NewConversation(testGroupID, models.ConversationGroup)
	c.Versions.ChangeVersion = 2
	kv := []KVEntry{{Key: "ledger:group:" + testGroupID, Value: []byte("2")}}

	// A message without an id fails the transaction.
	bad := &models.Message{ConversationID: testGroupID}
	if err := s.SaveConversationKV(ctx, c, kv, bad); err == nil {
		t.Fatal("SaveConversationKV() with invalid message should fail")
	}
	if _, err := s.GetKV(ctx, kv[0].Key); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetKV() after failed save error = %v, want ErrNotFound", err)
	}
	if _, err := s.GetConversation(ctx, testGroupID); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetConversation() after failed save error = %v, want ErrNotFound", err)
	}

	if err := s.SaveConversationKV(ctx, c, kv); err != nil {
		t.Fatalf("SaveConversationKV() error = %v", err)
	}
	got, err := s.GetKV(ctx, kv[0].Key)
	if err != nil || string(got) != "2" {
		t.Errorf("GetKV() = %q, %v, want 2", got, err)
	}
}

func TestConversationRoundTrip(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	if _, err := s.GetConversation(ctx, "+100"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("GetConversation() error = %v, want ErrNotFound", err)
	}

	c := models.NewConversation(testGroupID, models.ConversationGroup)
	c.Versions.ChangeVersion = 5
	c.MembersV2 = []models.Member{{ID: "+1", Role: models.RoleOwner}}
	sys := &models.Message{ID: "m-sys", ConversationID: testGroupID, Type: models.MessageSystem, Source: "+1", SourceDevice: 1, SentAt: 10}

	if err := s.SaveConversation(ctx, c, sys); err != nil {
		t.Fatalf("SaveConversation() error = %v", err)
	}

	got, err := s.GetConversation(ctx, testGroupID)
	if err != nil {
		t.Fatalf("GetConversation() error = %v", err)
	}
	if got.Versions.ChangeVersion != 5 || len(got.MembersV2) != 1 {
		t.Errorf("unexpected conversation %+v", got)
	}

	msgs, err := s.ListMessages(ctx, testGroupID)
	if err != nil {
		t.Fatalf("ListMessages() error = %v", err)
	}
	if len(msgs) != 1 || msgs[0].ID != "m-sys" {
		t.Errorf("expected the system message saved with the conversation, got %+v", msgs)
	}

	all, err := s.LoadConversations(ctx)
	if err != nil || len(all) != 1 {
		t.Fatalf("LoadConversations() = %d, %v", len(all), err)
	}
}

func TestMessageIndexes(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	m1 := testMessage("+100", "a", "+100", 2000)
	m2 := testMessage("+100", "b", "+100", 1000)
	m3 := testMessage("+200", "c", "+200", 1500)
	if err := s.SaveMessages(ctx, m1, m2, m3); err != nil {
		t.Fatalf("SaveMessages() error = %v", err)
	}

	got, err := s.GetMessageByKey(ctx, m1.Key())
	if err != nil || got.ID != "a" {
		t.Fatalf("GetMessageByKey() = %+v, %v", got, err)
	}
	if _, err := s.GetMessageByKey(ctx, models.DedupKey{SentAt: 2000, Source: "+100", SourceDevice: 9}); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetMessageByKey(other device) error = %v, want ErrNotFound", err)
	}

	found, err := s.FindMessage(ctx, 1500, "+200")
	if err != nil || found.ID != "c" {
		t.Fatalf("FindMessage() = %+v, %v", found, err)
	}
	if _, err := s.FindMessage(ctx, 1500, "+100"); !errors.Is(err, ErrNotFound) {
		t.Errorf("FindMessage(wrong author) error = %v", err)
	}

	list, err := s.ListMessages(ctx, "+100")
	if err != nil {
		t.Fatalf("ListMessages() error = %v", err)
	}
	if len(list) != 2 || list[0].ID != "b" || list[1].ID != "a" {
		t.Errorf("ListMessages() not in sent-at order: %+v", list)
	}
}

func TestCountUnread(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	read := testMessage("+100", "r", "+100", 300)
	read.Read = true
	out := testMessage("+100", "o", "+1", 400)
	out.Type = models.MessageOutgoing
	if err := s.SaveMessages(ctx,
		testMessage("+100", "1", "+100", 100),
		testMessage("+100", "2", "+100", 200),
		read, out,
	); err != nil {
		t.Fatalf("SaveMessages() error = %v", err)
	}

	n, err := s.CountUnread(ctx, "+100", 150)
	if err != nil {
		t.Fatalf("CountUnread() error = %v", err)
	}
	if n != 1 {
		t.Errorf("CountUnread() = %d, want 1", n)
	}
}

func TestWipeKV_KeepsAllowList(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	for _, key := range []string{"everRegistered", "numberId", "ledger:group:x", "password", "migration:3"} {
		if err := s.PutKV(ctx, key, []byte("v")); err != nil {
			t.Fatalf("PutKV(%s) error = %v", key, err)
		}
	}

	keep := func(key string) bool {
		return key == "everRegistered" || key == "numberId" || strings.HasPrefix(key, "migration:")
	}
	n, err := s.WipeKV(ctx, keep)
	if err != nil {
		t.Fatalf("WipeKV() error = %v", err)
	}
	if n != 2 {
		t.Errorf("WipeKV() removed %d, want 2", n)
	}

	for key, want := range map[string]bool{"everRegistered": true, "numberId": true, "migration:3": true, "ledger:group:x": false, "password": false} {
		_, err := s.GetKV(ctx, key)
		if got := err == nil; got != want {
			t.Errorf("key %s present = %v, want %v (err %v)", key, got, want, err)
		}
	}
}

func TestContactsAndAux(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.SaveContacts(ctx, &models.Contact{ID: "+1", DirectoryUser: true}, &models.Contact{ID: "+2"}); err != nil {
		t.Fatalf("SaveContacts() error = %v", err)
	}
	if err := s.DeleteContacts(ctx, "+2"); err != nil {
		t.Fatalf("DeleteContacts() error = %v", err)
	}
	contacts, err := s.ListContacts(ctx)
	if err != nil || len(contacts) != 1 || contacts[0].ID != "+1" {
		t.Fatalf("ListContacts() = %+v, %v", contacts, err)
	}

	if _, err := s.GetAux(ctx, models.KindTaskChange, "t1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetAux() error = %v, want ErrNotFound", err)
	}
	if err := s.PutAux(ctx, models.KindTaskChange, "t1", map[string]any{"version": 2, "title": "x"}); err != nil {
		t.Fatalf("PutAux() error = %v", err)
	}
	rec, err := s.GetAux(ctx, models.KindTaskChange, "t1")
	if err != nil || rec["title"] != "x" {
		t.Errorf("GetAux() = %+v, %v", rec, err)
	}
	if _, err := s.GetAux(ctx, models.KindVoteChange, "t1"); !errors.Is(err, ErrNotFound) {
		t.Error("aux kinds must not share a key space")
	}
}

func TestClosedStore(t *testing.T) {
	t.Parallel()

	s, err := Open(Config{Path: filepath.Join(t.TempDir(), "db"), SyncWrites: false})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if err := s.PutKV(context.Background(), "k", []byte("v")); err != nil {
		t.Fatalf("PutKV() error = %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := s.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}
	if _, err := s.GetKV(context.Background(), "k"); !errors.Is(err, ErrClosed) {
		t.Errorf("GetKV() after close error = %v, want ErrClosed", err)
	}
}
