// Chatsync - Conversation Synchronization Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/chatsync

package events

import (
	"context"
	"testing"
	"time"
)

func TestBus_PublishSubscribe(t *testing.T) {
	t.Parallel()

	bus := NewBus(nil)
	defer bus.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := bus.Subscribe(ctx, TopicConversationChanged)
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	bus.Publish(TopicConversationChanged, ConversationChanged{ConversationID: "+100", Reason: "message"})
	bus.Publish(TopicUnreadChanged, UnreadChanged{ConversationID: "+100", UnreadCount: 3})

	select {
	case msg := <-ch:
		var got ConversationChanged
		if err := Decode(msg, &got); err != nil {
			t.Fatalf("Decode() error = %v", err)
		}
		if got.ConversationID != "+100" || got.Reason != "message" {
			t.Errorf("unexpected event %+v", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestBus_PublishWithoutSubscriberDoesNotBlock(t *testing.T) {
	t.Parallel()

	bus := NewBus(nil)
	defer bus.Close()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 1000; i++ {
			bus.Publish(TopicSyncProgress, SyncProgress{Count: i})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Publish blocked without subscribers")
	}
}

func TestBus_Closed(t *testing.T) {
	t.Parallel()

	bus := NewBus(nil)
	if err := bus.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := bus.Close(); err != nil {
		t.Fatalf("second Close() error = %v", err)
	}

	bus.Publish(TopicConnectionState, ConnectionState{State: "offline"})
	if _, err := bus.Subscribe(context.Background(), TopicConnectionState); err == nil {
		t.Error("Subscribe() on closed bus should fail")
	}
}
