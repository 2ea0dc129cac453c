// Chatsync - Conversation Synchronization Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/chatsync

// Package events is the one-directional presentation stream: conversation
// changes, unread-count recomputes, connection state and sync progress.
//
// Publishing is fire-and-forget. The engine never waits for presentation
// consumers, and a publish failure is logged, not returned.
package events

import (
	"context"
	"fmt"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/goccy/go-json"
)

// Topics
const (
	TopicConversationChanged = "conversation.changed"
	TopicUnreadChanged       = "conversation.unread"
	TopicConnectionState     = "connection.state"
	TopicSyncProgress        = "sync.progress"
)

// ConversationChanged is published after a conversation is persisted.
type ConversationChanged struct {
	ConversationID string `json:"conversationId"`
	Reason         string `json:"reason"`
	// Silent is set while notifications are suppressed after a reconnect.
	Silent bool `json:"silent,omitempty"`
}

// UnreadChanged asks presentation to refresh a conversation's unread badge.
type UnreadChanged struct {
	ConversationID string `json:"conversationId"`
	UnreadCount    int    `json:"unreadCount"`
}

// ConnectionState reports connection supervisor transitions and the
// reconnect countdown.
type ConnectionState struct {
	State     string `json:"state"`
	Attempt   int    `json:"attempt,omitempty"`
	RetryInMs int64  `json:"retryInMs,omitempty"`
	Degraded  bool   `json:"degraded,omitempty"`
}

// SyncProgress reports how many queued items the server still has.
type SyncProgress struct {
	Count int  `json:"count"`
	Done  bool `json:"done,omitempty"`
}

// Publisher is the publishing side of the bus.
type Publisher interface {
	Publish(topic string, payload any)
}

// Bus is an in-process watermill GoChannel pub/sub.
type Bus struct {
	pubsub *gochannel.GoChannel
	logger watermill.LoggerAdapter

	mu     sync.RWMutex
	closed bool
}

var _ Publisher = (*Bus)(nil)

// NewBus creates a bus. Messages published with no subscriber are dropped.
func NewBus(logger watermill.LoggerAdapter) *Bus {
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	return &Bus{
		pubsub: gochannel.NewGoChannel(gochannel.Config{
			OutputChannelBuffer:            256,
			Persistent:                     false,
			BlockPublishUntilSubscriberAck: false,
		}, logger),
		logger: logger,
	}
}

// Publish serializes payload and publishes it on topic.
func (b *Bus) Publish(topic string, payload any) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}

	data, err := json.Marshal(payload)
	if err != nil {
		b.logger.Error("Failed to marshal presentation event", err, watermill.LogFields{"topic": topic})
		return
	}

	msg := message.NewMessage(watermill.NewUUID(), data)
	if err := b.pubsub.Publish(topic, msg); err != nil {
		b.logger.Error("Failed to publish presentation event", err, watermill.LogFields{"topic": topic})
	}
}

// Subscribe returns the message channel for topic. Consumers must Ack every
// message to receive the next one.
func (b *Bus) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return nil, fmt.Errorf("bus is closed")
	}
	return b.pubsub.Subscribe(ctx, topic)
}

// Close shuts the bus down. Subscriber channels are closed.
func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	return b.pubsub.Close()
}

// Decode unmarshals a bus message payload into v and acks the message.
func Decode(msg *message.Message, v any) error {
	defer msg.Ack()
	return json.Unmarshal(msg.Payload, v)
}
