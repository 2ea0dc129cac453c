// Chatsync - Conversation Synchronization Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/chatsync

// Package storage persists conversations, messages, contacts, auxiliary
// records and key/value bookkeeping in BadgerDB.
//
// Key layout:
//
//	conv:<conversationId>                          conversation JSON
//	msg:<conversationId>:<sentAt %020d>:<msgId>    message JSON
//	msgkey:<sentAt>:<source>:<device>              message key (dedup index)
//	contact:<id>                                   contact JSON
//	aux:<kind>:<id>                                task/vote/reminder JSON
//	kv:<key>                                       raw bytes (ledger versions, credentials)
//
// Storage is the long-lived source of truth; the registry is rebuilt from it
// at startup.
package storage

import (
	"context"
	"errors"

	"github.com/tomtom215/chatsync/internal/models"
)

// Errors
var (
	// ErrClosed is returned when the store is closed.
	ErrClosed = errors.New("store is closed")

	// ErrNotFound is returned when a record doesn't exist.
	ErrNotFound = errors.New("not found")
)

// KVEntry is one key/value setting.
type KVEntry struct {
	Key   string
	Value []byte
}

// Store is the persistence contract used by the engine.
type Store interface {
	// LoadConversations returns every stored conversation.
	LoadConversations(ctx context.Context) ([]*models.Conversation, error)
	// GetConversation returns one conversation or ErrNotFound.
	GetConversation(ctx context.Context, id string) (*models.Conversation, error)
	// SaveConversation upserts a conversation and any messages in one transaction.
	SaveConversation(ctx context.Context, conv *models.Conversation, msgs ...*models.Message) error
	// SaveConversationKV is SaveConversation plus key/value settings in the
	// same transaction.
	SaveConversationKV(ctx context.Context, conv *models.Conversation, kv []KVEntry, msgs ...*models.Message) error

	// SaveMessages upserts messages and their dedup index entries.
	SaveMessages(ctx context.Context, msgs ...*models.Message) error
	// GetMessageByKey looks a message up by its dedup key.
	GetMessageByKey(ctx context.Context, key models.DedupKey) (*models.Message, error)
	// FindMessage looks a message up by sent-at and author, any device.
	FindMessage(ctx context.Context, sentAt int64, author string) (*models.Message, error)
	// ListMessages returns a conversation's messages in sent-at order.
	ListMessages(ctx context.Context, conversationID string) ([]*models.Message, error)
	// CountUnread counts incoming, unread messages newer than after.
	CountUnread(ctx context.Context, conversationID string, after int64) (int, error)

	// GetKV returns a key/value setting or ErrNotFound.
	GetKV(ctx context.Context, key string) ([]byte, error)
	// PutKV stores a key/value setting.
	PutKV(ctx context.Context, key string, value []byte) error
	// WipeKV deletes every key/value setting for which keep returns false.
	WipeKV(ctx context.Context, keep func(key string) bool) (int, error)

	// GetContact returns a contact or ErrNotFound.
	GetContact(ctx context.Context, id string) (*models.Contact, error)
	// SaveContacts upserts contacts.
	SaveContacts(ctx context.Context, contacts ...*models.Contact) error
	// DeleteContacts removes contacts.
	DeleteContacts(ctx context.Context, ids ...string) error
	// ListContacts returns every contact.
	ListContacts(ctx context.Context) ([]*models.Contact, error)

	// GetAux returns a task, vote or reminder record or ErrNotFound.
	GetAux(ctx context.Context, kind models.NotificationKind, id string) (map[string]any, error)
	// PutAux stores a task, vote or reminder record.
	PutAux(ctx context.Context, kind models.NotificationKind, id string, record map[string]any) error

	// Close releases the store.
	Close() error
}
