// Chatsync - Conversation Synchronization Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/chatsync

// Package registry owns the in-memory model of every conversation, rebuilt
// from storage at startup and written through on every update.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/tomtom215/chatsync/internal/events"
	"github.com/tomtom215/chatsync/internal/logging"
	"github.com/tomtom215/chatsync/internal/models"
	"github.com/tomtom215/chatsync/internal/storage"
	"github.com/tomtom215/chatsync/internal/validation"
)

// Errors
var (
	// ErrNotReady is returned until Load has completed.
	ErrNotReady = errors.New("registry not loaded")

	// ErrNotFound is returned by Get for an unknown conversation.
	ErrNotFound = errors.New("conversation not found")

	// ErrInvalidID is returned for ids matching neither conversation format.
	ErrInvalidID = errors.New("invalid conversation id")
)

// Store is the persistence the registry needs.
type Store interface {
	LoadConversations(ctx context.Context) ([]*models.Conversation, error)
	SaveConversation(ctx context.Context, conv *models.Conversation, msgs ...*models.Message) error
	SaveConversationKV(ctx context.Context, conv *models.Conversation, kv []storage.KVEntry, msgs ...*models.Message) error
}

var _ Store = (storage.Store)(nil)

// Registry is the conversation cache.
type Registry struct {
	store Store
	bus   events.Publisher

	ready atomic.Bool

	mu    sync.RWMutex
	convs map[string]*models.Conversation
}

// New creates an unloaded registry. bus may be nil.
func New(store Store, bus events.Publisher) *Registry {
	return &Registry{
		store: store,
		bus:   bus,
		convs: make(map[string]*models.Conversation),
	}
}

// Load reads every stored conversation. Until it returns nil every other
// call fails with ErrNotReady.
func (r *Registry) Load(ctx context.Context) error {
	convs, err := r.store.LoadConversations(ctx)
	if err != nil {
		return fmt.Errorf("load registry: %w", err)
	}

	r.mu.Lock()
	r.convs = make(map[string]*models.Conversation, len(convs))
	for _, c := range convs {
		r.convs[c.ID] = c
	}
	r.mu.Unlock()

	r.ready.Store(true)
	logging.Info().Int("conversations", len(convs)).Msg("Conversation registry loaded")
	return nil
}

// Ready reports whether Load has completed.
func (r *Registry) Ready() bool {
	return r.ready.Load()
}

// TypeOf returns the conversation type implied by an id's format.
func TypeOf(id string) (models.ConversationType, error) {
	switch {
	case validation.IsDirectID(id):
		return models.ConversationDirect, nil
	case validation.IsGroupID(id):
		return models.ConversationGroup, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidID, id)
	}
}

// Get returns a copy of the conversation or ErrNotFound.
func (r *Registry) Get(id string) (*models.Conversation, error) {
	if !r.Ready() {
		return nil, ErrNotReady
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.convs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return c.Clone(), nil
}

// GetOrCreate returns a copy of the conversation, persisting a skeleton
// record on first use. The type is taken from the id format; t is only
// checked against it.
func (r *Registry) GetOrCreate(ctx context.Context, id string, t models.ConversationType) (*models.Conversation, error) {
	if !r.Ready() {
		return nil, ErrNotReady
	}

	implied, err := TypeOf(id)
	if err != nil {
		return nil, err
	}
	if t != "" && t != implied {
		return nil, fmt.Errorf("%w: %q is not a %s id", ErrInvalidID, id, t)
	}

	r.mu.RLock()
	c, ok := r.convs[id]
	r.mu.RUnlock()
	if ok {
		return c.Clone(), nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.convs[id]; ok {
		return c.Clone(), nil
	}

	c = models.NewConversation(id, implied)
	if err := r.store.SaveConversation(ctx, c); err != nil {
		return nil, fmt.Errorf("create conversation %s: %w", id, err)
	}
	r.convs[id] = c

	logging.Debug().Str("conversation_id", id).Str("type", string(implied)).Msg("Conversation created")
	return c.Clone(), nil
}

// Update persists the conversation's full attribute set, together with any
// messages, in one transaction, then publishes a change event.
func (r *Registry) Update(ctx context.Context, c *models.Conversation, reason string, silent bool, msgs ...*models.Message) error {
	return r.UpdateKV(ctx, c, reason, silent, nil, msgs...)
}

// UpdateKV is Update plus key/value settings, such as ledger entries,
// written in the same transaction as the conversation.
func (r *Registry) UpdateKV(ctx context.Context, c *models.Conversation, reason string, silent bool, kv []storage.KVEntry, msgs ...*models.Message) error {
	if !r.Ready() {
		return ErrNotReady
	}
	if c == nil {
		return fmt.Errorf("update: nil conversation")
	}

	stored := c.Clone()
	var err error
	if len(kv) == 0 {
		err = r.store.SaveConversation(ctx, stored, msgs...)
	} else {
		err = r.store.SaveConversationKV(ctx, stored, kv, msgs...)
	}
	if err != nil {
		return fmt.Errorf("update conversation %s: %w", c.ID, err)
	}

	r.mu.Lock()
	r.convs[c.ID] = stored
	r.mu.Unlock()

	if r.bus != nil {
		r.bus.Publish(events.TopicConversationChanged, events.ConversationChanged{
			ConversationID: c.ID,
			Reason:         reason,
			Silent:         silent,
		})
	}
	return nil
}

// IDs returns every known conversation id, sorted.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.convs))
	for id := range r.convs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Len returns the number of conversations.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.convs)
}
