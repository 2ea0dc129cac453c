// Chatsync - Conversation Synchronization Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/chatsync

// Package notify decodes notifications, routes each one onto its
// aggregate's job queue slot and reconciles local state against the version
// ledger.
//
// Every handler follows the same shape:
//
//	Compare(ledger, incoming version)
//	  Stale      -> no-op
//	  Sequential -> apply the delta, persist, Commit(incoming)
//	  Gap        -> discard the delta, full reload, Commit(reload version)
//
// Handlers are re-entrant: a redelivered notification classifies as Stale.
// A failed reload returns an error and leaves the ledger untouched, so the
// next notification for the aggregate retries the reload.
package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/tomtom215/chatsync/internal/jobqueue"
	"github.com/tomtom215/chatsync/internal/ledger"
	"github.com/tomtom215/chatsync/internal/logging"
	"github.com/tomtom215/chatsync/internal/metrics"
	"github.com/tomtom215/chatsync/internal/models"
	"github.com/tomtom215/chatsync/internal/remote"
	"github.com/tomtom215/chatsync/internal/storage"
)

// Queue keys shared by more than one aggregate.
const (
	DirectoryQueueKey = "directory"
	AuxQueueKey       = "aux"
)

// Queue is the job queue the router schedules onto.
type Queue interface {
	Enqueue(ctx context.Context, key string, fn jobqueue.Job) error
}

// Conversations is the registry slice the handlers use.
type Conversations interface {
	Get(id string) (*models.Conversation, error)
	GetOrCreate(ctx context.Context, id string, t models.ConversationType) (*models.Conversation, error)
	Update(ctx context.Context, c *models.Conversation, reason string, silent bool, msgs ...*models.Message) error
	UpdateKV(ctx context.Context, c *models.Conversation, reason string, silent bool, kv []storage.KVEntry, msgs ...*models.Message) error
}

// Store is the storage slice the handlers use.
type Store interface {
	GetMessageByKey(ctx context.Context, key models.DedupKey) (*models.Message, error)
	ListContacts(ctx context.Context) ([]*models.Contact, error)
	SaveContacts(ctx context.Context, contacts ...*models.Contact) error
	DeleteContacts(ctx context.Context, ids ...string) error
	GetAux(ctx context.Context, kind models.NotificationKind, id string) (map[string]any, error)
	PutAux(ctx context.Context, kind models.NotificationKind, id string, record map[string]any) error
}

// Remote is the pull API used for gap reloads.
type Remote interface {
	GetConversationConfig(ctx context.Context, ids []string) ([]remote.ConversationConfigState, error)
	GetGroupFullState(ctx context.Context, groupID string) (*remote.GroupState, error)
	GetGroupPins(ctx context.Context, groupID string) (*remote.GroupPins, error)
	GetDirectoryFull(ctx context.Context) (*remote.DirectoryState, error)
	GetSharedConfig(ctx context.Context, pairKey string) (*remote.SharedConfigState, error)
	GetAux(ctx context.Context, kind models.NotificationKind, id string) (*remote.AuxRecord, error)
}

var _ Remote = (*remote.Client)(nil)

// Identity identifies the local account and device for self-echo detection.
type Identity struct {
	SelfID   string
	DeviceID int
}

// Router classifies notifications by aggregate and runs their handlers.
type Router struct {
	self   Identity
	queue  Queue
	ledger *ledger.Ledger
	convs  Conversations
	store  Store
	remote Remote

	now func() int64
}

// NewRouter creates a router.
func NewRouter(self Identity, queue Queue, l *ledger.Ledger, convs Conversations, store Store, rc Remote) *Router {
	return &Router{
		self:   self,
		queue:  queue,
		ledger: l,
		convs:  convs,
		store:  store,
		remote: rc,
		now:    func() int64 { return time.Now().UnixMilli() },
	}
}

// Route decodes raw and enqueues its handler on the aggregate's queue key.
// done runs once the handler has finished, whether or not it succeeded.
// A malformed notification is logged and dropped and done runs immediately.
// If the queue refuses the job, Route returns the error without calling done.
func (r *Router) Route(ctx context.Context, raw *models.RawNotification, silent bool, done func()) error {
	if done == nil {
		done = func() {}
	}

	n, err := raw.Decode()
	if err != nil {
		metrics.RecordNotification(string(raw.Kind), "malformed")
		logging.Ctx(ctx).Warn().Err(err).Str("kind", string(raw.Kind)).Msg("Dropping malformed notification")
		done()
		return nil
	}

	key := r.QueueKey(n.Payload)
	err = r.queue.Enqueue(ctx, key, func(jobCtx context.Context) error {
		defer done()
		return r.Handle(jobCtx, n, silent)
	})
	if err != nil {
		return fmt.Errorf("route %s notification: %w", n.Payload.Kind(), err)
	}
	return nil
}

// QueueKey returns the queue key a payload is serialized on.
func (r *Router) QueueKey(p models.Payload) string {
	switch p := p.(type) {
	case *models.GroupChange:
		return p.GroupID
	case *models.DirectoryChange:
		return DirectoryQueueKey
	case *models.ConversationConfigChange:
		return p.ConversationID
	case *models.SharedConfigChange:
		return p.Peer(r.self.SelfID)
	default:
		return AuxQueueKey
	}
}

// Handle runs the handler for n. It must be called from n's queue slot.
func (r *Router) Handle(ctx context.Context, n *models.Notification, silent bool) error {
	var err error
	switch p := n.Payload.(type) {
	case *models.GroupChange:
		err = r.handleGroup(ctx, n, p, silent)
	case *models.DirectoryChange:
		err = r.handleDirectory(ctx, p, silent)
	case *models.ConversationConfigChange:
		err = r.handleConversationConfig(ctx, p, silent)
	case *models.SharedConfigChange:
		err = r.handleSharedConfig(ctx, n, p, silent)
	case *models.AuxChange:
		err = r.handleAux(ctx, p)
	default:
		err = fmt.Errorf("no handler for %T", n.Payload)
	}

	if err != nil {
		kind, id, version := describe(n.Payload, r.self.SelfID)
		logging.ForAggregate(ctx, kind, id, version).Error().Err(err).Msg("Notification handler failed")
	}
	return err
}

// describe returns the aggregate kind, id and version of a payload.
func describe(p models.Payload, self string) (string, string, int64) {
	switch p := p.(type) {
	case *models.GroupChange:
		return string(p.Kind()), p.GroupID, p.ChangeVersion
	case *models.DirectoryChange:
		return string(p.Kind()), ledger.DirectoryKey().ID, p.DirectoryVersion
	case *models.ConversationConfigChange:
		return string(p.Kind()), p.ConversationID, p.SettingVersion
	case *models.SharedConfigChange:
		return string(p.Kind()), p.Peer(self), p.SharedSettingVersion
	case *models.AuxChange:
		return string(p.Kind()), p.ID, p.Version
	default:
		return "unknown", "", 0
	}
}

// classify compares incoming with the ledger and records the relation.
func (r *Router) classify(ctx context.Context, key ledger.Key, incoming int64) (ledger.Relation, error) {
	rel, err := r.ledger.Compare(ctx, key, incoming)
	if err != nil {
		return rel, err
	}
	metrics.RecordNotification(string(key.Kind), rel.String())
	logging.ForAggregate(ctx, string(key.Kind), key.ID, incoming).Debug().
		Str("relation", rel.String()).
		Msg("Notification classified")
	return rel, nil
}

// save persists conv and commits version for key in one transaction.
func (r *Router) save(ctx context.Context, key ledger.Key, version int64, conv *models.Conversation, reason string, silent bool, msgs ...*models.Message) error {
	return r.ledger.CommitWith(ctx, key, version, func(entries []storage.KVEntry) error {
		return r.convs.UpdateKV(ctx, conv, reason, silent, entries, msgs...)
	})
}

// timestamp picks the notification time, falling back to now.
func (r *Router) timestamp(n *models.Notification) int64 {
	if n != nil && n.Time > 0 {
		return n.Time
	}
	return r.now()
}
