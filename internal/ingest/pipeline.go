// Chatsync - Conversation Synchronization Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/chatsync

// Package ingest turns delivered envelopes into persisted messages.
//
// Pipeline stages, in order:
//
//  1. Cooperative yield and context check
//  2. Validation (malformed envelopes are rejected)
//  3. Overlays: profile key updates, reactions and pins are merged onto
//     existing records and never persisted as messages (Absorbed)
//  4. Dedup on (sentAt, source, sourceDevice): recent-window LRU, then storage
//  5. Sequence gap fill through the pull API, using the same dedup path.
//     Ranges that could not be pulled stay on the conversation and are
//     retried on its next message.
//  6. Persist the message with the conversation's watermarks and unread count
//
// Ingest must run inside the conversation's job queue slot.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sort"
	"time"

	"github.com/tomtom215/chatsync/internal/cache"
	"github.com/tomtom215/chatsync/internal/events"
	"github.com/tomtom215/chatsync/internal/logging"
	"github.com/tomtom215/chatsync/internal/metrics"
	"github.com/tomtom215/chatsync/internal/models"
	"github.com/tomtom215/chatsync/internal/remote"
	"github.com/tomtom215/chatsync/internal/storage"
	"github.com/tomtom215/chatsync/internal/validation"
)

// Result is the outcome of ingesting one envelope.
type Result int

const (
	// Accepted: a new message was persisted, or a placeholder was re-promoted.
	Accepted Result = iota
	// Duplicate: the message was already known.
	Duplicate
	// Rejected: malformed, or an overlay whose target is unknown.
	Rejected
	// Absorbed: an overlay was merged onto an existing record.
	Absorbed
)

func (r Result) String() string {
	switch r {
	case Accepted:
		return "accepted"
	case Duplicate:
		return "duplicate"
	case Rejected:
		return "rejected"
	case Absorbed:
		return "absorbed"
	default:
		return "unknown"
	}
}

// Conversations is the registry slice the pipeline uses.
type Conversations interface {
	Get(id string) (*models.Conversation, error)
	GetOrCreate(ctx context.Context, id string, t models.ConversationType) (*models.Conversation, error)
	Update(ctx context.Context, c *models.Conversation, reason string, silent bool, msgs ...*models.Message) error
}

// Store is the storage slice the pipeline uses.
type Store interface {
	GetMessageByKey(ctx context.Context, key models.DedupKey) (*models.Message, error)
	FindMessage(ctx context.Context, sentAt int64, author string) (*models.Message, error)
	CountUnread(ctx context.Context, conversationID string, after int64) (int, error)
	GetContact(ctx context.Context, id string) (*models.Contact, error)
	SaveContacts(ctx context.Context, contacts ...*models.Contact) error
}

// MessageFetcher pulls a range of a conversation's message stream.
type MessageFetcher interface {
	GetMessages(ctx context.Context, conversationID string, fromSeq, toSeq int64) (*remote.MessagePage, error)
}

// Config configures a Pipeline.
type Config struct {
	SelfID           string
	RecentWindowSize int
	RecentWindowTTL  time.Duration
	GapFillMaxRange  int64
}

// Pipeline ingests envelopes.
type Pipeline struct {
	cfg     Config
	convs   Conversations
	store   Store
	fetcher MessageFetcher
	bus     events.Publisher

	// recent holds dedup keys of fully decoded messages seen recently.
	recent *cache.LRU[string, struct{}]

	now func() int64
}

// New creates a pipeline. fetcher and bus may be nil.
func New(cfg Config, convs Conversations, store Store, fetcher MessageFetcher, bus events.Publisher) *Pipeline {
	if cfg.RecentWindowSize <= 0 {
		cfg.RecentWindowSize = 5000
	}
	if cfg.RecentWindowTTL <= 0 {
		cfg.RecentWindowTTL = 10 * time.Minute
	}
	if cfg.GapFillMaxRange <= 0 {
		cfg.GapFillMaxRange = 500
	}
	return &Pipeline{
		cfg:     cfg,
		convs:   convs,
		store:   store,
		fetcher: fetcher,
		bus:     bus,
		recent:  cache.NewLRU[string, struct{}](cfg.RecentWindowSize, cfg.RecentWindowTTL),
		now:     func() int64 { return time.Now().UnixMilli() },
	}
}

// ConversationID returns the conversation an envelope belongs to: the group
// for group messages, otherwise the peer.
func ConversationID(env *models.Envelope, self string) string {
	switch {
	case env.GroupID != "":
		return env.GroupID
	case env.Source == self:
		return env.Destination
	default:
		return env.Source
	}
}

// Ingest processes one envelope. silent suppresses presentation events
// while the post-connect suppression window is open.
func (p *Pipeline) Ingest(ctx context.Context, env *models.Envelope, silent bool) (Result, error) {
	runtime.Gosched()
	if err := ctx.Err(); err != nil {
		return Rejected, err
	}

	res, err := p.ingest(ctx, env, silent)
	metrics.RecordIngest(res.String())
	return res, err
}

func (p *Pipeline) ingest(ctx context.Context, env *models.Envelope, silent bool) (Result, error) {
	if env == nil {
		return Rejected, fmt.Errorf("%w: nil envelope", models.ErrMalformed)
	}
	if err := validation.Validate(env); err != nil {
		return Rejected, fmt.Errorf("%w: envelope: %v", models.ErrMalformed, err)
	}
	return p.dispatch(ctx, env, silent, true)
}

// dispatch routes a validated envelope to its overlay or message stage.
func (p *Pipeline) dispatch(ctx context.Context, env *models.Envelope, silent, fillGaps bool) (Result, error) {
	convID := ConversationID(env, p.cfg.SelfID)
	if convID == "" {
		return Rejected, fmt.Errorf("%w: outgoing envelope without destination", models.ErrMalformed)
	}

	switch {
	case env.IsProfileKeyUpdate():
		return p.applyProfileKey(ctx, convID, env, silent)
	case env.Reaction != nil:
		return p.applyReaction(ctx, env, silent)
	case env.Pin != nil:
		return p.applyPin(ctx, env, silent)
	}
	return p.ingestMessage(ctx, convID, env, silent, fillGaps)
}

func (p *Pipeline) ingestMessage(ctx context.Context, convID string, env *models.Envelope, silent, fillGaps bool) (Result, error) {
	key := env.Key()
	if p.recent.Contains(key.String()) {
		return Duplicate, nil
	}

	existing, err := p.store.GetMessageByKey(ctx, key)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		existing = nil
	case err != nil:
		return Rejected, fmt.Errorf("dedup lookup %s: %w", key, err)
	}

	if existing != nil {
		if existing.Unsupported && !env.Unsupported {
			return p.repromote(ctx, existing, env, silent)
		}
		if !existing.Unsupported {
			p.recent.Add(key.String(), struct{}{})
		}
		return Duplicate, nil
	}

	conv, err := p.convs.GetOrCreate(ctx, convID, "")
	if err != nil {
		return Rejected, err
	}

	if fillGaps && p.fetcher != nil {
		if conv.LatestLoadedMsgSeqID > 0 && env.SequenceID > conv.LatestLoadedMsgSeqID+1 {
			conv.MissingSeqRanges = append(conv.MissingSeqRanges, models.SeqRange{
				From: conv.LatestLoadedMsgSeqID + 1,
				To:   env.SequenceID - 1,
			})
		}
		if len(conv.MissingSeqRanges) > 0 {
			remaining := p.fillGaps(ctx, conv.ID, conv.MissingSeqRanges, silent)
			// Gap fill persisted its own updates; continue from that state.
			if conv, err = p.convs.Get(convID); err != nil {
				return Rejected, err
			}
			conv.MissingSeqRanges = remaining
		}
	}

	msg := p.newMessage(convID, env)
	p.account(conv, msg)

	if err := p.convs.Update(ctx, conv, "message", silent, msg); err != nil {
		return Rejected, err
	}
	if !msg.Unsupported {
		p.recent.Add(key.String(), struct{}{})
	}
	if msg.Type == models.MessageIncoming && !msg.Read {
		p.publishUnread(conv)
	}
	return Accepted, nil
}

func (p *Pipeline) newMessage(convID string, env *models.Envelope) *models.Message {
	msg := &models.Message{
		ConversationID:  convID,
		Source:          env.Source,
		SourceDevice:    env.SourceDevice,
		SentAt:          env.SentAt,
		ServerTimestamp: env.ServerTimestamp,
		SequenceID:      env.SequenceID,
		Body:            env.Body,
		ExpireTimer:     env.ExpireTimer,
		Unsupported:     env.Unsupported,
	}
	msg.ID = messageID(msg.Key())
	msg.Type = p.direction(env)
	return msg
}

// messageID derives a stable id from the dedup key so a redelivered copy
// overwrites rather than duplicates.
func messageID(k models.DedupKey) string {
	return k.String()
}

func (p *Pipeline) direction(env *models.Envelope) models.MessageType {
	if env.Source == p.cfg.SelfID {
		return models.MessageOutgoing
	}
	return models.MessageIncoming
}

// account moves the conversation's watermarks and unread count for msg.
func (p *Pipeline) account(conv *models.Conversation, msg *models.Message) {
	conv.Touch(msg.Timestamp())
	if msg.SequenceID > 0 {
		if msg.SequenceID > conv.LatestLoadedMsgSeqID {
			conv.LatestLoadedMsgSeqID = msg.SequenceID
		}
		if conv.OldestLoadedMsgSeqID == 0 || msg.SequenceID < conv.OldestLoadedMsgSeqID {
			conv.OldestLoadedMsgSeqID = msg.SequenceID
		}
	}

	if msg.Type != models.MessageIncoming {
		msg.Read = true
		return
	}
	if own, ok := conv.ReadPositions[p.cfg.SelfID]; ok && msg.Timestamp() <= own.MaxServerTimestamp {
		msg.Read = true
		return
	}
	conv.UnreadCount++
}

// repromote replaces a stored placeholder with a decodable copy. The record
// keeps its id and overlays, and its direction is re-evaluated.
func (p *Pipeline) repromote(ctx context.Context, placeholder *models.Message, env *models.Envelope, silent bool) (Result, error) {
	msg := p.newMessage(placeholder.ConversationID, env)
	msg.ID = placeholder.ID
	msg.Reactions = placeholder.Reactions
	msg.Pinned = placeholder.Pinned
	msg.Read = placeholder.Read

	conv, err := p.convs.GetOrCreate(ctx, placeholder.ConversationID, "")
	if err != nil {
		return Rejected, err
	}
	if msg.Type != models.MessageIncoming {
		msg.Read = true
	}
	if placeholder.Type == models.MessageIncoming && !placeholder.Read && msg.Read {
		conv.UnreadCount = max(conv.UnreadCount-1, 0)
	}
	conv.Touch(msg.Timestamp())

	if err := p.convs.Update(ctx, conv, "message_repromoted", silent, msg); err != nil {
		return Rejected, err
	}
	p.recent.Add(msg.Key().String(), struct{}{})
	metrics.RecordIngest("repromoted")

	logging.Ctx(ctx).Debug().
		Str("conversation_id", conv.ID).
		Str("dedup_key", msg.Key().String()).
		Msg("Placeholder message re-promoted")
	return Accepted, nil
}

// fillGaps pulls missing ranges newest first, at most GapFillMaxRange
// sequence ids per call, and returns the ranges still missing. A range whose
// pull fails is kept whole and stops the pass; an oversized range keeps its
// unpulled head for the next call.
func (p *Pipeline) fillGaps(ctx context.Context, convID string, missing []models.SeqRange, silent bool) []models.SeqRange {
	budget := p.cfg.GapFillMaxRange
	var remaining []models.SeqRange
	for i := len(missing) - 1; i >= 0; i-- {
		r := missing[i]
		if budget <= 0 {
			remaining = append(remaining, r)
			continue
		}
		pull := r
		if pull.Len() > budget {
			pull.From = pull.To - budget + 1
		}
		if err := p.fillRange(ctx, convID, pull, silent); err != nil {
			remaining = append(remaining, r)
			budget = 0
			continue
		}
		budget -= pull.Len()
		if pull.From > r.From {
			remaining = append(remaining, models.SeqRange{From: r.From, To: pull.From - 1})
		}
	}
	sort.Slice(remaining, func(i, j int) bool { return remaining[i].From < remaining[j].From })
	return remaining
}

// fillRange pulls one range and ingests it through the dedup path.
func (p *Pipeline) fillRange(ctx context.Context, convID string, r models.SeqRange, silent bool) error {
	log := logging.Ctx(ctx).With().
		Str("conversation_id", convID).
		Int64("from_seq", r.From).
		Int64("to_seq", r.To).
		Logger()

	page, err := p.fetcher.GetMessages(ctx, convID, r.From, r.To)
	if err != nil {
		log.Warn().Err(err).Msg("Sequence gap fill failed, range kept for retry")
		return err
	}

	filled := 0
	var failed error
	for i := range page.Messages {
		env := &page.Messages[i]
		if err := validation.Validate(env); err != nil {
			log.Warn().Err(err).Msg("Skipping malformed gap fill message")
			continue
		}
		if id := ConversationID(env, p.cfg.SelfID); id != convID {
			log.Warn().Str("message_conversation_id", id).Msg("Skipping gap fill message for another conversation")
			continue
		}
		res, err := p.dispatch(ctx, env, silent, false)
		switch {
		case errors.Is(err, models.ErrMalformed):
			log.Warn().Err(err).Msg("Skipping malformed gap fill message")
		case err != nil:
			failed = err
		case res == Accepted:
			filled++
		}
	}
	metrics.GapFillMessages.Add(float64(filled))
	if failed != nil {
		log.Warn().Err(failed).Int("filled", filled).Msg("Gap fill message not stored, range kept for retry")
		return failed
	}
	log.Debug().Int("filled", filled).Int("received", len(page.Messages)).Msg("Sequence gap filled")
	return nil
}

func (p *Pipeline) applyProfileKey(ctx context.Context, convID string, env *models.Envelope, silent bool) (Result, error) {
	if env.ProfileKey == "" {
		return Rejected, fmt.Errorf("%w: profile key update without key", models.ErrMalformed)
	}

	contact, err := p.store.GetContact(ctx, env.Source)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		contact = &models.Contact{ID: env.Source}
	case err != nil:
		return Rejected, fmt.Errorf("load contact %s: %w", env.Source, err)
	}
	contact.ProfileKey = env.ProfileKey
	contact.UpdatedAt = p.now()
	if err := p.store.SaveContacts(ctx, contact); err != nil {
		return Rejected, fmt.Errorf("save contact %s: %w", env.Source, err)
	}

	conv, err := p.convs.GetOrCreate(ctx, convID, "")
	if err != nil {
		return Rejected, err
	}
	if !conv.ProfileSharing {
		conv.ProfileSharing = true
		if err := p.convs.Update(ctx, conv, "profile_key", silent); err != nil {
			return Rejected, err
		}
	}
	return Absorbed, nil
}

// findTarget resolves the message an overlay references.
func (p *Pipeline) findTarget(ctx context.Context, sentAt int64, author string) (*models.Message, error) {
	target, err := p.store.FindMessage(ctx, sentAt, author)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find message %d by %s: %w", sentAt, author, err)
	}
	return target, nil
}

// applyReaction merges a reaction onto its target. A reaction sent from
// another local device implies the target was read, so it is marked read
// unless the conversation withholds read receipts.
func (p *Pipeline) applyReaction(ctx context.Context, env *models.Envelope, silent bool) (Result, error) {
	r := env.Reaction
	target, err := p.findTarget(ctx, r.TargetSentAt, r.TargetAuthor)
	if err != nil {
		return Rejected, err
	}
	if target == nil {
		logging.Ctx(ctx).Debug().Int64("target_sent_at", r.TargetSentAt).Str("target_author", r.TargetAuthor).Msg("Reaction target not found")
		return Rejected, nil
	}

	conv, err := p.convs.GetOrCreate(ctx, target.ConversationID, "")
	if err != nil {
		return Rejected, err
	}

	target.ApplyReaction(models.Reaction{Emoji: r.Emoji, FromID: env.Source, Timestamp: env.SentAt}, r.Remove)
	markedRead := false
	if env.Source == p.cfg.SelfID && !conv.NoReadReceipts && !target.Read {
		target.Read = true
		markedRead = target.Type == models.MessageIncoming
	}
	if markedRead {
		if err := p.recountUnread(ctx, conv); err != nil {
			return Rejected, err
		}
		// The recount ran before the target was saved as read.
		if target.Timestamp() > conv.ReadPositions[p.cfg.SelfID].MaxServerTimestamp {
			conv.UnreadCount = max(conv.UnreadCount-1, 0)
		}
	}

	if err := p.convs.Update(ctx, conv, "reaction", silent, target); err != nil {
		return Rejected, err
	}
	if markedRead {
		p.publishUnread(conv)
	}
	return Absorbed, nil
}

func (p *Pipeline) applyPin(ctx context.Context, env *models.Envelope, silent bool) (Result, error) {
	pin := env.Pin
	target, err := p.findTarget(ctx, pin.TargetSentAt, pin.TargetAuthor)
	if err != nil {
		return Rejected, err
	}
	if target == nil {
		return Rejected, nil
	}
	if target.Pinned == pin.Pinned {
		return Absorbed, nil
	}

	conv, err := p.convs.GetOrCreate(ctx, target.ConversationID, "")
	if err != nil {
		return Rejected, err
	}
	target.Pinned = pin.Pinned
	if err := p.convs.Update(ctx, conv, "pin", silent, target); err != nil {
		return Rejected, err
	}
	return Absorbed, nil
}

// recountUnread recomputes the unread count from storage against the local
// read position.
func (p *Pipeline) recountUnread(ctx context.Context, conv *models.Conversation) error {
	after := conv.ReadPositions[p.cfg.SelfID].MaxServerTimestamp
	n, err := p.store.CountUnread(ctx, conv.ID, after)
	if err != nil {
		return err
	}
	conv.UnreadCount = n
	return nil
}

func (p *Pipeline) publishUnread(conv *models.Conversation) {
	if p.bus == nil {
		return
	}
	p.bus.Publish(events.TopicUnreadChanged, events.UnreadChanged{
		ConversationID: conv.ID,
		UnreadCount:    conv.UnreadCount,
	})
}
