// Chatsync - Conversation Synchronization Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/chatsync

// Package engine wires the sync components together and dispatches
// transport events onto per-aggregate job queues.
//
// Event flow:
//
//	connection.Supervisor ──events chan──▶ SyncEngine.dispatch
//	                                         ├─ notification ──▶ notify.Router  ─┐
//	                                         ├─ message/sent ──▶ ingest.Pipeline ├─▶ jobqueue (per key)
//	                                         ├─ verified     ──▶ registry        ─┘
//	                                         ├─ receipts     ──▶ ingest.Batcher ──▶ jobqueue
//	                                         └─ barrier      ──▶ close(Done)
//
// The dispatch loop only enqueues, so a barrier is released once every
// earlier event has been handed to its queue.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tomtom215/chatsync/internal/events"
	"github.com/tomtom215/chatsync/internal/ingest"
	"github.com/tomtom215/chatsync/internal/jobqueue"
	"github.com/tomtom215/chatsync/internal/ledger"
	"github.com/tomtom215/chatsync/internal/logging"
	"github.com/tomtom215/chatsync/internal/metrics"
	"github.com/tomtom215/chatsync/internal/models"
	"github.com/tomtom215/chatsync/internal/notify"
	"github.com/tomtom215/chatsync/internal/registry"
	"github.com/tomtom215/chatsync/internal/remote"
	"github.com/tomtom215/chatsync/internal/storage"
	"github.com/tomtom215/chatsync/internal/validation"
)

// ErrAlreadyStarted is returned by a second Start.
var ErrAlreadyStarted = errors.New("sync engine already started")

// Remote is the pull API the engine reloads and gap-fills from.
type Remote interface {
	notify.Remote
	ingest.MessageFetcher
}

// Config configures a SyncEngine.
type Config struct {
	SelfID   string
	DeviceID int

	Queue                jobqueue.Config
	RecentWindowSize     int
	RecentWindowTTL      time.Duration
	GapFillMaxRange      int64
	ReceiptFlushInterval time.Duration

	// EventBuffer is the capacity of the event channel.
	EventBuffer int
}

// Status is a snapshot for health endpoints.
type Status struct {
	Ready           bool `json:"ready"`
	Conversations   int  `json:"conversations"`
	PendingJobs     int  `json:"pendingJobs"`
	QueueWorkers    int  `json:"queueWorkers"`
	PendingReceipts int  `json:"pendingReceipts"`
}

// SyncEngine owns the registry, ledger, queues, router and pipeline.
type SyncEngine struct {
	cfg   Config
	store storage.Store
	bus   events.Publisher

	registry *registry.Registry
	ledger   *ledger.Ledger
	queue    *jobqueue.Queue
	router   *notify.Router
	pipeline *ingest.Pipeline
	receipts *ingest.Batcher

	events chan *models.Event

	authMu         sync.RWMutex
	onUnauthorized func(error)

	started atomic.Bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New builds an engine. bus may be nil.
func New(cfg Config, store storage.Store, rc Remote, bus events.Publisher) *SyncEngine {
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = 256
	}

	e := &SyncEngine{
		cfg:    cfg,
		store:  store,
		bus:    bus,
		events: make(chan *models.Event, cfg.EventBuffer),
	}

	qcfg := cfg.Queue
	qcfg.OnError = e.jobFailed
	e.queue = jobqueue.New(qcfg)
	e.ledger = ledger.New(store)
	e.registry = registry.New(store, bus)
	e.router = notify.NewRouter(
		notify.Identity{SelfID: cfg.SelfID, DeviceID: cfg.DeviceID},
		e.queue, e.ledger, e.registry, store, rc,
	)
	e.pipeline = ingest.New(ingest.Config{
		SelfID:           cfg.SelfID,
		RecentWindowSize: cfg.RecentWindowSize,
		RecentWindowTTL:  cfg.RecentWindowTTL,
		GapFillMaxRange:  cfg.GapFillMaxRange,
	}, e.registry, store, rc, bus)
	e.receipts = ingest.NewBatcher(cfg.ReceiptFlushInterval, e.scheduleReceipts)
	return e
}

// Events returns the channel the connection supervisor writes to.
func (e *SyncEngine) Events() chan<- *models.Event { return e.events }

// Ledger returns the version ledger.
func (e *SyncEngine) Ledger() *ledger.Ledger { return e.ledger }

// Registry returns the conversation registry.
func (e *SyncEngine) Registry() *registry.Registry { return e.registry }

// OnUnauthorized sets the hook called when a job fails because the pull API
// rejected the credentials.
func (e *SyncEngine) OnUnauthorized(fn func(error)) {
	e.authMu.Lock()
	defer e.authMu.Unlock()
	e.onUnauthorized = fn
}

// Start loads the registry and starts dispatching.
func (e *SyncEngine) Start(ctx context.Context) error {
	if e.started.Swap(true) {
		return ErrAlreadyStarted
	}
	if err := e.registry.Load(ctx); err != nil {
		e.started.Store(false)
		return fmt.Errorf("load registry: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	e.cancel = cancel
	e.receipts.Start(runCtx)

	e.wg.Add(1)
	go e.loop(runCtx)

	logging.Info().
		Int("conversations", e.registry.Len()).
		Msg("Sync engine started")
	return nil
}

// Stop stops dispatching, flushes receipts and waits for queued jobs.
func (e *SyncEngine) Stop(ctx context.Context) error {
	if !e.started.Load() {
		return nil
	}
	e.cancel()
	e.wg.Wait()

	var errs []error
	if err := e.receipts.Close(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := e.queue.Drain(ctx); err != nil {
		errs = append(errs, err)
	}
	e.queue.Close()
	e.started.Store(false)

	logging.Info().Msg("Sync engine stopped")
	return errors.Join(errs...)
}

// Flush schedules buffered receipts and waits until every queued job ran.
func (e *SyncEngine) Flush(ctx context.Context) error {
	if err := e.receipts.Flush(ctx); err != nil {
		return err
	}
	return e.queue.Drain(ctx)
}

// Status returns a snapshot.
func (e *SyncEngine) Status() Status {
	return Status{
		Ready:           e.registry.Ready(),
		Conversations:   e.registry.Len(),
		PendingJobs:     e.queue.Pending(),
		QueueWorkers:    e.queue.Workers(),
		PendingReceipts: e.receipts.Pending(),
	}
}

func (e *SyncEngine) loop(ctx context.Context) {
	defer e.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-e.events:
			e.Dispatch(ctx, ev)
		}
	}
}

// Dispatch routes one event. Every event except a barrier is confirmed
// at most once after its handler ran. An event whose job could not be
// enqueued, or a message or verified event that failed to persist, is left
// unconfirmed for redelivery.
func (e *SyncEngine) Dispatch(ctx context.Context, ev *models.Event) {
	ctx = logging.ContextWithNewCorrelationID(logging.ContextWithSessionID(ctx, ev.SessionID))
	log := logging.Ctx(ctx).With().Str("event_type", string(ev.Type)).Logger()

	var err error
	switch ev.Type {
	case models.EventBarrier:
		if ev.Done != nil {
			close(ev.Done)
		}
		return

	case models.EventNotification:
		if ev.Notification == nil {
			e.confirm(ev)
			return
		}
		err = e.router.Route(ctx, ev.Notification, ev.Silent, func() { e.confirm(ev) })

	case models.EventMessage, models.EventSent:
		err = e.dispatchEnvelope(ctx, ev)

	case models.EventReadReceipt, models.EventReadSync:
		e.bufferReceipts(ctx, ev)
		e.confirm(ev)

	case models.EventVerified:
		err = e.dispatchVerified(ctx, ev)

	case models.EventEmpty:
		e.publish(events.TopicSyncProgress, events.SyncProgress{Done: true})
		e.confirm(ev)

	case models.EventProgress:
		log.Debug().Int("count", ev.Count).Msg("Server queue progress")
		e.publish(events.TopicSyncProgress, events.SyncProgress{Count: ev.Count})
		e.confirm(ev)

	case models.EventError:
		log.Warn().Err(ev.Err).Bool("manual_logout", ev.ManualLogout).Msg("Transport error event")
		e.confirm(ev)

	default:
		log.Debug().Msg("Ignoring event")
		e.confirm(ev)
	}

	if err != nil {
		log.Error().Err(err).Msg("Event not dispatched, left unconfirmed")
	}
}

func (e *SyncEngine) dispatchEnvelope(ctx context.Context, ev *models.Event) error {
	env := ev.Envelope
	if env == nil {
		e.confirm(ev)
		return nil
	}
	key := ingest.ConversationID(env, e.cfg.SelfID)
	if key == "" {
		key = env.Source
	}

	// Only stored or malformed envelopes are confirmed. Any other failure
	// leaves the event unconfirmed so the server redelivers it.
	return e.queue.Enqueue(ctx, key, func(jobCtx context.Context) error {
		res, err := e.pipeline.Ingest(jobCtx, env, ev.Silent)
		if errors.Is(err, models.ErrMalformed) {
			logging.Ctx(jobCtx).Warn().Err(err).Str("dedup_key", env.Key().String()).Msg("Dropping malformed envelope")
			e.confirm(ev)
			return nil
		}
		if err != nil {
			return fmt.Errorf("ingest %s: %w", env.Key(), err)
		}
		e.confirm(ev)
		logging.Ctx(jobCtx).Debug().Str("dedup_key", env.Key().String()).Str("result", res.String()).Msg("Envelope ingested")
		return nil
	})
}

func (e *SyncEngine) dispatchVerified(ctx context.Context, ev *models.Event) error {
	v := ev.Verified
	if v == nil || validation.Validate(v) != nil {
		logging.Ctx(ctx).Warn().Msg("Dropping malformed verified event")
		e.confirm(ev)
		return nil
	}

	return e.queue.Enqueue(ctx, v.ConversationID, func(jobCtx context.Context) error {
		conv, err := e.registry.GetOrCreate(jobCtx, v.ConversationID, models.ConversationDirect)
		if err != nil {
			return err
		}
		if conv.Verified != v.State {
			conv.Verified = v.State
			if err := e.registry.Update(jobCtx, conv, "verified", ev.Silent); err != nil {
				return err
			}
		}
		e.confirm(ev)
		return nil
	})
}

// bufferReceipts validates receipts and hands them to the batcher grouped by
// conversation.
func (e *SyncEngine) bufferReceipts(ctx context.Context, ev *models.Event) {
	byConv := make(map[string][]models.ReadReceipt)
	for _, r := range ev.Receipts {
		if ev.Type == models.EventReadSync {
			r.Reader = e.cfg.SelfID
		}
		if err := validation.Validate(&r); err != nil {
			logging.Ctx(ctx).Warn().Err(err).Msg("Dropping malformed read receipt")
			continue
		}
		byConv[r.ConversationID] = append(byConv[r.ConversationID], r)
	}
	for id, rs := range byConv {
		if err := e.receipts.Add(id, ev.Silent, rs...); err != nil {
			logging.Ctx(ctx).Warn().Err(err).Str("conversation_id", id).Msg("Read receipts not buffered")
		}
	}
}

// scheduleReceipts is the batcher's flush func: it enqueues the receipts on
// the conversation's own queue key.
func (e *SyncEngine) scheduleReceipts(ctx context.Context, convID string, receipts []models.ReadReceipt, silent bool) error {
	return e.queue.Enqueue(ctx, convID, func(jobCtx context.Context) error {
		return e.pipeline.ApplyReceipts(jobCtx, convID, receipts, silent)
	})
}

func (e *SyncEngine) confirm(ev *models.Event) {
	ev.Confirm()
	metrics.EventsConfirmed.Inc()
}

// jobFailed is the queue's error hook.
func (e *SyncEngine) jobFailed(key string, err error) {
	if !remote.IsUnauthorized(err) {
		return
	}
	e.authMu.RLock()
	fn := e.onUnauthorized
	e.authMu.RUnlock()

	logging.Error().Err(err).Str("queue_key", key).Msg("Pull API rejected credentials")
	if fn != nil {
		fn(err)
	}
}

func (e *SyncEngine) publish(topic string, payload any) {
	if e.bus != nil {
		e.bus.Publish(topic, payload)
	}
}
