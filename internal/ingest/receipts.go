// Chatsync - Conversation Synchronization Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/chatsync

package ingest

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tomtom215/chatsync/internal/logging"
	"github.com/tomtom215/chatsync/internal/metrics"
	"github.com/tomtom215/chatsync/internal/models"
)

// ErrBatcherClosed is returned by Add after Close.
var ErrBatcherClosed = errors.New("receipt batcher is closed")

// ApplyReceipts merges read positions into a conversation. Positions only
// move forward. When the local account's position moves the unread count is
// recomputed from storage.
func (p *Pipeline) ApplyReceipts(ctx context.Context, convID string, receipts []models.ReadReceipt, silent bool) error {
	if len(receipts) == 0 {
		return nil
	}
	conv, err := p.convs.GetOrCreate(ctx, convID, "")
	if err != nil {
		return err
	}
	if conv.ReadPositions == nil {
		conv.ReadPositions = make(map[string]models.ReadPosition)
	}

	changed, selfMoved := false, false
	for _, r := range receipts {
		if r.ConversationID != convID {
			continue
		}
		pos := conv.ReadPositions[r.Reader]
		if !pos.Advance(r.ReadPosition) {
			continue
		}
		conv.ReadPositions[r.Reader] = pos
		changed = true
		if r.Reader == p.cfg.SelfID {
			selfMoved = true
		}
	}
	if !changed {
		return nil
	}

	before := conv.UnreadCount
	if selfMoved {
		if err := p.recountUnread(ctx, conv); err != nil {
			return fmt.Errorf("recount unread %s: %w", convID, err)
		}
	}
	if err := p.convs.Update(ctx, conv, "read_receipt", silent); err != nil {
		return err
	}
	if conv.UnreadCount != before {
		p.publishUnread(conv)
	}
	return nil
}

// FlushFunc applies one conversation's coalesced receipts.
type FlushFunc func(ctx context.Context, convID string, receipts []models.ReadReceipt, silent bool) error

type pendingReceipts struct {
	byReader map[string]models.ReadReceipt
	silent   bool
}

// Batcher coalesces read receipts per conversation and reader, keeping only
// the furthest position, and hands them to a FlushFunc on an interval or on
// an explicit Flush.
//
// Flushes are serialized so a timer flush and a drain flush never interleave.
type Batcher struct {
	interval time.Duration
	flush    FlushFunc

	mu      sync.Mutex
	pending map[string]*pendingReceipts

	flushMu sync.Mutex

	closed   atomic.Bool
	started  atomic.Bool
	stopChan chan struct{}
	doneChan chan struct{}
}

// NewBatcher creates a batcher. interval <= 0 disables timer flushes.
func NewBatcher(interval time.Duration, flush FlushFunc) *Batcher {
	return &Batcher{
		interval: interval,
		flush:    flush,
		pending:  make(map[string]*pendingReceipts),
		stopChan: make(chan struct{}),
		doneChan: make(chan struct{}),
	}
}

// Start begins the periodic flush loop. Safe to call more than once.
func (b *Batcher) Start(ctx context.Context) {
	if b.closed.Load() || b.interval <= 0 {
		return
	}
	if b.started.Swap(true) {
		return
	}
	go b.flushLoop(ctx)
}

// Add buffers receipts for convID. A silent batch stays silent only while
// every receipt added to it was silent.
func (b *Batcher) Add(convID string, silent bool, receipts ...models.ReadReceipt) error {
	if b.closed.Load() {
		return ErrBatcherClosed
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	p := b.pending[convID]
	if p == nil {
		p = &pendingReceipts{byReader: make(map[string]models.ReadReceipt), silent: silent}
		b.pending[convID] = p
	}
	p.silent = p.silent && silent
	for _, r := range receipts {
		cur, ok := p.byReader[r.Reader]
		if !ok {
			p.byReader[r.Reader] = r
			continue
		}
		cur.ReadPosition.Advance(r.ReadPosition)
		p.byReader[r.Reader] = cur
	}
	return nil
}

// Pending returns the number of conversations with buffered receipts.
func (b *Batcher) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// Flush hands every buffered conversation to the flush func. Conversations
// whose flush fails are put back into the buffer.
func (b *Batcher) Flush(ctx context.Context) error {
	b.flushMu.Lock()
	defer b.flushMu.Unlock()

	b.mu.Lock()
	batch := b.pending
	b.pending = make(map[string]*pendingReceipts)
	b.mu.Unlock()

	if len(batch) == 0 {
		return nil
	}

	ids := make([]string, 0, len(batch))
	for id := range batch {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var errs []error
	flushed := 0
	for _, id := range ids {
		p := batch[id]
		receipts := make([]models.ReadReceipt, 0, len(p.byReader))
		for _, r := range p.byReader {
			receipts = append(receipts, r)
		}
		sort.Slice(receipts, func(i, j int) bool { return receipts[i].Reader < receipts[j].Reader })

		if err := b.flush(ctx, id, receipts, p.silent); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", id, err))
			b.requeue(id, p)
			continue
		}
		flushed += len(receipts)
	}
	metrics.ReceiptsFlushed.Add(float64(flushed))

	if len(errs) > 0 {
		return fmt.Errorf("flush receipts: %w", errors.Join(errs...))
	}
	return nil
}

func (b *Batcher) requeue(convID string, old *pendingReceipts) {
	b.mu.Lock()
	defer b.mu.Unlock()
	cur := b.pending[convID]
	if cur == nil {
		b.pending[convID] = old
		return
	}
	cur.silent = cur.silent && old.silent
	for reader, r := range old.byReader {
		if c, ok := cur.byReader[reader]; ok {
			c.ReadPosition.Advance(r.ReadPosition)
			cur.byReader[reader] = c
			continue
		}
		cur.byReader[reader] = r
	}
}

func (b *Batcher) flushLoop(ctx context.Context) {
	defer close(b.doneChan)
	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-b.stopChan:
			return
		case <-ticker.C:
			if err := b.Flush(ctx); err != nil {
				logging.Warn().Err(err).Msg("Receipt flush failed, will retry")
			}
		}
	}
}

// Close stops the flush loop and flushes what is left. Safe to call more
// than once.
func (b *Batcher) Close(ctx context.Context) error {
	if b.closed.Swap(true) {
		return nil
	}
	if b.started.Load() {
		close(b.stopChan)
		<-b.doneChan
	}
	return b.Flush(ctx)
}
