// Chatsync - Conversation Synchronization Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/chatsync

// Package jobqueue runs work serially per aggregate key and concurrently
// across keys.
//
// Every live key owns one worker goroutine fed by a bounded channel. Workers
// are created on first Enqueue and exit after sitting idle for IdleTimeout
// with nothing pending. A job that returns an error or panics is logged with
// its key and the worker moves on to the next job.
//
// Enqueue from inside a job onto the job's own key blocks once that key's
// channel is full. Enqueueing onto other keys is safe.
package jobqueue

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/tomtom215/chatsync/internal/logging"
	"github.com/tomtom215/chatsync/internal/metrics"
)

// ErrClosed is returned by Enqueue after Close.
var ErrClosed = errors.New("job queue is closed")

// Job is one unit of work. The context carries the values of the context
// passed to Enqueue but is never cancelled by the queue.
type Job func(ctx context.Context) error

// Config configures a Queue.
type Config struct {
	// Capacity is the per-key channel buffer.
	// Default: 256
	Capacity int

	// IdleTimeout is how long a worker with nothing pending lives.
	// Default: 30s
	IdleTimeout time.Duration

	// OnError, when set, is called from the worker goroutine for every job
	// that failed or panicked.
	OnError func(key string, err error)
}

// DefaultConfig returns the default queue configuration.
func DefaultConfig() Config {
	return Config{
		Capacity:    256,
		IdleTimeout: 30 * time.Second,
	}
}

type task struct {
	ctx context.Context
	fn  Job
}

type worker struct {
	key     string
	tasks   chan task
	pending int // guarded by Queue.mu
}

// Queue is a per-key FIFO job queue.
type Queue struct {
	cfg Config

	mu       sync.Mutex
	workers  map[string]*worker
	inflight int
	waiters  []chan struct{}
	closed   bool
	done     chan struct{}
}

// New creates a queue. Zero fields in cfg take their defaults.
func New(cfg Config) *Queue {
	def := DefaultConfig()
	if cfg.Capacity <= 0 {
		cfg.Capacity = def.Capacity
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = def.IdleTimeout
	}
	return &Queue{
		cfg:     cfg,
		workers: make(map[string]*worker),
		done:    make(chan struct{}),
	}
}

// Enqueue schedules fn after every job already queued for key. It blocks
// while key's channel is full and returns ctx.Err() if ctx ends first.
func (q *Queue) Enqueue(ctx context.Context, key string, fn Job) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrClosed
	}
	w, ok := q.workers[key]
	if !ok {
		w = &worker{key: key, tasks: make(chan task, q.cfg.Capacity)}
		q.workers[key] = w
		metrics.QueueWorkers.Inc()
		go q.run(w)
	}
	w.pending++
	q.inflight++
	metrics.JobsPending.Inc()
	q.mu.Unlock()

	select {
	case w.tasks <- task{ctx: context.WithoutCancel(ctx), fn: fn}:
		return nil
	case <-ctx.Done():
		q.mu.Lock()
		w.pending--
		q.finishLocked()
		q.mu.Unlock()
		return ctx.Err()
	}
}

func (q *Queue) run(w *worker) {
	idle := time.NewTimer(q.cfg.IdleTimeout)
	defer idle.Stop()
	done := q.done

	for {
		select {
		case t := <-w.tasks:
			q.execute(w.key, t)
			q.mu.Lock()
			w.pending--
			q.finishLocked()
			closed := q.closed
			q.mu.Unlock()
			if closed && q.retire(w) {
				return
			}
			idle.Reset(q.cfg.IdleTimeout)

		case <-idle.C:
			if q.retire(w) {
				return
			}
			idle.Reset(q.cfg.IdleTimeout)

		case <-done:
			done = nil
			if q.retire(w) {
				return
			}
		}
	}
}

// retire removes w if nothing is pending on it.
func (q *Queue) retire(w *worker) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if w.pending > 0 {
		return false
	}
	delete(q.workers, w.key)
	metrics.QueueWorkers.Dec()
	return true
}

func (q *Queue) execute(key string, t task) {
	start := time.Now()
	panicked := false

	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				panicked = true
				err = fmt.Errorf("job panicked: %v", r)
				logging.Ctx(t.ctx).Error().
					Str("queue_key", key).
					Str("stack", string(debug.Stack())).
					Msg("Recovered panic in job")
			}
		}()
		return t.fn(t.ctx)
	}()

	metrics.RecordJob(time.Since(start), err, panicked)
	if err == nil {
		return
	}

	logging.Ctx(t.ctx).Error().Err(err).Str("queue_key", key).Msg("Job failed")
	if q.cfg.OnError != nil {
		q.cfg.OnError(key, err)
	}
}

// finishLocked accounts for one finished or abandoned job. q.mu must be held.
func (q *Queue) finishLocked() {
	q.inflight--
	metrics.JobsPending.Dec()
	if q.inflight == 0 {
		for _, ch := range q.waiters {
			close(ch)
		}
		q.waiters = nil
	}
}

// Drain waits until every queued and running job has finished. Jobs are
// never cancelled; ctx only bounds the wait.
func (q *Queue) Drain(ctx context.Context) error {
	q.mu.Lock()
	if q.inflight == 0 {
		q.mu.Unlock()
		return nil
	}
	ch := make(chan struct{})
	q.waiters = append(q.waiters, ch)
	q.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("drain job queue: %w", ctx.Err())
	}
}

// Close rejects further work. Jobs already accepted still run; use Drain to
// wait for them.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.done)
}

// Pending returns the number of queued and running jobs.
func (q *Queue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.inflight
}

// Workers returns the number of live workers.
func (q *Queue) Workers() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.workers)
}
