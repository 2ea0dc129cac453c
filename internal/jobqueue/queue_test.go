// Chatsync - Conversation Synchronization Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/chatsync

package jobqueue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func newTestQueue(t *testing.T, cfg Config) *Queue {
	t.Helper()
	q := New(cfg)
	t.Cleanup(func() {
		q.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = q.Drain(ctx)
	})
	return q
}

func drain(t *testing.T, q *Queue) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := q.Drain(ctx); err != nil {
		t.Fatalf("Drain() error = %v", err)
	}
}

func TestQueue_FIFOPerKey(t *testing.T) {
	t.Parallel()
	q := newTestQueue(t, Config{})

	var mu sync.Mutex
	var order []int
	for i := 0; i < 100; i++ {
		i := i
		if err := q.Enqueue(context.Background(), "conv-a", func(ctx context.Context) error {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			return nil
		}); err != nil {
			t.Fatalf("Enqueue() error = %v", err)
		}
	}
	drain(t, q)

	if len(order) != 100 {
		t.Fatalf("ran %d jobs, want 100", len(order))
	}
	for i, v := range order {
		if v != i {
			t.Fatalf("order[%d] = %d, want %d", i, v, i)
		}
	}
}

func TestQueue_AtMostOneRunningPerKey(t *testing.T) {
	t.Parallel()
	q := newTestQueue(t, Config{})

	var running, maxRunning atomic.Int32
	for i := 0; i < 50; i++ {
		_ = q.Enqueue(context.Background(), "group", func(ctx context.Context) error {
			n := running.Add(1)
			for {
				m := maxRunning.Load()
				if n <= m || maxRunning.CompareAndSwap(m, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			running.Add(-1)
			return nil
		})
	}
	drain(t, q)

	if got := maxRunning.Load(); got != 1 {
		t.Errorf("max concurrent jobs for one key = %d, want 1", got)
	}
}

func TestQueue_ConcurrentAcrossKeys(t *testing.T) {
	t.Parallel()
	q := newTestQueue(t, Config{})

	// Key A blocks until key B has run. A single global worker would deadlock.
	bRan := make(chan struct{})
	aDone := make(chan struct{})

	_ = q.Enqueue(context.Background(), "a", func(ctx context.Context) error {
		defer close(aDone)
		select {
		case <-bRan:
			return nil
		case <-time.After(5 * time.Second):
			return errors.New("key b never ran")
		}
	})
	_ = q.Enqueue(context.Background(), "b", func(ctx context.Context) error {
		close(bRan)
		return nil
	})

	select {
	case <-aDone:
	case <-time.After(5 * time.Second):
		t.Fatal("keys did not run concurrently")
	}
	select {
	case <-bRan:
	default:
		t.Fatal("key b did not run")
	}
}

func TestQueue_FailuresDoNotStopKey(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	var hooked []string
	q := newTestQueue(t, Config{
		OnError: func(key string, err error) {
			mu.Lock()
			hooked = append(hooked, fmt.Sprintf("%s: %v", key, err))
			mu.Unlock()
		},
	})

	var ran atomic.Int32
	_ = q.Enqueue(context.Background(), "k", func(ctx context.Context) error {
		return errors.New("reload failed")
	})
	_ = q.Enqueue(context.Background(), "k", func(ctx context.Context) error {
		panic("boom")
	})
	_ = q.Enqueue(context.Background(), "k", func(ctx context.Context) error {
		ran.Add(1)
		return nil
	})
	drain(t, q)

	if ran.Load() != 1 {
		t.Error("job after failures did not run")
	}
	mu.Lock()
	defer mu.Unlock()
	if len(hooked) != 2 {
		t.Fatalf("OnError called %d times, want 2: %v", len(hooked), hooked)
	}
	if hooked[0] != "k: reload failed" {
		t.Errorf("hooked[0] = %q", hooked[0])
	}
	if hooked[1] != "k: job panicked: boom" {
		t.Errorf("hooked[1] = %q", hooked[1])
	}
}

func TestQueue_DrainWaitsForInFlight(t *testing.T) {
	t.Parallel()
	q := newTestQueue(t, Config{})

	var finished atomic.Int32
	for _, key := range []string{"a", "b", "c"} {
		for i := 0; i < 5; i++ {
			_ = q.Enqueue(context.Background(), key, func(ctx context.Context) error {
				time.Sleep(2 * time.Millisecond)
				finished.Add(1)
				return nil
			})
		}
	}
	drain(t, q)

	if got := finished.Load(); got != 15 {
		t.Errorf("finished = %d after Drain, want 15", got)
	}
	if q.Pending() != 0 {
		t.Errorf("Pending() = %d, want 0", q.Pending())
	}
}

func TestQueue_DrainEmpty(t *testing.T) {
	t.Parallel()
	q := newTestQueue(t, Config{})
	drain(t, q)
}

func TestQueue_DrainTimeout(t *testing.T) {
	t.Parallel()
	q := newTestQueue(t, Config{})

	release := make(chan struct{})
	_ = q.Enqueue(context.Background(), "slow", func(ctx context.Context) error {
		<-release
		return nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := q.Drain(ctx)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Drain() error = %v, want deadline exceeded", err)
	}

	close(release)
	drain(t, q)
}

func TestQueue_JobContextOutlivesEnqueueContext(t *testing.T) {
	t.Parallel()
	q := newTestQueue(t, Config{})

	type ctxKey struct{}
	ctx, cancel := context.WithCancel(context.WithValue(context.Background(), ctxKey{}, "corr"))

	gate := make(chan struct{})
	var jobErr error
	var value any
	_ = q.Enqueue(ctx, "k", func(jobCtx context.Context) error {
		<-gate
		jobErr = jobCtx.Err()
		value = jobCtx.Value(ctxKey{})
		return nil
	})
	cancel()
	close(gate)
	drain(t, q)

	if jobErr != nil {
		t.Errorf("job context error = %v, want nil", jobErr)
	}
	if value != "corr" {
		t.Errorf("job context value = %v, want corr", value)
	}
}

func TestQueue_EnqueueBlockedHonorsContext(t *testing.T) {
	t.Parallel()
	q := newTestQueue(t, Config{Capacity: 1})

	release := make(chan struct{})
	started := make(chan struct{})
	_ = q.Enqueue(context.Background(), "k", func(ctx context.Context) error {
		close(started)
		<-release
		return nil
	})
	<-started
	// Fills the buffer.
	_ = q.Enqueue(context.Background(), "k", func(ctx context.Context) error { return nil })

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := q.Enqueue(ctx, "k", func(ctx context.Context) error { return nil })
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Enqueue() error = %v, want deadline exceeded", err)
	}

	close(release)
	drain(t, q)
	if q.Pending() != 0 {
		t.Errorf("Pending() = %d, want 0", q.Pending())
	}
}

func TestQueue_IdleWorkersAreReaped(t *testing.T) {
	t.Parallel()
	q := newTestQueue(t, Config{IdleTimeout: 10 * time.Millisecond})

	for _, key := range []string{"a", "b", "c"} {
		_ = q.Enqueue(context.Background(), key, func(ctx context.Context) error { return nil })
	}
	drain(t, q)

	deadline := time.Now().Add(2 * time.Second)
	for q.Workers() > 0 {
		if time.Now().After(deadline) {
			t.Fatalf("Workers() = %d, want 0 after idle timeout", q.Workers())
		}
		time.Sleep(5 * time.Millisecond)
	}

	// A reaped key starts a fresh worker.
	var ran atomic.Bool
	_ = q.Enqueue(context.Background(), "a", func(ctx context.Context) error {
		ran.Store(true)
		return nil
	})
	drain(t, q)
	if !ran.Load() {
		t.Error("job on reaped key did not run")
	}
}

func TestQueue_Close(t *testing.T) {
	t.Parallel()
	q := New(Config{})

	release := make(chan struct{})
	var ran atomic.Int32
	_ = q.Enqueue(context.Background(), "k", func(ctx context.Context) error {
		<-release
		ran.Add(1)
		return nil
	})
	_ = q.Enqueue(context.Background(), "k", func(ctx context.Context) error {
		ran.Add(1)
		return nil
	})

	q.Close()
	q.Close()

	if err := q.Enqueue(context.Background(), "k", func(ctx context.Context) error { return nil }); !errors.Is(err, ErrClosed) {
		t.Errorf("Enqueue() after Close error = %v, want ErrClosed", err)
	}

	close(release)
	drain(t, q)
	if ran.Load() != 2 {
		t.Errorf("accepted jobs ran %d times, want 2", ran.Load())
	}
}
