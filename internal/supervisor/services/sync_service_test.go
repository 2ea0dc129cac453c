// Chatsync - Conversation Synchronization Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/chatsync

package services

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/thejerf/suture/v4"

	"github.com/tomtom215/chatsync/internal/engine"
)

var _ suture.Service = (*SyncService)(nil)

// order records lifecycle calls across the fakes.
type order struct {
	mu    sync.Mutex
	calls []string
}

func (o *order) add(s string) {
	o.mu.Lock()
	o.calls = append(o.calls, s)
	o.mu.Unlock()
}

func (o *order) get() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string(nil), o.calls...)
}

type fakeEngine struct {
	log      *order
	startErr error
	stopErr  error
}

func (f *fakeEngine) Start(ctx context.Context) error {
	f.log.add("engine.start")
	return f.startErr
}

func (f *fakeEngine) Stop(ctx context.Context) error {
	f.log.add("engine.stop")
	return f.stopErr
}

type fakeConn struct {
	log      *order
	running  atomic.Bool
	connects atomic.Int32
}

func (f *fakeConn) Connect() {
	f.connects.Add(1)
	f.log.add("conn.connect")
}

func (f *fakeConn) Run(ctx context.Context) error {
	f.log.add("conn.run")
	f.running.Store(true)
	<-ctx.Done()
	f.log.add("conn.teardown")
	return ctx.Err()
}

func TestSyncService_Lifecycle(t *testing.T) {
	t.Parallel()

	log := &order{}
	conn := &fakeConn{log: log}
	svc := NewSyncService(&fakeEngine{log: log}, conn, time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Serve(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for !conn.running.Load() && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()

	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Errorf("Serve() = %v, want context.Canceled", err)
	}
	want := []string{"engine.start", "conn.connect", "conn.run", "conn.teardown", "engine.stop"}
	got := log.get()
	if len(got) != len(want) {
		t.Fatalf("calls = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("calls = %v, want %v", got, want)
		}
	}
}

func TestSyncService_StartErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		startErr error
		wantRun  bool
	}{
		{"registry load failure", errors.New("load registry: boom"), false},
		{"already started after restart", engine.ErrAlreadyStarted, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			log := &order{}
			conn := &fakeConn{log: log}
			svc := NewSyncService(&fakeEngine{log: log, startErr: tt.startErr}, conn, 0)

			ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
			defer cancel()
			err := svc.Serve(ctx)

			if conn.running.Load() != tt.wantRun {
				t.Errorf("connection ran = %v, want %v", conn.running.Load(), tt.wantRun)
			}
			if !tt.wantRun && (err == nil || errors.Is(err, context.DeadlineExceeded)) {
				t.Errorf("Serve() = %v, want start failure", err)
			}
			if tt.wantRun && !errors.Is(err, context.DeadlineExceeded) {
				t.Errorf("Serve() = %v, want deadline", err)
			}
		})
	}
}

func TestSyncService_StopError(t *testing.T) {
	t.Parallel()
	log := &order{}
	svc := NewSyncService(&fakeEngine{log: log, stopErr: errors.New("drain timeout")}, &fakeConn{log: log}, time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := svc.Serve(ctx); err == nil || errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Serve() = %v, want stop failure", err)
	}
	if svc.String() != "sync-engine" {
		t.Errorf("String() = %q", svc.String())
	}
}
