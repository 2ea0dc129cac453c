// Chatsync - Conversation Synchronization Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/chatsync

package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/tomtom215/chatsync/internal/engine"
	"github.com/tomtom215/chatsync/internal/logging"
)

// Engine matches the *engine.SyncEngine lifecycle.
type Engine interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// Connection matches the *connection.Supervisor methods the service drives.
type Connection interface {
	Connect()
	Run(ctx context.Context) error
}

// SyncService runs the sync engine and the connection supervisor as one
// supervised unit.
//
// The engine starts first and stops last: the connection supervisor drains
// the live session into the engine during its own teardown, so the engine
// must still be dispatching when Run returns.
type SyncService struct {
	engine      Engine
	conn        Connection
	stopTimeout time.Duration
	name        string
}

// NewSyncService creates the service. stopTimeout bounds engine.Stop.
func NewSyncService(eng Engine, conn Connection, stopTimeout time.Duration) *SyncService {
	if stopTimeout <= 0 {
		stopTimeout = 60 * time.Second
	}
	return &SyncService{
		engine:      eng,
		conn:        conn,
		stopTimeout: stopTimeout,
		name:        "sync-engine",
	}
}

// Serve implements suture.Service.
//
// A restart after a panic in the connection loop finds the engine still
// running; that is not an error. The engine is only stopped on shutdown.
func (s *SyncService) Serve(ctx context.Context) error {
	if err := s.engine.Start(ctx); err != nil && !errors.Is(err, engine.ErrAlreadyStarted) {
		return fmt.Errorf("sync engine start failed: %w", err)
	}

	s.conn.Connect()
	runErr := s.conn.Run(ctx)

	if ctx.Err() == nil {
		// The connection loop ended on its own; let suture restart it.
		return fmt.Errorf("connection supervisor exited: %w", runErr)
	}

	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.stopTimeout)
	defer cancel()
	if err := s.engine.Stop(stopCtx); err != nil {
		logging.Error().Err(err).Msg("Sync engine did not stop cleanly")
		return fmt.Errorf("sync engine stop failed: %w", err)
	}
	return ctx.Err()
}

// String implements fmt.Stringer for suture's event log.
func (s *SyncService) String() string {
	return s.name
}
