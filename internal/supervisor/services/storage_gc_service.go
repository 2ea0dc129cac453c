// Chatsync - Conversation Synchronization Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/chatsync

package services

import (
	"context"
	"time"

	"github.com/tomtom215/chatsync/internal/logging"
	"github.com/tomtom215/chatsync/internal/metrics"
)

// GarbageCollector matches *storage.BadgerStore.
type GarbageCollector interface {
	RunGC() error
}

// StorageGCService runs value log garbage collection on a fixed interval.
// GC errors are logged and counted; they never fail the service.
type StorageGCService struct {
	store    GarbageCollector
	interval time.Duration
	name     string
}

// NewStorageGCService creates the service. A non-positive interval makes
// Serve idle until shutdown.
func NewStorageGCService(store GarbageCollector, interval time.Duration) *StorageGCService {
	return &StorageGCService{
		store:    store,
		interval: interval,
		name:     "storage-gc",
	}
}

// Serve implements suture.Service.
func (s *StorageGCService) Serve(ctx context.Context) error {
	if s.interval <= 0 {
		<-ctx.Done()
		return ctx.Err()
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.runOnce()
		}
	}
}

func (s *StorageGCService) runOnce() {
	start := time.Now()
	err := s.store.RunGC()
	metrics.RecordStorageGC(err)
	if err != nil {
		logging.Warn().Err(err).Msg("Storage GC failed")
		return
	}
	logging.Debug().Dur("duration", time.Since(start)).Msg("Storage GC completed")
}

// String implements fmt.Stringer for suture's event log.
func (s *StorageGCService) String() string {
	return s.name
}
