// Chatsync - Conversation Synchronization Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/chatsync

package notify

import (
	"context"
	"errors"
	"fmt"

	"github.com/tomtom215/chatsync/internal/ledger"
	"github.com/tomtom215/chatsync/internal/metrics"
	"github.com/tomtom215/chatsync/internal/models"
	"github.com/tomtom215/chatsync/internal/storage"
)

// Fields maintained on every stored aux record.
const (
	auxFieldID      = "id"
	auxFieldVersion = "version"
)

func auxLedgerKind(kind models.NotificationKind) (ledger.Kind, error) {
	switch kind {
	case models.KindTaskChange:
		return ledger.KindTask, nil
	case models.KindVoteChange:
		return ledger.KindVote, nil
	case models.KindReminderChange:
		return ledger.KindReminder, nil
	default:
		return "", fmt.Errorf("%q is not an aux kind", kind)
	}
}

// handleAux applies a task, vote or reminder change. A sequential delta is
// shallow-merged onto the stored record.
func (r *Router) handleAux(ctx context.Context, ch *models.AuxChange) error {
	kind, err := auxLedgerKind(ch.AuxKind)
	if err != nil {
		return err
	}
	key := ledger.Key{Kind: kind, ID: ch.ID}
	rel, err := r.classify(ctx, key, ch.Version)
	if err != nil {
		return err
	}

	var rec map[string]any
	var version int64
	switch rel {
	case ledger.Sequential:
		rec, err = r.store.GetAux(ctx, ch.AuxKind, ch.ID)
		if errors.Is(err, storage.ErrNotFound) {
			rec, err = map[string]any{}, nil
		}
		if err != nil {
			return fmt.Errorf("load %s %s: %w", ch.AuxKind, ch.ID, err)
		}
		for k, v := range ch.Delta {
			rec[k] = v
		}
		version = ch.Version
	case ledger.Gap:
		full, err := r.remote.GetAux(ctx, ch.AuxKind, ch.ID)
		metrics.RecordReload(string(kind), err)
		if err != nil {
			return fmt.Errorf("reload %s %s: %w", ch.AuxKind, ch.ID, err)
		}
		rec = full.Record
		if rec == nil {
			rec = map[string]any{}
		}
		version = full.Version
	default:
		return nil
	}

	rec[auxFieldID] = ch.ID
	rec[auxFieldVersion] = version
	if err := r.store.PutAux(ctx, ch.AuxKind, ch.ID, rec); err != nil {
		return fmt.Errorf("save %s %s: %w", ch.AuxKind, ch.ID, err)
	}
	return r.ledger.Commit(ctx, key, version)
}
