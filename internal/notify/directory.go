// Chatsync - Conversation Synchronization Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/chatsync

package notify

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/tomtom215/chatsync/internal/ledger"
	"github.com/tomtom215/chatsync/internal/logging"
	"github.com/tomtom215/chatsync/internal/metrics"
	"github.com/tomtom215/chatsync/internal/models"
	"github.com/tomtom215/chatsync/internal/registry"
)

func (r *Router) handleDirectory(ctx context.Context, ch *models.DirectoryChange, silent bool) error {
	key := ledger.DirectoryKey()
	rel, err := r.classify(ctx, key, ch.DirectoryVersion)
	if err != nil {
		return err
	}

	var flags map[string]bool
	var version int64
	switch rel {
	case ledger.Sequential:
		flags, err = r.applyDirectoryDelta(ctx, ch)
		version = ch.DirectoryVersion
	case ledger.Gap:
		flags, version, err = r.reloadDirectory(ctx)
	default:
		return nil
	}
	if err != nil {
		return err
	}

	if err := r.ledger.Commit(ctx, key, version); err != nil {
		return err
	}
	return r.propagateDirectoryFlags(ctx, flags, silent)
}

// applyDirectoryDelta applies bulk add/update/delete and returns the new
// directoryUser flag of every touched id.
func (r *Router) applyDirectoryDelta(ctx context.Context, ch *models.DirectoryChange) (map[string]bool, error) {
	existing, err := r.contactIndex(ctx)
	if err != nil {
		return nil, err
	}

	flags := make(map[string]bool, len(ch.Members))
	var upserts []*models.Contact
	var deletes []string
	for _, d := range ch.Members {
		switch d.Action {
		case models.DirectoryAdd, models.DirectoryUpdate:
			c := existing[d.ID]
			if c == nil {
				c = &models.Contact{ID: d.ID}
			}
			if d.DisplayName != "" {
				c.DisplayName = d.DisplayName
			}
			c.DirectoryUser = true
			c.UpdatedAt = r.now()
			upserts = append(upserts, c)
			flags[d.ID] = true
		case models.DirectoryDelete:
			deletes = append(deletes, d.ID)
			flags[d.ID] = false
		}
	}

	if err := r.store.SaveContacts(ctx, upserts...); err != nil {
		return nil, fmt.Errorf("save contacts: %w", err)
	}
	if err := r.store.DeleteContacts(ctx, deletes...); err != nil {
		return nil, fmt.Errorf("delete contacts: %w", err)
	}
	return flags, nil
}

// reloadDirectory replaces the directory with the authoritative copy.
func (r *Router) reloadDirectory(ctx context.Context) (map[string]bool, int64, error) {
	state, err := r.remote.GetDirectoryFull(ctx)
	metrics.RecordReload(string(ledger.KindDirectory), err)
	if err != nil {
		return nil, 0, fmt.Errorf("reload directory: %w", err)
	}

	existing, err := r.contactIndex(ctx)
	if err != nil {
		return nil, 0, err
	}

	flags := make(map[string]bool, len(state.Contacts)+len(existing))
	upserts := make([]*models.Contact, 0, len(state.Contacts))
	for i := range state.Contacts {
		c := state.Contacts[i]
		if prev := existing[c.ID]; prev != nil && c.ProfileKey == "" {
			c.ProfileKey = prev.ProfileKey
		}
		upserts = append(upserts, &c)
		flags[c.ID] = c.DirectoryUser
	}
	var deletes []string
	for id := range existing {
		if _, ok := flags[id]; !ok {
			deletes = append(deletes, id)
			flags[id] = false
		}
	}

	if err := r.store.DeleteContacts(ctx, deletes...); err != nil {
		return nil, 0, fmt.Errorf("delete contacts: %w", err)
	}
	if err := r.store.SaveContacts(ctx, upserts...); err != nil {
		return nil, 0, fmt.Errorf("save contacts: %w", err)
	}

	logging.ForAggregate(ctx, string(ledger.KindDirectory), ledger.DirectoryKey().ID, state.DirectoryVersion).Info().
		Int("contacts", len(upserts)).
		Int("deleted", len(deletes)).
		Msg("Directory reloaded after version gap")
	return flags, state.DirectoryVersion, nil
}

func (r *Router) contactIndex(ctx context.Context) (map[string]*models.Contact, error) {
	contacts, err := r.store.ListContacts(ctx)
	if err != nil {
		return nil, fmt.Errorf("list contacts: %w", err)
	}
	idx := make(map[string]*models.Contact, len(contacts))
	for _, c := range contacts {
		idx[c.ID] = c
	}
	return idx, nil
}

// propagateDirectoryFlags schedules a job on each affected conversation's
// own queue key to update its directoryUser flag.
func (r *Router) propagateDirectoryFlags(ctx context.Context, flags map[string]bool, silent bool) error {
	ids := make([]string, 0, len(flags))
	for id := range flags {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		conv, err := r.convs.Get(id)
		if errors.Is(err, registry.ErrNotFound) {
			continue
		}
		if err != nil {
			return err
		}
		flag := flags[id]
		if conv.DirectoryUser == flag {
			continue
		}

		if err := r.queue.Enqueue(ctx, id, func(jobCtx context.Context) error {
			return r.setDirectoryUser(jobCtx, id, flag, silent)
		}); err != nil {
			return fmt.Errorf("schedule directory flag for %s: %w", id, err)
		}
	}
	return nil
}

func (r *Router) setDirectoryUser(ctx context.Context, id string, flag, silent bool) error {
	conv, err := r.convs.Get(id)
	if err != nil {
		return err
	}
	if conv.DirectoryUser == flag {
		return nil
	}
	conv.DirectoryUser = flag
	return r.convs.Update(ctx, conv, "directory", silent)
}
