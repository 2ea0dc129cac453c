// Chatsync - Conversation Synchronization Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/chatsync

package notify

import (
	"context"
	"fmt"

	"github.com/tomtom215/chatsync/internal/ledger"
	"github.com/tomtom215/chatsync/internal/metrics"
	"github.com/tomtom215/chatsync/internal/models"
)

func (r *Router) handleConversationConfig(ctx context.Context, ch *models.ConversationConfigChange, silent bool) error {
	key := ledger.ConversationConfigKey(ch.ConversationID)
	rel, err := r.classify(ctx, key, ch.SettingVersion)
	if err != nil || rel == ledger.Stale {
		return err
	}

	conv, err := r.convs.GetOrCreate(ctx, ch.ConversationID, "")
	if err != nil {
		return err
	}

	var version int64
	switch rel {
	case ledger.Sequential:
		ch.Delta.Apply(&conv.Config)
		version = ch.SettingVersion
	case ledger.Gap:
		states, err := r.remote.GetConversationConfig(ctx, []string{ch.ConversationID})
		metrics.RecordReload(string(key.Kind), err)
		if err != nil {
			return fmt.Errorf("reload config %s: %w", ch.ConversationID, err)
		}
		found := false
		for _, st := range states {
			if st.ConversationID == ch.ConversationID {
				conv.Config, version, found = st.Config, st.SettingVersion, true
				break
			}
		}
		if !found {
			return fmt.Errorf("reload config %s: conversation missing from response", ch.ConversationID)
		}
	default:
		return nil
	}

	conv.Versions.SettingVersion = version
	return r.save(ctx, key, version, conv, "config", silent)
}

func (r *Router) handleSharedConfig(ctx context.Context, n *models.Notification, ch *models.SharedConfigChange, silent bool) error {
	key := ledger.SharedConfigKey(ch.Participants[0], ch.Participants[1])
	peer := ch.Peer(r.self.SelfID)
	rel, err := r.classify(ctx, key, ch.SharedSettingVersion)
	if err != nil || rel == ledger.Stale {
		return err
	}

	conv, err := r.convs.GetOrCreate(ctx, peer, models.ConversationDirect)
	if err != nil {
		return err
	}
	before := conv.SharedConfig

	var version int64
	switch rel {
	case ledger.Sequential:
		ch.Delta.Apply(&conv.SharedConfig)
		version = ch.SharedSettingVersion
	case ledger.Gap:
		st, err := r.remote.GetSharedConfig(ctx, key.ID)
		metrics.RecordReload(string(key.Kind), err)
		if err != nil {
			return fmt.Errorf("reload shared config %s: %w", key.ID, err)
		}
		conv.SharedConfig = st.Config
		version = st.SharedSettingVersion
	default:
		return nil
	}
	conv.Versions.SharedSettingVersion = version

	var msgs []*models.Message
	if n.Display && conv.SharedConfig.MessageExpiry != before.MessageExpiry {
		ts := r.timestamp(n)
		msgs = append(msgs, models.NewSystemMessage(conv.ID, ts, expiryNotice(conv.SharedConfig.MessageExpiry)))
		conv.Touch(ts)
	}

	return r.save(ctx, key, version, conv, "shared_config", silent, msgs...)
}

func expiryNotice(seconds int64) string {
	if seconds <= 0 {
		return "Disappearing messages turned off"
	}
	return fmt.Sprintf("Disappearing messages set to %ds", seconds)
}
