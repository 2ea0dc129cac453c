// Chatsync - Conversation Synchronization Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/chatsync

// Package ledger tracks the last applied version of every aggregate and
// classifies incoming versions as stale, sequential or gapped.
//
// Every versioned surface (group changeVersion, conversation settingVersion,
// shared settingVersion, the global directoryVersion, task/vote/reminder
// versions) uses the same Compare/Commit pair over its own key space.
//
// A key is only ever touched from its aggregate's job queue slot, which makes
// compare-then-commit atomic per aggregate without a per-key lock.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/tomtom215/chatsync/internal/logging"
	"github.com/tomtom215/chatsync/internal/storage"
)

// Kind is an aggregate key space.
type Kind string

const (
	KindGroup              Kind = "group"
	KindConversationConfig Kind = "conversation_config"
	KindSharedConfig       Kind = "shared_config"
	KindDirectory          Kind = "directory"
	KindTask               Kind = "task"
	KindVote               Kind = "vote"
	KindReminder           Kind = "reminder"
)

// KeyPrefix prefixes every ledger entry in the key/value store.
const KeyPrefix = "ledger:"

// Key identifies one aggregate.
type Key struct {
	Kind Kind
	ID   string
}

// String renders the storage key.
func (k Key) String() string {
	return KeyPrefix + string(k.Kind) + ":" + k.ID
}

// GroupKey is the changeVersion key of a group.
func GroupKey(groupID string) Key { return Key{Kind: KindGroup, ID: groupID} }

// ConversationConfigKey is the settingVersion key of a conversation.
func ConversationConfigKey(conversationID string) Key {
	return Key{Kind: KindConversationConfig, ID: conversationID}
}

// DirectoryKey is the single process-wide directoryVersion key.
func DirectoryKey() Key { return Key{Kind: KindDirectory, ID: "global"} }

// SharedConfigKey is the sharedSettingVersion key of an unordered pair of peers.
func SharedConfigKey(a, b string) Key {
	return Key{Kind: KindSharedConfig, ID: PairKey(a, b)}
}

// PairKey joins two participant ids in sorted order.
func PairKey(a, b string) string {
	pair := []string{a, b}
	sort.Strings(pair)
	return strings.Join(pair, ":")
}

// Relation classifies an incoming version against the local one.
type Relation int

const (
	// Stale: incoming <= local. Nothing may be mutated.
	Stale Relation = iota
	// Sequential: incoming == local+1. The delta is safe to apply.
	Sequential
	// Gap: incoming > local+1. The delta must be discarded and a full reload performed.
	Gap
)

func (r Relation) String() string {
	switch r {
	case Stale:
		return "stale"
	case Sequential:
		return "sequential"
	case Gap:
		return "gap"
	default:
		return "unknown"
	}
}

// Classify is the version comparison shared by every aggregate kind.
func Classify(local, incoming int64) Relation {
	switch {
	case incoming <= local:
		return Stale
	case incoming == local+1:
		return Sequential
	default:
		return Gap
	}
}

// KV is the key/value slice of storage the ledger persists to.
type KV interface {
	GetKV(ctx context.Context, key string) ([]byte, error)
	PutKV(ctx context.Context, key string, value []byte) error
}

// Ledger maps aggregate keys to their last applied version.
type Ledger struct {
	kv KV

	mu    sync.Mutex
	cache map[Key]int64
}

// New creates a ledger persisted to kv.
func New(kv KV) *Ledger {
	return &Ledger{kv: kv, cache: make(map[Key]int64)}
}

// Local returns the last applied version of key (0 when never committed).
func (l *Ledger) Local(ctx context.Context, key Key) (int64, error) {
	l.mu.Lock()
	v, ok := l.cache[key]
	l.mu.Unlock()
	if ok {
		return v, nil
	}

	raw, err := l.kv.GetKV(ctx, key.String())
	switch {
	case errors.Is(err, storage.ErrNotFound):
		v = 0
	case err != nil:
		return 0, fmt.Errorf("read ledger %s: %w", key, err)
	default:
		v, err = strconv.ParseInt(string(raw), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("parse ledger %s: %w", key, err)
		}
	}

	l.mu.Lock()
	l.cache[key] = v
	l.mu.Unlock()
	return v, nil
}

// Compare classifies incoming against the local version of key.
func (l *Ledger) Compare(ctx context.Context, key Key, incoming int64) (Relation, error) {
	local, err := l.Local(ctx, key)
	if err != nil {
		return Stale, err
	}
	return Classify(local, incoming), nil
}

// Commit records version as applied for key. After a delta the caller passes
// the delta's version; after a full reload, the version the reload reported.
// The ledger never moves backwards.
func (l *Ledger) Commit(ctx context.Context, key Key, version int64) error {
	local, err := l.Local(ctx, key)
	if err != nil {
		return err
	}
	if version < local {
		logging.Warn().
			Str("ledger_key", key.String()).
			Int64("local", local).
			Int64("version", version).
			Msg("Ignoring ledger commit below local version")
		return nil
	}
	if version == local {
		return nil
	}

	if err := l.kv.PutKV(ctx, key.String(), []byte(strconv.FormatInt(version, 10))); err != nil {
		return fmt.Errorf("commit ledger %s: %w", key, err)
	}

	l.mu.Lock()
	l.cache[key] = version
	l.mu.Unlock()
	return nil
}

// CommitWith records version for key through save, which must write the
// entries it is given in the same transaction as the state the version
// describes. save always runs; entries is empty when version does not move
// the ledger forward. The cache only advances once save succeeds.
func (l *Ledger) CommitWith(ctx context.Context, key Key, version int64, save func(entries []storage.KVEntry) error) error {
	local, err := l.Local(ctx, key)
	if err != nil {
		return err
	}

	var entries []storage.KVEntry
	if version > local {
		entries = append(entries, storage.KVEntry{
			Key:   key.String(),
			Value: []byte(strconv.FormatInt(version, 10)),
		})
	}
	if err := save(entries); err != nil {
		return err
	}
	if len(entries) == 0 {
		return nil
	}

	l.mu.Lock()
	l.cache[key] = version
	l.mu.Unlock()
	return nil
}

// Reset drops the in-memory cache. Called after the key/value store is wiped.
func (l *Ledger) Reset() {
	l.mu.Lock()
	l.cache = make(map[Key]int64)
	l.mu.Unlock()
}
