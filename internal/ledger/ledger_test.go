// Chatsync - Conversation Synchronization Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/chatsync

package ledger

import (
	"context"
	"errors"
	"testing"

	"github.com/tomtom215/chatsync/internal/models"
	"github.com/tomtom215/chatsync/internal/storage"
)

func newTestLedger(t *testing.T) (*Ledger, *storage.BadgerStore) {
	t.Helper()
	s, err := storage.OpenInMemory()
	if err != nil {
		t.Fatalf("OpenInMemory() error = %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return New(s), s
}

func TestClassify(t *testing.T) {
	t.Parallel()

	tests := []struct {
		local, incoming int64
		want            Relation
	}{
		{0, 0, Stale},
		{5, 4, Stale},
		{5, 5, Stale},
		{5, 6, Sequential},
		{0, 1, Sequential},
		{5, 7, Gap},
		{5, 9, Gap},
		{0, 2, Gap},
	}
	for _, tt := range tests {
		if got := Classify(tt.local, tt.incoming); got != tt.want {
			t.Errorf("Classify(%d, %d) = %v, want %v", tt.local, tt.incoming, got, tt.want)
		}
	}
}

func TestPairKeyIsUnordered(t *testing.T) {
	t.Parallel()

	if SharedConfigKey("+2", "+1") != SharedConfigKey("+1", "+2") {
		t.Error("shared config key must not depend on participant order")
	}
	if got := PairKey("+2", "+1"); got != "+1:+2" {
		t.Errorf("PairKey() = %q", got)
	}
}

func TestCompareCommit(t *testing.T) {
	t.Parallel()
	l, _ := newTestLedger(t)
	ctx := context.Background()
	key := GroupKey("0123456789abcdef0123456789abcdef")

	if rel, err := l.Compare(ctx, key, 1); err != nil || rel != Sequential {
		t.Fatalf("Compare(1) = %v, %v; want sequential", rel, err)
	}
	if err := l.Commit(ctx, key, 5); err != nil {
		t.Fatalf("Commit() error = %v", err)
	}
	if rel, _ := l.Compare(ctx, key, 6); rel != Sequential {
		t.Errorf("Compare(6) = %v, want sequential", rel)
	}
	if rel, _ := l.Compare(ctx, key, 5); rel != Stale {
		t.Errorf("Compare(5) = %v, want stale", rel)
	}
	if rel, _ := l.Compare(ctx, key, 9); rel != Gap {
		t.Errorf("Compare(9) = %v, want gap", rel)
	}

	// Commit never moves backwards.
	if err := l.Commit(ctx, key, 3); err != nil {
		t.Fatalf("Commit(3) error = %v", err)
	}
	if v, _ := l.Local(ctx, key); v != 5 {
		t.Errorf("Local() = %d after lower commit, want 5", v)
	}
}

func TestCommitPersistsAcrossReset(t *testing.T) {
	t.Parallel()
	l, s := newTestLedger(t)
	ctx := context.Background()

	if err := l.Commit(ctx, DirectoryKey(), 12); err != nil {
		t.Fatalf("Commit() error = %v", err)
	}

	l.Reset()
	if v, err := l.Local(ctx, DirectoryKey()); err != nil || v != 12 {
		t.Fatalf("Local() after Reset = %d, %v; want 12 from storage", v, err)
	}

	// A fresh ledger over the same store sees the committed version.
	if v, _ := New(s).Local(ctx, DirectoryKey()); v != 12 {
		t.Errorf("new ledger Local() = %d, want 12", v)
	}

	// After a wipe plus reset the ledger starts from zero.
	if _, err := s.WipeKV(ctx, nil); err != nil {
		t.Fatalf("WipeKV() error = %v", err)
	}
	l.Reset()
	if v, _ := l.Local(ctx, DirectoryKey()); v != 0 {
		t.Errorf("Local() after wipe = %d, want 0", v)
	}
}

func TestKeySpacesAreIndependent(t *testing.T) {
	t.Parallel()
	l, _ := newTestLedger(t)
	ctx := context.Background()

	if err := l.Commit(ctx, Key{Kind: KindTask, ID: "x"}, 3); err != nil {
		t.Fatal(err)
	}
	if v, _ := l.Local(ctx, Key{Kind: KindVote, ID: "x"}); v != 0 {
		t.Errorf("vote x = %d, want 0", v)
	}
	if v, _ := l.Local(ctx, ConversationConfigKey("x")); v != 0 {
		t.Errorf("config x = %d, want 0", v)
	}
}

func TestCommitWith(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	key := GroupKey("g1")

	t.Run("save writes the entry", func(t *testing.T) {
		t.Parallel()
		l, s := newTestLedger(t)
		conv := &models.Conversation{ID: "g1"}
		err := l.CommitWith(ctx, key, 1, func(entries []storage.KVEntry) error {
			return s.SaveConversationKV(ctx, conv, entries)
		})
		if err != nil {
			t.Fatalf("CommitWith() error = %v", err)
		}
		l.Reset()
		if v, _ := l.Local(ctx, key); v != 1 {
			t.Errorf("Local() after reset = %d, want 1", v)
		}
	})

	t.Run("failed save leaves ledger unchanged", func(t *testing.T) {
		t.Parallel()
		l, _ := newTestLedger(t)
		saveErr := errors.New("disk full")
		err := l.CommitWith(ctx, key, 1, func([]storage.KVEntry) error { return saveErr })
		if !errors.Is(err, saveErr) {
			t.Fatalf("CommitWith() error = %v, want %v", err, saveErr)
		}
		if v, _ := l.Local(ctx, key); v != 0 {
			t.Errorf("Local() = %d, want 0", v)
		}
	})

	t.Run("older version saves without an entry", func(t *testing.T) {
		t.Parallel()
		l, _ := newTestLedger(t)
		if err := l.Commit(ctx, key, 5); err != nil {
			t.Fatal(err)
		}
		called := false
		err := l.CommitWith(ctx, key, 3, func(entries []storage.KVEntry) error {
			called = true
			if len(entries) != 0 {
				t.Errorf("entries = %v, want none", entries)
			}
			return nil
		})
		if err != nil || !called {
			t.Fatalf("CommitWith() error = %v, called = %v", err, called)
		}
		if v, _ := l.Local(ctx, key); v != 5 {
			t.Errorf("Local() = %d, want 5", v)
		}
	})
}
