// Chatsync - Conversation Synchronization Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/chatsync

package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"

	"github.com/tomtom215/chatsync/internal/logging"
	"github.com/tomtom215/chatsync/internal/models"
)

// Prefix keys for different record types
const (
	prefixConversation = "conv:"
	prefixMessage      = "msg:"
	prefixMessageKey   = "msgkey:"
	prefixContact      = "contact:"
	prefixAux          = "aux:"
	prefixKV           = "kv:"
)

// Config configures a BadgerStore.
type Config struct {
	Path         string
	InMemory     bool
	SyncWrites   bool
	GCRatio      float64
	CloseTimeout time.Duration
}

// BadgerStore implements Store using BadgerDB.
type BadgerStore struct {
	db     *badger.DB
	config Config

	mu     sync.RWMutex
	closed bool
}

var _ Store = (*BadgerStore)(nil)

// Open opens (or creates) the store.
func Open(cfg Config) (*BadgerStore, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	if cfg.GCRatio == 0 {
		cfg.GCRatio = 0.5
	}
	if cfg.CloseTimeout == 0 {
		cfg.CloseTimeout = 30 * time.Second
	}

	opts := badger.DefaultOptions(cfg.Path)
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	}
	opts.SyncWrites = cfg.SyncWrites

	// Reduce logging verbosity
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open BadgerDB: %w", err)
	}

	logging.Info().
		Str("path", cfg.Path).
		Bool("in_memory", cfg.InMemory).
		Bool("sync_writes", cfg.SyncWrites).
		Msg("Store opened")

	return &BadgerStore{db: db, config: cfg}, nil
}

// OpenInMemory opens an in-memory store. Intended for tests.
func OpenInMemory() (*BadgerStore, error) {
	return Open(Config{InMemory: true})
}

func conversationKey(id string) []byte {
	return []byte(prefixConversation + id)
}

func messageKey(m *models.Message) []byte {
	return []byte(fmt.Sprintf("%s%s:%020d:%s", prefixMessage, m.ConversationID, m.SentAt, m.ID))
}

func messagePrefix(conversationID string) []byte {
	return []byte(prefixMessage + conversationID + ":")
}

func dedupIndexKey(k models.DedupKey) []byte {
	return []byte(prefixMessageKey + k.String())
}

func contactKey(id string) []byte {
	return []byte(prefixContact + id)
}

func auxKey(kind models.NotificationKind, id string) []byte {
	return []byte(prefixAux + string(kind) + ":" + id)
}

func kvKey(key string) []byte {
	return []byte(prefixKV + key)
}

func (s *BadgerStore) checkOpen() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	return nil
}

func (s *BadgerStore) update(ctx context.Context, fn func(txn *badger.Txn) error) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(fn)
}

func (s *BadgerStore) view(ctx context.Context, fn func(txn *badger.Txn) error) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.View(fn)
}

// getJSON reads key into v, mapping a missing key to ErrNotFound.
func getJSON(txn *badger.Txn, key []byte, v interface{}) error {
	item, err := txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	return item.Value(func(val []byte) error {
		return json.Unmarshal(val, v)
	})
}

func setJSON(txn *badger.Txn, key []byte, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", key, err)
	}
	return txn.Set(key, data)
}

// scanPrefix calls fn for every value under prefix, checking ctx between items.
func scanPrefix(ctx context.Context, txn *badger.Txn, prefix []byte, fn func(key, val []byte) error) error {
	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = true
	opts.Prefix = prefix
	it := txn.NewIterator(opts)
	defer it.Close()

	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		item := it.Item()
		key := item.KeyCopy(nil)
		if err := item.Value(func(val []byte) error {
			return fn(key, val)
		}); err != nil {
			return err
		}
	}
	return nil
}

// LoadConversations returns every stored conversation.
func (s *BadgerStore) LoadConversations(ctx context.Context) ([]*models.Conversation, error) {
	var out []*models.Conversation
	err := s.view(ctx, func(txn *badger.Txn) error {
		return scanPrefix(ctx, txn, []byte(prefixConversation), func(key, val []byte) error {
			var c models.Conversation
			if err := json.Unmarshal(val, &c); err != nil {
				logging.Warn().Err(err).Str("key", string(key)).Msg("Skipping undecodable conversation")
				return nil
			}
			if c.ReadPositions == nil {
				c.ReadPositions = map[string]models.ReadPosition{}
			}
			out = append(out, &c)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("load conversations: %w", err)
	}
	return out, nil
}

// GetConversation returns one conversation or ErrNotFound.
func (s *BadgerStore) GetConversation(ctx context.Context, id string) (*models.Conversation, error) {
	var c models.Conversation
	err := s.view(ctx, func(txn *badger.Txn) error {
		return getJSON(txn, conversationKey(id), &c)
	})
	if err != nil {
		return nil, err
	}
	if c.ReadPositions == nil {
		c.ReadPositions = map[string]models.ReadPosition{}
	}
	return &c, nil
}

// SaveConversation upserts a conversation and any messages in one transaction.
func (s *BadgerStore) SaveConversation(ctx context.Context, conv *models.Conversation, msgs ...*models.Message) error {
	return s.SaveConversationKV(ctx, conv, nil, msgs...)
}

// SaveConversationKV is SaveConversation plus key/value settings written in
// the same transaction.
func (s *BadgerStore) SaveConversationKV(ctx context.Context, conv *models.Conversation, kv []KVEntry, msgs ...*models.Message) error {
	if conv == nil || conv.ID == "" {
		return fmt.Errorf("save conversation: missing id")
	}
	return s.update(ctx, func(txn *badger.Txn) error {
		if err := setJSON(txn, conversationKey(conv.ID), conv); err != nil {
			return err
		}
		for _, e := range kv {
			if err := txn.Set(kvKey(e.Key), e.Value); err != nil {
				return err
			}
		}
		for _, m := range msgs {
			if err := putMessage(txn, m); err != nil {
				return err
			}
		}
		return nil
	})
}

// putMessage writes the message record and its dedup index entry. System
// messages are local-only and have no dedup key.
func putMessage(txn *badger.Txn, m *models.Message) error {
	if m == nil || m.ID == "" || m.ConversationID == "" {
		return fmt.Errorf("save message: missing id or conversation")
	}
	key := messageKey(m)
	if err := setJSON(txn, key, m); err != nil {
		return err
	}
	if m.Type == models.MessageSystem {
		return nil
	}
	return txn.Set(dedupIndexKey(m.Key()), key)
}

// SaveMessages upserts messages and their dedup index entries.
func (s *BadgerStore) SaveMessages(ctx context.Context, msgs ...*models.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	return s.update(ctx, func(txn *badger.Txn) error {
		for _, m := range msgs {
			if err := putMessage(txn, m); err != nil {
				return err
			}
		}
		return nil
	})
}

// messageByIndex resolves a dedup index entry to the message it points at.
func messageByIndex(txn *badger.Txn, indexVal []byte) (*models.Message, error) {
	var m models.Message
	if err := getJSON(txn, indexVal, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

// GetMessageByKey looks a message up by its dedup key.
func (s *BadgerStore) GetMessageByKey(ctx context.Context, key models.DedupKey) (*models.Message, error) {
	var out *models.Message
	err := s.view(ctx, func(txn *badger.Txn) error {
		item, err := txn.Get(dedupIndexKey(key))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		msgKey, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		out, err = messageByIndex(txn, msgKey)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// FindMessage looks a message up by sent-at and author, any device.
func (s *BadgerStore) FindMessage(ctx context.Context, sentAt int64, author string) (*models.Message, error) {
	prefix := []byte(fmt.Sprintf("%s%d:%s:", prefixMessageKey, sentAt, author))
	var out *models.Message
	err := s.view(ctx, func(txn *badger.Txn) error {
		var msgKey []byte
		if err := scanPrefix(ctx, txn, prefix, func(_, val []byte) error {
			if msgKey == nil {
				msgKey = append([]byte(nil), val...)
			}
			return nil
		}); err != nil {
			return err
		}
		if msgKey == nil {
			return ErrNotFound
		}
		var err error
		out, err = messageByIndex(txn, msgKey)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ListMessages returns a conversation's messages in sent-at order.
func (s *BadgerStore) ListMessages(ctx context.Context, conversationID string) ([]*models.Message, error) {
	var out []*models.Message
	err := s.view(ctx, func(txn *badger.Txn) error {
		return scanPrefix(ctx, txn, messagePrefix(conversationID), func(_, val []byte) error {
			var m models.Message
			if err := json.Unmarshal(val, &m); err != nil {
				return err
			}
			out = append(out, &m)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("list messages %s: %w", conversationID, err)
	}
	return out, nil
}

// CountUnread counts incoming, unread messages newer than after.
func (s *BadgerStore) CountUnread(ctx context.Context, conversationID string, after int64) (int, error) {
	count := 0
	err := s.view(ctx, func(txn *badger.Txn) error {
		return scanPrefix(ctx, txn, messagePrefix(conversationID), func(_, val []byte) error {
			var m models.Message
			if err := json.Unmarshal(val, &m); err != nil {
				return err
			}
			if m.Type == models.MessageIncoming && !m.Read && m.Timestamp() > after {
				count++
			}
			return nil
		})
	})
	if err != nil {
		return 0, fmt.Errorf("count unread %s: %w", conversationID, err)
	}
	return count, nil
}

// GetKV returns a key/value setting or ErrNotFound.
func (s *BadgerStore) GetKV(ctx context.Context, key string) ([]byte, error) {
	var out []byte
	err := s.view(ctx, func(txn *badger.Txn) error {
		item, err := txn.Get(kvKey(key))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		out, err = item.ValueCopy(nil)
		return err
	})
	return out, err
}

// PutKV stores a key/value setting.
func (s *BadgerStore) PutKV(ctx context.Context, key string, value []byte) error {
	return s.update(ctx, func(txn *badger.Txn) error {
		return txn.Set(kvKey(key), value)
	})
}

// WipeKV deletes every key/value setting for which keep returns false.
// Deletes go through a WriteBatch so large namespaces don't exceed the
// transaction size limit.
func (s *BadgerStore) WipeKV(ctx context.Context, keep func(key string) bool) (int, error) {
	var doomed [][]byte
	err := s.view(ctx, func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte(prefixKV)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(opts.Prefix); it.ValidForPrefix(opts.Prefix); it.Next() {
			key := it.Item().KeyCopy(nil)
			if keep != nil && keep(strings.TrimPrefix(string(key), prefixKV)) {
				continue
			}
			doomed = append(doomed, key)
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("scan kv: %w", err)
	}

	wb := s.db.NewWriteBatch()
	defer wb.Cancel()
	for _, key := range doomed {
		if err := wb.Delete(key); err != nil {
			return 0, fmt.Errorf("delete %s: %w", key, err)
		}
	}
	if err := wb.Flush(); err != nil {
		return 0, fmt.Errorf("flush kv wipe: %w", err)
	}
	return len(doomed), nil
}

// GetContact returns a contact or ErrNotFound.
func (s *BadgerStore) GetContact(ctx context.Context, id string) (*models.Contact, error) {
	var c models.Contact
	if err := s.view(ctx, func(txn *badger.Txn) error {
		return getJSON(txn, contactKey(id), &c)
	}); err != nil {
		return nil, err
	}
	return &c, nil
}

// SaveContacts upserts contacts.
func (s *BadgerStore) SaveContacts(ctx context.Context, contacts ...*models.Contact) error {
	return s.update(ctx, func(txn *badger.Txn) error {
		for _, c := range contacts {
			if err := setJSON(txn, contactKey(c.ID), c); err != nil {
				return err
			}
		}
		return nil
	})
}

// DeleteContacts removes contacts.
func (s *BadgerStore) DeleteContacts(ctx context.Context, ids ...string) error {
	return s.update(ctx, func(txn *badger.Txn) error {
		for _, id := range ids {
			if err := txn.Delete(contactKey(id)); err != nil {
				return err
			}
		}
		return nil
	})
}

// ListContacts returns every contact.
func (s *BadgerStore) ListContacts(ctx context.Context) ([]*models.Contact, error) {
	var out []*models.Contact
	err := s.view(ctx, func(txn *badger.Txn) error {
		return scanPrefix(ctx, txn, []byte(prefixContact), func(_, val []byte) error {
			var c models.Contact
			if err := json.Unmarshal(val, &c); err != nil {
				return err
			}
			out = append(out, &c)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("list contacts: %w", err)
	}
	return out, nil
}

// GetAux returns a task, vote or reminder record or ErrNotFound.
func (s *BadgerStore) GetAux(ctx context.Context, kind models.NotificationKind, id string) (map[string]any, error) {
	var rec map[string]any
	if err := s.view(ctx, func(txn *badger.Txn) error {
		return getJSON(txn, auxKey(kind, id), &rec)
	}); err != nil {
		return nil, err
	}
	return rec, nil
}

// PutAux stores a task, vote or reminder record.
func (s *BadgerStore) PutAux(ctx context.Context, kind models.NotificationKind, id string, record map[string]any) error {
	return s.update(ctx, func(txn *badger.Txn) error {
		return setJSON(txn, auxKey(kind, id), record)
	})
}

// RunGC triggers BadgerDB value log garbage collection until nothing is left
// to rewrite. It is a no-op for in-memory stores.
func (s *BadgerStore) RunGC() error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if s.config.InMemory {
		return nil
	}

	for {
		err := s.db.RunValueLogGC(s.config.GCRatio)
		if errors.Is(err, badger.ErrNoRewrite) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("run GC: %w", err)
		}
	}
}

// Close gracefully shuts down the store with a timeout.
func (s *BadgerStore) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	timeout := s.config.CloseTimeout
	s.mu.Unlock()

	done := make(chan error, 1)
	go func() {
		done <- s.db.Close()
	}()

	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("close BadgerDB: %w", err)
		}
		logging.Info().Msg("Store closed")
		return nil
	case <-time.After(timeout):
		logging.Warn().Dur("timeout", timeout).Msg("BadgerDB close timed out")
		return fmt.Errorf("badgerdb close timeout after %v", timeout)
	}
}
