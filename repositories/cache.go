// Package repositories persists confirmed state to a local badger store so
// a restart can render conversations before the network is up.
package repositories

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	badger "github.com/dgraph-io/badger/v4"

	"chatsync/domain"
)

const (
	messagePrefix      = "msg:"
	conversationPrefix = "conv:"
)

// Cache is the write-behind local store. Only confirmed messages are
// persisted; optimistic entries are in-memory state that must not survive a
// restart.
type Cache struct {
	log *slog.Logger
	db  *badger.DB
}

func NewCache(log *slog.Logger, db *badger.DB) *Cache {
	return &Cache{log: log, db: db}
}

// messageKey orders keys so a prefix scan yields one conversation's
// messages in timeline order. The zero-padded order key makes the
// lexicographic byte order match the numeric order.
func messageKey(m domain.Message) []byte {
	return []byte(fmt.Sprintf("%s%s:%019d:%s", messagePrefix, m.ConversationID, m.OrderKey(), m.ID))
}

func conversationKey(id string) []byte {
	return []byte(conversationPrefix + id)
}

// Consume persists a confirmed message. It satisfies the sink contract used
// by the coordinator fanout.
func (c *Cache) Consume(_ context.Context, m domain.Message) error {
	if m.IsOptimistic() {
		return nil
	}
	value, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("marshal message %s: %w", m.ID, err)
	}
	return c.db.Update(func(txn *badger.Txn) error {
		return txn.Set(messageKey(m), value)
	})
}

// PutConversation persists a catalog entry.
func (c *Cache) PutConversation(conv domain.Conversation) error {
	if conv.ID == "" {
		return nil
	}
	value, err := json.Marshal(conv)
	if err != nil {
		return fmt.Errorf("marshal conversation %s: %w", conv.ID, err)
	}
	return c.db.Update(func(txn *badger.Txn) error {
		return txn.Set(conversationKey(conv.ID), value)
	})
}

// Messages returns the persisted timeline of one conversation.
func (c *Cache) Messages(conversationID string) ([]domain.Message, error) {
	var out []domain.Message
	prefix := []byte(messagePrefix + conversationID + ":")

	err := c.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				var m domain.Message
				if err := json.Unmarshal(val, &m); err != nil {
					c.log.Warn("Skipping undecodable cached message",
						"key", string(it.Item().Key()), "error", err)
					return nil
				}
				out = append(out, m)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	return out, err
}

// Conversations returns every persisted catalog entry.
func (c *Cache) Conversations() ([]domain.Conversation, error) {
	var out []domain.Conversation

	err := c.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(conversationPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				var conv domain.Conversation
				if err := json.Unmarshal(val, &conv); err != nil {
					c.log.Warn("Skipping undecodable cached conversation",
						"key", string(it.Item().Key()), "error", err)
					return nil
				}
				out = append(out, conv)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	return out, err
}
