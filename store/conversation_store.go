package store

import (
	"log/slog"
	"sort"
	"sync"

	"chatsync/domain"
)

const correlationPrefix = "corr:"

// ConversationStore is the catalog of conversations with last-message
// previews and unread counters, ordered by recency. A conversation created
// locally is keyed by its client-generated correlation id until the server
// assigns the real id; the first upsert carrying both re-keys the entry so
// a duplicate "created" push merges instead of duplicating.
type ConversationStore struct {
	mu   sync.RWMutex
	log  *slog.Logger
	byID map[string]domain.Conversation
	corr map[string]string
}

func NewConversationStore(log *slog.Logger) *ConversationStore {
	return &ConversationStore{
		log:  log,
		byID: make(map[string]domain.Conversation),
		corr: make(map[string]string),
	}
}

func key(c domain.Conversation) string {
	if c.ID != "" {
		return c.ID
	}
	return correlationPrefix + c.CorrelationID
}

// resolveLocked finds the stored key for an incoming conversation, by id
// first and correlation id second. Callers hold the lock.
func (s *ConversationStore) resolveLocked(c domain.Conversation) (string, bool) {
	if c.ID != "" {
		if _, ok := s.byID[c.ID]; ok {
			return c.ID, true
		}
	}
	if c.CorrelationID != "" {
		if k, ok := s.corr[c.CorrelationID]; ok {
			if _, ok := s.byID[k]; ok {
				return k, true
			}
		}
	}
	return "", false
}

// Upsert inserts or merges a conversation and returns the stored value.
func (s *ConversationStore) Upsert(c domain.Conversation) domain.Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()

	k, found := s.resolveLocked(c)
	if !found {
		k = key(c)
		s.byID[k] = c
		if c.CorrelationID != "" {
			s.corr[c.CorrelationID] = k
		}
		return c
	}

	existing := s.byID[k]
	merged := merge(existing, c)

	// Server id just learned for a locally created conversation: re-key.
	newKey := key(merged)
	if newKey != k {
		delete(s.byID, k)
	}
	s.byID[newKey] = merged
	if merged.CorrelationID != "" {
		s.corr[merged.CorrelationID] = newKey
	}
	return merged
}

// merge folds incoming data into the existing entry. Locally observed
// counters and previews are preserved unless the incoming data is newer.
func merge(existing, incoming domain.Conversation) domain.Conversation {
	out := existing
	if out.ID == "" {
		out.ID = incoming.ID
	}
	if out.CorrelationID == "" {
		out.CorrelationID = incoming.CorrelationID
	}
	if incoming.Kind != "" {
		out.Kind = incoming.Kind
	}
	if len(incoming.MemberIDs) > 0 {
		out.MemberIDs = incoming.MemberIDs
	}
	if incoming.Name != "" {
		out.Name = incoming.Name
	}
	if incoming.Description != "" {
		out.Description = incoming.Description
	}
	if incoming.LastMessage != nil &&
		(out.LastMessage == nil || !incoming.LastMessage.At.Before(out.LastMessage.At)) {
		out.LastMessage = incoming.LastMessage
	}
	if !incoming.Stub {
		out.Stub = false
	}
	return out
}

// UpdateLastMessage refreshes the catalog preview. An older preview never
// overwrites a newer one, but the same message may update in place (the
// optimistic preview being replaced by its reconciled counterpart).
func (s *ConversationStore) UpdateLastMessage(conversationID string, p domain.Preview) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.byID[conversationID]
	if !ok {
		return
	}
	if c.LastMessage != nil && p.At.Before(c.LastMessage.At) &&
		p.MessageID != c.LastMessage.MessageID {
		return
	}
	c.LastMessage = &p
	s.byID[conversationID] = c
}

func (s *ConversationStore) IncrementUnread(conversationID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if c, ok := s.byID[conversationID]; ok {
		c.UnreadCount++
		s.byID[conversationID] = c
	}
}

func (s *ConversationStore) ClearUnread(conversationID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if c, ok := s.byID[conversationID]; ok {
		c.UnreadCount = 0
		s.byID[conversationID] = c
	}
}

// Get resolves a conversation by server id or correlation id.
func (s *ConversationStore) Get(id string) (domain.Conversation, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if c, ok := s.byID[id]; ok {
		return c, true
	}
	if k, ok := s.corr[id]; ok {
		c, ok := s.byID[k]
		return c, ok
	}
	return domain.Conversation{}, false
}

// Has reports whether the conversation is known locally.
func (s *ConversationStore) Has(id string) bool {
	_, ok := s.Get(id)
	return ok
}

// List returns conversations ordered by most-recent activity descending.
func (s *ConversationStore) List() []domain.Conversation {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.Conversation, 0, len(s.byID))
	for _, c := range s.byID {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].LastActivity(), out[j].LastActivity()
		if !a.Equal(b) {
			return a.After(b)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// IDs returns the set of known conversation ids, sorted.
func (s *ConversationStore) IDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]string, 0, len(s.byID))
	for k := range s.byID {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func (s *ConversationStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byID)
}
