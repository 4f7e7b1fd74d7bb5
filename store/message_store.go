// Package store holds the local view of conversations and messages.
// It handles ordering, deduplication and optimistic entries. Stores never
// mutate themselves from raw events; the coordinator is the only writer.
package store

import (
	"log/slog"
	"sort"
	"sync"

	"chatsync/domain"
	apperrors "chatsync/errors"
)

// MessageStore is the per-conversation ordered log of messages, including
// optimistic (locally created, unconfirmed) entries.
//
// Invariants:
//   - within a conversation, messages are totally ordered by
//     (ServerSeq if present else CreatedAt, ID);
//   - a given server id appears at most once, however many events refer
//     to it;
//   - a temporary id and its server counterpart never coexist after
//     reconciliation.
//
// Reconcile and Ingest are idempotent, which is what makes the engine
// order-independent: any interleaving of a confirmed send and push events
// for the same message converges to the same state.
type MessageStore struct {
	mu   sync.RWMutex
	log  *slog.Logger
	logs map[string]*conversationLog
	// byID maps any known message id to its conversation, for status
	// updates that arrive without a conversation reference.
	byID map[string]string
}

type conversationLog struct {
	ordered []domain.Message
	ids     map[string]struct{}
	// loading is set while a history page is in flight; pushes arriving in
	// that window are buffered and merged once history lands, so they are
	// never dropped.
	loading bool
	pending []domain.Message
	loadErr error
}

func NewMessageStore(log *slog.Logger) *MessageStore {
	return &MessageStore{
		log:  log,
		logs: make(map[string]*conversationLog),
		byID: make(map[string]string),
	}
}

func (s *MessageStore) ensure(conversationID string) *conversationLog {
	l, ok := s.logs[conversationID]
	if !ok {
		l = &conversationLog{ids: make(map[string]struct{})}
		s.logs[conversationID] = l
	}
	return l
}

// insert places m at its ordered position using binary search, keeping the
// cost of a single insertion proportional to the conversation size.
func (s *MessageStore) insert(l *conversationLog, m domain.Message) {
	idx := sort.Search(len(l.ordered), func(i int) bool {
		return m.Before(l.ordered[i])
	})
	l.ordered = append(l.ordered, domain.Message{})
	copy(l.ordered[idx+1:], l.ordered[idx:])
	l.ordered[idx] = m
	l.ids[m.ID] = struct{}{}
	s.byID[m.ID] = m.ConversationID
}

func (s *MessageStore) remove(l *conversationLog, conversationID, id string) (domain.Message, bool) {
	if _, ok := l.ids[id]; !ok {
		return domain.Message{}, false
	}
	for i, m := range l.ordered {
		if m.ID == id {
			l.ordered = append(l.ordered[:i], l.ordered[i+1:]...)
			delete(l.ids, id)
			delete(s.byID, id)
			return m, true
		}
	}
	return domain.Message{}, false
}

// AppendOptimistic inserts a locally created message with a temporary id
// and sending status.
func (s *MessageStore) AppendOptimistic(m domain.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()

	l := s.ensure(m.ConversationID)
	if _, dup := l.ids[m.ID]; dup {
		return
	}
	s.insert(l, m)
}

// Reconcile atomically removes the optimistic entry and inserts the
// authoritative message at its ordered position. Applying it twice, or
// racing it against an Ingest of the same server id, changes nothing.
func (s *MessageStore) Reconcile(tempID string, server domain.Message) domain.Message {
	s.mu.Lock()
	defer s.mu.Unlock()

	if server.Status == "" {
		server.Status = domain.StatusSent
	}
	l := s.ensure(server.ConversationID)
	s.remove(l, server.ConversationID, tempID)

	if _, exists := l.ids[server.ID]; exists {
		s.mergeExisting(l, server)
		return s.getLocked(server.ConversationID, server.ID)
	}
	s.insert(l, server)
	return server
}

// Ingest inserts or merges a message arriving independently of a local
// send, deduplicating on server id. It reports whether the message was new
// to the store.
func (s *MessageStore) Ingest(server domain.Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if server.Status == "" {
		server.Status = domain.StatusSent
	}
	l := s.ensure(server.ConversationID)

	if l.loading {
		if _, exists := l.ids[server.ID]; exists {
			s.mergeExisting(l, server)
			return false
		}
		for i, p := range l.pending {
			if p.ID == server.ID {
				if p.Status.CanAdvance(server.Status) {
					p.Status = server.Status
				}
				if p.ServerSeq == 0 && server.ServerSeq > 0 {
					p.ServerSeq = server.ServerSeq
				}
				l.pending[i] = p
				return false
			}
		}
		l.pending = append(l.pending, server)
		return true
	}

	if _, exists := l.ids[server.ID]; exists {
		s.mergeExisting(l, server)
		return false
	}
	s.insert(l, server)
	return true
}

// mergeExisting folds a duplicate reference into the stored entry: the
// status may advance and a newly assigned server sequence may reposition
// the message. Callers hold the lock.
func (s *MessageStore) mergeExisting(l *conversationLog, server domain.Message) {
	for i, m := range l.ordered {
		if m.ID != server.ID {
			continue
		}
		if m.Status.CanAdvance(server.Status) {
			m.Status = server.Status
		}
		if m.ServerSeq == 0 && server.ServerSeq > 0 {
			m.ServerSeq = server.ServerSeq
			s.remove(l, m.ConversationID, m.ID)
			s.insert(l, m)
			return
		}
		l.ordered[i] = m
		return
	}
}

// UpdateStatus advances the status machine for a known message. Regressions
// are refused and unknown ids are reported so the caller can ignore them
// silently, as late acknowledgements for cleared state are expected.
func (s *MessageStore) UpdateStatus(id string, status domain.MessageStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	convID, ok := s.byID[id]
	if !ok {
		return apperrors.ErrUnknownMessage
	}
	l := s.logs[convID]
	for i, m := range l.ordered {
		if m.ID == id {
			if !m.Status.CanAdvance(status) {
				return apperrors.ErrStatusRegression
			}
			m.Status = status
			l.ordered[i] = m
			return nil
		}
	}
	return apperrors.ErrUnknownMessage
}

// UpdateStatusBulk applies a status to many ids, skipping unknown ones and
// regressions.
func (s *MessageStore) UpdateStatusBulk(ids []string, status domain.MessageStatus) {
	for _, id := range ids {
		_ = s.UpdateStatus(id, status)
	}
}

// MarkFailed moves an optimistic entry to the terminal failed status.
func (s *MessageStore) MarkFailed(tempID string) error {
	return s.UpdateStatus(tempID, domain.StatusFailed)
}

// Drop removes an entry outright; used to discard a failed message when a
// retry restarts the protocol with a fresh temporary id.
func (s *MessageStore) Drop(id string) (domain.Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	convID, ok := s.byID[id]
	if !ok {
		return domain.Message{}, false
	}
	return s.remove(s.logs[convID], convID, id)
}

// Get returns any known message by id.
func (s *MessageStore) Get(id string) (domain.Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	convID, ok := s.byID[id]
	if !ok {
		return domain.Message{}, false
	}
	m := s.getLocked(convID, id)
	if m.ID == "" {
		return domain.Message{}, false
	}
	return m, true
}

func (s *MessageStore) getLocked(conversationID, id string) domain.Message {
	for _, m := range s.logs[conversationID].ordered {
		if m.ID == id {
			return m
		}
	}
	return domain.Message{}
}

// BeginHistoryLoad marks a history page as in flight; pushes received until
// CompleteHistoryLoad are buffered.
func (s *MessageStore) BeginHistoryLoad(conversationID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	l := s.ensure(conversationID)
	l.loading = true
	l.loadErr = nil
}

// CompleteHistoryLoad merges the fetched page and then the buffered pushes,
// deduplicating both on server id.
func (s *MessageStore) CompleteHistoryLoad(conversationID string, history []domain.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()

	l := s.ensure(conversationID)
	for _, h := range history {
		if h.Status == "" {
			h.Status = domain.StatusSent
		}
		if _, exists := l.ids[h.ID]; exists {
			s.mergeExisting(l, h)
			continue
		}
		s.insert(l, h)
	}
	s.drainPendingLocked(l)
	l.loading = false
}

// FailHistoryLoad records the fetch error as observable state for the view.
// Buffered pushes are still merged: a failed page load must not lose live
// messages.
func (s *MessageStore) FailHistoryLoad(conversationID string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	l := s.ensure(conversationID)
	s.drainPendingLocked(l)
	l.loading = false
	l.loadErr = err
}

func (s *MessageStore) drainPendingLocked(l *conversationLog) {
	for _, p := range l.pending {
		if _, exists := l.ids[p.ID]; exists {
			s.mergeExisting(l, p)
			continue
		}
		s.insert(l, p)
	}
	l.pending = nil
}

// LoadError returns the last history fetch failure for the conversation,
// cleared on the next BeginHistoryLoad.
func (s *MessageStore) LoadError(conversationID string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if l, ok := s.logs[conversationID]; ok {
		return l.loadErr
	}
	return nil
}

// Messages returns an ordered snapshot of a conversation.
func (s *MessageStore) Messages(conversationID string) []domain.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()

	l, ok := s.logs[conversationID]
	if !ok {
		return nil
	}
	out := make([]domain.Message, len(l.ordered))
	copy(out, l.ordered)
	return out
}

// Size reports the total number of stored messages, for telemetry.
func (s *MessageStore) Size() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byID)
}
