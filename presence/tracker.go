// Package presence maintains the online-user roster and per-conversation
// typing indicators, derived from inbound events plus local expiry timers.
package presence

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"chatsync/domain"
)

// DefaultTypingTTL is how long a typing indicator survives without a
// refresh. Expiry is the safety net against lost stop events.
const DefaultTypingTTL = 5 * time.Second

// Tracker holds presence state. The typing table is a debounced state
// machine per (conversation, user): a start sets or refreshes the expiry,
// a stop clears immediately, and the sweep clears entries whose stop was
// lost. The roster is replaced wholesale by snapshots and adjusted by
// incremental status changes.
type Tracker struct {
	mu     sync.RWMutex
	log    *slog.Logger
	ttl    time.Duration
	now    func() time.Time
	typing map[string]map[string]time.Time
	roster map[string]domain.OnlineUser
}

func NewTracker(log *slog.Logger, ttl time.Duration, now func() time.Time) *Tracker {
	if ttl == 0 {
		ttl = DefaultTypingTTL
	}
	if now == nil {
		now = time.Now
	}
	return &Tracker{
		log:    log,
		ttl:    ttl,
		now:    now,
		typing: make(map[string]map[string]time.Time),
		roster: make(map[string]domain.OnlineUser),
	}
}

// ApplyTyping processes a start or stop indicator.
func (t *Tracker) ApplyTyping(conversationID, userID string, typing bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	users, ok := t.typing[conversationID]
	if typing {
		if !ok {
			users = make(map[string]time.Time)
			t.typing[conversationID] = users
		}
		users[userID] = t.now().Add(t.ttl)
		return
	}
	if ok {
		delete(users, userID)
		if len(users) == 0 {
			delete(t.typing, conversationID)
		}
	}
}

// Sweep removes expired typing entries. The coordinator drives it from its
// loop ticker; tests drive it with a fake clock.
func (t *Tracker) Sweep() {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	for convID, users := range t.typing {
		for userID, expiresAt := range users {
			if !expiresAt.After(now) {
				delete(users, userID)
			}
		}
		if len(users) == 0 {
			delete(t.typing, convID)
		}
	}
}

// Typing returns the ids of users currently typing in a conversation,
// excluding entries that have already expired.
func (t *Tracker) Typing(conversationID string) []string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	now := t.now()
	var out []string
	for userID, expiresAt := range t.typing[conversationID] {
		if expiresAt.After(now) {
			out = append(out, userID)
		}
	}
	sort.Strings(out)
	return out
}

// SetRoster replaces the online roster wholesale from a snapshot.
func (t *Tracker) SetRoster(users []domain.OnlineUser) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.roster = make(map[string]domain.OnlineUser, len(users))
	for _, u := range users {
		t.roster[u.ID] = u
	}
}

// ApplyStatusChange adjusts the roster for one user. A "came online" event
// without a full user record cannot be inserted as a partial entry; the
// returned flag asks the caller to re-fetch the snapshot instead.
func (t *Tracker) ApplyStatusChange(userID, status string, user *domain.OnlineUser) (needsRefresh bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	switch status {
	case "offline":
		delete(t.roster, userID)
	case "online":
		if user == nil {
			return true
		}
		t.roster[user.ID] = *user
	default:
		t.log.Debug("Ignoring unknown presence status", "status", status, "user", userID)
	}
	return false
}

// Roster returns the online users sorted by display name then id.
func (t *Tracker) Roster() []domain.OnlineUser {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]domain.OnlineUser, 0, len(t.roster))
	for _, u := range t.roster {
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].DisplayName != out[j].DisplayName {
			return out[i].DisplayName < out[j].DisplayName
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Online reports whether a user is currently in the roster.
func (t *Tracker) Online(userID string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.roster[userID]
	return ok
}
