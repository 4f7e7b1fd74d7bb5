package domain

import (
	"time"

	"github.com/google/uuid"
)

type ConversationKind string

const (
	ConversationDirect ConversationKind = "direct"
	ConversationGroup  ConversationKind = "group"
)

const excerptRunes = 80

// Preview is the denormalized last-message summary shown in the catalog.
type Preview struct {
	MessageID string
	SenderID  string
	Excerpt   string
	Type      MessageType
	At        time.Time
}

// Conversation is a catalog entry. A locally created conversation carries a
// client-generated CorrelationID until the server assigns the real ID; the
// two are merged on first contact. A Stub is a minimal placeholder created
// for late-arriving events referencing a conversation not yet known locally.
type Conversation struct {
	ID            string
	CorrelationID string
	Kind          ConversationKind
	MemberIDs     []string
	Name          string
	Description   string
	LastMessage   *Preview
	UnreadCount   int
	Stub          bool
}

// NewCorrelationID generates the client-side identity of a conversation
// created before the server has named it.
func NewCorrelationID() string {
	return uuid.NewString()
}

// LastActivity is the recency key used to order the catalog.
func (c Conversation) LastActivity() time.Time {
	if c.LastMessage == nil {
		return time.Time{}
	}
	return c.LastMessage.At
}

// PreviewOf derives the catalog preview from a message.
func PreviewOf(m Message) Preview {
	return Preview{
		MessageID: m.ID,
		SenderID:  m.SenderID,
		Excerpt:   Excerpt(m.Content),
		Type:      m.Type,
		At:        m.CreatedAt,
	}
}

// Excerpt caps content for preview display without splitting runes.
func Excerpt(content string) string {
	runes := []rune(content)
	if len(runes) <= excerptRunes {
		return content
	}
	return string(runes[:excerptRunes])
}
