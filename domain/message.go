// Package domain contains core concepts of the sync engine.
// This file defines Message, its status machine and its ordering key.
// Messages are mutated only through the stores.
package domain

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// TempIDPrefix marks locally generated identifiers of unconfirmed messages.
const TempIDPrefix = "tmp-"

type MessageType string

const (
	MessageText  MessageType = "text"
	MessageImage MessageType = "image"
	MessageFile  MessageType = "file"
)

type MessageStatus string

const (
	StatusSending   MessageStatus = "sending"
	StatusSent      MessageStatus = "sent"
	StatusDelivered MessageStatus = "delivered"
	StatusRead      MessageStatus = "read"
	StatusFailed    MessageStatus = "failed"
)

// statusRank encodes the forward-only delivery progression.
var statusRank = map[MessageStatus]int{
	StatusSending:   0,
	StatusSent:      1,
	StatusDelivered: 2,
	StatusRead:      3,
}

// CanAdvance reports whether moving from s to next is a legal transition.
// Failed is reachable from sending only and is terminal; a retry creates a
// fresh message instead of resurrecting the failed one.
func (s MessageStatus) CanAdvance(next MessageStatus) bool {
	if s == StatusFailed {
		return false
	}
	if next == StatusFailed {
		return s == StatusSending
	}
	from, ok := statusRank[s]
	if !ok {
		return false
	}
	to, ok := statusRank[next]
	if !ok {
		return false
	}
	return to > from
}

type Attachment struct {
	Name string
	URL  string
	MIME string
	Size int64
}

// Message is a single chat entry, either optimistic (temporary id, status
// sending) or authoritative (server-assigned id).
type Message struct {
	ID             string
	ConversationID string
	SenderID       string
	Type           MessageType
	Content        string
	Attachments    []Attachment
	Status         MessageStatus
	CreatedAt      time.Time
	// ServerSeq is the authoritative ordering key once assigned; zero means
	// the server has not sequenced the message and CreatedAt is used instead.
	ServerSeq int64
}

// NewOptimisticMessage builds the local placeholder inserted before the
// server confirms a send.
func NewOptimisticMessage(conversationID, senderID string, mtype MessageType,
	content string, attachments []Attachment, now time.Time) Message {
	return Message{
		ID:             TempIDPrefix + uuid.NewString(),
		ConversationID: conversationID,
		SenderID:       senderID,
		Type:           mtype,
		Content:        content,
		Attachments:    attachments,
		Status:         StatusSending,
		CreatedAt:      now,
	}
}

func (m Message) IsOptimistic() bool {
	return strings.HasPrefix(m.ID, TempIDPrefix)
}

// OrderKey is the primary sort key inside a conversation.
func (m Message) OrderKey() int64 {
	if m.ServerSeq > 0 {
		return m.ServerSeq
	}
	return m.CreatedAt.UnixNano()
}

// Before defines the total order (OrderKey, ID) within a conversation.
func (m Message) Before(other Message) bool {
	a, b := m.OrderKey(), other.OrderKey()
	if a != b {
		return a < b
	}
	return m.ID < other.ID
}
