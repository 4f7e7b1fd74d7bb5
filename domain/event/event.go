// Package event models the closed set of inbound transport events.
// Payloads are validated once, at the decoding boundary; store logic only
// ever sees well-formed variants.
package event

import "chatsync/domain"

// InboundEvent is one normalized event delivered to the coordinator, either
// decoded from the wire or synthesized by the connection manager.
type InboundEvent interface {
	Name() string
}

// Lifecycle events synthesized by the connection manager.

type Connected struct{}

func (Connected) Name() string { return "connect" }

type Authenticated struct {
	UserID string
}

func (Authenticated) Name() string { return "authenticated" }

type Disconnected struct {
	Reason string
}

func (Disconnected) Name() string { return "disconnect" }

// Degraded signals that reconnect attempts are exhausted; the engine stops
// retrying until an explicit connect.
type Degraded struct {
	Attempts int
}

func (Degraded) Name() string { return "degraded" }

// AuthFailed is fatal: the caller must supply a fresh credential.
type AuthFailed struct {
	Reason string
}

func (AuthFailed) Name() string { return "auth_error" }

// Wire events pushed by the server.

type NewMessage struct {
	Message domain.Message
}

func (NewMessage) Name() string { return "new_message" }

type MessageSent struct {
	MessageID string
}

func (MessageSent) Name() string { return "message_sent" }

type MessageDelivered struct {
	MessageID string
}

func (MessageDelivered) Name() string { return "message_delivered" }

type MessageRead struct {
	MessageIDs []string
}

func (MessageRead) Name() string { return "message_read" }

type UserTyping struct {
	ConversationID string
	UserID         string
	IsTyping       bool
}

func (UserTyping) Name() string { return "user_typing" }

type OnlineUsersList struct {
	Users []domain.OnlineUser
}

func (OnlineUsersList) Name() string { return "online_users_list" }

// UserStatusChange carries an optional full user record. A "came online"
// change without one cannot be inserted as a partial roster entry; the
// tracker requests a fresh snapshot instead.
type UserStatusChange struct {
	UserID string
	Status string
	User   *domain.OnlineUser
}

func (UserStatusChange) Name() string { return "user_status_change" }

type ConversationCreated struct {
	Conversation domain.Conversation
}

func (ConversationCreated) Name() string { return "conversation_created" }

type ServerError struct {
	Message string
}

func (ServerError) Name() string { return "error" }
