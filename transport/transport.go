// Package transport owns the single persistent connection to the messaging
// backend: dialing, the authentication handshake, reconnection with bounded
// backoff, and teardown. It normalizes everything the wire produces into
// event.InboundEvent values; nothing above this package touches raw frames.
package transport

import (
	"context"

	"chatsync/domain/event"
)

// Credential is supplied externally at connect time and on rotation.
type Credential struct {
	Token string
}

type Status string

const (
	StatusDisconnected Status = "disconnected"
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusReconnecting Status = "reconnecting"
	// StatusDegraded means reconnect attempts are exhausted; the manager
	// stops retrying until an explicit Connect.
	StatusDegraded Status = "degraded"
)

// Outbound is a client-to-server command envelope.
type Outbound struct {
	Event   string `json:"event"`
	Payload any    `json:"payload,omitempty"`
}

// Conn is one live connection. Done yields the close reason when the read
// loop exits unexpectedly, and is closed without a value on intentional
// teardown.
type Conn interface {
	Send(ctx context.Context, out Outbound) error
	Done() <-chan string
	Close(reason string) error
}

// Transport dials connections and performs the authentication handshake.
// The returned Authenticated event is the handshake result; subsequent wire
// events flow through deliver. Tests substitute a fake implementation.
type Transport interface {
	Dial(ctx context.Context, cred Credential, deliver func(event.InboundEvent)) (Conn, event.Authenticated, error)
}
