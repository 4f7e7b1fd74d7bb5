//go:generate go run go.uber.org/mock/mockgen -source=manager.go -destination=../mocks/mock_transport.go -package=mocks
package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"chatsync/auth"
	"chatsync/domain/event"
	apperrors "chatsync/errors"
)

const (
	defaultBaseDelay   = 1 * time.Second
	defaultMaxDelay    = 30 * time.Second
	defaultMaxAttempts = 10
	defaultBufferSize  = 256
)

// ManagerOptions tune reconnect behavior. Zero values take the defaults.
type ManagerOptions struct {
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	MaxAttempts int
	BufferSize  int
}

// Manager owns the lifecycle of the single persistent connection: connect,
// authenticate, reconnect with bounded exponential backoff, teardown. It is
// the exclusive owner of the connection; everything else observes it through
// the Events channel and Status.
//
// Authentication failure is fatal and never retried automatically. Token
// rotation goes through Connect with the new credential and leaves all
// engine state untouched.
type Manager struct {
	mu        sync.Mutex
	log       *slog.Logger
	transport Transport
	recon     *reconnector
	now       func() time.Time

	cred   Credential
	conn   Conn
	detach context.CancelFunc
	status Status
	stop   chan struct{}

	events chan event.InboundEvent
}

func NewManager(log *slog.Logger, transport Transport, opts ManagerOptions) *Manager {
	if opts.BaseDelay == 0 {
		opts.BaseDelay = defaultBaseDelay
	}
	if opts.MaxDelay == 0 {
		opts.MaxDelay = defaultMaxDelay
	}
	if opts.MaxAttempts == 0 {
		opts.MaxAttempts = defaultMaxAttempts
	}
	if opts.BufferSize == 0 {
		opts.BufferSize = defaultBufferSize
	}
	return &Manager{
		log:       log,
		transport: transport,
		recon:     newReconnector(opts.BaseDelay, opts.MaxDelay, opts.MaxAttempts),
		now:       time.Now,
		status:    StatusDisconnected,
		events:    make(chan event.InboundEvent, opts.BufferSize),
	}
}

// Events is the single stream of normalized inbound and lifecycle events,
// consumed by the coordinator.
func (m *Manager) Events() <-chan event.InboundEvent { return m.events }

func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// Connect establishes the connection, idempotently replacing any prior one.
// The previous connection's watcher is detached before the new dial so a
// stale read loop can never deliver duplicate events. An explicit Connect
// starts a fresh reconnect budget; the internal retry path keeps its
// counter, so a flapping server still exhausts the bound.
func (m *Manager) Connect(ctx context.Context, cred Credential) error {
	m.mu.Lock()
	m.recon.reset()
	m.mu.Unlock()
	return m.connect(ctx, cred)
}

func (m *Manager) connect(ctx context.Context, cred Credential) error {
	if auth.Expired(cred.Token, m.now()) {
		m.emit(event.AuthFailed{Reason: "token expired"})
		return apperrors.ErrTokenExpired
	}

	m.mu.Lock()
	m.detachLocked("replaced by new connection")
	m.cred = cred
	m.status = StatusConnecting
	if m.stop == nil {
		m.stop = make(chan struct{})
	}
	m.mu.Unlock()

	conn, authEvt, err := m.transport.Dial(ctx, cred, m.emit)
	if err != nil {
		m.mu.Lock()
		m.status = StatusDisconnected
		m.mu.Unlock()
		if errors.Is(err, apperrors.ErrAuthFailed) {
			m.emit(event.AuthFailed{Reason: err.Error()})
			return fmt.Errorf("connect: %w", err)
		}
		return fmt.Errorf("connect: %w", err)
	}

	wctx, cancel := context.WithCancel(context.Background())
	m.mu.Lock()
	m.conn = conn
	m.detach = cancel
	m.status = StatusConnected
	m.recon.markConnected()
	m.mu.Unlock()

	m.emit(event.Connected{})
	m.emit(authEvt)

	go m.watch(wctx, conn)
	return nil
}

// Rotate reconnects using a freshly supplied token. In-memory conversation
// and message state lives above this package and is not affected.
func (m *Manager) Rotate(ctx context.Context, token string) error {
	return m.Connect(ctx, Credential{Token: token})
}

// Disconnect tears the connection down and stops any pending reconnect.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	if m.stop != nil {
		close(m.stop)
		m.stop = nil
	}
	m.detachLocked("client disconnect")
	m.status = StatusDisconnected
	m.mu.Unlock()

	m.emit(event.Disconnected{Reason: "client disconnect"})
}

// Send forwards an outbound command over the live connection.
func (m *Manager) Send(ctx context.Context, out Outbound) error {
	m.mu.Lock()
	conn := m.conn
	m.mu.Unlock()
	if conn == nil {
		return apperrors.ErrNotConnected
	}
	return conn.Send(ctx, out)
}

// detachLocked cancels the current watcher and closes the connection.
// Callers hold m.mu.
func (m *Manager) detachLocked(reason string) {
	if m.detach != nil {
		m.detach()
		m.detach = nil
	}
	if m.conn != nil {
		_ = m.conn.Close(reason)
		m.conn = nil
	}
}

// watch waits for the connection to die. A cancelled context means the
// connection was deliberately replaced or torn down; only an unexpected
// death triggers the reconnect loop.
func (m *Manager) watch(ctx context.Context, conn Conn) {
	select {
	case <-ctx.Done():
		return
	case reason, ok := <-conn.Done():
		if !ok {
			return
		}
		m.mu.Lock()
		if m.conn == conn {
			m.conn = nil
			m.status = StatusReconnecting
		}
		stop := m.stop
		m.mu.Unlock()

		m.emit(event.Disconnected{Reason: reason})
		m.log.Warn("Connection lost, reconnecting", "reason", reason)
		go m.reconnect(stop)
	}
}

func (m *Manager) reconnect(stop chan struct{}) {
	for {
		m.mu.Lock()
		if !m.recon.shouldReconnect() {
			attempts := m.recon.attempt
			m.status = StatusDegraded
			m.mu.Unlock()
			m.emit(event.Degraded{Attempts: attempts})
			m.log.Error("Reconnect attempts exhausted, connection degraded")
			return
		}
		delay := m.recon.nextDelay()
		cred := m.cred
		m.mu.Unlock()

		select {
		case <-stop:
			return
		case <-time.After(delay):
		}

		err := m.connect(context.Background(), cred)
		if err == nil {
			return
		}
		if errors.Is(err, apperrors.ErrAuthFailed) || errors.Is(err, apperrors.ErrTokenExpired) {
			// Fatal: the caller must re-authenticate, retrying cannot help.
			m.mu.Lock()
			m.status = StatusDisconnected
			m.mu.Unlock()
			return
		}
		m.mu.Lock()
		m.status = StatusReconnecting
		m.mu.Unlock()
		m.log.Warn("Reconnect attempt failed", "error", err)
	}
}

// emit pushes an event toward the coordinator without ever blocking the
// transport; a full buffer drops the event with a warning.
func (m *Manager) emit(e event.InboundEvent) {
	select {
	case m.events <- e:
	default:
		m.log.Warn("Event buffer full, dropping event", "event", e.Name())
	}
}
