package transport

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"

	"chatsync/domain/event"
	apperrors "chatsync/errors"
)

type fakeConn struct {
	mu     sync.Mutex
	done   chan string
	closed bool
	sent   []Outbound
}

func newFakeConn() *fakeConn {
	return &fakeConn{done: make(chan string, 1)}
}

func (c *fakeConn) Send(_ context.Context, out Outbound) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, out)
	return nil
}

func (c *fakeConn) Done() <-chan string { return c.done }

func (c *fakeConn) Close(string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.done)
	}
	return nil
}

// die simulates an unexpected connection death.
func (c *fakeConn) die(reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		c.done <- reason
		close(c.done)
	}
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

type fakeTransport struct {
	mu      sync.Mutex
	conns   []*fakeConn
	deliver func(event.InboundEvent)
	// failures holds per-dial errors; a nil entry means the dial succeeds.
	failures []error
	// dieOnDial makes every accepted connection drop immediately,
	// simulating a flapping server.
	dieOnDial bool
	dials     int
}

func (t *fakeTransport) Dial(_ context.Context, _ Credential,
	deliver func(event.InboundEvent)) (Conn, event.Authenticated, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	idx := t.dials
	t.dials++
	if idx < len(t.failures) && t.failures[idx] != nil {
		return nil, event.Authenticated{}, t.failures[idx]
	}
	conn := newFakeConn()
	t.conns = append(t.conns, conn)
	t.deliver = deliver
	if t.dieOnDial {
		conn.die("flap")
	}
	return conn, event.Authenticated{UserID: "u1"}, nil
}

func (t *fakeTransport) dialCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.dials
}

func (t *fakeTransport) conn(i int) *fakeConn {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conns[i]
}

func waitFor[T event.InboundEvent](t *testing.T, events <-chan event.InboundEvent) T {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case e := <-events:
			if typed, ok := e.(T); ok {
				return typed
			}
		case <-deadline:
			var zero T
			t.Fatalf("timed out waiting for %T", zero)
			return zero
		}
	}
}

func waitStatus(t *testing.T, m *Manager, want Status) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if m.Status() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("status never reached %q, last %q", want, m.Status())
}

func expiredToken(t *testing.T) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"exp": time.Now().Add(-time.Hour).Unix(),
	}).SignedString([]byte("secret"))
	require.NoError(t, err)
	return token
}

func Test_Connect_Emits_Lifecycle_Events(t *testing.T) {
	req := require.New(t)
	ft := &fakeTransport{}
	m := NewManager(slog.Default(), ft, ManagerOptions{})

	req.NoError(m.Connect(context.Background(), Credential{Token: "tok"}))
	req.Equal(StatusConnected, m.Status())

	waitFor[event.Connected](t, m.Events())
	auth := waitFor[event.Authenticated](t, m.Events())
	req.Equal("u1", auth.UserID)
}

func Test_Connect_Is_Idempotent(t *testing.T) {
	req := require.New(t)
	ft := &fakeTransport{}
	m := NewManager(slog.Default(), ft, ManagerOptions{})

	req.NoError(m.Connect(context.Background(), Credential{Token: "tok"}))
	req.NoError(m.Connect(context.Background(), Credential{Token: "tok"}))

	req.Equal(2, ft.dialCount())
	req.True(ft.conn(0).isClosed())
	req.False(ft.conn(1).isClosed())
	req.Equal(StatusConnected, m.Status())
}

func Test_Expired_Token_Fails_Fast(t *testing.T) {
	req := require.New(t)
	ft := &fakeTransport{}
	m := NewManager(slog.Default(), ft, ManagerOptions{})

	err := m.Connect(context.Background(), Credential{Token: expiredToken(t)})
	req.ErrorIs(err, apperrors.ErrTokenExpired)
	req.Zero(ft.dialCount())

	waitFor[event.AuthFailed](t, m.Events())
}

func Test_Auth_Rejection_Is_Not_Retried(t *testing.T) {
	req := require.New(t)
	ft := &fakeTransport{failures: []error{
		fmt.Errorf("%w: bad token", apperrors.ErrAuthFailed),
	}}
	m := NewManager(slog.Default(), ft, ManagerOptions{BaseDelay: time.Millisecond})

	err := m.Connect(context.Background(), Credential{Token: "tok"})
	req.ErrorIs(err, apperrors.ErrAuthFailed)
	waitFor[event.AuthFailed](t, m.Events())

	time.Sleep(50 * time.Millisecond)
	req.Equal(1, ft.dialCount())
	req.Equal(StatusDisconnected, m.Status())
}

func Test_Unexpected_Death_Triggers_Reconnect(t *testing.T) {
	req := require.New(t)
	ft := &fakeTransport{}
	m := NewManager(slog.Default(), ft, ManagerOptions{BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond})

	req.NoError(m.Connect(context.Background(), Credential{Token: "tok"}))
	ft.conn(0).die("network blip")

	disc := waitFor[event.Disconnected](t, m.Events())
	req.Equal("network blip", disc.Reason)

	waitStatus(t, m, StatusConnected)
	req.Equal(2, ft.dialCount())
}

func Test_Exhausted_Reconnects_Degrade(t *testing.T) {
	req := require.New(t)
	failures := []error{nil}
	for i := 0; i < 3; i++ {
		failures = append(failures, fmt.Errorf("dial refused"))
	}
	ft := &fakeTransport{failures: failures}
	m := NewManager(slog.Default(), ft, ManagerOptions{
		BaseDelay:   time.Millisecond,
		MaxDelay:    2 * time.Millisecond,
		MaxAttempts: 3,
	})

	req.NoError(m.Connect(context.Background(), Credential{Token: "tok"}))
	ft.conn(0).die("network gone")

	degraded := waitFor[event.Degraded](t, m.Events())
	req.Equal(3, degraded.Attempts)
	waitStatus(t, m, StatusDegraded)
}

// A server that accepts the connection and drops it immediately must not
// be redialed forever: only an explicit Connect restarts the budget, so
// flapping burns through the attempt counter and degrades.
func Test_Flapping_Connection_Exhausts_Attempt_Budget(t *testing.T) {
	req := require.New(t)
	ft := &fakeTransport{dieOnDial: true}
	m := NewManager(slog.Default(), ft, ManagerOptions{
		BaseDelay:   time.Millisecond,
		MaxDelay:    2 * time.Millisecond,
		MaxAttempts: 2,
	})

	req.NoError(m.Connect(context.Background(), Credential{Token: "tok"}))

	waitFor[event.Degraded](t, m.Events())
	waitStatus(t, m, StatusDegraded)

	// Initial dial plus at most MaxAttempts redials.
	req.LessOrEqual(ft.dialCount(), 3)
}

func Test_Send_Without_Connection(t *testing.T) {
	req := require.New(t)
	m := NewManager(slog.Default(), &fakeTransport{}, ManagerOptions{})

	err := m.Send(context.Background(), Outbound{Event: "typing_start"})
	req.ErrorIs(err, apperrors.ErrNotConnected)
}

func Test_Send_Goes_Through_Live_Connection(t *testing.T) {
	req := require.New(t)
	ft := &fakeTransport{}
	m := NewManager(slog.Default(), ft, ManagerOptions{})

	req.NoError(m.Connect(context.Background(), Credential{Token: "tok"}))
	req.NoError(m.Send(context.Background(), Outbound{Event: "typing_start"}))

	conn := ft.conn(0)
	conn.mu.Lock()
	defer conn.mu.Unlock()
	req.Len(conn.sent, 1)
	req.Equal("typing_start", conn.sent[0].Event)
}

func Test_Rotate_Replaces_Connection(t *testing.T) {
	req := require.New(t)
	ft := &fakeTransport{}
	m := NewManager(slog.Default(), ft, ManagerOptions{})

	req.NoError(m.Connect(context.Background(), Credential{Token: "old"}))
	req.NoError(m.Rotate(context.Background(), "new"))

	req.Equal(2, ft.dialCount())
	req.True(ft.conn(0).isClosed())
	req.Equal(StatusConnected, m.Status())
}

func Test_Disconnect_Stops_Reconnecting(t *testing.T) {
	req := require.New(t)
	ft := &fakeTransport{}
	m := NewManager(slog.Default(), ft, ManagerOptions{BaseDelay: 50 * time.Millisecond})

	req.NoError(m.Connect(context.Background(), Credential{Token: "tok"}))
	m.Disconnect()

	req.Equal(StatusDisconnected, m.Status())
	time.Sleep(100 * time.Millisecond)
	req.Equal(1, ft.dialCount())
}
