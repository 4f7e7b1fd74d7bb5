package transport

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"chatsync/domain/event"
	apperrors "chatsync/errors"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

const handshakeTimeout = 10 * time.Second

// WebsocketTransport dials the backend's event channel over a websocket.
// The token is presented in the URL; the server's first frame must be an
// authenticated event, anything else is treated as an auth rejection.
type WebsocketTransport struct {
	log     *slog.Logger
	baseURL string
}

func NewWebsocketTransport(log *slog.Logger, baseURL string) *WebsocketTransport {
	return &WebsocketTransport{log: log, baseURL: strings.TrimSuffix(baseURL, "/")}
}

func (t *WebsocketTransport) Dial(ctx context.Context, cred Credential,
	deliver func(event.InboundEvent)) (Conn, event.Authenticated, error) {
	wsURL := strings.Replace(t.baseURL, "https://", "wss://", 1)
	wsURL = strings.Replace(wsURL, "http://", "ws://", 1)
	wsURL += "/ws?token=" + url.QueryEscape(cred.Token)

	c, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		return nil, event.Authenticated{}, fmt.Errorf("websocket dial: %w", err)
	}

	hctx, cancel := context.WithTimeout(ctx, handshakeTimeout)
	defer cancel()
	_, data, err := c.Read(hctx)
	if err != nil {
		_ = c.Close(websocket.StatusNormalClosure, "handshake failed")
		return nil, event.Authenticated{}, fmt.Errorf("read handshake: %w", err)
	}

	evt, err := event.Decode(data)
	if err != nil {
		_ = c.Close(websocket.StatusNormalClosure, "handshake failed")
		return nil, event.Authenticated{}, fmt.Errorf("%w: %v", apperrors.ErrAuthFailed, err)
	}
	authEvt, ok := evt.(event.Authenticated)
	if !ok {
		_ = c.Close(websocket.StatusNormalClosure, "handshake refused")
		return nil, event.Authenticated{},
			fmt.Errorf("%w: handshake answered with %q", apperrors.ErrAuthFailed, evt.Name())
	}

	rctx, rcancel := context.WithCancel(context.Background())
	conn := &wsConn{
		log:    t.log,
		conn:   c,
		cancel: rcancel,
		done:   make(chan string, 1),
	}
	go conn.readLoop(rctx, deliver)
	return conn, authEvt, nil
}

type wsConn struct {
	log    *slog.Logger
	conn   *websocket.Conn
	cancel context.CancelFunc
	done   chan string

	mu     sync.Mutex
	closed bool
}

func (c *wsConn) Send(ctx context.Context, out Outbound) error {
	return wsjson.Write(ctx, c.conn, out)
}

func (c *wsConn) Done() <-chan string { return c.done }

func (c *wsConn) Close(reason string) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.cancel()
	return c.conn.Close(websocket.StatusNormalClosure, reason)
}

// readLoop decodes inbound frames until the connection dies. Malformed
// payloads are logged and dropped at this boundary; they must never
// propagate past the handler.
func (c *wsConn) readLoop(ctx context.Context, deliver func(event.InboundEvent)) {
	for {
		_, data, err := c.conn.Read(ctx)
		if err != nil {
			c.mu.Lock()
			intentional := c.closed
			c.closed = true
			c.mu.Unlock()

			if intentional {
				close(c.done)
				return
			}
			c.done <- err.Error()
			close(c.done)
			return
		}

		evt, err := event.Decode(data)
		if err != nil {
			c.log.Warn("Dropping undecodable event", "error", err)
			continue
		}
		deliver(evt)
	}
}
