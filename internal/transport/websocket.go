package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	defaultHandshakeTimeout = 10 * time.Second
	maxFrameSize            = 1 << 20
	closeGrace              = time.Second
)

// WebSocket dials the streaming endpoint with gorilla/websocket.
type WebSocket struct {
	dialer *websocket.Dialer
	logger *slog.Logger
}

// Option customises the WebSocket dialer.
type Option func(*WebSocket)

// WithHandshakeTimeout bounds the opening handshake.
func WithHandshakeTimeout(d time.Duration) Option {
	return func(w *WebSocket) {
		if d > 0 {
			w.dialer.HandshakeTimeout = d
		}
	}
}

// NewWebSocket constructs a WebSocket dialer.
func NewWebSocket(logger *slog.Logger, opts ...Option) *WebSocket {
	if logger == nil {
		logger = slog.Default()
	}
	w := &WebSocket{
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: defaultHandshakeTimeout,
		},
		logger: logger.With("component", "transport"),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Open starts a connection attempt in the background.
func (w *WebSocket) Open(target string, emit func(Event)) Handle {
	ctx, cancel := context.WithCancel(context.Background())
	c := &conn{
		emitFn: emit,
		cancel: cancel,
		logger: w.logger,
	}
	go c.run(ctx, w.dialer, target)
	return c
}

type conn struct {
	mu     sync.Mutex
	closed bool
	ws     *websocket.Conn
	emitFn func(Event)
	cancel context.CancelFunc
	logger *slog.Logger
}

// emit delivers ev unless the handle was closed. Holding mu while calling out
// is what makes Close a barrier for further events.
func (c *conn) emit(ev Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.emitFn(ev)
}

func (c *conn) run(ctx context.Context, dialer *websocket.Dialer, target string) {
	ws, resp, err := dialer.DialContext(ctx, target, nil)
	if err != nil {
		unauthorized := false
		status := 0
		if resp != nil {
			status = resp.StatusCode
			unauthorized = status == http.StatusUnauthorized || status == http.StatusForbidden
			_ = resp.Body.Close()
		}
		if ctx.Err() != nil {
			return
		}
		detail := err
		if status != 0 {
			detail = fmt.Errorf("handshake rejected with status %d: %w", status, err)
		}
		c.emit(Event{Kind: EventError, Err: detail, Unauthorized: unauthorized})
		c.emit(Event{Kind: EventClose, Code: CloseAbnormal, Reason: "handshake failed", Unauthorized: unauthorized})
		return
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		_ = ws.Close()
		return
	}
	c.ws = ws
	c.mu.Unlock()

	ws.SetReadLimit(maxFrameSize)
	c.emit(Event{Kind: EventOpen})

	for {
		msgType, payload, err := ws.ReadMessage()
		if err != nil {
			c.finish(err)
			return
		}
		if msgType != websocket.TextMessage && msgType != websocket.BinaryMessage {
			continue
		}
		c.emit(Event{Kind: EventMessage, Payload: payload})
	}
}

func (c *conn) finish(err error) {
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		code := closeErr.Code
		ev := Event{Kind: EventClose, Code: code, Reason: closeErr.Text, Unauthorized: UnauthorizedCode(code)}
		if code != websocket.CloseNormalClosure && code != websocket.CloseGoingAway {
			c.emit(Event{Kind: EventError, Err: err, Unauthorized: ev.Unauthorized})
		}
		c.emit(ev)
		return
	}
	c.emit(Event{Kind: EventError, Err: err})
	c.emit(Event{Kind: EventClose, Code: CloseAbnormal, Reason: err.Error()})
}

// Close stops the attempt or the open connection.
func (c *conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	ws := c.ws
	c.mu.Unlock()

	c.cancel()
	if ws == nil {
		return nil
	}
	deadline := time.Now().Add(closeGrace)
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	if err := ws.WriteControl(websocket.CloseMessage, msg, deadline); err != nil && !errors.Is(err, websocket.ErrCloseSent) {
		c.logger.Debug("close frame not sent", "error", err)
	}
	return ws.Close()
}
