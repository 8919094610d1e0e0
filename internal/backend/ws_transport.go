package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

const wsReadLimit = 4 << 20

// WSTransport talks to the backend over a single outbound WebSocket, reconnecting after
// a fixed delay whenever the connection drops.
type WSTransport struct {
	url            string
	reconnectDelay time.Duration
	logger         *slog.Logger
	link           *link[*websocket.Conn]
}

// NewWSTransport creates a transport for the backend at url. No connection is made until Run.
func NewWSTransport(url string, reconnectDelay time.Duration, logger *slog.Logger) *WSTransport {
	if logger == nil {
		logger = slog.Default()
	}
	if reconnectDelay <= 0 {
		reconnectDelay = 5 * time.Second
	}
	return &WSTransport{
		url:            url,
		reconnectDelay: reconnectDelay,
		logger:         logger,
		link:           newLink[*websocket.Conn](),
	}
}

// Send writes req to the backend. It fails at once while the transport is reconnecting.
func (t *WSTransport) Send(ctx context.Context, req Request) error {
	conn, err := t.link.current()
	if err != nil {
		return fmt.Errorf("no backend connection: %w", err)
	}
	if err := wsjson.Write(ctx, conn, req); err != nil {
		return fmt.Errorf("write request: %w", err)
	}
	return nil
}

// Run dials the backend and reads events until ctx is done or Close is called.
func (t *WSTransport) Run(ctx context.Context, deliver func(Event)) error {
	for {
		if err := t.session(ctx, deliver); err != nil && !errors.Is(err, context.Canceled) {
			t.logger.Warn("Backend connection lost, reconnecting", "url", t.url, "delay", t.reconnectDelay, "error", err)
		}
		if t.link.isClosed() {
			return ErrClosed
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(t.reconnectDelay):
		}
	}
}

func (t *WSTransport) session(ctx context.Context, deliver func(Event)) error {
	t.logger.Info("Connecting to backend", "url", t.url)
	conn, _, err := websocket.Dial(ctx, t.url, nil)
	if err != nil {
		return fmt.Errorf("dial backend: %w", err)
	}
	conn.SetReadLimit(wsReadLimit)
	if !t.link.set(conn) {
		return conn.Close(websocket.StatusGoingAway, "shutting down")
	}
	defer func() {
		t.link.clear()
		_ = conn.CloseNow()
	}()
	t.logger.Info("Backend connection established", "url", t.url)

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		var ev Event
		if err := json.Unmarshal(data, &ev); err != nil {
			t.logger.Warn("Discarding undecodable backend message", "error", err)
			continue
		}
		deliver(ev)
	}
}

// Ping reports whether the backend connection is currently up.
func (t *WSTransport) Ping(_ context.Context) error {
	if !t.link.isUp() {
		return errLinkDown
	}
	return nil
}

// Close closes the current connection and stops Run from reconnecting.
func (t *WSTransport) Close() error {
	conn, up := t.link.close()
	if up {
		return conn.Close(websocket.StatusNormalClosure, "shutting down")
	}
	return nil
}
