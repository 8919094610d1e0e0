package gateway

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/ashureev/taskmate-realtime/internal/frame"
	"github.com/ashureev/taskmate-realtime/internal/telemetry"
)

var (
	errConnClosed   = errors.New("connection closed")
	errSlowConsumer = errors.New("send queue full")
)

// Conn wraps an accepted WebSocket. Outbound frames go through a bounded queue drained
// by a single writer goroutine, so Send never blocks the caller.
type Conn struct {
	id       string
	userID   string
	endpoint string

	ws           *websocket.Conn
	out          chan frame.Outbound
	done         chan struct{}
	writeTimeout time.Duration
	logger       *slog.Logger
	metrics      *telemetry.Metrics

	closeOnce sync.Once
	mu        sync.Mutex
	reason    string
}

func newConn(ws *websocket.Conn, userID, endpoint string, queueSize int, writeTimeout time.Duration, logger *slog.Logger, metrics *telemetry.Metrics) *Conn {
	id := uuid.NewString()
	return &Conn{
		id:           id,
		userID:       userID,
		endpoint:     endpoint,
		ws:           ws,
		out:          make(chan frame.Outbound, queueSize),
		done:         make(chan struct{}),
		writeTimeout: writeTimeout,
		logger:       logger.With("conn_id", id, "user_id", userID, "endpoint", endpoint),
		metrics:      metrics,
	}
}

// ID implements session.Conn.
func (c *Conn) ID() string { return c.id }

// UserID returns the authenticated user.
func (c *Conn) UserID() string { return c.userID }

// Endpoint returns the logical endpoint the connection was accepted on.
func (c *Conn) Endpoint() string { return c.endpoint }

// Send queues f. A full queue means the peer cannot keep up; the connection is closed.
func (c *Conn) Send(f frame.Outbound) error {
	select {
	case <-c.done:
		return errConnClosed
	default:
	}

	select {
	case c.out <- f:
		return nil
	case <-c.done:
		return errConnClosed
	default:
		c.logger.Warn("Send queue overflow, closing connection", "queue_size", cap(c.out))
		c.Close("client too slow")
		return errSlowConsumer
	}
}

// Ping sends a WebSocket ping and waits for the pong. Requires the read loop to be running.
func (c *Conn) Ping(ctx context.Context) error {
	return c.ws.Ping(ctx)
}

// Close asks the writer to close the socket with reason. It does not wait.
func (c *Conn) Close(reason string) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.reason = reason
		c.mu.Unlock()
		close(c.done)
	})
}

// IsOpen reports whether Close has not been called.
func (c *Conn) IsOpen() bool {
	select {
	case <-c.done:
		return false
	default:
		return true
	}
}

func (c *Conn) closeReason() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reason
}

// writeLoop drains the queue until the connection is closed or a write fails. Frames
// still queued at close are flushed before the close handshake.
func (c *Conn) writeLoop() {
	for {
		select {
		case f := <-c.out:
			if err := c.write(f); err != nil {
				c.logger.Debug("WebSocket write failed", "error", err)
				c.Close("write failed")
				c.finish()
				return
			}
		case <-c.done:
			c.flush()
			c.finish()
			return
		}
	}
}

func (c *Conn) flush() {
	for {
		select {
		case f := <-c.out:
			if err := c.write(f); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (c *Conn) finish() {
	status := websocket.StatusNormalClosure
	reason := c.closeReason()
	if reason == "client too slow" {
		status = websocket.StatusPolicyViolation
	}
	if err := c.ws.Close(status, reason); err != nil {
		c.logger.Debug("Failed to close websocket", "error", err)
	}
}

func (c *Conn) write(f frame.Outbound) error {
	data, err := frame.Encode(f)
	if err != nil {
		c.logger.Error("Dropping unencodable frame", "type", f.Type(), "error", err)
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.writeTimeout)
	defer cancel()
	if err := c.ws.Write(ctx, websocket.MessageText, data); err != nil {
		return err
	}
	c.metrics.Frame(f.Type(), telemetry.Outbound)
	return nil
}
