// Package session keeps per-user conversational state across WebSocket reconnects and
// bridges it to the backend service.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/ashureev/taskmate-realtime/internal/backend"
	"github.com/ashureev/taskmate-realtime/internal/frame"
)

// Logical endpoints.
const (
	EndpointChat     = "chat"
	EndpointInsights = "insights"
)

// Close reasons sent to browsers.
const (
	ReasonReplaced  = "session replaced"
	ReasonLoggedOut = "session closed"
	ReasonShutdown  = "server shutting down"
)

// ErrDestroyed is returned by operations on a destroyed session.
var ErrDestroyed = errors.New("session destroyed")

// State is the lifecycle state of a UserSession.
type State int

// Session states. Destroyed is terminal.
const (
	Attached State = iota
	Detached
	Destroyed
)

func (s State) String() string {
	switch s {
	case Attached:
		return "attached"
	case Detached:
		return "detached"
	case Destroyed:
		return "destroyed"
	default:
		return "unknown"
	}
}

// Conn is a live browser connection.
type Conn interface {
	// ID is unique per accepted connection.
	ID() string
	// Send queues f for delivery without blocking. An error means the connection is
	// gone or too slow and will be closed.
	Send(f frame.Outbound) error
	// Ping sends a liveness probe and waits for the reply.
	Ping(ctx context.Context) error
	// Close closes the connection with a reason. Safe to call more than once.
	Close(reason string)
}

// Backend is the part of the correlation bus a session uses.
type Backend interface {
	Send(ctx context.Context, req backend.Request) error
	Subscribe(namespace string, h backend.Handler) *backend.Subscription
}

// ProjectCreator persists a plan produced by the assistant and returns the new group id.
type ProjectCreator interface {
	CreateProjectFromPlan(ctx context.Context, plan json.RawMessage, originalMessage, userID string) (string, error)
}

// Info is a point-in-time view of a session for administrative tooling.
type Info struct {
	UserID       string    `json:"userId"`
	Endpoint     string    `json:"endpoint"`
	SessionID    string    `json:"sessionId"`
	Connected    bool      `json:"connected"`
	MessageCount int       `json:"messageCount"`
	CreatedAt    time.Time `json:"createdAt"`
	LastActivity time.Time `json:"lastActivity"`
}
