// Package backend connects the gateway to the asynchronous assistant/analytics service.
//
// Requests are handed to a Transport fire-and-forget. Events come back addressed by the
// sessionId they were issued under and are routed by the Bus to whichever subscription
// owns that namespace.
package backend

import (
	"context"
	"encoding/json"
	"errors"
)

// Event kinds emitted by the backend.
const (
	EventResponse          = "response"
	EventResponseChunk     = "response_chunk"
	EventResponseStreamEnd = "response_stream_end"
	EventSavePlan          = "save_plan"
	EventAnalyticsResponse = "analytics_response"
	EventAnalyticsError    = "analytics_error"
)

// Request type and method tags.
const (
	MethodChat        = "chat"
	TypeAnalytics     = "analytics"
	ActionAssignments = "get_task_assignment_recommendations"
)

// OneShotPrefix prefixes the private namespace used by REST-triggered calls.
const OneShotPrefix = "analytics_"

var (
	// ErrBackendUnavailable means a request could not be handed to the backend.
	ErrBackendUnavailable = errors.New("backend unavailable")
	// ErrTimeout means a one-shot call did not receive a reply before its deadline.
	ErrTimeout = errors.New("backend call timed out")
	// ErrClosed is returned after the bus or a transport has been closed.
	ErrClosed = errors.New("backend closed")
)

// Request is a message for the backend service.
type Request struct {
	RequestID string          `json:"requestId"`
	SessionID string          `json:"sessionId"`
	Method    string          `json:"method,omitempty"`
	Params    json.RawMessage `json:"params,omitempty"`
	Type      string          `json:"type,omitempty"`
	Action    string          `json:"action,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// Event is a message from the backend service.
type Event struct {
	Event     string          `json:"event"`
	SessionID string          `json:"sessionId"`
	RequestID string          `json:"requestId,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Error     string          `json:"error,omitempty"`
}

// ChatParams is the params payload of a chat request.
type ChatParams struct {
	Message string      `json:"message"`
	Context ChatContext `json:"context"`
}

// ChatContext is the minimal user context sent with each chat message.
type ChatContext struct {
	UserID string `json:"userId"`
}

// NewChatRequest builds the request for one user chat message.
func NewChatRequest(requestID, sessionID, message, userID string) (Request, error) {
	params, err := json.Marshal(ChatParams{Message: message, Context: ChatContext{UserID: userID}})
	if err != nil {
		return Request{}, err
	}
	return Request{RequestID: requestID, SessionID: sessionID, Method: MethodChat, Params: params}, nil
}

// Transport moves requests to the backend and events back.
type Transport interface {
	// Send hands one request to the backend. It must not wait for a reply.
	Send(ctx context.Context, req Request) error
	// Run receives events and passes them to deliver until ctx is done or the
	// transport is closed. Implementations reconnect on their own.
	Run(ctx context.Context, deliver func(Event)) error
	Close() error
}
