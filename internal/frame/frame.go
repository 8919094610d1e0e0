// Package frame defines the JSON frames exchanged with browser clients.
//
// Inbound and Outbound are closed sum types: only the types declared in this
// package implement them, and the codecs switch over every variant.
package frame

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Wire type tags.
const (
	TypePing              = "ping"
	TypePong              = "pong"
	TypeUser              = "user"
	TypeAnalytics         = "analytics"
	TypeAssistant         = "assistant"
	TypeAssistantChunk    = "assistant_chunk"
	TypeSystem            = "system"
	TypeHistoryRestore    = "history_restore"
	TypeAnalyticsResponse = "analytics_response"
	TypeAnalyticsError    = "analytics_error"
)

// ErrMalformed is returned for payloads that are not a JSON frame object.
var ErrMalformed = errors.New("malformed frame")

// Inbound is a frame sent by the browser.
type Inbound interface {
	inbound()
}

// Ping is a client heartbeat request.
type Ping struct{}

// UserMessage is a chat message typed by the user.
type UserMessage struct {
	Content string
}

// AnalyticsRequest asks the backend for analytics. RequestID is echoed on the reply.
type AnalyticsRequest struct {
	Action    string
	Data      json.RawMessage
	RequestID string
}

// Unknown carries a frame whose type tag is not recognised.
type Unknown struct {
	Type string
}

func (Ping) inbound()             {}
func (UserMessage) inbound()      {}
func (AnalyticsRequest) inbound() {}
func (Unknown) inbound()          {}

type inboundWire struct {
	Type      string          `json:"type"`
	Content   *string         `json:"content"`
	Action    string          `json:"action"`
	Data      json.RawMessage `json:"data"`
	RequestID string          `json:"requestId"`
}

// ParseInbound decodes a client frame. A user frame without content is treated as Unknown.
func ParseInbound(data []byte) (Inbound, error) {
	var w inboundWire
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	switch w.Type {
	case TypePing:
		return Ping{}, nil
	case TypeUser:
		if w.Content == nil || *w.Content == "" {
			return Unknown{Type: w.Type}, nil
		}
		return UserMessage{Content: *w.Content}, nil
	case TypeAnalytics:
		return AnalyticsRequest{Action: w.Action, Data: w.Data, RequestID: w.RequestID}, nil
	default:
		return Unknown{Type: w.Type}, nil
	}
}

// InboundType returns the wire tag of in, or "unknown".
func InboundType(in Inbound) string {
	switch v := in.(type) {
	case Ping:
		return TypePing
	case UserMessage:
		return TypeUser
	case AnalyticsRequest:
		return TypeAnalytics
	case Unknown:
		if v.Type == "" {
			return "unknown"
		}
		return v.Type
	default:
		return "unknown"
	}
}

// Outbound is a frame sent to the browser.
type Outbound interface {
	outbound()
	// Type returns the wire tag.
	Type() string
}

// Pong answers a Ping.
type Pong struct{}

// Assistant is a complete assistant reply.
type Assistant struct {
	Content   string
	Timestamp time.Time
}

// AssistantChunk is one piece of a streamed assistant reply.
type AssistantChunk struct {
	Content   string
	Timestamp time.Time
}

// System is a server notice, including in-band error reports.
type System struct {
	Content   string
	Timestamp time.Time
}

// HistoryRestore replays a session's history after reconnect.
type HistoryRestore struct {
	Messages  []Entry
	Timestamp time.Time
}

// AnalyticsResponse carries analytics data for a client request id.
type AnalyticsResponse struct {
	Data      json.RawMessage
	RequestID string
	Timestamp time.Time
}

// AnalyticsError reports a failed analytics call for a client request id.
type AnalyticsError struct {
	Error     string
	RequestID string
	Timestamp time.Time
}

func (Pong) outbound()              {}
func (Assistant) outbound()         {}
func (AssistantChunk) outbound()    {}
func (System) outbound()            {}
func (HistoryRestore) outbound()    {}
func (AnalyticsResponse) outbound() {}
func (AnalyticsError) outbound()    {}

func (Pong) Type() string              { return TypePong }
func (Assistant) Type() string         { return TypeAssistant }
func (AssistantChunk) Type() string    { return TypeAssistantChunk }
func (System) Type() string            { return TypeSystem }
func (HistoryRestore) Type() string    { return TypeHistoryRestore }
func (AnalyticsResponse) Type() string { return TypeAnalyticsResponse }
func (AnalyticsError) Type() string    { return TypeAnalyticsError }

type contentWire struct {
	Type      string    `json:"type"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// Encode serializes an outbound frame.
func Encode(f Outbound) ([]byte, error) {
	switch v := f.(type) {
	case Pong:
		return json.Marshal(struct {
			Type string `json:"type"`
		}{TypePong})
	case Assistant:
		return json.Marshal(contentWire{TypeAssistant, v.Content, v.Timestamp})
	case AssistantChunk:
		return json.Marshal(contentWire{TypeAssistantChunk, v.Content, v.Timestamp})
	case System:
		return json.Marshal(contentWire{TypeSystem, v.Content, v.Timestamp})
	case HistoryRestore:
		messages := v.Messages
		if messages == nil {
			messages = []Entry{}
		}
		return json.Marshal(struct {
			Type      string    `json:"type"`
			Messages  []Entry   `json:"messages"`
			Timestamp time.Time `json:"timestamp"`
		}{TypeHistoryRestore, messages, v.Timestamp})
	case AnalyticsResponse:
		data := v.Data
		if len(data) == 0 {
			data = json.RawMessage("null")
		}
		return json.Marshal(struct {
			Type      string          `json:"type"`
			Data      json.RawMessage `json:"data"`
			RequestID string          `json:"requestId,omitempty"`
			Timestamp time.Time       `json:"timestamp"`
		}{TypeAnalyticsResponse, data, v.RequestID, v.Timestamp})
	case AnalyticsError:
		return json.Marshal(struct {
			Type      string    `json:"type"`
			Error     string    `json:"error"`
			RequestID string    `json:"requestId,omitempty"`
			Timestamp time.Time `json:"timestamp"`
		}{TypeAnalyticsError, v.Error, v.RequestID, v.Timestamp})
	default:
		return nil, fmt.Errorf("unsupported outbound frame %T", f)
	}
}
