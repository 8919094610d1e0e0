package frame

import (
	"encoding/json"
	"time"
)

// Entry is one item of a session's conversation history.
type Entry struct {
	Type      string          `json:"type"`
	Content   string          `json:"content,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Error     string          `json:"error,omitempty"`
	RequestID string          `json:"requestId,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// UserEntry records a message typed by the user.
func UserEntry(content string, ts time.Time) Entry {
	return Entry{Type: TypeUser, Content: content, Timestamp: ts}
}

// EntryFor converts a live outbound frame into its history form.
// Frames that are not part of the conversation (pong, replays) report false.
func EntryFor(f Outbound) (Entry, bool) {
	switch v := f.(type) {
	case Assistant:
		return Entry{Type: TypeAssistant, Content: v.Content, Timestamp: v.Timestamp}, true
	case AssistantChunk:
		return Entry{Type: TypeAssistantChunk, Content: v.Content, Timestamp: v.Timestamp}, true
	case System:
		return Entry{Type: TypeSystem, Content: v.Content, Timestamp: v.Timestamp}, true
	case AnalyticsResponse:
		return Entry{Type: TypeAnalyticsResponse, Data: v.Data, RequestID: v.RequestID, Timestamp: v.Timestamp}, true
	case AnalyticsError:
		return Entry{Type: TypeAnalyticsError, Error: v.Error, RequestID: v.RequestID, Timestamp: v.Timestamp}, true
	case Pong, HistoryRestore:
		return Entry{}, false
	default:
		return Entry{}, false
	}
}
