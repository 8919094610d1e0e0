package frame

import (
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func TestParseInbound(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		in   string
		want Inbound
	}{
		{"ping", `{"type":"ping"}`, Ping{}},
		{"user", `{"type":"user","content":"hi"}`, UserMessage{Content: "hi"}},
		{"user without content", `{"type":"user"}`, Unknown{Type: "user"}},
		{"unknown", `{"type":"resize","cols":80}`, Unknown{Type: "resize"}},
		{"missing type", `{"content":"hi"}`, Unknown{Type: ""}},
	}
	for _, tc := range cases {
		got, err := ParseInbound([]byte(tc.in))
		if err != nil {
			t.Fatalf("%s: unexpected error: %v", tc.name, err)
		}
		if got != tc.want {
			t.Errorf("%s: expected %#v, got %#v", tc.name, tc.want, got)
		}
	}
}

func TestParseInboundAnalytics(t *testing.T) {
	t.Parallel()

	got, err := ParseInbound([]byte(`{"type":"analytics","action":"get_team_analytics","data":{"group_id":"g1"},"requestId":"r-1"}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	req, ok := got.(AnalyticsRequest)
	if !ok {
		t.Fatalf("expected AnalyticsRequest, got %T", got)
	}
	if req.Action != "get_team_analytics" || req.RequestID != "r-1" {
		t.Errorf("unexpected request: %+v", req)
	}
	if string(req.Data) != `{"group_id":"g1"}` {
		t.Errorf("data not preserved verbatim: %s", req.Data)
	}
}

func TestParseInboundMalformed(t *testing.T) {
	t.Parallel()

	for _, in := range []string{`not json`, `[1,2]`, `"ping"`} {
		if _, err := ParseInbound([]byte(in)); !errors.Is(err, ErrMalformed) {
			t.Errorf("%q: expected ErrMalformed, got %v", in, err)
		}
	}
}

func TestEncodeTagsEveryVariant(t *testing.T) {
	t.Parallel()

	ts := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	frames := []Outbound{
		Pong{},
		Assistant{Content: "hello", Timestamp: ts},
		AssistantChunk{Content: "par", Timestamp: ts},
		System{Content: "note", Timestamp: ts},
		HistoryRestore{Timestamp: ts},
		AnalyticsResponse{Data: json.RawMessage(`{"ok":true}`), RequestID: "r", Timestamp: ts},
		AnalyticsError{Error: "boom", RequestID: "r", Timestamp: ts},
	}
	for _, f := range frames {
		data, err := Encode(f)
		if err != nil {
			t.Fatalf("%T: encode failed: %v", f, err)
		}
		var decoded map[string]any
		if err := json.Unmarshal(data, &decoded); err != nil {
			t.Fatalf("%T: invalid JSON: %v", f, err)
		}
		if decoded["type"] != f.Type() {
			t.Errorf("%T: expected type %q, got %v", f, f.Type(), decoded["type"])
		}
	}
}

func TestEncodeHistoryRestoreUsesEmptyArray(t *testing.T) {
	t.Parallel()

	data, err := Encode(HistoryRestore{})
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	var decoded struct {
		Messages []Entry `json:"messages"`
	}
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if decoded.Messages == nil {
		t.Fatal("expected messages to be an empty array, not null")
	}
}

func TestEntryForSkipsNonConversationFrames(t *testing.T) {
	t.Parallel()

	if _, ok := EntryFor(Pong{}); ok {
		t.Error("pong must not be recorded")
	}
	if _, ok := EntryFor(HistoryRestore{}); ok {
		t.Error("history replay must not be recorded")
	}
	e, ok := EntryFor(AnalyticsError{Error: "x", RequestID: "r1"})
	if !ok || e.Type != TypeAnalyticsError || e.RequestID != "r1" {
		t.Errorf("unexpected entry %+v", e)
	}
}
