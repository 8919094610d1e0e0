package session

import "github.com/ashureev/taskmate-realtime/internal/frame"

// DefaultHistoryLimit is the number of entries a session keeps.
const DefaultHistoryLimit = 100

// History is a fixed-size ring of conversation entries. When full, appending overwrites
// the oldest entry. It is not synchronized; the owning session's lock guards it.
type History struct {
	buf  []frame.Entry
	head int // next write position
	n    int
}

// NewHistory creates a history holding at most limit entries.
func NewHistory(limit int) *History {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	return &History{buf: make([]frame.Entry, limit)}
}

// Append adds e as the most recent entry.
func (h *History) Append(e frame.Entry) {
	h.buf[h.head] = e
	h.head = (h.head + 1) % len(h.buf)
	if h.n < len(h.buf) {
		h.n++
	}
}

// Entries returns a copy of the history, oldest first.
func (h *History) Entries() []frame.Entry {
	out := make([]frame.Entry, 0, h.n)
	start := (h.head - h.n + len(h.buf)) % len(h.buf)
	for i := 0; i < h.n; i++ {
		out = append(out, h.buf[(start+i)%len(h.buf)])
	}
	return out
}

// Len returns the number of entries held.
func (h *History) Len() int {
	return h.n
}

// Cap returns the maximum number of entries.
func (h *History) Cap() int {
	return len(h.buf)
}

// Reset drops every entry.
func (h *History) Reset() {
	clear(h.buf)
	h.head = 0
	h.n = 0
}
