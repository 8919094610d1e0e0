package backend

import (
	"errors"
	"sync"
)

// errLinkDown is returned while the transport has no upstream connection.
var errLinkDown = errors.New("backend link down")

// link holds the transport's current upstream connection. Senders never wait on it: a
// request made while the transport is reconnecting fails immediately.
type link[T any] struct {
	mu     sync.Mutex
	cur    T
	up     bool
	closed bool
}

func newLink[T any]() *link[T] {
	return &link[T]{}
}

// set publishes v. It reports false if the link was closed meanwhile.
func (l *link[T]) set(v T) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return false
	}
	l.cur = v
	l.up = true
	return true
}

func (l *link[T]) clear() {
	l.mu.Lock()
	defer l.mu.Unlock()
	var zero T
	l.cur = zero
	l.up = false
}

func (l *link[T]) close() (T, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	return l.cur, l.up
}

// current returns the live connection, ErrClosed after close, or errLinkDown.
func (l *link[T]) current() (T, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var zero T
	switch {
	case l.closed:
		return zero, ErrClosed
	case !l.up:
		return zero, errLinkDown
	default:
		return l.cur, nil
	}
}

func (l *link[T]) isUp() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.up && !l.closed
}

func (l *link[T]) isClosed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}
