package session

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ashureev/taskmate-realtime/internal/backend"
	"github.com/ashureev/taskmate-realtime/internal/frame"
)

var connSeq atomic.Int64

type fakeConn struct {
	id string

	mu      sync.Mutex
	frames  []frame.Outbound
	closed  bool
	reason  string
	pingErr error
	onClose func()
}

func newFakeConn() *fakeConn {
	return &fakeConn{id: "conn-" + strconv.FormatInt(connSeq.Add(1), 10)}
}

func (c *fakeConn) ID() string { return c.id }

func (c *fakeConn) Send(f frame.Outbound) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errors.New("closed")
	}
	c.frames = append(c.frames, f)
	return nil
}

func (c *fakeConn) Ping(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pingErr
}

func (c *fakeConn) Close(reason string) {
	c.mu.Lock()
	hook := c.onClose
	if !c.closed {
		c.closed = true
		c.reason = reason
	}
	c.mu.Unlock()
	if hook != nil {
		hook()
	}
}

func (c *fakeConn) sent() []frame.Outbound {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]frame.Outbound(nil), c.frames...)
}

func (c *fakeConn) isClosed() (bool, string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed, c.reason
}

type fakeTransport struct {
	mu   sync.Mutex
	sent []backend.Request
	err  error
}

func (f *fakeTransport) Send(_ context.Context, req backend.Request) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, req)
	return nil
}

func (f *fakeTransport) Run(ctx context.Context, _ func(backend.Event)) error {
	<-ctx.Done()
	return ctx.Err()
}

func (f *fakeTransport) Close() error { return nil }

func (f *fakeTransport) requests() []backend.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]backend.Request(nil), f.sent...)
}

func (f *fakeTransport) fail(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

type fakeProjects struct {
	mu      sync.Mutex
	calls   int
	groupID string
	err     error
	plan    json.RawMessage
	message string
}

func (p *fakeProjects) CreateProjectFromPlan(_ context.Context, plan json.RawMessage, originalMessage, _ string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	p.plan = plan
	p.message = originalMessage
	return p.groupID, p.err
}

type harness struct {
	manager   *Manager
	bus       *backend.Bus
	transport *fakeTransport
	projects  *fakeProjects
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	if cfg.Endpoint == "" {
		cfg.Endpoint = EndpointChat
	}
	transport := &fakeTransport{}
	bus := backend.NewBus(transport)
	projects := &fakeProjects{groupID: "group-1"}
	m := NewManager(cfg, Deps{Backend: bus, Projects: projects})
	t.Cleanup(func() {
		m.Shutdown()
		_ = bus.Close()
	})
	return &harness{manager: m, bus: bus, transport: transport, projects: projects}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("Timed out waiting for %s", what)
}

func lastFrame(c *fakeConn) frame.Outbound {
	frames := c.sent()
	if len(frames) == 0 {
		return nil
	}
	return frames[len(frames)-1]
}

func hasFrame[T frame.Outbound](c *fakeConn, match func(T) bool) bool {
	for _, f := range c.sent() {
		if v, ok := f.(T); ok && match(v) {
			return true
		}
	}
	return false
}
