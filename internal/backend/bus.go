package backend

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ashureev/taskmate-realtime/internal/telemetry"
)

// Handler receives events for one namespace. Calls for a subscription are serialized
// and arrive in the order the bus received the events.
type Handler func(Event)

// Bus routes backend events to subscribers keyed by correlation namespace.
type Bus struct {
	transport   Transport
	sendTimeout time.Duration
	logger      *slog.Logger
	metrics     *telemetry.Metrics

	mu     sync.Mutex
	subs   map[string][]*Subscription
	closed bool
}

// BusOption configures a Bus.
type BusOption func(*Bus)

// WithSendTimeout bounds how long Send may wait for the transport.
func WithSendTimeout(d time.Duration) BusOption {
	return func(b *Bus) { b.sendTimeout = d }
}

// WithLogger sets the bus logger.
func WithLogger(l *slog.Logger) BusOption {
	return func(b *Bus) {
		if l != nil {
			b.logger = l
		}
	}
}

// WithMetrics records send failures and event counts.
func WithMetrics(m *telemetry.Metrics) BusOption {
	return func(b *Bus) { b.metrics = m }
}

// NewBus creates a bus over the given transport.
func NewBus(t Transport, opts ...BusOption) *Bus {
	b := &Bus{
		transport:   t,
		sendTimeout: 5 * time.Second,
		logger:      slog.Default(),
		subs:        make(map[string][]*Subscription),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Run pumps events from the transport into the bus until ctx is done.
func (b *Bus) Run(ctx context.Context) error {
	return b.transport.Run(ctx, b.Deliver)
}

// Send hands a request to the backend without waiting for a reply.
func (b *Bus) Send(ctx context.Context, req Request) error {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return fmt.Errorf("%w: %w", ErrBackendUnavailable, ErrClosed)
	}

	if b.sendTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.sendTimeout)
		defer cancel()
	}
	if err := b.transport.Send(ctx, req); err != nil {
		b.metrics.BackendSendFailed()
		b.logger.Warn("Backend send failed", "request_id", req.RequestID, "session_id", req.SessionID, "error", err)
		return fmt.Errorf("%w: %w", ErrBackendUnavailable, err)
	}
	return nil
}

// Subscribe registers handler for events addressed to namespace. The subscription is
// active when Subscribe returns, so a request sent afterwards cannot miss its reply.
func (b *Bus) Subscribe(namespace string, handler Handler) *Subscription {
	s := &Subscription{
		bus:       b,
		namespace: namespace,
		handler:   handler,
		signal:    make(chan struct{}, 1),
		done:      make(chan struct{}),
		logger:    b.logger,
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		s.stop()
		return s
	}
	b.subs[namespace] = append(b.subs[namespace], s)
	b.mu.Unlock()

	go s.run()
	return s
}

// Unsubscribe removes every subscription for namespace and reports how many were removed.
// Events already queued for them are discarded.
func (b *Bus) Unsubscribe(namespace string) int {
	b.mu.Lock()
	subs := b.subs[namespace]
	delete(b.subs, namespace)
	b.mu.Unlock()

	for _, s := range subs {
		s.stop()
	}
	return len(subs)
}

// UnsubscribeAll removes every subscription on the bus.
func (b *Bus) UnsubscribeAll() {
	b.mu.Lock()
	all := b.subs
	b.subs = make(map[string][]*Subscription)
	b.mu.Unlock()

	for _, subs := range all {
		for _, s := range subs {
			s.stop()
		}
	}
}

// Subscribers returns the number of subscriptions for namespace.
func (b *Bus) Subscribers(namespace string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[namespace])
}

// Deliver routes one event to the subscribers of its namespace. Events for a namespace
// nobody listens on are dropped.
func (b *Bus) Deliver(ev Event) {
	b.metrics.BackendEvent(ev.Event)
	if ev.SessionID == "" {
		b.logger.Warn("Backend event without sessionId dropped", "event", ev.Event, "request_id", ev.RequestID)
		b.metrics.EventDropped()
		return
	}

	b.mu.Lock()
	subs := append([]*Subscription(nil), b.subs[ev.SessionID]...)
	b.mu.Unlock()

	if len(subs) == 0 {
		b.logger.Debug("Backend event for unknown namespace dropped", "session_id", ev.SessionID, "event", ev.Event)
		b.metrics.EventDropped()
		return
	}
	for _, s := range subs {
		s.enqueue(ev)
	}
}

// Call sends req and waits for the first reply addressed to req.SessionID. The namespace
// must be private to this call. On timeout the subscription is removed and ErrTimeout is
// returned; the backend may still process the request.
func (b *Bus) Call(ctx context.Context, req Request, timeout time.Duration) (Event, error) {
	replies := make(chan Event, 1)
	sub := b.Subscribe(req.SessionID, func(ev Event) {
		if ev.RequestID != "" && ev.RequestID != req.RequestID {
			return
		}
		select {
		case replies <- ev:
		default:
		}
	})
	defer sub.Cancel()

	start := time.Now()
	defer func() { b.metrics.ObserveCall(time.Since(start).Seconds()) }()

	if err := b.Send(ctx, req); err != nil {
		return Event{}, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case ev := <-replies:
		return ev, nil
	case <-timer.C:
		return Event{}, ErrTimeout
	case <-ctx.Done():
		return Event{}, ctx.Err()
	}
}

// Close drops every subscription and closes the transport.
func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	b.UnsubscribeAll()
	return b.transport.Close()
}

func (b *Bus) remove(s *Subscription) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.subs[s.namespace]
	for i, cur := range subs {
		if cur != s {
			continue
		}
		subs = append(subs[:i:i], subs[i+1:]...)
		if len(subs) == 0 {
			delete(b.subs, s.namespace)
		} else {
			b.subs[s.namespace] = subs
		}
		return true
	}
	return false
}

// Subscription is one registered handler with its own ordered mailbox.
type Subscription struct {
	bus       *Bus
	namespace string
	handler   Handler
	logger    *slog.Logger

	mu      sync.Mutex
	queue   []Event
	stopped bool
	signal  chan struct{}
	done    chan struct{}
}

// Namespace returns the namespace the subscription listens on.
func (s *Subscription) Namespace() string {
	return s.namespace
}

// Cancel removes this subscription only; other subscriptions for the same namespace
// are untouched. Safe to call more than once.
func (s *Subscription) Cancel() {
	s.bus.remove(s)
	s.stop()
}

func (s *Subscription) stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	s.stopped = true
	s.queue = nil
	close(s.done)
}

func (s *Subscription) enqueue(ev Event) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.queue = append(s.queue, ev)
	s.mu.Unlock()

	select {
	case s.signal <- struct{}{}:
	default:
	}
}

func (s *Subscription) next() (Event, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped || len(s.queue) == 0 {
		return Event{}, false
	}
	ev := s.queue[0]
	s.queue[0] = Event{}
	s.queue = s.queue[1:]
	return ev, true
}

func (s *Subscription) run() {
	for {
		select {
		case <-s.done:
			return
		case <-s.signal:
			for {
				ev, ok := s.next()
				if !ok {
					break
				}
				s.dispatch(ev)
			}
		}
	}
}

func (s *Subscription) dispatch(ev Event) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("Subscriber panicked", "session_id", s.namespace, "event", ev.Event, "panic", r)
		}
	}()
	s.handler(ev)
}
