package backend

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTransport struct {
	mu     sync.Mutex
	sent   []Request
	err    error
	onSend func(Request)
	closed bool
}

func (f *fakeTransport) Send(_ context.Context, req Request) error {
	f.mu.Lock()
	err, hook := f.err, f.onSend
	if err == nil {
		f.sent = append(f.sent, req)
	}
	f.mu.Unlock()
	if err != nil {
		return err
	}
	if hook != nil {
		go hook(req)
	}
	return nil
}

func (f *fakeTransport) Run(ctx context.Context, _ func(Event)) error {
	<-ctx.Done()
	return ctx.Err()
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) handle(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) snapshot() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

func (r *recorder) waitFor(t *testing.T, n int) []Event {
	t.Helper()
	require.Eventually(t, func() bool { return len(r.snapshot()) >= n }, 2*time.Second, 5*time.Millisecond)
	return r.snapshot()
}

func TestDeliverPreservesOrderPerSubscription(t *testing.T) {
	t.Parallel()

	bus := NewBus(&fakeTransport{})
	rec := &recorder{}
	bus.Subscribe("chat_1", rec.handle)

	for i := 0; i < 50; i++ {
		bus.Deliver(Event{Event: EventResponseChunk, SessionID: "chat_1", Data: json.RawMessage(`"` + string(rune('a'+i%26)) + `"`)})
	}

	got := rec.waitFor(t, 50)
	for i, ev := range got {
		assert.Equal(t, `"`+string(rune('a'+i%26))+`"`, string(ev.Data), "event %d out of order", i)
	}
}

func TestDeliverDropsUnknownNamespace(t *testing.T) {
	t.Parallel()

	bus := NewBus(&fakeTransport{})
	rec := &recorder{}
	bus.Subscribe("chat_1", rec.handle)

	bus.Deliver(Event{Event: EventResponse, SessionID: "chat_2"})
	bus.Deliver(Event{Event: EventResponse})
	bus.Deliver(Event{Event: EventResponse, SessionID: "chat_1"})

	got := rec.waitFor(t, 1)
	require.Len(t, got, 1)
	assert.Equal(t, "chat_1", got[0].SessionID)
}

func TestLateEventAfterUnsubscribeIsDropped(t *testing.T) {
	t.Parallel()

	bus := NewBus(&fakeTransport{})
	rec := &recorder{}
	bus.Subscribe("chat_1", rec.handle)

	bus.Deliver(Event{Event: EventResponse, SessionID: "chat_1"})
	rec.waitFor(t, 1)

	assert.Equal(t, 1, bus.Unsubscribe("chat_1"))
	bus.Deliver(Event{Event: EventResponse, SessionID: "chat_1"})

	time.Sleep(50 * time.Millisecond)
	assert.Len(t, rec.snapshot(), 1)
	assert.Equal(t, 0, bus.Subscribers("chat_1"))
}

func TestCancelDiscardsQueuedEvents(t *testing.T) {
	t.Parallel()

	bus := NewBus(&fakeTransport{})
	release := make(chan struct{})
	entered := make(chan struct{}, 1)
	rec := &recorder{}
	sub := bus.Subscribe("chat_1", func(ev Event) {
		rec.handle(ev)
		entered <- struct{}{}
		<-release
	})

	bus.Deliver(Event{Event: EventResponseChunk, SessionID: "chat_1"})
	<-entered
	bus.Deliver(Event{Event: EventResponseChunk, SessionID: "chat_1"})
	bus.Deliver(Event{Event: EventResponseChunk, SessionID: "chat_1"})

	sub.Cancel()
	close(release)

	time.Sleep(50 * time.Millisecond)
	assert.Len(t, rec.snapshot(), 1)
}

func TestCancelIsIdentityChecked(t *testing.T) {
	t.Parallel()

	bus := NewBus(&fakeTransport{})
	first := &recorder{}
	second := &recorder{}
	a := bus.Subscribe("ns", first.handle)
	bus.Subscribe("ns", second.handle)

	a.Cancel()
	a.Cancel()
	bus.Deliver(Event{Event: EventResponse, SessionID: "ns"})

	second.waitFor(t, 1)
	assert.Empty(t, first.snapshot())
	assert.Equal(t, 1, bus.Subscribers("ns"))
}

func TestHandlerPanicDoesNotStopSubscription(t *testing.T) {
	t.Parallel()

	bus := NewBus(&fakeTransport{})
	rec := &recorder{}
	bus.Subscribe("ns", func(ev Event) {
		if ev.RequestID == "boom" {
			panic("handler failure")
		}
		rec.handle(ev)
	})

	bus.Deliver(Event{SessionID: "ns", RequestID: "boom"})
	bus.Deliver(Event{SessionID: "ns", RequestID: "ok"})

	got := rec.waitFor(t, 1)
	assert.Equal(t, "ok", got[0].RequestID)
}

func TestSendWrapsTransportFailure(t *testing.T) {
	t.Parallel()

	bus := NewBus(&fakeTransport{err: errors.New("connection refused")})
	err := bus.Send(context.Background(), Request{RequestID: "r1", SessionID: "chat_1"})
	require.ErrorIs(t, err, ErrBackendUnavailable)
}

func TestCallReturnsMatchingReply(t *testing.T) {
	t.Parallel()

	transport := &fakeTransport{}
	bus := NewBus(transport)
	transport.onSend = func(req Request) {
		bus.Deliver(Event{Event: EventAnalyticsResponse, SessionID: req.SessionID, RequestID: "someone-else"})
		bus.Deliver(Event{Event: EventAnalyticsResponse, SessionID: req.SessionID, RequestID: req.RequestID, Data: json.RawMessage(`{"ok":true}`)})
	}

	ev, err := bus.Call(context.Background(), Request{RequestID: "r1", SessionID: OneShotPrefix + "r1", Type: TypeAnalytics}, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "r1", ev.RequestID)
	assert.JSONEq(t, `{"ok":true}`, string(ev.Data))
	assert.Equal(t, 0, bus.Subscribers(OneShotPrefix+"r1"))
}

func TestCallTimeoutLeavesSessionSubscriptionsAlone(t *testing.T) {
	t.Parallel()

	bus := NewBus(&fakeTransport{})
	session := &recorder{}
	bus.Subscribe("chat_1", session.handle)

	_, err := bus.Call(context.Background(), Request{RequestID: "r1", SessionID: OneShotPrefix + "r1"}, 20*time.Millisecond)
	require.ErrorIs(t, err, ErrTimeout)
	assert.Equal(t, 0, bus.Subscribers(OneShotPrefix+"r1"))
	assert.Equal(t, 1, bus.Subscribers("chat_1"))

	bus.Deliver(Event{Event: EventResponse, SessionID: "chat_1"})
	session.waitFor(t, 1)
}

func TestCloseStopsSubscriptionsAndTransport(t *testing.T) {
	t.Parallel()

	transport := &fakeTransport{}
	bus := NewBus(transport)
	rec := &recorder{}
	bus.Subscribe("chat_1", rec.handle)

	require.NoError(t, bus.Close())
	require.NoError(t, bus.Close())

	bus.Deliver(Event{Event: EventResponse, SessionID: "chat_1"})
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, rec.snapshot())
	assert.True(t, transport.closed)
	assert.ErrorIs(t, bus.Send(context.Background(), Request{}), ErrBackendUnavailable)
}

func TestNewChatRequestShape(t *testing.T) {
	t.Parallel()

	req, err := NewChatRequest("r1", "chat_abc", "hi", "alice")
	require.NoError(t, err)

	data, err := json.Marshal(req)
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"requestId": "r1",
		"sessionId": "chat_abc",
		"method": "chat",
		"params": {"message": "hi", "context": {"userId": "alice"}}
	}`, string(data))
}
