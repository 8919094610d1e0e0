package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashureev/taskmate-realtime/internal/backend"
	"github.com/ashureev/taskmate-realtime/internal/identity"
	"github.com/ashureev/taskmate-realtime/internal/session"
)

// echoTransport answers every chat request with "echo: <message>".
type echoTransport struct {
	bus *backend.Bus
}

func (e *echoTransport) Send(_ context.Context, req backend.Request) error {
	if req.Method != backend.MethodChat {
		return nil
	}
	var params backend.ChatParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return err
	}
	data, err := json.Marshal("echo: " + params.Message)
	if err != nil {
		return err
	}
	go e.bus.Deliver(backend.Event{
		Event:     backend.EventResponse,
		SessionID: req.SessionID,
		RequestID: req.RequestID,
		Data:      data,
	})
	return nil
}

func (e *echoTransport) Run(ctx context.Context, _ func(backend.Event)) error {
	<-ctx.Done()
	return ctx.Err()
}

func (e *echoTransport) Close() error { return nil }

type testEnv struct {
	server   *httptest.Server
	verifier *identity.Verifier
	chat     *session.Manager
	insights *session.Manager
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	return newTestEnvWithOptions(t, Options{IsDev: true})
}

func newTestEnvWithOptions(t *testing.T, opts Options) *testEnv {
	t.Helper()

	verifier, err := identity.NewVerifier("gateway-secret")
	require.NoError(t, err)

	transport := &echoTransport{}
	bus := backend.NewBus(transport)
	transport.bus = bus

	chat := session.NewManager(session.Config{Endpoint: session.EndpointChat}, session.Deps{Backend: bus})
	insights := session.NewManager(session.Config{Endpoint: session.EndpointInsights}, session.Deps{Backend: bus})

	gw := New(verifier, opts, chat, insights)
	srv := httptest.NewServer(gw)
	t.Cleanup(func() {
		srv.Close()
		chat.Shutdown()
		insights.Shutdown()
		_ = bus.Close()
	})
	return &testEnv{server: srv, verifier: verifier, chat: chat, insights: insights}
}

func (e *testEnv) url(path string) string {
	return "ws" + strings.TrimPrefix(e.server.URL, "http") + path
}

func (e *testEnv) token(t *testing.T, userID string) string {
	t.Helper()
	tok, err := e.verifier.Sign(userID, "", time.Hour)
	require.NoError(t, err)
	return tok
}

func (e *testEnv) dial(t *testing.T, path, userID string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, _, err := websocket.Dial(ctx, e.url(path)+"?token="+e.token(t, userID), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.CloseNow() })
	return c
}

type clientFrame struct {
	Type     string            `json:"type"`
	Content  string            `json:"content"`
	Messages []json.RawMessage `json:"messages"`
}

func readFrame(t *testing.T, c *websocket.Conn) clientFrame {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var f clientFrame
	require.NoError(t, wsjson.Read(ctx, c, &f))
	return f
}

func writeFrame(t *testing.T, c *websocket.Conn, v any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, wsjson.Write(ctx, c, v))
}

func TestUpgradeWithoutCredentialIsUnauthorized(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, resp, err := websocket.Dial(ctx, env.url("/chat"), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, 0, env.chat.ActiveConnections())
}

func TestUpgradeWithBadTokenIsUnauthorized(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, resp, err := websocket.Dial(ctx, env.url("/chat")+"?token=garbage", nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestUpgradeOnUnknownPathDropsTransport(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, resp, err := websocket.Dial(ctx, env.url("/nope")+"?token="+env.token(t, "alice"), nil)
	require.Error(t, err)
	if resp != nil {
		assert.NotEqual(t, http.StatusSwitchingProtocols, resp.StatusCode)
	}
	assert.Equal(t, 0, env.chat.SessionCount())
	assert.Equal(t, 0, env.insights.SessionCount())
}

func TestAuthorizationHeaderIsAccepted(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, _, err := websocket.Dial(ctx, env.url("/insights"), &websocket.DialOptions{
		HTTPHeader: http.Header{"Authorization": []string{"Bearer " + env.token(t, "bob")}},
	})
	require.NoError(t, err)
	defer c.CloseNow()

	welcome := readFrame(t, c)
	assert.Equal(t, "system", welcome.Type)
	require.NotNil(t, env.insights.GetUserSession("bob"))
	assert.Nil(t, env.chat.GetUserSession("bob"))
}

func TestAnalyticsPathIsInsightsAlias(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	c := env.dial(t, "/analytics", "carol")
	readFrame(t, c)
	assert.NotNil(t, env.insights.GetUserSession("carol"))
}

func TestChatRoundTripOverWebSocket(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	c := env.dial(t, "/chat", "alice")
	welcome := readFrame(t, c)
	assert.Equal(t, "system", welcome.Type)
	assert.Contains(t, welcome.Content, "TaskMate")

	writeFrame(t, c, map[string]string{"type": "user", "content": "hi"})
	reply := readFrame(t, c)
	assert.Equal(t, "assistant", reply.Type)
	assert.Equal(t, "echo: hi", reply.Content)

	writeFrame(t, c, map[string]string{"type": "ping"})
	assert.Equal(t, "pong", readFrame(t, c).Type)
}

func TestMalformedFrameKeepsConnectionOpen(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	c := env.dial(t, "/chat", "dave")
	readFrame(t, c)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, c.Write(ctx, websocket.MessageText, []byte("{not json")))
	notice := readFrame(t, c)
	assert.Equal(t, "system", notice.Type)

	writeFrame(t, c, map[string]string{"type": "ping"})
	assert.Equal(t, "pong", readFrame(t, c).Type)
}

func TestReconnectRestoresHistory(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	c := env.dial(t, "/chat", "erin")
	readFrame(t, c)
	writeFrame(t, c, map[string]string{"type": "user", "content": "remember me"})
	require.Equal(t, "echo: remember me", readFrame(t, c).Content)
	require.NoError(t, c.Close(websocket.StatusNormalClosure, "bye"))

	require.Eventually(t, func() bool {
		s := env.chat.GetUserSession("erin")
		return s != nil && s.State() == session.Detached
	}, 2*time.Second, 10*time.Millisecond)
	sessionID := env.chat.GetUserSession("erin").ID()

	c2 := env.dial(t, "/chat", "erin")
	restore := readFrame(t, c2)
	assert.Equal(t, "history_restore", restore.Type)
	assert.Len(t, restore.Messages, 2)
	assert.Equal(t, sessionID, env.chat.GetUserSession("erin").ID())
}

func TestSecondConnectionReplacesFirst(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	first := env.dial(t, "/chat", "frank")
	readFrame(t, first)

	second := env.dial(t, "/chat", "frank")
	readFrame(t, second)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, _, err := first.Read(ctx)
	require.Error(t, err)
	assert.Equal(t, websocket.StatusNormalClosure, websocket.CloseStatus(err))

	assert.Equal(t, 1, env.chat.ActiveConnections())
	writeFrame(t, second, map[string]string{"type": "ping"})
	assert.Equal(t, "pong", readFrame(t, second).Type)
}

func TestNotFound(t *testing.T) {
	t.Parallel()

	rec := httptest.NewRecorder()
	NotFound(rec, httptest.NewRequest(http.MethodGet, "/missing", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.JSONEq(t, `{"error":"not found"}`, rec.Body.String())
}

func TestEndpointFor(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	gw := env.server.Config.Handler.(*Gateway)

	for path, want := range map[string]string{
		"/chat":      session.EndpointChat,
		"/insights":  session.EndpointInsights,
		"/analytics": session.EndpointInsights,
	} {
		got, ok := gw.EndpointFor(path)
		assert.True(t, ok, path)
		assert.Equal(t, want, got, path)
	}
	_, ok := gw.EndpointFor("/chat/extra")
	assert.False(t, ok)
}

func TestOriginCheckedOutsideDevelopment(t *testing.T) {
	t.Parallel()
	env := newTestEnvWithOptions(t, Options{AllowedOrigins: []string{"https://app.taskmate.test"}})

	dialFrom := func(origin string) (*websocket.Conn, *http.Response, error) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return websocket.Dial(ctx, env.url("/chat")+"?token="+env.token(t, "alice"), &websocket.DialOptions{
			HTTPHeader: http.Header{"Origin": []string{origin}},
		})
	}

	_, resp, err := dialFrom("https://evil.test")
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, 0, env.chat.SessionCount())

	c, _, err := dialFrom("https://app.taskmate.test")
	require.NoError(t, err)
	defer c.CloseNow()
	assert.Equal(t, "system", readFrame(t, c).Type)
}
