// Package gateway accepts browser WebSocket connections and binds them to user sessions.
package gateway

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"

	"github.com/ashureev/taskmate-realtime/internal/identity"
	"github.com/ashureev/taskmate-realtime/internal/middleware"
	"github.com/ashureev/taskmate-realtime/internal/session"
	"github.com/ashureev/taskmate-realtime/internal/telemetry"
)

const (
	defaultQueueSize    = 256
	defaultWriteTimeout = 10 * time.Second
	readLimit           = 1 << 20
)

// Options configures a Gateway.
type Options struct {
	AllowedOrigins []string
	IsDev          bool
	SendQueueSize  int
	WriteTimeout   time.Duration
	Logger         *slog.Logger
	Metrics        *telemetry.Metrics
}

// Gateway is an http.Handler serving the chat and insights WebSocket endpoints.
type Gateway struct {
	verifier *identity.Verifier
	managers map[string]*session.Manager
	paths    map[string]string

	origins      *middleware.OriginPolicy
	isDev        bool
	queueSize    int
	writeTimeout time.Duration
	logger       *slog.Logger
	metrics      *telemetry.Metrics
}

// New creates a gateway routing each manager's endpoint. /analytics is served as an
// alias of the insights endpoint.
func New(verifier *identity.Verifier, opts Options, managers ...*session.Manager) *Gateway {
	if opts.SendQueueSize <= 0 {
		opts.SendQueueSize = defaultQueueSize
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = defaultWriteTimeout
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	g := &Gateway{
		verifier:     verifier,
		managers:     make(map[string]*session.Manager, len(managers)),
		paths:        make(map[string]string),
		origins:      middleware.NewOriginPolicy(opts.AllowedOrigins),
		isDev:        opts.IsDev,
		queueSize:    opts.SendQueueSize,
		writeTimeout: opts.WriteTimeout,
		logger:       opts.Logger,
		metrics:      opts.Metrics,
	}
	for _, m := range managers {
		g.managers[m.Endpoint()] = m
		g.paths["/"+m.Endpoint()] = m.Endpoint()
	}
	if _, ok := g.managers[session.EndpointInsights]; ok {
		g.paths["/analytics"] = session.EndpointInsights
	}
	return g
}

// Paths returns the request paths the gateway accepts.
func (g *Gateway) Paths() []string {
	paths := make([]string, 0, len(g.paths))
	for p := range g.paths {
		paths = append(paths, p)
	}
	return paths
}

// EndpointFor classifies a request path.
func (g *Gateway) EndpointFor(path string) (string, bool) {
	endpoint, ok := g.paths[path]
	return endpoint, ok
}

// ServeHTTP upgrades the request and runs the connection until it closes.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	endpoint, ok := g.EndpointFor(r.URL.Path)
	if !ok {
		g.logger.Warn("WebSocket upgrade on unknown path", "path", r.URL.Path, "ip", identity.IPFromRequest(r))
		Destroy(w, r)
		return
	}
	mgr := g.managers[endpoint]

	principal, err := g.verifier.Authenticate(r)
	if err != nil {
		g.logger.Warn("WebSocket authentication failed", "endpoint", endpoint, "ip", identity.IPFromRequest(r), "error", err)
		http.Error(w, `{"error":"authentication failed"}`, http.StatusUnauthorized)
		return
	}
	userID := principal.UserID

	if !g.checkOrigin(r) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		g.logger.Error("Failed to accept WebSocket", "error", err, "user_id", userID)
		return
	}
	ws.SetReadLimit(readLimit)

	conn := newConn(ws, userID, endpoint, g.queueSize, g.writeTimeout, g.logger, g.metrics)
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		conn.writeLoop()
	}()
	defer func() {
		conn.Close("session ended")
		<-writerDone
	}()

	sess, err := mgr.Connect(conn, userID)
	if err != nil {
		g.logger.Warn("Rejecting connection", "user_id", userID, "endpoint", endpoint, "error", err)
		return
	}
	defer mgr.Disconnect(conn)

	g.readLoop(r.Context(), conn, sess)
}

func (g *Gateway) readLoop(ctx context.Context, conn *Conn, sess *session.UserSession) {
	for {
		_, data, err := conn.ws.Read(ctx)
		if err != nil {
			status := websocket.CloseStatus(err)
			if status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway {
				conn.logger.Debug("WebSocket closed by client", "status", status)
			} else if conn.IsOpen() && ctx.Err() == nil {
				conn.logger.Debug("WebSocket read failed", "error", err)
			}
			return
		}
		if err := sess.HandleInboundMessage(ctx, data); err != nil {
			if errors.Is(err, session.ErrDestroyed) {
				return
			}
			conn.logger.Debug("Inbound frame not processed", "error", err)
		}
	}
}

func (g *Gateway) checkOrigin(r *http.Request) bool {
	if g.isDev {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	if g.origins.Allows(origin) {
		return true
	}
	g.logger.Warn("WebSocket origin rejected", "origin", origin)
	return false
}

// Destroy drops the underlying transport without writing a response. Used for upgrade
// requests on paths no endpoint serves.
func Destroy(w http.ResponseWriter, r *http.Request) {
	conn, _, err := http.NewResponseController(w).Hijack()
	if err != nil {
		http.NotFound(w, r)
		return
	}
	if err := conn.Close(); err != nil {
		slog.Debug("Failed to close hijacked connection", "error", err)
	}
}

// NotFound handles unrouted requests. Upgrade attempts have their transport destroyed,
// anything else gets a JSON 404.
func NotFound(w http.ResponseWriter, r *http.Request) {
	if isUpgrade(r) {
		Destroy(w, r)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusNotFound)
	_, _ = w.Write([]byte(`{"error":"not found"}`))
}

func isUpgrade(r *http.Request) bool {
	for _, v := range r.Header.Values("Upgrade") {
		if strings.EqualFold(strings.TrimSpace(v), "websocket") {
			return true
		}
	}
	return false
}
