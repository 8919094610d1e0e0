package session

import (
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/ashureev/taskmate-realtime/internal/telemetry"
)

// ErrShutdown is returned by Connect after Shutdown.
var ErrShutdown = errors.New("session manager shut down")

// Destroy reasons recorded in metrics.
const (
	destroyEvicted  = "evicted"
	destroyLogout   = "logout"
	destroyShutdown = "shutdown"
)

// Config controls sessions created by a Manager.
type Config struct {
	Endpoint          string
	GracePeriod       time.Duration
	HistoryLimit      int
	PlanTimeout       time.Duration
	MessagesPerMinute int
	Burst             int
}

// Deps are the collaborators shared by every session of a Manager.
type Deps struct {
	Backend  Backend
	Projects ProjectCreator
	Logger   *slog.Logger
	Metrics  *telemetry.Metrics
}

// Manager owns the connection and user directories for one logical endpoint.
// Within a Manager there is at most one UserSession per user.
type Manager struct {
	cfg  Config
	deps Deps

	mu     sync.Mutex
	byConn map[string]*UserSession
	byUser map[string]*UserSession
	closed bool
}

// NewManager creates a session manager for one endpoint.
func NewManager(cfg Config, deps Deps) *Manager {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = time.Hour
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = DefaultHistoryLimit
	}
	if cfg.PlanTimeout <= 0 {
		cfg.PlanTimeout = 30 * time.Second
	}
	return &Manager{
		cfg:    cfg,
		deps:   deps,
		byConn: make(map[string]*UserSession),
		byUser: make(map[string]*UserSession),
	}
}

// Endpoint returns the logical endpoint this manager serves.
func (m *Manager) Endpoint() string {
	return m.cfg.Endpoint
}

// Connect attaches conn to the user's session, creating the session on first connect.
// A connection already attached to that session is closed and replaced.
func (m *Manager) Connect(conn Conn, userID string) (*UserSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		conn.Close(ReasonShutdown)
		return nil, ErrShutdown
	}

	s, existing := m.byUser[userID]
	if !existing {
		s = newUserSession(userID, m.cfg, m.deps)
		m.byUser[userID] = s
		m.deps.Metrics.SessionCreated(m.cfg.Endpoint)
	}

	prev, err := s.Attach(conn)
	if err != nil {
		// Unreachable while the directories are consistent.
		delete(m.byUser, userID)
		conn.Close(ReasonShutdown)
		return nil, err
	}
	m.byConn[conn.ID()] = s

	switch {
	case prev == conn:
	case prev != nil:
		delete(m.byConn, prev.ID())
		prev.Close(ReasonReplaced)
		m.deps.Logger.Info("Connection replaced", "user_id", userID, "endpoint", m.cfg.Endpoint, "session_id", s.ID())
	default:
		m.deps.Metrics.ConnectionOpened(m.cfg.Endpoint)
	}

	m.deps.Logger.Info("User connected",
		"user_id", userID,
		"endpoint", m.cfg.Endpoint,
		"session_id", s.ID(),
		"resumed", existing,
	)
	return s, nil
}

// Disconnect detaches the session mapped to conn and schedules its eviction.
// Unknown or already-disconnected connections are ignored.
func (m *Manager) Disconnect(conn Conn) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.byConn[conn.ID()]
	if !ok {
		return
	}
	delete(m.byConn, conn.ID())

	if !s.Detach(conn, m.cfg.GracePeriod, func(gen uint64) { m.evict(s, gen) }) {
		return
	}
	m.deps.Metrics.ConnectionClosed(m.cfg.Endpoint)
	m.deps.Logger.Info("User disconnected",
		"user_id", s.UserID(),
		"endpoint", m.cfg.Endpoint,
		"session_id", s.ID(),
		"grace_period", m.cfg.GracePeriod,
	)
}

// evict destroys s if the user directory still points at it and it has stayed detached
// since generation gen.
func (m *Manager) evict(s *UserSession, gen uint64) {
	m.mu.Lock()
	if cur := m.byUser[s.UserID()]; cur != s || !s.expiredAt(gen) {
		m.mu.Unlock()
		m.deps.Logger.Debug("Stale eviction skipped", "user_id", s.UserID(), "session_id", s.ID())
		return
	}
	delete(m.byUser, s.UserID())
	m.mu.Unlock()

	s.Destroy(destroyEvicted)
	m.deps.Metrics.SessionDestroyed(m.cfg.Endpoint, destroyEvicted)
	m.deps.Logger.Info("Session evicted", "user_id", s.UserID(), "endpoint", m.cfg.Endpoint, "session_id", s.ID())
}

// GetSession returns the session conn is attached to, or nil.
func (m *Manager) GetSession(conn Conn) *UserSession {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.byConn[conn.ID()]
}

// GetUserSession returns the user's session, or nil.
func (m *Manager) GetUserSession(userID string) *UserSession {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.byUser[userID]
}

// DisconnectUser force-logs-out a user: closes the live connection and destroys the
// session without a grace period. It reports whether a session existed.
func (m *Manager) DisconnectUser(userID string) bool {
	m.mu.Lock()
	s, ok := m.byUser[userID]
	if !ok {
		m.mu.Unlock()
		return false
	}
	delete(m.byUser, userID)
	for id, cs := range m.byConn {
		if cs == s {
			delete(m.byConn, id)
		}
	}
	m.mu.Unlock()

	if s.Destroy(ReasonLoggedOut) {
		m.deps.Metrics.ConnectionClosed(m.cfg.Endpoint)
	}
	m.deps.Metrics.SessionDestroyed(m.cfg.Endpoint, destroyLogout)
	m.deps.Logger.Info("User disconnected by administrator", "user_id", userID, "endpoint", m.cfg.Endpoint)
	return true
}

// Shutdown destroys every session. A failing teardown is logged and does not stop the
// others. Idempotent.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	sessions := make([]*UserSession, 0, len(m.byUser))
	for _, s := range m.byUser {
		sessions = append(sessions, s)
	}
	m.byUser = make(map[string]*UserSession)
	m.byConn = make(map[string]*UserSession)
	m.mu.Unlock()

	for _, s := range sessions {
		m.teardown(s)
	}
	m.deps.Logger.Info("Session manager shut down", "endpoint", m.cfg.Endpoint, "sessions", len(sessions))
}

func (m *Manager) teardown(s *UserSession) {
	defer func() {
		if r := recover(); r != nil {
			m.deps.Logger.Error("Session teardown failed", "user_id", s.UserID(), "session_id", s.ID(), "panic", r)
		}
	}()
	if s.Destroy(ReasonShutdown) {
		m.deps.Metrics.ConnectionClosed(m.cfg.Endpoint)
	}
	m.deps.Metrics.SessionDestroyed(m.cfg.Endpoint, destroyShutdown)
}

// ActiveConnections returns the number of attached connections.
func (m *Manager) ActiveConnections() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.byConn)
}

// SessionCount returns the number of live sessions, attached or not.
func (m *Manager) SessionCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.byUser)
}

// Sessions returns info for every live session, ordered by user id.
func (m *Manager) Sessions() []Info {
	m.mu.Lock()
	sessions := make([]*UserSession, 0, len(m.byUser))
	for _, s := range m.byUser {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()

	infos := make([]Info, 0, len(sessions))
	for _, s := range sessions {
		infos = append(infos, s.Info())
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].UserID < infos[j].UserID })
	return infos
}

// AttachedConns returns the currently attached connections.
func (m *Manager) AttachedConns() []Conn {
	m.mu.Lock()
	defer m.mu.Unlock()

	conns := make([]Conn, 0, len(m.byConn))
	for _, s := range m.byConn {
		s.mu.Lock()
		if s.conn != nil {
			conns = append(conns, s.conn)
		}
		s.mu.Unlock()
	}
	return conns
}
