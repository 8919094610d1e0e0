package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/ashureev/taskmate-realtime/internal/backend"
	"github.com/ashureev/taskmate-realtime/internal/frame"
	"github.com/ashureev/taskmate-realtime/internal/telemetry"
)

// In-band notices.
const (
	msgInvalidFrame       = "Invalid message format"
	msgBackendUnavailable = "The assistant is currently unavailable. Please try again in a moment."
	msgAnalyticsDown      = "Analytics service unavailable"
	msgRateLimited        = "You're sending messages too quickly. Please wait a moment."
	msgProjectsDisabled   = "Project creation is not available right now."
)

var welcome = map[string]string{
	EndpointChat:     "Connected to TaskMate AI Assistant",
	EndpointInsights: "Analytics WebSocket connected successfully",
}

// UserSession is the durable conversational state of one user on one endpoint.
// It outlives individual connections; its namespace never changes.
type UserSession struct {
	userID    string
	endpoint  string
	namespace string
	createdAt time.Time

	backend     Backend
	projects    ProjectCreator
	limiter     *rate.Limiter
	planTimeout time.Duration
	logger      *slog.Logger
	metrics     *telemetry.Metrics

	ctx    context.Context
	cancel context.CancelFunc
	sub    *backend.Subscription

	mu           sync.Mutex
	state        State
	conn         Conn
	history      *History
	lastActivity time.Time
	generation   uint64
	evictTimer   *time.Timer
	greeted      bool
}

func newUserSession(userID string, cfg Config, deps Deps) *UserSession {
	now := time.Now()
	ctx, cancel := context.WithCancel(context.Background())
	s := &UserSession{
		userID:       userID,
		endpoint:     cfg.Endpoint,
		namespace:    cfg.Endpoint + "_" + uuid.NewString(),
		createdAt:    now,
		backend:      deps.Backend,
		projects:     deps.Projects,
		planTimeout:  cfg.PlanTimeout,
		logger:       deps.Logger.With("user_id", userID, "endpoint", cfg.Endpoint),
		metrics:      deps.Metrics,
		ctx:          ctx,
		cancel:       cancel,
		state:        Detached,
		history:      NewHistory(cfg.HistoryLimit),
		lastActivity: now,
	}
	if cfg.MessagesPerMinute > 0 {
		s.limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(cfg.MessagesPerMinute)), max(cfg.Burst, 1))
	}
	s.logger = s.logger.With("session_id", s.namespace)
	s.sub = deps.Backend.Subscribe(s.namespace, s.ForwardBackendEvent)
	return s
}

// ID returns the session's correlation namespace.
func (s *UserSession) ID() string { return s.namespace }

// UserID returns the owning user.
func (s *UserSession) UserID() string { return s.userID }

// Endpoint returns the logical endpoint the session belongs to.
func (s *UserSession) Endpoint() string { return s.endpoint }

// State returns the current lifecycle state.
func (s *UserSession) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// History returns a copy of the conversation history, oldest first.
func (s *UserSession) History() []frame.Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.history.Entries()
}

// Info returns a snapshot for administrative tooling.
func (s *UserSession) Info() Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Info{
		UserID:       s.userID,
		Endpoint:     s.endpoint,
		SessionID:    s.namespace,
		Connected:    s.state == Attached,
		MessageCount: s.history.Len(),
		CreatedAt:    s.createdAt,
		LastActivity: s.lastActivity,
	}
}

// HandleInboundMessage processes one raw client frame. Frames from one connection must
// be passed in arrival order. The returned error is for logging; any peer-visible
// reaction has already been sent.
func (s *UserSession) HandleInboundMessage(ctx context.Context, raw []byte) error {
	s.mu.Lock()
	if s.state == Destroyed {
		s.mu.Unlock()
		return ErrDestroyed
	}
	s.lastActivity = time.Now()
	s.mu.Unlock()

	in, err := frame.ParseInbound(raw)
	if err != nil {
		s.emit(frame.System{Content: msgInvalidFrame, Timestamp: time.Now()}, false)
		return err
	}
	s.metrics.Frame(frame.InboundType(in), telemetry.Inbound)

	switch v := in.(type) {
	case frame.Ping:
		s.emit(frame.Pong{}, false)
		return nil
	case frame.UserMessage:
		return s.handleUserMessage(ctx, v)
	case frame.AnalyticsRequest:
		return s.handleAnalytics(ctx, v)
	case frame.Unknown:
		s.logger.Debug("Ignoring unrecognized frame", "type", v.Type)
		return nil
	default:
		return fmt.Errorf("unhandled inbound frame %T", in)
	}
}

func (s *UserSession) handleUserMessage(ctx context.Context, msg frame.UserMessage) error {
	if s.limiter != nil && !s.limiter.Allow() {
		s.metrics.ChatRateLimited(s.endpoint)
		s.emit(frame.System{Content: msgRateLimited, Timestamp: time.Now()}, false)
		return nil
	}

	s.mu.Lock()
	if s.state == Destroyed {
		s.mu.Unlock()
		return ErrDestroyed
	}
	s.history.Append(frame.UserEntry(msg.Content, time.Now()))
	s.mu.Unlock()

	req, err := backend.NewChatRequest(uuid.NewString(), s.namespace, msg.Content, s.userID)
	if err != nil {
		return fmt.Errorf("build chat request: %w", err)
	}
	if err := s.backend.Send(ctx, req); err != nil {
		s.emit(frame.System{Content: msgBackendUnavailable, Timestamp: time.Now()}, true)
		return err
	}
	s.logger.Debug("Chat message forwarded", "request_id", req.RequestID)
	return nil
}

func (s *UserSession) handleAnalytics(ctx context.Context, msg frame.AnalyticsRequest) error {
	requestID := msg.RequestID
	if requestID == "" {
		requestID = uuid.NewString()
	}
	req := backend.Request{
		RequestID: requestID,
		SessionID: s.namespace,
		Type:      backend.TypeAnalytics,
		Action:    msg.Action,
		Data:      msg.Data,
	}
	if err := s.backend.Send(ctx, req); err != nil {
		s.emit(frame.AnalyticsError{Error: msgAnalyticsDown, RequestID: requestID, Timestamp: time.Now()}, true)
		return err
	}
	s.logger.Debug("Analytics request forwarded", "request_id", requestID, "action", msg.Action)
	return nil
}

// ForwardBackendEvent handles one event addressed to this session's namespace.
func (s *UserSession) ForwardBackendEvent(ev backend.Event) {
	now := time.Now()
	switch ev.Event {
	case backend.EventResponse:
		s.emit(frame.Assistant{Content: eventContent(ev.Data), Timestamp: now}, true)
	case backend.EventResponseChunk:
		s.emit(frame.AssistantChunk{Content: eventContent(ev.Data), Timestamp: now}, true)
	case backend.EventResponseStreamEnd:
		s.logger.Debug("Response stream complete", "request_id", ev.RequestID)
	case backend.EventSavePlan:
		s.savePlan(ev)
	case backend.EventAnalyticsResponse:
		s.emit(frame.AnalyticsResponse{Data: ev.Data, RequestID: ev.RequestID, Timestamp: now}, true)
	case backend.EventAnalyticsError:
		msg := ev.Error
		if msg == "" {
			msg = eventContent(ev.Data)
		}
		s.emit(frame.AnalyticsError{Error: msg, RequestID: ev.RequestID, Timestamp: now}, true)
	default:
		if ev.Error != "" {
			s.emit(frame.System{Content: "Error: " + ev.Error, Timestamp: now}, true)
			return
		}
		s.logger.Debug("Ignoring backend event", "event", ev.Event, "request_id", ev.RequestID)
	}
}

type savePlanData struct {
	Plan            json.RawMessage `json:"plan"`
	OriginalMessage string          `json:"original_message"`
}

// savePlan runs on the subscription's mailbox, outside the session lock, so later
// events for this session wait until the project is persisted.
func (s *UserSession) savePlan(ev backend.Event) {
	if s.projects == nil {
		s.emit(frame.System{Content: msgProjectsDisabled, Timestamp: time.Now()}, true)
		return
	}

	var data savePlanData
	if err := json.Unmarshal(ev.Data, &data); err != nil || len(data.Plan) == 0 || string(data.Plan) == "null" {
		s.metrics.ProjectCreated(errors.New("malformed plan"))
		s.emit(frame.System{Content: "Failed to save project: the plan was missing or malformed.", Timestamp: time.Now()}, true)
		return
	}

	ctx, cancel := context.WithTimeout(s.ctx, s.planTimeout)
	defer cancel()

	groupID, err := s.projects.CreateProjectFromPlan(ctx, data.Plan, data.OriginalMessage, s.userID)
	s.metrics.ProjectCreated(err)
	if err != nil {
		s.logger.Error("Failed to save project plan", "error", err)
		s.emit(frame.System{Content: "Failed to save project: " + err.Error(), Timestamp: time.Now()}, true)
		return
	}
	s.logger.Info("Project created from plan", "group_id", groupID)
	s.emit(frame.System{Content: fmt.Sprintf("Project saved! Your new project group is ready (id %s).", groupID), Timestamp: time.Now()}, true)
}

// emit records f in history when asked and writes it to the live connection if attached.
// Both happen under the session lock, so a concurrent Attach sees each frame exactly once:
// either in the replay or live.
func (s *UserSession) emit(f frame.Outbound, record bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == Destroyed {
		return
	}
	if record {
		if e, ok := frame.EntryFor(f); ok {
			s.history.Append(e)
		}
	}
	s.sendLocked(f)
}

func (s *UserSession) sendLocked(f frame.Outbound) {
	if s.conn == nil {
		return
	}
	if err := s.conn.Send(f); err != nil {
		s.logger.Debug("Dropping frame for closing connection", "type", f.Type(), "error", err)
	}
}

// Attach binds conn to the session and returns the connection it replaced, if any.
// The first attach greets the user; later ones replay the full history.
func (s *UserSession) Attach(conn Conn) (Conn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == Destroyed {
		return nil, ErrDestroyed
	}

	prev := s.conn
	s.conn = conn
	s.state = Attached
	s.generation++
	s.lastActivity = time.Now()
	if s.evictTimer != nil {
		s.evictTimer.Stop()
		s.evictTimer = nil
	}

	if !s.greeted {
		s.greeted = true
		if text, ok := welcome[s.endpoint]; ok {
			s.sendLocked(frame.System{Content: text, Timestamp: time.Now()})
		}
		return prev, nil
	}
	s.sendLocked(frame.HistoryRestore{Messages: s.history.Entries(), Timestamp: time.Now()})
	s.logger.Info("Session reattached", "history", s.history.Len())
	return prev, nil
}

// Detach unbinds conn if it is still the current connection, and arms the eviction
// timer. expire receives the generation the timer was armed for.
func (s *UserSession) Detach(conn Conn, grace time.Duration, expire func(gen uint64)) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != Attached || s.conn != conn {
		return false
	}

	s.conn = nil
	s.state = Detached
	s.generation++
	gen := s.generation
	if expire != nil {
		s.evictTimer = time.AfterFunc(grace, func() { expire(gen) })
	}
	return true
}

// expiredAt reports whether the session is still in the detached state armed at gen.
func (s *UserSession) expiredAt(gen uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == Detached && s.generation == gen
}

// Destroy releases the session: unsubscribes its namespace, closes the connection and
// drops history. It reports whether a connection was attached. Idempotent.
func (s *UserSession) Destroy(reason string) bool {
	s.mu.Lock()
	if s.state == Destroyed {
		s.mu.Unlock()
		return false
	}
	wasAttached := s.state == Attached
	conn := s.conn
	s.state = Destroyed
	s.conn = nil
	if s.evictTimer != nil {
		s.evictTimer.Stop()
		s.evictTimer = nil
	}
	s.history.Reset()
	s.mu.Unlock()

	s.cancel()
	s.sub.Cancel()
	if conn != nil {
		conn.Close(reason)
	}
	s.logger.Info("Session destroyed", "reason", reason)
	return wasAttached
}

// eventContent extracts display text from an event payload: a bare string, an object
// with a content field, or the raw JSON.
func eventContent(data json.RawMessage) string {
	if len(data) == 0 {
		return ""
	}
	var text string
	if err := json.Unmarshal(data, &text); err == nil {
		return text
	}
	var obj struct {
		Content *string `json:"content"`
		Message *string `json:"message"`
	}
	if err := json.Unmarshal(data, &obj); err == nil {
		if obj.Content != nil {
			return *obj.Content
		}
		if obj.Message != nil {
			return *obj.Message
		}
	}
	return string(data)
}
