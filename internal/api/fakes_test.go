package api

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/ashureev/taskmate-realtime/internal/backend"
	"github.com/ashureev/taskmate-realtime/internal/domain"
	"github.com/ashureev/taskmate-realtime/internal/session"
	"github.com/ashureev/taskmate-realtime/internal/store"
)

// replyingTransport answers analytics requests on the bus it is attached to.
type replyingTransport struct {
	bus *backend.Bus

	mu        sync.Mutex
	namespace string
}

func (r *replyingTransport) Send(_ context.Context, req backend.Request) error {
	r.mu.Lock()
	r.namespace = req.SessionID
	r.mu.Unlock()

	var data map[string]string
	if err := json.Unmarshal(req.Data, &data); err != nil {
		return err
	}
	reply, err := json.Marshal(map[string]interface{}{
		"recommendations": []string{"u1"},
		"task_category":   data["task_category"] + "-reviewed",
	})
	if err != nil {
		return err
	}
	go r.bus.Deliver(backend.Event{
		Event:     backend.EventAnalyticsResponse,
		SessionID: req.SessionID,
		RequestID: req.RequestID,
		Data:      reply,
	})
	return nil
}

func (r *replyingTransport) Run(ctx context.Context, _ func(backend.Event)) error {
	<-ctx.Done()
	return ctx.Err()
}

func (r *replyingTransport) Close() error { return nil }

func (r *replyingTransport) lastNamespace() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.namespace
}

type fakeDirectory struct {
	endpoint     string
	sessions     []session.Info
	disconnected []string
}

func (f *fakeDirectory) Endpoint() string         { return f.endpoint }
func (f *fakeDirectory) ActiveConnections() int   { return len(f.sessions) }
func (f *fakeDirectory) SessionCount() int        { return len(f.sessions) }
func (f *fakeDirectory) Sessions() []session.Info { return f.sessions }

func (f *fakeDirectory) DisconnectUser(userID string) bool {
	for i, s := range f.sessions {
		if s.UserID == userID {
			f.sessions = append(f.sessions[:i], f.sessions[i+1:]...)
			f.disconnected = append(f.disconnected, userID)
			return true
		}
	}
	return false
}

type fakeProjects struct {
	projects map[string]*domain.Project
}

func (f *fakeProjects) GetProject(_ context.Context, groupID string) (*domain.Project, error) {
	p, ok := f.projects[groupID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return p, nil
}

func (f *fakeProjects) ListGroupsForUser(_ context.Context, userID string) ([]domain.Group, error) {
	var groups []domain.Group
	for _, p := range f.projects {
		if p.HasMember(userID) {
			groups = append(groups, p.Group)
		}
	}
	return groups, nil
}
