package api

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/ashureev/taskmate-realtime/internal/identity"
	"github.com/ashureev/taskmate-realtime/internal/session"
)

// SessionDirectory is the read and control surface of one endpoint's session manager.
type SessionDirectory interface {
	Endpoint() string
	ActiveConnections() int
	SessionCount() int
	Sessions() []session.Info
	DisconnectUser(userID string) bool
}

// AdminHandler exposes realtime session introspection to administrators.
type AdminHandler struct {
	dirs []SessionDirectory
}

// NewAdminHandler creates an admin handler over the given endpoints.
func NewAdminHandler(dirs ...SessionDirectory) *AdminHandler {
	return &AdminHandler{dirs: dirs}
}

// RegisterRoutes registers admin routes behind verifier and the admin role.
func (h *AdminHandler) RegisterRoutes(r chi.Router, verifier *identity.Verifier) {
	r.Route("/api/admin/realtime", func(r chi.Router) {
		r.Use(identity.Middleware(verifier))
		r.Use(identity.RequireRole(identity.RoleAdmin))
		r.Get("/", h.Overview)
		r.Delete("/{endpoint}/users/{userID}", h.DisconnectUser)
	})
}

type endpointStatus struct {
	ActiveConnections int            `json:"activeConnections"`
	SessionCount      int            `json:"sessionCount"`
	Sessions          []session.Info `json:"sessions"`
}

// Overview lists every endpoint's connections and sessions.
func (h *AdminHandler) Overview(w http.ResponseWriter, _ *http.Request) {
	endpoints := make(map[string]endpointStatus, len(h.dirs))
	for _, d := range h.dirs {
		endpoints[d.Endpoint()] = endpointStatus{
			ActiveConnections: d.ActiveConnections(),
			SessionCount:      d.SessionCount(),
			Sessions:          d.Sessions(),
		}
	}
	JSON(w, http.StatusOK, map[string]interface{}{"endpoints": endpoints})
}

// DisconnectUser force-closes a user's session on one endpoint.
func (h *AdminHandler) DisconnectUser(w http.ResponseWriter, r *http.Request) {
	endpoint := chi.URLParam(r, "endpoint")
	userID := chi.URLParam(r, "userID")

	var dir SessionDirectory
	for _, d := range h.dirs {
		if d.Endpoint() == endpoint {
			dir = d
			break
		}
	}
	if dir == nil {
		Error(w, http.StatusNotFound, "unknown endpoint")
		return
	}
	if !dir.DisconnectUser(userID) {
		Error(w, http.StatusNotFound, "no session for user")
		return
	}

	slog.Info("Session closed by administrator",
		"endpoint", endpoint,
		"user_id", userID,
		"admin_id", identity.UserIDFromContext(r.Context()),
	)
	JSON(w, http.StatusOK, map[string]string{"status": "disconnected"})
}
