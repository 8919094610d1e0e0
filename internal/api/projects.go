package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/ashureev/taskmate-realtime/internal/domain"
	"github.com/ashureev/taskmate-realtime/internal/identity"
	"github.com/ashureev/taskmate-realtime/internal/store"
)

// ProjectReader is the read side of the project store.
type ProjectReader interface {
	GetProject(ctx context.Context, groupID string) (*domain.Project, error)
	ListGroupsForUser(ctx context.Context, userID string) ([]domain.Group, error)
}

// ProjectHandler serves the projects created from assistant plans.
type ProjectHandler struct {
	repo ProjectReader
}

// NewProjectHandler creates a project handler.
func NewProjectHandler(repo ProjectReader) *ProjectHandler {
	return &ProjectHandler{repo: repo}
}

// RegisterRoutes registers project routes. They must run behind identity.Middleware.
func (h *ProjectHandler) RegisterRoutes(r chi.Router) {
	r.Get("/api/projects", h.List)
	r.Get("/api/projects/{groupID}", h.Get)
}

// List returns the caller's project groups.
func (h *ProjectHandler) List(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	if userID == "" {
		Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	groups, err := h.repo.ListGroupsForUser(r.Context(), userID)
	if err != nil {
		slog.Error("Failed to list projects", "error", err, "user_id", userID)
		Error(w, http.StatusInternalServerError, "failed to list projects")
		return
	}
	if groups == nil {
		groups = []domain.Group{}
	}
	JSON(w, http.StatusOK, map[string]interface{}{"groups": groups})
}

// Get returns one project if the caller is a member.
func (h *ProjectHandler) Get(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	groupID := chi.URLParam(r, "groupID")

	p, err := h.repo.GetProject(r.Context(), groupID)
	if errors.Is(err, store.ErrNotFound) {
		Error(w, http.StatusNotFound, "project not found")
		return
	}
	if err != nil {
		slog.Error("Failed to load project", "error", err, "group_id", groupID)
		Error(w, http.StatusInternalServerError, "failed to load project")
		return
	}
	if !p.HasMember(userID) {
		Error(w, http.StatusForbidden, "forbidden")
		return
	}
	JSON(w, http.StatusOK, p)
}
