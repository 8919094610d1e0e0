package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/ashureev/taskmate-realtime/internal/backend"
	"github.com/ashureev/taskmate-realtime/internal/identity"
)

const defaultAnalyticsTimeout = 30 * time.Second

// Caller performs a one-shot request/response exchange with the backend.
type Caller interface {
	Call(ctx context.Context, req backend.Request, timeout time.Duration) (backend.Event, error)
}

// AnalyticsHandler serves the REST analytics endpoints.
type AnalyticsHandler struct {
	caller  Caller
	timeout time.Duration
	logger  *slog.Logger
}

// NewAnalyticsHandler creates a handler. A zero timeout uses 30s.
func NewAnalyticsHandler(caller Caller, timeout time.Duration, logger *slog.Logger) *AnalyticsHandler {
	if timeout <= 0 {
		timeout = defaultAnalyticsTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &AnalyticsHandler{caller: caller, timeout: timeout, logger: logger}
}

// RegisterRoutes registers analytics routes.
func (h *AnalyticsHandler) RegisterRoutes(r chi.Router) {
	r.Post("/api/analytics/recommendations", h.Recommendations)
}

type recommendationsRequest struct {
	GroupID           string `json:"groupId"`
	TaskCategory      string `json:"taskCategory"`
	TaskDescription   string `json:"taskDescription"`
	Priority          string `json:"priority"`
	Deadline          string `json:"deadline"`
	AdditionalContext string `json:"additional_context"`
}

type recommendationsData struct {
	GroupID           string `json:"group_id"`
	TaskCategory      string `json:"task_category"`
	TaskDescription   string `json:"task_description"`
	Priority          string `json:"priority"`
	Deadline          string `json:"deadline"`
	AdditionalContext string `json:"additional_context"`
	RequesterID       string `json:"requester_id,omitempty"`
}

type recommendationsReply struct {
	Recommendations json.RawMessage `json:"recommendations"`
	SuggestedPlan   json.RawMessage `json:"suggested_plan"`
	TaskCategory    string          `json:"task_category"`
	Error           string          `json:"error"`
}

// Recommendations asks the analytics backend for task assignment recommendations.
func (h *AnalyticsHandler) Recommendations(w http.ResponseWriter, r *http.Request) {
	var req recommendationsRequest
	if err := decodeJSON(w, r, &req); err != nil {
		Error(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.GroupID == "" || req.TaskCategory == "" || req.TaskDescription == "" {
		Error(w, http.StatusBadRequest, "Group ID, task category, and task description are required")
		return
	}

	data, err := json.Marshal(recommendationsData{
		GroupID:           req.GroupID,
		TaskCategory:      req.TaskCategory,
		TaskDescription:   req.TaskDescription,
		Priority:          orDefault(req.Priority, "normal"),
		Deadline:          orDefault(req.Deadline, "flexible"),
		AdditionalContext: req.AdditionalContext,
		RequesterID:       identity.UserIDFromContext(r.Context()),
	})
	if err != nil {
		Error(w, http.StatusInternalServerError, "failed to build analytics request")
		return
	}

	requestID := uuid.NewString()
	logger := h.logger.With("request_id", requestID, "group_id", req.GroupID)
	ev, err := h.caller.Call(r.Context(), backend.Request{
		RequestID: requestID,
		SessionID: backend.OneShotPrefix + requestID,
		Type:      backend.TypeAnalytics,
		Action:    backend.ActionAssignments,
		Data:      data,
	}, h.timeout)
	switch {
	case errors.Is(err, backend.ErrTimeout):
		logger.Warn("Analytics recommendations timed out", "timeout", h.timeout)
		Error(w, http.StatusGatewayTimeout, "Analytics request timed out")
		return
	case errors.Is(err, backend.ErrBackendUnavailable):
		logger.Error("Analytics backend unavailable", "error", err)
		Error(w, http.StatusServiceUnavailable, "Analytics service is unavailable")
		return
	case err != nil:
		logger.Error("Analytics recommendations failed", "error", err)
		Error(w, http.StatusInternalServerError, "Failed to get task recommendations")
		return
	}

	var reply recommendationsReply
	if len(ev.Data) > 0 {
		if err := json.Unmarshal(ev.Data, &reply); err != nil {
			logger.Warn("Analytics reply data is not an object", "error", err)
		}
	}

	if ev.Event == backend.EventAnalyticsError || ev.Error != "" {
		msg := orDefault(ev.Error, reply.Error)
		logger.Warn("Analytics backend returned an error", "error", msg)
		Error(w, http.StatusBadGateway, orDefault(msg, "Analytics request failed"))
		return
	}

	JSON(w, http.StatusOK, map[string]interface{}{
		"success":         true,
		"recommendations": rawOr(reply.Recommendations, "[]"),
		"suggested_plan":  rawOr(reply.SuggestedPlan, "null"),
		"task_category":   orDefault(reply.TaskCategory, req.TaskCategory),
	})
}

func orDefault(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}

func rawOr(v json.RawMessage, fallback string) json.RawMessage {
	if len(v) == 0 || string(v) == "null" {
		return json.RawMessage(fallback)
	}
	return v
}
