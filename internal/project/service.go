// Package project turns assistant-generated plans into persisted project groups.
package project

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/ashureev/taskmate-realtime/internal/domain"
	"github.com/ashureev/taskmate-realtime/internal/store"
)

var (
	// ErrPlanRejected is returned for plans that cannot become a project.
	ErrPlanRejected = errors.New("plan rejected")
	// ErrDownstream wraps persistence failures.
	ErrDownstream = errors.New("project store failure")

	errInvalidFormat = fmt.Errorf("%w: invalid recommendations format", ErrPlanRejected)
	errMissingTasks  = fmt.Errorf("%w: invalid or missing tasks array", ErrPlanRejected)
	errMissingName   = fmt.Errorf("%w: missing project name and original message", ErrPlanRejected)
	errMissingUser   = fmt.Errorf("%w: missing user ID", ErrPlanRejected)
)

// Service creates projects from plans. It implements session.ProjectCreator.
type Service struct {
	repo   store.Repository
	logger *slog.Logger
	now    func() time.Time
	newID  func() string
}

// NewService creates a Service backed by repo.
func NewService(repo store.Repository, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		repo:   repo,
		logger: logger,
		now:    time.Now,
		newID:  uuid.NewString,
	}
}

// CreateProjectFromPlan persists plan as a new group owned by userID and returns the
// group ID. originalMessage names the group when the plan has no project_name.
func (s *Service) CreateProjectFromPlan(ctx context.Context, plan json.RawMessage, originalMessage, userID string) (string, error) {
	if userID == "" {
		return "", errMissingUser
	}
	p, err := parsePlan(plan)
	if err != nil {
		return "", err
	}

	proj, err := s.build(p, originalMessage, userID)
	if err != nil {
		return "", err
	}

	s.logger.Info("Creating project group",
		"group_id", proj.Group.ID,
		"name", proj.Group.Name,
		"user_id", userID,
		"tasks", len(proj.Tasks),
		"milestones", len(proj.Milestones),
	)
	if err := s.repo.CreateProject(ctx, proj); err != nil {
		return "", describe(err)
	}
	return proj.Group.ID, nil
}

func (s *Service) build(p *Plan, originalMessage, userID string) (*domain.Project, error) {
	if p.ProjectName == "" && originalMessage == "" {
		return nil, errMissingName
	}
	if p.Tasks == nil {
		return nil, errMissingTasks
	}

	now := s.now()
	groupName := p.ProjectName
	if groupName == "" {
		groupName = "Project: " + originalMessage
	}
	group := domain.Group{
		ID:        s.newID(),
		AdminID:   userID,
		Name:      domain.ClipName(groupName),
		CreatedAt: now,
	}

	proj := &domain.Project{
		Group:   group,
		Members: []string{userID},
		Tasks:   make([]domain.Task, 0, len(p.Tasks)),
	}

	for i, t := range p.Tasks {
		name := firstNonEmpty(string(t.Name), string(t.Task))
		if name == "" {
			s.logger.Warn("Plan task missing name, using default", "index", i+1)
			name = "Task " + strconv.Itoa(i+1)
		}
		due := now
		switch {
		case t.DueDate != "":
			due = resolveDate(string(t.DueDate), now)
		case t.Duration != "":
			due = addDuration(string(t.Duration), now)
		}
		proj.Tasks = append(proj.Tasks, domain.Task{
			ID:          s.newID(),
			GroupID:     group.ID,
			Name:        domain.TruncateName(name),
			Description: string(t.Description),
			List:        firstNonEmpty(string(t.Status), domain.DefaultTaskList),
			DueAt:       due,
		})
	}

	for i, m := range p.Milestones {
		name := string(m.Name)
		if name == "" {
			s.logger.Warn("Plan milestone missing name, using default", "index", i+1)
			name = "Milestone " + strconv.Itoa(i+1)
		}
		proj.Milestones = append(proj.Milestones, domain.Milestone{
			ID:          s.newID(),
			GroupID:     group.ID,
			Name:        domain.TruncateName(name),
			Description: firstNonEmpty(string(m.Description), domain.DefaultMilestoneDescription),
			Date:        resolveDate(string(m.Date), now),
		})
	}
	return proj, nil
}

// describe turns a store error into the message shown to the user.
func describe(err error) error {
	switch {
	case errors.Is(err, store.ErrTaskInsert):
		return fmt.Errorf("%w: task creation failed: %w", ErrDownstream, err)
	case errors.Is(err, store.ErrMilestoneInsert):
		return fmt.Errorf("%w: milestone creation failed: %w", ErrDownstream, err)
	case errors.Is(err, store.ErrDuplicate):
		return fmt.Errorf("%w: a project with this name already exists for this user (%w)", ErrDownstream, err)
	case errors.Is(err, store.ErrReference):
		return fmt.Errorf("%w: invalid user ID or database reference error (%w)", ErrDownstream, err)
	default:
		return fmt.Errorf("%w: database error: %w", ErrDownstream, err)
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
