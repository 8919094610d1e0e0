// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"errors"

	"github.com/ashureev/taskmate-realtime/internal/domain"
)

var (
	// ErrNotFound is returned when a requested group does not exist.
	ErrNotFound = errors.New("not found")
	// ErrDuplicate wraps unique constraint violations.
	ErrDuplicate = errors.New("duplicate record")
	// ErrReference wraps foreign key violations.
	ErrReference = errors.New("invalid reference")
	// ErrTaskInsert marks a failure while inserting one of the project's tasks.
	ErrTaskInsert = errors.New("failed to create task")
	// ErrMilestoneInsert marks a failure while inserting one of the project's milestones.
	ErrMilestoneInsert = errors.New("failed to create milestone")
)

// Repository defines the interface for persisting project groups.
type Repository interface {
	// CreateProject inserts the group, its memberships, tasks and milestones atomically.
	CreateProject(ctx context.Context, p *domain.Project) error

	// GetProject loads a group with its members, tasks and milestones.
	GetProject(ctx context.Context, groupID string) (*domain.Project, error)

	// ListGroupsForUser returns the groups userID belongs to, newest first.
	ListGroupsForUser(ctx context.Context, userID string) ([]domain.Group, error)

	// Ping verifies database connectivity and returns an error if the database is unreachable.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
