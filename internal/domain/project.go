// Package domain contains the persisted project types created from assistant plans.
package domain

import (
	"time"
)

// MaxNameLength is the longest group, task or milestone name the store accepts.
const MaxNameLength = 25

// Defaults applied when a plan leaves a field empty.
const (
	DefaultTaskList             = "To Do"
	DefaultMilestoneDescription = "Project milestone"
)

// Group is a project workspace owned by AdminID.
type Group struct {
	ID        string    `json:"gid"`
	AdminID   string    `json:"admin_id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// Task is a unit of work on a group's board. List is the board column.
type Task struct {
	ID          string    `json:"tid"`
	GroupID     string    `json:"gid"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	List        string    `json:"list"`
	DueAt       time.Time `json:"datetime"`
	Percentage  int       `json:"percentage"`
}

// Milestone is a node on a group's timeline diagram.
type Milestone struct {
	ID          string    `json:"nid"`
	GroupID     string    `json:"gid"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	Date        time.Time `json:"date"`
	Completed   bool      `json:"completed"`
	Percentage  int       `json:"percentage"`
	XPos        float64   `json:"x_pos"`
	YPos        float64   `json:"y_pos"`
}

// Project is a group together with its members and initial work items.
type Project struct {
	Group      Group       `json:"group"`
	Members    []string    `json:"members"`
	Tasks      []Task      `json:"tasks"`
	Milestones []Milestone `json:"milestones"`
}

// HasMember reports whether userID belongs to the project group.
func (p *Project) HasMember(userID string) bool {
	for _, m := range p.Members {
		if m == userID {
			return true
		}
	}
	return false
}

// TruncateName shortens item names longer than MaxNameLength to fit the column,
// marking the cut with an ellipsis.
func TruncateName(name string) string {
	r := []rune(name)
	if len(r) <= MaxNameLength {
		return name
	}
	return string(r[:MaxNameLength-3]) + "..."
}

// ClipName cuts name to MaxNameLength without a marker. Used for group names.
func ClipName(name string) string {
	r := []rune(name)
	if len(r) <= MaxNameLength {
		return name
	}
	return string(r[:MaxNameLength])
}
