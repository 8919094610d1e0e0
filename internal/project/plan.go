package project

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"
	"time"
)

// Plan is the assistant's proposed project layout.
type Plan struct {
	ProjectName string          `json:"project_name"`
	Tasks       []PlanTask      `json:"tasks"`
	Milestones  []PlanMilestone `json:"milestones"`
}

// PlanTask accepts both naming variants the assistant produces (name/task, due_date/duration).
type PlanTask struct {
	Name        text `json:"name"`
	Task        text `json:"task"`
	Description text `json:"description"`
	Status      text `json:"status"`
	DueDate     text `json:"due_date"`
	Duration    text `json:"duration"`
}

// PlanMilestone is one milestone of a plan.
type PlanMilestone struct {
	Name        text `json:"name"`
	Description text `json:"description"`
	Date        text `json:"date"`
}

// text decodes a JSON string and treats any other JSON value as empty, so one oddly
// typed field does not reject the whole plan.
type text string

func (t *text) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		*t = ""
		return nil
	}
	*t = text(s)
	return nil
}

// parsePlan accepts either {"recommendations": {...}} or the bare plan object.
func parsePlan(raw json.RawMessage) (*Plan, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil || fields == nil {
		return nil, errInvalidFormat
	}
	if inner, ok := fields["recommendations"]; ok && !isNull(inner) {
		var nested map[string]json.RawMessage
		if err := json.Unmarshal(inner, &nested); err != nil || nested == nil {
			return nil, errInvalidFormat
		}
		fields = nested
	}

	var p Plan
	if name, ok := fields["project_name"]; ok {
		var n text
		_ = n.UnmarshalJSON(name)
		p.ProjectName = string(n)
	}
	// Tasks stays nil unless the plan carries a tasks array.
	if tasks, ok := fields["tasks"]; ok && isArray(tasks) {
		if err := json.Unmarshal(tasks, &p.Tasks); err != nil {
			return nil, errInvalidFormat
		}
	}
	if ms, ok := fields["milestones"]; ok && isArray(ms) {
		if err := json.Unmarshal(ms, &p.Milestones); err != nil {
			return nil, errInvalidFormat
		}
	}
	return &p, nil
}

func isNull(raw json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}

func isArray(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) > 0 && trimmed[0] == '['
}

var dateLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"2006-01-02",
}

// resolveDate interprets a plan date. Values containing "T" or "-" are absolute dates;
// anything else is a relative duration such as "2 weeks". Unparseable values fall back to now.
func resolveDate(value string, now time.Time) time.Time {
	if value == "" {
		return now
	}
	if strings.ContainsAny(value, "T-") {
		for _, layout := range dateLayouts {
			if t, err := time.Parse(layout, value); err == nil {
				return t
			}
		}
		return now
	}
	return addDuration(value, now)
}

// addDuration handles "<n> day|week|month[s]".
func addDuration(value string, now time.Time) time.Time {
	parts := strings.Split(strings.ToLower(value), " ")
	if len(parts) != 2 {
		return now
	}
	amount, err := strconv.Atoi(parts[0])
	if err != nil {
		return now
	}
	switch strings.TrimSuffix(parts[1], "s") {
	case "day":
		return now.AddDate(0, 0, amount)
	case "week":
		return now.AddDate(0, 0, amount*7)
	case "month":
		return now.AddDate(0, amount, 0)
	default:
		return now
	}
}
