package model

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// MaxTaskNameLen bounds task names.
const MaxTaskNameLen = 255

// Task is a named policy scope. It owns its rule and metric bindings.
type Task struct {
	ID        uuid.UUID `json:"id"`
	Name      string    `json:"name"`
	TaskType  TaskType  `json:"task_type"`
	IsAgentic bool      `json:"is_agentic"`
	Archived  bool      `json:"archived"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	// Populated on read endpoints only.
	Rules   []Rule   `json:"rules,omitempty"`
	Metrics []Metric `json:"metrics,omitempty"`
}

// CreateTaskRequest is the request body for POST /api/v2/tasks.
type CreateTaskRequest struct {
	Name      string `json:"name"`
	IsAgentic bool   `json:"is_agentic"`
}

// Validate checks the request shape.
func (r CreateTaskRequest) Validate() error {
	name := strings.TrimSpace(r.Name)
	if name == "" {
		return &ValidationError{Field: "name", Message: "name is required"}
	}
	if len(name) > MaxTaskNameLen {
		return &ValidationError{Field: "name", Message: fmt.Sprintf("name exceeds %d characters", MaxTaskNameLen)}
	}
	return nil
}

// TaskFilter narrows task search results.
type TaskFilter struct {
	Name      *string
	IsAgentic *bool
	TaskIDs   []uuid.UUID
}

// TaskToRule binds a task-scoped rule to a task.
type TaskToRule struct {
	TaskID  uuid.UUID `json:"task_id"`
	RuleID  uuid.UUID `json:"rule_id"`
	Enabled bool      `json:"enabled"`
}

// TaskToMetric binds a metric to an agentic task.
type TaskToMetric struct {
	TaskID   uuid.UUID `json:"task_id"`
	MetricID uuid.UUID `json:"metric_id"`
	Enabled  bool      `json:"enabled"`
}

// EnableRequest toggles a binding.
type EnableRequest struct {
	Enabled *bool `json:"enabled"`
}
