package domain

import (
	"encoding/json"
	"strings"
	"time"
)

// TaskStatus is the lifecycle status of a task.
type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskAssigned   TaskStatus = "assigned"
	TaskInProgress TaskStatus = "in_progress"
	TaskCompleted  TaskStatus = "completed"
	TaskFailed     TaskStatus = "failed"
	TaskEscalated  TaskStatus = "escalated"
)

// Terminal reports whether the status accepts no further transitions.
func (s TaskStatus) Terminal() bool {
	return s == TaskCompleted || s == TaskEscalated
}

// Urgency orders tasks for routing sweeps.
type Urgency string

const (
	UrgencyLow      Urgency = "low"
	UrgencyNormal   Urgency = "normal"
	UrgencyHigh     Urgency = "high"
	UrgencyCritical Urgency = "critical"
)

// Rank returns the sweep ordering for the urgency: lower routes first.
// Unrecognized values sort last.
func (u Urgency) Rank() int {
	switch u {
	case UrgencyCritical:
		return 0
	case UrgencyHigh:
		return 1
	case UrgencyNormal:
		return 2
	case UrgencyLow:
		return 3
	}
	return 4
}

// ValidUrgency reports whether u is a recognized urgency level.
func ValidUrgency(u Urgency) bool {
	return u.Rank() < 4
}

// Task is a unit of work submitted for routing.
type Task struct {
	ID             string          `json:"id"`
	Title          string          `json:"title"`
	Description    string          `json:"description,omitempty"`
	RequiredSkills []string        `json:"required_skills"`
	Urgency        Urgency         `json:"urgency"`
	TimeoutSeconds int             `json:"timeout_seconds"`
	MaxRetries     int             `json:"max_retries"`
	RetryCount     int             `json:"retry_count"`
	CallbackURL    string          `json:"callback_url,omitempty"`
	Status         TaskStatus      `json:"status"`
	AssignedTo     string          `json:"assigned_to,omitempty"`
	Result         json.RawMessage `json:"result,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// Deadline returns the instant after which an assigned task counts as
// timed out.
func (t *Task) Deadline() time.Time {
	return t.CreatedAt.Add(time.Duration(t.TimeoutSeconds) * time.Second)
}

// TaskSpec is the caller-supplied submission payload.
type TaskSpec struct {
	Title          string   `json:"title"`
	Description    string   `json:"description,omitempty"`
	RequiredSkills []string `json:"required_skills,omitempty"`
	Urgency        Urgency  `json:"urgency,omitempty"`
	TimeoutSeconds int      `json:"timeout_seconds,omitempty"`
	MaxRetries     *int     `json:"max_retries,omitempty"` // nil = default
	CallbackURL    string   `json:"callback_url,omitempty"`
}

// Submission defaults, matching the routing engine's historical behavior.
const (
	DefaultTimeoutSeconds = 3600
	DefaultMaxRetries     = 2
)

// Validate checks required fields before any persistence write.
func (s *TaskSpec) Validate() error {
	if strings.TrimSpace(s.Title) == "" {
		return NewDomainError("TaskSpec.Validate", ErrInvalidInput, "title is required")
	}
	if s.Urgency != "" && !ValidUrgency(s.Urgency) {
		return NewDomainError("TaskSpec.Validate", ErrInvalidInput, "urgency must be one of low, normal, high, critical")
	}
	if s.TimeoutSeconds < 0 {
		return NewDomainError("TaskSpec.Validate", ErrInvalidInput, "timeout_seconds cannot be negative")
	}
	if s.MaxRetries != nil && *s.MaxRetries < 0 {
		return NewDomainError("TaskSpec.Validate", ErrInvalidInput, "max_retries cannot be negative")
	}
	return nil
}

// CompletionReport carries the outcome a caller reports for an assigned task.
type CompletionReport struct {
	Success bool            `json:"success"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// TaskFilter narrows ListTasks results. Zero values mean "any".
type TaskFilter struct {
	Status     TaskStatus
	AssignedTo string
	Limit      int
}
