package domain

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// WorkerStatus is the lifecycle status of a registered worker.
type WorkerStatus string

const (
	WorkerAvailable WorkerStatus = "available"
	WorkerBusy      WorkerStatus = "busy"
	WorkerOffline   WorkerStatus = "offline"
)

// ValidWorkerStatus reports whether s is a recognized worker status.
func ValidWorkerStatus(s WorkerStatus) bool {
	switch s {
	case WorkerAvailable, WorkerBusy, WorkerOffline:
		return true
	}
	return false
}

// Capability is a (skill, priority) pair declared by a worker. Priority is
// clamped to [0, 10]; higher means the worker prefers that kind of work.
type Capability struct {
	Skill    string `json:"skill"    yaml:"skill"`
	Priority int    `json:"priority" yaml:"priority"`
}

// UnmarshalJSON accepts either a bare skill string ("deploy") or a full
// object ({"skill": "deploy", "priority": 5}). Callers supply both shapes;
// everything past this boundary sees the normalized struct.
func (c *Capability) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		c.Skill = s
		c.Priority = 0
		return nil
	}

	type capability Capability // drop methods to avoid recursion
	var full capability
	if err := json.Unmarshal(data, &full); err != nil {
		return fmt.Errorf("capability must be a skill string or {skill, priority} object: %w", err)
	}
	*c = Capability(full)
	return nil
}

// NormalizeCapabilities trims skills, drops empty entries, clamps priorities
// to [0, 10], and deduplicates by skill (first declaration wins).
func NormalizeCapabilities(caps []Capability) []Capability {
	seen := make(map[string]bool, len(caps))
	out := make([]Capability, 0, len(caps))
	for _, c := range caps {
		skill := strings.TrimSpace(c.Skill)
		if skill == "" || seen[skill] {
			continue
		}
		seen[skill] = true
		p := c.Priority
		if p < 0 {
			p = 0
		} else if p > 10 {
			p = 10
		}
		out = append(out, Capability{Skill: skill, Priority: p})
	}
	return out
}

// Worker is a registered task executor.
type Worker struct {
	ID            string       `json:"id"`
	Name          string       `json:"name"`
	Capabilities  []Capability `json:"capabilities"`
	Status        WorkerStatus `json:"status"`
	MaxConcurrent int          `json:"max_concurrent"`
	CurrentLoad   int          `json:"current_load"`
	Endpoint      string       `json:"endpoint,omitempty"`
	CreatedAt     time.Time    `json:"created_at"`
	UpdatedAt     time.Time    `json:"updated_at"`
}

// Eligible reports whether the worker can accept another task right now.
func (w *Worker) Eligible() bool {
	return w.Status == WorkerAvailable && w.CurrentLoad < w.MaxConcurrent
}

// Skills returns the worker's declared skill names.
func (w *Worker) Skills() []string {
	skills := make([]string, len(w.Capabilities))
	for i, c := range w.Capabilities {
		skills[i] = c.Skill
	}
	return skills
}

// HasSkill reports whether the worker declares the given skill.
func (w *Worker) HasSkill(skill string) bool {
	for _, c := range w.Capabilities {
		if c.Skill == skill {
			return true
		}
	}
	return false
}

// WorkerSpec is the caller-supplied registration payload. ID is optional;
// one is generated when empty. Re-registering an existing ID is an upsert.
type WorkerSpec struct {
	ID            string       `json:"id,omitempty"`
	Name          string       `json:"name"`
	Capabilities  []Capability `json:"capabilities,omitempty"`
	MaxConcurrent int          `json:"max_concurrent,omitempty"`
	Endpoint      string       `json:"endpoint,omitempty"`
}

// DefaultMaxConcurrent is applied when a registration omits max_concurrent.
const DefaultMaxConcurrent = 3

// Validate checks required fields before any persistence write.
func (s *WorkerSpec) Validate() error {
	if strings.TrimSpace(s.Name) == "" {
		return NewDomainError("WorkerSpec.Validate", ErrInvalidInput, "name is required")
	}
	if s.MaxConcurrent < 0 {
		return NewDomainError("WorkerSpec.Validate", ErrInvalidInput, "max_concurrent cannot be negative")
	}
	return nil
}
