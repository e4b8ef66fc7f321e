package domain

import "time"

// RankedCandidate is one scored worker inside a routing decision.
type RankedCandidate struct {
	WorkerID string   `json:"worker_id"`
	Score    float64  `json:"score"`
	Reasons  []string `json:"reasons"`
}

// RoutingDecision is the append-only audit record of one matching attempt.
// It is written once per attempt, including no-match attempts, and never
// mutated afterwards.
type RoutingDecision struct {
	ID               string            `json:"id"`
	TaskID           string            `json:"task_id"`
	Candidates       []RankedCandidate `json:"candidates"`
	SelectedWorkerID string            `json:"selected_worker_id,omitempty"`
	SelectedScore    float64           `json:"selected_score"`
	Reason           string            `json:"reason"`
	CreatedAt        time.Time         `json:"created_at"`
}

// RoutingOutcome describes what a routing-affecting operation did.
type RoutingOutcome string

const (
	OutcomeAssigned      RoutingOutcome = "assigned"
	OutcomePending       RoutingOutcome = "pending"
	OutcomeAlreadyRouted RoutingOutcome = "already_routed"
	OutcomeCompleted     RoutingOutcome = "completed"
	OutcomeEscalated     RoutingOutcome = "escalated"
)

// RoutingResult is returned to callers of every routing-affecting operation:
// the resulting task state plus an outcome descriptor. There is no silent
// failure mode; a failed match still yields OutcomePending with a reason.
type RoutingResult struct {
	Task    *Task          `json:"task"`
	Outcome RoutingOutcome `json:"outcome"`
	// Populated when Outcome is OutcomeAssigned.
	WorkerID   string   `json:"worker_id,omitempty"`
	WorkerName string   `json:"worker_name,omitempty"`
	Score      float64  `json:"score,omitempty"`
	Reasons    []string `json:"reasons,omitempty"`
	// Populated when no worker was selected or the task went terminal.
	Reason string `json:"reason,omitempty"`
}

// RoutingStats is an aggregate snapshot of the routing subsystem.
type RoutingStats struct {
	Workers   WorkerCounts `json:"workers"`
	Tasks     TaskCounts   `json:"tasks"`
	Decisions int          `json:"total_decisions"`
}

// WorkerCounts breaks registered workers down by status.
type WorkerCounts struct {
	Total     int `json:"total"`
	Available int `json:"available"`
	Busy      int `json:"busy"`
	Offline   int `json:"offline"`
}

// TaskCounts breaks tasks down by status.
type TaskCounts struct {
	Total     int `json:"total"`
	Pending   int `json:"pending"`
	Assigned  int `json:"assigned"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Escalated int `json:"escalated"`
}
