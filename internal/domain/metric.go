package domain

import "time"

// PerformanceMetric is the per-(worker, skill) track record. Rows are created
// lazily on the first completion or failure for the pair and never deleted.
type PerformanceMetric struct {
	WorkerID        string    `json:"worker_id"`
	Skill           string    `json:"skill"`
	TasksCompleted  int       `json:"tasks_completed"`
	TasksFailed     int       `json:"tasks_failed"`
	AvgDurationMS   float64   `json:"avg_duration_ms"`
	LastCompletedAt time.Time `json:"last_completed_at"`
}

// SuccessRate returns completed / (completed + failed), or 0.5 when the
// metric has no attempts yet.
func (m *PerformanceMetric) SuccessRate() float64 {
	total := m.TasksCompleted + m.TasksFailed
	if total == 0 {
		return 0.5
	}
	return float64(m.TasksCompleted) / float64(total)
}
