// Package matcher ranks candidate workers for a task. It is pure: no I/O,
// no clock, no side effects. Callers pre-fetch the worker list and the full
// metrics snapshot once per routing pass and hand both in.
package matcher

import (
	"fmt"
	"math"
	"sort"

	"taskrouter/internal/domain"
)

// Scoring weights, on a 100-point scale plus a flat urgency bonus.
const (
	coverageWeight     = 40.0
	availabilityWeight = 20.0
	performanceWeight  = 25.0
	priorityWeight     = 15.0
	urgencyBonus       = 10.0

	// neutralPerformance is granted when a worker has no history on any
	// required skill: absence of history must not score like a proven
	// poor record.
	neutralPerformance = performanceWeight / 2
)

// Match is a scored candidate.
type Match struct {
	Worker  *domain.Worker
	Score   float64
	Reasons []string
}

// FindBestMatch returns the best eligible worker for the task, or nil when
// no worker qualifies.
//
// Tasks with no required skills take a cheaper path: the least-loaded
// eligible worker wins (ties broken by ID) with a fixed score of 1.0.
// Otherwise candidates are scored on capability coverage, availability,
// performance history and declared skill priority; workers with zero skill
// overlap are excluded outright.
func FindBestMatch(task *domain.Task, candidates []*domain.Worker, metrics []*domain.PerformanceMetric) *Match {
	if len(task.RequiredSkills) == 0 {
		return leastLoaded(candidates)
	}
	ranked := RankAll(task, candidates, metrics)
	if len(ranked) == 0 {
		return nil
	}
	return &ranked[0]
}

// RankAll scores every eligible candidate and returns them sorted by
// descending score. Ties keep input order, so selection is deterministic for
// a deterministically ordered candidate list. Used for decision audit logs
// even when only the top pick matters operationally.
func RankAll(task *domain.Task, candidates []*domain.Worker, metrics []*domain.PerformanceMetric) []Match {
	if len(task.RequiredSkills) == 0 {
		return rankByLoad(candidates)
	}

	matches := make([]Match, 0, len(candidates))
	for _, w := range candidates {
		if !w.Eligible() {
			continue
		}
		m := score(task, w, metrics)
		if m.Score <= 0 {
			continue // zero skill overlap: hard cutoff, not a low score
		}
		matches = append(matches, m)
	}
	sort.SliceStable(matches, func(i, j int) bool {
		return matches[i].Score > matches[j].Score
	})
	return matches
}

func leastLoaded(candidates []*domain.Worker) *Match {
	ranked := rankByLoad(candidates)
	if len(ranked) == 0 {
		return nil
	}
	return &ranked[0]
}

func rankByLoad(candidates []*domain.Worker) []Match {
	eligible := make([]*domain.Worker, 0, len(candidates))
	for _, w := range candidates {
		if w.Eligible() {
			eligible = append(eligible, w)
		}
	}
	sort.SliceStable(eligible, func(i, j int) bool {
		if eligible[i].CurrentLoad != eligible[j].CurrentLoad {
			return eligible[i].CurrentLoad < eligible[j].CurrentLoad
		}
		return eligible[i].ID < eligible[j].ID
	})
	matches := make([]Match, len(eligible))
	for i, w := range eligible {
		matches[i] = Match{
			Worker:  w,
			Score:   1.0,
			Reasons: []string{"No skill requirements, routed to least-loaded worker"},
		}
	}
	return matches
}

func score(task *domain.Task, w *domain.Worker, metrics []*domain.PerformanceMetric) Match {
	required := task.RequiredSkills
	reasons := make([]string, 0, 5)
	var total float64

	// Capability coverage.
	matched := 0
	for _, skill := range required {
		if w.HasSkill(skill) {
			matched++
		}
	}
	coverage := float64(matched) / float64(len(required))
	if coverage == 0 {
		return Match{Worker: w, Score: 0, Reasons: []string{"No matching skills"}}
	}
	total += coverage * coverageWeight
	reasons = append(reasons, fmt.Sprintf("Skill match: %d/%d (%d%%)", matched, len(required), int(math.Round(coverage*100))))

	// Availability.
	loadRatio := float64(w.CurrentLoad) / float64(w.MaxConcurrent)
	total += (1 - loadRatio) * availabilityWeight
	reasons = append(reasons, fmt.Sprintf("Load: %d/%d (%d%% free)", w.CurrentLoad, w.MaxConcurrent, int(math.Round((1-loadRatio)*100))))

	// Performance history across the required skills.
	var completed, attempts int
	for _, m := range metrics {
		if m.WorkerID != w.ID || !containsSkill(required, m.Skill) {
			continue
		}
		completed += m.TasksCompleted
		attempts += m.TasksCompleted + m.TasksFailed
	}
	if attempts > 0 {
		rate := float64(completed) / float64(attempts)
		total += rate * performanceWeight
		reasons = append(reasons, fmt.Sprintf("Success rate: %d%% (%d tasks)", int(math.Round(rate*100)), attempts))
	} else {
		total += neutralPerformance
		reasons = append(reasons, "No performance history (neutral score)")
	}

	// Declared priority on the matched skills.
	prioritySum := 0
	for _, c := range w.Capabilities {
		if containsSkill(required, c.Skill) {
			prioritySum += c.Priority
		}
	}
	maxPriority := len(required) * 10
	total += float64(prioritySum) / float64(maxPriority) * priorityWeight
	if prioritySum > 0 {
		reasons = append(reasons, fmt.Sprintf("Skill priority bonus: %d", prioritySum))
	}

	// Idle workers get urgent work.
	if task.Urgency == domain.UrgencyCritical && w.CurrentLoad == 0 {
		total += urgencyBonus
		reasons = append(reasons, "Urgency boost: idle worker for critical task")
	}

	return Match{Worker: w, Score: math.Round(total*100) / 100, Reasons: reasons}
}

func containsSkill(skills []string, s string) bool {
	for _, skill := range skills {
		if skill == s {
			return true
		}
	}
	return false
}
