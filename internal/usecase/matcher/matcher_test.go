package matcher

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskrouter/internal/domain"
)

func worker(id string, load, max int, caps ...domain.Capability) *domain.Worker {
	return &domain.Worker{
		ID:            id,
		Name:          id,
		Capabilities:  caps,
		Status:        domain.WorkerAvailable,
		MaxConcurrent: max,
		CurrentLoad:   load,
	}
}

func capability(skill string, priority int) domain.Capability {
	return domain.Capability{Skill: skill, Priority: priority}
}

func TestFindBestMatchNoSkillsPicksLeastLoaded(t *testing.T) {
	task := &domain.Task{Urgency: domain.UrgencyNormal}
	candidates := []*domain.Worker{
		worker("w-c", 2, 3),
		worker("w-a", 1, 3),
		worker("w-b", 1, 3),
	}

	m := FindBestMatch(task, candidates, nil)
	require.NotNil(t, m)
	assert.Equal(t, "w-a", m.Worker.ID, "ties on load break by ID")
	assert.Equal(t, 1.0, m.Score)
}

func TestFindBestMatchNoSkillsNoEligible(t *testing.T) {
	task := &domain.Task{}
	full := worker("w1", 3, 3)
	offline := worker("w2", 0, 3)
	offline.Status = domain.WorkerOffline

	assert.Nil(t, FindBestMatch(task, []*domain.Worker{full, offline}, nil))
}

func TestRankAllExcludesZeroOverlap(t *testing.T) {
	task := &domain.Task{RequiredSkills: []string{"deploy"}}
	candidates := []*domain.Worker{
		worker("w1", 0, 3, capability("deploy", 0)),
		worker("w2", 0, 3, capability("review", 0)),
	}

	ranked := RankAll(task, candidates, nil)
	require.Len(t, ranked, 1)
	assert.Equal(t, "w1", ranked[0].Worker.ID)
}

func TestRankAllExcludesIneligible(t *testing.T) {
	task := &domain.Task{RequiredSkills: []string{"deploy"}}
	atCapacity := worker("w1", 3, 3, capability("deploy", 0))
	busy := worker("w2", 0, 3, capability("deploy", 0))
	busy.Status = domain.WorkerBusy

	assert.Empty(t, RankAll(task, []*domain.Worker{atCapacity, busy}, nil))
}

func TestScorePartialCoverage(t *testing.T) {
	task := &domain.Task{RequiredSkills: []string{"deploy", "review"}}
	w := worker("w1", 0, 4, capability("deploy", 0))

	ranked := RankAll(task, []*domain.Worker{w}, nil)
	require.Len(t, ranked, 1)
	// 0.5*40 coverage + 20 availability + 12.5 neutral history + 0 priority.
	assert.Equal(t, 52.5, ranked[0].Score)
	assert.Contains(t, ranked[0].Reasons, "Skill match: 1/2 (50%)")
	assert.Contains(t, ranked[0].Reasons, "No performance history (neutral score)")
}

func TestScoreUsesPerformanceHistory(t *testing.T) {
	task := &domain.Task{RequiredSkills: []string{"deploy"}}
	w := worker("w1", 0, 4, capability("deploy", 0))
	metrics := []*domain.PerformanceMetric{
		{WorkerID: "w1", Skill: "deploy", TasksCompleted: 3, TasksFailed: 1},
		{WorkerID: "w1", Skill: "review", TasksCompleted: 0, TasksFailed: 9}, // not required, ignored
		{WorkerID: "other", Skill: "deploy", TasksCompleted: 0, TasksFailed: 9},
	}

	ranked := RankAll(task, []*domain.Worker{w}, metrics)
	require.Len(t, ranked, 1)
	// 40 + 20 + 0.75*25 = 78.75
	assert.Equal(t, 78.75, ranked[0].Score)
	assert.Contains(t, ranked[0].Reasons, "Success rate: 75% (4 tasks)")
}

func TestScoreSkillPriorityBonus(t *testing.T) {
	task := &domain.Task{RequiredSkills: []string{"deploy", "review"}}
	w := worker("w1", 0, 4, capability("deploy", 10), capability("review", 5))

	ranked := RankAll(task, []*domain.Worker{w}, nil)
	require.Len(t, ranked, 1)
	// 40 + 20 + 12.5 + (15/20)*15 = 83.75
	assert.Equal(t, 83.75, ranked[0].Score)
	assert.Contains(t, ranked[0].Reasons, "Skill priority bonus: 15")
}

func TestUrgentIdleBoost(t *testing.T) {
	task := &domain.Task{RequiredSkills: []string{"deploy"}, Urgency: domain.UrgencyCritical}
	idle := worker("idle", 0, 3, capability("deploy", 0))
	busy := worker("busy", 1, 3, capability("deploy", 0))

	ranked := RankAll(task, []*domain.Worker{busy, idle}, nil)
	require.Len(t, ranked, 2)
	assert.Equal(t, "idle", ranked[0].Worker.ID)
	assert.Contains(t, ranked[0].Reasons, "Urgency boost: idle worker for critical task")

	// The idle worker leads by the flat +10 bonus plus the availability delta.
	delta := ranked[0].Score - ranked[1].Score
	assert.GreaterOrEqual(t, delta, 10.0)
	assert.Equal(t, 82.5, ranked[0].Score)  // 40 + 20 + 12.5 + 10
	assert.Equal(t, 65.83, ranked[1].Score) // 40 + 13.333 + 12.5, rounded
}

func TestNoUrgencyBoostWhenLoaded(t *testing.T) {
	task := &domain.Task{RequiredSkills: []string{"deploy"}, Urgency: domain.UrgencyCritical}
	w := worker("w1", 1, 4, capability("deploy", 0))

	ranked := RankAll(task, []*domain.Worker{w}, nil)
	require.Len(t, ranked, 1)
	assert.NotContains(t, ranked[0].Reasons, "Urgency boost: idle worker for critical task")
}

func TestTiesKeepInputOrder(t *testing.T) {
	task := &domain.Task{RequiredSkills: []string{"deploy"}}
	first := worker("first", 0, 3, capability("deploy", 0))
	second := worker("second", 0, 3, capability("deploy", 0))

	ranked := RankAll(task, []*domain.Worker{first, second}, nil)
	require.Len(t, ranked, 2)
	assert.Equal(t, "first", ranked[0].Worker.ID)

	m := FindBestMatch(task, []*domain.Worker{second, first}, nil)
	require.NotNil(t, m)
	assert.Equal(t, "second", m.Worker.ID)
}
