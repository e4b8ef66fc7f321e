package router

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskrouter/internal/adapter/store"
	"taskrouter/internal/domain"
	"taskrouter/internal/usecase/registry"
)

type dispatchCall struct {
	workerID string
	taskID   string
}

type callbackCall struct {
	url    string
	status domain.TaskStatus
}

type fakeNotifier struct {
	dispatches chan dispatchCall
	callbacks  chan callbackCall
}

func newFakeNotifier() *fakeNotifier {
	return &fakeNotifier{
		dispatches: make(chan dispatchCall, 16),
		callbacks:  make(chan callbackCall, 16),
	}
}

func (f *fakeNotifier) DispatchAssigned(ctx context.Context, worker *domain.Worker, task *domain.Task) error {
	f.dispatches <- dispatchCall{workerID: worker.ID, taskID: task.ID}
	return nil
}

func (f *fakeNotifier) DeliverCallback(ctx context.Context, url string, task *domain.Task) error {
	f.callbacks <- callbackCall{url: url, status: task.Status}
	return nil
}

func awaitCallback(t *testing.T, f *fakeNotifier) callbackCall {
	t.Helper()
	select {
	case c := <-f.callbacks:
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("no callback delivered")
		return callbackCall{}
	}
}

type fixture struct {
	db       *store.DB
	registry *registry.Registry
	router   *Router
	notifier *fakeNotifier
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "router.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	reg := registry.New(db.Workers, db.Metrics, logger)
	notifier := newFakeNotifier()
	return &fixture{
		db:       db,
		registry: reg,
		router:   New(db.Tasks, db.Decisions, reg, notifier, logger),
		notifier: notifier,
	}
}

func (f *fixture) registerWorker(t *testing.T, name string, maxConcurrent int, skills ...string) *domain.Worker {
	t.Helper()
	caps := make([]domain.Capability, 0, len(skills))
	for _, s := range skills {
		caps = append(caps, domain.Capability{Skill: s, Priority: 5})
	}
	w, err := f.registry.Register(context.Background(), domain.WorkerSpec{
		Name:          name,
		Capabilities:  caps,
		MaxConcurrent: maxConcurrent,
	})
	require.NoError(t, err)
	return w
}

func taskSpec(title string, skills ...string) domain.TaskSpec {
	return domain.TaskSpec{Title: title, RequiredSkills: skills}
}

func TestSubmitAssignsBestWorker(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	full := f.registerWorker(t, "full-match", 3, "code-review", "testing")
	f.registerWorker(t, "partial-match", 3, "code-review")

	res, err := f.router.Submit(ctx, taskSpec("review and test", "code-review", "testing"))
	require.NoError(t, err)

	assert.Equal(t, domain.OutcomeAssigned, res.Outcome)
	assert.Equal(t, full.ID, res.WorkerID)
	assert.Equal(t, "full-match", res.WorkerName)
	assert.Greater(t, res.Score, 0.0)
	assert.NotEmpty(t, res.Reasons)
	assert.Equal(t, domain.TaskAssigned, res.Task.Status)

	w, err := f.registry.Get(ctx, full.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, w.CurrentLoad)

	trail, err := f.router.Decisions(ctx, res.Task.ID)
	require.NoError(t, err)
	require.Len(t, trail, 1)
	assert.Equal(t, full.ID, trail[0].SelectedWorkerID)
	assert.Len(t, trail[0].Candidates, 2)
}

func TestSubmitWithNoEligibleWorkerStaysPending(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.registerWorker(t, "unrelated", 3, "deploy")

	res, err := f.router.Submit(ctx, taskSpec("review PR", "code-review"))
	require.NoError(t, err)

	assert.Equal(t, domain.OutcomePending, res.Outcome)
	assert.Equal(t, "No matching worker available", res.Reason)
	assert.Equal(t, domain.TaskPending, res.Task.Status)

	// The failed attempt still lands in the audit trail.
	trail, err := f.router.Decisions(ctx, res.Task.ID)
	require.NoError(t, err)
	require.Len(t, trail, 1)
	assert.Empty(t, trail[0].SelectedWorkerID)
	assert.Equal(t, "No matching worker available", trail[0].Reason)
}

func TestSubmitValidatesSpec(t *testing.T) {
	f := newFixture(t)

	_, err := f.router.Submit(context.Background(), domain.TaskSpec{})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestSubmitAppliesDefaults(t *testing.T) {
	f := newFixture(t)

	res, err := f.router.Submit(context.Background(), taskSpec("defaults"))
	require.NoError(t, err)

	task := res.Task
	assert.Equal(t, domain.UrgencyNormal, task.Urgency)
	assert.Equal(t, domain.DefaultTimeoutSeconds, task.TimeoutSeconds)
	assert.Equal(t, domain.DefaultMaxRetries, task.MaxRetries)
	assert.Contains(t, task.ID, "tsk_")
}

func TestRouteAlreadyRoutedIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	w := f.registerWorker(t, "alpha", 3, "code-review")
	res, err := f.router.Submit(ctx, taskSpec("review PR", "code-review"))
	require.NoError(t, err)
	require.Equal(t, domain.OutcomeAssigned, res.Outcome)

	again, err := f.router.Route(ctx, res.Task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeAlreadyRouted, again.Outcome)
	assert.Equal(t, w.ID, again.WorkerID)

	// No extra load and no extra decision.
	got, err := f.registry.Get(ctx, w.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.CurrentLoad)
	trail, err := f.router.Decisions(ctx, res.Task.ID)
	require.NoError(t, err)
	assert.Len(t, trail, 1)
}

func TestCompleteSuccessReleasesAndRecords(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	w := f.registerWorker(t, "alpha", 3, "code-review")
	res, err := f.router.Submit(ctx, taskSpec("review PR", "code-review"))
	require.NoError(t, err)

	done, err := f.router.Complete(ctx, res.Task.ID, domain.CompletionReport{
		Success: true,
		Result:  json.RawMessage(`{"approved":true}`),
	})
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeCompleted, done.Outcome)
	assert.Equal(t, domain.TaskCompleted, done.Task.Status)
	assert.JSONEq(t, `{"approved":true}`, string(done.Task.Result))

	got, err := f.registry.Get(ctx, w.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, got.CurrentLoad)

	metrics, err := f.registry.WorkerMetrics(ctx, w.ID)
	require.NoError(t, err)
	require.Len(t, metrics, 1)
	assert.Equal(t, "code-review", metrics[0].Skill)
	assert.Equal(t, 1, metrics[0].TasksCompleted)
}

func TestCompleteSuccessFiresCallback(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.registerWorker(t, "alpha", 3, "code-review")
	spec := taskSpec("review PR", "code-review")
	spec.CallbackURL = "https://hooks.example.com/done"
	res, err := f.router.Submit(ctx, spec)
	require.NoError(t, err)

	_, err = f.router.Complete(ctx, res.Task.ID, domain.CompletionReport{Success: true})
	require.NoError(t, err)

	c := awaitCallback(t, f.notifier)
	assert.Equal(t, "https://hooks.example.com/done", c.url)
	assert.Equal(t, domain.TaskCompleted, c.status)
}

func TestCompleteFailureRequeuesAndReroutes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.registerWorker(t, "alpha", 3, "code-review")
	res, err := f.router.Submit(ctx, taskSpec("review PR", "code-review"))
	require.NoError(t, err)

	retried, err := f.router.Complete(ctx, res.Task.ID, domain.CompletionReport{
		Success: false,
		Error:   "worker crashed",
	})
	require.NoError(t, err)

	// The failure requeued the task and the only worker won it again.
	assert.Equal(t, domain.OutcomeAssigned, retried.Outcome)
	assert.Equal(t, 1, retried.Task.RetryCount)
	assert.Equal(t, domain.TaskAssigned, retried.Task.Status)

	// One failed attempt is on the books.
	metrics, err := f.registry.WorkerMetrics(ctx, res.WorkerID)
	require.NoError(t, err)
	require.Len(t, metrics, 1)
	assert.Equal(t, 1, metrics[0].TasksFailed)
}

func TestCompleteFailureEscalatesAfterMaxRetries(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	w := f.registerWorker(t, "alpha", 3, "code-review")

	zero := 0
	spec := domain.TaskSpec{
		Title:          "review PR",
		RequiredSkills: []string{"code-review"},
		MaxRetries:     &zero,
		CallbackURL:    "https://hooks.example.com/done",
	}
	res, err := f.router.Submit(ctx, spec)
	require.NoError(t, err)

	esc, err := f.router.Complete(ctx, res.Task.ID, domain.CompletionReport{Success: false, Error: "boom"})
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeEscalated, esc.Outcome)
	assert.Equal(t, domain.TaskEscalated, esc.Task.Status)
	assert.Equal(t, "Max retries exceeded", esc.Reason)

	got, err := f.registry.Get(ctx, w.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, got.CurrentLoad)

	c := awaitCallback(t, f.notifier)
	assert.Equal(t, domain.TaskEscalated, c.status)
}

func TestCompleteRejectsNonAssignedTask(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// No workers, so the submitted task stays pending.
	res, err := f.router.Submit(ctx, taskSpec("review PR", "code-review"))
	require.NoError(t, err)
	require.Equal(t, domain.OutcomePending, res.Outcome)

	_, err = f.router.Complete(ctx, res.Task.ID, domain.CompletionReport{Success: true})
	assert.ErrorIs(t, err, domain.ErrConflict)

	_, err = f.router.Complete(ctx, "tsk_missing", domain.CompletionReport{Success: true})
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestRoutePendingPrefersUrgentTasks(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	w := f.registerWorker(t, "alpha", 1, "deploy")
	_, err := f.registry.SetStatus(ctx, w.ID, domain.WorkerOffline)
	require.NoError(t, err)

	low := taskSpec("low prio", "deploy")
	low.Urgency = domain.UrgencyLow
	lowRes, err := f.router.Submit(ctx, low)
	require.NoError(t, err)
	require.Equal(t, domain.OutcomePending, lowRes.Outcome)

	crit := taskSpec("critical fix", "deploy")
	crit.Urgency = domain.UrgencyCritical
	critRes, err := f.router.Submit(ctx, crit)
	require.NoError(t, err)
	require.Equal(t, domain.OutcomePending, critRes.Outcome)

	_, err = f.registry.SetStatus(ctx, w.ID, domain.WorkerAvailable)
	require.NoError(t, err)

	results, err := f.router.RoutePending(ctx)
	require.NoError(t, err)
	require.Len(t, results, 2)

	// Single slot: the critical task wins it despite being newer.
	assert.Equal(t, critRes.Task.ID, results[0].Task.ID)
	assert.Equal(t, domain.OutcomeAssigned, results[0].Outcome)
	assert.Equal(t, domain.OutcomePending, results[1].Outcome)
}

func TestCheckTimeoutsRequeuesExpiredTask(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	w := f.registerWorker(t, "alpha", 3, "code-review")

	// An assignment whose deadline has long passed.
	created := time.Now().UTC().Add(-2 * time.Hour)
	task := &domain.Task{
		ID:             "tsk_expired",
		Title:          "stuck review",
		RequiredSkills: []string{"code-review"},
		Urgency:        domain.UrgencyNormal,
		TimeoutSeconds: 60,
		MaxRetries:     2,
		Status:         domain.TaskAssigned,
		AssignedTo:     w.ID,
		CreatedAt:      created,
		UpdatedAt:      created,
	}
	require.NoError(t, f.db.Tasks.Insert(ctx, task))
	require.NoError(t, f.registry.Claim(ctx, w.ID))

	results, err := f.router.CheckTimeouts(ctx)
	require.NoError(t, err)
	require.Len(t, results, 1)

	// Reclaimed, retried, and re-assigned to the still-available worker.
	assert.Equal(t, domain.OutcomeAssigned, results[0].Outcome)
	assert.Equal(t, 1, results[0].Task.RetryCount)

	metrics, err := f.registry.WorkerMetrics(ctx, w.ID)
	require.NoError(t, err)
	require.Len(t, metrics, 1)
	assert.Equal(t, 1, metrics[0].TasksFailed)
}

func TestCheckTimeoutsEscalatesExhaustedTask(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	w := f.registerWorker(t, "alpha", 3, "code-review")

	created := time.Now().UTC().Add(-2 * time.Hour)
	task := &domain.Task{
		ID:             "tsk_expired",
		Title:          "stuck review",
		RequiredSkills: []string{"code-review"},
		Urgency:        domain.UrgencyNormal,
		TimeoutSeconds: 60,
		MaxRetries:     1,
		RetryCount:     1,
		Status:         domain.TaskInProgress,
		AssignedTo:     w.ID,
		CreatedAt:      created,
		UpdatedAt:      created,
	}
	require.NoError(t, f.db.Tasks.Insert(ctx, task))
	require.NoError(t, f.registry.Claim(ctx, w.ID))

	results, err := f.router.CheckTimeouts(ctx)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, domain.OutcomeEscalated, results[0].Outcome)

	got, err := f.router.GetTask(ctx, "tsk_expired")
	require.NoError(t, err)
	assert.Equal(t, domain.TaskEscalated, got.Status)

	released, err := f.registry.Get(ctx, w.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, released.CurrentLoad)
}

func TestStatsAggregates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.registerWorker(t, "alpha", 3, "code-review")
	offline := f.registerWorker(t, "bravo", 3, "deploy")
	_, err := f.registry.SetStatus(ctx, offline.ID, domain.WorkerOffline)
	require.NoError(t, err)

	assigned, err := f.router.Submit(ctx, taskSpec("review PR", "code-review"))
	require.NoError(t, err)
	require.Equal(t, domain.OutcomeAssigned, assigned.Outcome)

	pending, err := f.router.Submit(ctx, taskSpec("deploy it", "deploy"))
	require.NoError(t, err)
	require.Equal(t, domain.OutcomePending, pending.Outcome)

	stats, err := f.router.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Workers.Total)
	assert.Equal(t, 1, stats.Workers.Available)
	assert.Equal(t, 1, stats.Workers.Offline)
	assert.Equal(t, 2, stats.Tasks.Total)
	assert.Equal(t, 1, stats.Tasks.Pending)
	assert.Equal(t, 1, stats.Tasks.Assigned)
	assert.Equal(t, 2, stats.Decisions)
}

func TestListTasksFiltersByStatus(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.registerWorker(t, "alpha", 3, "code-review")
	assigned, err := f.router.Submit(ctx, taskSpec("review PR", "code-review"))
	require.NoError(t, err)
	_, err = f.router.Submit(ctx, taskSpec("deploy it", "deploy"))
	require.NoError(t, err)

	got, err := f.router.ListTasks(ctx, domain.TaskFilter{Status: domain.TaskAssigned})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, assigned.Task.ID, got[0].ID)
}
