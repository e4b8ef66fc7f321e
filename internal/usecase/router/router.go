// Package router owns task identity and the task lifecycle state machine:
// submission, matching, assignment, completion, retries, timeouts, and
// escalation. It is the only writer of task status, performance metrics, and
// routing decisions.
package router

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel/trace"

	"taskrouter/internal/domain"
	"taskrouter/internal/infra/tracer"
	"taskrouter/internal/usecase/matcher"
	"taskrouter/internal/usecase/registry"
)

const (
	// claimAttempts bounds re-scoring when a guarded worker claim loses a
	// race: each miss re-reads a fresh candidate snapshot instead of
	// retrying the same stale pick.
	claimAttempts = 3

	// notifyTimeout bounds each fire-and-forget outbound notification.
	notifyTimeout = 15 * time.Second

	reasonNoMatch = "No matching worker available"
)

// Router drives tasks through their lifecycle. All public operations are
// short-lived units of work safe for concurrent callers; cross-call safety
// rests on the store's atomic load updates and status-gated transitions.
type Router struct {
	tasks     domain.TaskStore
	decisions domain.DecisionStore
	registry  *registry.Registry
	notifier  domain.Notifier
	logger    *slog.Logger
	now       func() time.Time
}

// New creates a Router. notifier may be nil to disable outbound dispatch.
func New(tasks domain.TaskStore, decisions domain.DecisionStore, reg *registry.Registry, notifier domain.Notifier, logger *slog.Logger) *Router {
	return &Router{
		tasks:     tasks,
		decisions: decisions,
		registry:  reg,
		notifier:  notifier,
		logger:    logger,
		now:       time.Now,
	}
}

// Submit persists a new pending task and immediately attempts to route it.
func (r *Router) Submit(ctx context.Context, spec domain.TaskSpec) (*domain.RoutingResult, error) {
	ctx, span := tracer.StartSpan(ctx, "router.submit")
	defer span.End()

	if err := spec.Validate(); err != nil {
		tracer.RecordError(span, err)
		return nil, err
	}

	urgency := spec.Urgency
	if urgency == "" {
		urgency = domain.UrgencyNormal
	}
	timeout := spec.TimeoutSeconds
	if timeout == 0 {
		timeout = domain.DefaultTimeoutSeconds
	}
	maxRetries := domain.DefaultMaxRetries
	if spec.MaxRetries != nil {
		maxRetries = *spec.MaxRetries
	}

	now := r.now().UTC()
	task := &domain.Task{
		ID:             newID("tsk"),
		Title:          strings.TrimSpace(spec.Title),
		Description:    spec.Description,
		RequiredSkills: normalizeSkills(spec.RequiredSkills),
		Urgency:        urgency,
		TimeoutSeconds: timeout,
		MaxRetries:     maxRetries,
		CallbackURL:    spec.CallbackURL,
		Status:         domain.TaskPending,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := r.tasks.Insert(ctx, task); err != nil {
		tracer.RecordError(span, err)
		return nil, domain.WrapOp("router: submit", err)
	}
	r.logger.Info("task submitted",
		"task_id", task.ID,
		"title", task.Title,
		"urgency", task.Urgency,
		"required_skills", task.RequiredSkills,
	)
	return r.Route(ctx, task.ID)
}

// Route assigns a pending task to the best-matching worker. Tasks that are
// no longer pending return OutcomeAlreadyRouted without touching any load
// counter or decision log. A routing attempt that finds no eligible worker
// is not an error: the task stays pending and the attempt is still recorded
// in the decision audit trail.
func (r *Router) Route(ctx context.Context, taskID string) (*domain.RoutingResult, error) {
	ctx, span := tracer.StartSpan(ctx, "router.route",
		trace.WithAttributes(tracer.StringAttr("task.id", taskID)))
	defer span.End()

	task, err := r.tasks.Get(ctx, taskID)
	if err != nil {
		tracer.RecordError(span, err)
		return nil, err
	}
	if task.Status != domain.TaskPending {
		return &domain.RoutingResult{
			Task:     task,
			Outcome:  domain.OutcomeAlreadyRouted,
			WorkerID: task.AssignedTo,
		}, nil
	}

	for attempt := 0; attempt < claimAttempts; attempt++ {
		candidates, err := r.registry.List(ctx, "")
		if err != nil {
			tracer.RecordError(span, err)
			return nil, domain.WrapOp("router: route", err)
		}
		metrics, err := r.registry.AllMetrics(ctx)
		if err != nil {
			tracer.RecordError(span, err)
			return nil, domain.WrapOp("router: route", err)
		}

		match := matcher.FindBestMatch(task, candidates, metrics)
		if match == nil {
			if err := r.logDecision(ctx, task.ID, nil, nil, reasonNoMatch); err != nil {
				tracer.RecordError(span, err)
				return nil, err
			}
			r.logger.Info("no match for task", "task_id", task.ID, "candidates", len(candidates))
			return &domain.RoutingResult{
				Task:    task,
				Outcome: domain.OutcomePending,
				Reason:  reasonNoMatch,
			}, nil
		}

		// Claim the worker with a guarded update so over-subscription
		// stays bounded: losing the race re-scores a fresh snapshot.
		if err := r.registry.Claim(ctx, match.Worker.ID); err != nil {
			if errors.Is(err, domain.ErrWorkerBusy) || errors.Is(err, domain.ErrNotFound) {
				r.logger.Debug("worker claim lost, re-scoring",
					"task_id", task.ID, "worker_id", match.Worker.ID, "attempt", attempt+1)
				continue
			}
			tracer.RecordError(span, err)
			return nil, domain.WrapOp("router: claim worker", err)
		}

		task.Status = domain.TaskAssigned
		task.AssignedTo = match.Worker.ID
		task.UpdatedAt = r.now().UTC()
		if err := r.tasks.UpdateIf(ctx, task, domain.TaskPending); err != nil {
			// Released either way: the claim slot belongs to whichever
			// path won the task.
			if relErr := r.registry.AdjustLoad(ctx, match.Worker.ID, -1); relErr != nil {
				r.logger.Error("release after lost assignment failed",
					"worker_id", match.Worker.ID, "error", relErr)
			}
			if errors.Is(err, domain.ErrConflict) {
				current, getErr := r.tasks.Get(ctx, taskID)
				if getErr != nil {
					return nil, getErr
				}
				return &domain.RoutingResult{
					Task:     current,
					Outcome:  domain.OutcomeAlreadyRouted,
					WorkerID: current.AssignedTo,
				}, nil
			}
			tracer.RecordError(span, err)
			return nil, domain.WrapOp("router: assign", err)
		}

		if err := r.logDecision(ctx, task.ID, match, matcher.RankAll(task, candidates, metrics), ""); err != nil {
			tracer.RecordError(span, err)
			return nil, err
		}

		r.logger.Info("task assigned",
			"task_id", task.ID,
			"worker_id", match.Worker.ID,
			"worker_name", match.Worker.Name,
			"score", match.Score,
		)
		span.SetAttributes(
			tracer.StringAttr("worker.id", match.Worker.ID),
			tracer.IntAttr("routing.attempt", attempt+1),
		)
		tracer.SetOK(span)

		if match.Worker.Endpoint != "" {
			r.notifyAsync("dispatch", func(nctx context.Context) error {
				return r.notifier.DispatchAssigned(nctx, match.Worker, task)
			}, "task_id", task.ID, "worker_id", match.Worker.ID)
		}

		return &domain.RoutingResult{
			Task:       task,
			Outcome:    domain.OutcomeAssigned,
			WorkerID:   match.Worker.ID,
			WorkerName: match.Worker.Name,
			Score:      match.Score,
			Reasons:    match.Reasons,
		}, nil
	}

	// Every snapshot's best pick was claimed out from under us. Leave the
	// task pending for the next sweep.
	const reason = "Eligible workers claimed concurrently"
	if err := r.logDecision(ctx, task.ID, nil, nil, reason); err != nil {
		tracer.RecordError(span, err)
		return nil, err
	}
	return &domain.RoutingResult{
		Task:    task,
		Outcome: domain.OutcomePending,
		Reason:  reason,
	}, nil
}

// Complete reports a task's outcome. Success finalizes the task; failure
// either requeues it for an immediate re-route or escalates it once retries
// are exhausted. Either way the assigned worker's load is released and its
// per-skill performance metrics absorb the attempt.
func (r *Router) Complete(ctx context.Context, taskID string, report domain.CompletionReport) (*domain.RoutingResult, error) {
	ctx, span := tracer.StartSpan(ctx, "router.complete",
		trace.WithAttributes(
			tracer.StringAttr("task.id", taskID),
			tracer.BoolAttr("report.success", report.Success),
		))
	defer span.End()

	task, err := r.tasks.Get(ctx, taskID)
	if err != nil {
		tracer.RecordError(span, err)
		return nil, err
	}
	if task.Status != domain.TaskAssigned && task.Status != domain.TaskInProgress {
		err := domain.NewDomainError("Router.Complete", domain.ErrConflict,
			"task is "+string(task.Status)+", expected assigned or in_progress")
		tracer.RecordError(span, err)
		return nil, err
	}

	if !report.Success {
		return r.failAssigned(ctx, task, report.Error)
	}

	prev := task.Status
	task.Status = domain.TaskCompleted
	task.Result = report.Result
	task.UpdatedAt = r.now().UTC()
	if err := r.tasks.UpdateIf(ctx, task, prev); err != nil {
		tracer.RecordError(span, err)
		return nil, domain.WrapOp("router: complete", err)
	}

	r.releaseAndRecord(ctx, task, true)
	r.logger.Info("task completed", "task_id", task.ID, "worker_id", task.AssignedTo)

	if task.CallbackURL != "" {
		r.fireCallback(task)
	}
	return &domain.RoutingResult{Task: task, Outcome: domain.OutcomeCompleted}, nil
}

// RoutePending routes every pending task, most urgent first, oldest first
// within an urgency. Safe to call repeatedly: tasks routed by the time they
// are reached come back as already_routed and are left alone.
func (r *Router) RoutePending(ctx context.Context) ([]*domain.RoutingResult, error) {
	ctx, span := tracer.StartSpan(ctx, "router.route_pending")
	defer span.End()

	ids, err := r.tasks.ListPending(ctx)
	if err != nil {
		tracer.RecordError(span, err)
		return nil, domain.WrapOp("router: route pending", err)
	}

	results := make([]*domain.RoutingResult, 0, len(ids))
	for _, id := range ids {
		res, err := r.Route(ctx, id)
		if err != nil {
			tracer.RecordError(span, err)
			return results, err
		}
		results = append(results, res)
	}
	span.SetAttributes(tracer.IntAttr("routing.pending", len(ids)))
	return results, nil
}

// CheckTimeouts reclaims assigned or in_progress tasks whose deadline has
// passed. A timeout is an implicit failure: each reclaimed task goes through
// the same retry-or-escalate branch as Complete with success=false.
func (r *Router) CheckTimeouts(ctx context.Context) ([]*domain.RoutingResult, error) {
	ctx, span := tracer.StartSpan(ctx, "router.check_timeouts")
	defer span.End()

	timedOut, err := r.tasks.ListTimedOut(ctx)
	if err != nil {
		tracer.RecordError(span, err)
		return nil, domain.WrapOp("router: check timeouts", err)
	}

	results := make([]*domain.RoutingResult, 0, len(timedOut))
	for _, task := range timedOut {
		r.logger.Warn("task timed out",
			"task_id", task.ID,
			"worker_id", task.AssignedTo,
			"timeout_seconds", task.TimeoutSeconds,
		)
		res, err := r.failAssigned(ctx, task, "timed out")
		if err != nil {
			if errors.Is(err, domain.ErrConflict) {
				// Completed or reclaimed concurrently; nothing to do.
				continue
			}
			tracer.RecordError(span, err)
			return results, err
		}
		results = append(results, res)
	}
	span.SetAttributes(tracer.IntAttr("routing.timed_out", len(timedOut)))
	return results, nil
}

// GetTask returns a task by ID.
func (r *Router) GetTask(ctx context.Context, id string) (*domain.Task, error) {
	return r.tasks.Get(ctx, id)
}

// ListTasks returns tasks matching the filter, newest first.
func (r *Router) ListTasks(ctx context.Context, f domain.TaskFilter) ([]*domain.Task, error) {
	return r.tasks.List(ctx, f)
}

// Decisions returns the audit trail of routing attempts for one task.
func (r *Router) Decisions(ctx context.Context, taskID string) ([]*domain.RoutingDecision, error) {
	return r.decisions.ListForTask(ctx, taskID)
}

// Stats returns aggregate worker, task, and decision counts.
func (r *Router) Stats(ctx context.Context) (*domain.RoutingStats, error) {
	workers, err := r.registry.List(ctx, "")
	if err != nil {
		return nil, domain.WrapOp("router: stats", err)
	}
	wc := domain.WorkerCounts{Total: len(workers)}
	for _, w := range workers {
		switch w.Status {
		case domain.WorkerAvailable:
			wc.Available++
		case domain.WorkerBusy:
			wc.Busy++
		case domain.WorkerOffline:
			wc.Offline++
		}
	}
	tc, err := r.tasks.CountByStatus(ctx)
	if err != nil {
		return nil, domain.WrapOp("router: stats", err)
	}
	decisions, err := r.decisions.Count(ctx)
	if err != nil {
		return nil, domain.WrapOp("router: stats", err)
	}
	return &domain.RoutingStats{Workers: wc, Tasks: tc, Decisions: decisions}, nil
}

// failAssigned is the shared failure branch for Complete(success=false) and
// CheckTimeouts, so both produce identical outcomes: requeue-and-reroute
// while retries remain, escalate once they are exhausted. The status
// transition is the gate; ErrConflict means another path already moved the
// task.
func (r *Router) failAssigned(ctx context.Context, task *domain.Task, cause string) (*domain.RoutingResult, error) {
	prev := task.Status
	assignedTo := task.AssignedTo

	if task.RetryCount < task.MaxRetries {
		task.Status = domain.TaskPending
		task.AssignedTo = ""
		task.RetryCount++
		task.UpdatedAt = r.now().UTC()
		if err := r.tasks.UpdateIf(ctx, task, prev); err != nil {
			return nil, domain.WrapOp("router: requeue", err)
		}
		r.releaseAndRecordFor(ctx, task, assignedTo, false)
		r.logger.Info("task requeued for retry",
			"task_id", task.ID,
			"retry", task.RetryCount,
			"max_retries", task.MaxRetries,
			"cause", cause,
		)
		return r.Route(ctx, task.ID)
	}

	task.Status = domain.TaskEscalated
	task.UpdatedAt = r.now().UTC()
	if err := r.tasks.UpdateIf(ctx, task, prev); err != nil {
		return nil, domain.WrapOp("router: escalate", err)
	}
	r.releaseAndRecordFor(ctx, task, assignedTo, false)
	r.logger.Warn("task escalated",
		"task_id", task.ID,
		"retries", task.RetryCount,
		"cause", cause,
	)
	if task.CallbackURL != "" {
		r.fireCallback(task)
	}
	return &domain.RoutingResult{
		Task:    task,
		Outcome: domain.OutcomeEscalated,
		Reason:  "Max retries exceeded",
	}, nil
}

func (r *Router) releaseAndRecord(ctx context.Context, task *domain.Task, success bool) {
	r.releaseAndRecordFor(ctx, task, task.AssignedTo, success)
}

// releaseAndRecordFor releases one load slot on the worker and folds the
// attempt into its per-skill metrics, using wall-clock time since task
// creation as the duration. Failures here are logged, not propagated: the
// task transition already committed and must stand.
func (r *Router) releaseAndRecordFor(ctx context.Context, task *domain.Task, workerID string, success bool) {
	if workerID == "" {
		return
	}
	if err := r.registry.AdjustLoad(ctx, workerID, -1); err != nil {
		r.logger.Error("load release failed", "worker_id", workerID, "error", err)
	}
	durationMS := r.now().Sub(task.CreatedAt).Milliseconds()
	for _, skill := range task.RequiredSkills {
		if err := r.registry.RecordOutcome(ctx, workerID, skill, success, durationMS); err != nil {
			r.logger.Error("metric update failed",
				"worker_id", workerID, "skill", skill, "error", err)
		}
	}
}

// logDecision appends one audit record for a routing attempt. match is nil
// for no-match attempts. Decision writes are part of the routing operation's
// durability contract, so failures propagate.
func (r *Router) logDecision(ctx context.Context, taskID string, match *matcher.Match, ranked []matcher.Match, reason string) error {
	d := &domain.RoutingDecision{
		ID:        newID("dec"),
		TaskID:    taskID,
		Reason:    reason,
		CreatedAt: r.now().UTC(),
	}
	if match != nil {
		d.SelectedWorkerID = match.Worker.ID
		d.SelectedScore = match.Score
		d.Reason = strings.Join(match.Reasons, "; ")
	}
	d.Candidates = make([]domain.RankedCandidate, len(ranked))
	for i, m := range ranked {
		d.Candidates[i] = domain.RankedCandidate{
			WorkerID: m.Worker.ID,
			Score:    m.Score,
			Reasons:  m.Reasons,
		}
	}
	if err := r.decisions.Insert(ctx, d); err != nil {
		return domain.WrapOp("router: log decision", err)
	}
	return nil
}

// fireCallback posts the final task record to the task's callback URL.
func (r *Router) fireCallback(task *domain.Task) {
	url := task.CallbackURL
	r.notifyAsync("callback", func(nctx context.Context) error {
		return r.notifier.DeliverCallback(nctx, url, task)
	}, "task_id", task.ID, "status", string(task.Status))
}

// notifyAsync runs one best-effort notification in the background, detached
// from the caller's transaction and context. One attempt, errors only
// logged; a notification failure never unwinds the state transition that
// triggered it.
func (r *Router) notifyAsync(kind string, fn func(ctx context.Context) error, logArgs ...any) {
	if r.notifier == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), notifyTimeout)
		defer cancel()
		if err := fn(ctx); err != nil {
			r.logger.Warn(kind+" notification failed", append(logArgs, "error", err)...)
			return
		}
		r.logger.Debug(kind+" notification delivered", logArgs...)
	}()
}

func normalizeSkills(skills []string) []string {
	out := make([]string, 0, len(skills))
	seen := make(map[string]bool, len(skills))
	for _, s := range skills {
		s = strings.TrimSpace(s)
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}

// newID returns a prefixed ULID, e.g. "tsk_01J8...".
func newID(prefix string) string {
	t := time.Now()
	entropy := ulid.Monotonic(rand.New(rand.NewSource(t.UnixNano())), 0)
	return prefix + "_" + ulid.MustNew(ulid.Timestamp(t), entropy).String()
}
