package domain

import "context"

// WorkerStore persists workers. Implementations must make AdjustLoad and
// Claim atomic at the storage layer, never read-modify-write in application
// code.
type WorkerStore interface {
	// Upsert inserts the worker or, when the ID exists, replaces name,
	// capabilities, max_concurrent and endpoint wholesale while leaving
	// status and current_load untouched.
	Upsert(ctx context.Context, w *Worker) (*Worker, error)
	Get(ctx context.Context, id string) (*Worker, error)
	// List returns workers ordered by name. An empty status means all.
	List(ctx context.Context, status WorkerStatus) ([]*Worker, error)
	SetStatus(ctx context.Context, id string, status WorkerStatus) (*Worker, error)
	// Delete removes the worker only while its current_load is zero;
	// returns ErrWorkerBusy otherwise.
	Delete(ctx context.Context, id string) (*Worker, error)
	// AdjustLoad atomically applies delta to current_load, clamped at 0.
	AdjustLoad(ctx context.Context, id string, delta int) error
	// Claim atomically increments current_load only while the worker is
	// available and under capacity. Returns ErrWorkerBusy when the guard
	// fails, ErrNotFound when the worker does not exist.
	Claim(ctx context.Context, id string) error
}

// TaskStore persists tasks.
type TaskStore interface {
	Insert(ctx context.Context, t *Task) error
	Get(ctx context.Context, id string) (*Task, error)
	List(ctx context.Context, f TaskFilter) ([]*Task, error)
	// ListPending returns pending task IDs ordered by urgency rank
	// (critical first) then creation time ascending.
	ListPending(ctx context.Context) ([]string, error)
	// ListTimedOut returns assigned/in_progress tasks whose deadline
	// (created_at + timeout_seconds) is before now.
	ListTimedOut(ctx context.Context) ([]*Task, error)
	// Update persists the task's mutable fields unconditionally.
	Update(ctx context.Context, t *Task) error
	// UpdateIf persists the task's mutable fields only while the stored
	// status still equals expect. Returns ErrConflict when the gate fails.
	UpdateIf(ctx context.Context, t *Task, expect TaskStatus) error
	CountByStatus(ctx context.Context) (TaskCounts, error)
}

// MetricStore persists per-(worker, skill) performance metrics.
type MetricStore interface {
	// RecordOutcome upserts the metric row: increments the completed or
	// failed counter and folds durationMS into the incremental weighted
	// average over all attempts for the pair.
	RecordOutcome(ctx context.Context, workerID, skill string, success bool, durationMS int64) error
	// All returns the full snapshot, pre-fetched once per routing pass.
	All(ctx context.Context) ([]*PerformanceMetric, error)
	ForWorker(ctx context.Context, workerID string) ([]*PerformanceMetric, error)
}

// DecisionStore persists append-only routing decisions.
type DecisionStore interface {
	Insert(ctx context.Context, d *RoutingDecision) error
	ListForTask(ctx context.Context, taskID string) ([]*RoutingDecision, error)
	Count(ctx context.Context) (int, error)
}

// Notifier delivers best-effort outbound notifications. Implementations make
// at most one attempt per call and must validate destination URLs before any
// network I/O. Errors are informational; callers log and move on.
type Notifier interface {
	// DispatchAssigned tells a worker's declared endpoint about a task it
	// was just assigned.
	DispatchAssigned(ctx context.Context, worker *Worker, task *Task) error
	// DeliverCallback posts the final task record to the task's callback
	// URL on a terminal transition.
	DeliverCallback(ctx context.Context, url string, task *Task) error
}
