// Package registry is the source of truth for worker identity, capability
// declarations, status, and load.
package registry

import (
	"context"
	"log/slog"
	"math/rand"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"taskrouter/internal/domain"
)

// Registry owns worker records and per-worker performance metrics.
type Registry struct {
	workers domain.WorkerStore
	metrics domain.MetricStore
	logger  *slog.Logger
}

// New creates a Registry.
func New(workers domain.WorkerStore, metrics domain.MetricStore, logger *slog.Logger) *Registry {
	return &Registry{workers: workers, metrics: metrics, logger: logger}
}

// Register upserts a worker by ID, generating one when absent. An existing
// worker's name, capabilities, max_concurrent and endpoint are replaced
// wholesale; its status and current load are left untouched. Re-registering
// is not an error.
func (r *Registry) Register(ctx context.Context, spec domain.WorkerSpec) (*domain.Worker, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}

	maxConcurrent := spec.MaxConcurrent
	if maxConcurrent == 0 {
		maxConcurrent = domain.DefaultMaxConcurrent
	}
	w := &domain.Worker{
		ID:            spec.ID,
		Name:          strings.TrimSpace(spec.Name),
		Capabilities:  domain.NormalizeCapabilities(spec.Capabilities),
		Status:        domain.WorkerAvailable, // applied only on first creation
		MaxConcurrent: maxConcurrent,
		Endpoint:      spec.Endpoint,
	}
	if w.ID == "" {
		w.ID = newID("wkr")
	}

	stored, err := r.workers.Upsert(ctx, w)
	if err != nil {
		return nil, domain.WrapOp("registry: register", err)
	}
	r.logger.Info("worker registered",
		"worker_id", stored.ID,
		"name", stored.Name,
		"skills", len(stored.Capabilities),
		"max_concurrent", stored.MaxConcurrent,
	)
	return stored, nil
}

// Get returns the worker for the given ID, or ErrNotFound.
func (r *Registry) Get(ctx context.Context, id string) (*domain.Worker, error) {
	return r.workers.Get(ctx, id)
}

// List returns workers ordered by name. An empty status means all workers.
func (r *Registry) List(ctx context.Context, status domain.WorkerStatus) ([]*domain.Worker, error) {
	if status != "" && !domain.ValidWorkerStatus(status) {
		return nil, domain.NewDomainError("Registry.List", domain.ErrInvalidInput, "unknown status "+string(status))
	}
	return r.workers.List(ctx, status)
}

// SetStatus transitions a worker's status with no side effects on load.
func (r *Registry) SetStatus(ctx context.Context, id string, status domain.WorkerStatus) (*domain.Worker, error) {
	if !domain.ValidWorkerStatus(status) {
		return nil, domain.NewDomainError("Registry.SetStatus", domain.ErrInvalidInput, "unknown status "+string(status))
	}
	w, err := r.workers.SetStatus(ctx, id, status)
	if err != nil {
		return nil, err
	}
	r.logger.Info("worker status changed", "worker_id", id, "status", status)
	return w, nil
}

// Unregister removes a worker. A worker still carrying assigned tasks
// (current_load > 0) is refused with ErrWorkerBusy so that no task is left
// pointing at a worker that no longer exists.
func (r *Registry) Unregister(ctx context.Context, id string) (*domain.Worker, error) {
	w, err := r.workers.Delete(ctx, id)
	if err != nil {
		return nil, err
	}
	r.logger.Info("worker unregistered", "worker_id", id, "name", w.Name)
	return w, nil
}

// AdjustLoad atomically applies delta to the worker's current load, clamped
// at zero. The atomicity lives in the store; this never reads-then-writes.
func (r *Registry) AdjustLoad(ctx context.Context, id string, delta int) error {
	return r.workers.AdjustLoad(ctx, id, delta)
}

// Claim atomically takes one load slot on the worker, failing with
// ErrWorkerBusy when the worker is at capacity or no longer available at
// write time.
func (r *Registry) Claim(ctx context.Context, id string) error {
	return r.workers.Claim(ctx, id)
}

// RecordOutcome folds one task outcome into the (worker, skill) metric row,
// creating it lazily on first use.
func (r *Registry) RecordOutcome(ctx context.Context, workerID, skill string, success bool, durationMS int64) error {
	if err := r.metrics.RecordOutcome(ctx, workerID, skill, success, durationMS); err != nil {
		return domain.WrapOp("registry: record outcome", err)
	}
	r.logger.Debug("outcome recorded",
		"worker_id", workerID,
		"skill", skill,
		"success", success,
		"duration_ms", durationMS,
	)
	return nil
}

// AllMetrics returns the full metric snapshot, pre-fetched once per routing
// pass so scoring cost stays bounded.
func (r *Registry) AllMetrics(ctx context.Context) ([]*domain.PerformanceMetric, error) {
	return r.metrics.All(ctx)
}

// WorkerMetrics returns one worker's metric rows.
func (r *Registry) WorkerMetrics(ctx context.Context, workerID string) ([]*domain.PerformanceMetric, error) {
	if _, err := r.workers.Get(ctx, workerID); err != nil {
		return nil, err
	}
	return r.metrics.ForWorker(ctx, workerID)
}

// newID returns a prefixed ULID, e.g. "wkr_01J8...".
func newID(prefix string) string {
	t := time.Now()
	entropy := ulid.Monotonic(rand.New(rand.NewSource(t.UnixNano())), 0)
	return prefix + "_" + ulid.MustNew(ulid.Timestamp(t), entropy).String()
}
