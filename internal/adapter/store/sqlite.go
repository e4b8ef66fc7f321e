// Package store implements the routing engine's persistence interfaces on
// SQLite. A single database file backs workers, tasks, metrics, and the
// decision audit log; each interface gets its own store type sharing the
// connection. Load mutations run as atomic single-statement updates so
// concurrent routing passes never lose increments.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"taskrouter/internal/domain"
)

// DB owns the SQLite handle and exposes the per-entity stores.
type DB struct {
	db *sql.DB

	Workers   *Workers
	Tasks     *Tasks
	Metrics   *Metrics
	Decisions *Decisions
}

// Open opens (or creates) the SQLite database at path and runs the schema
// migration. Use ":memory:" for an ephemeral database.
func Open(path string) (*DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open routing db: %w", err)
	}

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("set pragma: %w", err)
		}
	}

	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate routing db: %w", err)
	}
	return &DB{
		db:        db,
		Workers:   &Workers{db: db},
		Tasks:     &Tasks{db: db},
		Metrics:   &Metrics{db: db},
		Decisions: &Decisions{db: db},
	}, nil
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS workers (
			id             TEXT PRIMARY KEY,
			name           TEXT NOT NULL,
			capabilities   TEXT NOT NULL DEFAULT '[]',
			status         TEXT NOT NULL DEFAULT 'available',
			max_concurrent INTEGER NOT NULL DEFAULT 3,
			current_load   INTEGER NOT NULL DEFAULT 0,
			endpoint       TEXT NOT NULL DEFAULT '',
			created_at     TEXT NOT NULL,
			updated_at     TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS tasks (
			id              TEXT PRIMARY KEY,
			title           TEXT NOT NULL,
			description     TEXT NOT NULL DEFAULT '',
			required_skills TEXT NOT NULL DEFAULT '[]',
			urgency         TEXT NOT NULL DEFAULT 'normal',
			timeout_seconds INTEGER NOT NULL,
			max_retries     INTEGER NOT NULL,
			retry_count     INTEGER NOT NULL DEFAULT 0,
			callback_url    TEXT NOT NULL DEFAULT '',
			status          TEXT NOT NULL DEFAULT 'pending',
			assigned_to     TEXT NOT NULL DEFAULT '',
			result          TEXT,
			created_at      TEXT NOT NULL,
			updated_at      TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);

		CREATE TABLE IF NOT EXISTS metrics (
			worker_id         TEXT NOT NULL,
			skill             TEXT NOT NULL,
			tasks_completed   INTEGER NOT NULL DEFAULT 0,
			tasks_failed      INTEGER NOT NULL DEFAULT 0,
			avg_duration_ms   REAL NOT NULL DEFAULT 0,
			last_completed_at TEXT NOT NULL,
			PRIMARY KEY (worker_id, skill)
		);

		CREATE TABLE IF NOT EXISTS decisions (
			id                 TEXT PRIMARY KEY,
			task_id            TEXT NOT NULL,
			candidates         TEXT NOT NULL DEFAULT '[]',
			selected_worker_id TEXT NOT NULL DEFAULT '',
			selected_score     REAL NOT NULL DEFAULT 0,
			reason             TEXT NOT NULL DEFAULT '',
			created_at         TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_decisions_task ON decisions(task_id);
	`)
	return err
}

// Close closes the underlying database connection.
func (s *DB) Close() error {
	return s.db.Close()
}

// Workers implements domain.WorkerStore.
type Workers struct {
	db *sql.DB
}

const workerColumns = "id, name, capabilities, status, max_concurrent, current_load, endpoint, created_at, updated_at"

func (s *Workers) Upsert(ctx context.Context, w *domain.Worker) (*domain.Worker, error) {
	caps, err := json.Marshal(w.Capabilities)
	if err != nil {
		return nil, fmt.Errorf("marshal capabilities: %w", err)
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO workers (id, name, capabilities, status, max_concurrent, current_load, endpoint, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, 0, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name           = excluded.name,
			capabilities   = excluded.capabilities,
			max_concurrent = excluded.max_concurrent,
			endpoint       = excluded.endpoint,
			updated_at     = excluded.updated_at
	`, w.ID, w.Name, string(caps), string(w.Status), w.MaxConcurrent, w.Endpoint, now, now)
	if err != nil {
		return nil, err
	}
	return s.Get(ctx, w.ID)
}

func (s *Workers) Get(ctx context.Context, id string) (*domain.Worker, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+workerColumns+" FROM workers WHERE id = ?", id)
	return scanWorker(row)
}

func (s *Workers) List(ctx context.Context, status domain.WorkerStatus) ([]*domain.Worker, error) {
	query := "SELECT " + workerColumns + " FROM workers ORDER BY name ASC"
	args := []any{}
	if status != "" {
		query = "SELECT " + workerColumns + " FROM workers WHERE status = ? ORDER BY name ASC"
		args = append(args, string(status))
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var workers []*domain.Worker
	for rows.Next() {
		w, err := scanWorker(rows)
		if err != nil {
			return nil, err
		}
		workers = append(workers, w)
	}
	return workers, rows.Err()
}

func (s *Workers) SetStatus(ctx context.Context, id string, status domain.WorkerStatus) (*domain.Worker, error) {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	res, err := s.db.ExecContext(ctx,
		"UPDATE workers SET status = ?, updated_at = ? WHERE id = ?",
		string(status), now, id)
	if err != nil {
		return nil, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, domain.ErrNotFound
	}
	return s.Get(ctx, id)
}

func (s *Workers) Delete(ctx context.Context, id string) (*domain.Worker, error) {
	w, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	res, err := s.db.ExecContext(ctx,
		"DELETE FROM workers WHERE id = ? AND current_load = 0", id)
	if err != nil {
		return nil, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, domain.NewDomainError("store: delete worker", domain.ErrWorkerBusy,
			"worker has active assignments")
	}
	return w, nil
}

// AdjustLoad applies delta in a single UPDATE so concurrent assignment and
// release never lose increments; the MAX() keeps the counter at zero or
// above no matter the call sequence.
func (s *Workers) AdjustLoad(ctx context.Context, id string, delta int) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	res, err := s.db.ExecContext(ctx,
		"UPDATE workers SET current_load = MAX(0, current_load + ?), updated_at = ? WHERE id = ?",
		delta, now, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// Claim takes one load slot only while the worker is still available and
// under capacity at write time, bounding over-subscription from scoring
// against a stale snapshot.
func (s *Workers) Claim(ctx context.Context, id string) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	res, err := s.db.ExecContext(ctx, `
		UPDATE workers SET current_load = current_load + 1, updated_at = ?
		WHERE id = ? AND status = 'available' AND current_load < max_concurrent
	`, now, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	if _, err := s.Get(ctx, id); err != nil {
		return err
	}
	return domain.ErrWorkerBusy
}

type scanner interface {
	Scan(dest ...any) error
}

func scanWorker(row scanner) (*domain.Worker, error) {
	var w domain.Worker
	var capsStr, status, createdStr, updatedStr string
	err := row.Scan(&w.ID, &w.Name, &capsStr, &status, &w.MaxConcurrent, &w.CurrentLoad, &w.Endpoint, &createdStr, &updatedStr)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	if err := json.Unmarshal([]byte(capsStr), &w.Capabilities); err != nil {
		return nil, fmt.Errorf("unmarshal capabilities: %w", err)
	}
	w.Status = domain.WorkerStatus(status)
	w.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdStr)
	w.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedStr)
	return &w, nil
}

// Tasks implements domain.TaskStore.
type Tasks struct {
	db *sql.DB
}

const taskColumns = "id, title, description, required_skills, urgency, timeout_seconds, max_retries, retry_count, callback_url, status, assigned_to, result, created_at, updated_at"

func (s *Tasks) Insert(ctx context.Context, t *domain.Task) error {
	skills, err := json.Marshal(t.RequiredSkills)
	if err != nil {
		return fmt.Errorf("marshal required_skills: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO tasks (`+taskColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		t.ID, t.Title, t.Description, string(skills), string(t.Urgency),
		t.TimeoutSeconds, t.MaxRetries, t.RetryCount, t.CallbackURL,
		string(t.Status), t.AssignedTo, nullableJSON(t.Result),
		t.CreatedAt.UTC().Format(time.RFC3339Nano),
		t.UpdatedAt.UTC().Format(time.RFC3339Nano),
	)
	return err
}

func (s *Tasks) Get(ctx context.Context, id string) (*domain.Task, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+taskColumns+" FROM tasks WHERE id = ?", id)
	return scanTask(row)
}

func (s *Tasks) List(ctx context.Context, f domain.TaskFilter) ([]*domain.Task, error) {
	query := "SELECT " + taskColumns + " FROM tasks"
	var conds []string
	var args []any
	if f.Status != "" {
		conds = append(conds, "status = ?")
		args = append(args, string(f.Status))
	}
	if f.AssignedTo != "" {
		conds = append(conds, "assigned_to = ?")
		args = append(args, f.AssignedTo)
	}
	for i, c := range conds {
		if i == 0 {
			query += " WHERE " + c
		} else {
			query += " AND " + c
		}
	}
	query += " ORDER BY created_at DESC LIMIT ?"
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []*domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

func (s *Tasks) ListPending(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id FROM tasks WHERE status = 'pending'
		ORDER BY
			CASE urgency
				WHEN 'critical' THEN 0
				WHEN 'high'     THEN 1
				WHEN 'normal'   THEN 2
				WHEN 'low'      THEN 3
				ELSE 4
			END ASC,
			created_at ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *Tasks) ListTimedOut(ctx context.Context) ([]*domain.Task, error) {
	// Deadlines derive from created_at + timeout_seconds; the comparison
	// happens in Go because the timestamps are stored as RFC 3339 strings.
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+taskColumns+" FROM tasks WHERE status IN ('assigned', 'in_progress') ORDER BY created_at ASC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	now := time.Now()
	var tasks []*domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		if t.Deadline().Before(now) {
			tasks = append(tasks, t)
		}
	}
	return tasks, rows.Err()
}

func (s *Tasks) Update(ctx context.Context, t *domain.Task) error {
	res, err := s.execUpdate(ctx, t, "")
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// UpdateIf persists the task only while its stored status still equals
// expect. The status gate is what keeps completion, timeout reclaim, and
// sweeps from double-processing one task.
func (s *Tasks) UpdateIf(ctx context.Context, t *domain.Task, expect domain.TaskStatus) error {
	res, err := s.execUpdate(ctx, t, expect)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	if _, err := s.Get(ctx, t.ID); err != nil {
		return err
	}
	return domain.ErrConflict
}

func (s *Tasks) execUpdate(ctx context.Context, t *domain.Task, expect domain.TaskStatus) (sql.Result, error) {
	skills, err := json.Marshal(t.RequiredSkills)
	if err != nil {
		return nil, fmt.Errorf("marshal required_skills: %w", err)
	}
	query := `
		UPDATE tasks SET
			title = ?, description = ?, required_skills = ?, urgency = ?,
			timeout_seconds = ?, max_retries = ?, retry_count = ?,
			callback_url = ?, status = ?, assigned_to = ?, result = ?,
			updated_at = ?
		WHERE id = ?`
	args := []any{
		t.Title, t.Description, string(skills), string(t.Urgency),
		t.TimeoutSeconds, t.MaxRetries, t.RetryCount,
		t.CallbackURL, string(t.Status), t.AssignedTo, nullableJSON(t.Result),
		t.UpdatedAt.UTC().Format(time.RFC3339Nano),
		t.ID,
	}
	if expect != "" {
		query += " AND status = ?"
		args = append(args, string(expect))
	}
	return s.db.ExecContext(ctx, query, args...)
}

func (s *Tasks) CountByStatus(ctx context.Context) (domain.TaskCounts, error) {
	var counts domain.TaskCounts
	rows, err := s.db.QueryContext(ctx, "SELECT status, COUNT(*) FROM tasks GROUP BY status")
	if err != nil {
		return counts, err
	}
	defer rows.Close()

	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return counts, err
		}
		counts.Total += n
		switch domain.TaskStatus(status) {
		case domain.TaskPending:
			counts.Pending = n
		case domain.TaskAssigned, domain.TaskInProgress:
			counts.Assigned += n
		case domain.TaskCompleted:
			counts.Completed = n
		case domain.TaskFailed:
			counts.Failed = n
		case domain.TaskEscalated:
			counts.Escalated = n
		}
	}
	return counts, rows.Err()
}

func scanTask(row scanner) (*domain.Task, error) {
	var t domain.Task
	var skillsStr, urgency, status, createdStr, updatedStr string
	var result sql.NullString
	err := row.Scan(
		&t.ID, &t.Title, &t.Description, &skillsStr, &urgency,
		&t.TimeoutSeconds, &t.MaxRetries, &t.RetryCount, &t.CallbackURL,
		&status, &t.AssignedTo, &result, &createdStr, &updatedStr,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	if err := json.Unmarshal([]byte(skillsStr), &t.RequiredSkills); err != nil {
		return nil, fmt.Errorf("unmarshal required_skills: %w", err)
	}
	t.Urgency = domain.Urgency(urgency)
	t.Status = domain.TaskStatus(status)
	if result.Valid {
		t.Result = json.RawMessage(result.String)
	}
	t.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdStr)
	t.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedStr)
	return &t, nil
}

func nullableJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

// Metrics implements domain.MetricStore.
type Metrics struct {
	db *sql.DB
}

// RecordOutcome upserts the (worker, skill) row in one statement. The
// average folds in as (old_avg * old_attempts + duration) / (old_attempts + 1),
// computed in SQL against the pre-update row so concurrent completions
// cannot interleave a read-modify-write.
func (s *Metrics) RecordOutcome(ctx context.Context, workerID, skill string, success bool, durationMS int64) error {
	completed, failed := 0, 1
	if success {
		completed, failed = 1, 0
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO metrics (worker_id, skill, tasks_completed, tasks_failed, avg_duration_ms, last_completed_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(worker_id, skill) DO UPDATE SET
			tasks_completed   = tasks_completed + excluded.tasks_completed,
			tasks_failed      = tasks_failed + excluded.tasks_failed,
			avg_duration_ms   = (avg_duration_ms * (tasks_completed + tasks_failed) + ?)
			                    / (tasks_completed + tasks_failed + 1),
			last_completed_at = excluded.last_completed_at
	`, workerID, skill, completed, failed, float64(durationMS), now, float64(durationMS))
	return err
}

const metricColumns = "worker_id, skill, tasks_completed, tasks_failed, avg_duration_ms, last_completed_at"

func (s *Metrics) All(ctx context.Context) ([]*domain.PerformanceMetric, error) {
	return s.query(ctx, "SELECT "+metricColumns+" FROM metrics")
}

func (s *Metrics) ForWorker(ctx context.Context, workerID string) ([]*domain.PerformanceMetric, error) {
	return s.query(ctx,
		"SELECT "+metricColumns+" FROM metrics WHERE worker_id = ?", workerID)
}

func (s *Metrics) query(ctx context.Context, query string, args ...any) ([]*domain.PerformanceMetric, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var metrics []*domain.PerformanceMetric
	for rows.Next() {
		var m domain.PerformanceMetric
		var lastStr string
		if err := rows.Scan(&m.WorkerID, &m.Skill, &m.TasksCompleted, &m.TasksFailed, &m.AvgDurationMS, &lastStr); err != nil {
			return nil, err
		}
		m.LastCompletedAt, _ = time.Parse(time.RFC3339Nano, lastStr)
		metrics = append(metrics, &m)
	}
	return metrics, rows.Err()
}

// Decisions implements domain.DecisionStore.
type Decisions struct {
	db *sql.DB
}

func (s *Decisions) Insert(ctx context.Context, d *domain.RoutingDecision) error {
	candidates, err := json.Marshal(d.Candidates)
	if err != nil {
		return fmt.Errorf("marshal candidates: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO decisions (id, task_id, candidates, selected_worker_id, selected_score, reason, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, d.ID, d.TaskID, string(candidates), d.SelectedWorkerID, d.SelectedScore, d.Reason,
		d.CreatedAt.UTC().Format(time.RFC3339Nano))
	return err
}

func (s *Decisions) ListForTask(ctx context.Context, taskID string) ([]*domain.RoutingDecision, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, task_id, candidates, selected_worker_id, selected_score, reason, created_at
		FROM decisions WHERE task_id = ? ORDER BY created_at ASC
	`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var decisions []*domain.RoutingDecision
	for rows.Next() {
		var d domain.RoutingDecision
		var candidatesStr, createdStr string
		if err := rows.Scan(&d.ID, &d.TaskID, &candidatesStr, &d.SelectedWorkerID, &d.SelectedScore, &d.Reason, &createdStr); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(candidatesStr), &d.Candidates); err != nil {
			return nil, fmt.Errorf("unmarshal candidates: %w", err)
		}
		d.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdStr)
		decisions = append(decisions, &d)
	}
	return decisions, rows.Err()
}

func (s *Decisions) Count(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM decisions").Scan(&n)
	return n, err
}
