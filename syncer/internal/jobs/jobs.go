// Package jobs keeps one recurring sync job per source instance in SQLite.
// Claiming a due job atomically advances its next run time, so concurrent
// runners never double-fire an instance and a crashed run simply waits out
// the interval.
package jobs

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"
)

// Prefix namespaces job names so they are recognisable in the table next to
// anything else that may share the engine database.
const Prefix = "kb_sync_"

// DefaultInterval is the per-instance sync cadence when none is configured.
const DefaultInterval = time.Hour

// Schema creates the job table. Apply via dbopen.WithSchema.
const Schema = `
CREATE TABLE IF NOT EXISTS sync_jobs (
	name        TEXT PRIMARY KEY,
	instance    TEXT NOT NULL UNIQUE,
	interval_ms INTEGER NOT NULL,
	next_run_at INTEGER NOT NULL,
	last_run_at INTEGER,
	last_status TEXT NOT NULL DEFAULT '',
	last_error  TEXT NOT NULL DEFAULT '',
	unit_count  INTEGER NOT NULL DEFAULT 0,
	run_count   INTEGER NOT NULL DEFAULT 0,
	fail_count  INTEGER NOT NULL DEFAULT 0,
	created_at  INTEGER NOT NULL,
	updated_at  INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_sync_jobs_due ON sync_jobs (next_run_at);
`

// Ensure and Drop outcomes, reported per instance in pass summaries.
const (
	StatusCreated       = "created"
	StatusAlreadyExists = "already_exists"
	StatusFailed        = "failed"
	StatusDropped       = "dropped"
	StatusNotFound      = "not_found"
)

// JobName returns the deterministic job name for an instance.
func JobName(instance string) string { return Prefix + instance }

// Job is one scheduled per-instance sync. The unit list is not stored: the
// run re-resolves it fresh so schema and selection drift take effect on the
// next trigger.
type Job struct {
	Name       string `json:"name"`
	Instance   string `json:"instance"`
	IntervalMs int64  `json:"interval_ms"`
	NextRunAt  int64  `json:"next_run_at"`
	LastRunAt  *int64 `json:"last_run_at,omitempty"`
	LastStatus string `json:"last_status,omitempty"`
	LastError  string `json:"last_error,omitempty"`
	UnitCount  int64  `json:"unit_count"`
	RunCount   int64  `json:"run_count"`
	FailCount  int64  `json:"fail_count"`
	CreatedAt  int64  `json:"created_at"`
	UpdatedAt  int64  `json:"updated_at"`
}

// Queue is the job table handle.
type Queue struct {
	db     *sql.DB
	logger *slog.Logger
}

// New creates a Queue over an already-opened engine database.
func New(db *sql.DB, logger *slog.Logger) *Queue {
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{db: db, logger: logger}
}

// Ensure schedules a job for instance unless one exists. unitCount == 0
// means no table of the instance could be turned into an ingestion unit:
// no job is created and StatusFailed is returned so callers cannot mistake
// an empty job for success. A new job first fires one interval from now;
// the pass that creates it has already ingested the instance inline. An
// existing job keeps its schedule, only its unit count is refreshed.
func (q *Queue) Ensure(ctx context.Context, instance string, unitCount int, interval time.Duration) (string, error) {
	if instance == "" {
		return "", fmt.Errorf("jobs: empty instance")
	}
	if unitCount <= 0 {
		q.logger.Warn("jobs: no ingestable units, job not created", "instance", instance)
		return StatusFailed, nil
	}
	if interval <= 0 {
		interval = DefaultInterval
	}
	now := time.Now().UnixMilli()

	existing, err := q.Get(ctx, instance)
	if err != nil {
		return "", err
	}
	if existing != nil {
		if existing.UnitCount != int64(unitCount) {
			if _, err := q.db.ExecContext(ctx,
				`UPDATE sync_jobs SET unit_count = ?, updated_at = ? WHERE instance = ?`,
				unitCount, now, instance); err != nil {
				return "", fmt.Errorf("jobs: refresh unit count for %q: %w", instance, err)
			}
		}
		return StatusAlreadyExists, nil
	}

	_, err = q.db.ExecContext(ctx,
		`INSERT INTO sync_jobs (name, instance, interval_ms, next_run_at, unit_count, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		JobName(instance), instance, interval.Milliseconds(), now+interval.Milliseconds(), unitCount, now, now,
	)
	if err != nil {
		return "", fmt.Errorf("jobs: create for %q: %w", instance, err)
	}
	return StatusCreated, nil
}

// Drop removes the job for instance. Returns StatusDropped or StatusNotFound.
func (q *Queue) Drop(ctx context.Context, instance string) (string, error) {
	res, err := q.db.ExecContext(ctx, `DELETE FROM sync_jobs WHERE instance = ?`, instance)
	if err != nil {
		return "", fmt.Errorf("jobs: drop for %q: %w", instance, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return "", err
	}
	if n == 0 {
		return StatusNotFound, nil
	}
	return StatusDropped, nil
}

// Get returns the job for instance, or nil when none is scheduled.
func (q *Queue) Get(ctx context.Context, instance string) (*Job, error) {
	row := q.db.QueryRowContext(ctx, selectCols+` FROM sync_jobs WHERE instance = ?`, instance)
	j, err := scanJob(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return j, nil
}

// List returns every job ordered by name.
func (q *Queue) List(ctx context.Context) ([]Job, error) {
	rows, err := q.db.QueryContext(ctx, selectCols+` FROM sync_jobs ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Job
	for rows.Next() {
		j, err := scanJob(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, *j)
	}
	return out, rows.Err()
}

// Count returns the number of scheduled jobs.
func (q *Queue) Count(ctx context.Context) (int, error) {
	var n int
	err := q.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sync_jobs`).Scan(&n)
	return n, err
}

// Due atomically claims up to limit jobs whose next run time has passed,
// advancing each one interval from now. Returns the claimed jobs oldest
// first; an empty slice means nothing is due.
func (q *Queue) Due(ctx context.Context, now int64, limit int) ([]Job, error) {
	rows, err := q.db.QueryContext(ctx, `
		UPDATE sync_jobs
		SET next_run_at = ? + interval_ms,
			run_count = run_count + 1,
			updated_at = ?
		WHERE name IN (
			SELECT name FROM sync_jobs
			WHERE next_run_at <= ?
			ORDER BY next_run_at ASC
			LIMIT ?
		)
		RETURNING `+columns,
		now, now, now, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("jobs: claim due: %w", err)
	}
	defer rows.Close()

	out := []Job{}
	for rows.Next() {
		j, err := scanJob(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, *j)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, k int) bool { return out[i].NextRunAt < out[k].NextRunAt })
	return out, nil
}

// RecordResult stores the outcome of a run. A success resets the failure
// streak; a failure extends it.
func (q *Queue) RecordResult(ctx context.Context, instance string, now int64, runErr error) error {
	status, lastErr := "ok", ""
	if runErr != nil {
		status = "error"
		lastErr = runErr.Error()
	}
	_, err := q.db.ExecContext(ctx, `
		UPDATE sync_jobs
		SET last_run_at = ?,
			last_status = ?,
			last_error = ?,
			fail_count = CASE WHEN ? = 'ok' THEN 0 ELSE fail_count + 1 END,
			updated_at = ?
		WHERE instance = ?`,
		now, status, lastErr, status, now, instance,
	)
	if err != nil {
		return fmt.Errorf("jobs: record result for %q: %w", instance, err)
	}
	return nil
}

// Reconcile aligns the job table with the discovered instance groups: every
// instance with at least one unit gets a job, every job whose instance
// vanished is dropped. Surviving jobs keep their schedule, which makes the
// call idempotent. Returns the instance names created and dropped, sorted.
func (q *Queue) Reconcile(ctx context.Context, groups map[string]int, interval time.Duration) (created, dropped []string, err error) {
	names := make([]string, 0, len(groups))
	for instance := range groups {
		names = append(names, instance)
	}
	sort.Strings(names)

	for _, instance := range names {
		status, err := q.Ensure(ctx, instance, groups[instance], interval)
		if err != nil {
			return nil, nil, err
		}
		if status == StatusCreated {
			created = append(created, instance)
		}
	}

	existing, err := q.List(ctx)
	if err != nil {
		return nil, nil, err
	}
	for _, j := range existing {
		if n, ok := groups[j.Instance]; ok && n > 0 {
			continue
		}
		if _, err := q.Drop(ctx, j.Instance); err != nil {
			return nil, nil, err
		}
		dropped = append(dropped, j.Instance)
	}
	sort.Strings(dropped)
	return created, dropped, nil
}

const columns = `name, instance, interval_ms, next_run_at, last_run_at,
	last_status, last_error, unit_count, run_count, fail_count, created_at, updated_at`

const selectCols = `SELECT ` + columns

func scanJob(scan func(...any) error) (*Job, error) {
	var j Job
	var lastRun sql.NullInt64
	err := scan(&j.Name, &j.Instance, &j.IntervalMs, &j.NextRunAt, &lastRun,
		&j.LastStatus, &j.LastError, &j.UnitCount, &j.RunCount, &j.FailCount, &j.CreatedAt, &j.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if lastRun.Valid {
		j.LastRunAt = &lastRun.Int64
	}
	return &j, nil
}
