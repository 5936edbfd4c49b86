package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"dataset-job-orchestrator/internal/models"
)

const jobColumns = `id, queue_name, task_name, status::text, priority, args, dataset, batch,
	attempts, abort_requested, last_error, scheduled_at,
	COALESCE(created_at, scheduled_at), COALESCE(updated_at, scheduled_at)`

// Unset filter parameters are SQL NULL and match every row.
const (
	fDataset = `($1::text IS NULL OR dataset = $1::text)`
	fBatch   = `($2::text IS NULL OR batch = $2::text)`
	fQueue   = `($3::text IS NULL OR queue_name = $3::text)`
	fTask    = `($4::text IS NULL OR task_name = $4::text)`
	fStatus  = `($5::text IS NULL OR status::text = $5::text)`
	fAll     = fDataset + ` AND ` + fBatch + ` AND ` + fQueue + ` AND ` + fTask + ` AND ` + fStatus
)

const statusColumns = `dataset, batch, queue_name, task_name, status`

const statusSummarySQL = `
	SELECT dataset, batch, queue_name, task_name, status::text,
		COUNT(*) AS jobs, MIN(created_at) AS min_ts, MAX(updated_at) AS max_ts
	FROM jobs j1
	WHERE ($1::text IS NULL OR dataset = $1::text)
	%s
	GROUP BY ` + statusColumns + `
	ORDER BY ` + statusColumns

// The existence check runs against the table, not the grouped rows, so a
// dataset stays visible whenever any of its rows is still pending.
const activeDatasetSQL = `
	AND EXISTS (
		SELECT 1 FROM jobs j2
		WHERE j2.dataset = j1.dataset
		AND j2.status IN ('todo', 'doing')
	)`

// Store wraps pgxpool for the Postgres job table.
type Store struct {
	pool *pgxpool.Pool
}

var _ JobStore = (*Store)(nil)

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, WrapErr("connect postgres", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, WrapErr("ping postgres", err)
	}
	return &Store{pool: pool}, nil
}

// Pool exposes the connection pool to other Postgres-backed components.
func (s *Store) Pool() *pgxpool.Pool {
	return s.pool
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Enqueue inserts a todo row. A failed insert leaves nothing behind.
func (s *Store) Enqueue(ctx context.Context, req models.EnqueueRequest) (int64, error) {
	var runAt *time.Time
	if !req.RunAt.IsZero() {
		runAt = &req.RunAt
	}
	var id int64
	err := s.pool.QueryRow(ctx, `
		INSERT INTO jobs (queue_name, task_name, priority, args, status, scheduled_at)
		VALUES ($1, $2, $3, $4::jsonb, 'todo', COALESCE($5, NOW()))
		RETURNING id
	`, req.Queue, req.Task, req.Priority, string(req.Args), runAt).Scan(&id)
	if err != nil {
		return 0, WrapErr("insert job", err)
	}
	return id, nil
}

// Claim locks the next due job with SKIP LOCKED so concurrent workers never
// take the same row.
func (s *Store) Claim(ctx context.Context, queues []string) (*models.JobRow, error) {
	if queues == nil {
		queues = []string{}
	}
	row := s.pool.QueryRow(ctx, `
		UPDATE jobs SET status = 'doing', attempts = attempts + 1
		WHERE id = (
			SELECT id FROM jobs
			WHERE status = 'todo' AND scheduled_at <= NOW()
			AND (cardinality($1::text[]) = 0 OR queue_name = ANY($1::text[]))
			ORDER BY priority DESC, id
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		)
		RETURNING `+jobColumns, queues)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, WrapErr("claim job", err)
	}
	return &job, nil
}

// Finish sets the final status of a doing job.
func (s *Store) Finish(ctx context.Context, id int64, status string, lastError *string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE jobs SET status = $2::text::job_status, last_error = $3
		WHERE id = $1 AND status = 'doing'
	`, id, status, lastError)
	return WrapErr("finish job", err)
}

// Reschedule puts a doing job back to todo for another attempt at runAt.
func (s *Store) Reschedule(ctx context.Context, id int64, runAt time.Time, lastError string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE jobs SET status = 'todo', scheduled_at = $2, last_error = $3
		WHERE id = $1 AND status = 'doing'
	`, id, runAt, lastError)
	return WrapErr("reschedule job", err)
}

// AbortRequested reads the abort flag of a job.
func (s *Store) AbortRequested(ctx context.Context, id int64) (bool, error) {
	var abort bool
	err := s.pool.QueryRow(ctx, `SELECT abort_requested FROM jobs WHERE id = $1`, id).Scan(&abort)
	if errors.Is(err, pgx.ErrNoRows) {
		// a deleted row cannot be running anymore
		return true, nil
	}
	if err != nil {
		return false, WrapErr("read abort flag", err)
	}
	return abort, nil
}

// StatusSummary groups job rows by dataset, batch, queue, task and status.
func (s *Store) StatusSummary(ctx context.Context, f StatusFilter) ([]StatusRow, error) {
	extra := ""
	if f.ActiveOnly {
		extra = activeDatasetSQL
	}
	rows, err := s.pool.Query(ctx, fmt.Sprintf(statusSummarySQL, extra), f.Dataset)
	if err != nil {
		return nil, WrapErr("query status summary", err)
	}
	defer rows.Close()

	var out []StatusRow
	for rows.Next() {
		var r StatusRow
		if err := rows.Scan(&r.Dataset, &r.Batch, &r.Queue, &r.Task, &r.Status, &r.Jobs, &r.MinTS, &r.MaxTS); err != nil {
			return nil, fmt.Errorf("scan status row: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, WrapErr("read status summary", err)
	}
	return out, nil
}

// CancelJobs deletes matching todo rows and flags matching doing rows in one
// transaction. Doing rows keep their status; the worker running them has to
// observe the flag and stop.
func (s *Store) CancelJobs(ctx context.Context, f Filter) (CancelResult, error) {
	var res CancelResult
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return res, WrapErr("begin tx", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	args := filterArgs(f)
	tag, err := tx.Exec(ctx, `DELETE FROM jobs WHERE status = 'todo' AND `+fAll, args...)
	if err != nil {
		return CancelResult{}, WrapErr("delete todo jobs", err)
	}
	res.Deleted = tag.RowsAffected()

	tag, err = tx.Exec(ctx, `
		UPDATE jobs SET abort_requested = true
		WHERE status = 'doing' AND NOT abort_requested AND `+fAll, args...)
	if err != nil {
		return CancelResult{}, WrapErr("flag doing jobs", err)
	}
	res.Aborted = tag.RowsAffected()

	if err := tx.Commit(ctx); err != nil {
		return CancelResult{}, WrapErr("commit", err)
	}
	return res, nil
}

// RetryJobs re-queues failed jobs matching the filter.
func (s *Store) RetryJobs(ctx context.Context, f Filter) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs SET status = 'todo', scheduled_at = NOW(), abort_requested = false, last_error = NULL
		WHERE status = 'failed' AND `+fAll, filterArgs(f)...)
	if err != nil {
		return 0, WrapErr("retry failed jobs", err)
	}
	return tag.RowsAffected(), nil
}

// ListJobs returns jobs matching the filter ordered by id.
func (s *Store) ListJobs(ctx context.Context, f Filter, limit int) ([]models.JobRow, error) {
	if limit <= 0 {
		limit = 100
	}
	args := append(filterArgs(f), limit)
	rows, err := s.pool.Query(ctx, `SELECT `+jobColumns+` FROM jobs WHERE `+fAll+` ORDER BY id LIMIT $6`, args...)
	if err != nil {
		return nil, WrapErr("list jobs", err)
	}
	defer rows.Close()

	var out []models.JobRow
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		out = append(out, job)
	}
	if err := rows.Err(); err != nil {
		return nil, WrapErr("read jobs", err)
	}
	return out, nil
}

func filterArgs(f Filter) []any {
	return []any{f.Dataset, f.Batch, f.Queue, f.Task, f.Status}
}

func scanJob(row pgx.Row) (models.JobRow, error) {
	var job models.JobRow
	var lastErr pgtype.Text
	err := row.Scan(&job.ID, &job.Queue, &job.Task, &job.Status, &job.Priority, &job.Args,
		&job.Dataset, &job.Batch, &job.Attempts, &job.AbortRequested, &lastErr,
		&job.ScheduledAt, &job.CreatedAt, &job.UpdatedAt)
	if err != nil {
		return models.JobRow{}, err
	}
	job.LastError = textPtr(lastErr)
	return job, nil
}

// WrapErr tags failures that did not come back from the server as
// ErrStoreUnavailable.
func WrapErr(op string, err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) || errors.Is(err, pgx.ErrNoRows) ||
		errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%s: %w: %w", op, models.ErrStoreUnavailable, err)
}

func textPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}
