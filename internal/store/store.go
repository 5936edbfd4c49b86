package store

import (
	"context"
	"time"

	"dataset-job-orchestrator/internal/models"
)

// Filter narrows job operations. Nil fields match every value.
type Filter struct {
	Dataset *string `json:"dataset,omitempty"`
	Batch   *string `json:"batch,omitempty"`
	Queue   *string `json:"queue,omitempty"`
	Task    *string `json:"task,omitempty"`
	Status  *string `json:"status,omitempty"`
}

// StatusFilter narrows the status summary.
type StatusFilter struct {
	Dataset *string
	// ActiveOnly keeps datasets that have at least one todo or doing row.
	ActiveOnly bool
}

// StatusRow is one cell of the grouped status summary.
type StatusRow struct {
	Dataset string
	Batch   string
	Queue   string
	Task    string
	Status  string
	Jobs    int64
	MinTS   *time.Time
	MaxTS   *time.Time
}

// CancelResult reports how many rows a cancellation touched.
type CancelResult struct {
	Deleted int64 `json:"deleted"`
	Aborted int64 `json:"aborted"`
}

// JobStore is the job table of the durable queue engine.
type JobStore interface {
	models.Enqueuer

	// Claim takes the next due todo job of the given queues (all queues when
	// empty) and marks it doing. It returns nil when nothing is due.
	Claim(ctx context.Context, queues []string) (*models.JobRow, error)
	// Finish sets the terminal status of a doing job.
	Finish(ctx context.Context, id int64, status string, lastError *string) error
	// Reschedule puts a doing job back to todo for a later attempt.
	Reschedule(ctx context.Context, id int64, runAt time.Time, lastError string) error
	// AbortRequested reports whether cancellation flagged a running job.
	AbortRequested(ctx context.Context, id int64) (bool, error)

	StatusSummary(ctx context.Context, f StatusFilter) ([]StatusRow, error)
	// CancelJobs deletes matching todo rows and flags matching doing rows for
	// abort, all or nothing.
	CancelJobs(ctx context.Context, f Filter) (CancelResult, error)
	// RetryJobs moves matching failed rows back to todo.
	RetryJobs(ctx context.Context, f Filter) (int64, error)
	ListJobs(ctx context.Context, f Filter, limit int) ([]models.JobRow, error)
}

// Ptr is a helper for building filters.
func Ptr(s string) *string { return &s }

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
