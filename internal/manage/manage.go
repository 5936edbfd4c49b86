package manage

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"dataset-job-orchestrator/internal/models"
	"dataset-job-orchestrator/internal/store"
	"dataset-job-orchestrator/internal/telemetry"
)

// Manager answers status queries and runs bulk cancellation against the job table.
type Manager struct {
	store store.JobStore
	log   logrus.FieldLogger
}

// New builds a Manager on top of a job store.
func New(st store.JobStore, log logrus.FieldLogger) *Manager {
	return &Manager{store: st, log: log}
}

// GetStatus returns the status tree of every dataset, or of one dataset when
// dataset is set. With activeOnly, datasets without pending or running jobs
// are left out.
func (m *Manager) GetStatus(ctx context.Context, dataset *string, activeOnly bool) ([]DatasetStatus, error) {
	rows, err := m.store.StatusSummary(ctx, store.StatusFilter{Dataset: dataset, ActiveOnly: activeOnly})
	if err != nil {
		return nil, fmt.Errorf("status summary: %w", err)
	}
	return Rollup(rows), nil
}

// GetDatasetStatus returns the status tree of one dataset, or
// models.ErrDatasetNotFound when it has no matching rows.
func (m *Manager) GetDatasetStatus(ctx context.Context, name string, activeOnly bool) (*DatasetStatus, error) {
	datasets, err := m.GetStatus(ctx, &name, activeOnly)
	if err != nil {
		return nil, err
	}
	for i := range datasets {
		if datasets[i].Name == name {
			return &datasets[i], nil
		}
	}
	return nil, fmt.Errorf("%w: %s", models.ErrDatasetNotFound, name)
}

// CancelJobs removes pending jobs and requests abort of running jobs
// matching the filter.
func (m *Manager) CancelJobs(ctx context.Context, f store.Filter) (store.CancelResult, error) {
	if f.Status != nil && !models.ValidStatus(*f.Status) {
		return store.CancelResult{}, fmt.Errorf("unknown status %q", *f.Status)
	}
	res, err := m.store.CancelJobs(ctx, f)
	if err != nil {
		return res, fmt.Errorf("cancel jobs: %w", err)
	}
	telemetry.CancelledJobs.WithLabelValues("deleted").Add(float64(res.Deleted))
	telemetry.CancelledJobs.WithLabelValues("abort_requested").Add(float64(res.Aborted))
	m.log.WithFields(filterFields(f)).WithFields(logrus.Fields{
		"deleted": res.Deleted,
		"aborted": res.Aborted,
	}).Info("cancelled jobs")
	return res, nil
}

func (m *Manager) CancelJobsPerTask(ctx context.Context, task string) (store.CancelResult, error) {
	return m.CancelJobs(ctx, store.Filter{Task: &task})
}

func (m *Manager) CancelJobsPerDataset(ctx context.Context, dataset string) (store.CancelResult, error) {
	return m.CancelJobs(ctx, store.Filter{Dataset: &dataset})
}

func (m *Manager) CancelJobsPerQueue(ctx context.Context, queue string) (store.CancelResult, error) {
	return m.CancelJobs(ctx, store.Filter{Queue: &queue})
}

// RetryJobs re-queues failed jobs matching the filter. The status field of
// the filter is ignored.
func (m *Manager) RetryJobs(ctx context.Context, f store.Filter) (int64, error) {
	f.Status = nil
	n, err := m.store.RetryJobs(ctx, f)
	if err != nil {
		return 0, fmt.Errorf("retry jobs: %w", err)
	}
	m.log.WithFields(filterFields(f)).WithField("retried", n).Info("retried failed jobs")
	return n, nil
}

func filterFields(f store.Filter) logrus.Fields {
	fields := logrus.Fields{}
	for k, v := range map[string]*string{
		"dataset": f.Dataset, "batch": f.Batch, "queue": f.Queue, "task": f.Task, "status": f.Status,
	} {
		if v != nil {
			fields[k] = *v
		}
	}
	return fields
}
