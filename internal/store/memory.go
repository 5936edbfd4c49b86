package store

import (
	"context"
	"encoding/json"
	"slices"
	"sort"
	"sync"
	"time"

	"dataset-job-orchestrator/internal/models"
)

// Memory is an in-process JobStore with the same semantics as the Postgres
// store. It backs tests and single-process runs without a database.
type Memory struct {
	mu     sync.Mutex
	nextID int64
	jobs   map[int64]*models.JobRow
	now    func() time.Time
}

var _ JobStore = (*Memory)(nil)

// NewMemory returns an empty in-memory job table.
func NewMemory() *Memory {
	return &Memory{
		jobs: make(map[int64]*models.JobRow),
		now:  func() time.Time { return time.Now().UTC() },
	}
}

// Enqueue stores a todo row, deriving dataset and batch from the args.
func (m *Memory) Enqueue(_ context.Context, req models.EnqueueRequest) (int64, error) {
	var args struct {
		Dataset string `json:"dataset"`
		Batch   string `json:"batch"`
	}
	if err := json.Unmarshal(req.Args, &args); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextID++
	now := m.now()
	runAt := req.RunAt
	if runAt.IsZero() {
		runAt = now
	}
	m.jobs[m.nextID] = &models.JobRow{
		ID:          m.nextID,
		Queue:       req.Queue,
		Task:        req.Task,
		Status:      models.StatusTodo,
		Priority:    req.Priority,
		Args:        slices.Clone(req.Args),
		Dataset:     orDefault(args.Dataset, models.SystemDataset),
		Batch:       orDefault(args.Batch, models.DefaultBatch),
		ScheduledAt: runAt,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	return m.nextID, nil
}

// Claim takes the highest-priority, oldest due todo job.
func (m *Memory) Claim(_ context.Context, queues []string) (*models.JobRow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	var next *models.JobRow
	for _, j := range m.jobs {
		if j.Status != models.StatusTodo || j.ScheduledAt.After(now) {
			continue
		}
		if len(queues) > 0 && !slices.Contains(queues, j.Queue) {
			continue
		}
		if next == nil || j.Priority > next.Priority || (j.Priority == next.Priority && j.ID < next.ID) {
			next = j
		}
	}
	if next == nil {
		return nil, nil
	}
	next.Status = models.StatusDoing
	next.Attempts++
	next.UpdatedAt = now
	out := *next
	return &out, nil
}

func (m *Memory) Finish(_ context.Context, id int64, status string, lastError *string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if j, ok := m.jobs[id]; ok && j.Status == models.StatusDoing {
		j.Status = status
		j.LastError = lastError
		j.UpdatedAt = m.now()
	}
	return nil
}

func (m *Memory) Reschedule(_ context.Context, id int64, runAt time.Time, lastError string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if j, ok := m.jobs[id]; ok && j.Status == models.StatusDoing {
		j.Status = models.StatusTodo
		j.ScheduledAt = runAt
		j.LastError = &lastError
		j.UpdatedAt = m.now()
	}
	return nil
}

func (m *Memory) AbortRequested(_ context.Context, id int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return true, nil
	}
	return j.AbortRequested, nil
}

type groupKey struct {
	dataset, batch, queue, task, status string
}

// StatusSummary groups rows like the Postgres query, ordered by the grouping key.
func (m *Memory) StatusSummary(_ context.Context, f StatusFilter) ([]StatusRow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	active := make(map[string]bool)
	for _, j := range m.jobs {
		if j.Status == models.StatusTodo || j.Status == models.StatusDoing {
			active[j.Dataset] = true
		}
	}

	groups := make(map[groupKey]*StatusRow)
	for _, j := range m.jobs {
		if f.Dataset != nil && j.Dataset != *f.Dataset {
			continue
		}
		if f.ActiveOnly && !active[j.Dataset] {
			continue
		}
		k := groupKey{j.Dataset, j.Batch, j.Queue, j.Task, j.Status}
		r, ok := groups[k]
		if !ok {
			r = &StatusRow{Dataset: k.dataset, Batch: k.batch, Queue: k.queue, Task: k.task, Status: k.status}
			groups[k] = r
		}
		r.Jobs++
		created, updated := j.CreatedAt, j.UpdatedAt
		if r.MinTS == nil || created.Before(*r.MinTS) {
			r.MinTS = &created
		}
		if r.MaxTS == nil || updated.After(*r.MaxTS) {
			r.MaxTS = &updated
		}
	}

	out := make([]StatusRow, 0, len(groups))
	for _, r := range groups {
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Dataset != b.Dataset {
			return a.Dataset < b.Dataset
		}
		if a.Batch != b.Batch {
			return a.Batch < b.Batch
		}
		if a.Queue != b.Queue {
			return a.Queue < b.Queue
		}
		if a.Task != b.Task {
			return a.Task < b.Task
		}
		return a.Status < b.Status
	})
	return out, nil
}

// CancelJobs runs under the store lock, so it is atomic with respect to Claim.
func (m *Memory) CancelJobs(_ context.Context, f Filter) (CancelResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var res CancelResult
	for id, j := range m.jobs {
		if !matches(j, f) {
			continue
		}
		switch {
		case j.Status == models.StatusTodo:
			delete(m.jobs, id)
			res.Deleted++
		case j.Status == models.StatusDoing && !j.AbortRequested:
			j.AbortRequested = true
			j.UpdatedAt = m.now()
			res.Aborted++
		}
	}
	return res, nil
}

func (m *Memory) RetryJobs(_ context.Context, f Filter) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	now := m.now()
	for _, j := range m.jobs {
		if j.Status != models.StatusFailed || !matches(j, f) {
			continue
		}
		j.Status = models.StatusTodo
		j.ScheduledAt = now
		j.AbortRequested = false
		j.LastError = nil
		j.UpdatedAt = now
		n++
	}
	return n, nil
}

func (m *Memory) ListJobs(_ context.Context, f Filter, limit int) ([]models.JobRow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if limit <= 0 {
		limit = 100
	}
	var out []models.JobRow
	for _, j := range m.jobs {
		if matches(j, f) {
			out = append(out, *j)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func matches(j *models.JobRow, f Filter) bool {
	return eq(f.Dataset, j.Dataset) && eq(f.Batch, j.Batch) && eq(f.Queue, j.Queue) &&
		eq(f.Task, j.Task) && eq(f.Status, j.Status)
}

func eq(want *string, got string) bool {
	return want == nil || *want == got
}
