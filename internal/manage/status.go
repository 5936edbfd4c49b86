// Package manage reports job status per dataset and cancels or retries jobs
// in bulk.
package manage

import (
	"sort"
	"time"

	"dataset-job-orchestrator/internal/models"
	"dataset-job-orchestrator/internal/store"
)

// Counters tallies jobs by status. Total always equals the sum of the
// status fields.
type Counters struct {
	Total     int64 `json:"total"`
	Todo      int64 `json:"todo"`
	Doing     int64 `json:"doing"`
	Succeeded int64 `json:"succeeded"`
	Failed    int64 `json:"failed"`
	Cancelled int64 `json:"cancelled"`
}

// add counts n jobs of the given status. Aborting jobs are still executing
// and count as doing. Unknown statuses are ignored.
func (c *Counters) add(status string, n int64) {
	switch status {
	case models.StatusTodo:
		c.Todo += n
	case models.StatusDoing, models.StatusAborting:
		c.Doing += n
	case models.StatusSucceeded:
		c.Succeeded += n
	case models.StatusFailed:
		c.Failed += n
	case models.StatusCancelled:
		c.Cancelled += n
	default:
		return
	}
	c.Total += n
}

func (c *Counters) merge(o Counters) {
	c.Total += o.Total
	c.Todo += o.Todo
	c.Doing += o.Doing
	c.Succeeded += o.Succeeded
	c.Failed += o.Failed
	c.Cancelled += o.Cancelled
}

// IsActive reports whether any job is pending or running.
func (c Counters) IsActive() bool { return c.Todo > 0 || c.Doing > 0 }

// IsRunning reports whether any job is running.
func (c Counters) IsRunning() bool { return c.Doing > 0 }

// span tracks the earliest creation and latest update below a node.
type span struct {
	First *time.Time `json:"first_ts"`
	Last  *time.Time `json:"last_ts"`
}

func (s *span) widen(first, last *time.Time) {
	if first != nil && (s.First == nil || first.Before(*s.First)) {
		t := *first
		s.First = &t
	}
	if last != nil && (s.Last == nil || last.After(*s.Last)) {
		t := *last
		s.Last = &t
	}
}

// took is Last minus First, or nil while either end is unknown.
func (s span) took() *time.Duration {
	if s.First == nil || s.Last == nil {
		return nil
	}
	d := s.Last.Sub(*s.First)
	return &d
}

type TaskStatus struct {
	Name string `json:"name"`
	Counters
	span
}

type QueueStatus struct {
	Name  string         `json:"name"`
	Tasks []TaskStatus   `json:"tasks"`
	Took  *time.Duration `json:"took"`
	Counters
	span
}

type BatchStatus struct {
	Name   string         `json:"name"`
	Queues []QueueStatus  `json:"queues"`
	Took   *time.Duration `json:"took"`
	Counters
	span
}

// DatasetStatus is the root of the status hierarchy for one dataset.
type DatasetStatus struct {
	Name    string         `json:"name"`
	Batches []BatchStatus  `json:"batches"`
	Took    *time.Duration `json:"took"`
	Counters
	span
}

// Rollup folds grouped status rows into one DatasetStatus per dataset.
// Every level is ordered by name, and every row is counted exactly once.
func Rollup(rows []store.StatusRow) []DatasetStatus {
	type taskKey struct{ dataset, batch, queue, task string }
	tasks := make(map[taskKey]*TaskStatus)
	for _, r := range rows {
		k := taskKey{r.Dataset, r.Batch, r.Queue, r.Task}
		t, ok := tasks[k]
		if !ok {
			t = &TaskStatus{Name: r.Task}
			tasks[k] = t
		}
		t.add(r.Status, r.Jobs)
		t.widen(r.MinTS, r.MaxTS)
	}

	type queueKey struct{ dataset, batch, queue string }
	queues := make(map[queueKey]*QueueStatus)
	for k, t := range tasks {
		qk := queueKey{k.dataset, k.batch, k.queue}
		q, ok := queues[qk]
		if !ok {
			q = &QueueStatus{Name: k.queue}
			queues[qk] = q
		}
		q.Tasks = append(q.Tasks, *t)
		q.merge(t.Counters)
		q.widen(t.First, t.Last)
	}

	type batchKey struct{ dataset, batch string }
	batches := make(map[batchKey]*BatchStatus)
	for k, q := range queues {
		sort.Slice(q.Tasks, func(i, j int) bool { return q.Tasks[i].Name < q.Tasks[j].Name })
		q.Took = q.took()
		bk := batchKey{k.dataset, k.batch}
		b, ok := batches[bk]
		if !ok {
			b = &BatchStatus{Name: k.batch}
			batches[bk] = b
		}
		b.Queues = append(b.Queues, *q)
		b.merge(q.Counters)
		b.widen(q.First, q.Last)
	}

	datasets := make(map[string]*DatasetStatus)
	for k, b := range batches {
		sort.Slice(b.Queues, func(i, j int) bool { return b.Queues[i].Name < b.Queues[j].Name })
		b.Took = b.took()
		d, ok := datasets[k.dataset]
		if !ok {
			d = &DatasetStatus{Name: k.dataset}
			datasets[k.dataset] = d
		}
		d.Batches = append(d.Batches, *b)
		d.merge(b.Counters)
		d.widen(b.First, b.Last)
	}

	out := make([]DatasetStatus, 0, len(datasets))
	for _, d := range datasets {
		sort.Slice(d.Batches, func(i, j int) bool { return d.Batches[i].Name < d.Batches[j].Name })
		d.Took = d.took()
		// a dataset whose rows all carry unknown statuses has nothing to report
		if d.Total == 0 {
			continue
		}
		out = append(out, *d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
