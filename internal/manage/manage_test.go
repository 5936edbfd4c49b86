package manage

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"dataset-job-orchestrator/internal/models"
	"dataset-job-orchestrator/internal/store"
)

func quietLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

func at(min int) *time.Time {
	t := time.Date(2024, 1, 1, 12, min, 0, 0, time.UTC)
	return &t
}

func row(dataset, batch, queue, task, status string, jobs int64, first, last int) store.StatusRow {
	return store.StatusRow{
		Dataset: dataset, Batch: batch, Queue: queue, Task: task, Status: status,
		Jobs: jobs, MinTS: at(first), MaxTS: at(last),
	}
}

func TestRollupCountsAndOrder(t *testing.T) {
	rows := []store.StatusRow{
		row("ds2", "default", "q1", "t1", models.StatusSucceeded, 4, 0, 5),
		row("ds1", "b2", "q2", "t9", models.StatusTodo, 3, 10, 11),
		row("ds1", "b1", "q1", "t2", models.StatusDoing, 2, 1, 20),
		row("ds1", "b1", "q1", "t1", models.StatusFailed, 1, 2, 3),
		row("ds1", "b1", "q1", "t1", models.StatusAborting, 1, 4, 6),
		row("ds1", "b1", "q1", "t1", models.StatusCancelled, 5, 0, 7),
	}
	out := Rollup(rows)
	if len(out) != 2 || out[0].Name != "ds1" || out[1].Name != "ds2" {
		t.Fatalf("datasets must be ordered by name: %+v", out)
	}

	ds1 := out[0]
	if ds1.Total != 12 || ds1.Todo != 3 || ds1.Doing != 3 || ds1.Failed != 1 || ds1.Cancelled != 5 {
		t.Fatalf("unexpected ds1 counters %+v", ds1.Counters)
	}
	sum := ds1.Todo + ds1.Doing + ds1.Succeeded + ds1.Failed + ds1.Cancelled
	if sum != ds1.Total {
		t.Fatalf("total %d must equal the sum of statuses %d", ds1.Total, sum)
	}
	if len(ds1.Batches) != 2 || ds1.Batches[0].Name != "b1" {
		t.Fatalf("batches must be ordered: %+v", ds1.Batches)
	}
	b1 := ds1.Batches[0]
	if len(b1.Queues) != 1 || len(b1.Queues[0].Tasks) != 2 || b1.Queues[0].Tasks[0].Name != "t1" {
		t.Fatalf("unexpected batch tree %+v", b1)
	}
	if b1.Queues[0].Tasks[0].Total != 7 {
		t.Fatalf("task t1 should count 7 jobs, got %d", b1.Queues[0].Tasks[0].Total)
	}

	if !ds1.IsActive() || !ds1.IsRunning() {
		t.Fatalf("ds1 has pending and running jobs")
	}
	if out[1].IsActive() || out[1].IsRunning() {
		t.Fatalf("ds2 only has finished jobs")
	}

	if ds1.First == nil || !ds1.First.Equal(*at(0)) || !ds1.Last.Equal(*at(20)) {
		t.Fatalf("unexpected span %v..%v", ds1.First, ds1.Last)
	}
	if ds1.Took == nil || *ds1.Took != 20*time.Minute {
		t.Fatalf("expected took 20m, got %v", ds1.Took)
	}
	if b2 := ds1.Batches[1]; b2.Took == nil || *b2.Took != time.Minute {
		t.Fatalf("expected batch b2 took 1m, got %v", b2.Took)
	}
}

func TestRollupUnknownTimestamps(t *testing.T) {
	out := Rollup([]store.StatusRow{{Dataset: "ds", Batch: "b", Queue: "q", Task: "t", Status: models.StatusTodo, Jobs: 1}})
	if len(out) != 1 || out[0].Took != nil {
		t.Fatalf("took stays unknown without timestamps: %+v", out)
	}
	if len(Rollup(nil)) != 0 {
		t.Fatalf("no rows, no datasets")
	}
}

func seed(t *testing.T, st store.JobStore, dataset, task string, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		job, err := models.FromEntity(dataset, "q1", task, models.Entity{ID: "e", Schema: "Thing"}, false)
		if err != nil {
			t.Fatalf("job: %v", err)
		}
		if err := models.Defer(context.Background(), st, job); err != nil {
			t.Fatalf("defer: %v", err)
		}
	}
}

func TestGetStatusActiveOnly(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	m := New(st, quietLogger())
	seed(t, st, "live", "t1", 1)
	seed(t, st, "done", "t1", 1)

	row, _ := st.Claim(ctx, nil)
	if row.Dataset != "live" {
		t.Fatalf("expected first job of live, got %s", row.Dataset)
	}
	rows, _ := st.ListJobs(ctx, store.Filter{Dataset: store.Ptr("done")}, 1)
	_, _ = st.Claim(ctx, nil)
	_ = st.Finish(ctx, rows[0].ID, models.StatusSucceeded, nil)

	all, err := m.GetStatus(ctx, nil, false)
	if err != nil || len(all) != 2 {
		t.Fatalf("expected both datasets, got %+v err=%v", all, err)
	}
	active, _ := m.GetStatus(ctx, nil, true)
	if len(active) != 1 || active[0].Name != "live" || !active[0].IsRunning() {
		t.Fatalf("expected only the running dataset, got %+v", active)
	}

	if _, err := m.GetDatasetStatus(ctx, "done", true); !errors.Is(err, models.ErrDatasetNotFound) {
		t.Fatalf("inactive dataset must be not found in active mode, got %v", err)
	}
	ds, err := m.GetDatasetStatus(ctx, "done", false)
	if err != nil || ds.Succeeded != 1 {
		t.Fatalf("unexpected done status %+v err=%v", ds, err)
	}
	if _, err := m.GetDatasetStatus(ctx, "nope", false); !errors.Is(err, models.ErrDatasetNotFound) {
		t.Fatalf("expected ErrDatasetNotFound, got %v", err)
	}
}

func TestCancelJobsPerTask(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	m := New(st, quietLogger())
	seed(t, st, "ds", "target", 2)
	seed(t, st, "ds", "other", 8)

	// one target job is running
	running, _ := st.Claim(ctx, nil)
	if running.Task != "target" {
		t.Fatalf("expected the oldest job to be a target job")
	}

	res, err := m.CancelJobsPerTask(ctx, "target")
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if res.Deleted != 1 || res.Aborted != 1 {
		t.Fatalf("unexpected result %+v", res)
	}
	left, _ := st.ListJobs(ctx, store.Filter{}, 100)
	if len(left) != 9 {
		t.Fatalf("expected 9 rows left, got %d", len(left))
	}
	for _, r := range left {
		if r.Task == "other" && (r.Status != models.StatusTodo || r.AbortRequested) {
			t.Fatalf("other task must be untouched: %+v", r)
		}
	}
	if aborted, _ := st.AbortRequested(ctx, running.ID); !aborted {
		t.Fatalf("running job must be flagged for abort")
	}

	again, err := m.CancelJobsPerTask(ctx, "target")
	if err != nil || again.Deleted != 0 || again.Aborted != 0 {
		t.Fatalf("second cancel must be a no-op, got %+v err=%v", again, err)
	}

	if _, err := m.CancelJobs(ctx, store.Filter{Status: store.Ptr("bogus")}); err == nil {
		t.Fatalf("unknown status must be rejected")
	}
}

func TestCancelPerDatasetAndQueue(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	m := New(st, quietLogger())
	seed(t, st, "a", "t", 3)
	seed(t, st, "b", "t", 2)

	res, _ := m.CancelJobsPerDataset(ctx, "a")
	if res.Deleted != 3 {
		t.Fatalf("expected 3 deleted, got %+v", res)
	}
	res, _ = m.CancelJobsPerQueue(ctx, "q1")
	if res.Deleted != 2 {
		t.Fatalf("expected 2 deleted, got %+v", res)
	}
}

func TestRetryIgnoresStatusFilter(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	m := New(st, quietLogger())
	seed(t, st, "ds", "t", 2)
	row, _ := st.Claim(ctx, nil)
	msg := "boom"
	_ = st.Finish(ctx, row.ID, models.StatusFailed, &msg)

	n, err := m.RetryJobs(ctx, store.Filter{Dataset: store.Ptr("ds"), Status: store.Ptr(models.StatusTodo)})
	if err != nil || n != 1 {
		t.Fatalf("expected 1 retried, got %d err=%v", n, err)
	}
}
