package worker

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"

	"dataset-job-orchestrator/internal/logging"
	"dataset-job-orchestrator/internal/models"
	"dataset-job-orchestrator/internal/tracer"
)

// ErrUnknownTask is returned for jobs whose task has no registered handler.
var ErrUnknownTask = errors.New("unknown task")

// Handler executes a job. The returned jobs are deferred once the handler
// has succeeded, in order.
type Handler func(ctx context.Context, job models.AnyJob) ([]models.AnyJob, error)

// Task is a registered handler bound to a queue.
type Task struct {
	Name    string
	Queue   string
	handler Handler
	tracer  tracer.Tracer
}

// TaskOption configures a task at registration.
type TaskOption func(*Task)

// WithTracer marks the entities of every dataset job the task runs in the
// given sink.
func WithTracer(sink tracer.Sink) TaskOption {
	return func(t *Task) {
		if sink != nil {
			t.tracer = sink.Tracer(t.Queue, t.Name)
		}
	}
}

// Registry maps task names to tasks and runs them.
type Registry struct {
	tasks    map[string]*Task
	enqueuer models.Enqueuer
	hooks    hookChain
	errs     logging.ErrorHandler
	log      logrus.FieldLogger
}

// NewRegistry creates a registry deferring follow-up jobs through q.
func NewRegistry(q models.Enqueuer, log logrus.FieldLogger, debug bool) *Registry {
	return &Registry{
		tasks:    make(map[string]*Task),
		enqueuer: q,
		errs:     logging.ErrorHandler{Log: log, Debug: debug},
		log:      log,
	}
}

// Register binds a handler to a task name on a queue.
func (r *Registry) Register(name, queue string, handler Handler, opts ...TaskOption) *Task {
	t := &Task{Name: name, Queue: queue, handler: handler}
	for _, opt := range opts {
		opt(t)
	}
	r.tasks[name] = t
	return t
}

// Use appends execution hooks. Hooks run in the order they were added.
func (r *Registry) Use(h Hooks) {
	r.hooks = append(r.hooks, h)
}

// Lookup returns the task registered under name.
func (r *Registry) Lookup(name string) (*Task, bool) {
	t, ok := r.tasks[name]
	return t, ok
}

// Queues lists the distinct queues of all registered tasks.
func (r *Registry) Queues() []string {
	seen := make(map[string]bool)
	var out []string
	for _, t := range r.tasks {
		if !seen[t.Queue] {
			seen[t.Queue] = true
			out = append(out, t.Queue)
		}
	}
	sort.Strings(out)
	return out
}

// Run decodes the job args, runs the registered handler and defers its
// follow-up jobs. Follow-ups deferred before a failing one stay deferred.
func (r *Registry) Run(ctx context.Context, e *Execution) (err error) {
	t, ok := r.tasks[e.Task]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownTask, e.Task)
	}
	e.Started = time.Now()
	r.hooks.before(ctx, e)
	defer func() {
		elapsed := time.Since(e.Started)
		if err != nil {
			r.hooks.onError(ctx, e, elapsed, err)
			return
		}
		r.hooks.after(ctx, e, elapsed)
	}()

	job, err := models.Unpack(e.Args)
	if err != nil {
		return r.errs.Handle(err, e.Args)
	}

	ids := r.traceIDs(t, job)
	r.mark(ctx, t, ids, models.StatusDoing)
	next, err := t.handler(ctx, job)
	if err != nil {
		r.mark(ctx, t, ids, models.StatusFailed)
		return err
	}
	r.mark(ctx, t, ids, models.StatusSucceeded)

	for i, n := range next {
		if err := models.Defer(ctx, r.enqueuer, n); err != nil {
			return fmt.Errorf("defer follow-up %d of %d: %w", i+1, len(next), err)
		}
	}
	return nil
}

// traceIDs lists the entity ids to mark. Jobs without entities are not traced.
func (r *Registry) traceIDs(t *Task, job models.AnyJob) []string {
	dj, ok := job.(*models.DatasetJob)
	if t.tracer == nil || !ok {
		return nil
	}
	var ids []string
	for e, err := range dj.Entities() {
		if err != nil {
			if !errors.Is(err, models.ErrInvalidJob) {
				r.log.WithError(err).Warn("tracer: cannot read entities")
			}
			return ids
		}
		if e.ID != "" {
			ids = append(ids, e.ID)
		}
	}
	return ids
}

func (r *Registry) mark(ctx context.Context, t *Task, ids []string, status string) {
	for _, id := range ids {
		if err := t.tracer.Mark(ctx, id, status); err != nil {
			r.log.WithError(err).WithField("entity_id", id).Warn("tracer mark failed")
		}
	}
}

func formatID(id int64) string {
	return strconv.FormatInt(id, 10)
}
