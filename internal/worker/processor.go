package worker

import (
	"context"
	"errors"
	"math"
	"math/rand/v2"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"dataset-job-orchestrator/internal/config"
	"dataset-job-orchestrator/internal/models"
	"dataset-job-orchestrator/internal/store"
)

// ErrAborted is the cancellation cause of a job whose abort was requested.
var ErrAborted = errors.New("job aborted")

// Processor drives the worker execution loop.
type Processor struct {
	cfg      config.Config
	store    store.JobStore
	registry *Registry
	log      logrus.FieldLogger
	workerID string
	queues   []string
}

// NewProcessor creates a processor claiming jobs for the configured queues,
// or for every queue the registry serves when none are configured.
func NewProcessor(cfg config.Config, st store.JobStore, reg *Registry, log logrus.FieldLogger) *Processor {
	id := cfg.WorkerID
	if id == "" {
		id = uuid.NewString()
	}
	queues := cfg.WorkerQueues
	if len(queues) == 0 {
		queues = reg.Queues()
	}
	return &Processor{
		cfg:      cfg,
		store:    st,
		registry: reg,
		log:      log.WithField("worker_id", id),
		workerID: id,
		queues:   queues,
	}
}

// WorkerID identifies this processor in logs.
func (p *Processor) WorkerID() string { return p.workerID }

// Run starts the main worker loop until context cancellation.
func (p *Processor) Run(ctx context.Context) error {
	p.log.WithField("queues", p.queues).Info("worker started")
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		claimed, err := p.RunOnce(ctx)
		if err != nil {
			p.log.WithError(err).Warn("claim failed")
		}
		if claimed {
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(p.cfg.WorkerPollInterval):
		}
	}
}

// RunUntilEmpty processes jobs until no due job is left.
func (p *Processor) RunUntilEmpty(ctx context.Context) error {
	for {
		claimed, err := p.RunOnce(ctx)
		if err != nil {
			return err
		}
		if !claimed {
			return nil
		}
	}
}

// RunOnce claims and executes at most one job. It reports whether a job was
// claimed.
func (p *Processor) RunOnce(ctx context.Context) (bool, error) {
	row, err := p.store.Claim(ctx, p.queues)
	if err != nil {
		return false, err
	}
	if row == nil {
		return false, nil
	}
	p.execute(ctx, row)
	return true, nil
}

func (p *Processor) execute(ctx context.Context, row *models.JobRow) {
	jobCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	stop := make(chan struct{})
	go p.watchAbort(jobCtx, row.ID, cancel, stop)

	err := p.registry.Run(jobCtx, &Execution{
		JobID:   row.ID,
		Queue:   row.Queue,
		Task:    row.Task,
		Attempt: row.Attempts,
		Args:    row.Args,
	})
	close(stop)

	// The job context may be gone; state transitions must still land.
	finishCtx := context.WithoutCancel(ctx)
	log := p.log.WithFields(logrus.Fields{"job_id": row.ID, "task_name": row.Task})

	switch {
	case err == nil:
		p.finish(finishCtx, log, row.ID, models.StatusSucceeded, nil)
	case errors.Is(context.Cause(jobCtx), ErrAborted):
		p.finish(finishCtx, log, row.ID, models.StatusCancelled, ptr(ErrAborted.Error()))
	case ctx.Err() != nil:
		// Shutdown: hand the job back untouched for another worker.
		if rerr := p.store.Reschedule(finishCtx, row.ID, time.Now(), err.Error()); rerr != nil {
			log.WithError(rerr).Error("requeue on shutdown failed")
		}
	case permanent(err) || row.Attempts >= p.cfg.MaxAttempts:
		p.finish(finishCtx, log, row.ID, models.StatusFailed, ptr(err.Error()))
	default:
		backoff := backoffWithJitter(p.cfg.BackoffInitial, p.cfg.BackoffMax, row.Attempts)
		nextRun := time.Now().Add(backoff)
		if rerr := p.store.Reschedule(finishCtx, row.ID, nextRun, err.Error()); rerr != nil {
			log.WithError(rerr).Error("reschedule failed")
			return
		}
		log.WithFields(logrus.Fields{
			"attempts": row.Attempts,
			"next_run": nextRun.UTC().Format(time.RFC3339),
		}).Info("retry scheduled")
	}
}

func (p *Processor) finish(ctx context.Context, log logrus.FieldLogger, id int64, status string, lastError *string) {
	if err := p.store.Finish(ctx, id, status, lastError); err != nil {
		log.WithError(err).WithField("status", status).Error("finish failed")
	}
}

// watchAbort polls the abort flag of a running job and cancels its context
// once cancellation was requested.
func (p *Processor) watchAbort(ctx context.Context, id int64, cancel context.CancelCauseFunc, stop <-chan struct{}) {
	interval := p.cfg.AbortCheckInterval
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			aborted, err := p.store.AbortRequested(ctx, id)
			if err != nil {
				p.log.WithError(err).WithField("job_id", id).Warn("abort check failed")
				continue
			}
			if aborted {
				cancel(ErrAborted)
				return
			}
		}
	}
}

// permanent errors fail the job without further attempts.
func permanent(err error) bool {
	return errors.Is(err, models.ErrInvalidJob) || errors.Is(err, ErrUnknownTask)
}

func backoffWithJitter(base, max time.Duration, attempt int) time.Duration {
	if attempt <= 0 {
		return base
	}
	exp := float64(base) * math.Pow(2, float64(attempt-1))
	wait := time.Duration(exp)
	if wait > max || exp > float64(math.MaxInt64) {
		wait = max
	}
	if wait < 2 {
		return wait
	}
	jitter := time.Duration(rand.Int64N(int64(wait / 2)))
	return wait/2 + jitter
}

func ptr(s string) *string { return &s }
