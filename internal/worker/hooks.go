package worker

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"dataset-job-orchestrator/internal/logging"
	"dataset-job-orchestrator/internal/telemetry"
)

// Execution describes one run of a task for the hooks.
type Execution struct {
	JobID   int64
	Queue   string
	Task    string
	Attempt int
	Args    []byte
	Started time.Time
}

// Hooks are callbacks around every task execution. Nil callbacks are skipped.
type Hooks struct {
	Before  func(ctx context.Context, e *Execution)
	After   func(ctx context.Context, e *Execution, elapsed time.Duration)
	OnError func(ctx context.Context, e *Execution, elapsed time.Duration, err error)
}

type hookChain []Hooks

func (c hookChain) before(ctx context.Context, e *Execution) {
	for _, h := range c {
		if h.Before != nil {
			h.Before(ctx, e)
		}
	}
}

func (c hookChain) after(ctx context.Context, e *Execution, elapsed time.Duration) {
	for _, h := range c {
		if h.After != nil {
			h.After(ctx, e, elapsed)
		}
	}
}

func (c hookChain) onError(ctx context.Context, e *Execution, elapsed time.Duration, err error) {
	for _, h := range c {
		if h.OnError != nil {
			h.OnError(ctx, e, elapsed, err)
		}
	}
}

// LogHooks logs one concise line per transition. Payloads are reduced to a
// job summary rather than logged in full.
func LogHooks(log logrus.FieldLogger) Hooks {
	entry := func(e *Execution) *logrus.Entry {
		return log.WithFields(logging.JobSummary(e.Args)).WithFields(logrus.Fields{
			"job":        e.Task + "[" + formatID(e.JobID) + "]",
			"queue_name": e.Queue,
			"task_name":  e.Task,
			"attempt":    e.Attempt,
		})
	}
	return Hooks{
		Before: func(_ context.Context, e *Execution) {
			entry(e).Info("job started")
		},
		After: func(_ context.Context, e *Execution, elapsed time.Duration) {
			entry(e).WithField("elapsed", elapsed.String()).Info("job succeeded")
		},
		OnError: func(_ context.Context, e *Execution, elapsed time.Duration, err error) {
			entry(e).WithField("elapsed", elapsed.String()).WithError(err).Error("job failed")
		},
	}
}

// MetricHooks counts task outcomes and tracks in-flight executions.
func MetricHooks() Hooks {
	return Hooks{
		Before: func(context.Context, *Execution) {
			telemetry.InFlightGauge.Inc()
		},
		After: func(_ context.Context, e *Execution, _ time.Duration) {
			telemetry.InFlightGauge.Dec()
			telemetry.TaskOutcomes.WithLabelValues(e.Task, "succeeded").Inc()
		},
		OnError: func(_ context.Context, e *Execution, _ time.Duration, _ error) {
			telemetry.InFlightGauge.Dec()
			telemetry.TaskOutcomes.WithLabelValues(e.Task, "failed").Inc()
		},
	}
}
