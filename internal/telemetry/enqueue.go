package telemetry

import (
	"context"

	"dataset-job-orchestrator/internal/models"
)

// Metered counts deferrals per queue on top of an Enqueuer.
type Metered struct {
	models.Enqueuer
}

func (m Metered) Enqueue(ctx context.Context, req models.EnqueueRequest) (int64, error) {
	id, err := m.Enqueuer.Enqueue(ctx, req)
	if err != nil {
		DeferFailures.WithLabelValues(req.Queue).Inc()
		return 0, err
	}
	DeferredJobs.WithLabelValues(req.Queue).Inc()
	return id, nil
}
