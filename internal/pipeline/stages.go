// Package pipeline builds the dataset jobs of the known processing stages
// with their configured queue and task names.
package pipeline

import (
	"context"
	"fmt"

	"dataset-job-orchestrator/internal/config"
	"dataset-job-orchestrator/internal/models"
)

// Stages constructs stage jobs from the configured routing.
type Stages struct {
	settings config.DeferSettings
}

func New(settings config.DeferSettings) Stages {
	return Stages{settings: settings}
}

func build(dataset, queue, task string, entities []models.Entity, dehydrate bool, ctx map[string]any) (*models.DatasetJob, error) {
	job, err := models.FromEntities(dataset, queue, task, entities, dehydrate)
	if err != nil {
		return nil, err
	}
	for k, v := range ctx {
		job.SetContext(k, v)
	}
	return job, nil
}

// Ingest processes original files.
func (s Stages) Ingest(dataset string, entities []models.Entity, ctx map[string]any) (*models.DatasetJob, error) {
	return build(dataset, s.settings.IngestQueue, s.settings.IngestTask, entities, false, ctx)
}

// Analyze runs entity analysis. Entities travel as stubs and are loaded by
// the analyzer.
func (s Stages) Analyze(dataset string, entities []models.Entity, ctx map[string]any) (*models.DatasetJob, error) {
	return build(dataset, s.settings.AnalyzeQueue, s.settings.AnalyzeTask, entities, true, ctx)
}

// Index sends entities to the search index, as stubs.
func (s Stages) Index(dataset string, entities []models.Entity, ctx map[string]any) (*models.DatasetJob, error) {
	return build(dataset, s.settings.IndexQueue, s.settings.IndexTask, entities, true, ctx)
}

func (s Stages) Transcribe(dataset string, entities []models.Entity, ctx map[string]any) (*models.DatasetJob, error) {
	return build(dataset, s.settings.TranscribeQueue, s.settings.TranscribeTask, entities, false, ctx)
}

func (s Stages) Geocode(dataset string, entities []models.Entity, ctx map[string]any) (*models.DatasetJob, error) {
	return build(dataset, s.settings.GeocodeQueue, s.settings.GeocodeTask, entities, false, ctx)
}

func (s Stages) ResolveAssets(dataset string, entities []models.Entity, ctx map[string]any) (*models.DatasetJob, error) {
	return build(dataset, s.settings.AssetsQueue, s.settings.AssetsTask, entities, false, ctx)
}

// Stage returns the queue and task of a stage by name.
func (s Stages) Stage(name string) (models.Stage, error) {
	switch name {
	case "ingest":
		return models.Stage{Queue: s.settings.IngestQueue, Task: s.settings.IngestTask}, nil
	case "analyze":
		return models.Stage{Queue: s.settings.AnalyzeQueue, Task: s.settings.AnalyzeTask}, nil
	case "index":
		return models.Stage{Queue: s.settings.IndexQueue, Task: s.settings.IndexTask}, nil
	case "transcribe":
		return models.Stage{Queue: s.settings.TranscribeQueue, Task: s.settings.TranscribeTask}, nil
	case "geocode":
		return models.Stage{Queue: s.settings.GeocodeQueue, Task: s.settings.GeocodeTask}, nil
	case "assets":
		return models.Stage{Queue: s.settings.AssetsQueue, Task: s.settings.AssetsTask}, nil
	}
	return models.Stage{}, fmt.Errorf("%w: unknown stage %q", models.ErrInvalidJob, name)
}

// Chain returns a job for the first named stage that forwards through the
// remaining stages in order.
func (s Stages) Chain(dataset string, entities []models.Entity, names ...string) (*models.DatasetJob, error) {
	if len(names) == 0 {
		return nil, fmt.Errorf("%w: empty stage chain", models.ErrInvalidJob)
	}
	stages := make([]models.Stage, 0, len(names))
	for _, name := range names {
		st, err := s.Stage(name)
		if err != nil {
			return nil, err
		}
		stages = append(stages, st)
	}
	job, err := build(dataset, stages[0].Queue, stages[0].Task, entities, false, nil)
	if err != nil {
		return nil, err
	}
	if len(stages) > 1 {
		job.Stages = stages[1:]
	}
	return job, nil
}

// DeferEntities defers one job per chunk of entities to the given stage.
// It returns the number of jobs deferred.
func DeferEntities(ctx context.Context, q models.Enqueuer, dataset string, stage models.Stage, entities []models.Entity, chunk int, opts ...models.DeferOption) (int, error) {
	if chunk <= 0 {
		chunk = len(entities)
	}
	n := 0
	for start := 0; start < len(entities); start += chunk {
		end := min(start+chunk, len(entities))
		job, err := models.FromEntities(dataset, stage.Queue, stage.Task, entities[start:end], false)
		if err != nil {
			return n, err
		}
		if err := models.Defer(ctx, q, job, opts...); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}
