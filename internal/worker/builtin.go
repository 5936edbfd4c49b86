package worker

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"io"
	"strings"

	"dataset-job-orchestrator/internal/entitystore"
	"dataset-job-orchestrator/internal/models"
)

// Task names of the handlers this service ships with.
const (
	TaskForward  = "orchestrator.forward"
	TaskStore    = "orchestrator.store"
	TaskChecksum = "orchestrator.checksum"
)

// Forward hands the job on to its next stage, if any.
func Forward(_ context.Context, job models.AnyJob) ([]models.AnyJob, error) {
	if next, ok := models.Next(job); ok {
		return []models.AnyJob{next}, nil
	}
	return nil, nil
}

func datasetJob(job models.AnyJob) (*models.DatasetJob, error) {
	dj, ok := job.(*models.DatasetJob)
	if !ok {
		return nil, fmt.Errorf("%w: %s needs a dataset job", models.ErrInvalidJob, job.Header().Task)
	}
	return dj, nil
}

// StoreEntities writes the job's entities to the entity store so that
// later stages can run on dehydrated stubs, then forwards the job.
func StoreEntities(es entitystore.Store) Handler {
	return func(ctx context.Context, job models.AnyJob) ([]models.AnyJob, error) {
		dj, err := datasetJob(job)
		if err != nil {
			return nil, err
		}
		entities, err := models.Collect(dj.Entities())
		if err != nil {
			return nil, err
		}
		if err := es.Put(ctx, dj.Dataset, dj.Task, entities); err != nil {
			return nil, err
		}
		return Forward(ctx, job)
	}
}

// VerifyChecksums reads every archive file the job's entities reference and
// fails when a file is missing or its content does not match its hash.
func VerifyChecksums(archive models.FileOpener) Handler {
	return func(ctx context.Context, job models.AnyJob) ([]models.AnyJob, error) {
		dj, err := datasetJob(job)
		if err != nil {
			return nil, err
		}
		for ref, err := range dj.FileReferences() {
			if err != nil {
				return nil, err
			}
			if err := verify(ctx, archive, ref); err != nil {
				return nil, err
			}
		}
		return Forward(ctx, job)
	}
}

func verify(ctx context.Context, archive models.FileOpener, ref models.EntityFileReference) error {
	rc, err := ref.Open(ctx, archive)
	if err != nil {
		return err
	}
	defer rc.Close()
	h := sha1.New()
	if _, err := io.Copy(h, rc); err != nil {
		return fmt.Errorf("read %s: %w", ref.ContentHash, err)
	}
	if got := hex.EncodeToString(h.Sum(nil)); got != strings.ToLower(ref.ContentHash) {
		return fmt.Errorf("entity %s: checksum mismatch, have %s want %s", ref.Entity.ID, got, ref.ContentHash)
	}
	return nil
}
