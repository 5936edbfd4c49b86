package pipeline

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"dataset-job-orchestrator/internal/config"
	"dataset-job-orchestrator/internal/models"
	"dataset-job-orchestrator/internal/store"
)

func settings() config.DeferSettings {
	return config.DeferSettings{
		IngestQueue: "ingest", IngestTask: "ingest.task",
		AnalyzeQueue: "analyze", AnalyzeTask: "analyze.task",
		IndexQueue: "index", IndexTask: "index.task",
		TranscribeQueue: "transcribe", TranscribeTask: "transcribe.task",
		GeocodeQueue: "geocode", GeocodeTask: "geocode.task",
		AssetsQueue: "assets", AssetsTask: "assets.task",
	}
}

func doc(id string) models.Entity {
	e := models.Entity{ID: id, Schema: "Document"}
	e.Add("fileName", id+".pdf")
	e.Add(models.PropContentHash, "abcdef"+id)
	return e
}

func TestStageJobs(t *testing.T) {
	s := New(settings())
	entities := []models.Entity{doc("1"), doc("2")}

	tests := []struct {
		name      string
		build     func(string, []models.Entity, map[string]any) (*models.DatasetJob, error)
		queue     string
		dehydrate bool
	}{
		{"ingest", s.Ingest, "ingest", false},
		{"analyze", s.Analyze, "analyze", true},
		{"index", s.Index, "index", true},
		{"transcribe", s.Transcribe, "transcribe", false},
		{"geocode", s.Geocode, "geocode", false},
		{"assets", s.ResolveAssets, "assets", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			job, err := tt.build("ds", entities, map[string]any{"origin": "upload"})
			if err != nil {
				t.Fatalf("build: %v", err)
			}
			if job.Queue != tt.queue || job.Task != tt.queue+".task" || job.Dataset != "ds" {
				t.Fatalf("unexpected routing %+v", job.Job)
			}
			if job.Context()["origin"] != "upload" {
				t.Fatalf("context not merged: %v", job.Context())
			}
			got, err := models.Collect(job.Entities())
			if err != nil || len(got) != 2 {
				t.Fatalf("entities=%v err=%v", got, err)
			}
			hasProps := len(got[0].Properties) > 0
			if hasProps == tt.dehydrate {
				t.Fatalf("dehydrate=%v but properties=%v", tt.dehydrate, got[0].Properties)
			}
		})
	}
}

func TestChain(t *testing.T) {
	s := New(settings())
	job, err := s.Chain("ds", []models.Entity{doc("1")}, "ingest", "analyze", "index")
	if err != nil {
		t.Fatalf("chain: %v", err)
	}
	if job.Queue != "ingest" || len(job.Stages) != 2 {
		t.Fatalf("unexpected chain %+v", job.Job)
	}
	next, ok := models.Next(job)
	if !ok || next.Header().Queue != "analyze" || len(next.Header().Stages) != 1 {
		t.Fatalf("unexpected next %+v", next.Header())
	}
	if _, err := s.Chain("ds", nil, "ingest", "bogus"); !errors.Is(err, models.ErrInvalidJob) {
		t.Fatalf("expected ErrInvalidJob for unknown stage, got %v", err)
	}
}

func TestDeferEntitiesChunks(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	var entities []models.Entity
	for i := 0; i < 25; i++ {
		entities = append(entities, doc(fmt.Sprint(i)))
	}
	n, err := DeferEntities(ctx, st, "ds", models.Stage{Queue: "q", Task: "t"}, entities, 10)
	if err != nil {
		t.Fatalf("defer: %v", err)
	}
	if n != 3 {
		t.Fatalf("expected 3 jobs, got %d", n)
	}
	rows, _ := st.ListJobs(ctx, store.Filter{Dataset: store.Ptr("ds")}, 10)
	if len(rows) != 3 {
		t.Fatalf("expected 3 rows for ds, got %d", len(rows))
	}
}
