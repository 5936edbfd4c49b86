package entitystore

import (
	"context"
	"errors"
	"os"
	"testing"

	"dataset-job-orchestrator/internal/models"
	"dataset-job-orchestrator/internal/store"
)

func sampleEntities() []models.Entity {
	a := models.Entity{ID: "b", Schema: "Person"}
	a.Add("name", "Jane Doe")
	b := models.Entity{ID: "a", Schema: "Document", Caption: "report.pdf"}
	b.Add(models.PropContentHash, "abcdef0123")
	return []models.Entity{a, b}
}

func exerciseStore(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()
	if err := s.Put(ctx, "ds", "test", sampleEntities()); err != nil {
		t.Fatalf("put: %v", err)
	}

	e, err := s.Get(ctx, "ds", "b")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if e.Caption != "Jane Doe" || e.Get("name")[0] != "Jane Doe" {
		t.Fatalf("unexpected entity %+v", e)
	}
	if _, err := s.Get(ctx, "other", "b"); !errors.Is(err, models.ErrEntityNotFound) {
		t.Fatalf("expected ErrEntityNotFound, got %v", err)
	}

	all, err := models.Collect(s.All(ctx, "ds"))
	if err != nil {
		t.Fatalf("all: %v", err)
	}
	if len(all) != 2 || all[0].ID != "a" || all[1].ID != "b" {
		t.Fatalf("expected entities ordered by id, got %+v", all)
	}

	mixed := []models.Entity{{ID: "c", Schema: "Thing"}, {Schema: "Thing"}}
	if err := s.Put(ctx, "ds", "test", mixed); !errors.Is(err, models.ErrEntityNoID) {
		t.Fatalf("expected ErrEntityNoID, got %v", err)
	}
	if _, err := s.Get(ctx, "ds", "c"); !errors.Is(err, models.ErrEntityNotFound) {
		t.Fatalf("a rejected put writes nothing, got %v", err)
	}
}

func TestMemoryStore(t *testing.T) {
	exerciseStore(t, NewMemory())
}

func TestLoadEntitiesHydratesStubs(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	if err := m.Put(ctx, "ds", "test", sampleEntities()); err != nil {
		t.Fatalf("put: %v", err)
	}
	job, err := models.FromEntities("ds", "q", "t", sampleEntities(), true)
	if err != nil {
		t.Fatalf("job: %v", err)
	}
	full, err := models.Collect(job.LoadEntities(ctx, m))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(full) != 2 || len(full[1].Get(models.PropContentHash)) != 1 {
		t.Fatalf("expected hydrated entities, got %+v", full)
	}

	missing, _ := models.FromEntity("ds", "q", "t", models.Entity{ID: "zz", Schema: "Thing"}, true)
	if _, err := models.Collect(missing.LoadEntities(ctx, m)); !errors.Is(err, models.ErrEntityNotFound) {
		t.Fatalf("expected ErrEntityNotFound, got %v", err)
	}
}

func TestPostgresStore(t *testing.T) {
	dsn := os.Getenv("TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("TEST_POSTGRES_DSN not set")
	}
	ctx := context.Background()
	st, err := store.New(ctx, dsn)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer st.Close()
	if err := st.RunMigrations(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if _, err := st.Pool().Exec(ctx, `DELETE FROM entities WHERE dataset IN ('ds', 'other')`); err != nil {
		t.Fatalf("reset: %v", err)
	}
	exerciseStore(t, NewPostgres(st.Pool()))
}
