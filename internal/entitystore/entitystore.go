// Package entitystore persists entities per dataset so that jobs carrying
// dehydrated stubs can load the full entity when they run.
package entitystore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"sort"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"dataset-job-orchestrator/internal/models"
	"dataset-job-orchestrator/internal/store"
)

// Store reads and writes the entities of a dataset.
type Store interface {
	models.EntityLoader
	// Put upserts entities, tagging them with the writing origin.
	Put(ctx context.Context, dataset, origin string, entities []models.Entity) error
	// All yields every entity of the dataset ordered by id.
	All(ctx context.Context, dataset string) iter.Seq2[models.Entity, error]
}

// Postgres stores entities in the entities table next to the job table.
type Postgres struct {
	pool *pgxpool.Pool
}

var _ Store = (*Postgres)(nil)

func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

func (p *Postgres) Get(ctx context.Context, dataset, id string) (models.Entity, error) {
	e := models.Entity{ID: id}
	var props []byte
	err := p.pool.QueryRow(ctx, `
		SELECT schema, caption, properties FROM entities
		WHERE dataset = $1 AND id = $2`, dataset, id,
	).Scan(&e.Schema, &e.Caption, &props)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Entity{}, fmt.Errorf("%w: %s/%s", models.ErrEntityNotFound, dataset, id)
	}
	if err != nil {
		return models.Entity{}, store.WrapErr(fmt.Sprintf("get entity %s/%s", dataset, id), err)
	}
	if err := json.Unmarshal(props, &e.Properties); err != nil {
		return models.Entity{}, fmt.Errorf("%w: entity %s: %v", models.ErrSerialization, id, err)
	}
	return e, nil
}

func (p *Postgres) Put(ctx context.Context, dataset, origin string, entities []models.Entity) error {
	if len(entities) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, e := range entities {
		if e.ID == "" {
			return models.ErrEntityNoID
		}
		props, err := json.Marshal(e.Properties)
		if err != nil {
			return fmt.Errorf("%w: entity %s: %v", models.ErrSerialization, e.ID, err)
		}
		if e.Properties == nil {
			props = []byte(`{}`)
		}
		batch.Queue(`
			INSERT INTO entities (dataset, id, schema, caption, properties, origin)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (dataset, id) DO UPDATE SET
				schema = EXCLUDED.schema,
				caption = EXCLUDED.caption,
				properties = EXCLUDED.properties,
				origin = EXCLUDED.origin,
				updated_at = NOW()`,
			dataset, e.ID, e.Schema, e.DisplayCaption(), props, origin)
	}
	if err := p.pool.SendBatch(ctx, batch).Close(); err != nil {
		return store.WrapErr("put entities", err)
	}
	return nil
}

func (p *Postgres) All(ctx context.Context, dataset string) iter.Seq2[models.Entity, error] {
	return func(yield func(models.Entity, error) bool) {
		rows, err := p.pool.Query(ctx, `
			SELECT id, schema, caption, properties FROM entities
			WHERE dataset = $1 ORDER BY id`, dataset)
		if err != nil {
			yield(models.Entity{}, store.WrapErr("list entities", err))
			return
		}
		defer rows.Close()
		for rows.Next() {
			var e models.Entity
			var props []byte
			if err := rows.Scan(&e.ID, &e.Schema, &e.Caption, &props); err != nil {
				yield(models.Entity{}, store.WrapErr("scan entity", err))
				return
			}
			if err := json.Unmarshal(props, &e.Properties); err != nil {
				yield(models.Entity{}, fmt.Errorf("%w: entity %s: %v", models.ErrSerialization, e.ID, err))
				return
			}
			if !yield(e, nil) {
				return
			}
		}
		if err := rows.Err(); err != nil {
			yield(models.Entity{}, store.WrapErr("list entities", err))
		}
	}
}

// Memory is an in-process Store.
type Memory struct {
	mu       sync.RWMutex
	datasets map[string]map[string]models.Entity
}

var _ Store = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{datasets: make(map[string]map[string]models.Entity)}
}

func (m *Memory) Get(_ context.Context, dataset, id string) (models.Entity, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.datasets[dataset][id]
	if !ok {
		return models.Entity{}, fmt.Errorf("%w: %s/%s", models.ErrEntityNotFound, dataset, id)
	}
	return e, nil
}

func (m *Memory) Put(_ context.Context, dataset, _ string, entities []models.Entity) error {
	for _, e := range entities {
		if e.ID == "" {
			return models.ErrEntityNoID
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	ds := m.datasets[dataset]
	if ds == nil {
		ds = make(map[string]models.Entity)
		m.datasets[dataset] = ds
	}
	for _, e := range entities {
		e.Caption = e.DisplayCaption()
		ds[e.ID] = e
	}
	return nil
}

func (m *Memory) All(_ context.Context, dataset string) iter.Seq2[models.Entity, error] {
	m.mu.RLock()
	ids := make([]string, 0, len(m.datasets[dataset]))
	for id := range m.datasets[dataset] {
		ids = append(ids, id)
	}
	m.mu.RUnlock()
	sort.Strings(ids)
	return func(yield func(models.Entity, error) bool) {
		for _, id := range ids {
			m.mu.RLock()
			e, ok := m.datasets[dataset][id]
			m.mu.RUnlock()
			if !ok {
				continue
			}
			if !yield(e, nil) {
				return
			}
		}
	}
}
