// Package tracer marks per-entity task progress in a fast key/value sink so
// that services can tell whether an entity is being processed without
// querying the job table.
package tracer

import (
	"context"
	"sync"

	"dataset-job-orchestrator/internal/models"
)

// Tracer marks entity progress for one (queue, task) pair.
type Tracer interface {
	// Mark records a status for the entity. Marking succeeded removes the
	// entity, absence meaning "not processing".
	Mark(ctx context.Context, entityID, status string) error
	// IsProcessing reports whether the entity is marked todo or doing.
	IsProcessing(ctx context.Context, entityID string) (bool, error)
}

// Sink hands out tracers scoped by queue and task.
type Sink interface {
	Tracer(queue, task string) Tracer
}

func Add(ctx context.Context, t Tracer, entityID string) error {
	return t.Mark(ctx, entityID, models.StatusTodo)
}

func Start(ctx context.Context, t Tracer, entityID string) error {
	return t.Mark(ctx, entityID, models.StatusDoing)
}

func Finish(ctx context.Context, t Tracer, entityID string) error {
	return t.Mark(ctx, entityID, models.StatusSucceeded)
}

func processing(status string) bool {
	return status == models.StatusTodo || status == models.StatusDoing
}

// Memory is a process-local Sink.
type Memory struct {
	mu   sync.Mutex
	keys map[string]string
}

func NewMemory() *Memory {
	return &Memory{keys: make(map[string]string)}
}

func (m *Memory) Tracer(queue, task string) Tracer {
	return &memoryTracer{sink: m, prefix: keyPrefix(queue, task)}
}

// Status returns the raw mark of an entity, for inspection.
func (m *Memory) Status(queue, task, entityID string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.keys[keyPrefix(queue, task)+entityID]
	return s, ok
}

type memoryTracer struct {
	sink   *Memory
	prefix string
}

func (t *memoryTracer) Mark(_ context.Context, entityID, status string) error {
	t.sink.mu.Lock()
	defer t.sink.mu.Unlock()
	if status == models.StatusSucceeded {
		delete(t.sink.keys, t.prefix+entityID)
		return nil
	}
	t.sink.keys[t.prefix+entityID] = status
	return nil
}

func (t *memoryTracer) IsProcessing(_ context.Context, entityID string) (bool, error) {
	t.sink.mu.Lock()
	defer t.sink.mu.Unlock()
	return processing(t.sink.keys[t.prefix+entityID]), nil
}

func keyPrefix(queue, task string) string {
	return "tracer:" + queue + ":" + task + ":"
}
