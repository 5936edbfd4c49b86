package models

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"time"
)

const (
	payloadEntities = "entities"
	payloadContext  = "context"
)

// Kind discriminates the job shapes a record can decode into.
type Kind string

const (
	KindJob     Kind = "job"
	KindDataset Kind = "dataset"
)

// AnyJob is either a *Job or a *DatasetJob. Use a type switch on the
// concrete type, or Kind, to tell them apart.
type AnyJob interface {
	Kind() Kind
	Header() *Job
	Encode() ([]byte, error)
}

// Stage names the queue and task a job is forwarded to next.
type Stage struct {
	Queue string `json:"queue"`
	Task  string `json:"task"`
}

// Apply moves job to this stage in place and returns it.
func (s Stage) Apply(job AnyJob) AnyJob {
	h := job.Header()
	h.Queue = s.Queue
	h.Task = s.Task
	return job
}

// Job is a unit of work with an arbitrary JSON payload.
type Job struct {
	Queue   string         `json:"queue"`
	Task    string         `json:"task"`
	Batch   string         `json:"batch,omitempty"`
	Payload map[string]any `json:"payload"`
	Stages  []Stage        `json:"stages,omitempty"`
}

func (j *Job) Kind() Kind   { return KindJob }
func (j *Job) Header() *Job { return j }

// Encode renders the job as an enqueue record.
func (j *Job) Encode() ([]byte, error) { return encode(j) }

// Context returns the auxiliary metadata stored under payload["context"].
func (j *Job) Context() map[string]any {
	if c, ok := j.Payload[payloadContext].(map[string]any); ok && c != nil {
		return c
	}
	return map[string]any{}
}

// SetContext stores a value in the payload context.
func (j *Job) SetContext(key string, value any) {
	if j.Payload == nil {
		j.Payload = make(map[string]any)
	}
	c, ok := j.Payload[payloadContext].(map[string]any)
	if !ok || c == nil {
		c = make(map[string]any)
		j.Payload[payloadContext] = c
	}
	c[key] = value
}

// DatasetJob is a job bound to a dataset. Its payload carries serialized
// entities under the "entities" key.
type DatasetJob struct {
	Job
	Dataset string `json:"dataset"`
}

func (j *DatasetJob) Kind() Kind { return KindDataset }

// Encode renders the job as an enqueue record.
func (j *DatasetJob) Encode() ([]byte, error) { return encode(j) }

func (j *DatasetJob) rawEntities() ([]any, error) {
	v, ok := j.Payload[payloadEntities]
	if !ok {
		return nil, fmt.Errorf("%w: no entities in payload", ErrInvalidJob)
	}
	switch items := v.(type) {
	case []any:
		return items, nil
	case []map[string]any:
		out := make([]any, len(items))
		for i, item := range items {
			out[i] = item
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%w: entities is %T, not a list", ErrInvalidJob, v)
	}
}

// EntityCount returns the number of entities in the payload.
func (j *DatasetJob) EntityCount() (int, error) {
	items, err := j.rawEntities()
	if err != nil {
		return 0, err
	}
	return len(items), nil
}

// Entities yields the entities embedded in the payload. Every call starts
// over from the first entity. A payload without entities yields
// ErrInvalidJob as its only element.
func (j *DatasetJob) Entities() iter.Seq2[Entity, error] {
	return func(yield func(Entity, error) bool) {
		items, err := j.rawEntities()
		if err != nil {
			yield(Entity{}, err)
			return
		}
		for _, item := range items {
			e, err := EntityFromValue(item)
			if err != nil {
				yield(Entity{}, err)
				return
			}
			if !yield(e, nil) {
				return
			}
		}
	}
}

// LoadEntities re-fetches each embedded entity by id from the entity store.
// The sequence stops after the first error, which is yielded.
func (j *DatasetJob) LoadEntities(ctx context.Context, loader EntityLoader) iter.Seq2[Entity, error] {
	return func(yield func(Entity, error) bool) {
		for e, err := range j.Entities() {
			if err != nil {
				yield(Entity{}, err)
				return
			}
			fresh, err := loader.Get(ctx, j.Dataset, e.ID)
			if err != nil {
				yield(Entity{}, err)
				return
			}
			if !yield(fresh, nil) {
				return
			}
		}
	}
}

// FileReferences yields one reference per content hash per entity.
func (j *DatasetJob) FileReferences() iter.Seq2[EntityFileReference, error] {
	return func(yield func(EntityFileReference, error) bool) {
		for e, err := range j.Entities() {
			if err != nil {
				yield(EntityFileReference{}, err)
				return
			}
			for _, hash := range e.Get(PropContentHash) {
				ref := EntityFileReference{Dataset: j.Dataset, ContentHash: hash, Entity: e}
				if !yield(ref, nil) {
					return
				}
			}
		}
	}
}

// Collect drains a sequence, stopping at the first error.
func Collect[T any](seq iter.Seq2[T, error]) ([]T, error) {
	var out []T
	for v, err := range seq {
		if err != nil {
			return out, err
		}
		out = append(out, v)
	}
	return out, nil
}

// FromEntities builds a dataset job processing entities. With dehydrate set,
// entities are reduced to id, schema and caption.
func FromEntities(dataset, queue, task string, entities []Entity, dehydrate bool) (*DatasetJob, error) {
	if dataset == "" {
		return nil, fmt.Errorf("%w: dataset is required", ErrInvalidJob)
	}
	items := make([]any, 0, len(entities))
	for _, e := range entities {
		if dehydrate {
			stub, err := e.Stub()
			if err != nil {
				return nil, fmt.Errorf("%w: %v", ErrInvalidJob, err)
			}
			items = append(items, map[string]any{"id": stub.ID, "schema": stub.Schema, "caption": stub.Caption})
			continue
		}
		v, err := e.toValue()
		if err != nil {
			return nil, err
		}
		items = append(items, v)
	}
	return &DatasetJob{
		Job: Job{
			Queue:   queue,
			Task:    task,
			Payload: map[string]any{payloadEntities: items},
		},
		Dataset: dataset,
	}, nil
}

// FromEntity builds a dataset job for a single entity.
func FromEntity(dataset, queue, task string, entity Entity, dehydrate bool) (*DatasetJob, error) {
	return FromEntities(dataset, queue, task, []Entity{entity}, dehydrate)
}

// Next pops the first remaining stage of the job and applies it. It
// reports false when the chain is exhausted.
func Next(job AnyJob) (AnyJob, bool) {
	h := job.Header()
	if len(h.Stages) == 0 {
		return job, false
	}
	stage := h.Stages[0]
	h.Stages = h.Stages[1:]
	return stage.Apply(job), true
}

func encode(job AnyJob) ([]byte, error) {
	raw, err := json.Marshal(job)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSerialization, err)
	}
	return raw, nil
}

func validate(job AnyJob) error {
	h := job.Header()
	if h.Queue == "" || h.Task == "" {
		return fmt.Errorf("%w: queue and task are required", ErrInvalidJob)
	}
	if dj, ok := job.(*DatasetJob); ok && dj.Dataset == "" {
		return fmt.Errorf("%w: dataset is required", ErrInvalidJob)
	}
	return nil
}

// record mirrors the enqueue record. Raw fields let Unpack tell a missing
// key from a null or mistyped one.
type record struct {
	Queue   *string         `json:"queue"`
	Task    *string         `json:"task"`
	Batch   string          `json:"batch"`
	Payload json.RawMessage `json:"payload"`
	Stages  []Stage         `json:"stages"`
	Dataset json.RawMessage `json:"dataset"`
}

// Unpack decodes an enqueue record. The presence of a "dataset" key selects
// a *DatasetJob, otherwise a *Job is returned.
func Unpack(data []byte) (AnyJob, error) {
	var rec record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidJob, err)
	}
	if rec.Queue == nil || *rec.Queue == "" {
		return nil, fmt.Errorf("%w: missing queue", ErrInvalidJob)
	}
	if rec.Task == nil || *rec.Task == "" {
		return nil, fmt.Errorf("%w: missing task", ErrInvalidJob)
	}
	if len(rec.Payload) == 0 || bytes.Equal(rec.Payload, []byte("null")) {
		return nil, fmt.Errorf("%w: missing payload", ErrInvalidJob)
	}
	var payload map[string]any
	if err := json.Unmarshal(rec.Payload, &payload); err != nil {
		return nil, fmt.Errorf("%w: payload: %v", ErrInvalidJob, err)
	}
	for i, s := range rec.Stages {
		if s.Queue == "" || s.Task == "" {
			return nil, fmt.Errorf("%w: stage %d needs queue and task", ErrInvalidJob, i)
		}
	}
	if len(rec.Stages) == 0 {
		rec.Stages = nil
	}
	job := Job{
		Queue:   *rec.Queue,
		Task:    *rec.Task,
		Batch:   rec.Batch,
		Payload: payload,
		Stages:  rec.Stages,
	}
	if rec.Dataset == nil {
		return &job, nil
	}
	var dataset string
	if err := json.Unmarshal(rec.Dataset, &dataset); err != nil || dataset == "" {
		return nil, fmt.Errorf("%w: dataset must be a non-empty string", ErrInvalidJob)
	}
	return &DatasetJob{Job: job, Dataset: dataset}, nil
}

// UnpackMap decodes an enqueue record given as a generic map.
func UnpackMap(data map[string]any) (AnyJob, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidJob, err)
	}
	return Unpack(raw)
}

// EnqueueRequest is what the queue engine persists for a deferred job.
type EnqueueRequest struct {
	Queue    string
	Task     string
	Args     []byte
	Priority int
	RunAt    time.Time
}

// Enqueuer hands jobs to the durable queue engine.
type Enqueuer interface {
	Enqueue(ctx context.Context, req EnqueueRequest) (int64, error)
}

// DeferOption adjusts how a job is enqueued.
type DeferOption func(*EnqueueRequest)

// WithPriority sets the queue priority of the deferred job.
func WithPriority(p int) DeferOption {
	return func(r *EnqueueRequest) { r.Priority = p }
}

// WithRunAt schedules the deferred job for later.
func WithRunAt(t time.Time) DeferOption {
	return func(r *EnqueueRequest) { r.RunAt = t }
}

// Defer serializes the job and submits it to the queue engine under its
// task and queue. The engine assigns the job id.
func Defer(ctx context.Context, q Enqueuer, job AnyJob, opts ...DeferOption) error {
	if err := validate(job); err != nil {
		return err
	}
	args, err := job.Encode()
	if err != nil {
		return err
	}
	h := job.Header()
	req := EnqueueRequest{Queue: h.Queue, Task: h.Task, Args: args}
	for _, opt := range opts {
		opt(&req)
	}
	_, err = q.Enqueue(ctx, req)
	return err
}
