package models

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"testing"
)

type recordingEnqueuer struct {
	reqs []EnqueueRequest
	err  error
}

func (r *recordingEnqueuer) Enqueue(_ context.Context, req EnqueueRequest) (int64, error) {
	if r.err != nil {
		return 0, r.err
	}
	r.reqs = append(r.reqs, req)
	return int64(len(r.reqs)), nil
}

func TestUnpackDispatch(t *testing.T) {
	job, err := Unpack([]byte(`{"queue":"q","task":"t","payload":{"a":1}}`))
	if err != nil {
		t.Fatalf("unpack job: %v", err)
	}
	if _, ok := job.(*Job); !ok || job.Kind() != KindJob {
		t.Fatalf("expected *Job, got %T", job)
	}

	job, err = Unpack([]byte(`{"queue":"q","task":"t","dataset":"ds","batch":"b1","payload":{"entities":[]}}`))
	if err != nil {
		t.Fatalf("unpack dataset job: %v", err)
	}
	dj, ok := job.(*DatasetJob)
	if !ok || dj.Dataset != "ds" || dj.Batch != "b1" || job.Kind() != KindDataset {
		t.Fatalf("expected *DatasetJob for ds, got %#v", job)
	}
}

func TestUnpackInvalid(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"not json", `{`},
		{"missing queue", `{"task":"t","payload":{}}`},
		{"missing task", `{"queue":"q","payload":{}}`},
		{"missing payload", `{"queue":"q","task":"t"}`},
		{"null payload", `{"queue":"q","task":"t","payload":null}`},
		{"payload not object", `{"queue":"q","task":"t","payload":[1]}`},
		{"empty dataset", `{"queue":"q","task":"t","dataset":"","payload":{}}`},
		{"numeric dataset", `{"queue":"q","task":"t","dataset":5,"payload":{}}`},
		{"bad stage", `{"queue":"q","task":"t","payload":{},"stages":[{"queue":"x"}]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Unpack([]byte(tt.data)); !errors.Is(err, ErrInvalidJob) {
				t.Fatalf("expected ErrInvalidJob, got %v", err)
			}
		})
	}
}

func TestEncodeRoundTrip(t *testing.T) {
	e := Entity{ID: "e1", Schema: "Person"}
	e.Add("name", "Jane")
	orig, err := FromEntity("ds", "q", "t", e, false)
	if err != nil {
		t.Fatalf("from entity: %v", err)
	}
	orig.Batch = "b1"
	orig.Stages = []Stage{{Queue: "q2", Task: "t2"}}
	orig.SetContext("origin", "upload")

	raw, err := orig.Encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	back, err := Unpack(raw)
	if err != nil {
		t.Fatalf("unpack: %v", err)
	}
	again, _ := back.Encode()
	var a, b map[string]any
	_ = json.Unmarshal(raw, &a)
	_ = json.Unmarshal(again, &b)
	if !reflect.DeepEqual(a, b) {
		t.Fatalf("round trip changed the record:\n%s\n%s", raw, again)
	}
	if back.Header().Context()["origin"] != "upload" {
		t.Fatalf("context lost: %v", back.Header().Payload)
	}
}

func TestEntitiesMissingAndRestartable(t *testing.T) {
	dj := &DatasetJob{Job: Job{Queue: "q", Task: "t", Payload: map[string]any{}}, Dataset: "ds"}
	if _, err := Collect(dj.Entities()); !errors.Is(err, ErrInvalidJob) {
		t.Fatalf("expected ErrInvalidJob without entities, got %v", err)
	}
	if _, err := dj.EntityCount(); !errors.Is(err, ErrInvalidJob) {
		t.Fatalf("expected ErrInvalidJob from count, got %v", err)
	}

	var entities []Entity
	for i := 0; i < 3; i++ {
		entities = append(entities, Entity{ID: fmt.Sprint(i), Schema: "Thing"})
	}
	dj, _ = FromEntities("ds", "q", "t", entities, false)
	first, _ := Collect(dj.Entities())
	second, _ := Collect(dj.Entities())
	if len(first) != 3 || !reflect.DeepEqual(first, second) {
		t.Fatalf("sequence must restart from the beginning: %v vs %v", first, second)
	}

	seen := 0
	for range dj.Entities() {
		seen++
		break
	}
	if seen != 1 {
		t.Fatalf("early break not honoured")
	}
}

func TestDehydrate(t *testing.T) {
	var entities []Entity
	for i := 0; i < 10; i++ {
		e := Entity{ID: fmt.Sprintf("e%d", i), Schema: "Document"}
		e.Add("fileName", fmt.Sprintf("f%d.pdf", i))
		e.Add(PropContentHash, "abcdef")
		entities = append(entities, e)
	}
	dj, err := FromEntities("ds", "q", "t", entities, true)
	if err != nil {
		t.Fatalf("from entities: %v", err)
	}
	items := dj.Payload["entities"].([]any)
	if len(items) != 10 {
		t.Fatalf("expected 10 entities, got %d", len(items))
	}
	for _, item := range items {
		m := item.(map[string]any)
		if len(m) != 3 || m["id"] == nil || m["schema"] != "Document" || m["caption"] == "" {
			t.Fatalf("dehydrated entity should only carry id, schema and caption: %v", m)
		}
	}

	if _, err := FromEntities("ds", "q", "t", []Entity{{Schema: "Thing"}}, true); !errors.Is(err, ErrInvalidJob) {
		t.Fatalf("entity without id cannot be dehydrated, got %v", err)
	}
	if _, err := FromEntities("", "q", "t", nil, false); !errors.Is(err, ErrInvalidJob) {
		t.Fatalf("expected ErrInvalidJob for empty dataset, got %v", err)
	}
}

func TestFileReferences(t *testing.T) {
	a := Entity{ID: "a", Schema: "Document"}
	a.Add(PropContentHash, "h1", "h2")
	b := Entity{ID: "b", Schema: "Person"}
	dj, _ := FromEntities("ds", "q", "t", []Entity{a, b}, false)

	refs, err := Collect(dj.FileReferences())
	if err != nil {
		t.Fatalf("refs: %v", err)
	}
	if len(refs) != 2 || refs[0].ContentHash != "h1" || refs[1].ContentHash != "h2" || refs[0].Dataset != "ds" {
		t.Fatalf("unexpected references %+v", refs)
	}
}

func TestNextWalksStages(t *testing.T) {
	job := &Job{Queue: "q1", Task: "t1", Payload: map[string]any{}, Stages: []Stage{
		{Queue: "q2", Task: "t2"},
		{Queue: "q3", Task: "t3"},
	}}
	next, ok := Next(job)
	if !ok || next.Header().Queue != "q2" || len(next.Header().Stages) != 1 {
		t.Fatalf("unexpected first hop %+v", next.Header())
	}
	next, ok = Next(next)
	if !ok || next.Header().Task != "t3" {
		t.Fatalf("unexpected second hop %+v", next.Header())
	}
	if _, ok := Next(next); ok {
		t.Fatalf("exhausted chain must report false")
	}
}

func TestDefer(t *testing.T) {
	ctx := context.Background()
	q := &recordingEnqueuer{}
	dj, _ := FromEntity("ds", "q", "t", Entity{ID: "e", Schema: "Thing"}, false)
	if err := Defer(ctx, q, dj, WithPriority(PriorityHigh())); err != nil {
		t.Fatalf("defer: %v", err)
	}
	req := q.reqs[0]
	if req.Queue != "q" || req.Task != "t" || req.Priority < 70 || req.Priority > 90 {
		t.Fatalf("unexpected request %+v", req)
	}
	back, err := Unpack(req.Args)
	if err != nil || back.(*DatasetJob).Dataset != "ds" {
		t.Fatalf("deferred args do not unpack: %v", err)
	}

	if err := Defer(ctx, q, &Job{Task: "t", Payload: map[string]any{}}); !errors.Is(err, ErrInvalidJob) {
		t.Fatalf("expected ErrInvalidJob without queue, got %v", err)
	}
	boom := errors.New("engine down")
	if err := Defer(ctx, &recordingEnqueuer{err: boom}, dj); !errors.Is(err, boom) {
		t.Fatalf("engine error must surface, got %v", err)
	}
}

func TestPriorityBuckets(t *testing.T) {
	for i := 0; i < 200; i++ {
		if p := PriorityLow(); p < 1 || p > 50 {
			t.Fatalf("low out of range: %d", p)
		}
		if p := PriorityUser(); p < 90 || p > 99 {
			t.Fatalf("user out of range: %d", p)
		}
		if p := PriorityAny(); p < 1 || p > PriorityMax {
			t.Fatalf("any out of range: %d", p)
		}
	}
}
