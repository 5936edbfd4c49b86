package models

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// PropContentHash is the entity property holding archive content hashes.
const PropContentHash = "contentHash"

// captionProps are consulted in order when an entity carries no caption.
var captionProps = []string{"name", "title", "fileName", "label"}

// Entity is a serialized domain entity as carried in job payloads.
type Entity struct {
	ID         string              `json:"id"`
	Schema     string              `json:"schema"`
	Caption    string              `json:"caption,omitempty"`
	Properties map[string][]string `json:"properties,omitempty"`
}

// ErrEntityNoID is returned when an entity without an id is reduced to a stub.
var ErrEntityNoID = errors.New("entity has no id")

// Get returns the values of a property.
func (e Entity) Get(prop string) []string {
	return e.Properties[prop]
}

// Add appends non-empty values to a property.
func (e *Entity) Add(prop string, values ...string) {
	for _, v := range values {
		if v == "" {
			continue
		}
		if e.Properties == nil {
			e.Properties = make(map[string][]string)
		}
		e.Properties[prop] = append(e.Properties[prop], v)
	}
}

// DisplayCaption returns the caption, falling back to naming properties and
// finally the schema.
func (e Entity) DisplayCaption() string {
	if e.Caption != "" {
		return e.Caption
	}
	for _, p := range captionProps {
		if vs := e.Get(p); len(vs) > 0 {
			return vs[0]
		}
	}
	return e.Schema
}

// Stub reduces the entity to id, schema and caption.
func (e Entity) Stub() (Entity, error) {
	if e.ID == "" {
		return Entity{}, ErrEntityNoID
	}
	return Entity{ID: e.ID, Schema: e.Schema, Caption: e.DisplayCaption()}, nil
}

// ChecksumStub is Stub plus the content hashes of the entity.
func (e Entity) ChecksumStub() (Entity, error) {
	stub, err := e.Stub()
	if err != nil {
		return Entity{}, err
	}
	stub.Add(PropContentHash, e.Get(PropContentHash)...)
	return stub, nil
}

// toValue renders the entity the way it is embedded in a payload.
func (e Entity) toValue() (map[string]any, error) {
	e.Caption = e.DisplayCaption()
	raw, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSerialization, err)
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSerialization, err)
	}
	return out, nil
}

// EntityFromValue parses one element of a payload's entities list.
func EntityFromValue(v any) (Entity, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return Entity{}, fmt.Errorf("%w: entity: %v", ErrInvalidJob, err)
	}
	var e Entity
	if err := json.Unmarshal(raw, &e); err != nil {
		return Entity{}, fmt.Errorf("%w: entity: %v", ErrInvalidJob, err)
	}
	if e.Schema == "" {
		return Entity{}, fmt.Errorf("%w: entity %q has no schema", ErrInvalidJob, e.ID)
	}
	return e, nil
}

// EntityLoader fetches the current version of an entity from the entity store.
type EntityLoader interface {
	Get(ctx context.Context, dataset, id string) (Entity, error)
}

// FileOpener opens archive files by content hash.
type FileOpener interface {
	Open(ctx context.Context, contentHash string) (io.ReadCloser, error)
	LocalPath(ctx context.Context, contentHash string) (string, func(), error)
}

// EntityFileReference points at an archive file attached to an entity.
type EntityFileReference struct {
	Dataset     string `json:"dataset"`
	ContentHash string `json:"content_hash"`
	Entity      Entity `json:"entity"`
}

// Open opens the referenced file. The caller closes it.
func (r EntityFileReference) Open(ctx context.Context, archive FileOpener) (io.ReadCloser, error) {
	return archive.Open(ctx, r.ContentHash)
}

// LocalPath materializes the referenced file on local disk. cleanup removes
// any temporary copy and must be called when done.
func (r EntityFileReference) LocalPath(ctx context.Context, archive FileOpener) (string, func(), error) {
	return archive.LocalPath(ctx, r.ContentHash)
}
