package models

import "errors"

var (
	// ErrInvalidJob marks a malformed or incomplete job record or payload.
	ErrInvalidJob = errors.New("invalid job")
	// ErrEntityNotFound is returned when a referenced entity is missing from the entity store.
	ErrEntityNotFound = errors.New("entity not found")
	// ErrArchiveFileNotFound is returned when a content hash is missing from the archive.
	ErrArchiveFileNotFound = errors.New("archive file not found")
	// ErrSerialization is returned when a job payload cannot be encoded for persistence.
	ErrSerialization = errors.New("job not serializable")
	// ErrStoreUnavailable wraps transport and connection failures of a backing store.
	ErrStoreUnavailable = errors.New("store unavailable")
	// ErrDatasetNotFound is returned by status lookups for datasets without job rows.
	ErrDatasetNotFound = errors.New("dataset not found")
)
