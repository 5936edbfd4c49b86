// Package archive stores and retrieves files by content hash. Files live
// under a path derived from the hash: ab/cd/ef/<hash>/data.
package archive

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"dataset-job-orchestrator/internal/models"
)

const blobName = "data"

// Archive is a content-addressed file store.
type Archive interface {
	models.FileOpener
	// Put stores the content of r and returns its content hash.
	Put(ctx context.Context, r io.Reader) (string, error)
}

// Key returns the relative storage path of a content hash.
func Key(contentHash string) (string, error) {
	h := strings.ToLower(strings.TrimSpace(contentHash))
	if len(h) < 6 {
		return "", fmt.Errorf("%w: invalid content hash %q", models.ErrArchiveFileNotFound, contentHash)
	}
	for _, c := range h {
		if !strings.ContainsRune("0123456789abcdef", c) {
			return "", fmt.Errorf("%w: invalid content hash %q", models.ErrArchiveFileNotFound, contentHash)
		}
	}
	return path.Join(h[0:2], h[2:4], h[4:6], h, blobName), nil
}

// Dir is an archive on the local filesystem.
type Dir struct {
	root string
}

var _ Archive = (*Dir)(nil)

func NewDir(root string) *Dir {
	return &Dir{root: root}
}

func (d *Dir) path(contentHash string) (string, error) {
	key, err := Key(contentHash)
	if err != nil {
		return "", err
	}
	return filepath.Join(d.root, filepath.FromSlash(key)), nil
}

func (d *Dir) Open(_ context.Context, contentHash string) (io.ReadCloser, error) {
	p, err := d.path(contentHash)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(p)
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("%w: %s", models.ErrArchiveFileNotFound, contentHash)
	}
	return f, err
}

// LocalPath returns the archive path itself; there is nothing to clean up.
func (d *Dir) LocalPath(_ context.Context, contentHash string) (string, func(), error) {
	p, err := d.path(contentHash)
	if err != nil {
		return "", nil, err
	}
	if _, err := os.Stat(p); os.IsNotExist(err) {
		return "", nil, fmt.Errorf("%w: %s", models.ErrArchiveFileNotFound, contentHash)
	} else if err != nil {
		return "", nil, err
	}
	return p, func() {}, nil
}

func (d *Dir) Put(_ context.Context, r io.Reader) (string, error) {
	if err := os.MkdirAll(d.root, 0o755); err != nil {
		return "", fmt.Errorf("create archive dir: %w", err)
	}
	tmp, err := os.CreateTemp(d.root, ".upload-*")
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	hash, err := copyHashed(tmp, r)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return "", err
	}
	p, err := d.path(hash)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return "", fmt.Errorf("create archive dir: %w", err)
	}
	if err := os.Rename(tmp.Name(), p); err != nil {
		return "", fmt.Errorf("store %s: %w", hash, err)
	}
	return hash, nil
}

// copyHashed copies r to w and returns the SHA1 checksum of the content.
func copyHashed(w io.Writer, r io.Reader) (string, error) {
	h := sha1.New()
	if _, err := io.Copy(io.MultiWriter(w, h), r); err != nil {
		return "", fmt.Errorf("write archive file: %w", err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
