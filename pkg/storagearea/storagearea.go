// Package storagearea is the opaque blob-store capability the server index
// consumes for attachment bytes. The index only ever remembers a uuid;
// where and how that uuid's bytes live is this package's concern entirely.
package storagearea

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

// ErrNotFound is returned by Read/Remove when uuid has no stored content.
var ErrNotFound = errors.New("storagearea: not found")

// Area creates, reads and removes opaque blobs keyed by uuid.
type Area interface {
	// Create stores content under a freshly generated uuid and returns it.
	Create(ctx context.Context, content []byte) (uuid string, err error)
	// Read returns the bytes stored under uuid.
	Read(ctx context.Context, uuid string) ([]byte, error)
	// Remove deletes the blob stored under uuid. Removing a missing uuid
	// is not an error.
	Remove(ctx context.Context, uuid string) error
}

// FilesystemArea stores each blob as a file named after its uuid under a
// root directory, split into two levels of subdirectory by uuid prefix to
// keep any one directory from growing unbounded — the same fan-out shape
// Orthanc's own storage area uses for its attachment files.
type FilesystemArea struct {
	root string
}

// NewFilesystemArea builds a FilesystemArea rooted at dir, creating it if
// it does not already exist.
func NewFilesystemArea(dir string) (*FilesystemArea, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("storagearea: create root %s: %w", dir, err)
	}
	return &FilesystemArea{root: dir}, nil
}

func (a *FilesystemArea) path(id string) string {
	if len(id) < 4 {
		return filepath.Join(a.root, id)
	}
	return filepath.Join(a.root, id[0:2], id[2:4], id)
}

// Create stores content under a freshly generated uuid.
func (a *FilesystemArea) Create(ctx context.Context, content []byte) (string, error) {
	id := uuid.NewString()
	p := a.path(id)
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return "", fmt.Errorf("storagearea: create dir for %s: %w", id, err)
	}
	if err := os.WriteFile(p, content, 0o644); err != nil {
		return "", fmt.Errorf("storagearea: write %s: %w", id, err)
	}
	return id, nil
}

// Read returns the bytes stored under id.
func (a *FilesystemArea) Read(ctx context.Context, id string) ([]byte, error) {
	data, err := os.ReadFile(a.path(id))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("storagearea: read %s: %w", id, err)
	}
	return data, nil
}

// Remove deletes the blob stored under id. A missing id is not an error.
func (a *FilesystemArea) Remove(ctx context.Context, id string) error {
	err := os.Remove(a.path(id))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("storagearea: remove %s: %w", id, err)
	}
	return nil
}

var _ Area = (*FilesystemArea)(nil)
