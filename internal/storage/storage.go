// internal/storage/storage.go
package storage

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"path"
	"strings"

	"streamlog/internal/config"
)

// ErrNotExist marks a path that is absent from the backend. It is fs.ErrNotExist
// so os errors match it directly.
var ErrNotExist = fs.ErrNotExist

// Entry is one child of a listed directory.
type Entry struct {
	Name  string
	IsDir bool
	Size  int64
}

// Backend is the set of file operations partition data is stored through.
// Paths are slash separated and relative to the backend root. Implementations
// must be safe for concurrent use on distinct paths; writers of a single file
// are serialized by the caller.
type Backend interface {
	// ListDir returns the children of dir. A missing dir yields ErrNotExist.
	ListDir(ctx context.Context, dir string) ([]Entry, error)

	MkdirAll(ctx context.Context, dir string) error

	// RemoveAll deletes p and everything under it. Missing paths are not an error.
	RemoveAll(ctx context.Context, p string) error

	Exists(ctx context.Context, p string) (bool, error)

	// Append adds data to the end of the file, creating it if needed, and
	// returns the new file size.
	Append(ctx context.Context, p string, data []byte, sync bool) (int64, error)

	// ReadAt reads exactly n bytes starting at off.
	ReadAt(ctx context.Context, p string, off, n int64) ([]byte, error)

	ReadFile(ctx context.Context, p string) ([]byte, error)

	// WriteFile replaces the file contents atomically.
	WriteFile(ctx context.Context, p string, data []byte) error

	Size(ctx context.Context, p string) (int64, error)

	Truncate(ctx context.Context, p string, size int64) error

	// Sync flushes the file to durable storage.
	Sync(ctx context.Context, p string) error

	// io.Closer is embedded for graceful shutdown.
	io.Closer
}

// Join builds a backend path from its elements.
func Join(elem ...string) string {
	return path.Join(elem...)
}

func clean(p string) string {
	p = path.Clean("/" + p)
	return strings.TrimPrefix(p, "/")
}

// New builds the backend selected by cfg.Storage.
func New(ctx context.Context, cfg *config.Config) (Backend, error) {
	switch cfg.Storage.Backend {
	case "", "disk":
		return NewDiskBackend(cfg.DataDir)
	case "s3":
		return NewS3Backend(ctx, cfg.Storage.S3)
	}
	return nil, fmt.Errorf("unknown storage backend %q", cfg.Storage.Backend)
}
