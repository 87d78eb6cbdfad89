package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// DiskBackend stores files under a root directory of the local filesystem.
type DiskBackend struct {
	root string
}

// NewDiskBackend creates the root directory if it doesn't exist.
func NewDiskBackend(root string) (*DiskBackend, error) {
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory %s: %w", root, err)
	}
	return &DiskBackend{root: root}, nil
}

func (d *DiskBackend) Root() string { return d.root }

func (d *DiskBackend) abs(p string) string {
	return filepath.Join(d.root, filepath.FromSlash(clean(p)))
}

func (d *DiskBackend) ListDir(ctx context.Context, dir string) ([]Entry, error) {
	entries, err := os.ReadDir(d.abs(dir))
	if err != nil {
		return nil, err
	}
	out := make([]Entry, 0, len(entries))
	for _, e := range entries {
		entry := Entry{Name: e.Name(), IsDir: e.IsDir()}
		if !e.IsDir() {
			if info, err := e.Info(); err == nil {
				entry.Size = info.Size()
			}
		}
		out = append(out, entry)
	}
	return out, nil
}

func (d *DiskBackend) MkdirAll(ctx context.Context, dir string) error {
	return os.MkdirAll(d.abs(dir), 0755)
}

func (d *DiskBackend) RemoveAll(ctx context.Context, p string) error {
	return os.RemoveAll(d.abs(p))
}

func (d *DiskBackend) Exists(ctx context.Context, p string) (bool, error) {
	_, err := os.Stat(d.abs(p))
	if err == nil {
		return true, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	return false, err
}

func (d *DiskBackend) Append(ctx context.Context, p string, data []byte, sync bool) (int64, error) {
	f, err := os.OpenFile(d.abs(p), os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0644)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	if _, err := f.Write(data); err != nil {
		return 0, err
	}
	if sync {
		if err := f.Sync(); err != nil {
			return 0, err
		}
	}
	info, err := f.Stat()
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

func (d *DiskBackend) ReadAt(ctx context.Context, p string, off, n int64) ([]byte, error) {
	f, err := os.Open(d.abs(p))
	if err != nil {
		return nil, err
	}
	defer f.Close()

	buf := make([]byte, n)
	read, err := f.ReadAt(buf, off)
	if err != nil && !(errors.Is(err, io.EOF) && int64(read) == n) {
		if errors.Is(err, io.EOF) {
			return nil, io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return buf, nil
}

func (d *DiskBackend) ReadFile(ctx context.Context, p string) ([]byte, error) {
	return os.ReadFile(d.abs(p))
}

// WriteFile writes to a temp file, fsyncs it and renames it into place.
func (d *DiskBackend) WriteFile(ctx context.Context, p string, data []byte) error {
	target := d.abs(p)
	tmp := target + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, target)
}

func (d *DiskBackend) Size(ctx context.Context, p string) (int64, error) {
	info, err := os.Stat(d.abs(p))
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

func (d *DiskBackend) Truncate(ctx context.Context, p string, size int64) error {
	return os.Truncate(d.abs(p), size)
}

func (d *DiskBackend) Sync(ctx context.Context, p string) error {
	f, err := os.OpenFile(d.abs(p), os.O_RDWR, 0644)
	if err != nil {
		return err
	}
	defer f.Close()
	return f.Sync()
}

func (d *DiskBackend) Close() error { return nil }
