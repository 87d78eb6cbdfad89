package storage

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
)

// MemoryBackend keeps files in process memory. It mirrors the disk semantics
// that matter to callers: files need an existing parent directory and a
// missing path yields ErrNotExist.
type MemoryBackend struct {
	files map[string][]byte
	dirs  map[string]struct{}
	mu    sync.RWMutex

	// Fault, when set, is consulted before every operation; a non-nil
	// return fails the call. Used to inject storage failures in tests.
	Fault func(op, path string) error
}

// NewMemoryBackend creates an empty in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		files: make(map[string][]byte),
		dirs:  map[string]struct{}{"": {}},
	}
}

func (m *MemoryBackend) fault(op, p string) error {
	if m.Fault == nil {
		return nil
	}
	return m.Fault(op, p)
}

func parentDir(p string) string {
	if i := strings.LastIndexByte(p, '/'); i >= 0 {
		return p[:i]
	}
	return ""
}

func notExist(p string) error {
	return fmt.Errorf("%s: %w", p, ErrNotExist)
}

func (m *MemoryBackend) ListDir(ctx context.Context, dir string) ([]Entry, error) {
	dir = clean(dir)
	if err := m.fault("list", dir); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	if _, ok := m.dirs[dir]; !ok {
		return nil, notExist(dir)
	}
	var out []Entry
	for d := range m.dirs {
		if d != dir && parentDir(d) == dir {
			out = append(out, Entry{Name: d[strings.LastIndexByte(d, '/')+1:], IsDir: true})
		}
	}
	for f, data := range m.files {
		if parentDir(f) == dir {
			out = append(out, Entry{Name: f[strings.LastIndexByte(f, '/')+1:], Size: int64(len(data))})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *MemoryBackend) MkdirAll(ctx context.Context, dir string) error {
	dir = clean(dir)
	if err := m.fault("mkdir", dir); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	for d := dir; d != ""; d = parentDir(d) {
		if _, ok := m.files[d]; ok {
			return fmt.Errorf("%s: not a directory", d)
		}
		m.dirs[d] = struct{}{}
	}
	return nil
}

func (m *MemoryBackend) RemoveAll(ctx context.Context, p string) error {
	p = clean(p)
	if err := m.fault("remove", p); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	prefix := p + "/"
	for f := range m.files {
		if f == p || strings.HasPrefix(f, prefix) {
			delete(m.files, f)
		}
	}
	for d := range m.dirs {
		if d != "" && (d == p || strings.HasPrefix(d, prefix)) {
			delete(m.dirs, d)
		}
	}
	return nil
}

func (m *MemoryBackend) Exists(ctx context.Context, p string) (bool, error) {
	p = clean(p)
	if err := m.fault("exists", p); err != nil {
		return false, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	if _, ok := m.dirs[p]; ok {
		return true, nil
	}
	_, ok := m.files[p]
	return ok, nil
}

func (m *MemoryBackend) Append(ctx context.Context, p string, data []byte, sync bool) (int64, error) {
	p = clean(p)
	if err := m.fault("append", p); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.dirs[parentDir(p)]; !ok {
		return 0, notExist(parentDir(p))
	}
	m.files[p] = append(m.files[p], data...)
	return int64(len(m.files[p])), nil
}

func (m *MemoryBackend) ReadAt(ctx context.Context, p string, off, n int64) ([]byte, error) {
	p = clean(p)
	if err := m.fault("read", p); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	data, ok := m.files[p]
	if !ok {
		return nil, notExist(p)
	}
	if off < 0 || off+n > int64(len(data)) {
		return nil, io.ErrUnexpectedEOF
	}
	out := make([]byte, n)
	copy(out, data[off:off+n])
	return out, nil
}

func (m *MemoryBackend) ReadFile(ctx context.Context, p string) ([]byte, error) {
	p = clean(p)
	if err := m.fault("read", p); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	data, ok := m.files[p]
	if !ok {
		return nil, notExist(p)
	}
	return append([]byte(nil), data...), nil
}

func (m *MemoryBackend) WriteFile(ctx context.Context, p string, data []byte) error {
	p = clean(p)
	if err := m.fault("write", p); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.dirs[parentDir(p)]; !ok {
		return notExist(parentDir(p))
	}
	m.files[p] = append([]byte(nil), data...)
	return nil
}

func (m *MemoryBackend) Size(ctx context.Context, p string) (int64, error) {
	p = clean(p)
	if err := m.fault("size", p); err != nil {
		return 0, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	data, ok := m.files[p]
	if !ok {
		return 0, notExist(p)
	}
	return int64(len(data)), nil
}

func (m *MemoryBackend) Truncate(ctx context.Context, p string, size int64) error {
	p = clean(p)
	if err := m.fault("truncate", p); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	data, ok := m.files[p]
	if !ok {
		return notExist(p)
	}
	if size < int64(len(data)) {
		m.files[p] = data[:size:size]
	} else {
		m.files[p] = append(data, make([]byte, size-int64(len(data)))...)
	}
	return nil
}

func (m *MemoryBackend) Sync(ctx context.Context, p string) error {
	p = clean(p)
	if err := m.fault("sync", p); err != nil {
		return err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	if _, ok := m.files[p]; !ok {
		return notExist(p)
	}
	return nil
}

func (m *MemoryBackend) Close() error { return nil }
