package partition

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"streamlog/internal/storage"
)

// ConsumerKind tells a standalone consumer from a consumer group.
type ConsumerKind uint8

const (
	Consumer ConsumerKind = iota + 1
	ConsumerGroup
)

func (k ConsumerKind) String() string {
	if k == ConsumerGroup {
		return "consumer_group"
	}
	return "consumer"
}

func (k ConsumerKind) dirName() string {
	if k == ConsumerGroup {
		return "groups"
	}
	return "consumers"
}

func ParseConsumerKind(s string) (ConsumerKind, error) {
	switch s {
	case "consumer", "consumers":
		return Consumer, nil
	case "group", "groups", "consumer_group":
		return ConsumerGroup, nil
	}
	return 0, fmt.Errorf("unknown consumer kind %q", s)
}

// ConsumerOffset represents a single stored consumer offset record
type ConsumerOffset struct {
	Kind       ConsumerKind `json:"kind"`
	ConsumerID uint32       `json:"consumer_id"`
	Offset     uint64       `json:"offset"`
	Timestamp  time.Time    `json:"timestamp"`
}

type offsetKey struct {
	kind ConsumerKind
	id   uint32
}

// consumerOffsets keeps one file per consumer under <partition>/offsets.
type consumerOffsets struct {
	backend storage.Backend
	dir     string
	offsets map[offsetKey]uint64
	mu      sync.RWMutex
}

func newConsumerOffsets(backend storage.Backend, partitionDir string) *consumerOffsets {
	return &consumerOffsets{
		backend: backend,
		dir:     storage.Join(partitionDir, "offsets"),
		offsets: make(map[offsetKey]uint64),
	}
}

func (o *consumerOffsets) root() string { return o.dir }

func (o *consumerOffsets) path(kind ConsumerKind, id uint32) string {
	return storage.Join(o.dir, kind.dirName(), strconv.FormatUint(uint64(id), 10))
}

func (o *consumerOffsets) ensureDirs(ctx context.Context) error {
	for _, kind := range []ConsumerKind{Consumer, ConsumerGroup} {
		if err := o.backend.MkdirAll(ctx, storage.Join(o.dir, kind.dirName())); err != nil {
			return err
		}
	}
	return nil
}

// store persists the offset before updating the in-memory copy.
func (o *consumerOffsets) store(ctx context.Context, kind ConsumerKind, id uint32, offset uint64) error {
	data, err := json.Marshal(ConsumerOffset{
		Kind:       kind,
		ConsumerID: id,
		Offset:     offset,
		Timestamp:  time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal offset: %w", err)
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if err := o.ensureDirs(ctx); err != nil {
		return fmt.Errorf("failed to create offsets directory: %w", err)
	}
	if err := o.backend.WriteFile(ctx, o.path(kind, id), data); err != nil {
		return fmt.Errorf("failed to write offset: %w", err)
	}
	o.offsets[offsetKey{kind, id}] = offset
	return nil
}

func (o *consumerOffsets) get(kind ConsumerKind, id uint32) (uint64, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	v, ok := o.offsets[offsetKey{kind, id}]
	return v, ok
}

func (o *consumerOffsets) remove(ctx context.Context, kind ConsumerKind, id uint32) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if err := o.backend.RemoveAll(ctx, o.path(kind, id)); err != nil {
		return err
	}
	delete(o.offsets, offsetKey{kind, id})
	return nil
}

// load reads every stored offset. A partition without an offsets directory
// simply has none.
func (o *consumerOffsets) load(ctx context.Context) error {
	loaded := make(map[offsetKey]uint64)
	for _, kind := range []ConsumerKind{Consumer, ConsumerGroup} {
		dir := storage.Join(o.dir, kind.dirName())
		entries, err := o.backend.ListDir(ctx, dir)
		if errors.Is(err, storage.ErrNotExist) {
			continue
		}
		if err != nil {
			return fmt.Errorf("failed to list offsets in %s: %w", dir, err)
		}
		for _, e := range entries {
			if e.IsDir {
				continue
			}
			id, err := strconv.ParseUint(e.Name, 10, 32)
			if err != nil {
				continue
			}
			data, err := o.backend.ReadFile(ctx, storage.Join(dir, e.Name))
			if err != nil {
				return fmt.Errorf("failed to read offset %s: %w", e.Name, err)
			}
			var rec ConsumerOffset
			if err := json.Unmarshal(data, &rec); err != nil {
				return fmt.Errorf("failed to decode offset %s: %w", e.Name, err)
			}
			loaded[offsetKey{kind, uint32(id)}] = rec.Offset
		}
	}

	o.mu.Lock()
	o.offsets = loaded
	o.mu.Unlock()
	return nil
}
