package state

import (
	"context"
	"encoding/json"
	"sync"

	"streamlog/internal/errs"
)

// MemoryStore keeps snapshots in process memory.
type MemoryStore struct {
	streams map[uint32][]byte
	mu      sync.RWMutex
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{streams: make(map[uint32][]byte)}
}

// Streams are stored encoded so callers never share maps with the store.
func (m *MemoryStore) Load(ctx context.Context) (*SystemState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := &SystemState{Streams: make(map[uint32]StreamState, len(m.streams))}
	for id, data := range m.streams {
		var s StreamState
		if err := json.Unmarshal(data, &s); err != nil {
			return nil, err
		}
		normalize(&s)
		out.Streams[id] = s
	}
	return out, nil
}

func (m *MemoryStore) SaveStream(ctx context.Context, s StreamState) error {
	data, err := json.Marshal(s)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.streams[s.ID] = data
	return nil
}

func (m *MemoryStore) DeleteStream(ctx context.Context, streamID uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.streams, streamID)
	return nil
}

func (m *MemoryStore) update(streamID uint32, fn func(*StreamState)) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	data, ok := m.streams[streamID]
	if !ok {
		return errs.NotFound("stream %d is not in the state store", streamID)
	}
	var s StreamState
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	normalize(&s)
	fn(&s)
	data, err := json.Marshal(s)
	if err != nil {
		return err
	}
	m.streams[streamID] = data
	return nil
}

func (m *MemoryStore) SaveTopic(ctx context.Context, streamID uint32, t TopicState) error {
	return m.update(streamID, func(s *StreamState) { s.Topics[t.ID] = t })
}

func (m *MemoryStore) DeleteTopic(ctx context.Context, streamID, topicID uint32) error {
	return m.update(streamID, func(s *StreamState) { delete(s.Topics, topicID) })
}

func (m *MemoryStore) Close() error { return nil }
