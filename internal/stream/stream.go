package stream

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"streamlog/internal/compression"
	"streamlog/internal/config"
	"streamlog/internal/errs"
	"streamlog/internal/partition"
	"streamlog/internal/state"
	"streamlog/internal/storage"
	"streamlog/internal/topic"
)

// Params describes a stream.
type Params struct {
	ID        uint32
	Name      string
	CreatedAt time.Time
	Backend   storage.Backend
	Config    *config.Config
	Logger    *logrus.Entry
}

// Stream groups topics and owns the stream-wide counters.
type Stream struct {
	ID        uint32
	Name      string
	CreatedAt time.Time

	dir      string
	backend  storage.Backend
	config   *config.Config
	counters *partition.Counters
	topics   map[uint32]*topic.Topic
	topicIDs map[string]uint32
	skipped  map[uint32]state.TopicState // failed to load, kept for the next load
	storage  *topic.Storage
	mu       sync.RWMutex
	logger   *logrus.Entry
}

// Dir returns the directory of a stream relative to the backend root.
func Dir(id uint32) string {
	return storage.Join("streams", strconv.FormatUint(uint64(id), 10))
}

// New creates an empty stream. Topics come from CreateTopic or Storage.Load.
func New(p Params) *Stream {
	logger := p.Logger
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	s := &Stream{
		ID:        p.ID,
		Name:      p.Name,
		CreatedAt: p.CreatedAt,
		dir:       Dir(p.ID),
		backend:   p.Backend,
		config:    p.Config,
		counters:  &partition.Counters{},
		topics:    make(map[uint32]*topic.Topic),
		topicIDs:  make(map[string]uint32),
		skipped:   make(map[uint32]state.TopicState),
		storage:   topic.NewStorage(p.Backend, p.Config),
		logger:    logger.WithField("stream_id", p.ID),
	}
	if s.CreatedAt.IsZero() {
		s.CreatedAt = time.Now().UTC()
	}
	return s
}

func (s *Stream) Dir() string                   { return s.dir }
func (s *Stream) TopicsDir() string             { return storage.Join(s.dir, "topics") }
func (s *Stream) Counters() *partition.Counters { return s.counters }
func (s *Stream) Stats() partition.Stats        { return s.counters.Snapshot() }

func (s *Stream) topicParams(ts state.TopicState) topic.Params {
	return topic.Params{
		StreamID:          s.ID,
		ID:                ts.ID,
		Name:              ts.Name,
		CreatedAt:         ts.CreatedAt,
		MessageExpiry:     ts.MessageExpiry,
		MaxSize:           ts.MaxTopicSize,
		Compression:       ts.CompressionAlgorithm,
		ReplicationFactor: ts.ReplicationFactor,
		StreamDir:         s.dir,
		Backend:           s.backend,
		Config:            s.config,
		StreamCounters:    s.counters,
		Logger:            s.logger,
	}
}

// TopicSpec holds the settings of a topic to create. Zero values take the
// server defaults; an ID of 0 picks the next free id.
type TopicSpec struct {
	ID                uint32
	Name              string
	Partitions        uint32
	MessageExpiry     time.Duration
	MaxSize           uint64
	Compression       *compression.Algorithm
	ReplicationFactor uint8
}

// CreateTopic creates a topic with its partitions and persists it.
func (s *Stream) CreateTopic(ctx context.Context, spec TopicSpec) (*topic.Topic, error) {
	if spec.Name == "" {
		return nil, errs.InvalidConfig("topic name is required")
	}
	codec := s.config.Compression.Default
	if spec.Compression != nil {
		if !s.config.Compression.AllowOverride && *spec.Compression != codec {
			return nil, errs.InvalidConfig("compression override is disabled, topics use %s", codec)
		}
		codec = *spec.Compression
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.topicIDs[spec.Name]; ok {
		return nil, errs.AlreadyExists("topic %q already exists in stream %d", spec.Name, s.ID)
	}
	for _, ts := range s.skipped {
		if ts.Name == spec.Name {
			return nil, errs.AlreadyExists("topic %q of stream %d is kept in state but failed to load", spec.Name, s.ID)
		}
	}
	id := spec.ID
	if id == 0 {
		id = 1
		for tid := range s.topics {
			id = max(id, tid+1)
		}
		for tid := range s.skipped {
			id = max(id, tid+1)
		}
	}
	if _, ok := s.topics[id]; ok {
		return nil, errs.AlreadyExists("topic %d already exists in stream %d", id, s.ID)
	}
	if _, ok := s.skipped[id]; ok {
		return nil, errs.AlreadyExists("topic %d of stream %d is kept in state but failed to load", id, s.ID)
	}
	exists, err := s.backend.Exists(ctx, topic.Dir(s.dir, id))
	if err != nil {
		return nil, errs.DirectoryRead(errs.DirTopic, s.ID, id, topic.Dir(s.dir, id), err)
	}
	if exists {
		return nil, errs.AlreadyExists("topic directory %s already exists", topic.Dir(s.dir, id))
	}

	t, err := topic.New(s.topicParams(state.TopicState{
		ID:                   id,
		Name:                 spec.Name,
		CreatedAt:            time.Now().UTC(),
		MessageExpiry:        spec.MessageExpiry,
		MaxTopicSize:         spec.MaxSize,
		CompressionAlgorithm: codec,
		ReplicationFactor:    spec.ReplicationFactor,
	}))
	if err != nil {
		return nil, err
	}
	if err := s.storage.Save(ctx, t); err != nil {
		return nil, err
	}
	if _, err := t.AddPartitions(ctx, spec.Partitions); err != nil {
		if derr := s.storage.Delete(ctx, t); derr != nil {
			s.logger.WithError(derr).Warn("Failed to clean up topic after failed creation")
		}
		return nil, err
	}
	s.topics[id] = t
	s.topicIDs[spec.Name] = id
	s.logger.WithFields(logrus.Fields{"topic_id": id, "partitions": spec.Partitions}).Infof("Created topic %s", spec.Name)
	return t, nil
}

// DeleteTopic removes a topic and its data.
func (s *Stream) DeleteTopic(ctx context.Context, id uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.topics[id]
	if !ok {
		return errs.TopicNotFound(s.ID, id, topic.Dir(s.dir, id))
	}
	if err := s.storage.Delete(ctx, t); err != nil {
		return err
	}
	delete(s.topics, id)
	delete(s.topicIDs, t.Name)
	return nil
}

// Topic returns a topic by id.
func (s *Stream) Topic(id uint32) (*topic.Topic, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.topics[id]
	if !ok {
		return nil, errs.TopicNotFound(s.ID, id, topic.Dir(s.dir, id))
	}
	return t, nil
}

// TopicByName returns a topic by name.
func (s *Stream) TopicByName(name string) (*topic.Topic, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.topicIDs[name]
	if !ok {
		return nil, errs.NotFound("topic %q not found in stream %d", name, s.ID)
	}
	return s.topics[id], nil
}

// Topics returns the topics ordered by id.
func (s *Stream) Topics() []*topic.Topic {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*topic.Topic, 0, len(s.topics))
	for _, t := range s.topics {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *Stream) TopicsCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.topics)
}

// Release drops every topic's contribution to the counters.
func (s *Stream) Release() {
	for _, t := range s.Topics() {
		t.Release()
	}
}

// SkippedTopicIDs returns the ids of topics kept in state that failed to
// load, in ascending order.
func (s *Stream) SkippedTopicIDs() []uint32 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]uint32, 0, len(s.skipped))
	for id := range s.skipped {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// State returns the persisted record of the stream. Skipped topics are
// included as they were loaded.
func (s *Stream) State() state.StreamState {
	topics := s.Topics()
	ss := state.StreamState{
		ID:        s.ID,
		Name:      s.Name,
		CreatedAt: s.CreatedAt,
		Topics:    make(map[uint32]state.TopicState, len(topics)),
	}
	s.mu.RLock()
	for id, ts := range s.skipped {
		ss.Topics[id] = ts
	}
	s.mu.RUnlock()
	for _, t := range topics {
		ss.Topics[t.ID] = t.State()
	}
	return ss
}

func (s *Stream) String() string {
	return fmt.Sprintf("stream %d (%s)", s.ID, s.Name)
}
