package topic

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"

	"streamlog/internal/compression"
	"streamlog/internal/config"
	"streamlog/internal/errs"
	"streamlog/internal/message"
	"streamlog/internal/partition"
	"streamlog/internal/state"
	"streamlog/internal/storage"
)

// Params describes a topic and wires it to its stream.
type Params struct {
	StreamID  uint32
	ID        uint32
	Name      string
	CreatedAt time.Time
	// MessageExpiry: 0 uses the server default, negative never expires.
	MessageExpiry time.Duration
	// MaxSize: 0 uses the server default, state.UnlimitedSize disables the cap.
	MaxSize           uint64
	Compression       compression.Algorithm
	ReplicationFactor uint8
	StreamDir         string
	Backend           storage.Backend
	Config            *config.Config
	StreamCounters    *partition.Counters
	Logger            *logrus.Entry
}

// Topic represents a topic with its partitions and consumer groups
type Topic struct {
	StreamID  uint32
	ID        uint32
	Name      string
	CreatedAt time.Time

	messageExpiry     time.Duration // as persisted
	maxSize           uint64        // as persisted
	expiry            time.Duration // resolved, 0 never expires
	limit             uint64        // resolved, state.UnlimitedSize is no cap
	compression       compression.Algorithm
	replicationFactor uint8

	dir            string
	backend        storage.Backend
	config         *config.Config
	counters       *partition.Counters
	streamCounters *partition.Counters
	logger         *logrus.Entry

	partitions map[uint32]*partition.Partition
	skipped    map[uint32]state.PartitionState // failed to load, kept in State for the next load
	groups     map[uint32]*ConsumerGroup
	groupIDs   map[string]uint32
	mu         sync.RWMutex

	roundRobin atomic.Uint64
}

// Dir returns the topic directory for ids under a stream directory.
func Dir(streamDir string, topicID uint32) string {
	return storage.Join(streamDir, "topics", strconv.FormatUint(uint64(topicID), 10))
}

// New creates an empty topic. Partitions come from AddPartitions or from
// Storage.Load.
func New(p Params) (*Topic, error) {
	logger := p.Logger
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	t := &Topic{
		StreamID:       p.StreamID,
		ID:             p.ID,
		Name:           p.Name,
		CreatedAt:      p.CreatedAt,
		dir:            Dir(p.StreamDir, p.ID),
		backend:        p.Backend,
		config:         p.Config,
		counters:       &partition.Counters{},
		streamCounters: p.StreamCounters,
		logger:         logger.WithFields(logrus.Fields{"stream_id": p.StreamID, "topic_id": p.ID}),
		partitions:     make(map[uint32]*partition.Partition),
		skipped:        make(map[uint32]state.PartitionState),
		groups:         make(map[uint32]*ConsumerGroup),
		groupIDs:       make(map[string]uint32),
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	if err := t.configure(p.MessageExpiry, p.MaxSize, p.Compression, p.ReplicationFactor); err != nil {
		return nil, err
	}
	return t, nil
}

// configure stores the persisted settings and resolves server defaults.
func (t *Topic) configure(expiry time.Duration, maxSize uint64, codec compression.Algorithm, replication uint8) error {
	resolvedExpiry := expiry
	switch {
	case expiry == 0:
		resolvedExpiry = t.config.Segment.MessageExpiry
	case expiry < 0:
		resolvedExpiry = 0
	}
	limit := maxSize
	if maxSize == 0 {
		limit = uint64(t.config.Topic.MaxSize)
	}
	if limit < uint64(t.config.Segment.Size) {
		return &errs.Error{
			Kind:     errs.KindInvalidConfig,
			StreamID: t.StreamID,
			TopicID:  t.ID,
			Err: fmt.Errorf("max topic size %s is smaller than the segment size %s",
				humanize.IBytes(limit), humanize.IBytes(uint64(t.config.Segment.Size))),
		}
	}
	if replication == 0 {
		replication = 1
	}
	t.messageExpiry = expiry
	t.maxSize = maxSize
	t.expiry = resolvedExpiry
	t.limit = limit
	t.compression = codec
	t.replicationFactor = replication
	return nil
}

func (t *Topic) Dir() string                        { return t.dir }
func (t *Topic) PartitionsDir() string              { return storage.Join(t.dir, "partitions") }
func (t *Topic) MessageExpiry() time.Duration       { return t.expiry }
func (t *Topic) MaxSize() uint64                    { return t.limit }
func (t *Topic) Compression() compression.Algorithm { return t.compression }
func (t *Topic) ReplicationFactor() uint8           { return t.replicationFactor }
func (t *Topic) Counters() *partition.Counters      { return t.counters }
func (t *Topic) Stats() partition.Stats             { return t.counters.Snapshot() }

func (t *Topic) String() string {
	return fmt.Sprintf("topic %d (%s) of stream %d", t.ID, t.Name, t.StreamID)
}

func (t *Topic) partitionDir(id uint32) string {
	return storage.Join(t.PartitionsDir(), strconv.FormatUint(uint64(id), 10))
}

func (t *Topic) newPartition(id uint32, createdAt time.Time, withSegment bool) *partition.Partition {
	return partition.New(partition.Params{
		StreamID:    t.StreamID,
		TopicID:     t.ID,
		ID:          id,
		Dir:         t.partitionDir(id),
		CreatedAt:   createdAt,
		Backend:     t.backend,
		Config:      t.config,
		Compression: t.compression,
		Topic:       t.counters,
		Stream:      t.streamCounters,
		Logger:      t.logger,
	}, withSegment)
}

// Partition returns a partition by ID
func (t *Topic) Partition(id uint32) (*partition.Partition, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	p, ok := t.partitions[id]
	if !ok {
		return nil, errs.PartitionNotFound(t.StreamID, t.ID, id)
	}
	return p, nil
}

// PartitionIDs returns the partition ids in ascending order.
func (t *Topic) PartitionIDs() []uint32 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.partitionIDsLocked()
}

func (t *Topic) partitionIDsLocked() []uint32 {
	ids := make([]uint32, 0, len(t.partitions))
	for id := range t.partitions {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (t *Topic) PartitionsCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.partitions)
}

// partitionsSnapshot returns the partitions ordered by id.
func (t *Topic) partitionsSnapshot() []*partition.Partition {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]*partition.Partition, 0, len(t.partitions))
	for _, id := range t.partitionIDsLocked() {
		out = append(out, t.partitions[id])
	}
	return out
}

// SkippedPartitionIDs returns the ids of partitions kept in state that
// failed to load, in ascending order.
func (t *Topic) SkippedPartitionIDs() []uint32 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	ids := make([]uint32, 0, len(t.skipped))
	for id := range t.skipped {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// AddPartitions creates and persists n partitions after the highest known id,
// skipped partitions included. It refuses to reuse an existing directory.
func (t *Topic) AddPartitions(ctx context.Context, n uint32) ([]uint32, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	var next uint32 = 1
	for id := range t.partitions {
		next = max(next, id+1)
	}
	for id := range t.skipped {
		next = max(next, id+1)
	}
	created := make([]uint32, 0, n)
	now := time.Now().UTC()
	for i := uint32(0); i < n; i++ {
		id := next + i
		exists, err := t.backend.Exists(ctx, t.partitionDir(id))
		if err != nil {
			t.resizeGroupsLocked()
			return created, errs.DirectoryRead(errs.DirPartition, t.StreamID, t.ID, t.partitionDir(id), err)
		}
		if exists {
			t.resizeGroupsLocked()
			return created, errs.AlreadyExists("partition directory %s of %s already exists", t.partitionDir(id), t)
		}
		p := t.newPartition(id, now, true)
		if err := p.Persist(ctx); err != nil {
			p.Clear()
			t.resizeGroupsLocked()
			return created, fmt.Errorf("failed to persist partition %d: %w", id, err)
		}
		t.partitions[id] = p
		created = append(created, id)
	}
	t.resizeGroupsLocked()
	t.logger.Infof("Added %d partitions", n)
	return created, nil
}

// DeletePartitions removes the n partitions with the highest ids.
func (t *Topic) DeletePartitions(ctx context.Context, n uint32) ([]uint32, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	ids := t.partitionIDsLocked()
	if int(n) > len(ids) {
		return nil, errs.InvalidConfig("cannot delete %d partitions from %s with %d", n, t, len(ids))
	}
	deleted := make([]uint32, 0, n)
	for i := len(ids) - 1; i >= len(ids)-int(n); i-- {
		id := ids[i]
		if err := t.partitions[id].Delete(ctx); err != nil {
			t.resizeGroupsLocked()
			return deleted, err
		}
		delete(t.partitions, id)
		deleted = append(deleted, id)
	}
	t.resizeGroupsLocked()
	t.logger.Infof("Deleted %d partitions", n)
	return deleted, nil
}

// Append routes batch to a partition and appends it there.
func (t *Topic) Append(ctx context.Context, part Partitioning, batch []*message.Message) (uint32, partition.AppendResult, error) {
	id, err := t.selectPartition(part)
	if err != nil {
		return 0, partition.AppendResult{}, err
	}
	p, err := t.Partition(id)
	if err != nil {
		return 0, partition.AppendResult{}, err
	}
	res, err := p.Append(ctx, batch)
	return id, res, err
}

// Release drops every partition's contribution to the counters without
// touching storage.
func (t *Topic) Release() {
	for _, p := range t.partitionsSnapshot() {
		p.Clear()
	}
}

// RetentionResult counts the segments one retention pass removed.
type RetentionResult struct {
	Expired int
	Oldest  int
}

// ApplyRetention removes expired segments, then oldest segments while the
// topic is over its size cap and oldest-segment deletion is enabled.
func (t *Topic) ApplyRetention(ctx context.Context, now time.Time) (RetentionResult, error) {
	var res RetentionResult
	parts := t.partitionsSnapshot()

	if t.expiry > 0 {
		for _, p := range parts {
			n, err := p.DeleteExpiredSegments(ctx, now, t.expiry)
			res.Expired += n
			if err != nil {
				return res, err
			}
		}
	}

	if !t.config.Topic.DeleteOldestSegments || t.limit == state.UnlimitedSize {
		return res, nil
	}
	for t.counters.SizeBytes() > t.limit {
		sort.Slice(parts, func(i, j int) bool { return parts[i].Stats().SizeBytes > parts[j].Stats().SizeBytes })
		removed := false
		for _, p := range parts {
			ok, err := p.DeleteOldestSegment(ctx)
			if err != nil {
				return res, err
			}
			if ok {
				res.Oldest++
				removed = true
				break
			}
		}
		if !removed {
			break
		}
	}
	if res.Expired+res.Oldest > 0 {
		t.logger.WithFields(logrus.Fields{
			"expired": res.Expired,
			"oldest":  res.Oldest,
			"size":    humanize.IBytes(t.counters.SizeBytes()),
		}).Info("Applied retention")
	}
	return res, nil
}

// State returns the persisted record of the topic.
func (t *Topic) State() state.TopicState {
	t.mu.RLock()
	defer t.mu.RUnlock()

	ts := state.TopicState{
		ID:                   t.ID,
		Name:                 t.Name,
		CreatedAt:            t.CreatedAt,
		MessageExpiry:        t.messageExpiry,
		MaxTopicSize:         t.maxSize,
		CompressionAlgorithm: t.compression,
		ReplicationFactor:    t.replicationFactor,
		Partitions:           make(map[uint32]state.PartitionState, len(t.partitions)+len(t.skipped)),
		ConsumerGroups:       make(map[uint32]state.ConsumerGroupState, len(t.groups)),
	}
	for id, ps := range t.skipped {
		ts.Partitions[id] = ps
	}
	for id, p := range t.partitions {
		ts.Partitions[id] = p.State()
	}
	for id, g := range t.groups {
		ts.ConsumerGroups[id] = g.State()
	}
	return ts
}
