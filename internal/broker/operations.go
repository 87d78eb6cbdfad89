package broker

import (
	"context"
	"strconv"
	"time"

	"streamlog/internal/errs"
	"streamlog/internal/message"
	"streamlog/internal/metrics"
	"streamlog/internal/partition"
	"streamlog/internal/state"
	"streamlog/internal/stream"
	"streamlog/internal/topic"
)

// CreateStream creates and persists an empty stream. An id of 0 picks the
// next free id.
func (b *Broker) CreateStream(ctx context.Context, id uint32, name string) (*stream.Stream, error) {
	if name == "" {
		return nil, errs.InvalidConfig("stream name is required")
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.streamIDs[name]; ok {
		return nil, errs.AlreadyExists("stream %q already exists", name)
	}
	for _, ss := range b.skipped {
		if ss.Name == name {
			return nil, errs.AlreadyExists("stream %q is kept in state but failed to load", name)
		}
	}
	if id == 0 {
		id = 1
		for sid := range b.streams {
			id = max(id, sid+1)
		}
		for sid := range b.skipped {
			id = max(id, sid+1)
		}
	}
	if _, ok := b.streams[id]; ok {
		return nil, errs.AlreadyExists("stream %d already exists", id)
	}
	if _, ok := b.skipped[id]; ok {
		return nil, errs.AlreadyExists("stream %d is kept in state but failed to load", id)
	}
	exists, err := b.backend.Exists(ctx, stream.Dir(id))
	if err != nil {
		return nil, errs.DirectoryRead(errs.DirStream, id, 0, stream.Dir(id), err)
	}
	if exists {
		return nil, errs.AlreadyExists("stream directory %s already exists", stream.Dir(id))
	}
	s := b.newStream(state.StreamState{ID: id, Name: name, CreatedAt: time.Now().UTC()})
	if err := b.storage.Save(ctx, s); err != nil {
		metrics.ErrorsTotal.WithLabelValues("create_stream_failed").Inc()
		return nil, err
	}
	if err := b.store.SaveStream(ctx, s.State()); err != nil {
		return nil, err
	}
	b.streams[id] = s
	b.streamIDs[name] = id
	b.logger.WithField("stream_id", id).Infof("Created stream %s", name)
	return s, nil
}

// DeleteStream removes a stream with all its topics.
func (b *Broker) DeleteStream(ctx context.Context, id uint32) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	s, ok := b.streams[id]
	if !ok {
		return errs.StreamNotFound(id, stream.Dir(id))
	}
	if err := b.storage.Delete(ctx, s); err != nil {
		return err
	}
	if err := b.store.DeleteStream(ctx, id); err != nil {
		return err
	}
	delete(b.streams, id)
	delete(b.streamIDs, s.Name)
	return nil
}

// Stream returns a stream by id.
func (b *Broker) Stream(id uint32) (*stream.Stream, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	s, ok := b.streams[id]
	if !ok {
		return nil, errs.StreamNotFound(id, stream.Dir(id))
	}
	return s, nil
}

// StreamByName returns a stream by name.
func (b *Broker) StreamByName(name string) (*stream.Stream, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	id, ok := b.streamIDs[name]
	if !ok {
		return nil, errs.NotFound("stream %q not found", name)
	}
	return b.streams[id], nil
}

// Topic returns a topic of a stream.
func (b *Broker) Topic(streamID, topicID uint32) (*topic.Topic, error) {
	s, err := b.Stream(streamID)
	if err != nil {
		return nil, err
	}
	return s.Topic(topicID)
}

// Partition returns a partition of a topic.
func (b *Broker) Partition(streamID, topicID, partitionID uint32) (*partition.Partition, error) {
	t, err := b.Topic(streamID, topicID)
	if err != nil {
		return nil, err
	}
	return t.Partition(partitionID)
}

// CreateTopic creates a topic in a stream and records it in the state store.
func (b *Broker) CreateTopic(ctx context.Context, streamID uint32, spec stream.TopicSpec) (*topic.Topic, error) {
	s, err := b.Stream(streamID)
	if err != nil {
		return nil, err
	}
	t, err := s.CreateTopic(ctx, spec)
	if err != nil {
		metrics.ErrorsTotal.WithLabelValues("create_topic_failed").Inc()
		return nil, err
	}
	if err := b.store.SaveTopic(ctx, streamID, t.State()); err != nil {
		return nil, err
	}
	return t, nil
}

// DeleteTopic removes a topic and its data.
func (b *Broker) DeleteTopic(ctx context.Context, streamID, topicID uint32) error {
	s, err := b.Stream(streamID)
	if err != nil {
		return err
	}
	if err := s.DeleteTopic(ctx, topicID); err != nil {
		return err
	}
	return b.store.DeleteTopic(ctx, streamID, topicID)
}

// CreatePartitions adds n partitions to a topic.
func (b *Broker) CreatePartitions(ctx context.Context, streamID, topicID, n uint32) ([]uint32, error) {
	t, err := b.Topic(streamID, topicID)
	if err != nil {
		return nil, err
	}
	ids, err := t.AddPartitions(ctx, n)
	if err != nil {
		return ids, err
	}
	return ids, b.store.SaveTopic(ctx, streamID, t.State())
}

// DeletePartitions removes the n highest partitions of a topic.
func (b *Broker) DeletePartitions(ctx context.Context, streamID, topicID, n uint32) ([]uint32, error) {
	t, err := b.Topic(streamID, topicID)
	if err != nil {
		return nil, err
	}
	ids, err := t.DeletePartitions(ctx, n)
	if err != nil {
		return ids, err
	}
	return ids, b.store.SaveTopic(ctx, streamID, t.State())
}

// CreateConsumerGroup adds a consumer group to a topic.
func (b *Broker) CreateConsumerGroup(ctx context.Context, streamID, topicID, groupID uint32, name string) (*topic.ConsumerGroup, error) {
	t, err := b.Topic(streamID, topicID)
	if err != nil {
		return nil, err
	}
	g, err := t.CreateConsumerGroup(groupID, name)
	if err != nil {
		return nil, err
	}
	return g, b.store.SaveTopic(ctx, streamID, t.State())
}

// DeleteConsumerGroup removes a consumer group and its stored offsets.
func (b *Broker) DeleteConsumerGroup(ctx context.Context, streamID, topicID, groupID uint32) error {
	t, err := b.Topic(streamID, topicID)
	if err != nil {
		return err
	}
	if err := t.DeleteConsumerGroup(ctx, groupID); err != nil {
		return err
	}
	return b.store.SaveTopic(ctx, streamID, t.State())
}

// Append writes a batch to the partition the partitioning selects.
func (b *Broker) Append(ctx context.Context, streamID, topicID uint32, part topic.Partitioning, batch []*message.Message) (uint32, partition.AppendResult, error) {
	t, err := b.Topic(streamID, topicID)
	if err != nil {
		metrics.ErrorsTotal.WithLabelValues("topic_not_found").Inc()
		return 0, partition.AppendResult{}, err
	}
	return t.Append(ctx, part, batch)
}

// Read returns up to count messages of a partition starting at offset.
func (b *Broker) Read(ctx context.Context, streamID, topicID, partitionID uint32, offset uint64, count uint32) ([]*message.Message, error) {
	p, err := b.Partition(streamID, topicID, partitionID)
	if err != nil {
		return nil, err
	}
	seq, err := p.Read(ctx, offset, count)
	if err != nil {
		return nil, err
	}
	out := make([]*message.Message, 0, count)
	for msg, err := range seq {
		if err != nil {
			metrics.ErrorsTotal.WithLabelValues("read_failed").Inc()
			return nil, err
		}
		out = append(out, msg)
	}
	metrics.MessagesRead.WithLabelValues(strconv.FormatUint(uint64(streamID), 10), strconv.FormatUint(uint64(topicID), 10)).Add(float64(len(out)))
	return out, nil
}

// StoreConsumerOffset records the offset a consumer or group processed up to.
func (b *Broker) StoreConsumerOffset(ctx context.Context, streamID, topicID, partitionID uint32, kind partition.ConsumerKind, consumerID uint32, offset uint64) error {
	p, err := b.Partition(streamID, topicID, partitionID)
	if err != nil {
		return err
	}
	if kind == partition.ConsumerGroup {
		t, err := b.Topic(streamID, topicID)
		if err != nil {
			return err
		}
		if _, err := t.ConsumerGroup(consumerID); err != nil {
			return err
		}
	}
	return p.StoreConsumerOffset(ctx, kind, consumerID, offset)
}

// ConsumerOffset returns the stored offset of a consumer or group.
func (b *Broker) ConsumerOffset(streamID, topicID, partitionID uint32, kind partition.ConsumerKind, consumerID uint32) (uint64, error) {
	p, err := b.Partition(streamID, topicID, partitionID)
	if err != nil {
		return 0, err
	}
	offset, ok := p.ConsumerOffset(kind, consumerID)
	if !ok {
		return 0, errs.NotFound("no offset stored for %s %d", kind, consumerID)
	}
	return offset, nil
}
