// internal/partition/partition.go
package partition

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"

	"streamlog/internal/compression"
	"streamlog/internal/config"
	"streamlog/internal/errs"
	"streamlog/internal/message"
	"streamlog/internal/metrics"
	"streamlog/internal/state"
	"streamlog/internal/storage"
)

// ErrEmptyBatch is returned by Append for a batch without messages.
var ErrEmptyBatch = errors.New("empty message batch")

// readChunk bounds how many messages one segment read decodes at once.
const readChunk = 512

// Params identifies a partition and wires it to its storage and parents.
type Params struct {
	StreamID    uint32
	TopicID     uint32
	ID          uint32
	Dir         string // partition directory, relative to the backend root
	CreatedAt   time.Time
	Backend     storage.Backend
	Config      *config.Config
	Compression compression.Algorithm
	Topic       *Counters
	Stream      *Counters
	Logger      *logrus.Entry
}

// AppendResult is the offset range assigned to an appended batch.
type AppendResult struct {
	BaseOffset uint64 `json:"base_offset"`
	LastOffset uint64 `json:"last_offset"`
}

// Partition is an ordered, durable message log made of segments. Appends are
// serialized by mu; reads share it.
type Partition struct {
	streamID  uint32
	topicID   uint32
	id        uint32
	dir       string
	createdAt time.Time
	backend   storage.Backend
	config    *config.Config
	codec     compression.Algorithm
	logger    *logrus.Entry

	own      *Counters
	counters counterSet

	mu         sync.RWMutex
	segments   []*Segment
	nextOffset uint64
	dirty      bool

	offsets *consumerOffsets
}

// New builds a partition. With withSegment set it starts with one empty
// active segment at offset 0 that Persist materializes.
func New(p Params, withSegment bool) *Partition {
	logger := p.Logger
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	own := &Counters{}
	part := &Partition{
		streamID:  p.StreamID,
		topicID:   p.TopicID,
		id:        p.ID,
		dir:       p.Dir,
		createdAt: p.CreatedAt,
		backend:   p.Backend,
		config:    p.Config,
		codec:     p.Compression,
		logger:    logger.WithField("partition_id", p.ID),
		own:       own,
		counters:  counterSet{own, p.Topic, p.Stream},
		offsets:   newConsumerOffsets(p.Backend, p.Dir),
	}
	if part.createdAt.IsZero() {
		part.createdAt = time.Now().UTC()
	}
	if withSegment {
		part.segments = []*Segment{newSegment(p.Backend, p.Dir, 0)}
		part.counters.add(0, 0, 1)
		part.dirty = true
	}
	return part
}

func (p *Partition) StreamID() uint32     { return p.streamID }
func (p *Partition) TopicID() uint32      { return p.topicID }
func (p *Partition) ID() uint32           { return p.id }
func (p *Partition) Dir() string          { return p.dir }
func (p *Partition) CreatedAt() time.Time { return p.createdAt }
func (p *Partition) Stats() Stats         { return p.own.Snapshot() }

// State returns the persisted record of the partition.
func (p *Partition) State() state.PartitionState {
	return state.PartitionState{ID: p.id, CreatedAt: p.createdAt}
}

// NextOffset returns the offset the next appended message gets.
func (p *Partition) NextOffset() uint64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.nextOffset
}

// CurrentOffset returns the offset of the last message, if any.
func (p *Partition) CurrentOffset() (uint64, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.nextOffset == 0 {
		return 0, false
	}
	return p.nextOffset - 1, true
}

func (p *Partition) SegmentsCount() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.segments)
}

// Load rebuilds segments, offsets and counters from storage. A directory
// without segment files gets a fresh empty segment at offset 0.
func (p *Partition) Load(ctx context.Context, ps state.PartitionState) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !ps.CreatedAt.IsZero() {
		p.createdAt = ps.CreatedAt
	}

	entries, err := p.backend.ListDir(ctx, p.dir)
	if err != nil {
		return errs.PartitionLoad(p.streamID, p.topicID, p.id, p.dir, err)
	}
	var starts []uint64
	for _, e := range entries {
		if e.IsDir {
			continue
		}
		if start, ok := parseSegmentFileName(e.Name); ok {
			starts = append(starts, start)
		}
	}
	sort.Slice(starts, func(i, j int) bool { return starts[i] < starts[j] })

	segments := make([]*Segment, 0, len(starts)+1)
	var messages, size uint64
	for i, start := range starts {
		seg := newSegment(p.backend, p.dir, start)
		if err := seg.load(ctx); err != nil {
			return errs.PartitionLoad(p.streamID, p.topicID, p.id, seg.logPath(), err)
		}
		if i > 0 {
			prev := segments[i-1]
			if prev.NextOffset() != start {
				return errs.PartitionLoad(p.streamID, p.topicID, p.id, seg.logPath(),
					fmt.Errorf("segment %d does not continue previous segment ending before %d", start, prev.NextOffset()))
			}
		}
		if i < len(starts)-1 {
			seg.markClosed()
		}
		messages += seg.count
		size += seg.size
		segments = append(segments, seg)
	}
	if len(segments) == 0 {
		seg := newSegment(p.backend, p.dir, 0)
		if err := seg.create(ctx); err != nil {
			return errs.PartitionLoad(p.streamID, p.topicID, p.id, p.dir, err)
		}
		segments = append(segments, seg)
	}

	if err := p.offsets.load(ctx); err != nil {
		return errs.PartitionLoad(p.streamID, p.topicID, p.id, p.dir, err)
	}

	// drop whatever an earlier Load or New accounted for
	p.releaseSegments()
	p.segments = segments
	p.nextOffset = segments[len(segments)-1].NextOffset()
	p.counters.add(messages, size, uint64(len(segments)))
	p.dirty = false

	p.logger.WithFields(logrus.Fields{
		"segments":    len(segments),
		"messages":    messages,
		"size":        humanize.IBytes(size),
		"next_offset": p.nextOffset,
	}).Debug("Loaded partition")
	return nil
}

// releaseSegments forgets the in-memory segments and subtracts them from the counters.
func (p *Partition) releaseSegments() {
	var messages, size uint64
	for _, seg := range p.segments {
		messages += seg.Count()
		size += seg.Size()
	}
	p.counters.sub(messages, size, uint64(len(p.segments)))
	p.segments = nil
}

// Clear drops the in-memory segment list without touching storage.
func (p *Partition) Clear() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.releaseSegments()
}

// Append assigns consecutive offsets to batch and writes it to the active
// segment. Offsets advance only once the write succeeded. The caller's
// messages get their offset, timestamp and checksum filled in.
func (p *Partition) Append(ctx context.Context, batch []*message.Message) (AppendResult, error) {
	if len(batch) == 0 {
		return AppendResult{}, ErrEmptyBatch
	}
	start := time.Now()

	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.segments) == 0 {
		return AppendResult{}, errs.IO("append", p.streamID, p.topicID, p.id, p.dir, errors.New("partition has no active segment"))
	}
	now := time.Now().UTC().Truncate(time.Microsecond)
	active := p.segments[len(p.segments)-1]
	if active.isFull(now, uint64(p.config.Segment.Size), p.config.Segment.MaxAge) {
		if err := p.roll(ctx); err != nil {
			return AppendResult{}, err
		}
		active = p.segments[len(p.segments)-1]
	}

	stored := make([]*message.Message, len(batch))
	for i, msg := range batch {
		payload, err := p.codec.Compress(msg.Payload)
		if err != nil {
			return AppendResult{}, errs.IO("compress", p.streamID, p.topicID, p.id, p.dir, err)
		}
		cp := *msg
		cp.Offset = p.nextOffset + uint64(i)
		cp.Timestamp = now
		cp.Payload = payload
		cp.Checksum = message.ComputeChecksum(payload)
		stored[i] = &cp
	}

	written, err := active.append(ctx, stored, p.config.Partition.EnforceFsync)
	if err != nil {
		metrics.ErrorsTotal.WithLabelValues("append_failed").Inc()
		return AppendResult{}, errs.IO("append", p.streamID, p.topicID, p.id, active.logPath(), err)
	}

	for i, msg := range batch {
		msg.Offset = stored[i].Offset
		msg.Timestamp = now
		msg.Checksum = stored[i].Checksum
	}
	result := AppendResult{BaseOffset: p.nextOffset, LastOffset: p.nextOffset + uint64(len(batch)) - 1}
	p.nextOffset += uint64(len(batch))
	p.counters.add(uint64(len(batch)), written, 0)
	p.dirty = true

	if active.isFull(now, uint64(p.config.Segment.Size), p.config.Segment.MaxAge) {
		if err := p.roll(ctx); err != nil {
			// the batch is durable; the next append retries the roll
			p.logger.WithError(err).Warn("Failed to roll segment")
		}
	}

	labels := []string{strconv.FormatUint(uint64(p.streamID), 10), strconv.FormatUint(uint64(p.topicID), 10)}
	metrics.MessagesAppended.WithLabelValues(labels...).Add(float64(len(batch)))
	metrics.AppendLatency.WithLabelValues(labels...).Observe(time.Since(start).Seconds())
	return result, nil
}

// roll seals the active segment and opens a new one at nextOffset.
// Must be called with mu held.
func (p *Partition) roll(ctx context.Context) error {
	active := p.segments[len(p.segments)-1]
	if err := active.seal(ctx); err != nil {
		p.logger.WithError(err).Warn("Failed to sync segment before rolling")
	}
	seg := newSegment(p.backend, p.dir, p.nextOffset)
	if err := seg.create(ctx); err != nil {
		return errs.IO("roll", p.streamID, p.topicID, p.id, seg.logPath(), err)
	}
	p.segments = append(p.segments, seg)
	p.counters.add(0, 0, 1)
	metrics.SegmentsRolled.WithLabelValues(strconv.FormatUint(uint64(p.streamID), 10), strconv.FormatUint(uint64(p.topicID), 10)).Inc()
	p.logger.WithField("start_offset", p.nextOffset).Info("Rolled to new segment")
	return nil
}

// Read returns up to count messages starting at offset. The range is checked
// eagerly; messages are decoded lazily while the sequence is consumed. An
// offset older than the retained log starts at the oldest retained message.
func (p *Partition) Read(ctx context.Context, offset uint64, count uint32) (iter.Seq2[*message.Message, error], error) {
	p.mu.RLock()
	next := p.nextOffset
	segments := append([]*Segment(nil), p.segments...)
	p.mu.RUnlock()

	if next == 0 {
		if offset == 0 {
			return emptySeq, nil
		}
		return nil, errs.OffsetOutOfRange(p.streamID, p.topicID, p.id, offset, 0)
	}
	if offset >= next {
		return nil, errs.OffsetOutOfRange(p.streamID, p.topicID, p.id, offset, next-1)
	}
	if count == 0 {
		return emptySeq, nil
	}
	if len(segments) > 0 && offset < segments[0].StartOffset() {
		offset = segments[0].StartOffset()
	}
	last := min(offset+uint64(count)-1, next-1)

	return func(yield func(*message.Message, error) bool) {
		cursor := offset
		for _, seg := range segments {
			for cursor <= last && cursor < seg.NextOffset() {
				to := min(last, cursor+readChunk-1)
				msgs, err := seg.readRange(ctx, cursor, to)
				if err != nil {
					yield(nil, errs.IO("read", p.streamID, p.topicID, p.id, seg.logPath(), err))
					return
				}
				if len(msgs) == 0 {
					break
				}
				for _, msg := range msgs {
					if err := p.decode(msg); err != nil {
						yield(nil, err)
						return
					}
					if !yield(msg, nil) {
						return
					}
				}
				cursor = msgs[len(msgs)-1].Offset + 1
			}
			if cursor > last {
				return
			}
		}
	}, nil
}

func emptySeq(func(*message.Message, error) bool) {}

func (p *Partition) decode(msg *message.Message) error {
	if err := msg.Verify(); err != nil {
		return errs.IO("read", p.streamID, p.topicID, p.id, p.dir, err)
	}
	payload, err := p.codec.Decompress(msg.Payload)
	if err != nil {
		return errs.IO("decompress", p.streamID, p.topicID, p.id, p.dir, err)
	}
	msg.Payload = payload
	return nil
}

// Persist creates the partition directories, materializes the active segment
// and flushes it. It does nothing if nothing changed since the last call.
func (p *Partition) Persist(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.dirty {
		return nil
	}
	if err := p.backend.MkdirAll(ctx, p.dir); err != nil {
		return errs.DirectoryCreation(errs.DirPartition, p.streamID, p.topicID, p.dir, err)
	}
	if err := p.offsets.ensureDirs(ctx); err != nil {
		return errs.DirectoryCreation(errs.DirPartition, p.streamID, p.topicID, p.offsets.root(), err)
	}
	if len(p.segments) > 0 {
		active := p.segments[len(p.segments)-1]
		if err := active.create(ctx); err != nil {
			return errs.IO("persist", p.streamID, p.topicID, p.id, active.logPath(), err)
		}
		if err := active.sync(ctx); err != nil {
			return errs.IO("persist", p.streamID, p.topicID, p.id, active.logPath(), err)
		}
	}
	p.dirty = false
	return nil
}

// DeleteExpiredSegments removes closed segments whose newest message is older
// than expiry and returns how many were removed.
func (p *Partition) DeleteExpiredSegments(ctx context.Context, now time.Time, expiry time.Duration) (int, error) {
	if expiry <= 0 {
		return 0, nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	deleted := 0
	for len(p.segments) > 1 && p.segments[0].isExpired(now, expiry) {
		if err := p.removeOldest(ctx); err != nil {
			return deleted, err
		}
		deleted++
	}
	if deleted > 0 {
		metrics.SegmentsDeleted.WithLabelValues("expired").Add(float64(deleted))
	}
	return deleted, nil
}

// DeleteOldestSegment removes the oldest closed segment. It reports false
// when only the active segment is left.
func (p *Partition) DeleteOldestSegment(ctx context.Context) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.segments) < 2 || !p.segments[0].IsClosed() {
		return false, nil
	}
	if err := p.removeOldest(ctx); err != nil {
		return false, err
	}
	metrics.SegmentsDeleted.WithLabelValues("size").Inc()
	return true, nil
}

func (p *Partition) removeOldest(ctx context.Context) error {
	seg := p.segments[0]
	if err := seg.delete(ctx); err != nil {
		return errs.IO("delete segment", p.streamID, p.topicID, p.id, seg.logPath(), err)
	}
	p.segments = p.segments[1:]
	p.counters.sub(seg.Count(), seg.Size(), 1)
	p.logger.WithField("start_offset", seg.StartOffset()).Info("Deleted segment")
	return nil
}

// OldestSegmentStart returns the start offset of the oldest retained segment.
func (p *Partition) OldestSegmentStart() uint64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if len(p.segments) == 0 {
		return 0
	}
	return p.segments[0].StartOffset()
}

// Delete removes the partition directory and its contribution to the counters.
func (p *Partition) Delete(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.backend.RemoveAll(ctx, p.dir); err != nil {
		return errs.DirectoryDeletion(errs.DirPartition, p.streamID, p.topicID, p.dir, err)
	}
	p.releaseSegments()
	return nil
}

// StoreConsumerOffset records the offset a consumer or consumer group has
// processed up to.
func (p *Partition) StoreConsumerOffset(ctx context.Context, kind ConsumerKind, consumerID uint32, offset uint64) error {
	p.mu.RLock()
	next := p.nextOffset
	p.mu.RUnlock()
	if next == 0 || offset >= next {
		var maxOffset uint64
		if next > 0 {
			maxOffset = next - 1
		}
		return errs.OffsetOutOfRange(p.streamID, p.topicID, p.id, offset, maxOffset)
	}
	if err := p.offsets.store(ctx, kind, consumerID, offset); err != nil {
		return errs.IO("store offset", p.streamID, p.topicID, p.id, p.offsets.root(), err)
	}
	return nil
}

// ConsumerOffset returns the stored offset of a consumer or consumer group.
func (p *Partition) ConsumerOffset(kind ConsumerKind, consumerID uint32) (uint64, bool) {
	return p.offsets.get(kind, consumerID)
}

// DeleteConsumerOffset forgets the stored offset of a consumer or group.
func (p *Partition) DeleteConsumerOffset(ctx context.Context, kind ConsumerKind, consumerID uint32) error {
	if err := p.offsets.remove(ctx, kind, consumerID); err != nil {
		return errs.IO("delete offset", p.streamID, p.topicID, p.id, p.offsets.root(), err)
	}
	return nil
}
