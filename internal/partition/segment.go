package partition

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	"streamlog/internal/message"
	"streamlog/internal/storage"
)

const (
	lenWidth   = 4 // record length prefix in the log file
	indexWidth = 8 // relative offset + position
	logSuffix  = ".log"
	idxSuffix  = ".index"
)

var (
	ErrSegmentClosed    = errors.New("segment is closed")
	ErrSegmentCorrupted = errors.New("segment is corrupted")
)

type indexEntry struct {
	relOffset uint32
	position  uint32
}

// Segment is a bounded, append-only chunk of a partition log. Only the newest
// segment of a partition is open; closed segments never change again.
type Segment struct {
	backend      storage.Backend
	dir          string
	startOffset  uint64
	count        uint64
	size         uint64
	maxTimestamp time.Time
	createdAt    time.Time
	closed       bool
	index        []indexEntry
	mu           sync.RWMutex
}

func segmentFileName(startOffset uint64, suffix string) string {
	return fmt.Sprintf("%020d%s", startOffset, suffix)
}

// parseSegmentFileName returns the start offset of a ".log" file name.
func parseSegmentFileName(name string) (uint64, bool) {
	if !strings.HasSuffix(name, logSuffix) {
		return 0, false
	}
	v, err := strconv.ParseUint(strings.TrimSuffix(name, logSuffix), 10, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

func newSegment(backend storage.Backend, dir string, startOffset uint64) *Segment {
	return &Segment{
		backend:     backend,
		dir:         dir,
		startOffset: startOffset,
		createdAt:   time.Now(),
	}
}

func (s *Segment) logPath() string   { return storage.Join(s.dir, segmentFileName(s.startOffset, logSuffix)) }
func (s *Segment) indexPath() string { return storage.Join(s.dir, segmentFileName(s.startOffset, idxSuffix)) }

// StartOffset returns the first offset in this segment.
func (s *Segment) StartOffset() uint64 { return s.startOffset }

// NextOffset returns the offset the next appended message would get.
func (s *Segment) NextOffset() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.startOffset + s.count
}

func (s *Segment) Count() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.count
}

func (s *Segment) Size() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.size
}

func (s *Segment) IsClosed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.closed
}

// create materializes empty log and index files.
func (s *Segment) create(ctx context.Context) error {
	if _, err := s.backend.Append(ctx, s.logPath(), nil, false); err != nil {
		return err
	}
	if _, err := s.backend.Append(ctx, s.indexPath(), nil, false); err != nil {
		return err
	}
	return nil
}

// load rebuilds the in-memory state by scanning the log file. The index file
// is rewritten when it does not match what the log contains. A non-empty
// segment ages from its first record's timestamp.
func (s *Segment) load(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := s.backend.ReadFile(ctx, s.logPath())
	if err != nil {
		return err
	}

	var (
		pos     uint64
		index   []indexEntry
		maxTs   time.Time
		firstTs time.Time
	)
	for pos < uint64(len(data)) {
		if uint64(len(data))-pos < lenWidth {
			return fmt.Errorf("%w: truncated length prefix at position %d of %s", ErrSegmentCorrupted, pos, s.logPath())
		}
		n := uint64(binary.BigEndian.Uint32(data[pos:]))
		end := pos + lenWidth + n
		if end > uint64(len(data)) {
			return fmt.Errorf("%w: truncated record at position %d of %s", ErrSegmentCorrupted, pos, s.logPath())
		}
		msg, err := message.Deserialize(data[pos+lenWidth : end])
		if err != nil {
			return fmt.Errorf("%w: %s at position %d: %v", ErrSegmentCorrupted, s.logPath(), pos, err)
		}
		want := s.startOffset + uint64(len(index))
		if msg.Offset != want {
			return fmt.Errorf("%w: %s holds offset %d where %d was expected", ErrSegmentCorrupted, s.logPath(), msg.Offset, want)
		}
		if len(index) == 0 {
			firstTs = msg.Timestamp
		}
		index = append(index, indexEntry{relOffset: uint32(len(index)), position: uint32(pos)})
		if msg.Timestamp.After(maxTs) {
			maxTs = msg.Timestamp
		}
		pos = end
	}

	s.index = index
	s.count = uint64(len(index))
	s.size = pos
	s.maxTimestamp = maxTs
	if len(index) > 0 {
		s.createdAt = firstTs
	}

	idxSize, err := s.backend.Size(ctx, s.indexPath())
	if err != nil && !errors.Is(err, storage.ErrNotExist) {
		return err
	}
	if err != nil || uint64(idxSize) != uint64(len(index))*indexWidth {
		if err := s.backend.WriteFile(ctx, s.indexPath(), encodeIndex(index)); err != nil {
			return fmt.Errorf("failed to rebuild index %s: %w", s.indexPath(), err)
		}
	}
	return nil
}

func encodeIndex(entries []indexEntry) []byte {
	buf := make([]byte, 0, len(entries)*indexWidth)
	for _, e := range entries {
		buf = binary.BigEndian.AppendUint32(buf, e.relOffset)
		buf = binary.BigEndian.AppendUint32(buf, e.position)
	}
	return buf
}

// append writes msgs, whose offsets must continue the segment, in a single
// backend append. On failure both files are truncated back and the segment
// is left unchanged. It returns the number of log bytes written.
func (s *Segment) append(ctx context.Context, msgs []*message.Message, sync bool) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, ErrSegmentClosed
	}

	var logBuf []byte
	entries := make([]indexEntry, 0, len(msgs))
	var maxTs time.Time
	for i, msg := range msgs {
		if msg.Offset != s.startOffset+s.count+uint64(i) {
			return 0, fmt.Errorf("message offset %d does not continue segment %d", msg.Offset, s.startOffset)
		}
		pos := s.size + uint64(len(logBuf))
		if pos > math.MaxUint32 {
			return 0, fmt.Errorf("segment %d exceeds the addressable size", s.startOffset)
		}
		start := len(logBuf)
		logBuf = append(logBuf, 0, 0, 0, 0)
		var err error
		logBuf, err = msg.AppendBinary(logBuf)
		if err != nil {
			return 0, err
		}
		binary.BigEndian.PutUint32(logBuf[start:], uint32(len(logBuf)-start-lenWidth))
		entries = append(entries, indexEntry{relOffset: uint32(s.count) + uint32(i), position: uint32(pos)})
		if msg.Timestamp.After(maxTs) {
			maxTs = msg.Timestamp
		}
	}

	prevLog, prevIdx := int64(s.size), int64(len(s.index))*indexWidth
	if _, err := s.backend.Append(ctx, s.logPath(), logBuf, sync); err != nil {
		s.rollback(ctx, prevLog, prevIdx)
		return 0, err
	}
	if _, err := s.backend.Append(ctx, s.indexPath(), encodeIndex(entries), sync); err != nil {
		s.rollback(ctx, prevLog, prevIdx)
		return 0, err
	}

	s.index = append(s.index, entries...)
	s.count += uint64(len(msgs))
	s.size += uint64(len(logBuf))
	if maxTs.After(s.maxTimestamp) {
		s.maxTimestamp = maxTs
	}
	return uint64(len(logBuf)), nil
}

// rollback is best effort; a failed truncate leaves trailing bytes that the
// next load reports as corruption.
func (s *Segment) rollback(ctx context.Context, logSize, idxSize int64) {
	_ = s.backend.Truncate(ctx, s.logPath(), logSize)
	_ = s.backend.Truncate(ctx, s.indexPath(), idxSize)
}

// isFull reports whether the segment reached its size or age threshold.
func (s *Segment) isFull(now time.Time, maxSize uint64, maxAge time.Duration) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.size >= maxSize {
		return true
	}
	return maxAge > 0 && s.count > 0 && now.Sub(s.createdAt) >= maxAge
}

// seal flushes the files and makes the segment immutable.
func (s *Segment) seal(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if err := s.backend.Sync(ctx, s.logPath()); err != nil {
		return err
	}
	return s.backend.Sync(ctx, s.indexPath())
}

// markClosed closes a segment loaded from storage without touching its files.
func (s *Segment) markClosed() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
}

func (s *Segment) sync(ctx context.Context) error {
	if err := s.backend.Sync(ctx, s.logPath()); err != nil {
		return err
	}
	return s.backend.Sync(ctx, s.indexPath())
}

// isExpired reports whether a closed segment only holds messages older than expiry.
func (s *Segment) isExpired(now time.Time, expiry time.Duration) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.closed || expiry <= 0 || s.count == 0 {
		return false
	}
	return now.Sub(s.maxTimestamp) >= expiry
}

// readRange decodes the stored messages with offsets in [from, to].
func (s *Segment) readRange(ctx context.Context, from, to uint64) ([]*message.Message, error) {
	s.mu.RLock()
	if s.count == 0 || to < s.startOffset || from >= s.startOffset+s.count {
		s.mu.RUnlock()
		return nil, nil
	}
	from = max(from, s.startOffset)
	to = min(to, s.startOffset+s.count-1)
	first := from - s.startOffset
	last := to - s.startOffset
	startPos := uint64(s.index[first].position)
	endPos := s.size
	if last+1 < s.count {
		endPos = uint64(s.index[last+1].position)
	}
	s.mu.RUnlock()

	data, err := s.backend.ReadAt(ctx, s.logPath(), int64(startPos), int64(endPos-startPos))
	if err != nil {
		return nil, err
	}
	out := make([]*message.Message, 0, last-first+1)
	for pos := uint64(0); pos < uint64(len(data)); {
		if uint64(len(data))-pos < lenWidth {
			return nil, fmt.Errorf("%w: truncated length prefix in %s", ErrSegmentCorrupted, s.logPath())
		}
		n := uint64(binary.BigEndian.Uint32(data[pos:]))
		end := pos + lenWidth + n
		if end > uint64(len(data)) {
			return nil, fmt.Errorf("%w: truncated record in %s", ErrSegmentCorrupted, s.logPath())
		}
		msg, err := message.Deserialize(data[pos+lenWidth : end])
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrSegmentCorrupted, s.logPath(), err)
		}
		out = append(out, msg)
		pos = end
	}
	return out, nil
}

func (s *Segment) delete(ctx context.Context) error {
	if err := s.backend.RemoveAll(ctx, s.logPath()); err != nil {
		return err
	}
	return s.backend.RemoveAll(ctx, s.indexPath())
}
