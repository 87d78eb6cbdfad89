// Package errs defines the error kinds surfaced by the log storage core.
package errs

import (
	"errors"
	"fmt"
	"strings"
)

// Kind groups errors by where they originate.
type Kind int

const (
	KindNotFound Kind = iota + 1
	KindAlreadyExists
	KindDirectoryCreation
	KindDirectoryRead
	KindDirectoryDeletion
	KindPartitionLoad
	KindOffsetOutOfRange
	KindIO
	KindInvalidConfig
)

// Sentinels for errors.Is. Every *Error matches the sentinel of its Kind.
var (
	ErrNotFound          = errors.New("not found")
	ErrAlreadyExists     = errors.New("already exists")
	ErrDirectoryCreation = errors.New("cannot create directory")
	ErrDirectoryRead     = errors.New("cannot read directory")
	ErrDirectoryDeletion = errors.New("cannot delete directory")
	ErrPartitionLoad     = errors.New("cannot load partition")
	ErrOffsetOutOfRange  = errors.New("offset out of range")
	ErrIO                = errors.New("i/o failure")
	ErrInvalidConfig     = errors.New("invalid configuration")
)

func (k Kind) sentinel() error {
	switch k {
	case KindNotFound:
		return ErrNotFound
	case KindAlreadyExists:
		return ErrAlreadyExists
	case KindDirectoryCreation:
		return ErrDirectoryCreation
	case KindDirectoryRead:
		return ErrDirectoryRead
	case KindDirectoryDeletion:
		return ErrDirectoryDeletion
	case KindPartitionLoad:
		return ErrPartitionLoad
	case KindOffsetOutOfRange:
		return ErrOffsetOutOfRange
	case KindIO:
		return ErrIO
	case KindInvalidConfig:
		return ErrInvalidConfig
	}
	return nil
}

func (k Kind) String() string {
	if s := k.sentinel(); s != nil {
		return s.Error()
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// DirKind names the level of the directory tree an error refers to.
type DirKind string

const (
	DirStream     DirKind = "stream"
	DirTopics     DirKind = "topics"
	DirTopic      DirKind = "topic"
	DirPartitions DirKind = "partitions"
	DirPartition  DirKind = "partition"
)

// Error carries the kind plus whatever identifies the failing entity.
// Zero ids mean "not applicable"; PartitionID is only meaningful when
// HasPartition is set.
type Error struct {
	Kind         Kind
	Op           string
	StreamID     uint32
	TopicID      uint32
	PartitionID  uint32
	HasPartition bool
	Dir          DirKind
	Path         string
	Offset       uint64
	MaxOffset    uint64
	Err          error
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	b.WriteString(e.Kind.String())
	if e.Dir != "" {
		fmt.Fprintf(&b, " (%s directory)", e.Dir)
	}
	if e.StreamID != 0 {
		fmt.Fprintf(&b, " stream=%d", e.StreamID)
	}
	if e.TopicID != 0 {
		fmt.Fprintf(&b, " topic=%d", e.TopicID)
	}
	if e.HasPartition {
		fmt.Fprintf(&b, " partition=%d", e.PartitionID)
	}
	if e.Kind == KindOffsetOutOfRange {
		fmt.Fprintf(&b, " offset=%d max=%d", e.Offset, e.MaxOffset)
	}
	if e.Path != "" {
		fmt.Fprintf(&b, " path=%s", e.Path)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is the sentinel of e's kind.
func (e *Error) Is(target error) bool {
	return target != nil && target == e.Kind.sentinel()
}

// KindOf returns the kind of the first *Error in err's chain, or 0.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}

func DirectoryCreation(dir DirKind, streamID, topicID uint32, path string, err error) *Error {
	return &Error{Kind: KindDirectoryCreation, Dir: dir, StreamID: streamID, TopicID: topicID, Path: path, Err: err}
}

func DirectoryRead(dir DirKind, streamID, topicID uint32, path string, err error) *Error {
	return &Error{Kind: KindDirectoryRead, Dir: dir, StreamID: streamID, TopicID: topicID, Path: path, Err: err}
}

func DirectoryDeletion(dir DirKind, streamID, topicID uint32, path string, err error) *Error {
	return &Error{Kind: KindDirectoryDeletion, Dir: dir, StreamID: streamID, TopicID: topicID, Path: path, Err: err}
}

func TopicNotFound(streamID, topicID uint32, path string) *Error {
	return &Error{Kind: KindNotFound, Dir: DirTopic, StreamID: streamID, TopicID: topicID, Path: path}
}

func StreamNotFound(streamID uint32, path string) *Error {
	return &Error{Kind: KindNotFound, Dir: DirStream, StreamID: streamID, Path: path}
}

func PartitionNotFound(streamID, topicID, partitionID uint32) *Error {
	return &Error{Kind: KindNotFound, Dir: DirPartition, StreamID: streamID, TopicID: topicID, PartitionID: partitionID, HasPartition: true}
}

func PartitionLoad(streamID, topicID, partitionID uint32, path string, err error) *Error {
	return &Error{Kind: KindPartitionLoad, StreamID: streamID, TopicID: topicID, PartitionID: partitionID, HasPartition: true, Path: path, Err: err}
}

func OffsetOutOfRange(streamID, topicID, partitionID uint32, offset, maxOffset uint64) *Error {
	return &Error{Kind: KindOffsetOutOfRange, StreamID: streamID, TopicID: topicID, PartitionID: partitionID, HasPartition: true, Offset: offset, MaxOffset: maxOffset}
}

func IO(op string, streamID, topicID, partitionID uint32, path string, err error) *Error {
	return &Error{Kind: KindIO, Op: op, StreamID: streamID, TopicID: topicID, PartitionID: partitionID, HasPartition: true, Path: path, Err: err}
}

func InvalidConfig(format string, args ...any) *Error {
	return &Error{Kind: KindInvalidConfig, Err: fmt.Errorf(format, args...)}
}

func AlreadyExists(format string, args ...any) *Error {
	return &Error{Kind: KindAlreadyExists, Err: fmt.Errorf(format, args...)}
}

func NotFound(format string, args ...any) *Error {
	return &Error{Kind: KindNotFound, Err: fmt.Errorf(format, args...)}
}
