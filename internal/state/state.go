// Package state holds the persisted metadata snapshot the broker rebuilds
// its streams from at startup.
package state

import (
	"context"
	"math"
	"time"

	"streamlog/internal/compression"
)

// UnlimitedSize marks a topic with no size cap.
const UnlimitedSize uint64 = math.MaxUint64

// PartitionState is the persisted record of one partition.
type PartitionState struct {
	ID        uint32    `json:"id"`
	CreatedAt time.Time `json:"created_at"`
}

// ConsumerGroupState is the persisted record of one consumer group.
type ConsumerGroupState struct {
	ID   uint32 `json:"id"`
	Name string `json:"name"`
}

// TopicState is the persisted record of one topic.
type TopicState struct {
	ID        uint32    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
	// MessageExpiry: 0 uses the server default, negative never expires.
	MessageExpiry time.Duration `json:"message_expiry"`
	// MaxTopicSize: 0 uses the server default, UnlimitedSize disables the cap.
	MaxTopicSize         uint64                        `json:"max_topic_size"`
	CompressionAlgorithm compression.Algorithm         `json:"compression_algorithm"`
	ReplicationFactor    uint8                         `json:"replication_factor"`
	Partitions           map[uint32]PartitionState     `json:"partitions"`
	ConsumerGroups       map[uint32]ConsumerGroupState `json:"consumer_groups"`
}

// StreamState is the persisted record of one stream and its topics.
type StreamState struct {
	ID        uint32                `json:"id"`
	Name      string                `json:"name"`
	CreatedAt time.Time             `json:"created_at"`
	Topics    map[uint32]TopicState `json:"topics"`
}

// SystemState is everything the broker persisted.
type SystemState struct {
	Streams map[uint32]StreamState `json:"streams"`
}

// Store persists metadata snapshots. It must be safe for concurrent use.
type Store interface {
	Load(ctx context.Context) (*SystemState, error)
	SaveStream(ctx context.Context, s StreamState) error
	DeleteStream(ctx context.Context, streamID uint32) error
	// SaveTopic replaces one topic of an already saved stream.
	SaveTopic(ctx context.Context, streamID uint32, t TopicState) error
	DeleteTopic(ctx context.Context, streamID, topicID uint32) error
	Close() error
}
