package state

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"streamlog/internal/compression"
	"streamlog/internal/errs"
)

func stores(t *testing.T) map[string]Store {
	bolt, err := OpenBoltStore(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { bolt.Close() })
	return map[string]Store{"bolt": bolt, "memory": NewMemoryStore()}
}

func sampleStream() StreamState {
	created := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	return StreamState{
		ID:        1,
		Name:      "orders",
		CreatedAt: created,
		Topics: map[uint32]TopicState{
			7: {
				ID:                   7,
				Name:                 "created",
				CreatedAt:            created,
				MessageExpiry:        time.Hour,
				MaxTopicSize:         UnlimitedSize,
				CompressionAlgorithm: compression.Zstd,
				ReplicationFactor:    1,
				Partitions: map[uint32]PartitionState{
					1: {ID: 1, CreatedAt: created},
					2: {ID: 2, CreatedAt: created},
				},
				ConsumerGroups: map[uint32]ConsumerGroupState{
					3: {ID: 3, Name: "billing"},
				},
			},
		},
	}
}

func TestStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			want := sampleStream()
			require.NoError(t, store.SaveStream(ctx, want))

			got, err := store.Load(ctx)
			require.NoError(t, err)
			require.Contains(t, got.Streams, uint32(1))
			s := got.Streams[1]
			assert.Equal(t, want.Name, s.Name)
			assert.True(t, want.CreatedAt.Equal(s.CreatedAt))
			topic := s.Topics[7]
			assert.Equal(t, compression.Zstd, topic.CompressionAlgorithm)
			assert.Equal(t, UnlimitedSize, topic.MaxTopicSize)
			assert.Equal(t, time.Hour, topic.MessageExpiry)
			assert.Len(t, topic.Partitions, 2)
			assert.Equal(t, "billing", topic.ConsumerGroups[3].Name)
		})
	}
}

func TestStoreTopicUpdates(t *testing.T) {
	ctx := context.Background()
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			err := store.SaveTopic(ctx, 1, TopicState{ID: 1, Name: "x"})
			require.ErrorIs(t, err, errs.ErrNotFound)

			require.NoError(t, store.SaveStream(ctx, StreamState{ID: 1, Name: "s"}))
			require.NoError(t, store.SaveTopic(ctx, 1, TopicState{ID: 4, Name: "t4"}))
			require.NoError(t, store.SaveTopic(ctx, 1, TopicState{ID: 5, Name: "t5"}))
			require.NoError(t, store.DeleteTopic(ctx, 1, 4))

			got, err := store.Load(ctx)
			require.NoError(t, err)
			topics := got.Streams[1].Topics
			assert.Len(t, topics, 1)
			assert.Equal(t, "t5", topics[5].Name)
			assert.NotNil(t, topics[5].Partitions)

			require.NoError(t, store.DeleteStream(ctx, 1))
			got, err = store.Load(ctx)
			require.NoError(t, err)
			assert.Empty(t, got.Streams)
		})
	}
}
