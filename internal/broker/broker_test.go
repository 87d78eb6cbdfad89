package broker

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"streamlog/internal/config"
	"streamlog/internal/errs"
	"streamlog/internal/message"
	"streamlog/internal/partition"
	"streamlog/internal/state"
	"streamlog/internal/storage"
	"streamlog/internal/stream"
	"streamlog/internal/topic"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.DataDir = t.TempDir()
	cfg.Retention.Interval = 0
	cfg.Persist.Interval = 0
	return cfg
}

func nullLogger() *logrus.Entry {
	logger, _ := test.NewNullLogger()
	return logrus.NewEntry(logger)
}

func start(t *testing.T, cfg *config.Config, backend storage.Backend, store state.Store) (*Broker, *LoadReport) {
	t.Helper()
	b := New(cfg, backend, store, nullLogger())
	report, err := b.Start(context.Background())
	require.NoError(t, err)
	return b, report
}

func batch(payloads ...string) []*message.Message {
	out := make([]*message.Message, len(payloads))
	for i, p := range payloads {
		out[i] = message.New([]byte("k"), []byte(p), map[string]string{"n": p})
	}
	return out
}

func TestRestartOnDisk(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	backend, err := storage.NewDiskBackend(cfg.DataDir)
	require.NoError(t, err)
	store, err := state.OpenBoltStore(filepath.Join(cfg.DataDir, "state.db"))
	require.NoError(t, err)

	b, report := start(t, cfg, backend, store)
	assert.Empty(t, report.Streams.Matched)

	s, err := b.CreateStream(ctx, 0, "orders")
	require.NoError(t, err)
	tp, err := b.CreateTopic(ctx, s.ID, stream.TopicSpec{Name: "created", Partitions: 2})
	require.NoError(t, err)
	g, err := b.CreateConsumerGroup(ctx, s.ID, tp.ID, 0, "billing")
	require.NoError(t, err)

	pid, res, err := b.Append(ctx, s.ID, tp.ID, topic.ByPartitionID(2), batch("a", "b", "c"))
	require.NoError(t, err)
	assert.Equal(t, uint32(2), pid)
	assert.Equal(t, uint64(2), res.LastOffset)
	require.NoError(t, b.StoreConsumerOffset(ctx, s.ID, tp.ID, 2, partition.ConsumerGroup, g.ID, 1))
	before := b.Stats()
	require.NoError(t, b.Stop(ctx))
	require.NoError(t, store.Close())

	store, err = state.OpenBoltStore(filepath.Join(cfg.DataDir, "state.db"))
	require.NoError(t, err)
	defer store.Close()
	b2, report := start(t, cfg, backend, store)
	defer b2.Stop(ctx)

	assert.Equal(t, []uint32{1}, report.Streams.LoadedIDs())
	assert.True(t, report.Details[1].Clean())
	assert.Equal(t, before, b2.Stats())

	msgs, err := b2.Read(ctx, s.ID, tp.ID, 2, 1, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, []byte("b"), msgs[0].Payload)
	assert.Equal(t, "c", msgs[1].Headers["n"])

	offset, err := b2.ConsumerOffset(s.ID, tp.ID, 2, partition.ConsumerGroup, g.ID)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), offset)

	tp2, err := b2.Topic(s.ID, tp.ID)
	require.NoError(t, err)
	_, err = tp2.ConsumerGroupByName("billing")
	require.NoError(t, err)
}

func TestStartReconcilesStreamDirectories(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	cfg.Recovery.RecreateMissingState = false
	backend := storage.NewMemoryBackend()
	store := state.NewMemoryStore()

	b, _ := start(t, cfg, backend, store)
	for _, name := range []string{"a", "b"} {
		_, err := b.CreateStream(ctx, 0, name)
		require.NoError(t, err)
	}
	require.NoError(t, b.Stop(ctx))

	require.NoError(t, backend.RemoveAll(ctx, stream.Dir(2)))
	require.NoError(t, backend.MkdirAll(ctx, stream.Dir(7)))

	b2, report := start(t, cfg, backend, store)
	assert.Equal(t, []uint32{1}, report.Streams.LoadedIDs())
	assert.Equal(t, []uint32{2}, report.Streams.SkippedIDs())
	assert.Equal(t, []uint32{7}, report.Streams.Orphaned)
	assert.Len(t, b2.Streams(), 1)

	ok, err := backend.Exists(ctx, stream.Dir(7))
	require.NoError(t, err)
	assert.False(t, ok)

	// The skipped stream keeps its id and name.
	_, err = b2.CreateStream(ctx, 0, "b")
	assert.ErrorIs(t, err, errs.ErrAlreadyExists)
	_, err = b2.CreateStream(ctx, 2, "c")
	assert.ErrorIs(t, err, errs.ErrAlreadyExists)
	s, err := b2.CreateStream(ctx, 0, "c")
	require.NoError(t, err)
	assert.Equal(t, uint32(3), s.ID)

	sys, err := store.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, "b", sys.Streams[2].Name)
}

func TestRestartKeepsCorruptedPartition(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	backend, err := storage.NewDiskBackend(cfg.DataDir)
	require.NoError(t, err)
	store, err := state.OpenBoltStore(filepath.Join(cfg.DataDir, "state.db"))
	require.NoError(t, err)
	defer store.Close()

	b, _ := start(t, cfg, backend, store)
	s, err := b.CreateStream(ctx, 0, "orders")
	require.NoError(t, err)
	tp, err := b.CreateTopic(ctx, s.ID, stream.TopicSpec{Name: "events", Partitions: 3})
	require.NoError(t, err)
	for _, id := range []uint32{1, 2, 3} {
		_, _, err := b.Append(ctx, s.ID, tp.ID, topic.ByPartitionID(id), batch("a", "b"))
		require.NoError(t, err)
	}
	require.NoError(t, b.Stop(ctx))

	partDir := filepath.Join(cfg.DataDir, topic.Dir(stream.Dir(s.ID), tp.ID), "partitions", "2")
	f, err := os.OpenFile(filepath.Join(partDir, "00000000000000000000.log"), os.O_APPEND|os.O_WRONLY, 0644)
	require.NoError(t, err)
	_, err = f.Write([]byte{0, 0, 0, 42, 1})
	require.NoError(t, err)
	require.NoError(t, f.Close())
	info, err := os.Stat(filepath.Join(partDir, "00000000000000000000.log"))
	require.NoError(t, err)

	for range 2 {
		b, report := start(t, cfg, backend, store)
		partitions := report.Details[s.ID].Partitions[tp.ID]
		assert.Equal(t, []uint32{1, 3}, partitions.LoadedIDs())
		assert.Equal(t, []uint32{2}, partitions.SkippedIDs())
		assert.Empty(t, partitions.Orphaned)
		require.NoError(t, b.Stop(ctx))

		sys, err := store.Load(ctx)
		require.NoError(t, err)
		assert.Len(t, sys.Streams[s.ID].Topics[tp.ID].Partitions, 3)
		got, err := os.Stat(filepath.Join(partDir, "00000000000000000000.log"))
		require.NoError(t, err)
		assert.Equal(t, info.Size(), got.Size())
	}

	b, _ = start(t, cfg, backend, store)
	defer b.Stop(ctx)
	ids, err := b.CreatePartitions(ctx, s.ID, tp.ID, 1)
	require.NoError(t, err)
	assert.Equal(t, []uint32{4}, ids)
	tp, err = b.Topic(s.ID, tp.ID)
	require.NoError(t, err)
	assert.Equal(t, []uint32{1, 3, 4}, tp.PartitionIDs())
	assert.Equal(t, []uint32{2}, tp.SkippedPartitionIDs())

	sys, err := store.Load(ctx)
	require.NoError(t, err)
	assert.Len(t, sys.Streams[s.ID].Topics[tp.ID].Partitions, 4)
}

func TestStartRecreatesMissingStream(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	backend := storage.NewMemoryBackend()
	store := state.NewMemoryStore()

	b, _ := start(t, cfg, backend, store)
	s, err := b.CreateStream(ctx, 0, "orders")
	require.NoError(t, err)
	_, err = b.CreateTopic(ctx, s.ID, stream.TopicSpec{Name: "created", Partitions: 2})
	require.NoError(t, err)
	require.NoError(t, b.Stop(ctx))
	require.NoError(t, backend.RemoveAll(ctx, stream.Dir(s.ID)))

	b2, report := start(t, cfg, backend, store)
	assert.Equal(t, []uint32{1}, report.Streams.Recreated)
	assert.Equal(t, []uint32{1}, report.Details[1].Topics.Recreated)
	st := b2.Stats()
	assert.Equal(t, 1, st.Topics)
	assert.Equal(t, 2, st.Partitions)
	assert.Equal(t, uint64(2), st.Segments)
}

func TestOperationErrors(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	b, _ := start(t, cfg, storage.NewMemoryBackend(), state.NewMemoryStore())

	_, err := b.CreateStream(ctx, 0, "")
	assert.ErrorIs(t, err, errs.ErrInvalidConfig)
	s, err := b.CreateStream(ctx, 5, "orders")
	require.NoError(t, err)
	assert.Equal(t, uint32(5), s.ID)
	_, err = b.CreateStream(ctx, 0, "orders")
	assert.ErrorIs(t, err, errs.ErrAlreadyExists)
	_, err = b.CreateStream(ctx, 5, "other")
	assert.ErrorIs(t, err, errs.ErrAlreadyExists)

	_, err = b.CreateTopic(ctx, 9, stream.TopicSpec{Name: "x"})
	assert.ErrorIs(t, err, errs.ErrNotFound)
	_, _, err = b.Append(ctx, 5, 1, topic.BalancedPartitioning(), batch("a"))
	assert.ErrorIs(t, err, errs.ErrNotFound)

	tp, err := b.CreateTopic(ctx, 5, stream.TopicSpec{Name: "x", Partitions: 1})
	require.NoError(t, err)
	_, err = b.Read(ctx, 5, tp.ID, 1, 3, 1)
	assert.ErrorIs(t, err, errs.ErrOffsetOutOfRange)
	err = b.StoreConsumerOffset(ctx, 5, tp.ID, 1, partition.ConsumerGroup, 42, 0)
	assert.ErrorIs(t, err, errs.ErrNotFound)
	_, err = b.ConsumerOffset(5, tp.ID, 1, partition.Consumer, 1)
	assert.ErrorIs(t, err, errs.ErrNotFound)

	byName, err := b.StreamByName("orders")
	require.NoError(t, err)
	assert.Same(t, s, byName)
}

func TestDeleteStreamAndTopic(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	backend := storage.NewMemoryBackend()
	store := state.NewMemoryStore()
	b, _ := start(t, cfg, backend, store)

	s, err := b.CreateStream(ctx, 0, "orders")
	require.NoError(t, err)
	tp, err := b.CreateTopic(ctx, s.ID, stream.TopicSpec{Name: "a", Partitions: 1})
	require.NoError(t, err)
	_, err = b.CreateTopic(ctx, s.ID, stream.TopicSpec{Name: "b", Partitions: 1})
	require.NoError(t, err)

	require.NoError(t, b.DeleteTopic(ctx, s.ID, tp.ID))
	sys, err := store.Load(ctx)
	require.NoError(t, err)
	assert.Len(t, sys.Streams[s.ID].Topics, 1)

	require.NoError(t, b.DeleteStream(ctx, s.ID))
	sys, err = store.Load(ctx)
	require.NoError(t, err)
	assert.Empty(t, sys.Streams)
	assert.Equal(t, Stats{}, b.Stats())
	assert.ErrorIs(t, b.DeleteStream(ctx, s.ID), errs.ErrNotFound)
}

func TestPartitionsAndGroupsAreRecorded(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	store := state.NewMemoryStore()
	b, _ := start(t, cfg, storage.NewMemoryBackend(), store)

	s, err := b.CreateStream(ctx, 0, "orders")
	require.NoError(t, err)
	tp, err := b.CreateTopic(ctx, s.ID, stream.TopicSpec{Name: "a", Partitions: 1})
	require.NoError(t, err)

	ids, err := b.CreatePartitions(ctx, s.ID, tp.ID, 2)
	require.NoError(t, err)
	assert.Equal(t, []uint32{2, 3}, ids)
	g, err := b.CreateConsumerGroup(ctx, s.ID, tp.ID, 0, "g")
	require.NoError(t, err)

	sys, err := store.Load(ctx)
	require.NoError(t, err)
	ts := sys.Streams[s.ID].Topics[tp.ID]
	assert.Len(t, ts.Partitions, 3)
	assert.Equal(t, "g", ts.ConsumerGroups[g.ID].Name)

	_, err = b.DeletePartitions(ctx, s.ID, tp.ID, 1)
	require.NoError(t, err)
	require.NoError(t, b.DeleteConsumerGroup(ctx, s.ID, tp.ID, g.ID))
	sys, err = store.Load(ctx)
	require.NoError(t, err)
	ts = sys.Streams[s.ID].Topics[tp.ID]
	assert.Len(t, ts.Partitions, 2)
	assert.Empty(t, ts.ConsumerGroups)
}

func TestApplyRetentionAndTopicStats(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	cfg.Segment.Size = 1
	cfg.Segment.MessageExpiry = time.Minute
	b, _ := start(t, cfg, storage.NewMemoryBackend(), state.NewMemoryStore())

	s, err := b.CreateStream(ctx, 0, "orders")
	require.NoError(t, err)
	tp, err := b.CreateTopic(ctx, s.ID, stream.TopicSpec{Name: "a", Partitions: 1})
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		_, _, err := b.Append(ctx, s.ID, tp.ID, topic.ByPartitionID(1), batch("x"))
		require.NoError(t, err)
	}

	stats := b.TopicStats()
	require.Len(t, stats, 1)
	assert.Equal(t, uint64(3), stats[0].Messages)
	assert.Equal(t, uint64(4), stats[0].Segments)
	assert.Equal(t, 1, stats[0].Partitions)

	require.NoError(t, b.ApplyRetention(ctx, time.Now().Add(time.Hour)))
	assert.Zero(t, b.Stats().Messages)
	assert.Equal(t, uint64(1), b.Stats().Segments)

	msgs, err := b.Read(ctx, s.ID, tp.ID, 1, 0, 10)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestBackgroundLoopsStopCleanly(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	cfg.Retention.Interval = 5 * time.Millisecond
	cfg.Persist.Interval = 5 * time.Millisecond
	store := state.NewMemoryStore()
	b, _ := start(t, cfg, storage.NewMemoryBackend(), store)

	s, err := b.CreateStream(ctx, 0, "orders")
	require.NoError(t, err)
	_, err = b.CreateTopic(ctx, s.ID, stream.TopicSpec{Name: "a", Partitions: 1})
	require.NoError(t, err)
	time.Sleep(20 * time.Millisecond)

	require.NoError(t, b.Stop(ctx))
	require.NoError(t, b.Stop(ctx))

	_, err = b.Start(ctx)
	assert.Error(t, err)
}
