package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"streamlog/internal/broker"
	"streamlog/internal/config"
	"streamlog/internal/server"
	"streamlog/internal/state"
	"streamlog/internal/storage"
	"streamlog/internal/stream"
)

// newBroker serves a broker with stream 1 and topic 1 of the given partitions.
func newBroker(t *testing.T, partitions uint32) *httptest.Server {
	t.Helper()
	ctx := context.Background()
	cfg := config.DefaultConfig()
	cfg.Retention.Interval = 0
	cfg.Persist.Interval = 0
	logger, _ := test.NewNullLogger()
	entry := logrus.NewEntry(logger)

	b := broker.New(cfg, storage.NewMemoryBackend(), state.NewMemoryStore(), entry)
	_, err := b.Start(ctx)
	require.NoError(t, err)
	_, err = b.CreateStream(ctx, 1, "s")
	require.NoError(t, err)
	_, err = b.CreateTopic(ctx, 1, stream.TopicSpec{ID: 1, Name: "t", Partitions: partitions})
	require.NoError(t, err)

	srv, err := server.New(b, prometheus.NewRegistry(), entry)
	require.NoError(t, err)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts
}

func clientConfig(ts *httptest.Server) ClientConfig {
	cfg := DefaultClientConfig()
	cfg.BrokerAddresses = []string{ts.URL}
	cfg.RetryBackoff = time.Millisecond
	return cfg
}

func TestProduceAndConsume(t *testing.T) {
	ctx := context.Background()
	ts := newBroker(t, 2)

	p := NewProducer(clientConfig(ts), 1, 1)
	resp, err := p.Send(ctx, Partitioning{Kind: PartitionID, PartitionID: 2},
		&ProduceMessage{Payload: "a"},
		&ProduceMessage{Payload: "b", Headers: map[string]string{"h": "v"}},
		&ProduceMessage{Payload: "c"},
	)
	require.NoError(t, err)
	assert.Equal(t, &ProduceResponse{PartitionID: 2, BaseOffset: 0, LastOffset: 2}, resp)

	c := NewConsumer(ConsumerConfig{ClientConfig: clientConfig(ts), StreamID: 1, TopicID: 1, ConsumerID: 5, MaxPollRecords: 2})
	msgs, err := c.Poll(ctx, 2)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "a", msgs[0].Payload)
	assert.Equal(t, "v", msgs[1].Headers["h"])
	require.NoError(t, c.Commit(ctx))

	off, ok, err := c.CommittedOffset(ctx, 2)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, uint64(1), off)

	// A new consumer with the same id resumes after the stored offset.
	c2 := NewConsumer(ConsumerConfig{ClientConfig: clientConfig(ts), StreamID: 1, TopicID: 1, ConsumerID: 5})
	msgs, err = c2.Poll(ctx, 2)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, uint64(2), msgs[0].Offset)

	msgs, err = c2.Poll(ctx, 2)
	require.NoError(t, err)
	assert.Empty(t, msgs)

	// Empty partition.
	msgs, err = c2.Poll(ctx, 1)
	require.NoError(t, err)
	assert.Empty(t, msgs)
	_, ok, err = c2.CommittedOffset(ctx, 1)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSendKeyedIsSticky(t *testing.T) {
	ctx := context.Background()
	ts := newBroker(t, 4)
	p := NewProducer(clientConfig(ts), 1, 1)

	first, err := p.SendKeyed(ctx, "user-1", &ProduceMessage{Payload: "x"})
	require.NoError(t, err)
	for range 3 {
		resp, err := p.SendKeyed(ctx, "user-1", &ProduceMessage{Payload: "y"})
		require.NoError(t, err)
		assert.Equal(t, first.PartitionID, resp.PartitionID)
	}
}

func TestClientErrors(t *testing.T) {
	ctx := context.Background()
	ts := newBroker(t, 1)

	p := NewProducer(clientConfig(ts), 1, 9)
	_, err := p.Send(ctx, Partitioning{}, &ProduceMessage{Payload: "x"})
	require.Error(t, err)
	assert.True(t, IsNotFound(err))
	assert.Equal(t, "not found", err.(*APIError).Kind)

	_, err = p.Send(ctx, Partitioning{})
	assert.Error(t, err)

	c := NewConsumer(ConsumerConfig{ClientConfig: clientConfig(ts), StreamID: 1, TopicID: 1, ConsumerID: 1, Kind: KindGroup})
	_, _, err = c.CommittedOffset(ctx, 3)
	require.NoError(t, err)
	_, err = c.Poll(ctx, 3)
	assert.True(t, IsNotFound(err))
}

func TestRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"partition_id":1,"base_offset":4,"last_offset":4}`))
	}))
	defer ts.Close()

	p := NewProducer(clientConfig(ts), 1, 1)
	resp, err := p.Send(context.Background(), Partitioning{}, &ProduceMessage{Payload: "x"})
	require.NoError(t, err)
	assert.Equal(t, uint64(4), resp.BaseOffset)
	assert.Equal(t, int32(3), calls.Load())

	calls.Store(-10)
	_, err = p.Send(context.Background(), Partitioning{}, &ProduceMessage{Payload: "x"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "after 4 attempts")
}
