package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"streamlog/internal/broker"
	"streamlog/internal/config"
	"streamlog/internal/state"
	"streamlog/internal/storage"
)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Retention.Interval = 0
	cfg.Persist.Interval = 0
	logger, _ := test.NewNullLogger()
	entry := logrus.NewEntry(logger)

	b := broker.New(cfg, storage.NewMemoryBackend(), state.NewMemoryStore(), entry)
	_, err := b.Start(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() { b.Stop(context.Background()) })

	srv, err := New(b, prometheus.NewRegistry(), entry)
	require.NoError(t, err)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts
}

func do(t *testing.T, ts *httptest.Server, method, path string, body any, out any) int {
	t.Helper()
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, ts.URL+path, rd)
	require.NoError(t, err)
	resp, err := ts.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t)
	var body map[string]string
	assert.Equal(t, http.StatusOK, do(t, ts, "GET", "/health", nil, &body))
	assert.Equal(t, "healthy", body["status"])
}

func TestStreamAndTopicLifecycle(t *testing.T) {
	ts := newTestServer(t)

	var st streamResponse
	require.Equal(t, http.StatusCreated, do(t, ts, "POST", "/streams", createStreamRequest{Name: "orders"}, &st))
	assert.Equal(t, uint32(1), st.ID)
	assert.Equal(t, http.StatusConflict, do(t, ts, "POST", "/streams", createStreamRequest{Name: "orders"}, nil))

	var tp topicResponse
	require.Equal(t, http.StatusCreated, do(t, ts, "POST", "/streams/1/topics", map[string]any{
		"name":           "created",
		"partitions":     3,
		"message_expiry": "1h",
		"max_size":       "1GiB",
		"compression":    "gzip",
	}, &tp))
	assert.Equal(t, []uint32{1, 2, 3}, tp.Partitions)
	assert.Equal(t, "1h0m0s", tp.MessageExpiry)
	assert.Equal(t, "1.0 GiB", tp.MaxSize)
	assert.Equal(t, "gzip", tp.Compression.String())
	assert.Equal(t, uint8(1), tp.ReplicationFactor)

	var parts partitionsResponse
	require.Equal(t, http.StatusCreated, do(t, ts, "POST", "/streams/1/topics/1/partitions", partitionsRequest{Count: 2}, &parts))
	assert.Equal(t, []uint32{4, 5}, parts.Partitions)
	require.Equal(t, http.StatusOK, do(t, ts, "DELETE", "/streams/1/topics/1/partitions", partitionsRequest{Count: 1}, &parts))
	assert.Equal(t, []uint32{5}, parts.Partitions)

	var streams []streamResponse
	require.Equal(t, http.StatusOK, do(t, ts, "GET", "/streams", nil, &streams))
	require.Len(t, streams, 1)
	assert.Equal(t, 1, streams[0].Topics)

	assert.Equal(t, http.StatusNoContent, do(t, ts, "DELETE", "/streams/1/topics/1", nil, nil))
	assert.Equal(t, http.StatusNotFound, do(t, ts, "GET", "/streams/1/topics/1", nil, nil))
	assert.Equal(t, http.StatusNoContent, do(t, ts, "DELETE", "/streams/1", nil, nil))
	assert.Equal(t, http.StatusNotFound, do(t, ts, "GET", "/streams/1", nil, nil))
}

func TestCreateTopicValidation(t *testing.T) {
	ts := newTestServer(t)
	require.Equal(t, http.StatusCreated, do(t, ts, "POST", "/streams", createStreamRequest{Name: "s"}, nil))

	assert.Equal(t, http.StatusBadRequest, do(t, ts, "POST", "/streams/1/topics", map[string]any{"name": "a", "message_expiry": "soon"}, nil))
	assert.Equal(t, http.StatusBadRequest, do(t, ts, "POST", "/streams/1/topics", map[string]any{"name": "a", "max_size": "lots"}, nil))
	assert.Equal(t, http.StatusBadRequest, do(t, ts, "POST", "/streams/1/topics", map[string]any{"name": "a", "compression": "lz4"}, nil))
	// Below the segment size.
	var e errorResponse
	assert.Equal(t, http.StatusBadRequest, do(t, ts, "POST", "/streams/1/topics", map[string]any{"name": "a", "max_size": "1KiB"}, &e))
	assert.Equal(t, "invalid configuration", e.Kind)
	assert.Equal(t, http.StatusBadRequest, do(t, ts, "POST", "/streams/x/topics", map[string]any{"name": "a"}, nil))
	assert.Equal(t, http.StatusNotFound, do(t, ts, "POST", "/streams/9/topics", map[string]any{"name": "a"}, nil))
}

func TestAppendReadAndOffsets(t *testing.T) {
	ts := newTestServer(t)
	require.Equal(t, http.StatusCreated, do(t, ts, "POST", "/streams", createStreamRequest{Name: "s"}, nil))
	require.Equal(t, http.StatusCreated, do(t, ts, "POST", "/streams/1/topics", map[string]any{"name": "t", "partitions": 2}, nil))

	var ar appendResponse
	require.Equal(t, http.StatusCreated, do(t, ts, "POST", "/streams/1/topics/1/messages", appendRequest{
		Partitioning: partitioningRequest{Kind: "partition_id", PartitionID: 2},
		Messages: []messageRequest{
			{Key: "a", Payload: "one", Headers: map[string]string{"h": "1"}},
			{Payload: "two"},
			{Payload: "three"},
		},
	}, &ar))
	assert.Equal(t, appendResponse{PartitionID: 2, BaseOffset: 0, LastOffset: 2}, ar)

	var rr readResponse
	require.Equal(t, http.StatusOK, do(t, ts, "GET", "/streams/1/topics/1/partitions/2/messages?offset=1&count=5", nil, &rr))
	require.Len(t, rr.Messages, 2)
	assert.Equal(t, "two", rr.Messages[0].Payload)
	assert.Equal(t, uint64(2), rr.Messages[1].Offset)

	require.Equal(t, http.StatusOK, do(t, ts, "GET", "/streams/1/topics/1/partitions/2/messages", nil, &rr))
	require.Len(t, rr.Messages, 3)
	assert.Equal(t, "a", rr.Messages[0].Key)
	assert.Equal(t, "1", rr.Messages[0].Headers["h"])

	assert.Equal(t, http.StatusRequestedRangeNotSatisfiable, do(t, ts, "GET", "/streams/1/topics/1/partitions/2/messages?offset=3", nil, nil))
	assert.Equal(t, http.StatusNotFound, do(t, ts, "GET", "/streams/1/topics/1/partitions/7/messages", nil, nil))
	assert.Equal(t, http.StatusBadRequest, do(t, ts, "GET", "/streams/1/topics/1/partitions/2/messages?offset=-1", nil, nil))

	assert.Equal(t, http.StatusBadRequest, do(t, ts, "POST", "/streams/1/topics/1/messages", appendRequest{
		Partitioning: partitioningRequest{Kind: "sticky"},
		Messages:     []messageRequest{{Payload: "x"}},
	}, nil))
	assert.Equal(t, http.StatusBadRequest, do(t, ts, "POST", "/streams/1/topics/1/messages", appendRequest{}, nil))

	var or offsetResponse
	require.Equal(t, http.StatusOK, do(t, ts, "PUT", "/streams/1/topics/1/partitions/2/offsets/consumer/7", offsetRequest{Offset: 1}, &or))
	require.Equal(t, http.StatusOK, do(t, ts, "GET", "/streams/1/topics/1/partitions/2/offsets/consumer/7", nil, &or))
	assert.Equal(t, offsetResponse{Kind: "consumer", ConsumerID: 7, Offset: 1}, or)
	assert.Equal(t, http.StatusRequestedRangeNotSatisfiable, do(t, ts, "PUT", "/streams/1/topics/1/partitions/2/offsets/consumer/7", offsetRequest{Offset: 3}, nil))
	assert.Equal(t, http.StatusNotFound, do(t, ts, "GET", "/streams/1/topics/1/partitions/2/offsets/consumer/8", nil, nil))
	assert.Equal(t, http.StatusBadRequest, do(t, ts, "GET", "/streams/1/topics/1/partitions/2/offsets/reader/7", nil, nil))
}

func TestConsumerGroups(t *testing.T) {
	ts := newTestServer(t)
	require.Equal(t, http.StatusCreated, do(t, ts, "POST", "/streams", createStreamRequest{Name: "s"}, nil))
	require.Equal(t, http.StatusCreated, do(t, ts, "POST", "/streams/1/topics", map[string]any{"name": "t", "partitions": 1}, nil))
	require.Equal(t, http.StatusCreated, do(t, ts, "POST", "/streams/1/topics/1/messages", appendRequest{
		Messages: []messageRequest{{Payload: "x"}},
	}, nil))

	// Offsets of unknown groups are rejected.
	assert.Equal(t, http.StatusNotFound, do(t, ts, "PUT", "/streams/1/topics/1/partitions/1/offsets/group/1", offsetRequest{Offset: 0}, nil))

	var g consumerGroupResponse
	require.Equal(t, http.StatusCreated, do(t, ts, "POST", "/streams/1/topics/1/consumer-groups", createGroupRequest{Name: "workers"}, &g))
	assert.Equal(t, uint32(1), g.ID)
	assert.Equal(t, []uint32{1}, g.Partitions)
	assert.Equal(t, http.StatusConflict, do(t, ts, "POST", "/streams/1/topics/1/consumer-groups", createGroupRequest{Name: "workers"}, nil))

	assert.Equal(t, http.StatusOK, do(t, ts, "PUT", "/streams/1/topics/1/partitions/1/offsets/group/1", offsetRequest{Offset: 0}, nil))

	var tp topicResponse
	require.Equal(t, http.StatusOK, do(t, ts, "GET", "/streams/1/topics/1", nil, &tp))
	require.Len(t, tp.ConsumerGroups, 1)
	assert.Equal(t, "workers", tp.ConsumerGroups[0].Name)

	assert.Equal(t, http.StatusNoContent, do(t, ts, "DELETE", "/streams/1/topics/1/consumer-groups/1", nil, nil))
	assert.Equal(t, http.StatusNotFound, do(t, ts, "GET", "/streams/1/topics/1/partitions/1/offsets/group/1", nil, nil))
	assert.Equal(t, http.StatusNotFound, do(t, ts, "DELETE", "/streams/1/topics/1/consumer-groups/1", nil, nil))
}

func TestStatsAndMetrics(t *testing.T) {
	ts := newTestServer(t)
	require.Equal(t, http.StatusCreated, do(t, ts, "POST", "/streams", createStreamRequest{Name: "s"}, nil))
	require.Equal(t, http.StatusCreated, do(t, ts, "POST", "/streams/1/topics", map[string]any{"name": "t", "partitions": 2}, nil))
	require.Equal(t, http.StatusCreated, do(t, ts, "POST", "/streams/1/topics/1/messages", appendRequest{
		Messages: []messageRequest{{Payload: "a"}, {Payload: "b"}},
	}, nil))

	var stats broker.Stats
	require.Equal(t, http.StatusOK, do(t, ts, "GET", "/stats", nil, &stats))
	assert.Equal(t, 1, stats.Streams)
	assert.Equal(t, 1, stats.Topics)
	assert.Equal(t, 2, stats.Partitions)
	assert.Equal(t, uint64(2), stats.Messages)
	assert.Equal(t, uint64(2), stats.Segments)

	resp, err := ts.Client().Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `streamlog_topic_messages{stream="1",topic="1"} 2`)
	assert.Contains(t, string(body), `streamlog_topic_partitions{stream="1",topic="1"} 2`)
}

func TestStatusFor(t *testing.T) {
	assert.Equal(t, http.StatusInternalServerError, statusFor(io.EOF))
}
