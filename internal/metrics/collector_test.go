package metrics

import (
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

type staticSource []TopicStats

func (s staticSource) TopicStats() []TopicStats { return s }

func TestCollectorExportsTopicCounters(t *testing.T) {
	c := NewCollector(staticSource{
		{StreamID: 1, TopicID: 2, Messages: 10, SizeBytes: 2048, Segments: 3, Partitions: 2},
	})
	reg := prometheus.NewRegistry()
	require.NoError(t, reg.Register(c))

	expected := `
# HELP streamlog_topic_messages Messages currently stored in the topic
# TYPE streamlog_topic_messages gauge
streamlog_topic_messages{stream="1",topic="2"} 10
# HELP streamlog_topic_segments Segments currently held by the topic
# TYPE streamlog_topic_segments gauge
streamlog_topic_segments{stream="1",topic="2"} 3
`
	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected),
		"streamlog_topic_messages", "streamlog_topic_segments"))
}
