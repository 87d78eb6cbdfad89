package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

// TopicStats is one row of the hierarchical counter snapshot.
type TopicStats struct {
	StreamID   uint32
	TopicID    uint32
	Messages   uint64
	SizeBytes  uint64
	Segments   uint64
	Partitions int
}

// StatsSource supplies the current per-topic counters.
type StatsSource interface {
	TopicStats() []TopicStats
}

// Collector exports the partition-maintained aggregate counters at scrape time.
type Collector struct {
	source     StatsSource
	messages   *prometheus.Desc
	size       *prometheus.Desc
	segments   *prometheus.Desc
	partitions *prometheus.Desc
}

func NewCollector(source StatsSource) *Collector {
	labels := []string{"stream", "topic"}
	return &Collector{
		source:     source,
		messages:   prometheus.NewDesc("streamlog_topic_messages", "Messages currently stored in the topic", labels, nil),
		size:       prometheus.NewDesc("streamlog_topic_size_bytes", "Bytes currently stored in the topic", labels, nil),
		segments:   prometheus.NewDesc("streamlog_topic_segments", "Segments currently held by the topic", labels, nil),
		partitions: prometheus.NewDesc("streamlog_topic_partitions", "Number of partitions per topic", labels, nil),
	}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.messages
	ch <- c.size
	ch <- c.segments
	ch <- c.partitions
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	for _, t := range c.source.TopicStats() {
		s, tp := strconv.FormatUint(uint64(t.StreamID), 10), strconv.FormatUint(uint64(t.TopicID), 10)
		ch <- prometheus.MustNewConstMetric(c.messages, prometheus.GaugeValue, float64(t.Messages), s, tp)
		ch <- prometheus.MustNewConstMetric(c.size, prometheus.GaugeValue, float64(t.SizeBytes), s, tp)
		ch <- prometheus.MustNewConstMetric(c.segments, prometheus.GaugeValue, float64(t.Segments), s, tp)
		ch <- prometheus.MustNewConstMetric(c.partitions, prometheus.GaugeValue, float64(t.Partitions), s, tp)
	}
}
