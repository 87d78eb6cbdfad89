package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Message metrics
	MessagesAppended = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "streamlog_messages_appended_total",
			Help: "Total number of messages appended",
		},
		[]string{"stream", "topic"},
	)

	MessagesRead = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "streamlog_messages_read_total",
			Help: "Total number of messages returned to readers",
		},
		[]string{"stream", "topic"},
	)

	// Latency metrics
	AppendLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "streamlog_append_latency_seconds",
			Help:    "Partition append latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"stream", "topic"},
	)

	// Segment lifecycle
	SegmentsRolled = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "streamlog_segments_rolled_total",
			Help: "Total number of segments sealed and replaced by a new active segment",
		},
		[]string{"stream", "topic"},
	)

	SegmentsDeleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "streamlog_segments_deleted_total",
			Help: "Total number of segments removed by retention",
		},
		[]string{"reason"},
	)

	// Recovery metrics
	RecoveryPartitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "streamlog_recovery_partitions_total",
			Help: "Partitions processed by recovery, by outcome",
		},
		[]string{"outcome"},
	)

	RecoveryOrphansRemoved = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "streamlog_recovery_orphans_removed_total",
			Help: "On-disk directories removed because no persisted state referenced them",
		},
	)

	RecoveryMissing = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "streamlog_recovery_missing_total",
			Help: "Persisted entries with no directory on disk",
		},
	)

	RecoveryRecreated = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "streamlog_recovery_recreated_total",
			Help: "Missing entries recreated empty during recovery",
		},
	)

	RecoveryDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "streamlog_recovery_topic_duration_seconds",
			Help:    "Time spent loading one topic",
			Buckets: prometheus.ExponentialBuckets(0.001, 4, 10),
		},
	)

	// Error metrics
	ErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "streamlog_errors_total",
			Help: "Total number of errors",
		},
		[]string{"type"},
	)
)
