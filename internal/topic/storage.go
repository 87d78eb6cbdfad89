package topic

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"streamlog/internal/config"
	"streamlog/internal/errs"
	"streamlog/internal/metrics"
	"streamlog/internal/partition"
	"streamlog/internal/recovery"
	"streamlog/internal/state"
	"streamlog/internal/storage"
)

// Storage loads, saves and deletes topics. Load reconciles the partition
// directories in storage with the partitions recorded in state.
type Storage struct {
	backend storage.Backend
	config  *config.Config
}

func NewStorage(backend storage.Backend, cfg *config.Config) *Storage {
	return &Storage{backend: backend, config: cfg}
}

// Load populates t from ts and the partition directories under t.Dir().
//
// Directories without a state record are deleted. State records without a
// directory are recreated empty when recovery.recreate_missing_state is set
// and skipped otherwise. Matched partitions load concurrently; one that fails
// to load is logged and left out without failing the topic. Skipped partitions
// keep their state record and their directory for the next load.
func (s *Storage) Load(ctx context.Context, t *Topic, ts state.TopicState) (*recovery.Report, error) {
	started := time.Now()
	logger := t.logger
	logger.Info("Loading topic from disk")

	exists, err := s.backend.Exists(ctx, t.Dir())
	if err != nil {
		return nil, errs.DirectoryRead(errs.DirTopic, t.StreamID, t.ID, t.Dir(), err)
	}
	if !exists {
		return nil, errs.TopicNotFound(t.StreamID, t.ID, t.Dir())
	}

	t.Name = ts.Name
	if !ts.CreatedAt.IsZero() {
		t.CreatedAt = ts.CreatedAt
	}
	if err := t.configure(ts.MessageExpiry, ts.MaxTopicSize, ts.CompressionAlgorithm, ts.ReplicationFactor); err != nil {
		return nil, err
	}

	onDisk, invalid, err := recovery.Scan(ctx, s.backend, t.PartitionsDir(), logger)
	if err != nil {
		return nil, errs.DirectoryRead(errs.DirPartitions, t.StreamID, t.ID, t.PartitionsDir(), err)
	}
	plan := recovery.Diff(onDisk, ts.Partitions)
	report := &recovery.Report{
		StreamID: t.StreamID,
		TopicID:  t.ID,
		Matched:  plan.Matched,
		Orphaned: plan.Orphaned,
		Missing:  plan.Missing,
		Invalid:  invalid,
	}

	for _, id := range plan.Orphaned {
		dir := t.partitionDir(id)
		plog := logger.WithFields(logrus.Fields{"partition_id": id, "path": dir})
		if err := s.backend.RemoveAll(ctx, dir); err != nil {
			plog.WithError(err).Error("Failed to remove partition directory without state")
			report.OrphansFailed = append(report.OrphansFailed, id)
			continue
		}
		metrics.RecoveryOrphansRemoved.Inc()
		plog.Warn("Removed partition directory without state")
	}

	toLoad := make([]*partition.Partition, 0, len(plan.Matched)+len(plan.Missing))
	for _, id := range plan.Matched {
		toLoad = append(toLoad, t.newPartition(id, ts.Partitions[id].CreatedAt, false))
	}
	for _, id := range plan.Missing {
		metrics.RecoveryMissing.Inc()
		plog := logger.WithFields(logrus.Fields{"partition_id": id, "path": t.partitionDir(id)})
		if !s.config.Recovery.RecreateMissingState {
			plog.Warn("Partition directory is missing, skipping it")
			report.Record(recovery.Result{ID: id, Outcome: recovery.Skipped, Reason: "directory missing"})
			continue
		}
		plog.Warn("Partition directory is missing, recreating it")
		p := t.newPartition(id, ts.Partitions[id].CreatedAt, true)
		if err := p.Persist(ctx); err != nil {
			p.Clear()
			plog.WithError(err).Error("Failed to recreate partition")
			report.Record(recovery.Result{ID: id, Outcome: recovery.Skipped, Reason: err.Error()})
			continue
		}
		// Dropped and reloaded below like any other partition.
		p.Clear()
		metrics.RecoveryRecreated.Inc()
		report.Recreated = append(report.Recreated, id)
		toLoad = append(toLoad, p)
	}

	loaded := s.loadPartitions(ctx, toLoad, ts, report, logger)
	report.Finish()

	t.mu.Lock()
	for _, p := range loaded {
		t.partitions[p.ID()] = p
	}
	for _, id := range report.SkippedIDs() {
		t.skipped[id] = ts.Partitions[id]
	}
	for id, cg := range ts.ConsumerGroups {
		g := NewConsumerGroup(t.ID, id, cg.Name, t.partitionIDsLocked())
		t.groups[id] = g
		t.groupIDs[cg.Name] = id
	}
	t.mu.Unlock()

	metrics.RecoveryDuration.Observe(time.Since(started).Seconds())
	logger.WithFields(logrus.Fields{
		"partitions": len(loaded),
		"skipped":    len(report.SkippedIDs()),
		"orphaned":   len(report.Orphaned),
		"missing":    len(report.Missing),
		"messages":   t.counters.Messages(),
		"duration":   time.Since(started).String(),
	}).Info("Loaded topic")
	return report, nil
}

// loadPartitions runs the partition loads with bounded concurrency and
// returns the ones that succeeded.
func (s *Storage) loadPartitions(ctx context.Context, parts []*partition.Partition, ts state.TopicState, report *recovery.Report, logger *logrus.Entry) []*partition.Partition {
	var (
		g      errgroup.Group
		mu     sync.Mutex
		loaded = make([]*partition.Partition, 0, len(parts))
	)
	if n := s.config.Recovery.PartitionLoadConcurrency; n > 0 {
		g.SetLimit(n)
	}
	for _, p := range parts {
		g.Go(func() error {
			if err := p.Load(ctx, ts.Partitions[p.ID()]); err != nil {
				logger.WithField("partition_id", p.ID()).WithError(err).Error("Failed to load partition, skipping it")
				metrics.RecoveryPartitions.WithLabelValues(string(recovery.Skipped)).Inc()
				report.Record(recovery.Result{ID: p.ID(), Outcome: recovery.Skipped, Reason: err.Error()})
				return nil
			}
			metrics.RecoveryPartitions.WithLabelValues(string(recovery.Loaded)).Inc()
			report.Record(recovery.Result{ID: p.ID(), Outcome: recovery.Loaded})
			mu.Lock()
			loaded = append(loaded, p)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return loaded
}

// Save creates the topic and partitions directories if needed and persists
// every partition.
func (s *Storage) Save(ctx context.Context, t *Topic) error {
	if err := s.backend.MkdirAll(ctx, t.Dir()); err != nil {
		return errs.DirectoryCreation(errs.DirTopic, t.StreamID, t.ID, t.Dir(), err)
	}
	if err := s.backend.MkdirAll(ctx, t.PartitionsDir()); err != nil {
		return errs.DirectoryCreation(errs.DirPartitions, t.StreamID, t.ID, t.PartitionsDir(), err)
	}
	var errList []error
	for _, p := range t.partitionsSnapshot() {
		if err := p.Persist(ctx); err != nil {
			errList = append(errList, fmt.Errorf("failed to persist partition %d: %w", p.ID(), err))
		}
	}
	if err := errors.Join(errList...); err != nil {
		return err
	}
	t.logger.Debug("Saved topic")
	return nil
}

// Delete removes the topic directory and releases the partitions' counters.
func (s *Storage) Delete(ctx context.Context, t *Topic) error {
	if err := s.backend.RemoveAll(ctx, t.Dir()); err != nil {
		return errs.DirectoryDeletion(errs.DirTopic, t.StreamID, t.ID, t.Dir(), err)
	}
	t.Release()
	t.logger.Info("Deleted topic")
	return nil
}
