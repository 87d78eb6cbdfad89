package stream

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"streamlog/internal/config"
	"streamlog/internal/errs"
	"streamlog/internal/recovery"
	"streamlog/internal/state"
	"streamlog/internal/storage"
	"streamlog/internal/topic"
)

// Report describes one stream load: how topic directories matched the state
// and what each loaded topic did with its partitions.
type Report struct {
	StreamID   uint32                      `json:"stream_id"`
	Topics     *recovery.Report            `json:"topics"`
	Partitions map[uint32]*recovery.Report `json:"partitions"`
}

// Clean reports whether nothing had to be repaired or skipped.
func (r *Report) Clean() bool {
	if !r.Topics.Clean() {
		return false
	}
	for _, p := range r.Partitions {
		if !p.Clean() {
			return false
		}
	}
	return true
}

// Storage loads, saves and deletes streams.
type Storage struct {
	backend storage.Backend
	config  *config.Config
	topics  *topic.Storage
}

func NewStorage(backend storage.Backend, cfg *config.Config) *Storage {
	return &Storage{backend: backend, config: cfg, topics: topic.NewStorage(backend, cfg)}
}

// Load populates s from ss and the topic directories under s.Dir(), with the
// same reconciliation rules topics apply to their partitions. A topic that
// fails to load is logged and left out, keeping its state record.
func (st *Storage) Load(ctx context.Context, s *Stream, ss state.StreamState) (*Report, error) {
	started := time.Now()
	logger := s.logger
	logger.Info("Loading stream from disk")

	exists, err := st.backend.Exists(ctx, s.Dir())
	if err != nil {
		return nil, errs.DirectoryRead(errs.DirStream, s.ID, 0, s.Dir(), err)
	}
	if !exists {
		return nil, errs.StreamNotFound(s.ID, s.Dir())
	}
	s.Name = ss.Name
	if !ss.CreatedAt.IsZero() {
		s.CreatedAt = ss.CreatedAt
	}

	onDisk, invalid, err := recovery.Scan(ctx, st.backend, s.TopicsDir(), logger)
	if err != nil {
		return nil, errs.DirectoryRead(errs.DirTopics, s.ID, 0, s.TopicsDir(), err)
	}
	plan := recovery.Diff(onDisk, ss.Topics)
	report := &Report{
		StreamID: s.ID,
		Topics: &recovery.Report{
			StreamID: s.ID,
			Matched:  plan.Matched,
			Orphaned: plan.Orphaned,
			Missing:  plan.Missing,
			Invalid:  invalid,
		},
		Partitions: make(map[uint32]*recovery.Report),
	}

	for _, id := range plan.Orphaned {
		dir := topic.Dir(s.Dir(), id)
		tlog := logger.WithFields(logrus.Fields{"topic_id": id, "path": dir})
		if err := st.backend.RemoveAll(ctx, dir); err != nil {
			tlog.WithError(err).Error("Failed to remove topic directory without state")
			report.Topics.OrphansFailed = append(report.Topics.OrphansFailed, id)
			continue
		}
		tlog.Warn("Removed topic directory without state")
	}

	toLoad := append([]uint32(nil), plan.Matched...)
	for _, id := range plan.Missing {
		tlog := logger.WithFields(logrus.Fields{"topic_id": id, "path": topic.Dir(s.Dir(), id)})
		if !st.config.Recovery.RecreateMissingState {
			tlog.Warn("Topic directory is missing, skipping it")
			report.Topics.Record(recovery.Result{ID: id, Outcome: recovery.Skipped, Reason: "directory missing"})
			continue
		}
		tlog.Warn("Topic directory is missing, recreating it")
		if err := st.recreateTopic(ctx, s, ss.Topics[id]); err != nil {
			tlog.WithError(err).Error("Failed to recreate topic")
			report.Topics.Record(recovery.Result{ID: id, Outcome: recovery.Skipped, Reason: err.Error()})
			continue
		}
		report.Topics.Recreated = append(report.Topics.Recreated, id)
		toLoad = append(toLoad, id)
	}

	for _, id := range toLoad {
		ts := ss.Topics[id]
		t, err := topic.New(s.topicParams(ts))
		if err == nil {
			var tr *recovery.Report
			tr, err = st.topics.Load(ctx, t, ts)
			if err == nil {
				report.Partitions[id] = tr
			}
		}
		if err != nil {
			logger.WithField("topic_id", id).WithError(err).Error("Failed to load topic, skipping it")
			report.Topics.Record(recovery.Result{ID: id, Outcome: recovery.Skipped, Reason: err.Error()})
			continue
		}
		s.mu.Lock()
		s.topics[id] = t
		s.topicIDs[t.Name] = id
		s.mu.Unlock()
		report.Topics.Record(recovery.Result{ID: id, Outcome: recovery.Loaded})
	}

	report.Topics.Finish()
	s.mu.Lock()
	for _, id := range report.Topics.SkippedIDs() {
		s.skipped[id] = ss.Topics[id]
	}
	s.mu.Unlock()
	logger.WithFields(logrus.Fields{
		"topics":   s.TopicsCount(),
		"skipped":  len(report.Topics.SkippedIDs()),
		"messages": s.counters.Messages(),
		"segments": s.counters.Segments(),
		"duration": time.Since(started).String(),
	}).Info("Loaded stream")
	return report, nil
}

// recreateTopic creates the directories of a topic whose directory is gone.
// Its partitions are then recreated by the topic load.
func (st *Storage) recreateTopic(ctx context.Context, s *Stream, ts state.TopicState) error {
	t, err := topic.New(s.topicParams(ts))
	if err != nil {
		return err
	}
	return st.topics.Save(ctx, t)
}

// Save creates the stream and topics directories if needed and saves every
// topic.
func (st *Storage) Save(ctx context.Context, s *Stream) error {
	if err := st.backend.MkdirAll(ctx, s.Dir()); err != nil {
		return errs.DirectoryCreation(errs.DirStream, s.ID, 0, s.Dir(), err)
	}
	if err := st.backend.MkdirAll(ctx, s.TopicsDir()); err != nil {
		return errs.DirectoryCreation(errs.DirTopics, s.ID, 0, s.TopicsDir(), err)
	}
	var errList []error
	for _, t := range s.Topics() {
		if err := st.topics.Save(ctx, t); err != nil {
			errList = append(errList, fmt.Errorf("failed to save topic %d: %w", t.ID, err))
		}
	}
	return errors.Join(errList...)
}

// Delete removes the stream directory and releases its counters.
func (st *Storage) Delete(ctx context.Context, s *Stream) error {
	if err := st.backend.RemoveAll(ctx, s.Dir()); err != nil {
		return errs.DirectoryDeletion(errs.DirStream, s.ID, 0, s.Dir(), err)
	}
	s.Release()
	s.logger.Info("Deleted stream")
	return nil
}
