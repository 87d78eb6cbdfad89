package broker

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"streamlog/internal/config"
	"streamlog/internal/errs"
	"streamlog/internal/metrics"
	"streamlog/internal/recovery"
	"streamlog/internal/state"
	"streamlog/internal/storage"
	"streamlog/internal/stream"
)

const streamsDir = "streams"

// Broker owns every stream, keeps the metadata store in sync with them and
// runs the retention and persist loops.
type Broker struct {
	config    *config.Config
	backend   storage.Backend
	store     state.Store
	storage   *stream.Storage
	streams   map[uint32]*stream.Stream
	streamIDs map[string]uint32
	skipped   map[uint32]state.StreamState // failed to load, left untouched in the store
	mu        sync.RWMutex
	logger    *logrus.Entry

	stopChan  chan struct{}
	wg        sync.WaitGroup
	isStarted bool
	isStopped bool
}

// New creates a broker. Nothing is read from storage until Start.
func New(cfg *config.Config, backend storage.Backend, store state.Store, logger *logrus.Entry) *Broker {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Broker{
		config:    cfg,
		backend:   backend,
		store:     store,
		storage:   stream.NewStorage(backend, cfg),
		streams:   make(map[uint32]*stream.Stream),
		streamIDs: make(map[string]uint32),
		skipped:   make(map[uint32]state.StreamState),
		logger:    logger,
		stopChan:  make(chan struct{}),
	}
}

// LoadReport summarizes one startup load.
type LoadReport struct {
	Streams *recovery.Report          `json:"streams"`
	Details map[uint32]*stream.Report `json:"details"`
}

// Start loads all streams from storage and starts the background loops.
func (b *Broker) Start(ctx context.Context) (*LoadReport, error) {
	b.mu.Lock()
	if b.isStarted {
		b.mu.Unlock()
		return nil, fmt.Errorf("broker already started")
	}
	b.isStarted = true
	b.mu.Unlock()

	started := time.Now()
	report, err := b.load(ctx)
	if err != nil {
		return nil, err
	}
	stats := b.Stats()
	b.logger.WithFields(logrus.Fields{
		"streams":    stats.Streams,
		"topics":     stats.Topics,
		"partitions": stats.Partitions,
		"messages":   stats.Messages,
		"duration":   time.Since(started).String(),
	}).Info("Broker started")

	if b.config.Retention.Interval > 0 {
		b.wg.Add(1)
		go b.retentionLoop(b.config.Retention.Interval)
	}
	if b.config.Persist.Interval > 0 {
		b.wg.Add(1)
		go b.persistLoop(b.config.Persist.Interval)
	}
	return report, nil
}

func (b *Broker) load(ctx context.Context) (*LoadReport, error) {
	sys, err := b.store.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load state: %w", err)
	}
	if err := b.backend.MkdirAll(ctx, streamsDir); err != nil {
		return nil, errs.DirectoryCreation(errs.DirStream, 0, 0, streamsDir, err)
	}
	onDisk, invalid, err := recovery.Scan(ctx, b.backend, streamsDir, b.logger)
	if err != nil {
		return nil, errs.DirectoryRead(errs.DirStream, 0, 0, streamsDir, err)
	}
	plan := recovery.Diff(onDisk, sys.Streams)
	report := &LoadReport{
		Streams: &recovery.Report{
			Matched:  plan.Matched,
			Orphaned: plan.Orphaned,
			Missing:  plan.Missing,
			Invalid:  invalid,
		},
		Details: make(map[uint32]*stream.Report),
	}

	for _, id := range plan.Orphaned {
		entry := b.logger.WithFields(logrus.Fields{"stream_id": id, "path": stream.Dir(id)})
		if err := b.backend.RemoveAll(ctx, stream.Dir(id)); err != nil {
			entry.WithError(err).Error("Failed to remove stream directory without state")
			report.Streams.OrphansFailed = append(report.Streams.OrphansFailed, id)
			continue
		}
		entry.Warn("Removed stream directory without state")
	}

	toLoad := append([]uint32(nil), plan.Matched...)
	for _, id := range plan.Missing {
		entry := b.logger.WithFields(logrus.Fields{"stream_id": id, "path": stream.Dir(id)})
		if !b.config.Recovery.RecreateMissingState {
			entry.Warn("Stream directory is missing, skipping it")
			report.Streams.Record(recovery.Result{ID: id, Outcome: recovery.Skipped, Reason: "directory missing"})
			continue
		}
		entry.Warn("Stream directory is missing, recreating it")
		if err := b.storage.Save(ctx, b.newStream(sys.Streams[id])); err != nil {
			entry.WithError(err).Error("Failed to recreate stream")
			report.Streams.Record(recovery.Result{ID: id, Outcome: recovery.Skipped, Reason: err.Error()})
			continue
		}
		report.Streams.Recreated = append(report.Streams.Recreated, id)
		toLoad = append(toLoad, id)
	}

	for _, id := range toLoad {
		ss := sys.Streams[id]
		s := b.newStream(ss)
		sr, err := b.storage.Load(ctx, s, ss)
		if err != nil {
			b.logger.WithField("stream_id", id).WithError(err).Error("Failed to load stream, skipping it")
			report.Streams.Record(recovery.Result{ID: id, Outcome: recovery.Skipped, Reason: err.Error()})
			continue
		}
		report.Details[id] = sr
		report.Streams.Record(recovery.Result{ID: id, Outcome: recovery.Loaded})
		b.mu.Lock()
		b.streams[id] = s
		b.streamIDs[s.Name] = id
		b.mu.Unlock()
	}
	report.Streams.Finish()
	b.mu.Lock()
	for _, id := range report.Streams.SkippedIDs() {
		b.skipped[id] = sys.Streams[id]
	}
	b.mu.Unlock()
	return report, nil
}

func (b *Broker) newStream(ss state.StreamState) *stream.Stream {
	return stream.New(stream.Params{
		ID:        ss.ID,
		Name:      ss.Name,
		CreatedAt: ss.CreatedAt,
		Backend:   b.backend,
		Config:    b.config,
		Logger:    b.logger,
	})
}

// Stop halts the background loops and persists every stream once more.
func (b *Broker) Stop(ctx context.Context) error {
	b.mu.Lock()
	if b.isStopped {
		b.mu.Unlock()
		return nil
	}
	b.isStopped = true
	b.mu.Unlock()

	b.logger.Info("Stopping broker...")
	close(b.stopChan)
	b.wg.Wait()

	if err := b.Persist(ctx); err != nil {
		b.logger.WithError(err).Error("Failed to persist streams on shutdown")
		return err
	}
	b.logger.Info("Broker stopped successfully")
	return nil
}

// Persist saves every stream to storage and its metadata to the state store.
func (b *Broker) Persist(ctx context.Context) error {
	for _, s := range b.Streams() {
		if err := b.storage.Save(ctx, s); err != nil {
			return fmt.Errorf("failed to save stream %d: %w", s.ID, err)
		}
		if err := b.store.SaveStream(ctx, s.State()); err != nil {
			return fmt.Errorf("failed to save state of stream %d: %w", s.ID, err)
		}
	}
	return nil
}

// ApplyRetention runs one retention pass over every topic.
func (b *Broker) ApplyRetention(ctx context.Context, now time.Time) error {
	for _, s := range b.Streams() {
		for _, t := range s.Topics() {
			if _, err := t.ApplyRetention(ctx, now); err != nil {
				metrics.ErrorsTotal.WithLabelValues("retention_failed").Inc()
				return fmt.Errorf("retention failed for %s: %w", t, err)
			}
		}
	}
	return nil
}

func (b *Broker) retentionLoop(interval time.Duration) {
	defer b.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-b.stopChan:
			return
		case now := <-ticker.C:
			if err := b.ApplyRetention(context.Background(), now); err != nil {
				b.logger.WithError(err).Warn("Retention pass failed")
			}
		}
	}
}

func (b *Broker) persistLoop(interval time.Duration) {
	defer b.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-b.stopChan:
			return
		case <-ticker.C:
			if err := b.Persist(context.Background()); err != nil {
				metrics.ErrorsTotal.WithLabelValues("persist_failed").Inc()
				b.logger.WithError(err).Warn("Periodic persist failed")
			}
		}
	}
}

// Stats is the broker-wide snapshot of the aggregate counters.
type Stats struct {
	Streams    int    `json:"streams_count"`
	Topics     int    `json:"topics_count"`
	Partitions int    `json:"partitions_count"`
	Messages   uint64 `json:"messages_count"`
	SizeBytes  uint64 `json:"size_bytes"`
	Segments   uint64 `json:"segments_count"`
}

func (b *Broker) Stats() Stats {
	var st Stats
	for _, s := range b.Streams() {
		st.Streams++
		snap := s.Stats()
		st.Messages += snap.Messages
		st.SizeBytes += snap.SizeBytes
		st.Segments += snap.Segments
		for _, t := range s.Topics() {
			st.Topics++
			st.Partitions += t.PartitionsCount()
		}
	}
	return st
}

// TopicStats reports the counters of every topic for the metrics collector.
func (b *Broker) TopicStats() []metrics.TopicStats {
	var out []metrics.TopicStats
	for _, s := range b.Streams() {
		for _, t := range s.Topics() {
			snap := t.Stats()
			out = append(out, metrics.TopicStats{
				StreamID:   s.ID,
				TopicID:    t.ID,
				Messages:   snap.Messages,
				SizeBytes:  snap.SizeBytes,
				Segments:   snap.Segments,
				Partitions: t.PartitionsCount(),
			})
		}
	}
	return out
}

// Streams returns the streams ordered by id.
func (b *Broker) Streams() []*stream.Stream {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]*stream.Stream, 0, len(b.streams))
	for _, s := range b.streams {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
