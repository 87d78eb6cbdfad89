package state

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"streamlog/internal/errs"
)

var streamsBucket = []byte("streams")

// BoltStore keeps one JSON document per stream in a bbolt database.
type BoltStore struct {
	db *bolt.DB
}

// OpenBoltStore opens or creates the database at path.
func OpenBoltStore(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open state store %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(streamsBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialise state store: %w", err)
	}
	return &BoltStore{db: db}, nil
}

func streamKey(id uint32) []byte {
	return []byte(fmt.Sprintf("%010d", id))
}

func (b *BoltStore) Load(ctx context.Context) (*SystemState, error) {
	out := &SystemState{Streams: make(map[uint32]StreamState)}
	err := b.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(streamsBucket).ForEach(func(k, v []byte) error {
			var s StreamState
			if err := json.Unmarshal(v, &s); err != nil {
				return fmt.Errorf("failed to decode stream %s: %w", k, err)
			}
			normalize(&s)
			out.Streams[s.ID] = s
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (b *BoltStore) SaveStream(ctx context.Context, s StreamState) error {
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("failed to encode stream %d: %w", s.ID, err)
	}
	return b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(streamsBucket).Put(streamKey(s.ID), data)
	})
}

func (b *BoltStore) DeleteStream(ctx context.Context, streamID uint32) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(streamsBucket).Delete(streamKey(streamID))
	})
}

// updateStream applies fn to a stored stream inside one transaction.
func (b *BoltStore) updateStream(streamID uint32, fn func(*StreamState)) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(streamsBucket)
		v := bucket.Get(streamKey(streamID))
		if v == nil {
			return errs.NotFound("stream %d is not in the state store", streamID)
		}
		var s StreamState
		if err := json.Unmarshal(v, &s); err != nil {
			return fmt.Errorf("failed to decode stream %d: %w", streamID, err)
		}
		normalize(&s)
		fn(&s)
		data, err := json.Marshal(s)
		if err != nil {
			return fmt.Errorf("failed to encode stream %d: %w", streamID, err)
		}
		return bucket.Put(streamKey(streamID), data)
	})
}

func (b *BoltStore) SaveTopic(ctx context.Context, streamID uint32, t TopicState) error {
	return b.updateStream(streamID, func(s *StreamState) {
		s.Topics[t.ID] = t
	})
}

func (b *BoltStore) DeleteTopic(ctx context.Context, streamID, topicID uint32) error {
	return b.updateStream(streamID, func(s *StreamState) {
		delete(s.Topics, topicID)
	})
}

func (b *BoltStore) Close() error {
	return b.db.Close()
}

// normalize replaces nil maps so callers can write into them.
func normalize(s *StreamState) {
	if s.Topics == nil {
		s.Topics = make(map[uint32]TopicState)
	}
	for id, t := range s.Topics {
		if t.Partitions == nil {
			t.Partitions = make(map[uint32]PartitionState)
		}
		if t.ConsumerGroups == nil {
			t.ConsumerGroups = make(map[uint32]ConsumerGroupState)
		}
		s.Topics[id] = t
	}
}
