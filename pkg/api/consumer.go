package api

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Consumer kinds understood by the broker.
const (
	KindConsumer = "consumer"
	KindGroup    = "group"
)

// ConsumerConfig holds configuration for the consumer
type ConsumerConfig struct {
	ClientConfig
	StreamID       uint32
	TopicID        uint32
	ConsumerID     uint32 // consumer id, or group id when Kind is KindGroup
	Kind           string
	MaxPollRecords uint32
}

// ConsumerMessage represents a consumed message
type ConsumerMessage struct {
	ID        string            `json:"id"`
	Offset    uint64            `json:"offset"`
	Timestamp time.Time         `json:"timestamp"`
	Key       string            `json:"key"`
	Headers   map[string]string `json:"headers"`
	Payload   string            `json:"payload"`
}

type pollResponse struct {
	PartitionID uint32             `json:"partition_id"`
	Messages    []*ConsumerMessage `json:"messages"`
}

type offsetBody struct {
	Offset uint64 `json:"offset"`
}

// Consumer reads partitions of one topic and stores its progress on the
// broker. Positions start after the stored offset, or at 0 without one.
type Consumer struct {
	client    *client
	config    ConsumerConfig
	mu        sync.Mutex
	positions map[uint32]uint64 // next offset to read
	consumed  map[uint32]uint64 // last offset handed out
}

func NewConsumer(cfg ConsumerConfig) *Consumer {
	if cfg.Kind == "" {
		cfg.Kind = KindConsumer
	}
	if cfg.MaxPollRecords == 0 {
		cfg.MaxPollRecords = 100
	}
	return &Consumer{
		client:    newClient(cfg.ClientConfig),
		config:    cfg,
		positions: make(map[uint32]uint64),
		consumed:  make(map[uint32]uint64),
	}
}

func (c *Consumer) offsetPath(partitionID uint32) string {
	return fmt.Sprintf("%s/partitions/%d/offsets/%s/%d",
		topicPath(c.config.StreamID, c.config.TopicID), partitionID, c.config.Kind, c.config.ConsumerID)
}

// CommittedOffset returns the offset stored on the broker.
func (c *Consumer) CommittedOffset(ctx context.Context, partitionID uint32) (uint64, bool, error) {
	var body offsetBody
	if err := c.client.do(ctx, "GET", c.offsetPath(partitionID), nil, &body); err != nil {
		if IsNotFound(err) {
			return 0, false, nil
		}
		return 0, false, err
	}
	return body.Offset, true, nil
}

func (c *Consumer) position(ctx context.Context, partitionID uint32) (uint64, error) {
	c.mu.Lock()
	pos, ok := c.positions[partitionID]
	c.mu.Unlock()
	if ok {
		return pos, nil
	}
	committed, found, err := c.CommittedOffset(ctx, partitionID)
	if err != nil {
		return 0, err
	}
	if found {
		pos = committed + 1
	}
	c.mu.Lock()
	c.positions[partitionID] = pos
	c.mu.Unlock()
	return pos, nil
}

// Poll returns the next messages of a partition. Reaching the end of the
// partition yields an empty batch.
func (c *Consumer) Poll(ctx context.Context, partitionID uint32) ([]*ConsumerMessage, error) {
	pos, err := c.position(ctx, partitionID)
	if err != nil {
		return nil, err
	}
	var resp pollResponse
	path := fmt.Sprintf("%s/partitions/%d/messages?offset=%d&count=%d",
		topicPath(c.config.StreamID, c.config.TopicID), partitionID, pos, c.config.MaxPollRecords)
	if err := c.client.do(ctx, "GET", path, nil, &resp); err != nil {
		if IsOffsetOutOfRange(err) {
			return nil, nil
		}
		return nil, err
	}
	if n := len(resp.Messages); n > 0 {
		last := resp.Messages[n-1].Offset
		c.mu.Lock()
		c.positions[partitionID] = last + 1
		c.consumed[partitionID] = last
		c.mu.Unlock()
	}
	return resp.Messages, nil
}

// Commit stores the last polled offset of every partition.
func (c *Consumer) Commit(ctx context.Context) error {
	c.mu.Lock()
	pending := make(map[uint32]uint64, len(c.consumed))
	for pid, off := range c.consumed {
		pending[pid] = off
	}
	c.mu.Unlock()

	for pid, off := range pending {
		if err := c.client.do(ctx, "PUT", c.offsetPath(pid), offsetBody{Offset: off}, nil); err != nil {
			return fmt.Errorf("failed to commit partition %d: %w", pid, err)
		}
		c.mu.Lock()
		if c.consumed[pid] == off {
			delete(c.consumed, pid)
		}
		c.mu.Unlock()
	}
	return nil
}

// Seek moves the read position of a partition.
func (c *Consumer) Seek(partitionID uint32, offset uint64) {
	c.mu.Lock()
	c.positions[partitionID] = offset
	c.mu.Unlock()
}
