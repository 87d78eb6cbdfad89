package api

import (
	"context"
	"fmt"
)

// Partitioning kinds understood by the broker.
const (
	Balanced    = "balanced"
	PartitionID = "partition_id"
	MessagesKey = "messages_key"
)

// Partitioning selects the partition a batch is appended to.
type Partitioning struct {
	Kind        string `json:"kind"`
	PartitionID uint32 `json:"partition_id,omitempty"`
	Key         string `json:"key,omitempty"`
}

// ProduceMessage represents a message to be produced
type ProduceMessage struct {
	Key     string            `json:"key,omitempty"`
	Payload string            `json:"payload"`
	Headers map[string]string `json:"headers,omitempty"`
}

// ProduceResponse is the partition and offset range a batch landed on.
type ProduceResponse struct {
	PartitionID uint32 `json:"partition_id"`
	BaseOffset  uint64 `json:"base_offset"`
	LastOffset  uint64 `json:"last_offset"`
}

type produceRequest struct {
	Partitioning Partitioning      `json:"partitioning"`
	Messages     []*ProduceMessage `json:"messages"`
}

// Producer appends batches to one topic.
type Producer struct {
	client   *client
	streamID uint32
	topicID  uint32
}

func NewProducer(cfg ClientConfig, streamID, topicID uint32) *Producer {
	return &Producer{client: newClient(cfg), streamID: streamID, topicID: topicID}
}

// Send appends the batch in one request.
func (p *Producer) Send(ctx context.Context, part Partitioning, msgs ...*ProduceMessage) (*ProduceResponse, error) {
	if len(msgs) == 0 {
		return nil, fmt.Errorf("no messages to send")
	}
	if part.Kind == "" {
		part.Kind = Balanced
	}
	var resp ProduceResponse
	err := p.client.do(ctx, "POST", topicPath(p.streamID, p.topicID)+"/messages", produceRequest{
		Partitioning: part,
		Messages:     msgs,
	}, &resp)
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

// SendKeyed appends the batch to the partition owning key.
func (p *Producer) SendKeyed(ctx context.Context, key string, msgs ...*ProduceMessage) (*ProduceResponse, error) {
	return p.Send(ctx, Partitioning{Kind: MessagesKey, Key: key}, msgs...)
}
