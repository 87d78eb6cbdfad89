package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"streamlog/internal/compression"
	"streamlog/internal/config"
	"streamlog/internal/message"
	"streamlog/internal/partition"
	"streamlog/internal/stream"
	"streamlog/internal/topic"
)

type streamResponse struct {
	ID        uint32    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
	Topics    int       `json:"topics_count"`
	Messages  uint64    `json:"messages_count"`
	SizeBytes uint64    `json:"size_bytes"`
	Segments  uint64    `json:"segments_count"`
}

func toStreamResponse(s *stream.Stream) streamResponse {
	st := s.Stats()
	return streamResponse{
		ID:        s.ID,
		Name:      s.Name,
		CreatedAt: s.CreatedAt,
		Topics:    s.TopicsCount(),
		Messages:  st.Messages,
		SizeBytes: st.SizeBytes,
		Segments:  st.Segments,
	}
}

type consumerGroupResponse struct {
	ID         uint32   `json:"id"`
	Name       string   `json:"name"`
	Members    int      `json:"members_count"`
	Partitions []uint32 `json:"partitions"`
}

func toGroupResponse(g *topic.ConsumerGroup) consumerGroupResponse {
	return consumerGroupResponse{
		ID:         g.ID,
		Name:       g.Name,
		Members:    g.MembersCount(),
		Partitions: g.Partitions(),
	}
}

type topicResponse struct {
	ID                uint32                  `json:"id"`
	Name              string                  `json:"name"`
	CreatedAt         time.Time               `json:"created_at"`
	MessageExpiry     string                  `json:"message_expiry"`
	MaxSize           string                  `json:"max_size"`
	Compression       compression.Algorithm   `json:"compression"`
	ReplicationFactor uint8                   `json:"replication_factor"`
	Partitions        []uint32                `json:"partitions"`
	ConsumerGroups    []consumerGroupResponse `json:"consumer_groups"`
	Messages          uint64                  `json:"messages_count"`
	SizeBytes         uint64                  `json:"size_bytes"`
	Segments          uint64                  `json:"segments_count"`
}

func toTopicResponse(t *topic.Topic) topicResponse {
	st := t.Stats()
	expiry := "never"
	if t.MessageExpiry() > 0 {
		expiry = t.MessageExpiry().String()
	}
	groups := make([]consumerGroupResponse, 0)
	for _, g := range t.ConsumerGroups() {
		groups = append(groups, toGroupResponse(g))
	}
	return topicResponse{
		ID:                t.ID,
		Name:              t.Name,
		CreatedAt:         t.CreatedAt,
		MessageExpiry:     expiry,
		MaxSize:           config.ByteSize(t.MaxSize()).String(),
		Compression:       t.Compression(),
		ReplicationFactor: t.ReplicationFactor(),
		Partitions:        t.PartitionIDs(),
		ConsumerGroups:    groups,
		Messages:          st.Messages,
		SizeBytes:         st.SizeBytes,
		Segments:          st.Segments,
	}
}

type createStreamRequest struct {
	ID   uint32 `json:"id"`
	Name string `json:"name"`
}

func (s *Server) handleCreateStream(w http.ResponseWriter, r *http.Request) {
	var req createStreamRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, "Invalid JSON")
		return
	}
	st, err := s.broker.CreateStream(r.Context(), req.ID, req.Name)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toStreamResponse(st))
}

func (s *Server) handleGetStreams(w http.ResponseWriter, r *http.Request) {
	out := make([]streamResponse, 0)
	for _, st := range s.broker.Streams() {
		out = append(out, toStreamResponse(st))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetStream(w http.ResponseWriter, r *http.Request) {
	id, err := idVar(r, "stream")
	if err != nil {
		badRequest(w, err.Error())
		return
	}
	st, err := s.broker.Stream(id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toStreamResponse(st))
}

func (s *Server) handleDeleteStream(w http.ResponseWriter, r *http.Request) {
	id, err := idVar(r, "stream")
	if err != nil {
		badRequest(w, err.Error())
		return
	}
	if err := s.broker.DeleteStream(r.Context(), id); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type createTopicRequest struct {
	ID                uint32                 `json:"id"`
	Name              string                 `json:"name"`
	Partitions        uint32                 `json:"partitions"`
	MessageExpiry     string                 `json:"message_expiry"`
	MaxSize           string                 `json:"max_size"`
	Compression       *compression.Algorithm `json:"compression"`
	ReplicationFactor uint8                  `json:"replication_factor"`
}

// spec converts the request. An empty expiry or size keeps the server
// default; "never" and "unlimited" turn the limit off.
func (req createTopicRequest) spec() (stream.TopicSpec, error) {
	spec := stream.TopicSpec{
		ID:                req.ID,
		Name:              req.Name,
		Partitions:        req.Partitions,
		Compression:       req.Compression,
		ReplicationFactor: req.ReplicationFactor,
	}
	switch req.MessageExpiry {
	case "":
	case "never":
		spec.MessageExpiry = -1
	default:
		d, err := time.ParseDuration(req.MessageExpiry)
		if err != nil || d <= 0 {
			return spec, fmt.Errorf("invalid message_expiry %q", req.MessageExpiry)
		}
		spec.MessageExpiry = d
	}
	if req.MaxSize != "" {
		size, err := config.ParseByteSize(req.MaxSize)
		if err != nil {
			return spec, err
		}
		if size == 0 {
			return spec, fmt.Errorf("invalid max_size %q", req.MaxSize)
		}
		spec.MaxSize = uint64(size)
	}
	return spec, nil
}

func (s *Server) handleCreateTopic(w http.ResponseWriter, r *http.Request) {
	streamID, err := idVar(r, "stream")
	if err != nil {
		badRequest(w, err.Error())
		return
	}
	var req createTopicRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, "Invalid JSON")
		return
	}
	spec, err := req.spec()
	if err != nil {
		badRequest(w, err.Error())
		return
	}
	t, err := s.broker.CreateTopic(r.Context(), streamID, spec)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toTopicResponse(t))
}

func (s *Server) handleGetTopic(w http.ResponseWriter, r *http.Request) {
	ids, err := idVars(r, "stream", "topic")
	if err != nil {
		badRequest(w, err.Error())
		return
	}
	t, err := s.broker.Topic(ids[0], ids[1])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toTopicResponse(t))
}

func (s *Server) handleDeleteTopic(w http.ResponseWriter, r *http.Request) {
	ids, err := idVars(r, "stream", "topic")
	if err != nil {
		badRequest(w, err.Error())
		return
	}
	if err := s.broker.DeleteTopic(r.Context(), ids[0], ids[1]); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type partitionsRequest struct {
	Count uint32 `json:"count"`
}

type partitionsResponse struct {
	Partitions []uint32 `json:"partitions"`
}

func (s *Server) handleCreatePartitions(w http.ResponseWriter, r *http.Request) {
	s.changePartitions(w, r, true)
}

func (s *Server) handleDeletePartitions(w http.ResponseWriter, r *http.Request) {
	s.changePartitions(w, r, false)
}

func (s *Server) changePartitions(w http.ResponseWriter, r *http.Request, add bool) {
	ids, err := idVars(r, "stream", "topic")
	if err != nil {
		badRequest(w, err.Error())
		return
	}
	var req partitionsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, "Invalid JSON")
		return
	}
	if req.Count == 0 {
		badRequest(w, "count must be positive")
		return
	}
	var changed []uint32
	status := http.StatusOK
	if add {
		changed, err = s.broker.CreatePartitions(r.Context(), ids[0], ids[1], req.Count)
		status = http.StatusCreated
	} else {
		changed, err = s.broker.DeletePartitions(r.Context(), ids[0], ids[1], req.Count)
	}
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, status, partitionsResponse{Partitions: changed})
}

type createGroupRequest struct {
	ID   uint32 `json:"id"`
	Name string `json:"name"`
}

func (s *Server) handleCreateConsumerGroup(w http.ResponseWriter, r *http.Request) {
	ids, err := idVars(r, "stream", "topic")
	if err != nil {
		badRequest(w, err.Error())
		return
	}
	var req createGroupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, "Invalid JSON")
		return
	}
	g, err := s.broker.CreateConsumerGroup(r.Context(), ids[0], ids[1], req.ID, req.Name)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toGroupResponse(g))
}

func (s *Server) handleDeleteConsumerGroup(w http.ResponseWriter, r *http.Request) {
	ids, err := idVars(r, "stream", "topic", "group")
	if err != nil {
		badRequest(w, err.Error())
		return
	}
	if err := s.broker.DeleteConsumerGroup(r.Context(), ids[0], ids[1], ids[2]); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type partitioningRequest struct {
	Kind        string `json:"kind"`
	PartitionID uint32 `json:"partition_id"`
	Key         string `json:"key"`
}

func (p partitioningRequest) partitioning() (topic.Partitioning, error) {
	switch p.Kind {
	case "", "balanced":
		return topic.BalancedPartitioning(), nil
	case "partition_id":
		return topic.ByPartitionID(p.PartitionID), nil
	case "messages_key":
		if p.Key == "" {
			return topic.Partitioning{}, fmt.Errorf("messages_key partitioning needs a key")
		}
		return topic.ByKey([]byte(p.Key)), nil
	}
	return topic.Partitioning{}, fmt.Errorf("unknown partitioning %q", p.Kind)
}

type messageRequest struct {
	Key     string            `json:"key"`
	Payload string            `json:"payload"`
	Headers map[string]string `json:"headers"`
}

type appendRequest struct {
	Partitioning partitioningRequest `json:"partitioning"`
	Messages     []messageRequest    `json:"messages"`
}

type appendResponse struct {
	PartitionID uint32 `json:"partition_id"`
	BaseOffset  uint64 `json:"base_offset"`
	LastOffset  uint64 `json:"last_offset"`
}

func (s *Server) handleAppend(w http.ResponseWriter, r *http.Request) {
	ids, err := idVars(r, "stream", "topic")
	if err != nil {
		badRequest(w, err.Error())
		return
	}
	var req appendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, "Invalid JSON")
		return
	}
	if len(req.Messages) == 0 {
		badRequest(w, "messages are required")
		return
	}
	part, err := req.Partitioning.partitioning()
	if err != nil {
		badRequest(w, err.Error())
		return
	}
	batch := make([]*message.Message, 0, len(req.Messages))
	for _, m := range req.Messages {
		var key []byte
		if m.Key != "" {
			key = []byte(m.Key)
		}
		batch = append(batch, message.New(key, []byte(m.Payload), m.Headers))
	}
	pid, res, err := s.broker.Append(r.Context(), ids[0], ids[1], part, batch)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, appendResponse{
		PartitionID: pid,
		BaseOffset:  res.BaseOffset,
		LastOffset:  res.LastOffset,
	})
}

type messageResponse struct {
	ID        string            `json:"id"`
	Offset    uint64            `json:"offset"`
	Timestamp time.Time         `json:"timestamp"`
	Key       string            `json:"key,omitempty"`
	Headers   map[string]string `json:"headers,omitempty"`
	Payload   string            `json:"payload"`
}

type readResponse struct {
	PartitionID uint32            `json:"partition_id"`
	Messages    []messageResponse `json:"messages"`
}

func (s *Server) handleRead(w http.ResponseWriter, r *http.Request) {
	ids, err := idVars(r, "stream", "topic", "partition")
	if err != nil {
		badRequest(w, err.Error())
		return
	}
	var offset uint64
	if v := r.URL.Query().Get("offset"); v != "" {
		offset, err = strconv.ParseUint(v, 10, 64)
		if err != nil {
			badRequest(w, "Invalid offset")
			return
		}
	}
	count := uint32(defaultReadCount)
	if v := r.URL.Query().Get("count"); v != "" {
		c, err := strconv.ParseUint(v, 10, 32)
		if err != nil {
			badRequest(w, "Invalid count")
			return
		}
		count = uint32(min(c, maxReadCount))
	}

	msgs, err := s.broker.Read(r.Context(), ids[0], ids[1], ids[2], offset, count)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	resp := readResponse{PartitionID: ids[2], Messages: make([]messageResponse, 0, len(msgs))}
	for _, m := range msgs {
		resp.Messages = append(resp.Messages, messageResponse{
			ID:        m.ID.String(),
			Offset:    m.Offset,
			Timestamp: m.Timestamp,
			Key:       string(m.Key),
			Headers:   m.Headers,
			Payload:   string(m.Payload),
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

type offsetRequest struct {
	Offset uint64 `json:"offset"`
}

type offsetResponse struct {
	Kind       string `json:"kind"`
	ConsumerID uint32 `json:"consumer_id"`
	Offset     uint64 `json:"offset"`
}

// offsetVars parses stream, topic, partition, kind and consumer.
func offsetVars(r *http.Request) ([]uint32, partition.ConsumerKind, error) {
	ids, err := idVars(r, "stream", "topic", "partition", "consumer")
	if err != nil {
		return nil, 0, err
	}
	kind, err := partition.ParseConsumerKind(mux.Vars(r)["kind"])
	if err != nil {
		return nil, 0, err
	}
	return ids, kind, nil
}

func (s *Server) handleStoreOffset(w http.ResponseWriter, r *http.Request) {
	ids, kind, err := offsetVars(r)
	if err != nil {
		badRequest(w, err.Error())
		return
	}
	var req offsetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, "Invalid JSON")
		return
	}
	if err := s.broker.StoreConsumerOffset(r.Context(), ids[0], ids[1], ids[2], kind, ids[3], req.Offset); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, offsetResponse{Kind: kind.String(), ConsumerID: ids[3], Offset: req.Offset})
}

func (s *Server) handleGetOffset(w http.ResponseWriter, r *http.Request) {
	ids, kind, err := offsetVars(r)
	if err != nil {
		badRequest(w, err.Error())
		return
	}
	offset, err := s.broker.ConsumerOffset(ids[0], ids[1], ids[2], kind, ids[3])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, offsetResponse{Kind: kind.String(), ConsumerID: ids[3], Offset: offset})
}
