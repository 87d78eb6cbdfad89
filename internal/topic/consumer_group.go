package topic

import (
	"context"
	"sort"
	"sync"

	"streamlog/internal/errs"
	"streamlog/internal/partition"
	"streamlog/internal/state"
)

// ConsumerGroup tracks the members of a group and the partitions each one
// owns. Members join and leave at runtime; only the id and name are persisted.
type ConsumerGroup struct {
	TopicID uint32
	ID      uint32
	Name    string

	mu          sync.RWMutex
	partitions  []uint32
	members     map[uint32][]uint32
	assignments map[uint32]uint32 // partition id -> member id
}

// NewConsumerGroup creates a group over the given partition ids.
func NewConsumerGroup(topicID, id uint32, name string, partitionIDs []uint32) *ConsumerGroup {
	g := &ConsumerGroup{
		TopicID:     topicID,
		ID:          id,
		Name:        name,
		members:     make(map[uint32][]uint32),
		assignments: make(map[uint32]uint32),
	}
	g.partitions = append([]uint32(nil), partitionIDs...)
	sortIDs(g.partitions)
	return g
}

// Join adds a member and rebalances the group.
func (g *ConsumerGroup) Join(memberID uint32) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.members[memberID]; ok {
		return
	}
	g.members[memberID] = nil
	g.rebalance()
}

// Leave removes a member and rebalances the group.
func (g *ConsumerGroup) Leave(memberID uint32) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.members[memberID]; !ok {
		return errs.NotFound("member %d not found in consumer group %d", memberID, g.ID)
	}
	delete(g.members, memberID)
	g.rebalance()
	return nil
}

// Resize replaces the partition ids after partitions were added or deleted.
func (g *ConsumerGroup) Resize(partitionIDs []uint32) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.partitions = append(g.partitions[:0], partitionIDs...)
	sortIDs(g.partitions)
	g.rebalance()
}

// Partitions returns the partition ids the group spreads over.
func (g *ConsumerGroup) Partitions() []uint32 {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return append([]uint32(nil), g.partitions...)
}

// Assignment returns the partitions owned by a member.
func (g *ConsumerGroup) Assignment(memberID uint32) ([]uint32, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	parts, ok := g.members[memberID]
	if !ok {
		return nil, errs.NotFound("member %d not found in consumer group %d", memberID, g.ID)
	}
	return append([]uint32(nil), parts...), nil
}

// Owner returns the member owning a partition.
func (g *ConsumerGroup) Owner(partitionID uint32) (uint32, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	m, ok := g.assignments[partitionID]
	return m, ok
}

func (g *ConsumerGroup) MembersCount() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.members)
}

// rebalance splits the partitions into contiguous ranges, one per member in
// id order. The first len(partitions)%len(members) members get one extra.
func (g *ConsumerGroup) rebalance() {
	clear(g.assignments)
	if len(g.members) == 0 {
		return
	}
	ids := make([]uint32, 0, len(g.members))
	for id := range g.members {
		ids = append(ids, id)
	}
	sortIDs(ids)

	per := len(g.partitions) / len(ids)
	extra := len(g.partitions) % len(ids)
	next := 0
	for i, member := range ids {
		n := per
		if i < extra {
			n++
		}
		owned := make([]uint32, 0, n)
		for _, p := range g.partitions[next : next+n] {
			owned = append(owned, p)
			g.assignments[p] = member
		}
		g.members[member] = owned
		next += n
	}
}

func (g *ConsumerGroup) State() state.ConsumerGroupState {
	return state.ConsumerGroupState{ID: g.ID, Name: g.Name}
}

// CreateConsumerGroup adds a group. An id of 0 picks the next free id.
func (t *Topic) CreateConsumerGroup(id uint32, name string) (*ConsumerGroup, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if name == "" {
		return nil, errs.InvalidConfig("consumer group name is required")
	}
	if _, ok := t.groupIDs[name]; ok {
		return nil, errs.AlreadyExists("consumer group %q already exists in %s", name, t)
	}
	if id == 0 {
		id = 1
		for gid := range t.groups {
			if gid >= id {
				id = gid + 1
			}
		}
	}
	if _, ok := t.groups[id]; ok {
		return nil, errs.AlreadyExists("consumer group %d already exists in %s", id, t)
	}
	g := NewConsumerGroup(t.ID, id, name, t.partitionIDsLocked())
	t.groups[id] = g
	t.groupIDs[name] = id
	t.logger.WithField("group_id", id).Infof("Created consumer group %s", name)
	return g, nil
}

// DeleteConsumerGroup removes a group and its stored offsets.
func (t *Topic) DeleteConsumerGroup(ctx context.Context, id uint32) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	g, ok := t.groups[id]
	if !ok {
		return errs.NotFound("consumer group %d not found in %s", id, t)
	}
	for _, p := range t.partitions {
		if err := p.DeleteConsumerOffset(ctx, partition.ConsumerGroup, id); err != nil {
			return err
		}
	}
	delete(t.groups, id)
	delete(t.groupIDs, g.Name)
	t.logger.WithField("group_id", id).Infof("Deleted consumer group %s", g.Name)
	return nil
}

// ConsumerGroup returns a group by id.
func (t *Topic) ConsumerGroup(id uint32) (*ConsumerGroup, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	g, ok := t.groups[id]
	if !ok {
		return nil, errs.NotFound("consumer group %d not found in %s", id, t)
	}
	return g, nil
}

// ConsumerGroupByName returns a group by name.
func (t *Topic) ConsumerGroupByName(name string) (*ConsumerGroup, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	id, ok := t.groupIDs[name]
	if !ok {
		return nil, errs.NotFound("consumer group %q not found in %s", name, t)
	}
	return t.groups[id], nil
}

// ConsumerGroups returns the groups ordered by id.
func (t *Topic) ConsumerGroups() []*ConsumerGroup {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]*ConsumerGroup, 0, len(t.groups))
	for _, g := range t.groups {
		out = append(out, g)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (t *Topic) resizeGroupsLocked() {
	ids := t.partitionIDsLocked()
	for _, g := range t.groups {
		g.Resize(ids)
	}
}

func sortIDs(ids []uint32) {
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
}
