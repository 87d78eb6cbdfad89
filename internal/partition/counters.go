package partition

import "sync/atomic"

// Counters is one scope's set of aggregate counters. A Partition writes its
// own Counters and the ones of its Topic and Stream; everyone else only reads.
type Counters struct {
	messages atomic.Uint64
	size     atomic.Uint64
	segments atomic.Uint64
}

// Stats is a point-in-time copy of Counters.
type Stats struct {
	Messages  uint64 `json:"messages_count"`
	SizeBytes uint64 `json:"size_bytes"`
	Segments  uint64 `json:"segments_count"`
}

func (c *Counters) Messages() uint64  { return c.messages.Load() }
func (c *Counters) SizeBytes() uint64 { return c.size.Load() }
func (c *Counters) Segments() uint64  { return c.segments.Load() }

func (c *Counters) Snapshot() Stats {
	return Stats{
		Messages:  c.messages.Load(),
		SizeBytes: c.size.Load(),
		Segments:  c.segments.Load(),
	}
}

// counterSet fans one delta out to every scope a partition reports to.
type counterSet []*Counters

func (cs counterSet) add(messages, size, segments uint64) {
	for _, c := range cs {
		if c == nil {
			continue
		}
		if messages != 0 {
			c.messages.Add(messages)
		}
		if size != 0 {
			c.size.Add(size)
		}
		if segments != 0 {
			c.segments.Add(segments)
		}
	}
}

func (cs counterSet) sub(messages, size, segments uint64) {
	for _, c := range cs {
		if c == nil {
			continue
		}
		if messages != 0 {
			c.messages.Add(^(messages - 1))
		}
		if size != 0 {
			c.size.Add(^(size - 1))
		}
		if segments != 0 {
			c.segments.Add(^(segments - 1))
		}
	}
}
