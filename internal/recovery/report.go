package recovery

import (
	"sort"
	"sync"
)

// Outcome is what happened to one entry during a load.
type Outcome string

const (
	Loaded  Outcome = "loaded"
	Skipped Outcome = "skipped"
)

// Result is the tagged outcome for one partition. Reason is set when skipped.
type Result struct {
	ID      uint32  `json:"id"`
	Outcome Outcome `json:"outcome"`
	Reason  string  `json:"reason,omitempty"`
}

// Report describes one topic (or stream) load. Orphaned entries were removed
// from storage unless listed in OrphansFailed.
type Report struct {
	StreamID      uint32   `json:"stream_id"`
	TopicID       uint32   `json:"topic_id,omitempty"`
	Matched       []uint32 `json:"matched"`
	Orphaned      []uint32 `json:"orphaned,omitempty"`
	OrphansFailed []uint32 `json:"orphans_failed,omitempty"`
	Missing       []uint32 `json:"missing,omitempty"`
	Recreated     []uint32 `json:"recreated,omitempty"`
	Invalid       []string `json:"invalid,omitempty"`
	Results       []Result `json:"results"`

	mu sync.Mutex
}

// Record adds a result; safe for concurrent use by load tasks.
func (r *Report) Record(res Result) {
	r.mu.Lock()
	r.Results = append(r.Results, res)
	r.mu.Unlock()
}

// Finish sorts the results by id once all load tasks are done.
func (r *Report) Finish() {
	r.mu.Lock()
	defer r.mu.Unlock()
	sort.Slice(r.Results, func(i, j int) bool { return r.Results[i].ID < r.Results[j].ID })
}

func (r *Report) ids(o Outcome) []uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []uint32
	for _, res := range r.Results {
		if res.Outcome == o {
			out = append(out, res.ID)
		}
	}
	sortIDs(out)
	return out
}

// LoadedIDs returns the ids that were loaded, sorted.
func (r *Report) LoadedIDs() []uint32 { return r.ids(Loaded) }

// SkippedIDs returns the ids that were skipped, sorted.
func (r *Report) SkippedIDs() []uint32 { return r.ids(Skipped) }

// Clean reports whether storage and state agreed completely.
func (r *Report) Clean() bool {
	return len(r.Orphaned) == 0 && len(r.Missing) == 0 && len(r.Invalid) == 0 && len(r.SkippedIDs()) == 0
}
