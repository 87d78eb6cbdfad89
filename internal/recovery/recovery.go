// Package recovery reconciles persisted metadata with the directories found
// in storage and records what a load did about the differences.
package recovery

import (
	"context"
	"sort"
	"strconv"

	"github.com/sirupsen/logrus"

	"streamlog/internal/storage"
)

// Scan lists dir and returns the numeric child directory names as ids.
// Files and non-numeric names are logged and returned in invalid.
func Scan(ctx context.Context, backend storage.Backend, dir string, logger *logrus.Entry) (ids []uint32, invalid []string, err error) {
	entries, err := backend.ListDir(ctx, dir)
	if err != nil {
		return nil, nil, err
	}
	for _, e := range entries {
		if !e.IsDir {
			logger.WithField("entry", e.Name).Warn("Skipping file in directory of numbered entries")
			invalid = append(invalid, e.Name)
			continue
		}
		id, err := strconv.ParseUint(e.Name, 10, 32)
		if err != nil {
			logger.WithField("entry", e.Name).Warn("Skipping directory whose name is not a valid id")
			invalid = append(invalid, e.Name)
			continue
		}
		ids = append(ids, uint32(id))
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, invalid, nil
}

// Plan splits ids found in storage against the ids recorded in state.
type Plan struct {
	Matched  []uint32 // in storage and in state
	Orphaned []uint32 // in storage only
	Missing  []uint32 // in state only
}

// Diff builds a Plan. Every output slice is sorted.
func Diff[V any](onDisk []uint32, inState map[uint32]V) Plan {
	var plan Plan
	seen := make(map[uint32]struct{}, len(onDisk))
	for _, id := range onDisk {
		seen[id] = struct{}{}
		if _, ok := inState[id]; ok {
			plan.Matched = append(plan.Matched, id)
		} else {
			plan.Orphaned = append(plan.Orphaned, id)
		}
	}
	for id := range inState {
		if _, ok := seen[id]; !ok {
			plan.Missing = append(plan.Missing, id)
		}
	}
	sortIDs(plan.Matched)
	sortIDs(plan.Orphaned)
	sortIDs(plan.Missing)
	return plan
}

func sortIDs(ids []uint32) {
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
}
