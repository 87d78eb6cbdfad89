package topic

import (
	"hash/fnv"

	"streamlog/internal/errs"
)

// PartitioningKind defines how messages are assigned to partitions
type PartitioningKind uint8

const (
	// Balanced spreads batches round-robin over the partitions.
	Balanced PartitioningKind = iota + 1
	// PartitionID sends the batch to an explicit partition.
	PartitionID
	// MessagesKey hashes a key so equal keys land on the same partition.
	MessagesKey
)

// Partitioning selects the partition of one append.
type Partitioning struct {
	Kind        PartitioningKind
	PartitionID uint32
	Key         []byte
}

func BalancedPartitioning() Partitioning { return Partitioning{Kind: Balanced} }

func ByPartitionID(id uint32) Partitioning { return Partitioning{Kind: PartitionID, PartitionID: id} }

func ByKey(key []byte) Partitioning { return Partitioning{Kind: MessagesKey, Key: key} }

func (t *Topic) selectPartition(p Partitioning) (uint32, error) {
	if p.Kind == PartitionID {
		return p.PartitionID, nil
	}
	ids := t.PartitionIDs()
	if len(ids) == 0 {
		return 0, errs.NotFound("%s has no partitions", t)
	}
	switch p.Kind {
	case MessagesKey:
		return ids[hashKey(p.Key)%uint32(len(ids))], nil
	default:
		n := t.roundRobin.Add(1) - 1
		return ids[n%uint64(len(ids))], nil
	}
}

// hashKey returns the FNV-1a hash of key.
func hashKey(key []byte) uint32 {
	h := fnv.New32a()
	h.Write(key)
	return h.Sum32()
}
