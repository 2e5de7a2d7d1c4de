// Package metadata holds the invalidation metadata exchanged between a near-cache
// client and the data members of a cluster.
//
// Two tables make up the authoritative view of a cycle:
//
//	PartitionUUIDs          partition id -> ownership token
//	NamePartitionSequences  cache name -> partition id -> sequence
//
// A change of ownership token for a partition means the partition moved to another
// member since the token was last observed. Sequences only grow while the token is
// unchanged.
package metadata

import (
	"sort"

	"github.com/google/uuid"
)

// PartitionUUIDs maps partition id to the ownership token issued by the cluster.
type PartitionUUIDs map[int]uuid.UUID

// PartitionSequences maps partition id to the last invalidation sequence.
type PartitionSequences map[int]uint64

// NamePartitionSequences maps cache name to its per-partition sequences.
type NamePartitionSequences map[string]PartitionSequences

// FetchRequest asks a member for the metadata of the named caches.
type FetchRequest struct {
	Names []string `json:"names" cbor:"n" msgpack:"n"`
}

// Response is the metadata one member reports. It should only describe partitions
// owned by Member; anything else is discarded by Table.Merge.
type Response struct {
	Member    string                 `json:"member" cbor:"m" msgpack:"m"`
	UUIDs     PartitionUUIDs         `json:"uuids" cbor:"u" msgpack:"u"`
	Sequences NamePartitionSequences `json:"sequences" cbor:"s" msgpack:"s"`
}

// AssignResponse carries one ownership token per partition, ordered by partition id.
type AssignResponse struct {
	UUIDs []uuid.UUID `json:"uuids" cbor:"u" msgpack:"u"`
}

// Partitions returns the partition ids present in u in ascending order.
func (u PartitionUUIDs) Partitions() []int {
	out := make([]int, 0, len(u))
	for p := range u {
		out = append(out, p)
	}
	sort.Ints(out)
	return out
}

// Partitions returns the partition ids present in s in ascending order.
func (s PartitionSequences) Partitions() []int {
	out := make([]int, 0, len(s))
	for p := range s {
		out = append(out, p)
	}
	sort.Ints(out)
	return out
}

// Names returns cache names in ascending order.
func (n NamePartitionSequences) Names() []string {
	out := make([]string, 0, len(n))
	for name := range n {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Set records seq for (name, partition).
func (n NamePartitionSequences) Set(name string, partition int, seq uint64) {
	ps, ok := n[name]
	if !ok {
		ps = make(PartitionSequences)
		n[name] = ps
	}
	ps[partition] = seq
}
