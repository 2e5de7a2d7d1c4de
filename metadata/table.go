package metadata

// OwnerFunc resolves the member that currently owns a partition.
type OwnerFunc func(partition int) (member string, ok bool)

// Table is the merged authoritative view of one reconciliation cycle.
// It is built by one goroutine and read-only afterwards.
type Table struct {
	UUIDs     PartitionUUIDs
	Sequences NamePartitionSequences

	responses int
}

func NewTable() *Table {
	return &Table{
		UUIDs:     make(PartitionUUIDs),
		Sequences: make(NamePartitionSequences),
	}
}

// Merge folds resp into t. Entries are taken only for partitions whose current owner
// (per ownerOf) is resp.Member; the rest are dropped. Returns the number of dropped
// entries (uuid and sequence entries counted separately).
func (t *Table) Merge(resp *Response, ownerOf OwnerFunc) (discarded int) {
	if resp == nil {
		return 0
	}
	t.responses++

	owns := func(p int) bool {
		m, ok := ownerOf(p)
		return ok && m == resp.Member
	}

	for p, u := range resp.UUIDs {
		if !owns(p) {
			discarded++
			continue
		}
		t.UUIDs[p] = u
	}
	for name, seqs := range resp.Sequences {
		for p, seq := range seqs {
			if !owns(p) {
				discarded++
				continue
			}
			t.Sequences.Set(name, p, seq)
		}
	}
	return discarded
}

// For returns the uuid table and the sequence table of one cache name.
// The uuid table is shared by all names; callers must not mutate the results.
func (t *Table) For(name string) (PartitionUUIDs, PartitionSequences) {
	return t.UUIDs, t.Sequences[name]
}

// Responses reports how many member responses were merged.
func (t *Table) Responses() int { return t.responses }

// Empty reports whether no member response was merged.
func (t *Table) Empty() bool { return t.responses == 0 }
