// Package cluster describes the data members of a cluster and which member owns
// each partition.
package cluster

// Member is a cluster participant. Lite members hold no partitions and are never
// asked for metadata.
type Member struct {
	ID      string `yaml:"id" json:"id"`
	Address string `yaml:"address" json:"address"`
	Lite    bool   `yaml:"lite" json:"lite"`
}

// Directory answers partition ownership questions. Implementations must be safe
// for concurrent use; answers may change between calls as partitions migrate.
type Directory interface {
	// OwnerOf returns the id of the member currently owning partition p.
	// ok is false when p is out of range or no data member is known.
	OwnerOf(p int) (member string, ok bool)
	// PartitionOf maps a key to its partition id in [0, PartitionCount()).
	PartitionOf(key string) int
	PartitionCount() int
	// DataMembers returns the non-lite members at the time of the call.
	DataMembers() []Member
}
