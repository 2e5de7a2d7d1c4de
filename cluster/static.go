package cluster

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"
)

// DefaultPartitionCount matches the usual cluster default.
const DefaultPartitionCount = 271

var ErrPartitionCount = errors.New("cluster: partition count must be positive")

// StaticDirectory is a Directory over an explicit member list. Owners are picked by
// rendezvous hashing of the partition id against member ids and can be pinned with
// SetOwner to model migrations. Reads load an immutable table and never block.
type StaticDirectory struct {
	count int

	mu  sync.Mutex // serializes writers
	tbl atomic.Pointer[table]
}

type table struct {
	members []Member // data members only, sorted by id
	owners  []string // partition -> member id ("" = none)
	pinned  map[int]string
}

func NewStaticDirectory(partitions int, members ...Member) (*StaticDirectory, error) {
	if partitions <= 0 {
		return nil, ErrPartitionCount
	}
	d := &StaticDirectory{count: partitions}
	d.tbl.Store(d.build(members, nil))
	return d, nil
}

func (d *StaticDirectory) PartitionCount() int { return d.count }

func (d *StaticDirectory) PartitionOf(key string) int {
	return int(xxhash.Sum64String(key) % uint64(d.count))
}

func (d *StaticDirectory) OwnerOf(p int) (string, bool) {
	if p < 0 || p >= d.count {
		return "", false
	}
	id := d.tbl.Load().owners[p]
	return id, id != ""
}

func (d *StaticDirectory) DataMembers() []Member {
	ms := d.tbl.Load().members
	out := make([]Member, len(ms))
	copy(out, ms)
	return out
}

// SetMembers replaces the member set and recomputes unpinned owners.
// Pins that point at a member no longer present are dropped.
func (d *StaticDirectory) SetMembers(members ...Member) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.tbl.Store(d.build(members, d.tbl.Load().pinned))
}

// SetOwner pins partition p to member id. The member must be a known data member.
func (d *StaticDirectory) SetOwner(p int, id string) error {
	if p < 0 || p >= d.count {
		return fmt.Errorf("cluster: partition %d out of range [0,%d)", p, d.count)
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	cur := d.tbl.Load()
	if !hasMember(cur.members, id) {
		return fmt.Errorf("cluster: unknown data member %q", id)
	}
	pinned := make(map[int]string, len(cur.pinned)+1)
	for k, v := range cur.pinned {
		pinned[k] = v
	}
	pinned[p] = id
	d.tbl.Store(d.build(cur.members, pinned))
	return nil
}

func (d *StaticDirectory) build(members []Member, pinned map[int]string) *table {
	data := make([]Member, 0, len(members))
	for _, m := range members {
		if !m.Lite && m.ID != "" {
			data = append(data, m)
		}
	}
	sort.Slice(data, func(i, j int) bool { return data[i].ID < data[j].ID })

	t := &table{
		members: data,
		owners:  make([]string, d.count),
		pinned:  make(map[int]string, len(pinned)),
	}
	for p, id := range pinned {
		if hasMember(data, id) {
			t.pinned[p] = id
		}
	}

	salts := make([]uint64, len(data))
	for i, m := range data {
		salts[i] = xxhash.Sum64String(m.ID)
	}
	for p := 0; p < d.count; p++ {
		if id, ok := t.pinned[p]; ok {
			t.owners[p] = id
			continue
		}
		t.owners[p] = rendezvousOwner(uint64(p), data, salts)
	}
	return t
}

// rendezvousOwner returns the member with the highest score for h. Ties go to the
// lowest id, which the sorted input already guarantees.
func rendezvousOwner(h uint64, members []Member, salts []uint64) string {
	var (
		best  string
		score uint64
	)
	for i, m := range members {
		s := mix64(h ^ salts[i])
		if best == "" || s > score {
			best, score = m.ID, s
		}
	}
	return best
}

func mix64(x uint64) uint64 {
	x ^= x >> 30
	x *= 0xbf58476d1ce4e5b9
	x ^= x >> 27
	x *= 0x94d049bb133111eb
	x ^= x >> 31
	return x
}

func hasMember(ms []Member, id string) bool {
	for _, m := range ms {
		if m.ID == id {
			return true
		}
	}
	return false
}
