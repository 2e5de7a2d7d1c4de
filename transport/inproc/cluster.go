// Package inproc runs the metadata protocol inside one process. Cluster simulates
// the member side (ownership tokens, invalidation sequences, migrations) and
// Transport routes client calls to registered members. It backs the embedded mode
// and the multi-member tests.
package inproc

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/unkn0wn-root/nearcache/cluster"
	"github.com/unkn0wn-root/nearcache/metadata"
	"github.com/unkn0wn-root/nearcache/transport"
)

// Cluster holds the authoritative partition state shared by the simulated members.
type Cluster struct {
	dir cluster.Directory

	mu     sync.Mutex
	uuids  []uuid.UUID
	seqs   map[string][]uint64
	listen []func(transport.Invalidation)
}

func NewCluster(dir cluster.Directory) *Cluster {
	c := &Cluster{
		dir:   dir,
		uuids: make([]uuid.UUID, dir.PartitionCount()),
		seqs:  make(map[string][]uint64),
	}
	for i := range c.uuids {
		c.uuids[i] = uuid.New()
	}
	return c
}

func (c *Cluster) Directory() cluster.Directory { return c.dir }

// OnInvalidate registers fn to receive every invalidation the cluster issues.
// fn runs synchronously in the caller of Invalidate.
func (c *Cluster) OnInvalidate(fn func(transport.Invalidation)) {
	c.mu.Lock()
	c.listen = append(c.listen, fn)
	c.mu.Unlock()
}

// Invalidate bumps the sequence of key's partition for name and returns the event.
func (c *Cluster) Invalidate(name, key string) transport.Invalidation {
	return c.invalidate(name, key, c.dir.PartitionOf(key))
}

// InvalidatePartition bumps the sequence of (name, p) without a key.
func (c *Cluster) InvalidatePartition(name string, p int) transport.Invalidation {
	return c.invalidate(name, "", p)
}

func (c *Cluster) invalidate(name, key string, p int) transport.Invalidation {
	c.mu.Lock()
	seqs := c.seqsFor(name)
	seqs[p]++
	ev := transport.Invalidation{
		Name:          name,
		Key:           key,
		Partition:     p,
		Sequence:      seqs[p],
		PartitionUUID: c.uuids[p],
	}
	ev.Source, _ = c.dir.OwnerOf(p)
	listeners := slices.Clone(c.listen)
	c.mu.Unlock()

	for _, fn := range listeners {
		fn(ev)
	}
	return ev
}

// Migrate hands partition p to a new owner: a fresh ownership token is issued and
// the sequences of p restart from 0 for every name. If the directory supports
// pinning (StaticDirectory), p is pinned to member to.
func (c *Cluster) Migrate(p int, to string) (uuid.UUID, error) {
	if p < 0 || p >= len(c.uuids) {
		return uuid.Nil, fmt.Errorf("inproc: partition %d out of range", p)
	}
	if to != "" {
		setter, ok := c.dir.(interface{ SetOwner(int, string) error })
		if !ok {
			return uuid.Nil, fmt.Errorf("inproc: directory %T cannot pin owners", c.dir)
		}
		if err := setter.SetOwner(p, to); err != nil {
			return uuid.Nil, err
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	u := uuid.New()
	c.uuids[p] = u
	for _, seqs := range c.seqs {
		seqs[p] = 0
	}
	return u, nil
}

// Sequence returns the authoritative sequence of (name, p).
func (c *Cluster) Sequence(name string, p int) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok := c.seqs[name]; ok && p >= 0 && p < len(s) {
		return s[p]
	}
	return 0
}

// UUIDs returns a copy of the current ownership tokens.
func (c *Cluster) UUIDs() []uuid.UUID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]uuid.UUID(nil), c.uuids...)
}

// Member returns a simulated data member with the given id.
func (c *Cluster) Member(id string) *Member {
	return &Member{id: id, c: c}
}

// caller holds c.mu
func (c *Cluster) seqsFor(name string) []uint64 {
	s, ok := c.seqs[name]
	if !ok {
		s = make([]uint64, len(c.uuids))
		c.seqs[name] = s
	}
	return s
}

// Member answers metadata requests for the partitions it owns according to the
// cluster directory. Latency and failures can be injected.
type Member struct {
	id string
	c  *Cluster

	mu      sync.Mutex
	latency time.Duration
	fail    error
	claims  []int
}

var _ transport.Source = (*Member)(nil)

func (m *Member) ID() string { return m.id }

// SetLatency delays every answer by d (or until the caller gives up).
func (m *Member) SetLatency(d time.Duration) {
	m.mu.Lock()
	m.latency = d
	m.mu.Unlock()
}

// FailWith makes every call return err. nil restores normal behaviour.
func (m *Member) FailWith(err error) {
	m.mu.Lock()
	m.fail = err
	m.mu.Unlock()
}

// Claim makes the member also report partitions it does not own, as a member with
// a stale membership view would.
func (m *Member) Claim(partitions ...int) {
	m.mu.Lock()
	m.claims = append(m.claims, partitions...)
	m.mu.Unlock()
}

func (m *Member) Metadata(ctx context.Context, names []string) (*metadata.Response, error) {
	if err := m.wait(ctx); err != nil {
		return nil, err
	}

	m.mu.Lock()
	claims := append([]int(nil), m.claims...)
	m.mu.Unlock()

	resp := &metadata.Response{
		Member:    m.id,
		UUIDs:     make(metadata.PartitionUUIDs),
		Sequences: make(metadata.NamePartitionSequences),
	}

	c := m.c
	c.mu.Lock()
	defer c.mu.Unlock()

	report := func(p int) {
		resp.UUIDs[p] = c.uuids[p]
		for _, name := range names {
			resp.Sequences.Set(name, p, c.seqsFor(name)[p])
		}
	}
	for p := range c.uuids {
		if owner, ok := c.dir.OwnerOf(p); ok && owner == m.id {
			report(p)
		}
	}
	for _, p := range claims {
		if p >= 0 && p < len(c.uuids) {
			report(p)
		}
	}
	return resp, nil
}

func (m *Member) AssignUUIDs(ctx context.Context) ([]uuid.UUID, error) {
	if err := m.wait(ctx); err != nil {
		return nil, err
	}
	return m.c.UUIDs(), nil
}

func (m *Member) wait(ctx context.Context) error {
	m.mu.Lock()
	d, fail := m.latency, m.fail
	m.mu.Unlock()

	if d > 0 {
		t := time.NewTimer(d)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
	return fail
}
