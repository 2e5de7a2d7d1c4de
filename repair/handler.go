// Package repair keeps the per-partition invalidation state of near-cached data
// structures and decides which partitions must be dropped when that state drifts
// from the cluster.
//
// A Handler tracks one cache name. Every partition slot holds the last applied
// sequence and the ownership token it belongs to. Slots are independent: each has
// its own mutex so pushes and reconciliation on different partitions never contend.
package repair

import (
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/unkn0wn-root/nearcache/metadata"
)

// Outcome is the result of applying one pushed invalidation.
type Outcome uint8

const (
	// Applied: the sequence advanced.
	Applied Outcome = iota
	// Stale: the sequence was not newer than the local one; nothing changed.
	Stale
	// OwnershipChanged: the token differed. The slot was reset and then advanced to the
	// event's sequence. Cached data of the partition must be dropped.
	OwnershipChanged
	// Ignored: the partition is outside the handler's range.
	Ignored
)

func (o Outcome) String() string {
	switch o {
	case Applied:
		return "applied"
	case Stale:
		return "stale"
	case OwnershipChanged:
		return "ownership_changed"
	case Ignored:
		return "ignored"
	default:
		return fmt.Sprintf("outcome(%d)", uint8(o))
	}
}

// ApplyResult describes what ApplyPushInvalidation did.
type ApplyResult struct {
	Outcome Outcome
	// Gap is the number of sequences skipped by this event (seq - local - 1).
	// Non-zero means earlier invalidations were probably lost in transit.
	Gap uint64
}

// Repair lists the partitions a reconciliation touched.
type Repair struct {
	// Invalidate: local data of these partitions may be stale and must be dropped.
	Invalidate []int
	// Ahead: local sequence was greater than the authoritative one. The local value
	// was lowered; nothing was invalidated.
	Ahead []int
}

// Empty reports whether the reconciliation changed nothing.
func (r Repair) Empty() bool { return len(r.Invalidate) == 0 && len(r.Ahead) == 0 }

type slot struct {
	mu     sync.Mutex
	seq    uint64
	owner  uuid.UUID
	missed uint64
}

// Handler tracks the applied sequence and ownership token of every partition of
// one cache name. Pushes go through ApplyPushInvalidation, cycles through
// Reconcile; both lock only the slot they touch. Safe for concurrent use.
type Handler struct {
	name  string
	slots []slot
}

// NewHandler builds a handler whose partition count is len(baseline). Slot i starts
// with ownership token baseline[i] and sequence 0.
func NewHandler(name string, baseline []uuid.UUID) *Handler {
	h := &Handler{
		name:  name,
		slots: make([]slot, len(baseline)),
	}
	for i, u := range baseline {
		h.slots[i].owner = u
	}
	return h
}

func (h *Handler) Name() string { return h.name }

func (h *Handler) PartitionCount() int { return len(h.slots) }

// ApplyPushInvalidation records a pushed invalidation for partition p.
//
// A uuid.Nil owner means the event carries no token and only the sequence is
// checked. Any sequence greater than the local one is accepted.
func (h *Handler) ApplyPushInvalidation(p int, seq uint64, owner uuid.UUID) ApplyResult {
	if p < 0 || p >= len(h.slots) {
		return ApplyResult{Outcome: Ignored}
	}
	s := &h.slots[p]
	s.mu.Lock()
	defer s.mu.Unlock()

	if owner != uuid.Nil && owner != s.owner {
		// reset to 0 under the new token, then advance to the event
		s.owner = owner
		s.seq = seq
		return ApplyResult{Outcome: OwnershipChanged}
	}
	if seq <= s.seq {
		return ApplyResult{Outcome: Stale}
	}
	var gap uint64
	if seq-s.seq > 1 {
		gap = seq - s.seq - 1
		s.missed += gap
	}
	s.seq = seq
	return ApplyResult{Outcome: Applied, Gap: gap}
}

// Reconcile aligns every tracked partition with the authoritative tables and
// returns what it changed. Partitions missing from both tables are left alone.
//
// Per partition p:
//   - token differs: invalidate, adopt token, sequence = authoritative (0 if absent)
//   - authoritative sequence greater: invalidate, adopt sequence
//   - authoritative sequence smaller: lower the local one, report in Ahead
func (h *Handler) Reconcile(uuids metadata.PartitionUUIDs, seqs metadata.PartitionSequences) Repair {
	var r Repair
	for p := range h.slots {
		au, hasU := uuids[p]
		as, hasS := seqs[p]
		if !hasU && !hasS {
			continue
		}

		s := &h.slots[p]
		s.mu.Lock()
		switch {
		case hasU && au != s.owner:
			s.owner = au
			s.seq = as
			r.Invalidate = append(r.Invalidate, p)
		case !hasS:
		case as > s.seq:
			s.missed += as - s.seq
			s.seq = as
			r.Invalidate = append(r.Invalidate, p)
		case as < s.seq:
			s.seq = as
			r.Ahead = append(r.Ahead, p)
		}
		s.mu.Unlock()
	}
	return r
}

// Missed returns the number of sequences partition p is known to have skipped.
func (h *Handler) Missed(p int) uint64 {
	if p < 0 || p >= len(h.slots) {
		return 0
	}
	s := &h.slots[p]
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.missed
}

// Sequence returns the local sequence and token of partition p.
func (h *Handler) Sequence(p int) (uint64, uuid.UUID, bool) {
	if p < 0 || p >= len(h.slots) {
		return 0, uuid.Nil, false
	}
	s := &h.slots[p]
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.seq, s.owner, true
}

// State is a copy of a handler's slots. Each slot is read under its own lock, so
// the copy is consistent per partition, not across partitions.
type State struct {
	Sequences []uint64
	UUIDs     []uuid.UUID
	Missed    []uint64
}

func (h *Handler) Snapshot() State {
	st := State{
		Sequences: make([]uint64, len(h.slots)),
		UUIDs:     make([]uuid.UUID, len(h.slots)),
		Missed:    make([]uint64, len(h.slots)),
	}
	for i := range h.slots {
		s := &h.slots[i]
		s.mu.Lock()
		st.Sequences[i], st.UUIDs[i], st.Missed[i] = s.seq, s.owner, s.missed
		s.mu.Unlock()
	}
	return st
}
