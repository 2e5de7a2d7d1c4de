package nearcache

import "time"

// Partition invalidation reasons passed to Hooks.PartitionInvalidated.
const (
	ReasonReconcile        = "reconcile"         // anti-entropy found the partition behind or re-owned
	ReasonOwnershipChanged = "ownership_changed" // a push carried a new partition token
)

// Hooks lightweight callbacks for high-signal events.
// Implementations MUST be cheap and non-blocking; wrap slow ones in hooks/async.
// Fetch-related hooks are called from the fan-out goroutines.
type Hooks interface {
	// One reconciliation cycle finished. skipped means nothing was repaired
	// because no name was attached or no member answered.
	CycleCompleted(d time.Duration, succeeded, failed, invalidated int, skipped bool)

	// A member could not be asked for metadata.
	// status ∈ {"timeout", "transport_failure", "decode_failure"}
	MemberFetchFailed(member, status string, err error)

	// The local data of one partition of name was dropped.
	PartitionInvalidated(name string, partition int, reason string)

	// A push carried a partition token other than the one on record.
	OwnershipChanged(name string, partition int)

	// A push skipped gap sequences; the next cycle confirms or clears the miss.
	SequenceGap(name string, partition int, gap uint64)

	// The cluster reported a lower sequence than the local one.
	SequenceAhead(name string, partition int)

	// A scheduled cycle was skipped because the previous one was still running.
	TickSkipped()

	// Partition token assignment failed; name stays not ready.
	AssignmentFailed(name string, attempts int, err error)

	// Provider returned ok=false on Set (backpressure/eviction).
	ProviderSetRejected(storageKey string)

	// An entry was deleted by the near cache on read.
	// reason ∈ {"corrupt", "partition_moved", "gen_mismatch", "value_decode"}
	SelfHeal(storageKey, reason string)
}

// NopHooks is the default no-op
type NopHooks struct{}

func (NopHooks) CycleCompleted(time.Duration, int, int, int, bool) {}
func (NopHooks) MemberFetchFailed(string, string, error)           {}
func (NopHooks) PartitionInvalidated(string, int, string)          {}
func (NopHooks) OwnershipChanged(string, int)                      {}
func (NopHooks) SequenceGap(string, int, uint64)                   {}
func (NopHooks) SequenceAhead(string, int)                         {}
func (NopHooks) TickSkipped()                                      {}
func (NopHooks) AssignmentFailed(string, int, error)               {}
func (NopHooks) ProviderSetRejected(string)                        {}
func (NopHooks) SelfHeal(string, string)                           {}
