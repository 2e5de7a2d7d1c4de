// Package prom exports nearcache Hooks events as Prometheus metrics.
package prom

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/unkn0wn-root/nearcache"
)

type Options struct {
	Namespace   string // "" => "nearcache"
	Subsystem   string
	ConstLabels prometheus.Labels
	// Registerer defaults to prometheus.DefaultRegisterer.
	Registerer prometheus.Registerer
	Buckets    []float64 // cycle duration buckets; nil => DefBuckets
}

// Hooks holds the collectors; it implements nearcache.Hooks.
type Hooks struct {
	CyclesTotal            *prometheus.CounterVec
	CycleDuration          prometheus.Histogram
	MemberFetchFailures    *prometheus.CounterVec
	PartitionInvalidations *prometheus.CounterVec
	OwnershipChanges       *prometheus.CounterVec
	SequenceGaps           *prometheus.CounterVec
	MissedSequences        *prometheus.CounterVec
	SequenceAheadTotal     *prometheus.CounterVec
	TicksSkipped           prometheus.Counter
	AssignmentFailures     *prometheus.CounterVec
	ProviderSetRejections  prometheus.Counter
	SelfHeals              *prometheus.CounterVec
}

var _ nearcache.Hooks = (*Hooks)(nil)

// New creates and registers the collectors. Registering twice on one registerer
// panics, as promauto does.
func New(opts Options) *Hooks {
	ns := opts.Namespace
	if ns == "" {
		ns = "nearcache"
	}
	reg := opts.Registerer
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	buckets := opts.Buckets
	if buckets == nil {
		buckets = prometheus.DefBuckets
	}
	f := promauto.With(reg)
	counter := func(name, help string, labels ...string) *prometheus.CounterVec {
		return f.NewCounterVec(prometheus.CounterOpts{
			Namespace:   ns,
			Subsystem:   opts.Subsystem,
			Name:        name,
			Help:        help,
			ConstLabels: opts.ConstLabels,
		}, labels)
	}

	return &Hooks{
		CyclesTotal: counter("reconcile_cycles_total",
			"Reconciliation cycles by result (ok, partial, failed, skipped)", "result"),
		CycleDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace:   ns,
			Subsystem:   opts.Subsystem,
			Name:        "reconcile_cycle_duration_seconds",
			Help:        "Histogram of reconciliation cycle durations",
			ConstLabels: opts.ConstLabels,
			Buckets:     buckets,
		}),
		MemberFetchFailures: counter("member_fetch_failures_total",
			"Metadata fetches that failed, by member and status", "member", "status"),
		PartitionInvalidations: counter("partition_invalidations_total",
			"Partitions whose local data was dropped, by name and reason", "name", "reason"),
		OwnershipChanges: counter("ownership_changes_total",
			"Pushes that carried a new partition token", "name"),
		SequenceGaps: counter("sequence_gaps_total",
			"Pushes that skipped sequences", "name"),
		MissedSequences: counter("missed_sequences_total",
			"Sequences skipped by pushes", "name"),
		SequenceAheadTotal: counter("sequence_ahead_total",
			"Partitions where the local sequence was ahead of the cluster", "name"),
		TicksSkipped: counter("ticks_skipped_total",
			"Scheduled cycles skipped because the previous one was still running").WithLabelValues(),
		AssignmentFailures: counter("assignment_failures_total",
			"Failed partition token assignments", "name"),
		ProviderSetRejections: counter("provider_set_rejected_total",
			"Near-cache writes declined by the provider").WithLabelValues(),
		SelfHeals: counter("self_heals_total",
			"Entries deleted on read, by reason", "reason"),
	}
}

func cycleResult(succeeded, failed int, skipped bool) string {
	switch {
	case failed > 0 && succeeded == 0:
		return "failed"
	case skipped:
		return "skipped"
	case failed > 0:
		return "partial"
	}
	return "ok"
}

func (h *Hooks) CycleCompleted(d time.Duration, succeeded, failed, _ int, skipped bool) {
	h.CyclesTotal.WithLabelValues(cycleResult(succeeded, failed, skipped)).Inc()
	h.CycleDuration.Observe(d.Seconds())
}

func (h *Hooks) MemberFetchFailed(member, status string, _ error) {
	h.MemberFetchFailures.WithLabelValues(member, status).Inc()
}

func (h *Hooks) PartitionInvalidated(name string, _ int, reason string) {
	h.PartitionInvalidations.WithLabelValues(name, reason).Inc()
}

func (h *Hooks) OwnershipChanged(name string, _ int) {
	h.OwnershipChanges.WithLabelValues(name).Inc()
}

func (h *Hooks) SequenceGap(name string, _ int, gap uint64) {
	h.SequenceGaps.WithLabelValues(name).Inc()
	h.MissedSequences.WithLabelValues(name).Add(float64(gap))
}

func (h *Hooks) SequenceAhead(name string, _ int) {
	h.SequenceAheadTotal.WithLabelValues(name).Inc()
}

func (h *Hooks) TickSkipped() { h.TicksSkipped.Inc() }

func (h *Hooks) AssignmentFailed(name string, _ int, _ error) {
	h.AssignmentFailures.WithLabelValues(name).Inc()
}

func (h *Hooks) ProviderSetRejected(string) { h.ProviderSetRejections.Inc() }

func (h *Hooks) SelfHeal(_ string, reason string) {
	h.SelfHeals.WithLabelValues(reason).Inc()
}
