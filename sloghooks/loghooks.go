// Package sloghooks logs nearcache Hooks events through log/slog. Storage keys are
// redacted; noisy per-entry events can be sampled.
package sloghooks

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/unkn0wn-root/nearcache"
	"github.com/unkn0wn-root/nearcache/internal/util"
)

type Options struct {
	// Sampling to avoid floods; 0/1 = log all.
	SelfHealEvery    uint64
	CycleEvery       uint64 // only quiet cycles (nothing failed or repaired) are sampled
	SequenceGapEvery uint64
	// Optional key redactor. Defaults to util.RedactKey (name kept, key hashed).
	Redact func(string) string
}

type Hooks struct {
	l    *slog.Logger
	opts Options

	selfHealCtr atomic.Uint64
	cycleCtr    atomic.Uint64
	gapCtr      atomic.Uint64
}

var _ nearcache.Hooks = (*Hooks)(nil)

func New(l *slog.Logger, opts Options) *Hooks {
	return &Hooks{l: l, opts: opts}
}

func (h *Hooks) redact(k string) string {
	if h.opts.Redact != nil {
		return h.opts.Redact(k)
	}
	return util.RedactKey(k)
}

func sample(n uint64, ctr *atomic.Uint64) bool {
	if n == 0 || n == 1 {
		return true
	}
	return ctr.Add(1)%n == 0
}

func (h *Hooks) CycleCompleted(d time.Duration, succeeded, failed, invalidated int, skipped bool) {
	if h.l == nil {
		return
	}
	if invalidated == 0 && failed == 0 && !sample(h.opts.CycleEvery, &h.cycleCtr) {
		return
	}
	level := slog.LevelDebug
	switch {
	case failed > 0 && succeeded == 0:
		level = slog.LevelWarn
	case invalidated > 0:
		level = slog.LevelInfo
	}
	h.l.Log(context.Background(), level, "nearcache.cycle_completed",
		"duration", d,
		"succeeded", succeeded,
		"failed", failed,
		"invalidated", invalidated,
		"skipped", skipped)
}

func (h *Hooks) MemberFetchFailed(member, status string, err error) {
	if h.l == nil {
		return
	}
	h.l.Warn("nearcache.member_fetch_failed",
		"member", member,
		"status", status,
		"err", err)
}

func (h *Hooks) PartitionInvalidated(name string, partition int, reason string) {
	if h.l == nil {
		return
	}
	h.l.Debug("nearcache.partition_invalidated",
		"name", name,
		"partition", partition,
		"reason", reason)
}

func (h *Hooks) OwnershipChanged(name string, partition int) {
	if h.l == nil {
		return
	}
	h.l.Info("nearcache.ownership_changed",
		"name", name,
		"partition", partition)
}

func (h *Hooks) SequenceGap(name string, partition int, gap uint64) {
	if h.l == nil || !sample(h.opts.SequenceGapEvery, &h.gapCtr) {
		return
	}
	h.l.Debug("nearcache.sequence_gap",
		"name", name,
		"partition", partition,
		"gap", gap)
}

func (h *Hooks) SequenceAhead(name string, partition int) {
	if h.l == nil {
		return
	}
	h.l.Info("nearcache.sequence_ahead",
		"name", name,
		"partition", partition)
}

func (h *Hooks) TickSkipped() {
	if h.l == nil {
		return
	}
	h.l.Warn("nearcache.tick_skipped",
		"msg", "previous reconciliation still running; consider a longer interval or shorter fetch timeout")
}

func (h *Hooks) AssignmentFailed(name string, attempts int, err error) {
	if h.l == nil {
		return
	}
	h.l.Error("nearcache.assignment_failed",
		"name", name,
		"attempts", attempts,
		"err", err)
}

func (h *Hooks) ProviderSetRejected(storageKey string) {
	if h.l == nil {
		return
	}
	h.l.Warn("nearcache.provider_set_rejected",
		"key", h.redact(storageKey))
}

func (h *Hooks) SelfHeal(storageKey, reason string) {
	if h.l == nil || !sample(h.opts.SelfHealEvery, &h.selfHealCtr) {
		return
	}
	h.l.Debug("nearcache.self_heal",
		"key", h.redact(storageKey),
		"reason", reason)
}
