// Package asynchook moves Hooks calls off the reconciliation and read paths.
//
// usage:
//
//	raw := sloghooks.New(slog.Default(), sloghooks.Options{SelfHealEvery: 10})
//	hooks := asynchook.New(raw, 1, 1000) // 1 worker; queue 1000 events
//	defer hooks.Close()
//
//	client, _ := nearcache.New(nearcache.Options{
//	    Transport: tr,
//	    Directory: dir,
//	    Hooks:     hooks, // or `raw` if you don't want async
//	})
//
// Events are dropped, never blocked on, when the queue is full; Dropped reports
// how many.
package asynchook

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/unkn0wn-root/nearcache"
)

type Hooks struct {
	inner   nearcache.Hooks
	q       chan func()
	wg      sync.WaitGroup
	once    sync.Once
	mu      sync.RWMutex // guards closed against sends on a closed queue
	closed  bool
	dropped atomic.Uint64
}

var _ nearcache.Hooks = (*Hooks)(nil)

func New(inner nearcache.Hooks, workers, qlen int) *Hooks {
	if workers <= 0 {
		workers = 1
	}
	if qlen <= 0 {
		qlen = 1024
	}

	h := &Hooks{inner: inner, q: make(chan func(), qlen)}
	h.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer h.wg.Done()
			for f := range h.q {
				f()
			}
		}()
	}
	return h
}

// Close drains queued events and stops the workers. Later events are dropped.
func (h *Hooks) Close() {
	h.once.Do(func() {
		h.mu.Lock()
		h.closed = true
		close(h.q)
		h.mu.Unlock()
		h.wg.Wait()
	})
}

// Dropped returns how many events were discarded.
func (h *Hooks) Dropped() uint64 { return h.dropped.Load() }

func (h *Hooks) try(f func()) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		h.dropped.Add(1)
		return
	}
	select {
	case h.q <- f:
	default: // drop
		h.dropped.Add(1)
	}
}

func (h *Hooks) CycleCompleted(d time.Duration, ok, failed, inv int, skipped bool) {
	h.try(func() { h.inner.CycleCompleted(d, ok, failed, inv, skipped) })
}
func (h *Hooks) MemberFetchFailed(m, status string, err error) {
	h.try(func() { h.inner.MemberFetchFailed(m, status, err) })
}
func (h *Hooks) PartitionInvalidated(name string, p int, reason string) {
	h.try(func() { h.inner.PartitionInvalidated(name, p, reason) })
}
func (h *Hooks) OwnershipChanged(name string, p int) {
	h.try(func() { h.inner.OwnershipChanged(name, p) })
}
func (h *Hooks) SequenceGap(name string, p int, gap uint64) {
	h.try(func() { h.inner.SequenceGap(name, p, gap) })
}
func (h *Hooks) SequenceAhead(name string, p int) { h.try(func() { h.inner.SequenceAhead(name, p) }) }
func (h *Hooks) TickSkipped()                     { h.try(func() { h.inner.TickSkipped() }) }
func (h *Hooks) AssignmentFailed(name string, attempts int, err error) {
	h.try(func() { h.inner.AssignmentFailed(name, attempts, err) })
}
func (h *Hooks) ProviderSetRejected(k string) { h.try(func() { h.inner.ProviderSetRejected(k) }) }
func (h *Hooks) SelfHeal(k, r string)         { h.try(func() { h.inner.SelfHeal(k, r) }) }
