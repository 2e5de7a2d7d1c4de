package nearcache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/unkn0wn-root/nearcache/cluster"
	"github.com/unkn0wn-root/nearcache/reconcile"
	"github.com/unkn0wn-root/nearcache/repair"
	"github.com/unkn0wn-root/nearcache/transport"
)

const defaultReconcileInterval = 10 * time.Second

// Client is the near-cache runtime of one process: it tracks the partition
// sequences of every attached name, applies pushes and runs the anti-entropy
// loop. It is safe for concurrent use.
type Client struct {
	log     Logger
	hooks   Hooks
	enabled bool

	tr  transport.Transport
	dir cluster.Directory

	reg     *repair.Registry
	sinks   sync.Map // name -> Sink
	assign  singleflight.Group
	backoff reconcile.Backoff
	// held while a handler is published or names are dropped, so Detach and Close
	// cannot interleave with an assignment that is about to complete
	attachMu sync.Mutex

	fetcher     *reconcile.Fetcher
	sched       *reconcile.Scheduler
	repairOnGap bool
	last        atomic.Pointer[reconcile.Cycle]

	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

func newClient(opts Options) (*Client, error) {
	if opts.Transport == nil {
		return nil, fmt.Errorf("nearcache: transport is required")
	}
	if opts.Directory == nil {
		return nil, fmt.Errorf("nearcache: directory is required")
	}
	if opts.Directory.PartitionCount() <= 0 {
		return nil, fmt.Errorf("nearcache: directory reports %d partitions", opts.Directory.PartitionCount())
	}

	c := &Client{
		tr:          opts.Transport,
		dir:         opts.Directory,
		reg:         repair.NewRegistry(),
		enabled:     !opts.Disabled,
		repairOnGap: opts.RepairOnGap,
		backoff: reconcile.Backoff{
			Initial:     opts.AssignInitialBackoff,
			Max:         opts.AssignMaxBackoff,
			MaxAttempts: opts.AssignMaxAttempts,
		},
	}
	c.log = coalesce[Logger](opts.Logger, NopLogger{})
	c.hooks = coalesce[Hooks](opts.Hooks, NopHooks{})

	f, err := reconcile.NewFetcher(reconcile.FetcherConfig{
		Transport: c.tr,
		Directory: c.dir,
		Timeout:   coalesce(opts.FetchTimeout, reconcile.DefaultFetchTimeout),
		OnMember:  c.onMember,
	})
	if err != nil {
		return nil, err
	}
	c.fetcher = f

	s, err := reconcile.NewScheduler(
		coalesce(opts.ReconcileInterval, defaultReconcileInterval),
		c.runCycle,
		reconcile.SchedulerOptions{OnSkip: c.onSkip},
	)
	if err != nil {
		return nil, err
	}
	c.sched = s
	return c, nil
}

func (c *Client) Enabled() bool { return c.enabled }

// Directory returns the ownership directory the client routes by.
func (c *Client) Directory() cluster.Directory { return c.dir }

// Start begins periodic reconciliation. It is a no-op on a disabled client.
func (c *Client) Start() {
	if !c.enabled || c.closed.Load() {
		return
	}
	c.sched.Start()
}

// Close drops every attached name, stops reconciliation and waits for an
// in-flight cycle until ctx is done. Near caches of a closed client pass every
// call through, since nothing keeps them consistent any more. Attached sinks are
// not closed.
func (c *Client) Close(ctx context.Context) error {
	c.closeOnce.Do(func() {
		c.closed.Store(true)

		c.attachMu.Lock()
		for _, name := range c.reg.Names() {
			c.reg.Remove(name)
		}
		c.sinks.Range(func(k, _ any) bool {
			c.sinks.Delete(k)
			return true
		})
		c.attachMu.Unlock()

		c.closeErr = c.sched.Stop(ctx)
	})
	return c.closeErr
}

// Attach makes name ready: the cluster's partition tokens are fetched once (with
// retries, concurrent callers share the call) and become the baseline that later
// pushes and cycles are compared to. sink receives the name's evictions; attaching
// an already ready name only rebinds the sink.
//
// On failure the error is *AssignmentError and the name stays not ready. If the
// name is detached while its tokens are being assigned, Attach returns
// ErrNotAttached; if the client is closed meanwhile, ErrClosed.
func (c *Client) Attach(ctx context.Context, name string, sink Sink) error {
	if c.closed.Load() {
		return ErrClosed
	}
	if !c.enabled {
		return nil
	}
	if name == "" || sink == nil {
		return fmt.Errorf("nearcache: attach needs a name and a sink")
	}
	c.sinks.Store(name, sink)
	if _, ok := c.reg.Get(name); ok {
		return nil
	}

	_, err, _ := c.assign.Do(name, func() (any, error) {
		if _, ok := c.reg.Get(name); ok {
			return nil, nil
		}
		uuids, err := reconcile.AssignUUIDs(ctx, c.tr, c.dir.PartitionCount(), c.backoff)
		if err != nil {
			return nil, err
		}

		c.attachMu.Lock()
		defer c.attachMu.Unlock()
		if c.closed.Load() {
			return nil, ErrClosed
		}
		// Detach ran while we were assigning
		if _, bound := c.sinks.Load(name); !bound {
			return nil, ErrNotAttached
		}
		_, created := c.reg.GetOrCreate(name, func() *repair.Handler {
			return repair.NewHandler(name, uuids)
		})
		if created {
			c.log.Info("near cache ready", Fields{"name": name, "partitions": len(uuids)})
		}
		return nil, nil
	})
	if errors.Is(err, ErrClosed) || errors.Is(err, ErrNotAttached) {
		c.sinks.CompareAndDelete(name, sink)
		return err
	}
	if err != nil {
		attempts := 1
		var ae *reconcile.AssignError
		if errors.As(err, &ae) {
			attempts = ae.Attempts
		}
		c.sinks.CompareAndDelete(name, sink)
		c.hooks.AssignmentFailed(name, attempts, err)
		c.log.Error("partition token assignment failed", Fields{"name": name, "attempts": attempts, "err": err})
		return &AssignmentError{Name: name, Attempts: attempts, Err: err}
	}
	return nil
}

// Detach forgets name. A cycle that already captured its handler finishes
// harmlessly; its evictions for name are dropped. A pending Attach for name is
// abandoned. It returns ErrNotAttached if name was neither attached nor being
// attached.
func (c *Client) Detach(name string) error {
	c.attachMu.Lock()
	defer c.attachMu.Unlock()
	_, hadSink := c.sinks.LoadAndDelete(name)
	removed := c.reg.Remove(name)
	if !hadSink && !removed {
		return ErrNotAttached
	}
	return nil
}

// detachSink removes name only while sink is still the one bound to it.
func (c *Client) detachSink(name string, sink Sink) {
	c.attachMu.Lock()
	defer c.attachMu.Unlock()
	if c.sinks.CompareAndDelete(name, sink) {
		c.reg.Remove(name)
	}
}

// Ready reports whether name was attached and its tokens assigned. Nothing is
// ready on a closed client.
func (c *Client) Ready(name string) bool {
	if c.closed.Load() {
		return false
	}
	_, ok := c.reg.Get(name)
	return ok
}

// Names returns the ready names, sorted.
func (c *Client) Names() []string { return c.reg.Names() }

// Handler returns the sequence tracker of name, mostly for inspection.
func (c *Client) Handler(name string) (*repair.Handler, bool) { return c.reg.Get(name) }

func (c *Client) sink(name string) Sink {
	v, ok := c.sinks.Load(name)
	if !ok {
		return nil
	}
	return v.(Sink)
}

// HandleInvalidation applies one push event. An event with a key evicts that key
// first; the partition is then derived from the key, not taken from the event. The
// returned outcome is Ignored for names that are not ready and for partitions out
// of range.
func (c *Client) HandleInvalidation(ctx context.Context, ev Invalidation) repair.Outcome {
	if !c.enabled || c.closed.Load() {
		return repair.Ignored
	}
	h, ok := c.reg.Get(ev.Name)
	if !ok {
		return repair.Ignored
	}
	sink := c.sink(ev.Name)

	p := ev.Partition
	if ev.Key != "" {
		p = c.dir.PartitionOf(ev.Key)
		if sink != nil {
			sink.InvalidateKey(ctx, ev.Key)
		}
	}

	res := h.ApplyPushInvalidation(p, ev.Sequence, ev.PartitionUUID)
	switch res.Outcome {
	case repair.OwnershipChanged:
		c.log.Info("partition owner changed", Fields{
			"name": ev.Name, "partition": p, "uuid": ev.PartitionUUID.String(), "source": ev.Source,
		})
		c.hooks.OwnershipChanged(ev.Name, p)
		if sink != nil {
			sink.InvalidateScope(ctx, p)
		}
		c.hooks.PartitionInvalidated(ev.Name, p, ReasonOwnershipChanged)
	case repair.Applied:
		if res.Gap > 0 {
			c.log.Debug("sequence gap on push", Fields{"name": ev.Name, "partition": p, "seq": ev.Sequence, "gap": res.Gap})
			c.hooks.SequenceGap(ev.Name, p, res.Gap)
			if c.repairOnGap {
				c.sched.Trigger()
			}
		}
	case repair.Ignored:
		c.log.Debug("push for unknown partition", Fields{"name": ev.Name, "partition": p})
	}
	return res.Outcome
}

// Push is HandleInvalidation without the outcome; it fits redispush.Handler.
func (c *Client) Push(ctx context.Context, ev Invalidation) { c.HandleInvalidation(ctx, ev) }

// Reconcile runs one cycle now. ok is false if a cycle was already running or the
// client is closed.
func (c *Client) Reconcile(ctx context.Context) (cy reconcile.Cycle, ok bool) {
	if !c.enabled || !c.sched.RunOnce(ctx) {
		return reconcile.Cycle{}, false
	}
	return *c.last.Load(), true
}

// LastCycle returns the report of the most recent cycle.
func (c *Client) LastCycle() (reconcile.Cycle, bool) {
	cy := c.last.Load()
	if cy == nil {
		return reconcile.Cycle{}, false
	}
	return *cy, true
}

func (c *Client) runCycle(ctx context.Context) {
	cy := c.fetcher.FetchAndRepair(ctx, c.reg.Handlers(), evictor{c})
	c.last.Store(&cy)

	for name, r := range cy.Repairs {
		for _, p := range r.Ahead {
			c.log.Debug("local sequence ahead of cluster", Fields{"name": name, "partition": p})
			c.hooks.SequenceAhead(name, p)
		}
	}
	inv := cy.Invalidations()
	c.hooks.CycleCompleted(cy.Duration, cy.Succeeded, cy.Failed, inv, cy.Skipped)
	f := Fields{
		"members":     len(cy.Members),
		"succeeded":   cy.Succeeded,
		"failed":      cy.Failed,
		"invalidated": inv,
		"duration":    cy.Duration,
	}
	switch {
	case cy.Failed > 0 && cy.Succeeded == 0:
		c.log.Warn("reconciliation: no member answered", f)
	case inv > 0:
		c.log.Info("reconciliation repaired partitions", f)
	default:
		c.log.Debug("reconciliation done", f)
	}
}

func (c *Client) onMember(r reconcile.MemberResult) {
	if r.Status == transport.StatusOK {
		if r.Discarded > 0 {
			c.log.Debug("dropped entries for partitions the member does not own", Fields{
				"member": r.Member, "discarded": r.Discarded,
			})
		}
		return
	}
	c.log.Warn("metadata fetch failed", Fields{
		"member": r.Member, "status": r.Status.String(), "latency": r.Latency, "err": r.Err,
	})
	c.hooks.MemberFetchFailed(r.Member, r.Status.String(), r.Err)
}

func (c *Client) onSkip() {
	c.log.Debug("reconciliation tick skipped, previous cycle still running", nil)
	c.hooks.TickSkipped()
}

// evictor routes cycle evictions to the sink bound to each name.
type evictor struct{ c *Client }

func (e evictor) InvalidateScope(ctx context.Context, name string, p int) {
	sink := e.c.sink(name)
	if sink == nil {
		return
	}
	sink.InvalidateScope(ctx, p)
	e.c.hooks.PartitionInvalidated(name, p, ReasonReconcile)
}
