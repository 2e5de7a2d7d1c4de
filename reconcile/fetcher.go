// Package reconcile runs anti-entropy cycles: fetch invalidation metadata from
// every data member, merge it into one authoritative table, and repair each
// registered handler against it.
package reconcile

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/unkn0wn-root/nearcache/cluster"
	"github.com/unkn0wn-root/nearcache/metadata"
	"github.com/unkn0wn-root/nearcache/repair"
	"github.com/unkn0wn-root/nearcache/transport"
)

// DefaultFetchTimeout bounds one cycle's wait for member answers.
const DefaultFetchTimeout = time.Minute

// State is the phase a Fetcher is in.
type State int32

const (
	Idle State = iota
	Fetching
	Aggregating
	Repairing
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Fetching:
		return "fetching"
	case Aggregating:
		return "aggregating"
	case Repairing:
		return "repairing"
	}
	return "unknown"
}

// Evictor drops locally cached data of one partition of one name. It must be safe
// for concurrent use and idempotent.
type Evictor interface {
	InvalidateScope(ctx context.Context, name string, partition int)
}

// MemberResult is the outcome of asking one member.
type MemberResult struct {
	Member  string
	Status  transport.Status
	Err     error
	Latency time.Duration
	// Discarded counts entries dropped because Member did not own the partition.
	Discarded int
}

// Cycle reports one FetchAndRepair run.
type Cycle struct {
	Started   time.Time
	Duration  time.Duration
	Members   []MemberResult
	Succeeded int
	Failed    int
	// Repairs holds, per name, what the handler's reconciliation changed.
	Repairs map[string]repair.Repair
	// Skipped is true when nothing was repaired because no handler was registered
	// or no member answered.
	Skipped bool
}

// Invalidations is the number of partition scopes dropped across all names.
func (c Cycle) Invalidations() int {
	n := 0
	for _, r := range c.Repairs {
		n += len(r.Invalidate)
	}
	return n
}

type FetcherConfig struct {
	Transport transport.Transport
	Directory cluster.Directory
	// Timeout bounds the whole fan-out, measured from the start of the cycle.
	// 0 => DefaultFetchTimeout.
	Timeout time.Duration
	// OnMember, if set, is called once per member as soon as its outcome is known.
	// Calls may come from several goroutines.
	OnMember func(MemberResult)
}

type Fetcher struct {
	tr       transport.Transport
	dir      cluster.Directory
	timeout  time.Duration
	onMember func(MemberResult)

	state   atomic.Int32
	onState func(State) // test hook, set before use
}

func NewFetcher(cfg FetcherConfig) (*Fetcher, error) {
	if cfg.Transport == nil {
		return nil, errors.New("reconcile: transport is required")
	}
	if cfg.Directory == nil {
		return nil, errors.New("reconcile: directory is required")
	}
	f := &Fetcher{
		tr:       cfg.Transport,
		dir:      cfg.Directory,
		timeout:  cfg.Timeout,
		onMember: cfg.OnMember,
	}
	if f.timeout <= 0 {
		f.timeout = DefaultFetchTimeout
	}
	if f.onMember == nil {
		f.onMember = func(MemberResult) {}
	}
	return f, nil
}

func (f *Fetcher) State() State { return State(f.state.Load()) }

func (f *Fetcher) setState(s State) {
	f.state.Store(int32(s))
	if f.onState != nil {
		f.onState(s)
	}
}

type fetched struct {
	resp *metadata.Response
	err  error
}

// Fetch asks every data member for the metadata of names and merges the answers
// owner-only. Members that fail, time out, or answer after the cycle deadline
// contribute nothing. Fetch never fails; per-member outcomes are in the results.
func (f *Fetcher) Fetch(ctx context.Context, names []string) (*metadata.Table, []MemberResult) {
	defer f.setState(Idle)
	return f.fetch(ctx, names)
}

// fetch leaves the fetcher in Aggregating; the caller moves it on.
func (f *Fetcher) fetch(ctx context.Context, names []string) (*metadata.Table, []MemberResult) {
	f.setState(Fetching)

	members := f.dir.DataMembers()
	results := make([]MemberResult, len(members))
	resps := make([]*metadata.Response, len(members))

	cctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	var g errgroup.Group
	for i, m := range members {
		g.Go(func() error {
			start := time.Now()
			// buffered so a call that outlives the deadline can still finish and exit
			done := make(chan fetched, 1)
			go func() {
				resp, err := f.tr.FetchMetadata(cctx, m, names)
				done <- fetched{resp, err}
			}()

			res := MemberResult{Member: m.ID}
			select {
			case out := <-done:
				switch {
				case out.err != nil:
					res.Err = out.err
				case out.resp == nil:
					res.Err = &transport.DecodeError{Member: m.ID, Err: errors.New("empty response")}
				case cctx.Err() != nil:
					// the answer raced the deadline; late answers are never applied
					res.Err = cctx.Err()
				default:
					resps[i] = out.resp
				}
			case <-cctx.Done():
				res.Err = cctx.Err()
			}
			res.Status = transport.Classify(res.Err)
			res.Latency = time.Since(start)
			results[i] = res
			if res.Err != nil {
				f.onMember(res)
			}
			return nil
		})
	}
	_ = g.Wait()

	f.setState(Aggregating)
	tbl := metadata.NewTable()
	for i, resp := range resps {
		if resp == nil {
			continue
		}
		// ownership is judged against the member that was asked
		resp.Member = members[i].ID
		results[i].Discarded = tbl.Merge(resp, f.dir.OwnerOf)
		f.onMember(results[i])
	}
	return tbl, results
}

// FetchAndRepair runs one full cycle for handlers and sends every partition that
// must be dropped to ev. A cycle where no member answered changes nothing.
func (f *Fetcher) FetchAndRepair(ctx context.Context, handlers []*repair.Handler, ev Evictor) Cycle {
	c := Cycle{Started: time.Now()}

	if len(handlers) == 0 {
		c.Skipped = true
		c.Duration = time.Since(c.Started)
		return c
	}

	names := make([]string, len(handlers))
	for i, h := range handlers {
		names[i] = h.Name()
	}

	defer f.setState(Idle)
	tbl, results := f.fetch(ctx, names)
	c.Members = results
	for _, r := range results {
		if r.Status == transport.StatusOK {
			c.Succeeded++
		} else {
			c.Failed++
		}
	}
	if c.Succeeded == 0 || tbl.Empty() {
		c.Skipped = true
		c.Duration = time.Since(c.Started)
		return c
	}

	f.setState(Repairing)

	c.Repairs = make(map[string]repair.Repair, len(handlers))
	for _, h := range handlers {
		uuids, seqs := tbl.For(h.Name())
		r := h.Reconcile(uuids, seqs)
		for _, p := range r.Invalidate {
			ev.InvalidateScope(ctx, h.Name(), p)
		}
		c.Repairs[h.Name()] = r
	}
	c.Duration = time.Since(c.Started)
	return c
}
