package nearcache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/unkn0wn-root/nearcache/repair"
	"github.com/unkn0wn-root/nearcache/transport"
	"github.com/unkn0wn-root/nearcache/transport/redispush"
)

type recordingSink struct {
	mu     sync.Mutex
	keys   []string
	scopes []int
}

func (s *recordingSink) InvalidateKey(_ context.Context, key string) {
	s.mu.Lock()
	s.keys = append(s.keys, key)
	s.mu.Unlock()
}

func (s *recordingSink) InvalidateScope(_ context.Context, p int) {
	s.mu.Lock()
	s.scopes = append(s.scopes, p)
	s.mu.Unlock()
}

func (s *recordingSink) calls() (keys []string, scopes []int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.keys...), append([]int(nil), s.scopes...)
}

// countingTransport counts AssignUUIDs calls and can hold them until released.
type countingTransport struct {
	transport.Transport
	assigns atomic.Int32
	gate    chan struct{}
}

func (t *countingTransport) AssignUUIDs(ctx context.Context) ([]uuid.UUID, error) {
	t.assigns.Add(1)
	if t.gate != nil {
		<-t.gate
	}
	return t.Transport.AssignUUIDs(ctx)
}

// ==============================
// Construction and attach
// ==============================

func TestNewRequiresTransportAndDirectory(t *testing.T) {
	tc := newTestCluster(t)
	if _, err := New(Options{Directory: tc.dir}); err == nil {
		t.Fatalf("expected error without transport")
	}
	if _, err := New(Options{Transport: tc.tr}); err == nil {
		t.Fatalf("expected error without directory")
	}
}

func TestAttachEstablishesBaseline(t *testing.T) {
	ctx := context.Background()
	tc := newTestCluster(t)
	cl := newTestClient(t, tc, nil, nil)

	if cl.Ready("orders") {
		t.Fatalf("ready before attach")
	}
	if err := cl.Attach(ctx, "orders", &recordingSink{}); err != nil {
		t.Fatalf("Attach: %v", err)
	}
	if !cl.Ready("orders") {
		t.Fatalf("not ready after attach")
	}
	h, ok := cl.Handler("orders")
	if !ok {
		t.Fatalf("no handler")
	}
	want := tc.c.UUIDs()
	for p := range want {
		seq, owner, _ := h.Sequence(p)
		if seq != 0 || owner != want[p] {
			t.Fatalf("partition %d: seq=%d owner=%v want 0,%v", p, seq, owner, want[p])
		}
	}
	if got := cl.Names(); len(got) != 1 || got[0] != "orders" {
		t.Fatalf("Names=%v", got)
	}

	// the baseline makes the first cycle quiet
	cy, ran := cl.Reconcile(ctx)
	if !ran || cy.Invalidations() != 0 || cy.Skipped {
		t.Fatalf("first cycle ran=%v %+v", ran, cy)
	}
}

func TestAttachFailureKeepsNameNotReady(t *testing.T) {
	ctx := context.Background()
	tc := newTestCluster(t)
	hooks := newRecordingHooks()
	cl := newTestClient(t, tc, hooks, func(o *Options) { o.AssignMaxAttempts = 2 })

	if err := cl.Attach(ctx, "orders", &recordingSink{}); err != nil {
		t.Fatalf("Attach orders: %v", err)
	}

	boom := errors.New("member busy")
	tc.a.FailWith(boom)
	tc.b.FailWith(boom)

	err := cl.Attach(ctx, "users", &recordingSink{})
	var ae *AssignmentError
	if !errors.As(err, &ae) {
		t.Fatalf("err=%T %v want *AssignmentError", err, err)
	}
	if ae.Name != "users" || ae.Attempts != 2 || !errors.Is(err, boom) {
		t.Fatalf("AssignmentError=%+v", ae)
	}
	if cl.Ready("users") {
		t.Fatalf("users ready after failed assignment")
	}
	if !cl.Ready("orders") {
		t.Fatalf("failure of users affected orders")
	}
	if got := hooks.snapshot().assignFails; len(got) != 1 || got[0] != "users" {
		t.Fatalf("assign failures=%v", got)
	}

	// retry succeeds once the cluster answers again
	tc.a.FailWith(nil)
	tc.b.FailWith(nil)
	if err := cl.Attach(ctx, "users", &recordingSink{}); err != nil {
		t.Fatalf("retry: %v", err)
	}
	if !cl.Ready("users") {
		t.Fatalf("users not ready after retry")
	}
}

func TestConcurrentAttachAssignsOnce(t *testing.T) {
	ctx := context.Background()
	tc := newTestCluster(t)
	ct := &countingTransport{Transport: tc.tr, gate: make(chan struct{})}
	cl := newTestClient(t, tc, nil, func(o *Options) { o.Transport = ct })

	const n = 16
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = cl.Attach(ctx, "orders", &recordingSink{})
		}(i)
	}
	// let every caller reach the shared call before it returns
	time.Sleep(20 * time.Millisecond)
	close(ct.gate)
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("attach %d: %v", i, err)
		}
	}
	if got := ct.assigns.Load(); got != 1 {
		t.Fatalf("assignments=%d want 1", got)
	}
}

func TestDetachStopsEvictions(t *testing.T) {
	ctx := context.Background()
	tc := newTestCluster(t)
	cl := newTestClient(t, tc, nil, nil)
	sink := &recordingSink{}
	if err := cl.Attach(ctx, "orders", sink); err != nil {
		t.Fatal(err)
	}
	if err := cl.Detach("orders"); err != nil {
		t.Fatalf("Detach: %v", err)
	}
	if cl.Ready("orders") {
		t.Fatalf("ready after detach")
	}
	if err := cl.Detach("orders"); !errors.Is(err, ErrNotAttached) {
		t.Fatalf("second Detach err=%v, want ErrNotAttached", err)
	}

	tc.c.InvalidatePartition("orders", 0)
	if _, ran := cl.Reconcile(ctx); !ran {
		t.Fatalf("cycle did not run")
	}
	if _, scopes := sink.calls(); len(scopes) != 0 {
		t.Fatalf("detached sink evicted %v", scopes)
	}
	ev := transport.Invalidation{Name: "orders", Partition: 0, Sequence: 2, PartitionUUID: tc.c.UUIDs()[0]}
	if out := cl.HandleInvalidation(ctx, ev); out != repair.Ignored {
		t.Fatalf("push for detached name=%v", out)
	}
}

// ==============================
// Push path
// ==============================

func TestPushWithKeyEvictsKeyAndAdvances(t *testing.T) {
	ctx := context.Background()
	tc := newTestCluster(t)
	cl := newTestClient(t, tc, nil, nil)
	sink := &recordingSink{}
	if err := cl.Attach(ctx, "orders", sink); err != nil {
		t.Fatal(err)
	}

	var outcomes []repair.Outcome
	tc.c.OnInvalidate(func(ev transport.Invalidation) {
		outcomes = append(outcomes, cl.HandleInvalidation(ctx, ev))
	})

	k := tc.keyIn(t, 2)
	tc.c.Invalidate("orders", k)
	tc.c.Invalidate("orders", k)

	if len(outcomes) != 2 || outcomes[0] != repair.Applied || outcomes[1] != repair.Applied {
		t.Fatalf("outcomes=%v", outcomes)
	}
	keys, scopes := sink.calls()
	if len(keys) != 2 || keys[0] != k || len(scopes) != 0 {
		t.Fatalf("keys=%v scopes=%v", keys, scopes)
	}
	h, _ := cl.Handler("orders")
	if seq, _, _ := h.Sequence(2); seq != 2 {
		t.Fatalf("seq=%d want 2", seq)
	}

	// duplicate delivery is stale
	dup := transport.Invalidation{Name: "orders", Key: k, Sequence: 2, PartitionUUID: tc.c.UUIDs()[2]}
	if out := cl.HandleInvalidation(ctx, dup); out != repair.Stale {
		t.Fatalf("duplicate=%v want Stale", out)
	}
}

func TestPushFromNewOwnerDropsPartition(t *testing.T) {
	ctx := context.Background()
	tc := newTestCluster(t)
	hooks := newRecordingHooks()
	cl := newTestClient(t, tc, hooks, nil)
	sink := &recordingSink{}
	if err := cl.Attach(ctx, "orders", sink); err != nil {
		t.Fatal(err)
	}

	if _, err := tc.c.Migrate(1, "b"); err != nil {
		t.Fatal(err)
	}
	ev := tc.c.InvalidatePartition("orders", 1)
	if ev.Source != "b" {
		t.Fatalf("source=%q want b", ev.Source)
	}
	if out := cl.HandleInvalidation(ctx, ev); out != repair.OwnershipChanged {
		t.Fatalf("outcome=%v", out)
	}
	if _, scopes := sink.calls(); len(scopes) != 1 || scopes[0] != 1 {
		t.Fatalf("scopes=%v", scopes)
	}
	got := hooks.snapshot()
	if got.ownership != 1 || len(got.invalidated) != 1 || got.invalidated[0] != "orders/"+ReasonOwnershipChanged {
		t.Fatalf("hooks=%+v", got)
	}

	// the next cycle agrees with what the push already adopted
	cy, _ := cl.Reconcile(ctx)
	if cy.Invalidations() != 0 {
		t.Fatalf("cycle repaired again: %+v", cy.Repairs)
	}
}

func TestPushForUnknownNameIgnored(t *testing.T) {
	tc := newTestCluster(t)
	cl := newTestClient(t, tc, nil, nil)
	if out := cl.HandleInvalidation(context.Background(), transport.Invalidation{Name: "nope", Sequence: 1}); out != repair.Ignored {
		t.Fatalf("outcome=%v", out)
	}
}

func TestGapTriggersCycleWhenRepairOnGap(t *testing.T) {
	ctx := context.Background()
	tc := newTestCluster(t)
	hooks := newRecordingHooks()
	cl := newTestClient(t, tc, hooks, func(o *Options) { o.RepairOnGap = true })
	sink := &recordingSink{}
	if err := cl.Attach(ctx, "orders", sink); err != nil {
		t.Fatal(err)
	}

	tc.c.InvalidatePartition("orders", 0) // lost
	ev := tc.c.InvalidatePartition("orders", 0)
	if out := cl.HandleInvalidation(ctx, ev); out != repair.Applied {
		t.Fatalf("outcome=%v", out)
	}

	select {
	case <-hooks.cycled:
	case <-time.After(2 * time.Second):
		t.Fatalf("gap did not trigger a cycle")
	}
	got := hooks.snapshot()
	if got.gaps != 1 {
		t.Fatalf("gaps=%d", got.gaps)
	}
	// seq 2 already subsumes the lost 1
	if _, scopes := sink.calls(); len(scopes) != 0 {
		t.Fatalf("scopes=%v", scopes)
	}
	if h, _ := cl.Handler("orders"); h.Missed(0) != 1 {
		t.Fatalf("missed=%d", h.Missed(0))
	}
}

// ==============================
// Reconciliation
// ==============================

func TestReconcileReportsFailedMembers(t *testing.T) {
	ctx := context.Background()
	tc := newTestCluster(t)
	hooks := newRecordingHooks()
	cl := newTestClient(t, tc, hooks, nil)
	sink := &recordingSink{}
	if err := cl.Attach(ctx, "orders", sink); err != nil {
		t.Fatal(err)
	}

	tc.c.InvalidatePartition("orders", 0)
	tc.c.InvalidatePartition("orders", 3)
	tc.tr.Unregister("b")

	cy, ran := cl.Reconcile(ctx)
	if !ran || cy.Succeeded != 1 || cy.Failed != 1 {
		t.Fatalf("cycle ran=%v %+v", ran, cy)
	}
	// b's partition 3 waits for b to come back
	if _, scopes := sink.calls(); len(scopes) != 1 || scopes[0] != 0 {
		t.Fatalf("scopes=%v want [0]", scopes)
	}
	got := hooks.snapshot()
	if len(got.memberFails) != 1 || got.memberFails[0] != "b/transport_failure" {
		t.Fatalf("member failures=%v", got.memberFails)
	}
	if got.cycles != 1 || len(got.invalidated) != 1 || got.invalidated[0] != "orders/"+ReasonReconcile {
		t.Fatalf("hooks=%+v", got)
	}
	if last, ok := cl.LastCycle(); !ok || last.Succeeded != 1 {
		t.Fatalf("LastCycle=%+v ok=%v", last, ok)
	}

	tc.tr.RegisterMembers(tc.b)
	cl.Reconcile(ctx)
	if _, scopes := sink.calls(); len(scopes) != 2 || scopes[1] != 3 {
		t.Fatalf("scopes=%v want [0 3]", scopes)
	}
}

func TestAllMembersDownIsNoOp(t *testing.T) {
	ctx := context.Background()
	tc := newTestCluster(t)
	cl := newTestClient(t, tc, nil, nil)
	sink := &recordingSink{}
	if err := cl.Attach(ctx, "orders", sink); err != nil {
		t.Fatal(err)
	}
	tc.c.InvalidatePartition("orders", 0)
	tc.tr.Unregister("a")
	tc.tr.Unregister("b")

	cy, _ := cl.Reconcile(ctx)
	if !cy.Skipped || cy.Failed != 2 {
		t.Fatalf("cycle=%+v", cy)
	}
	if _, scopes := sink.calls(); len(scopes) != 0 {
		t.Fatalf("scopes=%v", scopes)
	}
	if h, _ := cl.Handler("orders"); h.Snapshot().Sequences[0] != 0 {
		t.Fatalf("state changed by a failed cycle")
	}
}

func TestScheduledReconciliation(t *testing.T) {
	ctx := context.Background()
	tc := newTestCluster(t)
	hooks := newRecordingHooks()
	cl := newTestClient(t, tc, hooks, func(o *Options) { o.ReconcileInterval = 10 * time.Millisecond })
	sink := &recordingSink{}
	if err := cl.Attach(ctx, "orders", sink); err != nil {
		t.Fatal(err)
	}
	tc.c.InvalidatePartition("orders", 2)
	cl.Start()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, scopes := sink.calls(); len(scopes) > 0 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if _, scopes := sink.calls(); len(scopes) != 1 || scopes[0] != 2 {
		t.Fatalf("scopes=%v want [2]", scopes)
	}

	if err := cl.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := cl.Attach(ctx, "users", sink); !errors.Is(err, ErrClosed) {
		t.Fatalf("attach after close err=%v", err)
	}
	if _, ran := cl.Reconcile(ctx); ran {
		t.Fatalf("cycle ran after close")
	}
}

func TestDisabledClient(t *testing.T) {
	ctx := context.Background()
	tc := newTestCluster(t)
	cl := newTestClient(t, tc, nil, func(o *Options) { o.Disabled = true })

	if err := cl.Attach(ctx, "orders", &recordingSink{}); err != nil {
		t.Fatalf("Attach on disabled client: %v", err)
	}
	if cl.Ready("orders") || cl.Enabled() {
		t.Fatalf("disabled client reports ready")
	}
	if _, ran := cl.Reconcile(ctx); ran {
		t.Fatalf("disabled client reconciled")
	}
}

var _ redispush.Handler = (*Client)(nil).Push

func TestPushFromClusterListener(t *testing.T) {
	ctx := context.Background()
	tc := newTestCluster(t)
	cl := newTestClient(t, tc, nil, nil)
	sink := &recordingSink{}
	if err := cl.Attach(ctx, "orders", sink); err != nil {
		t.Fatal(err)
	}
	tc.c.OnInvalidate(func(ev transport.Invalidation) { cl.Push(ctx, ev) })

	k := tc.keyIn(t, 2)
	tc.c.Invalidate("orders", k)

	keys, scopes := sink.calls()
	if len(keys) != 1 || keys[0] != k || len(scopes) != 0 {
		t.Fatalf("keys=%v scopes=%v", keys, scopes)
	}
	h, _ := cl.Handler("orders")
	if got := h.Snapshot().Sequences[2]; got != 1 {
		t.Fatalf("seq[2]=%d, want 1", got)
	}
}

// ==============================
// Lifecycle races
// ==============================

func TestCloseDropsNamesAndNearCachesPassThrough(t *testing.T) {
	ctx := context.Background()
	tc := newTestCluster(t)
	cl := newTestClient(t, tc, nil, nil)
	mp := newMemProvider()
	nc := newTestNearCache(t, cl, "users", mp, nil)
	if err := nc.Attach(ctx); err != nil {
		t.Fatalf("Attach: %v", err)
	}
	tc.c.OnInvalidate(func(ev transport.Invalidation) { cl.Push(ctx, ev) })

	k := tc.keyIn(t, 0)
	if err := nc.SetWithGen(ctx, k, user{ID: k, Name: "old"}, nc.SnapshotGen(ctx, k), 0); err != nil {
		t.Fatalf("SetWithGen: %v", err)
	}
	if _, ok, _ := nc.Get(ctx, k); !ok {
		t.Fatalf("expected hit before close")
	}

	if err := cl.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}
	// nothing delivers this any more
	tc.c.Invalidate("users", k)

	if cl.Ready("users") || nc.Ready() {
		t.Fatalf("ready after close: client=%v cache=%v", cl.Ready("users"), nc.Ready())
	}
	if names := cl.Names(); len(names) != 0 {
		t.Fatalf("names after close=%v", names)
	}
	if v, ok, err := nc.Get(ctx, k); ok || err != nil {
		t.Fatalf("closed client must not serve cached values, got %+v ok=%v err=%v", v, ok, err)
	}
}

func TestDetachDuringAssignAbandonsAttach(t *testing.T) {
	ctx := context.Background()
	tc := newTestCluster(t)
	ct := &countingTransport{Transport: tc.tr, gate: make(chan struct{})}
	cl := newTestClient(t, tc, nil, func(o *Options) { o.Transport = ct })

	sink := &recordingSink{}
	attachErr := make(chan error, 1)
	go func() { attachErr <- cl.Attach(ctx, "users", sink) }()

	deadline := time.Now().Add(2 * time.Second)
	for ct.assigns.Load() == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("assignment never started")
		}
		time.Sleep(time.Millisecond)
	}
	if err := cl.Detach("users"); err != nil {
		t.Fatalf("Detach of a pending attach: %v", err)
	}
	close(ct.gate)

	select {
	case err := <-attachErr:
		if !errors.Is(err, ErrNotAttached) {
			t.Fatalf("attach err=%v, want ErrNotAttached", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("attach did not return")
	}
	if cl.Ready("users") {
		t.Fatalf("detached name became ready")
	}
	if err := cl.Detach("users"); !errors.Is(err, ErrNotAttached) {
		t.Fatalf("second Detach err=%v", err)
	}

	// a later attach still works
	if err := cl.Attach(ctx, "users", sink); err != nil || !cl.Ready("users") {
		t.Fatalf("reattach err=%v ready=%v", err, cl.Ready("users"))
	}
}

func TestCloseDuringAssignLeavesNothingReady(t *testing.T) {
	ctx := context.Background()
	tc := newTestCluster(t)
	ct := &countingTransport{Transport: tc.tr, gate: make(chan struct{})}
	cl := newTestClient(t, tc, nil, func(o *Options) { o.Transport = ct })

	attachErr := make(chan error, 1)
	go func() { attachErr <- cl.Attach(ctx, "users", &recordingSink{}) }()
	for ct.assigns.Load() == 0 {
		time.Sleep(time.Millisecond)
	}
	if err := cl.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}
	close(ct.gate)

	if err := <-attachErr; !errors.Is(err, ErrClosed) {
		t.Fatalf("attach err=%v, want ErrClosed", err)
	}
	if _, ok := cl.Handler("users"); ok {
		t.Fatalf("handler published after close")
	}
}
