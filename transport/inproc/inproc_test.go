package inproc

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/unkn0wn-root/nearcache/cluster"
	"github.com/unkn0wn-root/nearcache/transport"
)

func newTestCluster(t *testing.T, parts int, ids ...string) (*Cluster, *cluster.StaticDirectory, *Transport, []*Member) {
	t.Helper()
	ms := make([]cluster.Member, len(ids))
	for i, id := range ids {
		ms[i] = cluster.Member{ID: id}
	}
	dir, err := cluster.NewStaticDirectory(parts, ms...)
	if err != nil {
		t.Fatalf("NewStaticDirectory: %v", err)
	}
	c := NewCluster(dir)
	tr := NewTransport()
	members := make([]*Member, len(ids))
	for i, id := range ids {
		members[i] = c.Member(id)
	}
	tr.RegisterMembers(members...)
	return c, dir, tr, members
}

func TestMemberReportsOnlyOwnedPartitions(t *testing.T) {
	ctx := context.Background()
	c, dir, tr, _ := newTestCluster(t, 16, "a", "b")
	c.InvalidatePartition("users", 3)

	total := 0
	for _, m := range dir.DataMembers() {
		resp, err := tr.FetchMetadata(ctx, m, []string{"users"})
		if err != nil {
			t.Fatalf("FetchMetadata(%s): %v", m.ID, err)
		}
		for p := range resp.UUIDs {
			if owner, _ := dir.OwnerOf(p); owner != m.ID {
				t.Fatalf("%s reported partition %d owned by %s", m.ID, p, owner)
			}
		}
		total += len(resp.UUIDs)
		if owner, _ := dir.OwnerOf(3); owner == m.ID {
			if got := resp.Sequences["users"][3]; got != 1 {
				t.Fatalf("seq(users,3)=%d want 1", got)
			}
		}
	}
	if total != 16 {
		t.Fatalf("members reported %d partitions, want 16", total)
	}
}

func TestUnregisteredMemberUnreachable(t *testing.T) {
	_, _, tr, _ := newTestCluster(t, 4, "a")
	tr.Unregister("a")
	_, err := tr.FetchMetadata(context.Background(), cluster.Member{ID: "a"}, nil)
	if !errors.Is(err, transport.ErrMemberUnreachable) {
		t.Fatalf("err=%v", err)
	}
	if _, err := tr.AssignUUIDs(context.Background()); !errors.Is(err, transport.ErrMemberUnreachable) {
		t.Fatalf("assign err=%v", err)
	}
}

func TestLatencyHonoursContext(t *testing.T) {
	_, _, tr, ms := newTestCluster(t, 4, "a")
	ms[0].SetLatency(time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := tr.FetchMetadata(ctx, cluster.Member{ID: "a"}, nil)
	if transport.Classify(err) != transport.StatusTimeout {
		t.Fatalf("err=%v want timeout", err)
	}
}

func TestAssignFallsThroughFailingMember(t *testing.T) {
	c, _, tr, ms := newTestCluster(t, 4, "a", "b")
	ms[0].FailWith(errors.New("boom"))
	got, err := tr.AssignUUIDs(context.Background())
	if err != nil {
		t.Fatalf("AssignUUIDs: %v", err)
	}
	want := c.UUIDs()
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("uuid %d mismatch", i)
		}
	}
}

func TestMigrateIssuesNewTokenAndResetsSequences(t *testing.T) {
	c, dir, _, _ := newTestCluster(t, 4, "a", "b")
	c.InvalidatePartition("users", 1)
	c.InvalidatePartition("users", 1)
	before := c.UUIDs()[1]

	cur, _ := dir.OwnerOf(1)
	to := "a"
	if cur == "a" {
		to = "b"
	}
	u, err := c.Migrate(1, to)
	if err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	if u == before || c.UUIDs()[1] != u {
		t.Fatalf("token not replaced")
	}
	if c.Sequence("users", 1) != 0 {
		t.Fatalf("sequence not reset")
	}
	if owner, _ := dir.OwnerOf(1); owner != to {
		t.Fatalf("owner=%q want %q", owner, to)
	}
}

func TestInvalidateNotifiesListeners(t *testing.T) {
	c, dir, _, _ := newTestCluster(t, 8, "a")
	var got []transport.Invalidation
	c.OnInvalidate(func(ev transport.Invalidation) { got = append(got, ev) })

	ev := c.Invalidate("users", "u:1")
	if len(got) != 1 || got[0] != ev {
		t.Fatalf("listener got %+v", got)
	}
	if ev.Partition != dir.PartitionOf("u:1") || ev.Sequence != 1 || ev.Source != "a" {
		t.Fatalf("event=%+v", ev)
	}
}
