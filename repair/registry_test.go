package repair

import (
	"reflect"
	"sync"
	"sync/atomic"
	"testing"
)

func TestRegistryConstructsOnce(t *testing.T) {
	r := NewRegistry()
	var calls int32
	newFn := func() *Handler {
		atomic.AddInt32(&calls, 1)
		return NewHandler("users", baseline(4))
	}

	const n = 32
	got := make([]*Handler, n)
	var created int32
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			h, c := r.GetOrCreate("users", newFn)
			got[i] = h
			if c {
				atomic.AddInt32(&created, 1)
			}
		}(i)
	}
	wg.Wait()

	if calls != 1 || created != 1 {
		t.Fatalf("calls=%d created=%d; want 1/1", calls, created)
	}
	for i := 1; i < n; i++ {
		if got[i] != got[0] {
			t.Fatalf("caller %d observed a different handler", i)
		}
	}
}

func TestRegistryRemoveAndNames(t *testing.T) {
	r := NewRegistry()
	for _, name := range []string{"c", "a", "b"} {
		name := name
		r.GetOrCreate(name, func() *Handler { return NewHandler(name, baseline(1)) })
	}
	if got := r.Names(); !reflect.DeepEqual(got, []string{"a", "b", "c"}) {
		t.Fatalf("Names=%v", got)
	}
	if r.Len() != 3 {
		t.Fatalf("Len=%d", r.Len())
	}

	old, _ := r.Get("b")
	if !r.Remove("b") {
		t.Fatalf("Remove returned false")
	}
	if r.Remove("b") {
		t.Fatalf("second Remove returned true")
	}
	if _, ok := r.Get("b"); ok {
		t.Fatalf("b still registered")
	}

	// a new handler is built after removal
	h, created := r.GetOrCreate("b", func() *Handler { return NewHandler("b", baseline(1)) })
	if !created || h == old {
		t.Fatalf("expected a fresh handler after Remove")
	}

	hs := r.Handlers()
	if len(hs) != 3 || hs[0].Name() != "a" || hs[2].Name() != "c" {
		t.Fatalf("Handlers order wrong")
	}
}
