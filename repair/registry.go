package repair

import (
	"sort"
	"sync"
)

// Registry maps cache names to handlers. Lookups are lock-free. Creation is
// serialized so that the constructor runs at most once for a published handler
// and every caller observes the same instance.
type Registry struct {
	handlers sync.Map // string -> *Handler
	mu       sync.Mutex
}

func NewRegistry() *Registry { return &Registry{} }

// GetOrCreate returns the handler for name, building it with newFn on first use.
// created reports whether this call published the handler.
func (r *Registry) GetOrCreate(name string, newFn func() *Handler) (h *Handler, created bool) {
	if v, ok := r.handlers.Load(name); ok {
		return v.(*Handler), false
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if v, ok := r.handlers.Load(name); ok {
		return v.(*Handler), false
	}
	h = newFn()
	r.handlers.Store(name, h)
	return h, true
}

func (r *Registry) Get(name string) (*Handler, bool) {
	v, ok := r.handlers.Load(name)
	if !ok {
		return nil, false
	}
	return v.(*Handler), true
}

// Remove drops the handler for name. A reconciliation already holding it
// finishes against the detached instance.
func (r *Registry) Remove(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.handlers.LoadAndDelete(name)
	return ok
}

// Names returns a sorted point-in-time copy of the registered names.
func (r *Registry) Names() []string {
	var out []string
	r.handlers.Range(func(k, _ any) bool {
		out = append(out, k.(string))
		return true
	})
	sort.Strings(out)
	return out
}

// Handlers returns the registered handlers ordered by name.
func (r *Registry) Handlers() []*Handler {
	var out []*Handler
	r.handlers.Range(func(_, v any) bool {
		out = append(out, v.(*Handler))
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].name < out[j].name })
	return out
}

func (r *Registry) Len() int {
	n := 0
	r.handlers.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}
