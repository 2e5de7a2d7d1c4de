package inproc

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/unkn0wn-root/nearcache/cluster"
	"github.com/unkn0wn-root/nearcache/metadata"
	"github.com/unkn0wn-root/nearcache/transport"
)

// Transport implements transport.Transport for sources living in the same process.
type Transport struct {
	mu      sync.RWMutex
	sources map[string]transport.Source
}

var _ transport.Transport = (*Transport)(nil)

func NewTransport() *Transport {
	return &Transport{sources: make(map[string]transport.Source)}
}

// Register routes calls for member id to src; safe to call multiple times.
func (t *Transport) Register(id string, src transport.Source) {
	t.mu.Lock()
	t.sources[id] = src
	t.mu.Unlock()
}

// RegisterMembers registers every member under its own id.
func (t *Transport) RegisterMembers(ms ...*Member) {
	for _, m := range ms {
		t.Register(m.ID(), m)
	}
}

// Unregister removes a member (simulates failure in tests).
func (t *Transport) Unregister(id string) {
	t.mu.Lock()
	delete(t.sources, id)
	t.mu.Unlock()
}

func (t *Transport) FetchMetadata(ctx context.Context, member cluster.Member, names []string) (*metadata.Response, error) {
	t.mu.RLock()
	src, ok := t.sources[member.ID]
	t.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", transport.ErrMemberUnreachable, member.ID)
	}
	return src.Metadata(ctx, names)
}

// AssignUUIDs asks the registered members in id order and returns the first answer.
func (t *Transport) AssignUUIDs(ctx context.Context) ([]uuid.UUID, error) {
	t.mu.RLock()
	ids := make([]string, 0, len(t.sources))
	for id := range t.sources {
		ids = append(ids, id)
	}
	t.mu.RUnlock()
	sort.Strings(ids)

	lastErr := transport.ErrMemberUnreachable
	for _, id := range ids {
		t.mu.RLock()
		src, ok := t.sources[id]
		t.mu.RUnlock()
		if !ok {
			continue
		}
		uuids, err := src.AssignUUIDs(ctx)
		if err == nil {
			return uuids, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
	}
	return nil, lastErr
}
