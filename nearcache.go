package nearcache

import (
	"context"
	"fmt"
	"sync"
	"time"

	c "github.com/unkn0wn-root/nearcache/codec"
	gen "github.com/unkn0wn-root/nearcache/genstore"
	"github.com/unkn0wn-root/nearcache/internal/wire"
	pr "github.com/unkn0wn-root/nearcache/provider"
)

const (
	defaultTTL          = 10 * time.Minute
	defaultGenRetention = 30 * 24 * time.Hour
	defaultSweep        = time.Hour
)

// NearCache is a provider-backed local copy of one named cache. Every entry is
// stored with the scope (partition) and key generations it was fetched under;
// InvalidateScope and Invalidate bump those generations, so dropping a whole
// partition costs one counter increment and stale entries are removed lazily on
// read.
type NearCache[V any] struct {
	name           string
	client         *Client
	provider       pr.Provider
	codec          c.Codec[V]
	log            Logger
	hooks          Hooks
	enabled        bool
	defaultTTL     time.Duration
	genRetention   time.Duration
	computeSetCost SetCostFunc
	gen            gen.GenStore
	ownsGen        bool

	// partitions whose scope bump failed; read as misses until a bump succeeds
	dirtyMu sync.Mutex
	dirty   map[int]struct{}

	closeOnce sync.Once
	closeErr  error
}

var _ Sink = (*NearCache[int])(nil)

// NewNearCache builds a near cache for opts.Name. With a non-nil client the cache
// is not ready (pass-through) until Attach succeeds; with a nil client it runs
// standalone, always ready, with a single scope.
func NewNearCache[V any](client *Client, opts NearCacheOptions[V]) (*NearCache[V], error) {
	if opts.Name == "" {
		return nil, fmt.Errorf("nearcache: name is required")
	}
	if opts.Provider == nil {
		return nil, fmt.Errorf("nearcache: provider is required")
	}
	if opts.Codec == nil {
		return nil, fmt.Errorf("nearcache: codec is required")
	}

	nc := &NearCache[V]{
		name:     opts.Name,
		client:   client,
		provider: opts.Provider,
		codec:    opts.Codec,
		enabled:  !opts.Disabled,
		dirty:    make(map[int]struct{}),
	}
	if client != nil {
		nc.enabled = nc.enabled && client.Enabled()
		nc.log = coalesce[Logger](opts.Logger, client.log)
		nc.hooks = coalesce[Hooks](opts.Hooks, client.hooks)
	} else {
		nc.log = coalesce[Logger](opts.Logger, NopLogger{})
		nc.hooks = coalesce[Hooks](opts.Hooks, NopHooks{})
	}

	nc.genRetention = coalesce[time.Duration](opts.GenRetention, defaultGenRetention)
	// an entry must not outlive the counters it was validated against
	nc.defaultTTL = minPositive(coalesce[time.Duration](opts.DefaultTTL, defaultTTL), nc.genRetention)

	if opts.ComputeSetCost != nil {
		nc.computeSetCost = opts.ComputeSetCost
	} else {
		nc.computeSetCost = func(_ string, raw []byte) int64 { return int64(len(raw)) }
	}

	if opts.GenStore != nil {
		nc.gen = opts.GenStore
	} else {
		nc.gen = gen.NewLocal(coalesce[time.Duration](opts.CleanupInterval, defaultSweep), nc.genRetention)
		nc.ownsGen = true
	}
	return nc, nil
}

// Name returns the cache name this near cache mirrors.
func (n *NearCache[V]) Name() string { return n.name }

func (n *NearCache[V]) Enabled() bool { return n.enabled }

// Attach registers the cache with its client; see Client.Attach.
func (n *NearCache[V]) Attach(ctx context.Context) error {
	if n.client == nil || !n.enabled {
		return nil
	}
	return n.client.Attach(ctx, n.name, n)
}

// Ready reports whether reads and writes are served.
func (n *NearCache[V]) Ready() bool {
	if !n.enabled {
		return false
	}
	return n.client == nil || n.client.Ready(n.name)
}

// Close detaches from the client and releases the provider and, if the cache
// created it, the generation store.
func (n *NearCache[V]) Close(ctx context.Context) error {
	n.closeOnce.Do(func() {
		if n.client != nil {
			n.client.detachSink(n.name, n)
		}
		if n.ownsGen {
			_ = n.gen.Close(ctx)
		}
		n.closeErr = n.provider.Close(ctx)
	})
	return n.closeErr
}

func (n *NearCache[V]) partitionOf(key string) int {
	if n.client == nil {
		return 0
	}
	return n.client.dir.PartitionOf(key)
}

func (n *NearCache[V]) storageKey(key string) string { return "nc:" + n.name + ":" + key }

func (n *NearCache[V]) isDirty(p int) bool {
	n.dirtyMu.Lock()
	defer n.dirtyMu.Unlock()
	_, ok := n.dirty[p]
	return ok
}

// Get returns the cached value for key if it is still valid. Stale or unreadable
// entries are deleted and reported as a miss.
func (n *NearCache[V]) Get(ctx context.Context, key string) (V, bool, error) {
	var zero V
	if !n.Ready() {
		return zero, false, nil
	}
	p := n.partitionOf(key)
	if n.isDirty(p) && !n.retryScope(ctx, p) {
		return zero, false, nil
	}

	k := n.storageKey(key)
	raw, ok, err := n.provider.Get(ctx, k)
	if err != nil || !ok {
		return zero, false, err
	}
	h, payload, err := wire.Decode(raw)
	if err != nil {
		n.selfHeal(ctx, k, "corrupt")
		return zero, false, nil
	}
	// partition count changed since the entry was written
	if int(h.Partition) != p {
		n.selfHeal(ctx, k, "partition_moved")
		return zero, false, nil
	}
	cur, err := n.snapshot(ctx, p, key)
	if err != nil {
		return zero, false, nil
	}
	if cur.Scope != h.ScopeGen || cur.Key != h.KeyGen {
		n.selfHeal(ctx, k, "gen_mismatch")
		return zero, false, nil
	}
	v, err := n.codec.Decode(payload)
	if err != nil {
		n.selfHeal(ctx, k, "value_decode")
		return zero, false, nil
	}
	return v, true, nil
}

func (n *NearCache[V]) selfHeal(ctx context.Context, k, reason string) {
	_ = n.provider.Del(ctx, k)
	n.hooks.SelfHeal(k, reason)
}

func (n *NearCache[V]) snapshot(ctx context.Context, p int, key string) (Gen, error) {
	sk, kk := gen.ScopeKey(n.name, p), gen.KeyKey(n.name, key)
	gens, err := n.gen.SnapshotMany(ctx, []string{sk, kk})
	if err != nil {
		n.log.Warn("generation snapshot failed", Fields{"name": n.name, "key": key, "err": err})
		return Gen{}, err
	}
	return Gen{Partition: p, Scope: gens[sk], Key: gens[kk], ok: true}, nil
}

// SnapshotGen records the generations of key. Take it before reading the value
// from the cluster and pass it to SetWithGen. A not-ready cache returns a Gen that
// SetWithGen ignores.
func (n *NearCache[V]) SnapshotGen(ctx context.Context, key string) Gen {
	if !n.Ready() {
		return Gen{}
	}
	g, _ := n.snapshot(ctx, n.partitionOf(key), key)
	return g
}

// SetWithGen stores value iff neither the key nor its partition was invalidated
// since obs was taken. ttl 0 means the default; ttl is capped to GenRetention.
func (n *NearCache[V]) SetWithGen(ctx context.Context, key string, value V, obs Gen, ttl time.Duration) error {
	if !n.Ready() || !obs.ok {
		return nil
	}
	ttl = minPositive(coalesce(ttl, n.defaultTTL), n.genRetention)

	if n.isDirty(obs.Partition) {
		return nil
	}
	cur, err := n.snapshot(ctx, obs.Partition, key)
	if err != nil || cur != obs {
		// generation moved; skip stale write
		n.log.Debug("SetWithGen skipped (gen mismatch)", Fields{"name": n.name, "key": key})
		return nil
	}
	payload, err := n.codec.Encode(value)
	if err != nil {
		return err
	}
	b := wire.Encode(wire.Header{
		Partition: uint32(obs.Partition),
		ScopeGen:  obs.Scope,
		KeyGen:    obs.Key,
	}, payload)
	k := n.storageKey(key)
	ok, err := n.provider.Set(ctx, k, b, n.computeSetCost(k, b), ttl)
	if err != nil {
		return err
	}
	if !ok {
		n.hooks.ProviderSetRejected(k)
		n.log.Debug("SetWithGen rejected by provider (pressure)", Fields{"name": n.name, "key": key})
	}
	return nil
}

// Invalidate drops key: its generation is bumped so in-flight fills are refused,
// then the stored entry is deleted. It fails only when both steps fail.
func (n *NearCache[V]) Invalidate(ctx context.Context, key string) error {
	if !n.enabled {
		return nil
	}
	k := n.storageKey(key)
	newGen, bumpErr := n.gen.Bump(ctx, gen.KeyKey(n.name, key))
	delErr := n.provider.Del(ctx, k)
	switch {
	case bumpErr != nil && delErr != nil:
		return &InvalidateError{Key: key, BumpErr: bumpErr, DelErr: delErr}
	case bumpErr != nil || delErr != nil:
		// one of the two still keeps the old value from being served
		n.log.Warn("invalidate partially failed", Fields{"name": n.name, "key": key, "bumpErr": bumpErr, "delErr": delErr})
		return nil
	}
	n.log.Debug("invalidated key", Fields{"name": n.name, "key": key, "gen": newGen})
	return nil
}

// InvalidateKey implements Sink.
func (n *NearCache[V]) InvalidateKey(ctx context.Context, key string) {
	if err := n.Invalidate(ctx, key); err != nil {
		n.log.Warn("push invalidation of key failed", Fields{"name": n.name, "key": key, "err": err})
	}
}

// InvalidateScope implements Sink: every entry of partition becomes stale.
func (n *NearCache[V]) InvalidateScope(ctx context.Context, partition int) {
	if !n.enabled {
		return
	}
	g, err := n.gen.Bump(ctx, gen.ScopeKey(n.name, partition))
	if err != nil {
		n.dirtyMu.Lock()
		n.dirty[partition] = struct{}{}
		n.dirtyMu.Unlock()
		n.log.Error("scope invalidation failed, partition bypassed until retried", Fields{
			"name": n.name, "partition": partition, "err": err,
		})
		return
	}
	n.clearDirty(partition)
	n.log.Debug("invalidated scope", Fields{"name": n.name, "partition": partition, "gen": g})
}

func (n *NearCache[V]) retryScope(ctx context.Context, p int) bool {
	if _, err := n.gen.Bump(ctx, gen.ScopeKey(n.name, p)); err != nil {
		return false
	}
	n.clearDirty(p)
	return true
}

func (n *NearCache[V]) clearDirty(p int) {
	n.dirtyMu.Lock()
	delete(n.dirty, p)
	n.dirtyMu.Unlock()
}
