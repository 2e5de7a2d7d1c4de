package nearcache

import (
	"context"
	"time"

	"github.com/unkn0wn-root/nearcache/cluster"
	c "github.com/unkn0wn-root/nearcache/codec"
	gen "github.com/unkn0wn-root/nearcache/genstore"
	pr "github.com/unkn0wn-root/nearcache/provider"
	"github.com/unkn0wn-root/nearcache/transport"
)

// Invalidation is one push event from the cluster.
type Invalidation = transport.Invalidation

// Sink receives evictions for one attached name. Both methods must be safe for
// concurrent use and idempotent.
type Sink interface {
	InvalidateKey(ctx context.Context, key string)
	InvalidateScope(ctx context.Context, partition int)
}

// Options configure a Client. Only Transport and Directory are required; others
// have sensible defaults.
type Options struct {
	// Required
	Transport transport.Transport
	Directory cluster.Directory

	Logger            Logger        // if nil, NopLogger is used
	Hooks             Hooks         // if nil, NopHooks is used
	ReconcileInterval time.Duration // 0 => 10s
	FetchTimeout      time.Duration // whole fan-out; 0 => 1m

	AssignMaxAttempts    int           // 0 => 5; < 0 => until ctx is done
	AssignInitialBackoff time.Duration // 0 => 100ms
	AssignMaxBackoff     time.Duration // 0 => 5s

	// RepairOnGap starts a cycle as soon as a push reveals a sequence gap instead
	// of waiting for the next tick.
	RepairOnGap bool
	Disabled    bool // default false (enabled)
}

func New(opts Options) (*Client, error) {
	return newClient(opts)
}

type SetCostFunc func(storageKey string, raw []byte) int64

// Gen is what SnapshotGen observed for a key. The zero Gen never matches, so a
// value can only be stored under a Gen taken from the same cache.
type Gen struct {
	Partition int
	Scope     uint64
	Key       uint64
	ok        bool
}

// NearCacheOptions tune a NearCache. Name, Provider and Codec are required.
type NearCacheOptions[V any] struct {
	// Required
	Name     string // cache/map name as known by the cluster
	Provider pr.Provider
	Codec    c.Codec[V]

	Logger          Logger        // if nil, the client's logger
	Hooks           Hooks         // if nil, the client's hooks
	DefaultTTL      time.Duration // 0 => 10m
	CleanupInterval time.Duration // local gen sweep; 0 => 1h
	GenRetention    time.Duration // 0 => 30d; TTLs are capped to it
	ComputeSetCost  SetCostFunc   // default len(raw)
	GenStore        gen.GenStore  // nil => genstore.Local (in-process), owned by the cache
	Disabled        bool
}
