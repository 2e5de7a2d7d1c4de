// Package genstore keeps the generation counters that make near-cache entries
// verifiable. A near cache holds two kinds of counters:
//
//	scope:<name>:<partition>  bumped when a whole partition of a cache is dropped
//	key:<name>:<key>          bumped when one key is invalidated
//
// An entry is valid only while both counters still equal the values recorded in
// it. Bumping is therefore an O(1) way to drop any number of entries.
package genstore

import (
	"context"
	"strconv"
	"time"
)

// GenStore abstracts where generations live.
// Use Local (default) for in-process gens, or Redis to share them across processes.
type GenStore interface {
	// Snapshot returns the current generation; missing => 0.
	Snapshot(ctx context.Context, key string) (uint64, error)
	// SnapshotMany returns gens for many keys; missing => 0.
	SnapshotMany(ctx context.Context, keys []string) (map[string]uint64, error)
	// Bump atomically increments and returns the new generation.
	Bump(ctx context.Context, key string) (uint64, error)
	// Cleanup prunes counters idle for longer than retention (no-op for Redis).
	Cleanup(retention time.Duration) int
	Close(context.Context) error
}

// ScopeKey names the counter of one partition of one cache.
func ScopeKey(name string, partition int) string {
	return "scope:" + name + ":" + strconv.Itoa(partition)
}

// KeyKey names the counter of one key of one cache.
func KeyKey(name, key string) string {
	return "key:" + name + ":" + key
}
