// Package provider defines the byte store behind a near cache.
//
// Implementations MUST be byte-for-byte transparent: Get returns exactly the
// []byte previously given to Set for the key. The near cache frames every value
// with its validity header and treats anything it cannot parse as corruption, so
// a store that rewrites values loses its entries.
//
// Keys under "nc:" are owned by the near cache; foreign writes there are deleted
// on read.
package provider

import (
	"context"
	"time"
)

// Provider is a minimal byte store with TTLs, safe for concurrent use.
type Provider interface {
	// Get returns (value, true, nil) on hit and (nil, false, nil) on miss.
	Get(ctx context.Context, key string) ([]byte, bool, error)

	// Set stores value. cost is the caller's size estimate; stores without cost
	// accounting ignore it. ok=false means the store declined the write (admission
	// or memory pressure), which is not an error.
	Set(ctx context.Context, key string, value []byte, cost int64, ttl time.Duration) (ok bool, err error)

	// Del removes a key; deleting a missing key is not an error.
	Del(ctx context.Context, key string) error

	Close(ctx context.Context) error
}
