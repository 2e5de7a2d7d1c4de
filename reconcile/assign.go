package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/unkn0wn-root/nearcache/transport"
)

// Backoff controls retries of UUID assignment. Zero fields take defaults.
type Backoff struct {
	Initial time.Duration // 0 => 100ms
	Max     time.Duration // 0 => 5s
	Factor  float64       // <= 1 => 2
	// MaxAttempts bounds the number of calls; 0 => 5, < 0 => retry until ctx is done.
	MaxAttempts int
}

const (
	defaultBackoffInitial = 100 * time.Millisecond
	defaultBackoffMax     = 5 * time.Second
	defaultBackoffFactor  = 2
	defaultAssignAttempts = 5
)

func (b Backoff) normalized() Backoff {
	if b.Initial <= 0 {
		b.Initial = defaultBackoffInitial
	}
	if b.Max <= 0 {
		b.Max = defaultBackoffMax
	}
	if b.Max < b.Initial {
		b.Max = b.Initial
	}
	if b.Factor <= 1 {
		b.Factor = defaultBackoffFactor
	}
	if b.MaxAttempts == 0 {
		b.MaxAttempts = defaultAssignAttempts
	}
	return b
}

// Delay returns the wait before attempt n+1 (n starts at 1).
func (b Backoff) Delay(n int) time.Duration {
	b = b.normalized()
	d := float64(b.Initial)
	for i := 1; i < n; i++ {
		d *= b.Factor
		if d >= float64(b.Max) {
			return b.Max
		}
	}
	return time.Duration(d)
}

var ErrPartitionCountMismatch = errors.New("reconcile: assigned uuid count does not match partition count")

// AssignUUIDs fetches the ownership token of every partition, retrying with
// exponential backoff. The result has exactly partitions entries.
// The returned error is an *AssignError.
func AssignUUIDs(ctx context.Context, tr transport.Transport, partitions int, b Backoff) ([]uuid.UUID, error) {
	b = b.normalized()
	var lastErr error
	attempt := 0
	for {
		attempt++
		uuids, err := tr.AssignUUIDs(ctx)
		if err == nil && len(uuids) != partitions {
			err = fmt.Errorf("%w: got %d, want %d", ErrPartitionCountMismatch, len(uuids), partitions)
		}
		if err == nil {
			return uuids, nil
		}
		lastErr = err

		if b.MaxAttempts > 0 && attempt >= b.MaxAttempts {
			break
		}
		t := time.NewTimer(b.Delay(attempt))
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, &AssignError{Attempts: attempt, Err: errors.Join(lastErr, ctx.Err())}
		case <-t.C:
		}
	}
	return nil, &AssignError{Attempts: attempt, Err: lastErr}
}

// AssignError reports that UUID assignment gave up.
type AssignError struct {
	Attempts int
	Err      error
}

func (e *AssignError) Error() string {
	return fmt.Sprintf("reconcile: uuid assignment failed after %d attempt(s): %v", e.Attempts, e.Err)
}

func (e *AssignError) Unwrap() error { return e.Err }
