package genstore

import (
	"context"
	"sync"
	"time"
)

type localEntry struct {
	gen     uint64
	touched time.Time // last bump
}

// Local keeps generations in-process. An optional sweeper prunes counters that
// were not bumped for longer than retention; a pruned counter reads as 0 again, so
// retention must outlive every entry TTL that relies on it.
type Local struct {
	mu   sync.RWMutex
	gens map[string]localEntry

	stop      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

var _ GenStore = (*Local)(nil)

// NewLocal builds a Local store. When both sweep and retention are > 0 a
// background goroutine prunes every sweep; Close stops it.
func NewLocal(sweep, retention time.Duration) *Local {
	s := &Local{gens: make(map[string]localEntry)}
	if sweep > 0 && retention > 0 {
		s.stop = make(chan struct{})
		s.wg.Add(1)
		go s.sweepLoop(sweep, retention)
	}
	return s
}

func (s *Local) sweepLoop(every, retention time.Duration) {
	defer s.wg.Done()
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			s.Cleanup(retention)
		case <-s.stop:
			return
		}
	}
}

func (s *Local) Snapshot(_ context.Context, k string) (uint64, error) {
	s.mu.RLock()
	e := s.gens[k]
	s.mu.RUnlock()
	return e.gen, nil
}

// SnapshotMany reads all keys under one read lock, so the result is a consistent
// cut across keys.
func (s *Local) SnapshotMany(_ context.Context, ks []string) (map[string]uint64, error) {
	out := make(map[string]uint64, len(ks))
	s.mu.RLock()
	for _, k := range ks {
		out[k] = s.gens[k].gen
	}
	s.mu.RUnlock()
	return out, nil
}

func (s *Local) Bump(_ context.Context, k string) (uint64, error) {
	now := time.Now()
	s.mu.Lock()
	e := s.gens[k]
	e.gen++
	e.touched = now
	s.gens[k] = e
	s.mu.Unlock()
	return e.gen, nil
}

// Cleanup drops counters not bumped within retention and returns how many.
func (s *Local) Cleanup(retention time.Duration) int {
	if retention <= 0 {
		return 0
	}
	cutoff := time.Now().Add(-retention)
	n := 0
	s.mu.Lock()
	for k, e := range s.gens {
		if e.touched.Before(cutoff) {
			delete(s.gens, k)
			n++
		}
	}
	s.mu.Unlock()
	return n
}

// Len returns the number of live counters.
func (s *Local) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.gens)
}

func (s *Local) Close(context.Context) error {
	s.closeOnce.Do(func() {
		if s.stop != nil {
			close(s.stop)
			s.wg.Wait()
		}
	})
	return nil
}
