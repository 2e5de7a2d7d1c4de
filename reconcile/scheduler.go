package reconcile

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

// Task is one unit of scheduled work. It must return promptly once ctx is done.
type Task func(ctx context.Context)

type SchedulerOptions struct {
	// OnSkip is called when a run is skipped because the previous one is still going.
	OnSkip func()
}

// Scheduler runs a Task every interval. Each tick starts the task on its own
// goroutine; a tick that finds the previous run still going is skipped, so at most
// one run is in flight. Stop cancels the in-flight run's context and waits for it.
type Scheduler struct {
	interval time.Duration
	task     Task
	onSkip   func()

	running atomic.Bool
	skipped atomic.Uint64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	startOnce sync.Once
	mu        sync.Mutex // guards stopped and wg.Add
	stopped   bool
}

func NewScheduler(interval time.Duration, task Task, opts SchedulerOptions) (*Scheduler, error) {
	if interval <= 0 {
		return nil, errors.New("reconcile: scheduler interval must be positive")
	}
	if task == nil {
		return nil, errors.New("reconcile: scheduler task is required")
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		interval: interval,
		task:     task,
		onSkip:   opts.OnSkip,
		ctx:      ctx,
		cancel:   cancel,
	}
	if s.onSkip == nil {
		s.onSkip = func() {}
	}
	return s, nil
}

// Start begins ticking. Calling it more than once has no effect.
func (s *Scheduler) Start() {
	s.startOnce.Do(func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.stopped {
			return
		}
		s.wg.Add(1)
		go s.loop()
	})
}

func (s *Scheduler) loop() {
	defer s.wg.Done()
	t := time.NewTicker(s.interval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			s.Trigger()
		case <-s.ctx.Done():
			return
		}
	}
}

// Trigger starts a run in the background unless one is already in flight or the
// scheduler is stopped. It reports whether a run was started.
func (s *Scheduler) Trigger() bool {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return false
	}
	if !s.running.CompareAndSwap(false, true) {
		s.mu.Unlock()
		s.skip()
		return false
	}
	s.wg.Add(1)
	s.mu.Unlock()
	go func() {
		defer s.wg.Done()
		defer s.running.Store(false)
		s.task(s.ctx)
	}()
	return true
}

// RunOnce runs the task synchronously with ctx, respecting the same non-overlap
// rule. It reports whether the task ran.
func (s *Scheduler) RunOnce(ctx context.Context) bool {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return false
	}
	if !s.running.CompareAndSwap(false, true) {
		s.mu.Unlock()
		s.skip()
		return false
	}
	s.wg.Add(1)
	s.mu.Unlock()
	defer s.wg.Done()
	defer s.running.Store(false)

	// stop must still cancel a synchronous run
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(s.ctx, cancel)
	defer stop()

	s.task(ctx)
	return true
}

func (s *Scheduler) skip() {
	s.skipped.Add(1)
	s.onSkip()
}

// Skipped returns how many runs were skipped due to overlap.
func (s *Scheduler) Skipped() uint64 { return s.skipped.Load() }

// Running reports whether a run is in flight.
func (s *Scheduler) Running() bool { return s.running.Load() }

// Stop halts ticking, cancels the in-flight run and waits for it until ctx is done.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
