package reconcile

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

func TestNewSchedulerValidates(t *testing.T) {
	if _, err := NewScheduler(0, func(context.Context) {}, SchedulerOptions{}); err == nil {
		t.Fatalf("expected error for zero interval")
	}
	if _, err := NewScheduler(time.Second, nil, SchedulerOptions{}); err == nil {
		t.Fatalf("expected error for nil task")
	}
}

func TestSchedulerTicks(t *testing.T) {
	var runs atomic.Int32
	s, _ := NewScheduler(10*time.Millisecond, func(context.Context) { runs.Add(1) }, SchedulerOptions{})
	s.Start()
	s.Start() // no second loop

	deadline := time.Now().Add(2 * time.Second)
	for runs.Load() < 3 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if err := s.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if runs.Load() < 3 {
		t.Fatalf("runs=%d want >= 3", runs.Load())
	}

	after := runs.Load()
	time.Sleep(40 * time.Millisecond)
	if runs.Load() != after {
		t.Fatalf("ran after Stop")
	}
}

func TestSchedulerSkipsOverlappingRuns(t *testing.T) {
	release := make(chan struct{})
	var active, maxActive atomic.Int32
	var skips atomic.Int32

	task := func(ctx context.Context) {
		n := active.Add(1)
		for {
			m := maxActive.Load()
			if n <= m || maxActive.CompareAndSwap(m, n) {
				break
			}
		}
		select {
		case <-release:
		case <-ctx.Done():
		}
		active.Add(-1)
	}
	s, _ := NewScheduler(time.Hour, task, SchedulerOptions{OnSkip: func() { skips.Add(1) }})

	if !s.Trigger() {
		t.Fatalf("first Trigger should start a run")
	}
	for i := 0; i < 5; i++ {
		if s.Trigger() {
			t.Fatalf("Trigger started an overlapping run")
		}
	}
	if s.RunOnce(context.Background()) {
		t.Fatalf("RunOnce overlapped a running task")
	}
	close(release)

	deadline := time.Now().Add(time.Second)
	for s.Running() && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if !s.RunOnce(context.Background()) {
		t.Fatalf("RunOnce after completion should run")
	}

	if maxActive.Load() != 1 {
		t.Fatalf("max concurrent runs=%d", maxActive.Load())
	}
	if skips.Load() != 6 || s.Skipped() != 6 {
		t.Fatalf("skips=%d Skipped=%d want 6", skips.Load(), s.Skipped())
	}
	_ = s.Stop(context.Background())
}

func TestStopCancelsInFlightRun(t *testing.T) {
	started := make(chan struct{})
	s, _ := NewScheduler(time.Hour, func(ctx context.Context) {
		close(started)
		<-ctx.Done()
	}, SchedulerOptions{})

	s.Trigger()
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := s.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if s.Trigger() || s.RunOnce(context.Background()) {
		t.Fatalf("runs accepted after Stop")
	}
}

func TestStopTimesOutOnStuckTask(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	s, _ := NewScheduler(time.Hour, func(context.Context) { <-release }, SchedulerOptions{})
	s.Trigger()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := s.Stop(ctx); err != context.DeadlineExceeded {
		t.Fatalf("Stop err=%v want deadline exceeded", err)
	}
}
