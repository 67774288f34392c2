package workerpool

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

func shutdown(t *testing.T, p *Pool) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	p.Drain(ctx)
}

func TestSubmitAndDrain(t *testing.T) {
	p := New(2, 10)
	var count atomic.Int32

	for i := 0; i < 5; i++ {
		if !p.Submit(func(context.Context) { count.Add(1) }) {
			t.Fatalf("Submit %d failed", i)
		}
	}

	shutdown(t, p)

	if got := count.Load(); got != 5 {
		t.Fatalf("count = %d, want 5", got)
	}
}

func TestSubmitAfterDrainReturnsFalse(t *testing.T) {
	p := New(1, 1)
	shutdown(t, p)

	if p.Submit(func(context.Context) {}) {
		t.Fatal("Submit after Drain should return false")
	}
}

func TestQueueFullReturnsFalse(t *testing.T) {
	p := New(1, 1)
	started := make(chan struct{})
	blocker := make(chan struct{})
	p.Submit(func(context.Context) {
		close(started)
		<-blocker
	})
	<-started

	if !p.Submit(func(context.Context) {}) {
		t.Fatal("second Submit should fill the queue")
	}
	if p.Submit(func(context.Context) {}) {
		t.Fatal("Submit should return false when queue is full")
	}

	close(blocker)
	shutdown(t, p)
}

func TestDrainStopsAccepting(t *testing.T) {
	p := New(1, 10)
	p.Submit(func(context.Context) {})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	p.Drain(ctx)

	if p.Submit(func(context.Context) {}) {
		t.Fatal("Submit should return false after Drain")
	}
}

func TestTaskContextCancelledAfterDrain(t *testing.T) {
	p := New(1, 10)
	seen := make(chan context.Context, 1)
	p.Submit(func(ctx context.Context) { seen <- ctx })

	taskCtx := <-seen
	if taskCtx.Err() != nil {
		t.Fatal("task context should be live while the pool runs")
	}

	shutdown(t, p)

	if taskCtx.Err() == nil {
		t.Fatal("task context should be cancelled after Drain")
	}
	if p.Context().Err() == nil {
		t.Fatal("pool context should be cancelled after Drain")
	}
}

func TestDrainRespectsContextDeadline(t *testing.T) {
	p := New(1, 10)
	blocker := make(chan struct{})
	defer close(blocker)
	p.Submit(func(context.Context) { <-blocker })

	start := time.Now()
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	p.Drain(ctx)

	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Fatalf("Drain should have timed out in ~100ms, took %v", elapsed)
	}
}

func TestSingleWorkerRunsQueuedTasks(t *testing.T) {
	p := New(1, 10)
	var count atomic.Int32

	for i := 0; i < 5; i++ {
		p.Submit(func(context.Context) {
			time.Sleep(time.Millisecond)
			count.Add(1)
		})
	}

	shutdown(t, p)

	if got := count.Load(); got != 5 {
		t.Fatalf("count = %d, want 5", got)
	}
}

func TestPanicRecovery(t *testing.T) {
	p := New(1, 10)
	var count atomic.Int32

	p.Submit(func(context.Context) { panic("merge exploded") })
	p.Submit(func(context.Context) { count.Add(1) })

	shutdown(t, p)

	if got := count.Load(); got != 1 {
		t.Fatalf("task after panic: count = %d, want 1", got)
	}
	if p.Running() != 0 {
		t.Fatalf("Running = %d after shutdown", p.Running())
	}
}
