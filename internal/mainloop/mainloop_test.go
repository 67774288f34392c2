package mainloop

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestPostRunsOnLoopGoroutineInOrder(t *testing.T) {
	l := New()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	var order []int
	loopRunning := make(chan struct{})
	go func() {
		defer close(done)
		close(loopRunning)
		l.Run(ctx)
	}()
	<-loopRunning

	finished := make(chan struct{})
	for i := 0; i < 5; i++ {
		i := i
		if err := l.Post(func() {
			order = append(order, i)
			if i == 4 {
				close(finished)
			}
		}); err != nil {
			t.Fatal(err)
		}
	}
	select {
	case <-finished:
	case <-time.After(5 * time.Second):
		t.Fatal("posted work did not run")
	}
	cancel()
	<-done

	for i, v := range order {
		if v != i {
			t.Fatalf("order = %v", order)
		}
	}
}

func TestPostAfterStopFails(t *testing.T) {
	l := New()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	l.Run(ctx)

	if err := l.Post(func() {}); !errors.Is(err, ErrStopped) {
		t.Fatalf("Post = %v, want ErrStopped", err)
	}
}

func TestQueuedWorkRunsBeforeStop(t *testing.T) {
	l := New()
	ran := false
	l.Post(func() { ran = true })

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	l.Run(ctx)
	if !ran {
		t.Fatal("work queued before stop should run")
	}
}

func TestPanicDoesNotStopLoop(t *testing.T) {
	l := New()
	ran := false
	l.Post(func() { panic("installer crashed") })
	l.Post(func() { ran = true })

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	l.Run(ctx)
	if !ran {
		t.Fatal("work after a panic should still run")
	}
}
