package update

import (
	"context"
	"testing"
	"time"
)

func TestPublishWithoutSubscriberDrops(t *testing.T) {
	var c statusChannel
	if c.publish(context.Background(), Event{State: StateReady}) {
		t.Fatal("publish without subscriber should report a drop")
	}
}

func TestPublishBlocksUntilCancelled(t *testing.T) {
	var c statusChannel
	sub := c.subscribe(0)
	defer sub.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan bool)
	go func() { done <- c.publish(ctx, Event{State: StateDownloading}) }()

	select {
	case <-done:
		t.Fatal("publish returned while nobody was reading")
	case <-time.After(50 * time.Millisecond):
	}
	cancel()
	if delivered := <-done; delivered {
		t.Fatal("cancelled publish should not deliver")
	}
}

func TestSubscriptionCloseUnblocksPublisher(t *testing.T) {
	var c statusChannel
	sub := c.subscribe(0)

	done := make(chan bool)
	go func() { done <- c.publish(context.Background(), Event{State: StateMerging}) }()
	time.Sleep(20 * time.Millisecond)
	sub.Close()

	select {
	case delivered := <-done:
		if delivered {
			t.Fatal("event should be dropped after Close")
		}
	case <-time.After(time.Second):
		t.Fatal("publisher still blocked after Close")
	}
	if _, ok := <-sub.C; ok {
		t.Fatal("closed subscription should not yield events")
	}
}

func TestClosedChannelRejectsSubscribers(t *testing.T) {
	var c statusChannel
	first := c.subscribe(1)
	c.close()
	if _, ok := <-first.C; ok {
		t.Fatal("subscriber should be closed with the channel")
	}
	late := c.subscribe(1)
	if _, ok := <-late.C; ok {
		t.Fatal("subscribing after close should yield a closed channel")
	}
	// Closing a stale subscription is a no-op.
	first.Close()
}

func TestStateStrings(t *testing.T) {
	if StatePreparingPatch.String() != "PreparingPatch" || State(99).String() != "Unknown" {
		t.Fatal("unexpected state names")
	}
	for _, s := range []State{StateLatest, StateFinished, StateError} {
		if !s.Terminal() {
			t.Fatalf("%v should be terminal", s)
		}
	}
	if StateDownloading.Terminal() {
		t.Fatal("Downloading is not terminal")
	}
}
