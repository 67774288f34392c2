// Package mainloop provides a primary execution context: work posted from
// background goroutines runs on the goroutine that called Run.
package mainloop

import (
	"context"
	"errors"
	"runtime/debug"
	"sync"

	"github.com/breeze-rmm/deltaupdate/internal/logging"
)

var log = logging.L("mainloop")

// ErrStopped is returned by Post once the loop has stopped.
var ErrStopped = errors.New("main loop stopped")

type Loop struct {
	mu      sync.Mutex
	queue   []func()
	wake    chan struct{}
	stopped bool
}

func New() *Loop {
	return &Loop{wake: make(chan struct{}, 1)}
}

// Post queues fn. Posting never blocks.
func (l *Loop) Post(fn func()) error {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return ErrStopped
	}
	l.queue = append(l.queue, fn)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
	return nil
}

// Run executes posted functions in order until ctx is cancelled. Work queued
// before cancellation is still run before Run returns; later Posts fail.
func (l *Loop) Run(ctx context.Context) {
	for {
		l.drain()
		select {
		case <-l.wake:
		case <-ctx.Done():
			l.mu.Lock()
			l.stopped = true
			l.mu.Unlock()
			l.drain()
			return
		}
	}
}

func (l *Loop) drain() {
	for {
		l.mu.Lock()
		if len(l.queue) == 0 {
			l.mu.Unlock()
			return
		}
		fn := l.queue[0]
		l.queue[0] = nil
		l.queue = l.queue[1:]
		l.mu.Unlock()
		run(fn)
	}
}

func run(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("posted function panicked", "panic", r, "stack", string(debug.Stack()))
		}
	}()
	fn()
}
