package workerpool

import (
	"context"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"github.com/breeze-rmm/deltaupdate/internal/logging"
)

var log = logging.L("workerpool")

// Task is a unit of blocking work (download, merge, digest, silent install).
type Task func(ctx context.Context)

// Pool runs tasks on a fixed set of goroutines fed by a bounded queue. Every
// task receives the pool context, which is cancelled when Drain returns.
type Pool struct {
	queue   chan Task
	pending sync.WaitGroup
	running atomic.Int32

	mu     sync.RWMutex
	closed bool

	ctx    context.Context
	cancel context.CancelFunc
}

// New starts workers goroutines reading from a queue of queueSize slots.
// Both are clamped to at least one.
func New(workers, queueSize int) *Pool {
	workers = max(workers, 1)
	queueSize = max(queueSize, 1)

	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{queue: make(chan Task, queueSize), ctx: ctx, cancel: cancel}
	for range workers {
		go p.work()
	}
	log.Debug("worker pool started", "workers", workers, "queueSize", queueSize)
	return p
}

// Context returns the pool lifetime context.
func (p *Pool) Context() context.Context { return p.ctx }

// Running reports how many tasks are executing right now.
func (p *Pool) Running() int { return int(p.running.Load()) }

// Submit queues task without blocking. It reports false once Drain has
// started or when every queue slot is taken.
func (p *Pool) Submit(task Task) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return false
	}

	// counted before the send so Drain cannot miss it
	p.pending.Add(1)
	select {
	case p.queue <- task:
		return true
	default:
		p.pending.Done()
		log.Warn("worker pool queue full, task rejected")
		return false
	}
}

// Drain refuses new work and waits until queued and running tasks finish or
// ctx is done, whichever comes first, then cancels the pool context. Calling
// it more than once is harmless.
func (p *Pool) Drain(ctx context.Context) {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.queue)
	}
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.pending.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Debug("worker pool drained")
	case <-ctx.Done():
		log.Warn("worker pool drain timed out", "running", p.Running())
	}
	p.cancel()
}

func (p *Pool) work() {
	for task := range p.queue {
		p.run(task)
	}
}

func (p *Pool) run(task Task) {
	p.running.Add(1)
	defer p.pending.Done()
	defer p.running.Add(-1)
	defer func() {
		if r := recover(); r != nil {
			log.Error("task panicked", "panic", r, "stack", string(debug.Stack()))
		}
	}()
	task(p.ctx)
}
