package update

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
)

// State is an orchestrator-visible state.
type State int

const (
	StateIdle State = iota
	StateLatest
	StatePreparingFull
	StatePreparingPatch
	StateReady
	StateDownloading
	StateMerging
	StateFinished
	StateError
)

var stateNames = [...]string{
	StateIdle:           "Idle",
	StateLatest:         "Latest",
	StatePreparingFull:  "PreparingFull",
	StatePreparingPatch: "PreparingPatch",
	StateReady:          "Ready",
	StateDownloading:    "Downloading",
	StateMerging:        "Merging",
	StateFinished:       "Finished",
	StateError:          "Error",
}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "Unknown"
}

// MarshalText renders the state name in JSON and YAML output.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText accepts the names produced by MarshalText.
func (s *State) UnmarshalText(b []byte) error {
	for i, name := range stateNames {
		if name == string(b) {
			*s = State(i)
			return nil
		}
	}
	return fmt.Errorf("unknown state %q", b)
}

// Terminal reports whether s ends an attempt.
func (s State) Terminal() bool {
	return s == StateLatest || s == StateFinished || s == StateError
}

// Event is one status update. Which payload fields are set depends on State:
// Latest sets Manual, PreparingFull/PreparingPatch set Version and Message,
// Downloading sets Percent, Finished sets Path and Dispatched, Error sets Code
// and Message.
type Event struct {
	Attempt    uint64    `json:"attempt" yaml:"attempt"`
	State      State     `json:"state" yaml:"state"`
	Kind       Kind      `json:"kind,omitempty" yaml:"kind,omitempty"`
	Percent    int       `json:"percent,omitempty" yaml:"percent,omitempty"`
	Manual     bool      `json:"manual,omitempty" yaml:"manual,omitempty"`
	Version    string    `json:"version,omitempty" yaml:"version,omitempty"`
	Message    string    `json:"message,omitempty" yaml:"message,omitempty"`
	Code       ErrorCode `json:"code,omitempty" yaml:"code,omitempty"`
	Path       string    `json:"path,omitempty" yaml:"path,omitempty"`
	Dispatched bool      `json:"dispatched,omitempty" yaml:"dispatched,omitempty"`
	Err        error     `json:"-" yaml:"-"`
}

// Subscription receives status events published after it was attached. C is
// closed when the subscription is replaced, closed, or the orchestrator shuts
// down.
type Subscription struct {
	C <-chan Event

	ch     chan Event
	done   chan struct{}
	once   sync.Once
	parent *statusChannel
}

// Close detaches the subscription.
func (s *Subscription) Close() {
	s.parent.detach(s)
}

func (s *Subscription) signal() {
	s.once.Do(func() { close(s.done) })
}

// statusChannel delivers events to at most one subscriber, without replay.
// Sends block until the subscriber reads, the attempt is cancelled, or the
// subscriber detaches.
type statusChannel struct {
	// mu is held for the whole of a send so a channel is never closed while
	// a publisher is writing to it.
	mu     sync.Mutex
	sub    atomic.Pointer[Subscription]
	closed bool
}

func (c *statusChannel) subscribe(buffer int) *Subscription {
	if buffer < 0 {
		buffer = 0
	}
	ch := make(chan Event, buffer)
	s := &Subscription{C: ch, ch: ch, done: make(chan struct{}), parent: c}

	if old := c.sub.Load(); old != nil {
		old.signal()
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		s.signal()
		close(ch)
		return s
	}
	if old := c.sub.Swap(s); old != nil {
		old.signal()
		close(old.ch)
	}
	return s
}

func (c *statusChannel) detach(s *Subscription) {
	s.signal()
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sub.CompareAndSwap(s, nil) {
		close(s.ch)
	}
}

// publish delivers ev unless ctx is already done. It returns false when the
// event was dropped.
func (c *statusChannel) publish(ctx context.Context, ev Event) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if ctx.Err() != nil {
		return false
	}
	s := c.sub.Load()
	if s == nil {
		return false
	}
	select {
	case s.ch <- ev:
		return true
	case <-ctx.Done():
		return false
	case <-s.done:
		return false
	}
}

// fence waits for any in-flight publish to finish.
func (c *statusChannel) fence() {
	c.mu.Lock()
	c.mu.Unlock() //nolint:staticcheck
}

func (c *statusChannel) close() {
	if s := c.sub.Load(); s != nil {
		s.signal()
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	if s := c.sub.Swap(nil); s != nil {
		close(s.ch)
	}
}
