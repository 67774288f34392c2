// Package runner holds the caller-side update policy: it fetches descriptors,
// drives the orchestrator, falls back to the full package after a failed
// patch, and fans status events out to the audit log and the status relay.
package runner

import (
	"context"
	"errors"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/breeze-rmm/deltaupdate/internal/audit"
	"github.com/breeze-rmm/deltaupdate/internal/logging"
	"github.com/breeze-rmm/deltaupdate/internal/update"
	"github.com/breeze-rmm/deltaupdate/pkg/api"
)

var log = logging.L("runner")

const (
	eventBuffer   = 64
	reportTimeout = 15 * time.Second
)

// Checker fetches the current descriptor from the update server.
type Checker interface {
	CheckUpdate(ctx context.Context, currentVersion string) (update.Descriptor, error)
}

// Reporter receives the outcome of finished attempts.
type Reporter interface {
	ReportResult(ctx context.Context, report api.ResultReport) error
}

// Publisher forwards status events to a remote observer.
type Publisher interface {
	Publish(ev update.Event) error
}

// Options control the update policy.
type Options struct {
	CurrentVersion string
	Interval       time.Duration
	AutoDownload   bool
	AutoInstall    bool
	ForceInstall   bool
	FallbackToFull bool
}

// Runner owns the orchestrator's status subscription for its lifetime.
type Runner struct {
	orch    *update.Orchestrator
	checker Checker
	opts    Options

	audit     *audit.Logger
	publisher Publisher
	reporter  Reporter
	closers   []func()

	checkNow chan struct{}
	jitter   func(time.Duration) time.Duration

	mu       sync.Mutex
	pending  update.Descriptor
	fellBack map[uint64]bool
	terminal chan update.Event

	reports   sync.WaitGroup
	closeOnce sync.Once
	closeErr  error
}

// New creates a runner around orch. Attach optional sinks with the With
// methods before calling Run.
func New(orch *update.Orchestrator, checker Checker, opts Options) *Runner {
	return &Runner{
		orch:     orch,
		checker:  checker,
		opts:     opts,
		checkNow: make(chan struct{}, 1),
		jitter:   jitter,
		fellBack: make(map[uint64]bool),
	}
}

func (r *Runner) WithAudit(l *audit.Logger) *Runner {
	r.audit = l
	return r
}

func (r *Runner) WithPublisher(p Publisher) *Runner {
	r.publisher = p
	return r
}

func (r *Runner) WithReporter(rep Reporter) *Runner {
	r.reporter = rep
	return r
}

// Orchestrator exposes the driven orchestrator.
func (r *Runner) Orchestrator() *update.Orchestrator { return r.orch }

// RequestCheck schedules an immediate check on a running Run loop.
func (r *Runner) RequestCheck() {
	select {
	case r.checkNow <- struct{}{}:
	default:
	}
}

// Run checks once at start and then every Interval until ctx is done. A
// zero Interval checks only once and then waits for RequestCheck.
func (r *Runner) Run(ctx context.Context) error {
	events := r.orch.Subscribe(eventBuffer)
	defer events.Close()
	go r.pump(events)

	r.CheckOnce(ctx, false)

	// each periodic check draws a fresh offset
	var (
		timer *time.Timer
		tick  <-chan time.Time
	)
	rearm := func() {
		if r.opts.Interval <= 0 {
			return
		}
		d := r.opts.Interval + r.jitter(r.opts.Interval)
		if timer == nil {
			timer = time.NewTimer(d)
			tick = timer.C
			return
		}
		timer.Reset(d)
	}
	rearm()
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-tick:
			r.CheckOnce(ctx, false)
			rearm()
		case <-r.checkNow:
			r.CheckOnce(ctx, true)
		}
	}
}

// RunOnce performs a single check and blocks until the attempt it started
// reaches a terminal state, including a full-package fallback. It returns
// the final terminal event.
func (r *Runner) RunOnce(ctx context.Context, manual bool) (update.Event, error) {
	return r.drive(ctx, func() error {
		_, err := r.CheckOnce(ctx, manual)
		return err
	})
}

// Apply runs descriptor d through the orchestrator as a manual attempt and
// waits for the result. Used when the descriptor comes from a file rather
// than the update server.
func (r *Runner) Apply(ctx context.Context, d update.Descriptor) (update.Event, error) {
	return r.drive(ctx, func() error {
		_, err := r.start(d, true)
		return err
	})
}

// Retry downloads the full package of d immediately and waits for the
// result.
func (r *Runner) Retry(ctx context.Context, d update.Descriptor) (update.Event, error) {
	return r.drive(ctx, func() error {
		r.remember(d)
		return r.orch.Retry(d)
	})
}

func (r *Runner) drive(ctx context.Context, start func() error) (update.Event, error) {
	events := r.orch.Subscribe(eventBuffer)
	defer events.Close()

	terminal := make(chan update.Event, 4)
	r.mu.Lock()
	r.terminal = terminal
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		r.terminal = nil
		r.mu.Unlock()
	}()
	go r.pump(events)

	if err := start(); err != nil {
		return update.Event{}, err
	}
	return r.awaitTerminal(ctx, terminal)
}

// awaitTerminal returns the first terminal event that does not trigger a
// fallback. Latest ends at once.
func (r *Runner) awaitTerminal(ctx context.Context, terminal <-chan update.Event) (update.Event, error) {
	for {
		select {
		case <-ctx.Done():
			r.orch.Release()
			return update.Event{}, ctx.Err()
		case ev := <-terminal:
			if ev.State == update.StateError && r.fellBackFrom(ev.Attempt) {
				continue
			}
			if ev.State == update.StateError {
				return ev, ev.Err
			}
			return ev, nil
		}
	}
}

// CheckOnce fetches a descriptor and starts an attempt for it. A failed fetch
// is published as a CheckFailed error event.
func (r *Runner) CheckOnce(ctx context.Context, manual bool) (update.Kind, error) {
	d, err := r.checker.CheckUpdate(ctx, r.opts.CurrentVersion)
	if err != nil {
		if ctx.Err() != nil {
			return update.KindNone, ctx.Err()
		}
		log.Warn("update check failed", logging.KeyError, err)
		if ferr := r.orch.CheckFailed(err, manual); ferr != nil {
			return update.KindNone, ferr
		}
		return update.KindNone, err
	}
	return r.start(d, manual)
}

func (r *Runner) start(d update.Descriptor, manual bool) (update.Kind, error) {
	kind, err := r.orch.CheckAndClassify(d, manual)
	if errors.Is(err, update.ErrSessionActive) {
		log.Info("update attempt already in progress, skipping check")
		return update.KindNone, err
	}
	if err != nil {
		return update.KindNone, err
	}
	if kind == update.KindNone {
		return kind, nil
	}
	r.remember(d)

	if !r.opts.AutoDownload && !manual {
		log.Info("update available, automatic download disabled", logging.KeyKind, kind.String())
		return kind, nil
	}
	if err := r.orch.Download(kind, r.opts.AutoInstall, r.opts.ForceInstall); err != nil {
		log.Error("failed to start download", logging.KeyKind, kind.String(), logging.KeyError, err)
		return kind, err
	}
	return kind, nil
}

func (r *Runner) remember(d update.Descriptor) {
	r.mu.Lock()
	r.pending = d
	r.mu.Unlock()
}

func (r *Runner) fellBackFrom(attempt uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.fellBack[attempt]
}

// pump consumes the subscription until it is closed or replaced.
func (r *Runner) pump(events *update.Subscription) {
	for ev := range events.C {
		r.handle(ev)
	}
}

func (r *Runner) handle(ev update.Event) {
	r.audit.RecordEvent(ev)
	if r.publisher != nil {
		if err := r.publisher.Publish(ev); err != nil {
			log.Debug("status relay publish failed", logging.KeyError, err)
		}
	}
	if !ev.State.Terminal() {
		return
	}

	if ev.State == update.StateError {
		r.maybeFallback(ev)
	}
	if ev.State != update.StateLatest && ev.Code != update.CodeCheckFailed {
		r.report(api.ResultReport{
			Attempt:    ev.Attempt,
			State:      ev.State,
			Kind:       ev.Kind,
			Version:    ev.Version,
			Code:       ev.Code,
			Message:    ev.Message,
			Dispatched: ev.Dispatched,
		})
	}

	r.mu.Lock()
	terminal := r.terminal
	r.mu.Unlock()
	if terminal != nil {
		select {
		case terminal <- ev:
		default:
		}
	}
}

// maybeFallback re-requests the full package after a patch attempt failed in
// merge or verification, when the descriptor also offers one.
func (r *Runner) maybeFallback(ev update.Event) {
	if !r.opts.FallbackToFull || ev.Kind != update.KindPatch || !ev.Code.Fallbackable() {
		return
	}
	r.mu.Lock()
	d := r.pending
	r.mu.Unlock()
	if !d.HasFallback() {
		return
	}

	log.Info("patch attempt failed, falling back to full package",
		logging.KeyAttempt, ev.Attempt,
		"code", string(ev.Code),
	)
	r.mu.Lock()
	r.fellBack[ev.Attempt] = true
	r.mu.Unlock()
	r.audit.Log(audit.EventFallbackToFull, ev.Attempt, map[string]any{"code": string(ev.Code)})

	if err := r.orch.Retry(d); err != nil {
		log.Error("full package fallback failed to start", logging.KeyError, err)
		r.mu.Lock()
		delete(r.fellBack, ev.Attempt)
		r.mu.Unlock()
	}
}

// HandleSilentResult records the outcome of a background silent install.
func (r *Runner) HandleSilentResult(res update.SilentResult) {
	r.audit.RecordSilentResult(res)
	installed := res.OK
	r.report(api.ResultReport{
		Attempt:    res.Attempt,
		State:      update.StateFinished,
		Kind:       update.KindNone,
		Version:    res.Version,
		Dispatched: true,
		Installed:  &installed,
	})
}

func (r *Runner) report(rep api.ResultReport) {
	if r.reporter == nil {
		return
	}
	r.reports.Add(1)
	go func() {
		defer r.reports.Done()
		ctx, cancel := context.WithTimeout(context.Background(), reportTimeout)
		defer cancel()
		if err := r.reporter.ReportResult(ctx, rep); err != nil {
			log.Warn("failed to report attempt result", logging.KeyAttempt, rep.Attempt, logging.KeyError, err)
		}
	}()
}

// Close shuts down the orchestrator and then every resource the runner owns,
// in the order they were registered.
func (r *Runner) Close() error {
	r.closeOnce.Do(func() {
		r.closeErr = r.orch.Close()
		for _, c := range r.closers {
			c()
		}
		r.reports.Wait()
	})
	return r.closeErr
}

// jitter spreads periodic checks of many clients across a tenth of the
// interval.
func jitter(interval time.Duration) time.Duration {
	span := int64(interval / 10)
	if span <= 0 {
		return 0
	}
	return time.Duration(rand.Int64N(span))
}
