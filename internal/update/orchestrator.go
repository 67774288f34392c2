package update

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/breeze-rmm/deltaupdate/internal/logging"
)

var log = logging.L("update")

// Options configure an Orchestrator.
type Options struct {
	WorkDir        string
	ArtifactName   string
	PatchName      string
	PackageID      string
	CurrentVersion string
	InstallMode    InstallMode
	Extractor      *Extractor

	// OnSilentResult, when set, is called with the outcome of every silent
	// install. It runs on a background worker.
	OnSilentResult func(SilentResult)
}

// Deps are the collaborators an Orchestrator drives. Dispatcher may be nil,
// in which case interactive installs run on the worker goroutine.
type Deps struct {
	Downloader Downloader
	Patcher    PatchEngine
	Verifier   Verifier
	Locator    Locator
	Installer  Installer
	Dispatcher Dispatcher
	Executor   Executor
}

// Orchestrator sequences classify, download, merge, verify and install for
// one session at a time and reports progress on its status channel.
type Orchestrator struct {
	opts   Options
	deps   Deps
	status statusChannel

	mu       sync.Mutex
	session  *Session
	draining *Session // released but its worker has not returned yet
	attempts uint64
	state    State
	closed   bool
	base     context.Context
	stop     context.CancelFunc
	epoch    context.Context
	endEpoch context.CancelFunc
}

type inlineDispatcher struct{}

func (inlineDispatcher) Post(fn func()) error {
	fn()
	return nil
}

// New validates the collaborators and returns an idle orchestrator.
func New(opts Options, deps Deps) (*Orchestrator, error) {
	switch {
	case deps.Downloader == nil:
		return nil, errors.New("update: downloader is required")
	case deps.Patcher == nil:
		return nil, errors.New("update: patch engine is required")
	case deps.Verifier == nil:
		return nil, errors.New("update: verifier is required")
	case deps.Locator == nil:
		return nil, errors.New("update: locator is required")
	case deps.Installer == nil:
		return nil, errors.New("update: installer is required")
	case deps.Executor == nil:
		return nil, errors.New("update: executor is required")
	}
	if opts.WorkDir == "" {
		return nil, errors.New("update: work directory is required")
	}
	if opts.ArtifactName == "" {
		opts.ArtifactName = "new.pkg"
	}
	if opts.PatchName == "" {
		opts.PatchName = "patchfile.patch"
	}
	if opts.ArtifactName == opts.PatchName {
		return nil, errors.New("update: artifact and patch names must differ")
	}
	if opts.Extractor == nil {
		opts.Extractor = DefaultExtractor()
	}
	if deps.Dispatcher == nil {
		deps.Dispatcher = inlineDispatcher{}
	}

	base, stop := context.WithCancel(context.Background())
	epoch, endEpoch := context.WithCancel(base)
	return &Orchestrator{
		opts:     opts,
		deps:     deps,
		base:     base,
		stop:     stop,
		epoch:    epoch,
		endEpoch: endEpoch,
	}, nil
}

// Subscribe attaches the single status subscriber, replacing (and closing)
// any previous one. Only events published after this call are delivered.
// Publishing blocks while the buffer is full, so the subscriber must keep
// reading.
func (o *Orchestrator) Subscribe(buffer int) *Subscription {
	return o.status.subscribe(buffer)
}

// State returns the last state published by the orchestrator.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// Session returns a snapshot of the active session.
func (o *Orchestrator) Session() (SessionInfo, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.session == nil {
		return SessionInfo{}, false
	}
	return o.session.info(), true
}

// CheckAndClassify starts a new session for d and publishes the
// classification. A descriptor without URLs publishes Latest and ends the
// session. A classified session that has not started downloading is replaced.
func (o *Orchestrator) CheckAndClassify(d Descriptor, manual bool) (Kind, error) {
	o.mu.Lock()
	if err := o.admitLocked(); err != nil {
		o.mu.Unlock()
		return KindNone, err
	}
	s := o.newSessionLocked(d, manual)
	s.Kind = Classify(d)
	if s.Kind != KindNone {
		s.TargetVersion = o.opts.Extractor.Label(s.Kind, d.URLFor(s.Kind), o.opts.CurrentVersion)
		o.session = s
	}
	o.mu.Unlock()

	switch s.Kind {
	case KindNone:
		o.emit(s, Event{State: StateLatest, Manual: manual})
		s.cancel()
	case KindFull:
		o.emit(s, Event{State: StatePreparingFull, Version: s.TargetVersion, Message: d.Message})
	case KindPatch:
		o.emit(s, Event{State: StatePreparingPatch, Version: s.TargetVersion, Message: d.Message})
	}
	return s.Kind, nil
}

// CheckFailed publishes an Error event with CodeCheckFailed for an update
// check that never produced a descriptor.
func (o *Orchestrator) CheckFailed(cause error, manual bool) error {
	o.mu.Lock()
	if err := o.admitLocked(); err != nil {
		o.mu.Unlock()
		return err
	}
	s := o.newSessionLocked(Descriptor{}, manual)
	o.mu.Unlock()

	o.fail(s, &AttemptError{Code: CodeCheckFailed, Message: "update check failed", Err: cause})
	return nil
}

// Download starts the classified session on a background worker. kind may
// differ from the classified kind when the descriptor carries both URLs.
func (o *Orchestrator) Download(kind Kind, autoInstall, forceInstall bool) error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return ErrClosed
	}
	s := o.session
	switch {
	case s == nil:
		o.mu.Unlock()
		return ErrNoSession
	case s.running:
		o.mu.Unlock()
		return ErrSessionActive
	case kind == KindNone:
		o.mu.Unlock()
		return ErrKindMismatch
	}

	url := s.Descriptor.URLFor(kind)
	if url == "" {
		o.mu.Unlock()
		err := &AttemptError{Code: CodePackageNotFound, Message: fmt.Sprintf("descriptor offers no %s package", kind)}
		o.fail(s, err)
		return err
	}
	if kind != s.Kind {
		s.Kind = kind
		s.TargetVersion = o.opts.Extractor.Label(kind, url, o.opts.CurrentVersion)
	}
	s.AutoInstall = autoInstall
	s.ForceInstall = forceInstall
	s.running = true
	o.mu.Unlock()

	if !o.deps.Executor.Submit(func(ctx context.Context) { o.run(ctx, s, url) }) {
		o.mu.Lock()
		s.running = false
		o.mu.Unlock()
		return ErrPoolBusy
	}
	return nil
}

// Retry re-runs an update with the full package of d: it downloads at once,
// verifies the checksum and installs automatically.
func (o *Orchestrator) Retry(d Descriptor) error {
	if d.FullPackageURL == "" {
		return ErrKindMismatch
	}
	o.mu.Lock()
	if err := o.admitLocked(); err != nil {
		o.mu.Unlock()
		return err
	}
	s := o.newSessionLocked(d, false)
	s.Kind = KindFull
	s.TargetVersion = o.opts.Extractor.Label(KindFull, d.FullPackageURL, o.opts.CurrentVersion)
	o.session = s
	o.mu.Unlock()

	log.Info("retrying with full package", logging.KeyAttempt, s.ID, "version", s.TargetVersion)
	return o.Download(KindFull, true, false)
}

// Release cancels the in-flight attempt and suppresses every further event of
// the attempts started so far. Completed merge or install steps stay done.
func (o *Orchestrator) Release() {
	o.mu.Lock()
	o.endEpoch()
	o.epoch, o.endEpoch = context.WithCancel(o.base)
	s := o.session
	o.session = nil
	if s != nil && s.running {
		o.draining = s
	}
	o.state = StateIdle
	o.mu.Unlock()

	// Wait out a publish that raced the cancellation.
	o.status.fence()
	if s != nil {
		log.Info("update session released", logging.KeyAttempt, s.ID, logging.KeyKind, s.Kind.String())
	}
}

// Close releases the current attempt, closes the subscriber and tears down
// the downloader.
func (o *Orchestrator) Close() error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil
	}
	o.closed = true
	o.mu.Unlock()

	o.Release()
	o.stop()
	o.status.close()
	if c, ok := o.deps.Downloader.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

func (o *Orchestrator) admitLocked() error {
	if o.closed {
		return ErrClosed
	}
	if o.draining != nil {
		return ErrSessionActive
	}
	if o.session != nil {
		if o.session.running {
			return ErrSessionActive
		}
		o.session.cancel()
		o.session = nil
	}
	return nil
}

func (o *Orchestrator) newSessionLocked(d Descriptor, manual bool) *Session {
	o.attempts++
	ctx, cancel := context.WithCancel(o.epoch)
	artifact, patch := sessionPaths(o.opts.WorkDir, o.opts.ArtifactName, o.opts.PatchName)
	return &Session{
		ID:               o.attempts,
		Descriptor:       d,
		WorkDir:          o.opts.WorkDir,
		ArtifactPath:     artifact,
		PatchPath:        patch,
		ExpectedChecksum: d.ExpectedChecksum,
		Manual:           manual,
		started:          time.Now(),
		ctx:              ctx,
		cancel:           cancel,
	}
}

// run is the background half of an attempt.
func (o *Orchestrator) run(poolCtx context.Context, s *Session, url string) {
	stop := context.AfterFunc(poolCtx, s.cancel)
	defer stop()
	ctx := s.ctx
	lg := logging.WithAttempt(log, s.ID, s.Kind.String())

	if o.released(s) {
		o.finish(s)
		return
	}
	if err := s.prepareWorkDir(); err != nil {
		o.fail(s, &AttemptError{Code: CodeDownloadFailed, Message: "prepare work directory", Err: err})
		return
	}
	o.emit(s, Event{State: StateReady})
	o.emit(s, Event{State: StateDownloading, Percent: 0})

	var (
		progressMu sync.Mutex
		last       int
	)
	progress := func(percent int) {
		progressMu.Lock()
		defer progressMu.Unlock()
		percent = min(max(percent, 0), 100)
		if percent <= last {
			return
		}
		last = percent
		o.emit(s, Event{State: StateDownloading, Percent: percent})
	}

	lg.Info("downloading artifact", logging.KeyURL, url, "dest", s.destination())
	err := o.deps.Downloader.Download(ctx, url, s.destination(), progress)
	if ctx.Err() != nil {
		lg.Info("attempt cancelled during download")
		o.finish(s)
		return
	}
	if err != nil {
		o.fail(s, &AttemptError{Code: CodeDownloadFailed, Message: "download artifact", Err: err})
		return
	}
	progressMu.Lock()
	if last < 100 {
		last = 100
		o.emit(s, Event{State: StateDownloading, Percent: 100})
	}
	progressMu.Unlock()

	if s.Kind == KindPatch && !o.merge(ctx, s, lg) {
		return
	}
	if !o.verify(s, lg) {
		return
	}
	if o.released(s) {
		lg.Info("attempt cancelled during verification")
		o.finish(s)
		return
	}
	o.install(poolCtx, s, lg)
}

func (o *Orchestrator) merge(ctx context.Context, s *Session, lg *slog.Logger) bool {
	o.emit(s, Event{State: StateMerging})

	base, err := o.deps.Locator.SourcePathOf(o.opts.PackageID)
	if err == nil && base == "" {
		err = ErrPackageNotFound
	}
	if err != nil {
		o.fail(s, &AttemptError{Code: CodeMergeFailed, Message: "resolve installed package " + o.opts.PackageID, Err: err})
		return false
	}

	start := time.Now()
	code, err := o.deps.Patcher.Apply(ctx, base, s.ArtifactPath, s.PatchPath)
	if ctx.Err() != nil {
		lg.Info("attempt cancelled during merge")
		o.finish(s)
		return false
	}
	if err != nil {
		o.fail(s, &AttemptError{Code: CodeMergeFailed, Message: "run patch engine", Err: err})
		return false
	}
	if code != 0 {
		o.fail(s, &AttemptError{Code: CodeMergeFailed, Message: fmt.Sprintf("patch engine exited with code %d", code)})
		return false
	}
	lg.Info("patch applied", "base", base, logging.KeyDurationMs, time.Since(start).Milliseconds())
	return true
}

// verify checks the artifact against the expected checksum. A missing expected
// value fails closed. A mismatching artifact is removed.
func (o *Orchestrator) verify(s *Session, lg *slog.Logger) bool {
	if s.ExpectedChecksum == "" {
		o.fail(s, &AttemptError{Code: CodeChecksumMismatch, Message: "descriptor carries no checksum"})
		return false
	}
	if o.deps.Verifier.Matches(s.ArtifactPath, s.ExpectedChecksum) {
		return true
	}
	if o.released(s) {
		// the work directory may already belong to the next session
		lg.Info("attempt cancelled during verification")
		o.finish(s)
		return false
	}

	actual, err := o.deps.Verifier.Digest(s.ArtifactPath)
	if err != nil {
		lg.Warn("artifact checksum mismatch", "expected", s.ExpectedChecksum, logging.KeyError, err)
	} else {
		lg.Warn("artifact checksum mismatch", "expected", s.ExpectedChecksum, "actual", actual)
	}
	if err := removeFiles(s.ArtifactPath); err != nil {
		lg.Warn("failed to remove untrusted artifact", logging.KeyError, err)
	}
	o.fail(s, &AttemptError{Code: CodeChecksumMismatch, Message: "artifact checksum does not match"})
	return false
}

func (o *Orchestrator) install(poolCtx context.Context, s *Session, lg *slog.Logger) {
	info, err := os.Stat(s.ArtifactPath)
	if err != nil || !info.Mode().IsRegular() {
		if err == nil {
			err = fmt.Errorf("%s is not a regular file", s.ArtifactPath)
		}
		o.fail(s, &AttemptError{Code: CodeFileMissing, Message: "artifact missing before install", Err: err})
		return
	}

	done := Event{State: StateFinished, Path: s.ArtifactPath, Version: s.TargetVersion}
	if !s.AutoInstall {
		o.complete(s, done)
		return
	}
	if !s.ForceInstall {
		if newer, ok := IsNewer(s.TargetVersion, o.opts.CurrentVersion); ok && !newer {
			lg.Info("target is not newer than installed version, skipping install",
				"target", s.TargetVersion, "current", o.opts.CurrentVersion)
			done.Message = "installed version is up to date"
			o.complete(s, done)
			return
		}
	}

	if o.released(s) {
		lg.Info("attempt cancelled before install dispatch")
		o.finish(s)
		return
	}
	path, version := s.ArtifactPath, s.TargetVersion
	switch o.opts.InstallMode {
	case InstallSilent:
		done.Dispatched = true
		o.complete(s, done)
		ok := o.deps.Installer.InstallSilent(poolCtx, path, InstallOptions{Replace: s.ForceInstall, Version: version})
		if ok {
			lg.Info("silent install succeeded", "path", path)
		} else {
			lg.Error("silent install failed", "path", path)
		}
		if o.opts.OnSilentResult != nil {
			o.opts.OnSilentResult(SilentResult{Attempt: s.ID, Path: path, Version: version, OK: ok})
		}
	default:
		err := o.deps.Dispatcher.Post(func() {
			if err := o.deps.Installer.InstallInteractive(path); err != nil {
				lg.Error("interactive install failed to start", logging.KeyError, err)
			}
		})
		if err != nil {
			o.fail(s, &AttemptError{Code: CodeDispatchFailed, Message: "dispatch interactive install", Err: err})
			return
		}
		done.Dispatched = true
		o.complete(s, done)
	}
}

// emit publishes ev for session s unless the attempt has been released.
func (o *Orchestrator) emit(s *Session, ev Event) {
	ev.Attempt = s.ID
	ev.Kind = s.Kind
	o.mu.Lock()
	if s.ctx.Err() != nil {
		o.mu.Unlock()
		return
	}
	o.state = ev.State
	o.mu.Unlock()

	lg := logging.WithAttempt(log, s.ID, s.Kind.String())
	if ev.State == StateDownloading {
		lg.Debug("status", logging.KeyState, ev.State.String(), "percent", ev.Percent)
	} else {
		lg.Info("status", logging.KeyState, ev.State.String())
	}
	o.status.publish(s.ctx, ev)
}

// complete ends the session and publishes its terminal event. The session is
// detached first so a subscriber may start the next attempt from the event.
func (o *Orchestrator) complete(s *Session, ev Event) {
	o.mu.Lock()
	if o.session == s {
		o.session = nil
	}
	if o.draining == s {
		o.draining = nil
	}
	s.running = false
	o.mu.Unlock()

	logging.WithAttempt(log, s.ID, s.Kind.String()).Info("attempt finished",
		logging.KeyState, ev.State.String(),
		"dispatched", ev.Dispatched,
		logging.KeyDurationMs, time.Since(s.started).Milliseconds(),
	)
	o.emit(s, ev)
	s.cancel()
}

func (o *Orchestrator) fail(s *Session, err *AttemptError) {
	logging.WithAttempt(log, s.ID, s.Kind.String()).Error("attempt failed",
		"code", string(err.Code),
		logging.KeyError, err,
	)
	o.complete(s, Event{State: StateError, Code: err.Code, Message: err.Message, Err: err})
}

// released reports whether Release or Close has cancelled s. It takes the
// lock so a dispatch decided here cannot interleave with a concurrent Release.
func (o *Orchestrator) released(s *Session) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return s.ctx.Err() != nil
}

func (o *Orchestrator) finish(s *Session) {
	o.mu.Lock()
	if o.session == s {
		o.session = nil
	}
	if o.draining == s {
		o.draining = nil
	}
	s.running = false
	o.mu.Unlock()
	s.cancel()
}
