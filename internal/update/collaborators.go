package update

import (
	"context"

	"github.com/breeze-rmm/deltaupdate/internal/workerpool"
)

// ProgressFunc receives download progress as a percentage in 0..100.
type ProgressFunc func(percent int)

// Downloader transfers one artifact to dest. Download blocks until the
// transfer completes, fails, or ctx is cancelled; cancelling ctx is how an
// in-flight download is aborted. Implementations that hold resources may also
// implement io.Closer, which the orchestrator calls on Close.
type Downloader interface {
	Download(ctx context.Context, url, dest string, progress ProgressFunc) error
}

// PatchEngine applies patch to base and writes output. Only zero versus
// non-zero is meaningful in the returned exit code; err reports a failure to
// run the engine at all.
type PatchEngine interface {
	Apply(ctx context.Context, base, output, patch string) (exitCode int, err error)
}

// Verifier computes and compares content digests.
type Verifier interface {
	Digest(path string) (string, error)
	Matches(path, expected string) bool
}

// Locator resolves the artifact currently installed for packageID. It returns
// an error wrapping ErrPackageNotFound when nothing is installed.
type Locator interface {
	SourcePathOf(packageID string) (string, error)
}

// InstallOptions are passed to a silent install.
type InstallOptions struct {
	// Replace reinstalls even when the same or a newer version is present.
	Replace bool
	Version string
}

// Installer hands a verified artifact to the operating system.
type Installer interface {
	// InstallInteractive starts the OS install flow and returns without
	// waiting for the user.
	InstallInteractive(path string) error
	// InstallSilent performs a privileged install and reports success. The
	// result is best-effort and independent of the attempt outcome.
	InstallSilent(ctx context.Context, path string, opts InstallOptions) bool
}

// Dispatcher runs fn on the caller's primary execution context.
type Dispatcher interface {
	Post(fn func()) error
}

// Executor runs blocking steps off the caller's goroutine.
type Executor interface {
	Submit(task workerpool.Task) bool
}

// InstallMode selects how a verified artifact is installed.
type InstallMode int

const (
	InstallInteractive InstallMode = iota
	InstallSilent
)

func (m InstallMode) String() string {
	if m == InstallSilent {
		return "silent"
	}
	return "interactive"
}

// SilentResult reports the outcome of a silent install dispatched by an
// attempt.
type SilentResult struct {
	Attempt uint64
	Path    string
	Version string
	OK      bool
}
