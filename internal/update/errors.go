package update

import (
	"errors"
	"fmt"
)

var (
	// ErrSessionActive is returned when an attempt is already downloading or a
	// released attempt has not wound down yet.
	ErrSessionActive = errors.New("update session already active")
	// ErrNoSession is returned by Download before any classification.
	ErrNoSession = errors.New("no classified update session")
	// ErrKindMismatch is returned when the requested kind cannot be served.
	ErrKindMismatch = errors.New("update kind does not match descriptor")
	// ErrPoolBusy is returned when the background worker rejects the attempt.
	ErrPoolBusy = errors.New("background worker queue is full")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("orchestrator closed")
	// ErrPackageNotFound is returned by a Locator that cannot resolve a package.
	ErrPackageNotFound = errors.New("installed package not found")
)

// ErrorCode is the stable failure code carried by an Error status event.
type ErrorCode string

const (
	CodeDownloadFailed   ErrorCode = "DownloadFailed"
	CodeMergeFailed      ErrorCode = "MergeFailed"
	CodeChecksumMismatch ErrorCode = "ChecksumMismatch"
	CodeFileMissing      ErrorCode = "FileMissing"
	CodePackageNotFound  ErrorCode = "PackageNotFound"
	CodeDispatchFailed   ErrorCode = "DispatchFailed"
	CodeCheckFailed      ErrorCode = "CheckFailed"
)

// AttemptError describes the terminal failure of one update attempt.
type AttemptError struct {
	Code    ErrorCode
	Message string
	Err     error
}

func (e *AttemptError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *AttemptError) Unwrap() error { return e.Err }

// CodeOf extracts the failure code from err, or "" when err is not an
// AttemptError.
func CodeOf(err error) ErrorCode {
	var ae *AttemptError
	if errors.As(err, &ae) {
		return ae.Code
	}
	return ""
}

// Fallbackable reports whether a failed patch attempt may be retried with the
// full package.
func (c ErrorCode) Fallbackable() bool {
	return c == CodeMergeFailed || c == CodeChecksumMismatch
}
