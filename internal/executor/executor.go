package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/breeze-rmm/deltaupdate/internal/logging"
)

var log = logging.L("executor")

const (
	// DefaultTimeout applies when a Command sets none.
	DefaultTimeout = 10 * time.Minute

	// MaxTimeout caps any requested timeout.
	MaxTimeout = time.Hour

	// MaxOutputSize is the maximum size of stdout/stderr to capture
	MaxOutputSize = 64 * 1024
)

// Command is one external program invocation.
type Command struct {
	Argv    []string
	Dir     string
	Env     []string
	Timeout time.Duration
}

// Result describes a finished command. ExitCode is -1 when the process did
// not exit normally (timeout, cancellation, start failure).
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
	Duration time.Duration
	TimedOut bool
}

// Run executes cmd and waits for it. A non-zero exit is reported in Result,
// not as an error; err is set only when the process could not be run to
// completion.
func Run(ctx context.Context, cmd Command) (Result, error) {
	if len(cmd.Argv) == 0 || cmd.Argv[0] == "" {
		return Result{ExitCode: -1}, errors.New("empty command")
	}

	timeout := cmd.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if timeout > MaxTimeout {
		timeout = MaxTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	c := exec.CommandContext(ctx, cmd.Argv[0], cmd.Argv[1:]...)
	c.Dir = cmd.Dir
	if len(cmd.Env) > 0 {
		c.Env = cmd.Env
	}

	var stdout, stderr bytes.Buffer
	c.Stdout = &limitedWriter{buf: &stdout, limit: MaxOutputSize}
	c.Stderr = &limitedWriter{buf: &stderr, limit: MaxOutputSize}

	// Own process group so children die with the command on timeout.
	setProcessGroup(c)
	c.Cancel = func() error { return killProcessGroup(c) }

	start := time.Now()
	err := c.Run()
	result := Result{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}

	if err == nil {
		log.Debug("command completed", "cmd", cmd.Argv[0], logging.KeyDurationMs, result.Duration.Milliseconds())
		return result, nil
	}

	result.ExitCode = -1
	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		result.TimedOut = true
		log.Warn("command timed out", "cmd", cmd.Argv[0], "timeout", timeout)
		return result, fmt.Errorf("%s timed out after %s", cmd.Argv[0], timeout)
	case ctx.Err() != nil:
		return result, ctx.Err()
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		result.ExitCode = exitErr.ExitCode()
		log.Info("command exited with error", "cmd", cmd.Argv[0], "exitCode", result.ExitCode,
			"stderr", strings.TrimSpace(result.Stderr))
		return result, nil
	}
	log.Error("command failed to run", "cmd", cmd.Argv[0], logging.KeyError, err)
	return result, err
}

// Expand replaces {name} placeholders in every argument.
func Expand(argv []string, vars map[string]string) []string {
	pairs := make([]string, 0, len(vars)*2)
	for k, v := range vars {
		pairs = append(pairs, "{"+k+"}", v)
	}
	r := strings.NewReplacer(pairs...)
	out := make([]string, len(argv))
	for i, a := range argv {
		out[i] = r.Replace(a)
	}
	return out
}

// limitedWriter wraps a buffer with a size limit
type limitedWriter struct {
	buf     *bytes.Buffer
	limit   int
	written int
}

func (w *limitedWriter) Write(p []byte) (n int, err error) {
	if w.written >= w.limit {
		// Discard additional data but don't error
		return len(p), nil
	}
	remaining := w.limit - w.written
	if len(p) > remaining {
		w.buf.Write(p[:remaining])
		w.written += remaining
		return len(p), nil
	}
	n, err = w.buf.Write(p)
	w.written += n
	return n, err
}
