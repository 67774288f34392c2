package patcher

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/breeze-rmm/deltaupdate/internal/executor"
	"github.com/breeze-rmm/deltaupdate/internal/logging"
)

var log = logging.L("patcher")

// DefaultCommand is a bsdiff-compatible invocation.
var DefaultCommand = []string{"bspatch", "{base}", "{output}", "{patch}"}

// Engine applies binary patches by running an external tool. The argv may use
// the {base}, {output} and {patch} placeholders.
type Engine struct {
	argv    []string
	timeout time.Duration
}

func New(argv []string, timeout time.Duration) (*Engine, error) {
	if len(argv) == 0 {
		argv = DefaultCommand
	}
	if argv[0] == "" {
		return nil, errors.New("patch command has no program")
	}
	return &Engine{argv: append([]string(nil), argv...), timeout: timeout}, nil
}

// Apply runs the patch tool and returns its exit code. A partial output file
// from a failed run is removed.
func (e *Engine) Apply(ctx context.Context, base, output, patch string) (int, error) {
	if _, err := os.Stat(patch); err != nil {
		return -1, fmt.Errorf("patch file: %w", err)
	}
	argv := executor.Expand(e.argv, map[string]string{
		"base":   base,
		"output": output,
		"patch":  patch,
	})

	res, err := executor.Run(ctx, executor.Command{Argv: argv, Timeout: e.timeout})
	if err != nil || res.ExitCode != 0 {
		if rmErr := os.Remove(output); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
			log.Warn("failed to remove partial merge output", "path", output, logging.KeyError, rmErr)
		}
	}
	if err != nil {
		return res.ExitCode, fmt.Errorf("run %s: %w", argv[0], err)
	}
	log.Info("patch engine finished", "exitCode", res.ExitCode, logging.KeyDurationMs, res.Duration.Milliseconds())
	return res.ExitCode, nil
}
