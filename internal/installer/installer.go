package installer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"runtime"
	"strconv"
	"time"

	"github.com/skratchdot/open-golang/open"

	"github.com/breeze-rmm/deltaupdate/internal/executor"
	"github.com/breeze-rmm/deltaupdate/internal/logging"
	"github.com/breeze-rmm/deltaupdate/internal/privilege"
	"github.com/breeze-rmm/deltaupdate/internal/update"
)

var log = logging.L("installer")

// Silent install strategies.
const (
	StrategyCommand = "command"
	StrategyReplace = "replace"
)

// Options configure an Installer.
type Options struct {
	// Strategy selects how InstallSilent works: run Command, or replace
	// the binary handled by Replacer.
	Strategy string
	// Command is the privileged install argv. It may use the {path},
	// {version} and {replace} placeholders.
	Command  []string
	Timeout  time.Duration
	Replacer *Replacer
}

// Installer implements update.Installer.
type Installer struct {
	opts       Options
	open       func(path string) error
	isElevated func() bool
}

func New(opts Options) (*Installer, error) {
	switch opts.Strategy {
	case "":
		// Interactive only unless a command is configured.
		if len(opts.Command) > 0 {
			opts.Strategy = StrategyCommand
		}
	case StrategyCommand:
		if len(opts.Command) == 0 {
			return nil, errors.New("silent command strategy needs a command")
		}
	case StrategyReplace:
		if opts.Replacer == nil {
			return nil, errors.New("replace strategy needs a replacer")
		}
	default:
		return nil, fmt.Errorf("unknown silent install strategy %q", opts.Strategy)
	}
	return &Installer{opts: opts, open: open.Start, isElevated: privilege.IsElevated}, nil
}

// InstallInteractive hands path to the desktop's default handler for the
// package type and returns immediately.
func (i *Installer) InstallInteractive(path string) error {
	log.Info("starting interactive install", "path", path)
	if err := i.open(path); err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	return nil
}

// InstallSilent performs a privileged install without user interaction.
func (i *Installer) InstallSilent(ctx context.Context, path string, opts update.InstallOptions) bool {
	if !i.isElevated() {
		log.Error("silent install needs elevated privileges", "path", path, logging.KeyError, privilege.ErrNotElevated)
		return false
	}

	switch i.opts.Strategy {
	case "":
		log.Error("silent install requested but no silent strategy is configured", "path", path)
		return false
	case StrategyReplace:
		if err := i.opts.Replacer.Replace(path); err != nil {
			log.Error("binary replace failed", "path", path, logging.KeyError, err)
			return false
		}
		return true
	default:
		return i.runCommand(ctx, path, opts)
	}
}

func (i *Installer) runCommand(ctx context.Context, path string, opts update.InstallOptions) bool {
	if runtime.GOOS != "windows" {
		if err := os.Chmod(path, 0o755); err != nil {
			log.Error("failed to make artifact executable", "path", path, logging.KeyError, err)
			return false
		}
	}

	argv := executor.Expand(i.opts.Command, map[string]string{
		"path":    path,
		"version": opts.Version,
		"replace": strconv.FormatBool(opts.Replace),
	})
	res, err := executor.Run(ctx, executor.Command{Argv: argv, Timeout: i.opts.Timeout})
	if err != nil {
		log.Error("silent install command failed", logging.KeyError, err)
		return false
	}
	if res.ExitCode != 0 {
		log.Error("silent install command exited with error", "exitCode", res.ExitCode, "stderr", res.Stderr)
		return false
	}
	log.Info("silent install command succeeded", logging.KeyDurationMs, res.Duration.Milliseconds())
	return true
}
