//go:build !windows

package installer

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// ServiceRestarter returns a restart function for serviceName. It tries
// systemd, then launchd. When binaryPath is the running executable it falls
// back to re-executing it.
func ServiceRestarter(serviceName, binaryPath string) func() error {
	return func() error {
		if err := restartSystemd(serviceName); err == nil {
			return nil
		}
		if err := restartLaunchd(serviceName); err == nil {
			return nil
		}
		if isSelf(binaryPath) {
			return restartExec()
		}
		return fmt.Errorf("no service manager could restart %s", serviceName)
	}
}

func restartSystemd(serviceName string) error {
	return exec.Command("systemctl", "restart", serviceName).Run()
}

func restartLaunchd(serviceName string) error {
	return exec.Command("launchctl", "kickstart", "-k", "system/"+serviceName).Run()
}

func isSelf(binaryPath string) bool {
	exe, err := os.Executable()
	if err != nil {
		return false
	}
	a, errA := filepath.EvalSymlinks(exe)
	b, errB := filepath.EvalSymlinks(binaryPath)
	return errA == nil && errB == nil && a == b
}

func restartExec() error {
	binary, err := os.Executable()
	if err != nil {
		return fmt.Errorf("failed to get executable path: %w", err)
	}
	binary, err = filepath.EvalSymlinks(binary)
	if err != nil {
		return fmt.Errorf("failed to resolve symlinks: %w", err)
	}
	return unix.Exec(binary, []string{binary, "run"}, os.Environ())
}
