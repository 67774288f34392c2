//go:build !windows

package main

import (
	"context"
	"errors"
)

// isWindowsService always returns false on non-Windows platforms.
func isWindowsService() bool { return false }

// runAsService is a stub on non-Windows platforms.
func runAsService(_ func(context.Context) error) error {
	return errors.New("Windows service mode is not available on this platform")
}
