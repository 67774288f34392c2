//go:build !windows

package privilege

import "golang.org/x/sys/unix"

// IsElevated returns true if the process runs with effective UID 0 (root).
func IsElevated() bool {
	return unix.Geteuid() == 0
}
