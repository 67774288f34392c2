package download

import (
	"fmt"

	"github.com/shirou/gopsutil/v3/disk"

	"github.com/breeze-rmm/deltaupdate/internal/logging"
)

// spaceMargin is kept free on top of the artifact size.
const spaceMargin = 16 << 20

// InsufficientSpaceError is returned when the work directory cannot hold the
// artifact.
type InsufficientSpaceError struct {
	Dir       string
	Need      uint64
	Available uint64
}

func (e *InsufficientSpaceError) Error() string {
	return fmt.Sprintf("insufficient disk space in %s: need %d bytes, %d available", e.Dir, e.Need, e.Available)
}

func checkFreeSpace(dir string, need uint64) error {
	usage, err := disk.Usage(dir)
	if err != nil {
		log.Warn("free space check skipped", "dir", dir, logging.KeyError, err)
		return nil
	}
	if usage.Free < need+spaceMargin {
		return &InsufficientSpaceError{Dir: dir, Need: need + spaceMargin, Available: usage.Free}
	}
	return nil
}
