package privilege

import (
	"errors"
	"fmt"
)

// ErrNotElevated is returned when an operation needs root or administrator
// rights the process does not have.
var ErrNotElevated = errors.New("elevated privileges required")

// Require returns ErrNotElevated, naming op, unless the process is elevated.
func Require(op string) error {
	if IsElevated() {
		return nil
	}
	return fmt.Errorf("%s: %w", op, ErrNotElevated)
}
