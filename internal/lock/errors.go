package lock

import "errors"

var (
	// ErrLockTimeout is returned when an acquire loop exhausts its timeout
	// while the resource is held by a live holder.
	ErrLockTimeout = errors.New("lock acquisition timed out")

	// ErrNotHeld is returned when releasing a lease that is no longer on disk.
	ErrNotHeld = errors.New("lock not held")
)
