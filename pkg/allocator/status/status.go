// Package status declares error constants returned by
// the allocator package.
package status

import (
	"github.com/oneconcern/blobfs/pkg/errors"
)

var (
	// ErrNoSpace indicates that a reservation could not be satisfied.
	// Always recoverable: the caller aborts its write and retries later
	ErrNoSpace = errors.New("no space left for reservation")

	// ErrCorrupt indicates bitmap or node table state inconsistent with
	// the superblock. Fatal at mount time
	ErrCorrupt = errors.New("allocator state inconsistent with superblock")

	// ErrDoubleFree indicates an attempt to free blocks or nodes that
	// are not fully allocated on disk
	ErrDoubleFree = errors.New("freeing blocks that are not allocated")

	// ErrBadIndex indicates a node index outside the table
	ErrBadIndex = errors.New("node index out of range")

	// ErrNoGrowth indicates the volume is not FVM-backed or the slice
	// cap is reached, so the requested grow cannot happen
	ErrNoGrowth = errors.New("volume cannot grow")

	// ErrReservationDone indicates re-use of a committed or released
	// reservation
	ErrReservationDone = errors.New("reservation already committed or released")
)
