// Package status declares error constants returned by
// implementations of the block Device interface.
//
// NOTE: such constants are located in a separate package to avoid
// creating undue cyclical dependencies between pkg/block and its
// implementations.
package status

import "github.com/oneconcern/blobfs/pkg/errors"

var (
	// ErrReadOnly indicates a write issued against a read-only device
	ErrReadOnly = errors.New("device is read-only")

	// ErrOutOfRange indicates an access past the end of the device or
	// into an unmapped virtual slice
	ErrOutOfRange = errors.New("block address out of range")

	// ErrNotFVM indicates an Extend request against a fixed-size device
	ErrNotFVM = errors.New("device is not FVM-backed")

	// ErrNoSpace indicates the volume manager cannot map more slices
	ErrNoSpace = errors.New("no slices left on device")

	// ErrClosed indicates use of a device after Close
	ErrClosed = errors.New("device is closed")

	// ErrFault is returned by test devices when an injected fault fires
	ErrFault = errors.New("injected device fault")
)
