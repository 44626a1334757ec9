// Package status declares error constants returned by
// the journal package.
package status

import (
	"github.com/oneconcern/blobfs/pkg/errors"
)

var (
	// ErrClosed indicates submission to a journal that has shut down
	ErrClosed = errors.New("journal is closed")

	// ErrTooLarge indicates a transaction that cannot fit the journal
	// ring even when empty
	ErrTooLarge = errors.New("transaction exceeds journal capacity")

	// ErrReplayCorrupt indicates a journal superblock that cannot be
	// decoded. Fatal at mount time
	ErrReplayCorrupt = errors.New("journal superblock corrupt")

	// ErrTaskFailed wraps the device error that failed a transaction
	ErrTaskFailed = errors.New("journal transaction failed")
)
