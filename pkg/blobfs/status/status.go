// Package status declares error constants returned by
// the blobfs orchestrator.
package status

import (
	"github.com/oneconcern/blobfs/pkg/errors"
)

var (
	// ErrNotFound indicates a content hash with no blob behind it
	ErrNotFound = errors.New("no blob for this hash")

	// ErrExists indicates a blob already stored under this hash
	ErrExists = errors.New("blob already exists")

	// ErrReadOnly indicates a mutation attempted on a read-only mount
	ErrReadOnly = errors.New("filesystem mounted read-only")

	// ErrNoSpace indicates the volume is full and cannot grow
	ErrNoSpace = errors.New("no space left on volume")

	// ErrCorrupt indicates metadata that failed the mount-time
	// consistency scan. Fatal: the mount aborts
	ErrCorrupt = errors.New("volume metadata corrupt")

	// ErrIntegrity indicates blob data that does not hash to its stored
	// Merkle root. Surfaced to the caller, never fatal to the engine
	ErrIntegrity = errors.New("blob failed integrity verification")

	// ErrShuttingDown indicates an operation raced filesystem shutdown
	ErrShuttingDown = errors.New("filesystem is shutting down")

	// ErrTooLarge indicates a blob exceeding the node chain's extent
	// addressing capacity
	ErrTooLarge = errors.New("blob exceeds addressable extents")
)
