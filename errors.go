package ibstore

import (
	"errors"

	"github.com/meigma/ibstore/internal/coord"
	"github.com/meigma/ibstore/internal/format"
	"github.com/meigma/ibstore/internal/sizing"
)

// Configuration errors. These are reported before any file is written.
var (
	// ErrInvalidConfig is returned when a generation plan is malformed.
	ErrInvalidConfig = errors.New("ibstore: invalid configuration")

	// ErrInvalidLayout is returned when a shape policy yields non-positive dimensions.
	ErrInvalidLayout = errors.New("ibstore: invalid shard layout")

	// ErrBufferTooSmall is returned when the generation buffer cannot hold
	// a single sample or index entry.
	ErrBufferTooSmall = errors.New("ibstore: generation buffer too small")

	// ErrInvalidWorker is returned when a worker id or count is out of range.
	ErrInvalidWorker = errors.New("ibstore: invalid worker")
)

// Store and integrity errors.
var (
	// ErrCorruptIndex is returned when an offset or size index violates the
	// shard invariants.
	ErrCorruptIndex = errors.New("ibstore: corrupt index")

	// ErrDigestMismatch is returned when an artifact does not match the
	// digest recorded in the manifest.
	ErrDigestMismatch = errors.New("ibstore: digest mismatch")

	// ErrSampleOutOfRange is returned when a sample or file index is outside the store.
	ErrSampleOutOfRange = errors.New("ibstore: sample out of range")

	// ErrNoManifest is returned when a data directory has no manifest.
	ErrNoManifest = errors.New("ibstore: manifest not found")

	// ErrClosed is returned when reading from a closed store.
	ErrClosed = errors.New("ibstore: store closed")

	// ErrBadStream is returned when an exported sample stream is malformed.
	ErrBadStream = errors.New("ibstore: malformed sample stream")
)

// Errors re-exported from internal packages.
var (
	// ErrSizeOverflow is returned when byte counts exceed supported limits.
	ErrSizeOverflow = sizing.ErrOverflow

	// ErrAborted is returned when a peer worker aborted generation.
	ErrAborted = coord.ErrAborted

	// ErrMisaligned is returned when an index file is not a whole number of entries.
	ErrMisaligned = format.ErrMisaligned
)
