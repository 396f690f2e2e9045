package loader

import "errors"

var (
	// ErrCapabilityMismatch is returned when an index is constructed over an
	// adapter of the wrong variant.
	ErrCapabilityMismatch = errors.New("loader: adapter lacks the required capability")

	// ErrInvalidConfig is returned when an index configuration is malformed.
	ErrInvalidConfig = errors.New("loader: invalid configuration")

	// ErrInvalidRequest is returned for sample requests that no epoch can
	// satisfy, such as negative positions.
	ErrInvalidRequest = errors.New("loader: invalid sample request")

	// ErrConsumed is returned when a non-restartable sequence is iterated twice.
	ErrConsumed = errors.New("loader: sequence already consumed")
)
