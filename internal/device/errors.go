package device

import "errors"

// Domain-specific errors for device management.
// Use errors.Is() to check for these errors in calling code.
var (
	// ErrNotFound is returned when a device UUID is unknown.
	ErrNotFound = errors.New("device: not found")

	// ErrAlreadyExists is returned when creating a device whose UUID is
	// already registered.
	ErrAlreadyExists = errors.New("device: already exists")

	// ErrInvalidDevice is returned when a device fails validation.
	ErrInvalidDevice = errors.New("device: invalid")
)
