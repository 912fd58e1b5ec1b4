package protocol

import (
	"errors"
	"fmt"
)

// Domain-specific errors for message decoding and verification.
// Use errors.Is() to check for these errors in calling code.
var (
	// ErrMalformed is returned when a message cannot be parsed or is
	// missing mandatory header fields.
	ErrMalformed = errors.New("protocol: malformed message")

	// ErrBadSignature is returned when a message signature does not match
	// the expected computation, or its timestamp falls outside the
	// configured validity window. Such messages must never be treated as
	// valid device state.
	ErrBadSignature = errors.New("protocol: bad signature")

	// ErrInvalidKey is returned when the device explicitly rejects a
	// request because it was signed with the wrong shared key
	// (METHOD_ERROR with code 5001).
	ErrInvalidKey = errors.New("protocol: device rejected key")

	// ErrDeviceError is returned for any other METHOD_ERROR response.
	ErrDeviceError = errors.New("protocol: device reported error")
)

// DeviceError carries the error payload of a METHOD_ERROR response.
// It wraps ErrInvalidKey or ErrDeviceError depending on the code.
type DeviceError struct {
	Code      int
	Namespace string
}

func (e *DeviceError) Error() string {
	return fmt.Sprintf("protocol: device error code=%d namespace=%s", e.Code, e.Namespace)
}

// Unwrap maps the firmware error code onto a sentinel error.
func (e *DeviceError) Unwrap() error {
	if e.Code == ErrorCodeInvalidKey {
		return ErrInvalidKey
	}
	return ErrDeviceError
}
