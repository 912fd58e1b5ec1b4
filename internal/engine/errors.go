package engine

import "errors"

// Domain-specific errors for engine operations.
// Use errors.Is() to check for these errors in calling code.
var (
	// ErrUnknownDevice is returned for requests addressing a UUID the
	// engine is not driving.
	ErrUnknownDevice = errors.New("engine: unknown device")

	// ErrDeviceUnavailable is returned when every enabled transport for a
	// device is exhausted. Surfaced to callers of the request API and to
	// the sink as an availability change, never thrown mid-poll.
	ErrDeviceUnavailable = errors.New("engine: device unavailable")

	// ErrHandlerUndefined marks a well-formed envelope for a namespace
	// the engine has no strategy entry for. Logged and dropped; not a
	// failure for selector or scheduler purposes.
	ErrHandlerUndefined = errors.New("engine: handler undefined")

	// ErrNotBound is returned when a request arrives before the device's
	// ability catalog has been learned.
	ErrNotBound = errors.New("engine: device not bound")

	// ErrInvalidRequest is returned for malformed raw-request parameters.
	ErrInvalidRequest = errors.New("engine: invalid request")
)
