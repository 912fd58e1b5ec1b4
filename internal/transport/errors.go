package transport

import "errors"

// Domain-specific errors for transport operations.
// Use errors.Is() to check for these errors in calling code.
var (
	// ErrTransport is returned for connection-level failures: refused or
	// reset connections, non-2xx HTTP statuses, malformed bodies, broker
	// disconnects. It feeds the selector's failover bookkeeping.
	ErrTransport = errors.New("transport: send failed")

	// ErrTimeout is returned when no matching response arrived within the
	// request deadline. Treated as a transport failure by the selector.
	ErrTimeout = errors.New("transport: request timed out")

	// ErrCancelled is returned when a pending request was cancelled by
	// device removal or reconfiguration. Distinct from ErrTimeout so
	// callers can tell "never will complete" from "failed".
	ErrCancelled = errors.New("transport: request cancelled")

	// ErrDuplicateID is returned when registering a messageId that is
	// already pending. messageIds carry 128 bits of entropy, so hitting
	// this indicates a caller bug rather than a collision.
	ErrDuplicateID = errors.New("transport: duplicate messageId")
)
