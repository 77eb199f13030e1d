package transport

import "errors"

var (
	// ErrNoTransportAvailable is returned when no transport handles an address scheme.
	ErrNoTransportAvailable = errors.New("no transport for address")
	ErrUnreachable          = errors.New("address unreachable")
	ErrClosed               = errors.New("transport closed")
	ErrMessageTooLarge      = errors.New("message too large")
)
