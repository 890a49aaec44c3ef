package chat

import "errors"

var (
	// ErrStoreUnavailable indicates the durable history cache could not be read or written.
	ErrStoreUnavailable = errors.New("message store unavailable")
	// ErrRelayUnavailable indicates the durable stream could not accept a publish.
	ErrRelayUnavailable = errors.New("event relay unavailable")
	// ErrNotFound indicates an unknown room or message id.
	ErrNotFound = errors.New("not found")
	// ErrProtocolViolation indicates an inbound event that is not allowed in the session's state.
	ErrProtocolViolation = errors.New("protocol violation")
	// ErrDeliveryFailure indicates a session could not be written to within the send timeout.
	ErrDeliveryFailure = errors.New("delivery failure")
	// ErrSessionClosed indicates a write was attempted on a closed session.
	ErrSessionClosed = errors.New("session closed")
)
