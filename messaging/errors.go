package messaging

import "errors"

var (
	// ErrNotConnected is returned by Subscribe when the broker connection is
	// not in the Connected phase. Subscriptions are never deferred: callers
	// re-subscribe through the connection manager's ready callbacks.
	ErrNotConnected = errors.New("messaging: not connected")

	// ErrNilHandler is returned when a subscription is registered without a
	// handler.
	ErrNilHandler = errors.New("messaging: handler cannot be nil")

	// ErrAlreadySubscribed is returned when a queue already has a handler.
	ErrAlreadySubscribed = errors.New("messaging: queue already subscribed")
)
