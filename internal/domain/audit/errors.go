package audit

import "errors"

var (
	// ErrInvalidInput indicates an event missing its type or message.
	ErrInvalidInput = errors.New("invalid audit event")
	// ErrClosed indicates the service no longer accepts events.
	ErrClosed = errors.New("audit service closed")
)
