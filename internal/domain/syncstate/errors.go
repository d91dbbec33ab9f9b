package syncstate

import "errors"

var (
	// ErrPaused is returned by Update while the service is paused.
	ErrPaused = errors.New("sync paused")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("sync service closed")
	// ErrInvalidData indicates a payload that cannot be serialized.
	ErrInvalidData = errors.New("invalid sync data")
)
