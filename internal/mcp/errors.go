package mcp

import (
	"errors"
	"fmt"

	"github.com/rpggio/kairos/internal/apperror"
	"github.com/rpggio/kairos/internal/domain/audit"
	"github.com/rpggio/kairos/internal/domain/syncstate"
)

// APIError is the error body returned by tools.
type APIError struct {
	Code         string `json:"code"`
	Message      string `json:"message"`
	Details      any    `json:"details,omitempty"`
	RecoveryHint string `json:"recovery_hint,omitempty"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// MapError maps domain errors to coded tool errors. Unknown errors map to
// nil so the caller can decide how to surface them.
func MapError(err error) *APIError {
	if err == nil {
		return nil
	}

	var ae *apperror.Error
	if errors.As(err, &ae) {
		return &APIError{
			Code:         string(ae.Code),
			Message:      ae.Message,
			Details:      ae.Details,
			RecoveryHint: ae.RecoveryHint,
		}
	}

	switch {
	case errors.Is(err, syncstate.ErrPaused):
		return &APIError{Code: "SYNC_PAUSED", Message: "sync is paused", RecoveryHint: "Resume sync from the host application"}
	case errors.Is(err, syncstate.ErrClosed):
		return &APIError{Code: "SYNC_CLOSED", Message: "sync service is shut down", RecoveryHint: "Restart the server"}
	case errors.Is(err, syncstate.ErrInvalidData), errors.Is(err, audit.ErrInvalidInput):
		return &APIError{Code: "INVALID_INPUT", Message: err.Error(), RecoveryHint: "Check the tool arguments"}
	default:
		return nil
	}
}

// toolError wraps err for returning from a tool handler.
func toolError(err error) error {
	if apiErr := MapError(err); apiErr != nil {
		return apiErr
	}
	return err
}
