// Package apperror defines the coded errors surfaced to users at the
// process boundaries (CLI, server start-up, MCP tools).
package apperror

import (
	"errors"
	"fmt"
	"strings"
)

// Code identifies a class of failure.
type Code string

const (
	PortBusy      Code = "SRV001"
	StartFailed   Code = "SRV002"
	StopFailed    Code = "SRV003"
	NotRunning    Code = "SRV004"
	SyncNotFound  Code = "SYNC001"
	SyncFormat    Code = "SYNC002"
	SyncDenied    Code = "SYNC003"
	SyncExhausted Code = "SYNC004"
	SyncCorrupt   Code = "SYNC005"
	ConfigInvalid Code = "CFG001"
	ConfigLoad    Code = "CFG002"
	ConfigSave    Code = "CFG003"
	ConfigMissing Code = "CFG004"
	NoPort        Code = "REC001"
	FileLocked    Code = "REC002"
	Exhausted     Code = "REC003"
	Unavailable   Code = "REC004"
)

var defaultHints = map[Code]string{
	PortBusy:      "Stop the process using the port or choose another preferred port",
	NotRunning:    "Start the server before asking for its URL",
	SyncNotFound:  "The sync file is recreated on the next write",
	SyncFormat:    "Fix or delete the sync file; it will be recreated",
	SyncDenied:    "Check file permissions on the data directory",
	SyncExhausted: "Writes resume automatically once the store recovers",
	SyncCorrupt:   "Delete the sync file; it will be recreated",
	ConfigInvalid: "Run `kairosctl validate -verbose` for details",
	ConfigLoad:    "Check the file exists and is valid YAML or JSON",
	ConfigSave:    "Check the target directory is writable",
	ConfigMissing: "Run `kairosctl create` to write a default configuration",
	NoPort:        "Widen the port range or free a port in it",
	Unavailable:   "Retry later; the dependency is recovering",
}

// Error is an error carrying a code and a recovery hint.
type Error struct {
	Code         Code   `json:"code"`
	Message      string `json:"message"`
	Details      any    `json:"details,omitempty"`
	RecoveryHint string `json:"recovery_hint,omitempty"`
	Err          error  `json:"-"`
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches another *Error with the same code, so sentinel values such as
// &Error{Code: NoPort} work with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// New builds an error with the default hint for code.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message, RecoveryHint: defaultHints[code]}
}

// Wrap builds an error with the default hint for code around err.
func Wrap(code Code, message string, err error) *Error {
	return &Error{Code: code, Message: message, RecoveryHint: defaultHints[code], Err: err}
}

// WithDetails returns a copy of e carrying details.
func (e *Error) WithDetails(details any) *Error {
	c := *e
	c.Details = details
	return &c
}

// CodeOf returns the code of the first *Error in err's chain, or "".
func CodeOf(err error) Code {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Code
	}
	return ""
}

// HasCode reports whether err's chain contains an *Error with code.
func HasCode(err error, code Code) bool {
	return errors.Is(err, &Error{Code: code})
}

// UserMessage renders err for humans, appending the recovery hint.
func UserMessage(err error) string {
	if err == nil {
		return ""
	}
	var ae *Error
	if !errors.As(err, &ae) {
		return err.Error()
	}
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s", ae.Code, ae.Message)
	if ae.Err != nil {
		fmt.Fprintf(&b, ": %v", ae.Err)
	}
	if ae.RecoveryHint != "" {
		fmt.Fprintf(&b, "\nhint: %s", ae.RecoveryHint)
	}
	return b.String()
}
