package ipcbus

import (
	"fmt"
	"strings"
	"syscall"
)

// ErrorCode represents high-level error categories
type ErrorCode string

const (
	ErrCodeInvalidArgument  ErrorCode = "invalid argument"
	ErrCodeNotConnected     ErrorCode = "not connected"
	ErrCodeMarshal          ErrorCode = "marshalling failed"
	ErrCodeDemarshal        ErrorCode = "demarshalling failed"
	ErrCodeTypeMismatch     ErrorCode = "type mismatch"
	ErrCodeTimeout          ErrorCode = "timeout"
	ErrCodeDuplicateHandler ErrorCode = "duplicate handler"
	ErrCodeUnknownHandler   ErrorCode = "unknown handler"
	ErrCodePermissionDenied ErrorCode = "permission denied"
	ErrCodeBus              ErrorCode = "bus error"
)

// Error represents a structured ipcbus error with context and errno mapping
type Error struct {
	Op      string        // Operation that failed (e.g., "Connect", "InvokeMethod")
	Code    ErrorCode     // High-level error category
	Errno   syscall.Errno // Kernel errno (0 if not applicable)
	DbusErr string        // D-Bus error name from the peer ("" if not applicable)
	Msg     string        // Human-readable message
	Inner   error         // Wrapped error
}

// Error implements the error interface
func (e *Error) Error() string {
	var parts []string

	if e.Op != "" {
		parts = append(parts, fmt.Sprintf("op=%s", e.Op))
	}
	if e.Errno != 0 {
		parts = append(parts, fmt.Sprintf("errno=%d", int(e.Errno)))
	}
	if e.DbusErr != "" {
		parts = append(parts, fmt.Sprintf("dbus=%s", e.DbusErr))
	}

	msg := e.Msg
	if msg == "" {
		msg = string(e.Code)
	}

	if len(parts) > 0 {
		return fmt.Sprintf("ipcbus: %s (%s)", msg, strings.Join(parts, " "))
	}
	return fmt.Sprintf("ipcbus: %s", msg)
}

// Unwrap returns the wrapped error for errors.Is/As support
func (e *Error) Unwrap() error {
	return e.Inner
}

// Is matches two ipcbus errors by category
func (e *Error) Is(target error) bool {
	te, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == te.Code
}

// Category sentinels for use with errors.Is
var (
	ErrInvalidArgument  = &Error{Code: ErrCodeInvalidArgument}
	ErrNotConnected     = &Error{Code: ErrCodeNotConnected}
	ErrMarshal          = &Error{Code: ErrCodeMarshal}
	ErrDemarshal        = &Error{Code: ErrCodeDemarshal}
	ErrTypeMismatch     = &Error{Code: ErrCodeTypeMismatch}
	ErrTimeout          = &Error{Code: ErrCodeTimeout}
	ErrDuplicateHandler = &Error{Code: ErrCodeDuplicateHandler}
	ErrUnknownHandler   = &Error{Code: ErrCodeUnknownHandler}
	ErrPermissionDenied = &Error{Code: ErrCodePermissionDenied}
	ErrBus              = &Error{Code: ErrCodeBus}
)

func newError(op string, code ErrorCode, msg string) *Error {
	return &Error{Op: op, Code: code, Msg: msg}
}

func wrapError(op string, code ErrorCode, msg string, inner error) *Error {
	return &Error{Op: op, Code: code, Msg: msg, Inner: inner}
}

// sysError builds a BusError-category error from a syscall failure,
// extracting the errno when present.
func sysError(op, msg string, err error) *Error {
	e := &Error{Op: op, Code: ErrCodeBus, Msg: msg, Inner: err}
	if errno, ok := err.(syscall.Errno); ok {
		e.Errno = errno
	}
	return e
}

// busError builds an error from a D-Bus error reply, carrying the peer's
// error name.
func busError(op, dbusName, msg string) *Error {
	code := ErrCodeBus
	if dbusName == "org.freedesktop.DBus.Error.NoReply" ||
		dbusName == "org.freedesktop.DBus.Error.Timeout" {
		code = ErrCodeTimeout
	}
	return &Error{Op: op, Code: code, DbusErr: dbusName, Msg: msg}
}
