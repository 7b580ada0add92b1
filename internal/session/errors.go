package session

import (
	"errors"
	"fmt"
)

// Code is a stable error code carried by every caller-facing failure.
type Code string

// Error codes.
const (
	CodeNotInitialized Code = "NOT_INITIALIZED"
	CodeNotAttached    Code = "NOT_ATTACHED"
	CodeInvalidConfig  Code = "INVALID_CONFIG"
	CodeUnexpected     Code = "UNEXPECTED"
)

// Legacy returns the numeric code used by the original mobile plugin channel.
func (c Code) Legacy() string {
	switch c {
	case CodeNotInitialized:
		return "-1"
	case CodeInvalidConfig:
		return "-2"
	case CodeNotAttached:
		return "-3"
	default:
		return "-99"
	}
}

// Error is a structured controller error.
type Error struct {
	Code    Code
	Message string
	Details string
	Err     error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Code, e.Message)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error with the same code, so errors.Is(err, ErrNotInitialized)
// works for wrapped and freshly built values alike.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return t.Code == e.Code
	}
	return false
}

// Sentinel errors.
var (
	ErrNotInitialized = &Error{
		Code:    CodeNotInitialized,
		Message: "VPN engine needs to be initialized",
		Details: "call initialize first",
	}
	ErrNotAttached = &Error{
		Code:    CodeNotAttached,
		Message: "host context not attached",
		Details: "attach a host before initializing or requesting permission",
	}
	ErrInvalidConfig = &Error{
		Code:    CodeInvalidConfig,
		Message: "OpenVPN config is required",
		Details: "provide a valid .ovpn configuration",
	}
)

// Unexpected wraps err as a CodeUnexpected error.
func Unexpected(err error) *Error {
	details := ""
	if err != nil {
		details = err.Error()
	}
	return &Error{
		Code:    CodeUnexpected,
		Message: "unexpected error",
		Details: details,
		Err:     err,
	}
}

// CodeOf returns the code carried by err, CodeUnexpected for foreign errors
// and "" for nil.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeUnexpected
}
