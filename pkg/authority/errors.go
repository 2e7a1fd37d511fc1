package authority

import (
	"errors"
	"fmt"
)

// StatusCode is the outcome of an authority call.
type StatusCode int32

const (
	StatusOK StatusCode = iota
	StatusInternal
	StatusInvalidArgument
	StatusSnapNotFound
	StatusSnapExists
	StatusInvalidState
	StatusNotActive
	StatusConflict
	StatusBusy
	StatusUnsupported
)

func (c StatusCode) String() string {
	switch c {
	case StatusOK:
		return "ok"
	case StatusInternal:
		return "internal error"
	case StatusInvalidArgument:
		return "invalid argument"
	case StatusSnapNotFound:
		return "snapshot not found"
	case StatusSnapExists:
		return "snapshot exists"
	case StatusInvalidState:
		return "invalid snapshot state"
	case StatusNotActive:
		return "snapshot not active"
	case StatusConflict:
		return "conflicting mapping"
	case StatusBusy:
		return "busy"
	case StatusUnsupported:
		return "unsupported operation"
	default:
		return fmt.Sprintf("StatusCode(%d)", int32(c))
	}
}

// StatusError is a non-ok answer from the authority.
//
// Transport failures are never StatusErrors; they are returned wrapped so
// callers can tell "the authority said no" from "the authority was unreachable".
type StatusError struct {
	Op      string
	Code    StatusCode
	Message string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("authority %s: %s", e.Op, e.Code)
	}
	return fmt.Sprintf("authority %s: %s: %s", e.Op, e.Code, e.Message)
}

// Is matches another *StatusError with the same code, so
//
//	errors.Is(err, &authority.StatusError{Code: authority.StatusSnapNotFound})
//
// works regardless of the operation.
func (e *StatusError) Is(target error) bool {
	t, ok := target.(*StatusError)
	return ok && t.Code == e.Code
}

// NewStatusError builds a StatusError with a formatted message.
func NewStatusError(op string, code StatusCode, format string, args ...any) *StatusError {
	return &StatusError{Op: op, Code: code, Message: fmt.Sprintf(format, args...)}
}

// Code extracts the status code from err. Nil maps to StatusOK and errors
// that are not StatusErrors map to StatusInternal.
func Code(err error) StatusCode {
	if err == nil {
		return StatusOK
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.Code
	}
	return StatusInternal
}

// IsStatus reports whether err carries the given status code.
func IsStatus(err error, code StatusCode) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Code == code
}
