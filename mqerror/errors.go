// Package mqerror defines the coded errors surfaced by the broker core.
// Codes follow AMQP 0-9-1 numbering where the protocol defines one; the
// in-process lifecycle states (connection/channel not open, confirm handling)
// use codes from the same range that the wire protocol never assigns.
package mqerror

import (
	"errors"
	"fmt"
)

// Code identifies a class of broker error.
type Code uint16

const (
	// ConnectionForced - connection closed by broker shutdown
	ConnectionForced Code = 320

	// AccessRefused - operation on a resource the caller may not use
	AccessRefused Code = 403

	// NotFound - missing exchange, queue, binding or consumer
	NotFound Code = 404

	// ResourceLocked - exclusive queue or consumer held by another owner
	ResourceLocked Code = 405

	// PreconditionFailed - if-unused/if-empty conditions, redeclare conflicts
	PreconditionFailed Code = 406

	// InternalError - broker invariant violated
	InternalError Code = 500

	// NotAllowed - duplicate consumer tag
	NotAllowed Code = 530

	// NotImplemented - unsupported exchange type or operation
	NotImplemented Code = 540

	// Core lifecycle codes without a wire equivalent.

	// ConnectionNotOpen - operation on a connection that is not connected
	ConnectionNotOpen Code = 560

	// ChannelNotOpen - operation on a channel outside the open state
	ChannelNotOpen Code = 561

	// ConfirmsNotEnabled - confirm-callback publish before Confirm()
	ConfirmsNotEnabled Code = 562

	// ConfirmTimeout - WaitForConfirms exceeded its bound
	ConfirmTimeout Code = 563
)

// String returns the error string representation of the Code.
func (c Code) String() string {
	switch c {
	case ConnectionForced:
		return "CONNECTION_FORCED"
	case AccessRefused:
		return "ACCESS_REFUSED"
	case NotFound:
		return "NOT_FOUND"
	case ResourceLocked:
		return "RESOURCE_LOCKED"
	case PreconditionFailed:
		return "PRECONDITION_FAILED"
	case InternalError:
		return "INTERNAL_ERROR"
	case NotAllowed:
		return "NOT_ALLOWED"
	case NotImplemented:
		return "NOT_IMPLEMENTED"
	case ConnectionNotOpen:
		return "CONNECTION_NOT_OPEN"
	case ChannelNotOpen:
		return "CHANNEL_NOT_OPEN"
	case ConfirmsNotEnabled:
		return "CONFIRMS_NOT_ENABLED"
	case ConfirmTimeout:
		return "CONFIRM_TIMEOUT"
	default:
		return "UNKNOWN_ERROR"
	}
}

// Error implements the error interface so a bare Code can be used as a
// sentinel with errors.Is.
func (c Code) Error() string {
	return c.String()
}

// Error is a coded broker error with a human-readable reason.
type Error struct {
	Code   Code
	Reason string
}

func (e *Error) Error() string {
	if e.Reason == "" {
		return e.Code.String()
	}
	return fmt.Sprintf("%s - %s", e.Code, e.Reason)
}

// Is matches against either another *Error or a bare Code sentinel,
// comparing codes only.
func (e *Error) Is(target error) bool {
	if c, ok := target.(Code); ok {
		return e.Code == c
	}
	var other *Error
	if errors.As(target, &other) {
		return e.Code == other.Code
	}
	return false
}

// New builds a coded error with a formatted reason.
func New(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Reason: fmt.Sprintf(format, args...)}
}

// CodeOf extracts the Code from err, or 0 when err carries none.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	var c Code
	if errors.As(err, &c) {
		return c
	}
	return 0
}
