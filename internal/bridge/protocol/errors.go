package protocol

import (
	"errors"
	"fmt"
)

// ErrorCode classifies wire-level command rejections and fault reports.
// All of these are recoverable; none terminate the process.
type ErrorCode string

const (
	// CodeSessionBusy: a call-affecting command arrived while the state
	// machine's guard forbids it. The prior state is kept.
	CodeSessionBusy ErrorCode = "SessionBusy"
	// CodeCommandTimeout: no confirming event arrived in time. The
	// session is forced to Idle.
	CodeCommandTimeout ErrorCode = "CommandTimeout"
	// CodeUnauthorized: a message type arrived from the wrong role.
	CodeUnauthorized ErrorCode = "Unauthorized"
	// CodeUnknownMessage: malformed or unsupported envelope.
	CodeUnknownMessage ErrorCode = "UnknownMessage"
	// CodeDisconnected: the transport dropped while a response was
	// outstanding.
	CodeDisconnected ErrorCode = "Disconnected"
	// CodeNativeStackFault: the telephony collaborator reported an error.
	CodeNativeStackFault ErrorCode = "NativeStackFault"
)

// Sentinel errors mirroring the wire error codes, for use inside the
// process. Wrap with fmt.Errorf("...: %w", err) to add context.
var (
	ErrSessionBusy      = errors.New("session busy")
	ErrCommandTimeout   = errors.New("command timeout")
	ErrUnauthorized     = errors.New("unauthorized message role")
	ErrUnknownMessage   = errors.New("unknown message")
	ErrDisconnected     = errors.New("transport disconnected")
	ErrNativeStackFault = errors.New("native stack fault")
)

// CodeFor maps an internal error to its wire error code. Unrecognized
// errors map to NativeStackFault, the catch-all fault report.
func CodeFor(err error) ErrorCode {
	switch {
	case errors.Is(err, ErrSessionBusy):
		return CodeSessionBusy
	case errors.Is(err, ErrCommandTimeout):
		return CodeCommandTimeout
	case errors.Is(err, ErrUnauthorized):
		return CodeUnauthorized
	case errors.Is(err, ErrUnknownMessage):
		return CodeUnknownMessage
	case errors.Is(err, ErrDisconnected):
		return CodeDisconnected
	default:
		return CodeNativeStackFault
	}
}

// ErrFor maps a wire error code back to the matching sentinel error.
func ErrFor(code ErrorCode, message string) error {
	var base error
	switch code {
	case CodeSessionBusy:
		base = ErrSessionBusy
	case CodeCommandTimeout:
		base = ErrCommandTimeout
	case CodeUnauthorized:
		base = ErrUnauthorized
	case CodeUnknownMessage:
		base = ErrUnknownMessage
	case CodeDisconnected:
		base = ErrDisconnected
	default:
		base = ErrNativeStackFault
	}
	if message == "" {
		return base
	}
	return fmt.Errorf("%w: %s", base, message)
}
