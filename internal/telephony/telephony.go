// Package telephony defines the native call stack collaborator consumed
// by the host's router. Implementations wrap a platform's real dialer;
// the simulated stack stands in for development and tests. The stack is
// injected explicitly into the session owner; there is no process-wide
// callback registration.
package telephony

import (
	"context"
	"errors"

	"github.com/alaska-icy-giant/simbridge-sub002/internal/bridge/protocol"
)

// ErrLineBusy is returned when the stack already carries a call.
var ErrLineBusy = errors.New("telephony: line busy")

// ErrNoSuchCall is returned for operations on an unknown call id.
var ErrNoSuchCall = errors.New("telephony: no such call")

// EventKind classifies native call stack reports.
type EventKind int

const (
	// EventIncoming announces a new inbound call alerting the SIM.
	EventIncoming EventKind = iota
	// EventRinging reports the far end being alerted for an outgoing call.
	EventRinging
	// EventActive reports media flowing.
	EventActive
	// EventDisconnecting reports teardown in progress.
	EventDisconnecting
	// EventEnded reports the call fully torn down.
	EventEnded
	// EventFailed reports a native fault; the call is gone.
	EventFailed
	// EventSmsReceived delivers an inbound text.
	EventSmsReceived
)

// String returns the string representation of the event kind.
func (k EventKind) String() string {
	switch k {
	case EventIncoming:
		return "Incoming"
	case EventRinging:
		return "Ringing"
	case EventActive:
		return "Active"
	case EventDisconnecting:
		return "Disconnecting"
	case EventEnded:
		return "Ended"
	case EventFailed:
		return "Failed"
	case EventSmsReceived:
		return "SmsReceived"
	default:
		return "Unknown"
	}
}

// Event is one asynchronous report from the native stack. SessionID
// echoes the id passed to InitiateOutgoing, or a stack-generated id for
// inbound calls; it is the fencing key against late reports.
type Event struct {
	SessionID string
	Kind      EventKind
	Address   string
	Sim       int
	Body      string
	Reason    string
}

// Stack is the native telephony collaborator. All methods are safe for
// concurrent use; blocking work respects ctx.
type Stack interface {
	// InitiateOutgoing starts dialing. sessionID is the caller's
	// correlation id, echoed on every subsequent event for this call.
	InitiateOutgoing(ctx context.Context, sessionID, address string, simSlot int) error
	// AcceptIncoming answers the alerting inbound call.
	AcceptIncoming(ctx context.Context, sessionID string) error
	// Terminate ends (or rejects) the identified call.
	Terminate(ctx context.Context, sessionID string) error
	// SendSMS submits a text and reports the submission outcome.
	SendSMS(ctx context.Context, address, body string, simSlot int) (protocol.SmsStatus, error)
	// Sims returns a fresh snapshot of the SIM inventory.
	Sims(ctx context.Context) ([]protocol.SimInfo, error)
	// Events streams asynchronous stack reports until Close.
	Events() <-chan Event
	// Close releases the stack and its event stream.
	Close() error
}
