package protocol

import (
	"fmt"
	"strings"
)

// MsgType is the enumerated tag of a wire envelope.
type MsgType string

const (
	// Client -> host commands.
	TypePlaceCall  MsgType = "placeCall"
	TypeAcceptCall MsgType = "acceptCall"
	TypeHangUp     MsgType = "hangUp"
	TypeSendSms    MsgType = "sendSms"
	TypeListSims   MsgType = "listSims"

	// Host -> client events.
	TypeCallState   MsgType = "callState"
	TypeSimList     MsgType = "simList"
	TypeSmsStatus   MsgType = "smsStatus"
	TypeSmsReceived MsgType = "smsReceived"

	// Bidirectional.
	TypeStateSnapshot MsgType = "stateSnapshot"
	TypeError         MsgType = "error"
)

// commandTypes are the user-facing requests only the client may send.
var commandTypes = map[MsgType]bool{
	TypePlaceCall:  true,
	TypeAcceptCall: true,
	TypeHangUp:     true,
	TypeSendSms:    true,
	TypeListSims:   true,
}

// eventTypes are the state-confirming messages only the host may send.
var eventTypes = map[MsgType]bool{
	TypeCallState:   true,
	TypeSimList:     true,
	TypeSmsStatus:   true,
	TypeSmsReceived: true,
}

// IsCommand reports whether t is a client-issued command type.
func (t MsgType) IsCommand() bool { return commandTypes[t] }

// IsEvent reports whether t is a host-issued event type.
func (t MsgType) IsEvent() bool { return eventTypes[t] }

// Known reports whether t is any supported envelope type.
func (t MsgType) Known() bool {
	return commandTypes[t] || eventTypes[t] || t == TypeStateSnapshot || t == TypeError
}

// AllowedFrom reports whether role may legitimately send this type.
// Wrong-role messages are rejected with Unauthorized, never fatal.
func (t MsgType) AllowedFrom(role Role) bool {
	switch {
	case t == TypeStateSnapshot, t == TypeError:
		return true
	case t.IsCommand():
		return role == RoleClient
	case t.IsEvent():
		return role == RoleHost
	default:
		return false
	}
}

// Message is the wire envelope. Payload fields are flattened into the
// envelope and populated per type; unused fields are omitted on the wire.
type Message struct {
	Type  MsgType `json:"type"`
	ReqID string  `json:"reqId,omitempty"`

	// placeCall / sendSms / smsReceived / callState
	Address string `json:"address,omitempty"`
	Sim     int    `json:"sim,omitempty"`
	Body    string `json:"body,omitempty"`

	// callState
	State     CallState `json:"state,omitempty"`
	Direction Direction `json:"direction,omitempty"`
	SessionID string    `json:"sessionId,omitempty"`

	// simList
	Sims []SimInfo `json:"sims,omitempty"`

	// smsStatus
	SmsStatus SmsStatus `json:"smsStatus,omitempty"`

	// stateSnapshot
	Session          *CallSession     `json:"session,omitempty"`
	ConnectionStatus ConnectionStatus `json:"connectionStatus,omitempty"`

	// error
	Code ErrorCode `json:"code,omitempty"`
	Text string    `json:"message,omitempty"`
}

// Validate checks the message shape for its declared type. An unknown
// type is reported via ErrUnknownMessage; the caller replies with an
// error envelope rather than dropping the message silently.
func (m *Message) Validate() error {
	if !m.Type.Known() {
		return fmt.Errorf("%w: type %q", ErrUnknownMessage, string(m.Type))
	}
	switch m.Type {
	case TypePlaceCall:
		if strings.TrimSpace(m.Address) == "" {
			return fmt.Errorf("%w: placeCall missing address", ErrUnknownMessage)
		}
		if m.Sim < 0 {
			return fmt.Errorf("%w: placeCall negative sim slot", ErrUnknownMessage)
		}
	case TypeSendSms:
		if strings.TrimSpace(m.Address) == "" {
			return fmt.Errorf("%w: sendSms missing address", ErrUnknownMessage)
		}
		if m.Body == "" {
			return fmt.Errorf("%w: sendSms missing body", ErrUnknownMessage)
		}
	case TypeCallState:
		if !m.State.Valid() {
			return fmt.Errorf("%w: callState invalid state %q", ErrUnknownMessage, string(m.State))
		}
		if m.SessionID == "" && m.State != StateIdle {
			return fmt.Errorf("%w: callState missing sessionId", ErrUnknownMessage)
		}
	case TypeStateSnapshot:
		if !m.ConnectionStatus.Valid() {
			return fmt.Errorf("%w: stateSnapshot invalid connectionStatus", ErrUnknownMessage)
		}
		if m.Session != nil && !m.Session.State.Valid() {
			return fmt.Errorf("%w: stateSnapshot invalid session state", ErrUnknownMessage)
		}
	case TypeError:
		if m.Code == "" {
			return fmt.Errorf("%w: error missing code", ErrUnknownMessage)
		}
	}
	return nil
}
