package protocol

// CallState represents the lifecycle state of a bridged call session.
// States travel on the wire as strings, so the enum is string-backed.
type CallState string

const (
	// StateIdle is the initial and terminal state: no call in progress.
	StateIdle CallState = "Idle"
	// StateDialing is set after an accepted placeCall, before the network
	// reports progress.
	StateDialing CallState = "Dialing"
	// StateRinging is set when the remote end is being alerted (outgoing)
	// or when an inbound call is alerting this side (incoming).
	StateRinging CallState = "Ringing"
	// StateActive is set when media is flowing.
	StateActive CallState = "Active"
	// StateDisconnecting is set when the native stack reports teardown
	// in progress.
	StateDisconnecting CallState = "Disconnecting"
	// StateError is a pseudo-state reachable from any non-idle state when
	// the native stack reports a fault. It auto-resets to Idle.
	StateError CallState = "Error"
)

// validTransitions defines which state transitions are allowed.
// Self-transitions are permitted everywhere (idempotent event replay).
var validTransitions = map[CallState][]CallState{
	StateIdle:          {StateDialing, StateRinging},
	StateDialing:       {StateRinging, StateActive, StateDisconnecting, StateIdle, StateError},
	StateRinging:       {StateActive, StateDisconnecting, StateIdle, StateError},
	StateActive:        {StateDisconnecting, StateIdle, StateError},
	StateDisconnecting: {StateIdle, StateError},
	StateError:         {StateIdle},
}

// Valid reports whether s is a known call state.
func (s CallState) Valid() bool {
	_, ok := validTransitions[s]
	return ok
}

// CanTransitionTo checks if a transition from the current state to next is valid.
func (s CallState) CanTransitionTo(next CallState) bool {
	if s == next {
		return true
	}
	allowed, ok := validTransitions[s]
	if !ok {
		return false
	}
	for _, state := range allowed {
		if state == next {
			return true
		}
	}
	return false
}

// IsTerminal returns true if this is the terminal (no call) state.
func (s CallState) IsTerminal() bool {
	return s == StateIdle
}

// Direction indicates who originated the call.
type Direction string

const (
	// DirectionOutgoing means this link's client asked the host to dial.
	DirectionOutgoing Direction = "outgoing"
	// DirectionIncoming means the host's SIM received the call.
	DirectionIncoming Direction = "incoming"
)

// Valid reports whether d is a known direction.
func (d Direction) Valid() bool {
	return d == DirectionOutgoing || d == DirectionIncoming
}

// ConnectionStatus describes the transport channel, independent of call state.
type ConnectionStatus string

const (
	StatusDisconnected ConnectionStatus = "disconnected"
	StatusConnecting   ConnectionStatus = "connecting"
	StatusConnected    ConnectionStatus = "connected"
)

// Valid reports whether c is a known connection status.
func (c ConnectionStatus) Valid() bool {
	switch c {
	case StatusDisconnected, StatusConnecting, StatusConnected:
		return true
	}
	return false
}

// Role identifies which side of the paired link a participant plays.
type Role string

const (
	// RoleHost is the device holding the SIM and the native call stack.
	RoleHost Role = "host"
	// RoleClient is the remote device issuing commands and mirroring state.
	RoleClient Role = "client"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	return r == RoleHost || r == RoleClient
}
