// Package events publishes call and SMS lifecycle events for external
// integrations (CDR collection, notification relays). Publishing is
// best-effort and never blocks the bridge.
package events

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/alaska-icy-giant/simbridge-sub002/internal/bridge/protocol"
)

// EventType identifies the lifecycle moment.
type EventType string

const (
	CallDialing  EventType = "call.dialing"
	CallRinging  EventType = "call.ringing"
	CallAnswered EventType = "call.answered"
	CallEnded    EventType = "call.ended"
	CallFailed   EventType = "call.failed"
	SmsSent      EventType = "sms.sent"
	SmsReceived  EventType = "sms.received"
)

// Subject naming:
//
//	simbridge.calls.<session_id>.<suffix>  per-call events
//	simbridge.sms.<direction>              sms stream
//
// Wildcards: simbridge.calls.> (all call events),
// simbridge.calls.*.ended (ends only, for CDR consumers).
const (
	SubjectPrefix = "simbridge"
	SubjectCalls  = SubjectPrefix + ".calls"
	SubjectSms    = SubjectPrefix + ".sms"
)

// Event is one lifecycle record. All fields marshal to JSON for the
// wire; consumers key on Type and SessionID.
type Event struct {
	EventID   string             `json:"event_id"`
	Type      EventType          `json:"type"`
	Time      time.Time          `json:"time"`
	NodeID    string             `json:"node_id,omitempty"`
	SessionID string             `json:"session_id,omitempty"`
	Direction protocol.Direction `json:"direction,omitempty"`
	Address   string             `json:"address,omitempty"`
	Sim       int                `json:"sim,omitempty"`
	Reason    string             `json:"reason,omitempty"`
}

// Subject returns the publish subject for this event.
func (e Event) Subject() string {
	switch e.Type {
	case SmsSent:
		return SubjectSms + ".outgoing"
	case SmsReceived:
		return SubjectSms + ".incoming"
	default:
		suffix := "unknown"
		switch e.Type {
		case CallDialing:
			suffix = "dialing"
		case CallRinging:
			suffix = "ringing"
		case CallAnswered:
			suffix = "answered"
		case CallEnded:
			suffix = "ended"
		case CallFailed:
			suffix = "failed"
		}
		return fmt.Sprintf("%s.%s.%s", SubjectCalls, e.SessionID, suffix)
	}
}

// New builds an event with id and timestamp populated.
func New(nodeID string, t EventType) Event {
	return Event{
		EventID: uuid.NewString(),
		Type:    t,
		Time:    time.Now().UTC(),
		NodeID:  nodeID,
	}
}

// ForState maps an applied call transition to its event type. ok is
// false for states with no external significance.
func ForState(state protocol.CallState) (EventType, bool) {
	switch state {
	case protocol.StateDialing:
		return CallDialing, true
	case protocol.StateRinging:
		return CallRinging, true
	case protocol.StateActive:
		return CallAnswered, true
	case protocol.StateIdle:
		return CallEnded, true
	case protocol.StateError:
		return CallFailed, true
	default:
		return "", false
	}
}
