package protocol

import "time"

// CallSession is the single bridged call. The host is the sole authority
// over its real-world state; the client holds a mirrored copy used only
// for display and for emitting command requests.
type CallSession struct {
	// SessionID is an opaque correlation id set by whichever side
	// originated the action (the host for calls it creates).
	SessionID string `json:"sessionId"`
	// Direction records who originated the call.
	Direction Direction `json:"direction"`
	// RemoteAddress is the far-end phone number or SIM identifier.
	RemoteAddress string `json:"remoteAddress"`
	// SimSlot is the host-selected SIM, 1-based. Zero means unspecified.
	SimSlot int `json:"simSlot,omitempty"`
	// State is the current lifecycle state.
	State CallState `json:"state"`
	// Generation is a monotonic counter incremented by the owning
	// machine whenever a session is created or adopted. Fencing of late
	// confirmations is by SessionID; Generation orders snapshots.
	Generation uint64 `json:"generation"`

	CreatedAt        time.Time `json:"createdAt"`
	LastTransitionAt time.Time `json:"lastTransitionAt"`
}

// SameIdentity reports whether two sessions describe the same call.
func (c *CallSession) SameIdentity(other *CallSession) bool {
	if c == nil || other == nil {
		return c == other
	}
	return c.SessionID == other.SessionID
}

// SimInfo is a read-only descriptor of one host SIM. It is an immutable
// snapshot once sent to the client; the host refreshes on demand.
type SimInfo struct {
	// Slot is 1-based.
	Slot int `json:"slot"`
	// Carrier is the carrier display name.
	Carrier string `json:"carrier"`
	// Number is the subscriber number. Not all carriers expose it.
	Number string `json:"number,omitempty"`
}

// SmsStatus reports the outcome of a sendSms command.
type SmsStatus string

const (
	SmsAccepted SmsStatus = "accepted"
	SmsSent     SmsStatus = "sent"
	SmsFailed   SmsStatus = "failed"
)
