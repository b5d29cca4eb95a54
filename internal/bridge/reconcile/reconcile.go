// Package reconcile implements the snapshot exchange rules that realign
// client and host after a transport (re)connection. The host's snapshot
// is authoritative: the client discards or adopts, the host only logs
// divergence. Resolution is idempotent.
package reconcile

import "github.com/alaska-icy-giant/simbridge-sub002/internal/bridge/protocol"

// Outcome describes what the client must do with the host's snapshot.
type Outcome int

const (
	// OutcomeNoChange: local state already matches the host.
	OutcomeNoChange Outcome = iota
	// OutcomeDiscard: the host no longer reports the session the client
	// recorded; drop it locally without emitting a hangup command.
	OutcomeDiscard
	// OutcomeAdopt: the host reports a session the client does not have
	// (or has in a different state); adopt the host's copy verbatim.
	OutcomeAdopt
)

// String returns the string representation of the outcome.
func (o Outcome) String() string {
	switch o {
	case OutcomeNoChange:
		return "NoChange"
	case OutcomeDiscard:
		return "Discard"
	case OutcomeAdopt:
		return "Adopt"
	default:
		return "Unknown"
	}
}

// Resolve applies the client-side reconciliation rule. A nil session or
// one in a terminal state counts as "no call".
func Resolve(local, remote *protocol.CallSession) Outcome {
	localActive := local != nil && !local.State.IsTerminal()
	remoteActive := remote != nil && !remote.State.IsTerminal()

	switch {
	case !remoteActive && !localActive:
		return OutcomeNoChange
	case !remoteActive && localActive:
		return OutcomeDiscard
	case remoteActive && !localActive:
		return OutcomeAdopt
	default:
		if local.SessionID == remote.SessionID && local.State == remote.State {
			return OutcomeNoChange
		}
		return OutcomeAdopt
	}
}

// Diverged reports whether the peer's view disagrees with ours. The
// host uses this for logging only; it never adjusts its own state to a
// client assertion.
func Diverged(local, remote *protocol.CallSession) bool {
	return Resolve(local, remote) != OutcomeNoChange
}
