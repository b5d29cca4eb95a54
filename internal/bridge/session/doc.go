// Package session owns the lifecycle of the single bridged call.
//
// All mutations of the call session and connection status pass through
// one owner goroutine draining an input queue, so guard checks and
// transition application are atomic relative to concurrent readers.
// Readers observe consistent copy-on-read snapshots and never see a
// half-applied transition.
//
// Commands (placeCall, acceptCall, hangUp) are validated synchronously
// against the current state and rejected with SessionBusy when the
// guard forbids them; they are never queued. State-confirming
// transitions are event-driven only: they happen because the native
// call stack (host) or the peer (client) reported them. A command that
// receives no confirming event within the command timeout forces the
// session back to Idle.
package session
