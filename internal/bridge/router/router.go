// Package router binds the transport to the session machine on each
// side of the link: it decodes and authorizes inbound envelopes,
// dispatches commands, and turns applied transitions back into wire
// events. The host router additionally drives the native telephony
// stack; the client router exposes the command API.
package router

import (
	"context"

	"github.com/alaska-icy-giant/simbridge-sub002/internal/bridge/protocol"
)

// Sender writes one encoded frame to the peer. transport.Peer and
// transport.Dialer both satisfy it.
type Sender interface {
	Send(ctx context.Context, data []byte) error
}

// sendMessage encodes and writes one envelope, swallowing nothing: the
// caller decides what a failed send means.
func sendMessage(ctx context.Context, s Sender, m *protocol.Message) error {
	if s == nil {
		return protocol.ErrDisconnected
	}
	data, err := protocol.Encode(m)
	if err != nil {
		return err
	}
	return s.Send(ctx, data)
}

// rejectMessage builds the error reply for an envelope that failed
// decoding, validation, or role authorization.
func rejectMessage(err error, reqID string) *protocol.Message {
	return protocol.ErrorReply(protocol.CodeFor(err), err.Error(), reqID)
}
