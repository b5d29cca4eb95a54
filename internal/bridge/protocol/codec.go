// Package protocol defines the wire contract between host and client:
// the message envelope, call/connection state enums, and the error
// taxonomy. The codec is transport-agnostic; frames are self-contained
// JSON documents.
package protocol

import (
	"encoding/json"
	"fmt"
)

// MaxFrameSize bounds a single encoded envelope. Frames beyond this are
// rejected before JSON parsing to keep a misbehaving peer cheap.
const MaxFrameSize = 64 * 1024

// Encode serializes a message for the wire. The message is validated
// first so a malformed envelope never leaves this side.
func Encode(m *Message) ([]byte, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", m.Type, err)
	}
	return data, nil
}

// Decode parses a wire frame. A syntactically valid envelope with an
// unsupported type decodes successfully but fails Validate, so the
// receiver can reply with an UnknownMessage error carrying the reqId.
func Decode(data []byte) (*Message, error) {
	if len(data) > MaxFrameSize {
		return nil, fmt.Errorf("%w: frame of %d bytes exceeds limit", ErrUnknownMessage, len(data))
	}
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnknownMessage, err)
	}
	return &m, nil
}

// ErrorReply builds the error envelope for a rejected message, echoing
// the reqId when the issuer supplied one.
func ErrorReply(code ErrorCode, text, reqID string) *Message {
	return &Message{
		Type:  TypeError,
		ReqID: reqID,
		Code:  code,
		Text:  text,
	}
}
