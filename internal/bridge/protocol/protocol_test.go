package protocol

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestCallStateTransitions(t *testing.T) {
	tests := []struct {
		from, to CallState
		want     bool
	}{
		{StateIdle, StateDialing, true},
		{StateIdle, StateRinging, true}, // direct inbound path
		{StateIdle, StateActive, false},
		{StateDialing, StateRinging, true},
		{StateDialing, StateActive, true},
		{StateRinging, StateActive, true},
		{StateActive, StateIdle, true},
		{StateActive, StateDialing, false},
		{StateDisconnecting, StateIdle, true},
		{StateError, StateIdle, true},
		{StateError, StateActive, false},
		{StateActive, StateActive, true}, // idempotent replay
	}
	for _, tt := range tests {
		if got := tt.from.CanTransitionTo(tt.to); got != tt.want {
			t.Errorf("%s -> %s: got %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestErrorStateReachableFromAllNonIdle(t *testing.T) {
	for _, from := range []CallState{StateDialing, StateRinging, StateActive, StateDisconnecting} {
		if !from.CanTransitionTo(StateError) {
			t.Errorf("%s -> Error should be allowed", from)
		}
	}
	if StateIdle.CanTransitionTo(StateError) {
		t.Error("Idle -> Error should not be allowed")
	}
}

func TestEncodeRejectsInvalid(t *testing.T) {
	tests := []struct {
		name string
		msg  Message
	}{
		{"unknown type", Message{Type: "foo"}},
		{"placeCall without address", Message{Type: TypePlaceCall}},
		{"sendSms without body", Message{Type: TypeSendSms, Address: "+15551234567"}},
		{"callState bad state", Message{Type: TypeCallState, State: "Garbage", SessionID: "s1"}},
		{"callState missing session", Message{Type: TypeCallState, State: StateActive}},
		{"error missing code", Message{Type: TypeError}},
		{"snapshot bad status", Message{Type: TypeStateSnapshot, ConnectionStatus: "sideways"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Encode(&tt.msg); !errors.Is(err, ErrUnknownMessage) {
				t.Fatalf("Encode() error = %v, want ErrUnknownMessage", err)
			}
		})
	}
}

func TestDecodeUnknownTypeSurvivesForReply(t *testing.T) {
	// An unsupported type must decode so the receiver can answer with
	// error(code=UnknownMessage) echoing the reqId, never drop silently.
	msg, err := Decode([]byte(`{"type":"foo","reqId":"r42"}`))
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if msg.Type.Known() {
		t.Fatalf("type %q should not be known", msg.Type)
	}
	if err := msg.Validate(); !errors.Is(err, ErrUnknownMessage) {
		t.Fatalf("Validate() error = %v, want ErrUnknownMessage", err)
	}
	reply := ErrorReply(CodeUnknownMessage, "unsupported type", msg.ReqID)
	if reply.ReqID != "r42" {
		t.Errorf("reply reqId = %q, want r42", reply.ReqID)
	}
}

func TestDecodeMalformed(t *testing.T) {
	if _, err := Decode([]byte(`{not json`)); !errors.Is(err, ErrUnknownMessage) {
		t.Fatalf("Decode() error = %v, want ErrUnknownMessage", err)
	}
}

func TestDecodeOversizedFrame(t *testing.T) {
	big := make([]byte, MaxFrameSize+1)
	if _, err := Decode(big); !errors.Is(err, ErrUnknownMessage) {
		t.Fatalf("Decode() error = %v, want ErrUnknownMessage", err)
	}
}

func TestEnvelopeRoundTrip(t *testing.T) {
	in := &Message{
		Type:    TypePlaceCall,
		ReqID:   "r1",
		Address: "+15551234567",
		Sim:     1,
	}
	data, err := Encode(in)
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	out, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if out.Type != TypePlaceCall || out.ReqID != "r1" || out.Address != "+15551234567" || out.Sim != 1 {
		t.Errorf("round trip mismatch: %+v", out)
	}
}

func TestOmittedFieldsStayOffTheWire(t *testing.T) {
	data, err := Encode(&Message{Type: TypeHangUp, ReqID: "r9"})
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatalf("unmarshal raw: %v", err)
	}
	if len(raw) != 2 {
		t.Errorf("hangUp envelope has %d fields (%v), want 2", len(raw), raw)
	}
}

func TestRoleAuthorization(t *testing.T) {
	tests := []struct {
		msgType MsgType
		role    Role
		want    bool
	}{
		{TypePlaceCall, RoleClient, true},
		{TypePlaceCall, RoleHost, false},
		{TypeCallState, RoleHost, true},
		{TypeCallState, RoleClient, false},
		{TypeSimList, RoleClient, false},
		{TypeStateSnapshot, RoleHost, true},
		{TypeStateSnapshot, RoleClient, true},
		{TypeError, RoleClient, true},
	}
	for _, tt := range tests {
		if got := tt.msgType.AllowedFrom(tt.role); got != tt.want {
			t.Errorf("%s from %s: got %v, want %v", tt.msgType, tt.role, got, tt.want)
		}
	}
}

func TestCodeForRoundTrip(t *testing.T) {
	for _, code := range []ErrorCode{
		CodeSessionBusy, CodeCommandTimeout, CodeUnauthorized,
		CodeUnknownMessage, CodeDisconnected, CodeNativeStackFault,
	} {
		err := ErrFor(code, "detail")
		if got := CodeFor(err); got != code {
			t.Errorf("CodeFor(ErrFor(%s)) = %s", code, got)
		}
	}
}
