package router

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alaska-icy-giant/simbridge-sub002/internal/bridge/protocol"
	"github.com/alaska-icy-giant/simbridge-sub002/internal/bridge/session"
	"github.com/alaska-icy-giant/simbridge-sub002/internal/telephony"
)

// pipe delivers frames straight into the peer router, standing in for
// the websocket.
type pipe struct {
	deliver func([]byte)
}

func (p pipe) Send(ctx context.Context, data []byte) error {
	p.deliver(data)
	return nil
}

// capture records outbound frames for assertion.
type capture struct {
	mu     sync.Mutex
	frames [][]byte
}

func (c *capture) Send(ctx context.Context, data []byte) error {
	c.mu.Lock()
	cp := make([]byte, len(data))
	copy(cp, data)
	c.frames = append(c.frames, cp)
	c.mu.Unlock()
	return nil
}

func (c *capture) last(t *testing.T) *protocol.Message {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.frames) == 0 {
		t.Fatal("no frames captured")
	}
	msg, err := protocol.Decode(c.frames[len(c.frames)-1])
	if err != nil {
		t.Fatalf("decode captured frame: %v", err)
	}
	return msg
}

type bridge struct {
	stack  *telephony.Simulated
	host   *Host
	client *Client
}

// newBridge wires a host and client router back to back and performs
// the connect handshake.
func newBridge(t *testing.T) *bridge {
	t.Helper()
	stack := telephony.NewSimulated(telephony.SimulatedConfig{
		Sims:          []protocol.SimInfo{{Slot: 1, Carrier: "TestCell", Number: "+15550100"}},
		DialLatency:   2 * time.Millisecond,
		AnswerLatency: 2 * time.Millisecond,
		AutoAnswer:    true,
	})

	var host *Host
	var client *Client

	host = NewHost(HostConfig{
		Stack:          stack,
		NodeID:         "test-host",
		CommandTimeout: 2 * time.Second,
	})
	client = NewClient(ClientConfig{
		Sender:         pipe{deliver: func(d []byte) { host.HandleMessage(d) }},
		CommandTimeout: 2 * time.Second,
	})

	host.Start()
	client.Start()

	client.HandleStatus(protocol.StatusConnected)
	host.Attach(pipe{deliver: func(d []byte) { client.HandleMessage(d) }})
	waitConn(t, client.Machine(), protocol.StatusConnected)

	t.Cleanup(func() {
		client.Close()
		host.Close()
		stack.Close()
	})
	return &bridge{stack: stack, host: host, client: client}
}

// waitConn blocks until the machine's status snapshot reflects want.
// Status changes are applied asynchronously by the owner goroutine.
func waitConn(t *testing.T, m *session.Machine, want protocol.ConnectionStatus) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if m.ConnectionStatus() == want {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("connection status never reached %s (have %s)", want, m.ConnectionStatus())
}

func waitState(t *testing.T, m *session.Machine, want protocol.CallState) protocol.CallSession {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if sess, ok := m.Snapshot(); ok && sess.State == want {
			return sess
		}
		time.Sleep(2 * time.Millisecond)
	}
	sess, ok := m.Snapshot()
	t.Fatalf("state never reached %s (have session=%v state=%s)", want, ok, sess.State)
	return protocol.CallSession{}
}

func waitIdle(t *testing.T, m *session.Machine) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, ok := m.Snapshot(); !ok {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("session never cleared")
}

func TestPlaceCallEndToEnd(t *testing.T) {
	b := newBridge(t)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	sess, err := b.client.PlaceCall(ctx, "+15550123", 1)
	if err != nil {
		t.Fatalf("place call: %v", err)
	}
	if sess.SessionID == "" {
		t.Error("session id empty")
	}
	if sess.Direction != protocol.DirectionOutgoing {
		t.Errorf("direction = %s, want outgoing", sess.Direction)
	}

	// The host's id is authoritative on both sides once confirmed.
	hostSess := waitState(t, b.host.Machine(), protocol.StateActive)
	clientSess := waitState(t, b.client.Machine(), protocol.StateActive)
	if hostSess.SessionID != clientSess.SessionID {
		t.Errorf("session ids diverged: host %s, client %s", hostSess.SessionID, clientSess.SessionID)
	}
	if clientSess.RemoteAddress != "+15550123" {
		t.Errorf("client address = %q", clientSess.RemoteAddress)
	}
}

func TestHangUpEndsCallOnBothSides(t *testing.T) {
	b := newBridge(t)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	if _, err := b.client.PlaceCall(ctx, "+15550123", 1); err != nil {
		t.Fatalf("place call: %v", err)
	}
	waitState(t, b.client.Machine(), protocol.StateActive)

	sess, err := b.client.HangUp(ctx)
	if err != nil {
		t.Fatalf("hang up: %v", err)
	}
	if sess.State != protocol.StateIdle {
		t.Errorf("resolved state = %s, want Idle", sess.State)
	}
	waitIdle(t, b.host.Machine())
	waitIdle(t, b.client.Machine())
}

func TestPlaceCallWhileBusyIsRejectedLocally(t *testing.T) {
	b := newBridge(t)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	if _, err := b.client.PlaceCall(ctx, "+15550123", 1); err != nil {
		t.Fatalf("place call: %v", err)
	}
	waitState(t, b.client.Machine(), protocol.StateActive)

	if _, err := b.client.PlaceCall(ctx, "+15550999", 1); !errors.Is(err, protocol.ErrSessionBusy) {
		t.Errorf("second call err = %v, want ErrSessionBusy", err)
	}
	// The first call is untouched.
	if sess, ok := b.client.Snapshot(); !ok || sess.State != protocol.StateActive {
		t.Errorf("first call disturbed: ok=%v state=%s", ok, sess.State)
	}
}

func TestCommandsRefusedBeforeReconciliation(t *testing.T) {
	host := NewHost(HostConfig{Stack: telephony.NewSimulated(telephony.SimulatedConfig{})})
	client := NewClient(ClientConfig{
		Sender: pipe{deliver: func([]byte) {}},
	})
	host.Start()
	client.Start()
	t.Cleanup(func() { client.Close(); host.Close() })

	// Transport is up but no host snapshot has arrived yet.
	client.HandleStatus(protocol.StatusConnected)

	deadline := time.Now().Add(time.Second)
	for client.ConnectionStatus() != protocol.StatusConnected && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if _, err := client.PlaceCall(context.Background(), "+15550123", 1); !errors.Is(err, protocol.ErrDisconnected) {
		t.Errorf("err = %v, want ErrDisconnected", err)
	}
}

func TestIncomingCallRingsClientAndAccept(t *testing.T) {
	b := newBridge(t)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	id := b.stack.SimulateIncoming("+15550777", 1)
	if id == "" {
		t.Fatal("simulate incoming refused")
	}

	clientSess := waitState(t, b.client.Machine(), protocol.StateRinging)
	if clientSess.Direction != protocol.DirectionIncoming {
		t.Errorf("direction = %s, want incoming", clientSess.Direction)
	}
	if clientSess.SessionID != id {
		t.Errorf("session id = %s, want stack id %s", clientSess.SessionID, id)
	}

	sess, err := b.client.AcceptCall(ctx)
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	if sess.State != protocol.StateActive {
		t.Errorf("resolved state = %s, want Active", sess.State)
	}
	waitState(t, b.host.Machine(), protocol.StateActive)
}

func TestRemoteHangupPropagates(t *testing.T) {
	b := newBridge(t)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	if _, err := b.client.PlaceCall(ctx, "+15550123", 1); err != nil {
		t.Fatalf("place call: %v", err)
	}
	waitState(t, b.client.Machine(), protocol.StateActive)

	b.stack.SimulateRemoteHangup()
	waitIdle(t, b.host.Machine())
	waitIdle(t, b.client.Machine())
}

func TestNativeFaultResetsBothSides(t *testing.T) {
	b := newBridge(t)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	if _, err := b.client.PlaceCall(ctx, "+15550123", 1); err != nil {
		t.Fatalf("place call: %v", err)
	}
	waitState(t, b.client.Machine(), protocol.StateActive)

	b.stack.SimulateFault("no carrier")
	waitIdle(t, b.host.Machine())
	waitIdle(t, b.client.Machine())
}

func TestListSimsRoundTrip(t *testing.T) {
	b := newBridge(t)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	sims, err := b.client.ListSims(ctx)
	if err != nil {
		t.Fatalf("list sims: %v", err)
	}
	if len(sims) != 1 || sims[0].Carrier != "TestCell" {
		t.Errorf("sims = %+v", sims)
	}
}

func TestSendSmsRoundTrip(t *testing.T) {
	b := newBridge(t)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	status, err := b.client.SendSMS(ctx, "+15550123", "hello", 1)
	if err != nil {
		t.Fatalf("send sms: %v", err)
	}
	if status != protocol.SmsSent {
		t.Errorf("status = %s, want %s", status, protocol.SmsSent)
	}
}

func TestSmsReceivedReachesClientCallback(t *testing.T) {
	stack := telephony.NewSimulated(telephony.SimulatedConfig{})
	var host *Host
	got := make(chan string, 1)

	host = NewHost(HostConfig{Stack: stack, CommandTimeout: time.Second})
	client := NewClient(ClientConfig{
		Sender: pipe{deliver: func(d []byte) { host.HandleMessage(d) }},
		OnSmsReceived: func(address, body string, sim int) {
			got <- address + ":" + body
		},
	})
	host.Start()
	client.Start()
	client.HandleStatus(protocol.StatusConnected)
	host.Attach(pipe{deliver: func(d []byte) { client.HandleMessage(d) }})
	t.Cleanup(func() { client.Close(); host.Close(); stack.Close() })

	stack.SimulateSmsReceived("+15550321", "pong", 1)

	select {
	case s := <-got:
		if s != "+15550321:pong" {
			t.Errorf("sms = %q", s)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("sms never delivered")
	}
}

func TestReconnectionReconciliationAdoptsLiveCall(t *testing.T) {
	b := newBridge(t)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	if _, err := b.client.PlaceCall(ctx, "+15550123", 1); err != nil {
		t.Fatalf("place call: %v", err)
	}
	hostSess := waitState(t, b.host.Machine(), protocol.StateActive)
	waitState(t, b.client.Machine(), protocol.StateActive)

	// Drop the link. The host keeps the call; the client refuses
	// commands until realigned.
	b.host.Detach()
	b.client.HandleStatus(protocol.StatusDisconnected)
	waitConn(t, b.client.Machine(), protocol.StatusDisconnected)
	if _, err := b.client.HangUp(ctx); !errors.Is(err, protocol.ErrDisconnected) {
		t.Errorf("hangup while down err = %v, want ErrDisconnected", err)
	}

	// Reconnect. Snapshot exchange realigns the mirror.
	b.client.HandleStatus(protocol.StatusConnected)
	b.host.Attach(pipe{deliver: func(d []byte) { b.client.HandleMessage(d) }})
	waitConn(t, b.client.Machine(), protocol.StatusConnected)

	clientSess := waitState(t, b.client.Machine(), protocol.StateActive)
	if clientSess.SessionID != hostSess.SessionID {
		t.Errorf("adopted session = %s, want %s", clientSess.SessionID, hostSess.SessionID)
	}

	// Commands work again.
	if _, err := b.client.HangUp(ctx); err != nil {
		t.Fatalf("hangup after reconcile: %v", err)
	}
	waitIdle(t, b.host.Machine())
}

func TestReconciliationDiscardsEndedCall(t *testing.T) {
	b := newBridge(t)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	if _, err := b.client.PlaceCall(ctx, "+15550123", 1); err != nil {
		t.Fatalf("place call: %v", err)
	}
	waitState(t, b.client.Machine(), protocol.StateActive)

	// Call ends while the link is down.
	b.host.Detach()
	b.client.HandleStatus(protocol.StatusDisconnected)
	b.stack.SimulateRemoteHangup()
	waitIdle(t, b.host.Machine())

	b.client.HandleStatus(protocol.StatusConnected)
	b.host.Attach(pipe{deliver: func(d []byte) { b.client.HandleMessage(d) }})

	waitIdle(t, b.client.Machine())
}

func TestUnknownMessageGetsErrorReply(t *testing.T) {
	stack := telephony.NewSimulated(telephony.SimulatedConfig{})
	host := NewHost(HostConfig{Stack: stack, CommandTimeout: time.Second})
	host.Start()
	t.Cleanup(func() { host.Close(); stack.Close() })

	out := &capture{}
	host.Attach(out)

	host.HandleMessage([]byte(`{"type":"bogus","reqId":"r9"}`))

	reply := out.last(t)
	if reply.Type != protocol.TypeError {
		t.Fatalf("reply type = %s, want error", reply.Type)
	}
	if reply.Code != protocol.CodeUnknownMessage {
		t.Errorf("code = %s, want UnknownMessage", reply.Code)
	}
	if reply.ReqID != "r9" {
		t.Errorf("reqId = %q, want r9", reply.ReqID)
	}
}

func TestHostRejectsEventTypesFromClient(t *testing.T) {
	stack := telephony.NewSimulated(telephony.SimulatedConfig{})
	host := NewHost(HostConfig{Stack: stack, CommandTimeout: time.Second})
	host.Start()
	t.Cleanup(func() { host.Close(); stack.Close() })

	out := &capture{}
	host.Attach(out)

	// callState is host-to-client only.
	host.HandleMessage([]byte(`{"type":"callState","state":"Active","sessionId":"s1","reqId":"r2"}`))

	reply := out.last(t)
	if reply.Type != protocol.TypeError || reply.Code != protocol.CodeUnauthorized {
		t.Fatalf("reply = %+v, want Unauthorized error", reply)
	}
	if reply.ReqID != "r2" {
		t.Errorf("reqId = %q, want r2", reply.ReqID)
	}
	// The bogus event must not have created a session.
	if _, ok := host.Machine().Snapshot(); ok {
		t.Error("unauthorized event created a session")
	}
}

func TestHangUpRejectsClientSessionBusyWhenIdle(t *testing.T) {
	b := newBridge(t)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	if _, err := b.client.HangUp(ctx); !errors.Is(err, protocol.ErrSessionBusy) {
		t.Errorf("err = %v, want ErrSessionBusy", err)
	}
}
