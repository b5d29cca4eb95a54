package router

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/alaska-icy-giant/simbridge-sub002/internal/bridge/protocol"
	"github.com/alaska-icy-giant/simbridge-sub002/internal/bridge/session"
)

// ClientConfig configures the client-side router.
type ClientConfig struct {
	// Sender is the reconnecting channel to the host. Required.
	Sender Sender
	// CommandTimeout is passed through to the session machine and bounds
	// request/reply exchanges like listSims.
	CommandTimeout time.Duration
	// OnSmsReceived is invoked for inbound texts relayed by the host.
	OnSmsReceived func(address, body string, sim int)
	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// Client mirrors the host's session state and exposes the command API.
// Commands are refused until the first snapshot exchange after a
// connect has realigned the mirror.
type Client struct {
	sender  Sender
	timeout time.Duration
	onSms   func(address, body string, sim int)
	log     *slog.Logger

	machine *session.Machine

	mu         sync.Mutex
	reconciled bool
	pendings   map[string]chan *protocol.Message
}

// NewClient creates a stopped client router. Call Start before use.
func NewClient(cfg ClientConfig) *Client {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	timeout := cfg.CommandTimeout
	if timeout <= 0 {
		timeout = session.DefaultCommandTimeout
	}
	c := &Client{
		sender:   cfg.Sender,
		timeout:  timeout,
		onSms:    cfg.OnSmsReceived,
		log:      logger.With("component", "router", "role", "client"),
		pendings: make(map[string]chan *protocol.Message),
	}
	c.machine = session.New(session.Config{
		Role:           protocol.RoleClient,
		CommandTimeout: timeout,
		Logger:         logger,
	})
	return c
}

// Machine exposes the mirror machine for status reads and tests.
func (c *Client) Machine() *session.Machine { return c.machine }

// Start launches the mirror machine.
func (c *Client) Start() { c.machine.Start() }

// Close stops the router, aborting outstanding waits.
func (c *Client) Close() {
	c.failPendings()
	c.machine.Close()
}

// Snapshot returns a copy of the mirrored session, if any.
func (c *Client) Snapshot() (protocol.CallSession, bool) { return c.machine.Snapshot() }

// ConnectionStatus returns the channel status as last reported.
func (c *Client) ConnectionStatus() protocol.ConnectionStatus { return c.machine.ConnectionStatus() }

// Watch subscribes to mirrored session transitions.
func (c *Client) Watch(buffer int) (<-chan session.Transition, func()) { return c.machine.Watch(buffer) }

// HandleStatus reacts to transport status changes. Wire it to the
// dialer's OnStatus callback.
func (c *Client) HandleStatus(st protocol.ConnectionStatus) {
	c.machine.SetConnectionStatus(st)
	if st == protocol.StatusConnected {
		// Offer the local view so the host can log divergence. The
		// host's own snapshot, arriving separately, is what realigns us.
		c.sendSnapshot()
		return
	}
	c.setReconciled(false)
	c.failPendings()
}

func (c *Client) sendSnapshot() {
	msg := &protocol.Message{
		Type:             protocol.TypeStateSnapshot,
		ConnectionStatus: protocol.StatusConnected,
	}
	if sess, ok := c.machine.Snapshot(); ok {
		msg.Session = &sess
	}
	if err := sendMessage(context.Background(), c.sender, msg); err != nil {
		c.log.Warn("snapshot send failed", "error", err)
	}
}

// HandleMessage processes one inbound frame from the host.
func (c *Client) HandleMessage(data []byte) {
	msg, err := protocol.Decode(data)
	if err != nil {
		c.log.Warn("undecodable frame", "error", err)
		c.reply(rejectMessage(err, ""))
		return
	}
	if err := msg.Validate(); err != nil {
		c.log.Warn("invalid message", "type", string(msg.Type), "error", err)
		c.reply(rejectMessage(err, msg.ReqID))
		return
	}
	if !msg.Type.AllowedFrom(protocol.RoleHost) {
		c.log.Warn("message type not permitted from host", "type", string(msg.Type), "req_id", msg.ReqID)
		c.reply(protocol.ErrorReply(protocol.CodeUnauthorized,
			"type "+string(msg.Type)+" is not a host message", msg.ReqID))
		return
	}

	c.log.Debug("inbound", "type", string(msg.Type), "req_id", msg.ReqID, "session", msg.SessionID)

	switch msg.Type {
	case protocol.TypeCallState:
		c.machine.ApplyEvent(session.Event{
			SessionID: msg.SessionID,
			State:     msg.State,
			Address:   msg.Address,
			Direction: msg.Direction,
			Sim:       msg.Sim,
			ReqID:     msg.ReqID,
			Code:      msg.Code,
			Reason:    msg.Text,
		})
	case protocol.TypeSimList, protocol.TypeSmsStatus:
		c.deliver(msg)
	case protocol.TypeSmsReceived:
		if c.onSms != nil {
			c.onSms(msg.Address, msg.Body, msg.Sim)
		}
	case protocol.TypeStateSnapshot:
		c.machine.AdoptSnapshot(msg.Session)
		c.setReconciled(true)
	case protocol.TypeError:
		if c.deliver(msg) {
			return
		}
		if msg.ReqID != "" {
			c.machine.FailCommand(msg.ReqID, protocol.ErrFor(msg.Code, msg.Text))
			return
		}
		c.log.Warn("error reported by host", "code", string(msg.Code), "message", msg.Text)
	}
}

// PlaceCall asks the host to dial. Blocks until the host's confirming
// event, an error reply, a timeout, or ctx expiry.
func (c *Client) PlaceCall(ctx context.Context, address string, sim int) (protocol.CallSession, error) {
	if err := c.ready(); err != nil {
		return protocol.CallSession{}, err
	}
	reqID := uuid.NewString()
	ticket, err := c.machine.PlaceCall(reqID, address, sim)
	if err != nil {
		return protocol.CallSession{}, err
	}
	c.sendCommand(reqID, &protocol.Message{
		Type:    protocol.TypePlaceCall,
		ReqID:   reqID,
		Address: address,
		Sim:     sim,
	})
	return ticket.Wait(ctx)
}

// AcceptCall answers the ringing inbound call.
func (c *Client) AcceptCall(ctx context.Context) (protocol.CallSession, error) {
	if err := c.ready(); err != nil {
		return protocol.CallSession{}, err
	}
	reqID := uuid.NewString()
	ticket, err := c.machine.AcceptCall(reqID)
	if err != nil {
		return protocol.CallSession{}, err
	}
	c.sendCommand(reqID, &protocol.Message{Type: protocol.TypeAcceptCall, ReqID: reqID})
	return ticket.Wait(ctx)
}

// HangUp ends (or rejects) the current call.
func (c *Client) HangUp(ctx context.Context) (protocol.CallSession, error) {
	if err := c.ready(); err != nil {
		return protocol.CallSession{}, err
	}
	reqID := uuid.NewString()
	ticket, err := c.machine.HangUp(reqID)
	if err != nil {
		return protocol.CallSession{}, err
	}
	c.sendCommand(reqID, &protocol.Message{Type: protocol.TypeHangUp, ReqID: reqID})
	return ticket.Wait(ctx)
}

// SendSMS submits a text through the host's SIM.
func (c *Client) SendSMS(ctx context.Context, address, body string, sim int) (protocol.SmsStatus, error) {
	if err := c.ready(); err != nil {
		return "", err
	}
	reqID := uuid.NewString()
	wait := c.register(reqID)
	msg := &protocol.Message{
		Type:    protocol.TypeSendSms,
		ReqID:   reqID,
		Address: address,
		Body:    body,
		Sim:     sim,
	}
	if err := sendMessage(ctx, c.sender, msg); err != nil {
		c.unregister(reqID)
		return "", err
	}
	reply, err := c.await(ctx, reqID, wait)
	if err != nil {
		return "", err
	}
	return reply.SmsStatus, nil
}

// ListSims fetches the host's SIM inventory.
func (c *Client) ListSims(ctx context.Context) ([]protocol.SimInfo, error) {
	if err := c.ready(); err != nil {
		return nil, err
	}
	reqID := uuid.NewString()
	wait := c.register(reqID)
	if err := sendMessage(ctx, c.sender, &protocol.Message{Type: protocol.TypeListSims, ReqID: reqID}); err != nil {
		c.unregister(reqID)
		return nil, err
	}
	reply, err := c.await(ctx, reqID, wait)
	if err != nil {
		return nil, err
	}
	return reply.Sims, nil
}

func (c *Client) ready() error {
	if c.machine.ConnectionStatus() != protocol.StatusConnected {
		return protocol.ErrDisconnected
	}
	c.mu.Lock()
	rec := c.reconciled
	c.mu.Unlock()
	if !rec {
		return fmt.Errorf("%w: awaiting state reconciliation", protocol.ErrDisconnected)
	}
	return nil
}

// sendCommand forwards an already-ticketed call command. A failed send
// resolves the ticket through the machine so the caller's wait cannot
// hang.
func (c *Client) sendCommand(reqID string, msg *protocol.Message) {
	if err := sendMessage(context.Background(), c.sender, msg); err != nil {
		c.machine.FailCommand(reqID, err)
	}
}

func (c *Client) setReconciled(v bool) {
	c.mu.Lock()
	c.reconciled = v
	c.mu.Unlock()
}

func (c *Client) register(reqID string) chan *protocol.Message {
	ch := make(chan *protocol.Message, 1)
	c.mu.Lock()
	c.pendings[reqID] = ch
	c.mu.Unlock()
	return ch
}

func (c *Client) unregister(reqID string) {
	c.mu.Lock()
	delete(c.pendings, reqID)
	c.mu.Unlock()
}

// deliver routes a reply to its waiting request, reporting whether a
// waiter existed.
func (c *Client) deliver(msg *protocol.Message) bool {
	if msg.ReqID == "" {
		return false
	}
	c.mu.Lock()
	ch, ok := c.pendings[msg.ReqID]
	if ok {
		delete(c.pendings, msg.ReqID)
	}
	c.mu.Unlock()
	if !ok {
		return false
	}
	ch <- msg
	return true
}

// await waits for the routed reply. A closed channel means the
// transport dropped underneath the request.
func (c *Client) await(ctx context.Context, reqID string, wait chan *protocol.Message) (*protocol.Message, error) {
	timer := time.NewTimer(c.timeout)
	defer timer.Stop()
	select {
	case reply, ok := <-wait:
		if !ok {
			return nil, protocol.ErrDisconnected
		}
		if reply.Type == protocol.TypeError {
			return nil, protocol.ErrFor(reply.Code, reply.Text)
		}
		return reply, nil
	case <-timer.C:
		c.unregister(reqID)
		return nil, fmt.Errorf("%w: no reply for %q", protocol.ErrCommandTimeout, reqID)
	case <-ctx.Done():
		c.unregister(reqID)
		return nil, ctx.Err()
	}
}

func (c *Client) failPendings() {
	c.mu.Lock()
	for id, ch := range c.pendings {
		delete(c.pendings, id)
		close(ch)
	}
	c.mu.Unlock()
}

func (c *Client) reply(msg *protocol.Message) {
	if err := sendMessage(context.Background(), c.sender, msg); err != nil {
		c.log.Warn("send failed", "type", string(msg.Type), "error", err)
	}
}
