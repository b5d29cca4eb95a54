package router

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/alaska-icy-giant/simbridge-sub002/internal/bridge/protocol"
	"github.com/alaska-icy-giant/simbridge-sub002/internal/bridge/reconcile"
	"github.com/alaska-icy-giant/simbridge-sub002/internal/bridge/session"
	"github.com/alaska-icy-giant/simbridge-sub002/internal/events"
	"github.com/alaska-icy-giant/simbridge-sub002/internal/telephony"
)

// HostConfig configures the host-side router.
type HostConfig struct {
	// Stack is the native telephony collaborator. Required.
	Stack telephony.Stack
	// Publisher receives lifecycle events. Defaults to NoopPublisher.
	Publisher events.Publisher
	// NodeID tags published events with this host's identity.
	NodeID string
	// CommandTimeout is passed through to the session machine.
	CommandTimeout time.Duration
	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// Host owns the authoritative session machine and drives the telephony
// stack. It outlives individual client connections: the current Sender
// is attached per connection while sessions and state persist across
// them.
type Host struct {
	stack   telephony.Stack
	pub     events.Publisher
	nodeID  string
	timeout time.Duration
	log     *slog.Logger

	machine *session.Machine
	outbox  chan session.Transition

	stop chan struct{}
	once sync.Once
	wg   sync.WaitGroup

	mu     sync.Mutex
	sender Sender
}

// NewHost creates a stopped host router. Call Start before use.
func NewHost(cfg HostConfig) *Host {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	pub := cfg.Publisher
	if pub == nil {
		pub = events.NoopPublisher{}
	}
	timeout := cfg.CommandTimeout
	if timeout <= 0 {
		timeout = session.DefaultCommandTimeout
	}
	h := &Host{
		stack:   cfg.Stack,
		pub:     pub,
		nodeID:  cfg.NodeID,
		timeout: timeout,
		log:     logger.With("component", "router", "role", "host"),
		outbox:  make(chan session.Transition, 256),
		stop:    make(chan struct{}),
	}
	h.machine = session.New(session.Config{
		Role:           protocol.RoleHost,
		CommandTimeout: timeout,
		Logger:         logger,
		// The sink runs on the machine's owner goroutine; hand the
		// transition off instead of writing to the socket from there.
		Sink: func(t session.Transition) {
			select {
			case h.outbox <- t:
			default:
				h.log.Warn("transition outbox full, dropping broadcast",
					"session", t.Session.SessionID, "state", string(t.Session.State))
			}
		},
	})
	return h
}

// Machine exposes the session machine for status reads and tests.
func (h *Host) Machine() *session.Machine { return h.machine }

// Start launches the machine and the event pumps.
func (h *Host) Start() {
	h.machine.Start()
	h.wg.Add(2)
	go h.outboxPump()
	go h.stackPump()
}

// Close stops the router. The telephony stack is closed by its owner.
func (h *Host) Close() {
	h.once.Do(func() { close(h.stop) })
	h.machine.Close()
	h.wg.Wait()
}

// Attach binds the freshly connected client and opens reconciliation by
// sending the authoritative snapshot.
func (h *Host) Attach(s Sender) {
	h.mu.Lock()
	h.sender = s
	h.mu.Unlock()
	h.machine.SetConnectionStatus(protocol.StatusConnected)
	h.sendSnapshot()
}

// Detach clears the connection after the client drops.
func (h *Host) Detach() {
	h.mu.Lock()
	h.sender = nil
	h.mu.Unlock()
	h.machine.SetConnectionStatus(protocol.StatusDisconnected)
}

func (h *Host) sendSnapshot() {
	msg := &protocol.Message{
		Type:             protocol.TypeStateSnapshot,
		ConnectionStatus: protocol.StatusConnected,
	}
	if sess, ok := h.machine.Snapshot(); ok {
		msg.Session = &sess
	}
	h.reply(msg)
}

// HandleMessage processes one inbound frame from the client. Invalid or
// unauthorized envelopes are answered with an error reply, never by
// dropping the connection.
func (h *Host) HandleMessage(data []byte) {
	msg, err := protocol.Decode(data)
	if err != nil {
		h.log.Warn("undecodable frame", "error", err)
		h.reply(rejectMessage(err, ""))
		return
	}
	if err := msg.Validate(); err != nil {
		h.log.Warn("invalid message", "type", string(msg.Type), "error", err)
		h.reply(rejectMessage(err, msg.ReqID))
		return
	}
	if !msg.Type.AllowedFrom(protocol.RoleClient) {
		h.log.Warn("message type not permitted from client", "type", string(msg.Type), "req_id", msg.ReqID)
		h.reply(protocol.ErrorReply(protocol.CodeUnauthorized,
			"type "+string(msg.Type)+" is not a client message", msg.ReqID))
		return
	}

	// Log the accepted command before dispatching it.
	h.log.Info("inbound", "type", string(msg.Type), "req_id", msg.ReqID, "session", msg.SessionID)

	switch msg.Type {
	case protocol.TypePlaceCall:
		h.handlePlaceCall(msg)
	case protocol.TypeAcceptCall:
		h.handleAcceptCall(msg)
	case protocol.TypeHangUp:
		h.handleHangUp(msg)
	case protocol.TypeSendSms:
		go h.handleSendSms(msg)
	case protocol.TypeListSims:
		go h.handleListSims(msg)
	case protocol.TypeStateSnapshot:
		h.handleClientSnapshot(msg)
	case protocol.TypeError:
		h.log.Warn("error reported by client", "code", string(msg.Code), "message", msg.Text, "req_id", msg.ReqID)
	}
}

func (h *Host) handlePlaceCall(msg *protocol.Message) {
	ticket, err := h.machine.PlaceCall(msg.ReqID, msg.Address, msg.Sim)
	if err != nil {
		h.reply(rejectMessage(err, msg.ReqID))
		return
	}
	// The Dialing transition is already on its way to the client; the
	// native dial proceeds off the router goroutine.
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), h.timeout)
		defer cancel()
		if err := h.stack.InitiateOutgoing(ctx, ticket.Session.SessionID, msg.Address, msg.Sim); err != nil {
			h.log.Error("native dial failed", "session", ticket.Session.SessionID, "error", err)
			h.machine.ApplyEvent(session.Event{
				SessionID: ticket.Session.SessionID,
				State:     protocol.StateError,
				ReqID:     msg.ReqID,
				Code:      protocol.CodeNativeStackFault,
				Reason:    err.Error(),
			})
		}
	}()
}

func (h *Host) handleAcceptCall(msg *protocol.Message) {
	ticket, err := h.machine.AcceptCall(msg.ReqID)
	if err != nil {
		h.reply(rejectMessage(err, msg.ReqID))
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), h.timeout)
		defer cancel()
		if err := h.stack.AcceptIncoming(ctx, ticket.Session.SessionID); err != nil {
			h.log.Error("native accept failed", "session", ticket.Session.SessionID, "error", err)
			h.machine.ApplyEvent(session.Event{
				SessionID: ticket.Session.SessionID,
				State:     protocol.StateError,
				ReqID:     msg.ReqID,
				Code:      protocol.CodeNativeStackFault,
				Reason:    err.Error(),
			})
		}
	}()
}

func (h *Host) handleHangUp(msg *protocol.Message) {
	ticket, err := h.machine.HangUp(msg.ReqID)
	if err != nil {
		h.reply(rejectMessage(err, msg.ReqID))
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), h.timeout)
		defer cancel()
		if err := h.stack.Terminate(ctx, ticket.Session.SessionID); err != nil {
			h.log.Error("native terminate failed", "session", ticket.Session.SessionID, "error", err)
			h.machine.FailCommand(msg.ReqID, err)
			h.reply(rejectMessage(err, msg.ReqID))
		}
	}()
}

func (h *Host) handleSendSms(msg *protocol.Message) {
	ctx, cancel := context.WithTimeout(context.Background(), h.timeout)
	defer cancel()
	status, err := h.stack.SendSMS(ctx, msg.Address, msg.Body, msg.Sim)
	if err != nil {
		h.reply(rejectMessage(err, msg.ReqID))
		return
	}
	h.reply(&protocol.Message{
		Type:      protocol.TypeSmsStatus,
		ReqID:     msg.ReqID,
		Address:   msg.Address,
		SmsStatus: status,
	})

	ev := events.New(h.nodeID, events.SmsSent)
	ev.Address = msg.Address
	ev.Sim = msg.Sim
	h.publish(ev)
}

func (h *Host) handleListSims(msg *protocol.Message) {
	ctx, cancel := context.WithTimeout(context.Background(), h.timeout)
	defer cancel()
	sims, err := h.stack.Sims(ctx)
	if err != nil {
		h.reply(rejectMessage(err, msg.ReqID))
		return
	}
	h.reply(&protocol.Message{
		Type:  protocol.TypeSimList,
		ReqID: msg.ReqID,
		Sims:  sims,
	})
}

// handleClientSnapshot logs divergence. The host never adjusts its own
// state to a client assertion; the authoritative snapshot already went
// out on Attach.
func (h *Host) handleClientSnapshot(msg *protocol.Message) {
	var local *protocol.CallSession
	if sess, ok := h.machine.Snapshot(); ok {
		local = &sess
	}
	if reconcile.Diverged(local, msg.Session) {
		h.log.Info("client view diverged, client will adopt host snapshot",
			"outcome", reconcile.Resolve(msg.Session, local).String())
	}
}

func (h *Host) outboxPump() {
	defer h.wg.Done()
	for {
		select {
		case t := <-h.outbox:
			h.broadcast(t)
		case <-h.stop:
			return
		}
	}
}

// broadcast turns one applied transition into a callState event for the
// client and a lifecycle event for external consumers.
func (h *Host) broadcast(t session.Transition) {
	h.reply(&protocol.Message{
		Type:      protocol.TypeCallState,
		ReqID:     t.ReqID,
		State:     t.Session.State,
		Direction: t.Session.Direction,
		SessionID: t.Session.SessionID,
		Address:   t.Session.RemoteAddress,
		Sim:       t.Session.SimSlot,
		Code:      t.Code,
		Text:      t.Reason,
	})

	if et, ok := events.ForState(t.Session.State); ok {
		ev := events.New(h.nodeID, et)
		ev.SessionID = t.Session.SessionID
		ev.Direction = t.Session.Direction
		ev.Address = t.Session.RemoteAddress
		ev.Sim = t.Session.SimSlot
		ev.Reason = t.Reason
		h.publish(ev)
	}
}

func (h *Host) stackPump() {
	defer h.wg.Done()
	for {
		select {
		case ev, ok := <-h.stack.Events():
			if !ok {
				return
			}
			h.handleStackEvent(ev)
		case <-h.stop:
			return
		}
	}
}

func (h *Host) handleStackEvent(ev telephony.Event) {
	switch ev.Kind {
	case telephony.EventIncoming:
		h.machine.ApplyEvent(session.Event{
			SessionID: ev.SessionID,
			State:     protocol.StateRinging,
			Direction: protocol.DirectionIncoming,
			Address:   ev.Address,
			Sim:       ev.Sim,
		})
	case telephony.EventRinging:
		h.machine.ApplyEvent(session.Event{SessionID: ev.SessionID, State: protocol.StateRinging, Address: ev.Address, Sim: ev.Sim})
	case telephony.EventActive:
		h.machine.ApplyEvent(session.Event{SessionID: ev.SessionID, State: protocol.StateActive, Address: ev.Address, Sim: ev.Sim})
	case telephony.EventDisconnecting:
		h.machine.ApplyEvent(session.Event{SessionID: ev.SessionID, State: protocol.StateDisconnecting})
	case telephony.EventEnded:
		h.machine.ApplyEvent(session.Event{SessionID: ev.SessionID, State: protocol.StateIdle, Reason: ev.Reason})
	case telephony.EventFailed:
		h.machine.ApplyEvent(session.Event{
			SessionID: ev.SessionID,
			State:     protocol.StateError,
			Code:      protocol.CodeNativeStackFault,
			Reason:    ev.Reason,
		})
	case telephony.EventSmsReceived:
		h.reply(&protocol.Message{
			Type:    protocol.TypeSmsReceived,
			Address: ev.Address,
			Body:    ev.Body,
			Sim:     ev.Sim,
		})
		pub := events.New(h.nodeID, events.SmsReceived)
		pub.Address = ev.Address
		pub.Sim = ev.Sim
		h.publish(pub)
	default:
		h.log.Warn("unhandled stack event", "kind", ev.Kind.String(), "session", ev.SessionID)
	}
}

// reply sends one envelope on the current connection. A detached or
// broken connection is not an error here: the client catches up through
// reconciliation on its next connect.
func (h *Host) reply(msg *protocol.Message) {
	h.mu.Lock()
	s := h.sender
	h.mu.Unlock()
	if s == nil {
		return
	}
	if err := sendMessage(context.Background(), s, msg); err != nil {
		h.log.Warn("send failed", "type", string(msg.Type), "error", err)
	}
}

func (h *Host) publish(ev events.Event) {
	if err := h.pub.Publish(context.Background(), ev); err != nil {
		h.log.Warn("event publish failed", "type", string(ev.Type), "error", err)
	}
}
