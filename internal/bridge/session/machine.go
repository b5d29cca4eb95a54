package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/alaska-icy-giant/simbridge-sub002/internal/bridge/protocol"
)

// DefaultCommandTimeout bounds how long an accepted command may wait for
// its confirming event before the session is forced back to Idle.
const DefaultCommandTimeout = 5 * time.Second

// Event is a normalized state-confirming input: native telephony reports
// on the host, wire callState events on the client. Transitions only
// ever happen because one of these arrived, never invented locally
// (placeCall's Idle -> Dialing move being the one command-driven case).
type Event struct {
	SessionID string
	State     protocol.CallState
	Address   string
	Direction protocol.Direction
	Sim       int
	// ReqID correlates the event with the command that caused it.
	// Unsolicited events (incoming call, remote hangup) carry "".
	ReqID  string
	Code   protocol.ErrorCode
	Reason string
}

// Transition is one applied state change, broadcast to the sink and to
// watchers. Session is a copy taken after the change.
type Transition struct {
	Session protocol.CallSession
	ReqID   string
	Code    protocol.ErrorCode
	Reason  string
}

// CommandResult is the terminal resolution of one accepted command:
// exactly one of {confirming event, error, timeout, disconnect}.
type CommandResult struct {
	Session protocol.CallSession
	Err     error
}

// Ticket tracks an accepted command until its terminal resolution.
type Ticket struct {
	ReqID   string
	Session protocol.CallSession
	wait    <-chan CommandResult
}

// Wait blocks until the command resolves or ctx expires. The machine
// guarantees the result channel fires exactly once per ticket.
func (t *Ticket) Wait(ctx context.Context) (protocol.CallSession, error) {
	select {
	case res := <-t.wait:
		return res.Session, res.Err
	case <-ctx.Done():
		return protocol.CallSession{}, ctx.Err()
	}
}

// Config configures a Machine.
type Config struct {
	Role protocol.Role
	// CommandTimeout defaults to DefaultCommandTimeout when zero.
	CommandTimeout time.Duration
	// Sink receives every applied transition, invoked from the owner
	// goroutine. It must not block.
	Sink func(Transition)
	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// Machine is the call session state machine. Create with New, then
// Start; all exported methods are safe for concurrent use.
type Machine struct {
	role    protocol.Role
	timeout time.Duration
	sink    func(Transition)
	log     *slog.Logger

	inputs  chan input
	stop    chan struct{}
	done    chan struct{}
	once    sync.Once
	started atomic.Bool

	// Owner-goroutine state. Only the run loop touches these.
	cur        *protocol.CallSession
	generation uint64
	connStatus protocol.ConnectionStatus
	pendings   map[string]*pending

	// Copy-on-read snapshots for concurrent readers.
	snapMu   sync.RWMutex
	snapSess *protocol.CallSession
	snapConn protocol.ConnectionStatus

	watchMu  sync.Mutex
	watchers map[int]chan Transition
	watchSeq int
}

// expectAnyProgress marks a pending that resolves on the first
// confirming event for its session, whatever the reached state.
const expectAnyProgress protocol.CallState = ""

type pending struct {
	reqID     string
	sessionID string
	expect    protocol.CallState
	result    chan CommandResult
	timer     *time.Timer
}

type inputKind int

const (
	inputCommand inputKind = iota
	inputEvent
	inputStatus
	inputSnapshot
	inputTimeout
	inputFail
)

type cmdKind int

const (
	cmdPlaceCall cmdKind = iota
	cmdAcceptCall
	cmdHangUp
)

type command struct {
	kind    cmdKind
	reqID   string
	address string
	sim     int
	reply   chan cmdReply
}

type cmdReply struct {
	ticket *Ticket
	err    error
}

type input struct {
	kind     inputKind
	cmd      *command
	ev       Event
	status   protocol.ConnectionStatus
	snapshot *protocol.CallSession
	reqID    string
	failErr  error
}

// New creates a stopped machine. Call Start before use.
func New(cfg Config) *Machine {
	timeout := cfg.CommandTimeout
	if timeout <= 0 {
		timeout = DefaultCommandTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	sink := cfg.Sink
	if sink == nil {
		sink = func(Transition) {}
	}
	return &Machine{
		role:       cfg.Role,
		timeout:    timeout,
		sink:       sink,
		log:        logger.With("component", "session", "role", string(cfg.Role)),
		inputs:     make(chan input, 64),
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
		connStatus: protocol.StatusDisconnected,
		snapConn:   protocol.StatusDisconnected,
		pendings:   make(map[string]*pending),
		watchers:   make(map[int]chan Transition),
	}
}

// Start launches the owner goroutine. Repeated calls are no-ops.
func (m *Machine) Start() {
	if !m.started.CompareAndSwap(false, true) {
		return
	}
	go m.run()
}

// Close stops the owner goroutine. Outstanding command waits resolve
// with Disconnected rather than hanging forever. Closing a machine that
// was never started returns immediately.
func (m *Machine) Close() {
	m.once.Do(func() { close(m.stop) })
	if !m.started.Load() {
		return
	}
	<-m.done
}

func (m *Machine) run() {
	defer close(m.done)
	for {
		select {
		case in := <-m.inputs:
			m.dispatch(in)
		case <-m.stop:
			m.failAllPendings(protocol.ErrDisconnected)
			m.closeWatchers()
			return
		}
	}
}

func (m *Machine) dispatch(in input) {
	switch in.kind {
	case inputCommand:
		in.cmd.reply <- m.handleCommand(in.cmd)
	case inputEvent:
		m.handleEvent(in.ev)
	case inputStatus:
		m.handleStatus(in.status)
	case inputSnapshot:
		m.handleSnapshot(in.snapshot)
	case inputTimeout:
		m.handleTimeout(in.reqID)
	case inputFail:
		m.handleFail(in.reqID, in.failErr)
	}
}

func (m *Machine) submit(in input) bool {
	select {
	case m.inputs <- in:
		return true
	case <-m.stop:
		return false
	}
}

// PlaceCall requests origination of an outgoing call. Only permitted
// from Idle; otherwise fails with SessionBusy. On the host the session
// moves to Dialing and the caller dispatches the native initiate; on the
// client a provisional session is created and the wire command is sent.
func (m *Machine) PlaceCall(reqID, address string, sim int) (*Ticket, error) {
	return m.sendCommand(&command{kind: cmdPlaceCall, reqID: reqID, address: address, sim: sim})
}

// AcceptCall answers the currently ringing inbound call.
func (m *Machine) AcceptCall(reqID string) (*Ticket, error) {
	return m.sendCommand(&command{kind: cmdAcceptCall, reqID: reqID})
}

// HangUp requests termination of the current call. It does not itself
// change state; the transition is confirmed by the endEvent.
func (m *Machine) HangUp(reqID string) (*Ticket, error) {
	return m.sendCommand(&command{kind: cmdHangUp, reqID: reqID})
}

func (m *Machine) sendCommand(cmd *command) (*Ticket, error) {
	cmd.reply = make(chan cmdReply, 1)
	if !m.submit(input{kind: inputCommand, cmd: cmd}) {
		return nil, protocol.ErrDisconnected
	}
	rep := <-cmd.reply
	return rep.ticket, rep.err
}

// ApplyEvent feeds one normalized state-confirming event.
func (m *Machine) ApplyEvent(ev Event) {
	m.submit(input{kind: inputEvent, ev: ev})
}

// SetConnectionStatus records a transport status change. A disconnect
// aborts every outstanding command wait with Disconnected; the session
// itself outlives the transport.
func (m *Machine) SetConnectionStatus(st protocol.ConnectionStatus) {
	m.submit(input{kind: inputStatus, status: st})
}

// AdoptSnapshot applies the peer's authoritative session snapshot during
// reconciliation. Passing the same snapshot twice is a no-op.
func (m *Machine) AdoptSnapshot(remote *protocol.CallSession) {
	var cp *protocol.CallSession
	if remote != nil {
		c := *remote
		cp = &c
	}
	m.submit(input{kind: inputSnapshot, snapshot: cp})
}

// FailCommand resolves the pending command with the given error, used
// when the peer answers with an error envelope. A rejected placeCall
// rolls the provisional session back to Idle.
func (m *Machine) FailCommand(reqID string, err error) {
	m.submit(input{kind: inputFail, reqID: reqID, failErr: err})
}

// Snapshot returns a copy of the current session. ok is false when no
// call is in progress.
func (m *Machine) Snapshot() (protocol.CallSession, bool) {
	m.snapMu.RLock()
	defer m.snapMu.RUnlock()
	if m.snapSess == nil {
		return protocol.CallSession{}, false
	}
	return *m.snapSess, true
}

// ConnectionStatus returns the last recorded transport status.
func (m *Machine) ConnectionStatus() protocol.ConnectionStatus {
	m.snapMu.RLock()
	defer m.snapMu.RUnlock()
	return m.snapConn
}

// Watch subscribes to applied transitions. The channel drops when the
// subscriber lags. The returned cancel releases the subscription.
func (m *Machine) Watch(buffer int) (<-chan Transition, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan Transition, buffer)
	m.watchMu.Lock()
	m.watchSeq++
	id := m.watchSeq
	m.watchers[id] = ch
	m.watchMu.Unlock()
	cancel := func() {
		m.watchMu.Lock()
		if w, ok := m.watchers[id]; ok {
			delete(m.watchers, id)
			close(w)
		}
		m.watchMu.Unlock()
	}
	return ch, cancel
}

// --- owner-goroutine internals ---

func (m *Machine) handleCommand(cmd *command) cmdReply {
	switch cmd.kind {
	case cmdPlaceCall:
		return m.handlePlaceCall(cmd)
	case cmdAcceptCall:
		return m.handleAcceptCall(cmd)
	case cmdHangUp:
		return m.handleHangUp(cmd)
	}
	return cmdReply{err: fmt.Errorf("%w: unknown command", protocol.ErrUnknownMessage)}
}

func (m *Machine) handlePlaceCall(cmd *command) cmdReply {
	if m.connStatus != protocol.StatusConnected {
		return cmdReply{err: fmt.Errorf("%w: cannot create a call while disconnected", protocol.ErrDisconnected)}
	}
	if m.cur != nil && !m.cur.State.IsTerminal() {
		return cmdReply{err: fmt.Errorf("%w: %s call to %s in state %s",
			protocol.ErrSessionBusy, m.cur.Direction, m.cur.RemoteAddress, m.cur.State)}
	}
	now := time.Now().UTC()
	m.generation++
	m.cur = &protocol.CallSession{
		SessionID:        uuid.NewString(),
		Direction:        protocol.DirectionOutgoing,
		RemoteAddress:    cmd.address,
		SimSlot:          cmd.sim,
		State:            protocol.StateDialing,
		Generation:       m.generation,
		CreatedAt:        now,
		LastTransitionAt: now,
	}
	// Any confirming report for this session (ringing, active, end,
	// error) resolves the wait; only native silence times it out.
	p := m.registerPending(cmd.reqID, m.cur.SessionID, expectAnyProgress)
	m.emit(Transition{Session: *m.cur, ReqID: cmd.reqID})
	return cmdReply{ticket: &Ticket{ReqID: cmd.reqID, Session: *m.cur, wait: p.result}}
}

func (m *Machine) handleAcceptCall(cmd *command) cmdReply {
	if m.cur == nil || m.cur.State != protocol.StateRinging || m.cur.Direction != protocol.DirectionIncoming {
		return cmdReply{err: fmt.Errorf("%w: no ringing inbound call to accept", protocol.ErrSessionBusy)}
	}
	p := m.registerPending(cmd.reqID, m.cur.SessionID, protocol.StateActive)
	return cmdReply{ticket: &Ticket{ReqID: cmd.reqID, Session: *m.cur, wait: p.result}}
}

func (m *Machine) handleHangUp(cmd *command) cmdReply {
	if m.cur == nil || m.cur.State.IsTerminal() {
		return cmdReply{err: fmt.Errorf("%w: no call to hang up", protocol.ErrSessionBusy)}
	}
	p := m.registerPending(cmd.reqID, m.cur.SessionID, protocol.StateIdle)
	return cmdReply{ticket: &Ticket{ReqID: cmd.reqID, Session: *m.cur, wait: p.result}}
}

func (m *Machine) handleEvent(ev Event) {
	if !ev.State.Valid() {
		m.log.Warn("dropping event with invalid state", "state", string(ev.State), "session", ev.SessionID)
		return
	}

	if m.cur == nil {
		switch ev.State {
		case protocol.StateIdle:
			// Resolve by reqId even with no session: a rejected command's
			// confirmation can arrive as an Idle event.
			m.resolveByReqID(ev, protocol.CallSession{State: protocol.StateIdle})
			return
		case protocol.StateError:
			// A late fault for a call that already timed out or ended.
			// It must not create a session: the Error auto-reset only
			// runs on a live session, so a created one would never clear.
			m.log.Warn("dropping fault with no current session",
				"session", ev.SessionID, "code", string(ev.Code), "reason", ev.Reason)
			m.resolveByReqID(ev, protocol.CallSession{State: protocol.StateIdle})
			return
		case protocol.StateDisconnecting:
			m.log.Warn("dropping teardown event with no current session", "session", ev.SessionID)
			return
		}
		if ev.SessionID == "" {
			m.log.Warn("dropping session-creating event without sessionId", "state", string(ev.State))
			return
		}
		// Unsolicited creation: inbound call on the host, or the client
		// mirroring a session the host just confirmed.
		now := time.Now().UTC()
		dir := ev.Direction
		if !dir.Valid() {
			dir = protocol.DirectionIncoming
		}
		m.generation++
		m.cur = &protocol.CallSession{
			SessionID:        ev.SessionID,
			Direction:        dir,
			RemoteAddress:    ev.Address,
			SimSlot:          ev.Sim,
			State:            ev.State,
			Generation:       m.generation,
			CreatedAt:        now,
			LastTransitionAt: now,
		}
		m.emit(Transition{Session: *m.cur, ReqID: ev.ReqID})
		m.resolvePendings(ev, *m.cur)
		return
	}

	if ev.SessionID != "" && ev.SessionID != m.cur.SessionID {
		// The client's provisional session adopts the host's
		// authoritative id when the confirmation matches by reqId.
		if ev.ReqID != "" {
			if p, ok := m.pendings[ev.ReqID]; ok && p.sessionID == m.cur.SessionID {
				p.sessionID = ev.SessionID
				m.cur.SessionID = ev.SessionID
			}
		}
		if ev.SessionID != m.cur.SessionID {
			// Stale confirmation from a fenced-off earlier session, or
			// an overlapping call this machine cannot represent.
			m.log.Warn("fencing event for foreign session",
				"event_session", ev.SessionID, "current_session", m.cur.SessionID,
				"state", string(ev.State))
			return
		}
	}

	if !m.cur.State.CanTransitionTo(ev.State) {
		m.log.Warn("dropping invalid transition",
			"from", string(m.cur.State), "to", string(ev.State), "session", m.cur.SessionID)
		return
	}

	m.cur.State = ev.State
	m.cur.LastTransitionAt = time.Now().UTC()
	if ev.Address != "" {
		m.cur.RemoteAddress = ev.Address
	}
	if ev.Sim != 0 {
		m.cur.SimSlot = ev.Sim
	}
	applied := *m.cur

	switch ev.State {
	case protocol.StateError:
		code := ev.Code
		if code == "" {
			code = protocol.CodeNativeStackFault
		}
		m.emit(Transition{Session: applied, ReqID: ev.ReqID, Code: code, Reason: ev.Reason})
		m.resolvePendings(ev, applied)
		m.resetToIdle(ev.ReqID, code, ev.Reason)
	case protocol.StateIdle:
		m.emit(Transition{Session: applied, ReqID: ev.ReqID, Reason: ev.Reason})
		m.resolvePendings(ev, applied)
		m.clearSession()
	default:
		m.emit(Transition{Session: applied, ReqID: ev.ReqID})
		m.resolvePendings(ev, applied)
	}
}

// resetToIdle performs the automatic Error -> Idle recovery.
func (m *Machine) resetToIdle(reqID string, code protocol.ErrorCode, reason string) {
	if m.cur == nil {
		return
	}
	m.cur.State = protocol.StateIdle
	m.cur.LastTransitionAt = time.Now().UTC()
	m.emit(Transition{Session: *m.cur, ReqID: reqID, Code: code, Reason: reason})
	m.clearSession()
}

func (m *Machine) clearSession() {
	m.cur = nil
	m.updateSnapshot()
}

func (m *Machine) handleStatus(st protocol.ConnectionStatus) {
	if !st.Valid() || st == m.connStatus {
		return
	}
	m.connStatus = st
	m.updateSnapshot()
	if st == protocol.StatusDisconnected {
		m.failAllPendings(protocol.ErrDisconnected)
	}
}

func (m *Machine) handleSnapshot(remote *protocol.CallSession) {
	switch {
	case remote == nil || remote.State.IsTerminal():
		if m.cur == nil {
			return // idempotent
		}
		// The call ended while we were offline. Discard locally,
		// without emitting a hangup command: there is nothing to end.
		m.log.Info("reconciliation: discarding stale local session",
			"session", m.cur.SessionID, "state", string(m.cur.State))
		m.cur.State = protocol.StateIdle
		m.cur.LastTransitionAt = time.Now().UTC()
		m.emit(Transition{Session: *m.cur, Reason: "reconciled: call ended while disconnected"})
		m.clearSession()
	default:
		if m.cur != nil && m.cur.SessionID == remote.SessionID && m.cur.State == remote.State {
			return // idempotent
		}
		adopted := *remote
		m.generation++
		adopted.Generation = m.generation
		m.cur = &adopted
		m.log.Info("reconciliation: adopting host session",
			"session", adopted.SessionID, "state", string(adopted.State))
		m.emit(Transition{Session: adopted, Reason: "reconciled: adopted host snapshot"})
	}
}

func (m *Machine) handleTimeout(reqID string) {
	p, ok := m.pendings[reqID]
	if !ok {
		return
	}
	m.log.Warn("command timeout, forcing session to Idle", "req_id", reqID, "session", p.sessionID)
	m.resolve(p, CommandResult{Err: fmt.Errorf("%w: no confirming event for %q", protocol.ErrCommandTimeout, reqID)})
	if m.cur != nil && m.cur.SessionID == p.sessionID {
		m.cur.State = protocol.StateIdle
		m.cur.LastTransitionAt = time.Now().UTC()
		m.emit(Transition{Session: *m.cur, ReqID: reqID, Code: protocol.CodeCommandTimeout,
			Reason: "no confirming event within command timeout"})
		m.clearSession()
	}
}

func (m *Machine) handleFail(reqID string, err error) {
	p, ok := m.pendings[reqID]
	if !ok {
		return
	}
	m.resolve(p, CommandResult{Err: err})
	// A rejected placeCall rolls the provisional Dialing session back.
	if m.cur != nil && m.cur.SessionID == p.sessionID && m.cur.State == protocol.StateDialing {
		m.cur.State = protocol.StateIdle
		m.cur.LastTransitionAt = time.Now().UTC()
		m.emit(Transition{Session: *m.cur, ReqID: reqID, Code: protocol.CodeFor(err), Reason: err.Error()})
		m.clearSession()
	}
}

func (m *Machine) registerPending(reqID, sessionID string, expect protocol.CallState) *pending {
	if reqID == "" {
		reqID = uuid.NewString()
	}
	p := &pending{
		reqID:     reqID,
		sessionID: sessionID,
		expect:    expect,
		result:    make(chan CommandResult, 1),
	}
	p.timer = time.AfterFunc(m.timeout, func() {
		m.submit(input{kind: inputTimeout, reqID: reqID})
	})
	m.pendings[reqID] = p
	return p
}

// resolvePendings matches the applied event against outstanding waits.
// Matching is by reqId when the event carries one, otherwise by session
// identity plus reached state: a pending hangUp resolves on an
// unsolicited end event for the same session.
func (m *Machine) resolvePendings(ev Event, applied protocol.CallSession) {
	for _, p := range m.pendings {
		if ev.ReqID != "" && p.reqID == ev.ReqID {
			m.resolve(p, m.resultFor(ev, applied))
			continue
		}
		if p.sessionID != applied.SessionID {
			continue
		}
		if p.expect == expectAnyProgress || ev.State == p.expect ||
			ev.State == protocol.StateIdle || ev.State == protocol.StateError {
			m.resolve(p, m.resultFor(ev, applied))
		}
	}
}

func (m *Machine) resolveByReqID(ev Event, applied protocol.CallSession) {
	if ev.ReqID == "" {
		return
	}
	if p, ok := m.pendings[ev.ReqID]; ok {
		m.resolve(p, m.resultFor(ev, applied))
	}
}

func (m *Machine) resultFor(ev Event, applied protocol.CallSession) CommandResult {
	// An error code on the event fails the wait even when the carried
	// state is the forced Idle that follows a fault or timeout.
	if ev.State == protocol.StateError || ev.Code != "" {
		code := ev.Code
		if code == "" {
			code = protocol.CodeNativeStackFault
		}
		return CommandResult{Session: applied, Err: protocol.ErrFor(code, ev.Reason)}
	}
	return CommandResult{Session: applied}
}

func (m *Machine) resolve(p *pending, res CommandResult) {
	if _, ok := m.pendings[p.reqID]; !ok {
		return
	}
	delete(m.pendings, p.reqID)
	p.timer.Stop()
	p.result <- res
}

func (m *Machine) failAllPendings(err error) {
	for _, p := range m.pendings {
		m.resolve(p, CommandResult{Err: err})
	}
}

func (m *Machine) emit(t Transition) {
	m.updateSnapshot()
	m.sink(t)
	m.watchMu.Lock()
	for _, ch := range m.watchers {
		select {
		case ch <- t:
		default: // lagging watcher, drop
		}
	}
	m.watchMu.Unlock()
}

func (m *Machine) updateSnapshot() {
	m.snapMu.Lock()
	if m.cur == nil {
		m.snapSess = nil
	} else {
		cp := *m.cur
		m.snapSess = &cp
	}
	m.snapConn = m.connStatus
	m.snapMu.Unlock()
}

func (m *Machine) closeWatchers() {
	m.watchMu.Lock()
	for id, ch := range m.watchers {
		delete(m.watchers, id)
		close(ch)
	}
	m.watchMu.Unlock()
}
