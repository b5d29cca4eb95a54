package telephony

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/alaska-icy-giant/simbridge-sub002/internal/bridge/protocol"
)

// SimulatedConfig shapes the fake stack's behavior.
type SimulatedConfig struct {
	// Sims is the inventory reported by Sims(). Defaults to one slot.
	Sims []protocol.SimInfo
	// DialLatency is the delay before an outgoing call reports Ringing.
	DialLatency time.Duration
	// AnswerLatency is the delay after Ringing before the far end
	// auto-answers. Ignored unless AutoAnswer is set.
	AnswerLatency time.Duration
	// AutoAnswer makes outgoing calls connect by themselves.
	AutoAnswer bool
}

// Simulated is an in-process Stack for development and tests. It keeps
// at most one live call, mirroring a single-line cellular modem.
type Simulated struct {
	cfg    SimulatedConfig
	events chan Event

	mu     sync.Mutex
	call   *simCall
	timers []*time.Timer
	closed bool
}

type simCall struct {
	sessionID string
	address   string
	sim       int
	incoming  bool
	answered  bool
}

// NewSimulated creates a simulated stack.
func NewSimulated(cfg SimulatedConfig) *Simulated {
	if len(cfg.Sims) == 0 {
		cfg.Sims = []protocol.SimInfo{{Slot: 1, Carrier: "SimuCell"}}
	}
	return &Simulated{
		cfg:    cfg,
		events: make(chan Event, 32),
	}
}

func (s *Simulated) InitiateOutgoing(ctx context.Context, sessionID, address string, simSlot int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("initiate: stack closed")
	}
	if s.call != nil {
		return fmt.Errorf("initiate %s: %w", address, ErrLineBusy)
	}
	s.call = &simCall{sessionID: sessionID, address: address, sim: simSlot}

	s.afterLocked(s.cfg.DialLatency, func() {
		if !s.sameCall(sessionID) {
			return
		}
		s.emit(Event{SessionID: sessionID, Kind: EventRinging, Address: address, Sim: simSlot})
		if s.cfg.AutoAnswer {
			s.after(s.cfg.AnswerLatency, func() {
				if !s.sameCall(sessionID) {
					return
				}
				s.markAnswered(sessionID)
				s.emit(Event{SessionID: sessionID, Kind: EventActive, Address: address, Sim: simSlot})
			})
		}
	})
	return nil
}

func (s *Simulated) AcceptIncoming(ctx context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.call == nil || s.call.sessionID != sessionID {
		return fmt.Errorf("accept %s: %w", sessionID, ErrNoSuchCall)
	}
	if !s.call.incoming {
		return fmt.Errorf("accept %s: call is not inbound", sessionID)
	}
	call := s.call
	call.answered = true
	s.afterLocked(0, func() {
		s.emit(Event{SessionID: call.sessionID, Kind: EventActive, Address: call.address, Sim: call.sim})
	})
	return nil
}

func (s *Simulated) Terminate(ctx context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.call == nil || s.call.sessionID != sessionID {
		return fmt.Errorf("terminate %s: %w", sessionID, ErrNoSuchCall)
	}
	call := s.call
	s.call = nil
	s.afterLocked(0, func() {
		s.emit(Event{SessionID: call.sessionID, Kind: EventEnded, Address: call.address})
	})
	return nil
}

func (s *Simulated) SendSMS(ctx context.Context, address, body string, simSlot int) (protocol.SmsStatus, error) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return protocol.SmsFailed, fmt.Errorf("sms: stack closed")
	}
	return protocol.SmsSent, nil
}

func (s *Simulated) Sims(ctx context.Context) ([]protocol.SimInfo, error) {
	out := make([]protocol.SimInfo, len(s.cfg.Sims))
	copy(out, s.cfg.Sims)
	return out, nil
}

func (s *Simulated) Events() <-chan Event {
	return s.events
}

func (s *Simulated) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	for _, t := range s.timers {
		t.Stop()
	}
	s.timers = nil
	close(s.events)
	return nil
}

// SimulateIncoming makes a fake inbound call alert the host, returning
// the stack-generated call id.
func (s *Simulated) SimulateIncoming(address string, simSlot int) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.call != nil {
		return ""
	}
	id := uuid.NewString()
	s.call = &simCall{sessionID: id, address: address, sim: simSlot, incoming: true}
	s.afterLocked(0, func() {
		s.emit(Event{SessionID: id, Kind: EventIncoming, Address: address, Sim: simSlot})
	})
	return id
}

// SimulateRemoteHangup ends the current call from the far side.
func (s *Simulated) SimulateRemoteHangup() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.call == nil {
		return
	}
	call := s.call
	s.call = nil
	s.afterLocked(0, func() {
		s.emit(Event{SessionID: call.sessionID, Kind: EventEnded, Address: call.address})
	})
}

// SimulateSmsReceived delivers a fake inbound text.
func (s *Simulated) SimulateSmsReceived(address, body string, simSlot int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.afterLocked(0, func() {
		s.emit(Event{Kind: EventSmsReceived, Address: address, Body: body, Sim: simSlot})
	})
}

// SimulateFault fails the current call with a native error.
func (s *Simulated) SimulateFault(reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.call == nil {
		return
	}
	call := s.call
	s.call = nil
	s.afterLocked(0, func() {
		s.emit(Event{SessionID: call.sessionID, Kind: EventFailed, Address: call.address, Reason: reason})
	})
}

func (s *Simulated) sameCall(sessionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.call != nil && s.call.sessionID == sessionID
}

func (s *Simulated) markAnswered(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.call != nil && s.call.sessionID == sessionID {
		s.call.answered = true
	}
}

// after schedules fn, remembering the timer so Close can cancel it.
func (s *Simulated) after(d time.Duration, fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.afterLocked(d, fn)
}

func (s *Simulated) afterLocked(d time.Duration, fn func()) {
	if s.closed {
		return
	}
	if d <= 0 {
		d = time.Millisecond
	}
	s.timers = append(s.timers, time.AfterFunc(d, fn))
}

// emit holds the lock across the send so it can never race Close's
// channel close. The send is non-blocking; a wedged consumer loses
// events rather than wedging the stack.
func (s *Simulated) emit(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.events <- ev:
	default:
	}
}
