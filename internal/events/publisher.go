package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/nats-io/nats.go"
)

// Publisher delivers lifecycle events. Implementations must be safe for
// concurrent use and must not block the caller for long; the bridge
// publishes from its hot path.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
	Close() error
}

// NoopPublisher discards all events. Default when no event sink is
// configured.
type NoopPublisher struct{}

func (NoopPublisher) Publish(ctx context.Context, ev Event) error { return nil }
func (NoopPublisher) Close() error                                { return nil }

// LoggingPublisher writes events to the log. Useful in development.
type LoggingPublisher struct {
	Logger *slog.Logger
}

func (p *LoggingPublisher) Publish(ctx context.Context, ev Event) error {
	log := p.Logger
	if log == nil {
		log = slog.Default()
	}
	log.Info("event",
		"type", string(ev.Type),
		"subject", ev.Subject(),
		"session_id", ev.SessionID,
		"address", ev.Address)
	return nil
}

func (p *LoggingPublisher) Close() error { return nil }

// ChannelPublisher delivers events to an in-process channel, dropping
// when the consumer falls behind.
type ChannelPublisher struct {
	ch chan Event
}

// NewChannelPublisher creates a channel publisher with the given buffer.
func NewChannelPublisher(buffer int) *ChannelPublisher {
	if buffer <= 0 {
		buffer = 64
	}
	return &ChannelPublisher{ch: make(chan Event, buffer)}
}

// Events returns the receive side.
func (p *ChannelPublisher) Events() <-chan Event { return p.ch }

func (p *ChannelPublisher) Publish(ctx context.Context, ev Event) error {
	select {
	case p.ch <- ev:
		return nil
	default:
		return fmt.Errorf("publish %s: channel full", ev.Type)
	}
}

func (p *ChannelPublisher) Close() error {
	close(p.ch)
	return nil
}

// NATSPublisher publishes events as JSON to a NATS subject per event.
type NATSPublisher struct {
	nc     *nats.Conn
	nodeID string
}

// NewNATSPublisher connects to the given NATS URL. The connection
// reconnects indefinitely; publishes during an outage are buffered by
// the client and flushed on reconnect.
func NewNATSPublisher(url, nodeID string) (*NATSPublisher, error) {
	nc, err := nats.Connect(url,
		nats.Name("simbridge-"+nodeID),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, fmt.Errorf("nats connect %s: %w", url, err)
	}
	return &NATSPublisher{nc: nc, nodeID: nodeID}, nil
}

func (p *NATSPublisher) Publish(ctx context.Context, ev Event) error {
	if ev.NodeID == "" {
		ev.NodeID = p.nodeID
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event %s: %w", ev.Type, err)
	}
	if err := p.nc.Publish(ev.Subject(), data); err != nil {
		return fmt.Errorf("publish %s: %w", ev.Subject(), err)
	}
	return nil
}

func (p *NATSPublisher) Close() error {
	if err := p.nc.Drain(); err != nil {
		p.nc.Close()
		return err
	}
	return nil
}

// MultiPublisher fans out to several publishers, returning the first
// error after attempting all of them.
type MultiPublisher struct {
	Publishers []Publisher
}

func (p *MultiPublisher) Publish(ctx context.Context, ev Event) error {
	var first error
	for _, pub := range p.Publishers {
		if err := pub.Publish(ctx, ev); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (p *MultiPublisher) Close() error {
	var first error
	for _, pub := range p.Publishers {
		if err := pub.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
