// Package transport provides the ordered, reliable, bidirectional byte
// stream between host and client over a websocket, with automatic
// reconnection on the dialing side. Reconnect policy lives here; what
// the frames mean lives one layer above.
package transport

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/alaska-icy-giant/simbridge-sub002/internal/bridge/protocol"
)

const (
	writeTimeout = 10 * time.Second
	pongWait     = 60 * time.Second
	pingPeriod   = 25 * time.Second
)

// Callbacks receive inbound frames and status changes. OnStatus drives
// the reconciler: a connected notification means a fresh exchange is
// about to begin. Both are invoked from the transport's goroutines.
type Callbacks struct {
	OnMessage func(data []byte)
	OnStatus  func(status protocol.ConnectionStatus)
}

// Peer wraps one live websocket connection. Writes are serialized;
// gorilla/websocket permits a single concurrent writer.
type Peer struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
	once    sync.Once
	closed  chan struct{}
}

// NewPeer adopts an upgraded or dialed websocket connection.
func NewPeer(conn *websocket.Conn) *Peer {
	return &Peer{conn: conn, closed: make(chan struct{})}
}

// Send writes one frame. Fails with Disconnected once the peer closed.
func (p *Peer) Send(ctx context.Context, data []byte) error {
	select {
	case <-p.closed:
		return protocol.ErrDisconnected
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	deadline := time.Now().Add(writeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = p.conn.SetWriteDeadline(deadline)
	if err := p.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("%w: %v", protocol.ErrDisconnected, err)
	}
	return nil
}

// Run pumps inbound frames into onMessage and keeps the connection
// alive with pings. It blocks until the connection fails or Close is
// called, and always returns a non-nil reason.
func (p *Peer) Run(onMessage func([]byte)) error {
	go p.pinger()

	p.conn.SetReadLimit(protocol.MaxFrameSize + 1024)
	_ = p.conn.SetReadDeadline(time.Now().Add(pongWait))
	p.conn.SetPongHandler(func(string) error {
		return p.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := p.conn.ReadMessage()
		if err != nil {
			p.Close()
			return fmt.Errorf("%w: %v", protocol.ErrDisconnected, err)
		}
		if onMessage != nil {
			onMessage(data)
		}
	}
}

func (p *Peer) pinger() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			p.writeMu.Lock()
			_ = p.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			err := p.conn.WriteMessage(websocket.PingMessage, nil)
			p.writeMu.Unlock()
			if err != nil {
				p.Close()
				return
			}
		case <-p.closed:
			return
		}
	}
}

// Close tears the connection down. Safe to call more than once.
func (p *Peer) Close() error {
	var err error
	p.once.Do(func() {
		close(p.closed)
		err = p.conn.Close()
	})
	return err
}
