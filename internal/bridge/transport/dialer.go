package transport

import (
	"context"
	"log/slog"
	"math/rand"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/alaska-icy-giant/simbridge-sub002/internal/bridge/protocol"
)

// DialerConfig configures the reconnecting client-side channel.
type DialerConfig struct {
	// URL is the host's websocket endpoint, e.g. ws://host:8080/ws.
	URL string
	// Header is sent on every dial attempt (pairing token and the like).
	Header http.Header
	// Backoff shapes the reconnect delays.
	Backoff BackoffConfig
	// Callbacks receive frames and status changes.
	Callbacks Callbacks
	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// Dialer maintains a websocket connection to the host, reconnecting
// with bounded exponential backoff and jitter for as long as it is
// running. Stop force-disconnects and cancels any pending reconnection
// attempt immediately; a stopped dialer is never retried.
type Dialer struct {
	cfg     DialerConfig
	log     *slog.Logger
	rng     *rand.Rand
	cancel  context.CancelFunc
	done    chan struct{}
	started atomic.Bool

	mu   sync.Mutex
	peer *Peer
}

// NewDialer creates a stopped dialer. Call Start to begin connecting.
func NewDialer(cfg DialerConfig) *Dialer {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Dialer{
		cfg:  cfg,
		log:  logger.With("component", "transport", "url", cfg.URL),
		rng:  rand.New(rand.NewSource(time.Now().UnixNano())),
		done: make(chan struct{}),
	}
}

// Start launches the connect/read/reconnect loop. Repeated calls are
// no-ops.
func (d *Dialer) Start() {
	if !d.started.CompareAndSwap(false, true) {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	d.cancel = cancel
	go d.run(ctx)
}

// Stop force-disconnects. Outstanding sends fail with Disconnected and
// no further reconnection is attempted. Stopping a dialer that was
// never started returns immediately.
func (d *Dialer) Stop() {
	if d.cancel != nil {
		d.cancel()
	}
	d.mu.Lock()
	peer := d.peer
	d.mu.Unlock()
	if peer != nil {
		peer.Close()
	}
	if !d.started.Load() {
		return
	}
	<-d.done
}

// Send writes one frame on the live connection, failing with
// Disconnected while the channel is down.
func (d *Dialer) Send(ctx context.Context, data []byte) error {
	d.mu.Lock()
	peer := d.peer
	d.mu.Unlock()
	if peer == nil {
		return protocol.ErrDisconnected
	}
	return peer.Send(ctx, data)
}

func (d *Dialer) run(ctx context.Context) {
	defer close(d.done)
	attempt := 0
	for {
		d.notify(protocol.StatusConnecting)

		conn, resp, err := websocket.DefaultDialer.DialContext(ctx, d.cfg.URL, d.cfg.Header)
		if err != nil {
			if resp != nil {
				resp.Body.Close()
			}
			d.notify(protocol.StatusDisconnected)
			attempt++
			delay := d.cfg.Backoff.Next(attempt, d.rng)
			d.log.Warn("dial failed", "error", err, "attempt", attempt, "retry_in", delay)
			select {
			case <-time.After(delay):
				continue
			case <-ctx.Done():
				return
			}
		}

		attempt = 0
		peer := NewPeer(conn)
		d.mu.Lock()
		d.peer = peer
		d.mu.Unlock()
		d.notify(protocol.StatusConnected)
		d.log.Info("connected")

		runErr := peer.Run(d.cfg.Callbacks.OnMessage)

		d.mu.Lock()
		d.peer = nil
		d.mu.Unlock()
		d.notify(protocol.StatusDisconnected)

		if ctx.Err() != nil {
			return
		}
		d.log.Warn("connection lost", "error", runErr)
		attempt = 1
		delay := d.cfg.Backoff.Next(attempt, d.rng)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return
		}
	}
}

func (d *Dialer) notify(st protocol.ConnectionStatus) {
	if d.cfg.Callbacks.OnStatus != nil {
		d.cfg.Callbacks.OnStatus(st)
	}
}
