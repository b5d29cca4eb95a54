// Package app assembles the client: the reconnecting channel to the
// host, the mirroring router, and a command API for the CLI.
package app

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/alaska-icy-giant/simbridge-sub002/internal/bridge/protocol"
	"github.com/alaska-icy-giant/simbridge-sub002/internal/bridge/router"
	"github.com/alaska-icy-giant/simbridge-sub002/internal/bridge/session"
	"github.com/alaska-icy-giant/simbridge-sub002/internal/bridge/transport"
	"github.com/alaska-icy-giant/simbridge-sub002/internal/client/config"
	"github.com/alaska-icy-giant/simbridge-sub002/internal/logger"
)

// App is the assembled client.
type App struct {
	cfg    *config.Config
	dialer *transport.Dialer
	router *router.Client
	ring   *logger.Ring
}

// New builds the client from its configuration. OnSmsReceived may be
// nil when inbound texts are not of interest.
func New(cfg *config.Config, onSms func(address, body string, sim int)) *App {
	a := &App{
		cfg:  cfg,
		ring: logger.NewRing(cfg.LogBuffer),
	}
	logger.AddSink(a.ring)

	header := http.Header{}
	header.Set("Authorization", "Bearer "+cfg.Token)
	a.dialer = transport.NewDialer(transport.DialerConfig{
		URL:    cfg.HostURL,
		Header: header,
		Callbacks: transport.Callbacks{
			OnMessage: func(data []byte) { a.router.HandleMessage(data) },
			OnStatus:  func(st protocol.ConnectionStatus) { a.router.HandleStatus(st) },
		},
	})
	a.router = router.NewClient(router.ClientConfig{
		Sender:         a.dialer,
		CommandTimeout: cfg.CommandTimeout,
		OnSmsReceived:  onSms,
	})
	return a
}

// Start begins connecting. Commands issued before the first snapshot
// exchange fail with Disconnected.
func (a *App) Start() {
	a.router.Start()
	a.dialer.Start()
}

// Close disconnects and stops the mirror.
func (a *App) Close() {
	a.dialer.Stop()
	a.router.Close()
}

// WaitReady blocks until the channel is connected and reconciled, or
// ctx expires. One-shot CLI commands call this before issuing anything.
func (a *App) WaitReady(ctx context.Context) error {
	ticker := time.NewTicker(25 * time.Millisecond)
	defer ticker.Stop()
	for {
		probe, cancel := context.WithTimeout(ctx, time.Second)
		_, err := a.router.ListSims(probe)
		cancel()
		if err == nil {
			return nil
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return fmt.Errorf("channel not ready: %w", ctx.Err())
		}
	}
}

// PlaceCall asks the host to dial.
func (a *App) PlaceCall(ctx context.Context, address string, sim int) (protocol.CallSession, error) {
	return a.router.PlaceCall(ctx, address, sim)
}

// AcceptCall answers the ringing inbound call.
func (a *App) AcceptCall(ctx context.Context) (protocol.CallSession, error) {
	return a.router.AcceptCall(ctx)
}

// HangUp ends or rejects the current call.
func (a *App) HangUp(ctx context.Context) (protocol.CallSession, error) {
	return a.router.HangUp(ctx)
}

// SendSMS submits a text through the host's SIM.
func (a *App) SendSMS(ctx context.Context, address, body string, sim int) (protocol.SmsStatus, error) {
	return a.router.SendSMS(ctx, address, body, sim)
}

// ListSims fetches the host's SIM inventory.
func (a *App) ListSims(ctx context.Context) ([]protocol.SimInfo, error) {
	return a.router.ListSims(ctx)
}

// Snapshot returns the mirrored session, if any.
func (a *App) Snapshot() (protocol.CallSession, bool) { return a.router.Snapshot() }

// ConnectionStatus returns the channel status.
func (a *App) ConnectionStatus() protocol.ConnectionStatus { return a.router.ConnectionStatus() }

// Watch subscribes to mirrored session transitions.
func (a *App) Watch(buffer int) (<-chan session.Transition, func()) { return a.router.Watch(buffer) }

// Logs returns the retained diagnostic entries, oldest first.
func (a *App) Logs() []logger.LogEntry { return a.ring.Snapshot() }
