// Package app assembles the host daemon: the telephony stack, the
// authoritative session router, and the HTTP surface carrying the
// client websocket.
package app

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"

	"github.com/alaska-icy-giant/simbridge-sub002/internal/auth"
	"github.com/alaska-icy-giant/simbridge-sub002/internal/bridge/protocol"
	"github.com/alaska-icy-giant/simbridge-sub002/internal/bridge/router"
	"github.com/alaska-icy-giant/simbridge-sub002/internal/bridge/transport"
	"github.com/alaska-icy-giant/simbridge-sub002/internal/events"
	"github.com/alaska-icy-giant/simbridge-sub002/internal/host/config"
	"github.com/alaska-icy-giant/simbridge-sub002/internal/telephony"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Peers authenticate with pairing tokens; browser origin checks do
	// not apply to device-to-device links.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// App is the assembled host daemon.
type App struct {
	cfg    *config.Config
	log    *slog.Logger
	stack  *telephony.Simulated
	pub    events.Publisher
	tokens *auth.Manager
	router *router.Host
	srv    *http.Server

	mu   sync.Mutex
	peer *transport.Peer
}

// New builds the host from its configuration.
func New(cfg *config.Config) (*App, error) {
	log := slog.Default().With("component", "host")

	// Lifecycle events go to NATS when configured, otherwise to the log.
	var pub events.Publisher = &events.LoggingPublisher{Logger: log}
	if cfg.NATSURL != "" {
		np, err := events.NewNATSPublisher(cfg.NATSURL, cfg.NodeID)
		if err != nil {
			return nil, err
		}
		pub = np
	}

	stack := telephony.NewSimulated(telephony.SimulatedConfig{
		Sims:          cfg.Telephony.Sims,
		DialLatency:   cfg.Telephony.DialLatency,
		AnswerLatency: cfg.Telephony.AnswerLatency,
		AutoAnswer:    cfg.Telephony.AutoAnswer,
	})

	a := &App{
		cfg:    cfg,
		log:    log,
		stack:  stack,
		pub:    pub,
		tokens: auth.NewManager(cfg.PairingSecret, cfg.TokenTTL),
	}
	a.router = router.NewHost(router.HostConfig{
		Stack:          stack,
		Publisher:      pub,
		NodeID:         cfg.NodeID,
		CommandTimeout: cfg.CommandTimeout,
	})
	a.srv = &http.Server{
		Addr:    cfg.Listen,
		Handler: a.routes(),
	}
	return a, nil
}

// MintClientToken issues a pairing token a client can present on /ws.
func (a *App) MintClientToken(linkID string) (string, error) {
	return a.tokens.Mint(protocol.RoleClient, linkID)
}

// Stack exposes the simulated telephony stack for local simulation.
func (a *App) Stack() *telephony.Simulated { return a.stack }

// Router exposes the session router for status reads and tests.
func (a *App) Router() *router.Host { return a.router }

// Start serves until ctx is cancelled.
func (a *App) Start(ctx context.Context) error {
	a.router.Start()

	errCh := make(chan error, 1)
	go func() {
		if err := a.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return a.srv.Shutdown(shutCtx)
	}
}

// Close releases everything Start left running.
func (a *App) Close() {
	a.mu.Lock()
	peer := a.peer
	a.mu.Unlock()
	if peer != nil {
		peer.Close()
	}
	a.router.Close()
	a.stack.Close()
	if err := a.pub.Close(); err != nil {
		a.log.Warn("publisher close", "error", err)
	}
}

func (a *App) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/healthz", a.handleHealth)
	r.Get("/api/v1/sims", a.handleSims)
	r.Get("/api/v1/session", a.handleSession)
	r.Get("/ws", a.handleWS)
	return r
}

func (a *App) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "node": a.cfg.NodeID})
}

func (a *App) handleSims(w http.ResponseWriter, r *http.Request) {
	sims, err := a.stack.Sims(r.Context())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, sims)
}

func (a *App) handleSession(w http.ResponseWriter, r *http.Request) {
	resp := struct {
		ConnectionStatus protocol.ConnectionStatus `json:"connectionStatus"`
		Session          *protocol.CallSession     `json:"session,omitempty"`
	}{ConnectionStatus: a.router.Machine().ConnectionStatus()}
	if sess, ok := a.router.Machine().Snapshot(); ok {
		resp.Session = &sess
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleWS authenticates the pairing token, enforces the single-client
// policy, and hands the upgraded connection to the router for the life
// of the link.
func (a *App) handleWS(w http.ResponseWriter, r *http.Request) {
	claims, err := a.tokens.Verify(bearerToken(r))
	if err != nil {
		a.log.Warn("ws rejected: bad token", "remote", r.RemoteAddr, "error", err)
		http.Error(w, "invalid pairing token", http.StatusUnauthorized)
		return
	}
	if claims.Role != protocol.RoleClient {
		a.log.Warn("ws rejected: wrong role", "remote", r.RemoteAddr, "role", string(claims.Role))
		http.Error(w, "token role not permitted", http.StatusForbidden)
		return
	}

	a.mu.Lock()
	if a.peer != nil {
		a.mu.Unlock()
		a.log.Warn("ws rejected: client already connected", "remote", r.RemoteAddr)
		http.Error(w, "a client is already connected", http.StatusConflict)
		return
	}
	a.mu.Unlock()

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		a.log.Warn("ws upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	peer := transport.NewPeer(conn)
	a.mu.Lock()
	if a.peer != nil {
		// Lost the race to another upgrade.
		a.mu.Unlock()
		peer.Close()
		return
	}
	a.peer = peer
	a.mu.Unlock()

	a.log.Info("client connected", "remote", r.RemoteAddr, "link", claims.LinkID)
	a.router.Attach(peer)

	err = peer.Run(a.router.HandleMessage)

	a.router.Detach()
	a.mu.Lock()
	a.peer = nil
	a.mu.Unlock()
	a.log.Info("client disconnected", "remote", r.RemoteAddr, "reason", err)
}

func bearerToken(r *http.Request) string {
	const prefix = "Bearer "
	if h := r.Header.Get("Authorization"); len(h) > len(prefix) && h[:len(prefix)] == prefix {
		return h[len(prefix):]
	}
	return r.URL.Query().Get("token")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
