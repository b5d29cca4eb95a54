package transport

import (
	"context"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/alaska-icy-giant/simbridge-sub002/internal/bridge/protocol"
)

func TestBackoffBoundedByCap(t *testing.T) {
	cfg := BackoffConfig{Base: time.Second, Cap: 30 * time.Second, Multiplier: 2}
	want := []time.Duration{
		1 * time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second,
		16 * time.Second, 30 * time.Second, 30 * time.Second,
	}
	for i, w := range want {
		if got := cfg.Next(i+1, nil); got != w {
			t.Errorf("Next(%d) = %v, want %v", i+1, got, w)
		}
	}
}

func TestBackoffJitterStaysInRange(t *testing.T) {
	cfg := BackoffConfig{Base: time.Second, Cap: 30 * time.Second, Multiplier: 2, Jitter: true}
	rng := rand.New(rand.NewSource(1))
	for attempt := 1; attempt <= 20; attempt++ {
		d := cfg.Next(attempt, rng)
		if d <= 0 || d > 30*time.Second {
			t.Errorf("Next(%d) = %v, out of (0, cap]", attempt, d)
		}
	}
}

func TestBackoffDefaults(t *testing.T) {
	var cfg BackoffConfig
	if got := cfg.Next(1, nil); got != time.Second {
		t.Errorf("default base = %v, want 1s", got)
	}
	if got := cfg.Next(100, nil); got != 30*time.Second {
		t.Errorf("default cap = %v, want 30s", got)
	}
}

// echoServer upgrades and echoes text frames until the client leaves.
// The returned drop function closes every live websocket connection
// server-side; httptest's CloseClientConnections cannot, because the
// server stops tracking connections once they are hijacked.
func echoServer(t *testing.T) (*httptest.Server, func()) {
	t.Helper()
	upgrader := websocket.Upgrader{}
	var mu sync.Mutex
	conns := make(map[*websocket.Conn]struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		mu.Lock()
		conns[conn] = struct{}{}
		mu.Unlock()
		defer func() {
			mu.Lock()
			delete(conns, conn)
			mu.Unlock()
			conn.Close()
		}()
		for {
			mt, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if err := conn.WriteMessage(mt, data); err != nil {
				return
			}
		}
	}))
	drop := func() {
		mu.Lock()
		defer mu.Unlock()
		for c := range conns {
			c.Close()
		}
	}
	return srv, drop
}

func wsURL(s *httptest.Server) string {
	return "ws" + strings.TrimPrefix(s.URL, "http")
}

func TestDialerConnectSendReceive(t *testing.T) {
	srv, _ := echoServer(t)
	defer srv.Close()

	var mu sync.Mutex
	var statuses []protocol.ConnectionStatus
	received := make(chan []byte, 4)
	connected := make(chan struct{}, 4)

	d := NewDialer(DialerConfig{
		URL: wsURL(srv),
		Callbacks: Callbacks{
			OnMessage: func(data []byte) { received <- data },
			OnStatus: func(st protocol.ConnectionStatus) {
				mu.Lock()
				statuses = append(statuses, st)
				mu.Unlock()
				if st == protocol.StatusConnected {
					connected <- struct{}{}
				}
			},
		},
		Backoff: BackoffConfig{Base: 10 * time.Millisecond, Cap: 50 * time.Millisecond},
	})
	d.Start()
	defer d.Stop()

	select {
	case <-connected:
	case <-time.After(2 * time.Second):
		t.Fatal("dialer never connected")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := d.Send(ctx, []byte("hello")); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	select {
	case data := <-received:
		if string(data) != "hello" {
			t.Errorf("echo = %q", data)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no echo received")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(statuses) < 2 || statuses[0] != protocol.StatusConnecting || statuses[1] != protocol.StatusConnected {
		t.Errorf("status sequence = %v", statuses)
	}
}

func TestDialerSendWhileDisconnected(t *testing.T) {
	d := NewDialer(DialerConfig{URL: "ws://127.0.0.1:1/ws"})
	err := d.Send(context.Background(), []byte("x"))
	if err == nil || !strings.Contains(err.Error(), protocol.ErrDisconnected.Error()) {
		t.Fatalf("Send() error = %v, want disconnected", err)
	}
}

func TestDialerReconnectsAfterServerDrop(t *testing.T) {
	srv, drop := echoServer(t)
	defer srv.Close()

	connected := make(chan struct{}, 8)
	d := NewDialer(DialerConfig{
		URL: wsURL(srv),
		Callbacks: Callbacks{
			OnStatus: func(st protocol.ConnectionStatus) {
				if st == protocol.StatusConnected {
					connected <- struct{}{}
				}
			},
		},
		Backoff: BackoffConfig{Base: 10 * time.Millisecond, Cap: 50 * time.Millisecond},
	})
	d.Start()
	defer d.Stop()

	select {
	case <-connected:
	case <-time.After(2 * time.Second):
		t.Fatal("never connected")
	}

	// Drop every live connection server-side; the dialer must come back.
	drop()

	select {
	case <-connected:
	case <-time.After(2 * time.Second):
		t.Fatal("never reconnected after drop")
	}
}

func TestStopCancelsPendingReconnect(t *testing.T) {
	// Nothing listens here; the dialer sits in its backoff wait.
	d := NewDialer(DialerConfig{
		URL:     "ws://127.0.0.1:1/ws",
		Backoff: BackoffConfig{Base: 10 * time.Second, Cap: 30 * time.Second},
	})
	d.Start()
	time.Sleep(50 * time.Millisecond)

	done := make(chan struct{})
	go func() {
		d.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Stop() did not cancel the pending reconnection attempt")
	}
}

func TestStopWithoutStartReturns(t *testing.T) {
	d := NewDialer(DialerConfig{URL: "ws://127.0.0.1:1/ws"})

	done := make(chan struct{})
	go func() {
		d.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Stop() on a never-started dialer did not return")
	}
}
