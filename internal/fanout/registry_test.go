package fanout

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"ingestd/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testConfig() Config {
	return Config{
		AllowedOrigins:    []string{"*"},
		HeartbeatInterval: 50 * time.Millisecond,
		StaleConnection:   time.Second,
		BroadcastThrottle: 10 * time.Millisecond,
	}
}

func newTestServer(t *testing.T, r *Registry) (*httptest.Server, string) {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if _, err := r.Upgrade(w, req); err != nil {
			t.Logf("upgrade rejected: %v", err)
		}
	}))
	return srv, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dial(t *testing.T, url string, header http.Header) *websocket.Conn {
	t.Helper()
	conn, resp, err := websocket.DefaultDialer.Dial(url, header)
	if err != nil {
		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		t.Fatalf("dial: %v (status %d)", err, status)
	}
	return conn
}

func TestRegistryBroadcastOnlyReachesSubscribedClients(t *testing.T) {
	t.Parallel()

	r := NewRegistry(testConfig(), testLogger())
	srv, url := newTestServer(t, r)
	defer srv.Close()

	conn := dial(t, url, nil)
	defer conn.Close()

	sub, _ := json.Marshal(types.SubscribeMsg{Op: "subscribe", Symbols: []string{"BTCUSDT"}})
	if err := conn.WriteMessage(websocket.TextMessage, sub); err != nil {
		t.Fatalf("write subscribe: %v", err)
	}

	time.Sleep(50 * time.Millisecond) // let the server apply the subscription

	r.Broadcast("ETHUSDT", types.MetricSnapshotFrame{Type: "metrics", Symbol: "ETHUSDT"})
	r.Broadcast("BTCUSDT", types.MetricSnapshotFrame{Type: "metrics", Symbol: "BTCUSDT"})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var frame types.MetricSnapshotFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if frame.Symbol != "BTCUSDT" {
		t.Errorf("Symbol = %q, want BTCUSDT (client should not receive ETHUSDT frames)", frame.Symbol)
	}
}

func TestRegistryBroadcastThrottlesPerSymbol(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.BroadcastThrottle = time.Hour
	r := NewRegistry(cfg, testLogger())
	srv, url := newTestServer(t, r)
	defer srv.Close()

	conn := dial(t, url, nil)
	defer conn.Close()

	sub, _ := json.Marshal(types.SubscribeMsg{Op: "subscribe", Symbols: []string{"*"}})
	conn.WriteMessage(websocket.TextMessage, sub)
	time.Sleep(50 * time.Millisecond)

	r.Broadcast("BTCUSDT", types.MetricSnapshotFrame{Type: "metrics", Symbol: "BTCUSDT", LastUpdateID: 1})
	r.Broadcast("BTCUSDT", types.MetricSnapshotFrame{Type: "metrics", Symbol: "BTCUSDT", LastUpdateID: 2})

	conn.SetReadDeadline(time.Now().Add(500 * time.Millisecond))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var frame types.MetricSnapshotFrame
	json.Unmarshal(data, &frame)
	if frame.LastUpdateID != 1 {
		t.Errorf("LastUpdateID = %d, want 1", frame.LastUpdateID)
	}

	conn.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Error("expected no second frame within the throttle window")
	}
}

func TestUpgradeRejectsDisallowedOrigin(t *testing.T) {
	t.Parallel()

	r := NewRegistry(Config{
		AllowedOrigins:    []string{"https://dashboard.example.com"},
		HeartbeatInterval: 50 * time.Millisecond,
		StaleConnection:   time.Second,
		BroadcastThrottle: 10 * time.Millisecond,
	}, testLogger())
	srv, url := newTestServer(t, r)
	defer srv.Close()

	header := http.Header{}
	header.Set("Origin", "https://evil.example.com")

	_, resp, err := websocket.DefaultDialer.Dial(url, header)
	if err == nil {
		t.Fatal("expected dial to fail for disallowed origin")
	}
	if resp == nil || resp.StatusCode != http.StatusForbidden {
		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		t.Errorf("status = %d, want 403", status)
	}
}

func TestUpgradeRejectsMissingAuthKey(t *testing.T) {
	t.Parallel()

	r := NewRegistry(Config{
		AllowedOrigins:    []string{"*"},
		HeartbeatInterval: 50 * time.Millisecond,
		StaleConnection:   time.Second,
		BroadcastThrottle: 10 * time.Millisecond,
		AuthKey:           "secret",
	}, testLogger())
	srv, url := newTestServer(t, r)
	defer srv.Close()

	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		t.Fatal("expected dial to fail without auth key")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		t.Errorf("status = %d, want 401", status)
	}

	conn2 := dial(t, url+"?key=secret", nil)
	conn2.Close()
}

func TestStaleClientIsEvicted(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.HeartbeatInterval = 50 * time.Millisecond
	cfg.StaleConnection = 200 * time.Millisecond
	r := NewRegistry(cfg, testLogger())
	srv, url := newTestServer(t, r)
	defer srv.Close()

	conn := dial(t, url, nil)
	defer conn.Close()

	// Swallow server pings without replying, so the server never sees a pong
	// and its read deadline expires.
	conn.SetPingHandler(func(string) error { return nil })
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if r.ClientCount() == 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("ClientCount = %d, want 0 after stale-connection window", r.ClientCount())
}
