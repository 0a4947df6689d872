package excinfo

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"ingestd/internal/exchange"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestRefreshPopulatesCache(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"serverTime":1,"symbols":[{"symbol":"BTCUSDT","status":"TRADING","tickSize":"0.1","stepSize":"0.001"}]}`))
	}))
	defer srv.Close()

	c := New(exchange.NewClient(srv.URL, testLogger()), time.Hour, testLogger())
	if err := c.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh: %v", err)
	}

	e, ok := c.Get("BTCUSDT")
	if !ok {
		t.Fatal("expected BTCUSDT in cache")
	}
	if e.PriceDecimals != 1 || e.QtyDecimals != 3 {
		t.Errorf("unexpected decimals: price=%d qty=%d", e.PriceDecimals, e.QtyDecimals)
	}
}

func TestRefreshKeepsStaleCacheOnError(t *testing.T) {
	t.Parallel()

	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(`{"serverTime":1,"symbols":[{"symbol":"BTCUSDT","status":"TRADING","tickSize":"0.01","stepSize":"0.01"}]}`))
			return
		}
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := New(exchange.NewClient(srv.URL, testLogger()), time.Hour, testLogger())

	if err := c.Refresh(context.Background()); err != nil {
		t.Fatalf("first Refresh: %v", err)
	}
	if err := c.Refresh(context.Background()); err == nil {
		t.Fatal("expected second Refresh to fail")
	}

	if _, ok := c.Get("BTCUSDT"); !ok {
		t.Error("expected stale entry to remain after failed refresh")
	}
}
