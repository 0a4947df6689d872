package symbol

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"ingestd/internal/exchange"
	"ingestd/internal/integrity"
	"ingestd/internal/snapshot"
	"ingestd/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testActorConfig() Config {
	return Config{
		DepthQueueMax:        16,
		DepthLagMax:          time.Second,
		LiveSnapshotFresh:    5 * time.Second,
		LiveDesyncRate10sMax: 3,
		DepthLevels:          10,
		ResyncInterval:       20 * time.Millisecond,
		Integrity: integrity.Thresholds{
			StaleWarnMs:       500,
			StaleCriticalMs:   2000,
			MaxGaps:           5,
			ReconnectCooldown: time.Second,
		},
	}
}

type snapshotCollector struct {
	mu   sync.Mutex
	subs []Snapshot
}

func (c *snapshotCollector) publish(s Snapshot) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subs = append(c.subs, s)
}

func (c *snapshotCollector) last() (Snapshot, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.subs) == 0 {
		return Snapshot{}, false
	}
	return c.subs[len(c.subs)-1], true
}

func waitForState(t *testing.T, a *Actor, want types.SymbolState, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if a.State() == want {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("state = %v, want %v (timed out)", a.State(), want)
}

func newTestActor(t *testing.T, srv *httptest.Server) (*Actor, *snapshotCollector) {
	t.Helper()
	cli := exchange.NewClient(srv.URL, testLogger())
	f := snapshot.New(cli, snapshot.Config{
		MinInterval:   time.Millisecond,
		MinBackoff:    time.Millisecond,
		MaxBackoff:    50 * time.Millisecond,
		DepthLimit:    1000,
		FetchDeadline: time.Second,
	}, testLogger())
	coll := &snapshotCollector{}
	a := NewActor("BTCUSDT", testActorConfig(), f, coll.publish, testLogger())
	return a, coll
}

// S1: clean seed — actor goes INIT -> SNAPSHOT_PENDING -> APPLYING_SNAPSHOT
// -> LIVE on a single successful fetch with no buffered diffs.
func TestActorCleanSeed(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"lastUpdateId":100,"bids":[["10.0","1.0"]],"asks":[["10.2","1.0"]]}`))
	}))
	defer srv.Close()

	a, coll := newTestActor(t, srv)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go a.Run(ctx)

	waitForState(t, a, types.StateLive, time.Second)

	snap, ok := coll.last()
	if !ok {
		t.Fatal("expected at least one published snapshot")
	}
	if snap.BestBid == nil || snap.BestBid.Price.String() != "10" {
		t.Errorf("BestBid = %+v, want 10", snap.BestBid)
	}
}

// S2: a diff arriving before the snapshot resolves is buffered and replayed
// cleanly once the snapshot lands, reaching LIVE with the buffered diff
// already applied.
func TestActorBuffersDiffAcrossSnapshot(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"lastUpdateId":100,"bids":[["10.0","1.0"]],"asks":[["10.2","1.0"]]}`))
	}))
	defer srv.Close()

	a, _ := newTestActor(t, srv)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go a.Run(ctx)

	waitForState(t, a, types.StateSnapshotPending, time.Second)

	a.Enqueue(Event{Kind: EventDiff, Diff: types.DepthDiff{
		Symbol:      "BTCUSDT",
		FirstUpdate: 95,
		FinalUpdate: 101,
		Bids:        []types.PriceLevel{{Price: decimal.RequireFromString("10.0"), Qty: decimal.RequireFromString("2.0")}},
		Asks:        []types.PriceLevel{{Price: decimal.RequireFromString("10.2"), Qty: decimal.RequireFromString("1.0")}},
		EventTime:   time.Now(),
		ReceiptTime: time.Now(),
	}})

	close(release)

	waitForState(t, a, types.StateLive, time.Second)

	bid, ok := a.Replica().BestBid()
	if !ok {
		t.Fatal("expected populated bid side")
	}
	if bid.Qty.String() != "2" {
		t.Errorf("bid qty after replay = %s, want 2 (buffered diff should have applied)", bid.Qty.String())
	}
	if a.Replica().LastAppliedSequence() != 101 {
		t.Errorf("LastAppliedSequence = %d, want 101", a.Replica().LastAppliedSequence())
	}
}

// S3: once LIVE, a diff with a first-update-id gap against the last applied
// sequence drives the actor straight to RESYNCING.
func TestActorSequenceGapTriggersResync(t *testing.T) {
	t.Parallel()

	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"lastUpdateId":100,"bids":[["10.0","1.0"]],"asks":[["10.2","1.0"]]}`))
	}))
	defer srv.Close()

	a, _ := newTestActor(t, srv)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go a.Run(ctx)

	waitForState(t, a, types.StateLive, time.Second)

	a.Enqueue(Event{Kind: EventDiff, Diff: types.DepthDiff{
		Symbol:      "BTCUSDT",
		FirstUpdate: 500,
		FinalUpdate: 510,
		EventTime:   time.Now(),
		ReceiptTime: time.Now(),
	}})

	waitForState(t, a, types.StateResyncing, time.Second)

	// The resync cycle should eventually re-fetch and recover to LIVE.
	waitForState(t, a, types.StateLive, 2*time.Second)
	if calls < 2 {
		t.Errorf("calls = %d, want >= 2 (initial seed + resync fetch)", calls)
	}
}

// Trades are recorded into the tape regardless of book state, and a HALTED
// symbol keeps accepting trade prints.
func TestActorRecordsTradesIndependentOfBookState(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "60")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	a, _ := newTestActor(t, srv)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go a.Run(ctx)

	waitForState(t, a, types.StateHalted, time.Second)

	a.Enqueue(Event{Kind: EventTrade, Trade: types.Trade{
		Symbol:    "BTCUSDT",
		Price:     decimal.RequireFromString("10.1"),
		Qty:       decimal.RequireFromString("0.5"),
		Side:      types.Buy,
		EventTime: time.Now(),
	}})

	time.Sleep(50 * time.Millisecond)
	if got := a.TimeAndSales().TradeCount1s; got != 1 {
		t.Errorf("TradeCount1s = %d, want 1 trade recorded while HALTED", got)
	}
	if got := a.DesyncRate10s(time.Now()); got != 0 {
		t.Errorf("trade handling unexpectedly affected desync window: %d", got)
	}
}
