package autoscale

import (
	"io"
	"log/slog"
	"testing"
	"time"
)

var discardHandler = slog.NewTextHandler(io.Discard, nil)

func testConfig() Config {
	return Config{DownPct: 70, UpPct: 95, UpHoldMs: 10 * time.Second, MaxBudget: 8}
}

// S6 Autoscale down: 5 symbols active, mean livePct60s=55%, budget=5.
// Expect budget -> 1.
func TestS6AutoscaleDown(t *testing.T) {
	t.Parallel()
	a := New(testConfig(), 5, slog.New(discardHandler))

	a.evaluate(time.Now(), 55)

	if got := a.Budget(); got != 1 {
		t.Errorf("Budget = %d, want 1", got)
	}
	select {
	case got := <-a.BudgetCh():
		if got != 1 {
			t.Errorf("emitted budget = %d, want 1", got)
		}
	default:
		t.Error("expected a budget change to be emitted")
	}
}

func TestAutoscaleUpRequiresSustainedHold(t *testing.T) {
	t.Parallel()
	a := New(testConfig(), 1, slog.New(discardHandler))

	base := time.Now()
	a.evaluate(base, 99) // first observation above UpPct, starts the hold clock
	if got := a.Budget(); got != 1 {
		t.Errorf("Budget = %d, want unchanged at 1 before hold elapses", got)
	}

	a.evaluate(base.Add(11*time.Second), 99) // hold satisfied
	if got := a.Budget(); got != 2 {
		t.Errorf("Budget = %d, want 2 after sustained hold", got)
	}
}

func TestAutoscaleUpStopsAtMaxBudget(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.MaxBudget = 2
	a := New(cfg, 2, slog.New(discardHandler))

	base := time.Now()
	a.evaluate(base, 99)
	a.evaluate(base.Add(11*time.Second), 99)

	if got := a.Budget(); got != 2 {
		t.Errorf("Budget = %d, want capped at MaxBudget 2", got)
	}
}

func TestNewClampsInitialBudgetToMax(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.MaxBudget = 3
	a := New(cfg, 10, slog.New(discardHandler))

	if got := a.Budget(); got != 3 {
		t.Errorf("Budget = %d, want initial clamped to 3", got)
	}
}

func TestAutoscaleMidBandResetsHoldClock(t *testing.T) {
	t.Parallel()
	a := New(testConfig(), 1, slog.New(discardHandler))

	base := time.Now()
	a.evaluate(base, 99)
	a.evaluate(base.Add(5*time.Second), 80) // drops into the neutral band, resets hold
	a.evaluate(base.Add(6*time.Second), 99) // hold restarts here

	if got := a.Budget(); got != 1 {
		t.Errorf("Budget = %d, want unchanged at 1 after hold reset", got)
	}
}

func TestDropOrderLexicographicFromTail(t *testing.T) {
	t.Parallel()
	required := []string{"ETHUSDT", "BTCUSDT", "SOLUSDT", "ADAUSDT", "XRPUSDT"}

	// Sorted: ADAUSDT, BTCUSDT, ETHUSDT, SOLUSDT, XRPUSDT. Budget=1 keeps
	// only the lexicographically first symbol.
	dropped := DropOrder(required, 1, nil)
	want := []string{"BTCUSDT", "ETHUSDT", "SOLUSDT", "XRPUSDT"}
	if len(dropped) != len(want) {
		t.Fatalf("dropped = %v, want %v", dropped, want)
	}
	for i := range want {
		if dropped[i] != want[i] {
			t.Errorf("dropped[%d] = %q, want %q", i, dropped[i], want[i])
		}
	}
}

func TestDropOrderNeverDropsPinned(t *testing.T) {
	t.Parallel()
	required := []string{"BTCUSDT", "ETHUSDT"}
	pinned := map[string]bool{"BTCUSDT": true}

	dropped := DropOrder(required, 1, pinned)
	for _, s := range dropped {
		if s == "BTCUSDT" {
			t.Error("DropOrder dropped a pinned symbol")
		}
	}
}
