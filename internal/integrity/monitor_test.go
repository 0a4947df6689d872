package integrity

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func testThresholds() Thresholds {
	return Thresholds{
		StaleWarnMs:       500,
		StaleCriticalMs:   2000,
		MaxGaps:           3,
		ReconnectCooldown: 5 * time.Second,
	}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestObserveClassifiesOK(t *testing.T) {
	t.Parallel()
	m := New("BTCUSDT", testThresholds(), discardLogger())

	now := time.Now()
	level := m.Observe(now, now.Add(-10*time.Millisecond), nil, nil, false)
	if level.String() != "OK" {
		t.Errorf("level = %s, want OK", level)
	}
}

func TestObserveClassifiesDegradedThenCritical(t *testing.T) {
	t.Parallel()
	m := New("BTCUSDT", testThresholds(), discardLogger())

	now := time.Now()
	// Repeatedly feed 600ms staleness so the EWMA climbs past the 500ms
	// warning threshold (it converges to 600, below the 2000ms critical one).
	var level = m.Observe(now, now.Add(-600*time.Millisecond), nil, nil, false)
	for i := 0; i < 20 && level.String() != "DEGRADED"; i++ {
		level = m.Observe(now, now.Add(-600*time.Millisecond), nil, nil, false)
	}
	if level.String() != "DEGRADED" {
		t.Fatalf("level = %s, want DEGRADED after sustained staleness", level)
	}
	// Then feed 3000ms staleness so the EWMA climbs past the critical one.
	for i := 0; i < 20 && level.String() != "CRITICAL"; i++ {
		level = m.Observe(now, now.Add(-3000*time.Millisecond), nil, nil, false)
	}
	if level.String() != "CRITICAL" {
		t.Fatalf("level = %s, want CRITICAL after sustained higher staleness", level)
	}
}

func TestCrossedBookIsCritical(t *testing.T) {
	t.Parallel()
	m := New("BTCUSDT", testThresholds(), discardLogger())

	now := time.Now()
	bid := decimal.RequireFromString("10.5")
	ask := decimal.RequireFromString("10.3")
	level := m.Observe(now, now, &bid, &ask, false)
	if level.String() != "CRITICAL" {
		t.Errorf("level = %s, want CRITICAL for crossed book", level)
	}
	if !m.Snapshot().Crossed {
		t.Error("Snapshot().Crossed = false, want true")
	}
}

func TestGapCountReachesMaxGapsTriggersCritical(t *testing.T) {
	t.Parallel()
	m := New("BTCUSDT", testThresholds(), discardLogger())

	now := time.Now()
	var level = m.Observe(now, now, nil, nil, true)
	for i := 0; i < 2; i++ {
		level = m.Observe(now, now, nil, nil, true)
	}
	if level.String() != "CRITICAL" {
		t.Errorf("level = %s, want CRITICAL after MaxGaps gaps", level)
	}
}

func TestShouldAdviseReconnectRespectsCooldown(t *testing.T) {
	t.Parallel()
	m := New("BTCUSDT", testThresholds(), discardLogger())

	now := time.Now()
	bid := decimal.RequireFromString("10.5")
	ask := decimal.RequireFromString("10.3")
	m.Observe(now, now, &bid, &ask, false)

	if !m.ShouldAdviseReconnect(now) {
		t.Fatal("ShouldAdviseReconnect = false, want true when CRITICAL with no prior advisory")
	}
	if m.ShouldAdviseReconnect(now.Add(time.Second)) {
		t.Error("ShouldAdviseReconnect = true within cooldown, want false")
	}
	if !m.ShouldAdviseReconnect(now.Add(10 * time.Second)) {
		t.Error("ShouldAdviseReconnect = false after cooldown elapsed, want true")
	}
}

func TestResetClearsGapsAndCrossed(t *testing.T) {
	t.Parallel()
	m := New("BTCUSDT", testThresholds(), discardLogger())

	now := time.Now()
	bid := decimal.RequireFromString("10.5")
	ask := decimal.RequireFromString("10.3")
	m.Observe(now, now, &bid, &ask, true)
	m.Reset()

	if got := m.Snapshot(); got.Crossed || got.GapCount != 0 {
		t.Errorf("Snapshot() = %+v, want cleared after Reset", got)
	}
}
