package tape

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"ingestd/pkg/types"
)

func trade(at time.Time, side types.Side, qty string) types.Trade {
	return types.Trade{Price: decimal.NewFromInt(100), Qty: decimal.RequireFromString(qty), Side: side, EventTime: at}
}

func TestSnapshotRatesAndVolume(t *testing.T) {
	t.Parallel()
	tp := New()
	base := time.Now()

	tp.Record(trade(base.Add(-500*time.Millisecond), types.Buy, "1"))
	tp.Record(trade(base.Add(-2*time.Second), types.Sell, "2"))
	tp.Record(trade(base.Add(-4*time.Second), types.Buy, "3"))
	tp.Record(trade(base.Add(-30*time.Second), types.Buy, "100")) // outside 5s window

	snap := tp.Snapshot(base)
	if snap.TradeCount1s != 1 {
		t.Errorf("TradeCount1s = %d, want 1", snap.TradeCount1s)
	}
	if snap.BuyVolume5s != "4" {
		t.Errorf("BuyVolume5s = %q, want 4", snap.BuyVolume5s)
	}
	if snap.SellVolume5s != "2" {
		t.Errorf("SellVolume5s = %q, want 2", snap.SellVolume5s)
	}
}

func TestBurstLengthTracksConsecutiveSide(t *testing.T) {
	t.Parallel()
	tp := New()
	base := time.Now()

	tp.Record(trade(base, types.Buy, "1"))
	tp.Record(trade(base, types.Buy, "1"))
	tp.Record(trade(base, types.Buy, "1"))
	snap := tp.Snapshot(base)
	if snap.BurstLength != 3 {
		t.Errorf("BurstLength = %d, want 3", snap.BurstLength)
	}

	tp.Record(trade(base, types.Sell, "1"))
	snap = tp.Snapshot(base)
	if snap.BurstLength != 1 {
		t.Errorf("BurstLength = %d, want 1 after side flip", snap.BurstLength)
	}
}

func TestEvictsStaleTrades(t *testing.T) {
	t.Parallel()
	tp := New()
	base := time.Now()

	tp.Record(trade(base.Add(-90*time.Second), types.Buy, "5"))
	snap := tp.Snapshot(base)
	if snap.TradeCount1s != 0 {
		t.Errorf("TradeCount1s = %d, want 0 after eviction", snap.TradeCount1s)
	}
	if got := tp.Count10s(base); got != 0 {
		t.Errorf("Count10s = %d, want 0 after eviction", got)
	}
}

func TestEmptyTapeSnapshot(t *testing.T) {
	t.Parallel()
	tp := New()
	snap := tp.Snapshot(time.Now())
	if snap.TradeCount1s != 0 || snap.BurstLength != 0 {
		t.Errorf("Snapshot = %+v, want zero values on empty tape", snap)
	}
}
