// Package tape tracks the independent trade stream for a single symbol and
// derives rolling rate/volume aggregates from it. It never consults or
// blocks on the order book's state — even a HALTED symbol keeps recording
// trades, per the ownership rule that book state and trade flow are
// deliberately uncoupled.
package tape

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"ingestd/pkg/types"
)

// retention is the longest window this package ever reports (60s); trades
// older than this are evicted on every read.
const retention = 60 * time.Second

// Tape is the per-symbol rolling trade window.
type Tape struct {
	mu     sync.Mutex
	trades []types.Trade

	lastSide    types.Side
	burstLength int
}

// New creates an empty trade tape.
func New() *Tape {
	return &Tape{}
}

// Record appends a trade print and updates the consecutive-same-side burst
// counter.
func (t *Tape) Record(tr types.Trade) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if tr.Side == t.lastSide {
		t.burstLength++
	} else {
		t.burstLength = 1
		t.lastSide = tr.Side
	}

	t.trades = append(t.trades, tr)
	t.evictStaleLocked(tr.EventTime)
}

// evictStaleLocked drops trades older than retention relative to now.
// Must be called with t.mu held.
func (t *Tape) evictStaleLocked(now time.Time) {
	cutoff := now.Add(-retention)
	i := 0
	for ; i < len(t.trades); i++ {
		if t.trades[i].EventTime.After(cutoff) {
			break
		}
	}
	if i > 0 {
		t.trades = t.trades[i:]
	}
}

// Snapshot computes the current rate/volume aggregates relative to now.
func (t *Tape) Snapshot(now time.Time) types.TimeAndSalesFrame {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.evictStaleLocked(now)

	var (
		count1s      int
		buyVolume5s  = decimal.Zero
		sellVolume5s = decimal.Zero
	)

	cutoff1s := now.Add(-1 * time.Second)
	cutoff5s := now.Add(-5 * time.Second)

	for _, tr := range t.trades {
		if tr.EventTime.After(cutoff1s) {
			count1s++
		}
		if tr.EventTime.After(cutoff5s) {
			if tr.Side == types.Buy {
				buyVolume5s = buyVolume5s.Add(tr.Qty)
			} else {
				sellVolume5s = sellVolume5s.Add(tr.Qty)
			}
		}
	}

	return types.TimeAndSalesFrame{
		PrintsPerSec: float64(count1s),
		TradeCount1s: count1s,
		BuyVolume5s:  buyVolume5s.String(),
		SellVolume5s: sellVolume5s.String(),
		BurstLength:  t.burstLength,
	}
}

// Count10s returns the number of trades recorded in the last 10 seconds,
// relative to now.
func (t *Tape) Count10s(now time.Time) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.evictStaleLocked(now)

	cutoff := now.Add(-10 * time.Second)
	count := 0
	for _, tr := range t.trades {
		if tr.EventTime.After(cutoff) {
			count++
		}
	}
	return count
}
