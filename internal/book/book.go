// Package book maintains the local replica of a symbol's order book and
// enforces the venue's sequence-numbered diff discipline against it.
//
// Replica mirrors a single symbol's bid/ask ladders. It is updated from two
// sources: a REST snapshot (ApplySnapshot) and a stream of incremental diffs
// (Apply). Both paths go through the same sequence check so the ladders are
// never left partially applied mid-gap.
package book

import (
	"sync"
	"time"

	"github.com/emirpasic/gods/maps/treemap"
	"github.com/shopspring/decimal"

	"ingestd/pkg/types"
)

func decimalComparator(a, b interface{}) int {
	return a.(decimal.Decimal).Cmp(b.(decimal.Decimal))
}

// ladder is an ordered price->qty map for one side of the book. Keys are
// never float64; comparisons always go through decimal.Decimal.Cmp.
type ladder struct {
	levels *treemap.Map
}

func newLadder() *ladder {
	return &ladder{levels: treemap.NewWith(decimalComparator)}
}

// applyLevels upserts each level; a zero qty removes the level.
func (l *ladder) applyLevels(levels []types.PriceLevel) {
	for _, lv := range levels {
		if lv.Qty.IsZero() {
			l.levels.Remove(lv.Price)
		} else {
			l.levels.Put(lv.Price, lv.Qty)
		}
	}
}

// replaceAll clears the ladder and repopulates it from a snapshot side.
// Zero-qty entries in a snapshot are simply omitted, never stored.
func (l *ladder) replaceAll(levels []types.PriceLevel) {
	l.levels.Clear()
	for _, lv := range levels {
		if lv.Qty.IsZero() {
			continue
		}
		l.levels.Put(lv.Price, lv.Qty)
	}
}

// best returns the best level. descending selects the Max (used for bids);
// ascending selects the Min (used for asks).
func (l *ladder) best(descending bool) (types.PriceLevel, bool) {
	if l.levels.Empty() {
		return types.PriceLevel{}, false
	}
	var k, v interface{}
	if descending {
		k, v = l.levels.Max()
	} else {
		k, v = l.levels.Min()
	}
	return types.PriceLevel{Price: k.(decimal.Decimal), Qty: v.(decimal.Decimal)}, true
}

// top returns up to n levels. descending walks from the best bid down;
// ascending walks from the best ask up.
func (l *ladder) top(n int, descending bool) []types.PriceLevel {
	out := make([]types.PriceLevel, 0, n)
	it := l.levels.Iterator()
	if descending {
		for it.End(); it.Prev(); {
			out = append(out, types.PriceLevel{Price: it.Key().(decimal.Decimal), Qty: it.Value().(decimal.Decimal)})
			if len(out) >= n {
				break
			}
		}
	} else {
		for it.Next() {
			out = append(out, types.PriceLevel{Price: it.Key().(decimal.Decimal), Qty: it.Value().(decimal.Decimal)})
			if len(out) >= n {
				break
			}
		}
	}
	return out
}

func (l *ladder) size(price decimal.Decimal) (decimal.Decimal, bool) {
	v, found := l.levels.Get(price)
	if !found {
		return decimal.Zero, false
	}
	return v.(decimal.Decimal), true
}

// ApplyResult reports what happened to a single incoming diff.
type ApplyResult struct {
	Applied           bool // diff was applied to the ladders
	Gap               bool // diff does not continue lastAppliedSequence
	Buffered          bool // gap diff was queued to the side buffer
	Overflow          bool // side buffer exceeded its bound and was discarded
	DroppedFromBuffer int  // count discarded on overflow
}

// SnapshotResult reports the outcome of applying a fresh snapshot together
// with any buffered diffs accumulated while the snapshot was in flight.
type SnapshotResult struct {
	OK           bool
	GapDetected  bool
	AppliedCount int
	DroppedCount int
}

// Replica is the exclusive, single-owner order book mirror for one symbol.
// All access must be serialized by the owning actor; Replica itself does
// not protect against concurrent callers beyond its own mutex, which exists
// so read-only accessors (BestBid, TopLevels, ...) can run from a different
// goroutine than the actor's apply loop when publishing snapshots.
type Replica struct {
	mu sync.Mutex

	symbol string
	bids   *ladder
	asks   *ladder

	lastUpdateID        int64
	lastAppliedSequence int64

	buffering bool
	buffer    []types.DepthDiff
	maxBuffer int

	updatedAt time.Time
}

// NewReplica creates an empty replica for symbol. maxBuffer bounds the side
// buffer of diffs accumulated while a snapshot fetch is in flight
// (DEPTH_QUEUE_MAX).
func NewReplica(symbol string, maxBuffer int) *Replica {
	return &Replica{
		symbol:    symbol,
		bids:      newLadder(),
		asks:      newLadder(),
		maxBuffer: maxBuffer,
	}
}

// SetBuffering toggles whether gap diffs are queued to the side buffer
// (true while SNAPSHOT_PENDING/APPLYING_SNAPSHOT) or simply reported as a
// gap with no queuing (true while LIVE/RESYNCING/HALTED).
func (r *Replica) SetBuffering(on bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.buffering = on
	if !on {
		r.buffer = nil
	}
}

// Apply applies a single incremental diff against the current sequence
// position. With last = lastAppliedSequence:
//
//   - u <= last:       diff already reflected, discard.
//   - U <= last+1 <= u: apply, advance lastAppliedSequence to u.
//   - U > last+1:      gap. Queued to the side buffer if buffering is
//     armed, otherwise reported for the caller to declare a desync.
func (r *Replica) Apply(diff types.DepthDiff) ApplyResult {
	r.mu.Lock()
	defer r.mu.Unlock()

	last := r.lastAppliedSequence

	switch {
	case diff.FinalUpdate <= last:
		return ApplyResult{Applied: false, Gap: false}

	case diff.FirstUpdate <= last+1 && last+1 <= diff.FinalUpdate:
		r.bids.applyLevels(diff.Bids)
		r.asks.applyLevels(diff.Asks)
		r.lastAppliedSequence = diff.FinalUpdate
		r.updatedAt = diff.ReceiptTime
		return ApplyResult{Applied: true, Gap: false}

	default: // diff.FirstUpdate > last+1
		if !r.buffering {
			return ApplyResult{Applied: false, Gap: true}
		}
		if len(r.buffer) >= r.maxBuffer {
			dropped := len(r.buffer)
			r.buffer = r.buffer[:0]
			return ApplyResult{Applied: false, Gap: true, Overflow: true, DroppedFromBuffer: dropped}
		}
		r.buffer = append(r.buffer, diff)
		return ApplyResult{Applied: false, Gap: true, Buffered: true}
	}
}

// ApplySnapshot resets the replica from a full snapshot and replays any
// diffs accumulated in the side buffer while the fetch was in flight.
// Buffered diffs with u <= lastUpdateId are dropped as already reflected.
// Remaining diffs are replayed in arrival order using the same sequence
// check as Apply; the first remaining diff that still leaves a gap against
// the snapshot's lastUpdateId stops the replay and is reported as
// GapDetected, signalling the caller to transition to RESYNCING.
func (r *Replica) ApplySnapshot(snap types.DepthSnapshot) SnapshotResult {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.bids.replaceAll(snap.Bids)
	r.asks.replaceAll(snap.Asks)
	r.lastUpdateID = snap.LastUpdateID
	r.lastAppliedSequence = snap.LastUpdateID
	r.updatedAt = snap.FetchedAt

	pending := r.buffer
	r.buffer = nil

	result := SnapshotResult{OK: true}

	for _, diff := range pending {
		last := r.lastAppliedSequence
		switch {
		case diff.FinalUpdate <= last:
			result.DroppedCount++
		case diff.FirstUpdate <= last+1 && last+1 <= diff.FinalUpdate:
			r.bids.applyLevels(diff.Bids)
			r.asks.applyLevels(diff.Asks)
			r.lastAppliedSequence = diff.FinalUpdate
			r.updatedAt = diff.ReceiptTime
			result.AppliedCount++
		default:
			result.GapDetected = true
			return result
		}
	}

	return result
}

// BestBid returns the highest resting bid, or false if the bid side is empty.
func (r *Replica) BestBid() (types.PriceLevel, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.bids.best(true)
}

// BestAsk returns the lowest resting ask, or false if the ask side is empty.
func (r *Replica) BestAsk() (types.PriceLevel, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.asks.best(false)
}

// TopLevels returns up to n levels per side: bids descending, asks
// ascending. The view is computed under the same lock as Apply, so it never
// observes a partially-applied diff.
func (r *Replica) TopLevels(n int) (bids, asks []types.PriceLevel) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.bids.top(n, true), r.asks.top(n, false)
}

// LevelSize returns the resting quantity at price on the given side.
func (r *Replica) LevelSize(price decimal.Decimal, isAsk bool) (decimal.Decimal, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if isAsk {
		return r.asks.size(price)
	}
	return r.bids.size(price)
}

// LastAppliedSequence returns the sequence id of the most recently applied
// diff or snapshot.
func (r *Replica) LastAppliedSequence() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastAppliedSequence
}

// LastUpdateID returns the lastUpdateId established by the most recent
// snapshot.
func (r *Replica) LastUpdateID() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastUpdateID
}

// UpdatedAt returns the receipt time of the most recently applied diff, or
// the fetch time of the most recent snapshot, whichever came last.
func (r *Replica) UpdatedAt() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.updatedAt
}

// Crossed reports whether the best bid is >= the best ask, a detectable
// fault rather than an enforced invariant.
func (r *Replica) Crossed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	bid, hasBid := r.bids.best(true)
	ask, hasAsk := r.asks.best(false)
	if !hasBid || !hasAsk {
		return false
	}
	return bid.Price.Cmp(ask.Price) >= 0
}

// MidPrice returns (bestBid+bestAsk)/2, or false if either side is empty.
func (r *Replica) MidPrice() (decimal.Decimal, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	bid, hasBid := r.bids.best(true)
	ask, hasAsk := r.asks.best(false)
	if !hasBid || !hasAsk {
		return decimal.Zero, false
	}
	return bid.Price.Add(ask.Price).Div(decimal.NewFromInt(2)), true
}
