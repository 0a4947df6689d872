// Package dispatch converts a symbol actor's internal snapshot into the
// downstream wire frame and fans it out to every collaborator: the
// subscriber registry, an optional strategy sink, an optional paper-trading
// sink, and a durable archive.
//
// StrategySink and PaperSink are interfaces only — this module has no
// strategy or paper-trading logic of its own; it exists to keep the core
// ingestion engine decoupled from whatever consumes its output. The
// concrete ArchiveSink writes `.tmp`-then-`os.Rename` so a crash mid-write
// never leaves a truncated shard on disk.
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/shopspring/decimal"

	"ingestd/internal/symbol"
	"ingestd/pkg/types"
)

var (
	decimalTwo     = decimal.NewFromInt(2)
	decimalHundred = decimal.NewFromInt(100)
)

// StrategySink receives every published frame for a strategy process to
// consume. Out of core scope: no implementation beyond the interface ships
// in this module.
type StrategySink interface {
	Publish(frame types.MetricSnapshotFrame) error
}

// PaperSink receives every published frame for a paper-trading simulator.
// Out of core scope, same as StrategySink.
type PaperSink interface {
	Publish(frame types.MetricSnapshotFrame) error
}

// ArchiveSink durably records every published frame.
type ArchiveSink interface {
	Append(frame types.MetricSnapshotFrame) error
}

// Broadcaster is the subset of fanout.Registry the dispatcher needs.
type Broadcaster interface {
	Broadcast(symbol string, frame types.MetricSnapshotFrame)
}

// Dispatcher owns the sequencing (eventId) and identity (stateHash)
// computation shared by every frame, then routes the composed frame to
// each configured collaborator.
type Dispatcher struct {
	logger *slog.Logger

	broadcaster Broadcaster
	archive     ArchiveSink
	strategy    StrategySink
	paper       PaperSink

	depthLevels int
	eventSeq    atomic.Uint64
}

// New creates a Dispatcher. strategy, paper, and archive may be nil; a nil
// collaborator is simply skipped.
func New(broadcaster Broadcaster, archive ArchiveSink, strategy StrategySink, paper PaperSink, depthLevels int, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		logger:      logger.With("component", "dispatcher"),
		broadcaster: broadcaster,
		archive:     archive,
		strategy:    strategy,
		paper:       paper,
		depthLevels: depthLevels,
	}
}

// Dispatch composes the wire frame for snap and routes it to every
// configured collaborator. Errors from individual sinks are logged and
// never propagated — one sink's failure must not block the others or the
// actor that called in.
func (d *Dispatcher) Dispatch(snap symbol.Snapshot) {
	frame := d.compose(snap)

	if d.broadcaster != nil {
		d.broadcaster.Broadcast(snap.Symbol, frame)
	}
	if d.archive != nil {
		if err := d.archive.Append(frame); err != nil {
			d.logger.Error("archive append failed", "symbol", snap.Symbol, "error", err)
		}
	}
	if d.strategy != nil {
		if err := d.strategy.Publish(frame); err != nil {
			d.logger.Error("strategy sink publish failed", "symbol", snap.Symbol, "error", err)
		}
	}
	if d.paper != nil {
		if err := d.paper.Publish(frame); err != nil {
			d.logger.Error("paper sink publish failed", "symbol", snap.Symbol, "error", err)
		}
	}
}

func (d *Dispatcher) compose(snap symbol.Snapshot) types.MetricSnapshotFrame {
	bids := make([][2]string, 0, len(snap.Bids))
	for _, lv := range snap.Bids {
		bids = append(bids, [2]string{lv.Price.String(), lv.Qty.String()})
	}
	asks := make([][2]string, 0, len(snap.Asks))
	for _, lv := range snap.Asks {
		asks = append(asks, [2]string{lv.Price.String(), lv.Qty.String()})
	}

	var bestBid, bestAsk, midPrice, spreadPct *string
	if snap.BestBid != nil {
		s := snap.BestBid.Price.String()
		bestBid = &s
	}
	if snap.BestAsk != nil {
		s := snap.BestAsk.Price.String()
		bestAsk = &s
	}
	if snap.BestBid != nil && snap.BestAsk != nil {
		mid := snap.BestBid.Price.Add(snap.BestAsk.Price).DivRound(decimalTwo, 10)
		midStr := mid.String()
		midPrice = &midStr

		if !mid.IsZero() {
			spread := snap.BestAsk.Price.Sub(snap.BestBid.Price).Div(mid).Mul(decimalHundred)
			spreadStr := spread.String()
			spreadPct = &spreadStr
		}
	}

	eventID := d.eventSeq.Add(1)
	ts := snap.EventTime.UnixMilli()
	hash := d.stateHash(snap)

	return types.MetricSnapshotFrame{
		Type:        "metrics",
		Symbol:      snap.Symbol,
		State:       snap.State.String(),
		EventTimeMs: ts,
		Snapshot: types.SnapshotIdentity{
			EventID:   eventID,
			StateHash: hash,
			TsMs:      ts,
		},
		Bids:         bids,
		Asks:         asks,
		BestBid:      bestBid,
		BestAsk:      bestAsk,
		MidPrice:     midPrice,
		SpreadPct:    spreadPct,
		LastUpdateID: snap.LastUpdateID,
		TimeAndSales: snap.TimeAndSales,
		Integrity:    snap.Integrity,
	}
}

// stateHash is the canonical dedup key for one symbol's published state: a
// deterministic hash of its sequence id, state, and top-of-book so two
// broadcasts of the same underlying book state hash identically regardless
// of when they were composed.
func (d *Dispatcher) stateHash(snap symbol.Snapshot) string {
	var bid, ask string
	if snap.BestBid != nil {
		bid = snap.BestBid.Price.String() + "@" + snap.BestBid.Qty.String()
	}
	if snap.BestAsk != nil {
		ask = snap.BestAsk.Price.String() + "@" + snap.BestAsk.Qty.String()
	}
	canonical := fmt.Sprintf("%s|%s|%d|%s|%s", snap.Symbol, snap.State.String(), snap.LastUpdateID, bid, ask)
	return fmt.Sprintf("%016x", xxhash.Sum64String(canonical))
}

// AsyncArchive decouples a slow ArchiveSink from the symbol actor that calls
// Dispatch. Append only ever enqueues onto a bounded channel and returns
// immediately, dropping the frame when the channel is full rather than
// letting a stalled disk/network hold up the actor goroutine that produced
// it. A single background worker drains the channel into the wrapped sink.
type AsyncArchive struct {
	sink   ArchiveSink
	logger *slog.Logger
	queue  chan types.MetricSnapshotFrame
	drops  atomic.Uint64
}

// NewAsyncArchive wraps sink with a bounded queue of the given depth.
func NewAsyncArchive(sink ArchiveSink, queueDepth int, logger *slog.Logger) *AsyncArchive {
	if queueDepth <= 0 {
		queueDepth = 1024
	}
	return &AsyncArchive{
		sink:   sink,
		logger: logger.With("component", "archive-async"),
		queue:  make(chan types.MetricSnapshotFrame, queueDepth),
	}
}

// Append enqueues frame without blocking. If the queue is full the frame is
// dropped and counted; the caller (Dispatcher.Dispatch, running on a symbol
// actor's own goroutine) is never slowed down by archive back-pressure.
func (a *AsyncArchive) Append(frame types.MetricSnapshotFrame) error {
	select {
	case a.queue <- frame:
		return nil
	default:
		a.drops.Add(1)
		return nil
	}
}

// Drops reports the number of frames discarded so far due to a full queue.
func (a *AsyncArchive) Drops() uint64 { return a.drops.Load() }

// Run drains the queue into the wrapped sink until ctx is cancelled. Any
// frames still queued at shutdown are discarded rather than awaited —
// archival is best-effort and never holds up process exit.
func (a *AsyncArchive) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case frame := <-a.queue:
			if err := a.sink.Append(frame); err != nil {
				a.logger.Error("archive append failed", "symbol", frame.Symbol, "error", err)
			}
		}
	}
}

// FileArchiveSink appends every frame to a per-symbol, per-day JSONL shard
// under dir. Each append rewrites the shard's buffered contents to a `.tmp`
// file and atomically renames it into place, so a crash mid-write never
// corrupts the shard already on disk.
type FileArchiveSink struct {
	dir    string
	logger *slog.Logger

	mu      sync.Mutex
	buffers map[string][]byte
}

// NewFileArchiveSink creates a sink rooted at dir, creating it if absent.
func NewFileArchiveSink(dir string, logger *slog.Logger) (*FileArchiveSink, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("archive sink: %w", err)
	}
	return &FileArchiveSink{
		dir:     dir,
		logger:  logger.With("component", "archive-sink"),
		buffers: make(map[string][]byte),
	}, nil
}

func (s *FileArchiveSink) shardKey(frame types.MetricSnapshotFrame) string {
	day := time.UnixMilli(frame.EventTimeMs).UTC().Format("20060102")
	return fmt.Sprintf("%s-%s", frame.Symbol, day)
}

// Append adds frame to its shard's buffer and flushes the shard atomically.
func (s *FileArchiveSink) Append(frame types.MetricSnapshotFrame) error {
	line, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}
	line = append(line, '\n')

	key := s.shardKey(frame)

	s.mu.Lock()
	buf := append(s.buffers[key], line...)
	s.buffers[key] = buf
	s.mu.Unlock()

	path := filepath.Join(s.dir, key+".jsonl")
	tmp := path + ".tmp"

	if err := os.WriteFile(tmp, buf, 0o600); err != nil {
		return fmt.Errorf("write shard tmp: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("rename shard: %w", err)
	}
	return nil
}
