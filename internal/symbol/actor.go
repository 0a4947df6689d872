// actor.go implements the per-symbol event queue and actor: the single
// goroutine that exclusively owns one symbol's Replica, Tape, integrity
// Monitor, and state Machine, consuming diffs and trades strictly in
// arrival order. One goroutine per symbol, fed by a bounded channel, torn
// down by cancelling its context.
package symbol

import (
	"context"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"ingestd/internal/book"
	"ingestd/internal/health"
	"ingestd/internal/integrity"
	"ingestd/internal/snapshot"
	"ingestd/internal/tape"
	"ingestd/pkg/types"
)

// EventKind discriminates the union type carried on an actor's queue.
type EventKind int

const (
	EventDiff EventKind = iota
	EventTrade
)

// Event is the sum type Event = Diff | Trade that the actor consumes in
// arrival order.
type Event struct {
	Kind  EventKind
	Diff  types.DepthDiff
	Trade types.Trade
}

// Config carries the environment-sourced tunables that govern one symbol's
// actor.
type Config struct {
	DepthQueueMax        int
	DepthLagMax          time.Duration
	LiveSnapshotFresh    time.Duration
	LiveDesyncRate10sMax int
	DepthLevels          int
	ResyncInterval       time.Duration
	Integrity            integrity.Thresholds
}

// Snapshot is the immutable, per-symbol composed view the actor publishes
// after every state-relevant event. The Downstream Dispatcher converts
// this into the wire MetricSnapshotFrame and a stateHash.
type Snapshot struct {
	Symbol       string
	State        types.SymbolState
	EventTime    time.Time
	Bids, Asks   []types.PriceLevel
	BestBid      *types.PriceLevel
	BestAsk      *types.PriceLevel
	LastUpdateID int64
	TimeAndSales types.TimeAndSalesFrame
	Integrity    types.IntegrityFrame
}

// PublishFunc receives every composed snapshot the actor emits.
type PublishFunc func(Snapshot)

// Actor owns symbol's Replica/Tape/Monitor/Machine exclusively and
// consumes its bounded event queue single-threaded.
type Actor struct {
	symbol  string
	cfg     Config
	fetcher *snapshot.Fetcher
	logger  *slog.Logger

	replica *book.Replica
	tape    *tape.Tape
	monitor *integrity.Monitor
	machine *Machine

	events   chan Event
	overflow chan struct{}

	depthWindow  *health.EventWindow
	desyncWindow *health.EventWindow
	snapshotOK   *health.EventWindow
	snapshotSkip *health.EventWindow
	liveSamples  *health.BoolWindow

	publish PublishFunc
}

// NewActor creates an actor for symbol. publish is called synchronously
// from the actor's own goroutine, so it must never block — callers should
// hand off to a buffered channel or a non-blocking dispatcher.
func NewActor(sym string, cfg Config, fetcher *snapshot.Fetcher, publish PublishFunc, logger *slog.Logger) *Actor {
	log := logger.With("component", "symbol-actor", "symbol", sym)
	return &Actor{
		symbol:       sym,
		cfg:          cfg,
		fetcher:      fetcher,
		logger:       log,
		replica:      book.NewReplica(sym, cfg.DepthQueueMax),
		tape:         tape.New(),
		monitor:      integrity.New(sym, cfg.Integrity, logger),
		machine:      NewMachine(sym, cfg.ResyncInterval, logger),
		events:       make(chan Event, cfg.DepthQueueMax),
		overflow:     make(chan struct{}, 1),
		depthWindow:  health.NewEventWindow(60 * time.Second),
		desyncWindow: health.NewEventWindow(60 * time.Second),
		snapshotOK:   health.NewEventWindow(60 * time.Second),
		snapshotSkip: health.NewEventWindow(60 * time.Second),
		liveSamples:  health.NewBoolWindow(60 * time.Second),
		publish:      publish,
	}
}

// Symbol returns the actor's symbol.
func (a *Actor) Symbol() string { return a.symbol }

// State returns the current state machine state.
func (a *Actor) State() types.SymbolState { return a.machine.State() }

// Replica exposes the read-only accessors of the order book replica for
// status/metrics consumers outside the actor.
func (a *Actor) Replica() *book.Replica { return a.replica }

// Integrity returns the integrity monitor's current public view, used by
// the /status route.
func (a *Actor) Integrity() types.IntegrityFrame { return a.monitor.Snapshot() }

// TimeAndSales returns the trade tape's current rolling rates, used by the
// /status route.
func (a *Actor) TimeAndSales() types.TimeAndSalesFrame { return a.tape.Snapshot(time.Now()) }

// Enqueue hands ev to the actor's FIFO without blocking. If the queue is
// already at DEPTH_QUEUE_MAX, this is the "depth queue overflow" fault:
// the event is dropped and the actor is notified to force a resync on its
// next loop iteration rather than let the producer (the WS read loop)
// block.
func (a *Actor) Enqueue(ev Event) {
	select {
	case a.events <- ev:
	default:
		select {
		case a.overflow <- struct{}{}:
		default:
		}
	}
}

// DesyncRate10s reports the number of desync events recorded in the last
// 10 seconds, relative to now.
func (a *Actor) DesyncRate10s(now time.Time) int {
	return a.desyncWindow.CountWithin(now, 10*time.Second)
}

// LiveUptimePct60s reports the fraction of book-readiness samples that
// were true in the last 60 seconds.
func (a *Actor) LiveUptimePct60s(now time.Time) float64 {
	return a.liveSamples.PctTrue(now, 60*time.Second)
}

// DesyncCount reports the number of desync events recorded within window,
// relative to now. Used to roll up /health/metrics across every actor.
func (a *Actor) DesyncCount(now time.Time, window time.Duration) int {
	return a.desyncWindow.CountWithin(now, window)
}

// DepthMessageCount reports the number of applied depth messages recorded
// within window, relative to now.
func (a *Actor) DepthMessageCount(now time.Time, window time.Duration) int {
	return a.depthWindow.CountWithin(now, window)
}

// SnapshotOKCount reports the number of successful snapshot fetches
// recorded within window, relative to now.
func (a *Actor) SnapshotOKCount(now time.Time, window time.Duration) int {
	return a.snapshotOK.CountWithin(now, window)
}

// SnapshotSkipCount reports the number of skipped/throttled/rate-limited
// snapshot attempts recorded within window, relative to now.
func (a *Actor) SnapshotSkipCount(now time.Time, window time.Duration) int {
	return a.snapshotSkip.CountWithin(now, window)
}

// LastTransition returns when the state machine last changed state, used
// by /status to report time-in-state.
func (a *Actor) LastTransition() time.Time {
	return a.machine.LastTransition()
}

// Run consumes the actor's queue until ctx is cancelled. An actor only
// exists once its symbol is subscribed, so it transitions INIT ->
// SNAPSHOT_PENDING immediately and then drives the resync/fetch cycle on a
// periodic tick alongside the event loop.
func (a *Actor) Run(ctx context.Context) {
	a.replica.SetBuffering(true)
	if err := a.machine.Transition(types.StateSnapshotPending, TriggerFirstSubscription); err != nil {
		a.logger.Error("initial transition failed", "error", err)
	}

	tick := time.NewTicker(200 * time.Millisecond)
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case <-a.overflow:
			a.forceResync(TriggerQueueOverflow)

		case ev := <-a.events:
			a.handleEvent(ctx, ev)

		case <-tick.C:
			a.attemptResyncIfDue(ctx)
			a.evaluateLiveWatchdog(time.Now())
			a.liveSamples.Record(time.Now(), a.machine.State() == types.StateLive)
		}
	}
}

func (a *Actor) handleEvent(ctx context.Context, ev Event) {
	switch ev.Kind {
	case EventTrade:
		// Trade processing never consults or blocks on book state.
		a.tape.Record(ev.Trade)
		a.publishSnapshot(ev.Trade.EventTime)

	case EventDiff:
		a.handleDiff(ev.Diff)
	}
}

func (a *Actor) handleDiff(diff types.DepthDiff) {
	now := time.Now()
	result := a.replica.Apply(diff)

	if result.Overflow {
		a.desyncWindow.Record(now)
		a.forceResync(TriggerQueueOverflow)
		return
	}

	if result.Gap && !result.Buffered {
		// Only a live/resyncing/halted symbol reports bare gaps (buffering
		// is off outside SNAPSHOT_PENDING/APPLYING_SNAPSHOT); this is the
		// sequence-gap fault that forces a resync.
		a.desyncWindow.Record(now)
		a.monitor.Observe(now, diff.EventTime, nil, nil, true)
		if a.machine.State() == types.StateLive {
			a.transition(types.StateResyncing, TriggerSequenceGap)
		}
		return
	}

	if !result.Applied {
		return
	}

	a.depthWindow.Record(now)

	lag := now.Sub(diff.ReceiptTime)
	a.monitor.Observe(now, diff.EventTime, bestPrice(a.replica.BestBid()), bestPrice(a.replica.BestAsk()), false)

	if a.machine.State() == types.StateLive {
		if lag > a.cfg.DepthLagMax {
			a.transition(types.StateResyncing, TriggerLagExceeded)
			return
		}
		if a.desyncWindow.CountWithin(now, 10*time.Second) > a.cfg.LiveDesyncRate10sMax {
			a.transition(types.StateResyncing, TriggerDesyncRateHigh)
			return
		}
	}

	a.publishSnapshot(diff.EventTime)
}

// evaluateLiveWatchdog runs the tick-driven checks that don't arrive with
// a specific event: integrity CRITICAL advisory and snapshot freshness.
func (a *Actor) evaluateLiveWatchdog(now time.Time) {
	if a.machine.State() != types.StateLive {
		return
	}
	if a.monitor.ShouldAdviseReconnect(now) {
		a.transition(types.StateResyncing, TriggerIntegrityCritical)
		return
	}
	if updated := a.replica.UpdatedAt(); !updated.IsZero() && now.Sub(updated) > a.cfg.LiveSnapshotFresh {
		if _, hasBid := a.replica.BestBid(); hasBid {
			a.transition(types.StateResyncing, TriggerSnapshotStale)
		}
	}
}

// forceResync drives a LIVE/APPLYING_SNAPSHOT symbol to RESYNCING from an
// overflow/fault condition detected outside the normal diff path.
func (a *Actor) forceResync(trigger Trigger) {
	switch a.machine.State() {
	case types.StateLive, types.StateApplyingSnapshot:
		a.transition(types.StateResyncing, trigger)
	}
}

func (a *Actor) transition(to types.SymbolState, trigger Trigger) {
	if err := a.machine.Transition(to, trigger); err != nil {
		a.logger.Error("transition rejected", "to", to.String(), "trigger", string(trigger), "error", err)
		return
	}
	if to == types.StateResyncing || to == types.StateHalted {
		a.replica.SetBuffering(false)
	}
}

// attemptResyncIfDue drives the SNAPSHOT_PENDING/RESYNCING/HALTED ->
// SNAPSHOT_PENDING -> fetch cycle, throttled by the state machine's resync
// interval so consecutive faults cannot hammer the snapshot endpoint.
func (a *Actor) attemptResyncIfDue(ctx context.Context) {
	now := time.Now()
	state := a.machine.State()

	switch state {
	case types.StateResyncing:
		if !a.machine.ReadyForResync(now) {
			return
		}
		if err := a.machine.Transition(types.StateSnapshotPending, TriggerResyncAttempt); err != nil {
			return
		}
		a.replica.SetBuffering(true)

	case types.StateHalted:
		if !a.fetcher.GlobalBackoffUntil().IsZero() && now.Before(a.fetcher.GlobalBackoffUntil()) {
			return
		}
		if !a.machine.ReadyForResync(now) {
			return
		}
		if err := a.machine.Transition(types.StateSnapshotPending, TriggerRetryElapsed); err != nil {
			return
		}
		a.replica.SetBuffering(true)

	case types.StateSnapshotPending:
		if !a.machine.ReadyForResync(now) {
			return
		}
		// fall through to fetch below

	default:
		return
	}

	a.doFetch(ctx)
}

// doFetch blocks the actor's loop for the duration of the HTTP call — the
// one place the actor is allowed to suspend.
func (a *Actor) doFetch(ctx context.Context) {
	res := a.fetcher.Fetch(ctx, a.symbol, "resync", false)
	now := time.Now()

	switch res.Outcome {
	case snapshot.OutcomeSkippedGlobal, snapshot.OutcomeSkippedSymbol:
		a.snapshotSkip.Record(now)
		return

	case snapshot.OutcomeRateLimited:
		a.snapshotSkip.Record(now)
		a.transition(types.StateHalted, TriggerRateLimited)
		return

	case snapshot.OutcomeError:
		a.transition(types.StateResyncing, TriggerNonOKSnapshot)
		return

	case snapshot.OutcomeFetched:
		a.snapshotOK.Record(now)
		if err := a.machine.Transition(types.StateApplyingSnapshot, TriggerSnapshotParsed); err != nil {
			return
		}
		snapResult := a.replica.ApplySnapshot(*res.Snapshot)
		if snapResult.GapDetected {
			a.transition(types.StateResyncing, TriggerBufferGap)
			return
		}
		a.replica.SetBuffering(false)
		a.monitor.Reset()
		a.transition(types.StateLive, TriggerCleanApply)
		a.publishSnapshot(now)
	}
}

func (a *Actor) publishSnapshot(eventTime time.Time) {
	if a.publish == nil {
		return
	}
	now := time.Now()
	bids, asks := a.replica.TopLevels(a.cfg.DepthLevels)
	bid, hasBid := a.replica.BestBid()
	ask, hasAsk := a.replica.BestAsk()

	var bidPtr, askPtr *types.PriceLevel
	if hasBid {
		bidPtr = &bid
	}
	if hasAsk {
		askPtr = &ask
	}

	a.publish(Snapshot{
		Symbol:       a.symbol,
		State:        a.machine.State(),
		EventTime:    eventTime,
		Bids:         bids,
		Asks:         asks,
		BestBid:      bidPtr,
		BestAsk:      askPtr,
		LastUpdateID: a.replica.LastAppliedSequence(),
		TimeAndSales: a.tape.Snapshot(now),
		Integrity:    a.monitor.Snapshot(),
	})
}

// bestPrice adapts a (PriceLevel, ok) accessor pair to the *decimal.Decimal
// the integrity monitor expects, nil when the side is empty.
func bestPrice(level types.PriceLevel, ok bool) *decimal.Decimal {
	if !ok {
		return nil
	}
	return &level.Price
}
