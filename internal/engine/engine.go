// Package engine is the central orchestrator of the ingestion fabric.
//
// It wires together every subsystem:
//
//  1. excinfo.Cache polls the venue's symbol universe on a ticker.
//  2. fanout.Registry owns the live subscriber set; its RequiredSymbols
//     union, plus the configured pinned set, drives which symbols are
//     active.
//  3. autoscale.Autoscaler adjusts the active-symbol budget from rolling
//     live-uptime and can force it down to 1 under sustained trouble.
//  4. reconcile() diffs the desired active set against the running
//     symbol.Actor slots: starts actors for newly active symbols, stops
//     actors for symbols dropped by the budget, and pushes the result to
//     upstream.Multiplexer.SetSymbols.
//  5. The upstream read loop demultiplexes diffs/trades by symbol and
//     enqueues them onto the owning actor's FIFO in constant time; actors
//     never touch the upstream socket directly.
//  6. Each actor publishes composed snapshots to dispatch.Dispatcher, which
//     fans them out to the subscriber registry, the optional archive sink,
//     and the strategy/paper-trading collaborator interfaces.
//
// Lifecycle: New() -> Start() -> [runs until shutdown] -> Stop().
package engine

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"ingestd/internal/autoscale"
	"ingestd/internal/config"
	"ingestd/internal/dispatch"
	"ingestd/internal/exchange"
	"ingestd/internal/excinfo"
	"ingestd/internal/fanout"
	"ingestd/internal/integrity"
	"ingestd/internal/snapshot"
	"ingestd/internal/symbol"
	"ingestd/internal/upstream"
	"ingestd/pkg/types"
)

// slot is one actively-running symbol: its actor plus the cancel func that
// tears down its goroutine.
type slot struct {
	actor  *symbol.Actor
	cancel context.CancelFunc
}

// SymbolStatus is the per-symbol detail rendered by the /status route.
type SymbolStatus struct {
	Symbol            string
	State             string
	LastTransition    time.Time
	LastUpdateID      int64
	BestBid           *types.PriceLevel
	BestAsk           *types.PriceLevel
	BookLevels        int
	SnapshotBackoff   time.Duration
	ConsecutiveErrors int
	DesyncCount10s    int
	DesyncCount60s    int
	SnapshotOK60s     int
	SnapshotSkip60s   int
	LiveUptimePct60s  float64
	Integrity         types.IntegrityFrame
	TimeAndSales      types.TimeAndSalesFrame
}

// HealthMetrics is the rolled-up counter view rendered by /health/metrics.
type HealthMetrics struct {
	Desync10s        int
	Desync60s        int
	SnapshotOK60s    int
	SnapshotSkip60s  int
	LiveUptimePct60s float64
	ActiveSymbols    int
}

// Readiness is the per-symbol state summary rendered by /health/readiness.
type Readiness struct {
	LiveSymbols     []string
	DegradedSymbols []string
}

// Engine orchestrates every component of the ingestion fabric. It owns the
// lifecycle of every background goroutine and the active symbol->actor map.
type Engine struct {
	cfg    *config.Config
	logger *slog.Logger

	client       *exchange.Client
	excinfo      *excinfo.Cache
	fetcher      *snapshot.Fetcher
	mux          *upstream.Multiplexer
	registry     *fanout.Registry
	dispatcher   *dispatch.Dispatcher
	asyncArchive *dispatch.AsyncArchive
	autoscaler   *autoscale.Autoscaler
	actorCfg     symbol.Config

	// slots maps symbol -> running actor. Protected by slotsMu.
	slots   map[string]*slot
	slotsMu sync.Mutex

	lastDataMu       sync.Mutex
	lastDataReceived time.Time
	startedAt        time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates and wires every engine component from cfg. It does not start
// any goroutine; call Start for that.
func New(cfg *config.Config, logger *slog.Logger) (*Engine, error) {
	client := exchange.NewClient(cfg.Venue.RESTBaseURL, logger)

	fetcher := snapshot.New(client, snapshot.Config{
		MinInterval:   cfg.SnapshotMinInterval(),
		MinBackoff:    cfg.SnapshotMinBackoff(),
		MaxBackoff:    cfg.SnapshotMaxBackoff(),
		DepthLimit:    cfg.SnapshotDepthLimit,
		FetchDeadline: cfg.SnapshotFetchDeadline(),
		GlobalRPS:     cfg.SnapshotGlobalRPS,
		GlobalBurst:   cfg.SnapshotGlobalBurst,
	}, logger)

	mux := upstream.NewMultiplexer(upstream.Config{
		URL:         cfg.Venue.WSBaseURL + "/stream",
		StreamMode:  types.DepthStreamMode(cfg.DepthStreamMode),
		DepthLevels: cfg.DepthLevels,
		UpdateSpeed: cfg.WSUpdateSpeed,
	}, logger)

	registry := fanout.NewRegistry(fanout.Config{
		AllowedOrigins:    cfg.AllowedOrigins,
		HeartbeatInterval: cfg.ClientHeartbeatInterval(),
		StaleConnection:   cfg.ClientStaleConnection(),
		BroadcastThrottle: cfg.BroadcastThrottle(),
		AuthKey:           cfg.SubscriberAuthKey,
	}, logger)

	var archiveSink dispatch.ArchiveSink
	var asyncArchive *dispatch.AsyncArchive
	if cfg.Archive.Enabled {
		sink, err := dispatch.NewFileArchiveSink(cfg.Archive.DataDir, logger)
		if err != nil {
			return nil, err
		}
		asyncArchive = dispatch.NewAsyncArchive(sink, cfg.Archive.QueueDepth, logger)
		archiveSink = asyncArchive
	}

	dispatcher := dispatch.New(registry, archiveSink, nil, nil, cfg.DepthLevels, logger)

	scaler := autoscale.New(autoscale.Config{
		DownPct:   cfg.AutoscaleDownPct,
		UpPct:     cfg.AutoscaleUpPct,
		UpHoldMs:  cfg.AutoscaleUpHold(),
		MaxBudget: cfg.SymbolConcurrency,
	}, cfg.AutoscaleInitial, logger)

	infoCache := excinfo.New(client, cfg.ExchangeInfoRefresh(), logger)

	actorCfg := symbol.Config{
		DepthQueueMax:        cfg.DepthQueueMax,
		DepthLagMax:          cfg.DepthLagMax(),
		LiveSnapshotFresh:    cfg.LiveSnapshotFresh(),
		LiveDesyncRate10sMax: cfg.LiveDesyncRate10sMax,
		DepthLevels:          cfg.DepthLevels,
		ResyncInterval:       cfg.ResyncInterval(),
		Integrity: integrity.Thresholds{
			StaleWarnMs:       cfg.IntegrityStaleWarnMs,
			StaleCriticalMs:   cfg.IntegrityStaleCriticalMs,
			MaxGaps:           cfg.IntegrityMaxGaps,
			ReconnectCooldown: cfg.IntegrityReconnectCooldown(),
		},
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Engine{
		cfg:          cfg,
		logger:       logger.With("component", "engine"),
		client:       client,
		excinfo:      infoCache,
		fetcher:      fetcher,
		mux:          mux,
		registry:     registry,
		dispatcher:   dispatcher,
		asyncArchive: asyncArchive,
		autoscaler:   scaler,
		actorCfg:     actorCfg,
		slots:        make(map[string]*slot),
		startedAt:    time.Now(),
		ctx:          ctx,
		cancel:       cancel,
	}, nil
}

// Registry exposes the subscriber registry so the HTTP layer can upgrade
// WebSocket connections into it.
func (e *Engine) Registry() *fanout.Registry { return e.registry }

// ExchangeInfo exposes the cached venue symbol universe for the
// /exchange-info route.
func (e *Engine) ExchangeInfo() *excinfo.Cache { return e.excinfo }

// Start launches every background goroutine: the upstream multiplexer, the
// exchange-info refresh loop, the autoscaler, the upstream event dispatch
// loop, and the active-set reconciliation loop.
func (e *Engine) Start() {
	e.spawn(func() {
		if err := e.mux.Run(e.ctx); err != nil && e.ctx.Err() == nil {
			e.logger.Error("upstream multiplexer exited", "error", err)
		}
	})

	e.spawn(func() { e.excinfo.Run(e.ctx) })

	if e.asyncArchive != nil {
		e.spawn(func() { e.asyncArchive.Run(e.ctx) })
	}

	e.spawn(func() { e.autoscaler.Run(e.ctx, e.averageLiveUptime) })

	e.spawn(e.dispatchUpstreamLoop)

	e.spawn(e.reconcileLoop)

	e.logger.Info("engine started",
		"symbol_concurrency", e.cfg.SymbolConcurrency,
		"autoscale_initial_budget", e.cfg.AutoscaleInitial)
}

func (e *Engine) spawn(fn func()) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		fn()
	}()
}

// Stop cancels every background goroutine's context, tears down every
// active symbol actor, and waits for everything to exit. There is no
// cancel-all-orders step, unlike a trading engine: this module never
// places orders. There is no archive flush step either: frames still
// queued in the AsyncArchive when its context is cancelled are discarded.
func (e *Engine) Stop() {
	e.logger.Info("shutting down")

	e.cancel()

	e.slotsMu.Lock()
	for sym, s := range e.slots {
		s.cancel()
		delete(e.slots, sym)
	}
	e.slotsMu.Unlock()

	e.wg.Wait()
	e.logger.Info("shutdown complete")
}

// dispatchUpstreamLoop demultiplexes decoded diffs/trades by symbol and
// enqueues them onto the owning actor's FIFO in constant time. This is the
// only place outside the actors themselves that touches the slot map on
// the hot path.
func (e *Engine) dispatchUpstreamLoop() {
	for {
		select {
		case <-e.ctx.Done():
			return

		case diff := <-e.mux.DiffEvents():
			e.recordDataReceived()
			e.enqueue(diff.Symbol, symbol.Event{Kind: symbol.EventDiff, Diff: diff})

		case trade := <-e.mux.TradeEvents():
			e.recordDataReceived()
			e.enqueue(trade.Symbol, symbol.Event{Kind: symbol.EventTrade, Trade: trade})
		}
	}
}

func (e *Engine) enqueue(sym string, ev symbol.Event) {
	e.slotsMu.Lock()
	s, ok := e.slots[sym]
	e.slotsMu.Unlock()
	if !ok {
		return
	}
	s.actor.Enqueue(ev)
}

func (e *Engine) recordDataReceived() {
	e.lastDataMu.Lock()
	e.lastDataReceived = time.Now()
	e.lastDataMu.Unlock()
}

// LastDataReceivedAt reports when the engine last received any upstream
// diff or trade event.
func (e *Engine) LastDataReceivedAt() time.Time {
	e.lastDataMu.Lock()
	defer e.lastDataMu.Unlock()
	return e.lastDataReceived
}

// StartedAt reports when the engine was constructed, used to compute
// process uptime for /health/liveness.
func (e *Engine) StartedAt() time.Time { return e.startedAt }

// reconcileLoop recomputes the desired active-symbol set whenever the
// subscriber union might have changed (on a fixed tick) or the autoscaler
// emits a new budget, and rebuilds the multiplexer's subscription set to
// match.
func (e *Engine) reconcileLoop() {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-e.ctx.Done():
			return
		case <-ticker.C:
			e.reconcile()
		case <-e.autoscaler.BudgetCh():
			e.reconcile()
		}
	}
}

func (e *Engine) reconcile() {
	pinned := make(map[string]bool, len(e.cfg.PinnedSymbols))
	for _, s := range e.cfg.PinnedSymbols {
		pinned[s] = true
	}

	wanted := make(map[string]bool)
	for _, s := range e.registry.RequiredSymbols() {
		wanted[s] = true
	}
	for _, s := range e.cfg.PinnedSymbols {
		wanted[s] = true
	}

	all := make([]string, 0, len(wanted))
	for s := range wanted {
		all = append(all, s)
	}
	sort.Strings(all)

	budget := e.autoscaler.Budget()
	drop := autoscale.DropOrder(all, budget, pinned)
	dropped := make(map[string]bool, len(drop))
	for _, s := range drop {
		dropped[s] = true
	}

	active := make([]string, 0, len(all))
	for _, s := range all {
		if !dropped[s] {
			active = append(active, s)
		}
	}

	e.applyActiveSet(active)
	e.mux.SetSymbols(active)
}

// applyActiveSet starts actors for symbols newly in active and stops
// actors for symbols no longer in it.
func (e *Engine) applyActiveSet(active []string) {
	activeSet := make(map[string]bool, len(active))
	for _, s := range active {
		activeSet[s] = true
	}

	e.slotsMu.Lock()
	defer e.slotsMu.Unlock()

	for _, sym := range active {
		if _, ok := e.slots[sym]; !ok {
			e.startSymbolLocked(sym)
		}
	}

	for sym, s := range e.slots {
		if !activeSet[sym] {
			s.cancel()
			delete(e.slots, sym)
			e.logger.Info("symbol deactivated", "symbol", sym)
		}
	}
}

func (e *Engine) startSymbolLocked(sym string) {
	actor := symbol.NewActor(sym, e.actorCfg, e.fetcher, e.dispatcher.Dispatch, e.logger)
	ctx, cancel := context.WithCancel(e.ctx)

	e.slots[sym] = &slot{actor: actor, cancel: cancel}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		actor.Run(ctx)
	}()

	e.logger.Info("symbol activated", "symbol", sym)
}

// averageLiveUptime averages 60s live-uptime across every active symbol,
// fed to the autoscaler once per second. An empty active set is vacuously
// healthy: there is nothing unhealthy yet to react to.
func (e *Engine) averageLiveUptime() float64 {
	e.slotsMu.Lock()
	actors := make([]*symbol.Actor, 0, len(e.slots))
	for _, s := range e.slots {
		actors = append(actors, s.actor)
	}
	e.slotsMu.Unlock()

	if len(actors) == 0 {
		return 100
	}

	now := time.Now()
	var sum float64
	for _, a := range actors {
		sum += a.LiveUptimePct60s(now)
	}
	return sum / float64(len(actors))
}

// Status returns the per-symbol detail rendered by /status, sorted by
// symbol.
func (e *Engine) Status() []SymbolStatus {
	e.slotsMu.Lock()
	syms := make([]string, 0, len(e.slots))
	actors := make(map[string]*symbol.Actor, len(e.slots))
	for sym, s := range e.slots {
		syms = append(syms, sym)
		actors[sym] = s.actor
	}
	e.slotsMu.Unlock()

	sort.Strings(syms)
	now := time.Now()

	out := make([]SymbolStatus, 0, len(syms))
	for _, sym := range syms {
		a := actors[sym]
		bids, asks := a.Replica().TopLevels(1)
		var bestBid, bestAsk *types.PriceLevel
		if len(bids) > 0 {
			bestBid = &bids[0]
		}
		if len(asks) > 0 {
			bestAsk = &asks[0]
		}

		out = append(out, SymbolStatus{
			Symbol:            sym,
			State:             a.State().String(),
			LastTransition:    a.LastTransition(),
			LastUpdateID:      a.Replica().LastAppliedSequence(),
			BestBid:           bestBid,
			BestAsk:           bestAsk,
			BookLevels:        e.cfg.DepthLevels,
			SnapshotBackoff:   e.fetcher.CurrentBackoff(sym),
			ConsecutiveErrors: e.fetcher.ConsecutiveErrors(sym),
			DesyncCount10s:    a.DesyncCount(now, 10*time.Second),
			DesyncCount60s:    a.DesyncCount(now, 60*time.Second),
			SnapshotOK60s:     a.SnapshotOKCount(now, 60*time.Second),
			SnapshotSkip60s:   a.SnapshotSkipCount(now, 60*time.Second),
			LiveUptimePct60s:  a.LiveUptimePct60s(now),
			Integrity:         a.Integrity(),
			TimeAndSales:      a.TimeAndSales(),
		})
	}
	return out
}

// Metrics returns the rolled-up counters rendered by /health/metrics.
func (e *Engine) Metrics() HealthMetrics {
	e.slotsMu.Lock()
	actors := make([]*symbol.Actor, 0, len(e.slots))
	for _, s := range e.slots {
		actors = append(actors, s.actor)
	}
	e.slotsMu.Unlock()

	now := time.Now()
	var m HealthMetrics
	m.ActiveSymbols = len(actors)
	for _, a := range actors {
		m.Desync10s += a.DesyncCount(now, 10*time.Second)
		m.Desync60s += a.DesyncCount(now, 60*time.Second)
		m.SnapshotOK60s += a.SnapshotOKCount(now, 60*time.Second)
		m.SnapshotSkip60s += a.SnapshotSkipCount(now, 60*time.Second)
	}
	m.LiveUptimePct60s = e.averageLiveUptime()
	return m
}

// Readiness classifies every active symbol into live vs degraded (anything
// not LIVE), rendered by /health/readiness.
func (e *Engine) Readiness() Readiness {
	e.slotsMu.Lock()
	defer e.slotsMu.Unlock()

	var r Readiness
	for sym, s := range e.slots {
		if s.actor.State() == types.StateLive {
			r.LiveSymbols = append(r.LiveSymbols, sym)
		} else {
			r.DegradedSymbols = append(r.DegradedSymbols, sym)
		}
	}
	sort.Strings(r.LiveSymbols)
	sort.Strings(r.DegradedSymbols)
	return r
}
