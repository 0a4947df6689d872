// Package snapshot implements a process-wide REST client for full
// order-book snapshots, gated by a global rate-limit high-watermark, a
// smooth x/time/rate token-bucket ceiling, and a per-symbol backoff.
//
// Fetcher is the sole owner of both the global `backoffUntil` watermark and
// every symbol's backoff state. Callers (symbol actors) never read or write
// backoff state directly; they call Fetch and act on the returned Outcome.
package snapshot

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"ingestd/internal/exchange"
	"ingestd/pkg/types"
)

// Outcome classifies the result of a single Fetch call.
type Outcome int

const (
	OutcomeFetched Outcome = iota
	OutcomeSkippedGlobal
	OutcomeSkippedSymbol
	OutcomeRateLimited
	OutcomeError
)

func (o Outcome) String() string {
	switch o {
	case OutcomeFetched:
		return "fetched"
	case OutcomeSkippedGlobal:
		return "skipped_global"
	case OutcomeSkippedSymbol:
		return "skipped_symbol"
	case OutcomeRateLimited:
		return "rate_limited"
	case OutcomeError:
		return "error"
	default:
		return "unknown"
	}
}

// Result is what Fetch returns: exactly one outcome, plus the snapshot or
// error relevant to it.
type Result struct {
	Outcome    Outcome
	Snapshot   *types.DepthSnapshot
	RetryAfter time.Duration
	Err        error
}

// symbolState holds one symbol's backoff bookkeeping: current backoff,
// last attempt timestamp, consecutive error count.
type symbolState struct {
	mu                sync.Mutex
	current           time.Duration
	lastAttempt       time.Time
	consecutiveErrors int
}

// Config tunes the fetcher's timing.
type Config struct {
	MinInterval   time.Duration // SNAPSHOT_MIN_INTERVAL_MS floor between attempts
	MinBackoff    time.Duration // symbol backoff floor after a clean fetch
	MaxBackoff    time.Duration // symbol backoff ceiling
	DepthLimit    int           // depth query limit, e.g. 1000
	FetchDeadline time.Duration // per-request deadline, 10s by default

	// GlobalRPS and GlobalBurst bound the smooth, steady-state rate of
	// snapshot fetches across every symbol, independent of the reactive
	// backoff above (which only engages after a 429). GlobalRPS <= 0
	// disables this gate.
	GlobalRPS   float64
	GlobalBurst int
}

// Fetcher is the process-wide snapshot REST client.
type Fetcher struct {
	client *exchange.Client
	cfg    Config
	logger *slog.Logger

	globalBackoffUntil atomic.Int64 // unix nanos; 0 means no active gate
	limiter            *rate.Limiter

	mu        sync.Mutex
	perSymbol map[string]*symbolState
}

// New creates a Fetcher. client performs the actual HTTP GETs.
func New(client *exchange.Client, cfg Config, logger *slog.Logger) *Fetcher {
	limit := rate.Inf
	if cfg.GlobalRPS > 0 {
		limit = rate.Limit(cfg.GlobalRPS)
	}
	burst := cfg.GlobalBurst
	if burst <= 0 {
		burst = 1
	}

	return &Fetcher{
		client:    client,
		cfg:       cfg,
		logger:    logger.With("component", "snapshot-fetcher"),
		limiter:   rate.NewLimiter(limit, burst),
		perSymbol: make(map[string]*symbolState),
	}
}

func (f *Fetcher) symbol(sym string) *symbolState {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.perSymbol[sym]
	if !ok {
		s = &symbolState{current: f.cfg.MinBackoff}
		f.perSymbol[sym] = s
	}
	return s
}

// GlobalBackoffUntil returns the current global rate-limit deadline. A
// zero time means no gate is active.
func (f *Fetcher) GlobalBackoffUntil() time.Time {
	ns := f.globalBackoffUntil.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

// armGlobal raises the global watermark to max(current, now+retryAfter).
// Concurrent writers may race here, but the watermark only ever moves
// forward, so the CAS loop converges to the latest true deadline regardless
// of write order.
func (f *Fetcher) armGlobal(retryAfter time.Duration) {
	deadline := time.Now().Add(retryAfter).UnixNano()
	for {
		cur := f.globalBackoffUntil.Load()
		if cur >= deadline {
			return
		}
		if f.globalBackoffUntil.CompareAndSwap(cur, deadline) {
			return
		}
	}
}

// Fetch attempts a snapshot for symbol, respecting the global and
// per-symbol gates unless force is true. trigger is carried through to the
// caller's logging only; it does not affect gating.
func (f *Fetcher) Fetch(ctx context.Context, symbol, trigger string, force bool) Result {
	now := time.Now()

	if !force {
		if until := f.GlobalBackoffUntil(); now.Before(until) {
			f.logger.Debug("snapshot skip global", "symbol", symbol, "trigger", trigger, "until", until)
			return Result{Outcome: OutcomeSkippedGlobal}
		}
	}

	sb := f.symbol(symbol)
	sb.mu.Lock()
	required := f.cfg.MinInterval
	if sb.current > required {
		required = sb.current
	}
	if !force && !sb.lastAttempt.IsZero() && now.Sub(sb.lastAttempt) < required {
		sb.mu.Unlock()
		return Result{Outcome: OutcomeSkippedSymbol}
	}
	sb.lastAttempt = now
	sb.mu.Unlock()

	if !force && !f.limiter.Allow() {
		sb.mu.Lock()
		sb.lastAttempt = time.Time{}
		sb.mu.Unlock()
		f.logger.Debug("snapshot skip global rate gate", "symbol", symbol, "trigger", trigger)
		return Result{Outcome: OutcomeSkippedGlobal}
	}

	fetchCtx, cancel := context.WithTimeout(ctx, f.cfg.FetchDeadline)
	defer cancel()

	resp, err := f.client.Depth(fetchCtx, symbol, f.cfg.DepthLimit)
	if err != nil {
		var rlErr *exchange.RateLimitError
		if errors.As(err, &rlErr) {
			f.armGlobal(rlErr.RetryAfter)
			f.doubleBackoff(sb)
			f.logger.Warn("snapshot rate limited", "symbol", symbol, "retry_after", rlErr.RetryAfter)
			return Result{Outcome: OutcomeRateLimited, RetryAfter: rlErr.RetryAfter, Err: err}
		}

		f.doubleBackoff(sb)
		sb.mu.Lock()
		sb.consecutiveErrors++
		sb.mu.Unlock()
		f.logger.Warn("snapshot fetch error", "symbol", symbol, "error", err)
		return Result{Outcome: OutcomeError, Err: err}
	}

	f.resetBackoff(sb)

	bids, err := parseLevels(resp.Bids)
	if err != nil {
		return Result{Outcome: OutcomeError, Err: err}
	}
	asks, err := parseLevels(resp.Asks)
	if err != nil {
		return Result{Outcome: OutcomeError, Err: err}
	}

	return Result{
		Outcome: OutcomeFetched,
		Snapshot: &types.DepthSnapshot{
			Symbol:       symbol,
			LastUpdateID: resp.LastUpdateID,
			Bids:         bids,
			Asks:         asks,
			FetchedAt:    time.Now(),
		},
	}
}

func (f *Fetcher) doubleBackoff(sb *symbolState) {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	sb.current *= 2
	if sb.current > f.cfg.MaxBackoff {
		sb.current = f.cfg.MaxBackoff
	}
}

func (f *Fetcher) resetBackoff(sb *symbolState) {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	sb.current = f.cfg.MinBackoff
	sb.consecutiveErrors = 0
}

// ConsecutiveErrors reports the current consecutive-error count for symbol,
// used by /status.
func (f *Fetcher) ConsecutiveErrors(symbol string) int {
	sb := f.symbol(symbol)
	sb.mu.Lock()
	defer sb.mu.Unlock()
	return sb.consecutiveErrors
}

// CurrentBackoff reports the current per-symbol backoff interval.
func (f *Fetcher) CurrentBackoff(symbol string) time.Duration {
	sb := f.symbol(symbol)
	sb.mu.Lock()
	defer sb.mu.Unlock()
	return sb.current
}

func parseLevels(raw [][]string) ([]types.PriceLevel, error) {
	out := make([]types.PriceLevel, 0, len(raw))
	for _, pair := range raw {
		if len(pair) != 2 {
			continue
		}
		price, err := decimal.NewFromString(pair[0])
		if err != nil {
			return nil, err
		}
		qty, err := decimal.NewFromString(pair[1])
		if err != nil {
			return nil, err
		}
		if qty.IsZero() {
			continue
		}
		out = append(out, types.PriceLevel{Price: price, Qty: qty})
	}
	return out, nil
}
