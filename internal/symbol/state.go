// Package symbol implements the per-symbol state machine and the actor that
// owns a symbol's replica, trade tape, and integrity monitor.
package symbol

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"ingestd/pkg/types"
)

// Trigger tags every state transition for structured logging, per the
// component design's requirement that "each transition is logged with a
// trigger tag."
type Trigger string

const (
	TriggerFirstSubscription Trigger = "first_subscription"
	TriggerSnapshotParsed    Trigger = "snapshot_parsed"
	TriggerCleanApply        Trigger = "clean_apply"
	TriggerBufferGap         Trigger = "buffer_gap"
	TriggerSequenceGap       Trigger = "sequence_gap"
	TriggerLagExceeded       Trigger = "lag_exceeded"
	TriggerQueueOverflow     Trigger = "queue_overflow"
	TriggerDesyncRateHigh    Trigger = "desync_rate_10s_high"
	TriggerIntegrityCritical Trigger = "integrity_critical"
	TriggerSnapshotStale     Trigger = "snapshot_freshness_lost"
	TriggerRateLimited       Trigger = "snapshot_429"
	TriggerNonOKSnapshot     Trigger = "snapshot_non_ok"
	TriggerRetryElapsed      Trigger = "retry_after_elapsed"
	TriggerResyncAttempt     Trigger = "resync_attempt"
)

// A rate-limit halt is only observable on a snapshot fetch, and fetches run
// exclusively from SNAPSHOT_PENDING, so HALTED has a single inbound edge; a
// 429 against a LIVE symbol arrives there via RESYNCING -> SNAPSHOT_PENDING.
var allowedTransitions = map[types.SymbolState]map[types.SymbolState]bool{
	types.StateInit:             {types.StateSnapshotPending: true},
	types.StateSnapshotPending:  {types.StateApplyingSnapshot: true, types.StateResyncing: true, types.StateHalted: true},
	types.StateApplyingSnapshot: {types.StateLive: true, types.StateResyncing: true},
	types.StateLive:             {types.StateResyncing: true},
	types.StateResyncing:        {types.StateSnapshotPending: true},
	types.StateHalted:           {types.StateSnapshotPending: true},
}

// Machine is the explicit sum type governing one symbol's lifecycle:
// INIT -> SNAPSHOT_PENDING -> APPLYING_SNAPSHOT -> LIVE/RESYNCING/HALTED.
// It is owned exclusively by that symbol's Actor.
type Machine struct {
	mu             sync.Mutex
	symbol         string
	state          types.SymbolState
	lastTransition time.Time
	resyncInterval time.Duration
	logger         *slog.Logger
}

// NewMachine creates a state machine starting in INIT. resyncInterval
// throttles how often consecutive faults may re-trigger a snapshot fetch.
func NewMachine(symbol string, resyncInterval time.Duration, logger *slog.Logger) *Machine {
	return &Machine{
		symbol:         symbol,
		state:          types.StateInit,
		lastTransition: time.Now(),
		resyncInterval: resyncInterval,
		logger:         logger.With("component", "symbol-state", "symbol", symbol),
	}
}

// State returns the current state.
func (m *Machine) State() types.SymbolState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Transition attempts to move to `to`, tagged with trigger. It refuses
// transitions not present in the state table and returns an error rather
// than silently staying put.
func (m *Machine) Transition(to types.SymbolState, trigger Trigger) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !allowedTransitions[m.state][to] {
		return fmt.Errorf("symbol %s: invalid transition %s -> %s (trigger %s)", m.symbol, m.state, to, trigger)
	}

	from := m.state
	m.state = to
	m.lastTransition = time.Now()

	m.logger.Info("state transition", "from", from.String(), "to", to.String(), "trigger", string(trigger))
	return nil
}

// ReadyForResync reports whether resyncInterval has elapsed since the last
// transition, gating how often RESYNCING/HALTED may re-attempt a snapshot.
func (m *Machine) ReadyForResync(now time.Time) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return now.Sub(m.lastTransition) >= m.resyncInterval
}

// LastTransition returns the timestamp of the most recent transition.
func (m *Machine) LastTransition() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastTransition
}
