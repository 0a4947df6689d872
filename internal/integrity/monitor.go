// Package integrity classifies the health of a symbol's replica from a
// rolling staleness average, a gap counter, and the crossed-book flag, and
// recommends (never forces) a reconnect once the level turns critical.
//
// The recommendation is cooldown-gated: once it fires it must not fire
// again until the cooldown elapses, so a persistently critical symbol does
// not trigger a reconnect storm.
package integrity

import (
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"ingestd/pkg/types"
)

// Thresholds configures the classifier. All are compared against the EWMA
// staleness in milliseconds and a running gap count.
type Thresholds struct {
	StaleWarnMs       float64
	StaleCriticalMs   float64
	MaxGaps           int
	ReconnectCooldown time.Duration
}

// Monitor is the per-symbol integrity classifier. It is owned exclusively
// by that symbol's actor.
type Monitor struct {
	mu sync.Mutex

	symbol string
	thr    Thresholds
	logger *slog.Logger

	avgStalenessMs float64
	gapCount       int
	crossed        bool

	lastCriticalAt   time.Time
	reconnectAdvised bool
}

// New creates a monitor for symbol.
func New(symbol string, thr Thresholds, logger *slog.Logger) *Monitor {
	return &Monitor{
		symbol: symbol,
		thr:    thr,
		logger: logger.With("component", "integrity", "symbol", symbol),
	}
}

// Observe folds in one data point: the wall-clock now, the event's
// eventTime (for staleness), whether this observation coincided with a
// sequence gap, and the current best bid/ask (nil if a side is empty).
// Returns the resulting classification.
func (m *Monitor) Observe(now, eventTime time.Time, bestBid, bestAsk *decimal.Decimal, sequenceGap bool) types.IntegrityLevel {
	m.mu.Lock()
	defer m.mu.Unlock()

	staleness := float64(now.Sub(eventTime).Milliseconds())
	if staleness < 0 {
		staleness = 0
	}
	m.avgStalenessMs = 0.85*m.avgStalenessMs + 0.15*staleness

	if sequenceGap {
		m.gapCount++
	}

	m.crossed = bestBid != nil && bestAsk != nil && bestBid.Cmp(*bestAsk) >= 0

	return m.classifyLocked()
}

func (m *Monitor) classifyLocked() types.IntegrityLevel {
	if m.avgStalenessMs >= m.thr.StaleCriticalMs || m.gapCount >= m.thr.MaxGaps || m.crossed {
		return types.IntegrityCritical
	}
	if m.avgStalenessMs >= m.thr.StaleWarnMs {
		return types.IntegrityDegraded
	}
	return types.IntegrityOK
}

// ShouldAdviseReconnect reports whether the monitor is currently CRITICAL
// and the reconnect cooldown has elapsed since the last advisory. Calling
// it records the advisory time so repeated calls within the cooldown return
// false.
func (m *Monitor) ShouldAdviseReconnect(now time.Time) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.classifyLocked() != types.IntegrityCritical {
		return false
	}
	if !m.lastCriticalAt.IsZero() && now.Sub(m.lastCriticalAt) < m.thr.ReconnectCooldown {
		return false
	}
	m.lastCriticalAt = now
	return true
}

// Reset clears the gap counter and crossed flag, typically called on a
// clean resync.
func (m *Monitor) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gapCount = 0
	m.crossed = false
}

// Snapshot returns the public view rendered into subscriber frames.
func (m *Monitor) Snapshot() types.IntegrityFrame {
	m.mu.Lock()
	defer m.mu.Unlock()

	level := m.classifyLocked()
	msg := ""
	switch level {
	case types.IntegrityDegraded:
		msg = "book staleness above warning threshold"
	case types.IntegrityCritical:
		switch {
		case m.crossed:
			msg = "crossed book detected"
		case m.gapCount >= m.thr.MaxGaps:
			msg = "sequence gap count above threshold"
		default:
			msg = "book staleness above critical threshold"
		}
	}

	return types.IntegrityFrame{
		Level:          level.String(),
		Message:        msg,
		AvgStalenessMs: m.avgStalenessMs,
		GapCount:       m.gapCount,
		Crossed:        m.crossed,
	}
}
