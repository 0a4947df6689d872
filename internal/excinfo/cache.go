// Package excinfo caches the venue's symbol universe and per-symbol
// tick/step sizes, refreshed on a ticker.
//
// A goroutine polls the exchangeInfo endpoint on a fixed interval and
// republishes a cached result set behind a mutex. The cache is flat — no
// ranking or filtering — since symbol selection is driven by an external
// subscriber/forced set rather than by picking the "best" symbols here.
package excinfo

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"ingestd/internal/exchange"
	"ingestd/pkg/types"
)

// Entry is one symbol's cached reference data.
type Entry struct {
	Symbol       string
	Status       string
	TickSize     string
	StepSize     string
	PriceDecimals int
	QtyDecimals   int
}

// Cache holds the most recently fetched exchange-info result.
type Cache struct {
	client *exchange.Client
	logger *slog.Logger

	interval time.Duration

	mu          sync.RWMutex
	symbols     map[string]Entry
	lastRefresh time.Time
	lastErr     error
}

// New creates a cache that refreshes every interval once Run starts.
func New(client *exchange.Client, interval time.Duration, logger *slog.Logger) *Cache {
	return &Cache{
		client:   client,
		logger:   logger.With("component", "excinfo-cache"),
		interval: interval,
		symbols:  make(map[string]Entry),
	}
}

// Get returns the cached entry for symbol, or false if unknown.
func (c *Cache) Get(symbol string) (Entry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.symbols[symbol]
	return e, ok
}

// All returns a snapshot of every cached entry.
func (c *Cache) All() []Entry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Entry, 0, len(c.symbols))
	for _, e := range c.symbols {
		out = append(out, e)
	}
	return out
}

// LastRefresh reports when the cache was last successfully populated.
func (c *Cache) LastRefresh() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastRefresh
}

// Refresh fetches exchangeInfo once and replaces the cache on success. A
// failed fetch leaves the previous cache contents in place — stale
// reference data is preferable to none.
func (c *Cache) Refresh(ctx context.Context) error {
	info, err := c.client.ExchangeInfo(ctx)
	if err != nil {
		c.mu.Lock()
		c.lastErr = err
		c.mu.Unlock()
		c.logger.Warn("exchange info refresh failed, keeping stale cache", "error", err)
		return err
	}

	symbols := make(map[string]Entry, len(info.Symbols))
	for _, s := range info.Symbols {
		symbols[s.Symbol] = Entry{
			Symbol:        s.Symbol,
			Status:        s.Status,
			TickSize:      s.TickSize,
			StepSize:      s.StepSize,
			PriceDecimals: types.Decimals(s.TickSize),
			QtyDecimals:   types.Decimals(s.StepSize),
		}
	}

	c.mu.Lock()
	c.symbols = symbols
	c.lastRefresh = time.Now()
	c.lastErr = nil
	c.mu.Unlock()

	c.logger.Info("exchange info refreshed", "symbols", len(symbols))
	return nil
}

// Run blocks, refreshing the cache immediately and then on every tick of
// interval, until ctx is cancelled.
func (c *Cache) Run(ctx context.Context) {
	c.Refresh(ctx)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Refresh(ctx)
		}
	}
}
