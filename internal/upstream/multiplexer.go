// Package upstream maintains the single combined WebSocket connection to
// the venue that carries every subscribed symbol's depth and trade streams.
//
// One connection, reconnect with exponential backoff (1s -> 30s),
// re-subscribe to the full tracked set on every reconnect, a read deadline
// that forces a reconnect on silent failure. The combined-stream envelope
// {"stream":"<name>","data":{...}} carries depthUpdate/trade frames; the
// subscription set is rebuilt whenever the symbol union changes.
package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"ingestd/pkg/types"
)

const (
	pingWait         = 3 * time.Minute // venue pings every ~3m; this is the read deadline
	maxReconnectWait = 30 * time.Second
	writeTimeout     = 10 * time.Second
	diffBufferSize   = 1024
	tradeBufferSize  = 256
)

// Config tunes the multiplexer's stream construction.
type Config struct {
	URL         string // e.g. wss://fstream.binance.com/stream
	StreamMode  types.DepthStreamMode
	DepthLevels int    // only used when StreamMode == DepthStreamPartial
	UpdateSpeed string // "100ms" or "250ms", per venue convention
}

// Multiplexer owns the single upstream WebSocket connection. Consumers read
// from DiffEvents/TradeEvents; SetSymbols drives subscription changes.
type Multiplexer struct {
	cfg    Config
	logger *slog.Logger

	connMu sync.Mutex
	conn   *websocket.Conn

	subMu     sync.Mutex
	desired   map[string]bool // stream names this process wants subscribed
	onWire    map[string]bool // stream names the current connection has subscribed to
	nextReqID atomic.Int64

	diffCh  chan types.DepthDiff
	tradeCh chan types.Trade
}

// NewMultiplexer creates a multiplexer dialing cfg.URL.
func NewMultiplexer(cfg Config, logger *slog.Logger) *Multiplexer {
	return &Multiplexer{
		cfg:     cfg,
		logger:  logger.With("component", "upstream-multiplexer"),
		desired: make(map[string]bool),
		onWire:  make(map[string]bool),
		diffCh:  make(chan types.DepthDiff, diffBufferSize),
		tradeCh: make(chan types.Trade, tradeBufferSize),
	}
}

// DiffEvents returns the channel of decoded depth diffs, tagged by symbol.
func (m *Multiplexer) DiffEvents() <-chan types.DepthDiff { return m.diffCh }

// TradeEvents returns the channel of decoded trade prints, tagged by symbol.
func (m *Multiplexer) TradeEvents() <-chan types.Trade { return m.tradeCh }

func (m *Multiplexer) depthStreamName(symbol string) string {
	lower := strings.ToLower(symbol)
	if m.cfg.StreamMode == types.DepthStreamPartial {
		return fmt.Sprintf("%s@depth%d@%s", lower, m.cfg.DepthLevels, m.cfg.UpdateSpeed)
	}
	return fmt.Sprintf("%s@depth@%s", lower, m.cfg.UpdateSpeed)
}

func (m *Multiplexer) tradeStreamName(symbol string) string {
	return fmt.Sprintf("%s@trade", strings.ToLower(symbol))
}

// SetSymbols recomputes the desired stream set from the given symbol list
// and pushes an incremental SUBSCRIBE/UNSUBSCRIBE to the live connection (if
// any) for the streams that changed. A freshly (re)established connection
// picks up the full desired set in connectAndRead instead.
func (m *Multiplexer) SetSymbols(symbols []string) {
	next := make(map[string]bool, len(symbols)*2)
	for _, sym := range symbols {
		next[m.depthStreamName(sym)] = true
		next[m.tradeStreamName(sym)] = true
	}

	m.subMu.Lock()
	m.desired = next
	toSubscribe, toUnsubscribe := m.diffAgainstWireLocked()
	m.subMu.Unlock()

	if len(toSubscribe) > 0 {
		if err := m.sendControl("SUBSCRIBE", toSubscribe); err != nil {
			m.logger.Warn("subscribe failed, will retry on reconnect", "error", err, "streams", toSubscribe)
			return
		}
	}
	if len(toUnsubscribe) > 0 {
		if err := m.sendControl("UNSUBSCRIBE", toUnsubscribe); err != nil {
			m.logger.Warn("unsubscribe failed", "error", err, "streams", toUnsubscribe)
			return
		}
	}

	m.subMu.Lock()
	for _, s := range toSubscribe {
		m.onWire[s] = true
	}
	for _, s := range toUnsubscribe {
		delete(m.onWire, s)
	}
	m.subMu.Unlock()
}

// diffAgainstWireLocked must be called with subMu held.
func (m *Multiplexer) diffAgainstWireLocked() (toSubscribe, toUnsubscribe []string) {
	for s := range m.desired {
		if !m.onWire[s] {
			toSubscribe = append(toSubscribe, s)
		}
	}
	for s := range m.onWire {
		if !m.desired[s] {
			toUnsubscribe = append(toUnsubscribe, s)
		}
	}
	return toSubscribe, toUnsubscribe
}

// Run connects and maintains the upstream connection with exponential
// backoff, blocking until ctx is cancelled.
func (m *Multiplexer) Run(ctx context.Context) error {
	backoff := time.Second

	for {
		err := m.connectAndRead(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		m.logger.Warn("upstream websocket disconnected, reconnecting", "error", err, "backoff", backoff)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}

		backoff *= 2
		if backoff > maxReconnectWait {
			backoff = maxReconnectWait
		}
	}
}

func (m *Multiplexer) connectAndRead(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, m.cfg.URL, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	m.connMu.Lock()
	m.conn = conn
	m.connMu.Unlock()

	defer func() {
		m.connMu.Lock()
		conn.Close()
		m.conn = nil
		m.connMu.Unlock()
	}()

	// A fresh connection starts with nothing subscribed on the wire; resend
	// the full desired set rather than trust any prior incremental state.
	m.subMu.Lock()
	m.onWire = make(map[string]bool)
	full := make([]string, 0, len(m.desired))
	for s := range m.desired {
		full = append(full, s)
	}
	m.subMu.Unlock()

	if len(full) > 0 {
		if err := m.sendControl("SUBSCRIBE", full); err != nil {
			return fmt.Errorf("initial subscribe: %w", err)
		}
		m.subMu.Lock()
		for _, s := range full {
			m.onWire[s] = true
		}
		m.subMu.Unlock()
	}

	m.logger.Info("upstream websocket connected", "streams", len(full))

	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pingWait))
		return nil
	})

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		conn.SetReadDeadline(time.Now().Add(pingWait))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		m.dispatch(msg)
	}
}

type controlMessage struct {
	Method string   `json:"method"`
	Params []string `json:"params"`
	ID     int64    `json:"id"`
}

func (m *Multiplexer) sendControl(method string, streams []string) error {
	m.connMu.Lock()
	defer m.connMu.Unlock()
	if m.conn == nil {
		return fmt.Errorf("upstream not connected")
	}
	msg := controlMessage{Method: method, Params: streams, ID: m.nextReqID.Add(1)}
	m.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return m.conn.WriteJSON(msg)
}

func (m *Multiplexer) dispatch(data []byte) {
	var envelope types.WSCombinedEnvelope
	if err := json.Unmarshal(data, &envelope); err != nil {
		m.logger.Debug("ignoring non-stream ws message", "data", string(data))
		return
	}
	// Control-message acks ({"result":null,"id":1}) decode with an empty
	// Stream; nothing to do with them.
	if envelope.Stream == "" {
		return
	}

	switch {
	case strings.Contains(envelope.Stream, "@depth"):
		m.dispatchDepth(envelope.Data)
	case strings.Contains(envelope.Stream, "@trade"):
		m.dispatchTrade(envelope.Data)
	}
}

func (m *Multiplexer) dispatchDepth(raw json.RawMessage) {
	var evt types.WSDepthEvent
	if err := json.Unmarshal(raw, &evt); err != nil {
		m.logger.Error("unmarshal depth event", "error", err)
		return
	}

	bids, err := parseLevels(evt.Bids)
	if err != nil {
		m.logger.Error("parse depth bids", "symbol", evt.Symbol, "error", err)
		return
	}
	asks, err := parseLevels(evt.Asks)
	if err != nil {
		m.logger.Error("parse depth asks", "symbol", evt.Symbol, "error", err)
		return
	}

	diff := types.DepthDiff{
		Symbol:      evt.Symbol,
		FirstUpdate: evt.FirstUpdateID,
		FinalUpdate: evt.FinalUpdateID,
		PrevFinal:   evt.PrevFinalID,
		Bids:        bids,
		Asks:        asks,
		EventTime:   time.UnixMilli(evt.EventTimeMs),
		ReceiptTime: time.Now(),
	}

	select {
	case m.diffCh <- diff:
	default:
		m.logger.Warn("diff channel full, dropping event", "symbol", evt.Symbol)
	}
}

func (m *Multiplexer) dispatchTrade(raw json.RawMessage) {
	var evt types.WSTradeEvent
	if err := json.Unmarshal(raw, &evt); err != nil {
		m.logger.Error("unmarshal trade event", "error", err)
		return
	}

	price, err := decimal.NewFromString(evt.Price)
	if err != nil {
		m.logger.Error("parse trade price", "symbol", evt.Symbol, "error", err)
		return
	}
	qty, err := decimal.NewFromString(evt.Qty)
	if err != nil {
		m.logger.Error("parse trade qty", "symbol", evt.Symbol, "error", err)
		return
	}

	// Maker is the buyer ⇒ the aggressor (taker) sold.
	side := types.Buy
	if evt.IsBuyerMaker {
		side = types.Sell
	}

	trade := types.Trade{
		Symbol:    evt.Symbol,
		Price:     price,
		Qty:       qty,
		Side:      side,
		EventTime: time.UnixMilli(evt.TradeTimeMs),
	}

	select {
	case m.tradeCh <- trade:
	default:
		m.logger.Warn("trade channel full, dropping event", "symbol", evt.Symbol)
	}
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
		out = append(out, types.PriceLevel{Price: price, Qty: qty})
	}
	return out, nil
}
