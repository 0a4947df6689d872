// Package types defines shared data structures used across all packages.
//
// This package is the common vocabulary for the ingestion fabric — depth
// diffs, book snapshots, trades, and the wire envelopes exchanged with the
// upstream venue and with downstream subscribers. It has no dependencies on
// internal packages, so it can be imported by any layer.
package types

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// ————————————————————————————————————————————————————————————————————————
// Core enums
// ————————————————————————————————————————————————————————————————————————

// Side represents the aggressor side of a trade print: the side the taker
// acted on, inferred from the venue's maker flag (maker is buyer ⇒ taker sold).
type Side string

const (
	Buy  Side = "BUY"
	Sell Side = "SELL"
)

// SymbolState is one of the states the per-symbol state machine can occupy.
// See internal/symbol for the transition table.
type SymbolState int

const (
	StateInit SymbolState = iota
	StateSnapshotPending
	StateApplyingSnapshot
	StateLive
	StateResyncing
	StateHalted
)

// String renders the state the way it appears in logs and status endpoints.
func (s SymbolState) String() string {
	switch s {
	case StateInit:
		return "INIT"
	case StateSnapshotPending:
		return "SNAPSHOT_PENDING"
	case StateApplyingSnapshot:
		return "APPLYING_SNAPSHOT"
	case StateLive:
		return "LIVE"
	case StateResyncing:
		return "RESYNCING"
	case StateHalted:
		return "HALTED"
	default:
		return "UNKNOWN"
	}
}

// IntegrityLevel classifies the health of a symbol's replica as judged by
// the integrity monitor.
type IntegrityLevel int

const (
	IntegrityOK IntegrityLevel = iota
	IntegrityDegraded
	IntegrityCritical
)

func (l IntegrityLevel) String() string {
	switch l {
	case IntegrityOK:
		return "OK"
	case IntegrityDegraded:
		return "DEGRADED"
	case IntegrityCritical:
		return "CRITICAL"
	default:
		return "UNKNOWN"
	}
}

// DepthStreamMode selects between full-diff and partial-depth upstream
// streams for a symbol's book channel.
type DepthStreamMode string

const (
	DepthStreamDiff    DepthStreamMode = "diff"
	DepthStreamPartial DepthStreamMode = "partial"
)

// Decimals returns the number of price decimals conventionally used when
// rendering a symbol at the given tick size string, e.g. "0.01" -> 2.
// Unrecognized or malformed tick sizes default to 2, matching the venue's
// most common perpetual contracts.
func Decimals(tickSize string) int {
	switch tickSize {
	case "1":
		return 0
	case "0.1":
		return 1
	case "0.01":
		return 2
	case "0.001":
		return 3
	case "0.0001":
		return 4
	case "0.00001":
		return 5
	default:
		return 2
	}
}

// ————————————————————————————————————————————————————————————————————————
// Order book wire types
// ————————————————————————————————————————————————————————————————————————

// PriceLevel is a single bid or ask level: a price and the outstanding
// quantity resting there. A zero Qty means "delete this level".
type PriceLevel struct {
	Price decimal.Decimal
	Qty   decimal.Decimal
}

// DepthDiff is one incremental update to the order book, spanning sequence
// ids U (first) through u (last), inclusive.
type DepthDiff struct {
	Symbol      string
	FirstUpdate int64 // "U": first update id in this event
	FinalUpdate int64 // "u": last update id in this event
	PrevFinal   int64 // "pu": last update id of the previous event, 0 if unset
	Bids        []PriceLevel
	Asks        []PriceLevel
	EventTime   time.Time
	ReceiptTime time.Time
}

// DepthSnapshot is a full order-book snapshot fetched over REST at a given
// LastUpdateID.
type DepthSnapshot struct {
	Symbol       string
	LastUpdateID int64
	Bids         []PriceLevel
	Asks         []PriceLevel
	FetchedAt    time.Time
}

// Trade is a single print from the venue's trade stream.
type Trade struct {
	Symbol    string
	Price     decimal.Decimal
	Qty       decimal.Decimal
	Side      Side
	EventTime time.Time
}

// ————————————————————————————————————————————————————————————————————————
// Upstream WS wire envelopes (combined-stream format)
// ————————————————————————————————————————————————————————————————————————

// WSDepthEvent mirrors the venue's depthUpdate frame.
type WSDepthEvent struct {
	EventType     string     `json:"e"`
	EventTimeMs   int64      `json:"E"`
	Symbol        string     `json:"s"`
	FirstUpdateID int64      `json:"U"`
	FinalUpdateID int64      `json:"u"`
	PrevFinalID   int64      `json:"pu"`
	Bids          [][]string `json:"b"`
	Asks          [][]string `json:"a"`
}

// WSTradeEvent mirrors the venue's trade frame.
type WSTradeEvent struct {
	EventType    string `json:"e"`
	Symbol       string `json:"s"`
	TradeTimeMs  int64  `json:"T"`
	Price        string `json:"p"`
	Qty          string `json:"q"`
	IsBuyerMaker bool   `json:"m"`
}

// WSCombinedEnvelope wraps any stream payload delivered over the combined
// (multiplexed) upstream connection: {"stream":"btcusdt@depth","data":{...}}.
type WSCombinedEnvelope struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
}

// DepthResponse is the REST response from GET /fapi/v1/depth.
type DepthResponse struct {
	LastUpdateID int64      `json:"lastUpdateId"`
	Bids         [][]string `json:"bids"`
	Asks         [][]string `json:"asks"`
}

// ExchangeSymbol is one entry from GET /fapi/v1/exchangeInfo.
type ExchangeSymbol struct {
	Symbol    string `json:"symbol"`
	Status    string `json:"status"`
	PricePrec int    `json:"pricePrecision"`
	QtyPrec   int    `json:"quantityPrecision"`
	TickSize  string `json:"tickSize"`
	StepSize  string `json:"stepSize"`
}

// ExchangeInfoResponse is the REST response from GET /fapi/v1/exchangeInfo.
type ExchangeInfoResponse struct {
	ServerTimeMs int64            `json:"serverTime"`
	Symbols      []ExchangeSymbol `json:"symbols"`
}

// BookTickerResponse is the REST response from GET /fapi/v1/ticker/bookTicker.
type BookTickerResponse struct {
	Symbol   string `json:"symbol"`
	BidPrice string `json:"bidPrice"`
	BidQty   string `json:"bidQty"`
	AskPrice string `json:"askPrice"`
	AskQty   string `json:"askQty"`
}

// ————————————————————————————————————————————————————————————————————————
// Downstream subscriber wire envelope
// ————————————————————————————————————————————————————————————————————————

// MetricSnapshotFrame is the JSON frame pushed to each subscriber on a
// broadcast, one per symbol per throttle tick.
type MetricSnapshotFrame struct {
	Type         string            `json:"type"` // always "metrics"
	Symbol       string            `json:"symbol"`
	State        string            `json:"state"`
	EventTimeMs  int64             `json:"event_time_ms"`
	Snapshot     SnapshotIdentity  `json:"snapshot"`
	Bids         [][2]string       `json:"bids"` // top N, [price, qty]
	Asks         [][2]string       `json:"asks"`
	BestBid      *string           `json:"bestBid,omitempty"`
	BestAsk      *string           `json:"bestAsk,omitempty"`
	MidPrice     *string           `json:"midPrice,omitempty"`
	SpreadPct    *string           `json:"spreadPct,omitempty"`
	LastUpdateID int64             `json:"lastUpdateId"`
	TimeAndSales TimeAndSalesFrame `json:"timeAndSales"`
	Integrity    IntegrityFrame    `json:"orderbookIntegrity"`
}

// SnapshotIdentity carries the deduplication key for a metric snapshot.
type SnapshotIdentity struct {
	EventID   uint64 `json:"eventId"`
	StateHash string `json:"stateHash"`
	TsMs      int64  `json:"ts"`
}

// TimeAndSalesFrame carries the trade-tape-derived rates for one symbol.
type TimeAndSalesFrame struct {
	PrintsPerSec float64 `json:"printsPerSec"`
	TradeCount1s int     `json:"tradeCount1s"`
	BuyVolume5s  string  `json:"buyVolume5s"`
	SellVolume5s string  `json:"sellVolume5s"`
	BurstLength  int     `json:"burstLength"`
}

// IntegrityFrame carries the integrity monitor's public view for one symbol.
type IntegrityFrame struct {
	Level          string  `json:"level"`
	Message        string  `json:"message"`
	AvgStalenessMs float64 `json:"avgStalenessMs"`
	GapCount       int     `json:"gapCount"`
	Crossed        bool    `json:"crossed"`
}

// SubscribeMsg is a client→server control frame on the downstream WS,
// selecting which symbols to receive metric frames for.
type SubscribeMsg struct {
	Op      string   `json:"op"` // "subscribe" or "unsubscribe"
	Symbols []string `json:"symbols"`
}
