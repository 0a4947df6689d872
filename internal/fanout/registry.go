// Package fanout implements the subscriber-facing WebSocket server: origin
// and key checks at upgrade, per-connection symbol subscriptions, heartbeat
// eviction of stale sockets, and a per-symbol broadcast throttle.
//
// Each client gets a writePump/readPump pair with ping/pong deadlines; the
// registry tracks each client's subscribed symbol set and only forwards
// frames for symbols that client asked for.
package fanout

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"ingestd/pkg/types"
)

const (
	writeWait      = 10 * time.Second
	maxMessageSize = 512 * 1024
	sendBufferSize = 64
)

// Config tunes the fan-out server.
type Config struct {
	AllowedOrigins    []string      // "*" allows any origin
	HeartbeatInterval time.Duration // server ping period
	StaleConnection   time.Duration // read deadline; no pong within this closes the socket
	BroadcastThrottle time.Duration // minimum interval between broadcasts for one symbol
	AuthKey           string        // required value of Sec-WebSocket-Protocol or ?key=; empty disables the check
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true }, // origin is checked explicitly in Upgrade
}

// Client is one subscriber connection.
type Client struct {
	id       string
	conn     *websocket.Conn
	send     chan []byte
	registry *Registry
	logger   *slog.Logger

	mu      sync.Mutex
	symbols map[string]bool
}

// Registry owns every live subscriber connection and the per-symbol
// broadcast throttle state.
type Registry struct {
	cfg    Config
	logger *slog.Logger

	mu      sync.Mutex
	clients map[string]*Client

	throttleMu    sync.Mutex
	lastBroadcast map[string]time.Time
}

// NewRegistry creates an empty registry.
func NewRegistry(cfg Config, logger *slog.Logger) *Registry {
	return &Registry{
		cfg:           cfg,
		logger:        logger.With("component", "fanout-registry"),
		clients:       make(map[string]*Client),
		lastBroadcast: make(map[string]time.Time),
	}
}

// ClientCount returns the number of currently connected subscribers.
func (r *Registry) ClientCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.clients)
}

// RequiredSymbols returns the union of every connected client's subscribed
// symbol set, used to drive the engine's active-symbol reconciliation. A
// client subscribed to the "*" wildcard contributes no named symbol — it
// receives whatever the engine starts for other reasons rather than forcing
// the full universe active.
func (r *Registry) RequiredSymbols() []string {
	r.mu.Lock()
	clients := make([]*Client, 0, len(r.clients))
	for _, c := range r.clients {
		clients = append(clients, c)
	}
	r.mu.Unlock()

	set := make(map[string]bool)
	for _, c := range clients {
		c.mu.Lock()
		for s := range c.symbols {
			if s != "*" {
				set[s] = true
			}
		}
		c.mu.Unlock()
	}

	out := make([]string, 0, len(set))
	for s := range set {
		out = append(out, s)
	}
	return out
}

// Upgrade checks the request's origin and auth key, upgrades the
// connection, and starts the client's read/write pumps. It returns an
// error (and writes the appropriate HTTP response) if the checks fail.
func (r *Registry) Upgrade(w http.ResponseWriter, req *http.Request) (*Client, error) {
	if origin := req.Header.Get("Origin"); origin != "" && !isOriginAllowed(origin, r.cfg.AllowedOrigins, req.Host) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return nil, errOriginRejected
	}

	if r.cfg.AuthKey != "" && !authorized(req, r.cfg.AuthKey) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return nil, errUnauthorized
	}

	conn, err := upgrader.Upgrade(w, req, nil)
	if err != nil {
		return nil, err
	}

	c := &Client{
		id:       uuid.NewString(),
		conn:     conn,
		send:     make(chan []byte, sendBufferSize),
		registry: r,
		logger:   r.logger.With("client", "subscriber"),
		symbols:  make(map[string]bool),
	}

	r.mu.Lock()
	r.clients[c.id] = c
	r.mu.Unlock()

	go c.writePump()
	go c.readPump()

	return c, nil
}

func (r *Registry) unregister(c *Client) {
	r.mu.Lock()
	delete(r.clients, c.id)
	r.mu.Unlock()
	close(c.send)
}

// Broadcast pushes frame to every client subscribed to symbol, subject to
// the per-symbol throttle. A call arriving before BroadcastThrottle has
// elapsed since the last broadcast for symbol is dropped silently — the
// next state-relevant event will try again.
func (r *Registry) Broadcast(symbol string, frame types.MetricSnapshotFrame) {
	now := time.Now()
	r.throttleMu.Lock()
	if last, ok := r.lastBroadcast[symbol]; ok && now.Sub(last) < r.cfg.BroadcastThrottle {
		r.throttleMu.Unlock()
		return
	}
	r.lastBroadcast[symbol] = now
	r.throttleMu.Unlock()

	payload, err := json.Marshal(frame)
	if err != nil {
		r.logger.Error("marshal broadcast frame", "symbol", symbol, "error", err)
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range r.clients {
		if !c.isSubscribed(symbol) {
			continue
		}
		select {
		case c.send <- payload:
		default:
			r.logger.Warn("client send buffer full, dropping frame and disconnecting slow client", "client", c.id, "symbol", symbol)
			c.conn.Close()
		}
	}
}

// BroadcastIntegrity pushes an integrity-only frame, used when a symbol's
// state changes without a fresh depth snapshot (e.g. entering HALTED).
func (r *Registry) BroadcastIntegrity(symbol string, frame types.IntegrityFrame) {
	payload, err := json.Marshal(struct {
		Symbol    string               `json:"symbol"`
		Integrity types.IntegrityFrame `json:"integrity"`
	}{Symbol: symbol, Integrity: frame})
	if err != nil {
		r.logger.Error("marshal integrity frame", "symbol", symbol, "error", err)
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range r.clients {
		if !c.isSubscribed(symbol) {
			continue
		}
		select {
		case c.send <- payload:
		default:
			r.logger.Warn("client send buffer full, dropping integrity frame and disconnecting slow client", "client", c.id, "symbol", symbol)
			c.conn.Close()
		}
	}
}

func (c *Client) isSubscribed(symbol string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.symbols["*"] {
		return true
	}
	return c.symbols[symbol]
}

func (c *Client) applySubscribe(msg types.SubscribeMsg) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch msg.Op {
	case "subscribe":
		for _, s := range msg.Symbols {
			c.symbols[s] = true
		}
	case "unsubscribe":
		for _, s := range msg.Symbols {
			delete(c.symbols, s)
		}
	}
}

// Subscribe seeds the client's symbol set, used for the initial
// ?symbols=A,B,C query parameter on connect.
func (c *Client) Subscribe(symbols []string) {
	c.applySubscribe(types.SubscribeMsg{Op: "subscribe", Symbols: symbols})
}

func (c *Client) readPump() {
	defer func() {
		c.registry.unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(c.registry.cfg.StaleConnection))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(c.registry.cfg.StaleConnection))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var msg types.SubscribeMsg
		if err := json.Unmarshal(data, &msg); err != nil {
			c.logger.Debug("ignoring malformed subscribe message", "error", err)
			continue
		}
		c.applySubscribe(msg)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(c.registry.cfg.HeartbeatInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// isOriginAllowed reports whether origin is permitted to open a subscriber
// connection against a request arriving at reqHost. "*" in allowed permits
// any origin; otherwise origin must normalize-match an allowed entry or the
// request's own host (same-origin).
func isOriginAllowed(origin string, allowed []string, reqHost string) bool {
	for _, a := range allowed {
		if a == "*" {
			return true
		}
	}

	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	normalized := normalizeOrigin(u.Scheme, u.Host)

	for _, a := range allowed {
		if normalizeOrigin("", a) == normalized || a == normalized {
			return true
		}
	}

	return normalizeHost(u.Host) == normalizeHost(reqHost)
}

func normalizeOrigin(scheme, host string) string {
	h := normalizeHost(host)
	if scheme == "" {
		return h
	}
	return scheme + "://" + h
}

func normalizeHost(hostport string) string {
	host := hostport
	if h, _, err := splitHostPort(hostport); err == nil {
		host = h
	}
	return strings.ToLower(host)
}

// splitHostPort splits at the last ':' and returns errNoPort for a bare
// host, which normalizeHost then uses unchanged.
func splitHostPort(hostport string) (host, port string, err error) {
	idx := strings.LastIndex(hostport, ":")
	if idx < 0 {
		return hostport, "", errNoPort
	}
	return hostport[:idx], hostport[idx+1:], nil
}

func authorized(req *http.Request, key string) bool {
	if proto := req.Header.Get("Sec-WebSocket-Protocol"); proto != "" {
		for _, p := range strings.Split(proto, ",") {
			if strings.TrimSpace(p) == key {
				return true
			}
		}
	}
	return req.URL.Query().Get("key") == key
}

var (
	errOriginRejected = errors.New("origin rejected")
	errUnauthorized   = errors.New("unauthorized")
	errNoPort         = errors.New("no port in address")
)
