package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// Handlers holds the dependencies shared by every route.
type Handlers struct {
	provider Provider
	logger   *slog.Logger
}

// NewHandlers creates a Handlers bound to provider.
func NewHandlers(provider Provider, logger *slog.Logger) *Handlers {
	return &Handlers{
		provider: provider,
		logger:   logger.With("component", "api-handlers"),
	}
}

// HandleLiveness reports whether the process itself is up. It never
// consults symbol state — a process that can answer HTTP at all is alive;
// readiness is what judges whether its data is any good.
func (h *Handlers) HandleLiveness(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":     "ok",
		"started_at": h.provider.StartedAt(),
		"uptime_s":   time.Since(h.provider.StartedAt()).Seconds(),
	})
}

// HandleReadiness reports per-symbol LIVE vs degraded classification. The
// process is considered ready once at least one symbol is LIVE and no
// symbol is degraded; a process with zero active symbols is not yet ready.
func (h *Handlers) HandleReadiness(w http.ResponseWriter, r *http.Request) {
	ready := h.provider.Readiness()

	status := http.StatusOK
	if len(ready.LiveSymbols) == 0 || len(ready.DegradedSymbols) > 0 {
		status = http.StatusServiceUnavailable
	}

	writeJSON(w, status, map[string]any{
		"live":               ready.LiveSymbols,
		"degraded":           ready.DegradedSymbols,
		"last_data_received": h.provider.LastDataReceivedAt(),
	})
}

// HandleMetrics reports the rolled-up counters across every active symbol.
func (h *Handlers) HandleMetrics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.provider.Metrics())
}

// HandleStatus reports full per-symbol detail.
func (h *Handlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.provider.Status())
}

// HandleExchangeInfo reports the cached venue symbol universe.
func (h *Handlers) HandleExchangeInfo(w http.ResponseWriter, r *http.Request) {
	cache := h.provider.ExchangeInfo()
	writeJSON(w, http.StatusOK, map[string]any{
		"last_refresh": cache.LastRefresh(),
		"symbols":      cache.All(),
	})
}

// HandleSubscribe upgrades the connection into the subscriber fan-out
// registry. An optional ?symbols=A,B,C query parameter seeds the client's
// initial subscription set; origin and auth-key checks happen inside
// Registry.Upgrade itself.
func (h *Handlers) HandleSubscribe(w http.ResponseWriter, r *http.Request) {
	client, err := h.provider.Registry().Upgrade(w, r)
	if err != nil {
		h.logger.Warn("subscriber upgrade rejected", "error", err, "remote", r.RemoteAddr)
		return
	}

	if raw := r.URL.Query().Get("symbols"); raw != "" {
		symbols := strings.Split(raw, ",")
		for i, s := range symbols {
			symbols[i] = strings.ToUpper(strings.TrimSpace(s))
		}
		client.Subscribe(symbols)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		return
	}
}
