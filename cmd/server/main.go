// ingestd normalizes a perpetual futures venue's combined depth/trade
// WebSocket streams into a reconciled, sequence-checked order book replica
// per symbol, and republishes it to downstream subscribers over its own
// WebSocket fan-out.
//
// Architecture:
//
//	cmd/server/main.go        — entry point: loads config, starts the engine, waits for SIGINT/SIGTERM
//	internal/engine           — orchestrator: wires every subsystem, manages the active symbol set
//	internal/symbol           — per-symbol state machine and actor (replica/tape/monitor owner)
//	internal/book             — local order book replica with sequence-gap discipline
//	internal/snapshot         — REST snapshot fetcher with global + per-symbol backoff
//	internal/upstream         — combined-stream WebSocket multiplexer
//	internal/fanout           — subscriber-facing WebSocket server
//	internal/integrity        — staleness/gap/crossed-book monitor
//	internal/autoscale        — active-symbol budget from rolling live-uptime
//	internal/dispatch         — wire frame composition and collaborator fan-out
//	internal/excinfo          — cached venue symbol universe and tick/step sizes
//	internal/exchange         — read-only REST client for the venue
//	internal/api              — HTTP control surface (health, status, subscribe)
package main

import (
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"ingestd/internal/api"
	"ingestd/internal/config"
	"ingestd/internal/engine"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Logging.Level)}
	if cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	logger := slog.New(handler)

	eng, err := engine.New(cfg, logger)
	if err != nil {
		logger.Error("failed to create engine", "error", err)
		os.Exit(1)
	}

	apiServer := api.NewServer(api.Config{Addr: cfg.Host + ":" + cfg.Port}, eng, logger)
	go func() {
		if err := apiServer.Start(); err != nil {
			logger.Error("control api failed", "error", err)
		}
	}()

	eng.Start()

	logger.Info("ingestd started",
		"symbol_concurrency", cfg.SymbolConcurrency,
		"venue_rest", cfg.Venue.RESTBaseURL,
		"venue_ws", cfg.Venue.WSBaseURL,
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("received shutdown signal", "signal", sig.String())

	if err := apiServer.Stop(); err != nil {
		logger.Error("failed to stop control api", "error", err)
	}

	eng.Stop()
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
