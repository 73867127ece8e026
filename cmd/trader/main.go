// Polymarket signal trader — an automated directional-trading engine for
// Polymarket binary prediction markets, trading momentum and mean-reversion
// off short-horizon BBO z-scores rather than quoting both sides.
//
// Architecture:
//
//	main.go               — entry point: loads config, wires collaborators, starts the engine
//	engine/engine.go       — orchestrator: the single Trade Loop plus its cooperative background tasks
//	market/store.go        — rolling mid-price history and z-score inputs per market (C4)
//	signal/signal.go        — z-score/spike detection and FADE/TREND eligibility (C5)
//	revert/revert.go        — tracks whether past spikes reverted or continued (C6)
//	broker/broker.go        — opening discipline, sizing, paper/live fills (C7)
//	exit/exit.go             — take-profit/stop-loss/trailing/breakeven/time-exit rules (C8)
//	scanner/scanner.go       — read-only composite health scores for the dashboard (C10)
//	catalog/catalog.go       — periodic market-listing poller (Catalog Service client)
//	phase/phase.go           — classifies PRE/LIVE/POST game phase from slug + live score feed
//	exchange/client.go       — REST client for the exchange's CLOB-style API
//	auth/auth.go             — Ed25519 request signing (C1)
//	stream/stream.go         — WebSocket BBO feed with auto-reconnect (C3)
//	store/store.go           — JSON file persistence for open positions (survives restarts)
//	sink/sink.go             — CSV trade/signal event log
//
// How it makes money:
//
//	The engine watches each market's mid price for statistically unusual
//	moves (z-score against a rolling history). A spike can be FADED (bet it
//	reverts) or ridden with TREND (bet it continues); which strategy gets
//	tried first depends on the underlying game's phase. Positions exit on
//	take-profit, stop-loss, a trailing stop once sufficiently in profit, a
//	breakeven floor, or simply running out of time.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"polymarket-signal-trader/internal/api"
	"polymarket-signal-trader/internal/auth"
	"polymarket-signal-trader/internal/catalog"
	"polymarket-signal-trader/internal/config"
	"polymarket-signal-trader/internal/engine"
	"polymarket-signal-trader/internal/exchange"
	"polymarket-signal-trader/internal/phase"
	"polymarket-signal-trader/internal/sink"
	"polymarket-signal-trader/internal/stream"
	"polymarket-signal-trader/internal/store"
)

func main() {
	// Load config
	cfgPath := "configs/config.yaml"
	if p := os.Getenv("PM_CONFIG"); p != "" {
		cfgPath = p
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err, "path", cfgPath)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	// Set up logger
	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Logging.Level)}
	if cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	logger := slog.New(handler)

	a, err := auth.New(cfg.Auth)
	if err != nil {
		logger.Error("failed to set up auth", "error", err)
		os.Exit(1)
	}
	client := exchange.NewClient(*cfg, a, logger)

	bootCtx, bootCancel := context.WithTimeout(context.Background(), 30*time.Second)
	cat := catalog.New(client, 300*time.Second, logger)
	if err := cat.Refresh(bootCtx); err != nil {
		logger.Error("initial catalog refresh failed", "error", err)
		os.Exit(1)
	}
	bootCancel()

	slugs := cat.Slugs()
	strm := stream.New(cfg.API.WSMarketURL, a, slugs, logger)

	phaseOracle := phase.New(client, logger)

	var positionStore *store.Store
	if cfg.Store.DataDir != "" {
		positionStore, err = store.Open(cfg.Store.DataDir)
		if err != nil {
			logger.Error("failed to open position store", "error", err)
			os.Exit(1)
		}
	}

	var tradeSink sink.Sink = sink.NullSink{}
	if cfg.Sink.Path != "" {
		csvSink, err := sink.NewCSVSink(cfg.Sink.Path)
		if err != nil {
			logger.Error("failed to open event sink", "error", err)
			os.Exit(1)
		}
		tradeSink = csvSink
	}

	eng, err := engine.New(*cfg, client, strm, cat, positionStore, tradeSink, phaseOracle, logger)
	if err != nil {
		logger.Error("failed to create engine", "error", err)
		os.Exit(1)
	}

	phaseCtx, phaseCancel := context.WithCancel(context.Background())
	defer phaseCancel()
	go phaseOracle.Run(phaseCtx, cat.Slugs)

	// Start dashboard API server if enabled
	var apiServer *api.Server
	if cfg.Dashboard.Enabled {
		apiServer = api.NewServer(cfg.Dashboard, eng, *cfg, logger)
		go func() {
			if err := apiServer.Start(); err != nil {
				logger.Error("dashboard server failed", "error", err)
			}
		}()
		logger.Info("dashboard started", "url", fmt.Sprintf("http://localhost:%d", cfg.Dashboard.Port))
	}

	if err := eng.Start(); err != nil {
		logger.Error("failed to start engine", "error", err)
		os.Exit(1)
	}

	if !cfg.Live {
		logger.Warn("PAPER MODE — no real orders will be placed")
	}

	logger.Info("polymarket signal trader started",
		"markets", len(slugs),
		"max_open_positions", cfg.Broker.MaxOpenPositions,
		"live", cfg.Live,
	)

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("received shutdown signal", "signal", sig.String())

	// Stop dashboard first
	if apiServer != nil {
		if err := apiServer.Stop(); err != nil {
			logger.Error("failed to stop dashboard", "error", err)
		}
	}

	phaseCancel()
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
