// Futures Trader — the live trading core for USD-M crypto futures.
//
// Architecture:
//
//	main.go                 — entry point: loads config, starts the service, waits for SIGINT/SIGTERM
//	trading/service.go      — orchestrator: session lifecycle, active orders, signal intake
//	trading/loops.go        — background loops: position/order reconciliation, monitor, snapshots
//	domain/                 — Order, Portfolio, and Session aggregates with their state machines
//	risk/validator.go       — ordered pre-trade checks producing Allow / Adjust / Block
//	signals/adapter.go      — signal → order translation with fixed-% or Kelly sizing
//	broker/                 — the broker port; binance/ is the USD-M futures driver
//	events/                 — in-process typed pub/sub for session, order, and risk events
//	recovery/               — crash-recovery state files and pruned snapshots
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"futures-trader/internal/broker/binance"
	"futures-trader/internal/config"
	"futures-trader/internal/domain"
	"futures-trader/internal/events"
	"futures-trader/internal/recovery"
	"futures-trader/internal/risk"
	"futures-trader/internal/signals"
	"futures-trader/internal/trading"
)

func main() {
	// A missing .env is fine; the environment may be set directly.
	_ = godotenv.Load()

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

	if !cfg.TradingEnabled {
		logger.Warn("TRADING_ENABLED is false, exiting")
		return
	}

	store, err := recovery.NewStore(cfg.Recovery, logger)
	if err != nil {
		logger.Error("failed to init recovery store", "error", err)
		os.Exit(1)
	}

	bus := events.NewBus(logger)
	validator := risk.NewValidator(cfg.Risk, logger)
	adapter := signals.NewAdapter(cfg.Signals, cfg.Sizing, cfg.Orders, cfg.Risk.MaxPositionSizeUSDT, logger)

	driver := binance.New(cfg.Broker, cfg.WS, cfg.Mode == config.ModePaper, logger)

	initialCapital := cfg.PaperInitialBalance
	if cfg.Mode != config.ModePaper {
		bal, err := driver.GetAccountBalance(context.Background())
		if err != nil {
			logger.Error("failed to read account balance", "error", err)
			os.Exit(1)
		}
		initialCapital = bal.AvailableBalance
	}
	portfolio := domain.NewPortfolio("default", "futures", "USDT", initialCapital)

	svc := trading.NewService(cfg, driver, bus, validator, adapter, store, portfolio, logger)

	ctx := context.Background()
	if err := svc.Start(ctx); err != nil {
		logger.Error("failed to start trading session", "error", err)
		os.Exit(1)
	}

	if cfg.Mode == config.ModePaper {
		logger.Warn("PAPER MODE — no real orders will be placed")
	}
	logger.Info("futures trader started",
		"mode", cfg.Mode,
		"max_leverage", cfg.Risk.MaxLeverage,
		"max_position_usdt", cfg.Risk.MaxPositionSizeUSDT,
		"daily_loss_limit", cfg.Risk.DailyLossLimitUSDT,
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("received shutdown signal", "signal", sig.String())

	if err := svc.Stop(ctx, "shutdown signal"); err != nil {
		logger.Error("stop failed", "error", err)
		os.Exit(1)
	}
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
