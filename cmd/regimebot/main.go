// Package main runs one regime-driven trading bot for one trading
// pair: regime classification, strategy selection and lifecycle,
// health monitoring, and the operational HTTP surface.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/driftpoint/regimebot/internal/api"
	"github.com/driftpoint/regimebot/internal/config"
	"github.com/driftpoint/regimebot/internal/events"
	"github.com/driftpoint/regimebot/internal/exchange"
	"github.com/driftpoint/regimebot/internal/health"
	"github.com/driftpoint/regimebot/internal/logging"
	"github.com/driftpoint/regimebot/internal/metrics"
	"github.com/driftpoint/regimebot/internal/orchestrator"
	"github.com/driftpoint/regimebot/internal/persistence"
	"github.com/driftpoint/regimebot/internal/regime"
	"github.com/driftpoint/regimebot/internal/selector"
	"github.com/driftpoint/regimebot/internal/strategy"
	"github.com/driftpoint/regimebot/pkg/types"
)

func main() {
	configPath := flag.String("config", ".", "Directory containing config.yaml")
	logLevel := flag.String("log-level", "", "Override log level (debug, info, warn, error)")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}
	if *logLevel != "" {
		cfg.Logger.Level = *logLevel
	}

	logger, err := logging.NewLogger(cfg.Logger.Level, cfg.Logger.Format)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger error: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("Starting regimebot",
		zap.String("bot", cfg.Bot.Name),
		zap.String("symbol", cfg.Bot.Symbol),
		zap.Bool("simulation", cfg.Trading.Simulation))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Collaborators.
	client := exchange.NewRestClient(logger, cfg.Exchange)

	bus := events.NewBus(logger, cfg.Events.Workers, cfg.Events.BufferSize)
	var sink events.Sink = events.NopSink{}
	if cfg.Events.Enabled {
		redisClient := events.NewRedisClient(cfg.Events.RedisAddr, cfg.Events.RedisPassword, cfg.Events.RedisDB)
		redisSink := events.NewRedisSink(logger, redisClient)
		if err := redisSink.Ping(ctx); err != nil {
			logger.Fatal("Failed to reach redis", zap.Error(err))
		}
		sink = redisSink
	}
	bus.AttachSink(sink)

	var store persistence.Store = persistence.NopStore{}
	if cfg.Database.DSN != "" {
		gormStore, err := persistence.NewGormStore(logger, cfg.Database.DSN)
		if err != nil {
			logger.Fatal("Failed to open snapshot store", zap.Error(err))
		}
		store = gormStore
	}

	// Decision engines.
	classifier := regime.NewClassifier(logger, regime.Config{
		EMAFast:          cfg.Regime.EMAFast,
		EMASlow:          cfg.Regime.EMASlow,
		RSIPeriod:        cfg.Regime.RSIPeriod,
		ADXPeriod:        cfg.Regime.ADXPeriod,
		ATRPeriod:        cfg.Regime.ATRPeriod,
		BBPeriod:         cfg.Regime.BBPeriod,
		VolumeLookback:   cfg.Regime.VolumeLookback,
		ADXTrendEnter:    cfg.Regime.ADXTrendEnter,
		ADXTrendExit:     cfg.Regime.ADXTrendExit,
		ADXRangeEnter:    cfg.Regime.ADXRangeEnter,
		ADXRangeExit:     cfg.Regime.ADXRangeExit,
		ATRWidePct:       cfg.Regime.ATRWidePct,
		ATRVolatilePct:   cfg.Regime.ATRVolatilePct,
		ConfluenceHybrid: cfg.Regime.ConfluenceHybrid,
		HistoryCapacity:  cfg.Regime.HistoryCapacity,
	})

	registry := strategy.NewRegistry(logger, cfg.Bot.Symbol, cfg.Trading.MaxStrategies)

	selCfg := selector.DefaultConfig()
	selCfg.Cooldown = time.Duration(cfg.Selector.CooldownSeconds) * time.Second
	selCfg.MinRegimeDuration = time.Duration(cfg.Selector.MinRegimeDurationSeconds) * time.Second
	selCfg.ConfidenceFloor = cfg.Selector.ConfidenceFloor
	selCfg.HistoryCapacity = cfg.Selector.HistoryCapacity
	sel := selector.NewSelector(logger, selCfg, registry)

	monitor := health.NewMonitor(logger, health.Config{
		MaxErrorCount:        cfg.Health.MaxErrorCount,
		MaxConsecutiveErrors: cfg.Health.MaxConsecutiveErrors,
		SignalTimeout:        time.Duration(cfg.Health.SignalTimeoutSeconds) * time.Second,
		TradeTimeout:         time.Duration(cfg.Health.TradeTimeoutSeconds) * time.Second,
		AutoRestart:          cfg.Health.AutoRestart,
		MaxRestartAttempts:   cfg.Health.MaxRestartAttempts,
		HistoryCapacity:      cfg.Health.HistoryCapacity,
	}, registry)

	mets := metrics.New()

	bot := orchestrator.NewBot(logger, orchestrator.Config{
		BotName:                cfg.Bot.Name,
		Symbol:                 cfg.Bot.Symbol,
		Timeframe:              types.Timeframe(cfg.Bot.Timeframe),
		CandleLimit:            cfg.Bot.CandleLimit,
		Simulation:             cfg.Trading.Simulation,
		PriceRefreshInterval:   time.Duration(cfg.Trading.PriceRefreshSeconds) * time.Second,
		RegimeCheckInterval:    time.Duration(cfg.Regime.CheckIntervalSeconds) * time.Second,
		HealthCheckInterval:    time.Duration(cfg.Health.CheckIntervalSeconds) * time.Second,
		StateSaveInterval:      time.Duration(cfg.Trading.StateSaveSeconds) * time.Second,
		TickBackoff:            time.Duration(cfg.Trading.TickBackoffSeconds) * time.Second,
		StalenessMultiplier:    cfg.Regime.StalenessMultiplier,
		ClosePositionsOnSwitch: cfg.Trading.ClosePositionsOnSwitch,
		OrderQuoteSize:         decimal.NewFromFloat(cfg.Trading.OrderQuoteSize),
	}, mets, classifier, registry, sel, monitor, client, bus, store)

	// One instance per built-in type; the selector decides which run.
	for _, typ := range []string{strategy.TypeGrid, strategy.TypeDCA, strategy.TypeTrendFollower, strategy.TypeSMC} {
		if err := bot.RegisterStrategy(typ, typ, nil); err != nil {
			logger.Fatal("Failed to register strategy",
				zap.String("type", typ),
				zap.Error(err))
		}
	}

	if err := bot.Start(ctx); err != nil {
		logger.Fatal("Failed to start bot", zap.Error(err))
	}

	var stream *exchange.TickerStream
	if cfg.Exchange.StreamEnabled {
		stream = exchange.NewTickerStream(logger, cfg.Exchange.WSURL, cfg.Bot.Symbol, bot.UpdatePrice)
		if err := stream.Start(ctx); err != nil {
			logger.Warn("Ticker stream failed to start, REST refresh only", zap.Error(err))
			stream = nil
		}
	}

	var server *api.Server
	if cfg.Server.Enabled {
		server = api.NewServer(logger, cfg.Server.Addr, bot, mets)
		go func() {
			if err := server.Start(); err != nil {
				logger.Error("Operational server failed", zap.Error(err))
			}
		}()
	}

	// Block until a shutdown signal arrives.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("Shutdown signal received", zap.String("signal", sig.String()))

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if server != nil {
		if err := server.Stop(shutdownCtx); err != nil {
			logger.Error("Operational server shutdown failed", zap.Error(err))
		}
	}
	if stream != nil {
		stream.Stop()
	}
	if err := bot.Stop(shutdownCtx); err != nil {
		logger.Error("Bot shutdown failed", zap.Error(err))
	}
	bus.Stop()
	if err := sink.Close(); err != nil {
		logger.Error("Event sink close failed", zap.Error(err))
	}
	if err := store.Close(); err != nil {
		logger.Error("Snapshot store close failed", zap.Error(err))
	}

	logger.Info("Shutdown complete")
}
