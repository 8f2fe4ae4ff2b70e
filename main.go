package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"signal-executor/config"
	"signal-executor/internal/ai/llm"
	"signal-executor/internal/api"
	"signal-executor/internal/apikeys"
	"signal-executor/internal/cache"
	"signal-executor/internal/database"
	"signal-executor/internal/dispatch"
	"signal-executor/internal/events"
	"signal-executor/internal/exchange"
	"signal-executor/internal/execlog"
	"signal-executor/internal/executor"
	"signal-executor/internal/logging"
	"signal-executor/internal/monitor"
	"signal-executor/internal/oracle"
	"signal-executor/internal/orders"
	"signal-executor/internal/risk"
	"signal-executor/internal/signals"
	"signal-executor/internal/vault"
)

// paperQuoteBalance seeds each paper account
const paperQuoteBalance = 10000

func main() {
	configPath := flag.String("config", "", "path to a JSON or YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger := logging.New(&logging.Config{
		Level:       cfg.LoggingConfig.Level,
		Output:      cfg.LoggingConfig.Output,
		JSONFormat:  cfg.LoggingConfig.JSONFormat,
		IncludeFile: cfg.LoggingConfig.IncludeFile,
		Component:   "main",
	})
	logging.SetDefault(logger)
	logger.Info("Structured logging initialized", "level", cfg.LoggingConfig.Level)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// ==== Persistence ====
	var (
		store database.Store
		db    *database.DB
	)
	db, err = database.NewDB(cfg.DatabaseConfig, logger)
	switch {
	case err == nil:
		if err := db.RunMigrations(ctx); err != nil {
			logger.Fatal("Failed to run migrations", "error", err)
		}
		store = database.NewRepository(db)
	case cfg.ExchangeConfig.PaperMode:
		logger.Warn("Database unavailable, paper mode continues with an in-memory store", "error", err)
		store = database.NewMemoryStore()
	default:
		logger.Fatal("Failed to connect to database", "error", err)
	}

	// ==== Cache (optional) ====
	var (
		cacheSvc *cache.CacheService
		l2       cache.Store
		dedup    signals.Deduper
	)
	if cfg.RedisConfig.Enabled {
		cacheSvc, err = cache.NewCacheService(cfg.RedisConfig, logger)
		if err != nil {
			logger.Warn("Redis cache disabled", "error", err)
		}
	}
	if cacheSvc != nil {
		l2, dedup = cacheSvc, cacheSvc
	} else {
		mem := cache.NewMemoryStore()
		l2, dedup = mem, mem
	}

	bus := events.NewEventBus()
	bus.SetLogger(logger)
	stats := execlog.NewStats()

	// ==== Exchange clients ====
	// Public market data needs no credentials and feeds the oracle in
	// both modes; in paper mode it also prices the paper fills.
	spotFeed, futuresFeed := publicTickers(cfg.ExchangeConfig)

	var build exchange.Builder
	if cfg.ExchangeConfig.PaperMode {
		build = exchange.LivePaperBuilder(paperQuoteBalance, spotFeed, futuresFeed)
		logger.Info("Paper trading mode, no real orders are placed")
	} else {
		vaultClient, err := newVaultClient(cfg.VaultConfig)
		if err != nil {
			logger.Fatal("Failed to initialize vault", "error", err)
		}
		keys, err := apikeys.NewService(vaultClient, store, cfg.ExchangeConfig.EncryptionKey)
		if err != nil {
			logger.Fatal("Failed to initialize API key service", "error", err)
		}
		build = exchange.BinanceBuilder(cfg.ExchangeConfig, keys.ExchangeCredentials)
	}
	factory := exchange.NewFactory(build, cfg.ExchangeConfig.ClientTTL, logger)

	// ==== Price oracle ====
	sources, stream := priceSources(cfg, spotFeed, futuresFeed, logger)
	priceOracle := oracle.New(cfg.OracleConfig, sources, l2, bus, logger)

	// ==== Position registry ====
	zl := zerolog.New(os.Stdout).With().Timestamp().Str("component", "registry").Logger()
	if cfg.LoggingConfig.Level == "DEBUG" {
		zl = zl.Level(zerolog.DebugLevel)
	} else {
		zl = zl.Level(zerolog.InfoLevel)
	}
	registry := orders.NewRegistry(zl)

	// ==== Risk resolver ====
	adaptive := risk.NewAdaptive(store, cfg.RiskConfig.MinAdaptiveTrades, logger)
	riskContext := &risk.AccountContextProvider{Positions: store, Performance: store}
	var advisor *risk.AIAdvisor
	if cfg.AIConfig.Enabled && cfg.AIConfig.APIKey != "" {
		completer := llm.NewClient(llm.ConfigFromSettings(cfg.AIConfig))
		advisor = risk.NewAIAdvisor(completer, riskContext, adaptive, l2, cfg.AIConfig, logger)
		logger.Info("AI risk profile enabled", "provider", cfg.AIConfig.Provider, "model", cfg.AIConfig.Model)
	}
	resolver := risk.NewResolver(advisor, adaptive, logger)

	// ==== Execution pipeline ====
	recorder := execlog.NewRecorder(
		execlog.MultiSink{execlog.NewPostgresSink(store), execlog.NewMemorySink(0)},
		stats, bus, logger)

	exec := executor.New(executor.Deps{
		Clients:  factory,
		Prices:   priceOracle,
		Resolver: resolver,
		Store:    store,
		Registry: registry,
		Sink:     recorder,
		Stats:    stats,
		Bus:      bus,
	}, cfg.ExecutorConfig, logger)
	riskContext.Balances = exec

	dispatcher := dispatch.New(store, exec, cfg.ExecutorConfig, stats, logger)
	bus.Subscribe(events.EventSignalReceived, dispatcher.HandleEvent)

	posMonitor := monitor.New(store, priceOracle, exec, registry, stats, bus, cfg.MonitorConfig, logger)

	// Reconcile before any signal is accepted so duplicates are caught
	n, err := registry.Reconcile(ctx, store)
	if err != nil {
		logger.Fatal("Failed to reconcile positions", "error", err)
	}
	stats.SetTracked(registry.Count())
	logger.Info("Position registry reconciled", "tracked", n)

	if err := posMonitor.Start(ctx); err != nil {
		logger.Fatal("Failed to start position monitor", "error", err)
	}

	// ==== Signal intake ====
	intake := signals.NewIntake(bus, dedup, logger)
	var source *signals.RedisSource
	if cacheSvc != nil {
		source = signals.NewRedisSource(cacheSvc.Client(), cfg.SignalsConfig.RedisChannel, intake, logger)
		if err := source.Start(ctx); err != nil {
			logger.Fatal("Failed to start signal intake", "error", err)
		}
	} else {
		logger.Warn("Redis disabled, no signal intake is running")
	}

	// ==== Stats server ====
	deps := api.Deps{
		Stats:     stats,
		Database:  store,
		Logs:      store,
		Oracle:    priceOracle,
		Intake:    intake,
		Tracker:   registry,
		Factory:   factory,
		RateLimit: rate.Limit(20),
	}
	if cacheSvc != nil {
		deps.Cache = cacheSvc
	}
	if cfg.AuthConfig.Enabled {
		deps.JWT = api.NewJWTManager(cfg.AuthConfig.JWTSecret, cfg.AuthConfig.Issuer, 0)
	}
	server := api.NewServer(cfg.ServerConfig, deps, logger)

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- server.Start()
	}()

	logger.Info("Signal executor started",
		"paper_mode", cfg.ExchangeConfig.PaperMode,
		"price_sources", len(sources),
		"port", cfg.ServerConfig.Port)

	select {
	case <-ctx.Done():
		logger.Info("Shutdown signal received")
	case err := <-serverErr:
		if err != nil {
			logger.Error("HTTP server failed", "error", err)
		}
	}

	// ==== Shutdown: intake, monitor, bus, clients, server, stores ====
	shutdownCtx, cancel := context.WithTimeout(context.Background(),
		time.Duration(cfg.ServerConfig.ShutdownTimeout)*time.Second)
	defer cancel()

	if source != nil {
		source.Stop()
	}
	if err := posMonitor.Stop(); err != nil {
		logger.Warn("Position monitor stop", "error", err)
	}
	bus.Close()
	factory.Close()
	if stream != nil {
		stream.Stop()
	}
	if err := server.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Warn("HTTP server shutdown", "error", err)
	}
	if cacheSvc != nil {
		_ = cacheSvc.Close()
	}
	if db != nil {
		db.Close()
	}

	snap := stats.Snapshot()
	logger.Info("Signal executor stopped",
		"signals", snap.SignalsProcessed,
		"executions", snap.ExecutionsAttempted,
		"uptime", snap.Uptime)
}

// publicTickers returns keyless Binance spot and futures clients
func publicTickers(cfg config.ExchangeConfig) (spot, futures *exchange.BinanceClient) {
	spot = exchange.NewBinanceClient(exchange.BinanceOptions{
		BaseURL:        cfg.SpotBaseURL,
		Timeout:        cfg.RequestTimeout,
		RequestsPerSec: cfg.RequestsPerSec,
	})
	futures = exchange.NewBinanceClient(exchange.BinanceOptions{
		BaseURL:        cfg.FuturesBaseURL,
		Futures:        true,
		Timeout:        cfg.RequestTimeout,
		RequestsPerSec: cfg.RequestsPerSec,
	})
	return spot, futures
}

// priceSources builds one ticker source per configured venue plus the
// optional websocket stream.
func priceSources(cfg *config.Config, spot, futures *exchange.BinanceClient, logger *logging.Logger) ([]oracle.Source, *exchange.StreamTicker) {
	var sources []oracle.Source

	for _, name := range cfg.OracleConfig.Sources {
		switch name {
		case exchange.VenueID("binance", false):
			sources = append(sources, oracle.NewTickerSource(spot))
		case exchange.VenueID("binance", true):
			sources = append(sources, oracle.NewTickerSource(futures))
		default:
			logger.Warn("Unknown price source ignored", "source", name)
		}
	}

	if !cfg.OracleConfig.StreamEnabled {
		return sources, nil
	}
	stream := exchange.NewStreamTicker("binance-stream", cfg.ExchangeConfig.StreamURL, cfg.OracleConfig.CacheTTL, logger)
	stream.Start()
	return append(sources, stream), stream
}

func newVaultClient(cfg config.VaultConfig) (*vault.Client, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	return vault.NewClient(cfg)
}
