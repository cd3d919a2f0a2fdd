package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/quantpilot/quantpilot/internal/api"
	"github.com/quantpilot/quantpilot/internal/audit"
	"github.com/quantpilot/quantpilot/internal/command"
	"github.com/quantpilot/quantpilot/internal/config"
	"github.com/quantpilot/quantpilot/internal/dag"
	"github.com/quantpilot/quantpilot/internal/evals"
	"github.com/quantpilot/quantpilot/internal/events"
	"github.com/quantpilot/quantpilot/internal/marketdata"
	"github.com/quantpilot/quantpilot/internal/notify"
	"github.com/quantpilot/quantpilot/internal/preflight"
	"github.com/quantpilot/quantpilot/internal/selection"
	"github.com/quantpilot/quantpilot/internal/store"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	migrate := flag.Bool("migrate", false, "run schema migrations before serving")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Configuration load failed")
	}
	config.InitLogger(cfg.App.LogLevel, cfg.App.LogFormat)

	log.Info().
		Str("version", cfg.App.Version).
		Str("environment", cfg.App.Environment).
		Str("default_mode", cfg.Trading.ExecutionModeDefault).
		Bool("live_allowed", cfg.LiveAllowed()).
		Msg("Starting QuantPilot API")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s, err := store.New(ctx, cfg.Database.URL, cfg.Database.PoolSize)
	if err != nil {
		log.Fatal().Err(err).Msg("Database connection failed")
	}
	defer s.Close()

	if *migrate {
		if err := s.Migrate(ctx); err != nil {
			log.Fatal().Err(err).Msg("Migration failed")
		}
	}

	var bus *events.Bus
	if cfg.NATS.Enabled && cfg.NATS.URL != "" {
		bus, err = events.NewBus(events.Config{URL: cfg.NATS.URL})
		if err != nil {
			log.Warn().Err(err).Msg("Event bus unavailable, events disabled")
			bus = nil
		}
	}

	recorder := audit.NewRecorder(s, bus)

	var priceCache *marketdata.PriceCache
	if cfg.Redis.Addr != "" {
		priceCache = marketdata.NewPriceCache(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	}

	coinbase, err := marketdata.NewCoinbaseProvider(marketdata.CoinbaseConfig{
		BaseURL:       cfg.Coinbase.BaseURL,
		APIKeyName:    cfg.Coinbase.APIKeyName,
		APIPrivateKey: cfg.Coinbase.APIPrivateKey,
		PriceCache:    priceCache,
		Recorder:      recorder,
		Bus:           bus,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Coinbase provider setup failed")
	}

	polygon := marketdata.NewPolygonProvider(marketdata.PolygonConfig{
		BaseURL:  cfg.Polygon.BaseURL,
		APIKey:   cfg.Polygon.APIKey,
		Recorder: recorder,
		Bus:      bus,
	})

	notifier := notify.New(notify.Config{
		Token: cfg.Pushover.Token,
		User:  cfg.Pushover.User,
	}, s)

	registry := evals.NewRegistry(s, bus)

	defaultMode := store.ExecutionMode(cfg.Trading.ExecutionModeDefault)
	runner := dag.NewRunner(s, coinbase, polygon, registry, notifier, bus, dag.Config{
		FeePct:              cfg.Trading.CryptoFeeEstimatePct,
		MaxNotionalUSD:      cfg.Trading.MaxNotionalPerOrder,
		FetchConcurrency:    cfg.Trading.FetchConcurrency,
		LiveAllowed:         cfg.LiveAllowed(),
		HasLiveCreds:        cfg.HasCoinbaseCreds(),
		ExecutionModeIsLive: defaultMode == store.ModeLive,
	})

	selector := selection.NewEngine(coinbase, polygon, selection.Config{
		StockWatchlist: cfg.Trading.StockWatchlist,
		Concurrency:    cfg.Trading.FetchConcurrency,
	})

	validator := preflight.NewValidator(s, coinbase, preflight.Config{
		FeePct:                cfg.Trading.CryptoFeeEstimatePct,
		DefaultMinNotionalUSD: cfg.Trading.DefaultMinNotionalUSD,
		LiveAllowed:           cfg.LiveAllowed(),
		HasLiveCreds:          cfg.HasCoinbaseCreds(),
	})

	dispatcher := command.New(s, coinbase, runner, selector, validator, command.Config{
		DefaultMode:  defaultMode,
		LiveAllowed:  cfg.LiveAllowed(),
		HasLiveCreds: cfg.HasCoinbaseCreds(),
		ConfirmTTL:   time.Duration(cfg.Trading.ConfirmationTTLSec) * time.Second,
		Version:      cfg.App.Version,
	})

	server := api.New(s, dispatcher, registry, api.Config{
		Host:        cfg.API.Host,
		Port:        cfg.API.Port,
		Version:     cfg.App.Version,
		Environment: cfg.App.Environment,
	})
	server.Start()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	log.Info().Str("signal", sig.String()).Msg("Shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Stop(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server shutdown failed")
	}
	if bus != nil {
		bus.Close()
	}
	log.Info().Msg("Shutdown complete")
}
