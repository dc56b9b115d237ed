/*
Package main runs the cross-exchange arbitrage monitor.

The server polls the configured exchanges for ticker prices (optionally also
streaming them over WebSocket), keeps the latest quote per exchange and symbol
in a TTL cache, recomputes fee-adjusted arbitrage opportunities every cycle,
stores the prices in PostgreSQL/TimescaleDB, sends alerts, and serves the
results over HTTP. A gRPC health service reports whether the cache is
reachable.

Usage:

	go run main.go -config=config.yaml -port=:50051 -interval=30 -symbols=BTCUSDT,ETHUSDT

Flags override the configuration file, which in turn is overridden by the
environment (REDIS_ADDR, POSTGRES_DSN, TELEGRAM_BOT_TOKEN, ...).
*/
package main

import (
	"context"
	"errors"
	"flag"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/toru-watanabe/crypto-arbitrage-monitor/internal/api"
	"github.com/toru-watanabe/crypto-arbitrage-monitor/internal/arbitrage"
	"github.com/toru-watanabe/crypto-arbitrage-monitor/internal/cache"
	"github.com/toru-watanabe/crypto-arbitrage-monitor/internal/collector"
	"github.com/toru-watanabe/crypto-arbitrage-monitor/internal/config"
	"github.com/toru-watanabe/crypto-arbitrage-monitor/internal/exchange"
	"github.com/toru-watanabe/crypto-arbitrage-monitor/internal/model"
	"github.com/toru-watanabe/crypto-arbitrage-monitor/internal/notify"
	"github.com/toru-watanabe/crypto-arbitrage-monitor/internal/service"
	"github.com/toru-watanabe/crypto-arbitrage-monitor/internal/storage"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
)

// Command-line flags, each overriding the matching configuration value
var (
	configPath = flag.String("config", "", "Path to the YAML configuration file")
	port       = flag.String("port", "", "The gRPC health server address (default from config)")
	httpAddr   = flag.String("http", "", "The HTTP API address (default from config)")
	interval   = flag.Int("interval", 0, "Scrape interval in seconds (default from config)")
	symbols    = flag.String("symbols", "", "Comma-separated list of symbols, replaces the configured coins")
)

// components holds everything main has to shut down.
type components struct {
	monitor *service.Monitor
	api     *api.Server
	closers []func() error
}

func main() {
	flag.Parse()

	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	cfg, err := loadConfig()
	if err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Health status follows the cache reachability reported by the monitor
	healthServer := health.NewServer()
	healthServer.SetServingStatus("", grpc_health_v1.HealthCheckResponse_NOT_SERVING)

	app, err := build(ctx, cfg, func(healthy bool) {
		status := grpc_health_v1.HealthCheckResponse_SERVING
		if !healthy {
			status = grpc_health_v1.HealthCheckResponse_NOT_SERVING
		}
		healthServer.SetServingStatus("", status)
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initiate monitor")
	}
	defer app.close()

	if err := app.monitor.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to start monitor")
	}

	lis, err := net.Listen("tcp", cfg.Server.GRPCAddr)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to listen")
	}

	s := grpc.NewServer(
		grpc.KeepaliveParams(keepalive.ServerParameters{
			MaxConnectionIdle: 5 * time.Minute,
			MaxConnectionAge:  30 * time.Minute,
			Time:              20 * time.Second,
			Timeout:           10 * time.Second,
		}),
	)
	grpc_health_v1.RegisterHealthServer(s, healthServer)

	go func() {
		if err := app.api.Start(); err != nil {
			log.Error().Err(err).Msg("HTTP API stopped")
			cancel()
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	go func() {
		select {
		case <-sig:
		case <-ctx.Done():
		}
		log.Info().Msg("initiating graceful shutdown")

		healthServer.Shutdown()
		if err := app.monitor.Stop(); err != nil && !errors.Is(err, service.ErrNotStarted) {
			log.Error().Err(err).Msg("failed to stop monitor")
		}
		cancel()

		shutdownCtx, done := context.WithTimeout(context.Background(), 10*time.Second)
		defer done()
		if err := app.api.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("failed to shut down HTTP API")
		}
		s.GracefulStop()
	}()

	log.Info().
		Str("grpc", cfg.Server.GRPCAddr).
		Str("http", cfg.Server.HTTPAddr).
		Dur("interval", cfg.ScrapeInterval).
		Strs("exchanges", cfg.Exchanges).
		Strs("symbols", cfg.Symbols).
		Msg("server starting")

	if err := s.Serve(lis); err != nil {
		log.Fatal().Err(err).Msg("failed to serve")
	}
}

// loadConfig reads the configuration and applies the command-line flags.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(*configPath)
	if err != nil {
		return nil, err
	}

	if *port != "" {
		cfg.Server.GRPCAddr = *port
	}
	if *httpAddr != "" {
		cfg.Server.HTTPAddr = *httpAddr
	}
	if *interval > 0 {
		cfg.ScrapeInterval = time.Duration(*interval) * time.Second
	}
	if *symbols != "" {
		cfg.Symbols = cfg.Symbols[:0]
		for _, s := range strings.Split(*symbols, ",") {
			if s = model.NormalizeSymbol(s); s != "" {
				cfg.Symbols = append(cfg.Symbols, s)
			}
		}
	}

	return cfg, cfg.Validate()
}

// build wires the cache, connectors, engine, storage, notifier and API.
func build(ctx context.Context, cfg *config.Config, onHealth func(bool)) (*components, error) {
	app := &components{}

	quoteCache, err := newCache(ctx, cfg, app)
	if err != nil {
		return nil, err
	}

	fetchers := make([]exchange.Fetcher, 0, len(cfg.Exchanges))
	for _, name := range cfg.Exchanges {
		f, err := exchange.NewFetcher(name, cfg.ExchangeConfig(name))
		if err != nil {
			log.Error().Err(err).Str("exchange", name).Msg("failed to create connector")
			return nil, err
		}
		fetchers = append(fetchers, f)
	}

	streamers := make([]exchange.Streamer, 0, len(cfg.Streaming))
	for _, name := range cfg.Streaming {
		s, err := exchange.NewStreamer(name, cfg.ExchangeConfig(name))
		if err != nil {
			log.Error().Err(err).Str("exchange", name).Msg("failed to create stream connector")
			return nil, err
		}
		streamers = append(streamers, s)
	}

	coll, err := collector.New(quoteCache, fetchers, streamers, collector.Config{
		Symbols:       cfg.Symbols,
		TTL:           cfg.CacheTTL,
		FetchTimeout:  cfg.FetchTimeout,
		FlushInterval: cfg.FlushInterval,
	})
	if err != nil {
		return nil, err
	}

	engine := arbitrage.NewEngine(arbitrage.Config{
		Fees:         cfg.FeeTable(),
		MinProfitPct: cfg.MinProfit(),
	})

	notifier, err := newNotifier(ctx, cfg)
	if err != nil {
		return nil, err
	}

	deps := service.MonitorDeps{
		Source:   coll,
		Cache:    quoteCache,
		Engine:   engine,
		Notifier: notifier,
		Dispatcher: service.NewDispatcher(service.DispatcherConfig{
			MaxSymbolsAllowed: cfg.Server.MaxSymbols,
		}),
		OnHealth: onHealth,
	}
	checks := map[string]api.HealthChecker{"cache": quoteCache}

	var history api.HistoryReader
	if cfg.PostgresEnabled() {
		store, err := newHistoryStore(ctx, cfg)
		if err != nil {
			return nil, err
		}
		app.closers = append(app.closers, store.Close)
		deps.History = store
		checks["postgres"] = store
		history = store
	}

	app.monitor, err = service.NewMonitor(deps, service.MonitorConfig{
		Interval:  cfg.ScrapeInterval,
		Streaming: len(streamers) > 0,
	})
	if err != nil {
		return nil, err
	}
	app.api = api.New(cfg.Server.HTTPAddr, app.monitor, checks, history)

	return app, nil
}

// newCache selects Redis when an address is configured, the in-process cache
// otherwise.
func newCache(ctx context.Context, cfg *config.Config, app *components) (cache.QuoteCache, error) {
	if !cfg.RedisEnabled() {
		c := cache.NewMemoryCache()
		c.StartJanitor(ctx, cfg.CacheTTL)
		log.Info().Msg("using in-memory quote cache")
		return c, nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	c := cache.NewRedisCache(client, cache.RedisConfig{
		Prefix:  cfg.Redis.Prefix,
		HashTTL: 2 * cfg.CacheTTL,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := c.HealthCheck(pingCtx); err != nil {
		client.Close()
		return nil, err
	}

	c.StartJanitor(ctx, cfg.CacheTTL)
	app.closers = append(app.closers, c.Close)
	log.Info().Str("addr", cfg.Redis.Addr).Msg("using redis quote cache")
	return c, nil
}

func newHistoryStore(ctx context.Context, cfg *config.Config) (*storage.HistoryStore, error) {
	openCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	db, err := storage.Open(openCtx, cfg.Postgres.DSN)
	if err != nil {
		return nil, err
	}

	store := storage.NewHistoryStore(db, cfg.Postgres.Table)
	if err := store.InitSchema(openCtx); err != nil {
		store.Close()
		return nil, err
	}
	return store, nil
}

// newNotifier always logs alerts; the file and Telegram sinks are optional.
func newNotifier(ctx context.Context, cfg *config.Config) (*notify.Notifier, error) {
	sinks := []notify.Sink{notify.NewConsoleSink(log.Logger)}

	if cfg.Notify.AlertFile != "" {
		sinks = append(sinks, notify.NewFileSink(cfg.Notify.AlertFile))
	}

	if cfg.TelegramEnabled() {
		tg, err := notify.NewTelegramSink(notify.TelegramConfig{
			BotToken: cfg.Notify.Telegram.BotToken,
			ChatID:   cfg.Notify.Telegram.ChatID,
		})
		if err != nil {
			return nil, err
		}
		if name, err := tg.GetMe(ctx); err != nil {
			log.Warn().Err(err).Msg("telegram bot check failed")
		} else {
			log.Info().Str("bot", name).Msg("telegram alerts enabled")
		}
		sinks = append(sinks, tg)
	}

	threshold := cfg.AlertThreshold()
	return notify.NewNotifier(notify.Config{
		AlertThresholdPct: &threshold,
		SummaryTop:        cfg.Notify.SummaryTop,
		MessageDelay:      cfg.Notify.MessageDelay,
	}, sinks...), nil
}

func (c *components) close() {
	for _, closeFn := range c.closers {
		if err := closeFn(); err != nil {
			log.Warn().Err(err).Msg("failed to release resource")
		}
	}
}
