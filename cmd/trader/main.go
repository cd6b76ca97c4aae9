package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/james-s-roche/prediction-markets/internal/auth"
	"github.com/james-s-roche/prediction-markets/internal/config"
	"github.com/james-s-roche/prediction-markets/internal/exchange"
	"github.com/james-s-roche/prediction-markets/internal/facade"
	"github.com/james-s-roche/prediction-markets/internal/ingest"
	"github.com/james-s-roche/prediction-markets/internal/notify"
	"github.com/james-s-roche/prediction-markets/internal/order"
	"github.com/james-s-roche/prediction-markets/internal/ratelimit"
	"github.com/james-s-roche/prediction-markets/internal/risk"
	"github.com/james-s-roche/prediction-markets/internal/store"
	"github.com/james-s-roche/prediction-markets/internal/version"
)

const shutdownTimeout = 30 * time.Second

func main() {
	configPath := flag.String("config", "configs/trader.local.yaml", "path to config file")
	debug := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()

	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	logger.Info("starting trader",
		"version", version.Version,
		"commit", version.Commit,
		"config", *configPath,
	)

	cfg, err := config.LoadAndValidate(*configPath)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger.Info("configuration loaded",
		"instance_id", cfg.Instance.ID,
		"exchange_url", cfg.Exchange.BaseURL,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	// Store: Postgres when configured, in-memory otherwise.
	var st store.Store
	if cfg.Database.Enabled {
		logger.Info("connecting to database",
			"host", cfg.Database.Postgres.Host,
			"port", cfg.Database.Postgres.Port,
			"database", cfg.Database.Postgres.Name,
		)
		pool, err := store.Connect(ctx, cfg.Database.Postgres)
		if err != nil {
			logger.Error("failed to connect to database", "error", err)
			os.Exit(1)
		}
		defer pool.Close()
		st = store.NewPostgres(pool)
		logger.Info("database connected")
	} else {
		logger.Warn("database disabled, using in-memory store")
		st = store.NewMemory()
	}

	// Exchange client behind the shared rate limiter.
	limiter := ratelimit.New(cfg.Exchange.RateLimitPerMinute, time.Minute)
	clientOpts := []exchange.ClientOption{
		exchange.WithLogger(logger),
		exchange.WithTimeout(cfg.Exchange.Timeout),
		exchange.WithRetries(cfg.Exchange.MaxRetries, time.Second),
	}
	if cfg.Exchange.KeyID != "" {
		creds, err := auth.LoadCredentials(cfg.Exchange.KeyID, cfg.Exchange.PrivateKeyPath)
		if err != nil {
			logger.Error("failed to load exchange credentials", "error", err)
			os.Exit(1)
		}
		clientOpts = append(clientOpts, exchange.WithCredentials(creds))
	}
	client := exchange.NewClient(cfg.Exchange.BaseURL, cfg.Exchange.APIKey, limiter, clientOpts...)

	logger.Info("checking exchange status")
	status, err := client.GetExchangeStatus(ctx)
	if err != nil {
		logger.Error("failed to get exchange status", "error", err)
		os.Exit(1)
	}
	logger.Info("exchange status",
		"exchange_active", status.ExchangeActive,
		"trading_active", status.TradingActive,
	)

	riskMgr := risk.NewManager(cfg.Risk.Limits())

	orders := order.NewManager(st, client, riskMgr,
		order.WithLogger(logger),
		order.WithPollInterval(cfg.Orders.PollInterval),
		order.WithSubmitAttempts(cfg.Orders.SubmitAttempts),
		order.WithRetryBackoff(cfg.Orders.RetryBackoff),
	)

	// Change sinks: websocket feed, plus Redis when enabled.
	feed := facade.NewFeed()
	sinks := []ingest.Sink{feed}
	var publisher *notify.Publisher
	if cfg.Redis.Enabled {
		publisher, err = notify.NewPublisher(ctx, cfg.Redis.Addr, logger)
		if err != nil {
			logger.Error("failed to connect to redis", "error", err)
			os.Exit(1)
		}
		defer publisher.Close()
		sinks = append(sinks, publisher)
		logger.Info("redis notifier connected", "addr", cfg.Redis.Addr)
	}

	schedOpts := []ingest.Option{
		ingest.WithLogger(logger),
		ingest.WithInterval(cfg.Ingest.Interval),
		ingest.WithPageSize(cfg.Ingest.PageSize),
		ingest.WithSinks(sinks...),
	}
	if cfg.Ingest.MinCreatedTS != "" {
		minCreated, err := time.Parse(time.RFC3339, cfg.Ingest.MinCreatedTS)
		if err != nil {
			logger.Error("invalid ingest.min_created_ts", "error", err)
			os.Exit(1)
		}
		schedOpts = append(schedOpts, ingest.WithMinCreated(minCreated))
	}
	scheduler := ingest.NewScheduler(client, st, schedOpts...)

	if err := scheduler.Start(ctx); err != nil {
		logger.Error("failed to start scheduler", "error", err)
		os.Exit(1)
	}
	if err := orders.Start(ctx); err != nil {
		logger.Error("failed to start order manager", "error", err)
		os.Exit(1)
	}

	server := facade.NewServer(cfg.Server.Addr, st, orders, riskMgr, scheduler, feed, logger)

	logger.Info("trader running",
		"instance_id", cfg.Instance.ID,
		"addr", cfg.Server.Addr,
	)

	// Run blocks until the context is cancelled.
	if err := server.Run(ctx); err != nil {
		logger.Error("facade server error", "error", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := orders.Stop(shutdownCtx); err != nil {
		logger.Warn("order manager stop", "error", err)
	}
	if err := scheduler.Stop(shutdownCtx); err != nil {
		logger.Warn("scheduler stop", "error", err)
	}

	logger.Info("trader stopped")
}
