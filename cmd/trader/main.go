// Command trader runs the live trading execution core: market data ingest,
// incremental indicators, signal evaluation, the per-symbol lifecycle state
// machines, order management and position reconciliation.
package main

import (
	"context"
	"os"
	osignal "os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"trading-core/config"
	"trading-core/internal/circuit"
	"trading-core/internal/clock"
	"trading-core/internal/events"
	"trading-core/internal/exchange"
	"trading-core/internal/indicator"
	"trading-core/internal/journal"
	"trading-core/internal/logging"
	"trading-core/internal/market"
	"trading-core/internal/orders"
	"trading-core/internal/position"
	"trading-core/internal/risk"
	"trading-core/internal/session"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		fallback := zerolog.New(os.Stderr)
		fallback.Fatal().Err(err).Msg("Configuration error")
	}

	logger := logging.New(cfg.LoggingConfig)
	logger.Info().Msg("Starting trading core")

	strategy, err := session.LoadStrategy(cfg.StrategyFile)
	if err != nil {
		logger.Fatal().Err(err).Msg("Strategy load failed")
	}

	clk := clock.NewReal()
	bus := events.NewBus()

	// Exchange credentials from Vault, or the environment when disabled.
	credsProvider, err := exchange.NewCredentialsProvider(exchange.CredentialsConfig{
		Enabled:    cfg.VaultConfig.Enabled,
		Address:    cfg.VaultConfig.Address,
		Token:      cfg.VaultConfig.Token,
		MountPath:  cfg.VaultConfig.MountPath,
		SecretPath: cfg.VaultConfig.SecretPath,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("Credentials provider setup failed")
	}

	var adapter exchange.Adapter
	if cfg.ExchangeConfig.MockMode {
		logger.Warn().Msg("Mock exchange adapter active, no real orders will be placed")
		adapter = exchange.NewMockAdapter()
	} else {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		creds, err := credsProvider.Lookup(ctx)
		cancel()
		if err != nil {
			logger.Fatal().Err(err).Msg("Exchange credentials lookup failed")
		}
		adapter = exchange.NewRESTAdapter(cfg.ExchangeConfig.BaseURL, *creds)
	}

	// Redis mirrors pending orders and position snapshots across restarts.
	var (
		redisClient *redis.Client
		mirror      orders.Mirror
		snaps       position.Snapshotter
	)
	if cfg.RedisConfig.Enabled {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisConfig.Addr,
			Password: cfg.RedisConfig.Password,
			DB:       cfg.RedisConfig.DB,
		})
		mirror = orders.NewRedisMirror(redisClient, cfg.OrdersConfig.Retention)
		snaps = position.NewRedisSnapshotter(redisClient)
	}

	var eventJournal *journal.Journal
	if cfg.JournalConfig.Enabled {
		eventJournal, err = journal.New(journal.Config{
			Host:     cfg.JournalConfig.Host,
			Port:     cfg.JournalConfig.Port,
			User:     cfg.JournalConfig.User,
			Password: cfg.JournalConfig.Password,
			Database: cfg.JournalConfig.Database,
			SSLMode:  cfg.JournalConfig.SSLMode,
		}, logger)
		if err != nil {
			logger.Fatal().Err(err).Msg("Event journal setup failed")
		}
		eventJournal.Attach(bus)
	}

	breaker := circuit.NewBreaker(&circuit.Config{
		Enabled:           cfg.BreakerConfig.Enabled,
		FailureThreshold:  cfg.BreakerConfig.FailureThreshold,
		Cooldown:          cfg.BreakerConfig.Cooldown,
		HalfOpenMaxProbes: cfg.BreakerConfig.HalfOpenMaxProbes,
	}, clk)

	gate := risk.NewGate(risk.Config{
		MaxOrderNotional: cfg.RiskConfig.MaxOrderNotional,
		MaxOrderQuantity: cfg.RiskConfig.MaxOrderQuantity,
		MaxOpenPositions: cfg.RiskConfig.MaxOpenPositions,
		TotalBudget:      cfg.RiskConfig.TotalBudget,
	})

	engine := indicator.NewEngine(bus, logger)
	ingest := market.NewIngest(cfg.LaneBufferSize, logger)

	// The order manager reads positions through a closure so it and the
	// reconciler can reference each other without a construction cycle.
	var recon *position.Reconciler
	positionsFn := func() []exchange.Position {
		if recon == nil {
			return nil
		}
		return recon.OpenExchangePositions()
	}

	orderMgr, err := orders.NewManager(orders.Config{
		MaxTracked:     cfg.OrdersConfig.MaxTracked,
		MaxRetries:     cfg.OrdersConfig.MaxRetries,
		RetryBaseDelay: cfg.OrdersConfig.RetryBaseDelay,
		AttemptTimeout: cfg.OrdersConfig.AttemptTimeout,
		PollInterval:   cfg.OrdersConfig.PollInterval,
		Retention:      cfg.OrdersConfig.Retention,
	}, adapter, gate, breaker, positionsFn, mirror, bus, clk, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Order manager setup failed")
	}

	recon, err = position.NewReconciler(position.Config{
		Interval:        cfg.PositionConfig.Interval,
		FetchTimeout:    cfg.PositionConfig.FetchTimeout,
		FetchRetries:    cfg.PositionConfig.FetchRetries,
		DegradedAfter:   cfg.PositionConfig.DegradedAfter,
		MarginWarnRatio: cfg.PositionConfig.MarginWarnRatio,
	}, adapter, orderMgr, snaps, bus, clk, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Position reconciler setup failed")
	}

	sess, err := session.New(strategy, ingest, engine, orderMgr, recon, bus, clk, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Session setup failed")
	}
	if err := sess.Start(); err != nil {
		logger.Fatal().Err(err).Msg("Session start failed")
	}

	if err := orderMgr.Start(); err != nil {
		logger.Fatal().Err(err).Msg("Order manager start failed")
	}
	if err := recon.Start(context.Background()); err != nil {
		logger.Fatal().Err(err).Msg("Position reconciler start failed")
	}

	feed := market.NewWebSocketFeed(market.FeedConfig{
		URL:            cfg.FeedConfig.URL,
		Symbols:        strategy.Symbols,
		ReadTimeout:    cfg.FeedConfig.ReadTimeout,
		ReconnectDelay: cfg.FeedConfig.ReconnectDelay,
		ReconnectMax:   cfg.FeedConfig.ReconnectMax,
	}, ingest, logger)
	if err := feed.Start(); err != nil {
		logger.Fatal().Err(err).Msg("Market feed start failed")
	}

	logger.Info().
		Str("session_id", sess.ID()).
		Str("strategy_id", strategy.ID).
		Strs("symbols", strategy.Symbols).
		Msg("Trading core running")

	quit := make(chan os.Signal, 1)
	osignal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("Shutting down")
	feed.Stop()
	sess.Stop()
	orderMgr.Stop()
	recon.Stop()
	ingest.Close()
	if eventJournal != nil {
		eventJournal.Close()
	}
	if redisClient != nil {
		_ = redisClient.Close()
	}
	logger.Info().Msg("Shutdown complete")
}

