package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/eldtechnologies/mcpcommons/internal/api"
	"github.com/eldtechnologies/mcpcommons/internal/commons"
	"github.com/eldtechnologies/mcpcommons/internal/config"
	"github.com/eldtechnologies/mcpcommons/internal/credential"
	"github.com/eldtechnologies/mcpcommons/internal/feed"
	"github.com/eldtechnologies/mcpcommons/internal/handlers"
	"github.com/eldtechnologies/mcpcommons/internal/metrics"
	"github.com/eldtechnologies/mcpcommons/internal/ratelimit"
	"github.com/eldtechnologies/mcpcommons/internal/session"
	"github.com/eldtechnologies/mcpcommons/internal/store"
)

func main() {
	// Load configuration
	cfg := config.Load()

	// Initialize logger
	var logger zerolog.Logger
	if cfg.IsDevelopment() {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).
			With().
			Timestamp().
			Logger()
	} else {
		logger = zerolog.New(os.Stdout).
			With().
			Timestamp().
			Logger()
	}
	logger = logger.Level(cfg.LogLevel)

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	// Storage: PostgreSQL, else SQLite, else in memory
	var (
		ds      store.DataStore
		pgStore *store.PostgresStore
	)
	switch {
	case cfg.DatabaseURL != "":
		logger.Info().Msg("running database migrations...")
		if err := store.RunMigrations(ctx, cfg.DatabaseURL); err != nil {
			logger.Fatal().Err(err).Msg("migration failed")
		}
		logger.Info().Msg("migrations completed")

		var err error
		pgStore, err = store.NewPostgresStore(ctx, cfg.DatabaseURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("postgres connection failed")
		}
		ds = pgStore
		logger.Info().Msg("connected to PostgreSQL")
	case cfg.SQLitePath != "":
		sq, err := store.NewSQLiteStore(ctx, cfg.SQLitePath)
		if err != nil {
			logger.Fatal().Err(err).Str("path", cfg.SQLitePath).Msg("sqlite open failed")
		}
		ds = sq
		logger.Info().Str("path", cfg.SQLitePath).Msg("using SQLite store")
	default:
		ds = store.NewMemoryStore()
		logger.Warn().Msg("no DATABASE_URL or SQLITE_PATH, messages are kept in memory")
	}
	defer ds.Close()

	// Change feed
	checks := make(map[string]handlers.Pinger)
	backend := cfg.ResolveFeedBackend()
	var source feed.Source

	switch backend {
	case config.FeedPostgres:
		if pgStore == nil {
			logger.Fatal().Msg("FEED_BACKEND=postgres requires DATABASE_URL")
		}
		source = feed.NewPostgresSource(pgStore.Pool(), cfg.FeedChannel, pgStore.GetMessage, feed.StoreSnapshot(pgStore), cfg.FeedCacheSize)

	case config.FeedRedis:
		pub, err := store.NewRedisPublisher(ctx, cfg.RedisURL, cfg.FeedChannel, cfg.FeedCacheSize)
		if err != nil {
			logger.Fatal().Err(err).Msg("redis connection failed")
		}
		defer pub.Close()
		logger.Info().Msg("connected to Redis")
		checks["redis"] = pub
		ds = store.NewPublishingStore(ds, pub, logger)
		source = feed.NewRedisSource(pub.Client(), cfg.FeedChannel, cfg.FeedCacheSize)

	case config.FeedNATS:
		pub, err := store.NewNATSPublisher(ctx, cfg.NATSURL, cfg.FeedChannel, cfg.FeedCacheSize)
		if err != nil {
			logger.Fatal().Err(err).Msg("nats connection failed")
		}
		defer pub.Close()
		logger.Info().Msg("connected to NATS")
		checks["nats"] = pub
		ds = store.NewPublishingStore(ds, pub, logger)
		source = feed.NewNATSSource(pub.Conn(), cfg.FeedChannel, cfg.FeedCacheSize)

	default:
		bus := feed.NewBus(feed.StoreSnapshot(ds), cfg.FeedCacheSize)
		ds = store.NewPublishingStore(ds, bus, logger)
		source = bus
	}

	cache := feed.NewCache(cfg.FeedCacheSize)
	hub := feed.NewHub()
	consumer := feed.NewConsumer(source, cache, hub, cfg.FeedReconnectDelay, logger)
	go consumer.Run(ctx)

	// Rate limiting
	limiter := ratelimit.New(cfg.RateLimitIdle)
	go limiter.Run(ctx, cfg.RateLimitSweep, func(evicted int) {
		metrics.RateLimitBucketsEvicted.Add(float64(evicted))
	})
	guard := ratelimit.NewGuard(
		limiter,
		ratelimit.Policy{Name: "ip", Capacity: cfg.IPRateCapacity, RefillRate: cfg.IPRateRefill},
		ratelimit.Policy{Name: "api_key", Capacity: cfg.KeyRateCapacity, RefillRate: cfg.KeyRateRefill},
		ratelimit.ParseWhitelist(cfg.RateLimitWhitelist, logger),
		logger,
	).WithStreamPolicy(ratelimit.Policy{Name: "stream_open", Capacity: cfg.StreamRateCapacity, RefillRate: cfg.StreamRateRefill})

	registry := credential.NewRegistry(ds, logger)
	svc := commons.NewService(ds, registry, guard, cfg.StoreTimeout, logger)
	mux := session.NewMultiplexer(session.Backend{
		Service: svc,
		Cache:   cache,
		Status:  consumer.Status,
	}, logger)

	h := handlers.NewHandler(handlers.Deps{
		Service:    svc,
		Sessions:   mux,
		Hub:        hub,
		FeedStatus: consumer.Status,
		Checks:     checks,
		Heartbeat:  cfg.HeartbeatInterval,
		Logger:     logger,
	})

	// Create router
	router := api.NewRouter(logger, h, guard)

	// Create server. Event streams lift the write deadline themselves.
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	srv.RegisterOnShutdown(h.Close)

	// Start server in goroutine
	go func() {
		logger.Info().
			Str("port", cfg.Port).
			Str("env", cfg.Env).
			Str("feed", backend).
			Msg("starting commons server")

		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server failed to start")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server...")

	// Graceful shutdown with 30 second timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// Sessions first so their streams return and the server can drain.
	if err := mux.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("sessions did not close in time")
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server forced to shutdown")
	}
	stop()

	logger.Info().Msg("server stopped")
}
