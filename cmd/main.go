/**
 * @description
 * This is the main entry point for the settlement-service. It is responsible for
 * initializing all components of the service, including configuration, the ledger store,
 * the signing key directory, the central bank client, message brokers, the core
 * application service, the reconciliation scheduler and the HTTP server.
 *
 * @dependencies
 * - github.com/jackc/pgx/v5: PostgreSQL driver.
 * - github.com/redis/go-redis/v9: shared cache and rate limiting.
 * - github.com/joho/godotenv: loads a local .env file for development.
 * - internal/api, internal/app, internal/config, internal/store, internal/scheduler.
 * - pkg/keydir, pkg/directoryclient, pkg/peerclient, pkg/rabbitmq, pkg/cache.
 */

package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/transfa/settlement-service/internal/api"
	"github.com/transfa/settlement-service/internal/app"
	"github.com/transfa/settlement-service/internal/config"
	"github.com/transfa/settlement-service/internal/logging"
	"github.com/transfa/settlement-service/internal/scheduler"
	"github.com/transfa/settlement-service/internal/store"
	"github.com/transfa/settlement-service/pkg/cache"
	"github.com/transfa/settlement-service/pkg/directoryclient"
	"github.com/transfa/settlement-service/pkg/keydir"
	"github.com/transfa/settlement-service/pkg/peerclient"
	rmrabbit "github.com/transfa/settlement-service/pkg/rabbitmq"
	"github.com/transfa/settlement-service/pkg/retry"
)

func main() {
	// A missing .env file is normal outside local development.
	_ = godotenv.Load()

	cfg, err := config.LoadConfig(".")
	if err != nil {
		slog.Error("config load failed", "error", err)
		os.Exit(1)
	}
	logger := logging.New(cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(logger)
	boot := logger.With("component", "bootstrap")

	if cfg.BankPrefix == "" {
		boot.Error("bank prefix must be configured", "env", "BANK_PREFIX")
		os.Exit(1)
	}
	boot.Info("starting settlement-service", "prefix", cfg.BankPrefix, "port", cfg.ServerPort)

	ctx := context.Background()

	repository, closeRepo, err := openRepository(ctx, cfg, boot)
	if err != nil {
		boot.Error("ledger store unavailable", "error", err)
		os.Exit(1)
	}
	defer closeRepo()

	redisClient := connectRedis(ctx, cfg, boot)
	if redisClient != nil {
		defer redisClient.Close()
	}
	var sharedCache cache.Cache = cache.NewMemoryCache()
	if redisClient != nil {
		sharedCache = cache.NewRedisCache(redisClient, cfg.RedisKeyPrefix)
	}

	// This service only needs to publish, so we use a producer.
	var publisher rmrabbit.Publisher = &rmrabbit.FallbackPublisher{Logger: logger}
	if strings.TrimSpace(cfg.RabbitMQURL) != "" {
		producer, err := rmrabbit.NewEventProducer(cfg.RabbitMQURL, cfg.SettlementExchange, logger)
		if err != nil {
			boot.Warn("rabbitmq producer unavailable; using fallback", "error", err)
		} else {
			defer producer.Close()
			publisher = producer
			boot.Info("rabbitmq producer connected", "exchange", cfg.SettlementExchange)
		}
	}

	policy := retry.Policy{Attempts: cfg.RetryAttempts, BaseDelay: cfg.RetryBaseDelay()}
	httpClient := &http.Client{Timeout: cfg.HTTPTimeout()}

	var (
		directory    app.BankDirectory
		bankResolver keydir.BankResolver
	)
	if cfg.CentralBankURL != "" {
		client := directoryclient.NewClient(cfg.CentralBankURL, cfg.CentralBankAPIKey, sharedCache,
			directoryclient.WithHTTPClient(httpClient),
			directoryclient.WithRetryPolicy(policy),
			directoryclient.WithCacheTTL(cfg.CacheTTL()),
			directoryclient.WithLogger(logger),
		)
		directory = client
		bankResolver = client
	} else {
		boot.Warn("central bank url missing; outgoing transfers and incoming verification disabled", "env", "CENTRAL_BANK_URL")
	}

	signingKey, err := keydir.LoadPrivateKey(cfg.PrivateKeyPath, cfg.KeyPassphrase)
	if err != nil {
		boot.Error("signing key load failed", "path", cfg.PrivateKeyPath, "error", err)
		os.Exit(1)
	}
	if err := keydir.CheckPublicKeyFile(cfg.PublicKeyPath, signingKey); err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			boot.Error("public key check failed", "path", cfg.PublicKeyPath, "error", err)
			os.Exit(1)
		}
		boot.Warn("public key file missing; serving the key set derived from the signing key", "path", cfg.PublicKeyPath)
	}
	keys, err := keydir.New(cfg.BankPrefix, cfg.SigningKeyID, signingKey, bankResolver, sharedCache,
		keydir.WithCacheTTL(cfg.CacheTTL()),
		keydir.WithLogger(logger),
	)
	if err != nil {
		boot.Error("key directory init failed", "error", err)
		os.Exit(1)
	}

	peers := peerclient.NewClient(
		peerclient.WithHTTPClient(httpClient),
		peerclient.WithRetryPolicy(policy),
		peerclient.WithLogger(logger),
	)

	settlementService := app.NewService(app.Dependencies{
		Repo:      repository,
		Keys:      keys,
		Directory: directory,
		Peers:     peers,
		Publisher: publisher,
		Logger:    logger,
		Settings: app.Settings{
			BankName:    cfg.BankName,
			BaseURL:     cfg.BaseURL,
			JWKSURL:     cfg.JWKSURL(),
			EnvelopeTTL: cfg.EnvelopeTTL(),
		},
	})

	if directory != nil {
		go func() {
			regCtx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
			defer cancel()
			if _, err := settlementService.RegisterWithDirectory(regCtx); err != nil {
				boot.Warn("central bank registration failed; continuing", "error", err)
			}
		}()
	}

	reconciler := app.NewReconciler(settlementService, cfg.ReconcileGrace(), cfg.ReconcileBatchSize)
	jobs := scheduler.NewScheduler(reconciler, cfg.ReconcileSchedule, logger.With("component", "scheduler"))
	if err := jobs.Start(); err != nil {
		boot.Warn("reconciliation scheduler disabled", "error", err)
	}

	handlerOpts := []api.HandlerOption{api.WithLogger(logger)}
	if cfg.B2BRateLimitPerMinute > 0 {
		var limiter app.PeerLimiter = app.NewMemoryPeerLimiter(cfg.B2BRateLimitPerMinute, time.Minute)
		if redisClient != nil {
			limiter = app.NewRedisPeerLimiter(redisClient, cfg.RedisKeyPrefix, cfg.B2BRateLimitPerMinute, time.Minute)
		}
		handlerOpts = append(handlerOpts, api.WithPeerLimiter(limiter))
	}
	handlers := api.NewSettlementHandlers(settlementService, handlerOpts...)
	if strings.TrimSpace(cfg.SessionJWTSecret) == "" {
		boot.Warn("session secret missing; customer routes will reject every request", "env", "SESSION_JWT_SECRET")
	}
	router := api.NewRouter(handlers, api.RouterConfig{
		SessionSecret:  cfg.SessionJWTSecret,
		AllowedOrigins: cfg.AllowedOrigins(),
		Logger:         logger,
	})

	serverAddr := fmt.Sprintf(":%s", cfg.ServerPort)
	server := &http.Server{
		Addr:              serverAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("server listening", "component", "http", "addr", serverAddr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server stopped unexpectedly", "component", "http", "error", err)
			os.Exit(1)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	logger.Info("shutdown started", "component", "http")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown failed", "component", "http", "error", err)
	}
	<-jobs.Stop().Done()

	logger.Info("shutdown complete", "component", "http")
}

// openRepository connects to PostgreSQL when DATABASE_URL is set and falls back to the
// in-memory ledger otherwise.
func openRepository(ctx context.Context, cfg config.Config, logger *slog.Logger) (store.Repository, func(), error) {
	if strings.TrimSpace(cfg.DatabaseURL) == "" {
		logger.Warn("database url missing; using in-memory ledger", "env", "DATABASE_URL")
		return store.NewMemoryRepository(), func() {}, nil
	}

	poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("parse database url: %w", err)
	}
	poolConfig.MaxConns = 50
	poolConfig.MinConns = 5
	poolConfig.MaxConnLifetime = 30 * time.Minute
	poolConfig.MaxConnIdleTime = 5 * time.Minute
	// Disable prepared statement caching to prevent conflicts
	poolConfig.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol

	dbpool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, nil, fmt.Errorf("connect database: %w", err)
	}
	repository := store.NewPostgresRepository(dbpool)
	migrateCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := repository.Migrate(migrateCtx); err != nil {
		dbpool.Close()
		return nil, nil, fmt.Errorf("migrate schema: %w", err)
	}
	logger.Info("database connected")
	return repository, dbpool.Close, nil
}

// connectRedis returns nil when Redis is not configured or not reachable.
func connectRedis(ctx context.Context, cfg config.Config, logger *slog.Logger) *redis.Client {
	if cfg.RedisURL == "" {
		logger.Warn("redis url missing; using process-local cache and b2b rate limiting", "env", "REDIS_URL")
		return nil
	}
	redisOptions, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		logger.Warn("redis url parse failed; using process-local cache", "error", err)
		return nil
	}
	client := redis.NewClient(redisOptions)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		logger.Warn("redis ping failed; using process-local cache", "error", err)
		client.Close()
		return nil
	}
	logger.Info("redis connected")
	return client
}
