package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hiroki-koketsu/planner/internal/auth"
	"github.com/hiroki-koketsu/planner/internal/config"
	"github.com/hiroki-koketsu/planner/internal/handler"
	"github.com/hiroki-koketsu/planner/internal/ratelimit"
	"github.com/hiroki-koketsu/planner/internal/repository"
	"github.com/hiroki-koketsu/planner/internal/telemetry"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
)

const blacklistPurgeInterval = time.Hour

func main() {
	// Create a basic logger for startup (before OTel is initialized)
	startupLogger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	cfg, err := config.Load()
	if err != nil {
		startupLogger.Error("failed to load configuration", slog.Any("error", err))
		os.Exit(1)
	}

	startupLogger.Info("starting application",
		slog.String("service", cfg.ServiceName),
		slog.String("environment", cfg.Environment),
		slog.String("port", cfg.ServerPort),
		slog.String("exporter", cfg.Exporter),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Initialize OpenTelemetry tracer, meter and logger providers
	providers, err := telemetry.Setup(ctx, telemetry.Config{
		ServiceName:  cfg.ServiceName,
		Environment:  cfg.Environment,
		OTLPEndpoint: cfg.OTLPEndpoint,
		Exporter:     cfg.Exporter,
	})
	if err != nil {
		startupLogger.Error("failed to initialize telemetry", slog.Any("error", err))
		os.Exit(1)
	}
	logger := providers.Logger

	exitCode := 0
	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("server error", slog.Any("error", err))
		exitCode = 1
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := providers.Shutdown(shutdownCtx); err != nil {
		startupLogger.Error("failed to shutdown telemetry providers", slog.Any("error", err))
	}

	if exitCode != 0 {
		os.Exit(exitCode)
	}
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	db, err := repository.Open(ctx, cfg.Database, logger)
	if err != nil {
		return err
	}
	defer repository.Close(db)

	pingers := map[string]handler.Pinger{
		"database": func(ctx context.Context) error { return repository.Ping(ctx, db) },
	}

	redisClient, err := connectRedis(ctx, cfg, logger)
	if err != nil {
		return err
	}
	if redisClient != nil {
		defer redisClient.Close()
		pingers["redis"] = func(ctx context.Context) error { return redisClient.Ping(ctx).Err() }
	}

	var blacklist auth.Blacklist
	if cfg.Auth.BlacklistBackend == "redis" {
		blacklist = repository.NewRedisBlacklist(redisClient, "planner:blacklist:")
	} else {
		dbBlacklist := repository.NewTokenBlacklistRepository(db)
		go purgeBlacklist(ctx, dbBlacklist, logger)
		blacklist = dbBlacklist
	}

	// Initialize repositories and services
	taskRepo := repository.NewTaskRepository(db, repository.WithLocation(cfg.Location()))
	authService := auth.NewService(
		repository.NewUserRepository(db),
		blacklist,
		auth.NewPasswordHasher(auth.DefaultBcryptCost),
		auth.NewTokenManager(auth.TokenConfig{
			SecretKey:       cfg.Auth.JWTSecret,
			Issuer:          cfg.Auth.Issuer,
			AccessTokenTTL:  cfg.Auth.AccessTokenTTL,
			RefreshTokenTTL: cfg.Auth.RefreshTokenTTL,
		}),
	)

	// Create metrics instruments
	meter := otel.Meter(cfg.ServiceName)
	metrics, err := telemetry.NewMetrics(meter, taskRepo.Count)
	if err != nil {
		return fmt.Errorf("failed to create metrics: %w", err)
	}

	throttles, err := newThrottles(cfg.RateLimit, redisClient, logger, metrics)
	if err != nil {
		return err
	}

	router := handler.NewRouter(handler.RouterConfig{
		Tasks:         handler.NewTaskHandler(taskRepo, logger),
		Auth:          handler.NewAuthHandler(authService, logger, metrics),
		Authenticator: handler.NewAuthenticator(authService, logger),
		Throttles:     throttles,
		Metrics:       metrics,
		Health:        handler.Health(logger, pingers),

		TrustProxyHeaders: cfg.TrustProxyHeaders,
	})

	// Wrap router with OpenTelemetry HTTP instrumentation
	otelHandler := otelhttp.NewHandler(router, "http-server",
		otelhttp.WithFilter(func(r *http.Request) bool {
			// Skip tracing for health checks
			return r.URL.Path != "/health"
		}),
	)

	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      otelHandler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("server listening", slog.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	// Wait for interrupt signal for graceful shutdown
	select {
	case err := <-serverErr:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", slog.Any("error", err))
	}

	logger.Info("server stopped")
	return nil
}

// connectRedis dials Redis when the blacklist or the rate limiter is
// configured to use it. The blacklist cannot run without Redis. A rate
// limiter alone falls back to memory and cfg is updated to match.
func connectRedis(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*redis.Client, error) {
	forBlacklist := cfg.Auth.BlacklistBackend == "redis"
	forRateLimit := cfg.RateLimit.Enabled && cfg.RateLimit.Backend == "redis"
	if !forBlacklist && !forRateLimit {
		return nil, nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Redis.Addr,
		Password:     cfg.Redis.Password,
		DB:           cfg.Redis.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     10,
	})

	err := client.Ping(ctx).Err()
	if err == nil {
		return client, nil
	}
	_ = client.Close()

	if forBlacklist {
		return nil, fmt.Errorf("failed to connect to Redis at %s: %w", cfg.Redis.Addr, err)
	}

	logger.WarnContext(ctx, "redis unavailable, rate limiting falls back to memory",
		slog.String("addr", cfg.Redis.Addr),
		slog.Any("error", err),
	)
	cfg.RateLimit.Backend = "memory"
	return nil, nil
}

func newThrottles(cfg config.RateLimitConfig, client *redis.Client, logger *slog.Logger, metrics *telemetry.Metrics) (handler.Throttles, error) {
	if !cfg.Enabled {
		return handler.Throttles{}, nil
	}

	anonRate, err := ratelimit.ParseRate(cfg.AnonRate)
	if err != nil {
		return handler.Throttles{}, err
	}
	userRate, err := ratelimit.ParseRate(cfg.UserRate)
	if err != nil {
		return handler.Throttles{}, err
	}

	newLimiter := func(r ratelimit.Rate) ratelimit.Limiter {
		if cfg.Backend == "redis" {
			return ratelimit.NewRedisLimiter(client, r, "planner:ratelimit:")
		}
		return ratelimit.NewMemoryLimiter(r)
	}
	opts := []ratelimit.Option{
		ratelimit.WithLogger(logger),
		ratelimit.WithRejectionCounter(metrics.RateLimited),
	}

	anon := ratelimit.NewMiddleware(ratelimit.ScopeAnon, newLimiter(anonRate), ratelimit.ByIP, opts...)
	user := ratelimit.NewMiddleware(ratelimit.ScopeUser, newLimiter(userRate), handler.UserKey, opts...)

	logger.Info("rate limiting enabled",
		slog.String("backend", cfg.Backend),
		slog.String("anon", anonRate.String()),
		slog.String("user", userRate.String()),
	)

	return handler.Throttles{Anon: anon.Handler, User: user.Handler}, nil
}

func purgeBlacklist(ctx context.Context, repo *repository.TokenBlacklistRepository, logger *slog.Logger) {
	ticker := time.NewTicker(blacklistPurgeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			n, err := repo.PurgeExpired(ctx, now)
			if err != nil {
				logger.WarnContext(ctx, "failed to purge token blacklist", slog.Any("error", err))
				continue
			}
			if n > 0 {
				logger.InfoContext(ctx, "purged expired blacklist entries", slog.Int64("count", n))
			}
		}
	}
}
