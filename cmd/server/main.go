package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"kasirinaja/settlement/internal/cache"
	"kasirinaja/settlement/internal/config"
	"kasirinaja/settlement/internal/httpapi"
	"kasirinaja/settlement/internal/logging"
	"kasirinaja/settlement/internal/numbering"
	"kasirinaja/settlement/internal/service"
	"kasirinaja/settlement/internal/settlement"
	"kasirinaja/settlement/internal/store"
	"kasirinaja/settlement/internal/store/memory"
	pgstore "kasirinaja/settlement/internal/store/postgres"
)

type app struct {
	handler http.Handler
	closers []func() error
}

func main() {
	cfg := config.Load()
	logger := logging.New(logging.Config{Env: cfg.Env, Level: cfg.LogLevel})

	if err := validateSecurityConfig(cfg); err != nil {
		logger.Fatal().Err(err).Msg("invalid security configuration")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	application, err := build(ctx, cfg, logger)
	cancel()
	if err != nil {
		logger.Fatal().Err(err).Msg("startup failed")
	}

	server := &http.Server{
		Addr:              cfg.Address(),
		Handler:           application.handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		logger.Info().Str("addr", cfg.Address()).Msg("settlement service listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 8*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("shutdown error")
	}
	for _, closeFn := range application.closers {
		if err := closeFn(); err != nil {
			logger.Error().Err(err).Msg("close error")
		}
	}
	logger.Info().Msg("server stopped")
}

// build wires storage, cache, numbering, engine, service and HTTP layer.
func build(ctx context.Context, cfg config.Config, logger zerolog.Logger) (*app, error) {
	var repo store.Repository
	closers := make([]func() error, 0, 2)

	if cfg.DatabaseURL != "" {
		pg, err := pgstore.Open(ctx, cfg.DatabaseURL, cfg.LockTimeout())
		if err != nil {
			return nil, fmt.Errorf("postgres unavailable and DATABASE_URL is set, refusing in-memory fallback: %w", err)
		}
		repo = pg
		closers = append(closers, func() error { pg.Close(); return nil })
		logger.Info().Str("repository", "postgres").Msg("storage ready")
	} else {
		repo = memory.NewSeeded(memory.WithLockTimeout(cfg.LockTimeout()))
		logger.Info().Str("repository", "memory").Msg("storage ready")
	}

	var settlementCache cache.SettlementCache = cache.NoopSettlementCache{}
	var numbers numbering.Generator = numbering.NewRandomGenerator(cfg.NumberPrefix)
	if cfg.RedisAddr != "" {
		redisCache := cache.NewRedisSettlementCache(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err := redisCache.Ping(ctx); err != nil {
			logger.Warn().Err(err).Msg("redis unavailable, using noop cache and random numbering")
			_ = redisCache.Close()
		} else {
			settlementCache = redisCache
			numbers = numbering.NewRedisSequenceGenerator(redisCache.Client(), cfg.NumberPrefix)
			closers = append(closers, redisCache.Close)
			logger.Info().Str("cache", "redis").Msg("cache ready")
		}
	}

	engine := settlement.NewEngine(repo, numbers, settlement.Options{
		MaxNumberAttempts:   cfg.MaxNumberAttempts,
		RequireConfirmation: cfg.RequireConfirmation,
	}, logger)
	svc := service.New(repo, engine, settlementCache, service.Config{
		DefaultCompanyID: cfg.DefaultCompanyID,
		DefaultTaxRate:   cfg.DefaultTaxRate,
		IdempotencyTTL:   cfg.IdempotencyTTL(),
	}, logger)
	auth := httpapi.NewAuthManager(cfg.AuthSecret, cfg.AccessTokenTTL(), repo, logger)
	api := httpapi.New(svc, auth, httpapi.Options{
		AllowedOrigin:      cfg.AllowedOrigin,
		LoginRatePerMinute: cfg.LoginRatePerMinute,
	}, logger)

	return &app{handler: api.Handler(), closers: closers}, nil
}

func validateSecurityConfig(cfg config.Config) error {
	if len(cfg.AuthSecret) < 32 {
		return fmt.Errorf("AUTH_SECRET must be set and at least 32 characters")
	}
	if cfg.IsProduction() {
		if cfg.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required in production")
		}
		if cfg.AllowedOrigin == "*" {
			return fmt.Errorf("ALLOWED_ORIGIN must not be a wildcard in production")
		}
	}
	return nil
}
