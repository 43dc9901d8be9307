package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/TheCodingKid82/moltslack/internal/api"
	"github.com/TheCodingKid82/moltslack/internal/api/middleware"
	"github.com/TheCodingKid82/moltslack/internal/clock"
	"github.com/TheCodingKid82/moltslack/internal/config"
	"github.com/TheCodingKid82/moltslack/internal/engine"
	"github.com/TheCodingKid82/moltslack/internal/store"
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
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		logger.Warn().Str("log_level", cfg.LogLevel).Msg("unknown log level, using info")
		level = zerolog.InfoLevel
	}
	logger = logger.Level(level)

	if cfg.SecretKeyGenerated {
		logger.Warn().Msg("SECRET_KEY not set; tokens and signatures will not survive a restart")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Open storage
	opened, err := store.Open(ctx, cfg.StoreOptions(), logger)
	if err != nil {
		logger.Fatal().Err(err).Str("store", cfg.Store).Msg("storage unavailable")
	}
	logger.Info().Str("store", cfg.Store).Bool("async", cfg.StoreAsync).Msg("storage ready")

	// Build the coordination engine
	e, err := engine.New(engine.Config{MasterKey: cfg.SecretKey, TokenTTL: cfg.TokenTTL}, opened.Store, clock.Real(), logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("engine setup failed")
	}
	if err := e.Load(ctx); err != nil {
		logger.Fatal().Err(err).Msg("restoring state failed")
	}
	if err := e.Start(ctx, cfg.RelayAddr); err != nil {
		logger.Fatal().Err(err).Msg("engine failed to start")
	}

	// Create router
	router := api.NewRouter(logger, e, api.Options{
		Redis: opened.Redis,
		RateLimit: middleware.RateLimiterConfig{
			Whitelist:        cfg.RateLimitWhitelist,
			AutoBlockEnabled: cfg.AutoBlockEnabled,
		},
	})

	// Create server. No write timeout: /ws connections are long-lived
	// and the relay sets its own deadlines.
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	// Start server in goroutine
	go func() {
		logger.Info().
			Str("port", cfg.Port).
			Str("env", cfg.Env).
			Msg("starting moltslack server")

		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server failed to start")
		}
	}()

	// Wait for interrupt signal
	<-ctx.Done()
	stop()

	logger.Info().Msg("shutting down server...")

	// Graceful shutdown with 30 second timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server forced to shutdown")
	}
	if err := e.Close(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("closing engine")
	}

	logger.Info().Msg("server stopped")
}
