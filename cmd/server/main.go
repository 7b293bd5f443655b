package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/handoff-protocol/handoff/internal/api"
	"github.com/handoff-protocol/handoff/internal/config"
	"github.com/handoff-protocol/handoff/internal/hub"
	"github.com/handoff-protocol/handoff/internal/responder"
	"github.com/handoff-protocol/handoff/internal/store"
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

	ctx := context.Background()

	// Initialize the message store: PostgreSQL when configured, SQLite
	// otherwise
	var st store.MessageStore
	if cfg.DatabaseURL != "" {
		pg, err := store.NewPostgresStore(ctx, cfg.DatabaseURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("postgres connection failed")
		}
		st = pg
		logger.Info().Msg("connected to PostgreSQL")
	} else {
		lite, err := store.NewSQLiteStore(ctx, cfg.SQLitePath)
		if err != nil {
			logger.Fatal().Err(err).Msg("sqlite open failed")
		}
		st = lite
		logger.Info().Str("path", cfg.SQLitePath).Msg("using SQLite store")
	}
	defer st.Close()

	// Initialize the Redis hot cache
	var cache *store.RedisCache
	if cfg.RedisURL != "" {
		var err error
		cache, err = store.NewRedisCache(ctx, cfg.RedisURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("redis connection failed")
		}
		defer cache.Close()
		logger.Info().Msg("connected to Redis")
	}

	// Initialize the AI responder
	var ai responder.Responder
	if cfg.OpenAIKey != "" {
		var err error
		ai, err = responder.NewOpenAI(cfg.OpenAIKey, cfg.ResponderModel, logger)
		if err != nil {
			logger.Fatal().Err(err).Msg("responder init failed")
		}
		logger.Info().Str("model", cfg.ResponderModel).Msg("AI responder enabled")
	} else if cfg.IsDevelopment() {
		ai = responder.NewScripted()
		logger.Info().Msg("scripted responder enabled (no OPENAI_API_KEY)")
	}

	// Create the relay hub
	relay := hub.New(logger, st, cache, ai, hub.Options{
		HistoryLimit:     cfg.HistoryLimit,
		HistoryLimitMax:  cfg.HistoryLimitMax,
		SendBuffer:       cfg.SendBuffer,
		WriteTimeout:     cfg.WriteTimeout,
		PingInterval:     cfg.PingInterval,
		PongTimeout:      cfg.PongTimeout,
		MaxFrameBytes:    cfg.MaxFrameBytes,
		SessionIdle:      cfg.SessionIdleExpiry,
		MessageRateLimit: cfg.MessageRateLimit,
	})

	// Create router
	router := api.NewRouter(logger, cfg, relay, st, cache)

	// Create server
	srv := &http.Server{
		Addr:        ":" + cfg.Port,
		Handler:     router,
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	// Start server in goroutine
	go func() {
		logger.Info().
			Str("port", cfg.Port).
			Str("env", cfg.Env).
			Msg("starting relay server")

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

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Fatal().Err(err).Msg("server forced to shutdown")
	}

	logger.Info().Msg("server stopped")
}
