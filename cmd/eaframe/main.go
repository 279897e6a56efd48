package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"github.com/npcdata/eaframe/internal/config"
	"github.com/npcdata/eaframe/internal/httpapi"
	"github.com/npcdata/eaframe/internal/reconcile"
	"github.com/npcdata/eaframe/internal/spool"
)

func main() {
	// Optional .env for local development; real deployments set the
	// environment directly.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		fallback := zerolog.New(os.Stderr)
		fallback.Fatal().Err(err).Msg("invalid configuration")
	}
	logger := newLogger(cfg)

	store, err := reconcile.OpenStore(reconcile.StoreOptions{
		Dialect:       reconcile.Dialect(cfg.DBDriver),
		DSN:           cfg.DBDSN,
		Logger:        logger.With().Str("component", "store").Logger(),
		AuditDisabled: cfg.AuditDisabled,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open store")
	}
	defer func() { _ = store.Close() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.SpoolDir != "" {
		watcher, err := spool.NewWatcher(cfg.SpoolDir, store, logger.With().Str("component", "spool").Logger())
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to start spool watcher")
		}
		go func() {
			if err := watcher.Run(ctx); err != nil && ctx.Err() == nil {
				logger.Error().Err(err).Msg("spool watcher stopped")
			}
		}()
	}

	server := &http.Server{
		Addr: cfg.Addr,
		Handler: httpapi.NewServer(store, httpapi.ServerConfig{
			AdminSecret:  cfg.AdminSecret,
			BuildID:      cfg.BuildID,
			MaxBodyBytes: cfg.MaxBodyBytes,
			Logger:       logger.With().Str("component", "http").Logger(),
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	logger.Info().Str("addr", cfg.Addr).Str("build", cfg.BuildID).Msg("eaframe listening")
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Fatal().Err(err).Msg("server failed")
	}
	logger.Info().Msg("eaframe stopped")
}

func newLogger(cfg config.Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	var logger zerolog.Logger
	if cfg.LogFormat == "console" {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr})
	} else {
		logger = zerolog.New(os.Stderr)
	}
	return logger.Level(level).With().Timestamp().Logger()
}
