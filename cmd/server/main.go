package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"

	"github.com/Tyrowin/realmchat/internal/app"
	"github.com/Tyrowin/realmchat/internal/config"
	"github.com/Tyrowin/realmchat/internal/logging"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		bootLogger := zerolog.New(os.Stderr).With().Timestamp().Logger()
		bootLogger.Fatal().Err(err).Msg("configuration rejected")
	}

	logger := logging.New(cfg.Env, cfg.LogLevel, os.Stdout)

	ctx := context.Background()

	st, err := app.OpenStore(ctx, cfg.Store, logger)
	if err != nil {
		logger.Fatal().Err(err).Str("driver", cfg.Store.Driver).Msg("store unavailable")
	}
	logger.Info().Str("driver", cfg.Store.Driver).Msg("store opened")

	service, err := app.New(ctx, cfg, st, logger)
	if err != nil {
		_ = st.Close()
		logger.Fatal().Err(err).Msg("service setup failed")
	}

	// Start server in goroutine
	serveErr := make(chan error, 1)
	go func() {
		logger.Info().
			Str("port", cfg.Port).
			Str("env", cfg.Env).
			Msg("starting realm chat server")
		serveErr <- service.ListenAndServe()
	}()

	// Wait for interrupt signal or a listener failure
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-quit:
		logger.Info().Str("signal", sig.String()).Msg("shutting down server...")
	case err := <-serveErr:
		if err != nil {
			logger.Error().Err(err).Msg("server failed")
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := service.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("shutdown incomplete")
		cancel()
		os.Exit(1)
	}

	logger.Info().Msg("server stopped")
}
