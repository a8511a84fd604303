// Package app assembles the chat service from configuration: the durable
// store, the connection registry, routers, the persistence pipeline, the
// history cache, presence and the HTTP surface.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/Tyrowin/realmchat/internal/auth"
	"github.com/Tyrowin/realmchat/internal/config"
	"github.com/Tyrowin/realmchat/internal/directory"
	"github.com/Tyrowin/realmchat/internal/history"
	"github.com/Tyrowin/realmchat/internal/persist"
	"github.com/Tyrowin/realmchat/internal/presence"
	"github.com/Tyrowin/realmchat/internal/registry"
	"github.com/Tyrowin/realmchat/internal/router"
	"github.com/Tyrowin/realmchat/internal/server"
	"github.com/Tyrowin/realmchat/internal/store"
)

// App owns every long-running component of the service.
type App struct {
	cfg *config.Config
	log zerolog.Logger

	store     store.Store
	registry  *registry.Registry
	directory *directory.Directory
	pipeline  *persist.Pipeline
	notifier  *presence.Notifier
	hub       *server.Hub
	handler   http.Handler
	http      *http.Server

	stopPresence context.CancelFunc
	started      atomic.Bool
	startOnce    sync.Once
	stopOnce     sync.Once
	stopErr      error
}

// New wires the service around st. The identity directory is loaded from st
// before New returns. The App takes ownership of st and closes it on Shutdown.
func New(ctx context.Context, cfg *config.Config, st store.Store, log zerolog.Logger) (*App, error) {
	verifier, err := auth.NewVerifier(cfg.JWTSecret)
	if err != nil {
		return nil, fmt.Errorf("auth: %w", err)
	}

	dir := directory.New(st, log)
	if err := dir.Load(ctx); err != nil {
		return nil, fmt.Errorf("load identities: %w", err)
	}

	reg := registry.New(log)
	notifier := presence.New(st, reg, log)
	reg.Observe(notifier)

	cache := history.New(st, log,
		history.WithTTL(cfg.History.TTL),
		history.WithDepth(cfg.History.Depth),
	)
	pipeline := persist.New(st, cache, log,
		persist.WithBatchSize(cfg.Pipeline.BatchSize),
		persist.WithBatchDelay(cfg.Pipeline.BatchDelay),
	)

	channels := router.NewChannels(reg, cache, pipeline, log, router.WithHistoryLimit(cfg.History.Depth))
	whispers := router.NewWhispers(reg, dir, pipeline, log)
	hub := server.NewHub(reg, channels, whispers, log)

	handler := server.NewHandler(server.HandlerOptions{
		Hub:       hub,
		Verifier:  verifier,
		Directory: dir,
		Health:    st,
		Settings: server.ClientSettings{
			MaxMessageSize: cfg.MaxMessageSize,
			RateLimit:      cfg.RateLimit,
		},
		AllowedOrigins: cfg.AllowedOrigins,
		Logger:         log,
	})
	mux := server.SetupRoutes(handler, log)

	return &App{
		cfg:       cfg,
		log:       log.With().Str("component", "app").Logger(),
		store:     st,
		registry:  reg,
		directory: dir,
		pipeline:  pipeline,
		notifier:  notifier,
		hub:       hub,
		handler:   mux,
		http:      server.CreateServer(cfg.Port, mux),
	}, nil
}

// Handler returns the HTTP handler serving every route.
func (a *App) Handler() http.Handler {
	return a.handler
}

// Start launches the hub, the persistence writer and the presence worker.
func (a *App) Start() {
	a.startOnce.Do(func() {
		ctx, cancel := context.WithCancel(context.Background())
		a.stopPresence = cancel
		a.started.Store(true)
		go a.notifier.Run(ctx)
		go a.pipeline.Run()
		go a.hub.Run()
		a.log.Info().
			Str("env", a.cfg.Env).
			Str("store", a.cfg.Store.Driver).
			Int("identities", a.directory.Len()).
			Msg("chat service started")
	})
}

// ListenAndServe starts the components and serves HTTP on the configured
// port until Shutdown.
func (a *App) ListenAndServe() error {
	a.Start()
	return server.StartServer(a.http, a.log)
}

// Shutdown stops accepting connections, closes every client with a notice,
// lets presence settle, flushes pending writes and closes the store. It is
// safe to call more than once.
func (a *App) Shutdown(ctx context.Context) error {
	a.stopOnce.Do(func() {
		a.stopErr = a.shutdown(ctx)
	})
	return a.stopErr
}

func (a *App) shutdown(ctx context.Context) error {
	var errs []error

	if err := server.ShutdownServer(ctx, a.http, a.log); err != nil {
		errs = append(errs, fmt.Errorf("http: %w", err))
	}

	if a.started.Load() {
		if err := a.hub.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("hub: %w", err))
		}

		a.stopPresence()
		select {
		case <-a.notifier.Done():
		case <-ctx.Done():
			errs = append(errs, fmt.Errorf("presence: %w", ctx.Err()))
		}

		if err := a.pipeline.Drain(ctx); err != nil {
			errs = append(errs, err)
		}
		a.pipeline.Close()
		stats := a.pipeline.Stats()
		a.log.Info().
			Int64("persisted", stats.Persisted).
			Int64("dropped", stats.Dropped).
			Msg("persistence pipeline closed")
	}

	if err := a.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("store: %w", err))
	}

	a.log.Info().Msg("chat service stopped")
	return errors.Join(errs...)
}
