package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/austinbrady/Assist-sub001/internal/backend"
	"github.com/austinbrady/Assist-sub001/internal/config"
	"github.com/austinbrady/Assist-sub001/internal/connection"
	"github.com/austinbrady/Assist-sub001/internal/dispatch"
	"github.com/austinbrady/Assist-sub001/internal/logging"
	"github.com/austinbrady/Assist-sub001/internal/probe"
	"github.com/austinbrady/Assist-sub001/internal/router"
	"github.com/austinbrady/Assist-sub001/internal/server"
	"github.com/austinbrady/Assist-sub001/internal/storage"
)

// app is the wired process: one store, one manager, one router.
type app struct {
	cfg        *config.Config
	store      storage.Store
	settings   *storage.Settings
	manager    *connection.Manager
	dispatcher *dispatch.Dispatcher
	router     *router.Router
	logger     *slog.Logger
}

func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	logger := logging.WithComponent("main")

	store, err := storage.Open(ctx, cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", cfg.Storage.Driver, err)
	}
	settings := storage.NewSettings(store)

	defaults := backend.Candidates{
		LocalURL: cfg.Backends.LocalURL,
		CloudURL: cfg.Backends.CloudURL,
	}

	prober := probe.NewProber(cfg.Health.Path, &http.Client{}, logging.WithComponent("probe"))
	manager := connection.NewManager(prober, defaults, connection.Options{
		ProbeTimeout: cfg.Health.GetProbeTimeout(),
		StaleAfter:   cfg.Health.GetStaleAfter(),
		Logger:       logging.WithComponent("connection"),
	})

	disp := dispatch.New(manager, settings, dispatch.Options{
		Timeout:   cfg.Dispatch.GetTimeout(),
		UserAgent: cfg.Dispatch.UserAgent,
		Logger:    logging.WithComponent("dispatch"),
	})

	r := router.New(manager, disp, settings, router.Options{
		Defaults: defaults,
		Interval: cfg.Health.GetInterval(),
		Logger:   logging.WithComponent("router"),
	})

	if err := r.Bootstrap(ctx); err != nil {
		// Fall back to configured defaults rather than refusing to start.
		logger.Warn("Failed to load stored api config", "error", err)
	}

	return &app{
		cfg:        cfg,
		store:      store,
		settings:   settings,
		manager:    manager,
		dispatcher: disp,
		router:     r,
		logger:     logger,
	}, nil
}

func (a *app) server() *server.Server {
	return server.New(&a.cfg.Server, a.router, a.manager, logging.WithComponent("server"))
}

// close drains pending replies, then stops the manager and the store.
func (a *app) close(ctx context.Context) {
	if err := a.router.Drain(ctx); err != nil {
		a.logger.Warn("Pending requests abandoned", "error", err)
	}
	if err := a.manager.Close(); err != nil {
		a.logger.Warn("Failed to close connection manager", "error", err)
	}
	if err := a.store.Close(); err != nil {
		a.logger.Warn("Failed to close store", "error", err)
	}
}
