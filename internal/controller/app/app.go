// Package app assembles the controller: store, container runtime, lifecycle
// manager, forwarder, reaper and HTTP API.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/agentdock/agentdock/internal/controller/api"
	"github.com/agentdock/agentdock/internal/controller/forward"
	"github.com/agentdock/agentdock/internal/controller/lifecycle"
	"github.com/agentdock/agentdock/internal/controller/profile"
	"github.com/agentdock/agentdock/internal/controller/reaper"
	"github.com/agentdock/agentdock/internal/controller/router"
	"github.com/agentdock/agentdock/internal/controller/runtime"
	"github.com/agentdock/agentdock/internal/controller/runtime/docker"
	"github.com/agentdock/agentdock/internal/controller/store"
)

// Config holds application configuration.
type Config struct {
	// DatabasePath is the SQLite database file.
	DatabasePath string
	// HTTPAddr is the TCP address for the REST API (e.g. ":8080").
	HTTPAddr string
	// ServiceSecret guards the REST API. Empty disables auth (dev/test mode).
	ServiceSecret string
	// MasterKey encrypts session credentials at rest. Nil disables
	// credential storage.
	MasterKey []byte
	// DockerNetwork is the shared agent network name. Empty uses the default.
	DockerNetwork string
	// AgentImage is the container image used when no profile catalog is
	// configured.
	AgentImage string
	// ProfilesPath points at an optional YAML profile catalog.
	ProfilesPath string
	// AutoProvision makes a chat send bring up a missing container instead of
	// failing.
	AutoProvision bool
	// IdleTimeout and SweepInterval tune the reaper. Zero values take its
	// defaults.
	IdleTimeout   time.Duration
	SweepInterval time.Duration
	// Runtime overrides the container runtime (tests). Nil uses Docker.
	Runtime runtime.Runtime
}

// App is the assembled controller.
type App struct {
	config    *Config
	store     *store.Store
	runtime   runtime.Runtime
	manager   *lifecycle.Manager
	forwarder *forward.Forwarder
	reaper    *reaper.Reaper
	apiServer *api.Server
}

// New creates the controller application.
func New(config *Config) (*App, error) {
	slog.Info("opening database", "path", config.DatabasePath)
	st, err := store.New(config.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	rt := config.Runtime
	if rt == nil {
		networkName := config.DockerNetwork
		if networkName == "" {
			networkName = runtime.DefaultNetwork
		}
		adapter, err := docker.NewWithNetwork(networkName)
		if err != nil {
			st.Close()
			return nil, fmt.Errorf("failed to initialize Docker runtime: %w", err)
		}
		if netErr := adapter.EnsureNetwork(context.Background()); netErr != nil {
			slog.Warn("could not ensure Docker network; provisioning may fail",
				"network", networkName, "err", netErr)
		}
		rt = adapter
	}

	var profiles *profile.Catalog
	if config.ProfilesPath != "" {
		profiles, err = profile.Load(config.ProfilesPath)
		if err != nil {
			st.Close()
			return nil, fmt.Errorf("failed to load profile catalog: %w", err)
		}
		slog.Info("profile catalog loaded", "path", config.ProfilesPath, "profiles", profiles.Names())
	} else {
		profiles = profile.DefaultCatalog(config.AgentImage)
	}

	manager := lifecycle.New(lifecycle.Config{
		Store:     st,
		Runtime:   rt,
		Profiles:  profiles,
		MasterKey: config.MasterKey,
	})

	forwarder := forward.New(forward.Config{
		Store:         st,
		Router:        router.New(st),
		Manager:       manager,
		AutoProvision: config.AutoProvision,
	})

	rp := reaper.New(st, manager, rt, slog.Default(), reaper.Config{
		IdleTimeout:   config.IdleTimeout,
		SweepInterval: config.SweepInterval,
	})

	apiServer := api.NewServer(api.Config{
		Addr:          config.HTTPAddr,
		Store:         st,
		Manager:       manager,
		Forwarder:     forwarder,
		Profiles:      profiles,
		MasterKey:     config.MasterKey,
		ServiceSecret: config.ServiceSecret,
	})

	return &App{
		config:    config,
		store:     st,
		runtime:   rt,
		manager:   manager,
		forwarder: forwarder,
		reaper:    rp,
		apiServer: apiServer,
	}, nil
}

// Run starts the API server and the reaper and blocks until SIGINT/SIGTERM.
func (a *App) Run() error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := a.apiServer.Start(ctx); err != nil {
		return err
	}

	go a.reaper.Run(ctx)

	slog.Info("agentdock controller running", "addr", a.config.HTTPAddr)
	<-ctx.Done()
	slog.Info("shutdown signal received")
	return nil
}

// Stop releases resources.
func (a *App) Stop() {
	if a.apiServer != nil {
		a.apiServer.Stop()
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			slog.Warn("error closing database", "err", err)
		}
	}
}
