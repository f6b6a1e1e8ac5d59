// Package bootstrap assembles the application from config: registry,
// router, usage persistence, HTTP server, and the config hot-reload watcher.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"

	"github.com/lumenchat/relay/internal/api"
	"github.com/lumenchat/relay/internal/config"
	log "github.com/lumenchat/relay/internal/logging"
	"github.com/lumenchat/relay/internal/registry"
	"github.com/lumenchat/relay/internal/relay"
	"github.com/lumenchat/relay/internal/router"
	"github.com/lumenchat/relay/internal/usage"
)

// App is the assembled service.
type App struct {
	Config   *config.Config
	Registry *registry.Registry
	Router   *router.Router
	Backend  usage.Backend
	Counters *usage.Counters
	Server   *api.Server

	watcher *config.Watcher
}

// LoadEnv loads a .env file next to the working directory if present.
func LoadEnv() {
	wd, err := os.Getwd()
	if err != nil {
		return
	}
	if err := godotenv.Load(filepath.Join(wd, ".env")); err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			log.Warnf("bootstrap: load .env: %v", err)
		}
	}
}

// New loads config from path and wires every component. Nothing is started
// yet; call Start. portOverride replaces the configured port when positive.
func New(configPath string, portOverride int) (*App, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("bootstrap: load config: %w", err)
	}
	if portOverride > 0 {
		cfg.Port = portOverride
	}

	if cfg.LogFile != "" {
		if err := log.ConfigureLogOutput(cfg.LogFile); err != nil {
			return nil, fmt.Errorf("bootstrap: configure log output: %w", err)
		}
	}

	reg := registry.New(cfg.Providers)
	reg.LogSummary()

	rtr := router.New(reg, routerOptions(cfg))

	counters := usage.NewCounters()
	backend, err := usage.NewBackend(usage.BackendConfig{
		DSN:           cfg.Usage.DSN,
		BatchSize:     cfg.Usage.BatchSize,
		FlushInterval: parseDurationOr(cfg.Usage.FlushInterval, 5*time.Second),
		RetentionDays: cfg.Usage.RetentionDays,
	})
	if err != nil {
		return nil, fmt.Errorf("bootstrap: usage backend: %w", err)
	}
	if backend != nil {
		log.Infof("bootstrap: usage persistence enabled")
		seedCounters(counters, backend)
	}

	app := &App{
		Config:   cfg,
		Registry: reg,
		Router:   rtr,
		Backend:  backend,
		Counters: counters,
	}
	app.Server = api.NewServer(api.Options{
		Config:   cfg,
		Router:   rtr,
		Registry: reg,
		Backend:  backend,
		Counters: counters,
	})

	watcher, err := config.NewWatcher(configPath, func(next *config.Config) {
		log.Infof("bootstrap: config reloaded, applying %d providers", len(next.Providers))
		reg.Apply(next.Providers)
		reg.LogSummary()
	})
	if err != nil {
		log.Warnf("bootstrap: config watcher disabled: %v", err)
	} else {
		app.watcher = watcher
	}

	return app, nil
}

func routerOptions(cfg *config.Config) router.Options {
	r := cfg.Routing
	return router.Options{
		AttemptTimeout:  r.AttemptTimeout,
		StreamTimeout:   r.StreamTimeout,
		IdleTimeout:     r.IdleTimeout,
		RetryBudgetSize: r.RetryBudget,
		Relay: relay.Policy{
			DrainOnCancel: r.DrainOnCancel,
			DrainTimeout:  r.DrainTimeout,
		},
	}
}

func parseDurationOr(raw string, fallback time.Duration) time.Duration {
	if raw == "" {
		return fallback
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		log.Warnf("bootstrap: invalid duration %q, using %v", raw, fallback)
		return fallback
	}
	return d
}

// seedCounters bootstraps the in-memory counters from today's history so a
// restart does not zero the dashboard.
func seedCounters(counters *usage.Counters, backend usage.Backend) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	since := time.Now().UTC().Truncate(24 * time.Hour)
	stats, err := backend.QueryGlobalStats(ctx, since)
	if err != nil {
		log.Warnf("bootstrap: seed counters: %v", err)
		return
	}
	counters.Bootstrap(stats.TotalRequests, stats.SuccessCount, stats.FailureCount, stats.TotalTokens)
}

// Start launches background loops and the HTTP listener. Blocks until the
// listener exits.
func (a *App) Start() error {
	a.Registry.Start()
	if a.Backend != nil {
		if err := a.Backend.Start(); err != nil {
			return fmt.Errorf("bootstrap: start usage backend: %w", err)
		}
	}
	return a.Server.Start()
}

// Stop shuts everything down in reverse order, flushing pending usage
// records.
func (a *App) Stop(ctx context.Context) {
	if err := a.Server.Shutdown(ctx); err != nil {
		log.Warnf("bootstrap: server shutdown: %v", err)
	}
	if a.watcher != nil {
		a.watcher.Stop()
	}
	a.Registry.Stop()
	if a.Backend != nil {
		if err := a.Backend.Flush(ctx); err != nil {
			log.Warnf("bootstrap: flush usage records: %v", err)
		}
		if err := a.Backend.Stop(); err != nil {
			log.Warnf("bootstrap: stop usage backend: %v", err)
		}
	}
}
