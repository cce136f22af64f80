// Package app wires a workspace into running components: store, config,
// engine, ingress pipeline, audit relay and sweeper.
package app

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/spf13/viper"

	"switchboard/internal/config"
	"switchboard/internal/db"
	"switchboard/internal/engine"
	"switchboard/internal/ingress"
	"switchboard/internal/metrics"
	"switchboard/internal/migrate"
	"switchboard/internal/relay"
	"switchboard/internal/sweep"
)

type Options struct {
	Workspace string
	// Env overlays SWITCHBOARD_* values on the file config. Nil skips the overlay.
	Env     *viper.Viper
	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// Workspace is an opened store with its resolved config.
type Workspace struct {
	DB      *sql.DB
	Config  *config.Config
	Engine  engine.Engine
	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// Open ensures the workspace exists, applies migrations, resolves config
// (switchboard.yml when present, defaults otherwise, then the env overlay)
// and seeds configured agents.
func Open(ctx context.Context, opts Options) (*Workspace, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	cfg, err := config.LoadOptional(opts.Workspace)
	if err != nil {
		return nil, err
	}
	cfg.ApplyEnv(opts.Env)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if _, err := db.EnsureWorkspace(opts.Workspace); err != nil {
		return nil, err
	}
	conn, err := db.Open(db.Config{Workspace: opts.Workspace})
	if err != nil {
		return nil, err
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	e := engine.New(conn, cfg)
	e.Logger = logger
	e.Metrics = opts.Metrics
	seeded, err := e.SeedAgents(ctx, cfg.Agents)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("seed agents: %w", err)
	}
	if seeded > 0 {
		logger.Debug("seeded agents", "count", seeded)
	}
	return &Workspace{DB: conn, Config: cfg, Engine: e, Logger: logger, Metrics: opts.Metrics}, nil
}

func (w *Workspace) Close() error {
	return w.DB.Close()
}

// Pipeline returns an ingress pipeline delivering through the engine.
func (w *Workspace) Pipeline() *ingress.Pipeline {
	return ingress.New(w.Engine)
}

// Relay builds the audit relay with every configured sink. The returned
// close func drains the NATS connection, if one was opened.
func (w *Workspace) Relay() (*relay.Relay, func(), error) {
	rl := relay.New(w.Engine.Repo, w.Config.Relay)
	rl.Logger = w.Logger
	rl.Metrics = w.Metrics
	closeFn := func() {}
	if url := w.Config.Relay.NATS.URL; url != "" {
		sink, nc, err := relay.DialNATS(url, w.Config.Relay.NATS.Subject)
		if err != nil {
			return nil, closeFn, fmt.Errorf("connect nats %s: %w", url, err)
		}
		rl.Add(sink, nil)
		closeFn = func() {
			if err := nc.Drain(); err != nil {
				w.Logger.Warn("nats drain failed", "err", err)
			}
		}
	}
	return rl, closeFn, nil
}

// Sweeper returns the maintenance scheduler bound to the engine.
func (w *Workspace) Sweeper() *sweep.Sweeper {
	s := sweep.New(w.Engine)
	s.Logger = w.Logger
	return s
}
