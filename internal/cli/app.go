package cli

import (
	"context"
	"errors"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/joaopxt/ze-do-bip-mobile-sub000/internal/config"
	"github.com/joaopxt/ze-do-bip-mobile-sub000/internal/engine"
	"github.com/joaopxt/ze-do-bip-mobile-sub000/internal/inbound"
	"github.com/joaopxt/ze-do-bip-mobile-sub000/internal/model"
	"github.com/joaopxt/ze-do-bip-mobile-sub000/internal/probe"
	"github.com/joaopxt/ze-do-bip-mobile-sub000/internal/remote"
	"github.com/joaopxt/ze-do-bip-mobile-sub000/internal/routesync"
	"github.com/joaopxt/ze-do-bip-mobile-sub000/internal/store"
)

// App is the wired client for one command invocation.
type App struct {
	Config   *config.Config
	Logger   *slog.Logger
	Store    *store.Store
	Sessions *engine.Engine
	Routes   *routesync.Engine
	Tally    *inbound.Tally
	Out      *OutputFormatter
}

// openApp loads configuration, opens the store and wires every component.
// Callers must Close the returned App.
func openApp(opts *RootOptions, cmd *cobra.Command) (*App, error) {
	cfg, err := config.Load(opts.ConfigPath, opts.EnvFile)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "CONFIG", "failed to load configuration", err)
	}
	if opts.Database != "" {
		cfg.DBPath = opts.Database
	}

	level := cfg.Level()
	if opts.Verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level}))

	logger.Debug("opening store", "path", cfg.DBPath)
	st, err := store.Open(cfg.DBPath, store.WithLogger(logger))
	if err != nil {
		if errors.Is(err, store.ErrMigration) {
			return nil, WrapExitError(ExitCommandError, "MIGRATION", "local schema migration failed", err)
		}
		return nil, WrapExitError(ExitCommandError, "STORE", "failed to open local store", err)
	}

	client := remote.New(cfg.BaseURL,
		remote.WithTimeout(cfg.RequestTimeout),
		remote.WithLogger(logger))
	prober := probe.NewHTTP(cfg.BaseURL,
		probe.WithTimeout(cfg.ProbeTimeout),
		probe.WithLogger(logger))

	return &App{
		Config:   cfg,
		Logger:   logger,
		Store:    st,
		Sessions: engine.New(st, client, prober, engine.WithLogger(logger)),
		Routes:   routesync.New(st, client, routesync.WithLogger(logger)),
		Tally:    inbound.New(client, inbound.WithLogger(logger)),
		Out: &OutputFormatter{
			Format:    opts.Format,
			Writer:    cmd.OutOrStdout(),
			ErrWriter: cmd.ErrOrStderr(),
			Verbose:   opts.Verbose,
		},
	}, nil
}

// Close releases the store.
func (a *App) Close() error {
	return a.Store.Close()
}

// identity reconciles the session and returns the identity to act as.
// Storage failures during reconciliation are reported; everything else
// leaves an anonymous identity for the caller to refuse.
func (a *App) identity(ctx context.Context) (model.Identity, engine.Result, error) {
	res, err := a.Sessions.OnResume(ctx)
	if err != nil {
		return model.Identity{}, res, sessionError(err)
	}
	return a.Sessions.Identity(), res, nil
}

// withApp opens the app, runs fn and closes the app.
func withApp(opts *RootOptions, cmd *cobra.Command, fn func(ctx context.Context, app *App) error) error {
	app, err := openApp(opts, cmd)
	if err != nil {
		return err
	}
	defer app.Close()
	return fn(cmd.Context(), app)
}
