// Package app wires configuration into the running service: the store, the
// hosting client, the generator driver, the orchestrator and the optional
// reviewer API.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"golang.org/x/sync/errgroup"

	"issueforge/internal/config"
	"issueforge/internal/db"
	"issueforge/internal/domain"
	"issueforge/internal/engine"
	"issueforge/internal/generator"
	"issueforge/internal/hosting"
	"issueforge/internal/migrate"
	"issueforge/internal/notify"
	"issueforge/internal/orchestrator"
	"issueforge/internal/repo"
	"issueforge/internal/server"
	"issueforge/internal/workspace"
)

// Excluded lists generator leftovers kept out of published trees.
var Excluded = []string{generator.LogFile, ".tmp"}

const shutdownGrace = 5 * time.Second

// App holds the leaves built from one configuration.
type App struct {
	Config *config.Config
	Logger *slog.Logger
	DB     *sqlx.DB
	Store  repo.Store
	Queue  engine.Queue
}

// NewLogger builds the process logger for level and format.
func NewLogger(w io.Writer, level, format string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: lvl}
	if strings.EqualFold(format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// OpenStore opens and migrates the database at path. Failures are store
// errors.
func OpenStore(path string) (*sqlx.DB, error) {
	conn, err := db.Open(db.Config{Path: path})
	if err != nil {
		return nil, domain.StoreError{Op: "open", Err: err}
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return nil, domain.StoreError{Op: "migrate", Err: err}
	}
	return conn, nil
}

// Open builds the store and queue. A nil logger discards.
func Open(cfg *config.Config, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	conn, err := OpenStore(cfg.DBPath)
	if err != nil {
		return nil, err
	}
	store := repo.New(conn)
	return &App{
		Config: cfg,
		Logger: logger,
		DB:     conn,
		Store:  store,
		Queue:  engine.New(store),
	}, nil
}

func (a *App) Close() error {
	return a.DB.Close()
}

// Hosting builds the GitHub client for the configured repository.
func (a *App) Hosting() (*hosting.GitHub, error) {
	cfg := a.Config
	return hosting.NewGitHub(hosting.Options{
		Endpoint:      cfg.HostingEndpoint,
		Repo:          cfg.HostingRepo,
		Owner:         cfg.HostingOwner,
		Token:         cfg.HostingCredentials,
		Budget:        cfg.HostingBudget(),
		RatePerSecond: cfg.HostingRatePerSecond,
		Git: hosting.Git{
			Executable:  cfg.GitExecutable,
			AuthorName:  cfg.GitAuthorName,
			AuthorEmail: cfg.GitAuthorEmail,
			Exclude:     Excluded,
		},
		Logger: a.Logger.With("component", "hosting"),
	})
}

// Generator builds the driver for the configured executable.
func (a *App) Generator() generator.Driver {
	cfg := a.Config
	return generator.Driver{
		Executable: cfg.GeneratorExecutable,
		Model:      cfg.GeneratorModel,
		Args:       cfg.GeneratorArgs,
		PassEnv:    cfg.GeneratorEnv,
		Timeout:    cfg.GeneratorLimit(),
		KillGrace:  cfg.KillGrace(),
		Logger:     a.Logger.With("component", "generator"),
	}
}

// Orchestrator builds the scheduler around client and gen.
func (a *App) Orchestrator(client hosting.Client, gen orchestrator.Generator) (*orchestrator.Orchestrator, error) {
	root, err := workspace.NewRoot(a.Config.WorkdirRoot)
	if err != nil {
		return nil, config.Error{Err: err}
	}
	return orchestrator.New(a.Store, a.Queue, client, gen, root, orchestrator.SettingsFrom(a.Config), a.Logger.With("component", "orchestrator")), nil
}

// Handler builds the reviewer API. It returns nil when api_addr is unset.
func (a *App) Handler() (http.Handler, error) {
	if a.Config.APIAddr == "" {
		return nil, nil
	}
	if a.Config.APIJWTSecret == "" {
		return nil, config.Error{Err: errors.New("api_jwt_secret is required when api_addr is set")}
	}
	return server.New(server.Config{
		Queue:  a.Queue,
		Auth:   server.AuthConfig{JWTSecret: a.Config.APIJWTSecret, AllowDevLogin: a.Config.APIDevLogin},
		Logger: a.Logger.With("component", "api"),
	})
}

// Serve runs the service with the configured hosting client and generator.
func (a *App) Serve(ctx context.Context) error {
	client, err := a.Hosting()
	if err != nil {
		return config.Error{Err: err}
	}
	return a.Run(ctx, client, a.Generator())
}

// Run verifies credentials, then runs the orchestrator, the notifier and the
// reviewer API until ctx is cancelled or one of them fails fatally.
func (a *App) Run(ctx context.Context, client hosting.Client, gen orchestrator.Generator) error {
	if err := client.Verify(ctx); err != nil {
		return err
	}
	orch, err := a.Orchestrator(client, gen)
	if err != nil {
		return err
	}
	ticks := orch.Ticks()
	if len(a.Config.NotifyWebhooks) > 0 {
		n, err := notify.New(a.Store, a.Config.NotifyWebhooks, a.Logger.With("component", "notify"))
		if err != nil {
			return config.Error{Err: err}
		}
		ticks = append(ticks, orchestrator.Tick{Name: "notify", Interval: notify.DefaultInterval, Run: n.Dispatch})
	}
	handler, err := a.Handler()
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return orch.Run(gctx, ticks) })
	if handler != nil {
		srv := &http.Server{Addr: a.Config.APIAddr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
		g.Go(func() error {
			<-gctx.Done()
			sctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
			defer cancel()
			return srv.Shutdown(sctx)
		})
		g.Go(func() error {
			a.Logger.Info("reviewer api listening", "addr", a.Config.APIAddr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("api: %w", err)
			}
			return nil
		})
	}
	return g.Wait()
}
