// Package app assembles the daemon: storage, the platform transport, the
// session manager, the rule store, the peer directory, the relay engine and
// the RPC surface.
package app

import (
	"context"
	"database/sql"
	"log/slog"
	"net/http"

	"github.com/sethvargo/go-retry"
	"golang.org/x/sync/errgroup"

	"github.com/hpungsan/courier/internal/api"
	"github.com/hpungsan/courier/internal/config"
	"github.com/hpungsan/courier/internal/db"
	"github.com/hpungsan/courier/internal/directory"
	"github.com/hpungsan/courier/internal/dispatch"
	"github.com/hpungsan/courier/internal/errors"
	"github.com/hpungsan/courier/internal/mcp"
	"github.com/hpungsan/courier/internal/platform"
	"github.com/hpungsan/courier/internal/rpc"
	"github.com/hpungsan/courier/internal/rules"
	"github.com/hpungsan/courier/internal/session"
	"github.com/hpungsan/courier/internal/telegram"
)

// Options configure New.
type Options struct {
	Version string
	Logger  *slog.Logger

	// Transport replaces the Telegram client. Tests pass an in-memory one.
	Transport platform.Transport
}

// App is an assembled daemon.
type App struct {
	cfg *config.Config
	log *slog.Logger

	transport platform.Transport
	// connect keeps the transport connected; nil when it needs no connection.
	connect func(context.Context) error

	Session   *session.Manager
	Rules     *rules.Store
	Directory *directory.Directory
	Engine    *dispatch.Engine
	Service   *api.Service

	server *http.Server
}

// New wires the components over database. Rules and the cached directory are
// loaded here; nothing touches the network until Run.
func New(ctx context.Context, cfg *config.Config, database *sql.DB, opts Options) (*App, error) {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	db.ConfigurePool(database, cfg)

	a := &App{cfg: cfg, log: log, transport: opts.Transport}
	if a.transport == nil {
		if err := cfg.RequireCredentials(); err != nil {
			return nil, err
		}
		client := telegram.New(telegram.Options{
			AppID:         cfg.AppID,
			AppHash:       cfg.AppHash,
			DeviceModel:   cfg.DeviceModel,
			AppVersion:    opts.Version,
			Storage:       telegram.SessionStorage{DB: database},
			Logger:        log,
			ReconnectBase: cfg.ResubscribeBaseBackoff.Std(),
			ReconnectMax:  cfg.ResubscribeMaxBackoff.Std(),
		})
		a.transport = client
		a.connect = client.Run
	}

	a.Session = session.New(a.transport, database, log)

	a.Rules = rules.New(database, log)
	if err := a.Rules.Load(ctx); err != nil {
		return nil, err
	}

	a.Engine = dispatch.New(engineConfig(cfg), a.Rules, a.transport, a.Session, dispatch.Options{
		Journal: dispatch.SQLJournal{DB: database},
		Logger:  log,
	})

	a.Directory = directory.New(a.transport, database, a.Session, directory.Options{
		Limit:   cfg.DialogsLimit,
		Backlog: a.Engine,
		Logger:  log,
	})
	if err := a.Directory.Load(ctx); err != nil {
		return nil, err
	}

	a.Service = api.New(api.Deps{
		Session:      a.Session,
		Directory:    a.Directory,
		Rules:        a.Rules,
		Engine:       a.Engine,
		DB:           database,
		Logger:       log,
		DialogsLimit: cfg.DialogsLimit,
	})

	srvOpts := rpc.Options{
		Addr:            cfg.ListenAddr,
		CORSAllowOrigin: cfg.CORSAllowOrigin,
		ConsoleDir:      cfg.ConsoleDir,
		Authorized:      func() bool { return a.Session.Status().Authorized() },
		Logger:          log,
	}
	if cfg.MCPEnabled {
		methods := a.Service.Methods()
		if unknown := mcp.ValidateDisabledTools(methods, cfg.DisabledTools); len(unknown) > 0 {
			log.Warn("unknown tools in disabled_tools", "tools", unknown)
		}
		s := mcp.NewServer(methods, a.Service, mcp.Options{
			Version:       opts.Version,
			DisabledTools: cfg.DisabledTools,
		})
		srvOpts.MCP = mcp.Handler(s)
	}
	a.server = rpc.NewServer(a.Service, srvOpts)

	return a, nil
}

func engineConfig(cfg *config.Config) dispatch.Config {
	return dispatch.Config{
		Workers:         cfg.RelayWorkers,
		QueueCapacity:   cfg.RelayQueueCapacity,
		MaxAttempts:     cfg.RelayMaxAttempts,
		BaseBackoff:     cfg.RelayBaseBackoff.Std(),
		MaxBackoff:      cfg.RelayMaxBackoff.Std(),
		RelayTimeout:    cfg.RelayTimeout.Std(),
		RatePerSecond:   cfg.RelayRatePerSecond,
		RateBurst:       cfg.RelayRateBurst,
		DedupWindow:     cfg.DedupWindow.Std(),
		ResubscribeBase: cfg.ResubscribeBaseBackoff.Std(),
		ResubscribeMax:  cfg.ResubscribeMaxBackoff.Std(),
		ShutdownGrace:   cfg.ShutdownGrace.Std(),
	}
}

// Handler is the HTTP surface Run serves.
func (a *App) Handler() http.Handler {
	return a.server.Handler
}

// Run serves until ctx ends or a component fails. The first failure cancels
// the rest.
func (a *App) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	if a.connect != nil {
		g.Go(func() error { return a.connect(ctx) })
	}
	g.Go(func() error {
		a.restore(ctx)
		return nil
	})
	g.Go(func() error {
		return a.Directory.RunSync(ctx, a.cfg.DirectorySyncInterval.Std(), a.Session.WaitAuthorized)
	})
	g.Go(func() error { return a.Engine.Run(ctx) })
	g.Go(func() error { return rpc.Run(ctx, a.server, a.log) })

	return g.Wait()
}

// restore adopts a session left by a previous run. The transport may still be
// connecting, so unavailability is retried until ctx ends.
func (a *App) restore(ctx context.Context) {
	backoff := retry.WithCappedDuration(a.cfg.ResubscribeMaxBackoff.Std(),
		retry.NewExponential(a.cfg.ResubscribeBaseBackoff.Std()))

	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		err := a.Session.Restore(ctx)
		if errors.Is(err, errors.ErrTransportUnavailable) {
			a.log.Debug("session restore deferred", "error", err)
			return retry.RetryableError(err)
		}
		return err
	})
	switch {
	case err == nil:
		if a.Session.Status().Authorized() {
			a.log.Info("restored stored session")
		}
	case ctx.Err() != nil:
	default:
		a.log.Error("session restore failed", "error", err)
	}
}
