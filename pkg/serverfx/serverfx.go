package serverfx

import (
	"context"
	"crypto/tls"
	"errors"
	"net/http"
	"os"
	"time"

	"github.com/joeydtaylor/steeze-hotload/pkg/api"
	"github.com/joeydtaylor/steeze-hotload/pkg/bundlefx"
	"github.com/joeydtaylor/steeze-hotload/pkg/config"
	"github.com/joeydtaylor/steeze-hotload/pkg/core"
	"github.com/joeydtaylor/steeze-hotload/pkg/middleware/logger"
	"github.com/joeydtaylor/steeze-hotload/pkg/storage"
	"github.com/joeydtaylor/steeze-hotload/pkg/transport/httpx"
	"github.com/joeydtaylor/steeze-hotload/pkg/vcs"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// ---------- Options ----------

type Options struct {
	Service    string // for logs only
	ConfigPath string // hotload.toml; defaults to $HOTLOAD_CONFIG
}

type Option func(*Options)

func WithService(s string) Option    { return func(o *Options) { o.Service = s } }
func WithConfigPath(p string) Option { return func(o *Options) { o.ConfigPath = p } }

func defaultOptions() Options {
	return Options{Service: "steeze-hotload", ConfigPath: config.PathFromEnv()}
}

// Module returns the complete Fx option set for the host.
func Module(opts ...Option) fx.Option {
	o := defaultOptions()
	for _, fn := range opts {
		fn(&o)
	}
	return fx.Options(
		fx.Supply(o),
		fx.Provide(provideConfig),

		// Middleware
		bundlefx.Module,

		// Router impl
		fx.Provide(httpx.NewChi),

		// Loader stack
		Components,

		// Router
		fx.Provide(fx.Annotate(provideRouter, fx.ResultTags(`name:"app"`))),

		// Lifecycle
		fx.Invoke(registerHooks),
	)
}

// Components provides everything below the HTTP server: storage, surface,
// registry, loader, reconciler, the optional Git syncer and the admin API.
// It needs a config.Config and a *zap.Logger in the graph.
var Components = fx.Options(
	fx.Provide(
		provideStore,
		provideSurface,
		provideRegistry,
		provideLoader,
		provideReconciler,
		provideGit,
		provideAdmin,
	),
)

func provideConfig(o Options) (config.Config, error) {
	return config.Load(o.ConfigPath)
}

func provideStore(cfg config.Config) (*storage.Store, error) {
	return storage.NewOS(cfg.Modules.Dir, cfg.Mapper())
}

func provideSurface(zl *zap.Logger) *httpx.Surface {
	return httpx.NewSurface(api.ReservedPrefixes, zl)
}

func provideRegistry(s *httpx.Surface, zl *zap.Logger) *core.Registry {
	return core.NewRegistry(s, zl)
}

func provideLoader(cfg config.Config, st *storage.Store, reg *core.Registry, zl *zap.Logger) *core.Loader {
	return core.NewLoader(cfg.Mapper(), st, reg, zl)
}

func provideReconciler(ld *core.Loader, st *storage.Store, zl *zap.Logger) *core.Reconciler {
	return core.NewReconciler(ld, st, zl)
}

// provideGit returns nil when sync is disabled.
func provideGit(cfg config.Config, st *storage.Store, zl *zap.Logger) *vcs.Git {
	if !cfg.Git.Enabled {
		return nil
	}
	if !vcs.Available() {
		zl.Error("git sync enabled but git is not on PATH")
	}
	return &vcs.Git{
		Dir:         st.Root(),
		Remote:      cfg.Git.Remote,
		Branch:      cfg.Git.Branch,
		Timeout:     cfg.Git.Timeout(),
		AuthorName:  cfg.Git.AuthorName,
		AuthorEmail: cfg.Git.AuthorEmail,
		Log:         zl.Named("git"),
	}
}

func provideAdmin(cfg config.Config, ld *core.Loader, rc *core.Reconciler, st *storage.Store, g *vcs.Git, zl *zap.Logger) *api.Handler {
	d := api.Deps{Loader: ld, Reconciler: rc, Store: st, Log: zl}
	// keep the interfaces nil rather than holding a nil *vcs.Git
	if g != nil {
		d.Syncer = g
		if cfg.Git.CommitOnWrite {
			d.Committer = g
		}
	}
	return api.New(d)
}

// ---------- Router ----------

type routerDeps struct {
	fx.In

	LogMW   *logger.Middleware
	Metrics http.Handler `name:"metrics"`
	R       httpx.Router
	Admin   *api.Handler
	Surface *httpx.Surface
}

func provideRouter(d routerDeps) http.Handler {
	return api.BuildRouter(api.BuildDeps{
		LogMW:   d.LogMW,
		Metrics: d.Metrics,
		Router:  d.R,
		Admin:   d.Admin,
		Surface: d.Surface,
	})
}

// ---------- Lifecycle (startup reconcile, watchers + HTTP server) ----------

type serverDeps struct {
	fx.In
	Opts       Options
	Cfg        config.Config
	Logger     *zap.Logger
	App        http.Handler `name:"app"`
	Store      *storage.Store
	Reconciler *core.Reconciler
	Admin      *api.Handler
	Git        *vcs.Git
}

func registerHooks(lc fx.Lifecycle, d serverDeps) {
	addr := d.Cfg.Server.Listen
	cert := d.Cfg.Server.TLSCert
	key := d.Cfg.Server.TLSKey

	srv := &http.Server{
		Addr:         addr,
		Handler:      d.App,
		ReadTimeout:  d.Cfg.Server.ReadTimeout(),
		WriteTimeout: d.Cfg.Server.WriteTimeout(),
		IdleTimeout:  d.Cfg.Server.IdleTimeout(),
		TLSConfig:    &tls.Config{MinVersion: tls.VersionTLS13, MaxVersion: tls.VersionTLS13},
	}
	useTLS := fileExists(cert) && fileExists(key)

	bgCtx, bgCancel := context.WithCancel(context.Background())
	grp, grpCtx := errgroup.WithContext(bgCtx)

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if d.Git != nil {
				if _, err := d.Git.FetchBatch(ctx); err != nil {
					// serve whatever is on disk
					d.Logger.Error("initial git sync failed", zap.Error(err))
				}
			}
			results, err := d.Reconciler.ReconcileAll(ctx)
			if err != nil {
				return err
			}
			for _, r := range results {
				if r.Kind == core.Failed {
					d.Logger.Warn("unit not mounted at startup", zap.String("path", r.Path), zap.Error(r.Err))
				}
			}

			if d.Cfg.Modules.Watch {
				w, err := storage.NewWatcher(d.Store, func(ctx context.Context, paths []string) {
					d.Reconciler.ReconcileBatch(ctx, paths)
				}, d.Logger.Named("watch"))
				if err != nil {
					return err
				}
				grp.Go(func() error { return w.Run(grpCtx) })
			}
			if d.Git != nil && d.Cfg.Git.Poll() > 0 {
				grp.Go(func() error {
					pollGit(grpCtx, d.Admin, d.Cfg.Git.Poll(), d.Logger)
					return nil
				})
			}

			// Start HTTP.
			if useTLS {
				d.Logger.Info("server starting (TLS)",
					zap.String("service", d.Opts.Service),
					zap.String("addr", addr),
					zap.String("cert", cert),
				)
				go func() {
					if err := srv.ListenAndServeTLS(cert, key); err != nil && !errors.Is(err, http.ErrServerClosed) {
						d.Logger.Fatal("server failed", zap.Error(err))
					}
				}()
			} else {
				d.Logger.Info("server starting (PLAINTEXT)",
					zap.String("service", d.Opts.Service),
					zap.String("addr", addr),
				)
				go func() {
					srv.TLSConfig = nil
					if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						d.Logger.Fatal("server failed", zap.Error(err))
					}
				}()
			}
			return nil
		},
		OnStop: func(ctx context.Context) error {
			d.Logger.Info("server stopping", zap.String("service", d.Opts.Service))
			bgCancel()
			err := srv.Shutdown(ctx)
			if werr := grp.Wait(); werr != nil {
				d.Logger.Warn("background task ended with error", zap.Error(werr))
			}
			return err
		},
	})
}

// pollGit syncs on every tick until ctx is done. Sync failures are logged
// and retried on the next tick.
func pollGit(ctx context.Context, admin *api.Handler, every time.Duration, zl *zap.Logger) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			res, err := admin.Sync(ctx)
			if err != nil {
				zl.Warn("git poll failed", zap.Error(err))
				continue
			}
			if len(res.Batch) > 0 {
				zl.Info("git poll applied",
					zap.Int("changed", len(res.Batch)),
					zap.Int("mounted", res.Summary.Mounted),
					zap.Int("failed", res.Summary.Failed))
			}
		}
	}
}

// ---------- tiny helpers ----------

func fileExists(path string) bool {
	if path == "" {
		return false
	}
	_, err := os.Stat(path)
	return err == nil
}
