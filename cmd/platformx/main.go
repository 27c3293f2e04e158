// cmd/platformx/main.go
//
// PlatformX – multi-tenant hosting front door.
//
// Boot sequence
// -------------
//
//  1. Load configuration (conf/.env → conf/platformx.yaml → environment).
//
//  2. Start the rotating JSON logger (tees to console in a TTY).
//
//  3. Open the control-plane DB, apply the idempotent DDL, and log the
//     active-app count as an early sanity check.
//
//  4. Construct the collaborators bottom-up: event log, settings, env
//     store, subprocess runner, file watcher, tenant cache, webhook
//     dispatcher, deploy pipeline, backup engine, auth.
//
//  5. Wire the front door (admin API on the apex host, tenant forwarding
//     on subdomains) and the maintenance supervisor.
//
//  6. Serve until SIGINT/SIGTERM, then drain: stop the listener (30 s
//     grace), stop the cron, evict every loaded app, close the stores.
//
// Large comment blocks are framed by blank “//” lines; inline comments
// use a single “//”.
package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/platformx/platformx/internal/auth"
	"github.com/platformx/platformx/internal/backup"
	"github.com/platformx/platformx/internal/codescan"
	"github.com/platformx/platformx/internal/config"
	"github.com/platformx/platformx/internal/database"
	"github.com/platformx/platformx/internal/deploy"
	"github.com/platformx/platformx/internal/envfile"
	"github.com/platformx/platformx/internal/eventlog"
	"github.com/platformx/platformx/internal/lifecycle"
	"github.com/platformx/platformx/internal/logger"
	"github.com/platformx/platformx/internal/registry"
	"github.com/platformx/platformx/internal/runner"
	"github.com/platformx/platformx/internal/server"
	"github.com/platformx/platformx/internal/settings"
	"github.com/platformx/platformx/internal/tenant"
	"github.com/platformx/platformx/internal/vault"
	"github.com/platformx/platformx/internal/watcher"
	"github.com/platformx/platformx/internal/web"
	"github.com/platformx/platformx/internal/webhook"
)

// shutdownGrace bounds how long in-flight requests may run after the
// stop signal before the listener is torn down.
const shutdownGrace = 30 * time.Second

// runningInTTY returns true when stdout is a character device.
func runningInTTY() bool {
	fi, err := os.Stdout.Stat()
	if err != nil {
		return false
	}
	return fi.Mode()&os.ModeCharDevice != 0
}

func main() {
	//
	// ── 1.  Configuration ───────────────────────────────────────────────
	//
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	//
	// ── 2.  Logger ──────────────────────────────────────────────────────
	//
	sugar, err := logger.New(cfg.Paths.Root, runningInTTY(), cfg.Dev())
	if err != nil {
		log.Fatalf("start logger: %v", err)
	}
	defer sugar.Sync() //nolint:errcheck // stdout sync is best-effort

	for _, dir := range []string{cfg.Paths.Apps, cfg.Paths.Backups, cfg.Paths.Tmp} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			sugar.Fatalw("create state dir", "dir", dir, "err", err)
		}
	}

	//
	// ── 3.  Control-plane DB ────────────────────────────────────────────
	//
	sugar.Infow("connecting to control-plane DB")
	db, err := database.Open(cfg.Database.URL)
	if err != nil {
		sugar.Fatalw("connect control-plane DB", "err", err)
	}
	defer db.Close()

	bootCtx, cancelBoot := context.WithTimeout(context.Background(), 30*time.Second)
	if err := database.Bootstrap(bootCtx, db); err != nil {
		cancelBoot()
		sugar.Fatalw("apply schema", "err", err)
	}
	cancelBoot()

	// Log active-app count as an early sanity check.
	var active int
	_ = db.Get(&active, `SELECT COUNT(*) FROM apps WHERE status = 'active'`)
	sugar.Infow("control-plane DB online", "active_apps", active)

	//
	// ── 4.  Collaborators, bottom-up ────────────────────────────────────
	//
	apps := registry.New(db)
	events := eventlog.New(db, cfg.Paths.Logs)
	defer events.Close()

	var resolver settings.Resolver
	if os.Getenv("VAULT_ADDR") != "" {
		vaultCtx, cancelVault := context.WithTimeout(context.Background(), 10*time.Second)
		vc, err := vault.New(vaultCtx, sugar.Infof)
		cancelVault()
		if err != nil {
			sugar.Warnw("vault unavailable, settings resolve as literals", "err", err)
		} else {
			resolver = vc
		}
	}
	setStore := settings.New(db, resolver)

	envStore := envfile.NewStore(cfg.Paths.Apps)

	run, err := runner.New(runner.Config{
		NodeBin: cfg.Deploy.NodeBin,
		Output:  events.AppWriter,
	})
	if err != nil {
		sugar.Fatalw("prepare runner", "err", err)
	}

	var fw *watcher.Watcher
	if cfg.WatchEnabled() {
		fw, err = watcher.New(watcher.DefaultDebounce)
		if err != nil {
			sugar.Fatalw("open file watcher", "err", err)
		}
	}

	cacheDeps := tenant.Deps{
		Apps:   apps,
		Env:    envStore,
		Events: events,
		Spawn: func(ctx context.Context, sp runner.Spec) (tenant.Proc, error) {
			return run.Start(ctx, sp)
		},
		Namespace: func(ctx context.Context, slug string) (*sqlx.DB, string, error) {
			return openNamespace(ctx, db, cfg.Database.URL, slug)
		},
		AppsDir: cfg.Paths.Apps,
		Dev:     cfg.Dev(),
	}
	if fw != nil {
		cacheDeps.Watch = fw.Watch
		cacheDeps.Unwatch = fw.Unwatch
	}
	cache := tenant.New(tenant.Config{
		IdleTTL:    cfg.Cache.IdleTTL,
		MaxEntries: cfg.Cache.MaxEntries,
	}, cacheDeps)

	// Env writes evict before they return; a stale child must never
	// outlive a success response.
	envStore.OnChange(func(slug string) {
		cache.Evict(context.Background(), slug, "env-update")
	})

	// The watcher only reports; this goroutine owns the evicts.
	if fw != nil {
		go func() {
			for ch := range fw.Changes() {
				sugar.Infow("app tree changed", "slug", ch.Slug, "kind", ch.Kind)
				cache.Evict(context.Background(), ch.Slug, "changed")
			}
		}()
	}

	hooks := webhook.New(cfg.Platform.WebhooksEnabled, events)

	pipeline := deploy.New(deploy.Config{
		AppsDir:        cfg.Paths.Apps,
		TmpDir:         cfg.Paths.Tmp,
		MaxUploadBytes: cfg.HTTP.MaxUploadBytes,
		NpmBin:         cfg.Deploy.NpmBin,
		GitBin:         cfg.Deploy.GitBin,
		CloneTimeout:   cfg.Deploy.CloneTimeout,
		InstallTimeout: cfg.Deploy.InstallTimeout,
		BuildTimeout:   cfg.Deploy.BuildTimeout,
	}, deploy.Deps{
		Apps:   apps,
		Events: events,
		Notify: hooks,
		Tokens: setStore,
		EnsureNamespace: func(ctx context.Context, slug string) error {
			return database.EnsureNamespace(ctx, db, slug)
		},
		Evict: func(slug string) { cache.Evict(context.Background(), slug, "deploy") },
		Lock:  cache.Locks().Lock,
	})

	backups := backup.New(backup.Config{
		Dir:     cfg.Paths.Backups,
		AppsDir: cfg.Paths.Apps,
		TmpDir:  cfg.Paths.Tmp,
	}, backup.Deps{
		Apps:   apps,
		Events: events,
		Evict:  func(slug string) { cache.Evict(context.Background(), slug, "restore") },
		Lock:   cache.Locks().Lock,
	})

	auditor := auth.NewAuditor(os.Getenv("GEOIP_DB"))
	defer auditor.Close()

	//
	// ── 5.  Front door + supervisor ─────────────────────────────────────
	//
	front := web.New(cfg, web.Deps{
		Apps:     apps,
		Settings: setStore,
		Events:   events,
		Env:      envStore,
		Cache:    cache,
		Deploys:  pipeline,
		Backups:  backups,
		Hooks:    hooks,
		Creds: auth.Credentials{
			Username:     cfg.Admin.Username,
			Password:     cfg.Admin.Password,
			PasswordHash: cfg.Admin.PasswordHash,
		},
		Limiter: auth.NewLoginLimiter(),
		Auditor: auditor,
		Sync: func(ctx context.Context, autoRename bool) (*registry.SyncReport, error) {
			return registry.Reconcile(ctx, apps, cfg.Paths.Apps,
				deploy.Inspect, validateEntry, autoRename)
		},
		Ready: db.PingContext,
	})

	sup := lifecycle.New(lifecycle.Config{
		TmpDir:        cfg.Paths.Tmp,
		SweepInterval: cfg.Cache.SweepInterval,
	}, cache)
	sup.Start()

	srv := server.New(cfg.HTTP.ListenAddr, front)

	//
	// ── 6.  Serve until signalled, then drain ───────────────────────────
	//
	sigCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		sugar.Infow("listening", "addr", cfg.HTTP.ListenAddr, "apex", cfg.Platform.Apex)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-sigCtx.Done():
		sugar.Infow("shutdown signal received")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			sugar.Fatalw("http server", "err", err)
		}
		return
	}

	drainCtx, cancelDrain := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancelDrain()
	if err := srv.Shutdown(drainCtx); err != nil {
		sugar.Warnw("listener drain incomplete", "err", err)
	}

	sup.Stop()
	cache.Close(drainCtx)
	if fw != nil {
		_ = fw.Close()
	}
	sugar.Infow("platform stopped")
}

// openNamespace provisions an app's schema on first use and opens a
// small pool to it; the returned URL goes to the child as DATABASE_URL.
func openNamespace(ctx context.Context, control *sqlx.DB, dsn, slug string) (*sqlx.DB, string, error) {
	if err := database.EnsureNamespace(ctx, control, slug); err != nil {
		return nil, "", err
	}
	nsDSN, err := database.NamespaceDSN(dsn, slug)
	if err != nil {
		return nil, "", err
	}
	pool, err := database.OpenWithOptions(nsDSN, database.Options{
		MaxOpenConns:    4,
		MaxIdleConns:    1,
		ConnMaxLifetime: 30 * time.Minute,
		ConnMaxIdleTime: 5 * time.Minute,
		PingTimeout:     5 * time.Second,
	})
	if err != nil {
		return nil, "", err
	}
	url, err := database.NamespaceURL(dsn, slug)
	if err != nil {
		pool.Close()
		return nil, "", err
	}
	return pool, url, nil
}

// validateEntry adapts the forbidden-pattern scan to the reconcile
// loop's error-shaped hook.
func validateEntry(path string) error {
	v, err := codescan.CheckFile(path)
	if err != nil {
		return err
	}
	if v != nil {
		return errors.New(v.Reason())
	}
	return nil
}
