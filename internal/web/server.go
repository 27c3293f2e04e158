// internal/web/server.go
//
// PlatformX front door: one listener, two worlds.
//
// Context
// -------
// Every request enters ServeHTTP, where the Host header decides its
// fate: the apex host gets the admin API (a chi router built here),
// a valid tenant subdomain goes to the forwarder, and anything else is
// turned away with a bare 404 before any store or cache is touched.
//
// The admin tree splits into three authentication zones:
//
//   - open:       /health*, /metrics, POST /api/auth/login
//   - short ops:  bearer token + the 30 s request wall clock
//   - ingest ops: bearer token, no wall clock — uploads, clones,
//     builds, restores, and app deletion run as long as their own
//     step deadlines allow.
//
// Notes
// -----
// • Route registration order inside a chi group is cosmetic; the router
//   matches on pattern, not order.
// • Oxford commas, two spaces after periods.

package web

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/platformx/platformx/internal/auth"
	"github.com/platformx/platformx/internal/backup"
	"github.com/platformx/platformx/internal/config"
	"github.com/platformx/platformx/internal/deploy"
	"github.com/platformx/platformx/internal/envfile"
	"github.com/platformx/platformx/internal/eventlog"
	"github.com/platformx/platformx/internal/registry"
	"github.com/platformx/platformx/internal/routing"
	"github.com/platformx/platformx/internal/settings"
	"github.com/platformx/platformx/internal/tenant"
	"github.com/platformx/platformx/internal/webhook"
)

// DefaultRequestTimeout caps ordinary admin operations and tenant
// requests when the config leaves http.request_timeout unset.
const DefaultRequestTimeout = 30 * time.Second

// Deps are the collaborators the handlers reach for.  Sync and Ready
// are funcs so main can close over the pipeline's inspectors and the
// control-plane pool without the web package importing either wiring.
type Deps struct {
	Apps     *registry.Store
	Settings *settings.Store
	Events   *eventlog.Recorder
	Env      *envfile.Store
	Cache    *tenant.Cache
	Deploys  *deploy.Pipeline
	Backups  *backup.Engine
	Hooks    *webhook.Dispatcher

	Creds   auth.Credentials
	Limiter *auth.LoginLimiter
	Auditor *auth.Auditor // may be nil

	// Sync reconciles the apps directory with the registry.
	Sync func(ctx context.Context, autoRename bool) (*registry.SyncReport, error)
	// Ready reports whether the durable store answers; nil means
	// always ready.
	Ready func(ctx context.Context) error
}

// Server owns the admin router and the tenant forwarder.
type Server struct {
	cfg     *config.Config
	d       Deps
	timeout time.Duration
	admin   http.Handler
	started time.Time
}

// New assembles the front door.  The returned Server is an
// http.Handler ready for a plain net/http server.
func New(cfg *config.Config, d Deps) *Server {
	s := &Server{cfg: cfg, d: d, timeout: cfg.HTTP.RequestTimeout, started: time.Now()}
	if s.timeout <= 0 {
		s.timeout = DefaultRequestTimeout
	}
	s.admin = s.routes()
	return s
}

// ServeHTTP splits traffic on the Host header.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	target, slug := routing.ResolveHost(r.Host, s.cfg.Platform.Apex)
	switch target {
	case routing.TargetPlatform:
		s.admin.ServeHTTP(w, r)
	case routing.TargetApp:
		s.forward(w, r, slug)
	default:
		http.NotFound(w, r)
	}
}

/*──────────────────────────── admin router ────────────────────────────────*/

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(requestID)
	r.Use(secureHeaders)
	r.Use(recoverPanics)

	// Open endpoints: probes, metrics, and the login gate itself.
	r.Get("/health", s.handleHealth)
	r.Get("/health/live", s.handleHealthLive)
	r.Get("/health/ready", s.handleHealthReady)
	r.Handle("/metrics", promhttp.Handler())
	r.Post("/api/auth/login", s.handleLogin)

	r.Group(func(g chi.Router) {
		g.Use(s.authenticate)

		// Short-lived operations run under the request wall clock.
		g.Group(func(q chi.Router) {
			q.Use(withTimeout(s.timeout))

			q.Get("/api/auth/verify", s.handleVerify)

			q.Get("/api/admin/apps", s.handleAppList)
			q.Get("/api/admin/apps/{slug}", s.handleAppGet)
			q.Patch("/api/admin/apps/{slug}", s.handleAppPatch)
			q.Post("/api/admin/apps/{slug}/rename", s.handleRename)
			q.Post("/api/admin/apps/sync", s.handleSync)

			q.Get("/api/admin/apps/{slug}/env", s.handleEnvGet)
			q.Patch("/api/admin/apps/{slug}/env", s.handleEnvPatch)
			q.Delete("/api/admin/apps/{slug}/env", s.handleEnvDelete)

			q.Get("/api/admin/apps/{slug}/logs", s.handleLogs)

			q.Get("/api/admin/apps/{slug}/webhook", s.handleWebhookGet)
			q.Post("/api/admin/apps/{slug}/webhook", s.handleWebhookSet)
			q.Delete("/api/admin/apps/{slug}/webhook", s.handleWebhookDelete)
			q.Post("/api/admin/apps/{slug}/webhook/test", s.handleWebhookTest)

			q.Get("/api/admin/backups", s.handleBackupList)
			q.Delete("/api/admin/backups/{name}", s.handleBackupDelete)

			q.Get("/api/admin/settings", s.handleSettingsAll)
			q.Put("/api/admin/settings", s.handleSettingsBulkPut)
			q.Get("/api/admin/settings/category/{category}", s.handleSettingsCategory)
			q.Get("/api/admin/settings/{key}", s.handleSettingGet)
			q.Put("/api/admin/settings/{key}", s.handleSettingPut)
			q.Delete("/api/admin/settings/{key}", s.handleSettingDelete)

			q.Get("/api/apps/cached", s.handleCachedList)
			q.Post("/api/apps/{slug}/unload", s.handleUnload)
			q.Post("/api/apps/unload-idle", s.handleUnloadIdle)
		})

		// Ingest, restore, and teardown outlive the wall clock; each
		// pipeline step enforces its own deadline instead.
		g.Group(func(q chi.Router) {
			q.Post("/api/apps/upload", s.handleUpload)
			q.Post("/api/apps/git-import", s.handleGitImport)
			q.Post("/api/apps/git-update/{slug}", s.handleGitUpdate)

			q.Post("/api/admin/apps", s.handleUpload)
			q.Post("/api/admin/apps/{slug}/redeploy", s.handleRedeploy)
			q.Delete("/api/admin/apps/{slug}", s.handleAppDelete)

			q.Post("/api/admin/apps/{slug}/backup", s.handleBackupCreate)
			q.Post("/api/admin/backups/restore", s.handleBackupRestore)
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeErr(w, r, fail(http.StatusNotFound, CodeRouteNotFound, "no such route"))
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeErr(w, r, fail(http.StatusMethodNotAllowed, CodeRouteNotFound, "method not allowed"))
	})

	return r
}

/*──────────────────────────── health ──────────────────────────────────────*/

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeOK(w, http.StatusOK, map[string]any{
		"status":        "ok",
		"mode":          s.cfg.Platform.Mode,
		"uptimeSeconds": int64(time.Since(s.started).Seconds()),
	})
}

func (s *Server) handleHealthLive(w http.ResponseWriter, r *http.Request) {
	writeOK(w, http.StatusOK, map[string]any{"status": "alive"})
}

// handleHealthReady answers 200 only while the durable store responds;
// load balancers use it to drain a node whose database went away.
func (s *Server) handleHealthReady(w http.ResponseWriter, r *http.Request) {
	if s.d.Ready != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()
		if err := s.d.Ready(ctx); err != nil {
			writeErr(w, r, fail(http.StatusServiceUnavailable, CodeStoreFailed, "store unreachable"))
			return
		}
	}
	writeOK(w, http.StatusOK, map[string]any{"status": "ready"})
}
