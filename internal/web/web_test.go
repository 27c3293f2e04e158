// internal/web/web_test.go
//
// Shared rig for the handler tests: a full Server wired to sqlmock-backed
// stores, a tempdir filesystem, and a real tenant cache with stubbed
// process spawning.  Node, git, and MySQL never run here.

package web

import (
	"archive/zip"
	"bytes"
	"context"
	"database/sql/driver"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"

	"github.com/platformx/platformx/internal/auth"
	"github.com/platformx/platformx/internal/backup"
	"github.com/platformx/platformx/internal/config"
	"github.com/platformx/platformx/internal/deploy"
	"github.com/platformx/platformx/internal/envfile"
	"github.com/platformx/platformx/internal/eventlog"
	"github.com/platformx/platformx/internal/registry"
	"github.com/platformx/platformx/internal/runner"
	"github.com/platformx/platformx/internal/settings"
	"github.com/platformx/platformx/internal/tenant"
	"github.com/platformx/platformx/internal/webhook"
)

const (
	testApex     = "platformx.test"
	testUser     = "admin"
	testPassword = "swordfish"
	testSecret   = "0123456789abcdef0123456789abcdef"
)

var appCols = []string{
	"slug", "name", "status", "kind", "entry_path", "build_output_dir",
	"proxy_map", "source", "repo_url", "branch", "webhook_url",
	"request_count", "last_error", "created_at", "updated_at",
	"last_deployed_at",
}

var settingCols = []string{"key", "value", "category", "encrypted", "description", "updated_at"}

// appRow produces the 16 column values of one registry row in
// appCols order.
func appRow(slug, kind, status string) []driver.Value {
	now := time.Now()
	return []driver.Value{
		slug, slug, status, kind, "", "", "{}",
		"archive-upload", "", "", "", uint64(0), "", now, now, nil,
	}
}

type rig struct {
	srv    *Server
	mock   sqlmock.Sqlmock
	cfg    *config.Config
	apps   *registry.Store
	env    *envfile.Store
	cache  *tenant.Cache
	events *eventlog.Recorder
}

func newRig(t *testing.T) *rig {
	t.Helper()

	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	pool := sqlx.NewDb(db, "sqlmock")

	root := t.TempDir()
	cfg := &config.Config{
		HTTP: config.HTTP{
			RequestTimeout: 2 * time.Second,
			MaxUploadBytes: 1 << 20,
		},
		Platform: config.Platform{
			Apex:            testApex,
			Mode:            "development",
			WebhooksEnabled: true,
		},
		Admin: config.Admin{
			Username:  testUser,
			Password:  testPassword,
			JWTSecret: testSecret,
		},
		Paths: config.Paths{
			Root:    root,
			Apps:    filepath.Join(root, "apps"),
			Backups: filepath.Join(root, "backups"),
			Tmp:     filepath.Join(root, "tmp"),
			Logs:    filepath.Join(root, "logs"),
		},
	}
	for _, dir := range []string{cfg.Paths.Apps, cfg.Paths.Backups, cfg.Paths.Tmp, cfg.Paths.Logs} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			t.Fatal(err)
		}
	}

	rg := &rig{mock: mock, cfg: cfg}
	rg.apps = registry.New(pool)
	rg.events = eventlog.New(pool, cfg.Paths.Logs)
	settingsStore := settings.New(pool, nil)
	rg.env = envfile.NewStore(cfg.Paths.Apps)

	rg.cache = tenant.New(tenant.Config{IdleTTL: time.Minute}, tenant.Deps{
		Apps:   rg.apps,
		Env:    rg.env,
		Events: rg.events,
		Spawn: func(context.Context, runner.Spec) (tenant.Proc, error) {
			t.Fatal("unexpected process spawn")
			return nil, nil
		},
		Namespace: func(context.Context, string) (*sqlx.DB, string, error) {
			t.Fatal("unexpected namespace provisioning")
			return nil, "", nil
		},
		AppsDir: cfg.Paths.Apps,
		Dev:     true,
	})
	t.Cleanup(func() { rg.cache.Close(context.Background()) })
	rg.env.OnChange(func(slug string) { rg.cache.Evict(context.Background(), slug, "changed") })

	evict := func(slug string) { rg.cache.Evict(context.Background(), slug, "changed") }
	hooks := webhook.New(cfg.Platform.WebhooksEnabled, rg.events)
	deploys := deploy.New(deploy.Config{
		AppsDir:        cfg.Paths.Apps,
		TmpDir:         cfg.Paths.Tmp,
		MaxUploadBytes: cfg.HTTP.MaxUploadBytes,
		NpmBin:         "npm",
		GitBin:         "git",
		CloneTimeout:   time.Second,
		InstallTimeout: time.Second,
		BuildTimeout:   time.Second,
	}, deploy.Deps{
		Apps:            rg.apps,
		Events:          rg.events,
		Notify:          hooks,
		Tokens:          settingsStore,
		EnsureNamespace: func(context.Context, string) error { return nil },
		Evict:           evict,
		Lock:            rg.cache.Locks().Lock,
	})
	backups := backup.New(backup.Config{
		Dir:     cfg.Paths.Backups,
		AppsDir: cfg.Paths.Apps,
		TmpDir:  cfg.Paths.Tmp,
	}, backup.Deps{
		Apps:   rg.apps,
		Events: rg.events,
		Evict:  evict,
		Lock:   rg.cache.Locks().Lock,
	})

	rg.srv = New(cfg, Deps{
		Apps:     rg.apps,
		Settings: settingsStore,
		Events:   rg.events,
		Env:      rg.env,
		Cache:    rg.cache,
		Deploys:  deploys,
		Backups:  backups,
		Hooks:    hooks,
		Creds:    auth.Credentials{Username: testUser, Password: testPassword},
		Limiter:  auth.NewLoginLimiter(),
		Sync: func(context.Context, bool) (*registry.SyncReport, error) {
			return &registry.SyncReport{Added: []string{}}, nil
		},
	})
	return rg
}

/*──────────────────────────── request helpers ─────────────────────────────*/

// adminReq builds a request against the apex host.
func adminReq(method, path string, body any) *http.Request {
	var rd *bytes.Reader
	if body != nil {
		raw, _ := json.Marshal(body)
		rd = bytes.NewReader(raw)
	} else {
		rd = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, "http://"+testApex+path, rd)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req
}

// authed stamps a fresh admin token onto the request.
func (rg *rig) authed(t *testing.T, req *http.Request) *http.Request {
	t.Helper()
	token, _, err := auth.Issue(testSecret, testUser)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	return req
}

func (rg *rig) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	rg.srv.ServeHTTP(rec, req)
	return rec
}

/*──────────────────────────── response helpers ────────────────────────────*/

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var m map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &m); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
	return m
}

// errCode digs the family code out of a failure envelope.
func errCode(t *testing.T, m map[string]any) int {
	t.Helper()
	if m["success"] != false {
		t.Fatalf("envelope success = %v, want false", m["success"])
	}
	e, ok := m["error"].(map[string]any)
	if !ok {
		t.Fatalf("envelope error field missing: %v", m)
	}
	code, ok := e["code"].(float64)
	if !ok {
		t.Fatalf("envelope error code missing: %v", e)
	}
	return int(code)
}

// zipBytes builds an in-memory archive for multipart uploads.
func zipBytes(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, body := range files {
		w, err := zw.Create(name)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := w.Write([]byte(body)); err != nil {
			t.Fatal(err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

// seedAppDir creates an apps/<slug> tree with the given files.
func (rg *rig) seedAppDir(t *testing.T, slug string, files map[string]string) {
	t.Helper()
	for name, body := range files {
		path := filepath.Join(rg.cfg.Paths.Apps, slug, name)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
			t.Fatal(err)
		}
	}
}
