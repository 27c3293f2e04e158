// internal/deploy/pipeline_test.go
//
// Orchestrator tests run the real filesystem legs (staging, extraction,
// activation) against sqlmock-backed registry rows.  Node and git never
// run here; the fixture apps carry no dependencies so the npm leg stays
// dormant.

package deploy

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"

	"github.com/platformx/platformx/internal/eventlog"
	"github.com/platformx/platformx/internal/registry"
)

var appCols = []string{
	"slug", "name", "status", "kind", "entry_path", "build_output_dir",
	"proxy_map", "source", "repo_url", "branch", "webhook_url",
	"request_count", "last_error", "created_at", "updated_at",
	"last_deployed_at",
}

func newMockRegistry(t *testing.T) (*registry.Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return registry.New(sqlx.NewDb(db, "sqlmock")), mock
}

type eventSpy struct {
	events []string
}

func (s *eventSpy) Record(_ context.Context, _, event, _, _ string, _ eventlog.Meta) {
	s.events = append(s.events, event)
}

func (s *eventSpy) has(event string) bool {
	for _, e := range s.events {
		if e == event {
			return true
		}
	}
	return false
}

type harness struct {
	p          *Pipeline
	cfg        Config
	events     *eventSpy
	evicted    []string
	namespaced []string
}

func newHarness(t *testing.T, apps *registry.Store) *harness {
	t.Helper()
	root := t.TempDir()
	h := &harness{
		cfg: Config{
			AppsDir:        filepath.Join(root, "apps"),
			TmpDir:         filepath.Join(root, "tmp"),
			MaxUploadBytes: 1 << 20,
			NpmBin:         "npm",
			GitBin:         "git",
			CloneTimeout:   time.Second,
			InstallTimeout: time.Second,
			BuildTimeout:   time.Second,
		},
		events: &eventSpy{},
	}
	for _, dir := range []string{h.cfg.AppsDir, h.cfg.TmpDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			t.Fatal(err)
		}
	}
	h.p = New(h.cfg, Deps{
		Apps:   apps,
		Events: h.events,
		EnsureNamespace: func(_ context.Context, slug string) error {
			h.namespaced = append(h.namespaced, slug)
			return nil
		},
		Evict: func(slug string) { h.evicted = append(h.evicted, slug) },
	})
	return h
}

func TestDeployUploadBackend(t *testing.T) {
	apps, mock := newMockRegistry(t)
	h := newHarness(t, apps)

	zipPath := writeZip(t, []zipEntry{
		{name: "server.js", body: "module.exports = (req, res) => res.end('ok')\n"},
		{name: "lib/util.js", body: "exports.x = 1\n"},
	})

	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM apps WHERE slug = \?`).
		WithArgs("shop").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
	mock.ExpectExec(`(?s)INSERT INTO apps.+VALUES`).
		WithArgs("shop", "Shop", "active", "backend", "server.js", "", "{}",
			"archive-upload", "", "", "", "").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`(?s)UPDATE apps.+last_deployed_at = \?.+WHERE.+slug = \?`).
		WithArgs("active", sqlmock.AnyArg(), "shop").
		WillReturnResult(sqlmock.NewResult(0, 1))

	res, err := h.p.DeployUpload(context.Background(), "shop", "Shop", zipPath, Overrides{})
	if err != nil {
		t.Fatalf("DeployUpload error: %v", err)
	}
	if res.App.Kind != registry.KindBackend || res.App.EntryPath != "server.js" {
		t.Fatalf("app = %+v, want a backend entered at server.js", res.App)
	}
	if res.App.LastDeployedAt == nil {
		t.Fatal("LastDeployedAt not stamped")
	}

	if _, err := os.Stat(filepath.Join(h.cfg.AppsDir, "shop", "server.js")); err != nil {
		t.Fatalf("activated tree missing entry: %v", err)
	}
	if len(h.namespaced) != 1 || h.namespaced[0] != "shop" {
		t.Fatalf("namespaced = %v, want [shop]", h.namespaced)
	}
	if !h.events.has(eventlog.EventArchiveUpload) || !h.events.has(eventlog.EventDeploy) {
		t.Fatalf("events = %v", h.events.events)
	}

	left, err := os.ReadDir(h.cfg.TmpDir)
	if err != nil || len(left) != 0 {
		t.Fatalf("staging left behind: %v, %v", left, err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet SQL expectations: %v", err)
	}
}

func TestDeployUploadStaticSite(t *testing.T) {
	apps, mock := newMockRegistry(t)
	h := newHarness(t, apps)

	zipPath := writeZip(t, []zipEntry{
		{name: "index.html", body: "<h1>shop</h1>"},
		{name: "css/site.css", body: "body{}"},
	})

	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM apps WHERE slug = \?`).
		WithArgs("shop").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
	mock.ExpectExec(`(?s)INSERT INTO apps.+VALUES`).
		WithArgs("shop", "Shop", "active", "frontend", "", ".", "{}",
			"archive-upload", "", "", "", "").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`(?s)UPDATE apps.+last_deployed_at = \?.+WHERE.+slug = \?`).
		WithArgs("active", sqlmock.AnyArg(), "shop").
		WillReturnResult(sqlmock.NewResult(0, 1))

	res, err := h.p.DeployUpload(context.Background(), "shop", "Shop", zipPath,
		Overrides{Kind: registry.KindFrontend})
	if err != nil {
		t.Fatalf("DeployUpload error: %v", err)
	}
	if res.App.Kind != registry.KindFrontend || res.App.BuildOutputDir != "." {
		t.Fatalf("app = %+v, want a frontend served from its root", res.App)
	}

	raw, err := os.ReadFile(filepath.Join(h.cfg.AppsDir, "shop", "index.html"))
	if err != nil || string(raw) != "<h1>shop</h1>" {
		t.Fatalf("activated tree = (%q, %v)", raw, err)
	}
	// No entry file to screen, and no namespace for a static site.
	if len(h.namespaced) != 0 {
		t.Fatalf("namespaced = %v, want none", h.namespaced)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet SQL expectations: %v", err)
	}
}

func TestDeployUploadValidatesSlugFirst(t *testing.T) {
	apps, mock := newMockRegistry(t)
	h := newHarness(t, apps)

	if _, err := h.p.DeployUpload(context.Background(), "Bad Slug", "", "ignored.zip", Overrides{}); err == nil {
		t.Error("malformed slug accepted")
	}
	if _, err := h.p.DeployUpload(context.Background(), "admin", "", "ignored.zip", Overrides{}); err == nil {
		t.Error("reserved slug accepted")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("SQL touched before validation: %v", err)
	}
}

func TestDeployUploadConflict(t *testing.T) {
	apps, mock := newMockRegistry(t)
	h := newHarness(t, apps)

	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM apps WHERE slug = \?`).
		WithArgs("shop").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))

	if _, err := h.p.DeployUpload(context.Background(), "shop", "", "ignored.zip", Overrides{}); !errors.Is(err, registry.ErrExists) {
		t.Fatalf("err = %v, want ErrExists", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet SQL expectations: %v", err)
	}
}

func TestDeployUploadForbiddenCode(t *testing.T) {
	apps, mock := newMockRegistry(t)
	h := newHarness(t, apps)

	zipPath := writeZip(t, []zipEntry{
		{name: "server.js", body: "const app = express();\napp.listen(3000);\n"},
	})

	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM apps WHERE slug = \?`).
		WithArgs("shop").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))

	_, err := h.p.DeployUpload(context.Background(), "shop", "", zipPath, Overrides{})
	var cv *CodeViolation
	if !errors.As(err, &cv) {
		t.Fatalf("err = %v, want a CodeViolation", err)
	}

	// A failed first deploy registers nothing and leaves no tree.
	if _, err := os.Stat(filepath.Join(h.cfg.AppsDir, "shop")); !os.IsNotExist(err) {
		t.Errorf("app directory created on failure, err = %v", err)
	}
	left, err := os.ReadDir(h.cfg.TmpDir)
	if err != nil || len(left) != 0 {
		t.Errorf("staging left behind: %v, %v", left, err)
	}
	if !h.events.has(eventlog.EventError) {
		t.Errorf("events = %v, want an error event", h.events.events)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet SQL expectations: %v", err)
	}
}

func TestDeployUploadRejectsBadEntryOverride(t *testing.T) {
	apps, mock := newMockRegistry(t)
	h := newHarness(t, apps)

	zipPath := writeZip(t, []zipEntry{
		{name: "server.js", body: "module.exports = 1\n"},
	})

	for _, entry := range []string{"../outside.js", "gone.js"} {
		mock.ExpectQuery(`SELECT COUNT\(\*\) FROM apps WHERE slug = \?`).
			WithArgs("shop").
			WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
		_, err := h.p.DeployUpload(context.Background(), "shop", "", zipPath,
			Overrides{EntryPath: entry})
		if !errors.Is(err, ErrBadOverride) {
			t.Errorf("entry %q: err = %v, want ErrBadOverride", entry, err)
		}
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet SQL expectations: %v", err)
	}
}

func TestUpdateGitRequiresGitSource(t *testing.T) {
	apps, mock := newMockRegistry(t)
	h := newHarness(t, apps)

	now := time.Now()
	mock.ExpectQuery(`(?s)SELECT.+FROM apps WHERE slug = \? LIMIT 1`).
		WithArgs("shop").
		WillReturnRows(sqlmock.NewRows(appCols).AddRow(
			"shop", "Shop", "active", "frontend", "", ".", "{}",
			"archive-upload", "", "", "", uint64(0), "", now, now, nil))

	if _, err := h.p.UpdateGit(context.Background(), "shop", ""); !errors.Is(err, ErrNotGitApp) {
		t.Fatalf("err = %v, want ErrNotGitApp", err)
	}
}

func TestUpdateUploadPreservesEnvAndEvicts(t *testing.T) {
	apps, mock := newMockRegistry(t)
	h := newHarness(t, apps)

	shopDir := filepath.Join(h.cfg.AppsDir, "shop")
	if err := os.MkdirAll(shopDir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(shopDir, "index.html"), []byte("old"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(shopDir, ".env"), []byte("API_KEY=abc\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	zipPath := writeZip(t, []zipEntry{
		{name: "index.html", body: "new"},
	})

	now := time.Now()
	mock.ExpectQuery(`(?s)SELECT.+FROM apps WHERE slug = \? LIMIT 1`).
		WithArgs("shop").
		WillReturnRows(sqlmock.NewRows(appCols).AddRow(
			"shop", "Shop", "active", "frontend", "", ".", "{}",
			"archive-upload", "", "", "", uint64(0), "", now, now, nil))
	mock.ExpectExec(`(?s)UPDATE apps.+SET.+name = \?`).
		WithArgs("Shop", "active", "frontend", "", ".", "{}",
			"archive-upload", "", "", "", "", "shop").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`(?s)UPDATE apps.+last_deployed_at = \?.+WHERE.+slug = \?`).
		WithArgs("active", sqlmock.AnyArg(), "shop").
		WillReturnResult(sqlmock.NewResult(0, 1))

	res, err := h.p.UpdateUpload(context.Background(), "shop", zipPath,
		Overrides{Kind: registry.KindFrontend})
	if err != nil {
		t.Fatalf("UpdateUpload error: %v", err)
	}
	if res.App.Status != registry.StatusActive {
		t.Fatalf("status = %s, want active", res.App.Status)
	}

	raw, err := os.ReadFile(filepath.Join(shopDir, "index.html"))
	if err != nil || string(raw) != "new" {
		t.Fatalf("index.html = (%q, %v), want the new tree", raw, err)
	}
	env, err := os.ReadFile(filepath.Join(shopDir, ".env"))
	if err != nil || string(env) != "API_KEY=abc\n" {
		t.Fatalf(".env = (%q, %v), want it carried over", env, err)
	}
	if len(h.evicted) != 1 || h.evicted[0] != "shop" {
		t.Fatalf("evicted = %v, want [shop]", h.evicted)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet SQL expectations: %v", err)
	}
}

func TestUpdateUploadFailureKeepsOldTree(t *testing.T) {
	apps, mock := newMockRegistry(t)
	h := newHarness(t, apps)

	shopDir := filepath.Join(h.cfg.AppsDir, "shop")
	if err := os.MkdirAll(shopDir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(shopDir, "index.html"), []byte("old"), 0o644); err != nil {
		t.Fatal(err)
	}

	zipPath := writeZip(t, []zipEntry{
		{name: "server.js", body: "server.listen(8080);\n"},
	})

	now := time.Now()
	mock.ExpectQuery(`(?s)SELECT.+FROM apps WHERE slug = \? LIMIT 1`).
		WithArgs("shop").
		WillReturnRows(sqlmock.NewRows(appCols).AddRow(
			"shop", "Shop", "active", "frontend", "", ".", "{}",
			"archive-upload", "", "", "", uint64(0), "", now, now, nil))
	mock.ExpectExec(`UPDATE apps SET status = \?, last_error = \? WHERE slug = \?`).
		WithArgs("error", sqlmock.AnyArg(), "shop").
		WillReturnResult(sqlmock.NewResult(0, 1))

	_, err := h.p.UpdateUpload(context.Background(), "shop", zipPath, Overrides{})
	var cv *CodeViolation
	if !errors.As(err, &cv) {
		t.Fatalf("err = %v, want a CodeViolation", err)
	}

	raw, err := os.ReadFile(filepath.Join(shopDir, "index.html"))
	if err != nil || string(raw) != "old" {
		t.Fatalf("index.html = (%q, %v), want the old tree intact", raw, err)
	}
	if len(h.evicted) != 0 {
		t.Fatalf("evicted = %v, want none on a pre-swap failure", h.evicted)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet SQL expectations: %v", err)
	}
}

func TestRedeployRebuildsInPlace(t *testing.T) {
	apps, mock := newMockRegistry(t)
	h := newHarness(t, apps)

	shopDir := filepath.Join(h.cfg.AppsDir, "shop")
	if err := os.MkdirAll(shopDir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(shopDir, "index.html"), []byte("<h1>shop</h1>"), 0o644); err != nil {
		t.Fatal(err)
	}

	now := time.Now()
	mock.ExpectQuery(`(?s)SELECT.+FROM apps WHERE slug = \? LIMIT 1`).
		WithArgs("shop").
		WillReturnRows(sqlmock.NewRows(appCols).AddRow(
			"shop", "Shop", "active", "frontend", "", ".", "{}",
			"archive-upload", "", "", "", uint64(0), "", now, now, nil))
	mock.ExpectExec(`(?s)UPDATE apps.+SET.+name = \?`).
		WithArgs("Shop", "active", "frontend", "", ".", "{}",
			"archive-upload", "", "", "", "", "shop").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`(?s)UPDATE apps.+last_deployed_at = \?.+WHERE.+slug = \?`).
		WithArgs("active", sqlmock.AnyArg(), "shop").
		WillReturnResult(sqlmock.NewResult(0, 1))

	res, err := h.p.Redeploy(context.Background(), "shop")
	if err != nil {
		t.Fatalf("Redeploy error: %v", err)
	}
	if res.App.BuildOutputDir != "." {
		t.Fatalf("app = %+v, want the root output kept", res.App)
	}
	if len(h.evicted) != 1 || h.evicted[0] != "shop" {
		t.Fatalf("evicted = %v, want [shop]", h.evicted)
	}
	if !h.events.has(eventlog.EventRedeploy) {
		t.Fatalf("events = %v, want a redeploy event", h.events.events)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet SQL expectations: %v", err)
	}
}
