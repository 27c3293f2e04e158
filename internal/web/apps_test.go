// internal/web/apps_test.go

package web

import (
	"context"
	"database/sql"
	"net/http"
	"os"
	"path/filepath"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/go-sql-driver/mysql"

	"github.com/platformx/platformx/internal/registry"
)

func TestAppListAll(t *testing.T) {
	rg := newRig(t)

	rows := sqlmock.NewRows(appCols)
	rows.AddRow(appRow("shop", "backend", "active")...)
	rows.AddRow(appRow("wiki", "frontend", "active")...)
	rg.mock.ExpectQuery(`(?s)SELECT.+FROM apps ORDER BY slug`).WillReturnRows(rows)

	rec := rg.do(rg.authed(t, adminReq(http.MethodGet, "/api/admin/apps", nil)))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	m := decode(t, rec)
	if m["count"] != float64(2) {
		t.Errorf("count = %v, want 2", m["count"])
	}
	if err := rg.mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet SQL expectations: %v", err)
	}
}

func TestAppListByStatusRejectsUnknownValue(t *testing.T) {
	rg := newRig(t)

	rec := rg.do(rg.authed(t, adminReq(http.MethodGet, "/api/admin/apps?status=zombie", nil)))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	if code := errCode(t, decode(t, rec)); code != CodeBadEnum {
		t.Errorf("code = %d, want %d", code, CodeBadEnum)
	}
}

func TestAppGetNotFound(t *testing.T) {
	rg := newRig(t)

	rg.mock.ExpectQuery(`(?s)SELECT.+FROM apps WHERE slug = \? LIMIT 1`).
		WithArgs("ghost").
		WillReturnError(sql.ErrNoRows)

	rec := rg.do(rg.authed(t, adminReq(http.MethodGet, "/api/admin/apps/ghost", nil)))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
	if code := errCode(t, decode(t, rec)); code != CodeAppNotFound {
		t.Errorf("code = %d, want %d", code, CodeAppNotFound)
	}
}

func TestAppGetReportsCacheResidency(t *testing.T) {
	rg := newRig(t)

	rg.mock.ExpectQuery(`(?s)SELECT.+FROM apps WHERE slug = \? LIMIT 1`).
		WithArgs("wiki").
		WillReturnRows(sqlmock.NewRows(appCols).AddRow(appRow("wiki", "frontend", "active")...))

	rec := rg.do(rg.authed(t, adminReq(http.MethodGet, "/api/admin/apps/wiki", nil)))
	m := decode(t, rec)
	if m["cached"] != false {
		t.Errorf("cached = %v, want false for a cold app", m["cached"])
	}
	app, _ := m["app"].(map[string]any)
	if app == nil || app["slug"] != "wiki" {
		t.Errorf("app payload = %v", m["app"])
	}
}

func TestAppPatchRejectsBadFields(t *testing.T) {
	rg := newRig(t)

	cases := []struct {
		name string
		body map[string]any
		code int
	}{
		{"empty name", map[string]any{"name": "  "}, CodeBadRequest},
		{"bad status", map[string]any{"status": "sleeping"}, CodeBadEnum},
		{"absolute entry", map[string]any{"entryPath": "/etc/passwd"}, CodeBadRequest},
		{"escaping output dir", map[string]any{"buildOutputDir": "../out"}, CodeBadRequest},
		{"bad proxy target", map[string]any{"proxyMap": map[string]string{"/api": "ftp://x"}}, CodeBadRequest},
		{"bad webhook", map[string]any{"webhookUrl": "not-a-url"}, CodeBadRequest},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			rg.mock.ExpectQuery(`(?s)SELECT.+FROM apps WHERE slug = \? LIMIT 1`).
				WithArgs("wiki").
				WillReturnRows(sqlmock.NewRows(appCols).AddRow(appRow("wiki", "frontend", "active")...))

			rec := rg.do(rg.authed(t, adminReq(http.MethodPatch, "/api/admin/apps/wiki", c.body)))
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400: %s", rec.Code, rec.Body.String())
			}
			if code := errCode(t, decode(t, rec)); code != c.code {
				t.Errorf("code = %d, want %d", code, c.code)
			}
		})
	}
}

func TestAppPatchPersistsAndClearsLastError(t *testing.T) {
	rg := newRig(t)

	row := appRow("wiki", "frontend", "error")
	row[12] = "spawn failed" // last_error
	rg.mock.ExpectQuery(`(?s)SELECT.+FROM apps WHERE slug = \? LIMIT 1`).
		WithArgs("wiki").
		WillReturnRows(sqlmock.NewRows(appCols).AddRow(row...))
	rg.mock.ExpectExec(`(?s)UPDATE apps.+SET.+name = \?`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	rec := rg.do(rg.authed(t, adminReq(http.MethodPatch, "/api/admin/apps/wiki",
		map[string]any{"name": "Wiki v2", "status": "active"})))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	m := decode(t, rec)
	app, _ := m["app"].(map[string]any)
	if app["name"] != "Wiki v2" {
		t.Errorf("name = %v, want Wiki v2", app["name"])
	}
	// lastError is omitempty, so a cleared field vanishes from the JSON.
	if _, present := app["lastError"]; present {
		t.Errorf("lastError = %v, want cleared on reactivation", app["lastError"])
	}
	if err := rg.mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet SQL expectations: %v", err)
	}
}

/*──────────────────────────── rename ──────────────────────────────────────*/

func TestRenameRejectsBadAndReservedSlugs(t *testing.T) {
	rg := newRig(t)

	rec := rg.do(rg.authed(t, adminReq(http.MethodPost, "/api/admin/apps/wiki/rename",
		map[string]string{"newName": "ab"})))
	if code := errCode(t, decode(t, rec)); code != CodeBadSlug {
		t.Errorf("short slug code = %d, want %d", code, CodeBadSlug)
	}

	rec = rg.do(rg.authed(t, adminReq(http.MethodPost, "/api/admin/apps/wiki/rename",
		map[string]string{"newName": "admin"})))
	if code := errCode(t, decode(t, rec)); code != CodeReservedSlug {
		t.Errorf("reserved slug code = %d, want %d", code, CodeReservedSlug)
	}

	rec = rg.do(rg.authed(t, adminReq(http.MethodPost, "/api/admin/apps/wiki/rename",
		map[string]string{"newName": "wiki"})))
	if code := errCode(t, decode(t, rec)); code != CodeBadRequest {
		t.Errorf("no-op rename code = %d, want %d", code, CodeBadRequest)
	}
}

func TestRenameMovesRowAndDirectory(t *testing.T) {
	rg := newRig(t)
	rg.seedAppDir(t, "wiki", map[string]string{"index.html": "<html></html>"})

	rg.mock.ExpectQuery(`(?s)SELECT.+FROM apps WHERE slug = \? LIMIT 1`).
		WithArgs("wiki").
		WillReturnRows(sqlmock.NewRows(appCols).AddRow(appRow("wiki", "frontend", "active")...))
	rg.mock.ExpectExec(`UPDATE apps SET slug = \? WHERE slug = \?`).
		WithArgs("docs", "wiki").
		WillReturnResult(sqlmock.NewResult(0, 1))

	rec := rg.do(rg.authed(t, adminReq(http.MethodPost, "/api/admin/apps/wiki/rename",
		map[string]string{"newName": "docs"})))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	m := decode(t, rec)
	if m["oldSlug"] != "wiki" || m["newSlug"] != "docs" {
		t.Errorf("payload = %v, want wiki renamed to docs", m)
	}
	if _, err := os.Stat(filepath.Join(rg.cfg.Paths.Apps, "docs", "index.html")); err != nil {
		t.Errorf("renamed tree missing: %v", err)
	}
	if _, err := os.Stat(filepath.Join(rg.cfg.Paths.Apps, "wiki")); !os.IsNotExist(err) {
		t.Errorf("old tree still present: %v", err)
	}
}

func TestRenameCollisionRollsNothingOver(t *testing.T) {
	rg := newRig(t)
	rg.seedAppDir(t, "wiki", map[string]string{"index.html": "x"})

	rg.mock.ExpectQuery(`(?s)SELECT.+FROM apps WHERE slug = \? LIMIT 1`).
		WithArgs("wiki").
		WillReturnRows(sqlmock.NewRows(appCols).AddRow(appRow("wiki", "frontend", "active")...))
	rg.mock.ExpectExec(`UPDATE apps SET slug = \? WHERE slug = \?`).
		WithArgs("shop", "wiki").
		WillReturnError(&mysql.MySQLError{Number: 1062, Message: "dup"})

	rec := rg.do(rg.authed(t, adminReq(http.MethodPost, "/api/admin/apps/wiki/rename",
		map[string]string{"newName": "shop"})))
	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409", rec.Code)
	}
	if code := errCode(t, decode(t, rec)); code != CodeAppExists {
		t.Errorf("code = %d, want %d", code, CodeAppExists)
	}

	// The row update failed, so the tree must be back where it started.
	if _, err := os.Stat(filepath.Join(rg.cfg.Paths.Apps, "wiki", "index.html")); err != nil {
		t.Errorf("original tree not restored: %v", err)
	}
	if _, err := os.Stat(filepath.Join(rg.cfg.Paths.Apps, "shop")); !os.IsNotExist(err) {
		t.Errorf("target tree left behind, err = %v", err)
	}
}

func TestRenameMissingDirectoryLeavesRowUntouched(t *testing.T) {
	rg := newRig(t)

	rg.mock.ExpectQuery(`(?s)SELECT.+FROM apps WHERE slug = \? LIMIT 1`).
		WithArgs("wiki").
		WillReturnRows(sqlmock.NewRows(appCols).AddRow(appRow("wiki", "frontend", "active")...))

	rec := rg.do(rg.authed(t, adminReq(http.MethodPost, "/api/admin/apps/wiki/rename",
		map[string]string{"newName": "docs"})))
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}
	if code := errCode(t, decode(t, rec)); code != CodeFSFailed {
		t.Errorf("code = %d, want %d", code, CodeFSFailed)
	}
	// No UPDATE was expected: a failed directory move never reaches the
	// row.
	if err := rg.mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet SQL expectations: %v", err)
	}
}

/*──────────────────────────── delete ──────────────────────────────────────*/

func TestAppDeleteRemovesTreeRowAndHistory(t *testing.T) {
	rg := newRig(t)
	rg.seedAppDir(t, "wiki", map[string]string{"index.html": "x"})

	rg.mock.ExpectQuery(`(?s)SELECT.+FROM apps WHERE slug = \? LIMIT 1`).
		WithArgs("wiki").
		WillReturnRows(sqlmock.NewRows(appCols).AddRow(appRow("wiki", "frontend", "active")...))
	rg.mock.ExpectExec(`DELETE FROM apps WHERE slug = \?`).
		WithArgs("wiki").
		WillReturnResult(sqlmock.NewResult(0, 1))
	rg.mock.ExpectExec(`DELETE FROM event_logs WHERE slug = \?`).
		WithArgs("wiki").
		WillReturnResult(sqlmock.NewResult(0, 3))

	rec := rg.do(rg.authed(t, adminReq(http.MethodDelete, "/api/admin/apps/wiki", nil)))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	m := decode(t, rec)
	if m["deleted"] != true || m["slug"] != "wiki" {
		t.Errorf("payload = %v", m)
	}
	if _, err := os.Stat(filepath.Join(rg.cfg.Paths.Apps, "wiki")); !os.IsNotExist(err) {
		t.Errorf("app tree survived the delete: %v", err)
	}
	if err := rg.mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet SQL expectations: %v", err)
	}
}

/*──────────────────────────── sync ────────────────────────────────────────*/

func TestSyncReturnsReport(t *testing.T) {
	rg := newRig(t)
	rg.srv.d.Sync = func(_ context.Context, autoRename bool) (*registry.SyncReport, error) {
		if autoRename {
			t.Error("autoRename = true, want false by default")
		}
		return &registry.SyncReport{Added: []string{"orphan"}}, nil
	}

	rec := rg.do(rg.authed(t, adminReq(http.MethodPost, "/api/admin/apps/sync", nil)))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	m := decode(t, rec)
	rep, _ := m["report"].(map[string]any)
	added, _ := rep["added"].([]any)
	if len(added) != 1 || added[0] != "orphan" {
		t.Errorf("report = %v", m["report"])
	}
}
