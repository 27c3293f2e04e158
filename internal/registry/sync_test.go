// internal/registry/sync_test.go
//
// Reconcile tests run against a throwaway directory plus sqlmock.

package registry

import (
	"context"
	"database/sql/driver"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
)

func ghostRow(status string) []driver.Value {
	now := time.Now()
	return []driver.Value{
		"ghost", "ghost", status, "backend", "", "", "{}", "unknown",
		"", "", "", uint64(0), "", now, now, nil,
	}
}

func seedDir(t *testing.T, appsDir, name string, withEntry bool) {
	t.Helper()
	dir := filepath.Join(appsDir, name)
	if err := os.Mkdir(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	if withEntry {
		if err := os.WriteFile(filepath.Join(dir, "index.js"), []byte("module.exports = 1\n"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
}

// inspectByEntry reports a backend app when index.js is present, and no
// recognized entry otherwise.
func inspectByEntry(dir string) (Kind, string, string) {
	if _, err := os.Stat(filepath.Join(dir, "index.js")); err != nil {
		return KindBackend, "", ""
	}
	return KindBackend, "index.js", ""
}

func TestReconcile(t *testing.T) {
	appsDir := t.TempDir()
	// "My App!" carries an invalid name and is renamed, "evil" flunks the
	// code check, and "static-site" has no entry file.
	seedDir(t, appsDir, "My App!", true)
	seedDir(t, appsDir, "evil", true)
	seedDir(t, appsDir, "static-site", false)
	seedDir(t, appsDir, "wiki", true)
	seedDir(t, appsDir, ".trash", false) // hidden, ignored

	st, mock := newMockStore(t)

	listRows := sqlmock.NewRows(appCols)
	listRows.AddRow(ghostRow("active")...)
	mock.ExpectQuery(`(?s)SELECT.+FROM apps ORDER BY slug`).WillReturnRows(listRows)

	// "My App!" sorts before the lowercase names, so the rename flow runs
	// first.
	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM apps WHERE slug = \?`).
		WithArgs("my-app").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
	mock.ExpectExec(`(?s)INSERT INTO apps.+VALUES`).
		WithArgs("my-app", "my-app", "active", "backend", "index.js", "", "{}",
			"manual", "", "", "", "").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`(?s)INSERT INTO apps.+VALUES`).
		WithArgs("wiki", "wiki", "active", "backend", "index.js", "", "{}",
			"manual", "", "", "", "").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`DELETE FROM apps WHERE slug = \?`).
		WithArgs("ghost").
		WillReturnResult(sqlmock.NewResult(0, 1))

	validate := func(path string) error {
		if strings.Contains(path, "evil") {
			return errors.New("app.listen call in entry file")
		}
		return nil
	}

	rep, err := Reconcile(context.Background(), st, appsDir, inspectByEntry, validate, true)
	if err != nil {
		t.Fatalf("Reconcile error: %v", err)
	}

	if len(rep.Added) != 2 || rep.Added[0] != "my-app" || rep.Added[1] != "wiki" {
		t.Errorf("Added = %v, want [my-app wiki]", rep.Added)
	}
	if rep.Renamed["My App!"] != "my-app" {
		t.Errorf("Renamed = %v, want My App! -> my-app", rep.Renamed)
	}
	if len(rep.Removed) != 1 || rep.Removed[0] != "ghost" {
		t.Errorf("Removed = %v, want [ghost]", rep.Removed)
	}
	if rep.Skipped["static-site"] != "no recognized entry file" {
		t.Errorf("Skipped[static-site] = %q", rep.Skipped["static-site"])
	}
	if !strings.Contains(rep.Skipped["evil"], "listen") {
		t.Errorf("Skipped[evil] = %q, want a validation reason", rep.Skipped["evil"])
	}

	if _, err := os.Stat(filepath.Join(appsDir, "my-app")); err != nil {
		t.Errorf("renamed directory missing: %v", err)
	}
	if _, err := os.Stat(filepath.Join(appsDir, "My App!")); !os.IsNotExist(err) {
		t.Errorf("original directory still present, err = %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet SQL expectations: %v", err)
	}
}

func TestReconcileSanitizedCollision(t *testing.T) {
	appsDir := t.TempDir()
	// "My App!" sanitizes to "my-app", which is already a directory, so
	// the folder is skipped and left exactly where it was.  "Shop!" and
	// "shop " both sanitize to "shop"; the first claims it, the second
	// skips.
	seedDir(t, appsDir, "My App!", true)
	seedDir(t, appsDir, "my-app", true)
	seedDir(t, appsDir, "Shop!", true)
	seedDir(t, appsDir, "shop ", true)

	st, mock := newMockStore(t)
	mock.ExpectQuery(`(?s)SELECT.+FROM apps ORDER BY slug`).
		WillReturnRows(sqlmock.NewRows(appCols))

	// Directory order is lexical: "My App!", "Shop!", "my-app", "shop ".
	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM apps WHERE slug = \?`).
		WithArgs("shop").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
	mock.ExpectExec(`(?s)INSERT INTO apps.+VALUES`).
		WithArgs("shop", "shop", "active", "backend", "index.js", "", "{}",
			"manual", "", "", "", "").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`(?s)INSERT INTO apps.+VALUES`).
		WithArgs("my-app", "my-app", "active", "backend", "index.js", "", "{}",
			"manual", "", "", "", "").
		WillReturnResult(sqlmock.NewResult(0, 1))

	rep, err := Reconcile(context.Background(), st, appsDir, inspectByEntry, nil, true)
	if err != nil {
		t.Fatalf("Reconcile error: %v", err)
	}

	if !strings.Contains(rep.Skipped["My App!"], "collides") {
		t.Errorf("Skipped[My App!] = %q, want a collision reason", rep.Skipped["My App!"])
	}
	if !strings.Contains(rep.Skipped["shop "], "collides") {
		t.Errorf("Skipped[shop ] = %q, want a collision reason", rep.Skipped["shop "])
	}
	if got := rep.Renamed["My App!"]; got != "" {
		t.Errorf("Renamed[My App!] = %q, want no rename on collision", got)
	}
	if rep.Renamed["Shop!"] != "shop" {
		t.Errorf("Renamed = %v, want Shop! -> shop", rep.Renamed)
	}

	// Colliding folders stay untouched; no suffixed neighbors appear.
	if _, err := os.Stat(filepath.Join(appsDir, "My App!")); err != nil {
		t.Errorf("colliding directory was moved: %v", err)
	}
	if _, err := os.Stat(filepath.Join(appsDir, "shop ")); err != nil {
		t.Errorf("colliding directory was moved: %v", err)
	}
	if _, err := os.Stat(filepath.Join(appsDir, "my-app-2")); !os.IsNotExist(err) {
		t.Errorf("suffixed slug was invented, err = %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet SQL expectations: %v", err)
	}
}

func TestReconcileNoAutoRename(t *testing.T) {
	appsDir := t.TempDir()
	seedDir(t, appsDir, "Bad Name", true)

	st, mock := newMockStore(t)
	mock.ExpectQuery(`(?s)SELECT.+FROM apps ORDER BY slug`).
		WillReturnRows(sqlmock.NewRows(appCols))

	rep, err := Reconcile(context.Background(), st, appsDir, inspectByEntry, nil, false)
	if err != nil {
		t.Fatalf("Reconcile error: %v", err)
	}
	if rep.Skipped["Bad Name"] != "name is not a valid slug" {
		t.Errorf("Skipped = %v", rep.Skipped)
	}
	if len(rep.Added)+len(rep.Renamed)+len(rep.Removed) != 0 {
		t.Errorf("pass changed state: %+v", rep)
	}
	if _, err := os.Stat(filepath.Join(appsDir, "Bad Name")); err != nil {
		t.Errorf("directory was moved: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet SQL expectations: %v", err)
	}
}

func TestReconcileIdempotent(t *testing.T) {
	appsDir := t.TempDir()
	seedDir(t, appsDir, "wiki", true)

	st, mock := newMockStore(t)

	now := time.Now()
	listRows := sqlmock.NewRows(appCols).
		AddRow("wiki", "wiki", "active", "backend", "index.js", "", "{}",
			"manual", "", "", "", uint64(0), "", now, now, nil)
	mock.ExpectQuery(`(?s)SELECT.+FROM apps ORDER BY slug`).WillReturnRows(listRows)

	rep, err := Reconcile(context.Background(), st, appsDir, inspectByEntry, nil, true)
	if err != nil {
		t.Fatalf("Reconcile error: %v", err)
	}
	if len(rep.Added)+len(rep.Removed)+len(rep.Skipped)+len(rep.Renamed) != 0 {
		t.Errorf("second pass changed state: %+v", rep)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet SQL expectations: %v", err)
	}
}
