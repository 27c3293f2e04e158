// internal/web/settings_test.go

package web

import (
	"database/sql"
	"net/http"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
)

func TestSettingsListRedactsEncryptedValues(t *testing.T) {
	rg := newRig(t)

	now := time.Now()
	rows := sqlmock.NewRows(settingCols).
		AddRow("backup.retention_days", "30", "backup", false, "", now).
		AddRow("github.token", "ghp_secret", "github", true, "clone credential", now)
	rg.mock.ExpectQuery(`(?s)SELECT.+FROM\s+settings\s+ORDER\s+BY category`).
		WillReturnRows(rows)

	rec := rg.do(rg.authed(t, adminReq(http.MethodGet, "/api/admin/settings", nil)))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	m := decode(t, rec)
	list, _ := m["settings"].([]any)
	if len(list) != 2 {
		t.Fatalf("settings = %v", m["settings"])
	}
	for _, item := range list {
		s := item.(map[string]any)
		switch s["key"] {
		case "backup.retention_days":
			if s["value"] != "30" {
				t.Errorf("plain value = %v, want 30", s["value"])
			}
		case "github.token":
			if s["value"] == "ghp_secret" {
				t.Error("encrypted value leaked unmasked")
			}
		}
	}
}

func TestSettingGetRedactsSingleKey(t *testing.T) {
	rg := newRig(t)

	rg.mock.ExpectQuery(`(?s)SELECT.+FROM\s+settings\s+WHERE`).
		WithArgs("github.token").
		WillReturnRows(sqlmock.NewRows(settingCols).
			AddRow("github.token", "ghp_secret", "github", true, "", time.Now()))

	rec := rg.do(rg.authed(t, adminReq(http.MethodGet, "/api/admin/settings/github.token", nil)))
	m := decode(t, rec)
	setting, _ := m["setting"].(map[string]any)
	if setting["value"] == "ghp_secret" {
		t.Error("single-key read leaked the raw value")
	}
}

func TestSettingGetUnknownKey(t *testing.T) {
	rg := newRig(t)

	rg.mock.ExpectQuery(`(?s)SELECT.+FROM\s+settings\s+WHERE`).
		WithArgs("nope").
		WillReturnError(sql.ErrNoRows)

	rec := rg.do(rg.authed(t, adminReq(http.MethodGet, "/api/admin/settings/nope", nil)))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
	if code := errCode(t, decode(t, rec)); code != CodeSettingNotFound {
		t.Errorf("code = %d, want %d", code, CodeSettingNotFound)
	}
}

func TestSettingPutRejectsUnknownCategory(t *testing.T) {
	rg := newRig(t)

	rec := rg.do(rg.authed(t, adminReq(http.MethodPut, "/api/admin/settings/some.key",
		map[string]any{"value": "x", "category": "secrets"})))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	if code := errCode(t, decode(t, rec)); code != CodeBadEnum {
		t.Errorf("code = %d, want %d", code, CodeBadEnum)
	}
}

func TestSettingPutUpsertsAndAnswersRedacted(t *testing.T) {
	rg := newRig(t)

	rg.mock.ExpectExec(`(?s)INSERT INTO settings.+ON DUPLICATE KEY UPDATE`).
		WithArgs("github.token", "ghp_new", "github", true, "clone credential").
		WillReturnResult(sqlmock.NewResult(0, 1))
	// The handler reads the row back to answer with the stored shape.
	rg.mock.ExpectQuery(`(?s)SELECT.+FROM\s+settings\s+WHERE`).
		WithArgs("github.token").
		WillReturnRows(sqlmock.NewRows(settingCols).
			AddRow("github.token", "ghp_new", "github", true, "clone credential", time.Now()))

	rec := rg.do(rg.authed(t, adminReq(http.MethodPut, "/api/admin/settings/github.token",
		map[string]any{
			"value":       "ghp_new",
			"category":    "github",
			"encrypted":   true,
			"description": "clone credential",
		})))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	m := decode(t, rec)
	setting, _ := m["setting"].(map[string]any)
	if setting["value"] == "ghp_new" {
		t.Error("PUT response leaked the raw value")
	}
	if err := rg.mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet SQL expectations: %v", err)
	}
}

func TestSettingsCategoryRejectsUnknownName(t *testing.T) {
	rg := newRig(t)

	rec := rg.do(rg.authed(t, adminReq(http.MethodGet, "/api/admin/settings/category/secrets", nil)))
	if code := errCode(t, decode(t, rec)); code != CodeBadEnum {
		t.Errorf("code = %d, want %d", code, CodeBadEnum)
	}
}

func TestSettingDeleteChecksExistenceFirst(t *testing.T) {
	rg := newRig(t)

	rg.mock.ExpectQuery(`(?s)SELECT.+FROM\s+settings\s+WHERE`).
		WithArgs("ghost.key").
		WillReturnError(sql.ErrNoRows)

	rec := rg.do(rg.authed(t, adminReq(http.MethodDelete, "/api/admin/settings/ghost.key", nil)))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
	if code := errCode(t, decode(t, rec)); code != CodeSettingNotFound {
		t.Errorf("code = %d, want %d", code, CodeSettingNotFound)
	}
}
