// internal/web/settings.go
//
// Platform settings handlers.  Encrypted values never leave redacted:
// the store hands back raw rows and this layer masks them before
// serializing, single-key reads included.
//
// Oxford commas, two spaces after periods.

package web

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/platformx/platformx/internal/settings"
)

// settingInput is the write shape shared by the single and bulk PUTs.
type settingInput struct {
	Key         string `json:"key"`
	Value       string `json:"value"`
	Category    string `json:"category"`
	Encrypted   bool   `json:"encrypted"`
	Description string `json:"description"`
}

func (in *settingInput) validate() *apiError {
	if in.Key == "" {
		return fail(http.StatusBadRequest, CodeBadRequest, "key required")
	}
	if in.Category != "" && !settings.ValidCategory(in.Category) {
		return fail(http.StatusBadRequest, CodeBadEnum, "unknown category %q", in.Category)
	}
	return nil
}

func redactAll(rows []settings.Setting) []settings.Setting {
	out := make([]settings.Setting, len(rows))
	for i, row := range rows {
		out[i] = row.Redacted()
	}
	return out
}

/*──────────────────────────── reads ───────────────────────────────────────*/

func (s *Server) handleSettingsAll(w http.ResponseWriter, r *http.Request) {
	rows, err := s.d.Settings.All(r.Context())
	if err != nil {
		writeErr(w, r, storeErr(err))
		return
	}
	rows = redactAll(rows)
	writeOK(w, http.StatusOK, map[string]any{"settings": rows, "count": len(rows)})
}

func (s *Server) handleSettingsCategory(w http.ResponseWriter, r *http.Request) {
	category := chi.URLParam(r, "category")
	if !settings.ValidCategory(category) {
		writeErr(w, r, fail(http.StatusBadRequest, CodeBadEnum, "unknown category %q", category))
		return
	}
	rows, err := s.d.Settings.ByCategory(r.Context(), category)
	if err != nil {
		writeErr(w, r, storeErr(err))
		return
	}
	rows = redactAll(rows)
	writeOK(w, http.StatusOK, map[string]any{"settings": rows, "count": len(rows)})
}

func (s *Server) handleSettingGet(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	row, err := s.d.Settings.Get(r.Context(), key)
	if err != nil {
		writeErr(w, r, storeErr(err))
		return
	}
	writeOK(w, http.StatusOK, map[string]any{"setting": row.Redacted()})
}

/*──────────────────────────── writes ──────────────────────────────────────*/

func (s *Server) handleSettingPut(w http.ResponseWriter, r *http.Request) {
	var in settingInput
	if err := readJSON(w, r, &in); err != nil {
		writeErr(w, r, err)
		return
	}
	in.Key = chi.URLParam(r, "key")
	if aerr := in.validate(); aerr != nil {
		writeErr(w, r, aerr)
		return
	}
	if err := s.d.Settings.Set(r.Context(), settings.Setting{
		Key:         in.Key,
		Value:       in.Value,
		Category:    in.Category,
		Encrypted:   in.Encrypted,
		Description: in.Description,
	}); err != nil {
		writeErr(w, r, storeErr(err))
		return
	}
	row, err := s.d.Settings.Get(r.Context(), in.Key)
	if err != nil {
		writeErr(w, r, storeErr(err))
		return
	}
	writeOK(w, http.StatusOK, map[string]any{"setting": row.Redacted()})
}

func (s *Server) handleSettingsBulkPut(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Settings []settingInput `json:"settings"`
	}
	if err := readJSON(w, r, &in); err != nil {
		writeErr(w, r, err)
		return
	}
	if len(in.Settings) == 0 {
		writeErr(w, r, fail(http.StatusBadRequest, CodeBadRequest, "settings array required"))
		return
	}
	for i := range in.Settings {
		if aerr := in.Settings[i].validate(); aerr != nil {
			aerr.Details = map[string]any{"key": in.Settings[i].Key, "index": i}
			writeErr(w, r, aerr)
			return
		}
	}
	for _, item := range in.Settings {
		if err := s.d.Settings.Set(r.Context(), settings.Setting{
			Key:         item.Key,
			Value:       item.Value,
			Category:    item.Category,
			Encrypted:   item.Encrypted,
			Description: item.Description,
		}); err != nil {
			writeErr(w, r, storeErr(err))
			return
		}
	}
	writeOK(w, http.StatusOK, map[string]any{"updated": len(in.Settings)})
}

func (s *Server) handleSettingDelete(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	// Surface the miss before the no-op delete.
	if _, err := s.d.Settings.Get(r.Context(), key); err != nil {
		writeErr(w, r, storeErr(err))
		return
	}
	if err := s.d.Settings.Delete(r.Context(), key); err != nil {
		writeErr(w, r, storeErr(err))
		return
	}
	writeOK(w, http.StatusOK, map[string]any{"key": key, "deleted": true})
}
