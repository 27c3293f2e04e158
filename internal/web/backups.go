// internal/web/backups.go
//
// Backup handlers: snapshot, list, restore, delete.
//
// Restore target resolution: newName beats the slug recorded in the
// archive metadata, and the engine refuses an existing target unless
// overwrite is set.  The engine owns locking and eviction; the handler
// only validates the target slug up front so a bad newName fails before
// any extraction work.
//
// Oxford commas, two spaces after periods.

package web

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/platformx/platformx/internal/routing"
)

func (s *Server) handleBackupList(w http.ResponseWriter, r *http.Request) {
	infos, err := s.d.Backups.List()
	if err != nil {
		writeErr(w, r, fail(http.StatusInternalServerError, CodeFSFailed, "could not list backups"))
		return
	}
	writeOK(w, http.StatusOK, map[string]any{"backups": infos, "count": len(infos)})
}

func (s *Server) handleBackupCreate(w http.ResponseWriter, r *http.Request) {
	slug := chi.URLParam(r, "slug")
	app, err := s.d.Apps.Get(r.Context(), slug)
	if err != nil {
		writeErr(w, r, storeErr(err))
		return
	}
	info, err := s.d.Backups.Create(r.Context(), app)
	if err != nil {
		writeErr(w, r, fail(http.StatusInternalServerError, CodeFSFailed, "backup failed"))
		return
	}
	writeOK(w, http.StatusCreated, map[string]any{"backup": info})
}

func (s *Server) handleBackupRestore(w http.ResponseWriter, r *http.Request) {
	var in struct {
		BackupName string `json:"backupName"`
		NewName    string `json:"newName"`
		Overwrite  bool   `json:"overwrite"`
	}
	if err := readJSON(w, r, &in); err != nil {
		writeErr(w, r, err)
		return
	}
	if in.BackupName == "" {
		writeErr(w, r, fail(http.StatusBadRequest, CodeBadRequest, "backupName required"))
		return
	}
	if in.NewName != "" {
		if err := routing.ValidateSlug(in.NewName); err != nil {
			writeErr(w, r, slugErr(in.NewName, err))
			return
		}
	}

	app, err := s.d.Backups.Restore(r.Context(), in.BackupName, in.NewName, in.Overwrite)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeOK(w, http.StatusOK, map[string]any{"app": app, "slug": app.Slug})
}

func (s *Server) handleBackupDelete(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if err := s.d.Backups.Delete(r.Context(), name); err != nil {
		writeErr(w, r, err)
		return
	}
	writeOK(w, http.StatusOK, map[string]any{"name": name, "deleted": true})
}
