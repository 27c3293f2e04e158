// internal/web/env.go
//
// Per-app environment handlers.
//
// Context
// -------
// The env file is the one piece of tenant state the dashboard edits in
// place, so the ordering rule matters here: the store fires its change
// hook — wired to a cache evict — before the write call returns, and
// only then does the handler answer success.  A client that sees 200
// knows the next tenant request runs under the new environment.
//
// DELETE with a key list removes those keys; DELETE without a body
// removes the whole file.
//
// Oxford commas, two spaces after periods.

package web

import (
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/platformx/platformx/internal/envfile"
	"github.com/platformx/platformx/internal/eventlog"
)

func (s *Server) handleEnvGet(w http.ResponseWriter, r *http.Request) {
	slug := chi.URLParam(r, "slug")
	if _, err := s.d.Apps.Get(r.Context(), slug); err != nil {
		writeErr(w, r, storeErr(err))
		return
	}
	vars, err := s.d.Env.Load(slug)
	if err != nil {
		writeErr(w, r, fail(http.StatusInternalServerError, CodeEnvReadFailed, "could not read the env file"))
		return
	}
	writeOK(w, http.StatusOK, map[string]any{"env": vars, "count": len(vars)})
}

func (s *Server) handleEnvPatch(w http.ResponseWriter, r *http.Request) {
	slug := chi.URLParam(r, "slug")
	var in struct {
		Env    map[string]string `json:"env"`
		Action string            `json:"action"`
	}
	if err := readJSON(w, r, &in); err != nil {
		writeErr(w, r, err)
		return
	}
	action := in.Action
	if action == "" {
		action = "merge"
	}
	if action != "merge" && action != "replace" {
		writeErr(w, r, fail(http.StatusBadRequest, CodeBadEnum, "action must be merge or replace"))
		return
	}
	if in.Env == nil {
		writeErr(w, r, fail(http.StatusBadRequest, CodeBadRequest, "env object required"))
		return
	}
	for k := range in.Env {
		if err := envfile.ValidateKey(k); err != nil {
			writeErr(w, r, fail(http.StatusBadRequest, CodeBadEnvKey, "%s", err.Error()))
			return
		}
	}

	unlock := s.d.Cache.Locks().Lock(slug)
	defer unlock()

	if _, err := s.d.Apps.Get(r.Context(), slug); err != nil {
		writeErr(w, r, storeErr(err))
		return
	}

	var (
		vars map[string]string
		err  error
	)
	if action == "replace" {
		err = s.d.Env.Save(slug, in.Env)
		vars = in.Env
	} else {
		vars, err = s.d.Env.Merge(slug, in.Env)
	}
	if err != nil {
		// Keys were validated above, so what remains is the filesystem.
		writeErr(w, r, fail(http.StatusInternalServerError, CodeEnvWriteFailed, "could not write the env file"))
		return
	}

	s.d.Events.Record(r.Context(), slug, eventlog.EventEnvUpdate, eventlog.LevelInfo,
		fmt.Sprintf("env %s, %d keys", action, len(in.Env)), nil)
	writeOK(w, http.StatusOK, map[string]any{"env": vars, "count": len(vars)})
}

func (s *Server) handleEnvDelete(w http.ResponseWriter, r *http.Request) {
	slug := chi.URLParam(r, "slug")
	var in struct {
		Keys []string `json:"keys"`
	}
	if r.ContentLength != 0 {
		if err := readJSON(w, r, &in); err != nil {
			writeErr(w, r, err)
			return
		}
	}

	unlock := s.d.Cache.Locks().Lock(slug)
	defer unlock()

	if _, err := s.d.Apps.Get(r.Context(), slug); err != nil {
		writeErr(w, r, storeErr(err))
		return
	}

	vars := map[string]string{}
	if len(in.Keys) == 0 {
		if err := s.d.Env.Remove(slug); err != nil {
			writeErr(w, r, fail(http.StatusInternalServerError, CodeEnvWriteFailed, "could not remove the env file"))
			return
		}
		s.d.Events.Record(r.Context(), slug, eventlog.EventEnvUpdate, eventlog.LevelInfo,
			"env file removed", nil)
	} else {
		var err error
		vars, err = s.d.Env.DeleteKeys(slug, in.Keys)
		if err != nil {
			writeErr(w, r, fail(http.StatusInternalServerError, CodeEnvWriteFailed, "could not write the env file"))
			return
		}
		s.d.Events.Record(r.Context(), slug, eventlog.EventEnvUpdate, eventlog.LevelInfo,
			fmt.Sprintf("env delete, %d keys", len(in.Keys)), nil)
	}
	writeOK(w, http.StatusOK, map[string]any{"env": vars, "count": len(vars)})
}
